package operator

import (
	"net/http"

	"github.com/neboloop/signon/internal/httputil"
	"github.com/neboloop/signon/internal/logic/operator"
	"github.com/neboloop/signon/internal/svc"
)

// Command audit for one request
func RequestCommandsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := operator.NewAuditLogic(r.Context(), svcCtx)
		resp, err := l.Commands(httputil.PathVar(r, "id"), httputil.QueryInt(r, "limit", 100))
		if err != nil {
			httputil.WriteError(w, err)
		} else {
			httputil.OkJSON(w, resp)
		}
	}
}

// Recent command audit across all requests
func CommandsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := operator.NewAuditLogic(r.Context(), svcCtx)
		resp, err := l.Commands(httputil.QueryString(r, "requestId", ""), httputil.QueryInt(r, "limit", 100))
		if err != nil {
			httputil.WriteError(w, err)
		} else {
			httputil.OkJSON(w, resp)
		}
	}
}

func ConnectionsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := operator.NewAuditLogic(r.Context(), svcCtx)
		resp, err := l.Connections()
		if err != nil {
			httputil.WriteError(w, err)
		} else {
			httputil.OkJSON(w, resp)
		}
	}
}
