package operator

import (
	"net/http"

	"github.com/neboloop/signon/internal/httputil"
	"github.com/neboloop/signon/internal/logic/operator"
	"github.com/neboloop/signon/internal/svc"
)

func ListProfilesHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := operator.NewProfilesLogic(r.Context(), svcCtx)
		resp, err := l.Profiles()
		if err != nil {
			httputil.WriteError(w, err)
		} else {
			httputil.OkJSON(w, resp)
		}
	}
}

func RecycleProfileHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := operator.NewProfilesLogic(r.Context(), svcCtx)
		resp, err := l.Recycle(httputil.PathVar(r, "id"))
		if err != nil {
			httputil.WriteError(w, err)
		} else {
			httputil.WriteJSON(w, http.StatusAccepted, resp)
		}
	}
}
