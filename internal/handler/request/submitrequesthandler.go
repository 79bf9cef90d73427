package request

import (
	"net/http"

	"github.com/neboloop/signon/internal/httputil"
	"github.com/neboloop/signon/internal/logic/request"
	"github.com/neboloop/signon/internal/svc"
	"github.com/neboloop/signon/internal/types"
)

// Open a new automation request
func SubmitRequestHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SubmitRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.WriteError(w, err)
			return
		}

		l := request.NewSubmitRequestLogic(r.Context(), svcCtx)
		resp, err := l.SubmitRequest(&req)
		if err != nil {
			httputil.WriteError(w, err)
		} else {
			httputil.WriteJSON(w, http.StatusCreated, resp)
		}
	}
}
