package request

import (
	"net/http"

	"github.com/neboloop/signon/internal/httputil"
	"github.com/neboloop/signon/internal/logic/request"
	"github.com/neboloop/signon/internal/svc"
	"github.com/neboloop/signon/internal/types"
)

// Supply a one-time code or challenge answer
func InterventionHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.InterventionRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.WriteError(w, err)
			return
		}

		l := request.NewInterventionLogic(r.Context(), svcCtx)
		resp, err := l.Intervention(httputil.PathVar(r, "id"), &req)
		if err != nil {
			httputil.WriteError(w, err)
		} else {
			httputil.OkJSON(w, resp)
		}
	}
}
