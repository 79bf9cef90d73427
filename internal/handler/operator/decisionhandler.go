package operator

import (
	"net/http"

	"github.com/neboloop/signon/internal/httputil"
	"github.com/neboloop/signon/internal/logic/operator"
	"github.com/neboloop/signon/internal/svc"
	"github.com/neboloop/signon/internal/types"
)

func DecisionHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.DecisionRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.WriteError(w, err)
			return
		}

		l := operator.NewDecisionLogic(r.Context(), svcCtx)
		resp, err := l.Decision(httputil.PathVar(r, "id"), &req)
		if err != nil {
			httputil.WriteError(w, err)
		} else {
			httputil.OkJSON(w, resp)
		}
	}
}
