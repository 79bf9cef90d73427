package operator

import (
	"net/http"

	"github.com/neboloop/signon/internal/httputil"
	"github.com/neboloop/signon/internal/logic/operator"
	"github.com/neboloop/signon/internal/svc"
)

func CancelHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := operator.NewCancelLogic(r.Context(), svcCtx)
		resp, err := l.Cancel(httputil.PathVar(r, "id"))
		if err != nil {
			httputil.WriteError(w, err)
		} else {
			httputil.OkJSON(w, resp)
		}
	}
}
