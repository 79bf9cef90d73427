package operator

import (
	"net/http"

	"github.com/neboloop/signon/internal/httputil"
	"github.com/neboloop/signon/internal/logic/operator"
	"github.com/neboloop/signon/internal/svc"
)

// List requests awaiting an operator. ?all=true lists every live request.
func QueueHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := operator.NewQueueLogic(r.Context(), svcCtx)
		resp, err := l.Queue(httputil.QueryString(r, "all", "") == "true")
		if err != nil {
			httputil.WriteError(w, err)
		} else {
			httputil.OkJSON(w, resp)
		}
	}
}
