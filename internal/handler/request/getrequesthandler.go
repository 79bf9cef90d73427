package request

import (
	"net/http"

	"github.com/neboloop/signon/internal/httputil"
	"github.com/neboloop/signon/internal/logic/request"
	"github.com/neboloop/signon/internal/svc"
)

// Poll a request's status
func GetRequestHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := request.NewGetRequestLogic(r.Context(), svcCtx)
		resp, err := l.GetRequest(httputil.PathVar(r, "id"))
		if err != nil {
			httputil.WriteError(w, err)
		} else {
			httputil.OkJSON(w, resp)
		}
	}
}
