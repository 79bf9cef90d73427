package handler

import (
	"net/http"
	"time"

	"github.com/neboloop/signon/internal/httputil"
	"github.com/neboloop/signon/internal/svc"
	"github.com/neboloop/signon/internal/types"
)

func HealthCheckHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := svcCtx.Pool.Stats()
		status := "healthy"
		if stats.Size > 0 && stats.Error == stats.Size {
			status = "degraded"
		}
		httputil.OkJSON(w, &types.HealthResponse{
			Status:                  status,
			Version:                 svcCtx.Version,
			Timestamp:               time.Now().UTC().Format(time.RFC3339),
			Pool:                    stats,
			QueueWaiting:            svcCtx.Pool.Waiting(),
			OldestPendingAgeSeconds: int(svcCtx.Machine.OldestPendingAge().Seconds()),
			Connections:             len(svcCtx.Hub.Connections()),
		})
	}
}
