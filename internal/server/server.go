package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/handler"
	"github.com/neboloop/signon/internal/handler/operator"
	"github.com/neboloop/signon/internal/handler/request"
	"github.com/neboloop/signon/internal/logging"
	"github.com/neboloop/signon/internal/svc"
)

// Run serves the HTTP API and the control plane until ctx is cancelled,
// then drains in-flight requests within the configured shutdown timeout.
func Run(ctx context.Context, svcCtx *svc.ServiceContext) error {
	c := svcCtx.Config
	ln, err := net.Listen("tcp", c.Addr())
	if err != nil {
		return err
	}

	// No ReadTimeout/WriteTimeout: they would cut hijacked websocket
	// connections. The control plane runs its own ping/pong deadlines.
	httpServer := &http.Server{
		Handler:           Handler(svcCtx),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logging.Infof("Server ready at http://%s", ln.Addr())
		errc <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logging.Infof("Shutting down server gracefully...")
	timeout := c.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	_ = svcCtx.Hub.Close()
	return httpServer.Shutdown(shutdownCtx)
}

// Handler builds the router.
func Handler(svcCtx *svc.ServiceContext) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(requestLogger(logging.Named("http")))
	r.Use(chimw.Recoverer)

	r.Get("/health", handler.HealthCheckHandler(svcCtx))
	r.Method(http.MethodGet, "/metrics", svcCtx.Metrics.Handler())
	r.Method(http.MethodGet, "/ws", svcCtx.Hub)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(corsMiddleware(svcCtx.Config.ControlPlane.AllowedOrigins))
		r.Use(securityHeadersMiddleware)
		r.Use(auth.Middleware(svcCtx.Verifier))
		registerRequestRoutes(r, svcCtx)
		registerOperatorRoutes(r, svcCtx)
	})
	return r
}

func registerRequestRoutes(r chi.Router, svcCtx *svc.ServiceContext) {
	r.With(auth.RequireRole(auth.RoleRequester)).Post("/requests", request.SubmitRequestHandler(svcCtx))
	r.With(auth.RequireRole(auth.RoleRequester, auth.RoleOperator)).Get("/requests/{id}", request.GetRequestHandler(svcCtx))
	r.With(auth.RequireRole(auth.RoleRequester)).Post("/requests/{id}/intervention", request.InterventionHandler(svcCtx))
}

func registerOperatorRoutes(r chi.Router, svcCtx *svc.ServiceContext) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRole(auth.RoleOperator))
		r.Get("/operator/queue", operator.QueueHandler(svcCtx))
		r.Get("/operator/connections", operator.ConnectionsHandler(svcCtx))
		r.Get("/operator/commands", operator.CommandsHandler(svcCtx))
		r.Post("/requests/{id}/decision", operator.DecisionHandler(svcCtx))
		r.Post("/requests/{id}/cancel", operator.CancelHandler(svcCtx))
		r.Get("/requests/{id}/commands", operator.RequestCommandsHandler(svcCtx))
		r.Get("/profiles", operator.ListProfilesHandler(svcCtx))
		r.Post("/profiles/{id}/recycle", operator.RecycleProfileHandler(svcCtx))
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows same-origin requests and the configured origins.
// "*" allows any origin.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (slices.Contains(allowed, "*") || slices.Contains(allowed, origin)) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}
