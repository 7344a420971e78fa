package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/lynk/internal/api"
	"github.com/lalithlochan/lynk/internal/metrics"
	"github.com/lalithlochan/lynk/internal/observ"
	"github.com/lalithlochan/lynk/internal/redis"
	"github.com/lalithlochan/lynk/internal/tracking"
)

// Router builds the gateway's HTTP routes.
func (a *App) Router() http.Handler {
	logger := a.Logger

	var idempotency *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if a.Redis != nil {
		idempotency = redis.NewIdempotencyService(a.Redis, logger)
		rateLimiter = redis.NewRateLimiter(a.Redis, logger, redis.RateLimitConfig{
			Limit:  a.Config.APIRateLimit,
			Window: time.Minute,
		})
	}

	var handler *api.Handler
	if idempotency != nil {
		handler = api.NewHandlerWithIdempotency(logger, a.Repo, a.Sender, a.Hooks, idempotency)
	} else {
		handler = api.NewHandler(logger, a.Repo, a.Sender, a.Hooks)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	// Tracking pixels are fetched by mail clients: no rate limit, no timeout
	// middleware, and the response never depends on the database.
	tracking.NewHandler(a.Repo, a.Signer, observ.Component(logger, "tracking")).
		AllowRawIDs(a.Config.TrackingAllowRaw).
		Routes(r)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))
		handler.Routes(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		report, err := a.Health(ctx)
		status := http.StatusOK
		if err != nil {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
