/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       chi router wiring the middleware chain (security headers
             → request id → recoverer → request logger → body size
             limit → timeout), then the seven routes: fill/intent/
             postback (rate-limited writes), reports/delivery
             (ops-gated reads), healthz and metrics (open).
Root Cause:  One seam assembling config, engine and middleware into
             an http.Handler main.go can serve directly.
Context:     Mirrors the teacher's chi-based router structure and
             ordering.
Suitability: L3 — routing/wiring, no business logic.
──────────────────────────────────────────────────────────────
*/

package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/crystalford/flyback/config"
	"github.com/crystalford/flyback/engine"
	"github.com/crystalford/flyback/metrics"
	"github.com/crystalford/flyback/middleware"
)

// NewRouter builds the full HTTP surface.
func NewRouter(cfg *config.Config, eng *engine.Engine, m *metrics.Metrics, logger zerolog.Logger) http.Handler {
	api := &API{Engine: eng, Logger: logger, Metrics: m}

	r := chi.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(maxBodySize(cfg.MaxBodyBytes))
	r.Use(middleware.Timeout(logger, cfg.RequestTimeout))

	r.Get("/healthz", api.Healthz)
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	rateLimiter := middleware.NewRateLimiter(logger, cfg.RateLimitEnabled, cfg.RateLimitMax, cfg.RateLimitWindow, cfg.RateLimitMaxKeys, cfg.RateLimitBypass)
	opsAuth := middleware.NewOpsAuth(logger, cfg.OpsTokenSecret, cfg.OpsTokenTTL)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(rateLimiter.Handler(writeKey))
			r.Post("/fill", api.Fill)
			r.Post("/intent", api.Intent)
			r.Get("/postback", api.Postback)
		})

		r.Group(func(r chi.Router) {
			r.Use(opsAuth.Handler)
			r.Get("/reports", api.Reports)
			r.Get("/delivery", api.Delivery)
		})
	})

	return r
}

// writeKey buckets rate limiting on a publisher_id query param when
// present, otherwise on the remote addr. None of the write routes
// carries publisher_id in its query (GET /v1/postback takes token_id),
// and POST bodies aren't parsed twice just to extract a limiter key.
func writeKey(r *http.Request) string {
	if pid := r.URL.Query().Get("publisher_id"); pid != "" {
		return pid
	}
	return r.RemoteAddr
}

func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
