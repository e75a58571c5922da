/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  Handlers stay thin: decode, call the service, encode.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. requestLog: slog line per request
  4. Metrics:    Latency and status by route pattern
  5. CORS:       Cross-origin requests

ROUTE GROUPS:
  /v2/values/*          Value creation, reads and state changes
  /v2/contacts/*        Contacts and generic code attach
  /v2/transactions/*    Checkout, debit, credit, transfer, compensation, reads
  /healthz              Liveness and store reachability
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  Authentication is expected in front of this router.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/ledgerd/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/valueledger/metrics"
)

// RouterOptions configures the cross-cutting parts of the router.
type RouterOptions struct {
	CORSOrigins []string
	Metrics     *metrics.Metrics
	// Gatherer backs /metrics. The route is omitted when nil.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(h.logger))
	r.Use(opts.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v2", func(r chi.Router) {
		r.Route("/values", func(r chi.Router) {
			r.Post("/", h.CreateValue)
			r.Get("/{id}", h.GetValue)
			r.Patch("/{id}", h.UpdateValue)
		})

		r.Route("/contacts", func(r chi.Router) {
			r.Post("/", h.CreateContact)
			r.Post("/{id}/values/attach", h.AttachValue)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/checkout", h.Checkout)
			r.Post("/debit", h.Debit)
			r.Post("/credit", h.Credit)
			r.Post("/transfer", h.Transfer)
			r.Get("/{id}", h.GetTransaction)
			r.Get("/{id}/chain", h.GetChain)
			r.Post("/{id}/reverse", h.Reverse)
			r.Post("/{id}/capture", h.Capture)
			r.Post("/{id}/void", h.Void)
		})
	})

	return r
}

// requestLog writes one structured line per request.
func requestLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
