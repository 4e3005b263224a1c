/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logging:    One structured line per request (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus counters by route pattern (when configured)
  6. CORS:       Cross-origin requests for an admin frontend

ROUTE GROUPS:
  /api/webhooks/*       Gateway webhooks
  /api/events/*         Decoded payment events
  /api/organizations/*  Tenant configuration and sweeps
  /api/memberships/*    Enrollment and membership administration
  /api/payments/*       Settlement, reminders, review queue
  /metrics              Prometheus
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/metrics"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// Metrics adds the /metrics endpoint and request counters when set.
	Metrics        *metrics.Collector
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/stripe", h.StripeWebhook)

		r.Route("/events", func(r chi.Router) {
			r.Post("/", h.ProcessEvent)
			r.Post("/batch", h.ProcessEventBatch)
		})

		r.Route("/organizations", func(r chi.Router) {
			r.Post("/", h.SaveOrganization)
			r.Get("/{id}/billing-config", h.GetBillingConfig)
			r.Put("/{id}/billing-config", h.UpdateBillingConfig)
			r.Post("/{id}/sweep", h.TriggerSweep)
			r.Get("/{id}/sweep-runs", h.ListSweepRuns)
		})

		r.Route("/memberships", func(r chi.Router) {
			r.Post("/", h.Enroll)
			r.Get("/{id}", h.GetMembership)
			r.Get("/{id}/payments", h.ListPayments)
			r.Post("/{id}/catchup-preview", h.PreviewCatchup)
			r.Post("/{id}/manual-payments", h.RecordManualPayment)
			r.Post("/{id}/paid-months", h.AdjustPaidMonths)
			r.Post("/{id}/reinstate", h.Reinstate)
			r.Post("/{id}/agreement-sent", h.AgreementSent)
			r.Post("/{id}/agreement-signed", h.AgreementSigned)
			r.Get("/{id}/audit", h.GetAudit)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Get("/review", h.ReviewQueue)
			r.Post("/{id}/settle", h.SettlePayment)
			r.Post("/{id}/remind", h.SendReminder)
			r.Post("/{id}/pause-reminders", h.PauseReminders)
			r.Post("/{id}/resume-reminders", h.ResumeReminders)
			r.Post("/{id}/clear-review", h.ClearReview)
			r.Post("/{id}/refund", h.RefundPayment)
		})
	})

	return r
}

// requestLogger replaces middleware.Logger with structured zap output.
func requestLogger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Infow("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
