// Package metrics exposes Prometheus counters for settlements, reminders,
// status changes, sweeps and HTTP traffic. Collector implements
// billing.Recorder.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/dues-engine/billing"
)

const namespace = "dues"

// Collector owns its registry so tests and multiple engines never collide on
// the global one.
type Collector struct {
	registry *prometheus.Registry

	Settlements   *prometheus.CounterVec
	EventsIgnored *prometheus.CounterVec
	Reminders     *prometheus.CounterVec
	StatusChanges *prometheus.CounterVec
	Sweeps        *prometheus.CounterVec
	SweepDuration *prometheus.HistogramVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Payment outcomes processed, by outcome and result (applied, duplicate, error).",
		}, []string{"outcome", "result"}),
		EventsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ignored_total",
			Help:      "Gateway events acknowledged without a matching membership.",
		}, []string{"reason"}),
		Reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_total",
			Help:      "Reminder attempts by organization and result (sent, delivery_failed, error).",
		}, []string{"organization_id", "result"}),
		StatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_status_changes_total",
			Help:      "Membership status transitions.",
		}, []string{"from", "to"}),
		Sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Organization sweeps by trigger and status.",
		}, []string{"trigger", "status"}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one organization sweep.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"method", "route", "status_code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		c.Settlements, c.EventsIgnored, c.Reminders, c.StatusChanges,
		c.Sweeps, c.SweepDuration, c.HTTPRequests, c.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// billing.Recorder

func (c *Collector) Settlement(outcome billing.Outcome, result string) {
	c.Settlements.WithLabelValues(string(outcome), result).Inc()
}

func (c *Collector) EventIgnored(reason string) { c.EventsIgnored.WithLabelValues(reason).Inc() }

func (c *Collector) Reminder(orgID, result string) { c.Reminders.WithLabelValues(orgID, result).Inc() }

func (c *Collector) StatusChange(from, to billing.MembershipStatus) {
	c.StatusChanges.WithLabelValues(string(from), string(to)).Inc()
}

// SweepFinished records one organization sweep.
func (c *Collector) SweepFinished(trigger, status string, took time.Duration) {
	c.Sweeps.WithLabelValues(trigger, status).Inc()
	c.SweepDuration.WithLabelValues(trigger).Observe(took.Seconds())
}

// Middleware counts requests by chi route pattern, so path parameters do not
// explode label cardinality.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
