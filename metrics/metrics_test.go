package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/metrics"
)

func TestCollector_RecordsEngineEvents(t *testing.T) {
	c := metrics.New()
	var r billing.Recorder = c

	r.Settlement(billing.OutcomeSucceeded, "applied")
	r.Settlement(billing.OutcomeSucceeded, "applied")
	r.Settlement(billing.OutcomeSucceeded, "duplicate")
	r.EventIgnored("unlinked")
	r.Reminder("org-1", "sent")
	r.StatusChange(billing.StatusActive, billing.StatusLapsed)
	c.SweepFinished("scheduled", "completed", 30*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Settlements.WithLabelValues("succeeded", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Settlements.WithLabelValues("succeeded", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EventsIgnored.WithLabelValues("unlinked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Reminders.WithLabelValues("org-1", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StatusChanges.WithLabelValues("active", "lapsed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Sweeps.WithLabelValues("scheduled", "completed")))
}

func TestCollector_MiddlewareUsesRoutePattern(t *testing.T) {
	c := metrics.New()
	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/api/memberships/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", c.Handler())

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/memberships/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET", "/api/memberships/{id}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dues_http_requests_total")
}
