package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/billing/store"
	"github.com/warp/dues-engine/gateway"
	"github.com/warp/dues-engine/lock"
	"github.com/warp/dues-engine/metrics"
)

const (
	testOrg       = "org-1"
	webhookSecret = "whsec_api_test"
)

var chicago = mustLocation("America/Chicago")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func at(day string, hour int) time.Time {
	d := billing.MustParseDate(day)
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, chicago)
}

type testServer struct {
	store     *store.Memory
	engine    *billing.Engine
	scheduler *api.SweepScheduler
	metrics   *metrics.Collector
	router    http.Handler

	mu      sync.Mutex
	now     time.Time
	sent    []billing.Notification
	failing bool
}

func newTestServer(t *testing.T, now time.Time) *testServer {
	t.Helper()
	s := &testServer{store: store.NewMemory(), now: now, metrics: metrics.New()}
	s.engine = billing.NewEngine(s.store,
		billing.WithClock(s.clock),
		billing.WithNotifier(billing.NotifierFunc(s.send)),
		billing.WithRecorder(s.metrics),
	)
	s.scheduler = api.NewSweepScheduler(s.engine, s.store, lock.NewLocal(), nil)
	s.scheduler.Observer = s.metrics
	h := api.NewHandler(s.engine, s.store, s.scheduler, gateway.NewStripe(webhookSecret), nil)
	s.router = api.NewRouter(h, api.RouterOptions{Metrics: s.metrics})

	require.NoError(t, s.store.SaveOrganization(context.Background(), billing.Organization{
		ID:       testOrg,
		Name:     "Unity Hall",
		Timezone: "America/Chicago",
	}))
	return s
}

func (s *testServer) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *testServer) setNow(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

func (s *testServer) send(_ context.Context, n billing.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("mailbox unavailable")
	}
	s.sent = append(s.sent, n)
	return nil
}

// do sends body (a string is sent as is, anything else as JSON) and decodes
// the response into out when out is non-nil.
func (s *testServer) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "treasurer@example.com")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func (s *testServer) enroll(t *testing.T, id, fee string) api.EnrollResponse {
	t.Helper()
	var resp api.EnrollResponse
	rec := s.do(t, http.MethodPost, "/api/memberships", map[string]any{
		"id":                id,
		"organization_id":   testOrg,
		"member_name":       "Dana Reyes",
		"member_email":      "dana@example.com",
		"billing_frequency": "monthly",
		"dues_amount":       "40",
		"enrollment_fee":    fee,
	}, &resp)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return resp
}

func duesPayment(t *testing.T, resp api.EnrollResponse) api.PaymentDTO {
	t.Helper()
	for _, p := range resp.Payments {
		if p.Type == string(billing.PaymentDues) {
			return p
		}
	}
	t.Fatalf("no dues payment in %+v", resp.Payments)
	return api.PaymentDTO{}
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

func TestOrganization_SaveAndBillingConfig(t *testing.T) {
	s := newTestServer(t, at("2024-03-10", 12))

	var org api.OrganizationDTO
	rec := s.do(t, http.MethodPost, "/api/organizations", map[string]any{
		"id":         "org-2",
		"name":       "Harbor Lodge",
		"timezone":   "America/New_York",
		"sweep_rule": "FREQ=DAILY;BYHOUR=6",
		"config":     map[string]any{"max_reminders": 2},
	}, &org)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, org.Config.MaxReminders)
	assert.Equal(t, []int{3, 7, 14}, org.Config.ReminderSchedule)

	var cfg api.BillingConfigDTO
	rec = s.do(t, http.MethodGet, "/api/organizations/org-2/billing-config", nil, &cfg)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, 2, cfg.Resolved.MaxReminders)

	// PUT replaces the overrides as a whole
	rec = s.do(t, http.MethodPut, "/api/organizations/org-2/billing-config",
		map[string]any{"eligibility_months": 12}, &cfg)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 12, cfg.Resolved.EligibilityMonths)
	assert.Equal(t, 3, cfg.Resolved.MaxReminders)

	stored, err := s.store.GetOrganization(context.Background(), "org-2")
	require.NoError(t, err)
	assert.Equal(t, "FREQ=DAILY;BYHOUR=6", stored.SweepRule)
}

func TestOrganization_Rejections(t *testing.T) {
	s := newTestServer(t, at("2024-03-10", 12))

	tests := map[string]struct {
		body  map[string]any
		field string
	}{
		"missing name":     {map[string]any{"id": "o", "timezone": "UTC"}, "name"},
		"unknown timezone": {map[string]any{"id": "o", "name": "O", "timezone": "Mars/Olympus"}, "timezone"},
		"bad sweep rule":   {map[string]any{"id": "o", "name": "O", "timezone": "UTC", "sweep_rule": "FREQ=SOMETIMES"}, "sweep_rule"},
		"bad schedule": {map[string]any{"id": "o", "name": "O", "timezone": "UTC",
			"config": map[string]any{"reminder_schedule": []int{7, 3}}}, "reminder_schedule"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var errResp api.ErrorResponse
			rec := s.do(t, http.MethodPost, "/api/organizations", tc.body, &errResp)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.field, errResp.Field)
		})
	}

	rec := s.do(t, http.MethodGet, "/api/organizations/nope/billing-config", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// MEMBERSHIPS
// =============================================================================

func TestEnrollAndSettle(t *testing.T) {
	// GIVEN: a new monthly membership with an enrollment fee
	// WHEN: both opening invoices are settled
	// THEN: the fee is paid, one month is credited and the anniversary advances

	s := newTestServer(t, at("2024-03-10", 12))
	resp := s.enroll(t, "mem-1", "25")

	assert.Equal(t, "pending", resp.Membership.Status)
	assert.Equal(t, "40.00", resp.Membership.DuesAmount)
	require.Len(t, resp.Payments, 2)
	dues := duesPayment(t, resp)
	assert.Equal(t, "March 2024", dues.PeriodLabel)

	for _, p := range resp.Payments {
		var res api.SettlementDTO
		rec := s.do(t, http.MethodPost, "/api/payments/"+p.ID+"/settle",
			map[string]any{"outcome": "succeeded", "external_event_id": "evt_" + p.ID}, &res)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.False(t, res.Duplicate)
	}

	var m api.MembershipDTO
	rec := s.do(t, http.MethodGet, "/api/memberships/mem-1", nil, &m)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, m.PaidMonths)
	assert.Equal(t, "paid", m.EnrollmentFeeStatus)
	assert.Equal(t, "2024-04-10", m.NextPaymentDue)

	var payments []api.PaymentDTO
	rec = s.do(t, http.MethodGet, "/api/memberships/mem-1/payments?status=completed", nil, &payments)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, payments, 2)

	var audit []api.AuditEntryDTO
	rec = s.do(t, http.MethodGet, "/api/memberships/mem-1/audit?limit=1", nil, &audit)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, audit, 1)
	assert.Equal(t, "payment_settled", audit[0].Action)
	assert.Equal(t, "treasurer@example.com", audit[0].Actor)
}

func TestEnroll_Validation(t *testing.T) {
	s := newTestServer(t, at("2024-03-10", 12))

	var errResp api.ErrorResponse
	rec := s.do(t, http.MethodPost, "/api/memberships", map[string]any{
		"organization_id":   testOrg,
		"member_name":       "Dana Reyes",
		"member_email":      "not-an-email",
		"billing_frequency": "monthly",
		"dues_amount":       "40",
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "member_email", errResp.Field)

	rec = s.do(t, http.MethodPost, "/api/memberships", `{"organization_id": `, &errResp)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "body", errResp.Field)

	s.enroll(t, "mem-1", "0")
	rec = s.do(t, http.MethodPost, "/api/memberships", map[string]any{
		"id":                "mem-1",
		"organization_id":   testOrg,
		"member_name":       "Dana Reyes",
		"member_email":      "dana@example.com",
		"billing_frequency": "monthly",
		"dues_amount":       "40",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEnroll_BackdatedAndPreview(t *testing.T) {
	s := newTestServer(t, at("2024-04-10", 12))

	var resp api.EnrollResponse
	rec := s.do(t, http.MethodPost, "/api/memberships", map[string]any{
		"id":                  "mem-1",
		"organization_id":     testOrg,
		"member_name":         "Dana Reyes",
		"member_email":        "dana@example.com",
		"billing_frequency":   "monthly",
		"dues_amount":         "40",
		"billing_anchor_date": "2024-01-15",
	}, &resp)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotNil(t, resp.Catchup)
	assert.Equal(t, 3, resp.Catchup.Months)
	assert.Equal(t, "120.00", resp.Catchup.TotalAmount)

	s.setNow(at("2024-05-20", 12))
	var preview api.CatchupDTO
	rec = s.do(t, http.MethodPost, "/api/memberships/mem-1/catchup-preview", nil, &preview)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 4, preview.Months)
	assert.Equal(t, "160.00", preview.TotalAmount)
	assert.Equal(t, "2024-06-15", preview.NextPaymentDue)
	require.Len(t, preview.LineItems, 4)
	assert.Equal(t, "2024-01-15", preview.LineItems[0].PeriodStart)
}

func TestManualPayment_IdempotentResubmission(t *testing.T) {
	s := newTestServer(t, at("2024-03-10", 12))
	s.enroll(t, "mem-1", "0")
	body := map[string]any{"method": "cash", "amount": "40", "type": "dues", "idempotency_key": "form-1", "notes": "paid at meeting"}

	var first, second api.ManualPaymentResponse
	rec := s.do(t, http.MethodPost, "/api/memberships/mem-1/manual-payments", body, &first)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodPost, "/api/memberships/mem-1/manual-payments", body, &second)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, "completed", first.Payment.Status)
	assert.Equal(t, "cash", first.Payment.Method)
	assert.Equal(t, 1, first.Settlement.NewPaidMonths)
	assert.True(t, second.Settlement.Duplicate)

	rec = s.do(t, http.MethodPost, "/api/memberships/mem-1/manual-payments",
		map[string]any{"method": "gateway", "amount": "40"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMembershipAdministration(t *testing.T) {
	s := newTestServer(t, at("2024-03-10", 12))
	s.enroll(t, "mem-1", "0")

	var m api.MembershipDTO
	rec := s.do(t, http.MethodPost, "/api/memberships/mem-1/agreement-signed", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "signing requires a sent agreement")

	rec = s.do(t, http.MethodPost, "/api/memberships/mem-1/agreement-sent", nil, &m)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "awaiting_signature", m.Status)

	rec = s.do(t, http.MethodPost, "/api/memberships/mem-1/agreement-signed", nil, &m)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "waiting_period", m.Status)

	rec = s.do(t, http.MethodPost, "/api/memberships/mem-1/paid-months",
		map[string]any{"paid_months": 24, "reason": "transferred from Harbor Lodge"}, &m)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 24, m.PaidMonths)

	rec = s.do(t, http.MethodPost, "/api/memberships/mem-1/paid-months",
		map[string]any{"paid_months": 24}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = s.do(t, http.MethodPost, "/api/memberships/mem-1/reinstate", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "only cancelled memberships are reinstated")

	rec = s.do(t, http.MethodGet, "/api/memberships/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPaymentReminderControls(t *testing.T) {
	s := newTestServer(t, at("2024-03-10", 12))
	dues := duesPayment(t, s.enroll(t, "mem-1", "0"))

	var fired api.ReminderDTO
	rec := s.do(t, http.MethodPost, "/api/payments/"+dues.ID+"/remind", nil, &fired)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, fired.ReminderNumber)
	assert.True(t, fired.Delivered)
	require.Len(t, s.sent, 1)
	assert.Equal(t, "dana@example.com", s.sent[0].Recipient.Email)

	s.mu.Lock()
	s.failing = true
	s.mu.Unlock()
	rec = s.do(t, http.MethodPost, "/api/payments/"+dues.ID+"/remind", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var p api.PaymentDTO
	rec = s.do(t, http.MethodPost, "/api/payments/"+dues.ID+"/pause-reminders", nil, &p)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, p.RemindersPaused)
	assert.Equal(t, 2, p.ReminderCount, "a failed delivery still uses its slot")

	rec = s.do(t, http.MethodPost, "/api/payments/"+dues.ID+"/resume-reminders", nil, &p)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, p.RemindersPaused)

	rec = s.do(t, http.MethodPost, "/api/payments/"+dues.ID+"/clear-review", nil, &p)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, p.ReminderCount)

	rec = s.do(t, http.MethodPost, "/api/payments/missing/remind", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReviewQueue(t *testing.T) {
	s := newTestServer(t, at("2024-03-10", 12))
	require.NoError(t, s.store.SaveOrganization(context.Background(), billing.Organization{
		ID:       testOrg,
		Name:     "Unity Hall",
		Timezone: "America/Chicago",
		Config:   billing.ConfigOverrides{MaxReminders: intPtr(1)},
	}))
	dues := duesPayment(t, s.enroll(t, "mem-1", "0"))

	rec := s.do(t, http.MethodPost, "/api/payments/"+dues.ID+"/remind", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var queue []api.PaymentDTO
	rec = s.do(t, http.MethodGet, "/api/payments/review?organization_id="+testOrg, nil, &queue)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, queue, 1)
	assert.Equal(t, dues.ID, queue[0].ID)
	assert.True(t, queue[0].RequiresReview)

	rec = s.do(t, http.MethodGet, "/api/payments/review", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefund(t *testing.T) {
	s := newTestServer(t, at("2024-03-10", 12))
	dues := duesPayment(t, s.enroll(t, "mem-1", "0"))

	rec := s.do(t, http.MethodPost, "/api/payments/"+dues.ID+"/refund", map[string]any{"reason": "duplicate charge"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "pending payments cannot be refunded")

	rec = s.do(t, http.MethodPost, "/api/payments/"+dues.ID+"/settle", map[string]any{"outcome": "succeeded"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var p api.PaymentDTO
	rec = s.do(t, http.MethodPost, "/api/payments/"+dues.ID+"/refund", map[string]any{"reason": "duplicate charge"}, &p)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "refunded", p.Status)

	rec = s.do(t, http.MethodPost, "/api/payments/"+dues.ID+"/refund", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")
}

// =============================================================================
// EVENTS
// =============================================================================

func TestProcessEvent_AndBatch(t *testing.T) {
	s := newTestServer(t, at("2024-03-10", 12))
	s.enroll(t, "mem-1", "0")

	var res api.SettlementDTO
	rec := s.do(t, http.MethodPost, "/api/events", map[string]any{
		"external_event_id": "evt_1",
		"membership_id":     "mem-1",
		"outcome":           "succeeded",
		"amount":            "40",
	}, &res)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, res.NewPaidMonths)

	rec = s.do(t, http.MethodPost, "/api/events", map[string]any{"external_event_id": "evt_2"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var batch api.EventBatchDTO
	rec = s.do(t, http.MethodPost, "/api/events/batch", []map[string]any{
		{"external_event_id": "evt_1", "membership_id": "mem-1", "outcome": "succeeded"},
		{"external_event_id": "evt_3", "outcome": "bogus"},
		{"external_event_id": "evt_4", "subscription_ref": "sub_unknown", "outcome": "succeeded"},
	}, &batch)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, batch.Results, 3)
	assert.True(t, batch.Results[0].Settlement.Duplicate)
	assert.NotEmpty(t, batch.Results[1].Error)
	assert.True(t, batch.Results[2].Settlement.Ignored)
	assert.Equal(t, 1, batch.Failed)
}

func signed(t *testing.T, payload string) *http.Request {
	t.Helper()
	sig := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig.Header)
	return req
}

func TestStripeWebhook(t *testing.T) {
	// GIVEN: a membership with one open dues invoice
	// WHEN: Stripe reports the invoice paid, twice
	// THEN: one month is credited and the replay is acknowledged as a duplicate

	s := newTestServer(t, at("2024-03-10", 12))
	s.enroll(t, "mem-1", "0")
	payload := `{
		"id": "evt_wh_1",
		"object": "event",
		"type": "invoice.paid",
		"created": 1710086400,
		"data": {"object": {
			"id": "in_1",
			"object": "invoice",
			"amount_paid": 4000,
			"customer": "cus_1",
			"metadata": {"membership_id": "mem-1"}
		}}
	}`

	for i, wantDuplicate := range []bool{false, true} {
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, signed(t, payload))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var ack api.WebhookAck
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
		require.NotNil(t, ack.Settlement, "delivery %d", i)
		assert.Equal(t, 1, ack.Settlement.NewPaidMonths)
		assert.Equal(t, wantDuplicate, ack.Settlement.Duplicate)
	}

	t.Run("unhandled type is acknowledged", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, signed(t, `{"id": "evt_x", "object": "event", "type": "customer.created", "data": {"object": {}}}`))
		require.Equal(t, http.StatusOK, rec.Code)
		var ack api.WebhookAck
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
		assert.False(t, ack.Handled)
		assert.Nil(t, ack.Settlement)
	})

	t.Run("bad signature is rejected", func(t *testing.T) {
		req := signed(t, payload)
		req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

// =============================================================================
// SWEEPS, HEALTH, METRICS
// =============================================================================

func TestTriggerSweep(t *testing.T) {
	s := newTestServer(t, at("2024-03-10", 12))
	s.enroll(t, "mem-1", "0")
	s.setNow(at("2024-03-14", 12))

	var run api.SweepRunDTO
	rec := s.do(t, http.MethodPost, "/api/organizations/"+testOrg+"/sweep", nil, &run)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "manual", run.Trigger)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, "2024-03-14", run.RunDate)
	assert.Equal(t, 1, run.RemindersSent)

	var runs []api.SweepRunDTO
	rec = s.do(t, http.MethodGet, "/api/organizations/"+testOrg+"/sweep-runs", nil, &runs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	rec = s.do(t, http.MethodPost, "/api/organizations/nope/sweep", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, at("2024-03-10", 12))
	s.enroll(t, "mem-1", "0")

	rec := s.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "dues_http_requests_total")
	assert.Contains(t, body, `route="/api/memberships`)
	assert.Contains(t, body, `status_code="201"`)
	assert.Contains(t, body, "dues_settlements_total")
}

func intPtr(n int) *int { return &n }
