package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testOrg = "org-1"

var chicago = mustLocation("America/Chicago")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func date(s string) billing.Date { return billing.MustParseDate(s) }

func datePtr(s string) *billing.Date {
	d := billing.MustParseDate(s)
	return &d
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// noon returns 12:00 on the given local day in Chicago.
func noon(day string) time.Time {
	d := billing.MustParseDate(day)
	return time.Date(d.Year(), d.Month(), d.Day(), 12, 0, 0, 0, chicago)
}

type fixture struct {
	store    *store.Memory
	engine   *billing.Engine
	notifier *recordingNotifier

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, now time.Time, overrides billing.ConfigOverrides, opts ...billing.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemory(),
		notifier: &recordingNotifier{},
		now:      now,
	}
	require.NoError(t, f.store.SaveOrganization(context.Background(), billing.Organization{
		ID:       testOrg,
		Name:     "Unity Hall",
		Timezone: "America/Chicago",
		Config:   overrides,
	}))
	all := append([]billing.Option{
		billing.WithClock(f.clock),
		billing.WithNotifier(f.notifier),
	}, opts...)
	f.engine = billing.NewEngine(f.store, all...)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

type memberOpt func(*billing.Membership)

func withPaidMonths(n int) memberOpt { return func(m *billing.Membership) { m.PaidMonths = n } }

func withNextDue(s string) memberOpt {
	return func(m *billing.Membership) {
		m.NextPaymentDue = datePtr(s)
		m.BillingDay = m.NextPaymentDue.Day()
	}
}

func withFrequency(freq billing.Frequency) memberOpt {
	return func(m *billing.Membership) { m.BillingFrequency = freq }
}

func withSubscriptionRef(ref string) memberOpt {
	return func(m *billing.Membership) { m.GatewaySubscriptionRef = ref }
}

func withCustomerRef(ref string) memberOpt {
	return func(m *billing.Membership) { m.GatewayCustomerRef = ref }
}

func (f *fixture) addMembership(t *testing.T, id string, status billing.MembershipStatus, opts ...memberOpt) billing.Membership {
	t.Helper()
	m := billing.Membership{
		ID:                  id,
		OrganizationID:      testOrg,
		MemberName:          "Member " + id,
		MemberEmail:         id + "@example.com",
		Status:              status,
		SubscriptionStatus:  billing.SubscriptionActive,
		BillingFrequency:    billing.FrequencyMonthly,
		DuesAmount:          money("40.00"),
		EnrollmentFeeStatus: billing.FeePaid,
		CreatedAt:           f.clock(),
		UpdatedAt:           f.clock(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	require.NoError(t, f.store.InsertMembership(context.Background(), m))
	return m
}

type paymentOpt func(*billing.Payment)

func withDue(s string) paymentOpt { return func(p *billing.Payment) { p.DueDate = datePtr(s) } }

func withType(typ billing.PaymentType, months int) paymentOpt {
	return func(p *billing.Payment) {
		p.Type = typ
		p.MonthsCredited = months
	}
}

func withStatus(s billing.PaymentStatus) paymentOpt {
	return func(p *billing.Payment) { p.Status = s }
}

func withExternalRef(ref string) paymentOpt {
	return func(p *billing.Payment) { p.ExternalRef = ref }
}

func (f *fixture) addPayment(t *testing.T, id, membershipID string, opts ...paymentOpt) billing.Payment {
	t.Helper()
	p := billing.Payment{
		ID:             id,
		MembershipID:   membershipID,
		OrganizationID: testOrg,
		Type:           billing.PaymentDues,
		Method:         billing.MethodGateway,
		Status:         billing.PaymentPending,
		Amount:         money("40.00"),
		MonthsCredited: 1,
		CreatedAt:      f.clock(),
		UpdatedAt:      f.clock(),
	}
	for _, opt := range opts {
		opt(&p)
	}
	require.NoError(t, f.store.InsertPayment(context.Background(), p))
	return p
}

func (f *fixture) membership(t *testing.T, id string) billing.Membership {
	t.Helper()
	m, err := f.store.GetMembership(context.Background(), id)
	require.NoError(t, err)
	return *m
}

func (f *fixture) payment(t *testing.T, id string) billing.Payment {
	t.Helper()
	p, err := f.store.GetPayment(context.Background(), id)
	require.NoError(t, err)
	return *p
}

// recordingNotifier records every send and fails for addresses in failFor.
type recordingNotifier struct {
	mu      sync.Mutex
	sent    []billing.Notification
	failFor map[string]error
}

func (n *recordingNotifier) Send(_ context.Context, msg billing.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	if err, ok := n.failFor[msg.Recipient.Email]; ok {
		return err
	}
	return nil
}

func (n *recordingNotifier) failing(email string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor == nil {
		n.failFor = make(map[string]error)
	}
	n.failFor[email] = err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func intPtr(n int) *int { return &n }

func boolPtr(b bool) *bool { return &b }
