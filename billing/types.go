/*
Package billing provides the dues settlement and eligibility engine.

PURPOSE:
  Tracks each membership's progress toward an eligibility threshold measured
  in paid months, bills it on an anniversary schedule, and reconciles payments
  from several channels (gateway events, manual cash/check entries) into a
  consistent membership state.

KEY CONCEPTS IN THIS FILE (types.go):
  - Organization: tenant boundary with an IANA timezone and config overrides
  - Membership: one member's billing state (status, paid months, next due)
  - Payment: one attempted or completed charge against a membership
  - CatchupLineItem: computed, never stored; one elapsed billing period

DESIGN PRINCIPLES:
  1. Money uses decimal.Decimal, never float64
  2. Optional fields are explicit pointers, resolved at the store boundary
  3. paidMonths only moves through settlement or an audited admin override
  4. Every mutation that can be replayed carries an idempotency key

USAGE:
  engine := billing.NewEngine(store, billing.WithLogger(log))
  res, err := engine.SettlePayment(ctx, billing.SettleInput{
      PaymentID:       "pay_01H...",
      ExternalEventID: "evt_123",
      Outcome:         billing.OutcomeSucceeded,
  })

SEE ALSO:
  - calendar.go: anniversary date arithmetic
  - catchup.go: backdated enrollment charges
  - settlement.go: payment outcome -> membership state
  - reminder.go: overdue reminder sweep
  - config.go: per-organization config resolution
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENUMS
// =============================================================================

// Frequency is how often dues are billed.
type Frequency string

const (
	FrequencyMonthly  Frequency = "monthly"
	FrequencyBiannual Frequency = "biannual"
	FrequencyAnnual   Frequency = "annual"
)

// Months returns the number of calendar months one billing period covers.
func (f Frequency) Months() int {
	switch f {
	case FrequencyMonthly:
		return 1
	case FrequencyBiannual:
		return 6
	case FrequencyAnnual:
		return 12
	default:
		return 0
	}
}

func (f Frequency) Valid() bool { return f.Months() > 0 }

// EnrollmentFeeStatus tracks the one-time enrollment fee.
type EnrollmentFeeStatus string

const (
	FeeUnpaid EnrollmentFeeStatus = "unpaid"
	FeePaid   EnrollmentFeeStatus = "paid"
	FeeWaived EnrollmentFeeStatus = "waived"
)

// SubscriptionStatus mirrors the gateway subscription. It is separate from
// MembershipStatus: a failed charge flags a payment issue here without
// touching eligibility.
type SubscriptionStatus string

const (
	SubscriptionNone         SubscriptionStatus = "none"
	SubscriptionActive       SubscriptionStatus = "active"
	SubscriptionPaymentIssue SubscriptionStatus = "payment_issue"
)

type PaymentType string

const (
	PaymentEnrollmentFee PaymentType = "enrollment_fee"
	PaymentDues          PaymentType = "dues"
	PaymentBackDues      PaymentType = "back_dues"
)

func (t PaymentType) Valid() bool {
	return t == PaymentEnrollmentFee || t == PaymentDues || t == PaymentBackDues
}

type PaymentMethod string

const (
	MethodGateway PaymentMethod = "gateway"
	MethodCash    PaymentMethod = "cash"
	MethodCheck   PaymentMethod = "check"
	MethodOther   PaymentMethod = "other"
)

// Manual reports whether the method is entered by an administrator.
func (m PaymentMethod) Manual() bool {
	return m == MethodCash || m == MethodCheck || m == MethodOther
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// Open reports whether the payment still awaits settlement.
func (s PaymentStatus) Open() bool {
	return s == PaymentPending || s == PaymentProcessing
}

// Outcome is the result reported by a payment channel.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) Valid() bool { return o == OutcomeSucceeded || o == OutcomeFailed }

// =============================================================================
// ENTITIES
// =============================================================================

// Organization is the tenant boundary.
type Organization struct {
	ID       string
	Name     string
	Timezone string // IANA name, e.g. "America/Chicago"
	Config   ConfigOverrides
	// SweepRule is an RRULE (without DTSTART) evaluated in Timezone.
	// Empty uses the process default.
	SweepRule string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location resolves the organization's timezone, falling back to UTC.
func (o Organization) Location() *time.Location {
	loc, err := LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Membership is one member's billing state within an organization.
type Membership struct {
	ID             string
	OrganizationID string
	MemberName     string
	MemberEmail    string

	Status             MembershipStatus
	SubscriptionStatus SubscriptionStatus
	BillingFrequency   Frequency
	DuesAmount         decimal.Decimal // one full billing period
	PaidMonths         int

	// BillingDay is the anniversary day-of-month (1-31).
	BillingDay          int
	BillingAnchorDate   *Date // set when enrollment was backdated
	NextPaymentDue      *Date
	EnrollmentFeeStatus EnrollmentFeeStatus

	GatewayCustomerRef     string
	GatewaySubscriptionRef string

	EligibleAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// anchorDay returns the day-of-month that anniversary billing preserves.
func (m Membership) anchorDay() int {
	switch {
	case m.BillingDay > 0:
		return m.BillingDay
	case m.BillingAnchorDate != nil:
		return m.BillingAnchorDate.Day()
	case m.NextPaymentDue != nil:
		return m.NextPaymentDue.Day()
	}
	return 0
}

// Payment is one attempted or completed charge.
type Payment struct {
	ID             string
	MembershipID   string
	OrganizationID string

	Type           PaymentType
	Method         PaymentMethod
	Status         PaymentStatus
	Amount         decimal.Decimal
	AmountPaid     decimal.Decimal
	MonthsCredited int

	DueDate     *Date
	PeriodStart *Date
	PeriodEnd   *Date
	PeriodLabel string

	InvoiceNumber string
	// ExternalRef is the gateway-side payment/invoice reference.
	ExternalRef string
	// SettlementEventID is the event that completed (or failed) the payment.
	SettlementEventID string

	PaidAt   *time.Time
	FailedAt *time.Time

	ReminderCount   int
	ReminderSentAt  *time.Time
	RemindersPaused bool
	RequiresReview  bool

	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CatchupLineItem is one elapsed billing period owed at enrollment.
type CatchupLineItem struct {
	Description string
	Amount      decimal.Decimal
	PeriodStart Date
	PeriodEnd   Date
}

// SettlementRecord is the stored result of applying one external event.
// Its ExternalEventID is unique; replays return it unchanged.
type SettlementRecord struct {
	ExternalEventID string
	PaymentID       string
	MembershipID    string
	Outcome         Outcome
	PaidMonths      int
	Status          MembershipStatus
	BecameEligible  bool
	SettledAt       time.Time
}

// Result converts the record back to the value SettlePayment returns.
func (r SettlementRecord) Result() SettlementResult {
	return SettlementResult{
		PaymentID:      r.PaymentID,
		MembershipID:   r.MembershipID,
		NewPaidMonths:  r.PaidMonths,
		NewStatus:      r.Status,
		BecameEligible: r.BecameEligible,
		Outcome:        r.Outcome,
	}
}
