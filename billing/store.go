package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Store is the persistence boundary of the engine. Reads return a
// NotFoundError (errors.Is ErrNotFound) for missing rows. Updates are partial:
// only non-nil fields of the update structs are written.
type Store interface {
	OrganizationStore
	MembershipStore
	PaymentStore
	SettlementStore
	AuditLog
}

// TxStore executes fn atomically. All reads and writes through the Store
// handed to fn see one consistent snapshot.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

type OrganizationStore interface {
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	ListOrganizations(ctx context.Context) ([]Organization, error)
	SaveOrganization(ctx context.Context, org Organization) error
}

type MembershipStore interface {
	GetMembership(ctx context.Context, id string) (*Membership, error)
	InsertMembership(ctx context.Context, m Membership) error
	// FindMembershipByGatewayRef matches the gateway customer or
	// subscription reference.
	FindMembershipByGatewayRef(ctx context.Context, ref string) (*Membership, error)
	// UpdateMembership applies upd only when the stored status equals
	// expectStatus (empty skips the guard); otherwise ErrStaleWrite.
	UpdateMembership(ctx context.Context, id string, expectStatus MembershipStatus, upd MembershipUpdate) error
	// ListMembershipsByStatus returns an organization's memberships in any of
	// the given statuses.
	ListMembershipsByStatus(ctx context.Context, orgID string, statuses ...MembershipStatus) ([]Membership, error)
}

type PaymentStore interface {
	GetPayment(ctx context.Context, id string) (*Payment, error)
	// InsertPayment returns ErrDuplicate when the id is taken.
	InsertPayment(ctx context.Context, p Payment) error
	// FindPaymentByExternalRef returns the most recent payment carrying ref.
	FindPaymentByExternalRef(ctx context.Context, ref string) (*Payment, error)
	// ListPayments returns a membership's payments, oldest due first.
	ListPayments(ctx context.Context, membershipID string, statuses ...PaymentStatus) ([]Payment, error)
	// TransitionPayment moves a payment to upd.Status only if its current
	// status is one of from; otherwise ErrStaleWrite.
	TransitionPayment(ctx context.Context, id string, from []PaymentStatus, upd PaymentUpdate) error
	// UpdatePayment writes bookkeeping fields without a status guard.
	UpdatePayment(ctx context.Context, id string, upd PaymentUpdate) error
	// ListReminderCandidates returns the organization's payments that are
	// pending or failed, not paused, not under review, due on or before
	// today and below maxReminders.
	ListReminderCandidates(ctx context.Context, orgID string, today Date, maxReminders int) ([]Payment, error)
	// RecordReminder increments reminder_count from expectCount to
	// expectCount+1, sets reminder_sent_at and the review flag. A count other
	// than expectCount yields ErrStaleWrite.
	RecordReminder(ctx context.Context, id string, expectCount int, sentAt time.Time, requiresReview bool) error
	// ListPaymentsRequiringReview returns the organization's escalated payments.
	ListPaymentsRequiringReview(ctx context.Context, orgID string) ([]Payment, error)
}

type SettlementStore interface {
	GetSettlement(ctx context.Context, externalEventID string) (*SettlementRecord, error)
	// InsertSettlement returns ErrDuplicate if the event id was already used.
	InsertSettlement(ctx context.Context, rec SettlementRecord) error
}

// =============================================================================
// PARTIAL UPDATES
// =============================================================================

type MembershipUpdate struct {
	Status              *MembershipStatus
	SubscriptionStatus  *SubscriptionStatus
	PaidMonths          *int
	NextPaymentDue      *Date
	BillingAnchorDate   *Date
	EnrollmentFeeStatus *EnrollmentFeeStatus
	EligibleAt          *time.Time
	UpdatedAt           time.Time
}

type PaymentUpdate struct {
	Status            *PaymentStatus
	Method            *PaymentMethod
	AmountPaid        *decimal.Decimal
	SettlementEventID *string
	ExternalRef       *string
	PaidAt            *time.Time
	FailedAt          *time.Time
	ReminderCount     *int
	RemindersPaused   *bool
	RequiresReview    *bool
	Notes             *string
	UpdatedAt         time.Time
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditAction string

const (
	AuditPaymentSettled         AuditAction = "payment_settled"
	AuditPaymentFailed          AuditAction = "payment_failed"
	AuditManualPayment          AuditAction = "manual_payment"
	AuditPaidMonthsOverride     AuditAction = "paid_months_override"
	AuditReinstated             AuditAction = "reinstated"
	AuditStatusChanged          AuditAction = "status_changed"
	AuditReminderSent           AuditAction = "reminder_sent"
	AuditReminderDeliveryFailed AuditAction = "reminder_delivery_failed"
	AuditPaymentRefunded        AuditAction = "payment_refunded"
	AuditCatchupCreated         AuditAction = "catchup_created"
	AuditRemindersPaused        AuditAction = "reminders_paused"
	AuditReviewCleared          AuditAction = "review_cleared"
)

// AuditEntry records who did what when. Append-only.
type AuditEntry struct {
	ID             string
	At             time.Time
	Actor          string // "system" for automated actions
	Action         AuditAction
	OrganizationID string
	MembershipID   string
	PaymentID      string
	Payload        map[string]any
}

type AuditFilter struct {
	OrganizationID string
	MembershipID   string
	PaymentID      string
	Actions        []AuditAction
	Limit          int
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// SystemActor is recorded for automated actions.
const SystemActor = "system"

// =============================================================================
// SWEEP RUNS
// =============================================================================

type SweepTrigger string

const (
	TriggerScheduled SweepTrigger = "scheduled"
	TriggerManual    SweepTrigger = "manual"
)

// SweepRun records one organization's daily sweep. (organization, run date,
// trigger) is unique; a later save for the same key overwrites it.
type SweepRun struct {
	ID               string
	OrganizationID   string
	RunDate          Date
	Trigger          SweepTrigger
	Status           string // running, completed, failed
	RemindersSent    int
	DeliveryFailures int
	Lapsed           int
	Cancelled        int
	Errors           int
	Error            string
	StartedAt        time.Time
	CompletedAt      *time.Time
}

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// SweepRunStore is implemented by the stores; the scheduler uses it to run
// each organization at most once per local day.
type SweepRunStore interface {
	SaveSweepRun(ctx context.Context, run SweepRun) error
	// SweepCompleted reports whether a scheduled sweep finished for the
	// organization on runDate.
	SweepCompleted(ctx context.Context, orgID string, runDate Date) (bool, error)
	ListSweepRuns(ctx context.Context, orgID string, limit int) ([]SweepRun, error)
}
