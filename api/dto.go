/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Organization:
    SaveOrganizationRequest, OrganizationDTO, BillingConfigDTO

  Membership:
    EnrollRequest, EnrollResponse, MembershipDTO, CatchupPreviewRequest,
    CatchupDTO, AdjustPaidMonthsRequest, ReinstateRequest

  Payment:
    PaymentDTO, SettleRequest, ManualPaymentRequest, ManualPaymentResponse,
    RefundRequest, ReminderDTO

  Events:
    PaymentEventRequest, SettlementDTO, EventBatchDTO

  Sweeps and audit:
    SweepRunDTO, AuditEntryDTO

VALIDATION:
  Request types carry validator tags; handlers call decodeAndValidate, which
  reports failures as billing validation errors (400). Business rules are
  checked again by the engine.

MONEY:
  Amounts are decimal strings ("40.00") on the way out. On the way in both
  strings and JSON numbers are accepted.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/billing"
)

// =============================================================================
// ORGANIZATIONS
// =============================================================================

// SaveOrganizationRequest creates or replaces an organization.
type SaveOrganizationRequest struct {
	ID        string                  `json:"id" validate:"required"`
	Name      string                  `json:"name" validate:"required"`
	Timezone  string                  `json:"timezone" validate:"required"`
	SweepRule string                  `json:"sweep_rule,omitempty"`
	Config    billing.ConfigOverrides `json:"config"`
}

// OrganizationDTO is an organization with its resolved config.
type OrganizationDTO struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Timezone  string                `json:"timezone"`
	SweepRule string                `json:"sweep_rule,omitempty"`
	Config    billing.BillingConfig `json:"config"`
	CreatedAt string                `json:"created_at,omitempty"`
	UpdatedAt string                `json:"updated_at,omitempty"`
}

// BillingConfigDTO is the resolved config plus the stored overrides.
type BillingConfigDTO struct {
	OrganizationID string                  `json:"organization_id"`
	Timezone       string                  `json:"timezone"`
	Resolved       billing.BillingConfig   `json:"resolved"`
	Overrides      billing.ConfigOverrides `json:"overrides"`
}

func toOrganizationDTO(r billing.ResolvedOrg) OrganizationDTO {
	o := r.Organization
	return OrganizationDTO{
		ID:        o.ID,
		Name:      o.Name,
		Timezone:  o.Timezone,
		SweepRule: o.SweepRule,
		Config:    r.Config,
		CreatedAt: formatTime(o.CreatedAt),
		UpdatedAt: formatTime(o.UpdatedAt),
	}
}

// =============================================================================
// MEMBERSHIPS
// =============================================================================

// EnrollRequest creates a membership.
type EnrollRequest struct {
	ID                string            `json:"id,omitempty"`
	OrganizationID    string            `json:"organization_id" validate:"required"`
	MemberName        string            `json:"member_name" validate:"required"`
	MemberEmail       string            `json:"member_email" validate:"required,email"`
	Frequency         billing.Frequency `json:"billing_frequency" validate:"required,oneof=monthly biannual annual"`
	DuesAmount        decimal.Decimal   `json:"dues_amount"`
	EnrollmentFee     decimal.Decimal   `json:"enrollment_fee"`
	SignupAt          *time.Time        `json:"signup_at,omitempty"`
	BillingAnchorDate *billing.Date     `json:"billing_anchor_date,omitempty"`
}

// MembershipDTO represents a membership in API responses.
type MembershipDTO struct {
	ID                  string `json:"id"`
	OrganizationID      string `json:"organization_id"`
	MemberName          string `json:"member_name"`
	MemberEmail         string `json:"member_email"`
	Status              string `json:"status"`
	SubscriptionStatus  string `json:"subscription_status"`
	BillingFrequency    string `json:"billing_frequency"`
	DuesAmount          string `json:"dues_amount"`
	PaidMonths          int    `json:"paid_months"`
	BillingDay          int    `json:"billing_day,omitempty"`
	BillingAnchorDate   string `json:"billing_anchor_date,omitempty"`
	NextPaymentDue      string `json:"next_payment_due,omitempty"`
	EnrollmentFeeStatus string `json:"enrollment_fee_status"`
	EligibleAt          string `json:"eligible_at,omitempty"`
	CreatedAt           string `json:"created_at,omitempty"`
	UpdatedAt           string `json:"updated_at,omitempty"`
}

func toMembershipDTO(m billing.Membership) MembershipDTO {
	return MembershipDTO{
		ID:                  m.ID,
		OrganizationID:      m.OrganizationID,
		MemberName:          m.MemberName,
		MemberEmail:         m.MemberEmail,
		Status:              string(m.Status),
		SubscriptionStatus:  string(m.SubscriptionStatus),
		BillingFrequency:    string(m.BillingFrequency),
		DuesAmount:          m.DuesAmount.StringFixed(2),
		PaidMonths:          m.PaidMonths,
		BillingDay:          m.BillingDay,
		BillingAnchorDate:   formatDate(m.BillingAnchorDate),
		NextPaymentDue:      formatDate(m.NextPaymentDue),
		EnrollmentFeeStatus: string(m.EnrollmentFeeStatus),
		EligibleAt:          formatTimePtr(m.EligibleAt),
		CreatedAt:           formatTime(m.CreatedAt),
		UpdatedAt:           formatTime(m.UpdatedAt),
	}
}

// EnrollResponse is the new membership and its opening invoices.
type EnrollResponse struct {
	Membership MembershipDTO `json:"membership"`
	Payments   []PaymentDTO  `json:"payments"`
	Catchup    *CatchupDTO   `json:"catchup,omitempty"`
}

// CatchupPreviewRequest optionally overrides the stored anchor date.
type CatchupPreviewRequest struct {
	BillingAnchorDate *billing.Date `json:"billing_anchor_date,omitempty"`
}

// CatchupLineItemDTO is one elapsed billing period.
type CatchupLineItemDTO struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// CatchupDTO is a catch-up computation.
type CatchupDTO struct {
	Months         int                  `json:"months"`
	TotalAmount    string               `json:"total_amount"`
	Summary        string               `json:"summary"`
	LineItems      []CatchupLineItemDTO `json:"line_items"`
	NextPaymentDue string               `json:"next_payment_due,omitempty"`
}

func toCatchupDTO(res billing.CatchupResult, next *billing.Date) *CatchupDTO {
	return &CatchupDTO{
		Months:      res.Months(),
		TotalAmount: res.TotalAmount.StringFixed(2),
		Summary:     res.Summary,
		LineItems: lo.Map(res.LineItems, func(li billing.CatchupLineItem, _ int) CatchupLineItemDTO {
			return CatchupLineItemDTO{
				Description: li.Description,
				Amount:      li.Amount.StringFixed(2),
				PeriodStart: li.PeriodStart.String(),
				PeriodEnd:   li.PeriodEnd.String(),
			}
		}),
		NextPaymentDue: formatDate(next),
	}
}

// AdjustPaidMonthsRequest overrides the paid-month count.
type AdjustPaidMonthsRequest struct {
	PaidMonths *int   `json:"paid_months" validate:"required,gte=0"`
	Reason     string `json:"reason" validate:"required"`
}

type ReinstateRequest struct {
	ResetPaidMonths bool `json:"reset_paid_months"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentDTO represents a payment in API responses.
type PaymentDTO struct {
	ID              string `json:"id"`
	MembershipID    string `json:"membership_id"`
	OrganizationID  string `json:"organization_id"`
	Type            string `json:"type"`
	Method          string `json:"method"`
	Status          string `json:"status"`
	Amount          string `json:"amount"`
	AmountPaid      string `json:"amount_paid"`
	MonthsCredited  int    `json:"months_credited"`
	DueDate         string `json:"due_date,omitempty"`
	PeriodStart     string `json:"period_start,omitempty"`
	PeriodEnd       string `json:"period_end,omitempty"`
	PeriodLabel     string `json:"period_label,omitempty"`
	InvoiceNumber   string `json:"invoice_number,omitempty"`
	ExternalRef     string `json:"external_ref,omitempty"`
	PaidAt          string `json:"paid_at,omitempty"`
	FailedAt        string `json:"failed_at,omitempty"`
	ReminderCount   int    `json:"reminder_count"`
	ReminderSentAt  string `json:"reminder_sent_at,omitempty"`
	RemindersPaused bool   `json:"reminders_paused"`
	RequiresReview  bool   `json:"requires_review"`
	Notes           string `json:"notes,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:              p.ID,
		MembershipID:    p.MembershipID,
		OrganizationID:  p.OrganizationID,
		Type:            string(p.Type),
		Method:          string(p.Method),
		Status:          string(p.Status),
		Amount:          p.Amount.StringFixed(2),
		AmountPaid:      p.AmountPaid.StringFixed(2),
		MonthsCredited:  p.MonthsCredited,
		DueDate:         formatDate(p.DueDate),
		PeriodStart:     formatDate(p.PeriodStart),
		PeriodEnd:       formatDate(p.PeriodEnd),
		PeriodLabel:     p.PeriodLabel,
		InvoiceNumber:   p.InvoiceNumber,
		ExternalRef:     p.ExternalRef,
		PaidAt:          formatTimePtr(p.PaidAt),
		FailedAt:        formatTimePtr(p.FailedAt),
		ReminderCount:   p.ReminderCount,
		ReminderSentAt:  formatTimePtr(p.ReminderSentAt),
		RemindersPaused: p.RemindersPaused,
		RequiresReview:  p.RequiresReview,
		Notes:           p.Notes,
		CreatedAt:       formatTime(p.CreatedAt),
	}
}

func toPaymentDTOs(ps []billing.Payment) []PaymentDTO {
	return lo.Map(ps, func(p billing.Payment, _ int) PaymentDTO { return toPaymentDTO(p) })
}

// SettleRequest reports an outcome for one payment.
type SettleRequest struct {
	ExternalEventID string                `json:"external_event_id,omitempty"`
	Outcome         billing.Outcome       `json:"outcome" validate:"required,oneof=succeeded failed"`
	AmountPaid      decimal.Decimal       `json:"amount_paid"`
	OccurredAt      *time.Time            `json:"occurred_at,omitempty"`
	Method          billing.PaymentMethod `json:"method,omitempty" validate:"omitempty,oneof=gateway cash check other"`
}

// ManualPaymentRequest records a cash, check or other offline payment.
type ManualPaymentRequest struct {
	PaymentID      string                `json:"payment_id,omitempty"`
	Type           billing.PaymentType   `json:"type,omitempty" validate:"omitempty,oneof=enrollment_fee dues back_dues"`
	Method         billing.PaymentMethod `json:"method" validate:"required,oneof=cash check other"`
	Amount         decimal.Decimal       `json:"amount"`
	MonthsCredited *int                  `json:"months_credited,omitempty" validate:"omitempty,gte=0"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
	ReceivedAt     *time.Time            `json:"received_at,omitempty"`
	Notes          string                `json:"notes,omitempty"`
}

type ManualPaymentResponse struct {
	Payment    PaymentDTO    `json:"payment"`
	Settlement SettlementDTO `json:"settlement"`
}

type RefundRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// ReminderDTO is one reminder sent by hand.
type ReminderDTO struct {
	PaymentID      string `json:"payment_id"`
	MembershipID   string `json:"membership_id"`
	ReminderNumber int    `json:"reminder_number"`
	DaysOverdue    int    `json:"days_overdue"`
	Escalated      bool   `json:"escalated"`
	Delivered      bool   `json:"delivered"`
}

func toReminderDTO(r billing.FiredReminder) ReminderDTO {
	return ReminderDTO{
		PaymentID:      r.PaymentID,
		MembershipID:   r.MembershipID,
		ReminderNumber: r.ReminderNumber,
		DaysOverdue:    r.DaysOverdue,
		Escalated:      r.Escalated,
		Delivered:      r.Delivered,
	}
}

// =============================================================================
// EVENTS
// =============================================================================

// PaymentEventRequest is an already decoded gateway event.
type PaymentEventRequest struct {
	ExternalEventID string          `json:"external_event_id" validate:"required"`
	Ref             string          `json:"ref,omitempty"`
	SubscriptionRef string          `json:"subscription_ref,omitempty"`
	MembershipID    string          `json:"membership_id,omitempty"`
	PaymentID       string          `json:"payment_id,omitempty"`
	Outcome         billing.Outcome `json:"outcome" validate:"required,oneof=succeeded failed"`
	Amount          decimal.Decimal `json:"amount"`
	OccurredAt      *time.Time      `json:"occurred_at,omitempty"`
}

func (r PaymentEventRequest) event(now time.Time) billing.PaymentEvent {
	occurred := now
	if r.OccurredAt != nil {
		occurred = *r.OccurredAt
	}
	return billing.PaymentEvent{
		ExternalEventID: r.ExternalEventID,
		Ref:             r.Ref,
		SubscriptionRef: r.SubscriptionRef,
		MembershipID:    r.MembershipID,
		PaymentID:       r.PaymentID,
		Outcome:         r.Outcome,
		Amount:          r.Amount,
		OccurredAt:      occurred,
	}
}

// SettlementDTO is the result of applying one outcome.
type SettlementDTO struct {
	PaymentID      string `json:"payment_id,omitempty"`
	MembershipID   string `json:"membership_id,omitempty"`
	Outcome        string `json:"outcome"`
	NewPaidMonths  int    `json:"new_paid_months"`
	NewStatus      string `json:"new_status,omitempty"`
	BecameEligible bool   `json:"became_eligible"`
	Duplicate      bool   `json:"duplicate"`
	Ignored        bool   `json:"ignored"`
}

func toSettlementDTO(r billing.SettlementResult) SettlementDTO {
	return SettlementDTO{
		PaymentID:      r.PaymentID,
		MembershipID:   r.MembershipID,
		Outcome:        string(r.Outcome),
		NewPaidMonths:  r.NewPaidMonths,
		NewStatus:      string(r.NewStatus),
		BecameEligible: r.BecameEligible,
		Duplicate:      r.Duplicate,
		Ignored:        r.Ignored,
	}
}

// EventResultDTO is one entry of a batch response.
type EventResultDTO struct {
	ExternalEventID string         `json:"external_event_id"`
	Settlement      *SettlementDTO `json:"settlement,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// EventBatchDTO reports each event of a batch in submission order.
type EventBatchDTO struct {
	Results []EventResultDTO `json:"results"`
	Failed  int              `json:"failed"`
}

// WebhookAck is returned to the gateway.
type WebhookAck struct {
	Received   bool           `json:"received"`
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	Handled    bool           `json:"handled"`
	Settlement *SettlementDTO `json:"settlement,omitempty"`
}

// =============================================================================
// SWEEPS AND AUDIT
// =============================================================================

// SweepRunDTO represents one organization sweep.
type SweepRunDTO struct {
	ID               string `json:"id"`
	OrganizationID   string `json:"organization_id"`
	RunDate          string `json:"run_date"`
	Trigger          string `json:"trigger"`
	Status           string `json:"status"`
	RemindersSent    int    `json:"reminders_sent"`
	DeliveryFailures int    `json:"delivery_failures"`
	Lapsed           int    `json:"lapsed"`
	Cancelled        int    `json:"cancelled"`
	Errors           int    `json:"errors"`
	Error            string `json:"error,omitempty"`
	StartedAt        string `json:"started_at"`
	CompletedAt      string `json:"completed_at,omitempty"`
}

func toSweepRunDTO(r billing.SweepRun) SweepRunDTO {
	return SweepRunDTO{
		ID:               r.ID,
		OrganizationID:   r.OrganizationID,
		RunDate:          r.RunDate.String(),
		Trigger:          string(r.Trigger),
		Status:           r.Status,
		RemindersSent:    r.RemindersSent,
		DeliveryFailures: r.DeliveryFailures,
		Lapsed:           r.Lapsed,
		Cancelled:        r.Cancelled,
		Errors:           r.Errors,
		Error:            r.Error,
		StartedAt:        formatTime(r.StartedAt),
		CompletedAt:      formatTimePtr(r.CompletedAt),
	}
}

// AuditEntryDTO is one audit log entry.
type AuditEntryDTO struct {
	ID           string         `json:"id"`
	At           string         `json:"at"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	MembershipID string         `json:"membership_id,omitempty"`
	PaymentID    string         `json:"payment_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

func toAuditEntryDTO(e billing.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:           e.ID,
		At:           formatTime(e.At),
		Actor:        e.Actor,
		Action:       string(e.Action),
		MembershipID: e.MembershipID,
		PaymentID:    e.PaymentID,
		Payload:      e.Payload,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// FORMATTING
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func formatDate(d *billing.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}
