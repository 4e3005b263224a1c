package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ManualPaymentInput is an administrator recording cash, check or another
// offline payment.
type ManualPaymentInput struct {
	MembershipID string
	// PaymentID settles an existing open invoice instead of creating one.
	PaymentID      string
	Type           PaymentType
	Method         PaymentMethod
	Amount         decimal.Decimal
	MonthsCredited *int
	// IdempotencyKey makes a resubmitted form resolve to the same payment.
	IdempotencyKey string
	ReceivedAt     time.Time
	Actor          string
	Notes          string
}

// RecordManualPayment settles the named invoice, else the membership's oldest
// open invoice of the same type, else a new payment. It goes through the same
// path as gateway events, keyed by "manual:<payment id>", or by the
// idempotency key when one is given.
func (e *Engine) RecordManualPayment(ctx context.Context, in ManualPaymentInput) (Payment, SettlementResult, error) {
	if !in.Method.Manual() {
		return Payment{}, SettlementResult{}, validationf("method", "manual payments must be cash, check or other, got %q", in.Method)
	}
	if in.Amount.IsNegative() {
		return Payment{}, SettlementResult{}, validationf("amount", "must not be negative")
	}
	m, err := e.store.GetMembership(ctx, in.MembershipID)
	if err != nil {
		return Payment{}, SettlementResult{}, err
	}

	if in.IdempotencyKey != "" {
		if prior, err := e.store.GetSettlement(ctx, manualKey(*m, in, "")); err == nil {
			p, err := e.store.GetPayment(ctx, prior.PaymentID)
			if err != nil {
				return Payment{}, SettlementResult{}, err
			}
			res := prior.Result()
			res.Duplicate = true
			return *p, res, nil
		} else if !IsNotFound(err) {
			return Payment{}, SettlementResult{}, Persistence(err, "load settlement")
		}
	}

	var p *Payment
	switch {
	case in.PaymentID != "":
		p, err = e.store.GetPayment(ctx, in.PaymentID)
		if err != nil {
			return Payment{}, SettlementResult{}, err
		}
		if p.MembershipID != m.ID {
			return Payment{}, SettlementResult{}, validationf("payment_id", "payment %s belongs to another membership", p.ID)
		}
	default:
		p, err = e.openInvoiceFor(ctx, *m, in)
		if err != nil {
			return Payment{}, SettlementResult{}, err
		}
		if p == nil {
			p, err = e.createManualPayment(ctx, *m, in)
			if err != nil {
				return Payment{}, SettlementResult{}, err
			}
		}
	}

	res, err := e.SettlePayment(ctx, SettleInput{
		PaymentID:       p.ID,
		ExternalEventID: manualKey(*m, in, p.ID),
		Outcome:         OutcomeSucceeded,
		AmountPaid:      in.Amount,
		OccurredAt:      in.ReceivedAt,
		Method:          in.Method,
		Actor:           in.Actor,
	})
	if err != nil {
		return *p, SettlementResult{}, err
	}
	if !res.Duplicate {
		e.audit(ctx, e.store, AuditEntry{
			Action:         AuditManualPayment,
			Actor:          in.Actor,
			OrganizationID: m.OrganizationID,
			MembershipID:   m.ID,
			PaymentID:      p.ID,
			Payload: map[string]any{
				"method": string(in.Method),
				"amount": in.Amount.StringFixed(2),
				"notes":  in.Notes,
			},
		})
	}
	if fresh, err := e.store.GetPayment(ctx, p.ID); err == nil {
		p = fresh
	}
	return *p, res, nil
}

func manualKey(m Membership, in ManualPaymentInput, paymentID string) string {
	if in.IdempotencyKey != "" {
		return "manual:" + m.ID + ":" + in.IdempotencyKey
	}
	return "manual:" + paymentID
}

// openInvoiceFor returns the oldest pending, processing or failed dues (or
// back dues) payment the entry pays for, or nil when there is none. An
// explicit months credit that differs from the invoice's is a separate entry.
func (e *Engine) openInvoiceFor(ctx context.Context, m Membership, in ManualPaymentInput) (*Payment, error) {
	typ := in.Type
	if typ == "" {
		typ = PaymentDues
	}
	if typ != PaymentDues && typ != PaymentBackDues {
		return nil, nil
	}
	open, err := e.store.ListPayments(ctx, m.ID, PaymentPending, PaymentProcessing, PaymentFailed)
	if err != nil {
		return nil, Persistence(err, "list open payments")
	}
	for _, p := range open {
		if p.Type != typ {
			continue
		}
		if in.MonthsCredited != nil && *in.MonthsCredited != p.MonthsCredited {
			continue
		}
		return &p, nil
	}
	return nil, nil
}

func (e *Engine) createManualPayment(ctx context.Context, m Membership, in ManualPaymentInput) (*Payment, error) {
	typ := in.Type
	if typ == "" {
		typ = PaymentDues
	}
	if !typ.Valid() {
		return nil, validationf("type", "unknown payment type %q", typ)
	}
	months := 0
	switch {
	case in.MonthsCredited != nil:
		months = *in.MonthsCredited
	case typ == PaymentDues:
		months = m.BillingFrequency.Months()
	}
	if months < 0 {
		return nil, validationf("months_credited", "must not be negative")
	}
	if typ == PaymentEnrollmentFee && months != 0 {
		return nil, validationf("months_credited", "an enrollment fee credits no months")
	}

	id := NewID("pay")
	if in.IdempotencyKey != "" {
		id = DerivedID("pay", "manual", m.ID, in.IdempotencyKey)
	}
	now := e.now()
	p := Payment{
		ID:             id,
		MembershipID:   m.ID,
		OrganizationID: m.OrganizationID,
		Type:           typ,
		Method:         in.Method,
		Status:         PaymentPending,
		Amount:         in.Amount,
		MonthsCredited: months,
		Notes:          in.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if typ == PaymentDues && m.NextPaymentDue != nil {
		due := *m.NextPaymentDue
		p.DueDate = &due
		p.PeriodStart = &due
		p.PeriodLabel = periodLabel(due, m.BillingFrequency)
	}
	err := e.store.InsertPayment(ctx, p)
	if IsConflict(err) {
		return e.store.GetPayment(ctx, id)
	}
	if err != nil {
		return nil, Persistence(err, "insert manual payment")
	}
	return &p, nil
}
