package billing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// PaymentEvent is a decoded payment-lifecycle event from a gateway. The wire
// format belongs to the gateway package; the engine only sees this shape.
type PaymentEvent struct {
	ExternalEventID string
	// Ref is the gateway payment or invoice reference.
	Ref string
	// SubscriptionRef is the gateway subscription or customer reference.
	SubscriptionRef string
	// MembershipID and PaymentID come from metadata when the checkout set them.
	MembershipID string
	PaymentID    string
	Outcome      Outcome
	Amount       decimal.Decimal
	OccurredAt   time.Time
}

// ProcessEvent links an event to a payment and settles it. An event that
// cannot be linked is logged and acknowledged (Ignored) without error.
func (e *Engine) ProcessEvent(ctx context.Context, ev PaymentEvent) (SettlementResult, error) {
	if ev.ExternalEventID == "" {
		return SettlementResult{}, validationf("external_event_id", "required")
	}
	if !ev.Outcome.Valid() {
		return SettlementResult{}, validationf("outcome", "must be succeeded or failed, got %q", ev.Outcome)
	}

	if prior, err := e.store.GetSettlement(ctx, ev.ExternalEventID); err == nil {
		res := prior.Result()
		res.Duplicate = true
		e.recorder.Settlement(ev.Outcome, "duplicate")
		return res, nil
	} else if !IsNotFound(err) {
		return SettlementResult{}, Persistence(err, "load settlement")
	}

	p, err := e.resolvePayment(ctx, ev)
	var skip *skippedEvent
	if errors.As(err, &skip) {
		e.log.Warnw("payment event not settled, acknowledging",
			"event_id", ev.ExternalEventID, "ref", ev.Ref, "membership_id", ev.MembershipID,
			"payment_id", ev.PaymentID, "reason", skip.reason, "detail", skip.detail)
		e.recorder.EventIgnored(skip.reason)
		return SettlementResult{Ignored: true, Outcome: ev.Outcome}, nil
	}
	if IsNotFound(err) {
		e.log.Warnw("payment event not linked to a membership, acknowledging",
			"event_id", ev.ExternalEventID, "ref", ev.Ref, "subscription_ref", ev.SubscriptionRef,
			"membership_id", ev.MembershipID, "reason", err)
		e.recorder.EventIgnored("unlinked")
		return SettlementResult{Ignored: true, Outcome: ev.Outcome}, nil
	}
	if err != nil {
		return SettlementResult{}, err
	}

	return e.SettlePayment(ctx, SettleInput{
		PaymentID:       p.ID,
		ExternalEventID: ev.ExternalEventID,
		Outcome:         ev.Outcome,
		AmountPaid:      ev.Amount,
		OccurredAt:      ev.OccurredAt,
	})
}

// EventOutcome pairs an event with what happened to it.
type EventOutcome struct {
	Event  PaymentEvent
	Result SettlementResult
	Err    error
}

// ProcessEvents settles a batch in order. One failing event never blocks the
// rest; persistence errors are reported per event so the sender can retry.
func (e *Engine) ProcessEvents(ctx context.Context, events []PaymentEvent) []EventOutcome {
	out := make([]EventOutcome, 0, len(events))
	for _, ev := range events {
		res, err := e.ProcessEvent(ctx, ev)
		if err != nil {
			e.log.Errorw("payment event failed", "event_id", ev.ExternalEventID, "error", err)
		}
		out = append(out, EventOutcome{Event: ev, Result: res, Err: err})
	}
	return out
}

// skippedEvent links to a membership but must not settle anything.
type skippedEvent struct {
	reason string
	detail string
}

func (s *skippedEvent) Error() string { return s.reason + ": " + s.detail }

// resolvePayment finds the payment an event settles:
//  1. payment id from metadata (must belong to the metadata membership)
//  2. gateway reference
//  3. the membership's oldest open payment
//  4. a new dues payment for a recurring charge on a known membership,
//     unless the period the charge pays for is already covered
func (e *Engine) resolvePayment(ctx context.Context, ev PaymentEvent) (*Payment, error) {
	if ev.PaymentID != "" {
		p, err := e.store.GetPayment(ctx, ev.PaymentID)
		if err == nil && ev.MembershipID != "" && p.MembershipID != ev.MembershipID {
			return nil, &skippedEvent{
				reason: "membership_mismatch",
				detail: "payment " + p.ID + " belongs to " + p.MembershipID + ", not " + ev.MembershipID,
			}
		}
		if err == nil || !IsNotFound(err) {
			return p, err
		}
	}
	if ev.Ref != "" {
		p, err := e.store.FindPaymentByExternalRef(ctx, ev.Ref)
		if err == nil || !IsNotFound(err) {
			return p, err
		}
	}

	m, err := e.resolveMembership(ctx, ev)
	if err != nil {
		return nil, err
	}

	open, err := e.store.ListPayments(ctx, m.ID, PaymentPending, PaymentProcessing)
	if err != nil {
		return nil, Persistence(err, "list open payments")
	}
	if len(open) > 0 {
		p := open[0]
		if ev.Ref != "" && p.ExternalRef == "" {
			ref := ev.Ref
			if err := e.store.UpdatePayment(ctx, p.ID, PaymentUpdate{ExternalRef: &ref, UpdatedAt: e.now()}); err != nil {
				return nil, Persistence(err, "link payment reference")
			}
			p.ExternalRef = ref
		}
		return &p, nil
	}

	covered, err := e.periodCovered(ctx, *m, ev)
	if err != nil {
		return nil, err
	}
	if covered {
		return nil, &skippedEvent{
			reason: "period_covered",
			detail: "membership " + m.ID + " is paid through " + m.NextPaymentDue.String(),
		}
	}
	return e.recordGatewayCharge(ctx, *m, ev)
}

// periodCovered reports whether a charge with no open invoice pays for a
// period already settled: nextPaymentDue lies more than half a period after
// the charge date in the organization's timezone.
func (e *Engine) periodCovered(ctx context.Context, m Membership, ev PaymentEvent) (bool, error) {
	if m.NextPaymentDue == nil {
		return false, nil
	}
	org, err := e.resolver.Resolve(ctx, m.OrganizationID)
	if err != nil {
		return false, err
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = e.now()
	}
	chargeDate := DateOf(at, org.Location)
	halfPeriod := m.BillingFrequency.Months() * 15
	return m.NextPaymentDue.After(chargeDate.AddDays(halfPeriod)), nil
}

func (e *Engine) resolveMembership(ctx context.Context, ev PaymentEvent) (*Membership, error) {
	if ev.MembershipID != "" {
		m, err := e.store.GetMembership(ctx, ev.MembershipID)
		if err == nil || !IsNotFound(err) {
			return m, err
		}
	}
	if ev.SubscriptionRef != "" {
		return e.store.FindMembershipByGatewayRef(ctx, ev.SubscriptionRef)
	}
	return nil, NewNotFound("membership", ev.MembershipID)
}

// recordGatewayCharge creates the dues payment for a subscription renewal the
// engine has no invoice for. Its id derives from the gateway reference, so
// two deliveries racing here create one row.
func (e *Engine) recordGatewayCharge(ctx context.Context, m Membership, ev PaymentEvent) (*Payment, error) {
	key := ev.Ref
	if key == "" {
		key = ev.ExternalEventID
	}
	amount := ev.Amount
	if amount.IsZero() {
		amount = m.DuesAmount
	}
	now := e.now()
	p := Payment{
		ID:             DerivedID("pay", "gateway", key),
		MembershipID:   m.ID,
		OrganizationID: m.OrganizationID,
		Type:           PaymentDues,
		Method:         MethodGateway,
		Status:         PaymentPending,
		Amount:         amount,
		MonthsCredited: m.BillingFrequency.Months(),
		DueDate:        m.NextPaymentDue,
		ExternalRef:    ev.Ref,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if m.NextPaymentDue != nil {
		p.PeriodStart = m.NextPaymentDue
		p.PeriodLabel = periodLabel(*m.NextPaymentDue, m.BillingFrequency)
	}
	err := e.store.InsertPayment(ctx, p)
	if IsConflict(err) {
		return e.store.GetPayment(ctx, p.ID)
	}
	if err != nil {
		return nil, Persistence(err, "record gateway charge")
	}
	e.log.Infow("recorded gateway charge without invoice", "payment_id", p.ID, "membership_id", m.ID, "ref", ev.Ref)
	return &p, nil
}
