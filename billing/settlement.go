/*
settlement.go - Payment outcome -> membership state

PURPOSE:
  Applies one externally reported payment outcome to the payment row and the
  owning membership: status, paid months, eligibility and next due date.

IDEMPOTENCY:
  Every settlement is keyed by an external event id (gateway event id, or
  "manual:<payment id>" for admin entries). The key is written to the
  settlements table in the same transaction as the mutation; a unique
  constraint closes the race between two deliveries of one event. A replay
  returns the stored result and mutates nothing.

  The payment row itself moves through a guarded update (current status must
  allow the transition), so two different events for one payment can never
  both credit paid months.

SEE ALSO:
  - status.go: transition tables
  - events.go: resolving gateway events to payments
  - manual.go: administrative cash/check entry
*/
package billing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// SettleInput is one payment outcome to apply.
type SettleInput struct {
	PaymentID string
	// ExternalEventID is the idempotency key; empty derives one from the
	// payment id and outcome.
	ExternalEventID string
	Outcome         Outcome
	// AmountPaid defaults to the payment amount when zero.
	AmountPaid decimal.Decimal
	OccurredAt time.Time
	// Method overrides the stored method (manual entry against an invoice).
	Method PaymentMethod
	Actor  string
}

// SettlementResult is what SettlePayment reports back.
type SettlementResult struct {
	PaymentID      string
	MembershipID   string
	NewPaidMonths  int
	NewStatus      MembershipStatus
	BecameEligible bool
	Outcome        Outcome
	// Duplicate is set when the event (or the payment) was already settled
	// and nothing changed.
	Duplicate bool
	// Ignored is set when the event could not be linked to a membership.
	Ignored bool
}

func settlementKey(in SettleInput) string {
	if in.ExternalEventID != "" {
		return in.ExternalEventID
	}
	return "payment:" + in.PaymentID + ":" + string(in.Outcome)
}

// SettlePayment applies a payment outcome. Safe to call more than once for
// the same event.
func (e *Engine) SettlePayment(ctx context.Context, in SettleInput) (SettlementResult, error) {
	if in.PaymentID == "" {
		return SettlementResult{}, validationf("payment_id", "required")
	}
	if !in.Outcome.Valid() {
		return SettlementResult{}, validationf("outcome", "must be succeeded or failed, got %q", in.Outcome)
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = e.now()
	}
	key := settlementKey(in)

	var res SettlementResult
	err := e.store.WithTx(ctx, func(tx Store) error {
		prior, err := tx.GetSettlement(ctx, key)
		switch {
		case err == nil:
			res = prior.Result()
			res.Duplicate = true
			return nil
		case !IsNotFound(err):
			return Persistence(err, "load settlement")
		}

		p, err := tx.GetPayment(ctx, in.PaymentID)
		if err != nil {
			return err
		}
		m, err := tx.GetMembership(ctx, p.MembershipID)
		if err != nil {
			return err
		}
		org, err := e.resolver.ResolveWith(ctx, tx, m.OrganizationID)
		if err != nil {
			return err
		}

		if in.Outcome == OutcomeSucceeded {
			res, err = e.applySuccess(ctx, tx, *p, *m, org.Config, in, key)
		} else {
			res, err = e.applyFailure(ctx, tx, *p, *m, in, key)
		}
		if err != nil {
			return err
		}
		return tx.InsertSettlement(ctx, SettlementRecord{
			ExternalEventID: key,
			PaymentID:       res.PaymentID,
			MembershipID:    res.MembershipID,
			Outcome:         in.Outcome,
			PaidMonths:      res.NewPaidMonths,
			Status:          res.NewStatus,
			BecameEligible:  res.BecameEligible,
			SettledAt:       e.now(),
		})
	})

	if errors.Is(err, ErrDuplicate) {
		// a concurrent delivery of the same event committed first
		prior, gerr := e.store.GetSettlement(ctx, key)
		if gerr != nil {
			return SettlementResult{}, Persistence(gerr, "reload settlement")
		}
		res = prior.Result()
		res.Duplicate = true
		err = nil
	}
	if err != nil {
		e.recorder.Settlement(in.Outcome, "error")
		return SettlementResult{}, err
	}

	switch {
	case res.Duplicate:
		e.recorder.Settlement(in.Outcome, "duplicate")
		e.log.Infow("settlement already applied", "event_id", key, "payment_id", res.PaymentID,
			"membership_id", res.MembershipID)
	default:
		e.recorder.Settlement(in.Outcome, "applied")
		e.log.Infow("settlement applied", "event_id", key, "payment_id", res.PaymentID,
			"membership_id", res.MembershipID, "outcome", in.Outcome, "paid_months", res.NewPaidMonths,
			"status", res.NewStatus, "became_eligible", res.BecameEligible)
	}
	return res, nil
}

func currentState(p Payment, m Membership, outcome Outcome) SettlementResult {
	return SettlementResult{
		PaymentID:     p.ID,
		MembershipID:  m.ID,
		NewPaidMonths: m.PaidMonths,
		NewStatus:     m.Status,
		Outcome:       outcome,
	}
}

func (e *Engine) applySuccess(ctx context.Context, tx Store, p Payment, m Membership, cfg BillingConfig, in SettleInput, key string) (SettlementResult, error) {
	if p.Status == PaymentCompleted || p.Status == PaymentRefunded {
		// settled earlier under another key (e.g. manual entry, then the
		// gateway event for the same invoice)
		res := currentState(p, m, in.Outcome)
		res.Duplicate = true
		return res, nil
	}

	now := e.now()
	amount := in.AmountPaid
	if amount.IsZero() {
		amount = p.Amount
	}
	completed := PaymentCompleted
	pu := PaymentUpdate{
		Status:            &completed,
		AmountPaid:        &amount,
		SettlementEventID: &key,
		PaidAt:            &in.OccurredAt,
		UpdatedAt:         now,
	}
	if in.Method != "" {
		pu.Method = &in.Method
	}
	if err := tx.TransitionPayment(ctx, p.ID, paymentSourcesFor(PaymentCompleted), pu); err != nil {
		return SettlementResult{}, err
	}

	newPaid := m.PaidMonths + p.MonthsCredited
	next, becameEligible := statusAfterSuccess(m.Status, m.PaidMonths, newPaid, cfg.EligibilityMonths)

	mu := MembershipUpdate{PaidMonths: &newPaid, UpdatedAt: now}
	if next != m.Status {
		if err := Transition(m.Status, next); err != nil {
			e.log.Warnw("ignoring membership transition", "membership_id", m.ID, "error", err)
			next, becameEligible = m.Status, false
		} else {
			mu.Status = &next
			e.recorder.StatusChange(m.Status, next)
		}
	}
	if becameEligible {
		mu.EligibleAt = &in.OccurredAt
	}
	if p.Type == PaymentEnrollmentFee {
		paid := FeePaid
		mu.EnrollmentFeeStatus = &paid
	}
	if p.Type == PaymentDues && m.NextPaymentDue != nil {
		// one period from the prior due date, not from now, so late
		// payments keep the anniversary
		due, err := nextBillingDateOnDay(*m.NextPaymentDue, m.BillingFrequency, m.anchorDay())
		if err != nil {
			return SettlementResult{}, err
		}
		mu.NextPaymentDue = &due
	}
	if m.SubscriptionStatus == SubscriptionPaymentIssue {
		active := SubscriptionActive
		mu.SubscriptionStatus = &active
	}
	if err := tx.UpdateMembership(ctx, m.ID, m.Status, mu); err != nil {
		return SettlementResult{}, err
	}

	e.audit(ctx, tx, AuditEntry{
		Action:         AuditPaymentSettled,
		Actor:          in.Actor,
		OrganizationID: m.OrganizationID,
		MembershipID:   m.ID,
		PaymentID:      p.ID,
		Payload: map[string]any{
			"event_id":        key,
			"amount_paid":     amount.StringFixed(2),
			"months_credited": p.MonthsCredited,
			"paid_months":     newPaid,
			"status":          string(next),
			"became_eligible": becameEligible,
		},
	})

	return SettlementResult{
		PaymentID:      p.ID,
		MembershipID:   m.ID,
		NewPaidMonths:  newPaid,
		NewStatus:      next,
		BecameEligible: becameEligible,
		Outcome:        in.Outcome,
	}, nil
}

// statusAfterSuccess recomputes the membership status after crediting paid
// months. becameEligible is true only on the first crossing of the threshold.
func statusAfterSuccess(current MembershipStatus, prevPaid, newPaid, threshold int) (MembershipStatus, bool) {
	eligible := newPaid >= threshold
	crossed := prevPaid < threshold && eligible
	switch current {
	case StatusWaitingPeriod:
		if eligible {
			return StatusActive, crossed
		}
	case StatusLapsed:
		if eligible {
			return StatusActive, crossed
		}
		return StatusWaitingPeriod, false
	}
	return current, false
}

func (e *Engine) applyFailure(ctx context.Context, tx Store, p Payment, m Membership, in SettleInput, key string) (SettlementResult, error) {
	res := currentState(p, m, in.Outcome)
	if p.Status != PaymentPending && p.Status != PaymentProcessing {
		// late or out-of-order failure for a payment that already has a
		// final outcome
		e.log.Infow("failure event for settled payment ignored", "event_id", key, "payment_id", p.ID,
			"payment_status", p.Status)
		return res, nil
	}

	now := e.now()
	failed := PaymentFailed
	if err := tx.TransitionPayment(ctx, p.ID, paymentSourcesFor(PaymentFailed), PaymentUpdate{
		Status:    &failed,
		FailedAt:  &in.OccurredAt,
		UpdatedAt: now,
	}); err != nil {
		return SettlementResult{}, err
	}

	issue := SubscriptionPaymentIssue
	if err := tx.UpdateMembership(ctx, m.ID, "", MembershipUpdate{
		SubscriptionStatus: &issue,
		UpdatedAt:          now,
	}); err != nil {
		return SettlementResult{}, err
	}

	e.audit(ctx, tx, AuditEntry{
		Action:         AuditPaymentFailed,
		Actor:          in.Actor,
		OrganizationID: m.OrganizationID,
		MembershipID:   m.ID,
		PaymentID:      p.ID,
		Payload:        map[string]any{"event_id": key},
	})
	return res, nil
}
