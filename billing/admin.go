package billing

import (
	"context"
	"strings"
)

// AdjustPaidMonths overrides paidMonths. It is the only path that may lower
// the counter and always writes an audit entry.
func (e *Engine) AdjustPaidMonths(ctx context.Context, membershipID string, value int, reason, actor string) (Membership, error) {
	if value < 0 {
		return Membership{}, validationf("paid_months", "must not be negative")
	}
	if strings.TrimSpace(reason) == "" {
		return Membership{}, validationf("reason", "required for an override")
	}
	if actor == "" {
		return Membership{}, validationf("actor", "required for an override")
	}

	var out Membership
	err := e.store.WithTx(ctx, func(tx Store) error {
		m, err := tx.GetMembership(ctx, membershipID)
		if err != nil {
			return err
		}
		if err := tx.UpdateMembership(ctx, m.ID, m.Status, MembershipUpdate{PaidMonths: &value, UpdatedAt: e.now()}); err != nil {
			return err
		}
		e.audit(ctx, tx, AuditEntry{
			Action:         AuditPaidMonthsOverride,
			Actor:          actor,
			OrganizationID: m.OrganizationID,
			MembershipID:   m.ID,
			Payload:        map[string]any{"from": m.PaidMonths, "to": value, "reason": reason},
		})
		m.PaidMonths = value
		out = *m
		return nil
	})
	if err != nil {
		return Membership{}, err
	}
	e.log.Infow("paid months overridden", "membership_id", membershipID, "paid_months", value, "actor", actor)
	return out, nil
}

// Reinstate moves a cancelled membership back to waiting_period. All back
// dues must be settled first.
func (e *Engine) Reinstate(ctx context.Context, membershipID, actor string, resetPaidMonths bool) (Membership, error) {
	var out Membership
	err := e.store.WithTx(ctx, func(tx Store) error {
		m, err := tx.GetMembership(ctx, membershipID)
		if err != nil {
			return err
		}
		if m.Status != StatusCancelled {
			return validationf("status", "only cancelled memberships can be reinstated, status is %s", m.Status)
		}
		outstanding, err := tx.ListPayments(ctx, m.ID, PaymentPending, PaymentProcessing, PaymentFailed)
		if err != nil {
			return Persistence(err, "list outstanding payments")
		}
		for _, p := range outstanding {
			if p.Type == PaymentDues || p.Type == PaymentBackDues {
				return validationf("payments", "payment %s (%s) must be settled before reinstatement", p.ID, p.PeriodLabel)
			}
		}

		to := StatusWaitingPeriod
		upd := MembershipUpdate{Status: &to, UpdatedAt: e.now()}
		if resetPaidMonths {
			zero := 0
			upd.PaidMonths = &zero
		}
		if err := tx.UpdateMembership(ctx, m.ID, m.Status, upd); err != nil {
			return err
		}
		e.audit(ctx, tx, AuditEntry{
			Action:         AuditReinstated,
			Actor:          actor,
			OrganizationID: m.OrganizationID,
			MembershipID:   m.ID,
			Payload:        map[string]any{"reset_paid_months": resetPaidMonths, "paid_months_before": m.PaidMonths},
		})
		m.Status = to
		if resetPaidMonths {
			m.PaidMonths = 0
		}
		out = *m
		return nil
	})
	if err != nil {
		return Membership{}, err
	}
	e.recorder.StatusChange(StatusCancelled, StatusWaitingPeriod)
	e.log.Infow("membership reinstated", "membership_id", membershipID, "actor", actor, "reset_paid_months", resetPaidMonths)
	return out, nil
}

// MarkAgreementSent moves pending -> awaiting_signature.
func (e *Engine) MarkAgreementSent(ctx context.Context, membershipID, actor string) (Membership, error) {
	return e.adminTransition(ctx, membershipID, StatusAwaitingSignature, actor, "agreement_sent")
}

// MarkAgreementSigned moves awaiting_signature -> waiting_period.
func (e *Engine) MarkAgreementSigned(ctx context.Context, membershipID, actor string) (Membership, error) {
	return e.adminTransition(ctx, membershipID, StatusWaitingPeriod, actor, "agreement_signed")
}

func (e *Engine) adminTransition(ctx context.Context, membershipID string, to MembershipStatus, actor, reason string) (Membership, error) {
	m, err := e.store.GetMembership(ctx, membershipID)
	if err != nil {
		return Membership{}, err
	}
	if err := e.changeStatus(ctx, *m, to, actor, reason); err != nil {
		return Membership{}, err
	}
	m.Status = to
	return *m, nil
}

// PauseReminders stops (or resumes) automated reminders for a payment.
func (e *Engine) PauseReminders(ctx context.Context, paymentID string, paused bool, actor string) (Payment, error) {
	return e.updateBookkeeping(ctx, paymentID, actor, AuditRemindersPaused,
		PaymentUpdate{RemindersPaused: &paused}, map[string]any{"paused": paused})
}

// ClearReview takes a payment out of the review queue and restarts its
// reminder schedule.
func (e *Engine) ClearReview(ctx context.Context, paymentID, actor string) (Payment, error) {
	no, zero := false, 0
	return e.updateBookkeeping(ctx, paymentID, actor, AuditReviewCleared,
		PaymentUpdate{RequiresReview: &no, ReminderCount: &zero}, nil)
}

func (e *Engine) updateBookkeeping(ctx context.Context, paymentID, actor string, action AuditAction, upd PaymentUpdate, payload map[string]any) (Payment, error) {
	p, err := e.store.GetPayment(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	upd.UpdatedAt = e.now()
	if err := e.store.UpdatePayment(ctx, p.ID, upd); err != nil {
		return Payment{}, Persistence(err, "update payment")
	}
	e.audit(ctx, e.store, AuditEntry{
		Action:         action,
		Actor:          actor,
		OrganizationID: p.OrganizationID,
		MembershipID:   p.MembershipID,
		PaymentID:      p.ID,
		Payload:        payload,
	})
	fresh, err := e.store.GetPayment(ctx, p.ID)
	if err != nil {
		return Payment{}, err
	}
	return *fresh, nil
}

// RefundPayment marks a completed payment refunded. paidMonths is left as
// is; lowering it takes a separate AdjustPaidMonths.
func (e *Engine) RefundPayment(ctx context.Context, paymentID, reason, actor string) (Payment, error) {
	p, err := e.store.GetPayment(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if !CanTransitionPayment(p.Status, PaymentRefunded) {
		return Payment{}, validationf("status", "cannot refund a %s payment", p.Status)
	}
	refunded := PaymentRefunded
	now := e.now()
	if err := e.store.TransitionPayment(ctx, p.ID, paymentSourcesFor(PaymentRefunded), PaymentUpdate{
		Status:    &refunded,
		UpdatedAt: now,
	}); err != nil {
		return Payment{}, err
	}
	e.audit(ctx, e.store, AuditEntry{
		Action:         AuditPaymentRefunded,
		Actor:          actor,
		OrganizationID: p.OrganizationID,
		MembershipID:   p.MembershipID,
		PaymentID:      p.ID,
		Payload:        map[string]any{"reason": reason, "months_credited": p.MonthsCredited},
	})
	p.Status = refunded
	p.UpdatedAt = now
	return *p, nil
}

// ReviewQueue lists escalated payments for an organization.
func (e *Engine) ReviewQueue(ctx context.Context, orgID string) ([]Payment, error) {
	ps, err := e.store.ListPaymentsRequiringReview(ctx, orgID)
	if err != nil {
		return nil, Persistence(err, "list review queue")
	}
	return ps, nil
}

// SaveOrganization validates and stores an organization, dropping any cached
// config for it.
func (e *Engine) SaveOrganization(ctx context.Context, org Organization) (ResolvedOrg, error) {
	if org.ID == "" {
		return ResolvedOrg{}, validationf("id", "required")
	}
	resolved, err := ResolveOrganization(org)
	if err != nil {
		return ResolvedOrg{}, err
	}
	now := e.now()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = now
	}
	org.UpdatedAt = now
	if err := e.store.SaveOrganization(ctx, org); err != nil {
		return ResolvedOrg{}, Persistence(err, "save organization")
	}
	e.resolver.Invalidate(org.ID)
	resolved.Organization = org
	return resolved, nil
}

// History returns the audit trail of a membership, newest first.
func (e *Engine) History(ctx context.Context, membershipID string, limit int) ([]AuditEntry, error) {
	return e.store.QueryAudit(ctx, AuditFilter{MembershipID: membershipID, Limit: limit})
}
