package billing

import (
	"context"

	"github.com/cockroachdb/errors"
)

// StandingResult summarizes one organization's lapse/cancel pass.
type StandingResult struct {
	OrganizationID string
	Today          Date
	Lapsed         []string
	Cancelled      []string
	Errors         int
}

// EvaluateStanding moves overdue memberships along the failure path:
// waiting_period/active -> lapsed once nextPaymentDue is more than lapseDays
// behind, lapsed -> cancelled once cancelMonths full months have elapsed
// since it. Payments are never deleted.
func (e *Engine) EvaluateStanding(ctx context.Context, orgID string) (StandingResult, error) {
	org, err := e.resolver.Resolve(ctx, orgID)
	if err != nil {
		return StandingResult{}, err
	}
	today := TodayIn(e.now(), org.Location)
	res := StandingResult{OrganizationID: orgID, Today: today}

	members, err := e.store.ListMembershipsByStatus(ctx, orgID, StatusWaitingPeriod, StatusActive, StatusLapsed)
	if err != nil {
		return res, Persistence(err, "list memberships")
	}

	for _, m := range members {
		if ctx.Err() != nil {
			break
		}
		next, ok := standingFor(m, org.Config, today)
		if !ok {
			continue
		}
		if err := e.changeStatus(ctx, m, next, SystemActor, "standing"); err != nil {
			if errors.Is(err, ErrStaleWrite) {
				continue
			}
			res.Errors++
			e.log.Errorw("standing update failed", "membership_id", m.ID, "to", next, "error", err)
			continue
		}
		if next == StatusLapsed {
			res.Lapsed = append(res.Lapsed, m.ID)
		} else {
			res.Cancelled = append(res.Cancelled, m.ID)
		}
	}
	return res, nil
}

func standingFor(m Membership, cfg BillingConfig, today Date) (MembershipStatus, bool) {
	if m.NextPaymentDue == nil || !m.NextPaymentDue.Before(today) {
		return "", false
	}
	switch m.Status {
	case StatusWaitingPeriod, StatusActive:
		if DaysBetween(*m.NextPaymentDue, today) > cfg.LapseDays {
			return StatusLapsed, true
		}
	case StatusLapsed:
		if FullMonthsBetween(*m.NextPaymentDue, today) >= cfg.CancelMonths {
			return StatusCancelled, true
		}
	}
	return "", false
}

// changeStatus applies a table-checked status change guarded on the current
// status and audits it.
func (e *Engine) changeStatus(ctx context.Context, m Membership, to MembershipStatus, actor, reason string) error {
	if err := Transition(m.Status, to); err != nil {
		return err
	}
	if err := e.store.UpdateMembership(ctx, m.ID, m.Status, MembershipUpdate{Status: &to, UpdatedAt: e.now()}); err != nil {
		return err
	}
	e.recorder.StatusChange(m.Status, to)
	e.audit(ctx, e.store, AuditEntry{
		Action:         AuditStatusChanged,
		Actor:          actor,
		OrganizationID: m.OrganizationID,
		MembershipID:   m.ID,
		Payload:        map[string]any{"from": string(m.Status), "to": string(to), "reason": reason},
	})
	e.log.Infow("membership status changed", "membership_id", m.ID, "from", m.Status, "to", to, "reason", reason)
	return nil
}

// SweepReport is the combined result of one organization's daily sweep.
type SweepReport struct {
	Reminders ReminderSweepResult
	Standing  StandingResult
}

// Sweep runs the reminder pass and then the standing pass. A failure in the
// reminder pass does not skip standing evaluation.
func (e *Engine) Sweep(ctx context.Context, orgID string) (SweepReport, error) {
	var report SweepReport
	var errs error
	rem, err := e.SweepReminders(ctx, orgID)
	report.Reminders = rem
	if err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "reminders"))
	}
	st, err := e.EvaluateStanding(ctx, orgID)
	report.Standing = st
	if err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "standing"))
	}
	return report, errs
}
