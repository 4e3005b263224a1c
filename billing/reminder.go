/*
reminder.go - Overdue payment reminder sweep

PURPOSE:
  Once per organization per day (the trigger lives in api/scheduler.go) the
  sweep finds overdue payments and sends the next reminder in the
  organization's schedule.

FIRING RULE (reminder index n = reminderCount, 0-based):
  - daysSinceDue >= reminderSchedule[n]
  - no reminder yet, or the last one was at least one calendar day ago
  - the threshold is checked again after the gap check
  - n >= len(reminderSchedule) or n >= maxReminders: never fires

EFFECT:
  The reminder slot is claimed first with a compare-and-swap on
  reminder_count, then the notification is sent. A concurrent sweep that
  loses the claim skips the payment, so one slot is never sent twice. A
  failed send keeps the claim (the count still advances) and is recorded in
  the audit log. Reaching maxReminders sets requiresReview.

FAILURES:
  Delivery and per-candidate store errors are logged and the sweep moves on.
*/
package billing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// FiredReminder is one reminder the sweep (or an admin) sent.
type FiredReminder struct {
	PaymentID      string
	MembershipID   string
	ReminderNumber int // 1-based
	DaysOverdue    int
	Escalated      bool
	Delivered      bool
}

// ReminderSweepResult summarizes one organization's reminder pass.
type ReminderSweepResult struct {
	OrganizationID   string
	Today            Date
	Disabled         bool
	Candidates       int
	Sent             int
	DeliveryFailures int
	Skipped          int
	Errors           int
	Fired            []FiredReminder
}

// ReminderDue reports whether payment p should get its next reminder today.
func ReminderDue(cfg BillingConfig, p Payment, today Date, loc *time.Location) bool {
	if p.DueDate == nil || p.RemindersPaused || p.RequiresReview {
		return false
	}
	if p.Status != PaymentPending && p.Status != PaymentFailed {
		return false
	}
	n := p.ReminderCount
	if n >= cfg.MaxReminders {
		return false
	}
	threshold, ok := cfg.ThresholdFor(n)
	if !ok {
		return false
	}
	daysSinceDue := DaysBetween(*p.DueDate, today)
	if daysSinceDue < threshold {
		return false
	}
	if p.ReminderSentAt != nil {
		last := DateOf(*p.ReminderSentAt, loc)
		if DaysBetween(last, today) < 1 {
			return false
		}
	}
	// slot guard: the gap check alone must never let a reminder fire ahead
	// of its own threshold
	return daysSinceDue >= cfg.ReminderSchedule[n]
}

// SweepReminders runs the reminder pass for one organization.
func (e *Engine) SweepReminders(ctx context.Context, orgID string) (ReminderSweepResult, error) {
	org, err := e.resolver.Resolve(ctx, orgID)
	if err != nil {
		return ReminderSweepResult{}, err
	}
	today := TodayIn(e.now(), org.Location)
	res := ReminderSweepResult{OrganizationID: orgID, Today: today}
	if !org.Config.SendInvoiceReminders {
		res.Disabled = true
		return res, nil
	}

	candidates, err := e.store.ListReminderCandidates(ctx, orgID, today, org.Config.MaxReminders)
	if err != nil {
		return res, Persistence(err, "list reminder candidates")
	}
	res.Candidates = len(candidates)

	for _, p := range candidates {
		if ctx.Err() != nil {
			break
		}
		if !ReminderDue(org.Config, p, today, org.Location) {
			res.Skipped++
			continue
		}
		fired, err := e.fireReminder(ctx, org, p, today, SystemActor)
		switch {
		case errors.Is(err, ErrStaleWrite):
			res.Skipped++
			continue
		case errors.Is(err, ErrDelivery):
			res.DeliveryFailures++
		case err != nil:
			res.Errors++
			e.log.Errorw("reminder candidate failed", "organization_id", orgID, "payment_id", p.ID, "error", err)
			e.recorder.Reminder(orgID, "error")
			continue
		default:
			res.Sent++
		}
		res.Fired = append(res.Fired, fired)
	}

	e.log.Infow("reminder sweep finished", "organization_id", orgID, "today", today.String(),
		"candidates", res.Candidates, "sent", res.Sent, "delivery_failures", res.DeliveryFailures,
		"skipped", res.Skipped, "errors", res.Errors)
	return res, nil
}

// SendReminderNow sends the next reminder for a payment regardless of the
// schedule threshold. Escalation bookkeeping is the same as the sweep's.
func (e *Engine) SendReminderNow(ctx context.Context, paymentID, actor string) (FiredReminder, error) {
	p, err := e.store.GetPayment(ctx, paymentID)
	if err != nil {
		return FiredReminder{}, err
	}
	if p.Status != PaymentPending && p.Status != PaymentFailed {
		return FiredReminder{}, validationf("status", "payment %s is %s; only pending or failed payments get reminders", p.ID, p.Status)
	}
	org, err := e.resolver.Resolve(ctx, p.OrganizationID)
	if err != nil {
		return FiredReminder{}, err
	}
	today := TodayIn(e.now(), org.Location)
	fired, err := e.fireReminder(ctx, org, *p, today, actor)
	if errors.Is(err, ErrStaleWrite) {
		return fired, errors.Mark(errors.Wrap(err, "reminder sent concurrently"), ErrConflict)
	}
	return fired, err
}

func (e *Engine) fireReminder(ctx context.Context, org ResolvedOrg, p Payment, today Date, actor string) (FiredReminder, error) {
	m, err := e.store.GetMembership(ctx, p.MembershipID)
	if err != nil {
		return FiredReminder{}, err
	}

	now := e.now()
	number := p.ReminderCount + 1
	escalate := number >= org.Config.MaxReminders
	if err := e.store.RecordReminder(ctx, p.ID, p.ReminderCount, now, escalate); err != nil {
		return FiredReminder{}, err
	}

	daysOverdue := 0
	if p.DueDate != nil {
		daysOverdue = max(0, DaysBetween(*p.DueDate, today))
	}
	fired := FiredReminder{
		PaymentID:      p.ID,
		MembershipID:   m.ID,
		ReminderNumber: number,
		DaysOverdue:    daysOverdue,
		Escalated:      escalate,
	}
	n := Notification{
		Template:  TemplatePaymentReminder,
		Recipient: Recipient{Email: m.MemberEmail, Name: m.MemberName},
		Variables: ReminderVariables{
			Amount:           p.Amount,
			DaysOverdue:      daysOverdue,
			ReminderNumber:   number,
			InvoiceNumber:    invoiceNumber(p),
			OrganizationName: org.Organization.Name,
		},
	}
	if p.DueDate != nil {
		n.Variables.DueDate = *p.DueDate
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
	sendErr := e.notifier.Send(sendCtx, n)
	cancel()

	entry := AuditEntry{
		Actor:          actor,
		OrganizationID: org.Organization.ID,
		MembershipID:   m.ID,
		PaymentID:      p.ID,
		Payload: map[string]any{
			"reminder_number": number,
			"days_overdue":    daysOverdue,
			"escalated":       escalate,
		},
	}
	if sendErr != nil {
		entry.Action = AuditReminderDeliveryFailed
		entry.Payload["error"] = sendErr.Error()
		e.audit(ctx, e.store, entry)
		e.recorder.Reminder(org.Organization.ID, "delivery_failed")
		e.log.Errorw("reminder delivery failed", "organization_id", org.Organization.ID,
			"payment_id", p.ID, "reminder_number", number, "error", sendErr)
		return fired, &DeliveryError{PaymentID: p.ID, Err: sendErr}
	}

	fired.Delivered = true
	entry.Action = AuditReminderSent
	e.audit(ctx, e.store, entry)
	e.recorder.Reminder(org.Organization.ID, "sent")
	e.log.Infow("reminder sent", "organization_id", org.Organization.ID, "payment_id", p.ID,
		"reminder_number", number, "days_overdue", daysOverdue, "escalated", escalate)
	return fired, nil
}

func invoiceNumber(p Payment) string {
	if p.InvoiceNumber != "" {
		return p.InvoiceNumber
	}
	return p.ID
}
