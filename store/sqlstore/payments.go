package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/warp/dues-engine/billing"
)

// =============================================================================
// MEMBERSHIPS
// =============================================================================

const membershipColumns = `id, organization_id, member_name, member_email, status, subscription_status,
	billing_frequency, dues_amount, paid_months, billing_day, billing_anchor_date, next_payment_due,
	enrollment_fee_status, gateway_customer_ref, gateway_subscription_ref, eligible_at, created_at, updated_at`

func (c *conn) GetMembership(ctx context.Context, id string) (*billing.Membership, error) {
	m, err := scanMembership(c.queryRow(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NewNotFound("membership", id)
	}
	if err != nil {
		return nil, billing.Persistence(err, "get membership")
	}
	return &m, nil
}

func (c *conn) InsertMembership(ctx context.Context, m billing.Membership) error {
	_, err := c.exec(ctx, `
		INSERT INTO memberships (`+membershipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OrganizationID, m.MemberName, m.MemberEmail, string(m.Status), string(m.SubscriptionStatus),
		string(m.BillingFrequency), m.DuesAmount, m.PaidMonths, m.BillingDay,
		nullDate(m.BillingAnchorDate), nullDate(m.NextPaymentDue),
		string(m.EnrollmentFeeStatus), m.GatewayCustomerRef, m.GatewaySubscriptionRef,
		nullTime(m.EligibleAt), formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return billing.ErrDuplicate
	}
	if err != nil {
		return billing.Persistence(err, "insert membership")
	}
	return nil
}

func (c *conn) FindMembershipByGatewayRef(ctx context.Context, ref string) (*billing.Membership, error) {
	if ref == "" {
		return nil, billing.NewNotFound("membership", ref)
	}
	m, err := scanMembership(c.queryRow(ctx, `
		SELECT `+membershipColumns+` FROM memberships
		WHERE gateway_subscription_ref = ? OR gateway_customer_ref = ?
		ORDER BY created_at DESC LIMIT 1`, ref, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NewNotFound("membership", ref)
	}
	if err != nil {
		return nil, billing.Persistence(err, "find membership by gateway ref")
	}
	return &m, nil
}

func (c *conn) UpdateMembership(ctx context.Context, id string, expect billing.MembershipStatus, upd billing.MembershipUpdate) error {
	var set setList
	if upd.Status != nil {
		set.add("status", string(*upd.Status))
	}
	if upd.SubscriptionStatus != nil {
		set.add("subscription_status", string(*upd.SubscriptionStatus))
	}
	if upd.PaidMonths != nil {
		set.add("paid_months", *upd.PaidMonths)
	}
	if upd.NextPaymentDue != nil {
		set.add("next_payment_due", upd.NextPaymentDue.String())
	}
	if upd.BillingAnchorDate != nil {
		set.add("billing_anchor_date", upd.BillingAnchorDate.String())
	}
	if upd.EnrollmentFeeStatus != nil {
		set.add("enrollment_fee_status", string(*upd.EnrollmentFeeStatus))
	}
	if upd.EligibleAt != nil {
		set.add("eligible_at", formatTime(*upd.EligibleAt))
	}
	set.add("updated_at", formatTime(upd.UpdatedAt))

	query := `UPDATE memberships SET ` + set.clause() + ` WHERE id = ?`
	args := append(set.args, id)
	if expect != "" {
		query += ` AND status = ?`
		args = append(args, string(expect))
	}
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return billing.Persistence(err, "update membership")
	}
	return c.checkGuarded(ctx, res, "memberships", "membership", id)
}

func (c *conn) ListMembershipsByStatus(ctx context.Context, orgID string, statuses ...billing.MembershipStatus) ([]billing.Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE organization_id = ?`
	args := []any{orgID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY id`

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, billing.Persistence(err, "list memberships")
	}
	defer rows.Close()

	var out []billing.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, billing.Persistence(err, "scan membership")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMembership(row rowScanner) (billing.Membership, error) {
	var (
		m                                  billing.Membership
		status, subStatus, freq, feeStatus string
		anchor, nextDue, eligibleAt        sql.NullString
		createdAt, updatedAt               string
	)
	err := row.Scan(&m.ID, &m.OrganizationID, &m.MemberName, &m.MemberEmail, &status, &subStatus,
		&freq, &m.DuesAmount, &m.PaidMonths, &m.BillingDay, &anchor, &nextDue,
		&feeStatus, &m.GatewayCustomerRef, &m.GatewaySubscriptionRef, &eligibleAt, &createdAt, &updatedAt)
	if err != nil {
		return m, err
	}
	m.Status = billing.MembershipStatus(status)
	m.SubscriptionStatus = billing.SubscriptionStatus(subStatus)
	m.BillingFrequency = billing.Frequency(freq)
	m.EnrollmentFeeStatus = billing.EnrollmentFeeStatus(feeStatus)
	m.BillingAnchorDate = parseNullDate(anchor)
	m.NextPaymentDue = parseNullDate(nextDue)
	m.EligibleAt = parseNullTime(eligibleAt)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, membership_id, organization_id, type, method, status, amount, amount_paid,
	months_credited, due_date, period_start, period_end, period_label, invoice_number, external_ref,
	settlement_event_id, paid_at, failed_at, reminder_count, reminder_sent_at, reminders_paused,
	requires_review, notes, created_at, updated_at`

// paymentOrder lists undated payments last on both databases.
const paymentOrder = ` ORDER BY CASE WHEN due_date IS NULL THEN 1 ELSE 0 END, due_date, created_at, id`

func (c *conn) GetPayment(ctx context.Context, id string) (*billing.Payment, error) {
	p, err := scanPayment(c.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NewNotFound("payment", id)
	}
	if err != nil {
		return nil, billing.Persistence(err, "get payment")
	}
	return &p, nil
}

func (c *conn) InsertPayment(ctx context.Context, p billing.Payment) error {
	_, err := c.exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.MembershipID, p.OrganizationID, string(p.Type), string(p.Method), string(p.Status),
		p.Amount, p.AmountPaid, p.MonthsCredited,
		nullDate(p.DueDate), nullDate(p.PeriodStart), nullDate(p.PeriodEnd),
		p.PeriodLabel, p.InvoiceNumber, p.ExternalRef, nullString(p.SettlementEventID),
		nullTime(p.PaidAt), nullTime(p.FailedAt), p.ReminderCount, nullTime(p.ReminderSentAt),
		boolInt(p.RemindersPaused), boolInt(p.RequiresReview), p.Notes,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return billing.ErrDuplicate
	}
	if err != nil {
		return billing.Persistence(err, "insert payment")
	}
	return nil
}

func (c *conn) FindPaymentByExternalRef(ctx context.Context, ref string) (*billing.Payment, error) {
	if ref == "" {
		return nil, billing.NewNotFound("payment", ref)
	}
	p, err := scanPayment(c.queryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE external_ref = ?
		ORDER BY created_at DESC LIMIT 1`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NewNotFound("payment", ref)
	}
	if err != nil {
		return nil, billing.Persistence(err, "find payment by external ref")
	}
	return &p, nil
}

func (c *conn) ListPayments(ctx context.Context, membershipID string, statuses ...billing.PaymentStatus) ([]billing.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE membership_id = ?`
	args := []any{membershipID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		args = append(args, paymentStatusArgs(statuses)...)
	}
	return c.queryPayments(ctx, query+paymentOrder, args...)
}

func (c *conn) TransitionPayment(ctx context.Context, id string, from []billing.PaymentStatus, upd billing.PaymentUpdate) error {
	if len(from) == 0 {
		return billing.ErrStaleWrite
	}
	set := paymentSet(upd)
	args := append(set.args, id)
	args = append(args, paymentStatusArgs(from)...)
	res, err := c.exec(ctx, `UPDATE payments SET `+set.clause()+
		` WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if isUniqueConstraintError(err) {
		return billing.ErrDuplicate
	}
	if err != nil {
		return billing.Persistence(err, "transition payment")
	}
	return c.checkGuarded(ctx, res, "payments", "payment", id)
}

func (c *conn) UpdatePayment(ctx context.Context, id string, upd billing.PaymentUpdate) error {
	set := paymentSet(upd)
	res, err := c.exec(ctx, `UPDATE payments SET `+set.clause()+` WHERE id = ?`, append(set.args, id)...)
	if isUniqueConstraintError(err) {
		return billing.ErrDuplicate
	}
	if err != nil {
		return billing.Persistence(err, "update payment")
	}
	return c.checkGuarded(ctx, res, "payments", "payment", id)
}

func paymentSet(upd billing.PaymentUpdate) setList {
	var set setList
	if upd.Status != nil {
		set.add("status", string(*upd.Status))
	}
	if upd.Method != nil {
		set.add("method", string(*upd.Method))
	}
	if upd.AmountPaid != nil {
		set.add("amount_paid", *upd.AmountPaid)
	}
	if upd.SettlementEventID != nil {
		set.add("settlement_event_id", nullString(*upd.SettlementEventID))
	}
	if upd.ExternalRef != nil {
		set.add("external_ref", *upd.ExternalRef)
	}
	if upd.PaidAt != nil {
		set.add("paid_at", formatTime(*upd.PaidAt))
	}
	if upd.FailedAt != nil {
		set.add("failed_at", formatTime(*upd.FailedAt))
	}
	if upd.ReminderCount != nil {
		set.add("reminder_count", *upd.ReminderCount)
	}
	if upd.RemindersPaused != nil {
		set.add("reminders_paused", boolInt(*upd.RemindersPaused))
	}
	if upd.RequiresReview != nil {
		set.add("requires_review", boolInt(*upd.RequiresReview))
	}
	if upd.Notes != nil {
		set.add("notes", *upd.Notes)
	}
	set.add("updated_at", formatTime(upd.UpdatedAt))
	return set
}

func (c *conn) ListReminderCandidates(ctx context.Context, orgID string, today billing.Date, maxReminders int) ([]billing.Payment, error) {
	return c.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE organization_id = ?
		  AND status IN (?, ?)
		  AND reminders_paused = 0 AND requires_review = 0
		  AND due_date IS NOT NULL AND due_date <= ?
		  AND reminder_count < ?`+paymentOrder,
		orgID, string(billing.PaymentPending), string(billing.PaymentFailed), today.String(), maxReminders)
}

func (c *conn) RecordReminder(ctx context.Context, id string, expectCount int, sentAt time.Time, requiresReview bool) error {
	query := `UPDATE payments SET reminder_count = reminder_count + 1, reminder_sent_at = ?, updated_at = ?`
	if requiresReview {
		query += `, requires_review = 1`
	}
	res, err := c.exec(ctx, query+` WHERE id = ? AND reminder_count = ?`,
		formatTime(sentAt), formatTime(sentAt), id, expectCount)
	if err != nil {
		return billing.Persistence(err, "record reminder")
	}
	return c.checkGuarded(ctx, res, "payments", "payment", id)
}

func (c *conn) ListPaymentsRequiringReview(ctx context.Context, orgID string) ([]billing.Payment, error) {
	return c.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE organization_id = ? AND requires_review = 1`+paymentOrder, orgID)
}

func (c *conn) queryPayments(ctx context.Context, query string, args ...any) ([]billing.Payment, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, billing.Persistence(err, "query payments")
	}
	defer rows.Close()

	var out []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, billing.Persistence(err, "scan payment")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(row rowScanner) (billing.Payment, error) {
	var (
		p                                 billing.Payment
		typ, method, status               string
		dueDate, periodStart, periodEnd   sql.NullString
		eventID, paidAt, failedAt, sentAt sql.NullString
		paused, review                    bool
		createdAt, updatedAt              string
	)
	err := row.Scan(&p.ID, &p.MembershipID, &p.OrganizationID, &typ, &method, &status, &p.Amount, &p.AmountPaid,
		&p.MonthsCredited, &dueDate, &periodStart, &periodEnd, &p.PeriodLabel, &p.InvoiceNumber, &p.ExternalRef,
		&eventID, &paidAt, &failedAt, &p.ReminderCount, &sentAt, &paused,
		&review, &p.Notes, &createdAt, &updatedAt)
	if err != nil {
		return p, err
	}
	p.Type = billing.PaymentType(typ)
	p.Method = billing.PaymentMethod(method)
	p.Status = billing.PaymentStatus(status)
	p.DueDate = parseNullDate(dueDate)
	p.PeriodStart = parseNullDate(periodStart)
	p.PeriodEnd = parseNullDate(periodEnd)
	p.SettlementEventID = eventID.String
	p.PaidAt = parseNullTime(paidAt)
	p.FailedAt = parseNullTime(failedAt)
	p.ReminderSentAt = parseNullTime(sentAt)
	p.RemindersPaused = paused
	p.RequiresReview = review
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func paymentStatusArgs(statuses []billing.PaymentStatus) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (c *conn) GetSettlement(ctx context.Context, eventID string) (*billing.SettlementRecord, error) {
	var (
		r               billing.SettlementRecord
		outcome, status string
		eligible        bool
		settledAt       string
	)
	err := c.queryRow(ctx, `
		SELECT external_event_id, payment_id, membership_id, outcome, paid_months, status, became_eligible, settled_at
		FROM settlements WHERE external_event_id = ?`, eventID,
	).Scan(&r.ExternalEventID, &r.PaymentID, &r.MembershipID, &outcome, &r.PaidMonths, &status, &eligible, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NewNotFound("settlement", eventID)
	}
	if err != nil {
		return nil, billing.Persistence(err, "get settlement")
	}
	r.Outcome = billing.Outcome(outcome)
	r.Status = billing.MembershipStatus(status)
	r.BecameEligible = eligible
	r.SettledAt = parseTime(settledAt)
	return &r, nil
}

func (c *conn) InsertSettlement(ctx context.Context, r billing.SettlementRecord) error {
	_, err := c.exec(ctx, `
		INSERT INTO settlements (external_event_id, payment_id, membership_id, outcome, paid_months, status, became_eligible, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ExternalEventID, r.PaymentID, r.MembershipID, string(r.Outcome), r.PaidMonths, string(r.Status),
		boolInt(r.BecameEligible), formatTime(r.SettledAt),
	)
	if isUniqueConstraintError(err) {
		return billing.ErrDuplicate
	}
	if err != nil {
		return billing.Persistence(err, "insert settlement")
	}
	return nil
}

// =============================================================================
// GUARDED UPDATES
// =============================================================================

type setList struct {
	cols []string
	args []any
}

func (s *setList) add(col string, v any) {
	s.cols = append(s.cols, col+" = ?")
	s.args = append(s.args, v)
}

func (s *setList) clause() string { return strings.Join(s.cols, ", ") }

// checkGuarded turns "no rows affected" into NotFound or ErrStaleWrite.
func (c *conn) checkGuarded(ctx context.Context, res sql.Result, table, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return billing.Persistence(err, "rows affected")
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = c.queryRow(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return billing.Persistence(err, "check "+kind)
	}
	if exists == 0 {
		return billing.NewNotFound(kind, id)
	}
	return billing.ErrStaleWrite
}
