package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EnrollInput describes a new membership.
type EnrollInput struct {
	MembershipID   string // optional; generated when empty
	OrganizationID string
	MemberName     string
	MemberEmail    string
	Frequency      Frequency
	DuesAmount     decimal.Decimal
	EnrollmentFee  decimal.Decimal
	SignupAt       time.Time
	// BillingAnchorDate backdates the membership; only monthly billing may
	// be backdated.
	BillingAnchorDate *Date
	Actor             string
}

// EnrollResult is the created membership and its opening invoices.
type EnrollResult struct {
	Membership Membership
	Payments   []Payment
	Catchup    *CatchupResult
}

// Enroll creates a membership in pending status with its first invoices:
// the enrollment fee (if any), then either the first dues period or, when
// backdated, one back_dues payment covering the elapsed months.
func (e *Engine) Enroll(ctx context.Context, in EnrollInput) (EnrollResult, error) {
	if err := validateEnroll(in); err != nil {
		return EnrollResult{}, err
	}
	org, err := e.resolver.Resolve(ctx, in.OrganizationID)
	if err != nil {
		return EnrollResult{}, err
	}
	now := e.now()
	if in.SignupAt.IsZero() {
		in.SignupAt = now
	}
	signup := DateOf(in.SignupAt, org.Location)
	today := TodayIn(now, org.Location)

	m := Membership{
		ID:                  in.MembershipID,
		OrganizationID:      in.OrganizationID,
		MemberName:          in.MemberName,
		MemberEmail:         in.MemberEmail,
		Status:              StatusPending,
		SubscriptionStatus:  SubscriptionNone,
		BillingFrequency:    in.Frequency,
		DuesAmount:          in.DuesAmount,
		BillingDay:          signup.Day(),
		EnrollmentFeeStatus: FeeUnpaid,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if m.ID == "" {
		m.ID = NewID("mem")
	}
	if !in.EnrollmentFee.IsPositive() {
		m.EnrollmentFeeStatus = FeeWaived
	}

	var payments []Payment
	if in.EnrollmentFee.IsPositive() {
		payments = append(payments, Payment{
			ID:          NewID("pay"),
			Type:        PaymentEnrollmentFee,
			Amount:      in.EnrollmentFee,
			DueDate:     &signup,
			PeriodLabel: "Enrollment fee",
		})
	}

	var catchup *CatchupResult
	backdated := in.BillingAnchorDate != nil && in.BillingAnchorDate.Before(today)
	if backdated {
		anchor := *in.BillingAnchorDate
		res, next, err := CatchupFor(in.Frequency, anchor, today, in.DuesAmount)
		if err != nil {
			return EnrollResult{}, err
		}
		catchup = &res
		m.BillingAnchorDate = &anchor
		m.BillingDay = anchor.Day()
		m.NextPaymentDue = &next
		if len(res.LineItems) > 0 {
			first, last := res.LineItems[0], res.LineItems[len(res.LineItems)-1]
			payments = append(payments, Payment{
				ID:             NewID("pay"),
				Type:           PaymentBackDues,
				Amount:         res.TotalAmount,
				MonthsCredited: res.Months(),
				DueDate:        &today,
				PeriodStart:    &first.PeriodStart,
				PeriodEnd:      &last.PeriodEnd,
				PeriodLabel:    catchupLabel(res),
				Notes:          res.Summary,
			})
		}
	} else {
		if in.BillingAnchorDate != nil {
			signup = *in.BillingAnchorDate
			m.BillingDay = signup.Day()
		}
		next, err := NextBillingDate(signup, in.Frequency)
		if err != nil {
			return EnrollResult{}, err
		}
		periodEnd := next.AddDays(-1)
		// the first dues period is due at signup; settling it advances
		// nextPaymentDue to next
		due := signup
		m.NextPaymentDue = &due
		payments = append(payments, Payment{
			ID:             NewID("pay"),
			Type:           PaymentDues,
			Amount:         in.DuesAmount,
			MonthsCredited: in.Frequency.Months(),
			DueDate:        &signup,
			PeriodStart:    &signup,
			PeriodEnd:      &periodEnd,
			PeriodLabel:    periodLabel(signup, in.Frequency),
		})
	}

	for i := range payments {
		p := &payments[i]
		p.MembershipID = m.ID
		p.OrganizationID = m.OrganizationID
		p.Method = MethodGateway
		p.Status = PaymentPending
		p.CreatedAt, p.UpdatedAt = now, now
	}

	err = e.store.WithTx(ctx, func(tx Store) error {
		if err := tx.InsertMembership(ctx, m); err != nil {
			return err
		}
		for _, p := range payments {
			if err := tx.InsertPayment(ctx, p); err != nil {
				return err
			}
		}
		if catchup != nil && len(catchup.LineItems) > 0 {
			e.audit(ctx, tx, AuditEntry{
				Action:         AuditCatchupCreated,
				Actor:          in.Actor,
				OrganizationID: m.OrganizationID,
				MembershipID:   m.ID,
				Payload: map[string]any{
					"summary": catchup.Summary,
					"months":  catchup.Months(),
					"total":   catchup.TotalAmount.StringFixed(2),
				},
			})
		}
		return nil
	})
	if err != nil {
		return EnrollResult{}, err
	}

	e.log.Infow("membership enrolled", "membership_id", m.ID, "organization_id", m.OrganizationID,
		"frequency", m.BillingFrequency, "backdated", backdated, "next_payment_due", m.NextPaymentDue.String(),
		"payments", len(payments))
	return EnrollResult{Membership: m, Payments: payments, Catchup: catchup}, nil
}

func validateEnroll(in EnrollInput) error {
	switch {
	case in.OrganizationID == "":
		return validationf("organization_id", "required")
	case strings.TrimSpace(in.MemberName) == "":
		return validationf("member_name", "required")
	case !in.Frequency.Valid():
		return validationf("billing_frequency", "unsupported frequency %q", in.Frequency)
	case !in.DuesAmount.IsPositive():
		return validationf("dues_amount", "must be positive")
	case in.EnrollmentFee.IsNegative():
		return validationf("enrollment_fee", "must not be negative")
	}
	return nil
}

// PreviewCatchup recomputes the catch-up for a membership as of today, for a
// regenerated payment link. Nothing is written.
func (e *Engine) PreviewCatchup(ctx context.Context, membershipID string, anchor *Date) (CatchupResult, Date, error) {
	m, err := e.store.GetMembership(ctx, membershipID)
	if err != nil {
		return CatchupResult{}, Date{}, err
	}
	org, err := e.resolver.Resolve(ctx, m.OrganizationID)
	if err != nil {
		return CatchupResult{}, Date{}, err
	}
	if anchor == nil {
		anchor = m.BillingAnchorDate
	}
	if anchor == nil {
		return CatchupResult{}, Date{}, validationf("billing_anchor_date", "membership %s is not backdated", m.ID)
	}
	return CatchupFor(m.BillingFrequency, *anchor, TodayIn(e.now(), org.Location), m.DuesAmount)
}

// periodLabel names a billing period: "March 2024" or "March 2024 - August 2024".
func periodLabel(start Date, freq Frequency) string {
	label := fmt.Sprintf("%s %d", start.Month(), start.Year())
	if freq.Months() <= 1 {
		return label
	}
	end := start.AddMonths(freq.Months() - 1)
	return fmt.Sprintf("%s - %s %d", label, end.Month(), end.Year())
}

func catchupLabel(res CatchupResult) string {
	if len(res.LineItems) == 1 {
		return res.LineItems[0].Description
	}
	first, last := res.LineItems[0], res.LineItems[len(res.LineItems)-1]
	return fmt.Sprintf("%s %d - %s %d (catch-up)",
		first.PeriodStart.Month(), first.PeriodStart.Year(), last.PeriodStart.Month(), last.PeriodStart.Year())
}
