package billing_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/billing"
)

func enrollInput(id string) billing.EnrollInput {
	return billing.EnrollInput{
		MembershipID:   id,
		OrganizationID: testOrg,
		MemberName:     "Dana Reyes",
		MemberEmail:    "dana@example.com",
		Frequency:      billing.FrequencyMonthly,
		DuesAmount:     money("40"),
		EnrollmentFee:  money("25"),
		Actor:          "admin@example.com",
	}
}

func TestEnroll_OpensFeeAndFirstDues(t *testing.T) {
	// GIVEN: signup on March 15 with a $25 fee and $40 monthly dues
	// THEN: pending membership due March 15, a fee invoice and a dues
	//       invoice covering March 15 - April 14

	f := newFixture(t, noon("2024-03-15"), billing.ConfigOverrides{})

	res, err := f.engine.Enroll(context.Background(), enrollInput("mem-1"))

	require.NoError(t, err)
	m := res.Membership
	assert.Equal(t, billing.StatusPending, m.Status)
	assert.Equal(t, billing.FeeUnpaid, m.EnrollmentFeeStatus)
	assert.Equal(t, billing.SubscriptionNone, m.SubscriptionStatus)
	assert.Equal(t, 15, m.BillingDay)
	assert.Equal(t, "2024-03-15", m.NextPaymentDue.String())
	assert.Nil(t, res.Catchup)

	require.Len(t, res.Payments, 2)
	fee, dues := res.Payments[0], res.Payments[1]
	assert.Equal(t, billing.PaymentEnrollmentFee, fee.Type)
	assert.True(t, money("25").Equal(fee.Amount))
	assert.Zero(t, fee.MonthsCredited)

	assert.Equal(t, billing.PaymentDues, dues.Type)
	assert.Equal(t, 1, dues.MonthsCredited)
	assert.Equal(t, "2024-03-15", dues.DueDate.String())
	assert.Equal(t, "2024-04-14", dues.PeriodEnd.String())
	assert.Equal(t, "March 2024", dues.PeriodLabel)

	stored := f.payment(t, dues.ID)
	assert.Equal(t, "mem-1", stored.MembershipID)
	assert.Equal(t, billing.PaymentPending, stored.Status)
}

func TestEnroll_FirstDuesAdvancesAnniversary(t *testing.T) {
	f := newFixture(t, noon("2024-03-15"), billing.ConfigOverrides{})
	res, err := f.engine.Enroll(context.Background(), enrollInput("mem-1"))
	require.NoError(t, err)

	settle(t, f, res.Payments[0].ID, "evt_fee", billing.OutcomeSucceeded)
	got := settle(t, f, res.Payments[1].ID, "evt_dues", billing.OutcomeSucceeded)

	assert.Equal(t, 1, got.NewPaidMonths)
	assert.Equal(t, billing.StatusPending, got.NewStatus, "enrollment status moves by agreement, not by payment")
	m := f.membership(t, "mem-1")
	assert.Equal(t, billing.FeePaid, m.EnrollmentFeeStatus)
	assert.Equal(t, "2024-04-15", m.NextPaymentDue.String())
}

func TestEnroll_NoFeeIsWaived(t *testing.T) {
	f := newFixture(t, noon("2024-03-15"), billing.ConfigOverrides{})
	in := enrollInput("")
	in.EnrollmentFee = decimal.Zero

	res, err := f.engine.Enroll(context.Background(), in)

	require.NoError(t, err)
	assert.NotEmpty(t, res.Membership.ID)
	assert.Equal(t, billing.FeeWaived, res.Membership.EnrollmentFeeStatus)
	require.Len(t, res.Payments, 1)
	assert.Equal(t, billing.PaymentDues, res.Payments[0].Type)
}

func TestEnroll_BiannualPeriod(t *testing.T) {
	f := newFixture(t, noon("2024-03-15"), billing.ConfigOverrides{})
	in := enrollInput("mem-1")
	in.Frequency = billing.FrequencyBiannual
	in.EnrollmentFee = decimal.Zero

	res, err := f.engine.Enroll(context.Background(), in)

	require.NoError(t, err)
	dues := res.Payments[0]
	assert.Equal(t, 6, dues.MonthsCredited)
	assert.Equal(t, "2024-09-14", dues.PeriodEnd.String())
	assert.Equal(t, "March 2024 - August 2024", dues.PeriodLabel)
}

func TestEnroll_Backdated(t *testing.T) {
	// GIVEN: enrollment on April 10 backdated to January 15
	// THEN: one back_dues payment for January - March ($120), next due
	//       April 15, anniversary day 15

	f := newFixture(t, noon("2024-04-10"), billing.ConfigOverrides{})
	in := enrollInput("mem-1")
	in.EnrollmentFee = decimal.Zero
	in.BillingAnchorDate = datePtr("2024-01-15")

	res, err := f.engine.Enroll(context.Background(), in)

	require.NoError(t, err)
	m := res.Membership
	assert.Equal(t, "2024-04-15", m.NextPaymentDue.String())
	assert.Equal(t, "2024-01-15", m.BillingAnchorDate.String())
	assert.Equal(t, 15, m.BillingDay)

	require.NotNil(t, res.Catchup)
	assert.Equal(t, 3, res.Catchup.Months())

	require.Len(t, res.Payments, 1)
	back := res.Payments[0]
	assert.Equal(t, billing.PaymentBackDues, back.Type)
	assert.True(t, money("120").Equal(back.Amount))
	assert.Equal(t, 3, back.MonthsCredited)
	assert.Equal(t, "2024-04-10", back.DueDate.String())
	assert.Equal(t, "2024-01-15", back.PeriodStart.String())
	assert.Equal(t, "2024-04-14", back.PeriodEnd.String())
	assert.Equal(t, "January 2024 - March 2024 (catch-up)", back.PeriodLabel)

	history, err := f.engine.History(context.Background(), "mem-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, billing.AuditCatchupCreated, history[0].Action)
	assert.Equal(t, "120.00", history[0].Payload["total"])

	// paying the back dues credits three months and keeps the next due date
	got := settle(t, f, back.ID, "evt_back", billing.OutcomeSucceeded)
	assert.Equal(t, 3, got.NewPaidMonths)
	assert.Equal(t, "2024-04-15", f.membership(t, "mem-1").NextPaymentDue.String())
}

func TestEnroll_BackdatingRejectedForNonMonthly(t *testing.T) {
	f := newFixture(t, noon("2024-04-10"), billing.ConfigOverrides{})
	in := enrollInput("mem-1")
	in.Frequency = billing.FrequencyAnnual
	in.BillingAnchorDate = datePtr("2024-01-15")

	_, err := f.engine.Enroll(context.Background(), in)

	require.Error(t, err)
	var verr *billing.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "billing_anchor_date", verr.Field)

	_, err = f.store.GetMembership(context.Background(), "mem-1")
	assert.True(t, billing.IsNotFound(err), "nothing is written")
}

func TestEnroll_FutureAnchorSetsFirstDueDate(t *testing.T) {
	f := newFixture(t, noon("2024-03-15"), billing.ConfigOverrides{})
	in := enrollInput("mem-1")
	in.EnrollmentFee = decimal.Zero
	in.BillingAnchorDate = datePtr("2024-03-20")

	res, err := f.engine.Enroll(context.Background(), in)

	require.NoError(t, err)
	assert.Nil(t, res.Catchup)
	assert.Equal(t, 20, res.Membership.BillingDay)
	assert.Equal(t, "2024-03-20", res.Membership.NextPaymentDue.String())
}

func TestEnroll_Validation(t *testing.T) {
	f := newFixture(t, noon("2024-03-15"), billing.ConfigOverrides{})

	tests := map[string]func(*billing.EnrollInput){
		"no organization": func(in *billing.EnrollInput) { in.OrganizationID = "" },
		"no name":         func(in *billing.EnrollInput) { in.MemberName = "  " },
		"bad frequency":   func(in *billing.EnrollInput) { in.Frequency = "weekly" },
		"zero dues":       func(in *billing.EnrollInput) { in.DuesAmount = decimal.Zero },
		"negative fee":    func(in *billing.EnrollInput) { in.EnrollmentFee = money("-5") },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			in := enrollInput("mem-" + name)
			mutate(&in)
			_, err := f.engine.Enroll(context.Background(), in)
			assert.True(t, billing.IsValidation(err), "got %v", err)
		})
	}
}

func TestEnroll_DuplicateID(t *testing.T) {
	f := newFixture(t, noon("2024-03-15"), billing.ConfigOverrides{})
	_, err := f.engine.Enroll(context.Background(), enrollInput("mem-1"))
	require.NoError(t, err)

	_, err = f.engine.Enroll(context.Background(), enrollInput("mem-1"))

	assert.True(t, billing.IsConflict(err))
}

func TestPreviewCatchup_RecomputesAsOfToday(t *testing.T) {
	f := newFixture(t, noon("2024-04-10"), billing.ConfigOverrides{})
	in := enrollInput("mem-1")
	in.BillingAnchorDate = datePtr("2024-01-15")
	_, err := f.engine.Enroll(context.Background(), in)
	require.NoError(t, err)

	f.setNow(noon("2024-05-20"))
	res, next, err := f.engine.PreviewCatchup(context.Background(), "mem-1", nil)

	require.NoError(t, err)
	assert.Equal(t, "2024-06-15", next.String())
	assert.Equal(t, 4, res.Months())
	assert.True(t, money("160").Equal(res.TotalAmount))
}

func TestPreviewCatchup_NotBackdated(t *testing.T) {
	f := newFixture(t, noon("2024-04-10"), billing.ConfigOverrides{})
	f.addMembership(t, "mem-1", billing.StatusWaitingPeriod, withNextDue("2024-04-01"))

	_, _, err := f.engine.PreviewCatchup(context.Background(), "mem-1", nil)

	assert.True(t, billing.IsValidation(err))
}
