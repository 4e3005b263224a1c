package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/billing"
)

func TestEvaluateStanding_LapsesAndCancels(t *testing.T) {
	// GIVEN: lapseDays 30, cancelMonths 3, today April 1
	// THEN: more than 30 days overdue lapses; lapsed for 3 full months cancels

	f := newFixture(t, noon("2024-04-01"), billing.ConfigOverrides{})
	f.addMembership(t, "mem-30", billing.StatusWaitingPeriod, withNextDue("2024-03-02"))
	f.addMembership(t, "mem-31", billing.StatusWaitingPeriod, withNextDue("2024-03-01"))
	f.addMembership(t, "mem-active", billing.StatusActive, withNextDue("2024-02-01"))
	f.addMembership(t, "mem-current", billing.StatusActive, withNextDue("2024-04-15"))
	f.addMembership(t, "mem-lapsed-3", billing.StatusLapsed, withNextDue("2024-01-01"))
	f.addMembership(t, "mem-lapsed-2", billing.StatusLapsed, withNextDue("2024-01-15"))
	f.addMembership(t, "mem-pending", billing.StatusPending, withNextDue("2023-01-01"))

	res, err := f.engine.EvaluateStanding(context.Background(), testOrg)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mem-31", "mem-active"}, res.Lapsed)
	assert.Equal(t, []string{"mem-lapsed-3"}, res.Cancelled)
	assert.Zero(t, res.Errors)

	assert.Equal(t, billing.StatusWaitingPeriod, f.membership(t, "mem-30").Status)
	assert.Equal(t, billing.StatusLapsed, f.membership(t, "mem-31").Status)
	assert.Equal(t, billing.StatusActive, f.membership(t, "mem-current").Status)
	assert.Equal(t, billing.StatusLapsed, f.membership(t, "mem-lapsed-2").Status)
	assert.Equal(t, billing.StatusCancelled, f.membership(t, "mem-lapsed-3").Status)
	assert.Equal(t, billing.StatusPending, f.membership(t, "mem-pending").Status)
}

func TestEvaluateStanding_IsIdempotent(t *testing.T) {
	f := newFixture(t, noon("2024-04-01"), billing.ConfigOverrides{})
	f.addMembership(t, "mem-1", billing.StatusActive, withNextDue("2024-02-01"))
	ctx := context.Background()

	first, err := f.engine.EvaluateStanding(ctx, testOrg)
	require.NoError(t, err)
	second, err := f.engine.EvaluateStanding(ctx, testOrg)
	require.NoError(t, err)

	assert.Equal(t, []string{"mem-1"}, first.Lapsed)
	assert.Empty(t, second.Lapsed)
	assert.Empty(t, second.Cancelled)

	history, err := f.engine.History(ctx, "mem-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, billing.AuditStatusChanged, history[0].Action)
	assert.Equal(t, "lapsed", history[0].Payload["to"])
}

func TestEvaluateStanding_OrganizationThresholds(t *testing.T) {
	f := newFixture(t, noon("2024-03-12"), billing.ConfigOverrides{
		LapseDays:    intPtr(10),
		CancelMonths: intPtr(1),
	})
	f.addMembership(t, "mem-late", billing.StatusWaitingPeriod, withNextDue("2024-03-01"))
	f.addMembership(t, "mem-gone", billing.StatusLapsed, withNextDue("2024-02-12"))

	res, err := f.engine.EvaluateStanding(context.Background(), testOrg)

	require.NoError(t, err)
	assert.Equal(t, []string{"mem-late"}, res.Lapsed)
	assert.Equal(t, []string{"mem-gone"}, res.Cancelled)
}

func TestEvaluateStanding_StoreErrorCounted(t *testing.T) {
	f := newFixture(t, noon("2024-04-01"), billing.ConfigOverrides{})
	f.addMembership(t, "mem-1", billing.StatusActive, withNextDue("2024-02-01"))
	f.store.FailNext("UpdateMembership", billing.Persistence(assert.AnError, "update membership"))

	res, err := f.engine.EvaluateStanding(context.Background(), testOrg)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Empty(t, res.Lapsed)
	assert.Equal(t, billing.StatusActive, f.membership(t, "mem-1").Status)
}

func TestSweep_RunsRemindersThenStanding(t *testing.T) {
	f := newFixture(t, noon("2024-04-01"), billing.ConfigOverrides{})
	f.addMembership(t, "mem-1", billing.StatusWaitingPeriod, withNextDue("2024-02-20"))
	f.addPayment(t, "pay-1", "mem-1", withDue("2024-02-20"))

	report, err := f.engine.Sweep(context.Background(), testOrg)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Reminders.Sent)
	assert.Equal(t, []string{"mem-1"}, report.Standing.Lapsed)
	assert.Equal(t, "2024-04-01", report.Standing.Today.String())
}

func TestSweep_UnknownOrganizationReportsBothPasses(t *testing.T) {
	f := newFixture(t, noon("2024-04-01"), billing.ConfigOverrides{})

	_, err := f.engine.Sweep(context.Background(), "org-missing")

	require.Error(t, err)
	assert.True(t, billing.IsNotFound(err))
	assert.Contains(t, err.Error(), "reminders")
}

func TestLapsedMemberPaysAndReturns(t *testing.T) {
	// GIVEN: a membership that lapsed after missing February
	// WHEN: the overdue February invoice is paid
	// THEN: it goes back to waiting_period with the anniversary kept

	f := newFixture(t, noon("2024-03-05"), billing.ConfigOverrides{})
	f.addMembership(t, "mem-1", billing.StatusActive, withPaidMonths(5), withNextDue("2024-02-01"))
	f.addPayment(t, "pay-feb", "mem-1", withDue("2024-02-01"))

	res, err := f.engine.EvaluateStanding(context.Background(), testOrg)
	require.NoError(t, err)
	require.Equal(t, []string{"mem-1"}, res.Lapsed)

	got := settle(t, f, "pay-feb", "evt_feb", billing.OutcomeSucceeded)

	assert.Equal(t, billing.StatusWaitingPeriod, got.NewStatus)
	m := f.membership(t, "mem-1")
	assert.Equal(t, 6, m.PaidMonths)
	assert.Equal(t, "2024-03-01", m.NextPaymentDue.String())
}
