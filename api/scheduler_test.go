package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/lock"
)

func TestFiredToday(t *testing.T) {
	// 2024-03-11 is a Monday
	tests := map[string]struct {
		rule string
		now  time.Time
		want bool
	}{
		"before the hour":      {api.DefaultSweepRule, at("2024-03-11", 8), false},
		"at the hour":          {api.DefaultSweepRule, at("2024-03-11", 9), true},
		"late in the day":      {api.DefaultSweepRule, at("2024-03-11", 23), true},
		"weekly on its day":    {"FREQ=WEEKLY;BYDAY=MO;BYHOUR=6", at("2024-03-11", 7), true},
		"weekly on other days": {"FREQ=WEEKLY;BYDAY=MO;BYHOUR=6", at("2024-03-12", 7), false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := api.FiredToday(tc.rule, tc.now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := api.FiredToday("FREQ=SOMETIMES", at("2024-03-11", 9))
	assert.Error(t, err)
}

func TestScheduler_SweepsOncePerLocalDay(t *testing.T) {
	// GIVEN: org-1 in Chicago and org-2 in Tokyo, both on the 09:00 default rule
	// WHEN: the scheduler checks before and after 09:00 Chicago time
	// THEN: org-1 is swept once that day; Tokyo (already past midnight, before
	//       09:00) is not due yet

	s := newTestServer(t, at("2024-03-14", 8))
	ctx := context.Background()
	require.NoError(t, s.store.SaveOrganization(ctx, billing.Organization{
		ID: "org-2", Name: "Harbor Lodge", Timezone: "Asia/Tokyo",
	}))
	s.enroll(t, "mem-1", "0")

	assert.Empty(t, s.scheduler.CheckAndProcess(ctx))

	s.setNow(at("2024-03-14", 10))
	runs := s.scheduler.CheckAndProcess(ctx)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, testOrg, run.OrganizationID)
	assert.Equal(t, billing.TriggerScheduled, run.Trigger)
	assert.Equal(t, billing.RunCompleted, run.Status)
	assert.Equal(t, "2024-03-14", run.RunDate.String())
	assert.Equal(t, 1, run.RemindersSent)
	require.NotNil(t, run.CompletedAt)

	s.setNow(at("2024-03-14", 11))
	assert.Empty(t, s.scheduler.CheckAndProcess(ctx), "already swept today")

	s.setNow(at("2024-03-15", 10))
	runs = s.scheduler.CheckAndProcess(ctx)
	require.Len(t, runs, 1)
	assert.Equal(t, "2024-03-15", runs[0].RunDate.String())

	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.Sweeps.WithLabelValues("scheduled", "completed")))
}

func TestScheduler_OrganizationRule(t *testing.T) {
	s := newTestServer(t, at("2024-03-14", 7))
	ctx := context.Background()
	require.NoError(t, s.store.SaveOrganization(ctx, billing.Organization{
		ID: testOrg, Name: "Unity Hall", Timezone: "America/Chicago", SweepRule: "FREQ=DAILY;BYHOUR=6",
	}))
	require.NoError(t, s.store.SaveOrganization(ctx, billing.Organization{
		ID: "org-broken", Name: "Broken", Timezone: "America/Chicago", SweepRule: "FREQ=SOMETIMES",
	}))

	runs := s.scheduler.CheckAndProcess(ctx)

	require.Len(t, runs, 1, "a bad rule skips only its own organization")
	assert.Equal(t, testOrg, runs[0].OrganizationID)
}

func TestScheduler_SkipsWhenLockHeld(t *testing.T) {
	s := newTestServer(t, at("2024-03-14", 10))
	ctx := context.Background()
	locker := lock.NewLocal()
	s.scheduler.Locker = locker

	lease, err := locker.Acquire(ctx, testOrg)
	require.NoError(t, err)

	assert.Empty(t, s.scheduler.CheckAndProcess(ctx))
	done, err := s.store.SweepCompleted(ctx, testOrg, billing.MustParseDate("2024-03-14"))
	require.NoError(t, err)
	assert.False(t, done)

	_, err = s.scheduler.RunNow(ctx, testOrg)
	assert.ErrorIs(t, err, lock.ErrHeld)

	require.NoError(t, lease.Release(ctx))
	assert.Len(t, s.scheduler.CheckAndProcess(ctx), 1)
}

func TestScheduler_ManualRunDoesNotReplaceScheduled(t *testing.T) {
	s := newTestServer(t, at("2024-03-14", 10))
	ctx := context.Background()

	run, err := s.scheduler.RunNow(ctx, testOrg)
	require.NoError(t, err)
	assert.Equal(t, billing.TriggerManual, run.Trigger)

	runs := s.scheduler.CheckAndProcess(ctx)
	require.Len(t, runs, 1)
	assert.Equal(t, billing.TriggerScheduled, runs[0].Trigger)

	stored, err := s.store.ListSweepRuns(ctx, testOrg, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestScheduler_StartStop(t *testing.T) {
	s := newTestServer(t, at("2024-03-14", 10))
	s.scheduler.CheckInterval = time.Hour
	s.scheduler.Start()

	require.Eventually(t, func() bool {
		done, err := s.store.SweepCompleted(context.Background(), testOrg, billing.MustParseDate("2024-03-14"))
		return err == nil && done
	}, 2*time.Second, 10*time.Millisecond)

	s.scheduler.Stop()
	s.scheduler.Stop()
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	s := newTestServer(t, at("2024-03-14", 10))
	s.scheduler.Enabled = false
	s.scheduler.Start()
	s.scheduler.Stop()

	runs, err := s.store.ListSweepRuns(context.Background(), testOrg, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
