/*
scheduler.go - Automated daily sweep scheduler

PURPOSE:
  Periodically checks every organization's sweep rule and, when an
  occurrence fell due today in the organization's timezone and no scheduled
  sweep has completed yet for that local day, runs the reminder and standing
  sweep for it.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Each organization carries an RRULE (Organization.SweepRule); empty uses
    DefaultRule. The rule is evaluated from local midnight in the org's zone
  - Due organizations are swept in parallel with a bounded pool
  - Each sweep holds a per-organization lease from lock.Locker, so two
    instances sharing Redis never sweep the same organization at once
  - Every sweep is recorded as a SweepRun (running -> completed/failed)

CONFIGURATION:
  - CheckInterval: how often to evaluate rules (default: 15 minutes)
  - Enabled:       whether the loop starts at all
  - DefaultRule:   RRULE for organizations without their own
  - Concurrency:   maximum organizations swept at once

USAGE:
  scheduler := NewSweepScheduler(engine, runs, lock.NewLocal(), log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - billing/standing.go: Engine.Sweep
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/conc/pool"
	"github.com/teambition/rrule-go"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/lock"
)

// DefaultSweepRule fires once a day at 09:00 local time.
const DefaultSweepRule = "FREQ=DAILY;BYHOUR=9;BYMINUTE=0;BYSECOND=0"

// SweepObserver receives one call per finished sweep. metrics.Collector
// implements it.
type SweepObserver interface {
	SweepFinished(trigger, status string, took time.Duration)
}

// SweepScheduler runs the daily per-organization sweep.
type SweepScheduler struct {
	Engine        *billing.Engine
	Runs          billing.SweepRunStore
	Locker        lock.Locker
	Observer      SweepObserver
	CheckInterval time.Duration
	Enabled       bool
	DefaultRule   string
	Concurrency   int

	log    *zap.SugaredLogger
	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a scheduler with default settings.
func NewSweepScheduler(engine *billing.Engine, runs billing.SweepRunStore, locker lock.Locker, log *zap.SugaredLogger) *SweepScheduler {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SweepScheduler{
		Engine:        engine,
		Runs:          runs,
		Locker:        locker,
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
		DefaultRule:   DefaultSweepRule,
		Concurrency:   4,
		log:           log.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(ctx)

	s.log.Infow("started", "check_interval", s.CheckInterval, "concurrency", s.Concurrency)
}

// Stop stops the loop and waits for in-flight sweeps to return.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("stopped")
}

func (s *SweepScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.CheckAndProcess(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.CheckAndProcess(ctx)
		case <-s.stop:
			return
		}
	}
}

// CheckAndProcess sweeps every organization that is due now and returns the
// runs it recorded.
func (s *SweepScheduler) CheckAndProcess(ctx context.Context) []billing.SweepRun {
	orgs, err := s.Engine.Store().ListOrganizations(ctx)
	if err != nil {
		s.log.Errorw("list organizations", "error", err)
		return nil
	}

	var (
		mu   sync.Mutex
		runs []billing.SweepRun
	)
	p := pool.New().WithMaxGoroutines(max(s.Concurrency, 1))
	for _, org := range orgs {
		today, due, err := s.due(ctx, org)
		if err != nil {
			s.log.Errorw("evaluate sweep rule", "organization_id", org.ID, "error", err)
			continue
		}
		if !due {
			continue
		}
		p.Go(func() {
			run, err := s.sweep(ctx, org.ID, today, billing.TriggerScheduled)
			if err != nil {
				if errors.Is(err, lock.ErrHeld) {
					s.log.Debugw("sweep already running elsewhere", "organization_id", org.ID)
				} else {
					s.log.Errorw("sweep failed", "organization_id", org.ID, "error", err)
				}
			}
			if run.ID == "" {
				return
			}
			mu.Lock()
			runs = append(runs, run)
			mu.Unlock()
		})
	}
	p.Wait()

	if len(runs) > 0 {
		s.log.Infow("check completed", "swept", len(runs))
	}
	return runs
}

// RunNow sweeps one organization immediately, regardless of its rule.
func (s *SweepScheduler) RunNow(ctx context.Context, orgID string) (billing.SweepRun, error) {
	org, err := s.Engine.Resolver().Resolve(ctx, orgID)
	if err != nil {
		return billing.SweepRun{}, err
	}
	today := billing.TodayIn(s.Engine.Now(), org.Location)
	return s.sweep(ctx, orgID, today, billing.TriggerManual)
}

// due reports whether the organization's rule had an occurrence between local
// midnight and now, and no scheduled sweep completed today.
func (s *SweepScheduler) due(ctx context.Context, org billing.Organization) (billing.Date, bool, error) {
	loc, err := billing.LoadLocation(org.Timezone)
	if err != nil {
		return billing.Date{}, false, err
	}
	now := s.Engine.Now().In(loc)
	today := billing.DateOf(now, loc)

	rule := org.SweepRule
	if rule == "" {
		rule = s.DefaultRule
	}
	fired, err := FiredToday(rule, now)
	if err != nil || !fired {
		return today, false, err
	}

	done, err := s.Runs.SweepCompleted(ctx, org.ID, today)
	if err != nil {
		return today, false, billing.Persistence(err, "check sweep run")
	}
	return today, !done, nil
}

// FiredToday reports whether rule has an occurrence on now's local day at or
// before now. The rule must not carry its own DTSTART.
func FiredToday(rule string, now time.Time) (bool, error) {
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return false, errors.Wrapf(err, "parse sweep rule %q", rule)
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	opt.Dtstart = midnight
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return false, errors.Wrapf(err, "build sweep rule %q", rule)
	}
	return len(r.Between(midnight, now, true)) > 0, nil
}

// ValidateRule checks that rule parses as an RRULE.
func ValidateRule(rule string) error {
	if rule == "" {
		return nil
	}
	_, err := FiredToday(rule, time.Now())
	return err
}

func (s *SweepScheduler) sweep(ctx context.Context, orgID string, today billing.Date, trigger billing.SweepTrigger) (billing.SweepRun, error) {
	lease, err := s.Locker.Acquire(ctx, orgID)
	if err != nil {
		return billing.SweepRun{}, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warnw("release sweep lock", "organization_id", orgID, "error", err)
		}
	}()

	started := time.Now()
	run := billing.SweepRun{
		ID:             billing.NewID("run"),
		OrganizationID: orgID,
		RunDate:        today,
		Trigger:        trigger,
		Status:         billing.RunRunning,
		StartedAt:      s.Engine.Now(),
	}
	if err := s.Runs.SaveSweepRun(ctx, run); err != nil {
		return billing.SweepRun{}, billing.Persistence(err, "save sweep run")
	}

	report, sweepErr := s.Engine.Sweep(ctx, orgID)

	completed := s.Engine.Now()
	run.CompletedAt = &completed
	run.RemindersSent = report.Reminders.Sent
	run.DeliveryFailures = report.Reminders.DeliveryFailures
	run.Lapsed = len(report.Standing.Lapsed)
	run.Cancelled = len(report.Standing.Cancelled)
	run.Errors = report.Reminders.Errors + report.Standing.Errors
	run.Status = billing.RunCompleted
	if sweepErr != nil {
		run.Status = billing.RunFailed
		run.Error = sweepErr.Error()
	}

	if s.Observer != nil {
		s.Observer.SweepFinished(string(trigger), run.Status, time.Since(started))
	}
	// Record the outcome even when the caller's context is gone.
	if err := s.Runs.SaveSweepRun(context.WithoutCancel(ctx), run); err != nil {
		return run, billing.Persistence(err, "update sweep run")
	}

	s.log.Infow("organization swept",
		"organization_id", orgID,
		"trigger", trigger,
		"status", run.Status,
		"reminders_sent", run.RemindersSent,
		"lapsed", run.Lapsed,
		"cancelled", run.Cancelled,
	)
	return run, sweepErr
}

// NextRunTime returns when the next scheduled check will occur.
func (s *SweepScheduler) NextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}
