package billing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Engine owns the settlement, reminder and standing operations. It keeps no
// state between calls; everything lives in the store.
type Engine struct {
	store         TxStore
	resolver      *ConfigResolver
	notifier      Notifier
	recorder      Recorder
	log           *zap.SugaredLogger
	now           func() time.Time
	notifyTimeout time.Duration
}

type Option func(*Engine)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithResolver(r *ConfigResolver) Option { return func(e *Engine) { e.resolver = r } }

// WithNotifyTimeout bounds each notification call.
func WithNotifyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.notifyTimeout = d
		}
	}
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		notifier:      NopNotifier{},
		recorder:      nopRecorder{},
		log:           zap.NewNop().Sugar(),
		now:           time.Now,
		notifyTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = NewConfigResolver(store, 0)
	}
	return e
}

func (e *Engine) Store() TxStore             { return e.store }
func (e *Engine) Resolver() *ConfigResolver  { return e.resolver }
func (e *Engine) Now() time.Time             { return e.now() }
func (e *Engine) Logger() *zap.SugaredLogger { return e.log }

// audit appends an entry and only logs on failure: audit writes never undo
// the action they describe.
func (e *Engine) audit(ctx context.Context, s AuditLog, entry AuditEntry) {
	if entry.ID == "" {
		entry.ID = NewID("aud")
	}
	if entry.At.IsZero() {
		entry.At = e.now()
	}
	if entry.Actor == "" {
		entry.Actor = SystemActor
	}
	if err := s.AppendAudit(ctx, entry); err != nil {
		e.log.Warnw("audit append failed", "action", entry.Action, "membership_id", entry.MembershipID,
			"payment_id", entry.PaymentID, "error", err)
	}
}

// Recorder receives engine counters; the metrics package implements it.
type Recorder interface {
	Settlement(outcome Outcome, result string)
	EventIgnored(reason string)
	Reminder(orgID string, result string)
	StatusChange(from, to MembershipStatus)
}

type nopRecorder struct{}

func (nopRecorder) Settlement(Outcome, string)                      {}
func (nopRecorder) EventIgnored(string)                             {}
func (nopRecorder) Reminder(string, string)                         {}
func (nopRecorder) StatusChange(MembershipStatus, MembershipStatus) {}
