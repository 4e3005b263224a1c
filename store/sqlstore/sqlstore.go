/*
Package sqlstore provides a SQL-backed billing.TxStore for SQLite and PostgreSQL.

PURPOSE:
  Implements billing.TxStore and billing.SweepRunStore. SQLite is the default
  for development and single-node deployments; PostgreSQL (lib/pq) for
  production. Queries are written once with "?" placeholders and rebound to
  "$n" for PostgreSQL.

KEY TABLES:
  organizations:  tenant, timezone, config overrides (JSON)
  memberships:    billing state per member
  payments:       invoices and charges
  settlements:    one row per applied external event (idempotency key)
  audit_entries:  append-only admin and system actions
  sweep_runs:     daily sweep bookkeeping

CONCURRENCY GUARDS:
  - settlements.external_event_id is the primary key: a replayed event
    fails the insert and rolls back its transaction
  - payments.settlement_event_id has a partial unique index
  - status changes are conditional UPDATEs (WHERE status = ?); zero rows
    affected means ErrStaleWrite
  - reminder claims update WHERE reminder_count = ?

STORAGE FORMATS:
  Dates as YYYY-MM-DD text, timestamps as fixed-width RFC3339 UTC text,
  money as decimal text, booleans as 0/1 integers.

USAGE:
  store, err := sqlstore.Open("sqlite3", "./data/dues.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  engine := billing.NewEngine(store)

SEE ALSO:
  - billing/store.go: interface definitions
  - billing/store/memory.go: in-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/dues-engine/billing"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store implements billing.TxStore.
type Store struct {
	conn
	db *sql.DB
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn carries every query; Store runs it on the pool, WithTx on a *sql.Tx.
type conn struct {
	q       querier
	dialect dialect
}

// Open connects and migrates. driver is "sqlite3" or "postgres".
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite3", "sqlite", "":
		return OpenSQLite(dsn)
	case "postgres", "postgresql":
		return OpenPostgres(dsn)
	}
	return nil, errors.Newf("unsupported database driver %q", driver)
}

// OpenSQLite opens a SQLite database. Use ":memory:" for tests.
func OpenSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// one writer at a time; also keeps a ":memory:" database alive
	db.SetMaxOpenConns(1)
	return newStore(db, dialectSQLite)
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return newStore(db, dialectPostgres)
}

func newStore(db *sql.DB, d dialect) (*Store, error) {
	s := &Store{conn: conn{q: db, dialect: d}, db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping is used by the health check.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "exec %.60q", strings.TrimSpace(stmt))
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	timezone TEXT NOT NULL DEFAULT '',
	config_json TEXT NOT NULL DEFAULT '{}',
	sweep_rule TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memberships (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL REFERENCES organizations(id),
	member_name TEXT NOT NULL,
	member_email TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	subscription_status TEXT NOT NULL DEFAULT 'none',
	billing_frequency TEXT NOT NULL,
	dues_amount TEXT NOT NULL,
	paid_months INTEGER NOT NULL DEFAULT 0,
	billing_day INTEGER NOT NULL DEFAULT 0,
	billing_anchor_date TEXT,
	next_payment_due TEXT,
	enrollment_fee_status TEXT NOT NULL DEFAULT 'unpaid',
	gateway_customer_ref TEXT NOT NULL DEFAULT '',
	gateway_subscription_ref TEXT NOT NULL DEFAULT '',
	eligible_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memberships_org_status
	ON memberships(organization_id, status);
CREATE INDEX IF NOT EXISTS idx_memberships_gateway_subscription
	ON memberships(gateway_subscription_ref);
CREATE INDEX IF NOT EXISTS idx_memberships_gateway_customer
	ON memberships(gateway_customer_ref);

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	membership_id TEXT NOT NULL REFERENCES memberships(id),
	organization_id TEXT NOT NULL,
	type TEXT NOT NULL,
	method TEXT NOT NULL,
	status TEXT NOT NULL,
	amount TEXT NOT NULL,
	amount_paid TEXT NOT NULL DEFAULT '0',
	months_credited INTEGER NOT NULL DEFAULT 0,
	due_date TEXT,
	period_start TEXT,
	period_end TEXT,
	period_label TEXT NOT NULL DEFAULT '',
	invoice_number TEXT NOT NULL DEFAULT '',
	external_ref TEXT NOT NULL DEFAULT '',
	settlement_event_id TEXT,
	paid_at TEXT,
	failed_at TEXT,
	reminder_count INTEGER NOT NULL DEFAULT 0,
	reminder_sent_at TEXT,
	reminders_paused INTEGER NOT NULL DEFAULT 0,
	requires_review INTEGER NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payments_membership_due
	ON payments(membership_id, due_date);
CREATE INDEX IF NOT EXISTS idx_payments_reminders
	ON payments(organization_id, status, due_date);
CREATE INDEX IF NOT EXISTS idx_payments_external_ref
	ON payments(external_ref);
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_settlement_event
	ON payments(settlement_event_id) WHERE settlement_event_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS settlements (
	external_event_id TEXT PRIMARY KEY,
	payment_id TEXT NOT NULL,
	membership_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	paid_months INTEGER NOT NULL,
	status TEXT NOT NULL,
	became_eligible INTEGER NOT NULL DEFAULT 0,
	settled_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_entries (
	id TEXT PRIMARY KEY,
	at TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	organization_id TEXT NOT NULL DEFAULT '',
	membership_id TEXT NOT NULL DEFAULT '',
	payment_id TEXT NOT NULL DEFAULT '',
	payload_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_membership
	ON audit_entries(membership_id, at);
CREATE INDEX IF NOT EXISTS idx_audit_org
	ON audit_entries(organization_id, at);

CREATE TABLE IF NOT EXISTS sweep_runs (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	run_date TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	status TEXT NOT NULL,
	reminders_sent INTEGER NOT NULL DEFAULT 0,
	delivery_failures INTEGER NOT NULL DEFAULT 0,
	lapsed INTEGER NOT NULL DEFAULT 0,
	cancelled INTEGER NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sweep_runs_unique
	ON sweep_runs(organization_id, run_date, trigger_kind)
`

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn inside a database transaction. Any error rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return billing.Persistence(err, "begin transaction")
	}
	defer tx.Rollback()

	if err := fn(&conn{q: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicate
		}
		return billing.Persistence(err, "commit transaction")
	}
	return nil
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// rebind rewrites "?" placeholders to "$1, $2, ..." for PostgreSQL.
func (c *conn) rebind(query string) string {
	if c.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

const orgColumns = `id, name, timezone, config_json, sweep_rule, created_at, updated_at`

func (c *conn) GetOrganization(ctx context.Context, id string) (*billing.Organization, error) {
	row := c.queryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = ?`, id)
	org, err := scanOrganization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NewNotFound("organization", id)
	}
	if err != nil {
		return nil, billing.Persistence(err, "get organization")
	}
	return &org, nil
}

func (c *conn) ListOrganizations(ctx context.Context) ([]billing.Organization, error) {
	rows, err := c.query(ctx, `SELECT `+orgColumns+` FROM organizations ORDER BY id`)
	if err != nil {
		return nil, billing.Persistence(err, "list organizations")
	}
	defer rows.Close()

	var out []billing.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, billing.Persistence(err, "scan organization")
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func (c *conn) SaveOrganization(ctx context.Context, org billing.Organization) error {
	cfg, err := json.Marshal(org.Config)
	if err != nil {
		return errors.Wrap(err, "encode organization config")
	}
	_, err = c.exec(ctx, `
		INSERT INTO organizations (`+orgColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			timezone = excluded.timezone,
			config_json = excluded.config_json,
			sweep_rule = excluded.sweep_rule,
			updated_at = excluded.updated_at`,
		org.ID, org.Name, org.Timezone, string(cfg), org.SweepRule,
		formatTime(org.CreatedAt), formatTime(org.UpdatedAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrganization(row rowScanner) (billing.Organization, error) {
	var (
		org                  billing.Organization
		cfg                  string
		createdAt, updatedAt string
	)
	if err := row.Scan(&org.ID, &org.Name, &org.Timezone, &cfg, &org.SweepRule, &createdAt, &updatedAt); err != nil {
		return org, err
	}
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &org.Config); err != nil {
			return org, errors.Wrapf(err, "decode config of organization %s", org.ID)
		}
	}
	org.CreatedAt = parseTime(createdAt)
	org.UpdatedAt = parseTime(updatedAt)
	return org, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (c *conn) AppendAudit(ctx context.Context, e billing.AuditEntry) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return errors.Wrap(err, "encode audit payload")
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	_, err := c.exec(ctx, `
		INSERT INTO audit_entries (id, at, actor, action, organization_id, membership_id, payment_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.At), e.Actor, string(e.Action), e.OrganizationID, e.MembershipID, e.PaymentID, payload,
	)
	return err
}

func (c *conn) QueryAudit(ctx context.Context, f billing.AuditFilter) ([]billing.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.MembershipID != "" {
		where = append(where, "membership_id = ?")
		args = append(args, f.MembershipID)
	}
	if f.PaymentID != "" {
		where = append(where, "payment_id = ?")
		args = append(args, f.PaymentID)
	}
	if len(f.Actions) > 0 {
		where = append(where, "action IN ("+placeholders(len(f.Actions))+")")
		for _, a := range f.Actions {
			args = append(args, string(a))
		}
	}

	query := `SELECT id, at, actor, action, organization_id, membership_id, payment_id, payload_json FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + itoa(f.Limit)
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, billing.Persistence(err, "query audit")
	}
	defer rows.Close()

	var out []billing.AuditEntry
	for rows.Next() {
		var (
			e       billing.AuditEntry
			at      string
			action  string
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Actor, &action, &e.OrganizationID, &e.MembershipID, &e.PaymentID, &payload); err != nil {
			return nil, billing.Persistence(err, "scan audit entry")
		}
		e.At = parseTime(at)
		e.Action = billing.AuditAction(action)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, errors.Wrapf(err, "decode audit payload %s", e.ID)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (c *conn) SaveSweepRun(ctx context.Context, r billing.SweepRun) error {
	_, err := c.exec(ctx, `
		INSERT INTO sweep_runs (id, organization_id, run_date, trigger_kind, status, reminders_sent,
			delivery_failures, lapsed, cancelled, errors, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, run_date, trigger_kind) DO UPDATE SET
			status = excluded.status,
			reminders_sent = excluded.reminders_sent,
			delivery_failures = excluded.delivery_failures,
			lapsed = excluded.lapsed,
			cancelled = excluded.cancelled,
			errors = excluded.errors,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		r.ID, r.OrganizationID, r.RunDate.String(), string(r.Trigger), r.Status, r.RemindersSent,
		r.DeliveryFailures, r.Lapsed, r.Cancelled, r.Errors, r.Error,
		formatTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	if err != nil {
		return billing.Persistence(err, "save sweep run")
	}
	return nil
}

func (c *conn) SweepCompleted(ctx context.Context, orgID string, runDate billing.Date) (bool, error) {
	var count int
	err := c.queryRow(ctx, `
		SELECT COUNT(*) FROM sweep_runs
		WHERE organization_id = ? AND run_date = ? AND trigger_kind = ? AND status = ?`,
		orgID, runDate.String(), string(billing.TriggerScheduled), billing.RunCompleted,
	).Scan(&count)
	if err != nil {
		return false, billing.Persistence(err, "check sweep run")
	}
	return count > 0, nil
}

func (c *conn) ListSweepRuns(ctx context.Context, orgID string, limit int) ([]billing.SweepRun, error) {
	query := `
		SELECT id, organization_id, run_date, trigger_kind, status, reminders_sent,
			delivery_failures, lapsed, cancelled, errors, error, started_at, completed_at
		FROM sweep_runs`
	var args []any
	if orgID != "" {
		query += " WHERE organization_id = ?"
		args = append(args, orgID)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT " + itoa(limit)
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, billing.Persistence(err, "list sweep runs")
	}
	defer rows.Close()

	var runs []billing.SweepRun
	for rows.Next() {
		var (
			r                  billing.SweepRun
			trigger, startedAt string
			completedAt        sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.RunDate, &trigger, &r.Status, &r.RemindersSent,
			&r.DeliveryFailures, &r.Lapsed, &r.Cancelled, &r.Errors, &r.Error, &startedAt, &completedAt); err != nil {
			return nil, billing.Persistence(err, "scan sweep run")
		}
		r.Trigger = billing.SweepTrigger(trigger)
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseNullTime(completedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed-width so text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullDate(d *billing.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNullDate(s sql.NullString) *billing.Date {
	if !s.Valid || s.String == "" {
		return nil
	}
	d, err := billing.ParseDate(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func itoa(n int) string { return strconv.Itoa(n) }

// isUniqueConstraintError recognizes unique violations from both drivers.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key")
}
