// Package store provides an in-memory billing.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/warp/dues-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	state    memoryState
	failNext map[string]error
}

type memoryState struct {
	orgs        map[string]billing.Organization
	memberships map[string]billing.Membership
	payments    map[string]billing.Payment
	settlements map[string]billing.SettlementRecord
	audit       []billing.AuditEntry
	runs        []billing.SweepRun
}

func NewMemory() *Memory {
	return &Memory{
		state: memoryState{
			orgs:        make(map[string]billing.Organization),
			memberships: make(map[string]billing.Membership),
			payments:    make(map[string]billing.Payment),
			settlements: make(map[string]billing.SettlementRecord),
		},
		failNext: make(map[string]error),
	}
}

// FailNext makes the next call of the named method return err. Tests use it
// to simulate store outages ("RecordReminder", "GetMembership", ...).
func (m *Memory) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[method] = err
}

func (m *Memory) injected(method string) error {
	if err, ok := m.failNext[method]; ok {
		delete(m.failNext, method)
		return err
	}
	return nil
}

// =============================================================================
// TRANSACTIONS - snapshot + rollback on error
// =============================================================================

// WithTx runs fn holding the write lock. On error every change fn made is
// rolled back.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txView{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		orgs:        make(map[string]billing.Organization, len(s.orgs)),
		memberships: make(map[string]billing.Membership, len(s.memberships)),
		payments:    make(map[string]billing.Payment, len(s.payments)),
		settlements: make(map[string]billing.SettlementRecord, len(s.settlements)),
		audit:       append([]billing.AuditEntry(nil), s.audit...),
		runs:        append([]billing.SweepRun(nil), s.runs...),
	}
	for k, v := range s.orgs {
		c.orgs[k] = v
	}
	for k, v := range s.memberships {
		c.memberships[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.settlements {
		c.settlements[k] = v
	}
	return c
}

// read and write run fn under the lock. txView calls the *Locked methods
// directly since WithTx already holds the write lock.
func (m *Memory) read(fn func()) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn()
}

func (m *Memory) write(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

func (m *Memory) GetOrganization(_ context.Context, id string) (org *billing.Organization, err error) {
	m.read(func() { org, err = m.getOrganizationLocked(id) })
	return
}

func (m *Memory) getOrganizationLocked(id string) (*billing.Organization, error) {
	org, ok := m.state.orgs[id]
	if !ok {
		return nil, billing.NewNotFound("organization", id)
	}
	return &org, nil
}

func (m *Memory) ListOrganizations(_ context.Context) (out []billing.Organization, err error) {
	m.read(func() {
		out = lo.Values(m.state.orgs)
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	})
	return
}

func (m *Memory) SaveOrganization(_ context.Context, org billing.Organization) error {
	m.write(func() { m.state.orgs[org.ID] = org })
	return nil
}

// =============================================================================
// MEMBERSHIPS
// =============================================================================

func (m *Memory) GetMembership(_ context.Context, id string) (mem *billing.Membership, err error) {
	m.write(func() { mem, err = m.getMembershipLocked(id) })
	return
}

func (m *Memory) getMembershipLocked(id string) (*billing.Membership, error) {
	if err := m.injected("GetMembership"); err != nil {
		return nil, err
	}
	mem, ok := m.state.memberships[id]
	if !ok {
		return nil, billing.NewNotFound("membership", id)
	}
	return &mem, nil
}

func (m *Memory) InsertMembership(_ context.Context, mem billing.Membership) (err error) {
	m.write(func() { err = m.insertMembershipLocked(mem) })
	return
}

func (m *Memory) insertMembershipLocked(mem billing.Membership) error {
	if _, ok := m.state.memberships[mem.ID]; ok {
		return billing.ErrDuplicate
	}
	m.state.memberships[mem.ID] = mem
	return nil
}

func (m *Memory) FindMembershipByGatewayRef(_ context.Context, ref string) (mem *billing.Membership, err error) {
	m.read(func() { mem, err = m.findMembershipByGatewayRefLocked(ref) })
	return
}

func (m *Memory) findMembershipByGatewayRefLocked(ref string) (*billing.Membership, error) {
	for _, mem := range m.state.memberships {
		if ref != "" && (mem.GatewaySubscriptionRef == ref || mem.GatewayCustomerRef == ref) {
			return &mem, nil
		}
	}
	return nil, billing.NewNotFound("membership", ref)
}

func (m *Memory) UpdateMembership(_ context.Context, id string, expect billing.MembershipStatus, upd billing.MembershipUpdate) (err error) {
	m.write(func() { err = m.updateMembershipLocked(id, expect, upd) })
	return
}

func (m *Memory) updateMembershipLocked(id string, expect billing.MembershipStatus, upd billing.MembershipUpdate) error {
	if err := m.injected("UpdateMembership"); err != nil {
		return err
	}
	mem, ok := m.state.memberships[id]
	if !ok {
		return billing.NewNotFound("membership", id)
	}
	if expect != "" && mem.Status != expect {
		return billing.ErrStaleWrite
	}
	if upd.Status != nil {
		mem.Status = *upd.Status
	}
	if upd.SubscriptionStatus != nil {
		mem.SubscriptionStatus = *upd.SubscriptionStatus
	}
	if upd.PaidMonths != nil {
		mem.PaidMonths = *upd.PaidMonths
	}
	if upd.NextPaymentDue != nil {
		d := *upd.NextPaymentDue
		mem.NextPaymentDue = &d
	}
	if upd.BillingAnchorDate != nil {
		d := *upd.BillingAnchorDate
		mem.BillingAnchorDate = &d
	}
	if upd.EnrollmentFeeStatus != nil {
		mem.EnrollmentFeeStatus = *upd.EnrollmentFeeStatus
	}
	if upd.EligibleAt != nil {
		t := *upd.EligibleAt
		mem.EligibleAt = &t
	}
	mem.UpdatedAt = upd.UpdatedAt
	m.state.memberships[id] = mem
	return nil
}

func (m *Memory) ListMembershipsByStatus(_ context.Context, orgID string, statuses ...billing.MembershipStatus) (out []billing.Membership, err error) {
	m.read(func() { out = m.listMembershipsLocked(orgID, statuses) })
	return
}

func (m *Memory) listMembershipsLocked(orgID string, statuses []billing.MembershipStatus) []billing.Membership {
	out := lo.Filter(lo.Values(m.state.memberships), func(mem billing.Membership, _ int) bool {
		return mem.OrganizationID == orgID && (len(statuses) == 0 || lo.Contains(statuses, mem.Status))
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) GetPayment(_ context.Context, id string) (p *billing.Payment, err error) {
	m.read(func() { p, err = m.getPaymentLocked(id) })
	return
}

func (m *Memory) getPaymentLocked(id string) (*billing.Payment, error) {
	p, ok := m.state.payments[id]
	if !ok {
		return nil, billing.NewNotFound("payment", id)
	}
	return &p, nil
}

func (m *Memory) InsertPayment(_ context.Context, p billing.Payment) (err error) {
	m.write(func() { err = m.insertPaymentLocked(p) })
	return
}

func (m *Memory) insertPaymentLocked(p billing.Payment) error {
	if _, ok := m.state.payments[p.ID]; ok {
		return billing.ErrDuplicate
	}
	m.state.payments[p.ID] = p
	return nil
}

func (m *Memory) FindPaymentByExternalRef(_ context.Context, ref string) (p *billing.Payment, err error) {
	m.read(func() { p, err = m.findPaymentByExternalRefLocked(ref) })
	return
}

func (m *Memory) findPaymentByExternalRefLocked(ref string) (*billing.Payment, error) {
	var found *billing.Payment
	for _, p := range m.state.payments {
		if ref == "" || p.ExternalRef != ref {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			p := p
			found = &p
		}
	}
	if found == nil {
		return nil, billing.NewNotFound("payment", ref)
	}
	return found, nil
}

func (m *Memory) ListPayments(_ context.Context, membershipID string, statuses ...billing.PaymentStatus) (out []billing.Payment, err error) {
	m.read(func() { out = m.listPaymentsLocked(membershipID, statuses) })
	return
}

func (m *Memory) listPaymentsLocked(membershipID string, statuses []billing.PaymentStatus) []billing.Payment {
	out := lo.Filter(lo.Values(m.state.payments), func(p billing.Payment, _ int) bool {
		return p.MembershipID == membershipID && (len(statuses) == 0 || lo.Contains(statuses, p.Status))
	})
	sortByDue(out)
	return out
}

// sortByDue orders by due date (undated last), then creation time.
func sortByDue(ps []billing.Payment) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		switch {
		case a.DueDate != nil && b.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
			return a.DueDate.Before(*b.DueDate)
		case a.DueDate != nil && b.DueDate == nil:
			return true
		case a.DueDate == nil && b.DueDate != nil:
			return false
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (m *Memory) TransitionPayment(_ context.Context, id string, from []billing.PaymentStatus, upd billing.PaymentUpdate) (err error) {
	m.write(func() { err = m.transitionPaymentLocked(id, from, upd) })
	return
}

func (m *Memory) transitionPaymentLocked(id string, from []billing.PaymentStatus, upd billing.PaymentUpdate) error {
	if err := m.injected("TransitionPayment"); err != nil {
		return err
	}
	p, ok := m.state.payments[id]
	if !ok {
		return billing.NewNotFound("payment", id)
	}
	if !lo.Contains(from, p.Status) {
		return billing.ErrStaleWrite
	}
	if upd.SettlementEventID != nil {
		for _, other := range m.state.payments {
			if other.ID != id && other.SettlementEventID == *upd.SettlementEventID {
				return billing.ErrDuplicate
			}
		}
	}
	m.state.payments[id] = applyPaymentUpdate(p, upd)
	return nil
}

func (m *Memory) UpdatePayment(_ context.Context, id string, upd billing.PaymentUpdate) (err error) {
	m.write(func() { err = m.updatePaymentLocked(id, upd) })
	return
}

func (m *Memory) updatePaymentLocked(id string, upd billing.PaymentUpdate) error {
	p, ok := m.state.payments[id]
	if !ok {
		return billing.NewNotFound("payment", id)
	}
	m.state.payments[id] = applyPaymentUpdate(p, upd)
	return nil
}

func applyPaymentUpdate(p billing.Payment, upd billing.PaymentUpdate) billing.Payment {
	if upd.Status != nil {
		p.Status = *upd.Status
	}
	if upd.Method != nil {
		p.Method = *upd.Method
	}
	if upd.AmountPaid != nil {
		p.AmountPaid = *upd.AmountPaid
	}
	if upd.SettlementEventID != nil {
		p.SettlementEventID = *upd.SettlementEventID
	}
	if upd.ExternalRef != nil {
		p.ExternalRef = *upd.ExternalRef
	}
	if upd.PaidAt != nil {
		t := *upd.PaidAt
		p.PaidAt = &t
	}
	if upd.FailedAt != nil {
		t := *upd.FailedAt
		p.FailedAt = &t
	}
	if upd.ReminderCount != nil {
		p.ReminderCount = *upd.ReminderCount
	}
	if upd.RemindersPaused != nil {
		p.RemindersPaused = *upd.RemindersPaused
	}
	if upd.RequiresReview != nil {
		p.RequiresReview = *upd.RequiresReview
	}
	if upd.Notes != nil {
		p.Notes = *upd.Notes
	}
	p.UpdatedAt = upd.UpdatedAt
	return p
}

func (m *Memory) ListReminderCandidates(_ context.Context, orgID string, today billing.Date, maxReminders int) (out []billing.Payment, err error) {
	m.read(func() { out = m.listReminderCandidatesLocked(orgID, today, maxReminders) })
	return
}

func (m *Memory) listReminderCandidatesLocked(orgID string, today billing.Date, maxReminders int) []billing.Payment {
	out := lo.Filter(lo.Values(m.state.payments), func(p billing.Payment, _ int) bool {
		return p.OrganizationID == orgID &&
			(p.Status == billing.PaymentPending || p.Status == billing.PaymentFailed) &&
			!p.RemindersPaused && !p.RequiresReview &&
			p.DueDate != nil && p.DueDate.BeforeOrEqual(today) &&
			p.ReminderCount < maxReminders
	})
	sortByDue(out)
	return out
}

func (m *Memory) RecordReminder(_ context.Context, id string, expectCount int, sentAt time.Time, requiresReview bool) (err error) {
	m.write(func() { err = m.recordReminderLocked(id, expectCount, sentAt, requiresReview) })
	return
}

func (m *Memory) recordReminderLocked(id string, expectCount int, sentAt time.Time, requiresReview bool) error {
	if err := m.injected("RecordReminder"); err != nil {
		return err
	}
	p, ok := m.state.payments[id]
	if !ok {
		return billing.NewNotFound("payment", id)
	}
	if p.ReminderCount != expectCount {
		return billing.ErrStaleWrite
	}
	p.ReminderCount++
	t := sentAt
	p.ReminderSentAt = &t
	if requiresReview {
		p.RequiresReview = true
	}
	p.UpdatedAt = sentAt
	m.state.payments[id] = p
	return nil
}

func (m *Memory) ListPaymentsRequiringReview(_ context.Context, orgID string) (out []billing.Payment, err error) {
	m.read(func() { out = m.listReviewLocked(orgID) })
	return
}

func (m *Memory) listReviewLocked(orgID string) []billing.Payment {
	out := lo.Filter(lo.Values(m.state.payments), func(p billing.Payment, _ int) bool {
		return p.OrganizationID == orgID && p.RequiresReview
	})
	sortByDue(out)
	return out
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (m *Memory) GetSettlement(_ context.Context, eventID string) (rec *billing.SettlementRecord, err error) {
	m.read(func() { rec, err = m.getSettlementLocked(eventID) })
	return
}

func (m *Memory) getSettlementLocked(eventID string) (*billing.SettlementRecord, error) {
	rec, ok := m.state.settlements[eventID]
	if !ok {
		return nil, billing.NewNotFound("settlement", eventID)
	}
	return &rec, nil
}

func (m *Memory) InsertSettlement(_ context.Context, rec billing.SettlementRecord) (err error) {
	m.write(func() { err = m.insertSettlementLocked(rec) })
	return
}

func (m *Memory) insertSettlementLocked(rec billing.SettlementRecord) error {
	if _, ok := m.state.settlements[rec.ExternalEventID]; ok {
		return billing.ErrDuplicate
	}
	m.state.settlements[rec.ExternalEventID] = rec
	return nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry billing.AuditEntry) error {
	m.write(func() { m.state.audit = append(m.state.audit, entry) })
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, f billing.AuditFilter) (out []billing.AuditEntry, err error) {
	m.read(func() { out = m.queryAuditLocked(f) })
	return
}

func (m *Memory) queryAuditLocked(f billing.AuditFilter) []billing.AuditEntry {
	var out []billing.AuditEntry
	for i := len(m.state.audit) - 1; i >= 0; i-- {
		e := m.state.audit[i]
		if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID ||
			f.MembershipID != "" && e.MembershipID != f.MembershipID ||
			f.PaymentID != "" && e.PaymentID != f.PaymentID ||
			len(f.Actions) > 0 && !lo.Contains(f.Actions, e.Action) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (m *Memory) SaveSweepRun(_ context.Context, run billing.SweepRun) error {
	m.write(func() {
		for i, r := range m.state.runs {
			if r.OrganizationID == run.OrganizationID && r.RunDate.Equal(run.RunDate) && r.Trigger == run.Trigger {
				m.state.runs[i] = run
				return
			}
		}
		m.state.runs = append(m.state.runs, run)
	})
	return nil
}

func (m *Memory) SweepCompleted(_ context.Context, orgID string, runDate billing.Date) (done bool, err error) {
	m.read(func() {
		done = lo.ContainsBy(m.state.runs, func(r billing.SweepRun) bool {
			return r.OrganizationID == orgID && r.RunDate.Equal(runDate) &&
				r.Trigger == billing.TriggerScheduled && r.Status == billing.RunCompleted
		})
	})
	return
}

func (m *Memory) ListSweepRuns(_ context.Context, orgID string, limit int) (out []billing.SweepRun, err error) {
	m.read(func() {
		for i := len(m.state.runs) - 1; i >= 0; i-- {
			if orgID != "" && m.state.runs[i].OrganizationID != orgID {
				continue
			}
			out = append(out, m.state.runs[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	})
	return
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// txView is handed to WithTx callbacks; the parent's write lock is held.
type txView struct {
	m *Memory
}

func (tv *txView) GetOrganization(_ context.Context, id string) (*billing.Organization, error) {
	return tv.m.getOrganizationLocked(id)
}

func (tv *txView) ListOrganizations(_ context.Context) ([]billing.Organization, error) {
	out := lo.Values(tv.m.state.orgs)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tv *txView) SaveOrganization(_ context.Context, org billing.Organization) error {
	tv.m.state.orgs[org.ID] = org
	return nil
}

func (tv *txView) GetMembership(_ context.Context, id string) (*billing.Membership, error) {
	return tv.m.getMembershipLocked(id)
}

func (tv *txView) InsertMembership(_ context.Context, mem billing.Membership) error {
	return tv.m.insertMembershipLocked(mem)
}

func (tv *txView) FindMembershipByGatewayRef(_ context.Context, ref string) (*billing.Membership, error) {
	return tv.m.findMembershipByGatewayRefLocked(ref)
}

func (tv *txView) UpdateMembership(_ context.Context, id string, expect billing.MembershipStatus, upd billing.MembershipUpdate) error {
	return tv.m.updateMembershipLocked(id, expect, upd)
}

func (tv *txView) ListMembershipsByStatus(_ context.Context, orgID string, statuses ...billing.MembershipStatus) ([]billing.Membership, error) {
	return tv.m.listMembershipsLocked(orgID, statuses), nil
}

func (tv *txView) GetPayment(_ context.Context, id string) (*billing.Payment, error) {
	return tv.m.getPaymentLocked(id)
}

func (tv *txView) InsertPayment(_ context.Context, p billing.Payment) error {
	return tv.m.insertPaymentLocked(p)
}

func (tv *txView) FindPaymentByExternalRef(_ context.Context, ref string) (*billing.Payment, error) {
	return tv.m.findPaymentByExternalRefLocked(ref)
}

func (tv *txView) ListPayments(_ context.Context, membershipID string, statuses ...billing.PaymentStatus) ([]billing.Payment, error) {
	return tv.m.listPaymentsLocked(membershipID, statuses), nil
}

func (tv *txView) TransitionPayment(_ context.Context, id string, from []billing.PaymentStatus, upd billing.PaymentUpdate) error {
	return tv.m.transitionPaymentLocked(id, from, upd)
}

func (tv *txView) UpdatePayment(_ context.Context, id string, upd billing.PaymentUpdate) error {
	return tv.m.updatePaymentLocked(id, upd)
}

func (tv *txView) ListReminderCandidates(_ context.Context, orgID string, today billing.Date, maxReminders int) ([]billing.Payment, error) {
	return tv.m.listReminderCandidatesLocked(orgID, today, maxReminders), nil
}

func (tv *txView) RecordReminder(_ context.Context, id string, expectCount int, sentAt time.Time, requiresReview bool) error {
	return tv.m.recordReminderLocked(id, expectCount, sentAt, requiresReview)
}

func (tv *txView) ListPaymentsRequiringReview(_ context.Context, orgID string) ([]billing.Payment, error) {
	return tv.m.listReviewLocked(orgID), nil
}

func (tv *txView) GetSettlement(_ context.Context, eventID string) (*billing.SettlementRecord, error) {
	return tv.m.getSettlementLocked(eventID)
}

func (tv *txView) InsertSettlement(_ context.Context, rec billing.SettlementRecord) error {
	return tv.m.insertSettlementLocked(rec)
}

func (tv *txView) AppendAudit(_ context.Context, entry billing.AuditEntry) error {
	tv.m.state.audit = append(tv.m.state.audit, entry)
	return nil
}

func (tv *txView) QueryAudit(_ context.Context, f billing.AuditFilter) ([]billing.AuditEntry, error) {
	return tv.m.queryAuditLocked(f), nil
}
