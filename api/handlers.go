/*
handlers.go - HTTP API handlers for the dues billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to billing.Engine.

ENDPOINTS:
  Gateway:
    POST   /api/webhooks/stripe                     Signed Stripe event
    POST   /api/events                              Decoded payment event
    POST   /api/events/batch                        Several decoded events, in order

  Organizations:
    POST   /api/organizations                       Create or replace
    GET    /api/organizations/{id}/billing-config   Resolved config
    PUT    /api/organizations/{id}/billing-config   Store overrides
    POST   /api/organizations/{id}/sweep            Reminder + standing sweep now
    GET    /api/organizations/{id}/sweep-runs       Recent sweeps

  Memberships:
    POST   /api/memberships                         Enroll
    GET    /api/memberships/{id}                    Membership
    GET    /api/memberships/{id}/payments           Payments (?status=)
    POST   /api/memberships/{id}/catchup-preview    Catch-up as of today
    POST   /api/memberships/{id}/manual-payments    Cash/check entry
    POST   /api/memberships/{id}/paid-months        Paid-month override
    POST   /api/memberships/{id}/reinstate          Cancelled -> waiting_period
    POST   /api/memberships/{id}/agreement-sent
    POST   /api/memberships/{id}/agreement-signed
    GET    /api/memberships/{id}/audit              Audit trail (?limit=)

  Payments:
    GET    /api/payments/review                     Review queue (?organization_id=)
    POST   /api/payments/{id}/settle                Apply an outcome
    POST   /api/payments/{id}/remind                Send the next reminder now
    POST   /api/payments/{id}/pause-reminders
    POST   /api/payments/{id}/resume-reminders
    POST   /api/payments/{id}/clear-review
    POST   /api/payments/{id}/refund

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine: settlement, reminders, standing, admin operations
  - Runs: sweep run history
  - Stripe: webhook verification and decoding (nil disables the endpoint)
  - Scheduler: manual sweeps share its locking and run records

ACTOR:
  Administrative calls record the X-Actor header in the audit log
  ("api" when absent).

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, bad webhook signature
  - 404: Resource not found
  - 409: Conflict (already applied, invalid transition, sweep in progress)
  - 502: Reminder could not be delivered (the attempt still counts)
  - 500: Internal errors

  The Stripe webhook answers 200 for everything it could verify, including
  events it does not handle and events it cannot link, so the gateway stops
  retrying. Only persistence failures return 500 to trigger a redelivery.

SECURITY NOTE:
  No authentication. Deploy behind an authenticating proxy; the webhook is
  protected by its signature.

SEE ALSO:
  - dto.go: Request/response data structures
  - scheduler.go: Sweep scheduler
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/gateway"
	"github.com/warp/dues-engine/lock"
)

// maxWebhookBody bounds a gateway payload.
const maxWebhookBody = 64 << 10

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *billing.Engine
	Runs      billing.SweepRunStore
	Stripe    *gateway.Stripe
	Scheduler *SweepScheduler

	log *zap.SugaredLogger
}

// NewHandler creates a handler. stripe may be nil.
func NewHandler(engine *billing.Engine, runs billing.SweepRunStore, scheduler *SweepScheduler, stripe *gateway.Stripe, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{
		Engine:    engine,
		Runs:      runs,
		Stripe:    stripe,
		Scheduler: scheduler,
		log:       log.Named("api"),
	}
}

// =============================================================================
// GATEWAY EVENTS
// =============================================================================

// StripeWebhook verifies and applies a Stripe event.
// POST /api/webhooks/stripe
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Stripe == nil {
		writeError(w, http.StatusServiceUnavailable, "Stripe webhooks are not configured", nil)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}

	decoded, err := h.Stripe.Parse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, gateway.ErrSignature) {
			h.log.Warnw("rejected webhook", "error", err)
			writeError(w, http.StatusBadRequest, "Invalid signature", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid event payload", err)
		return
	}

	ack := WebhookAck{Received: true, EventID: decoded.EventID, EventType: decoded.EventType, Handled: decoded.Handled}
	if !decoded.Handled {
		writeJSON(w, http.StatusOK, ack)
		return
	}

	res, err := h.Engine.ProcessEvent(r.Context(), decoded.Event)
	if err != nil {
		if billing.IsValidation(err) || billing.IsNotFound(err) {
			// Redelivery would fail the same way.
			h.log.Warnw("webhook event not applied", "event_id", decoded.EventID, "error", err)
			writeJSON(w, http.StatusOK, ack)
			return
		}
		h.log.Errorw("webhook event failed", "event_id", decoded.EventID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to apply event", err)
		return
	}
	dto := toSettlementDTO(res)
	ack.Settlement = &dto
	writeJSON(w, http.StatusOK, ack)
}

// ProcessEvent applies one decoded payment event.
// POST /api/events
func (h *Handler) ProcessEvent(w http.ResponseWriter, r *http.Request) {
	var req PaymentEventRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Engine.ProcessEvent(r.Context(), req.event(h.Engine.Now()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(res))
}

// ProcessEventBatch applies events in order; one failure never blocks the rest.
// POST /api/events/batch
func (h *Handler) ProcessEventBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []PaymentEventRequest
	if err := decodeJSON(r, &reqs); err != nil {
		h.fail(w, r, err)
		return
	}
	now := h.Engine.Now()
	events := make([]billing.PaymentEvent, len(reqs))
	for i, req := range reqs {
		events[i] = req.event(now)
	}

	out := EventBatchDTO{Results: make([]EventResultDTO, 0, len(events))}
	for _, o := range h.Engine.ProcessEvents(r.Context(), events) {
		entry := EventResultDTO{ExternalEventID: o.Event.ExternalEventID}
		if o.Err != nil {
			entry.Error = o.Err.Error()
			out.Failed++
		} else {
			dto := toSettlementDTO(o.Result)
			entry.Settlement = &dto
		}
		out.Results = append(out.Results, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ORGANIZATION HANDLERS
// =============================================================================

// SaveOrganization creates or replaces an organization.
// POST /api/organizations
func (h *Handler) SaveOrganization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req SaveOrganizationRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := ValidateRule(req.SweepRule); err != nil {
		h.fail(w, r, &billing.ValidationError{Field: "sweep_rule", Message: err.Error()})
		return
	}

	org := billing.Organization{
		ID:        req.ID,
		Name:      req.Name,
		Timezone:  req.Timezone,
		SweepRule: req.SweepRule,
		Config:    req.Config,
	}
	if existing, err := h.Engine.Store().GetOrganization(ctx, req.ID); err == nil {
		org.CreatedAt = existing.CreatedAt
	} else if !billing.IsNotFound(err) {
		h.fail(w, r, err)
		return
	}

	resolved, err := h.Engine.SaveOrganization(ctx, org)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrganizationDTO(resolved))
}

// GetBillingConfig returns an organization's resolved config.
// GET /api/organizations/{id}/billing-config
func (h *Handler) GetBillingConfig(w http.ResponseWriter, r *http.Request) {
	resolved, err := h.Engine.Resolver().Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBillingConfigDTO(resolved))
}

// UpdateBillingConfig replaces an organization's stored overrides.
// PUT /api/organizations/{id}/billing-config
func (h *Handler) UpdateBillingConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var overrides billing.ConfigOverrides
	if err := decodeJSON(r, &overrides); err != nil {
		h.fail(w, r, err)
		return
	}
	org, err := h.Engine.Store().GetOrganization(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	org.Config = overrides
	resolved, err := h.Engine.SaveOrganization(ctx, *org)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBillingConfigDTO(resolved))
}

func toBillingConfigDTO(r billing.ResolvedOrg) BillingConfigDTO {
	return BillingConfigDTO{
		OrganizationID: r.Organization.ID,
		Timezone:       r.Location.String(),
		Resolved:       r.Config,
		Overrides:      r.Organization.Config,
	}
}

// TriggerSweep runs the reminder and standing sweep for one organization.
// POST /api/organizations/{id}/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "id")
	run, err := h.Scheduler.RunNow(r.Context(), orgID)
	if err != nil && run.ID == "" {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		// The run is recorded as failed; report it rather than the error.
		h.log.Errorw("manual sweep failed", "organization_id", orgID, "error", err)
	}
	writeJSON(w, http.StatusOK, toSweepRunDTO(run))
}

// ListSweepRuns returns an organization's most recent sweeps.
// GET /api/organizations/{id}/sweep-runs
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Runs.ListSweepRuns(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 50))
	if err != nil {
		h.fail(w, r, billing.Persistence(err, "list sweep runs"))
		return
	}
	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MEMBERSHIP HANDLERS
// =============================================================================

// Enroll creates a membership and its opening invoices.
// POST /api/memberships
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in := billing.EnrollInput{
		MembershipID:      req.ID,
		OrganizationID:    req.OrganizationID,
		MemberName:        req.MemberName,
		MemberEmail:       req.MemberEmail,
		Frequency:         req.Frequency,
		DuesAmount:        req.DuesAmount,
		EnrollmentFee:     req.EnrollmentFee,
		BillingAnchorDate: req.BillingAnchorDate,
		Actor:             actor(r),
	}
	if req.SignupAt != nil {
		in.SignupAt = *req.SignupAt
	}

	res, err := h.Engine.Enroll(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := EnrollResponse{
		Membership: toMembershipDTO(res.Membership),
		Payments:   toPaymentDTOs(res.Payments),
	}
	if res.Catchup != nil {
		resp.Catchup = toCatchupDTO(*res.Catchup, res.Membership.NextPaymentDue)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetMembership returns a single membership.
// GET /api/memberships/{id}
func (h *Handler) GetMembership(w http.ResponseWriter, r *http.Request) {
	m, err := h.Engine.Store().GetMembership(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMembershipDTO(*m))
}

// ListPayments returns a membership's payments, oldest due first.
// GET /api/memberships/{id}/payments?status=pending&status=failed
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := h.Engine.Store().GetMembership(ctx, id); err != nil {
		h.fail(w, r, err)
		return
	}
	var statuses []billing.PaymentStatus
	for _, s := range r.URL.Query()["status"] {
		statuses = append(statuses, billing.PaymentStatus(s))
	}
	ps, err := h.Engine.Store().ListPayments(ctx, id, statuses...)
	if err != nil {
		h.fail(w, r, billing.Persistence(err, "list payments"))
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(ps))
}

// PreviewCatchup recomputes a backdated membership's catch-up as of today.
// POST /api/memberships/{id}/catchup-preview
func (h *Handler) PreviewCatchup(w http.ResponseWriter, r *http.Request) {
	var req CatchupPreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, next, err := h.Engine.PreviewCatchup(r.Context(), chi.URLParam(r, "id"), req.BillingAnchorDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCatchupDTO(res, &next))
}

// RecordManualPayment records and settles a cash, check or other payment.
// POST /api/memberships/{id}/manual-payments
func (h *Handler) RecordManualPayment(w http.ResponseWriter, r *http.Request) {
	var req ManualPaymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in := billing.ManualPaymentInput{
		MembershipID:   chi.URLParam(r, "id"),
		PaymentID:      req.PaymentID,
		Type:           req.Type,
		Method:         req.Method,
		Amount:         req.Amount,
		MonthsCredited: req.MonthsCredited,
		IdempotencyKey: req.IdempotencyKey,
		Actor:          actor(r),
		Notes:          req.Notes,
	}
	if req.ReceivedAt != nil {
		in.ReceivedAt = *req.ReceivedAt
	}

	p, res, err := h.Engine.RecordManualPayment(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, ManualPaymentResponse{Payment: toPaymentDTO(p), Settlement: toSettlementDTO(res)})
}

// AdjustPaidMonths overrides the paid-month count.
// POST /api/memberships/{id}/paid-months
func (h *Handler) AdjustPaidMonths(w http.ResponseWriter, r *http.Request) {
	var req AdjustPaidMonthsRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.Engine.AdjustPaidMonths(r.Context(), chi.URLParam(r, "id"), *req.PaidMonths, req.Reason, actor(r))
	h.membershipResult(w, r, m, err)
}

// Reinstate moves a cancelled membership back to waiting_period.
// POST /api/memberships/{id}/reinstate
func (h *Handler) Reinstate(w http.ResponseWriter, r *http.Request) {
	var req ReinstateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.Engine.Reinstate(r.Context(), chi.URLParam(r, "id"), actor(r), req.ResetPaidMonths)
	h.membershipResult(w, r, m, err)
}

// AgreementSent moves a pending membership to awaiting_signature.
// POST /api/memberships/{id}/agreement-sent
func (h *Handler) AgreementSent(w http.ResponseWriter, r *http.Request) {
	m, err := h.Engine.MarkAgreementSent(r.Context(), chi.URLParam(r, "id"), actor(r))
	h.membershipResult(w, r, m, err)
}

// AgreementSigned starts the waiting period.
// POST /api/memberships/{id}/agreement-signed
func (h *Handler) AgreementSigned(w http.ResponseWriter, r *http.Request) {
	m, err := h.Engine.MarkAgreementSigned(r.Context(), chi.URLParam(r, "id"), actor(r))
	h.membershipResult(w, r, m, err)
}

func (h *Handler) membershipResult(w http.ResponseWriter, r *http.Request, m billing.Membership, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMembershipDTO(m))
}

// GetAudit returns a membership's audit trail, newest first.
// GET /api/memberships/{id}/audit?limit=50
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.History(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 100))
	if err != nil {
		h.fail(w, r, billing.Persistence(err, "query audit"))
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// SettlePayment applies an outcome to one payment.
// POST /api/payments/{id}/settle
func (h *Handler) SettlePayment(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in := billing.SettleInput{
		PaymentID:       chi.URLParam(r, "id"),
		ExternalEventID: req.ExternalEventID,
		Outcome:         req.Outcome,
		AmountPaid:      req.AmountPaid,
		Method:          req.Method,
		Actor:           actor(r),
	}
	if req.OccurredAt != nil {
		in.OccurredAt = *req.OccurredAt
	}
	res, err := h.Engine.SettlePayment(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(res))
}

// SendReminder sends the next reminder for a payment now.
// POST /api/payments/{id}/remind
func (h *Handler) SendReminder(w http.ResponseWriter, r *http.Request) {
	fired, err := h.Engine.SendReminderNow(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReminderDTO(fired))
}

// PauseReminders stops automated reminders for a payment.
// POST /api/payments/{id}/pause-reminders
func (h *Handler) PauseReminders(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.PauseReminders(r.Context(), chi.URLParam(r, "id"), true, actor(r))
	h.paymentResult(w, r, p, err)
}

// ResumeReminders restarts automated reminders for a payment.
// POST /api/payments/{id}/resume-reminders
func (h *Handler) ResumeReminders(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.PauseReminders(r.Context(), chi.URLParam(r, "id"), false, actor(r))
	h.paymentResult(w, r, p, err)
}

// ClearReview takes a payment out of the review queue.
// POST /api/payments/{id}/clear-review
func (h *Handler) ClearReview(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.ClearReview(r.Context(), chi.URLParam(r, "id"), actor(r))
	h.paymentResult(w, r, p, err)
}

// RefundPayment marks a completed payment refunded.
// POST /api/payments/{id}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.Engine.RefundPayment(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
	h.paymentResult(w, r, p, err)
}

func (h *Handler) paymentResult(w http.ResponseWriter, r *http.Request, p billing.Payment, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// ReviewQueue lists an organization's escalated payments.
// GET /api/payments/review?organization_id=org-1
func (h *Handler) ReviewQueue(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	if orgID == "" {
		h.fail(w, r, &billing.ValidationError{Field: "organization_id", Message: "required"})
		return
	}
	ps, err := h.Engine.ReviewQueue(r.Context(), orgID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(ps))
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports whether the store answers.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Engine.Store().(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps an engine error to a status code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var message string
	switch {
	case billing.IsValidation(err):
		status, message = http.StatusBadRequest, "Invalid request"
	case billing.IsNotFound(err):
		status, message = http.StatusNotFound, "Not found"
	case billing.IsConflict(err), errors.Is(err, billing.ErrInvalidTransition),
		errors.Is(err, billing.ErrStaleWrite), errors.Is(err, lock.ErrHeld):
		status, message = http.StatusConflict, "Conflict"
	case errors.Is(err, billing.ErrDelivery):
		status, message = http.StatusBadGateway, "Reminder delivery failed"
	default:
		status, message = http.StatusInternalServerError, "Internal error"
		h.log.Errorw("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}

	resp := ErrorResponse{Error: message, Details: err.Error()}
	var verr *billing.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	writeJSON(w, status, resp)
}

// decodeJSON reads the body into dst. An empty body leaves dst unchanged.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return &billing.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil {
		return err
	}
	if err := billing.Validator().Struct(dst); err != nil {
		return billing.TranslateValidation(err)
	}
	return nil
}

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
