/*
Package gateway turns payment gateway webhooks into billing.PaymentEvent.

STRIPE:
  The signature header is verified with the endpoint secret. Four event types
  carry a payment outcome:

    invoice.paid                     succeeded  (subscription renewals)
    invoice.payment_failed           failed
    payment_intent.succeeded         succeeded  (one-off checkouts)
    payment_intent.payment_failed    failed

  Everything else verifies but is not handled; the caller acknowledges it.
  A payment intent that belongs to an invoice is not handled either: Stripe
  reports the same renewal through invoice.paid, which is the one settled.

  Objects are read from the raw event JSON rather than the SDK structs, so a
  change in the account's API version (invoice.subscription moved under
  invoice.parent in 2025) does not break decoding.

  Metadata keys "membership_id" and "payment_id", set at checkout, link an
  event directly to the engine's records.
*/
package gateway

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/warp/dues-engine/billing"
)

// ErrSignature is returned when the webhook signature does not verify.
var ErrSignature = errors.New("webhook signature verification failed")

const (
	eventInvoicePaid          stripe.EventType = "invoice.paid"
	eventInvoicePaymentFailed stripe.EventType = "invoice.payment_failed"
	eventIntentSucceeded      stripe.EventType = "payment_intent.succeeded"
	eventIntentFailed         stripe.EventType = "payment_intent.payment_failed"
)

const (
	metaMembershipID = "membership_id"
	metaPaymentID    = "payment_id"
)

// Stripe verifies and decodes Stripe webhooks.
type Stripe struct {
	secret    string
	tolerance time.Duration
}

func NewStripe(webhookSecret string) *Stripe {
	return &Stripe{secret: webhookSecret, tolerance: webhook.DefaultTolerance}
}

// Decoded is the result of parsing one webhook. Handled is false for event
// types that carry no payment outcome and for intents paid through an invoice.
type Decoded struct {
	EventID   string
	EventType string
	Handled   bool
	Event     billing.PaymentEvent
}

// Parse verifies the Stripe-Signature header and decodes the event.
func (s *Stripe) Parse(payload []byte, signatureHeader string) (Decoded, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.secret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Decoded{}, errors.Mark(errors.Wrap(err, "stripe"), ErrSignature)
	}
	return decodeEvent(ev)
}

func decodeEvent(ev stripe.Event) (Decoded, error) {
	out := Decoded{EventID: ev.ID, EventType: string(ev.Type)}
	if ev.Data == nil {
		return out, nil
	}

	base := billing.PaymentEvent{
		ExternalEventID: ev.ID,
		OccurredAt:      time.Unix(ev.Created, 0).UTC(),
	}

	switch ev.Type {
	case eventInvoicePaid, eventInvoicePaymentFailed:
		var inv invoiceObject
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return out, errors.Wrapf(err, "decode invoice in %s", ev.ID)
		}
		base.Ref = inv.ID
		base.SubscriptionRef = inv.subscriptionRef()
		base.MembershipID, base.PaymentID = inv.metadata(metaMembershipID), inv.metadata(metaPaymentID)
		if ev.Type == eventInvoicePaid {
			base.Outcome = billing.OutcomeSucceeded
			base.Amount = cents(inv.AmountPaid)
		} else {
			base.Outcome = billing.OutcomeFailed
			base.Amount = cents(inv.AmountDue)
		}

	case eventIntentSucceeded, eventIntentFailed:
		var pi intentObject
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return out, errors.Wrapf(err, "decode payment intent in %s", ev.ID)
		}
		if pi.Invoice != "" {
			return out, nil
		}
		base.Ref = pi.ID
		base.SubscriptionRef = string(pi.Customer)
		base.MembershipID, base.PaymentID = pi.Metadata[metaMembershipID], pi.Metadata[metaPaymentID]
		if ev.Type == eventIntentSucceeded {
			base.Outcome = billing.OutcomeSucceeded
			base.Amount = cents(pi.AmountReceived)
		} else {
			base.Outcome = billing.OutcomeFailed
			base.Amount = cents(pi.Amount)
		}

	default:
		return out, nil
	}

	out.Handled = true
	out.Event = base
	return out, nil
}

func cents(v int64) decimal.Decimal { return decimal.New(v, -2) }

// expandableID accepts either an id string or an expanded object with an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type invoiceObject struct {
	ID           string            `json:"id"`
	AmountPaid   int64             `json:"amount_paid"`
	AmountDue    int64             `json:"amount_due"`
	Customer     expandableID      `json:"customer"`
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (inv invoiceObject) subscriptionRef() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		return string(inv.Parent.SubscriptionDetails.Subscription)
	}
	if inv.Subscription != "" {
		return string(inv.Subscription)
	}
	return string(inv.Customer)
}

// metadata prefers the invoice's own metadata, then the subscription's.
func (inv invoiceObject) metadata(key string) string {
	if v := inv.Metadata[key]; v != "" {
		return v
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails.Metadata[key]
	}
	return ""
}

type intentObject struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Customer       expandableID      `json:"customer"`
	// Invoice is absent from API versions after 2025-03; those intents are
	// caught by the engine's covered-period check instead.
	Invoice  expandableID      `json:"invoice"`
	Metadata map[string]string `json:"metadata"`
}
