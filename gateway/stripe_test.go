package gateway_test

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/gateway"
)

const secret = "whsec_test_secret"

func sign(t *testing.T, payload string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func parse(t *testing.T, payload string) gateway.Decoded {
	t.Helper()
	d, err := gateway.NewStripe(secret).Parse([]byte(payload), sign(t, payload))
	require.NoError(t, err)
	return d
}

func TestParse_InvoicePaid(t *testing.T) {
	payload := `{
		"id": "evt_1",
		"object": "event",
		"type": "invoice.paid",
		"created": 1709294400,
		"data": {"object": {
			"id": "in_1",
			"object": "invoice",
			"amount_paid": 4000,
			"amount_due": 4000,
			"customer": "cus_1",
			"parent": {"subscription_details": {"subscription": "sub_1", "metadata": {"membership_id": "mem-1"}}},
			"metadata": {}
		}}
	}`

	d := parse(t, payload)

	require.True(t, d.Handled)
	ev := d.Event
	assert.Equal(t, "evt_1", ev.ExternalEventID)
	assert.Equal(t, "in_1", ev.Ref)
	assert.Equal(t, "sub_1", ev.SubscriptionRef)
	assert.Equal(t, "mem-1", ev.MembershipID)
	assert.Equal(t, billing.OutcomeSucceeded, ev.Outcome)
	assert.Equal(t, "40", ev.Amount.String())
	assert.Equal(t, time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC), ev.OccurredAt)
}

func TestParse_InvoicePaymentFailed_LegacySubscriptionField(t *testing.T) {
	payload := `{
		"id": "evt_2",
		"object": "event",
		"type": "invoice.payment_failed",
		"created": 1709294400,
		"data": {"object": {"id": "in_2", "amount_paid": 0, "amount_due": 2550, "customer": {"id": "cus_9"}, "subscription": "sub_old"}}
	}`

	d := parse(t, payload)

	require.True(t, d.Handled)
	assert.Equal(t, billing.OutcomeFailed, d.Event.Outcome)
	assert.Equal(t, "sub_old", d.Event.SubscriptionRef)
	assert.Equal(t, "25.5", d.Event.Amount.String())
}

func TestParse_PaymentIntentSucceeded(t *testing.T) {
	payload := `{
		"id": "evt_3",
		"object": "event",
		"type": "payment_intent.succeeded",
		"created": 1709294400,
		"data": {"object": {
			"id": "pi_1",
			"amount": 12000,
			"amount_received": 12000,
			"customer": null,
			"metadata": {"membership_id": "mem-7", "payment_id": "pay_back"}
		}}
	}`

	d := parse(t, payload)

	require.True(t, d.Handled)
	assert.Equal(t, "pi_1", d.Event.Ref)
	assert.Equal(t, "pay_back", d.Event.PaymentID)
	assert.Equal(t, "mem-7", d.Event.MembershipID)
	assert.Empty(t, d.Event.SubscriptionRef)
	assert.Equal(t, "120", d.Event.Amount.String())
}

func TestParse_PaymentIntentForInvoice_IsLeftToInvoiceEvent(t *testing.T) {
	// GIVEN: the payment intent Stripe emits alongside invoice.paid for a renewal
	// THEN: it is not handled, so the renewal is settled once through the invoice

	payload := `{
		"id": "evt_5",
		"object": "event",
		"type": "payment_intent.succeeded",
		"created": 1709294400,
		"data": {"object": {
			"id": "pi_2",
			"amount": 4000,
			"amount_received": 4000,
			"customer": "cus_1",
			"invoice": "in_1",
			"metadata": {}
		}}
	}`

	d := parse(t, payload)

	assert.False(t, d.Handled)
	assert.Equal(t, "payment_intent.succeeded", d.EventType)
	assert.Equal(t, "evt_5", d.EventID)
}

func TestParse_UnhandledType(t *testing.T) {
	payload := `{"id": "evt_4", "object": "event", "type": "customer.created", "created": 1709294400, "data": {"object": {"id": "cus_1"}}}`

	d := parse(t, payload)

	assert.False(t, d.Handled)
	assert.Equal(t, "customer.created", d.EventType)
	assert.Equal(t, "evt_4", d.EventID)
}

func TestParse_BadSignature(t *testing.T) {
	payload := `{"id": "evt_5", "object": "event", "type": "invoice.paid", "data": {"object": {}}}`
	header := sign(t, payload)

	_, err := gateway.NewStripe("whsec_other").Parse([]byte(payload), header)

	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrSignature))
}

func TestParse_TamperedPayload(t *testing.T) {
	payload := `{"id": "evt_6", "object": "event", "type": "invoice.paid", "data": {"object": {"amount_paid": 100}}}`
	header := sign(t, payload)
	tampered := `{"id": "evt_6", "object": "event", "type": "invoice.paid", "data": {"object": {"amount_paid": 999999}}}`

	_, err := gateway.NewStripe(secret).Parse([]byte(tampered), header)

	assert.True(t, errors.Is(err, gateway.ErrSignature))
}
