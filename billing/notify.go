package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// TemplatePaymentReminder is the only template the engine sends.
const TemplatePaymentReminder = "payment_reminder"

type Recipient struct {
	Email string
	Name  string
}

// ReminderVariables are the values a payment_reminder template renders.
type ReminderVariables struct {
	Amount           decimal.Decimal
	DueDate          Date
	DaysOverdue      int
	ReminderNumber   int
	InvoiceNumber    string
	OrganizationName string
}

type Notification struct {
	Template  string
	Recipient Recipient
	Variables ReminderVariables
}

// Notifier delivers notifications. Implementations must honor ctx deadlines.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

// NopNotifier accepts everything.
type NopNotifier struct{}

func (NopNotifier) Send(context.Context, Notification) error { return nil }
