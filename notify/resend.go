/*
Package notify delivers billing notifications.

  Resend  e-mail through the Resend API, retried with exponential backoff
  Log     writes the notification to the log (no provider configured)

Both implement billing.Notifier. The engine bounds every Send with its own
timeout; retries here stop when that context expires.
*/
package notify

import (
	"bytes"
	"context"
	"html/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/resend/resend-go/v2"
	"github.com/warp/dues-engine/billing"
	"go.uber.org/zap"
)

// EmailSender is the part of the Resend client the notifier uses.
type EmailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

type Resend struct {
	emails          EmailSender
	from            string
	maxRetries      uint64
	initialInterval time.Duration
	log             *zap.SugaredLogger
}

type ResendOption func(*Resend)

// WithEmailSender replaces the Resend API client.
func WithEmailSender(s EmailSender) ResendOption { return func(r *Resend) { r.emails = s } }

func WithMaxRetries(n int) ResendOption {
	return func(r *Resend) {
		if n >= 0 {
			r.maxRetries = uint64(n)
		}
	}
}

func WithInitialInterval(d time.Duration) ResendOption {
	return func(r *Resend) { r.initialInterval = d }
}

func WithLogger(l *zap.SugaredLogger) ResendOption {
	return func(r *Resend) {
		if l != nil {
			r.log = l
		}
	}
}

func NewResend(apiKey, from string, opts ...ResendOption) *Resend {
	r := &Resend{
		from:            from,
		maxRetries:      2,
		initialInterval: 500 * time.Millisecond,
		log:             zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.emails == nil {
		r.emails = resend.NewClient(apiKey).Emails
	}
	return r
}

// Send renders the template and sends it, retrying transient failures.
func (r *Resend) Send(ctx context.Context, n billing.Notification) error {
	if n.Recipient.Email == "" {
		return errors.New("recipient has no e-mail address")
	}
	subject, html, err := render(n)
	if err != nil {
		return err
	}
	req := &resend.SendEmailRequest{
		From:    r.from,
		To:      []string{n.Recipient.Email},
		Subject: subject,
		Html:    html,
		Tags:    []resend.Tag{{Name: "template", Value: n.Template}},
	}

	attempt := 0
	op := func() error {
		attempt++
		sent, err := r.emails.SendWithContext(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			r.log.Warnw("e-mail send failed", "to", n.Recipient.Email, "template", n.Template,
				"attempt", attempt, "error", err)
			return err
		}
		r.log.Infow("e-mail sent", "to", n.Recipient.Email, "template", n.Template, "message_id", sent.Id)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)); err != nil {
		return errors.Wrapf(err, "send %s to %s after %d attempt(s)", n.Template, n.Recipient.Email, attempt)
	}
	return nil
}

var reminderTemplate = template.Must(template.New(billing.TemplatePaymentReminder).Parse(`<p>Hello {{.Name}},</p>
<p>This is reminder {{.Vars.ReminderNumber}} from {{.Vars.OrganizationName}}: payment {{.Vars.InvoiceNumber}}
of ${{.Amount}} was due on {{.DueDate}} and is {{.Vars.DaysOverdue}} day(s) overdue.</p>
<p>If you have already paid, please disregard this message.</p>`))

func render(n billing.Notification) (subject, html string, err error) {
	if n.Template != billing.TemplatePaymentReminder {
		return "", "", errors.Newf("unknown template %q", n.Template)
	}
	name := n.Recipient.Name
	if name == "" {
		name = "member"
	}
	due := "its due date"
	if d := n.Variables.DueDate; !d.IsZero() {
		due = d.Time(time.UTC).Format("January 2, 2006")
	}
	var buf bytes.Buffer
	err = reminderTemplate.Execute(&buf, struct {
		Name    string
		Amount  string
		DueDate string
		Vars    billing.ReminderVariables
	}{name, n.Variables.Amount.StringFixed(2), due, n.Variables})
	if err != nil {
		return "", "", errors.Wrap(err, "render reminder")
	}
	subject = n.Variables.OrganizationName + ": payment reminder"
	if n.Variables.ReminderNumber > 1 {
		subject = n.Variables.OrganizationName + ": payment overdue"
	}
	return subject, buf.String(), nil
}

// Log writes notifications to the log instead of delivering them.
type Log struct {
	log *zap.SugaredLogger
}

func NewLog(l *zap.SugaredLogger) *Log {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	return &Log{log: l}
}

func (l *Log) Send(_ context.Context, n billing.Notification) error {
	l.log.Infow("notification not delivered, no e-mail provider configured",
		"template", n.Template, "to", n.Recipient.Email,
		"reminder_number", n.Variables.ReminderNumber, "days_overdue", n.Variables.DaysOverdue,
		"invoice", n.Variables.InvoiceNumber)
	return nil
}
