package billing

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"
)

// BillingConfig is the fully resolved per-organization configuration.
type BillingConfig struct {
	// ReminderSchedule holds days-past-due thresholds, ascending. Reminder n
	// (0-based) fires at ReminderSchedule[n]; past the end nothing fires.
	ReminderSchedule     []int `json:"reminder_schedule" validate:"dive,gte=0"`
	MaxReminders         int   `json:"max_reminders" validate:"gte=0"`
	EligibilityMonths    int   `json:"eligibility_months" validate:"gt=0"`
	LapseDays            int   `json:"lapse_days" validate:"gte=0"`
	CancelMonths         int   `json:"cancel_months" validate:"gt=0"`
	SendInvoiceReminders bool  `json:"send_invoice_reminders"`
}

// ConfigOverrides is what an organization stores. Nil fields take defaults.
type ConfigOverrides struct {
	ReminderSchedule     []int `json:"reminder_schedule,omitempty"`
	MaxReminders         *int  `json:"max_reminders,omitempty"`
	EligibilityMonths    *int  `json:"eligibility_months,omitempty"`
	LapseDays            *int  `json:"lapse_days,omitempty"`
	CancelMonths         *int  `json:"cancel_months,omitempty"`
	SendInvoiceReminders *bool `json:"send_invoice_reminders,omitempty"`
}

const DefaultEligibilityMonths = 60

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		ReminderSchedule:     []int{3, 7, 14},
		MaxReminders:         3,
		EligibilityMonths:    DefaultEligibilityMonths,
		LapseDays:            30,
		CancelMonths:         3,
		SendInvoiceReminders: true,
	}
}

var validate = newValidator()

// newValidator reports fields by their JSON name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validator exposes the shared validator for request DTOs.
func Validator() *validator.Validate { return validate }

// ResolveBillingConfig merges overrides over the defaults. It is pure: the
// same overrides always give the same config.
func ResolveBillingConfig(o ConfigOverrides) (BillingConfig, error) {
	cfg := DefaultBillingConfig()
	if o.ReminderSchedule != nil {
		cfg.ReminderSchedule = append([]int(nil), o.ReminderSchedule...)
	} else {
		cfg.ReminderSchedule = append([]int(nil), cfg.ReminderSchedule...)
	}
	if o.MaxReminders != nil {
		cfg.MaxReminders = *o.MaxReminders
	}
	if o.EligibilityMonths != nil {
		cfg.EligibilityMonths = *o.EligibilityMonths
	}
	if o.LapseDays != nil {
		cfg.LapseDays = *o.LapseDays
	}
	if o.CancelMonths != nil {
		cfg.CancelMonths = *o.CancelMonths
	}
	if o.SendInvoiceReminders != nil {
		cfg.SendInvoiceReminders = *o.SendInvoiceReminders
	}
	if err := cfg.Validate(); err != nil {
		return BillingConfig{}, err
	}
	return cfg, nil
}

// Validate checks field bounds and schedule ordering.
func (c BillingConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return translateValidation(err)
	}
	if !sort.IntsAreSorted(c.ReminderSchedule) {
		return validationf("reminder_schedule", "must be ascending, got %v", c.ReminderSchedule)
	}
	return nil
}

// ThresholdFor returns the day threshold for reminder index n (0-based).
func (c BillingConfig) ThresholdFor(n int) (int, bool) {
	if n < 0 || n >= len(c.ReminderSchedule) {
		return 0, false
	}
	return c.ReminderSchedule[n], true
}

// TranslateValidation turns validator output into a ValidationError.
func TranslateValidation(err error) error { return translateValidation(err) }

func translateValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" failed "+fe.Tag())
	}
	return &ValidationError{Field: verrs[0].Field(), Message: strings.Join(fields, "; ")}
}

// =============================================================================
// RESOLVER - store lookup + short-lived cache
// =============================================================================

// ResolvedOrg bundles what every sweep or settlement needs about a tenant.
type ResolvedOrg struct {
	Organization Organization
	Config       BillingConfig
	Location     *time.Location
}

// ConfigResolver loads organizations and resolves their config. Results are
// cached for ttl; Invalidate drops an entry after an update.
type ConfigResolver struct {
	store OrganizationReader
	cache *cache.Cache
}

// OrganizationReader is the slice of Store the resolver needs.
type OrganizationReader interface {
	GetOrganization(ctx context.Context, id string) (*Organization, error)
}

func NewConfigResolver(store OrganizationReader, ttl time.Duration) *ConfigResolver {
	r := &ConfigResolver{store: store}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

func (r *ConfigResolver) Resolve(ctx context.Context, orgID string) (ResolvedOrg, error) {
	return r.ResolveWith(ctx, r.store, orgID)
}

// ResolveWith reads through src on a cache miss; inside a transaction src is
// the transactional store.
func (r *ConfigResolver) ResolveWith(ctx context.Context, src OrganizationReader, orgID string) (ResolvedOrg, error) {
	if r.cache != nil {
		if v, ok := r.cache.Get(orgID); ok {
			return v.(ResolvedOrg), nil
		}
	}
	org, err := src.GetOrganization(ctx, orgID)
	if err != nil {
		return ResolvedOrg{}, err
	}
	resolved, err := ResolveOrganization(*org)
	if err != nil {
		return ResolvedOrg{}, err
	}
	if r.cache != nil {
		r.cache.SetDefault(orgID, resolved)
	}
	return resolved, nil
}

func (r *ConfigResolver) Invalidate(orgID string) {
	if r.cache != nil {
		r.cache.Delete(orgID)
	}
}

// ResolveOrganization resolves config and timezone without touching a store.
func ResolveOrganization(org Organization) (ResolvedOrg, error) {
	cfg, err := ResolveBillingConfig(org.Config)
	if err != nil {
		return ResolvedOrg{}, err
	}
	loc, err := LoadLocation(org.Timezone)
	if err != nil {
		return ResolvedOrg{}, err
	}
	return ResolvedOrg{Organization: org, Config: cfg, Location: loc}, nil
}
