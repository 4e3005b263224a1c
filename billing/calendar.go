package billing

import (
	"database/sql/driver"
	"time"

	"github.com/cockroachdb/errors"
)

// =============================================================================
// DATE - calendar day without time-of-day
// =============================================================================

// Date is a calendar day. It is stored at 12:00 UTC so that subtracting two
// dates never crosses a daylight-saving boundary.
type Date struct {
	t time.Time
}

const dateLayout = "2006-01-02"

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 12, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t as observed in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return NewDate(local.Year(), local.Month(), local.Day())
}

// TodayIn is the organization's current calendar day.
func TodayIn(now time.Time, loc *time.Location) Date { return DateOf(now, loc) }

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, validationf("date", "%q is not YYYY-MM-DD", s)
	}
	return NewDate(t.Year(), t.Month(), t.Day()), nil
}

func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// LoadLocation wraps time.LoadLocation; the empty name means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, validationf("timezone", "unknown timezone %q", name)
	}
	return loc, nil
}

// Comparison
func (d Date) Before(o Date) bool        { return d.t.Before(o.t) }
func (d Date) After(o Date) bool         { return d.t.After(o.t) }
func (d Date) Equal(o Date) bool         { return d.t.Equal(o.t) }
func (d Date) BeforeOrEqual(o Date) bool { return !d.t.After(o.t) }
func (d Date) AfterOrEqual(o Date) bool  { return !d.t.Before(o.t) }
func (d Date) IsZero() bool              { return d.t.IsZero() }

// Properties
func (d Date) Year() int         { return d.t.Year() }
func (d Date) Month() time.Month { return d.t.Month() }
func (d Date) Day() int          { return d.t.Day() }
func (d Date) String() string    { return d.t.Format(dateLayout) }

// Time returns midnight of the day in loc.
func (d Date) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}

func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// AddMonths adds n calendar months keeping day-of-month, clamped to the
// length of the target month (Jan 31 + 1 = Feb 28/29).
func (d Date) AddMonths(n int) Date { return d.addMonthsOnDay(n, d.Day()) }

// addMonthsOnDay moves n months and lands on anchorDay, clamped. Passing the
// original anniversary day recovers it after a clamped month (Feb 28 -> Mar 31).
func (d Date) addMonthsOnDay(n, anchorDay int) Date {
	first := time.Date(d.Year(), d.Month(), 1, 12, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	day := anchorDay
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return NewDate(first.Year(), first.Month(), day)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 12, 0, 0, 0, time.UTC).Day()
}

// DaysBetween returns whole days from a to b (negative if b is earlier).
func DaysBetween(a, b Date) int {
	return int(b.t.Sub(a.t).Round(time.Hour).Hours() / 24)
}

// FullMonthsBetween counts whole calendar months from a to b, anchored on
// a's day-of-month.
func FullMonthsBetween(a, b Date) int {
	if b.Before(a) {
		return 0
	}
	n := (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
	for n > 0 && a.AddMonths(n).After(b) {
		n--
	}
	return n
}

// MarshalText / UnmarshalText let Date travel through JSON and config.
func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value stores dates as YYYY-MM-DD so lexical and calendar order agree.
func (d Date) Value() (driver.Value, error) { return d.String(), nil }

func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return d.UnmarshalText([]byte(v))
	case []byte:
		return d.UnmarshalText(v)
	case time.Time:
		*d = NewDate(v.Year(), v.Month(), v.Day())
		return nil
	default:
		return errors.Newf("billing.Date: cannot scan %T", src)
	}
}

// =============================================================================
// CALENDAR / ANCHOR CALCULATOR
// =============================================================================

// NextBillingDate advances an anchor by one billing period. No proration is
// applied: the result keeps the anchor's day-of-month, clamped.
func NextBillingDate(anchor Date, freq Frequency) (Date, error) {
	return nextBillingDateOnDay(anchor, freq, anchor.Day())
}

func nextBillingDateOnDay(current Date, freq Frequency, anchorDay int) (Date, error) {
	if !freq.Valid() {
		return Date{}, validationf("billing_frequency", "unsupported frequency %q", freq)
	}
	if anchorDay <= 0 {
		anchorDay = current.Day()
	}
	return current.addMonthsOnDay(freq.Months(), anchorDay), nil
}

// FirstBillingDate is the first charge after a signup instant. The signup is
// converted to the organization's calendar day first, so time-of-day never
// shifts the anniversary.
func FirstBillingDate(signup time.Time, loc *time.Location, freq Frequency) (Date, error) {
	return NextBillingDate(DateOf(signup, loc), freq)
}

// NextBillingDateAfter returns the first anchor-aligned billing date strictly
// after today.
func NextBillingDateAfter(anchor, today Date, freq Frequency) (Date, error) {
	if !freq.Valid() {
		return Date{}, validationf("billing_frequency", "unsupported frequency %q", freq)
	}
	step := freq.Months()
	for i := 1; ; i++ {
		next := anchor.addMonthsOnDay(i*step, anchor.Day())
		if next.After(today) {
			return next, nil
		}
		if i > 12*200 {
			return Date{}, errors.Newf("anchor %s too far before %s", anchor, today)
		}
	}
}
