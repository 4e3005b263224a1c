package billing

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// CatchupResult is the decomposition of a backdated enrollment.
type CatchupResult struct {
	LineItems   []CatchupLineItem
	TotalAmount decimal.Decimal
	Summary     string
}

// Months is the number of paid months the catch-up credits once settled.
func (r CatchupResult) Months() int { return len(r.LineItems) }

// ValidateBackdatingAllowed rejects catch-up charges for anything but
// monthly billing.
func ValidateBackdatingAllowed(freq Frequency) error {
	if freq != FrequencyMonthly {
		return validationf("billing_anchor_date",
			"backdating is only allowed for monthly billing, got %q", freq)
	}
	return nil
}

// CalculateCatchupCharges walks calendar months from anchor up to (not
// including) next and emits one line item per fully elapsed month. A gap of
// less than one month yields an empty result.
func CalculateCatchupCharges(anchor, next Date, fullPeriodAmount decimal.Decimal) (CatchupResult, error) {
	if fullPeriodAmount.IsNegative() {
		return CatchupResult{}, validationf("amount", "must not be negative")
	}
	if !anchor.Before(next) {
		return CatchupResult{TotalAmount: decimal.Zero, Summary: "no catch-up months"}, nil
	}

	var items []CatchupLineItem
	day := anchor.Day()
	for i := 0; ; i++ {
		start := anchor.addMonthsOnDay(i, day)
		end := anchor.addMonthsOnDay(i+1, day)
		if end.After(next) {
			break
		}
		items = append(items, CatchupLineItem{
			Description: fmt.Sprintf("%s %d (catch-up)", start.Month(), start.Year()),
			Amount:      fullPeriodAmount,
			PeriodStart: start,
			PeriodEnd:   end.AddDays(-1),
		})
	}

	total := lo.Reduce(items, func(sum decimal.Decimal, it CatchupLineItem, _ int) decimal.Decimal {
		return sum.Add(it.Amount)
	}, decimal.Zero)

	res := CatchupResult{LineItems: items, TotalAmount: total}
	if len(items) == 0 {
		res.Summary = "no catch-up months"
		return res, nil
	}
	res.Summary = fmt.Sprintf("%d catch-up month(s) %s to %s, total %s",
		len(items), items[0].PeriodStart, items[len(items)-1].PeriodEnd, total.StringFixed(2))
	return res, nil
}

// CatchupFor validates the frequency and computes the catch-up owed by a
// membership anchored at anchor, up to the first billing date after today.
func CatchupFor(freq Frequency, anchor, today Date, amount decimal.Decimal) (CatchupResult, Date, error) {
	if err := ValidateBackdatingAllowed(freq); err != nil {
		return CatchupResult{}, Date{}, err
	}
	next, err := NextBillingDateAfter(anchor, today, freq)
	if err != nil {
		return CatchupResult{}, Date{}, err
	}
	res, err := CalculateCatchupCharges(anchor, next, amount)
	return res, next, err
}
