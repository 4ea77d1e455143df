package money

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
)

// Pennies is an amount in minor currency units. Nothing below the settlement layer
// ever sees a fractional amount.
type Pennies int64

// Currency is an ISO-4217 code, e.g. "USD".
type Currency string

const DefaultCurrency Currency = "USD"

func (p Pennies) Abs() Pennies {
	if p < 0 {
		return -p
	}
	return p
}

// Add returns p+q and false when the sum overflows int64.
func (p Pennies) Add(q Pennies) (Pennies, bool) {
	sum := p + q
	if (q > 0 && sum < p) || (q < 0 && sum > p) {
		return p, false
	}
	return sum, true
}

// Sub returns p-q and false when the difference overflows int64.
func (p Pennies) Sub(q Pennies) (Pennies, bool) {
	diff := p - q
	if (q > 0 && diff > p) || (q < 0 && diff < p) {
		return p, false
	}
	return diff, true
}

func (p Pennies) String() string {
	neg := p < 0
	v := int64(p.Abs())
	s := fmt.Sprintf("%d.%02d", v/100, v%100)
	if neg {
		return "-" + s
	}
	return s
}

// ParseCurrency normalizes and validates an ISO-4217 code. Empty means DefaultCurrency.
func ParseCurrency(s string) (Currency, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return DefaultCurrency, nil
	}
	u, err := currency.ParseISO(s)
	if err != nil {
		return "", fmt.Errorf("currency %q: %w", s, err)
	}
	return Currency(u.String()), nil
}

func (c Currency) OrDefault() Currency {
	if c == "" {
		return DefaultCurrency
	}
	return c
}
