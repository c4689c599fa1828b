// Package money provides minor-unit amount parsing, formatting, and
// arithmetic for the currencies the platform escrows.
//
// All amounts are carried as int64 in the currency's smallest unit
// (1 USD = 100 cents, 1 USDC = 1,000,000 units). Decimal strings only
// appear at the API boundary.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// decimals maps supported currency codes to their minor-unit exponent.
var decimals = map[string]int{
	"USD":  2,
	"EUR":  2,
	"GBP":  2,
	"USDC": 6,
}

// Supported reports whether the currency code is one we escrow.
func Supported(currency string) bool {
	_, ok := decimals[strings.ToUpper(currency)]
	return ok
}

// Decimals returns the minor-unit exponent for a currency, defaulting to 2.
func Decimals(currency string) int {
	if d, ok := decimals[strings.ToUpper(currency)]; ok {
		return d
	}
	return 2
}

// Parse converts a decimal string (e.g. "100.50") to minor units for the
// given currency. It rejects negative, empty, and malformed amounts, and
// amounts with more fractional digits than the currency carries.
func Parse(s, currency string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount %q", s)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	d := Decimals(currency)
	if len(frac) > d {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", s, d)
	}
	for len(frac) < d {
		frac += "0"
	}

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	return v, nil
}

// Format renders minor units as a decimal string with the currency's full
// precision (e.g. 10050 USD -> "100.50").
func Format(units int64, currency string) string {
	neg := units < 0
	if neg {
		units = -units
	}
	d := Decimals(currency)
	s := strconv.FormatInt(units, 10)
	for len(s) < d+1 {
		s = "0" + s
	}
	cut := len(s) - d
	out := s[:cut]
	if d > 0 {
		out += "." + s[cut:]
	}
	if neg {
		out = "-" + out
	}
	return out
}

// Split divides an amount into the buyer and seller halves of a 50/50
// resolution. The buyer receives the floor half; the odd minor unit, if
// any, goes to the seller. buyer + seller always equals units.
func Split(units int64) (buyer, seller int64) {
	buyer = units / 2
	seller = units - buyer
	return buyer, seller
}
