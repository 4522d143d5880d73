package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatUSD renders cents as dollars with thousands separators, e.g. 999999 -> "$9,999.99".
func FormatUSD(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	fixed := decimal.New(cents, -2).StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + "$" + b.String() + "." + frac
}

