package units

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var unicodeFractions = strings.NewReplacer(
	"½", " 1/2",
	"¼", " 1/4",
	"¾", " 3/4",
	"⅓", " 1/3",
	"⅔", " 2/3",
	"⅛", " 1/8",
)

// ParseQuantity splits free text such as "1 1/2 cups" or "2½ lb" into an
// amount and a canonical unit. A missing unit means Each. Trailing words that
// are not part of a unit ("cups water") are dropped.
func ParseQuantity(s string) (decimal.Decimal, Unit, error) {
	fields := strings.Fields(unicodeFractions.Replace(s))
	if len(fields) == 0 {
		return decimal.Zero, "", fmt.Errorf("empty quantity")
	}

	amount := decimal.Zero
	n := 0
	for ; n < len(fields); n++ {
		v, ok := parseNumber(fields[n])
		if !ok {
			break
		}
		amount = amount.Add(v)
	}
	if n == 0 {
		return decimal.Zero, "", fmt.Errorf("quantity %q does not start with a number", s)
	}
	if !amount.IsPositive() {
		return decimal.Zero, "", fmt.Errorf("quantity %q must be positive", s)
	}

	return amount, parseUnit(fields[n:]), nil
}

func parseNumber(tok string) (decimal.Decimal, bool) {
	if num, den, ok := strings.Cut(tok, "/"); ok {
		n, err := decimal.NewFromString(num)
		if err != nil {
			return decimal.Zero, false
		}
		dd, err := decimal.NewFromString(den)
		if err != nil || dd.IsZero() {
			return decimal.Zero, false
		}
		return n.Div(dd), true
	}
	v, err := decimal.NewFromString(tok)
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}

func parseUnit(words []string) Unit {
	if len(words) == 0 {
		return Each
	}
	full := Normalize(strings.Join(words, " "))
	if isRecognized(full) {
		return full
	}
	if len(words) >= 2 {
		if two := Normalize(words[0] + " " + words[1]); isRecognized(two) {
			return two
		}
	}
	if one := Normalize(words[0]); isRecognized(one) {
		return one
	}
	return full
}

func isRecognized(u Unit) bool {
	if _, ok := builtin[u]; ok {
		return true
	}
	_, ok := DefaultApproximations()[u]
	return ok || u == Portion || u == Batch
}
