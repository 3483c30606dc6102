package wallet

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/holiman/uint256"
)

// BaseDenom is the base unit of the staking token; fees are paid in it.
const BaseDenom = "upenumbra"

// displayDenoms maps human-facing denominations to their base unit and exponent.
var displayDenoms = map[string]struct {
	base     string
	exponent int
}{
	"penumbra": {base: BaseDenom, exponent: 6},
}

var valuePattern = regexp.MustCompile(`^([0-9]+)(?:\.([0-9]+))?([a-zA-Z][a-zA-Z0-9/._-]*)$`)

// Value is an amount of a single denomination, always held in base units.
type Value struct {
	Amount *uint256.Int
	Denom  string
}

// ParseValue parses typed values such as "1.87penumbra", "500upenumbra" or
// "12cube". Display denominations are converted to their base unit.
func ParseValue(s string) (Value, error) {
	m := valuePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Value{}, fmt.Errorf("invalid value %q: want <amount><denom>", s)
	}
	whole, frac, denom := m[1], m[2], m[3]

	exponent := 0
	if d, ok := displayDenoms[denom]; ok {
		denom = d.base
		exponent = d.exponent
	}
	if len(frac) > exponent {
		return Value{}, fmt.Errorf("invalid value %q: too many decimal places for %s", s, denom)
	}

	digits := strings.TrimLeft(whole+frac+strings.Repeat("0", exponent-len(frac)), "0")
	if digits == "" {
		digits = "0"
	}
	amount, err := uint256.FromDecimal(digits)
	if err != nil {
		return Value{}, fmt.Errorf("invalid value %q: %w", s, err)
	}
	return Value{Amount: amount, Denom: denom}, nil
}

// ParseValues parses every value and rejects empty or zero bundles.
func ParseValues(raw []string) ([]Value, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one value must be provided")
	}
	values := make([]Value, 0, len(raw))
	for _, s := range raw {
		v, err := ParseValue(s)
		if err != nil {
			return nil, err
		}
		if v.Amount.IsZero() {
			return nil, fmt.Errorf("all values must be non-zero (got %q)", s)
		}
		values = append(values, v)
	}
	return values, nil
}

// String renders the value in base units, e.g. "1870000upenumbra".
func (v Value) String() string {
	if v.Amount == nil {
		return "0" + v.Denom
	}
	return v.Amount.Dec() + v.Denom
}

// FormatValues joins values for logs and summaries.
func FormatValues(values []Value) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}

// totals sums a bundle per denomination, adding fee to the base denomination.
func totals(values []Value, fee *uint256.Int) map[string]*uint256.Int {
	out := make(map[string]*uint256.Int, len(values)+1)
	add := func(denom string, amount *uint256.Int) {
		if cur, ok := out[denom]; ok {
			cur.Add(cur, amount)
			return
		}
		out[denom] = new(uint256.Int).Set(amount)
	}
	for _, v := range values {
		add(v.Denom, v.Amount)
	}
	if fee != nil && !fee.IsZero() {
		add(BaseDenom, fee)
	}
	return out
}
