package trwire

import (
	"fmt"
	"strconv"
)

// AmountUnit is the number of base units in one whole asset unit. Every asset
// a channel carries uses eight decimals.
const AmountUnit = 1e8

// Amount is a channel balance or payment value expressed in the asset's
// smallest unit.
type Amount int64

// NewAmountFromFloat converts a whole-unit value into an Amount, rounding to
// the nearest base unit.
func NewAmountFromFloat(v float64) Amount {
	if v < 0 {
		return -Amount(-v*AmountUnit + 0.5)
	}

	return Amount(v*AmountUnit + 0.5)
}

// ToUnit returns the amount in whole asset units.
func (a Amount) ToUnit() float64 {
	return float64(a) / AmountUnit
}

// String returns the amount formatted with eight decimals.
func (a Amount) String() string {
	return strconv.FormatFloat(a.ToUnit(), 'f', 8, 64)
}

// Format implements fmt.Formatter so %v prints whole units.
func (a Amount) Format(s fmt.State, verb rune) {
	switch verb {
	case 'd':
		fmt.Fprintf(s, "%d", int64(a))
	default:
		fmt.Fprint(s, a.String())
	}
}
