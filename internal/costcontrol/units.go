// Package costcontrol converts upstream USD costs into the platform's fixed-point
// currency unit and applies the funding markup.
//
// DESIGN: All arithmetic is done on exact decimals and rounded up (ceiling) at
// every step so the platform never under-charges. The two-step rounding is part
// of the contract: per-generation values are rounded individually and summed,
// never re-rounded as a total.
package costcontrol

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ErrOutOfRange is returned for amounts that do not fit the fixed-point range.
var ErrOutOfRange = errors.New("costcontrol: amount outside the fixed-point range")

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// Units converts between USD and fixed-point sub-units.
type Units struct {
	Scale  int64           // sub-units per USD, e.g. 1e9 for nano-dollars
	Markup decimal.Decimal // fraction added on top of the base cost, e.g. 0.055
}

// NewUnits validates and returns a converter.
func NewUnits(scale int64, markup decimal.Decimal) (Units, error) {
	if scale <= 0 {
		return Units{}, fmt.Errorf("unit scale must be > 0, got %d", scale)
	}
	if markup.IsNegative() {
		return Units{}, fmt.Errorf("markup must be >= 0, got %s", markup)
	}
	return Units{Scale: scale, Markup: markup}, nil
}

// CostWithMarkup is the settlement value for one generation's raw USD cost.
// Negative costs and costs beyond math.MaxInt64 units return ErrOutOfRange.
func (u Units) CostWithMarkup(rawUSD decimal.Decimal) (int64, error) {
	total := rawUSD.Mul(decimal.NewFromInt(u.Scale)).Ceil().Mul(u.factor()).Ceil()
	return toUnits(rawUSD, total)
}

func (u Units) factor() decimal.Decimal {
	return decimal.NewFromInt(1).Add(u.Markup)
}

// toUnits converts an already rounded value, rejecting anything IntPart would wrap.
func toUnits(input, v decimal.Decimal) (int64, error) {
	if v.IsNegative() || v.GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, input)
	}
	return v.IntPart(), nil
}

// ToUSD converts sub-units back to an exact USD decimal for display.
func (u Units) ToUSD(units int64) decimal.Decimal {
	return decimal.NewFromInt(units).Div(decimal.NewFromInt(u.Scale))
}

// FromUSD converts a USD decimal to sub-units, rounding up.
func (u Units) FromUSD(usd decimal.Decimal) (int64, error) {
	return toUnits(usd, usd.Mul(decimal.NewFromInt(u.Scale)).Ceil())
}
