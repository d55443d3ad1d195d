package okx

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// normalizeQuantity converts a desired position size in USD into a base
// quantity that satisfies the instrument's constraints:
//
//   - raw quantity below the instrument minimum is bumped up to the minimum
//   - an order worth less than the venue's minimum notional is grown to
//     meet it, rounding up to the lot step
//   - otherwise the quantity is rounded down to the lot step
//
// The result is rejected when it still violates either minimum, which can
// happen when rounding down drops the order under the floor.
func normalizeQuantity(sizeUSD, price float64, minSize, lotSize, minNotionalUSD float64) (decimal.Decimal, error) {
	if price <= 0 {
		return decimal.Zero, fmt.Errorf("invalid price %v", price)
	}

	px := decimal.NewFromFloat(price)
	minSz := decimal.NewFromFloat(minSize)
	step := decimal.NewFromFloat(lotSize)
	minNotional := decimal.NewFromFloat(minNotionalUSD)

	qty := decimal.NewFromFloat(sizeUSD).Div(px)
	if qty.LessThan(minSz) {
		qty = minSz
	}

	if qty.Mul(px).LessThan(minNotional) {
		qty = ceilToStep(minNotional.Div(px), step)
		if qty.LessThan(minSz) {
			qty = minSz
		}
	} else {
		qty = floorToStep(qty, step)
	}

	if qty.LessThan(minSz) || qty.Mul(px).LessThan(minNotional) {
		return decimal.Zero, fmt.Errorf(
			"order value %s below venue minimum (min size %s, min notional %s)",
			qty.Mul(px).StringFixed(2), minSz.String(), minNotional.String(),
		)
	}
	return qty, nil
}

func floorToStep(q, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return q
	}
	return q.Div(step).Floor().Mul(step)
}

func ceilToStep(q, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return q
	}
	return q.Div(step).Ceil().Mul(step)
}
