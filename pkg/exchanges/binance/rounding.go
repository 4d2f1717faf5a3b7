package binance

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RoundStep rounds value DOWN to the nearest multiple of step.
func RoundStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	dStep := decimal.NewFromFloat(step)
	dVal := decimal.NewFromFloat(value)
	out, _ := dVal.Div(dStep).Floor().Mul(dStep).Float64()
	return out
}

// RoundPrice rounds value to the nearest tick.
func RoundPrice(value, tick float64) float64 {
	if tick <= 0 {
		return value
	}
	dTick := decimal.NewFromFloat(tick)
	dVal := decimal.NewFromFloat(value)
	out, _ := dVal.Div(dTick).Round(0).Mul(dTick).Float64()
	return out
}

// QuantityFor computes the order quantity for the configured capital at the
// given reference price: capital/price rounded down to the step, then checked
// against the pair's minimum quantity and notional.
func QuantityFor(capital, price float64, info SymbolInfo) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("quantity: reference price %v is not positive", price)
	}
	qty := RoundStep(capital/price, info.StepSize)
	if qty < info.MinQty {
		return 0, fmt.Errorf("quantity %v below minQty %v: raise capital_per_trade", qty, info.MinQty)
	}
	if notional := qty * price; notional < info.MinNotional {
		return 0, fmt.Errorf("notional %.2f below minNotional %v: raise capital_per_trade", notional, info.MinNotional)
	}
	return qty, nil
}
