// Package trigger - Trigger predicates, evaluated in the ledger's decimal
// type. No floats.
package trigger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/storage"
)

// Evaluate decides whether an order fires at the given price and time. It
// returns whether the predicate matched and whether the params were mutated
// (trailing-stop watermarks and arming) and must be persisted.
func Evaluate(order *storage.AdvancedOrder, p *Params, price decimal.Decimal, now time.Time) (triggered, dirty bool) {
	switch order.Type {
	case storage.OrderTypeStopLoss:
		return stopLossTriggered(order.Side, p.StopPrice, price), false
	case storage.OrderTypeTakeProfit:
		return takeProfitTriggered(order.Side, p.TargetPrice, price), false
	case storage.OrderTypeTrailingStop:
		return trailingTriggered(order.Side, p, price)
	case storage.OrderTypeDCA:
		return dcaTriggered(p, price, now), false
	case storage.OrderTypeBracket:
		return bracketTriggered(order.Side, p, price), false
	case storage.OrderTypeLimit:
		// A limit sell fires at or above the limit; a limit buy at or below.
		if order.TriggerPrice == nil {
			return false, false
		}
		if order.Side == storage.OrderSideSell {
			return price.GreaterThanOrEqual(*order.TriggerPrice), false
		}
		return price.LessThanOrEqual(*order.TriggerPrice), false
	case storage.OrderTypeMarket:
		return true, false
	}
	return false, false
}

func stopLossTriggered(side storage.OrderSide, stop, price decimal.Decimal) bool {
	if !stop.IsPositive() {
		return false
	}
	if side == storage.OrderSideSell {
		return price.LessThanOrEqual(stop)
	}
	return price.GreaterThanOrEqual(stop)
}

func takeProfitTriggered(side storage.OrderSide, target, price decimal.Decimal) bool {
	if !target.IsPositive() {
		return false
	}
	if side == storage.OrderSideSell {
		return price.GreaterThanOrEqual(target)
	}
	return price.LessThanOrEqual(target)
}

// trailingTriggered tracks the high-water mark (low-water for buy side) and
// fires once price retraces by the trail fraction. With an activation price
// set, the stop is not armed until price reaches it.
func trailingTriggered(side storage.OrderSide, p *Params, price decimal.Decimal) (bool, bool) {
	dirty := false
	one := decimal.NewFromInt(1)

	if side == storage.OrderSideSell {
		if !p.Armed {
			if p.ActivationPrice.IsPositive() && price.LessThan(p.ActivationPrice) {
				return false, false
			}
			p.Armed = true
			p.HighestPrice = price
			return false, true
		}
		if price.GreaterThan(p.HighestPrice) {
			p.HighestPrice = price
			dirty = true
		}
		stop := p.HighestPrice.Mul(one.Sub(p.TrailFraction))
		return price.LessThanOrEqual(stop), dirty
	}

	// Buy side trails the low-water mark.
	if !p.Armed {
		if p.ActivationPrice.IsPositive() && price.GreaterThan(p.ActivationPrice) {
			return false, false
		}
		p.Armed = true
		p.LowestPrice = price
		return false, true
	}
	if p.LowestPrice.IsPositive() && price.LessThan(p.LowestPrice) {
		p.LowestPrice = price
		dirty = true
	}
	stop := p.LowestPrice.Mul(one.Add(p.TrailFraction))
	return price.GreaterThanOrEqual(stop), dirty
}

// dcaTriggered fires on the interval clock, skipping ticks that breach the
// optional max price. The order's remaining execution budget is enforced by
// the state machine, not here.
func dcaTriggered(p *Params, price decimal.Decimal, now time.Time) bool {
	if p.MaxPrice.IsPositive() && price.GreaterThan(p.MaxPrice) {
		return false
	}
	if p.LastExecution == nil {
		return true
	}
	interval := time.Duration(p.IntervalMinutes) * time.Minute
	return now.Sub(*p.LastExecution) >= interval
}

// bracketTriggered fires on whichever leg is crossed first.
func bracketTriggered(side storage.OrderSide, p *Params, price decimal.Decimal) bool {
	return stopLossTriggered(side, p.StopPrice, price) ||
		takeProfitTriggered(side, p.TargetPrice, price)
}
