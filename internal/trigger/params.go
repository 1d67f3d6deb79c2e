// Package trigger monitors active advanced orders against live prices and
// drives the execution state machine. One cooperative loop per process.
package trigger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/storage"
)

// Params is the type-specific parameter blob carried by an advanced order.
// Only the fields for the order's type are meaningful; the blob round-trips
// through the order row as JSON.
type Params struct {
	// Stop-loss / take-profit / bracket
	StopPrice   decimal.Decimal `json:"stop_price,omitempty"`
	TargetPrice decimal.Decimal `json:"target_price,omitempty"`

	// Trailing stop
	TrailFraction   decimal.Decimal `json:"trail_fraction,omitempty"`
	ActivationPrice decimal.Decimal `json:"activation_price,omitempty"`
	Armed           bool            `json:"armed,omitempty"`
	HighestPrice    decimal.Decimal `json:"highest_price,omitempty"`
	LowestPrice     decimal.Decimal `json:"lowest_price,omitempty"`

	// DCA
	IntervalMinutes int             `json:"interval_minutes,omitempty"`
	NumOrders       int             `json:"num_orders,omitempty"`
	MaxPrice        decimal.Decimal `json:"max_price,omitempty"`
	LastExecution   *time.Time      `json:"last_execution,omitempty"`

	// Fill bookkeeping
	TriggerPrice decimal.Decimal `json:"trigger_price,omitempty"`
}

// ParseParams decodes an order's parameter blob.
func ParseParams(order *storage.AdvancedOrder) (*Params, error) {
	p := &Params{}
	if order.Parameters == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(order.Parameters), p); err != nil {
		return nil, fmt.Errorf("order %s has malformed parameters: %w", order.OrderID, err)
	}
	return p, nil
}

// Encode renders the params back to their serialized form.
func (p *Params) Encode() string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(data)
}

// ValidateForType checks that the params carry what the order type needs.
func (p *Params) ValidateForType(orderType storage.OrderType, side storage.OrderSide) error {
	switch orderType {
	case storage.OrderTypeStopLoss:
		if !p.StopPrice.IsPositive() {
			return fmt.Errorf("stop_loss requires a positive stop_price")
		}
	case storage.OrderTypeTakeProfit:
		if !p.TargetPrice.IsPositive() {
			return fmt.Errorf("take_profit requires a positive target_price")
		}
	case storage.OrderTypeTrailingStop:
		if !p.TrailFraction.IsPositive() || p.TrailFraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("trailing_stop requires trail_fraction in (0, 1)")
		}
	case storage.OrderTypeDCA:
		if p.IntervalMinutes <= 0 {
			return fmt.Errorf("dca requires a positive interval_minutes")
		}
		if p.NumOrders <= 0 {
			return fmt.Errorf("dca requires a positive num_orders")
		}
	case storage.OrderTypeBracket:
		if !p.StopPrice.IsPositive() || !p.TargetPrice.IsPositive() {
			return fmt.Errorf("bracket requires positive stop_price and target_price")
		}
		if side == storage.OrderSideSell && !p.StopPrice.LessThan(p.TargetPrice) {
			return fmt.Errorf("bracket sell requires stop_price < target_price")
		}
	}
	return nil
}
