// Package trigger - Advanced order creation and lifecycle entry points.
package trigger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/storage"
	"github.com/ledgerworks/dexjournal/internal/system"
	"github.com/ledgerworks/dexjournal/pkg/logging"
	"github.com/ledgerworks/dexjournal/pkg/trace"
)

// OrderSpec describes a new advanced order.
type OrderSpec struct {
	UserID        int64
	WalletAddress string
	TokenAddress  string
	TokenSymbol   string
	PairAddress   string
	Chain         string
	DEX           string
	Side          storage.OrderSide
	Type          storage.OrderType
	Quantity      decimal.Decimal
	Params        Params
	ExpiresAt     *time.Time
}

// Orders creates and cancels advanced orders.
type Orders struct {
	store *storage.Storage
	sys   *system.Controller
	log   *logging.Logger
	now   func() time.Time
}

// NewOrders creates the order service.
func NewOrders(store *storage.Storage, sys *system.Controller, log *logging.Logger) *Orders {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Orders{store: store, sys: sys, log: log.Component("orders"), now: time.Now}
}

// Create validates and persists a new order in the active state.
func (o *Orders) Create(spec *OrderSpec) (*storage.AdvancedOrder, error) {
	if o.sys != nil {
		stopped, err := o.sys.EmergencyActive()
		if err != nil {
			return nil, err
		}
		if stopped {
			return nil, system.ErrEmergencyActive
		}
	}

	if spec.UserID <= 0 || spec.WalletAddress == "" || spec.TokenAddress == "" || spec.Chain == "" {
		return nil, fmt.Errorf("user, wallet, token, and chain are required")
	}
	if spec.Side != storage.OrderSideBuy && spec.Side != storage.OrderSideSell {
		return nil, fmt.Errorf("side must be buy or sell, got %q", spec.Side)
	}
	if !spec.Quantity.IsPositive() {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if err := spec.Params.ValidateForType(spec.Type, spec.Side); err != nil {
		return nil, err
	}

	blacklisted, err := o.store.IsTokenBlacklisted(spec.TokenAddress, spec.Chain)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		return nil, fmt.Errorf("token %s is blacklisted on %s", spec.TokenAddress, spec.Chain)
	}

	now := o.now()
	order := &storage.AdvancedOrder{
		OrderID:           uuid.NewString(),
		UserID:            spec.UserID,
		WalletAddress:     spec.WalletAddress,
		TokenAddress:      spec.TokenAddress,
		TokenSymbol:       spec.TokenSymbol,
		PairAddress:       spec.PairAddress,
		Chain:             spec.Chain,
		DEX:               spec.DEX,
		Side:              spec.Side,
		Type:              spec.Type,
		Quantity:          spec.Quantity,
		RemainingQuantity: spec.Quantity,
		Parameters:        spec.Params.Encode(),
		Status:            storage.OrderStatusActive,
		TraceID:           trace.NewID(),
		CreatedAt:         now,
		ExpiresAt:         spec.ExpiresAt,
	}

	switch spec.Type {
	case storage.OrderTypeStopLoss:
		order.TriggerPrice = &spec.Params.StopPrice
	case storage.OrderTypeTakeProfit:
		order.TriggerPrice = &spec.Params.TargetPrice
	}

	if err := o.store.CreateOrder(order); err != nil {
		return nil, err
	}

	o.log.Info("Order created",
		"order", order.OrderID, "type", order.Type, "side", order.Side,
		"token", order.TokenSymbol, "quantity", order.Quantity)
	return order, nil
}

// Cancel cancels a user's order. Orders mid-execution return
// storage.ErrCancelTooLate.
func (o *Orders) Cancel(orderID string, userID int64) error {
	if err := o.store.CancelOrder(orderID, userID); err != nil {
		return err
	}
	o.log.Info("Order cancelled", "order", orderID, "user", userID)
	return nil
}

// List returns orders matching the filter.
func (o *Orders) List(filter storage.OrderFilter) ([]*storage.AdvancedOrder, error) {
	return o.store.ListOrders(filter)
}

// Get returns one order with its executions.
func (o *Orders) Get(orderID string) (*storage.AdvancedOrder, []*storage.OrderExecution, error) {
	order, err := o.store.GetOrder(orderID)
	if err != nil {
		return nil, nil, err
	}
	execs, err := o.store.ListExecutions(orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, execs, nil
}
