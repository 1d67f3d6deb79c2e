// Package storage - Advanced order and execution storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order errors
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderTerminal     = errors.New("order is in a terminal state")
	ErrCancelTooLate     = errors.New("order is executing, cancel too late")
	ErrExecutionNotFound = errors.New("execution not found")
)

// OrderType classifies an advanced order.
type OrderType string

const (
	OrderTypeStopLoss     OrderType = "stop_loss"
	OrderTypeTakeProfit   OrderType = "take_profit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
	OrderTypeDCA          OrderType = "dca"
	OrderTypeBracket      OrderType = "bracket"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeMarket       OrderType = "market"
)

// OrderSide is the direction of the order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus is the order's position in the execution state machine.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusActive          OrderStatus = "active"
	OrderStatusTriggered       OrderStatus = "triggered"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusFailed          OrderStatus = "failed"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether the status has no outgoing transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed, OrderStatusExpired:
		return true
	}
	return false
}

// AdvancedOrder is a conditional order with lifecycle fields.
type AdvancedOrder struct {
	OrderID       string
	UserID        int64
	WalletAddress string
	TokenAddress  string
	TokenSymbol   string
	PairAddress   string
	Chain         string
	DEX           string
	Side          OrderSide
	Type          OrderType

	Quantity          decimal.Decimal
	RemainingQuantity decimal.Decimal
	TriggerPrice      *decimal.Decimal
	Parameters        string // type-specific JSON blob

	Status         OrderStatus
	ExecutionCount int
	ErrorMessage   string
	TraceID        string

	CreatedAt   time.Time
	UpdatedAt   *time.Time
	TriggeredAt *time.Time
	ExpiresAt   *time.Time
}

// OrderExecution is one partial or full fill of an order.
type OrderExecution struct {
	ExecutionID string
	OrderID     string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	TxHash      string
	Status      string
	ExecutedAt  time.Time
}

const orderColumns = `order_id, user_id, wallet_address, token_address, token_symbol,
	pair_address, chain, dex, side, order_type,
	quantity, remaining_quantity, trigger_price, parameters,
	status, execution_count, error_message, trace_id,
	created_at, updated_at, triggered_at, expires_at`

// CreateOrder inserts a new advanced order.
func (s *Storage) CreateOrder(o *AdvancedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var triggerPrice *string
	if o.TriggerPrice != nil {
		t := o.TriggerPrice.String()
		triggerPrice = &t
	}
	var expiresAt *int64
	if o.ExpiresAt != nil {
		e := o.ExpiresAt.UnixMilli()
		expiresAt = &e
	}

	_, err := s.db.Exec(`
		INSERT INTO advanced_orders (
			order_id, user_id, wallet_address, token_address, token_symbol,
			pair_address, chain, dex, side, order_type,
			quantity, remaining_quantity, trigger_price, parameters,
			status, execution_count, trace_id, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.OrderID, o.UserID, o.WalletAddress, o.TokenAddress, nullStr(o.TokenSymbol),
		nullStr(o.PairAddress), o.Chain, nullStr(o.DEX), o.Side, o.Type,
		o.Quantity.String(), o.RemainingQuantity.String(), triggerPrice, nullStr(o.Parameters),
		o.Status, o.ExecutionCount, o.TraceID, o.CreatedAt.UnixMilli(), expiresAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by id.
func (s *Storage) GetOrder(orderID string) (*AdvancedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+orderColumns+" FROM advanced_orders WHERE order_id = ?", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrOrderNotFound
	}
	return orders[0], nil
}

// OrderFilter defines filters for listing orders.
type OrderFilter struct {
	UserID       int64
	Status       OrderStatus
	TokenAddress string
	Chain        string
	Limit        int
}

// ListOrders returns orders matching the filter, newest first.
func (s *Storage) ListOrders(filter OrderFilter) ([]*AdvancedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + orderColumns + " FROM advanced_orders WHERE 1=1"
	args := []interface{}{}

	if filter.UserID != 0 {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.TokenAddress != "" {
		query += " AND token_address = ?"
		args = append(args, filter.TokenAddress)
	}
	if filter.Chain != "" {
		query += " AND chain = ?"
		args = append(args, filter.Chain)
	}

	query += " ORDER BY created_at DESC, order_id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// ActiveOrders returns all orders in state active, ordered deterministically
// for the trigger monitor's per-tick snapshot.
func (s *Storage) ActiveOrders() ([]*AdvancedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT " + orderColumns + " FROM advanced_orders WHERE status = 'active' ORDER BY created_at ASC, order_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list active orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// UpdateOrderStatus moves an order to a new status, recording an optional
// error message. Terminal states are never left.
func (s *Storage) UpdateOrderStatus(orderID string, status OrderStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateOrderStatusLocked(orderID, status, errorMessage)
}

func (s *Storage) updateOrderStatusLocked(orderID string, status OrderStatus, errorMessage string) error {
	var current OrderStatus
	err := s.db.QueryRow("SELECT status FROM advanced_orders WHERE order_id = ?", orderID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read order status: %w", err)
	}
	if current.IsTerminal() {
		return ErrOrderTerminal
	}

	now := time.Now().UnixMilli()
	var triggeredAt *int64
	if status == OrderStatusTriggered {
		triggeredAt = &now
	}

	_, err = s.db.Exec(`
		UPDATE advanced_orders
		SET status = ?, error_message = ?, updated_at = ?,
			triggered_at = COALESCE(?, triggered_at)
		WHERE order_id = ?
	`, status, nullStr(errorMessage), now, triggeredAt, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

// CancelOrder cancels an order on user request. An order mid-execution
// (triggered) cannot be cancelled; terminal orders cannot change.
func (s *Storage) CancelOrder(orderID string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current OrderStatus
	var owner int64
	err := s.db.QueryRow(
		"SELECT status, user_id FROM advanced_orders WHERE order_id = ?", orderID,
	).Scan(&current, &owner)
	if err == sql.ErrNoRows {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read order: %w", err)
	}
	if owner != userID {
		return ErrOrderNotFound
	}
	if current == OrderStatusTriggered {
		return ErrCancelTooLate
	}
	if current.IsTerminal() {
		return ErrOrderTerminal
	}

	_, err = s.db.Exec(`
		UPDATE advanced_orders SET status = ?, remaining_quantity = '0', updated_at = ?
		WHERE order_id = ?
	`, OrderStatusCancelled, time.Now().UnixMilli(), orderID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return nil
}

// UpdateOrderParameters replaces the type-specific parameter blob. The
// trailing-stop predicate uses this to persist its highest-seen price.
func (s *Storage) UpdateOrderParameters(orderID string, parameters string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE advanced_orders SET parameters = ?, updated_at = ? WHERE order_id = ?
	`, parameters, time.Now().UnixMilli(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order parameters: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// RecordExecution inserts an execution row and atomically decrements the
// parent's remaining quantity, bumps the execution count, and applies the
// resulting status.
func (s *Storage) RecordExecution(exec *OrderExecution, newStatus OrderStatus) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return RecordExecutionTx(tx, exec, newStatus)
	})
}

// RecordExecutionTx is RecordExecution inside an existing transaction, so a
// fill's ledger write, position update, and execution row commit together.
func RecordExecutionTx(tx *sql.Tx, exec *OrderExecution, newStatus OrderStatus) error {
	var remainingStr string
	err := tx.QueryRow(
		"SELECT remaining_quantity FROM advanced_orders WHERE order_id = ?", exec.OrderID,
	).Scan(&remainingStr)
	if err == sql.ErrNoRows {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read remaining quantity: %w", err)
	}

	remaining := parseDecStr(remainingStr)
	newRemaining := remaining.Sub(exec.Quantity)
	if newRemaining.Sign() < 0 {
		return fmt.Errorf("%w: execution quantity %s exceeds remaining %s",
			ErrConflict, exec.Quantity, remaining)
	}

	_, err = tx.Exec(`
		INSERT INTO order_executions (execution_id, order_id, quantity, price, tx_hash, status, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, exec.ExecutionID, exec.OrderID, exec.Quantity.String(), exec.Price.String(),
		nullStr(exec.TxHash), exec.Status, exec.ExecutedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE advanced_orders
		SET remaining_quantity = ?, execution_count = execution_count + 1,
			status = ?, updated_at = ?
		WHERE order_id = ?
	`, newRemaining.String(), newStatus, time.Now().UnixMilli(), exec.OrderID)
	if err != nil {
		return fmt.Errorf("failed to update order after execution: %w", err)
	}
	return nil
}

// ListExecutions returns all executions for an order, oldest first.
func (s *Storage) ListExecutions(orderID string) ([]*OrderExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT execution_id, order_id, quantity, price, tx_hash, status, executed_at
		FROM order_executions WHERE order_id = ? ORDER BY executed_at ASC, execution_id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*OrderExecution
	for rows.Next() {
		var e OrderExecution
		var quantity, price string
		var txHash sql.NullString
		var executedAt int64
		if err := rows.Scan(&e.ExecutionID, &e.OrderID, &quantity, &price, &txHash, &e.Status, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Quantity = parseDecStr(quantity)
		e.Price = parseDecStr(price)
		e.TxHash = txHash.String
		e.ExecutedAt = time.UnixMilli(executedAt)
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// ExpireOrders marks every non-terminal order past its expiry as expired and
// returns the ids affected.
func (s *Storage) ExpireOrders(now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT order_id FROM advanced_orders
		WHERE expires_at IS NOT NULL AND expires_at < ?
		  AND status NOT IN ('filled', 'cancelled', 'failed', 'expired')
	`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to find expired orders: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.updateOrderStatusLocked(id, OrderStatusExpired, "expired"); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// scanOrders scans order rows.
func scanOrders(rows *sql.Rows) ([]*AdvancedOrder, error) {
	var orders []*AdvancedOrder
	for rows.Next() {
		var o AdvancedOrder
		var tokenSymbol, pairAddress, dex, triggerPrice, parameters, errorMessage sql.NullString
		var quantity, remaining string
		var createdAt int64
		var updatedAt, triggeredAt, expiresAt sql.NullInt64

		err := rows.Scan(
			&o.OrderID, &o.UserID, &o.WalletAddress, &o.TokenAddress, &tokenSymbol,
			&pairAddress, &o.Chain, &dex, &o.Side, &o.Type,
			&quantity, &remaining, &triggerPrice, &parameters,
			&o.Status, &o.ExecutionCount, &errorMessage, &o.TraceID,
			&createdAt, &updatedAt, &triggeredAt, &expiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}

		o.TokenSymbol = tokenSymbol.String
		o.PairAddress = pairAddress.String
		o.DEX = dex.String
		o.Quantity = parseDecStr(quantity)
		o.RemainingQuantity = parseDecStr(remaining)
		if triggerPrice.Valid {
			d := parseDecStr(triggerPrice.String)
			o.TriggerPrice = &d
		}
		o.Parameters = parameters.String
		o.ErrorMessage = errorMessage.String
		o.CreatedAt = time.UnixMilli(createdAt)
		if updatedAt.Valid {
			t := time.UnixMilli(updatedAt.Int64)
			o.UpdatedAt = &t
		}
		if triggeredAt.Valid {
			t := time.UnixMilli(triggeredAt.Int64)
			o.TriggeredAt = &t
		}
		if expiresAt.Valid {
			t := time.UnixMilli(expiresAt.Int64)
			o.ExpiresAt = &t
		}

		orders = append(orders, &o)
	}
	return orders, rows.Err()
}
