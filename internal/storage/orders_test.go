package storage

import (
	"testing"
	"time"
)

func newTestOrder(t *testing.T, store *Storage, id string) *AdvancedOrder {
	t.Helper()
	order := &AdvancedOrder{
		OrderID:           id,
		UserID:            1,
		WalletAddress:     "0xabc",
		TokenAddress:      "0xtoken",
		TokenSymbol:       "WIDGET",
		Chain:             "ethereum",
		DEX:               "uniswap_v3",
		Side:              OrderSideSell,
		Type:              OrderTypeStopLoss,
		Quantity:          mustDec(t, "10"),
		RemainingQuantity: mustDec(t, "10"),
		Status:            OrderStatusActive,
		TraceID:           "cccccccccccccccccccccccccccccccc",
		CreatedAt:         time.Now(),
	}
	if err := store.CreateOrder(order); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	return order
}

func TestOrderCRUD(t *testing.T) {
	store := newTestStore(t)
	order := newTestOrder(t, store, "order-1")

	got, err := store.GetOrder("order-1")
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if got.Type != OrderTypeStopLoss || got.Status != OrderStatusActive {
		t.Errorf("GetOrder() = %+v", got)
	}
	if !got.RemainingQuantity.Equal(order.Quantity) {
		t.Errorf("RemainingQuantity = %s, want %s", got.RemainingQuantity, order.Quantity)
	}

	if _, err := store.GetOrder("missing"); err != ErrOrderNotFound {
		t.Errorf("GetOrder(missing) error = %v, want ErrOrderNotFound", err)
	}

	// Duplicate id conflicts.
	if err := store.CreateOrder(order); err != ErrConflict {
		t.Errorf("duplicate CreateOrder() error = %v, want ErrConflict", err)
	}

	active, err := store.ActiveOrders()
	if err != nil {
		t.Fatalf("ActiveOrders() error = %v", err)
	}
	if len(active) != 1 {
		t.Errorf("ActiveOrders() returned %d, want 1", len(active))
	}
}

func TestRecordExecutionDecrementsRemaining(t *testing.T) {
	store := newTestStore(t)
	newTestOrder(t, store, "order-2")

	exec := &OrderExecution{
		ExecutionID: "exec-1",
		OrderID:     "order-2",
		Quantity:    mustDec(t, "4"),
		Price:       mustDec(t, "95"),
		TxHash:      "0xfill1",
		Status:      "confirmed",
		ExecutedAt:  time.Now(),
	}
	if err := store.RecordExecution(exec, OrderStatusPartiallyFilled); err != nil {
		t.Fatalf("RecordExecution() error = %v", err)
	}

	got, _ := store.GetOrder("order-2")
	if !got.RemainingQuantity.Equal(mustDec(t, "6")) {
		t.Errorf("RemainingQuantity = %s, want 6", got.RemainingQuantity)
	}
	if got.ExecutionCount != 1 {
		t.Errorf("ExecutionCount = %d, want 1", got.ExecutionCount)
	}
	if got.Status != OrderStatusPartiallyFilled {
		t.Errorf("Status = %s, want partially_filled", got.Status)
	}

	// Over-fill is refused.
	over := &OrderExecution{
		ExecutionID: "exec-2",
		OrderID:     "order-2",
		Quantity:    mustDec(t, "7"),
		Price:       mustDec(t, "95"),
		Status:      "confirmed",
		ExecutedAt:  time.Now(),
	}
	if err := store.RecordExecution(over, OrderStatusFilled); err == nil {
		t.Error("over-fill should be rejected")
	}

	execs, err := store.ListExecutions("order-2")
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(execs) != 1 {
		t.Errorf("ListExecutions() returned %d, want 1", len(execs))
	}
}

func TestCancelOrderRules(t *testing.T) {
	store := newTestStore(t)
	newTestOrder(t, store, "order-3")

	// Wrong user cannot cancel.
	if err := store.CancelOrder("order-3", 99); err != ErrOrderNotFound {
		t.Errorf("cross-user cancel error = %v, want ErrOrderNotFound", err)
	}

	// In-flight execution refuses cancellation.
	if err := store.UpdateOrderStatus("order-3", OrderStatusTriggered, ""); err != nil {
		t.Fatalf("UpdateOrderStatus() error = %v", err)
	}
	if err := store.CancelOrder("order-3", 1); err != ErrCancelTooLate {
		t.Errorf("cancel of triggered order error = %v, want ErrCancelTooLate", err)
	}

	// Back to active, then cancel.
	if err := store.UpdateOrderStatus("order-3", OrderStatusActive, ""); err != nil {
		t.Fatalf("UpdateOrderStatus() error = %v", err)
	}
	if err := store.CancelOrder("order-3", 1); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}

	got, _ := store.GetOrder("order-3")
	if got.Status != OrderStatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
	if !got.RemainingQuantity.IsZero() {
		t.Errorf("RemainingQuantity = %s, want 0", got.RemainingQuantity)
	}

	// Terminal states have no outgoing transitions.
	if err := store.UpdateOrderStatus("order-3", OrderStatusActive, ""); err != ErrOrderTerminal {
		t.Errorf("transition out of cancelled error = %v, want ErrOrderTerminal", err)
	}
	if err := store.CancelOrder("order-3", 1); err != ErrOrderTerminal {
		t.Errorf("second cancel error = %v, want ErrOrderTerminal", err)
	}
}

func TestExpireOrders(t *testing.T) {
	store := newTestStore(t)

	past := time.Now().Add(-time.Hour)
	order := &AdvancedOrder{
		OrderID:           "order-4",
		UserID:            1,
		WalletAddress:     "0xabc",
		TokenAddress:      "0xtoken",
		Chain:             "ethereum",
		Side:              OrderSideSell,
		Type:              OrderTypeTakeProfit,
		Quantity:          mustDec(t, "5"),
		RemainingQuantity: mustDec(t, "5"),
		Status:            OrderStatusActive,
		TraceID:           "dddddddddddddddddddddddddddddddd",
		CreatedAt:         past,
		ExpiresAt:         &past,
	}
	if err := store.CreateOrder(order); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	ids, err := store.ExpireOrders(time.Now())
	if err != nil {
		t.Fatalf("ExpireOrders() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "order-4" {
		t.Fatalf("ExpireOrders() = %v, want [order-4]", ids)
	}

	got, _ := store.GetOrder("order-4")
	if got.Status != OrderStatusExpired {
		t.Errorf("Status = %s, want expired", got.Status)
	}

	// Idempotent: terminal orders are not re-expired.
	ids, _ = store.ExpireOrders(time.Now())
	if len(ids) != 0 {
		t.Errorf("second ExpireOrders() = %v, want empty", ids)
	}
}

func TestListOrdersFilters(t *testing.T) {
	store := newTestStore(t)
	newTestOrder(t, store, "order-5")

	other := &AdvancedOrder{
		OrderID:           "order-6",
		UserID:            2,
		WalletAddress:     "0xdef",
		TokenAddress:      "0xother",
		Chain:             "base",
		Side:              OrderSideBuy,
		Type:              OrderTypeDCA,
		Quantity:          mustDec(t, "100"),
		RemainingQuantity: mustDec(t, "100"),
		Status:            OrderStatusPending,
		TraceID:           "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
		CreatedAt:         time.Now(),
	}
	if err := store.CreateOrder(other); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	byUser, err := store.ListOrders(OrderFilter{UserID: 2})
	if err != nil {
		t.Fatalf("ListOrders() error = %v", err)
	}
	if len(byUser) != 1 || byUser[0].OrderID != "order-6" {
		t.Errorf("ListOrders(user=2) = %v", byUser)
	}

	byStatus, _ := store.ListOrders(OrderFilter{Status: OrderStatusActive})
	if len(byStatus) != 1 || byStatus[0].OrderID != "order-5" {
		t.Errorf("ListOrders(status=active) wrong result")
	}

	byToken, _ := store.ListOrders(OrderFilter{TokenAddress: "0xother"})
	if len(byToken) != 1 || byToken[0].OrderID != "order-6" {
		t.Errorf("ListOrders(token) wrong result")
	}
}
