package trigger

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/ledger"
	"github.com/ledgerworks/dexjournal/internal/market"
	"github.com/ledgerworks/dexjournal/internal/storage"
	"github.com/ledgerworks/dexjournal/internal/system"
)

// scriptedFeed returns prices from a mutable table.
type scriptedFeed struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	fail   map[string]bool
}

func newScriptedFeed() *scriptedFeed {
	return &scriptedFeed{
		prices: make(map[string]decimal.Decimal),
		fail:   make(map[string]bool),
	}
}

func (f *scriptedFeed) set(token, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[token] = decimal.RequireFromString(price)
}

func (f *scriptedFeed) setFail(token string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[token] = fail
}

func (f *scriptedFeed) GetPrice(_ context.Context, token, _ string) (market.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[token] {
		return market.Quote{}, market.ErrPriceUnavailable
	}
	p, ok := f.prices[token]
	if !ok {
		return market.Quote{}, market.ErrPriceUnavailable
	}
	return market.Quote{Price: p, Timestamp: time.Now()}, nil
}

// scriptedExecutor records calls and returns a configured result.
type scriptedExecutor struct {
	mu     sync.Mutex
	calls  []market.ExecRequest
	result market.ExecResult
	err    error
}

func (e *scriptedExecutor) Execute(_ context.Context, req market.ExecRequest) (market.ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req)
	return e.result, e.err
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type harness struct {
	store    *storage.Storage
	sys      *system.Controller
	feed     *scriptedFeed
	executor *scriptedExecutor
	monitor  *Monitor
	orders   *Orders
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "dexjournal-trigger-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.CreateUser(&storage.User{Name: "alice", BaseCurrency: "GBP", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	sys := system.New(store, nil)
	feed := newScriptedFeed()
	executor := &scriptedExecutor{
		result: market.ExecResult{Success: true, TxHash: "0xfill"},
	}
	writer := ledger.NewWriter(store, sys, nil)
	monitor := New(&Config{
		Store:    store,
		Feed:     feed,
		Executor: executor,
		Writer:   writer,
		System:   sys,
	}, nil)

	return &harness{
		store:    store,
		sys:      sys,
		feed:     feed,
		executor: executor,
		monitor:  monitor,
		orders:   NewOrders(store, sys, nil),
	}
}

func (h *harness) createStopLossSell(t *testing.T, stop string) *storage.AdvancedOrder {
	t.Helper()
	order, err := h.orders.Create(&OrderSpec{
		UserID:        1,
		WalletAddress: "0xabc",
		TokenAddress:  "0xtoken",
		TokenSymbol:   "WIDGET",
		Chain:         "ethereum",
		DEX:           "uniswap_v3",
		Side:          storage.OrderSideSell,
		Type:          storage.OrderTypeStopLoss,
		Quantity:      dec("10"),
		Params:        Params{StopPrice: dec(stop)},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return order
}

func TestStopLossFiresAndFills(t *testing.T) {
	h := newHarness(t)
	order := h.createStopLossSell(t, "90")

	// Above the stop: nothing happens.
	h.feed.set("0xtoken", "95")
	h.monitor.Tick()
	got, _ := h.store.GetOrder(order.OrderID)
	if got.Status != storage.OrderStatusActive {
		t.Fatalf("status above stop = %s, want active", got.Status)
	}

	// At the stop: fires and fills.
	h.feed.set("0xtoken", "90")
	h.monitor.Tick()

	got, _ = h.store.GetOrder(order.OrderID)
	if got.Status != storage.OrderStatusFilled {
		t.Fatalf("status = %s, want filled", got.Status)
	}
	if !got.RemainingQuantity.IsZero() {
		t.Errorf("remaining = %s, want 0", got.RemainingQuantity)
	}
	if got.TriggeredAt == nil {
		t.Error("triggered_at not recorded")
	}

	// One execution row.
	execs, _ := h.store.ListExecutions(order.OrderID)
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	if !execs[0].Price.Equal(dec("90")) {
		t.Errorf("fill price = %s, want 90", execs[0].Price)
	}

	// A ledger entry links back to the order via metadata.
	entries, _ := h.store.ListEntries(storage.EntryFilter{UserID: 1, EntryType: storage.EntryTypeSell})
	if len(entries) != 1 {
		t.Fatalf("ledger sells = %d, want 1", len(entries))
	}
	meta := ledger.DecodeMetadata(entries[0].Metadata)
	if meta["order_id"] != order.OrderID {
		t.Errorf("metadata order_id = %q, want %s", meta["order_id"], order.OrderID)
	}
	if entries[0].TraceID == order.TraceID {
		t.Error("fill must carry a fresh trace id")
	}
}

// TestTrailingStopScenario walks prices 110, 125, 140, 125 against a trail
// of 0.1 with activation 120; the last tick fires and the order fills.
func TestTrailingStopScenario(t *testing.T) {
	h := newHarness(t)

	order, err := h.orders.Create(&OrderSpec{
		UserID:        1,
		WalletAddress: "0xabc",
		TokenAddress:  "0xtoken",
		TokenSymbol:   "WIDGET",
		Chain:         "ethereum",
		Side:          storage.OrderSideSell,
		Type:          storage.OrderTypeTrailingStop,
		Quantity:      dec("5"),
		Params:        Params{TrailFraction: dec("0.1"), ActivationPrice: dec("120")},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for _, price := range []string{"110", "125", "140"} {
		h.feed.set("0xtoken", price)
		h.monitor.Tick()
		got, _ := h.store.GetOrder(order.OrderID)
		if got.Status != storage.OrderStatusActive {
			t.Fatalf("price %s: status = %s, want active", price, got.Status)
		}
	}

	// Watermark survived through the store.
	got, _ := h.store.GetOrder(order.OrderID)
	params, _ := ParseParams(got)
	if !params.HighestPrice.Equal(dec("140")) {
		t.Fatalf("persisted highest = %s, want 140", params.HighestPrice)
	}

	h.feed.set("0xtoken", "125")
	h.monitor.Tick()

	got, _ = h.store.GetOrder(order.OrderID)
	if got.Status != storage.OrderStatusFilled {
		t.Fatalf("status = %s, want filled", got.Status)
	}
	if h.executor.callCount() != 1 {
		t.Errorf("executor calls = %d, want 1", h.executor.callCount())
	}
}

// TestBracketFillsOnTargetLeg: stop 90, target 110, price ticks to 111; the
// single bracket order fills and nothing re-triggers afterwards.
func TestBracketFillsOnTargetLeg(t *testing.T) {
	h := newHarness(t)

	order, err := h.orders.Create(&OrderSpec{
		UserID:        1,
		WalletAddress: "0xabc",
		TokenAddress:  "0xtoken",
		Chain:         "ethereum",
		Side:          storage.OrderSideSell,
		Type:          storage.OrderTypeBracket,
		Quantity:      dec("5"),
		Params:        Params{StopPrice: dec("90"), TargetPrice: dec("110")},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	h.feed.set("0xtoken", "111")
	h.monitor.Tick()

	got, _ := h.store.GetOrder(order.OrderID)
	if got.Status != storage.OrderStatusFilled {
		t.Fatalf("status = %s, want filled", got.Status)
	}

	// A later stop-side crossing cannot re-trigger the completed bracket.
	h.feed.set("0xtoken", "89")
	h.monitor.Tick()
	if h.executor.callCount() != 1 {
		t.Errorf("executor calls = %d, want 1", h.executor.callCount())
	}
}

// TestEmergencyStopHoldsTriggers: with the flag set the predicate may match
// but no order transitions; after clearing, the next tick fires.
func TestEmergencyStopHoldsTriggers(t *testing.T) {
	h := newHarness(t)
	order := h.createStopLossSell(t, "90")

	if err := h.sys.SetStatus(system.ComponentTriggerMonitor, storage.StatusRunning, "", "", ""); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := h.sys.TripEmergency("", "incident", "operator"); err != nil {
		t.Fatalf("TripEmergency() error = %v", err)
	}

	h.feed.set("0xtoken", "85")
	h.monitor.Tick()

	got, _ := h.store.GetOrder(order.OrderID)
	if got.Status != storage.OrderStatusActive {
		t.Fatalf("status under emergency = %s, want active", got.Status)
	}
	if h.executor.callCount() != 0 {
		t.Fatal("executor must not run under emergency stop")
	}

	if err := h.sys.ClearEmergency("", "operator"); err != nil {
		t.Fatalf("ClearEmergency() error = %v", err)
	}

	h.monitor.Tick()
	got, _ = h.store.GetOrder(order.OrderID)
	if got.Status != storage.OrderStatusFilled {
		t.Fatalf("status after clear = %s, want filled", got.Status)
	}
}

func TestRetryableFailureKeepsOrderActive(t *testing.T) {
	h := newHarness(t)
	order := h.createStopLossSell(t, "90")

	h.executor.result = market.ExecResult{Success: false, Retryable: true, FailReason: "nonce race"}
	h.feed.set("0xtoken", "85")
	h.monitor.Tick()

	got, _ := h.store.GetOrder(order.OrderID)
	if got.Status != storage.OrderStatusActive {
		t.Fatalf("status = %s, want active after retryable failure", got.Status)
	}

	// Terminal failure drives failed.
	h.executor.result = market.ExecResult{Success: false, Retryable: false, FailReason: "insufficient funds"}
	h.monitor.Tick()

	got, _ = h.store.GetOrder(order.OrderID)
	if got.Status != storage.OrderStatusFailed {
		t.Fatalf("status = %s, want failed after terminal failure", got.Status)
	}
	if got.ErrorMessage != "insufficient funds" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestPriceFeedFailureLeavesOrdersActive(t *testing.T) {
	h := newHarness(t)
	order := h.createStopLossSell(t, "90")

	h.feed.setFail("0xtoken", true)
	for i := 0; i < priceFailureThreshold; i++ {
		h.monitor.Tick()
	}

	got, _ := h.store.GetOrder(order.OrderID)
	if got.Status != storage.OrderStatusActive {
		t.Fatalf("status = %s, want active while feed is down", got.Status)
	}

	// Three consecutive failures emit one warning event.
	events, _ := h.store.ListSystemEvents("price_feed_failure", 10)
	if len(events) != 1 {
		t.Fatalf("price_feed_failure events = %d, want 1", len(events))
	}
	if events[0].Severity != "warning" {
		t.Errorf("severity = %s, want warning", events[0].Severity)
	}

	// Recovery resets the counter and triggers normally.
	h.feed.setFail("0xtoken", false)
	h.feed.set("0xtoken", "85")
	h.monitor.Tick()
	got, _ = h.store.GetOrder(order.OrderID)
	if got.Status != storage.OrderStatusFilled {
		t.Fatalf("status after recovery = %s, want filled", got.Status)
	}
}

func TestDCAFillsInTranchesAndRearms(t *testing.T) {
	h := newHarness(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	h.monitor.SetClock(func() time.Time { return now })

	order, err := h.orders.Create(&OrderSpec{
		UserID:        1,
		WalletAddress: "0xabc",
		TokenAddress:  "0xtoken",
		Chain:         "ethereum",
		Side:          storage.OrderSideBuy,
		Type:          storage.OrderTypeDCA,
		Quantity:      dec("100"),
		Params:        Params{IntervalMinutes: 60, NumOrders: 4},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	h.feed.set("0xtoken", "10")
	h.monitor.Tick()

	got, _ := h.store.GetOrder(order.OrderID)
	if got.Status != storage.OrderStatusPartiallyFilled {
		t.Fatalf("status after first tranche = %s, want partially_filled", got.Status)
	}
	if !got.RemainingQuantity.Equal(dec("75")) {
		t.Errorf("remaining = %s, want 75", got.RemainingQuantity)
	}

	// Next tick re-arms but holds inside the interval.
	h.monitor.Tick()
	got, _ = h.store.GetOrder(order.OrderID)
	if got.Status != storage.OrderStatusActive {
		t.Fatalf("status after re-arm = %s, want active", got.Status)
	}
	if h.executor.callCount() != 1 {
		t.Errorf("executor calls = %d, want 1 inside the interval", h.executor.callCount())
	}

	// Past the interval: the next tranche executes.
	now = base.Add(61 * time.Minute)
	h.monitor.Tick()
	got, _ = h.store.GetOrder(order.OrderID)
	if !got.RemainingQuantity.Equal(dec("50")) {
		t.Errorf("remaining after second tranche = %s, want 50", got.RemainingQuantity)
	}
	if h.executor.callCount() != 2 {
		t.Errorf("executor calls = %d, want 2", h.executor.callCount())
	}

	// The buy fills update the position.
	pos, err := h.store.GetPosition(1, "0xtoken", "ethereum")
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}
	if !pos.Quantity.Equal(dec("50")) {
		t.Errorf("position quantity = %s, want 50", pos.Quantity)
	}
	if !pos.AverageEntryPrice.Equal(dec("10")) {
		t.Errorf("avg entry = %s, want 10", pos.AverageEntryPrice)
	}
}

func TestExpiredOrdersNeverTrigger(t *testing.T) {
	h := newHarness(t)

	past := time.Now().Add(-time.Hour)
	order, err := h.orders.Create(&OrderSpec{
		UserID:        1,
		WalletAddress: "0xabc",
		TokenAddress:  "0xtoken",
		Chain:         "ethereum",
		Side:          storage.OrderSideSell,
		Type:          storage.OrderTypeStopLoss,
		Quantity:      dec("5"),
		Params:        Params{StopPrice: dec("90")},
		ExpiresAt:     &past,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	h.feed.set("0xtoken", "85")
	h.monitor.Tick()

	got, _ := h.store.GetOrder(order.OrderID)
	if got.Status != storage.OrderStatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if h.executor.callCount() != 0 {
		t.Error("expired order must not execute")
	}
}

func TestStartStopIsCooperative(t *testing.T) {
	h := newHarness(t)
	h.monitor.Start()

	done := make(chan struct{})
	go func() {
		h.monitor.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return within one tick")
	}
}
