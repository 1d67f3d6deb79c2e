// Package trigger - The trigger monitor loop and execution state machine.
package trigger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/ledger"
	"github.com/ledgerworks/dexjournal/internal/market"
	"github.com/ledgerworks/dexjournal/internal/storage"
	"github.com/ledgerworks/dexjournal/internal/system"
	"github.com/ledgerworks/dexjournal/pkg/logging"
)

// priceFailureThreshold is how many consecutive price-feed failures for one
// key raise a warning SystemEvent.
const priceFailureThreshold = 3

// Monitor is the single per-process trigger monitor. One cooperative loop:
// snapshot active orders, fetch prices, evaluate predicates, execute matches
// with bounded concurrency.
type Monitor struct {
	store    *storage.Storage
	feed     market.PriceFeed
	executor market.Executor
	writer   *ledger.Writer
	sys      *system.Controller
	log      *logging.Logger

	interval     time.Duration
	priceTimeout time.Duration
	execTimeout  time.Duration
	execSlots    int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time

	// Per-order locks: no two ticks execute the same order.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// Consecutive price failures per key; loop-private.
	priceFailures map[market.PriceKey]int

	statsMu sync.Mutex
	stats   Stats
}

// Stats counts monitor activity.
type Stats struct {
	Ticks       int64
	Triggered   int64
	Filled      int64
	Failed      int64
	PriceErrors int64
}

// Config holds monitor configuration.
type Config struct {
	Store           *storage.Storage
	Feed            market.PriceFeed
	Executor        market.Executor
	Writer          *ledger.Writer
	System          *system.Controller
	Interval        time.Duration // default 1s
	PriceTimeout    time.Duration // default 5s
	ExecTimeout     time.Duration // default 30s
	ExecConcurrency int           // default 4
}

// New creates a trigger monitor.
func New(cfg *Config, log *logging.Logger) *Monitor {
	if log == nil {
		log = logging.GetDefault()
	}
	ctx, cancel := context.WithCancel(context.Background())

	interval := cfg.Interval
	if interval == 0 {
		interval = time.Second
	}
	priceTimeout := cfg.PriceTimeout
	if priceTimeout == 0 {
		priceTimeout = 5 * time.Second
	}
	execTimeout := cfg.ExecTimeout
	if execTimeout == 0 {
		execTimeout = 30 * time.Second
	}
	slots := cfg.ExecConcurrency
	if slots <= 0 {
		slots = 4
	}

	return &Monitor{
		store:         cfg.Store,
		feed:          cfg.Feed,
		executor:      cfg.Executor,
		writer:        cfg.Writer,
		sys:           cfg.System,
		log:           log.Component("trigger"),
		interval:      interval,
		priceTimeout:  priceTimeout,
		execTimeout:   execTimeout,
		execSlots:     slots,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		now:           time.Now,
		locks:         make(map[string]*sync.Mutex),
		priceFailures: make(map[market.PriceKey]int),
	}
}

// SetClock overrides the monitor's clock. Tests only.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Start launches the monitor loop.
func (m *Monitor) Start() {
	go m.run()
	m.log.Info("Trigger monitor started", "interval", m.interval)
}

// Stop requests a cooperative shutdown and waits for in-flight executions to
// finish; the loop exits within one tick.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
	m.log.Info("Trigger monitor stopped")
}

// GetStats returns a snapshot of the monitor counters.
func (m *Monitor) GetStats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// run is the main loop. Ticks never overlap: each tick completes, including
// its executions, before the next is scheduled. An overrunning tick starts
// the next one immediately.
func (m *Monitor) run() {
	defer close(m.done)

	for {
		start := m.now()
		m.Tick()

		elapsed := m.now().Sub(start)
		wait := m.interval - elapsed
		if wait < 0 {
			wait = 0
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Tick runs one full monitor pass. Exported so tests and a force-check API
// can drive the loop deterministically.
func (m *Monitor) Tick() {
	m.statsMu.Lock()
	m.stats.Ticks++
	m.statsMu.Unlock()

	if m.sys != nil {
		if err := m.sys.Heartbeat(system.ComponentTriggerMonitor, ""); err != nil && !errors.Is(err, storage.ErrStateNotFound) {
			m.log.Debug("Heartbeat failed", "error", err)
		}
	}

	now := m.now()
	if _, err := m.store.ExpireOrders(now); err != nil {
		m.log.Error("Failed to expire orders", "error", err)
	}
	m.rearmPartialFills()

	// Emergency stop: no order may transition to triggered; the loop idles.
	if m.sys != nil {
		stopped, err := m.sys.EmergencyActive()
		if err != nil {
			m.log.Error("Failed to read emergency state", "error", err)
			return
		}
		if stopped {
			m.log.Debug("Emergency stop active, monitor idling")
			return
		}
	}

	// One snapshot query per tick bounds the store cost.
	orders, err := m.store.ActiveOrders()
	if err != nil {
		m.log.Error("Failed to snapshot active orders", "error", err)
		return
	}
	if len(orders) == 0 {
		return
	}

	prices := m.fetchPrices(orders)

	type match struct {
		order  *storage.AdvancedOrder
		params *Params
		price  decimal.Decimal
	}
	var matches []match

	// Snapshot order fixes the iteration deterministically.
	for _, order := range orders {
		key := market.PriceKey{TokenAddress: order.TokenAddress, Chain: order.Chain}
		price, ok := prices[key]
		isTimeOnly := order.Type == storage.OrderTypeDCA && !ok
		if !ok && !isTimeOnly {
			// Feed failed for this key; the order stays active untouched.
			continue
		}

		params, err := ParseParams(order)
		if err != nil {
			m.failOrder(order.OrderID, err.Error())
			continue
		}

		triggered, dirty := Evaluate(order, params, price, now)
		if dirty {
			if err := m.store.UpdateOrderParameters(order.OrderID, params.Encode()); err != nil {
				m.log.Error("Failed to persist order parameters", "order", order.OrderID, "error", err)
			}
		}
		if triggered {
			matches = append(matches, match{order: order, params: params, price: price})
		}
	}

	if len(matches) == 0 {
		return
	}

	// Execute with bounded concurrency; the tick waits for every execution
	// so ticks cannot interleave.
	sem := make(chan struct{}, m.execSlots)
	var wg sync.WaitGroup
	for _, mt := range matches {
		wg.Add(1)
		sem <- struct{}{}
		go func(order *storage.AdvancedOrder, params *Params, price decimal.Decimal) {
			defer wg.Done()
			defer func() { <-sem }()
			m.executeOrder(order, params, price)
		}(mt.order, mt.params, mt.price)
	}
	wg.Wait()
}

// rearmPartialFills returns partially-filled DCA orders to active so they
// can re-trigger on the next interval.
func (m *Monitor) rearmPartialFills() {
	orders, err := m.store.ListOrders(storage.OrderFilter{Status: storage.OrderStatusPartiallyFilled})
	if err != nil {
		m.log.Error("Failed to list partially filled orders", "error", err)
		return
	}
	for _, order := range orders {
		if order.Type != storage.OrderTypeDCA {
			continue
		}
		if err := m.store.UpdateOrderStatus(order.OrderID, storage.OrderStatusActive, ""); err != nil {
			m.log.Error("Failed to re-arm order", "order", order.OrderID, "error", err)
		}
	}
}

// fetchPrices resolves the distinct price keys for a snapshot in parallel,
// populating a per-tick cache. Failures are counted per key; three in a row
// emit a warning SystemEvent.
func (m *Monitor) fetchPrices(orders []*storage.AdvancedOrder) map[market.PriceKey]decimal.Decimal {
	keySet := make(map[market.PriceKey]struct{})
	for _, order := range orders {
		keySet[market.PriceKey{TokenAddress: order.TokenAddress, Chain: order.Chain}] = struct{}{}
	}

	type result struct {
		key   market.PriceKey
		quote market.Quote
		err   error
	}

	results := make(chan result, len(keySet))
	for key := range keySet {
		go func(key market.PriceKey) {
			ctx, cancel := context.WithTimeout(m.ctx, m.priceTimeout)
			defer cancel()
			quote, err := m.feed.GetPrice(ctx, key.TokenAddress, key.Chain)
			results <- result{key: key, quote: quote, err: err}
		}(key)
	}

	prices := make(map[market.PriceKey]decimal.Decimal, len(keySet))
	for range keySet {
		r := <-results
		if r.err != nil {
			m.statsMu.Lock()
			m.stats.PriceErrors++
			m.statsMu.Unlock()

			m.priceFailures[r.key]++
			if m.priceFailures[r.key] == priceFailureThreshold {
				m.emitPriceFailureEvent(r.key)
			}
			continue
		}
		m.priceFailures[r.key] = 0
		prices[r.key] = r.quote.Price
	}
	return prices
}

func (m *Monitor) emitPriceFailureEvent(key market.PriceKey) {
	err := m.store.AppendSystemEvent(&storage.SystemEvent{
		EventType: "price_feed_failure",
		Component: system.ComponentTriggerMonitor,
		Severity:  "warning",
		Message: fmt.Sprintf("price feed failed %d consecutive times for %s on %s",
			priceFailureThreshold, key.TokenAddress, key.Chain),
		CreatedAt: m.now(),
	})
	if err != nil {
		m.log.Error("Failed to record price failure event", "error", err)
	}
}

// orderLock returns the per-order mutex, creating it on first use.
func (m *Monitor) orderLock(orderID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[orderID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[orderID] = lock
	}
	return lock
}

// executeOrder drives one matched order through triggered and on to its
// terminal or re-armed state. The per-order lock is held from before the
// triggered transition through the executor call.
func (m *Monitor) executeOrder(order *storage.AdvancedOrder, params *Params, price decimal.Decimal) {
	lock := m.orderLock(order.OrderID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; another path may have moved the order.
	current, err := m.store.GetOrder(order.OrderID)
	if err != nil {
		m.log.Error("Failed to re-read order", "order", order.OrderID, "error", err)
		return
	}
	if current.Status != storage.OrderStatusActive {
		return
	}

	params.TriggerPrice = price
	if err := m.store.UpdateOrderParameters(order.OrderID, params.Encode()); err != nil {
		m.log.Error("Failed to record trigger price", "order", order.OrderID, "error", err)
	}
	if err := m.store.UpdateOrderStatus(order.OrderID, storage.OrderStatusTriggered, ""); err != nil {
		m.log.Error("Failed to transition order to triggered", "order", order.OrderID, "error", err)
		return
	}

	m.statsMu.Lock()
	m.stats.Triggered++
	m.statsMu.Unlock()

	qty := executionQuantity(current, params)

	ctx, cancel := context.WithTimeout(m.ctx, m.execTimeout)
	defer cancel()

	result, err := m.executor.Execute(ctx, market.ExecRequest{
		OrderID:       order.OrderID,
		UserID:        order.UserID,
		WalletAddress: order.WalletAddress,
		TokenAddress:  order.TokenAddress,
		Chain:         order.Chain,
		DEX:           order.DEX,
		Side:          string(order.Side),
		Quantity:      qty,
		LimitPrice:    price,
	})

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		// A submitted on-chain transaction is not un-submitted, but it is
		// not counted as a fill.
		m.failOrder(order.OrderID, fmt.Sprintf("executor timed out after %s", m.execTimeout))
	case err != nil:
		// Transport errors are retryable: the order returns to active.
		m.retryOrder(order.OrderID, err.Error())
	case !result.Success && result.Retryable:
		m.retryOrder(order.OrderID, result.FailReason)
	case !result.Success:
		m.failOrder(order.OrderID, result.FailReason)
	default:
		m.recordFill(current, params, qty, price, result)
	}
}

// executionQuantity is the slice size for one execution: DCA splits the
// order across num_orders tranches, everything else fills the remainder.
func executionQuantity(order *storage.AdvancedOrder, params *Params) decimal.Decimal {
	if order.Type == storage.OrderTypeDCA && params.NumOrders > 0 {
		tranche := order.Quantity.Div(decimal.NewFromInt(int64(params.NumOrders)))
		if tranche.LessThan(order.RemainingQuantity) {
			return tranche
		}
	}
	return order.RemainingQuantity
}

// retryOrder returns an order to active after a retryable failure.
func (m *Monitor) retryOrder(orderID, reason string) {
	m.log.Warn("Execution failed, order stays active", "order", orderID, "reason", reason)
	if err := m.store.UpdateOrderStatus(orderID, storage.OrderStatusActive, reason); err != nil {
		m.log.Error("Failed to return order to active", "order", orderID, "error", err)
	}
}

// failOrder drives an order to the failed terminal state.
func (m *Monitor) failOrder(orderID, reason string) {
	m.statsMu.Lock()
	m.stats.Failed++
	m.statsMu.Unlock()

	m.log.Error("Order failed", "order", orderID, "reason", reason)
	if err := m.store.UpdateOrderStatus(orderID, storage.OrderStatusFailed, reason); err != nil {
		m.log.Error("Failed to mark order failed", "order", orderID, "error", err)
	}
}

// recordFill commits the execution row, the ledger entry, and the position
// update in one transaction, then settles the order's next state.
func (m *Monitor) recordFill(order *storage.AdvancedOrder, params *Params, qty, triggerPrice decimal.Decimal, result market.ExecResult) {
	fillPrice := result.FillPrice
	if !fillPrice.IsPositive() {
		fillPrice = triggerPrice
	}

	now := m.now()
	newRemaining := order.RemainingQuantity.Sub(qty)

	var nextStatus storage.OrderStatus
	var statusReason string
	switch {
	case newRemaining.IsZero() || newRemaining.IsNegative():
		nextStatus = storage.OrderStatusFilled
	case order.Type == storage.OrderTypeDCA:
		nextStatus = storage.OrderStatusPartiallyFilled
	default:
		// One-shot orders do not re-arm after a partial fill.
		nextStatus = storage.OrderStatusFailed
		statusReason = fmt.Sprintf("partial fill not supported for type %s", order.Type)
	}

	tradeType := storage.EntryTypeSell
	if order.Side == storage.OrderSideBuy {
		tradeType = storage.EntryTypeBuy
	}

	amountBase := qty.Mul(fillPrice)
	input := &ledger.TradeInput{
		UserID:        order.UserID,
		TxHash:        result.TxHash,
		TradeType:     tradeType,
		Chain:         order.Chain,
		WalletAddress: order.WalletAddress,
		TokenAddress:  order.TokenAddress,
		TokenSymbol:   order.TokenSymbol,
		AmountTokens:  qty,
		AmountNative:  amountBase,
		AmountBase:    amountBase,
		FxRate:        decimal.NewFromInt(1),
		GasNative:     result.GasUsed,
		GasBase:       result.GasBase,
		DEX:           order.DEX,
		PairAddress:   order.PairAddress,
		Metadata:      map[string]string{"order_id": order.OrderID},
		CreatedAt:     now,
	}

	if err := m.writer.ValidateTrade(input); err != nil {
		m.failOrder(order.OrderID, fmt.Sprintf("fill rejected by ledger: %v", err))
		return
	}

	exec := &storage.OrderExecution{
		ExecutionID: uuid.NewString(),
		OrderID:     order.OrderID,
		Quantity:    qty,
		Price:       fillPrice,
		TxHash:      result.TxHash,
		Status:      "confirmed",
		ExecutedAt:  now,
	}

	err := m.store.WithTx(func(tx *sql.Tx) error {
		if _, err := ledger.InsertTradeTx(tx, input); err != nil {
			return err
		}
		if err := storage.RecordExecutionTx(tx, exec, nextStatus); err != nil {
			return err
		}
		if statusReason != "" {
			if _, err := tx.Exec(
				"UPDATE advanced_orders SET error_message = ? WHERE order_id = ?",
				statusReason, order.OrderID); err != nil {
				return err
			}
		}
		return m.applyPositionTx(tx, order, qty, amountBase, now)
	})
	if err != nil {
		m.failOrder(order.OrderID, fmt.Sprintf("fill commit failed: %v", err))
		return
	}

	if order.Type == storage.OrderTypeDCA {
		params.LastExecution = &now
		if err := m.store.UpdateOrderParameters(order.OrderID, params.Encode()); err != nil {
			m.log.Error("Failed to stamp DCA execution", "order", order.OrderID, "error", err)
		}
	}

	m.statsMu.Lock()
	m.stats.Filled++
	m.statsMu.Unlock()

	m.log.Info("Order filled",
		"order", order.OrderID, "type", order.Type, "side", order.Side,
		"quantity", qty, "price", fillPrice, "status", nextStatus)
}

// applyPositionTx reconciles the position row with a fill inside the fill's
// transaction: average-cost recalculation on buys, quantity reduction on
// sells, closing at zero.
func (m *Monitor) applyPositionTx(tx *sql.Tx, order *storage.AdvancedOrder, qty, amountBase decimal.Decimal, now time.Time) error {
	pos, err := storage.GetPositionTx(tx, order.UserID, order.TokenAddress, order.Chain)
	if err != nil && !errors.Is(err, storage.ErrPositionNotFound) {
		return err
	}

	if order.Side == storage.OrderSideBuy {
		if pos == nil {
			pos = &storage.Position{
				UserID:          order.UserID,
				TokenAddress:    order.TokenAddress,
				TokenSymbol:     order.TokenSymbol,
				Chain:           order.Chain,
				PositionType:    storage.PositionTypeLong,
				Quantity:        decimal.Zero,
				TotalCostBase:   decimal.Zero,
				RealizedPnLBase: decimal.Zero,
				OpenedAt:        now,
			}
		}
		pos.Quantity = pos.Quantity.Add(qty)
		pos.TotalCostBase = pos.TotalCostBase.Add(amountBase)
		pos.AverageEntryPrice = pos.TotalCostBase.Div(pos.Quantity)
		pos.IsOpen = true
		pos.ClosedAt = nil
		pos.UnrealizedPnLBase = decimal.Zero
		return storage.UpsertPositionTx(tx, pos)
	}

	// Sell against no position: the ledger rows stand, the integrity
	// checker will flag the imbalance.
	if pos == nil {
		return nil
	}

	sellQty := qty
	if sellQty.GreaterThan(pos.Quantity) {
		sellQty = pos.Quantity
	}
	costOut := pos.AverageEntryPrice.Mul(sellQty)
	proceeds := amountBase.Mul(sellQty).Div(qty)

	pos.Quantity = pos.Quantity.Sub(sellQty)
	pos.TotalCostBase = pos.TotalCostBase.Sub(costOut)
	pos.RealizedPnLBase = pos.RealizedPnLBase.Add(proceeds.Sub(costOut))
	if !pos.Quantity.IsPositive() {
		pos.Quantity = decimal.Zero
		pos.TotalCostBase = decimal.Zero
		pos.IsOpen = false
		closed := now
		pos.ClosedAt = &closed
	} else {
		pos.AverageEntryPrice = pos.TotalCostBase.Div(pos.Quantity)
	}
	return storage.UpsertPositionTx(tx, pos)
}
