// Package pnl replays the ledger into positions and realized/unrealized
// profit and loss under a configurable cost-basis method. The engine is a
// pure function of the ledger prefix and the chosen method: two runs over the
// same rows produce identical output.
package pnl

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/config"
	"github.com/ledgerworks/dexjournal/internal/market"
	"github.com/ledgerworks/dexjournal/internal/storage"
	"github.com/ledgerworks/dexjournal/pkg/logging"
)

// dustThreshold discards residual lot slivers below 1e-6 token units so
// decimal splits cannot leave phantom dust.
var dustThreshold = decimal.New(1, -6)

// Lot is a discrete quantity acquired at a known cost.
type Lot struct {
	TraceID     string
	Quantity    decimal.Decimal
	CostPerUnit decimal.Decimal // base currency per token
	AcquiredAt  time.Time
}

// TotalCost returns the lot's base-currency cost.
func (l *Lot) TotalCost() decimal.Decimal {
	return l.Quantity.Mul(l.CostPerUnit)
}

// LotSlice records how much of which lot one sell consumed.
type LotSlice struct {
	TraceID     string
	Quantity    decimal.Decimal
	CostPerUnit decimal.Decimal
	AcquiredAt  time.Time
}

// Calculation is the realized outcome of one sell.
type Calculation struct {
	TradeDate     time.Time
	TraceID       string
	TokenAddress  string
	TokenSymbol   string
	Chain         string
	Quantity      decimal.Decimal
	PricePerUnit  decimal.Decimal
	CostBasis     decimal.Decimal
	GrossProceeds decimal.Decimal
	RealizedPnL   decimal.Decimal
	Method        config.AccountingMethod
	LotsUsed      []LotSlice
	// OldestLotAcquiredAt drives long/short-term tax classification.
	OldestLotAcquiredAt time.Time
}

// TokenSummary aggregates PnL for one (token, chain).
type TokenSummary struct {
	TokenAddress  string
	TokenSymbol   string
	Chain         string
	Realized      decimal.Decimal
	Unrealized    decimal.Decimal
	Total         decimal.Decimal
	RemainingLots []Lot
	Quantity      decimal.Decimal
	CostBasis     decimal.Decimal
	// PriceMissing is set when no mark price was available and unrealized
	// fell back to average cost (zero).
	PriceMissing bool
}

// NegativeBalanceEvent marks a sell that exceeded inventory. Such sells are
// skipped; the core never synthesizes short positions.
type NegativeBalanceEvent struct {
	TraceID      string
	TokenAddress string
	Chain        string
	Requested    decimal.Decimal
	Available    decimal.Decimal
	At           time.Time
}

// Report is the full replay result for one user.
type Report struct {
	UserID           int64
	Method           config.AccountingMethod
	Calculations     []Calculation
	Tokens           []TokenSummary
	TotalRealized    decimal.Decimal
	TotalUnrealized  decimal.Decimal
	NegativeBalances []NegativeBalanceEvent
}

// Engine replays ledger rows into PnL.
type Engine struct {
	store  *storage.Storage
	feed   market.PriceFeed
	method config.AccountingMethod
	log    *logging.Logger
}

// New creates a PnL engine with the given default method.
func New(store *storage.Storage, feed market.PriceFeed, method config.AccountingMethod, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Engine{store: store, feed: feed, method: method, log: log.Component("pnl")}
}

// Method returns the engine's default accounting method.
func (e *Engine) Method() config.AccountingMethod {
	return e.method
}

// lotBook is the per-(token, chain) inventory under one method.
type lotBook struct {
	method config.AccountingMethod
	lots   []Lot // FIFO consumes the head; LIFO consumes the tail
	// AVCO aggregate
	avcoQty  decimal.Decimal
	avcoCost decimal.Decimal
}

func newLotBook(method config.AccountingMethod) *lotBook {
	return &lotBook{method: method, avcoQty: decimal.Zero, avcoCost: decimal.Zero}
}

func (b *lotBook) add(lot Lot) {
	if b.method == config.MethodAVCO {
		b.avcoQty = b.avcoQty.Add(lot.Quantity)
		b.avcoCost = b.avcoCost.Add(lot.TotalCost())
	}
	// Lots are kept under AVCO too: they carry acquisition dates for tax
	// classification and reporting.
	b.lots = append(b.lots, lot)
}

func (b *lotBook) quantity() decimal.Decimal {
	if b.method == config.MethodAVCO {
		return b.avcoQty
	}
	total := decimal.Zero
	for _, l := range b.lots {
		total = total.Add(l.Quantity)
	}
	return total
}

func (b *lotBook) totalCost() decimal.Decimal {
	if b.method == config.MethodAVCO {
		return b.avcoCost
	}
	total := decimal.Zero
	for _, l := range b.lots {
		total = total.Add(l.TotalCost())
	}
	return total
}

// consume removes quantity from the book and returns the cost basis of the
// removed amount together with the lot slices used.
func (b *lotBook) consume(qty decimal.Decimal) (decimal.Decimal, []LotSlice) {
	if b.method == config.MethodAVCO {
		return b.consumeAVCO(qty)
	}

	costBasis := decimal.Zero
	var used []LotSlice
	remaining := qty

	for remaining.IsPositive() && len(b.lots) > 0 {
		var idx int
		if b.method == config.MethodLIFO {
			idx = len(b.lots) - 1
		}
		lot := &b.lots[idx]

		take := lot.Quantity
		if take.GreaterThan(remaining) {
			take = remaining
		}

		costBasis = costBasis.Add(take.Mul(lot.CostPerUnit))
		used = append(used, LotSlice{
			TraceID:     lot.TraceID,
			Quantity:    take,
			CostPerUnit: lot.CostPerUnit,
			AcquiredAt:  lot.AcquiredAt,
		})

		lot.Quantity = lot.Quantity.Sub(take)
		remaining = remaining.Sub(take)

		if lot.Quantity.LessThan(dustThreshold) {
			b.lots = append(b.lots[:idx], b.lots[idx+1:]...)
		}
	}
	return costBasis, used
}

// consumeAVCO reduces the aggregate proportionally. Cost basis is computed
// from the average cost before the reduction.
func (b *lotBook) consumeAVCO(qty decimal.Decimal) (decimal.Decimal, []LotSlice) {
	if !b.avcoQty.IsPositive() {
		return decimal.Zero, nil
	}
	avgCost := b.avcoCost.Div(b.avcoQty)
	costBasis := qty.Mul(avgCost)

	// Slices for reporting still walk the dated lots oldest-first.
	var used []LotSlice
	remaining := qty
	for i := 0; i < len(b.lots) && remaining.IsPositive(); {
		lot := &b.lots[i]
		take := lot.Quantity
		if take.GreaterThan(remaining) {
			take = remaining
		}
		used = append(used, LotSlice{
			TraceID:     lot.TraceID,
			Quantity:    take,
			CostPerUnit: avgCost,
			AcquiredAt:  lot.AcquiredAt,
		})
		lot.Quantity = lot.Quantity.Sub(take)
		remaining = remaining.Sub(take)
		if lot.Quantity.LessThan(dustThreshold) {
			b.lots = append(b.lots[:i], b.lots[i+1:]...)
		} else {
			i++
		}
	}

	b.avcoQty = b.avcoQty.Sub(qty)
	b.avcoCost = b.avcoCost.Sub(costBasis)
	if b.avcoQty.LessThan(dustThreshold) {
		b.avcoQty = decimal.Zero
		b.avcoCost = decimal.Zero
		b.lots = nil
	}
	return costBasis, used
}

type bookKey struct {
	token string
	chain string
}

// CalculateUserPnL replays the user's full ledger under the engine's method.
func (e *Engine) CalculateUserPnL(ctx context.Context, userID int64) (*Report, error) {
	return e.calculate(ctx, userID, "", "")
}

// CalculateTokenPnL replays only one token's rows.
func (e *Engine) CalculateTokenPnL(ctx context.Context, userID int64, tokenAddress, chain string) (*Report, error) {
	return e.calculate(ctx, userID, tokenAddress, chain)
}

func (e *Engine) calculate(ctx context.Context, userID int64, tokenAddress, chain string) (*Report, error) {
	entries, err := e.store.ListEntries(storage.EntryFilter{
		UserID:       userID,
		TokenAddress: tokenAddress,
		Chain:        chain,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	report := &Report{
		UserID:          userID,
		Method:          e.method,
		TotalRealized:   decimal.Zero,
		TotalUnrealized: decimal.Zero,
	}

	books := make(map[bookKey]*lotBook)
	symbols := make(map[bookKey]string)

	// Entries arrive ordered by time then row id, which fixes every
	// tie-break deterministically.
	for _, entry := range entries {
		key := bookKey{entry.TokenAddress, entry.Chain}
		if entry.TokenSymbol != "" {
			symbols[key] = entry.TokenSymbol
		}

		switch entry.EntryType {
		case storage.EntryTypeBuy, storage.EntryTypeIncome:
			qty := entry.OutputAmount
			if !qty.IsPositive() {
				continue
			}
			book, ok := books[key]
			if !ok {
				book = newLotBook(e.method)
				books[key] = book
			}
			cost := entry.AmountBase.Abs()
			book.add(Lot{
				TraceID:     entry.TraceID,
				Quantity:    qty,
				CostPerUnit: cost.Div(qty),
				AcquiredAt:  entry.CreatedAt,
			})

		case storage.EntryTypeSell:
			qty := entry.InputAmount
			if !qty.IsPositive() {
				continue
			}
			book, ok := books[key]
			available := decimal.Zero
			if ok {
				available = book.quantity()
			}
			if available.LessThan(qty) {
				report.NegativeBalances = append(report.NegativeBalances, NegativeBalanceEvent{
					TraceID:      entry.TraceID,
					TokenAddress: entry.TokenAddress,
					Chain:        entry.Chain,
					Requested:    qty,
					Available:    available,
					At:           entry.CreatedAt,
				})
				continue
			}

			proceeds := entry.AmountBase.Abs()
			costBasis, used := book.consume(qty)
			realized := proceeds.Sub(costBasis)

			calc := Calculation{
				TradeDate:     entry.CreatedAt,
				TraceID:       entry.TraceID,
				TokenAddress:  entry.TokenAddress,
				TokenSymbol:   symbols[key],
				Chain:         entry.Chain,
				Quantity:      qty,
				PricePerUnit:  proceeds.Div(qty),
				CostBasis:     costBasis,
				GrossProceeds: proceeds,
				RealizedPnL:   realized,
				Method:        e.method,
				LotsUsed:      used,
			}
			if len(used) > 0 {
				oldest := used[0].AcquiredAt
				for _, s := range used[1:] {
					if s.AcquiredAt.Before(oldest) {
						oldest = s.AcquiredAt
					}
				}
				calc.OldestLotAcquiredAt = oldest
			}

			report.Calculations = append(report.Calculations, calc)
			report.TotalRealized = report.TotalRealized.Add(realized)
		}
	}

	// Token summaries in deterministic key order.
	keys := make([]bookKey, 0, len(books))
	for k := range books {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].chain != keys[j].chain {
			return keys[i].chain < keys[j].chain
		}
		return keys[i].token < keys[j].token
	})

	for _, key := range keys {
		book := books[key]
		summary := TokenSummary{
			TokenAddress: key.token,
			TokenSymbol:  symbols[key],
			Chain:        key.chain,
			Realized:     decimal.Zero,
			Unrealized:   decimal.Zero,
			Quantity:     book.quantity(),
			CostBasis:    book.totalCost(),
		}
		for _, calc := range report.Calculations {
			if calc.TokenAddress == key.token && calc.Chain == key.chain {
				summary.Realized = summary.Realized.Add(calc.RealizedPnL)
			}
		}
		summary.RemainingLots = append(summary.RemainingLots, book.lots...)

		if summary.Quantity.IsPositive() {
			summary.Unrealized, summary.PriceMissing = e.unrealized(ctx, key, summary.Quantity, summary.CostBasis)
		}
		summary.Total = summary.Realized.Add(summary.Unrealized)

		report.Tokens = append(report.Tokens, summary)
		report.TotalUnrealized = report.TotalUnrealized.Add(summary.Unrealized)
	}

	return report, nil
}

// unrealized marks remaining inventory to the last price. Without a mark
// price it falls back to average cost, i.e. zero unrealized, and flags it.
func (e *Engine) unrealized(ctx context.Context, key bookKey, qty, costBasis decimal.Decimal) (decimal.Decimal, bool) {
	if e.feed == nil {
		return decimal.Zero, true
	}
	quote, err := e.feed.GetPrice(ctx, key.token, key.chain)
	if err != nil {
		e.log.Debug("No mark price, unrealized falls back to cost", "token", key.token, "chain", key.chain)
		return decimal.Zero, true
	}
	return qty.Mul(quote.Price).Sub(costBasis), false
}

// TimelineBucket is one aggregation bucket of realized PnL.
type TimelineBucket struct {
	Start    time.Time
	Realized decimal.Decimal
	Trades   int
}

// Timeline buckets realized PnL by day, week, or month.
func (e *Engine) Timeline(ctx context.Context, userID int64, bucket string) ([]TimelineBucket, error) {
	report, err := e.CalculateUserPnL(ctx, userID)
	if err != nil {
		return nil, err
	}

	truncate := func(t time.Time) time.Time {
		t = t.UTC()
		switch bucket {
		case "week":
			// ISO-style week starting Monday.
			weekday := (int(t.Weekday()) + 6) % 7
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return day.AddDate(0, 0, -weekday)
		case "month":
			return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		default:
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}
	}

	byStart := make(map[time.Time]*TimelineBucket)
	for _, calc := range report.Calculations {
		start := truncate(calc.TradeDate)
		b, ok := byStart[start]
		if !ok {
			b = &TimelineBucket{Start: start, Realized: decimal.Zero}
			byStart[start] = b
		}
		b.Realized = b.Realized.Add(calc.RealizedPnL)
		b.Trades++
	}

	buckets := make([]TimelineBucket, 0, len(byStart))
	for _, b := range byStart {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start.Before(buckets[j].Start) })
	return buckets, nil
}

// RebuildPositions replays the ledger and rewrites the user's position cache.
func (e *Engine) RebuildPositions(ctx context.Context, userID int64) error {
	report, err := e.CalculateUserPnL(ctx, userID)
	if err != nil {
		return err
	}

	if err := e.store.DeletePositions(userID); err != nil {
		return err
	}

	for _, token := range report.Tokens {
		pos := &storage.Position{
			UserID:            userID,
			TokenAddress:      token.TokenAddress,
			TokenSymbol:       token.TokenSymbol,
			Chain:             token.Chain,
			PositionType:      storage.PositionTypeLong,
			Quantity:          token.Quantity,
			TotalCostBase:     token.CostBasis,
			RealizedPnLBase:   token.Realized,
			UnrealizedPnLBase: token.Unrealized,
			AverageEntryPrice: decimal.Zero,
			IsOpen:            token.Quantity.IsPositive(),
			OpenedAt:          time.Now(),
		}
		if len(token.RemainingLots) > 0 {
			pos.OpenedAt = token.RemainingLots[0].AcquiredAt
		}
		if token.Quantity.IsPositive() {
			pos.AverageEntryPrice = token.CostBasis.Div(token.Quantity)
		} else {
			now := time.Now()
			pos.ClosedAt = &now
		}
		if err := e.store.UpsertPosition(pos); err != nil {
			return err
		}
	}
	return nil
}
