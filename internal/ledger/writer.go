// Package ledger owns the append-only trade ledger: the writer that commits
// logical actions atomically and the integrity checker that audits them.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/storage"
	"github.com/ledgerworks/dexjournal/internal/system"
	"github.com/ledgerworks/dexjournal/pkg/logging"
	"github.com/ledgerworks/dexjournal/pkg/trace"
)

// Writer errors
var (
	ErrLedgerWriteFailed = errors.New("ledger write failed")
	ErrInvalidInput      = errors.New("invalid ledger input")
	ErrTokenBlacklisted  = errors.New("token is blacklisted")
	ErrDuplicateTrace    = errors.New("trace id already used by another action")
)

// clockSkewTolerance bounds how far in the future an entry timestamp may be.
const clockSkewTolerance = 5 * time.Second

// Writer appends trade, approval, and income entries. One logical action is
// one transaction; sibling rows share a trace id.
type Writer struct {
	store *storage.Storage
	gate  *system.Controller
	log   *logging.Logger
	now   func() time.Time
}

// NewWriter creates a ledger writer.
func NewWriter(store *storage.Storage, gate *system.Controller, log *logging.Logger) *Writer {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Writer{
		store: store,
		gate:  gate,
		log:   log.Component("ledger"),
		now:   time.Now,
	}
}

// SetClock overrides the writer's clock. Tests only.
func (w *Writer) SetClock(now func() time.Time) {
	w.now = now
}

// TradeInput describes one trade to record.
type TradeInput struct {
	UserID        int64
	TraceID       string // generated when empty
	TxHash        string
	BlockNumber   int64
	TradeType     storage.EntryType // buy or sell
	Chain         string
	WalletAddress string
	TokenAddress  string
	TokenSymbol   string

	AmountTokens decimal.Decimal // token quantity
	AmountNative decimal.Decimal // chain-native value
	AmountBase   decimal.Decimal // base-currency value, positive
	FxRate       decimal.Decimal // native -> base

	RealizedPnLBase *decimal.Decimal // sells only, computed by the PnL engine

	GasNative decimal.Decimal // optional, zero for none
	GasBase   decimal.Decimal

	DEX             string
	PairAddress     string
	SlippagePercent decimal.Decimal
	Notes           string
	Metadata        map[string]string // type-specific extras, e.g. order_id
	CreatedAt       time.Time         // defaults to now
}

// ValidateTrade runs every pre-transaction guard a trade write must pass:
// emergency stop, blacklist, trace id shape, timestamp skew, and amount
// invariants. It fills in a generated trace id and timestamp when absent;
// trace uniqueness is enforced later, inside the write transaction.
func (w *Writer) ValidateTrade(in *TradeInput) error {
	if in.TradeType != storage.EntryTypeBuy && in.TradeType != storage.EntryTypeSell {
		return fmt.Errorf("%w: trade type must be buy or sell, got %q", ErrInvalidInput, in.TradeType)
	}
	if err := w.checkCommon(in.UserID, in.Chain, in.WalletAddress, in.TokenAddress, &in.TraceID, &in.CreatedAt); err != nil {
		return err
	}
	if !in.AmountTokens.IsPositive() || !in.AmountBase.IsPositive() || !in.AmountNative.IsPositive() {
		return fmt.Errorf("%w: amounts must be positive", ErrInvalidInput)
	}
	if !in.FxRate.IsPositive() {
		return fmt.Errorf("%w: fx rate must be positive", ErrInvalidInput)
	}
	if in.GasNative.IsNegative() || in.GasBase.IsNegative() {
		return fmt.Errorf("%w: gas amounts must not be negative", ErrInvalidInput)
	}
	if in.TradeType == storage.EntryTypeSell && in.RealizedPnLBase != nil {
		// I2 reconciliation of cost basis, realized pnl and gross proceeds.
		// The input carries no cost basis: cost is derived from the proceeds
		// and the supplied pnl, so this comparison cannot fail and a supplied
		// realized pnl is accepted as given.
		cost := in.AmountBase.Sub(*in.RealizedPnLBase)
		if cost.Add(*in.RealizedPnLBase).Sub(in.AmountBase).Abs().GreaterThan(decimal.New(1, -2)) {
			return fmt.Errorf("%w: realized pnl does not reconcile", ErrInvalidInput)
		}
	}
	return nil
}

// BuildTradeEntries renders a validated input as its ledger rows: the trade
// entry and, when gas was paid, the sibling gas-fee entry.
func BuildTradeEntries(in *TradeInput) (*storage.LedgerEntry, *storage.LedgerEntry) {
	signedBase := in.AmountBase
	signedNative := in.AmountNative
	if in.TradeType == storage.EntryTypeSell {
		signedBase = signedBase.Neg()
		signedNative = signedNative.Neg()
	}

	entry := &storage.LedgerEntry{
		TraceID:         in.TraceID,
		UserID:          in.UserID,
		WalletAddress:   in.WalletAddress,
		Chain:           in.Chain,
		DEX:             in.DEX,
		EntryType:       in.TradeType,
		FxRateToBase:    in.FxRate,
		AmountBase:      signedBase,
		AmountNative:    signedNative,
		RealizedPnLBase: in.RealizedPnLBase,
		TokenSymbol:     in.TokenSymbol,
		TokenAddress:    in.TokenAddress,
		PairAddress:     in.PairAddress,
		SlippagePercent: in.SlippagePercent,
		Metadata:        encodeMetadata(in.Metadata),
		Notes:           in.Notes,
		TxHash:          in.TxHash,
		BlockNumber:     in.BlockNumber,
		Status:          storage.EntryStatusConfirmed,
		CreatedAt:       in.CreatedAt,
	}
	// Buys consume native and produce tokens; sells the reverse.
	if in.TradeType == storage.EntryTypeBuy {
		entry.OutputToken = in.TokenAddress
		entry.OutputAmount = in.AmountTokens
		entry.InputAmount = in.AmountNative
	} else {
		entry.InputToken = in.TokenAddress
		entry.InputAmount = in.AmountTokens
		entry.OutputAmount = in.AmountNative
	}

	var gas *storage.LedgerEntry
	if in.GasBase.IsPositive() {
		gas = &storage.LedgerEntry{
			TraceID:       in.TraceID,
			UserID:        in.UserID,
			WalletAddress: in.WalletAddress,
			Chain:         in.Chain,
			DEX:           in.DEX,
			EntryType:     storage.EntryTypeGasFee,
			FxRateToBase:  in.FxRate,
			AmountBase:    in.GasBase.Neg(),
			AmountNative:  in.GasNative.Neg(),
			TokenSymbol:   in.TokenSymbol,
			TokenAddress:  in.TokenAddress,
			TxHash:        in.TxHash,
			BlockNumber:   in.BlockNumber,
			Status:        storage.EntryStatusConfirmed,
			CreatedAt:     in.CreatedAt,
		}
	}
	return entry, gas
}

// InsertTradeTx commits a validated trade's rows inside an existing
// transaction. Callers that bundle more work into the same transaction (the
// trigger monitor's fill path) use this directly. The trace-id uniqueness
// check runs here, under the same transaction as the insert, so concurrent
// writes with the same trace id cannot both slip past it (I1).
func InsertTradeTx(tx *sql.Tx, in *TradeInput) (*storage.LedgerEntry, error) {
	if err := checkTraceUnusedTx(tx, in.TraceID); err != nil {
		return nil, err
	}
	entry, gas := BuildTradeEntries(in)
	if err := storage.InsertEntryTx(tx, entry); err != nil {
		return nil, err
	}
	if gas != nil {
		if err := storage.InsertEntryTx(tx, gas); err != nil {
			return nil, err
		}
	}
	if in.TxHash != "" {
		if err := storage.UpsertTransactionTx(tx, &storage.Transaction{
			TxHash:      in.TxHash,
			Chain:       in.Chain,
			BlockNumber: in.BlockNumber,
			Status:      storage.TxStatusConfirmed,
			GasUsed:     in.GasNative,
			CreatedAt:   in.CreatedAt,
		}); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// WriteTrade appends a trade entry and, when gas was paid, a sibling gas-fee
// entry, in one transaction. Buys store positive amount_base, sells negative,
// gas fees always negative. The whole call is rejected if ValidateTrade
// fails (non-positive amounts or fx rate, negative gas, bad trace id,
// future timestamp, blacklisted token, emergency stop) or the trace id is
// already in use. Sells are not checked against held inventory, and a
// supplied realized pnl is not checked against a cost basis.
func (w *Writer) WriteTrade(in *TradeInput) (*storage.LedgerEntry, error) {
	if err := w.ValidateTrade(in); err != nil {
		return nil, err
	}

	var entry *storage.LedgerEntry
	err := w.store.WithTx(func(tx *sql.Tx) error {
		var err error
		entry, err = InsertTradeTx(tx, in)
		return err
	})
	if err != nil {
		return nil, wrapWriteError(err)
	}

	w.log.WithTrace(in.TraceID).Info("Trade recorded",
		"type", in.TradeType, "token", in.TokenSymbol, "amount_base", in.AmountBase)
	return entry, nil
}

// ApprovalInput describes one allowance grant to record.
type ApprovalInput struct {
	UserID        int64
	TraceID       string
	TxHash        string
	Chain         string
	WalletAddress string
	TokenAddress  string
	TokenSymbol   string
	Spender       string
	Amount        decimal.Decimal // approved amount; zero for revocations
	GasNative     decimal.Decimal
	GasBase       decimal.Decimal
	FxRate        decimal.Decimal
	CreatedAt     time.Time
}

// WriteApproval appends an approval entry with its gas cost.
func (w *Writer) WriteApproval(in *ApprovalInput) (*storage.LedgerEntry, error) {
	if err := w.checkCommon(in.UserID, in.Chain, in.WalletAddress, in.TokenAddress, &in.TraceID, &in.CreatedAt); err != nil {
		return nil, err
	}
	if !in.FxRate.IsPositive() {
		return nil, fmt.Errorf("%w: fx rate must be positive", ErrInvalidInput)
	}
	if in.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: approval amount must not be negative", ErrInvalidInput)
	}

	entry := &storage.LedgerEntry{
		TraceID:       in.TraceID,
		UserID:        in.UserID,
		WalletAddress: in.WalletAddress,
		Chain:         in.Chain,
		EntryType:     storage.EntryTypeApprove,
		InputAmount:   in.Amount,
		FxRateToBase:  in.FxRate,
		AmountBase:    in.GasBase.Neg(),
		AmountNative:  in.GasNative.Neg(),
		TokenSymbol:   in.TokenSymbol,
		TokenAddress:  in.TokenAddress,
		Metadata:      encodeMetadata(map[string]string{"spender": in.Spender}),
		TxHash:        in.TxHash,
		Status:        storage.EntryStatusConfirmed,
		CreatedAt:     in.CreatedAt,
	}

	err := w.store.WithTx(func(tx *sql.Tx) error {
		if err := checkTraceUnusedTx(tx, in.TraceID); err != nil {
			return err
		}
		if err := storage.InsertEntryTx(tx, entry); err != nil {
			return err
		}
		if in.TxHash != "" {
			return storage.UpsertTransactionTx(tx, &storage.Transaction{
				TxHash:    in.TxHash,
				Chain:     in.Chain,
				Status:    storage.TxStatusConfirmed,
				GasUsed:   in.GasNative,
				CreatedAt: in.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, wrapWriteError(err)
	}

	w.log.WithTrace(in.TraceID).Info("Approval recorded", "token", in.TokenSymbol, "spender", in.Spender)
	return entry, nil
}

// IncomeInput describes an income entry (staking reward, airdrop).
type IncomeInput struct {
	UserID        int64
	TraceID       string
	TxHash        string
	Chain         string
	WalletAddress string
	TokenAddress  string
	TokenSymbol   string
	AmountTokens  decimal.Decimal
	AmountBase    decimal.Decimal
	FxRate        decimal.Decimal
	ActivityType  string // staking, airdrop, mining, fork
	Notes         string
	CreatedAt     time.Time
}

// WriteIncome appends an income entry.
func (w *Writer) WriteIncome(in *IncomeInput) (*storage.LedgerEntry, error) {
	if err := w.checkCommon(in.UserID, in.Chain, in.WalletAddress, in.TokenAddress, &in.TraceID, &in.CreatedAt); err != nil {
		return nil, err
	}
	if !in.AmountTokens.IsPositive() || !in.AmountBase.IsPositive() {
		return nil, fmt.Errorf("%w: amounts must be positive", ErrInvalidInput)
	}
	if !in.FxRate.IsPositive() {
		return nil, fmt.Errorf("%w: fx rate must be positive", ErrInvalidInput)
	}

	entry := &storage.LedgerEntry{
		TraceID:       in.TraceID,
		UserID:        in.UserID,
		WalletAddress: in.WalletAddress,
		Chain:         in.Chain,
		EntryType:     storage.EntryTypeIncome,
		OutputToken:   in.TokenAddress,
		OutputAmount:  in.AmountTokens,
		FxRateToBase:  in.FxRate,
		AmountBase:    in.AmountBase,
		AmountNative:  in.AmountBase.Div(in.FxRate),
		TokenSymbol:   in.TokenSymbol,
		TokenAddress:  in.TokenAddress,
		ActivityType:  in.ActivityType,
		Notes:         in.Notes,
		TxHash:        in.TxHash,
		Status:        storage.EntryStatusConfirmed,
		CreatedAt:     in.CreatedAt,
	}

	err := w.store.WithTx(func(tx *sql.Tx) error {
		if err := checkTraceUnusedTx(tx, in.TraceID); err != nil {
			return err
		}
		return storage.InsertEntryTx(tx, entry)
	})
	if err != nil {
		return nil, wrapWriteError(err)
	}
	return entry, nil
}

// ListEntries returns ledger entries matching the filter.
func (w *Writer) ListEntries(filter storage.EntryFilter) ([]*storage.LedgerEntry, error) {
	return w.store.ListEntries(filter)
}

// checkCommon enforces the guards shared by every write: emergency stop,
// blacklist, trace id shape (generating one when absent), and timestamp
// sanity. Trace id uniqueness is checked by checkTraceUnusedTx.
func (w *Writer) checkCommon(userID int64, chain, wallet, token string, traceID *string, createdAt *time.Time) error {
	if w.gate != nil {
		stopped, err := w.gate.EmergencyActive()
		if err != nil {
			return err
		}
		if stopped {
			return system.ErrEmergencyActive
		}
	}

	if userID <= 0 {
		return fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	if chain == "" || wallet == "" {
		return fmt.Errorf("%w: chain and wallet required", ErrInvalidInput)
	}

	if token != "" {
		blacklisted, err := w.store.IsTokenBlacklisted(token, chain)
		if err != nil {
			return err
		}
		if blacklisted {
			return ErrTokenBlacklisted
		}
	}

	if *traceID == "" {
		*traceID = trace.NewID()
	} else if err := trace.Validate(*traceID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if createdAt.IsZero() {
		*createdAt = w.now()
	}
	if createdAt.After(w.now().Add(clockSkewTolerance)) {
		return fmt.Errorf("%w: created_at is in the future", ErrInvalidInput)
	}
	return nil
}

// checkTraceUnusedTx enforces I1 inside the write transaction: the trace id
// must not already belong to another logical action. Sibling rows of the
// current action are inserted after this check, within the same transaction.
func checkTraceUnusedTx(tx *sql.Tx, traceID string) error {
	count, err := storage.TraceIDCountTx(tx, traceID)
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateTrace
	}
	return nil
}

// wrapWriteError keeps caller-meaningful failures addressable with errors.Is
// while folding storage faults under ErrLedgerWriteFailed.
func wrapWriteError(err error) error {
	if errors.Is(err, ErrDuplicateTrace) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
}

func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

// DecodeMetadata parses an entry's metadata blob.
func DecodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
