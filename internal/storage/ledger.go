// Package storage - Ledger entry and transaction storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger errors
var (
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryTypeBuy     EntryType = "buy"
	EntryTypeSell    EntryType = "sell"
	EntryTypeFee     EntryType = "fee"
	EntryTypeApprove EntryType = "approve"
	EntryTypeIncome  EntryType = "income"
	EntryTypeGasFee  EntryType = "gas_fee"
)

// EntryStatus tracks an entry's on-chain lifecycle.
type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusConfirmed EntryStatus = "confirmed"
	EntryStatusFailed    EntryStatus = "failed"
	EntryStatusReverted  EntryStatus = "reverted"
)

// TxStatus tracks an on-chain transaction's lifecycle.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFinalized TxStatus = "finalized"
	TxStatusFailed    TxStatus = "failed"
	TxStatusReverted  TxStatus = "reverted"
)

// LedgerEntry is one append-only row of the trade ledger. Rows sharing a
// trace id belong to the same logical action and commit in one transaction.
type LedgerEntry struct {
	ID            int64
	TraceID       string
	UserID        int64
	WalletAddress string
	Chain         string
	DEX           string
	EntryType     EntryType

	InputToken   string
	OutputToken  string
	InputAmount  decimal.Decimal
	OutputAmount decimal.Decimal

	FxRateToBase    decimal.Decimal
	AmountBase      decimal.Decimal
	AmountNative    decimal.Decimal
	RealizedPnLBase *decimal.Decimal

	TokenSymbol     string
	TokenAddress    string
	PairAddress     string
	SlippagePercent decimal.Decimal
	ActivityType    string
	Metadata        string // type-specific JSON blob
	Notes           string

	TxHash      string
	BlockNumber int64
	Status      EntryStatus
	CreatedAt   time.Time
}

// Transaction is one on-chain transaction, possibly referenced by multiple
// ledger entries (a swap and its gas fee).
type Transaction struct {
	TxHash      string
	Chain       string
	BlockNumber int64
	Status      TxStatus
	GasUsed     decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

const ledgerColumns = `id, trace_id, user_id, wallet_address, chain, dex, entry_type,
	input_token, output_token, input_amount, output_amount,
	fx_rate_to_base, amount_base, amount_native, realized_pnl_base,
	token_symbol, token_address, pair_address, slippage_percent, activity_type, metadata, notes,
	tx_hash, block_number, status, created_at`

// InsertEntryTx inserts a ledger entry inside an existing transaction. The
// ledger writer uses this to commit all sibling rows of a logical action
// atomically.
func InsertEntryTx(tx *sql.Tx, e *LedgerEntry) error {
	var realized *string
	if e.RealizedPnLBase != nil {
		s := e.RealizedPnLBase.String()
		realized = &s
	}

	res, err := tx.Exec(`
		INSERT INTO ledger_entries (
			trace_id, user_id, wallet_address, chain, dex, entry_type,
			input_token, output_token, input_amount, output_amount,
			fx_rate_to_base, amount_base, amount_native, realized_pnl_base,
			token_symbol, token_address, pair_address, slippage_percent, activity_type, metadata, notes,
			tx_hash, block_number, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.TraceID, e.UserID, e.WalletAddress, e.Chain, nullStr(e.DEX), e.EntryType,
		nullStr(e.InputToken), nullStr(e.OutputToken),
		e.InputAmount.String(), e.OutputAmount.String(),
		e.FxRateToBase.String(), e.AmountBase.String(), e.AmountNative.String(), realized,
		nullStr(e.TokenSymbol), nullStr(e.TokenAddress), nullStr(e.PairAddress),
		e.SlippagePercent.String(), nullStr(e.ActivityType), nullStr(e.Metadata), nullStr(e.Notes),
		nullStr(e.TxHash), e.BlockNumber, e.Status, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	e.ID, _ = res.LastInsertId()
	return nil
}

// UpsertTransactionTx records or refreshes the on-chain transaction row inside
// an existing store transaction.
func UpsertTransactionTx(tx *sql.Tx, t *Transaction) error {
	_, err := tx.Exec(`
		INSERT INTO transactions (tx_hash, chain, block_number, status, gas_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_hash) DO UPDATE SET
			block_number = excluded.block_number,
			status = excluded.status,
			gas_used = excluded.gas_used,
			updated_at = excluded.created_at
	`, t.TxHash, t.Chain, t.BlockNumber, t.Status, t.GasUsed.String(), t.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by hash.
func (s *Storage) GetTransaction(txHash string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t Transaction
	var blockNumber sql.NullInt64
	var gasUsed sql.NullString
	var createdAt int64
	var updatedAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT tx_hash, chain, block_number, status, gas_used, created_at, updated_at
		FROM transactions WHERE tx_hash = ?
	`, txHash).Scan(&t.TxHash, &t.Chain, &blockNumber, &t.Status, &gasUsed, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	t.BlockNumber = blockNumber.Int64
	if gasUsed.Valid {
		t.GasUsed, _ = decimal.NewFromString(gasUsed.String)
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	if updatedAt.Valid {
		u := time.UnixMilli(updatedAt.Int64)
		t.UpdatedAt = &u
	}
	return &t, nil
}

// UpdateTransactionStatus advances a transaction's lifecycle.
func (s *Storage) UpdateTransactionStatus(txHash string, status TxStatus, blockNumber int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE transactions SET status = ?, block_number = ?, updated_at = ? WHERE tx_hash = ?
	`, status, blockNumber, time.Now().UnixMilli(), txHash)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// TraceIDCount returns how many ledger rows carry the given trace id.
func (s *Storage) TraceIDCount(traceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM ledger_entries WHERE trace_id = ?", traceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trace id: %w", err)
	}
	return count, nil
}

// TraceIDCountTx is TraceIDCount inside an existing transaction. The ledger
// writer runs it in the same transaction as the insert so two concurrent
// writes carrying the same trace id cannot both pass the uniqueness check.
func TraceIDCountTx(tx *sql.Tx, traceID string) (int, error) {
	var count int
	err := tx.QueryRow("SELECT COUNT(*) FROM ledger_entries WHERE trace_id = ?", traceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trace id: %w", err)
	}
	return count, nil
}

// EntryFilter defines filters for listing ledger entries.
type EntryFilter struct {
	UserID       int64
	EntryType    EntryType
	TokenAddress string
	Chain        string
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// ListEntries returns entries matching the filter, ordered by time then id.
func (s *Storage) ListEntries(filter EntryFilter) ([]*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + ledgerColumns + " FROM ledger_entries WHERE 1=1"
	args := []interface{}{}

	if filter.UserID != 0 {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.EntryType != "" {
		query += " AND entry_type = ?"
		args = append(args, filter.EntryType)
	}
	if filter.TokenAddress != "" {
		query += " AND token_address = ?"
		args = append(args, filter.TokenAddress)
	}
	if filter.Chain != "" {
		query += " AND chain = ?"
		args = append(args, filter.Chain)
	}
	if !filter.From.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		query += " AND created_at < ?"
		args = append(args, filter.To.UnixMilli())
	}

	query += " ORDER BY created_at ASC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetEntriesByTraceID returns all sibling rows of one logical action.
func (s *Storage) GetEntriesByTraceID(traceID string) ([]*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT "+ledgerColumns+" FROM ledger_entries WHERE trace_id = ? ORDER BY id ASC", traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get entries by trace: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetEntry retrieves one entry by row id.
func (s *Storage) GetEntry(id int64) (*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+ledgerColumns+" FROM ledger_entries WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEntryNotFound
	}
	return entries[0], nil
}

// UpdateEntryRepair applies an integrity repair to a single column of an
// entry. Only the integrity checker calls this; trace ids are immutable.
func (s *Storage) UpdateEntryRepair(id int64, column string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch column {
	case "tx_hash", "created_at", "realized_pnl_base":
	default:
		return fmt.Errorf("%w: column %q is not repairable", ErrConflict, column)
	}

	res, err := s.db.Exec("UPDATE ledger_entries SET "+column+" = ? WHERE id = ?", value, id)
	if err != nil {
		return fmt.Errorf("failed to repair entry: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// scanEntries scans ledger rows into entries.
func scanEntries(rows *sql.Rows) ([]*LedgerEntry, error) {
	var entries []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var dex, inputToken, outputToken, realized sql.NullString
		var tokenSymbol, tokenAddress, pairAddress, activityType, metadata, notes, txHash sql.NullString
		var inputAmount, outputAmount, fxRate, amountBase, amountNative, slippage sql.NullString
		var blockNumber sql.NullInt64
		var createdAt int64

		err := rows.Scan(
			&e.ID, &e.TraceID, &e.UserID, &e.WalletAddress, &e.Chain, &dex, &e.EntryType,
			&inputToken, &outputToken, &inputAmount, &outputAmount,
			&fxRate, &amountBase, &amountNative, &realized,
			&tokenSymbol, &tokenAddress, &pairAddress, &slippage, &activityType, &metadata, &notes,
			&txHash, &blockNumber, &e.Status, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}

		e.DEX = dex.String
		e.InputToken = inputToken.String
		e.OutputToken = outputToken.String
		e.InputAmount = parseDec(inputAmount)
		e.OutputAmount = parseDec(outputAmount)
		e.FxRateToBase = parseDec(fxRate)
		e.AmountBase = parseDec(amountBase)
		e.AmountNative = parseDec(amountNative)
		if realized.Valid {
			d := parseDecStr(realized.String)
			e.RealizedPnLBase = &d
		}
		e.TokenSymbol = tokenSymbol.String
		e.TokenAddress = tokenAddress.String
		e.PairAddress = pairAddress.String
		e.SlippagePercent = parseDec(slippage)
		e.ActivityType = activityType.String
		e.Metadata = metadata.String
		e.Notes = notes.String
		e.TxHash = txHash.String
		e.BlockNumber = blockNumber.Int64
		e.CreatedAt = time.UnixMilli(createdAt)

		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func parseDec(ns sql.NullString) decimal.Decimal {
	if !ns.Valid {
		return decimal.Zero
	}
	return parseDecStr(ns.String)
}

func parseDecStr(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
