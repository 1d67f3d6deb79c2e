// Package storage - Position storage operations. Positions are a rebuildable
// projection of the ledger; the rows here are a cache.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Position errors
var (
	ErrPositionNotFound = errors.New("position not found")
)

// PositionType is the direction of a position. The core is long-only; the
// type field exists for forward compatibility of the schema.
type PositionType string

const (
	PositionTypeLong  PositionType = "long"
	PositionTypeShort PositionType = "short"
)

// Position is the open lot set per (user, token, chain).
type Position struct {
	ID           int64
	UserID       int64
	TokenAddress string
	TokenSymbol  string
	Chain        string
	PositionType PositionType

	Quantity          decimal.Decimal
	AverageEntryPrice decimal.Decimal
	TotalCostBase     decimal.Decimal
	RealizedPnLBase   decimal.Decimal
	UnrealizedPnLBase decimal.Decimal

	IsOpen    bool
	OpenedAt  time.Time
	ClosedAt  *time.Time
	UpdatedAt *time.Time
}

const positionColumns = `id, user_id, token_address, token_symbol, chain, position_type,
	quantity, average_entry_price, total_cost_base, realized_pnl_base, unrealized_pnl_base,
	is_open, opened_at, closed_at, updated_at`

// GetPosition retrieves the position for (user, token, chain).
func (s *Storage) GetPosition(userID int64, tokenAddress, chain string) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT "+positionColumns+" FROM positions WHERE user_id = ? AND token_address = ? AND chain = ?",
		userID, tokenAddress, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, ErrPositionNotFound
	}
	return positions[0], nil
}

// ListPositions returns all positions for a user; openOnly restricts to open ones.
func (s *Storage) ListPositions(userID int64, openOnly bool) ([]*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + positionColumns + " FROM positions WHERE user_id = ?"
	if openOnly {
		query += " AND is_open = 1"
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// UpsertPositionTx creates or replaces the position row inside an existing
// transaction, so fills update the position atomically with the ledger write.
func UpsertPositionTx(tx *sql.Tx, p *Position) error {
	var closedAt *int64
	if p.ClosedAt != nil {
		c := p.ClosedAt.UnixMilli()
		closedAt = &c
	}

	_, err := tx.Exec(`
		INSERT INTO positions (
			user_id, token_address, token_symbol, chain, position_type,
			quantity, average_entry_price, total_cost_base, realized_pnl_base, unrealized_pnl_base,
			is_open, opened_at, closed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, token_address, chain) DO UPDATE SET
			token_symbol = excluded.token_symbol,
			position_type = excluded.position_type,
			quantity = excluded.quantity,
			average_entry_price = excluded.average_entry_price,
			total_cost_base = excluded.total_cost_base,
			realized_pnl_base = excluded.realized_pnl_base,
			unrealized_pnl_base = excluded.unrealized_pnl_base,
			is_open = excluded.is_open,
			closed_at = excluded.closed_at,
			updated_at = excluded.updated_at
	`,
		p.UserID, p.TokenAddress, nullStr(p.TokenSymbol), p.Chain, p.PositionType,
		p.Quantity.String(), p.AverageEntryPrice.String(), p.TotalCostBase.String(),
		p.RealizedPnLBase.String(), p.UnrealizedPnLBase.String(),
		boolToInt(p.IsOpen), p.OpenedAt.UnixMilli(), closedAt, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

// UpsertPosition creates or replaces a position row.
func (s *Storage) UpsertPosition(p *Position) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return UpsertPositionTx(tx, p)
	})
}

// GetPositionTx reads the position row inside an existing transaction.
func GetPositionTx(tx *sql.Tx, userID int64, tokenAddress, chain string) (*Position, error) {
	rows, err := tx.Query(
		"SELECT "+positionColumns+" FROM positions WHERE user_id = ? AND token_address = ? AND chain = ?",
		userID, tokenAddress, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, ErrPositionNotFound
	}
	return positions[0], nil
}

// DeletePositions removes all position rows for a user. Used before a rebuild
// from the ledger.
func (s *Storage) DeletePositions(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM positions WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("failed to delete positions: %w", err)
	}
	return nil
}

func scanPositions(rows *sql.Rows) ([]*Position, error) {
	var positions []*Position
	for rows.Next() {
		var p Position
		var tokenSymbol sql.NullString
		var quantity, avgEntry, totalCost, realized, unrealized string
		var isOpen int
		var openedAt int64
		var closedAt, updatedAt sql.NullInt64

		err := rows.Scan(
			&p.ID, &p.UserID, &p.TokenAddress, &tokenSymbol, &p.Chain, &p.PositionType,
			&quantity, &avgEntry, &totalCost, &realized, &unrealized,
			&isOpen, &openedAt, &closedAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}

		p.TokenSymbol = tokenSymbol.String
		p.Quantity = parseDecStr(quantity)
		p.AverageEntryPrice = parseDecStr(avgEntry)
		p.TotalCostBase = parseDecStr(totalCost)
		p.RealizedPnLBase = parseDecStr(realized)
		p.UnrealizedPnLBase = parseDecStr(unrealized)
		p.IsOpen = isOpen != 0
		p.OpenedAt = time.UnixMilli(openedAt)
		if closedAt.Valid {
			c := time.UnixMilli(closedAt.Int64)
			p.ClosedAt = &c
		}
		if updatedAt.Valid {
			u := time.UnixMilli(updatedAt.Int64)
			p.UpdatedAt = &u
		}

		positions = append(positions, &p)
	}
	return positions, rows.Err()
}
