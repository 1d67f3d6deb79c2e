// Package storage - Tracked spending allowance storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Approval errors
var (
	ErrApprovalNotFound = errors.New("approval not found")
)

// Approval tracks one on-chain spending allowance.
type Approval struct {
	ID            int64
	Chain         string
	WalletAddress string
	TokenAddress  string
	Spender       string
	Amount        decimal.Decimal
	GrantedAt     time.Time
	Duration      time.Duration
	LastUsedAt    *time.Time
}

// ExpiresAt returns when the approval lapses.
func (a *Approval) ExpiresAt() time.Time {
	return a.GrantedAt.Add(a.Duration)
}

// UpsertApproval records or refreshes a tracked approval.
func (s *Storage) UpsertApproval(a *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO approvals (chain, wallet_address, token_address, spender, amount, granted_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain, wallet_address, token_address, spender) DO UPDATE SET
			amount = excluded.amount,
			granted_at = excluded.granted_at,
			duration_seconds = excluded.duration_seconds
	`, a.Chain, a.WalletAddress, a.TokenAddress, a.Spender,
		a.Amount.String(), a.GrantedAt.UnixMilli(), int64(a.Duration.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to upsert approval: %w", err)
	}
	return nil
}

// GetApproval retrieves a tracked approval.
func (s *Storage) GetApproval(chain, wallet, token, spender string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, chain, wallet_address, token_address, spender, amount, granted_at, duration_seconds, last_used_at
		FROM approvals WHERE chain = ? AND wallet_address = ? AND token_address = ? AND spender = ?
	`, chain, wallet, token, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	defer rows.Close()

	approvals, err := scanApprovals(rows)
	if err != nil {
		return nil, err
	}
	if len(approvals) == 0 {
		return nil, ErrApprovalNotFound
	}
	return approvals[0], nil
}

// ListApprovals returns all tracked approvals, oldest grant first.
func (s *Storage) ListApprovals() ([]*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, chain, wallet_address, token_address, spender, amount, granted_at, duration_seconds, last_used_at
		FROM approvals ORDER BY granted_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	return scanApprovals(rows)
}

// TouchApproval stamps the allowance as used.
func (s *Storage) TouchApproval(chain, wallet, token, spender string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE approvals SET last_used_at = ?
		WHERE chain = ? AND wallet_address = ? AND token_address = ? AND spender = ?
	`, at.UnixMilli(), chain, wallet, token, spender)
	if err != nil {
		return fmt.Errorf("failed to touch approval: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrApprovalNotFound
	}
	return nil
}

// DeleteApproval removes a tracked approval.
func (s *Storage) DeleteApproval(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM approvals WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete approval: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrApprovalNotFound
	}
	return nil
}

func scanApprovals(rows *sql.Rows) ([]*Approval, error) {
	var approvals []*Approval
	for rows.Next() {
		var a Approval
		var amount string
		var grantedAt, durationSeconds int64
		var lastUsed sql.NullInt64

		err := rows.Scan(&a.ID, &a.Chain, &a.WalletAddress, &a.TokenAddress, &a.Spender,
			&amount, &grantedAt, &durationSeconds, &lastUsed)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}

		a.Amount, _ = decimal.NewFromString(amount)
		a.GrantedAt = time.UnixMilli(grantedAt)
		a.Duration = time.Duration(durationSeconds) * time.Second
		if lastUsed.Valid {
			l := time.UnixMilli(lastUsed.Int64)
			a.LastUsedAt = &l
		}

		approvals = append(approvals, &a)
	}
	return approvals, rows.Err()
}
