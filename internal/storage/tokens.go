// Package storage - Token metadata and blacklist storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Token errors
var (
	ErrTokenNotFound = errors.New("token metadata not found")
)

// TokenMetadata is the cached metadata for a token on a chain.
type TokenMetadata struct {
	TokenAddress  string
	Chain         string
	Symbol        string
	Name          string
	Decimals      int32
	IsVerified    bool
	IsBlacklisted bool
	RiskScore     decimal.Decimal
	BuyTax        decimal.Decimal
	SellTax       decimal.Decimal
	FirstSeenAt   time.Time
	RefreshedAt   *time.Time
}

// UpsertTokenMetadata creates or refreshes a token metadata row. Created on
// first observation, refreshed by explicit request, never destroyed.
func (s *Storage) UpsertTokenMetadata(t *TokenMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO token_metadata (
			token_address, chain, symbol, name, decimals, is_verified, is_blacklisted,
			risk_score, buy_tax, sell_tax, first_seen_at, refreshed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(token_address, chain) DO UPDATE SET
			symbol = excluded.symbol,
			name = excluded.name,
			decimals = excluded.decimals,
			is_verified = excluded.is_verified,
			is_blacklisted = excluded.is_blacklisted,
			risk_score = excluded.risk_score,
			buy_tax = excluded.buy_tax,
			sell_tax = excluded.sell_tax,
			refreshed_at = ?
	`,
		t.TokenAddress, t.Chain, t.Symbol, t.Name, t.Decimals,
		boolToInt(t.IsVerified), boolToInt(t.IsBlacklisted),
		t.RiskScore.String(), t.BuyTax.String(), t.SellTax.String(),
		t.FirstSeenAt.UnixMilli(), now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert token metadata: %w", err)
	}
	return nil
}

// GetTokenMetadata retrieves metadata for a token.
func (s *Storage) GetTokenMetadata(tokenAddress, chain string) (*TokenMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t TokenMetadata
	var symbol, name, riskScore, buyTax, sellTax sql.NullString
	var isVerified, isBlacklisted int
	var firstSeenAt int64
	var refreshedAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT token_address, chain, symbol, name, decimals, is_verified, is_blacklisted,
			risk_score, buy_tax, sell_tax, first_seen_at, refreshed_at
		FROM token_metadata WHERE token_address = ? AND chain = ?
	`, tokenAddress, chain).Scan(
		&t.TokenAddress, &t.Chain, &symbol, &name, &t.Decimals, &isVerified, &isBlacklisted,
		&riskScore, &buyTax, &sellTax, &firstSeenAt, &refreshedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token metadata: %w", err)
	}

	t.Symbol = symbol.String
	t.Name = name.String
	t.IsVerified = isVerified != 0
	t.IsBlacklisted = isBlacklisted != 0
	t.RiskScore = parseDec(riskScore)
	t.BuyTax = parseDec(buyTax)
	t.SellTax = parseDec(sellTax)
	t.FirstSeenAt = time.UnixMilli(firstSeenAt)
	if refreshedAt.Valid {
		r := time.UnixMilli(refreshedAt.Int64)
		t.RefreshedAt = &r
	}
	return &t, nil
}

// BlacklistToken adds a token to the blacklist.
func (s *Storage) BlacklistToken(tokenAddress, chain, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO blacklisted_tokens (token_address, chain, reason, added_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token_address, chain) DO UPDATE SET reason = excluded.reason
	`, tokenAddress, chain, reason, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// IsTokenBlacklisted reports whether a token is blacklisted. Consulted before
// any write that targets the token.
func (s *Storage) IsTokenBlacklisted(tokenAddress, chain string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM blacklisted_tokens WHERE token_address = ? AND chain = ?",
		tokenAddress, chain,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return true, nil
}

// RemoveFromBlacklist removes a token from the blacklist.
func (s *Storage) RemoveFromBlacklist(tokenAddress, chain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"DELETE FROM blacklisted_tokens WHERE token_address = ? AND chain = ?",
		tokenAddress, chain,
	)
	if err != nil {
		return fmt.Errorf("failed to remove from blacklist: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
