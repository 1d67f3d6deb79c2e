// Package storage - User and wallet storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User and wallet errors
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrWalletNotFound = errors.New("wallet not found")
	ErrWalletExists   = errors.New("wallet already exists for this address and chain")
)

// User represents a journal user.
type User struct {
	ID           int64
	Name         string
	BaseCurrency string
	CreatedAt    time.Time
}

// Wallet represents a tracked wallet. A wallet with a keystore path is a hot
// wallet; one without is watch-only.
type Wallet struct {
	ID           int64
	UserID       int64
	Address      string
	Chain        string
	Label        string
	KeystorePath string
	CreatedAt    time.Time
}

// CreateUser creates a new user.
func (s *Storage) CreateUser(user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO users (name, base_currency, created_at) VALUES (?, ?, ?)
	`, user.Name, user.BaseCurrency, user.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.ID, _ = res.LastInsertId()
	return nil
}

// GetUser retrieves a user by ID.
func (s *Storage) GetUser(id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var user User
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT id, name, base_currency, created_at FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Name, &user.BaseCurrency, &createdAt)

	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.CreatedAt = time.UnixMilli(createdAt)
	return &user, nil
}

// ListUsers returns all users ordered by id.
func (s *Storage) ListUsers() ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id, name, base_currency, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var user User
		var createdAt int64
		if err := rows.Scan(&user.ID, &user.Name, &user.BaseCurrency, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		user.CreatedAt = time.UnixMilli(createdAt)
		users = append(users, &user)
	}
	return users, rows.Err()
}

// UserExists reports whether a user id exists.
func (s *Storage) UserExists(id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow("SELECT 1 FROM users WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return true, nil
}

// CreateWallet creates a new wallet row.
func (s *Storage) CreateWallet(w *Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keystorePath *string
	if w.KeystorePath != "" {
		keystorePath = &w.KeystorePath
	}

	res, err := s.db.Exec(`
		INSERT INTO wallets (user_id, address, chain, label, keystore_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, w.UserID, w.Address, w.Chain, w.Label, keystorePath, w.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrWalletExists
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}

	w.ID, _ = res.LastInsertId()
	return nil
}

// GetWallet retrieves a wallet by address and chain.
func (s *Storage) GetWallet(address, chain string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var w Wallet
	var label, keystorePath sql.NullString
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT id, user_id, address, chain, label, keystore_path, created_at
		FROM wallets WHERE address = ? AND chain = ?
	`, address, chain).Scan(&w.ID, &w.UserID, &w.Address, &w.Chain, &label, &keystorePath, &createdAt)

	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}

	if label.Valid {
		w.Label = label.String
	}
	if keystorePath.Valid {
		w.KeystorePath = keystorePath.String
	}
	w.CreatedAt = time.UnixMilli(createdAt)
	return &w, nil
}

// ListWalletsByUser returns all wallets owned by a user.
func (s *Storage) ListWalletsByUser(userID int64) ([]*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, address, chain, label, keystore_path, created_at
		FROM wallets WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*Wallet
	for rows.Next() {
		var w Wallet
		var label, keystorePath sql.NullString
		var createdAt int64
		if err := rows.Scan(&w.ID, &w.UserID, &w.Address, &w.Chain, &label, &keystorePath, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		if label.Valid {
			w.Label = label.String
		}
		if keystorePath.Valid {
			w.KeystorePath = keystorePath.String
		}
		w.CreatedAt = time.UnixMilli(createdAt)
		wallets = append(wallets, &w)
	}
	return wallets, rows.Err()
}

// SetWalletKeystorePath updates the keystore path for a wallet.
func (s *Storage) SetWalletKeystorePath(address, chain, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE wallets SET keystore_path = ? WHERE address = ? AND chain = ?
	`, path, address, chain)
	if err != nil {
		return fmt.Errorf("failed to update wallet keystore path: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}
