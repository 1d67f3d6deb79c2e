// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage errors shared across tables.
var (
	ErrNotFound         = errors.New("record not found")
	ErrConflict         = errors.New("unique key or state conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// schemaVersion is the current schema version. Migrations are forward-only.
const schemaVersion = 2

// Storage provides persistent storage for the journal.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: failed to create data directory: %v", ErrStoreUnavailable, err)
	}

	dbPath := filepath.Join(dataDir, "journal.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStoreUnavailable, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrStoreUnavailable, err)
	}

	// SQLite supports one writer; readers are served from the WAL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a single transaction, holding the writer lock.
// Either every write in fn commits or none do.
func (s *Storage) WithTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// initSchema creates all database tables and runs pending migrations.
func (s *Storage) initSchema() error {
	schema := `
	-- Schema version and migration advisory lock
	CREATE TABLE IF NOT EXISTS schema_version (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		migrated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS migration_lock (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		holder TEXT NOT NULL,
		acquired_at INTEGER NOT NULL
	);

	-- Users (one per local install; multiple supported but orthogonal)
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		base_currency TEXT NOT NULL DEFAULT 'GBP',
		created_at INTEGER NOT NULL
	);

	-- Wallets, (address, chain) unique
	CREATE TABLE IF NOT EXISTS wallets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		address TEXT NOT NULL,
		chain TEXT NOT NULL,
		label TEXT,
		keystore_path TEXT,
		created_at INTEGER NOT NULL,

		UNIQUE(address, chain),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_user ON wallets(user_id);

	-- Ledger entries: the append-only source of truth
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		wallet_address TEXT NOT NULL,
		chain TEXT NOT NULL,
		dex TEXT,
		entry_type TEXT NOT NULL,

		input_token TEXT,
		output_token TEXT,
		input_amount TEXT,
		output_amount TEXT,

		fx_rate_to_base TEXT NOT NULL,
		amount_base TEXT NOT NULL,
		amount_native TEXT NOT NULL,
		realized_pnl_base TEXT,

		token_symbol TEXT,
		token_address TEXT,
		pair_address TEXT,
		slippage_percent TEXT,
		activity_type TEXT,
		metadata TEXT,
		notes TEXT,

		tx_hash TEXT,
		block_number INTEGER,
		status TEXT NOT NULL DEFAULT 'confirmed',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_user_created ON ledger_entries(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_trace ON ledger_entries(trace_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_tx ON ledger_entries(tx_hash);
	CREATE INDEX IF NOT EXISTS idx_ledger_wallet ON ledger_entries(wallet_address, chain);
	CREATE INDEX IF NOT EXISTS idx_ledger_token ON ledger_entries(token_address, chain);

	-- On-chain transactions, one per tx hash
	CREATE TABLE IF NOT EXISTS transactions (
		tx_hash TEXT PRIMARY KEY,
		chain TEXT NOT NULL,
		block_number INTEGER,
		status TEXT NOT NULL DEFAULT 'pending',
		gas_used TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);

	-- Token metadata cache
	CREATE TABLE IF NOT EXISTS token_metadata (
		token_address TEXT NOT NULL,
		chain TEXT NOT NULL,
		symbol TEXT,
		name TEXT,
		decimals INTEGER NOT NULL DEFAULT 18,
		is_verified INTEGER NOT NULL DEFAULT 0,
		risk_score TEXT,
		buy_tax TEXT,
		sell_tax TEXT,
		first_seen_at INTEGER NOT NULL,
		refreshed_at INTEGER,

		PRIMARY KEY (token_address, chain)
	);

	-- Blacklisted tokens, consulted before any write targeting the token
	CREATE TABLE IF NOT EXISTS blacklisted_tokens (
		token_address TEXT NOT NULL,
		chain TEXT NOT NULL,
		reason TEXT,
		added_at INTEGER NOT NULL,

		PRIMARY KEY (token_address, chain)
	);

	-- Advanced orders
	CREATE TABLE IF NOT EXISTS advanced_orders (
		order_id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		wallet_address TEXT NOT NULL,
		token_address TEXT NOT NULL,
		token_symbol TEXT,
		pair_address TEXT,
		chain TEXT NOT NULL,
		dex TEXT,
		side TEXT NOT NULL,
		order_type TEXT NOT NULL,

		quantity TEXT NOT NULL,
		remaining_quantity TEXT NOT NULL,
		trigger_price TEXT,
		parameters TEXT,

		status TEXT NOT NULL DEFAULT 'pending',
		execution_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		trace_id TEXT NOT NULL,

		created_at INTEGER NOT NULL,
		updated_at INTEGER,
		triggered_at INTEGER,
		expires_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_orders_user ON advanced_orders(user_id);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON advanced_orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_token ON advanced_orders(token_address, chain);

	-- Order executions (partial or full fills)
	CREATE TABLE IF NOT EXISTS order_executions (
		execution_id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price TEXT NOT NULL,
		tx_hash TEXT,
		status TEXT NOT NULL DEFAULT 'confirmed',
		executed_at INTEGER NOT NULL,

		FOREIGN KEY (order_id) REFERENCES advanced_orders(order_id)
	);

	CREATE INDEX IF NOT EXISTS idx_executions_order ON order_executions(order_id);

	-- Positions: rebuildable projection of the ledger
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		token_address TEXT NOT NULL,
		token_symbol TEXT,
		chain TEXT NOT NULL,
		position_type TEXT NOT NULL DEFAULT 'long',

		quantity TEXT NOT NULL,
		average_entry_price TEXT NOT NULL,
		total_cost_base TEXT NOT NULL,
		realized_pnl_base TEXT NOT NULL DEFAULT '0',
		unrealized_pnl_base TEXT NOT NULL DEFAULT '0',

		is_open INTEGER NOT NULL DEFAULT 1,
		opened_at INTEGER NOT NULL,
		closed_at INTEGER,
		updated_at INTEGER,

		UNIQUE(user_id, token_address, chain)
	);

	CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id);
	CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(is_open);

	-- System state, one row per component
	CREATE TABLE IF NOT EXISTS system_states (
		state_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'starting',
		is_emergency_stopped INTEGER NOT NULL DEFAULT 0,
		configuration TEXT,
		data TEXT,
		last_error TEXT,
		error_count INTEGER NOT NULL DEFAULT 0,
		restart_count INTEGER NOT NULL DEFAULT 0,
		uptime_seconds INTEGER NOT NULL DEFAULT 0,
		state_changed_at INTEGER NOT NULL,
		last_heartbeat_at INTEGER
	);

	-- Append-only audit of state transitions and notable events
	CREATE TABLE IF NOT EXISTS system_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		component TEXT,
		severity TEXT NOT NULL DEFAULT 'info',
		message TEXT,
		data TEXT,
		trace_id TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_type ON system_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_created ON system_events(created_at);

	-- Append-only audit of emergency trips and clears
	CREATE TABLE IF NOT EXISTS emergency_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		component_filter TEXT,
		reason TEXT,
		initiated_by TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Tracked on-chain spending allowances
	CREATE TABLE IF NOT EXISTS approvals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chain TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		token_address TEXT NOT NULL,
		spender TEXT NOT NULL,
		amount TEXT NOT NULL,
		granted_at INTEGER NOT NULL,
		duration_seconds INTEGER NOT NULL,
		last_used_at INTEGER,

		UNIQUE(chain, wallet_address, token_address, spender)
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_granted ON approvals(granted_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations applies forward-only migrations gated by an advisory lock so
// only one process migrates at a time.
func (s *Storage) runMigrations() error {
	if err := s.acquireMigrationLock(); err != nil {
		return err
	}
	defer s.releaseMigrationLock()

	current, err := s.currentSchemaVersion()
	if err != nil {
		return err
	}

	// Forward-only, numbered. Each step is additive.
	steps := map[int][]string{
		2: {
			"ALTER TABLE token_metadata ADD COLUMN is_blacklisted INTEGER NOT NULL DEFAULT 0",
		},
	}

	for v := current + 1; v <= schemaVersion; v++ {
		for _, stmt := range steps[v] {
			if _, err := s.db.Exec(stmt); err != nil && !isDuplicateColumnError(err) {
				return fmt.Errorf("migration to v%d failed: %w", v, err)
			}
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO schema_version (id, version, migrated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, migrated_at = excluded.migrated_at
	`, schemaVersion, time.Now().UnixMilli())
	return err
}

func (s *Storage) currentSchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func (s *Storage) acquireMigrationLock() error {
	holder := fmt.Sprintf("pid-%d", os.Getpid())
	// Stale locks older than five minutes are taken over.
	cutoff := time.Now().Add(-5 * time.Minute).UnixMilli()
	if _, err := s.db.Exec("DELETE FROM migration_lock WHERE acquired_at < ?", cutoff); err != nil {
		return fmt.Errorf("failed to clear stale migration lock: %w", err)
	}
	_, err := s.db.Exec(
		"INSERT INTO migration_lock (id, holder, acquired_at) VALUES (1, ?, ?)",
		holder, time.Now().UnixMilli(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: another process is migrating", ErrConflict)
		}
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	return nil
}

func (s *Storage) releaseMigrationLock() {
	_, _ = s.db.Exec("DELETE FROM migration_lock WHERE id = 1")
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isDuplicateColumnError checks for re-applied additive migrations.
func isDuplicateColumnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
