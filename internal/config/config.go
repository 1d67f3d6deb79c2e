// Package config provides centralized configuration for the journal daemon.
// The tunable parameters (accounting method, caps, timeouts, retention) are
// defined here; some components also keep fixed internal constants of their
// own (approval RPC timeout and default duration, archive verification depth).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// AccountingMethod selects the cost-basis method used by the PnL engine.
type AccountingMethod string

const (
	MethodFIFO AccountingMethod = "fifo"
	MethodLIFO AccountingMethod = "lifo"
	MethodAVCO AccountingMethod = "avco"
)

// TaxJurisdiction selects jurisdiction-specific tax-year and allowance rules.
type TaxJurisdiction string

const (
	JurisdictionGB    TaxJurisdiction = "GB"
	JurisdictionUS    TaxJurisdiction = "US"
	JurisdictionCA    TaxJurisdiction = "CA"
	JurisdictionAU    TaxJurisdiction = "AU"
	JurisdictionEU    TaxJurisdiction = "EU"
	JurisdictionOther TaxJurisdiction = "other"
)

// Config is the journal's configuration record.
type Config struct {
	// DataDir holds the sqlite database, keystores, exports, and archives.
	DataDir string `yaml:"data_dir"`

	// BaseCurrency is the ISO code all PnL and exports are denominated in.
	BaseCurrency string `yaml:"base_currency"`

	// Trading defaults.
	DefaultSlippageNewPair string `yaml:"default_slippage_new_pair"`
	DefaultSlippageNormal  string `yaml:"default_slippage_normal"`
	DailyLossCapBase       string `yaml:"daily_loss_cap_base"`
	PerTradeCapBase        string `yaml:"per_trade_cap_base"`
	DefaultTakeProfit      string `yaml:"default_take_profit"`
	DefaultStopLoss        string `yaml:"default_stop_loss"`
	DefaultTrailingStop    string `yaml:"default_trailing_stop"`

	// Accounting and tax.
	AccountingMethod AccountingMethod `yaml:"accounting_method"`
	TaxJurisdiction  TaxJurisdiction  `yaml:"tax_jurisdiction"`

	// Archival.
	RetentionDays   int  `yaml:"retention_days"`
	ArchiveCompress bool `yaml:"archive_compress"`
	MinArchivesKept int  `yaml:"min_archives_kept"`

	// Trigger monitor.
	TriggerTickMS        int `yaml:"trigger_tick_ms"`
	ExecutorConcurrency  int `yaml:"executor_concurrency"`
	ExecutorTimeoutSec   int `yaml:"executor_timeout_sec"`
	PriceFetchTimeoutSec int `yaml:"price_fetch_timeout_sec"`

	// Approvals.
	AutoRevokeExpiredApprovals bool   `yaml:"auto_revoke_expired_approvals"`
	ApprovalCapBase            string `yaml:"approval_cap_base"`

	// Keystore backups.
	KeystoreBackupRetentionDays int `yaml:"keystore_backup_retention_days"`
	KeystoreBackupMinKept       int `yaml:"keystore_backup_min_kept"`

	// Logging. ComponentLogLevels overrides the root level per component,
	// e.g. {trigger: debug, keystore: warn}.
	LogLevel           string            `yaml:"log_level"`
	ComponentLogLevels map[string]string `yaml:"component_log_levels"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                     "~/.dexjournal",
		BaseCurrency:                "GBP",
		DefaultSlippageNewPair:      "0.05",
		DefaultSlippageNormal:       "0.01",
		DailyLossCapBase:            "500",
		PerTradeCapBase:             "250",
		DefaultTakeProfit:           "0.25",
		DefaultStopLoss:             "0.10",
		DefaultTrailingStop:         "0.10",
		AccountingMethod:            MethodFIFO,
		TaxJurisdiction:             JurisdictionGB,
		RetentionDays:               730,
		ArchiveCompress:             true,
		MinArchivesKept:             3,
		TriggerTickMS:               1000,
		ExecutorConcurrency:         4,
		ExecutorTimeoutSec:          30,
		PriceFetchTimeoutSec:        5,
		AutoRevokeExpiredApprovals:  false,
		ApprovalCapBase:             "10000",
		KeystoreBackupRetentionDays: 90,
		KeystoreBackupMinKept:       3,
		LogLevel:                    "info",
	}
}

// Load reads a yaml config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if len(c.BaseCurrency) != 3 {
		return fmt.Errorf("base_currency must be a 3-letter ISO code, got %q", c.BaseCurrency)
	}
	switch c.AccountingMethod {
	case MethodFIFO, MethodLIFO, MethodAVCO:
	default:
		return fmt.Errorf("accounting_method must be fifo, lifo, or avco, got %q", c.AccountingMethod)
	}
	switch c.TaxJurisdiction {
	case JurisdictionGB, JurisdictionUS, JurisdictionCA, JurisdictionAU, JurisdictionEU, JurisdictionOther:
	default:
		return fmt.Errorf("unknown tax_jurisdiction %q", c.TaxJurisdiction)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive, got %d", c.RetentionDays)
	}
	if c.TriggerTickMS <= 0 {
		return fmt.Errorf("trigger_tick_ms must be positive, got %d", c.TriggerTickMS)
	}
	for name, v := range map[string]string{
		"daily_loss_cap_base": c.DailyLossCapBase,
		"per_trade_cap_base":  c.PerTradeCapBase,
		"approval_cap_base":   c.ApprovalCapBase,
	} {
		if _, err := decimal.NewFromString(v); err != nil {
			return fmt.Errorf("%s is not a valid decimal: %w", name, err)
		}
	}
	return nil
}

// TriggerTick returns the trigger monitor tick interval.
func (c *Config) TriggerTick() time.Duration {
	return time.Duration(c.TriggerTickMS) * time.Millisecond
}

// ExecutorTimeout returns the per-execution timeout.
func (c *Config) ExecutorTimeout() time.Duration {
	return time.Duration(c.ExecutorTimeoutSec) * time.Second
}

// PriceFetchTimeout returns the per-price-fetch timeout.
func (c *Config) PriceFetchTimeout() time.Duration {
	return time.Duration(c.PriceFetchTimeoutSec) * time.Second
}

// ApprovalCap returns the maximum allowance grant in base currency.
func (c *Config) ApprovalCap() decimal.Decimal {
	d, _ := decimal.NewFromString(c.ApprovalCapBase)
	return d
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
