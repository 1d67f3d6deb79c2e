// Package main provides the dexjournald daemon - a local-first DEX trading
// journal and execution-safety layer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/archive"
	"github.com/ledgerworks/dexjournal/internal/config"
	"github.com/ledgerworks/dexjournal/internal/keystore"
	"github.com/ledgerworks/dexjournal/internal/ledger"
	"github.com/ledgerworks/dexjournal/internal/pnl"
	"github.com/ledgerworks/dexjournal/internal/storage"
	"github.com/ledgerworks/dexjournal/internal/system"
	"github.com/ledgerworks/dexjournal/internal/tax"
	"github.com/ledgerworks/dexjournal/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// Exit codes for the archival/export tool mode.
const (
	exitOK              = 0
	exitConfigError     = 2
	exitStoreUnavail    = 3
	exitIntegrityError  = 4
	exitEmergencyActive = 5
)

func main() {
	var (
		configFile  = flag.String("config", "", "Config file path (default: built-in defaults)")
		dataDir     = flag.String("data-dir", "", "Data directory, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		userID      = flag.Int64("user", 1, "User id for export/archive/check commands")
		year        = flag.Int("year", 0, "Tax year for export-tax")
		format      = flag.String("format", "csv", "Export format (csv, xlsx, hmrc_csv)")
		repair      = flag.Bool("repair", false, "Repair repairable integrity issues")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			os.Exit(exitConfigError)
		}
		cfg = loaded
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logging.New(&logging.Config{
		Level:           cfg.LogLevel,
		ComponentLevels: cfg.ComponentLogLevels,
		TimeFormat:      time.TimeOnly,
		Prefix:          "dexjournal",
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("dexjournald %s (commit: %s)", version, commit)
		os.Exit(exitOK)
	}

	store, err := storage.New(&storage.Config{DataDir: cfg.DataDir})
	if err != nil {
		log.Error("Failed to open store", "error", err)
		os.Exit(exitStoreUnavail)
	}
	defer store.Close()

	sys := system.New(store, log)
	engine := pnl.New(store, nil, cfg.AccountingMethod, log)
	checker := ledger.NewChecker(store, engine, log)

	dataRoot := config.ExpandPath(cfg.DataDir)

	command := flag.Arg(0)
	switch command {
	case "archive":
		os.Exit(runArchive(store, cfg, dataRoot, log))
	case "export":
		os.Exit(runExport(store, cfg, dataRoot, *userID, *format, log))
	case "export-tax":
		os.Exit(runExportTax(store, engine, cfg, dataRoot, *userID, *year, *format, sys, log))
	case "check":
		os.Exit(runCheck(checker, *userID, *repair, log))
	case "status":
		os.Exit(runStatus(sys, log))
	case "", "daemon":
		runDaemon(store, cfg, sys, log)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		os.Exit(exitConfigError)
	}
}

func runArchive(store *storage.Storage, cfg *config.Config, dataRoot string, log *logging.Logger) int {
	arch, err := archive.New(store, &archive.Config{
		Dir:           filepath.Join(dataRoot, "archives"),
		BaseCurrency:  cfg.BaseCurrency,
		RetentionDays: cfg.RetentionDays,
		MinKept:       cfg.MinArchivesKept,
	}, log)
	if err != nil {
		log.Error("Failed to create archiver", "error", err)
		return exitStoreUnavail
	}

	written, err := arch.RunMonthly()
	if err != nil {
		log.Error("Archival run failed", "error", err)
		return exitStoreUnavail
	}
	log.Info("Archival run complete", "archives", len(written))
	return exitOK
}

func runExport(store *storage.Storage, cfg *config.Config, dataRoot string, userID int64, format string, log *logging.Logger) int {
	exporter := ledger.NewExporter(store, filepath.Join(dataRoot, "exports"), cfg.BaseCurrency)
	path, err := exporter.ExportLedger(userID, format, storage.EntryFilter{})
	if err != nil {
		log.Error("Export failed", "error", err)
		return exitStoreUnavail
	}
	log.Info("Ledger exported", "path", path)
	return exitOK
}

func runExportTax(store *storage.Storage, engine *pnl.Engine, cfg *config.Config, dataRoot string,
	userID int64, year int, format string, sys *system.Controller, log *logging.Logger) int {

	stopped, err := sys.EmergencyActive()
	if err == nil && stopped {
		log.Error("Refusing tax export: emergency stop active")
		return exitEmergencyActive
	}

	if year == 0 {
		year = time.Now().UTC().Year() - 1
	}

	exporter := tax.New(store, engine, &tax.Config{
		Jurisdiction: cfg.TaxJurisdiction,
		BaseCurrency: cfg.BaseCurrency,
		ExportDir:    filepath.Join(dataRoot, "exports"),
		CGTAllowance: decimal.Zero,
	}, log)

	path, err := exporter.Export(context.Background(), userID, year, format)
	if err != nil {
		log.Error("Tax export failed", "error", err)
		return exitStoreUnavail
	}
	log.Info("Tax report exported", "path", path, "year", year)
	return exitOK
}

func runCheck(checker *ledger.Checker, userID int64, repair bool, log *logging.Logger) int {
	report, err := checker.RunFullCheck(context.Background(), userID)
	if err != nil {
		log.Error("Integrity check failed to run", "error", err)
		return exitStoreUnavail
	}

	for _, issue := range report.Issues {
		log.Warn("Integrity issue",
			"type", issue.Type, "severity", issue.Severity,
			"entry", issue.EntryID, "detail", issue.Description)
	}

	if repair {
		fixed, err := checker.RepairAll(report)
		if err != nil {
			log.Error("Repair failed", "error", err)
			return exitStoreUnavail
		}
		log.Info("Repairs applied", "fixed", fixed)
	}

	if report.HasCritical() {
		log.Error("Integrity check found critical issues",
			"critical", report.BySeverity[ledger.SeverityCritical])
		return exitIntegrityError
	}
	return exitOK
}

func runStatus(sys *system.Controller, log *logging.Logger) int {
	overview, err := sys.StatusOverview()
	if err != nil {
		log.Error("Failed to read status", "error", err)
		return exitStoreUnavail
	}
	for _, st := range overview.Components {
		log.Info("Component",
			"id", st.StateID, "status", st.Status,
			"emergency", st.IsEmergencyStopped, "errors", st.ErrorCount)
	}
	if overview.EmergencyStopped {
		log.Warn("Emergency stop is active")
	}
	return exitOK
}

// runDaemon bootstraps the resident components and blocks until a signal.
// The trigger monitor and approval sweeper need live PriceFeed, Executor,
// and RpcClient implementations, which are wired by the embedding
// application; the bare daemon tends the store, heartbeats, and keystore
// housekeeping.
func runDaemon(store *storage.Storage, cfg *config.Config, sys *system.Controller, log *logging.Logger) {

	dataRoot := config.ExpandPath(cfg.DataDir)

	ks, err := keystore.New(&keystore.Config{
		Dir:  filepath.Join(dataRoot, "keystore"),
		Gate: sys,
	}, log)
	if err != nil {
		log.Error("Failed to open keystore", "error", err)
		os.Exit(exitStoreUnavail)
	}

	if err := sys.SetStatus(system.ComponentStore, storage.StatusRunning, "", "", ""); err != nil {
		log.Error("Failed to record store status", "error", err)
	}
	if err := sys.SetStatus(system.ComponentLedgerWriter, storage.StatusRunning, "", "", ""); err != nil {
		log.Error("Failed to record writer status", "error", err)
	}

	log.Info("dexjournald started",
		"version", version,
		"data_dir", dataRoot,
		"base_currency", cfg.BaseCurrency,
		"method", cfg.AccountingMethod)

	// Periodic housekeeping: heartbeats and keystore backup cleanup.
	housekeeping := time.NewTicker(30 * time.Second)
	defer housekeeping.Stop()
	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-housekeeping.C:
			beatOrLog(sys, system.ComponentStore, log)
			beatOrLog(sys, system.ComponentLedgerWriter, log)
		case <-cleanup.C:
			retention := time.Duration(cfg.KeystoreBackupRetentionDays) * 24 * time.Hour
			if deleted, err := ks.CleanupBackups(retention, cfg.KeystoreBackupMinKept); err != nil {
				log.Error("Keystore backup cleanup failed", "error", err)
			} else if deleted > 0 {
				log.Info("Keystore backups cleaned", "deleted", deleted)
			}
		case s := <-sig:
			log.Info("Shutting down", "signal", s)
			if err := sys.SetStatus(system.ComponentStore, storage.StatusStopped, "", "", ""); err != nil &&
				!errors.Is(err, storage.ErrStateNotFound) {
				log.Error("Failed to record shutdown", "error", err)
			}
			return
		}
	}
}

func beatOrLog(sys *system.Controller, component string, log *logging.Logger) {
	if err := sys.Heartbeat(component, ""); err != nil && !errors.Is(err, storage.ErrStateNotFound) {
		log.Debug("Heartbeat failed", "component", component, "error", err)
	}
}
