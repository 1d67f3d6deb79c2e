package archive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/storage"
)

func newTestArchiver(t *testing.T) (*Archiver, *storage.Storage, string) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "dexjournal-archive-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	archiveDir := filepath.Join(tmpDir, "archives")
	arch, err := New(store, &Config{
		Dir:           archiveDir,
		BaseCurrency:  "GBP",
		RetentionDays: 730,
		MinKept:       1,
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return arch, store, archiveDir
}

var seq int

func seedEntry(t *testing.T, store *storage.Storage, at time.Time) string {
	t.Helper()
	seq++
	traceID := fmt.Sprintf("%032d", seq)
	e := &storage.LedgerEntry{
		TraceID:       traceID,
		UserID:        1,
		WalletAddress: "0xabc",
		Chain:         "ethereum",
		EntryType:     storage.EntryTypeBuy,
		OutputAmount:  decimal.RequireFromString("1"),
		FxRateToBase:  decimal.RequireFromString("1"),
		AmountBase:    decimal.RequireFromString("100"),
		AmountNative:  decimal.RequireFromString("100"),
		TokenSymbol:   "WIDGET",
		TokenAddress:  "0xtoken",
		Status:        storage.EntryStatusConfirmed,
		CreatedAt:     at,
	}
	err := store.WithTx(func(tx *sql.Tx) error {
		return storage.InsertEntryTx(tx, e)
	})
	if err != nil {
		t.Fatalf("seed error = %v", err)
	}
	return traceID
}

func TestArchiveMonthFilenameAndVerify(t *testing.T) {
	arch, store, _ := newTestArchiver(t)

	in := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	seedEntry(t, store, in)
	seedEntry(t, store, in.Add(time.Hour))
	// An entry outside the month stays out of the archive.
	seedEntry(t, store, in.AddDate(0, 1, 0))

	path, count, err := arch.ArchiveMonth(1, 2025, time.March)
	if err != nil {
		t.Fatalf("ArchiveMonth() error = %v", err)
	}
	if count != 2 {
		t.Errorf("archived rows = %d, want 2", count)
	}
	if filepath.Base(path) != "ledger_user_1_202503.csv.gz" {
		t.Errorf("archive name = %s", filepath.Base(path))
	}

	if err := arch.Verify(path); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	// An empty month writes nothing.
	_, count, err = arch.ArchiveMonth(1, 2024, time.January)
	if err != nil {
		t.Fatalf("ArchiveMonth(empty) error = %v", err)
	}
	if count != 0 {
		t.Errorf("empty month count = %d, want 0", count)
	}
}

func TestRestoreSkipsExistingTraceIDs(t *testing.T) {
	arch, store, _ := newTestArchiver(t)

	in := time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)
	t1 := seedEntry(t, store, in)
	seedEntry(t, store, in.Add(time.Hour))

	path, _, err := arch.ArchiveMonth(1, 2025, time.April)
	if err != nil {
		t.Fatalf("ArchiveMonth() error = %v", err)
	}

	// Restoring over a live ledger skips everything.
	result, err := arch.Restore(path)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if result.Read != 2 || result.Skipped != 2 || result.Inserted != 0 {
		t.Errorf("restore over live ledger = %+v", result)
	}

	// Round trip: archive, delete one row's action, restore, same rows back.
	if _, err := store.DB().Exec("DELETE FROM ledger_entries WHERE trace_id = ?", t1); err != nil {
		t.Fatalf("delete error = %v", err)
	}

	result, err = arch.Restore(path)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if result.Inserted != 1 || result.Skipped != 1 {
		t.Errorf("restore after delete = %+v", result)
	}

	entries, err := store.ListEntries(storage.EntryFilter{
		UserID: 1,
		From:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		To:     time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries after restore = %d, want 2", len(entries))
	}
	// Ordering by time then id still holds and the restored row carries its
	// original trace id.
	if entries[0].TraceID != t1 {
		t.Errorf("restored order: first trace = %s, want %s", entries[0].TraceID, t1)
	}
}

func TestRetentionScanKeepsMinimum(t *testing.T) {
	arch, store, dir := newTestArchiver(t)

	for month := time.January; month <= time.March; month++ {
		seedEntry(t, store, time.Date(2020, month, 10, 0, 0, 0, 0, time.UTC))
		if _, _, err := arch.ArchiveMonth(1, 2020, month); err != nil {
			t.Fatalf("ArchiveMonth(%s) error = %v", month, err)
		}
	}

	// Age every archive past retention.
	old := time.Now().Add(-800 * 24 * time.Hour)
	infos, _ := os.ReadDir(dir)
	for _, info := range infos {
		p := filepath.Join(dir, info.Name())
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("Chtimes error = %v", err)
		}
	}

	deleted, err := arch.RetentionScan()
	if err != nil {
		t.Fatalf("RetentionScan() error = %v", err)
	}
	// MinKept = 1: the newest archive survives.
	if len(deleted) != 2 {
		t.Errorf("deleted = %d, want 2", len(deleted))
	}
	remaining, _ := os.ReadDir(dir)
	if len(remaining) != 1 {
		t.Fatalf("remaining archives = %d, want 1", len(remaining))
	}
	if remaining[0].Name() != "ledger_user_1_202003.csv.gz" {
		t.Errorf("survivor = %s, want the newest month", remaining[0].Name())
	}
}

func TestRestoreRejectsBadFilename(t *testing.T) {
	arch, _, dir := newTestArchiver(t)

	bad := filepath.Join(dir, "not_an_archive.csv.gz")
	if err := os.WriteFile(bad, []byte("junk"), 0600); err != nil {
		t.Fatalf("write error = %v", err)
	}
	if _, err := arch.Restore(bad); err == nil {
		t.Error("bad filename should be rejected")
	}
}
