package ledger

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/storage"
)

func TestCSVRoundTrip(t *testing.T) {
	writer, store, _ := newTestWriter(t)

	if _, err := writer.WriteTrade(buyInput()); err != nil {
		t.Fatalf("WriteTrade() error = %v", err)
	}
	sell := buyInput()
	sell.TxHash = "0xsellrt"
	sell.TradeType = storage.EntryTypeSell
	realized := dec("50")
	sell.RealizedPnLBase = &realized
	if _, err := writer.WriteTrade(sell); err != nil {
		t.Fatalf("WriteTrade(sell) error = %v", err)
	}

	entries, err := store.ListEntries(storage.EntryFilter{UserID: 1})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, entries, "GBP"); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "\r\n") {
		t.Error("CSV must use LF line endings")
	}
	if strings.HasPrefix(out, "\ufeff") {
		t.Error("CSV must not carry a BOM")
	}

	cr := csv.NewReader(strings.NewReader(out))
	records, err := cr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	// Header plus one row per entry.
	if len(records) != len(entries)+1 {
		t.Fatalf("rows = %d, want %d", len(records), len(entries)+1)
	}
	for i, name := range CSVHeader {
		if records[0][i] != name {
			t.Errorf("header[%d] = %s, want %s", i, records[0][i], name)
		}
	}

	// Parse back and compare the fields the restore path depends on.
	for i, record := range records[1:] {
		parsed, err := RecordToEntry(record)
		if err != nil {
			t.Fatalf("RecordToEntry(row %d) error = %v", i, err)
		}
		orig := entries[i]
		if parsed.TraceID != orig.TraceID {
			t.Errorf("row %d trace = %s, want %s", i, parsed.TraceID, orig.TraceID)
		}
		if parsed.EntryType != orig.EntryType {
			t.Errorf("row %d type = %s, want %s", i, parsed.EntryType, orig.EntryType)
		}
		if !parsed.AmountBase.Equal(orig.AmountBase) {
			t.Errorf("row %d amount = %s, want %s", i, parsed.AmountBase, orig.AmountBase)
		}
		if !parsed.CreatedAt.Equal(orig.CreatedAt) {
			t.Errorf("row %d created_at = %v, want %v", i, parsed.CreatedAt, orig.CreatedAt)
		}
		if orig.RealizedPnLBase != nil {
			if parsed.RealizedPnLBase == nil || !parsed.RealizedPnLBase.Equal(*orig.RealizedPnLBase) {
				t.Errorf("row %d realized mismatch", i)
			}
		}
	}
}

func TestRecordToEntryRejectsBadRows(t *testing.T) {
	if _, err := RecordToEntry([]string{"too", "short"}); err == nil {
		t.Error("short record should fail")
	}

	good := EntryToRecord(&storage.LedgerEntry{
		TraceID:      "11111111111111111111111111111111",
		EntryType:    storage.EntryTypeBuy,
		Chain:        "ethereum",
		FxRateToBase: decimal.New(1, 0),
		AmountBase:   decimal.New(100, 0),
	}, "GBP")
	good[6] = "not-a-number"
	if _, err := RecordToEntry(good); err == nil {
		t.Error("malformed decimal should fail")
	}
}

func TestExportLedgerCSVFile(t *testing.T) {
	writer, store, _ := newTestWriter(t)
	if _, err := writer.WriteTrade(buyInput()); err != nil {
		t.Fatalf("WriteTrade() error = %v", err)
	}

	exporter := NewExporter(store, t.TempDir(), "GBP")
	path, err := exporter.ExportLedger(1, "csv", storage.EntryFilter{})
	if err != nil {
		t.Fatalf("ExportLedger() error = %v", err)
	}
	if !strings.HasSuffix(path, ".csv") {
		t.Errorf("path = %s, want .csv suffix", path)
	}

	if _, err := exporter.ExportLedger(1, "pdf", storage.EntryFilter{}); err == nil {
		t.Error("unsupported format should fail")
	}
}
