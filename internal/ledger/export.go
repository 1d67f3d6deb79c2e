// Package ledger - Ledger export in the fixed CSV/XLSX row format.
package ledger

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/ledgerworks/dexjournal/internal/storage"
)

// CSVHeader is the fixed export column order. Exports are UTF-8 with LF line
// endings and no BOM.
var CSVHeader = []string{
	"timestamp", "trace_id", "entry_type", "description", "chain", "wallet_address",
	"amount_base", "amount_native", "currency", "fx_rate_base",
	"realized_pnl_base", "realized_pnl_native", "transaction_id",
	"gas_fee_base", "gas_fee_native", "token_symbol", "token_address",
	"dex", "pair_address", "slippage_percent", "notes", "created_at",
}

const exportTimeFormat = "2006-01-02T15:04:05.000Z"

// EntryToRecord renders one entry as an export row.
func EntryToRecord(e *storage.LedgerEntry, baseCurrency string) []string {
	realized := ""
	realizedNative := ""
	if e.RealizedPnLBase != nil {
		realized = e.RealizedPnLBase.String()
		if e.FxRateToBase.IsPositive() {
			realizedNative = e.RealizedPnLBase.Div(e.FxRateToBase).String()
		}
	}

	gasBase := ""
	gasNative := ""
	if e.EntryType == storage.EntryTypeGasFee {
		gasBase = e.AmountBase.String()
		gasNative = e.AmountNative.String()
	}

	description := string(e.EntryType)
	if e.ActivityType != "" {
		description = e.ActivityType
	}

	return []string{
		e.CreatedAt.UTC().Format(exportTimeFormat),
		e.TraceID,
		string(e.EntryType),
		description,
		e.Chain,
		e.WalletAddress,
		e.AmountBase.String(),
		e.AmountNative.String(),
		baseCurrency,
		e.FxRateToBase.String(),
		realized,
		realizedNative,
		e.TxHash,
		gasBase,
		gasNative,
		e.TokenSymbol,
		e.TokenAddress,
		e.DEX,
		e.PairAddress,
		e.SlippagePercent.String(),
		e.Notes,
		strconv.FormatInt(e.CreatedAt.UnixMilli(), 10),
	}
}

// RecordToEntry parses an export row back into an entry. The archive restore
// path uses this for round-trips.
func RecordToEntry(record []string) (*storage.LedgerEntry, error) {
	if len(record) != len(CSVHeader) {
		return nil, fmt.Errorf("expected %d columns, got %d", len(CSVHeader), len(record))
	}

	millis, err := strconv.ParseInt(record[21], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", record[21], err)
	}

	e := &storage.LedgerEntry{
		TraceID:       record[1],
		EntryType:     storage.EntryType(record[2]),
		Chain:         record[4],
		WalletAddress: record[5],
		TxHash:        record[12],
		TokenSymbol:   record[15],
		TokenAddress:  record[16],
		DEX:           record[17],
		PairAddress:   record[18],
		Notes:         record[20],
		Status:        storage.EntryStatusConfirmed,
		CreatedAt:     time.UnixMilli(millis),
	}
	if record[3] != string(e.EntryType) {
		e.ActivityType = record[3]
	}

	for _, field := range []struct {
		idx int
		dst *decimal.Decimal
	}{
		{6, &e.AmountBase}, {7, &e.AmountNative}, {9, &e.FxRateToBase}, {19, &e.SlippagePercent},
	} {
		if record[field.idx] == "" {
			continue
		}
		d, err := decimal.NewFromString(record[field.idx])
		if err != nil {
			return nil, fmt.Errorf("invalid decimal in column %d: %w", field.idx, err)
		}
		*field.dst = d
	}

	if record[10] != "" {
		d, err := decimal.NewFromString(record[10])
		if err != nil {
			return nil, fmt.Errorf("invalid realized pnl: %w", err)
		}
		e.RealizedPnLBase = &d
	}

	return e, nil
}

// WriteCSV streams entries as CSV with the fixed header.
func WriteCSV(w io.Writer, entries []*storage.LedgerEntry, baseCurrency string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, e := range entries {
		if err := cw.Write(EntryToRecord(e, baseCurrency)); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Exporter writes ledger exports atomically into an export directory.
type Exporter struct {
	store        *storage.Storage
	exportDir    string
	baseCurrency string
	now          func() time.Time
}

// NewExporter creates a ledger exporter.
func NewExporter(store *storage.Storage, exportDir, baseCurrency string) *Exporter {
	return &Exporter{store: store, exportDir: exportDir, baseCurrency: baseCurrency, now: time.Now}
}

// ExportLedger writes a user's filtered entries as csv or xlsx and returns
// the file path.
func (x *Exporter) ExportLedger(userID int64, format string, filter storage.EntryFilter) (string, error) {
	filter.UserID = userID
	entries, err := x.store.ListEntries(filter)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(x.exportDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	stamp := x.now().UTC().Format("20060102_150405")
	switch format {
	case "csv":
		path := filepath.Join(x.exportDir, fmt.Sprintf("ledger_user_%d_%s.csv", userID, stamp))
		err := WriteFileAtomic(path, func(w io.Writer) error {
			return WriteCSV(w, entries, x.baseCurrency)
		})
		return path, err
	case "xlsx":
		path := filepath.Join(x.exportDir, fmt.Sprintf("ledger_user_%d_%s.xlsx", userID, stamp))
		return path, x.writeXLSX(path, entries)
	default:
		return "", fmt.Errorf("unsupported export format %q", format)
	}
}

func (x *Exporter) writeXLSX(path string, entries []*storage.LedgerEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Ledger"
	f.SetSheetName("Sheet1", sheet)

	for col, name := range CSVHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(sheet, cell, name)
	}
	for row, e := range entries {
		record := EntryToRecord(e, x.baseCurrency)
		for col, value := range record {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(sheet, cell, value)
		}
	}

	return WriteFileAtomic(path, func(w io.Writer) error {
		return f.Write(w)
	})
}

// WriteFileAtomic writes through a temp file, fsyncs, and renames so readers
// never observe a partial export.
func WriteFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename: %w", err)
	}
	return nil
}
