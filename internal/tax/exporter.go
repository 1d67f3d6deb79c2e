// Package tax classifies ledger events, applies jurisdictional rules, and
// emits regulator-compatible reports.
package tax

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/ledgerworks/dexjournal/internal/config"
	"github.com/ledgerworks/dexjournal/internal/ledger"
	"github.com/ledgerworks/dexjournal/internal/pnl"
	"github.com/ledgerworks/dexjournal/internal/storage"
	"github.com/ledgerworks/dexjournal/pkg/logging"
)

// Category is the fixed tax classification set.
type Category string

const (
	CategoryPurchase    Category = "purchase"
	CategorySale        Category = "sale"
	CategoryTrade       Category = "trade"
	CategoryTransferIn  Category = "transfer_in"
	CategoryTransferOut Category = "transfer_out"
	CategoryMining      Category = "mining"
	CategoryStaking     Category = "staking"
	CategoryAirdrop     Category = "airdrop"
	CategoryFork        Category = "fork"
	CategoryFee         Category = "fee"
	CategoryGift        Category = "gift"
	CategoryLost        Category = "lost"
	CategoryIncome      Category = "income"
)

// longTermThresholdDays splits US gains into short- and long-term.
const longTermThresholdDays = 365

// Disposal is one taxable disposal event.
type Disposal struct {
	Date          time.Time
	TokenSymbol   string
	TokenAddress  string
	Chain         string
	Quantity      decimal.Decimal
	Proceeds      decimal.Decimal
	AllowableCost decimal.Decimal
	Gain          decimal.Decimal
	LongTerm      bool
	AcquiredAt    time.Time
}

// Report is a full tax-year report.
type Report struct {
	UserID       int64
	Jurisdiction config.TaxJurisdiction
	TaxYearLabel string
	PeriodStart  time.Time
	PeriodEnd    time.Time

	Disposals []Disposal
	Events    []Event

	TotalProceeds  decimal.Decimal
	TotalCosts     decimal.Decimal
	NetGains       decimal.Decimal
	ShortTermGains decimal.Decimal
	LongTermGains  decimal.Decimal

	AllowanceApplied decimal.Decimal
	TaxableGains     decimal.Decimal

	IncomeTotal decimal.Decimal
	FeesTotal   decimal.Decimal
}

// Event is one classified ledger entry in the period.
type Event struct {
	Date        time.Time
	Category    Category
	TokenSymbol string
	Chain       string
	AmountBase  decimal.Decimal
	TraceID     string
}

// Exporter builds and writes tax reports.
type Exporter struct {
	store        *storage.Storage
	engine       *pnl.Engine
	jurisdiction config.TaxJurisdiction
	baseCurrency string
	exportDir    string
	cgtAllowance decimal.Decimal
	log          *logging.Logger
}

// Config holds tax exporter configuration.
type Config struct {
	Jurisdiction config.TaxJurisdiction
	BaseCurrency string
	ExportDir    string
	// CGTAllowance is the UK annual exempt amount applied to net gains.
	CGTAllowance decimal.Decimal
}

// New creates a tax exporter.
func New(store *storage.Storage, engine *pnl.Engine, cfg *Config, log *logging.Logger) *Exporter {
	if log == nil {
		log = logging.GetDefault()
	}
	allowance := cfg.CGTAllowance
	if allowance.IsZero() && cfg.Jurisdiction == config.JurisdictionGB {
		allowance = decimal.NewFromInt(3000)
	}
	return &Exporter{
		store:        store,
		engine:       engine,
		jurisdiction: cfg.Jurisdiction,
		baseCurrency: cfg.BaseCurrency,
		exportDir:    cfg.ExportDir,
		cgtAllowance: allowance,
		log:          log.Component("tax"),
	}
}

// Classify maps an entry to its tax category, honoring an explicit activity
// type before falling back to the entry type.
func Classify(e *storage.LedgerEntry) Category {
	switch e.ActivityType {
	case "staking":
		return CategoryStaking
	case "mining":
		return CategoryMining
	case "airdrop":
		return CategoryAirdrop
	case "fork":
		return CategoryFork
	case "gift":
		return CategoryGift
	case "lost":
		return CategoryLost
	case "transfer_in":
		return CategoryTransferIn
	case "transfer_out":
		return CategoryTransferOut
	case "trade":
		return CategoryTrade
	}

	switch e.EntryType {
	case storage.EntryTypeBuy:
		return CategoryPurchase
	case storage.EntryTypeSell:
		return CategorySale
	case storage.EntryTypeFee, storage.EntryTypeGasFee, storage.EntryTypeApprove:
		return CategoryFee
	case storage.EntryTypeIncome:
		return CategoryIncome
	}
	return CategoryTrade
}

// TaxYearBounds returns the [start, end) instants of a tax year. UK years run
// April 6 to April 5; everything else is the calendar year.
func TaxYearBounds(jurisdiction config.TaxJurisdiction, year int) (time.Time, time.Time, string) {
	if jurisdiction == config.JurisdictionGB {
		start := time.Date(year, time.April, 6, 0, 0, 0, 0, time.UTC)
		end := time.Date(year+1, time.April, 6, 0, 0, 0, 0, time.UTC)
		label := fmt.Sprintf("%d/%02d", year, (year+1)%100)
		return start, end, label
	}
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start, end, fmt.Sprintf("%d", year)
}

// BuildReport computes the tax report for one user and tax year.
func (x *Exporter) BuildReport(ctx context.Context, userID int64, year int) (*Report, error) {
	start, end, label := TaxYearBounds(x.jurisdiction, year)

	report := &Report{
		UserID:           userID,
		Jurisdiction:     x.jurisdiction,
		TaxYearLabel:     label,
		PeriodStart:      start,
		PeriodEnd:        end,
		TotalProceeds:    decimal.Zero,
		TotalCosts:       decimal.Zero,
		NetGains:         decimal.Zero,
		ShortTermGains:   decimal.Zero,
		LongTermGains:    decimal.Zero,
		AllowanceApplied: decimal.Zero,
		TaxableGains:     decimal.Zero,
		IncomeTotal:      decimal.Zero,
		FeesTotal:        decimal.Zero,
	}

	// Classified events for the period.
	entries, err := x.store.ListEntries(storage.EntryFilter{UserID: userID, From: start, To: end})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		category := Classify(e)
		report.Events = append(report.Events, Event{
			Date:        e.CreatedAt,
			Category:    category,
			TokenSymbol: e.TokenSymbol,
			Chain:       e.Chain,
			AmountBase:  e.AmountBase,
			TraceID:     e.TraceID,
		})
		switch category {
		case CategoryIncome, CategoryStaking, CategoryMining, CategoryAirdrop, CategoryFork:
			report.IncomeTotal = report.IncomeTotal.Add(e.AmountBase.Abs())
		case CategoryFee:
			report.FeesTotal = report.FeesTotal.Add(e.AmountBase.Abs())
		}
	}

	// Disposals come from the PnL replay over the full ledger, filtered to
	// the period: cost basis depends on lots acquired before the period.
	pnlReport, err := x.engine.CalculateUserPnL(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, calc := range pnlReport.Calculations {
		if calc.TradeDate.Before(start) || !calc.TradeDate.Before(end) {
			continue
		}
		d := Disposal{
			Date:          calc.TradeDate,
			TokenSymbol:   calc.TokenSymbol,
			TokenAddress:  calc.TokenAddress,
			Chain:         calc.Chain,
			Quantity:      calc.Quantity,
			Proceeds:      calc.GrossProceeds,
			AllowableCost: calc.CostBasis,
			Gain:          calc.RealizedPnL,
			AcquiredAt:    calc.OldestLotAcquiredAt,
		}
		// US holding-period split keys off the oldest lot consumed.
		if !calc.OldestLotAcquiredAt.IsZero() {
			held := calc.TradeDate.Sub(calc.OldestLotAcquiredAt)
			d.LongTerm = held >= longTermThresholdDays*24*time.Hour
		}

		report.Disposals = append(report.Disposals, d)
		report.TotalProceeds = report.TotalProceeds.Add(d.Proceeds)
		report.TotalCosts = report.TotalCosts.Add(d.AllowableCost)
		report.NetGains = report.NetGains.Add(d.Gain)
		if x.jurisdiction == config.JurisdictionUS {
			if d.LongTerm {
				report.LongTermGains = report.LongTermGains.Add(d.Gain)
			} else {
				report.ShortTermGains = report.ShortTermGains.Add(d.Gain)
			}
		}
	}

	sort.Slice(report.Disposals, func(i, j int) bool {
		return report.Disposals[i].Date.Before(report.Disposals[j].Date)
	})

	// UK capital-gains allowance: one annual deduction against net gains.
	report.TaxableGains = report.NetGains
	if x.jurisdiction == config.JurisdictionGB && report.NetGains.IsPositive() {
		report.AllowanceApplied = decimal.Min(x.cgtAllowance, report.NetGains)
		report.TaxableGains = report.NetGains.Sub(report.AllowanceApplied)
	}

	return report, nil
}

// Export builds the report and writes it in the requested format (csv, xlsx,
// or hmrc_csv), returning the file path. Writes are atomic.
func (x *Exporter) Export(ctx context.Context, userID int64, year int, format string) (string, error) {
	report, err := x.BuildReport(ctx, userID, year)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(x.exportDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	yearTag := fmt.Sprintf("%d", year)
	switch format {
	case "csv":
		path := filepath.Join(x.exportDir, fmt.Sprintf("tax_report_user_%d_%s.csv", userID, yearTag))
		err := ledger.WriteFileAtomic(path, func(w io.Writer) error {
			return x.writeReportCSV(w, report)
		})
		return path, err
	case "xlsx":
		path := filepath.Join(x.exportDir, fmt.Sprintf("tax_report_user_%d_%s.xlsx", userID, yearTag))
		return path, x.writeReportXLSX(path, report)
	case "hmrc_csv":
		path := filepath.Join(x.exportDir, fmt.Sprintf("hmrc_capital_gains_user_%d_%s.csv", userID, yearTag))
		err := ledger.WriteFileAtomic(path, func(w io.Writer) error {
			return x.writeHMRCCSV(w, report)
		})
		return path, err
	default:
		return "", fmt.Errorf("unsupported tax export format %q", format)
	}
}

var reportHeader = []string{
	"date", "token_symbol", "token_address", "chain", "quantity",
	"proceeds", "allowable_costs", "gain_or_loss", "holding_period",
}

func (x *Exporter) writeReportCSV(w io.Writer, report *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(reportHeader); err != nil {
		return err
	}
	for _, d := range report.Disposals {
		holding := "short_term"
		if d.LongTerm {
			holding = "long_term"
		}
		if report.Jurisdiction != config.JurisdictionUS {
			holding = ""
		}
		if err := cw.Write([]string{
			d.Date.UTC().Format("2006-01-02"),
			d.TokenSymbol,
			d.TokenAddress,
			d.Chain,
			d.Quantity.String(),
			d.Proceeds.StringFixed(2),
			d.AllowableCost.StringFixed(2),
			d.Gain.StringFixed(2),
			holding,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// hmrcHeader is the disposal-schedule shape for the UK regulator.
var hmrcHeader = []string{
	"Date of disposal", "Asset", "Quantity", "Disposal proceeds", "Allowable costs", "Gain or loss",
}

func (x *Exporter) writeHMRCCSV(w io.Writer, report *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(hmrcHeader); err != nil {
		return err
	}
	for _, d := range report.Disposals {
		if err := cw.Write([]string{
			d.Date.UTC().Format("02/01/2006"),
			d.TokenSymbol,
			d.Quantity.String(),
			d.Proceeds.StringFixed(2),
			d.AllowableCost.StringFixed(2),
			d.Gain.StringFixed(2),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (x *Exporter) writeReportXLSX(path string, report *Report) error {
	f := excelize.NewFile()
	defer f.Close()

	const disposals = "Disposals"
	f.SetSheetName("Sheet1", disposals)

	for col, name := range reportHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(disposals, cell, name)
	}
	for row, d := range report.Disposals {
		holding := "short_term"
		if d.LongTerm {
			holding = "long_term"
		}
		if report.Jurisdiction != config.JurisdictionUS {
			holding = ""
		}
		values := []interface{}{
			d.Date.UTC().Format("2006-01-02"), d.TokenSymbol, d.TokenAddress, d.Chain,
			d.Quantity.String(), d.Proceeds.StringFixed(2), d.AllowableCost.StringFixed(2),
			d.Gain.StringFixed(2), holding,
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(disposals, cell, value)
		}
	}

	if _, err := f.NewSheet("Summary"); err != nil {
		return fmt.Errorf("failed to create summary sheet: %w", err)
	}
	rows := [][]interface{}{
		{"Tax year", report.TaxYearLabel},
		{"Jurisdiction", string(report.Jurisdiction)},
		{"Currency", x.baseCurrency},
		{"Total proceeds", report.TotalProceeds.StringFixed(2)},
		{"Total allowable costs", report.TotalCosts.StringFixed(2)},
		{"Net gains", report.NetGains.StringFixed(2)},
		{"Short-term gains", report.ShortTermGains.StringFixed(2)},
		{"Long-term gains", report.LongTermGains.StringFixed(2)},
		{"Allowance applied", report.AllowanceApplied.StringFixed(2)},
		{"Taxable capital gains", report.TaxableGains.StringFixed(2)},
		{"Income", report.IncomeTotal.StringFixed(2)},
		{"Fees", report.FeesTotal.StringFixed(2)},
	}
	for r, pair := range rows {
		for c, value := range pair {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+1)
			f.SetCellValue("Summary", cell, value)
		}
	}

	return ledger.WriteFileAtomic(path, func(w io.Writer) error {
		return f.Write(w)
	})
}
