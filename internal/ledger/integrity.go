// Package ledger - Integrity checker for the trade ledger.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/pnl"
	"github.com/ledgerworks/dexjournal/internal/storage"
	"github.com/ledgerworks/dexjournal/pkg/logging"
)

// IssueType is the closed taxonomy of ledger anomalies.
type IssueType string

const (
	IssueDuplicateTraceID      IssueType = "duplicate_trace_id"
	IssueMissingTransactionRef IssueType = "missing_transaction_ref"
	IssuePnLCalculationError   IssueType = "pnl_calculation_error"
	IssueFxRateAnomaly         IssueType = "fx_rate_anomaly"
	IssueNegativeBalance       IssueType = "negative_balance"
	IssueOrphanedEntry         IssueType = "orphaned_entry"
	IssueFutureTimestamp       IssueType = "future_timestamp"
	IssueInvalidAmounts        IssueType = "invalid_amounts"
)

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// fxAnomalyWindow is the rolling window for the fx-rate median.
const fxAnomalyWindow = 20

// Issue is one detected anomaly.
type Issue struct {
	Type        IssueType
	Severity    string
	EntryID     int64
	TraceID     string
	Description string
	// Expected carries the corrected value for repairable issues.
	Expected string
}

// Repairable reports whether repair mode can fix this issue type.
func (i *Issue) Repairable() bool {
	switch i.Type {
	case IssueMissingTransactionRef, IssueFutureTimestamp, IssuePnLCalculationError:
		return true
	}
	return false
}

// CheckReport is the result of a full integrity scan.
type CheckReport struct {
	ScannedEntries int
	Issues         []Issue
	BySeverity     map[string]int
	ByType         map[IssueType]int
}

// HasCritical reports whether any critical issue was found.
func (r *CheckReport) HasCritical() bool {
	return r.BySeverity[SeverityCritical] > 0
}

// Checker scans the ledger for anomalies and optionally repairs the
// repairable subset. Repair is the only path by which the ledger is mutated
// after the fact; it never deletes entries and never alters trace ids.
type Checker struct {
	store  *storage.Storage
	engine *pnl.Engine
	log    *logging.Logger
	now    func() time.Time
}

// NewChecker creates an integrity checker.
func NewChecker(store *storage.Storage, engine *pnl.Engine, log *logging.Logger) *Checker {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Checker{
		store:  store,
		engine: engine,
		log:    log.Component("integrity"),
		now:    time.Now,
	}
}

// SetClock overrides the checker's clock. Tests only.
func (c *Checker) SetClock(now func() time.Time) {
	c.now = now
}

// RunFullCheck scans a user's ledger (all users when userID is zero).
func (c *Checker) RunFullCheck(ctx context.Context, userID int64) (*CheckReport, error) {
	entries, err := c.store.ListEntries(storage.EntryFilter{UserID: userID})
	if err != nil {
		return nil, err
	}

	report := &CheckReport{
		ScannedEntries: len(entries),
		BySeverity:     make(map[string]int),
		ByType:         make(map[IssueType]int),
	}

	c.checkDuplicateTraceIDs(entries, report)
	c.checkMissingTransactionRefs(entries, report)
	c.checkFxRateAnomalies(entries, report)
	c.checkTimestamps(entries, report)
	c.checkAmounts(entries, report)
	if err := c.checkOrphanedEntries(entries, report); err != nil {
		return nil, err
	}
	if err := c.checkPnLAndBalances(ctx, entries, userID, report); err != nil {
		return nil, err
	}

	for _, issue := range report.Issues {
		report.BySeverity[issue.Severity]++
		report.ByType[issue.Type]++
	}

	c.log.Info("Integrity check complete",
		"entries", report.ScannedEntries,
		"issues", len(report.Issues),
		"critical", report.BySeverity[SeverityCritical])
	return report, nil
}

// checkDuplicateTraceIDs flags trace ids shared across non-sibling actions.
// Sibling rows legitimately share a trace id but must share wallet and chain.
func (c *Checker) checkDuplicateTraceIDs(entries []*storage.LedgerEntry, report *CheckReport) {
	byTrace := make(map[string][]*storage.LedgerEntry)
	for _, e := range entries {
		byTrace[e.TraceID] = append(byTrace[e.TraceID], e)
	}

	traces := make([]string, 0, len(byTrace))
	for t := range byTrace {
		traces = append(traces, t)
	}
	sort.Strings(traces)

	for _, t := range traces {
		group := byTrace[t]
		if len(group) < 2 {
			continue
		}
		first := group[0]
		for _, e := range group[1:] {
			if e.WalletAddress != first.WalletAddress || e.Chain != first.Chain || e.UserID != first.UserID {
				report.Issues = append(report.Issues, Issue{
					Type:        IssueDuplicateTraceID,
					Severity:    SeverityCritical,
					EntryID:     e.ID,
					TraceID:     t,
					Description: "trace id shared across different wallet, chain, or user",
				})
			}
		}
	}
}

func (c *Checker) checkMissingTransactionRefs(entries []*storage.LedgerEntry, report *CheckReport) {
	// A sibling row with a tx hash supplies the repair value.
	txByTrace := make(map[string]string)
	for _, e := range entries {
		if e.TxHash != "" {
			txByTrace[e.TraceID] = e.TxHash
		}
	}

	for _, e := range entries {
		if e.TxHash != "" || e.Status != storage.EntryStatusConfirmed {
			continue
		}
		issue := Issue{
			Type:        IssueMissingTransactionRef,
			Severity:    SeverityWarning,
			EntryID:     e.ID,
			TraceID:     e.TraceID,
			Description: "confirmed entry has no transaction reference",
		}
		if tx, ok := txByTrace[e.TraceID]; ok {
			issue.Expected = tx
		}
		report.Issues = append(report.Issues, issue)
	}
}

// checkFxRateAnomalies flags rates more than 50% away from the rolling
// median for the same chain.
func (c *Checker) checkFxRateAnomalies(entries []*storage.LedgerEntry, report *CheckReport) {
	recent := make(map[string][]decimal.Decimal)

	half := decimal.NewFromFloat(0.5)
	oneAndHalf := decimal.NewFromFloat(1.5)

	for _, e := range entries {
		if !e.FxRateToBase.IsPositive() {
			continue
		}
		window := recent[e.Chain]
		if len(window) >= 5 {
			median := medianOf(window)
			if e.FxRateToBase.LessThan(median.Mul(half)) || e.FxRateToBase.GreaterThan(median.Mul(oneAndHalf)) {
				report.Issues = append(report.Issues, Issue{
					Type:     IssueFxRateAnomaly,
					Severity: SeverityWarning,
					EntryID:  e.ID,
					TraceID:  e.TraceID,
					Description: fmt.Sprintf("fx rate %s deviates more than 50%% from rolling median %s",
						e.FxRateToBase, median),
				})
			}
		}
		window = append(window, e.FxRateToBase)
		if len(window) > fxAnomalyWindow {
			window = window[1:]
		}
		recent[e.Chain] = window
	}
}

func (c *Checker) checkTimestamps(entries []*storage.LedgerEntry, report *CheckReport) {
	limit := c.now().Add(clockSkewTolerance)
	for _, e := range entries {
		if e.CreatedAt.After(limit) {
			report.Issues = append(report.Issues, Issue{
				Type:        IssueFutureTimestamp,
				Severity:    SeverityWarning,
				EntryID:     e.ID,
				TraceID:     e.TraceID,
				Description: fmt.Sprintf("created_at %s is in the future", e.CreatedAt.UTC().Format(time.RFC3339)),
				Expected:    fmt.Sprintf("%d", c.now().UnixMilli()),
			})
		}
	}
}

func (c *Checker) checkAmounts(entries []*storage.LedgerEntry, report *CheckReport) {
	for _, e := range entries {
		if !e.FxRateToBase.IsPositive() {
			report.Issues = append(report.Issues, Issue{
				Type:        IssueInvalidAmounts,
				Severity:    SeverityCritical,
				EntryID:     e.ID,
				TraceID:     e.TraceID,
				Description: "fx rate is not positive",
			})
			continue
		}
		// Zero-value approvals (revocations) are the only zero amounts allowed.
		if e.AmountBase.IsZero() && e.EntryType != storage.EntryTypeApprove {
			report.Issues = append(report.Issues, Issue{
				Type:        IssueInvalidAmounts,
				Severity:    SeverityCritical,
				EntryID:     e.ID,
				TraceID:     e.TraceID,
				Description: "amount_base is zero for a non-approval entry",
			})
		}
	}
}

func (c *Checker) checkOrphanedEntries(entries []*storage.LedgerEntry, report *CheckReport) error {
	known := make(map[int64]bool)
	for _, e := range entries {
		if _, seen := known[e.UserID]; seen {
			continue
		}
		exists, err := c.store.UserExists(e.UserID)
		if err != nil {
			return err
		}
		known[e.UserID] = exists
	}
	for _, e := range entries {
		if !known[e.UserID] {
			report.Issues = append(report.Issues, Issue{
				Type:        IssueOrphanedEntry,
				Severity:    SeverityCritical,
				EntryID:     e.ID,
				TraceID:     e.TraceID,
				Description: fmt.Sprintf("entry references missing user %d", e.UserID),
			})
		}
	}
	return nil
}

// checkPnLAndBalances recomputes realized PnL per sell and flags stored
// values off by more than one minor unit, plus sells exceeding inventory.
func (c *Checker) checkPnLAndBalances(ctx context.Context, entries []*storage.LedgerEntry, userID int64, report *CheckReport) error {
	if c.engine == nil {
		return nil
	}

	users := make(map[int64]bool)
	if userID != 0 {
		users[userID] = true
	} else {
		for _, e := range entries {
			users[e.UserID] = true
		}
	}

	ids := make([]int64, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	minorUnit := decimal.New(1, -2)

	for _, uid := range ids {
		pnlReport, err := c.engine.CalculateUserPnL(ctx, uid)
		if err != nil {
			return err
		}

		byTrace := make(map[string]pnl.Calculation)
		for _, calc := range pnlReport.Calculations {
			byTrace[calc.TraceID] = calc
		}

		for _, e := range entries {
			if e.UserID != uid || e.EntryType != storage.EntryTypeSell || e.RealizedPnLBase == nil {
				continue
			}
			calc, ok := byTrace[e.TraceID]
			if !ok {
				continue
			}
			if e.RealizedPnLBase.Sub(calc.RealizedPnL).Abs().GreaterThan(minorUnit) {
				report.Issues = append(report.Issues, Issue{
					Type:     IssuePnLCalculationError,
					Severity: SeverityWarning,
					EntryID:  e.ID,
					TraceID:  e.TraceID,
					Description: fmt.Sprintf("stored realized pnl %s, recomputed %s",
						e.RealizedPnLBase, calc.RealizedPnL),
					Expected: calc.RealizedPnL.String(),
				})
			}
		}

		for _, neg := range pnlReport.NegativeBalances {
			report.Issues = append(report.Issues, Issue{
				Type:     IssueNegativeBalance,
				Severity: SeverityWarning,
				TraceID:  neg.TraceID,
				Description: fmt.Sprintf("sell of %s exceeds available %s for token %s on %s",
					neg.Requested, neg.Available, neg.TokenAddress, neg.Chain),
			})
		}
	}
	return nil
}

// VerifyEntry runs the single-entry subset of checks against one row.
func (c *Checker) VerifyEntry(id int64) ([]Issue, error) {
	e, err := c.store.GetEntry(id)
	if err != nil {
		return nil, err
	}

	report := &CheckReport{BySeverity: map[string]int{}, ByType: map[IssueType]int{}}
	c.checkTimestamps([]*storage.LedgerEntry{e}, report)
	c.checkAmounts([]*storage.LedgerEntry{e}, report)
	c.checkMissingTransactionRefs([]*storage.LedgerEntry{e}, report)
	return report.Issues, nil
}

// Repair applies the fix for a repairable issue, recording a SystemEvent
// with the old and new values. Trace ids are never altered.
func (c *Checker) Repair(issue Issue) error {
	if !issue.Repairable() {
		return fmt.Errorf("%w: issue %s is not repairable", storage.ErrConflict, issue.Type)
	}
	if issue.Expected == "" {
		return fmt.Errorf("%w: no repair value for issue on entry %d", storage.ErrConflict, issue.EntryID)
	}

	entry, err := c.store.GetEntry(issue.EntryID)
	if err != nil {
		return err
	}

	var column string
	var oldValue string
	var newValue interface{}

	switch issue.Type {
	case IssueMissingTransactionRef:
		column = "tx_hash"
		oldValue = entry.TxHash
		newValue = issue.Expected
	case IssueFutureTimestamp:
		column = "created_at"
		oldValue = fmt.Sprintf("%d", entry.CreatedAt.UnixMilli())
		var millis int64
		if _, err := fmt.Sscanf(issue.Expected, "%d", &millis); err != nil {
			return fmt.Errorf("%w: bad repair timestamp %q", storage.ErrConflict, issue.Expected)
		}
		newValue = millis
	case IssuePnLCalculationError:
		column = "realized_pnl_base"
		if entry.RealizedPnLBase != nil {
			oldValue = entry.RealizedPnLBase.String()
		}
		newValue = issue.Expected
	}

	if err := c.store.UpdateEntryRepair(issue.EntryID, column, newValue); err != nil {
		return err
	}

	data, _ := json.Marshal(map[string]string{
		"column": column,
		"old":    oldValue,
		"new":    issue.Expected,
	})
	err = c.store.WithTx(func(tx *sql.Tx) error {
		return storage.AppendSystemEventTx(tx, &storage.SystemEvent{
			EventType: "ledger_repair",
			Component: "integrity",
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("repaired %s on entry %d", issue.Type, issue.EntryID),
			Data:      string(data),
			TraceID:   entry.TraceID,
			CreatedAt: c.now(),
		})
	})
	if err != nil {
		return err
	}

	c.log.Warn("Ledger entry repaired", "entry", issue.EntryID, "issue", issue.Type, "column", column)
	return nil
}

// RepairAll repairs every repairable, non-critical issue in the report and
// returns how many were fixed.
func (c *Checker) RepairAll(report *CheckReport) (int, error) {
	fixed := 0
	for _, issue := range report.Issues {
		if !issue.Repairable() || issue.Severity == SeverityCritical || issue.Expected == "" {
			continue
		}
		if err := c.Repair(issue); err != nil {
			return fixed, err
		}
		fixed++
	}
	return fixed, nil
}

func medianOf(values []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
