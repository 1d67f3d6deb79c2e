// Package portfolio aggregates positions into summary views, allocation
// breakdowns, concentration measures, and simplified risk metrics. All math
// runs in the ledger's decimal type; floats appear only at presentation.
package portfolio

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerworks/dexjournal/internal/pnl"
	"github.com/ledgerworks/dexjournal/pkg/logging"
)

// riskWindowDays is the lookback for the daily-PnL risk metrics.
const riskWindowDays = 90

// PositionRow is one position in the overview, valued in base currency.
type PositionRow struct {
	TokenAddress  string
	TokenSymbol   string
	Chain         string
	Quantity      decimal.Decimal
	Value         decimal.Decimal
	CostBasis     decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Share         decimal.Decimal // fraction of total value
	PriceMissing  bool
}

// Allocation groups value by a dimension.
type Allocation struct {
	Key   string
	Value decimal.Decimal
	Share decimal.Decimal
}

// Concentration measures how concentrated the portfolio is.
type Concentration struct {
	HHI          decimal.Decimal // sum of squared shares, in [1/n, 1]
	TopThree     decimal.Decimal
	LargestShare decimal.Decimal
}

// RiskMetrics are the simplified risk measures over the 90-day window.
type RiskMetrics struct {
	DailyPnLStdDev decimal.Decimal
	MaxDrawdown    decimal.Decimal // largest peak-to-trough fraction
	SharpeRatio    decimal.Decimal // mean/stdev, zero risk-free rate
	SampleDays     int
}

// Overview is the full portfolio snapshot.
type Overview struct {
	AsOf            time.Time
	TotalValue      decimal.Decimal
	TotalInvested   decimal.Decimal
	TotalRealized   decimal.Decimal
	TotalUnrealized decimal.Decimal
	Positions       []PositionRow
	ByChain         []Allocation
	ByTier          []Allocation // >10%, 1-10%, <1%
	Concentration   Concentration
	Risk            RiskMetrics
}

// View computes portfolio snapshots from the PnL engine and a price feed.
type View struct {
	engine *pnl.Engine
	log    *logging.Logger
	now    func() time.Time
}

// New creates a portfolio view. Mark prices flow through the PnL engine's
// price feed.
func New(engine *pnl.Engine, log *logging.Logger) *View {
	if log == nil {
		log = logging.GetDefault()
	}
	return &View{engine: engine, log: log.Component("portfolio"), now: time.Now}
}

// SetClock overrides the view's clock. Tests only.
func (v *View) SetClock(now func() time.Time) {
	v.now = now
}

// GetOverview aggregates the user's current positions as of now.
func (v *View) GetOverview(ctx context.Context, userID int64) (*Overview, error) {
	report, err := v.engine.CalculateUserPnL(ctx, userID)
	if err != nil {
		return nil, err
	}

	ov := &Overview{
		AsOf:            v.now(),
		TotalValue:      decimal.Zero,
		TotalInvested:   decimal.Zero,
		TotalRealized:   report.TotalRealized,
		TotalUnrealized: report.TotalUnrealized,
	}

	for _, token := range report.Tokens {
		if !token.Quantity.IsPositive() {
			continue
		}
		row := PositionRow{
			TokenAddress:  token.TokenAddress,
			TokenSymbol:   token.TokenSymbol,
			Chain:         token.Chain,
			Quantity:      token.Quantity,
			CostBasis:     token.CostBasis,
			RealizedPnL:   token.Realized,
			UnrealizedPnL: token.Unrealized,
			PriceMissing:  token.PriceMissing,
			Value:         token.CostBasis.Add(token.Unrealized),
		}
		ov.TotalValue = ov.TotalValue.Add(row.Value)
		ov.TotalInvested = ov.TotalInvested.Add(row.CostBasis)
		ov.Positions = append(ov.Positions, row)
	}

	if ov.TotalValue.IsPositive() {
		for i := range ov.Positions {
			ov.Positions[i].Share = ov.Positions[i].Value.Div(ov.TotalValue)
		}
	}

	sort.Slice(ov.Positions, func(i, j int) bool {
		if !ov.Positions[i].Value.Equal(ov.Positions[j].Value) {
			return ov.Positions[i].Value.GreaterThan(ov.Positions[j].Value)
		}
		return ov.Positions[i].TokenAddress < ov.Positions[j].TokenAddress
	})

	ov.ByChain = v.allocationByChain(ov)
	ov.ByTier = v.allocationByTier(ov)
	ov.Concentration = v.concentration(ov)

	risk, err := v.riskMetrics(ctx, userID)
	if err != nil {
		return nil, err
	}
	ov.Risk = risk

	return ov, nil
}

func (v *View) allocationByChain(ov *Overview) []Allocation {
	byChain := make(map[string]decimal.Decimal)
	for _, p := range ov.Positions {
		byChain[p.Chain] = byChain[p.Chain].Add(p.Value)
	}

	chains := make([]string, 0, len(byChain))
	for c := range byChain {
		chains = append(chains, c)
	}
	sort.Strings(chains)

	var out []Allocation
	for _, c := range chains {
		a := Allocation{Key: c, Value: byChain[c]}
		if ov.TotalValue.IsPositive() {
			a.Share = a.Value.Div(ov.TotalValue)
		}
		out = append(out, a)
	}
	return out
}

func (v *View) allocationByTier(ov *Overview) []Allocation {
	tenPct := decimal.NewFromFloat(0.10)
	onePct := decimal.NewFromFloat(0.01)

	tiers := map[string]decimal.Decimal{">10%": decimal.Zero, "1-10%": decimal.Zero, "<1%": decimal.Zero}
	for _, p := range ov.Positions {
		switch {
		case p.Share.GreaterThan(tenPct):
			tiers[">10%"] = tiers[">10%"].Add(p.Value)
		case p.Share.GreaterThanOrEqual(onePct):
			tiers["1-10%"] = tiers["1-10%"].Add(p.Value)
		default:
			tiers["<1%"] = tiers["<1%"].Add(p.Value)
		}
	}

	var out []Allocation
	for _, key := range []string{">10%", "1-10%", "<1%"} {
		a := Allocation{Key: key, Value: tiers[key]}
		if ov.TotalValue.IsPositive() {
			a.Share = a.Value.Div(ov.TotalValue)
		}
		out = append(out, a)
	}
	return out
}

func (v *View) concentration(ov *Overview) Concentration {
	c := Concentration{HHI: decimal.Zero, TopThree: decimal.Zero, LargestShare: decimal.Zero}
	for i, p := range ov.Positions {
		c.HHI = c.HHI.Add(p.Share.Mul(p.Share))
		if i < 3 {
			c.TopThree = c.TopThree.Add(p.Share)
		}
		if p.Share.GreaterThan(c.LargestShare) {
			c.LargestShare = p.Share
		}
	}
	return c
}

// riskMetrics computes the daily-PnL standard deviation, max drawdown, and
// Sharpe ratio over the trailing window.
func (v *View) riskMetrics(ctx context.Context, userID int64) (RiskMetrics, error) {
	metrics := RiskMetrics{
		DailyPnLStdDev: decimal.Zero,
		MaxDrawdown:    decimal.Zero,
		SharpeRatio:    decimal.Zero,
	}

	buckets, err := v.engine.Timeline(ctx, userID, "day")
	if err != nil {
		return metrics, err
	}

	cutoff := v.now().AddDate(0, 0, -riskWindowDays)
	var daily []decimal.Decimal
	for _, b := range buckets {
		if b.Start.Before(cutoff) {
			continue
		}
		daily = append(daily, b.Realized)
	}
	metrics.SampleDays = len(daily)
	if len(daily) < 2 {
		return metrics, nil
	}

	n := decimal.NewFromInt(int64(len(daily)))
	mean := decimal.Zero
	for _, d := range daily {
		mean = mean.Add(d)
	}
	mean = mean.Div(n)

	variance := decimal.Zero
	for _, d := range daily {
		diff := d.Sub(mean)
		variance = variance.Add(diff.Mul(diff))
	}
	variance = variance.Div(n.Sub(decimal.NewFromInt(1)))
	metrics.DailyPnLStdDev = decimalSqrt(variance)

	if metrics.DailyPnLStdDev.IsPositive() {
		metrics.SharpeRatio = mean.Div(metrics.DailyPnLStdDev)
	}

	// Max drawdown over the cumulative realized-PnL curve.
	cumulative := decimal.Zero
	peak := decimal.Zero
	for _, d := range daily {
		cumulative = cumulative.Add(d)
		if cumulative.GreaterThan(peak) {
			peak = cumulative
		}
		if peak.IsPositive() {
			drawdown := peak.Sub(cumulative).Div(peak)
			if drawdown.GreaterThan(metrics.MaxDrawdown) {
				metrics.MaxDrawdown = drawdown
			}
		}
	}

	return metrics, nil
}

// decimalSqrt computes a square root by Newton iteration, staying in decimal
// so repeated runs are byte-identical.
func decimalSqrt(d decimal.Decimal) decimal.Decimal {
	if !d.IsPositive() {
		return decimal.Zero
	}
	guess := d.Div(decimal.NewFromInt(2))
	if guess.IsZero() {
		guess = d
	}
	two := decimal.NewFromInt(2)
	for i := 0; i < 32; i++ {
		next := guess.Add(d.Div(guess)).Div(two)
		if next.Sub(guess).Abs().LessThan(decimal.New(1, -12)) {
			return next.Round(12)
		}
		guess = next
	}
	return guess.Round(12)
}
