// Package analytics computes performance statistics over a finished run's
// trade list and equity curve. Pointer fields are nil when the metric is
// undefined (zero denominator) so serialized output says null instead of
// smuggling a zero.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/ledger"
	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// tradingDaysPerYear annualizes daily-return statistics.
const tradingDaysPerYear = 252.0

// Breakdown is one cohort's slice of the trade statistics.
type Breakdown struct {
	Trades       int      `json:"trades"`
	Wins         int      `json:"wins"`
	Losses       int      `json:"losses"`
	WinRate      float64  `json:"win_rate"`
	TotalPnL     float64  `json:"total_pnl"`
	AvgWin       float64  `json:"avg_win"`
	AvgLoss      float64  `json:"avg_loss"`
	ProfitFactor *float64 `json:"profit_factor"`
}

// Report is the full performance summary for one run.
type Report struct {
	InitialCapital float64 `json:"initial_capital"`
	FinalEquity    float64 `json:"final_equity"`
	TotalReturn    float64 `json:"total_return"`
	// AnnualizedReturn is nil when the run spans less than one day.
	AnnualizedReturn *float64 `json:"annualized_return"`

	Trades       int      `json:"trades"`
	Wins         int      `json:"wins"`
	Losses       int      `json:"losses"`
	WinRate      float64  `json:"win_rate"`
	TotalPnL     float64  `json:"total_pnl"`
	AvgWin       float64  `json:"avg_win"`
	AvgLoss      float64  `json:"avg_loss"`
	ProfitFactor *float64 `json:"profit_factor"`

	MaxDrawdown float64 `json:"max_drawdown"`
	// Sharpe is the annualized daily-return Sharpe ratio, nil when the
	// equity curve is too short or return variance is zero.
	Sharpe *float64 `json:"sharpe"`

	TotalCommissions float64 `json:"total_commissions"`

	ByStrategy map[string]*Breakdown `json:"by_strategy"`
	ByGroup    map[string]*Breakdown `json:"by_group"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Analyze builds the report from a run's outputs. The equity curve must be
// in date order, which the ledger guarantees.
func Analyze(initialCapital float64, trades []models.Trade, curve []ledger.EquityPoint) *Report {
	r := &Report{
		InitialCapital: initialCapital,
		FinalEquity:    initialCapital,
		ByStrategy:     make(map[string]*Breakdown),
		ByGroup:        make(map[string]*Breakdown),
	}
	if len(curve) > 0 {
		r.Start = curve[0].Date
		r.End = curve[len(curve)-1].Date
		r.FinalEquity = curve[len(curve)-1].Equity
	}
	if initialCapital > 0 {
		r.TotalReturn = (r.FinalEquity - initialCapital) / initialCapital
	}
	r.AnnualizedReturn = annualizedReturn(r.TotalReturn, r.Start, r.End)

	var grossWin, grossLoss float64
	for _, t := range trades {
		r.Trades++
		r.TotalPnL += t.PnL
		r.TotalCommissions += t.Commissions
		if t.PnL >= 0 {
			r.Wins++
			grossWin += t.PnL
		} else {
			r.Losses++
			grossLoss += -t.PnL
		}
		tally(r.ByStrategy, t.StrategyID, t.PnL)
		tally(r.ByGroup, t.CorrelationGroup, t.PnL)
	}
	if r.Trades > 0 {
		r.WinRate = float64(r.Wins) / float64(r.Trades)
	}
	if r.Wins > 0 {
		r.AvgWin = grossWin / float64(r.Wins)
	}
	if r.Losses > 0 {
		r.AvgLoss = -grossLoss / float64(r.Losses)
	}
	if grossLoss > 0 {
		pf := grossWin / grossLoss
		r.ProfitFactor = &pf
	}
	finishBreakdowns(r.ByStrategy)
	finishBreakdowns(r.ByGroup)

	r.MaxDrawdown = MaxDrawdown(curve)
	r.Sharpe = Sharpe(curve)
	return r
}

// tally accumulates one trade into a cohort. Averages and ratios are
// finalized afterwards; until then AvgWin/AvgLoss hold gross sums.
func tally(m map[string]*Breakdown, key string, pnl float64) {
	b, ok := m[key]
	if !ok {
		b = &Breakdown{}
		m[key] = b
	}
	b.Trades++
	b.TotalPnL += pnl
	if pnl >= 0 {
		b.Wins++
		b.AvgWin += pnl
	} else {
		b.Losses++
		b.AvgLoss += pnl
	}
}

func finishBreakdowns(m map[string]*Breakdown) {
	for _, b := range m {
		grossWin := b.AvgWin
		grossLoss := -b.AvgLoss
		if b.Trades > 0 {
			b.WinRate = float64(b.Wins) / float64(b.Trades)
		}
		if b.Wins > 0 {
			b.AvgWin = grossWin / float64(b.Wins)
		} else {
			b.AvgWin = 0
		}
		if b.Losses > 0 {
			b.AvgLoss = -grossLoss / float64(b.Losses)
		} else {
			b.AvgLoss = 0
		}
		if grossLoss > 0 {
			pf := grossWin / grossLoss
			b.ProfitFactor = &pf
		}
	}
}

// MaxDrawdown returns the largest peak-to-trough equity decline as a
// positive fraction of the peak.
func MaxDrawdown(curve []ledger.EquityPoint) float64 {
	var peak, maxDD float64
	for _, pt := range curve {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		if peak > 0 {
			dd := (peak - pt.Equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// Sharpe returns the annualized Sharpe ratio of daily equity returns, nil
// when fewer than two daily returns exist or their variance is zero.
func Sharpe(curve []ledger.EquityPoint) *float64 {
	if len(curve) < 3 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			return nil
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return nil
	}

	s := mean / math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear)
	return &s
}

// annualizedReturn geometrically annualizes the total return over the run's
// calendar span. Nil for spans under one day.
func annualizedReturn(totalReturn float64, start, end time.Time) *float64 {
	days := models.DaysBetween(start, end)
	if days < 1 || totalReturn <= -1 {
		return nil
	}
	years := float64(days) / 365.0
	a := math.Pow(1+totalReturn, 1/years) - 1
	return &a
}

// SortedKeys returns a map's keys in sorted order, for stable report output.
func SortedKeys(m map[string]*Breakdown) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
