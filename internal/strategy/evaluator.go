package strategy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
	"github.com/eddiefleurent/dunder_backtester/internal/pricing"
)

// Sentinel errors for entry selection. Callers classify them to decide
// between a skipped attempt and a logged data-quality warning.
var (
	// ErrNoExpiration means the chain has no expiration inside the DTE window.
	ErrNoExpiration = errors.New("no expiration within DTE range")
	// ErrInvalidQuote means the selected contract's market is zero or crossed.
	ErrInvalidQuote = errors.New("invalid quote")
	// ErrCreditTooLow means the structure prices below the configured minimum.
	ErrCreditTooLow = errors.New("credit below minimum")
)

// MarketSnapshot carries everything the entry filters need for one
// (symbol, date) evaluation.
type MarketSnapshot struct {
	Date     time.Time
	Bar      models.MarketBar
	VolLevel float64
	IVRank   float64
}

// EntryPlan is a priced, ready-to-size entry: the selected contracts and
// the worst-case loss estimate risk sizing runs on.
type EntryPlan struct {
	Expiration time.Time
	Put        *models.OptionQuote
	Call       *models.OptionQuote

	// Credit is the per-share premium collected across all legs.
	Credit float64
	// MaxLossPerContract is the estimated worst-case dollar loss for one
	// contract of the structure, used as its buying-power requirement.
	MaxLossPerContract float64
}

// Evaluator applies entry and exit rules to market snapshots. One instance
// serves every strategy; all variant behavior lives in the Definition.
type Evaluator struct {
	rate  float64
	cache *pricing.Cache
}

// NewEvaluator creates an evaluator pricing against the given risk-free
// rate, memoizing valuations in the run-scoped cache.
func NewEvaluator(rate float64, cache *pricing.Cache) *Evaluator {
	return &Evaluator{rate: rate, cache: cache}
}

// CheckEntry runs the declarative entry filters in a fixed order. When the
// snapshot fails, the returned reason names the first failing filter.
func (e *Evaluator) CheckEntry(def Definition, snap MarketSnapshot) (bool, string) {
	if len(def.Weekdays) > 0 && !def.Weekdays[snap.Date.Weekday()] {
		return false, fmt.Sprintf("weekday %s not in schedule", snap.Date.Weekday())
	}
	if def.VolIndexMin > 0 && snap.VolLevel < def.VolIndexMin {
		return false, fmt.Sprintf("vol index %.2f below minimum %.2f", snap.VolLevel, def.VolIndexMin)
	}
	if def.VolIndexMax > 0 && snap.VolLevel > def.VolIndexMax {
		return false, fmt.Sprintf("vol index %.2f above maximum %.2f", snap.VolLevel, def.VolIndexMax)
	}
	if def.MinIVR > 0 && snap.IVRank < def.MinIVR {
		return false, fmt.Sprintf("IV rank %.1f below minimum %.1f", snap.IVRank, def.MinIVR)
	}
	if def.MaxMoveFromOpenPct > 0 && snap.Bar.MoveFromOpenPct() > def.MaxMoveFromOpenPct {
		return false, fmt.Sprintf("move from open %.2f%% exceeds %.2f%%",
			snap.Bar.MoveFromOpenPct(), def.MaxMoveFromOpenPct)
	}
	return true, ""
}

// SelectContracts picks the expiration and strikes for an entry and prices
// the structure. Selection is deterministic: nearest target DTE (earlier
// wins ties), then nearest target delta per leg (closer to spot wins ties).
func (e *Evaluator) SelectContracts(def Definition, snap MarketSnapshot, chain *models.OptionChain) (*EntryPlan, error) {
	exp, ok := e.selectExpiration(def, snap.Date, chain)
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", def.Symbol, snap.Date.Format("2006-01-02"), ErrNoExpiration)
	}

	plan := &EntryPlan{Expiration: exp}
	dte := models.DaysBetween(snap.Date, exp)

	if def.Structure == models.ShortPut || def.Structure == models.ShortStrangle {
		q, err := e.selectLeg(def, snap, chain, exp, dte, models.Put)
		if err != nil {
			return nil, err
		}
		plan.Put = q
		plan.Credit += q.Mid()
	}
	if def.Structure == models.ShortCall || def.Structure == models.ShortStrangle {
		q, err := e.selectLeg(def, snap, chain, exp, dte, models.Call)
		if err != nil {
			return nil, err
		}
		plan.Call = q
		plan.Credit += q.Mid()
	}

	if def.MinCredit > 0 && plan.Credit < def.MinCredit {
		return nil, fmt.Errorf("%s %s: credit %.2f: %w",
			def.Symbol, snap.Date.Format("2006-01-02"), plan.Credit, ErrCreditTooLow)
	}

	plan.MaxLossPerContract = maxLossPerContract(def.Structure, snap.Bar.Close, plan)
	return plan, nil
}

// selectExpiration returns the chain expiration with DTE inside the
// configured window whose DTE is nearest the target. Ties break toward the
// earlier expiration.
func (e *Evaluator) selectExpiration(def Definition, date time.Time, chain *models.OptionChain) (time.Time, bool) {
	var best time.Time
	bestDist := math.MaxInt32
	found := false
	for _, exp := range chain.Expirations() {
		dte := models.DaysBetween(date, exp)
		if dte < def.MinDTE || dte > def.MaxDTE {
			continue
		}
		dist := dte - def.TargetDTE
		if dist < 0 {
			dist = -dist
		}
		if !found || dist < bestDist {
			best, bestDist, found = exp, dist, true
		}
	}
	return best, found
}

// selectLeg scans one expiration's quotes for the strike whose model delta
// magnitude is nearest the target. Delta ties break toward the strike
// closest to spot.
func (e *Evaluator) selectLeg(def Definition, snap MarketSnapshot, chain *models.OptionChain,
	exp time.Time, dte int, right models.OptionRight) (*models.OptionQuote, error) {

	quotes := chain.QuotesFor(exp, right)
	if len(quotes) == 0 {
		return nil, fmt.Errorf("%s %s %s: no %s quotes: %w",
			def.Symbol, snap.Date.Format("2006-01-02"), exp.Format("2006-01-02"), right, ErrInvalidQuote)
	}

	var best *models.OptionQuote
	bestDeltaDist := math.MaxFloat64
	bestSpotDist := math.MaxFloat64
	for i := range quotes {
		q := &quotes[i]
		res := e.cache.Evaluate(def.Symbol, snap.Date, pricing.Input{
			Spot:         snap.Bar.Close,
			Strike:       q.Strike,
			TimeToExpiry: pricing.Years(dte),
			Rate:         e.rate,
			Vol:          q.ImpliedVol,
			Right:        right,
		})
		deltaDist := math.Abs(math.Abs(res.Delta) - def.TargetDelta)
		spotDist := math.Abs(q.Strike - snap.Bar.Close)
		if deltaDist < bestDeltaDist || (deltaDist == bestDeltaDist && spotDist < bestSpotDist) {
			best, bestDeltaDist, bestSpotDist = q, deltaDist, spotDist
		}
	}

	if !best.Tradeable() {
		return nil, fmt.Errorf("%s %s %.2f %s bid %.2f ask %.2f: %w",
			def.Symbol, exp.Format("2006-01-02"), best.Strike, right, best.Bid, best.Ask, ErrInvalidQuote)
	}
	return best, nil
}

// maxLossPerContract estimates the worst-case dollar loss for one contract
// using the standard short-option margin formula: the greater of
// 20% of spot minus the OTM amount, or 10% of the strike, plus premium.
// A strangle reserves the larger leg's margin plus the other leg's premium.
func maxLossPerContract(structure models.Structure, spot float64, plan *EntryPlan) float64 {
	legMargin := func(q *models.OptionQuote, right models.OptionRight) float64 {
		otm := q.Strike - spot
		if right == models.Put {
			otm = spot - q.Strike
		}
		if otm < 0 {
			otm = 0
		}
		m := math.Max(0.20*spot-otm, 0.10*q.Strike) + q.Mid()
		return m * models.SharesPerContract
	}

	switch structure {
	case models.ShortPut:
		return legMargin(plan.Put, models.Put)
	case models.ShortCall:
		return legMargin(plan.Call, models.Call)
	case models.ShortStrangle:
		putMargin := legMargin(plan.Put, models.Put)
		callMargin := legMargin(plan.Call, models.Call)
		if putMargin >= callMargin {
			return putMargin + plan.Call.Mid()*models.SharesPerContract
		}
		return callMargin + plan.Put.Mid()*models.SharesPerContract
	default:
		return 0
	}
}

// CheckExit evaluates exit rules for an open position at the given
// per-share mark. Rules fire in a fixed priority: stop loss, profit
// target, defensive management, expiration. The first match wins.
func (e *Evaluator) CheckExit(def Definition, pos *models.Position, mark float64, date time.Time) (models.ExitReason, bool) {
	pnl := pos.UnrealizedPnL(mark)
	basis := pos.EntryPrice * models.SharesPerContract * float64(pos.Contracts())

	if def.StopLossMultiple > 0 && pnl <= -def.StopLossMultiple*basis {
		return models.ExitStopLoss, true
	}
	if def.ProfitTarget > 0 && pnl >= def.ProfitTarget*basis {
		return models.ExitProfitTarget, true
	}
	// Defensive management only applies to positions opened beyond the
	// cutoff; short-dated strategies never trip it on day one.
	if def.DefensiveDTE > 0 &&
		models.DaysBetween(pos.EntryDate, pos.Expiration) > def.DefensiveDTE &&
		pos.DTEAsOf(date) <= def.DefensiveDTE {
		return models.ExitDefensive, true
	}
	if !date.Before(pos.Expiration) {
		return models.ExitExpired, true
	}
	return "", false
}

// ShouldEscalate reports whether an open position's loss has reached the
// escalation threshold and it should move to managed.
func (e *Evaluator) ShouldEscalate(def Definition, pos *models.Position, mark float64) bool {
	if def.EscalateLossMultiple <= 0 {
		return false
	}
	basis := pos.EntryPrice * models.SharesPerContract * float64(pos.Contracts())
	return pos.UnrealizedPnL(mark) <= -def.EscalateLossMultiple*basis
}

// ShouldRecover reports whether a managed position's loss has retreated
// back inside the escalation threshold.
func (e *Evaluator) ShouldRecover(def Definition, pos *models.Position, mark float64) bool {
	if def.EscalateLossMultiple <= 0 {
		return true
	}
	basis := pos.EntryPrice * models.SharesPerContract * float64(pos.Contracts())
	return pos.UnrealizedPnL(mark) > -def.EscalateLossMultiple*basis
}
