// Package engine runs the deterministic daily replay: mark and exit open
// positions, then evaluate entries, then snapshot equity, one trading date
// at a time. Given identical configuration and data, two runs produce
// byte-identical output.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/dunder_backtester/internal/analytics"
	"github.com/eddiefleurent/dunder_backtester/internal/config"
	"github.com/eddiefleurent/dunder_backtester/internal/journal"
	"github.com/eddiefleurent/dunder_backtester/internal/ledger"
	"github.com/eddiefleurent/dunder_backtester/internal/marketdata"
	"github.com/eddiefleurent/dunder_backtester/internal/models"
	"github.com/eddiefleurent/dunder_backtester/internal/pricing"
	"github.com/eddiefleurent/dunder_backtester/internal/risk"
	"github.com/eddiefleurent/dunder_backtester/internal/strategy"
)

// WarningCode classifies a non-fatal data or risk event during the loop.
type WarningCode string

const (
	// WarnMissingData means a bar, vol-index level, or chain was absent.
	WarnMissingData WarningCode = "MISSING_DATA"
	// WarnInvalidQuote means a selected contract had a zero or crossed market.
	WarnInvalidQuote WarningCode = "INVALID_QUOTE"
	// WarnRiskRejected means the risk manager refused an entry.
	WarnRiskRejected WarningCode = "RISK_REJECTED"
)

// Warning is one accumulated non-fatal event. The run continues past it.
type Warning struct {
	Date       time.Time   `json:"date"`
	Code       WarningCode `json:"code"`
	StrategyID string      `json:"strategy_id,omitempty"`
	Symbol     string      `json:"symbol,omitempty"`
	Message    string      `json:"message"`
}

// Result is everything a finished run produced.
type Result struct {
	RunID    string
	Report   *analytics.Report
	Trades   []models.Trade
	Equity   []ledger.EquityPoint
	Warnings []Warning
}

// Engine drives one simulation run over a preloaded store.
type Engine struct {
	cfg     *config.Config
	store   *marketdata.Store
	journal journal.Journal
	logger  *logrus.Logger

	defs    []strategy.Definition
	riskMgr *risk.Manager
}

// New builds an engine. Strategy conversion failures are configuration
// errors and abort before any date is processed.
func New(cfg *config.Config, store *marketdata.Store, jrnl journal.Journal, logger *logrus.Logger) (*Engine, error) {
	defs, err := strategy.FromConfigs(cfg.Strategies)
	if err != nil {
		return nil, fmt.Errorf("building strategies: %w", err)
	}
	// Deterministic evaluation order: priority ascending, ID as tiebreak.
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority < defs[j].Priority
		}
		return defs[i].ID < defs[j].ID
	})
	if jrnl == nil {
		jrnl = journal.Nop{}
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		journal: jrnl,
		logger:  logger,
		defs:    defs,
		riskMgr: risk.NewManager(cfg.Risk.AccountPhases, cfg.Risk.PositionRiskPct),
	}, nil
}

// Run executes the full replay. Cancellation is checked once per date; a
// canceled run returns the context error with no partial result.
func (e *Engine) Run(ctx context.Context, runID string) (*Result, error) {
	led := ledger.New(e.cfg.Simulation.InitialCapital)
	cache := pricing.NewCache()
	eval := strategy.NewEvaluator(e.cfg.Simulation.RiskFreeRate, cache)

	var warnings []Warning
	warn := func(w Warning) {
		warnings = append(warnings, w)
		e.logger.WithFields(logrus.Fields{
			"run":      runID,
			"code":     string(w.Code),
			"date":     w.Date.Format("2006-01-02"),
			"strategy": w.StrategyID,
			"symbol":   w.Symbol,
		}).Warn(w.Message)
	}

	dates := e.store.Dates()
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run %s canceled at %s: %w", runID, date.Format("2006-01-02"), err)
		}

		// Exits settle before entries so freed capital and correlation
		// capacity are available the same day.
		if err := e.processExits(led, eval, cache, date, runID, warn); err != nil {
			return nil, err
		}
		if err := e.processEntries(led, eval, date, runID, warn); err != nil {
			return nil, err
		}
		// Same-day expirations entered this morning never reach processExits,
		// so expiration is settled after entries as well.
		if err := e.settleExpired(led, date, runID); err != nil {
			return nil, err
		}

		pt := led.Snapshot(date)
		if err := e.journal.RecordEquity(runID, pt); err != nil {
			return nil, fmt.Errorf("journaling equity: %w", err)
		}
	}

	// Anything still open settles at its last mark when the data ends.
	if len(dates) > 0 {
		if err := e.settleRemaining(led, dates[len(dates)-1], runID); err != nil {
			return nil, err
		}
	}

	report := analytics.Analyze(e.cfg.Simulation.InitialCapital, led.Trades(), led.EquityCurve())
	if err := e.journal.RecordSummary(runID, report); err != nil {
		return nil, fmt.Errorf("journaling summary: %w", err)
	}

	hits, misses := cache.Stats()
	e.logger.WithFields(logrus.Fields{
		"run":          runID,
		"trades":       len(led.Trades()),
		"warnings":     len(warnings),
		"cache_hits":   hits,
		"cache_misses": misses,
	}).Info("run complete")

	return &Result{
		RunID:    runID,
		Report:   report,
		Trades:   led.Trades(),
		Equity:   led.EquityCurve(),
		Warnings: warnings,
	}, nil
}

// processExits marks every open position and applies exit and escalation
// rules. Positions iterate in ID order so the day's fills are stable.
func (e *Engine) processExits(led *ledger.Ledger, eval *strategy.Evaluator,
	cache *pricing.Cache, date time.Time, runID string, warn func(Warning)) error {

	for _, pos := range led.OpenPositions() {
		def, ok := e.defFor(pos.StrategyID)
		if !ok {
			return fmt.Errorf("position %s references unknown strategy %s", pos.ID, pos.StrategyID)
		}

		bar, ok := e.store.Bar(pos.Symbol, date)
		if !ok {
			warn(Warning{
				Date: date, Code: WarnMissingData,
				StrategyID: pos.StrategyID, Symbol: pos.Symbol,
				Message: fmt.Sprintf("no bar for %s, position %s keeps prior mark", pos.Symbol, pos.ID),
			})
			continue
		}

		mark := e.markPosition(cache, pos, bar, date)
		if err := led.Mark(pos.ID, mark); err != nil {
			return err
		}

		if reason, exit := eval.CheckExit(def, pos, mark, date); exit {
			exitPrice := mark
			if reason == models.ExitExpired {
				exitPrice = settlementValue(pos, bar.Close)
			}
			exitCommission := e.commissionFor(pos)
			trade, err := led.Close(pos.ID, exitPrice, reason, date, exitCommission)
			if err != nil {
				return err
			}
			if err := e.journal.RecordTrade(runID, trade); err != nil {
				return fmt.Errorf("journaling trade %s: %w", trade.ID, err)
			}
			e.logger.WithFields(logrus.Fields{
				"run":      runID,
				"position": pos.ID,
				"strategy": pos.StrategyID,
				"reason":   string(reason),
				"pnl":      trade.PnL,
			}).Info("position closed")
			continue
		}

		// Loss escalation moves the position between open and managed
		// without changing how it marks or exits.
		switch {
		case pos.State == models.StateOpen && eval.ShouldEscalate(def, pos, mark):
			if err := pos.TransitionState(models.StateManaged, models.ConditionLossEscalation, date); err != nil {
				return err
			}
			e.logger.WithFields(logrus.Fields{
				"run": runID, "position": pos.ID, "pnl": pos.UnrealizedPnL(mark),
			}).Info("position escalated to managed")
		case pos.State == models.StateManaged && eval.ShouldRecover(def, pos, mark):
			if err := pos.TransitionState(models.StateOpen, models.ConditionRecovered, date); err != nil {
				return err
			}
		}
	}
	return nil
}

// processEntries evaluates every strategy in priority order and books the
// approved candidates.
func (e *Engine) processEntries(led *ledger.Ledger, eval *strategy.Evaluator,
	date time.Time, runID string, warn func(Warning)) error {

	volLevel, haveVol := e.store.VolatilityLevel(date)
	if !haveVol {
		warn(Warning{
			Date: date, Code: WarnMissingData,
			Symbol:  e.cfg.Simulation.VolatilityIndex,
			Message: "no volatility index level, skipping entries for the day",
		})
		return nil
	}

	for _, def := range e.defs {
		// One open position per (strategy, symbol) at a time.
		if led.HasOpenForStrategy(def.ID, def.Symbol) {
			continue
		}

		acct := led.State()
		phase := e.riskMgr.PhaseFor(acct.Equity)
		if !e.riskMgr.StrategyEnabled(phase, def.ID) {
			continue
		}

		bar, ok := e.store.Bar(def.Symbol, date)
		if !ok {
			warn(Warning{
				Date: date, Code: WarnMissingData,
				StrategyID: def.ID, Symbol: def.Symbol,
				Message: fmt.Sprintf("no bar for %s", def.Symbol),
			})
			continue
		}

		snap := strategy.MarketSnapshot{
			Date:     date,
			Bar:      bar,
			VolLevel: volLevel,
			IVRank:   e.store.IVRank(def.Symbol, date),
		}
		if ok, reason := eval.CheckEntry(def, snap); !ok {
			e.logger.WithFields(logrus.Fields{
				"run": runID, "strategy": def.ID, "date": date.Format("2006-01-02"),
			}).Debug(reason)
			continue
		}

		chain, ok := e.store.Chain(def.Symbol, date)
		if !ok {
			warn(Warning{
				Date: date, Code: WarnMissingData,
				StrategyID: def.ID, Symbol: def.Symbol,
				Message: fmt.Sprintf("no option chain for %s", def.Symbol),
			})
			continue
		}

		plan, err := eval.SelectContracts(def, snap, chain)
		if err != nil {
			if errors.Is(err, strategy.ErrInvalidQuote) {
				warn(Warning{
					Date: date, Code: WarnInvalidQuote,
					StrategyID: def.ID, Symbol: def.Symbol,
					Message: err.Error(),
				})
			} else {
				e.logger.WithFields(logrus.Fields{
					"run": runID, "strategy": def.ID,
				}).Debug(err.Error())
			}
			continue
		}

		approval, rej := e.riskMgr.ApproveEntry(risk.EntryRequest{
			StrategyID:         def.ID,
			Symbol:             def.Symbol,
			CorrelationGroup:   e.cfg.GroupFor(def.Symbol),
			MaxLossPerContract: plan.MaxLossPerContract,
		}, risk.AccountSnapshot{
			Equity:          acct.Equity,
			BuyingPowerUsed: acct.BuyingPowerUsed,
			VolatilityLevel: volLevel,
			OpenInGroup:     led.OpenInGroup(e.cfg.GroupFor(def.Symbol)),
		})
		if rej != nil {
			warn(Warning{
				Date: date, Code: WarnRiskRejected,
				StrategyID: def.ID, Symbol: def.Symbol,
				Message: rej.Error(),
			})
			continue
		}

		if err := e.openPosition(led, def, snap, plan, approval, date, runID); err != nil {
			return err
		}
	}
	return nil
}

// openPosition books one approved entry into the ledger.
func (e *Engine) openPosition(led *ledger.Ledger, def strategy.Definition,
	snap strategy.MarketSnapshot, plan *strategy.EntryPlan,
	approval risk.Approval, date time.Time, runID string) error {

	pos := models.NewPosition(newPositionID(runID, def.ID, date), def.Symbol, def.ID,
		e.cfg.GroupFor(def.Symbol), def.Structure)
	pos.EntryDate = date
	pos.Expiration = plan.Expiration
	pos.Quantity = -approval.Contracts // short premium
	pos.EntryPrice = plan.Credit
	pos.MarkPrice = plan.Credit
	pos.EntrySpot = snap.Bar.Close
	pos.EntryIV = snap.Bar.ImpliedVol
	pos.BPRequirement = approval.BPRequired
	if plan.Put != nil {
		pos.PutStrike = plan.Put.Strike
	}
	if plan.Call != nil {
		pos.CallStrike = plan.Call.Strike
	}
	pos.Commissions = e.commissionFor(pos)

	if err := led.Open(pos, date); err != nil {
		return fmt.Errorf("opening position for %s: %w", def.ID, err)
	}

	e.logger.WithFields(logrus.Fields{
		"run":        runID,
		"position":   pos.ID,
		"strategy":   def.ID,
		"symbol":     def.Symbol,
		"expiration": plan.Expiration.Format("2006-01-02"),
		"contracts":  approval.Contracts,
		"credit":     plan.Credit,
		"regime":     approval.Band.Label,
	}).Info("position opened")
	return nil
}

// markPosition values the structure at mid, falling back to the model when
// a leg's quote is missing or untradeable.
func (e *Engine) markPosition(cache *pricing.Cache, pos *models.Position,
	bar models.MarketBar, date time.Time) float64 {

	chain, haveChain := e.store.Chain(pos.Symbol, date)
	dte := models.DaysBetween(date, pos.Expiration)

	leg := func(strike float64, right models.OptionRight) float64 {
		if haveChain {
			if q, ok := chain.FindQuote(pos.Expiration, right, strike); ok && q.Tradeable() {
				return q.Mid()
			}
		}
		vol := bar.ImpliedVol
		if vol <= 0 {
			vol = pos.EntryIV
		}
		res := cache.Evaluate(pos.Symbol, date, pricing.Input{
			Spot:         bar.Close,
			Strike:       strike,
			TimeToExpiry: pricing.Years(dte),
			Rate:         e.cfg.Simulation.RiskFreeRate,
			Vol:          vol,
			Right:        right,
		})
		return res.Price
	}

	var mark float64
	if pos.Structure == models.ShortPut || pos.Structure == models.ShortStrangle {
		mark += leg(pos.PutStrike, models.Put)
	}
	if pos.Structure == models.ShortCall || pos.Structure == models.ShortStrangle {
		mark += leg(pos.CallStrike, models.Call)
	}
	return mark
}

// settleExpired closes any position whose expiration has arrived at that
// day's intrinsic value. Positions opened on earlier dates are handled by
// processExits (which lets stop and profit checks win on expiration day);
// this pass catches positions that expire the same day they were entered,
// so they never survive into the next session.
func (e *Engine) settleExpired(led *ledger.Ledger, date time.Time, runID string) error {
	for _, pos := range led.OpenPositions() {
		if date.Before(pos.Expiration) {
			continue
		}
		spot := pos.EntrySpot
		if bar, ok := e.store.Bar(pos.Symbol, date); ok {
			spot = bar.Close
		}
		trade, err := led.Close(pos.ID, settlementValue(pos, spot), models.ExitExpired, date, e.commissionFor(pos))
		if err != nil {
			return err
		}
		if err := e.journal.RecordTrade(runID, trade); err != nil {
			return fmt.Errorf("journaling trade %s: %w", trade.ID, err)
		}
		e.logger.WithFields(logrus.Fields{
			"run": runID, "position": trade.ID, "pnl": trade.PnL,
		}).Info("position settled at expiration")
	}
	return nil
}

// settleRemaining closes anything still open on the final date at its last
// mark so no position survives the replay window.
func (e *Engine) settleRemaining(led *ledger.Ledger, lastDate time.Time, runID string) error {
	for _, pos := range led.OpenPositions() {
		trade, err := led.Close(pos.ID, pos.MarkPrice, models.ExitEndOfData, lastDate, e.commissionFor(pos))
		if err != nil {
			return err
		}
		if err := e.journal.RecordTrade(runID, trade); err != nil {
			return fmt.Errorf("journaling trade %s: %w", trade.ID, err)
		}
		e.logger.WithFields(logrus.Fields{
			"run": runID, "position": trade.ID, "pnl": trade.PnL,
		}).Info("position settled at end of data")
	}
	return nil
}

// settlementValue returns the per-share intrinsic value of the structure
// at expiration.
func settlementValue(pos *models.Position, spot float64) float64 {
	var v float64
	if pos.Structure == models.ShortPut || pos.Structure == models.ShortStrangle {
		v += pricing.IntrinsicValue(spot, pos.PutStrike, models.Put)
	}
	if pos.Structure == models.ShortCall || pos.Structure == models.ShortStrangle {
		v += pricing.IntrinsicValue(spot, pos.CallStrike, models.Call)
	}
	return v
}

// commissionFor returns one side's commission for the whole structure.
func (e *Engine) commissionFor(pos *models.Position) float64 {
	return e.cfg.Simulation.CommissionPerContract * float64(pos.Contracts()*pos.Structure.Legs())
}

// newPositionID derives a stable, unique position ID. Name-based UUIDs keep
// replays byte-identical: the same run ID over the same data always labels
// positions identically. At most one entry per strategy per date makes the
// name unique.
func newPositionID(runID, strategyID string, date time.Time) string {
	name := fmt.Sprintf("%s/%s/%s", runID, strategyID, date.Format("2006-01-02"))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func (e *Engine) defFor(id string) (strategy.Definition, bool) {
	for _, d := range e.defs {
		if d.ID == id {
			return d, true
		}
	}
	return strategy.Definition{}, false
}
