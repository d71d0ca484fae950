// Package ledger tracks the simulated account: cash, open positions,
// reserved buying power, and the immutable trade history. It is pure
// bookkeeping; decisions about what to open or close live upstream.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// AccountState is a read-only view of the ledger at a point in time.
type AccountState struct {
	Cash            float64
	BuyingPowerUsed float64
	OpenPositions   int
	// Equity is cash plus the signed market value of every open position.
	Equity float64
}

// EquityPoint is one end-of-day equity snapshot.
type EquityPoint struct {
	Date            time.Time `json:"date"`
	Equity          float64   `json:"equity"`
	Cash            float64   `json:"cash"`
	BuyingPowerUsed float64   `json:"buying_power_used"`
	Open            int       `json:"open_positions"`
}

// Ledger holds the account for one simulation run. Not safe for concurrent
// use; a run mutates it from a single goroutine.
type Ledger struct {
	cash      float64
	bpUsed    float64
	positions map[string]*models.Position
	byGroup   map[string]int
	trades    []models.Trade
	equity    []EquityPoint
}

// New creates a ledger seeded with the starting capital.
func New(initialCapital float64) *Ledger {
	return &Ledger{
		cash:      initialCapital,
		positions: make(map[string]*models.Position),
		byGroup:   make(map[string]int),
	}
}

// Open books an approved candidate position into the account. The position
// transitions candidate -> open, the entry credit lands in cash, and its
// buying power is reserved.
func (l *Ledger) Open(pos *models.Position, at time.Time) error {
	if _, exists := l.positions[pos.ID]; exists {
		return fmt.Errorf("position %s already open", pos.ID)
	}
	if err := pos.TransitionState(models.StateOpen, models.ConditionRiskApproved, at); err != nil {
		return err
	}
	if err := pos.ValidateState(); err != nil {
		return err
	}

	// Shorts collect the premium up front; longs pay it.
	l.cash += -pos.EntryPrice * models.SharesPerContract * float64(pos.Quantity)
	l.cash -= pos.Commissions
	l.bpUsed += pos.BPRequirement
	l.positions[pos.ID] = pos
	l.byGroup[pos.CorrelationGroup]++
	return nil
}

// Close removes a position from the account at the given per-share exit
// price and returns the resulting trade. The exit commission is charged
// here; cash settles the buyback (or sale) and the reserved buying power
// is released.
func (l *Ledger) Close(id string, exitPrice float64, reason models.ExitReason,
	at time.Time, exitCommission float64) (models.Trade, error) {

	pos, ok := l.positions[id]
	if !ok {
		return models.Trade{}, fmt.Errorf("position %s not open", id)
	}
	if err := pos.TransitionState(models.StateClosed, models.ConditionExit, at); err != nil {
		return models.Trade{}, err
	}

	pos.Commissions += exitCommission
	trade, err := pos.CloseToTrade(exitPrice, reason, at)
	if err != nil {
		return models.Trade{}, err
	}

	// Unwind: shorts buy back (cash out), longs sell (cash in).
	l.cash += exitPrice * models.SharesPerContract * float64(pos.Quantity)
	l.cash -= exitCommission
	l.bpUsed -= pos.BPRequirement
	if l.bpUsed < 0 {
		l.bpUsed = 0
	}
	l.byGroup[pos.CorrelationGroup]--
	delete(l.positions, id)
	l.trades = append(l.trades, trade)
	return trade, nil
}

// Mark updates a position's mark price.
func (l *Ledger) Mark(id string, mark float64) error {
	pos, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("position %s not open", id)
	}
	pos.MarkPrice = mark
	return nil
}

// Position returns an open position by ID.
func (l *Ledger) Position(id string) (*models.Position, bool) {
	pos, ok := l.positions[id]
	return pos, ok
}

// OpenPositions returns the open positions ordered by ID, so iteration
// order never depends on map layout.
func (l *Ledger) OpenPositions() []*models.Position {
	out := make([]*models.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenInGroup returns the open position count for a correlation group.
func (l *Ledger) OpenInGroup(group string) int { return l.byGroup[group] }

// HasOpenForStrategy reports whether the strategy already has an open
// position on the symbol.
func (l *Ledger) HasOpenForStrategy(strategyID, symbol string) bool {
	for _, p := range l.positions {
		if p.StrategyID == strategyID && p.Symbol == symbol {
			return true
		}
	}
	return false
}

// State returns the current account snapshot.
func (l *Ledger) State() AccountState {
	equity := l.cash
	for _, p := range l.positions {
		equity += p.MarketValue()
	}
	return AccountState{
		Cash:            l.cash,
		BuyingPowerUsed: l.bpUsed,
		OpenPositions:   len(l.positions),
		Equity:          equity,
	}
}

// Snapshot appends an end-of-day equity point.
func (l *Ledger) Snapshot(date time.Time) EquityPoint {
	s := l.State()
	pt := EquityPoint{
		Date:            date,
		Equity:          s.Equity,
		Cash:            s.Cash,
		BuyingPowerUsed: s.BuyingPowerUsed,
		Open:            s.OpenPositions,
	}
	l.equity = append(l.equity, pt)
	return pt
}

// Trades returns the closed trades in close order.
func (l *Ledger) Trades() []models.Trade { return l.trades }

// EquityCurve returns the recorded equity snapshots in date order.
func (l *Ledger) EquityCurve() []EquityPoint { return l.equity }
