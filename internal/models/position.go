package models

import (
	"fmt"
	"math"
	"time"
)

// Structure identifies the option structure a strategy trades.
type Structure string

const (
	// ShortPut sells a single put.
	ShortPut Structure = "short_put"
	// ShortCall sells a single call.
	ShortCall Structure = "short_call"
	// ShortStrangle sells an OTM put and an OTM call in the same expiration.
	ShortStrangle Structure = "short_strangle"
)

// Valid returns true if the Structure is one of the defined constants.
func (s Structure) Valid() bool {
	switch s {
	case ShortPut, ShortCall, ShortStrangle:
		return true
	default:
		return false
	}
}

// Legs returns how many option legs the structure carries.
func (s Structure) Legs() int {
	if s == ShortStrangle {
		return 2
	}
	return 1
}

// ExitReason classifies why a position was closed.
type ExitReason string

const (
	// ExitProfitTarget fires when gain exceeds the configured fraction of credit.
	ExitProfitTarget ExitReason = "PROFIT_TARGET"
	// ExitStopLoss fires when loss exceeds the configured multiple of credit.
	ExitStopLoss ExitReason = "STOP_LOSS"
	// ExitDefensive fires when days remaining fall to the defensive DTE cutoff.
	ExitDefensive ExitReason = "DEFENSIVE_MANAGEMENT"
	// ExitExpired settles the position to intrinsic value at expiration.
	ExitExpired ExitReason = "EXPIRED"
	// ExitEndOfData closes anything still open when the replay window ends.
	ExitEndOfData ExitReason = "END_OF_DATA"
)

// Position is one open trade. Quantity is signed: negative for short
// structures, positive for long. Prices are per-share option premiums;
// dollar amounts multiply by SharesPerContract and the quantity.
type Position struct {
	StateMachine *StateMachine `json:"-"` // runtime only
	State        PositionState `json:"state"`

	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	StrategyID       string    `json:"strategy_id"`
	CorrelationGroup string    `json:"correlation_group"`
	Structure        Structure `json:"structure"`

	EntryDate  time.Time `json:"entry_date"`
	Expiration time.Time `json:"expiration"`

	PutStrike  float64 `json:"put_strike,omitempty"`
	CallStrike float64 `json:"call_strike,omitempty"`

	Quantity   int     `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
	EntrySpot  float64 `json:"entry_spot"`
	EntryIV    float64 `json:"entry_iv"`

	// BPRequirement is the buying power reserved for this position, in dollars.
	BPRequirement float64 `json:"bp_requirement"`
	// Commissions accumulated so far, in dollars (entry at open, exit added at close).
	Commissions float64 `json:"commissions"`
}

// NewPosition creates a position in the candidate state.
func NewPosition(id, symbol, strategyID, group string, structure Structure) *Position {
	sm := NewStateMachine()
	// Candidate creation is itself the entry signal firing.
	_ = sm.Transition(StateCandidate, ConditionEntrySignal, time.Time{})
	return &Position{
		StateMachine:     sm,
		State:            StateCandidate,
		ID:               id,
		Symbol:           symbol,
		StrategyID:       strategyID,
		CorrelationGroup: group,
		Structure:        structure,
	}
}

// TransitionState moves the position to a new lifecycle state.
func (p *Position) TransitionState(to PositionState, condition string, at time.Time) error {
	if err := p.ensureMachine().Transition(to, condition, at); err != nil {
		return fmt.Errorf("position %s: %w", p.ID, err)
	}
	p.State = to
	return nil
}

func (p *Position) ensureMachine() *StateMachine {
	if p.StateMachine == nil {
		p.StateMachine = NewStateMachineFromState(p.State)
	}
	return p.StateMachine
}

// Contracts returns the unsigned contract count.
func (p *Position) Contracts() int {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// IsShort reports whether this is a credit (short premium) structure.
func (p *Position) IsShort() bool { return p.Quantity < 0 }

// DTEAsOf returns days to expiration as of the given date, floored at zero.
func (p *Position) DTEAsOf(date time.Time) int {
	days := DaysBetween(date, p.Expiration)
	if days < 0 {
		return 0
	}
	return days
}

// CreditReceived returns the total entry credit in dollars for short
// structures, zero for long ones.
func (p *Position) CreditReceived() float64 {
	if !p.IsShort() {
		return 0
	}
	return p.EntryPrice * SharesPerContract * float64(p.Contracts())
}

// UnrealizedPnL returns the dollar P&L at the given per-share mark,
// net of commissions charged so far.
func (p *Position) UnrealizedPnL(mark float64) float64 {
	return (mark-p.EntryPrice)*SharesPerContract*float64(p.Quantity) - p.Commissions
}

// MarketValue returns the signed liquidation value of the position in dollars.
// Short positions carry negative value (the cost to buy back).
func (p *Position) MarketValue() float64 {
	return p.MarkPrice * SharesPerContract * float64(p.Quantity)
}

// ValidateState checks the position's data against its lifecycle state.
func (p *Position) ValidateState() error {
	if !p.Structure.Valid() {
		return fmt.Errorf("position %s: unknown structure %q", p.ID, p.Structure)
	}
	switch p.State {
	case StateNone, StateCandidate:
		if !p.EntryDate.IsZero() {
			return fmt.Errorf("position %s in state %s: EntryDate must be zero", p.ID, p.State)
		}
		if p.Quantity != 0 {
			return fmt.Errorf("position %s in state %s: Quantity must be zero (current: %d)",
				p.ID, p.State, p.Quantity)
		}
	case StateOpen, StateManaged:
		if p.EntryDate.IsZero() {
			return fmt.Errorf("position %s in state %s: EntryDate must be set", p.ID, p.State)
		}
		if p.Quantity == 0 {
			return fmt.Errorf("position %s in state %s: Quantity must be non-zero", p.ID, p.State)
		}
		if p.Expiration.Before(p.EntryDate) {
			return fmt.Errorf("position %s: expiration %s precedes entry %s",
				p.ID, p.Expiration.Format("2006-01-02"), p.EntryDate.Format("2006-01-02"))
		}
		if p.EntryPrice <= 0 {
			return fmt.Errorf("position %s in state %s: EntryPrice must be positive (current: %.2f)",
				p.ID, p.State, p.EntryPrice)
		}
	case StateClosed:
		return fmt.Errorf("position %s: closed positions live in the trade list, not the ledger", p.ID)
	default:
		return fmt.Errorf("position %s: unknown state %q", p.ID, p.State)
	}
	return nil
}

// Trade is an immutable record of a closed position.
type Trade struct {
	ID               string     `json:"id"`
	StrategyID       string     `json:"strategy_id"`
	Symbol           string     `json:"symbol"`
	CorrelationGroup string     `json:"correlation_group"`
	Structure        Structure  `json:"structure"`
	EntryDate        time.Time  `json:"entry_date"`
	ExitDate         time.Time  `json:"exit_date"`
	Expiration       time.Time  `json:"expiration"`
	PutStrike        float64    `json:"put_strike,omitempty"`
	CallStrike       float64    `json:"call_strike,omitempty"`
	Quantity         int        `json:"quantity"`
	EntryPrice       float64    `json:"entry_price"`
	ExitPrice        float64    `json:"exit_price"`
	PnL              float64    `json:"pnl"`
	Commissions      float64    `json:"commissions"`
	ExitReason       ExitReason `json:"exit_reason"`
}

// RealizedPnL computes the dollar P&L for a round trip. The sign convention
// is carried by the signed quantity: shorts profit when exit < entry.
func RealizedPnL(entry, exit float64, quantity int, commissions float64) float64 {
	return (exit-entry)*SharesPerContract*float64(quantity) - commissions
}

// CloseToTrade terminates a position into a Trade. The position must already
// be in the closed state.
func (p *Position) CloseToTrade(exitPrice float64, reason ExitReason, exitDate time.Time) (Trade, error) {
	if p.State != StateClosed {
		return Trade{}, fmt.Errorf("position %s: cannot convert state %s to trade", p.ID, p.State)
	}
	pnl := RealizedPnL(p.EntryPrice, exitPrice, p.Quantity, p.Commissions)
	// Guard against negative-zero leaking into serialized output.
	if pnl == 0 {
		pnl = math.Abs(pnl)
	}
	return Trade{
		ID:               p.ID,
		StrategyID:       p.StrategyID,
		Symbol:           p.Symbol,
		CorrelationGroup: p.CorrelationGroup,
		Structure:        p.Structure,
		EntryDate:        p.EntryDate,
		ExitDate:         exitDate,
		Expiration:       p.Expiration,
		PutStrike:        p.PutStrike,
		CallStrike:       p.CallStrike,
		Quantity:         p.Quantity,
		EntryPrice:       p.EntryPrice,
		ExitPrice:        exitPrice,
		PnL:              pnl,
		Commissions:      p.Commissions,
		ExitReason:       reason,
	}, nil
}
