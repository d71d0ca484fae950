package models

import (
	"fmt"
	"time"
)

// PositionState represents the lifecycle state of a position.
type PositionState string

const (
	// StateNone means no candidate has been identified.
	StateNone PositionState = "none"
	// StateCandidate means an entry predicate fired and the position awaits risk approval.
	StateCandidate PositionState = "candidate"
	// StateOpen means the position is filled and being marked to market daily.
	StateOpen PositionState = "open"
	// StateManaged means the position crossed the loss-escalation threshold
	// and is under defensive monitoring. It still marks and exits normally.
	StateManaged PositionState = "managed"
	// StateClosed means the position has been terminated into a Trade.
	StateClosed PositionState = "closed"
)

// Transition conditions.
const (
	ConditionEntrySignal    = "entry_signal"
	ConditionRiskApproved   = "risk_approved"
	ConditionRiskRejected   = "risk_rejected"
	ConditionLossEscalation = "loss_escalation"
	ConditionRecovered      = "price_recovered"
	ConditionExit           = "exit_condition"
)

// StateTransition defines one valid edge in the lifecycle graph.
type StateTransition struct {
	From        PositionState
	To          PositionState
	Condition   string
	Description string
}

// ValidTransitions is the declarative lifecycle table. Any transition not
// listed here is rejected, which keeps position bookkeeping honest.
var ValidTransitions = []StateTransition{
	{StateNone, StateCandidate, ConditionEntrySignal, "Entry predicate satisfied"},
	{StateCandidate, StateOpen, ConditionRiskApproved, "Risk manager approved and sized the entry"},
	{StateCandidate, StateNone, ConditionRiskRejected, "Risk manager rejected the entry"},
	{StateOpen, StateManaged, ConditionLossEscalation, "Unrealized loss crossed the escalation threshold"},
	{StateManaged, StateOpen, ConditionRecovered, "Loss receded below the escalation threshold"},
	{StateOpen, StateClosed, ConditionExit, "Exit predicate or expiration settlement"},
	{StateManaged, StateClosed, ConditionExit, "Exit predicate or expiration settlement"},
}

// StateMachine tracks a position's lifecycle state and transition history.
type StateMachine struct {
	currentState  PositionState
	previousState PositionState
	transitions   int
	lastChange    time.Time
}

// NewStateMachine creates a state machine in the initial state.
func NewStateMachine() *StateMachine {
	return &StateMachine{currentState: StateNone, previousState: StateNone}
}

// NewStateMachineFromState restores a machine from a persisted state.
func NewStateMachineFromState(state PositionState) *StateMachine {
	if state == "" {
		state = StateNone
	}
	return &StateMachine{currentState: state, previousState: state}
}

// Current returns the current state.
func (sm *StateMachine) Current() PositionState { return sm.currentState }

// Previous returns the state before the most recent transition.
func (sm *StateMachine) Previous() PositionState { return sm.previousState }

// TransitionCount returns how many transitions have been applied.
func (sm *StateMachine) TransitionCount() int { return sm.transitions }

// CanTransition reports whether the edge is in the lifecycle table.
func (sm *StateMachine) CanTransition(to PositionState, condition string) bool {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return true
		}
	}
	return false
}

// Transition applies a lifecycle edge, recording the change time.
func (sm *StateMachine) Transition(to PositionState, condition string, at time.Time) error {
	if !sm.CanTransition(to, condition) {
		return fmt.Errorf("invalid transition from %s to %s with condition %q",
			sm.currentState, to, condition)
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitions++
	sm.lastChange = at
	return nil
}

// IsTerminal reports whether the position has reached its final state.
func (sm *StateMachine) IsTerminal() bool { return sm.currentState == StateClosed }

// IsActive reports whether the position is open in the market.
func (sm *StateMachine) IsActive() bool {
	return sm.currentState == StateOpen || sm.currentState == StateManaged
}
