package risk

import (
	"fmt"
	"math"

	"github.com/eddiefleurent/dunder_backtester/internal/config"
)

// RejectionCode classifies why an entry was refused.
type RejectionCode string

const (
	// BPExceeded means the entry would push buying power past the regime cap.
	BPExceeded RejectionCode = "BP_EXCEEDED"
	// CorrelationLimit means the correlation group is at its phase capacity.
	CorrelationLimit RejectionCode = "CORRELATION_LIMIT"
	// InsufficientCapital means sizing produced zero contracts.
	InsufficientCapital RejectionCode = "INSUFFICIENT_CAPITAL"
)

// Rejection is a typed, non-fatal refusal. The engine logs it and skips the
// candidate; the simulation continues.
type Rejection struct {
	Code   RejectionCode
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Reason)
}

// EntryRequest describes a sized candidate the engine wants approved.
type EntryRequest struct {
	StrategyID         string
	Symbol             string
	CorrelationGroup   string
	MaxLossPerContract float64 // dollars of buying power one contract reserves
}

// AccountSnapshot is the state the manager needs to decide.
type AccountSnapshot struct {
	Equity          float64
	BuyingPowerUsed float64
	VolatilityLevel float64
	OpenInGroup     int
}

// Approval carries the sized, accepted entry.
type Approval struct {
	Contracts  int
	BPRequired float64
	Band       VolatilityBand
}

// Manager applies the risk rules. Constructed from configuration only;
// everything else arrives per call.
type Manager struct {
	phases          []config.AccountPhase
	positionRiskPct float64
}

// NewManager builds a Manager from validated configuration.
func NewManager(phases []config.AccountPhase, positionRiskPct float64) *Manager {
	return &Manager{phases: phases, positionRiskPct: positionRiskPct}
}

// PhaseFor returns the account phase for the given account value.
func (m *Manager) PhaseFor(accountValue float64) config.AccountPhase {
	match := m.phases[0]
	for _, p := range m.phases {
		if accountValue >= p.MinAccountValue {
			match = p
		}
	}
	return match
}

// StrategyEnabled reports whether the phase allows the strategy. An empty
// enabled list means the phase allows everything.
func (m *Manager) StrategyEnabled(phase config.AccountPhase, strategyID string) bool {
	if len(phase.EnabledStrategies) == 0 {
		return true
	}
	for _, id := range phase.EnabledStrategies {
		if id == strategyID {
			return true
		}
	}
	return false
}

// CheckCorrelationCapacity rejects when the group is already at the phase's
// per-group position cap.
func (m *Manager) CheckCorrelationCapacity(group string, openInGroup int, phase config.AccountPhase) *Rejection {
	if openInGroup >= phase.MaxPositionsPerGroup {
		return &Rejection{
			Code: CorrelationLimit,
			Reason: fmt.Sprintf("group %s holds %d positions, phase %s allows %d",
				group, openInGroup, phase.Name, phase.MaxPositionsPerGroup),
		}
	}
	return nil
}

// SizePosition returns floor(min(riskBudget, availableBP) / maxLossPerContract),
// never negative.
func SizePosition(riskBudget, maxLossPerContract, availableBP float64) int {
	if maxLossPerContract <= 0 || riskBudget <= 0 || availableBP <= 0 {
		return 0
	}
	budget := math.Min(riskBudget, availableBP)
	n := int(math.Floor(budget / maxLossPerContract))
	if n < 0 {
		return 0
	}
	return n
}

// ApproveEntry runs the full approval pipeline: buying-power regime cap,
// correlation capacity, then sizing. The first failing check wins.
func (m *Manager) ApproveEntry(req EntryRequest, acct AccountSnapshot) (Approval, *Rejection) {
	band := BandFor(acct.VolatilityLevel)
	maxBP := band.MaxBPPct * acct.Equity
	headroom := maxBP - acct.BuyingPowerUsed

	if req.MaxLossPerContract <= 0 {
		return Approval{}, &Rejection{
			Code:   InsufficientCapital,
			Reason: fmt.Sprintf("non-positive max loss per contract %.2f", req.MaxLossPerContract),
		}
	}
	if headroom < req.MaxLossPerContract {
		return Approval{}, &Rejection{
			Code: BPExceeded,
			Reason: fmt.Sprintf("bp used $%.0f of $%.0f cap (%s regime), need $%.0f more",
				acct.BuyingPowerUsed, maxBP, band.Label, req.MaxLossPerContract),
		}
	}

	phase := m.PhaseFor(acct.Equity)
	if rej := m.CheckCorrelationCapacity(req.CorrelationGroup, acct.OpenInGroup, phase); rej != nil {
		return Approval{}, rej
	}

	riskBudget := m.positionRiskPct * acct.Equity
	contracts := SizePosition(riskBudget, req.MaxLossPerContract, headroom)
	if contracts == 0 {
		return Approval{}, &Rejection{
			Code: InsufficientCapital,
			Reason: fmt.Sprintf("risk budget $%.0f cannot cover $%.0f per contract",
				riskBudget, req.MaxLossPerContract),
		}
	}

	return Approval{
		Contracts:  contracts,
		BPRequired: float64(contracts) * req.MaxLossPerContract,
		Band:       band,
	}, nil
}
