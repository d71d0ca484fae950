// Package strategy turns declarative strategy configuration into entry and
// exit decisions. Every variant is one Definition value interpreted by a
// single generic evaluator; no strategy gets bespoke code.
package strategy

import (
	"fmt"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/config"
	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// Definition is the runtime form of one strategy variant.
type Definition struct {
	ID        string
	Priority  int
	Symbol    string
	Structure models.Structure

	Weekdays map[time.Weekday]bool

	MinDTE    int
	MaxDTE    int
	TargetDTE int

	TargetDelta        float64
	MinIVR             float64
	VolIndexMin        float64
	VolIndexMax        float64 // 0 means unbounded
	MaxMoveFromOpenPct float64 // 0 disables the check
	MinCredit          float64 // per-share; 0 disables

	ProfitTarget         float64
	StopLossMultiple     float64
	DefensiveDTE         int
	EscalateLossMultiple float64
}

// FromConfig converts a validated config block into a Definition.
func FromConfig(sc config.StrategyConfig) (Definition, error) {
	weekdays := make(map[time.Weekday]bool, len(sc.Weekdays))
	for _, w := range sc.Weekdays {
		wd, err := config.ParseWeekday(w)
		if err != nil {
			return Definition{}, fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
		weekdays[wd] = true
	}

	def := Definition{
		ID:                   sc.ID,
		Priority:             sc.Priority,
		Symbol:               sc.Symbol,
		Structure:            models.Structure(sc.Structure),
		Weekdays:             weekdays,
		MinDTE:               sc.Entry.DTERange[0],
		MaxDTE:               sc.Entry.DTERange[1],
		TargetDTE:            sc.Entry.TargetDTE,
		TargetDelta:          sc.Entry.TargetDelta,
		MinIVR:               sc.Entry.MinIVR,
		MaxMoveFromOpenPct:   sc.Entry.MaxMoveFromOpenPct,
		MinCredit:            sc.Entry.MinCredit,
		ProfitTarget:         sc.Exit.ProfitTarget,
		StopLossMultiple:     sc.Exit.StopLossMultiple,
		DefensiveDTE:         sc.Exit.DefensiveDTE,
		EscalateLossMultiple: sc.EscalateLossMultiple,
	}
	if len(sc.Entry.VolIndexRange) == 2 {
		def.VolIndexMin = sc.Entry.VolIndexRange[0]
		def.VolIndexMax = sc.Entry.VolIndexRange[1]
	}
	if !def.Structure.Valid() {
		return Definition{}, fmt.Errorf("strategy %s: unknown structure %q", sc.ID, sc.Structure)
	}
	return def, nil
}

// FromConfigs converts every strategy block, failing on the first defect.
func FromConfigs(scs []config.StrategyConfig) ([]Definition, error) {
	defs := make([]Definition, 0, len(scs))
	for _, sc := range scs {
		def, err := FromConfig(sc)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
