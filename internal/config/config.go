// Package config loads and validates backtest configuration. Validation is
// the single fail-fast gate: a malformed strategy or an unmapped symbol
// aborts before any simulated date is processed.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize() when fields are unset.
const (
	defaultCommissionPerContract = 1.00
	defaultRiskFreeRate          = 0.04
	defaultVolatilityIndex       = "VIX"
	defaultStopLossMultiple      = 2.0
	defaultEscalateLossMultiple  = 1.0
	defaultDefensiveDTE          = 21
	defaultPositionRiskPct       = 0.05
)

// Config is the complete backtest configuration.
type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Strategies []StrategyConfig `yaml:"strategies"`
	Risk       RiskConfig       `yaml:"risk"`
	Report     ReportConfig     `yaml:"report"`
}

// SimulationConfig defines the replay window and account basics.
type SimulationConfig struct {
	Start                 Date     `yaml:"start"`
	End                   Date     `yaml:"end"`
	InitialCapital        float64  `yaml:"initial_capital"`
	CommissionPerContract float64  `yaml:"commission_per_contract"`
	RiskFreeRate          float64  `yaml:"risk_free_rate"`
	VolatilityIndex       string   `yaml:"volatility_index"`
	Symbols               []string `yaml:"symbols"`
}

// StrategyConfig is one declarative strategy variant. Each variant is data,
// not code: a single generic evaluator interprets every one of these.
type StrategyConfig struct {
	ID        string      `yaml:"id"`
	Priority  int         `yaml:"priority"`
	Symbol    string      `yaml:"symbol"`
	Structure string      `yaml:"structure"`
	Weekdays  []string    `yaml:"weekdays"`
	Entry     EntryConfig `yaml:"entry"`
	Exit      ExitConfig  `yaml:"exit"`
	// EscalateLossMultiple moves a position to the managed state once its
	// loss crosses this multiple of credit received. Must stay below the
	// stop-loss multiple.
	EscalateLossMultiple float64 `yaml:"escalate_loss_multiple"`
}

// EntryConfig defines the entry predicate inputs for a strategy.
type EntryConfig struct {
	DTERange           []int     `yaml:"dte_range"`
	TargetDTE          int       `yaml:"target_dte"`
	TargetDelta        float64   `yaml:"target_delta"`
	MinIVR             float64   `yaml:"min_ivr"`
	VolIndexRange      []float64 `yaml:"vol_index_range"`
	MaxMoveFromOpenPct float64   `yaml:"max_move_from_open_pct"`
	MinCredit          float64   `yaml:"min_credit"`
}

// ExitConfig defines the exit predicate inputs, evaluated in fixed priority:
// stop loss, profit target, defensive DTE, expiration.
type ExitConfig struct {
	ProfitTarget     float64 `yaml:"profit_target"`
	StopLossMultiple float64 `yaml:"stop_loss_multiple"`
	DefensiveDTE     int     `yaml:"defensive_dte"`
}

// RiskConfig defines account phases and the correlation-group mapping.
// The volatility-band buying-power table is deliberately not configurable;
// it lives in the risk package as the single source of truth.
type RiskConfig struct {
	// PositionRiskPct is the account fraction budgeted to one position.
	PositionRiskPct   float64           `yaml:"position_risk_pct"`
	AccountPhases     []AccountPhase    `yaml:"account_phases"`
	CorrelationGroups map[string]string `yaml:"correlation_groups"`
}

// AccountPhase maps an account-value band to its exposure limits.
// Phases are matched by ascending MinAccountValue; the last phase whose
// minimum is at or below account value wins.
type AccountPhase struct {
	Name                 string   `yaml:"name"`
	MinAccountValue      float64  `yaml:"min_account_value"`
	MaxPositionsPerGroup int      `yaml:"max_positions_per_group"`
	EnabledStrategies    []string `yaml:"enabled_strategies"`
}

// ReportConfig defines where the trade/report sink writes.
type ReportConfig struct {
	SQLitePath  string `yaml:"sqlite_path"`
	TradesCSV   string `yaml:"trades_csv"`
	EquityCSV   string `yaml:"equity_csv"`
	SummaryJSON string `yaml:"summary_json"`
}

// Date is a calendar day in YYYY-MM-DD form.
type Date struct {
	time.Time
}

// UnmarshalYAML parses the YYYY-MM-DD form.
func (d *Date) UnmarshalYAML(value *yaml.Node) error {
	t, err := time.Parse("2006-01-02", value.Value)
	if err != nil {
		return fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", value.Value, err)
	}
	d.Time = t.UTC()
	return nil
}

// MarshalYAML renders the YYYY-MM-DD form.
func (d Date) MarshalYAML() (interface{}, error) {
	return d.Format("2006-01-02"), nil
}

// Load reads, expands, parses and validates the configuration file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "backtest.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- user-provided config path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	if c.Simulation.CommissionPerContract == 0 {
		c.Simulation.CommissionPerContract = defaultCommissionPerContract
	}
	if c.Simulation.RiskFreeRate == 0 {
		c.Simulation.RiskFreeRate = defaultRiskFreeRate
	}
	if c.Simulation.VolatilityIndex == "" {
		c.Simulation.VolatilityIndex = defaultVolatilityIndex
	}
	if c.Risk.PositionRiskPct == 0 {
		c.Risk.PositionRiskPct = defaultPositionRiskPct
	}
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.Exit.StopLossMultiple == 0 {
			s.Exit.StopLossMultiple = defaultStopLossMultiple
		}
		if s.Exit.DefensiveDTE == 0 {
			s.Exit.DefensiveDTE = defaultDefensiveDTE
		}
		if s.EscalateLossMultiple == 0 {
			s.EscalateLossMultiple = defaultEscalateLossMultiple
		}
	}
}

// Validate checks the full configuration for structural defects.
func (c *Config) Validate() error {
	if c.Simulation.Start.IsZero() || c.Simulation.End.IsZero() {
		return fmt.Errorf("simulation.start and simulation.end are required")
	}
	if !c.Simulation.Start.Before(c.Simulation.End.Time) {
		return fmt.Errorf("simulation.start must precede simulation.end")
	}
	if c.Simulation.InitialCapital <= 0 {
		return fmt.Errorf("simulation.initial_capital must be > 0")
	}
	if c.Simulation.CommissionPerContract < 0 {
		return fmt.Errorf("simulation.commission_per_contract must be >= 0")
	}
	if len(c.Simulation.Symbols) == 0 {
		return fmt.Errorf("simulation.symbols must list at least one symbol")
	}

	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	ids := make(map[string]struct{}, len(c.Strategies))
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if err := s.validate(); err != nil {
			return err
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("duplicate strategy id %q", s.ID)
		}
		ids[s.ID] = struct{}{}
		if !containsString(c.Simulation.Symbols, s.Symbol) {
			return fmt.Errorf("strategy %s trades %s, which is not in simulation.symbols", s.ID, s.Symbol)
		}
	}

	// Every traded symbol must map to a correlation group before the loop
	// starts; discovering this mid-run is not acceptable.
	for _, sym := range c.Simulation.Symbols {
		if _, ok := c.Risk.CorrelationGroups[sym]; !ok {
			return fmt.Errorf("no correlation group mapping for symbol %s", sym)
		}
	}

	if c.Risk.PositionRiskPct <= 0 || c.Risk.PositionRiskPct > 1 {
		return fmt.Errorf("risk.position_risk_pct must be in (0, 1]")
	}
	if len(c.Risk.AccountPhases) == 0 {
		return fmt.Errorf("risk.account_phases must define at least one phase")
	}
	phases := c.Risk.AccountPhases
	if !sort.SliceIsSorted(phases, func(i, j int) bool {
		return phases[i].MinAccountValue < phases[j].MinAccountValue
	}) {
		return fmt.Errorf("risk.account_phases must be ordered by ascending min_account_value")
	}
	if phases[0].MinAccountValue != 0 {
		return fmt.Errorf("the first account phase must start at min_account_value 0")
	}
	for _, p := range phases {
		if p.Name == "" {
			return fmt.Errorf("every account phase needs a name")
		}
		if p.MaxPositionsPerGroup <= 0 {
			return fmt.Errorf("account phase %s: max_positions_per_group must be > 0", p.Name)
		}
		for _, sid := range p.EnabledStrategies {
			if _, ok := ids[sid]; !ok {
				return fmt.Errorf("account phase %s enables unknown strategy %q", p.Name, sid)
			}
		}
	}

	return nil
}

func (s *StrategyConfig) validate() error {
	if s.ID == "" {
		return fmt.Errorf("every strategy needs an id")
	}
	if s.Symbol == "" {
		return fmt.Errorf("strategy %s: symbol is required", s.ID)
	}
	switch s.Structure {
	case "short_put", "short_call", "short_strangle":
	default:
		return fmt.Errorf("strategy %s: unknown structure %q", s.ID, s.Structure)
	}
	if len(s.Weekdays) == 0 {
		return fmt.Errorf("strategy %s: weekdays must list at least one day", s.ID)
	}
	for _, wd := range s.Weekdays {
		if _, err := ParseWeekday(wd); err != nil {
			return fmt.Errorf("strategy %s: %w", s.ID, err)
		}
	}
	// DTE range is [min,max] with 0 allowed for same-day variants.
	if len(s.Entry.DTERange) != 2 ||
		s.Entry.DTERange[0] < 0 ||
		s.Entry.DTERange[1] < 0 ||
		s.Entry.DTERange[0] > s.Entry.DTERange[1] {
		return fmt.Errorf("strategy %s: entry.dte_range must be [min,max] with 0 <= min <= max", s.ID)
	}
	if s.Entry.TargetDTE < s.Entry.DTERange[0] || s.Entry.TargetDTE > s.Entry.DTERange[1] {
		return fmt.Errorf("strategy %s: entry.target_dte (%d) must be within dte_range [%d,%d]",
			s.ID, s.Entry.TargetDTE, s.Entry.DTERange[0], s.Entry.DTERange[1])
	}
	if s.Entry.TargetDelta <= 0 || s.Entry.TargetDelta >= 0.5 {
		return fmt.Errorf("strategy %s: entry.target_delta must be in (0, 0.5)", s.ID)
	}
	if s.Entry.MinIVR < 0 || s.Entry.MinIVR > 100 {
		return fmt.Errorf("strategy %s: entry.min_ivr must be between 0 and 100", s.ID)
	}
	if len(s.Entry.VolIndexRange) != 0 {
		if len(s.Entry.VolIndexRange) != 2 || s.Entry.VolIndexRange[0] < 0 ||
			s.Entry.VolIndexRange[0] >= s.Entry.VolIndexRange[1] {
			return fmt.Errorf("strategy %s: entry.vol_index_range must be [min,max] with min < max", s.ID)
		}
	}
	if s.Entry.MaxMoveFromOpenPct < 0 {
		return fmt.Errorf("strategy %s: entry.max_move_from_open_pct must be >= 0", s.ID)
	}
	if s.Exit.ProfitTarget <= 0 || s.Exit.ProfitTarget >= 1 {
		return fmt.Errorf("strategy %s: exit.profit_target must be in (0,1)", s.ID)
	}
	if s.Exit.StopLossMultiple <= 0 {
		return fmt.Errorf("strategy %s: exit.stop_loss_multiple must be > 0", s.ID)
	}
	if s.Exit.DefensiveDTE < 0 {
		return fmt.Errorf("strategy %s: exit.defensive_dte must be >= 0", s.ID)
	}
	if s.EscalateLossMultiple >= s.Exit.StopLossMultiple {
		return fmt.Errorf("strategy %s: escalate_loss_multiple (%.2f) must be < exit.stop_loss_multiple (%.2f)",
			s.ID, s.EscalateLossMultiple, s.Exit.StopLossMultiple)
	}
	return nil
}

// ParseWeekday converts a day name ("Monday", "mon") into a time.Weekday.
func ParseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday", "sun":
		return time.Sunday, nil
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// PhaseFor returns the account phase matching the given account value.
func (c *Config) PhaseFor(accountValue float64) AccountPhase {
	phases := c.Risk.AccountPhases
	match := phases[0]
	for _, p := range phases {
		if accountValue >= p.MinAccountValue {
			match = p
		}
	}
	return match
}

// GroupFor returns the correlation group for a symbol. Validation guarantees
// a mapping exists for every traded symbol.
func (c *Config) GroupFor(symbol string) string {
	return c.Risk.CorrelationGroups[symbol]
}

func containsString(hay []string, needle string) bool {
	for _, h := range hay {
		if h == needle {
			return true
		}
	}
	return false
}
