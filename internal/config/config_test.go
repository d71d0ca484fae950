package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
simulation:
  start: 2023-01-02
  end: 2023-12-29
  initial_capital: 100000
  symbols: [SPY, QQQ]

strategies:
  - id: put-45d
    priority: 1
    symbol: SPY
    structure: short_put
    weekdays: [monday, wednesday, friday]
    entry:
      dte_range: [30, 60]
      target_dte: 45
      target_delta: 0.16
      min_ivr: 25
    exit:
      profit_target: 0.5
      stop_loss_multiple: 2.0
      defensive_dte: 21
  - id: strangle-0d
    priority: 2
    symbol: QQQ
    structure: short_strangle
    weekdays: [friday]
    entry:
      dte_range: [0, 0]
      target_dte: 0
      target_delta: 0.10
      vol_index_range: [12, 35]
      max_move_from_open_pct: 0.75
    exit:
      profit_target: 0.25
      stop_loss_multiple: 3.0

risk:
  position_risk_pct: 0.05
  correlation_groups:
    SPY: equity-index
    QQQ: equity-index
  account_phases:
    - name: foundation
      min_account_value: 0
      max_positions_per_group: 1
      enabled_strategies: [put-45d]
    - name: growth
      min_account_value: 50000
      max_positions_per_group: 2

report:
  sqlite_path: /tmp/backtest.sqlite
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backtest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC), cfg.Simulation.Start.Time)
	assert.Equal(t, 100_000.0, cfg.Simulation.InitialCapital)
	require.Len(t, cfg.Strategies, 2)
	assert.Equal(t, "equity-index", cfg.GroupFor("QQQ"))

	// Defaults applied by normalization.
	assert.Equal(t, 1.00, cfg.Simulation.CommissionPerContract)
	assert.Equal(t, 0.04, cfg.Simulation.RiskFreeRate)
	assert.Equal(t, "VIX", cfg.Simulation.VolatilityIndex)
	assert.Equal(t, 1.0, cfg.Strategies[0].EscalateLossMultiple)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("BT_DB_PATH", "/tmp/expanded.sqlite")
	body := strings.ReplaceAll(validYAML, "/tmp/backtest.sqlite", "${BT_DB_PATH}")

	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/expanded.sqlite", cfg.Report.SQLitePath)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	body := validYAML + "\nunknown_section:\n  foo: 1\n"
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
}

func TestPhaseFor(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "foundation", cfg.PhaseFor(49_999).Name)
	assert.Equal(t, "growth", cfg.PhaseFor(50_000).Name)
}

func TestValidateFailures(t *testing.T) {
	mutate := func(f func(*Config)) *Config {
		cfg, err := Load(writeConfig(t, validYAML))
		require.NoError(t, err)
		f(cfg)
		return cfg
	}

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"start after end", mutate(func(c *Config) { c.Simulation.Start, c.Simulation.End = c.Simulation.End, c.Simulation.Start })},
		{"zero capital", mutate(func(c *Config) { c.Simulation.InitialCapital = 0 })},
		{"no symbols", mutate(func(c *Config) { c.Simulation.Symbols = nil })},
		{"no strategies", mutate(func(c *Config) { c.Strategies = nil })},
		{"duplicate strategy id", mutate(func(c *Config) { c.Strategies[1].ID = c.Strategies[0].ID })},
		{"symbol not simulated", mutate(func(c *Config) { c.Strategies[0].Symbol = "IWM" })},
		{"bad structure", mutate(func(c *Config) { c.Strategies[0].Structure = "iron_condor" })},
		{"no weekdays", mutate(func(c *Config) { c.Strategies[0].Weekdays = nil })},
		{"inverted dte range", mutate(func(c *Config) { c.Strategies[0].Entry.DTERange = []int{60, 30} })},
		{"target dte outside range", mutate(func(c *Config) { c.Strategies[0].Entry.TargetDTE = 90 })},
		{"delta too high", mutate(func(c *Config) { c.Strategies[0].Entry.TargetDelta = 0.5 })},
		{"ivr out of range", mutate(func(c *Config) { c.Strategies[0].Entry.MinIVR = 150 })},
		{"profit target out of range", mutate(func(c *Config) { c.Strategies[0].Exit.ProfitTarget = 1.5 })},
		{"escalate at stop", mutate(func(c *Config) { c.Strategies[0].EscalateLossMultiple = 2.0 })},
		{"unmapped symbol", mutate(func(c *Config) { delete(c.Risk.CorrelationGroups, "QQQ") })},
		{"no phases", mutate(func(c *Config) { c.Risk.AccountPhases = nil })},
		{"first phase not zero", mutate(func(c *Config) { c.Risk.AccountPhases[0].MinAccountValue = 1000 })},
		{"phases out of order", mutate(func(c *Config) {
			c.Risk.AccountPhases[0].MinAccountValue = 60_000
			c.Risk.AccountPhases[1].MinAccountValue = 0
		})},
		{"phase enables unknown strategy", mutate(func(c *Config) {
			c.Risk.AccountPhases[0].EnabledStrategies = []string{"nope"}
		})},
		{"risk pct out of range", mutate(func(c *Config) { c.Risk.PositionRiskPct = 1.5 })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestParseWeekday(t *testing.T) {
	wd, err := ParseWeekday("Friday")
	require.NoError(t, err)
	assert.Equal(t, time.Friday, wd)

	wd, err = ParseWeekday(" mon ")
	require.NoError(t, err)
	assert.Equal(t, time.Monday, wd)

	_, err = ParseWeekday("someday")
	assert.Error(t, err)
}
