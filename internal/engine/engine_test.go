package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/dunder_backtester/internal/config"
	"github.com/eddiefleurent/dunder_backtester/internal/journal"
	"github.com/eddiefleurent/dunder_backtester/internal/marketdata"
	"github.com/eddiefleurent/dunder_backtester/internal/models"
	"github.com/eddiefleurent/dunder_backtester/internal/pricing"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fixtureProvider serves scripted bars and chains for one traded symbol.
type fixtureProvider struct {
	bars   map[string][]models.MarketBar
	chains map[int64]*models.OptionChain
}

func (f *fixtureProvider) FetchBars(_ context.Context, symbol string, start, end time.Time) ([]models.MarketBar, error) {
	var out []models.MarketBar
	for _, b := range f.bars[symbol] {
		if !b.Date.Before(start) && !b.Date.After(end) {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("bars for %s: %w", symbol, marketdata.ErrNoData)
	}
	return out, nil
}

func (f *fixtureProvider) FetchOptionChain(_ context.Context, symbol string, date time.Time) (*models.OptionChain, error) {
	chain, ok := f.chains[marketdata.DayKey(date)]
	if !ok || symbol != "SPY" {
		return nil, fmt.Errorf("chain for %s: %w", symbol, marketdata.ErrNoData)
	}
	return chain, nil
}

// weekdayBars writes one bar per weekday with the close given by the script.
func weekdayBars(symbol string, start, end time.Time, closeAt func(time.Time) float64, iv float64) []models.MarketBar {
	var bars []models.MarketBar
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		c := closeAt(d)
		bars = append(bars, models.MarketBar{
			Symbol: symbol, Date: d,
			Open: c, High: c, Low: c, Close: c,
			Volume: 1_000_000, ImpliedVol: iv,
		})
	}
	return bars
}

// putChain builds a single-expiration chain with puts and calls struck every
// 5 points, quoted at model value with a fixed half-spread.
func putChain(date time.Time, spot float64, expiration time.Time) *models.OptionChain {
	chain := &models.OptionChain{Symbol: "SPY", Date: date}
	dte := models.DaysBetween(date, expiration)
	for strike := 80.0; strike <= 110; strike += 5 {
		for _, right := range []models.OptionRight{models.Put, models.Call} {
			res := pricing.Evaluate(pricing.Input{
				Spot: spot, Strike: strike, TimeToExpiry: pricing.Years(dte),
				Rate: 0.04, Vol: 0.20, Right: right,
			})
			bid := res.Price - 0.05
			if bid < 0.01 {
				bid = 0.01
			}
			chain.Quotes = append(chain.Quotes, models.OptionQuote{
				Strike: strike, Expiration: expiration, Right: right,
				Bid: bid, Ask: res.Price + 0.05, ImpliedVol: 0.20,
			})
		}
	}
	return chain
}

func baseConfig(start, end time.Time) *config.Config {
	return &config.Config{
		Simulation: config.SimulationConfig{
			Start:                 config.Date{Time: start},
			End:                   config.Date{Time: end},
			InitialCapital:        100_000,
			CommissionPerContract: 1.00,
			RiskFreeRate:          0.04,
			VolatilityIndex:       "VIX",
			Symbols:               []string{"SPY"},
		},
		Strategies: []config.StrategyConfig{{
			ID:        "put-45d",
			Priority:  1,
			Symbol:    "SPY",
			Structure: "short_put",
			Weekdays:  []string{"friday"},
			Entry: config.EntryConfig{
				DTERange:    []int{40, 50},
				TargetDTE:   45,
				TargetDelta: 0.16,
			},
			Exit: config.ExitConfig{
				ProfitTarget:     0.90,
				StopLossMultiple: 2.0,
				DefensiveDTE:     21,
			},
			EscalateLossMultiple: 1.0,
		}},
		Risk: config.RiskConfig{
			PositionRiskPct:   0.05,
			CorrelationGroups: map[string]string{"SPY": "equity-index"},
			AccountPhases: []config.AccountPhase{
				{Name: "foundation", MinAccountValue: 0, MaxPositionsPerGroup: 1},
			},
		},
	}
}

// newFixtureStore preloads a store where SPY follows the close script and
// chains exist on the listed dates only.
func newFixtureStore(t *testing.T, cfg *config.Config, closeAt func(time.Time) float64,
	chainDates []time.Time, expiration time.Time) *marketdata.Store {
	t.Helper()

	start, end := cfg.Simulation.Start.Time, cfg.Simulation.End.Time
	p := &fixtureProvider{
		bars: map[string][]models.MarketBar{
			"SPY": weekdayBars("SPY", start, end, closeAt, 0.20),
			"VIX": weekdayBars("VIX", start, end, func(time.Time) float64 { return 18 }, 0),
		},
		chains: map[int64]*models.OptionChain{},
	}
	for _, d := range chainDates {
		p.chains[marketdata.DayKey(d)] = putChain(d, closeAt(d), expiration)
	}

	store, err := marketdata.Preload(context.Background(), p, []string{"SPY"}, "VIX", start, end, quietLogger())
	require.NoError(t, err)
	return store
}

func runEngine(t *testing.T, cfg *config.Config, store *marketdata.Store, runID string) *Result {
	t.Helper()
	eng, err := New(cfg, store, journal.Nop{}, quietLogger())
	require.NoError(t, err)
	res, err := eng.Run(context.Background(), runID)
	require.NoError(t, err)
	return res
}

func flat(level float64) func(time.Time) float64 {
	return func(time.Time) float64 { return level }
}

func TestRunEntersOnConfiguredWeekdayOnly(t *testing.T) {
	// Fri Mar 1 through Thu Mar 7, chain only on the Friday.
	cfg := baseConfig(day(2024, 3, 1), day(2024, 3, 7))
	expiration := day(2024, 4, 15) // 45 DTE from entry
	store := newFixtureStore(t, cfg, flat(100), []time.Time{day(2024, 3, 1)}, expiration)

	res := runEngine(t, cfg, store, "test-run")

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, day(2024, 3, 1), trade.EntryDate, "entered on the Friday")
	assert.Equal(t, models.ExitEndOfData, trade.ExitReason, "still open when data ran out")
	assert.Equal(t, expiration, trade.Expiration)
	assert.Equal(t, 95.0, trade.PutStrike, "nearest 16-delta strike")
	assert.Equal(t, -3, trade.Quantity, "budget 5k over ~1.6k max loss per contract")

	// One equity point per trading date.
	assert.Len(t, res.Equity, 5)
}

func TestRunStopLossOnCrash(t *testing.T) {
	// Spot holds 100 then gaps to 60 on Mon Mar 11.
	cfg := baseConfig(day(2024, 3, 1), day(2024, 3, 12))
	crash := func(d time.Time) float64 {
		if d.Before(day(2024, 3, 11)) {
			return 100
		}
		return 60
	}
	store := newFixtureStore(t, cfg, crash, []time.Time{day(2024, 3, 1)}, day(2024, 4, 15))

	res := runEngine(t, cfg, store, "test-run")

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, models.ExitStopLoss, trade.ExitReason)
	assert.Equal(t, day(2024, 3, 11), trade.ExitDate)
	assert.Negative(t, trade.PnL)
}

func TestRunDefensiveExitAtCutoff(t *testing.T) {
	// Flat tape: no stop, profit target out of reach, DTE grinds down to 21.
	cfg := baseConfig(day(2024, 3, 1), day(2024, 3, 26))
	store := newFixtureStore(t, cfg, flat(100), []time.Time{day(2024, 3, 1)}, day(2024, 4, 15))

	res := runEngine(t, cfg, store, "test-run")

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, models.ExitDefensive, trade.ExitReason)
	assert.Equal(t, day(2024, 3, 25), trade.ExitDate, "first date at or under 21 DTE")
}

func TestRunExpirationSettlement(t *testing.T) {
	// Same-day expiration: position opens Friday and settles to intrinsic
	// that same session, never carrying into the next one.
	cfg := baseConfig(day(2024, 3, 1), day(2024, 3, 5))
	cfg.Strategies[0].Entry.DTERange = []int{0, 0}
	cfg.Strategies[0].Entry.TargetDTE = 0

	friday := day(2024, 3, 1)
	store := newFixtureStore(t, cfg, flat(100), []time.Time{friday}, friday)

	res := runEngine(t, cfg, store, "test-run")

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, models.ExitExpired, trade.ExitReason)
	assert.Equal(t, friday, trade.ExitDate, "settled on the expiration date itself")
	assert.Equal(t, 0.0, trade.ExitPrice, "OTM at settlement")
	assert.Positive(t, trade.PnL)

	// The entry-day snapshot already shows the position closed.
	require.NotEmpty(t, res.Equity)
	assert.Equal(t, 0, res.Equity[0].Open)
}

func TestRunSameDayExpirationIgnoresNextSessionGap(t *testing.T) {
	// A Friday 0DTE put expires worthless at Friday's close. The Monday gap
	// to 60 arrives after expiration and must not touch the trade.
	cfg := baseConfig(day(2024, 3, 1), day(2024, 3, 5))
	cfg.Strategies[0].Entry.DTERange = []int{0, 0}
	cfg.Strategies[0].Entry.TargetDTE = 0

	friday := day(2024, 3, 1)
	gap := func(d time.Time) float64 {
		if d.After(friday) {
			return 60
		}
		return 100
	}
	store := newFixtureStore(t, cfg, gap, []time.Time{friday}, friday)

	res := runEngine(t, cfg, store, "test-run")

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, models.ExitExpired, trade.ExitReason, "not stopped out on stale marks")
	assert.Equal(t, friday, trade.ExitDate)
	assert.Equal(t, 0.0, trade.ExitPrice, "settled at Friday's intrinsic, not Monday's spot")
	assert.Positive(t, trade.PnL)
}

func TestRunCorrelationLimitRejectsSecondStrategy(t *testing.T) {
	cfg := baseConfig(day(2024, 3, 1), day(2024, 3, 7))
	second := cfg.Strategies[0]
	second.ID = "put-45d-late"
	second.Priority = 2
	cfg.Strategies = append(cfg.Strategies, second)

	store := newFixtureStore(t, cfg, flat(100), []time.Time{day(2024, 3, 1)}, day(2024, 4, 15))
	res := runEngine(t, cfg, store, "test-run")

	// Phase allows one position per group: the higher-priority strategy
	// fills it, the other is refused.
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "put-45d", res.Trades[0].StrategyID)

	var rejected []Warning
	for _, w := range res.Warnings {
		if w.Code == WarnRiskRejected {
			rejected = append(rejected, w)
		}
	}
	require.NotEmpty(t, rejected)
	assert.Equal(t, "put-45d-late", rejected[0].StrategyID)
	assert.Contains(t, rejected[0].Message, "CORRELATION_LIMIT")
}

func TestRunGroupCapHoldsUnderRandomizedConfigs(t *testing.T) {
	// Randomized strategy sets and date windows over synthetic data. Whatever
	// the draw, no correlation group may ever hold more open positions than
	// the phase cap allows.
	weekdayNames := []string{"monday", "tuesday", "wednesday", "thursday", "friday"}

	for iter := 0; iter < 5; iter++ {
		t.Run(fmt.Sprintf("draw-%d", iter), func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(9000 + iter))) // #nosec G404 -- reproducible fuzzing

			start := day(2023, time.January, 2).AddDate(0, 0, rng.Intn(200))
			end := start.AddDate(0, 0, 20+rng.Intn(40))
			groupCap := 1 + rng.Intn(2)

			cfg := &config.Config{
				Simulation: config.SimulationConfig{
					Start:                 config.Date{Time: start},
					End:                   config.Date{Time: end},
					InitialCapital:        250_000,
					CommissionPerContract: 1.00,
					RiskFreeRate:          0.04,
					VolatilityIndex:       "VIX",
					Symbols:               []string{"SPY", "QQQ"},
				},
				Risk: config.RiskConfig{
					PositionRiskPct: 0.05,
					CorrelationGroups: map[string]string{
						"SPY": "equity-index",
						"QQQ": "equity-index",
					},
					AccountPhases: []config.AccountPhase{
						{Name: "foundation", MinAccountValue: 0, MaxPositionsPerGroup: groupCap},
					},
				},
			}
			for i, n := 0, 2+rng.Intn(3); i < n; i++ {
				minDTE := 7 + rng.Intn(28)
				width := 7 + rng.Intn(14)
				cfg.Strategies = append(cfg.Strategies, config.StrategyConfig{
					ID:        fmt.Sprintf("put-rand-%d", i),
					Priority:  i + 1,
					Symbol:    cfg.Simulation.Symbols[rng.Intn(2)],
					Structure: "short_put",
					Weekdays:  []string{weekdayNames[rng.Intn(len(weekdayNames))]},
					Entry: config.EntryConfig{
						DTERange:    []int{minDTE, minDTE + width},
						TargetDTE:   minDTE + width/2,
						TargetDelta: 0.10 + rng.Float64()*0.25,
					},
					Exit: config.ExitConfig{
						ProfitTarget:     0.50,
						StopLossMultiple: 2.0,
						DefensiveDTE:     5,
					},
					EscalateLossMultiple: 1.0,
				})
			}
			require.NoError(t, cfg.Validate())

			provider := marketdata.NewSyntheticProvider(int64(1000 + iter))
			store, err := marketdata.Preload(context.Background(), provider,
				cfg.Simulation.Symbols, "VIX", start, end, quietLogger())
			require.NoError(t, err)

			res := runEngine(t, cfg, store, fmt.Sprintf("fuzz-%d", iter))

			// Reconstruct the per-group open count on every simulated date
			// from the trade log and hold it to the phase cap.
			for _, pt := range res.Equity {
				open := map[string]int{}
				for _, tr := range res.Trades {
					stillOpen := tr.ExitDate.After(pt.Date) ||
						(tr.ExitReason == models.ExitEndOfData && tr.ExitDate.Equal(pt.Date))
					if !tr.EntryDate.After(pt.Date) && stillOpen {
						open[tr.CorrelationGroup]++
					}
				}
				for group, count := range open {
					assert.LessOrEqual(t, count, groupCap,
						"%s held %d positions on %s", group, count, pt.Date.Format("2006-01-02"))
				}
			}
		})
	}
}

func TestRunInsufficientCapital(t *testing.T) {
	cfg := baseConfig(day(2024, 3, 1), day(2024, 3, 7))
	cfg.Simulation.InitialCapital = 10_000 // headroom clears, risk budget does not

	store := newFixtureStore(t, cfg, flat(100), []time.Time{day(2024, 3, 1)}, day(2024, 4, 15))
	res := runEngine(t, cfg, store, "test-run")

	assert.Empty(t, res.Trades)
	require.NotEmpty(t, res.Warnings)
	assert.Equal(t, WarnRiskRejected, res.Warnings[0].Code)
	assert.Contains(t, res.Warnings[0].Message, "INSUFFICIENT_CAPITAL")
}

func TestRunMissingChainWarns(t *testing.T) {
	cfg := baseConfig(day(2024, 3, 1), day(2024, 3, 7))
	// No chains at all: every Friday entry attempt lacks data.
	store := newFixtureStore(t, cfg, flat(100), nil, day(2024, 4, 15))

	res := runEngine(t, cfg, store, "test-run")

	assert.Empty(t, res.Trades)
	require.NotEmpty(t, res.Warnings)
	assert.Equal(t, WarnMissingData, res.Warnings[0].Code)
	assert.Equal(t, "put-45d", res.Warnings[0].StrategyID)
}

func TestRunDeterminism(t *testing.T) {
	cfg := baseConfig(day(2024, 3, 1), day(2024, 3, 12))
	crash := func(d time.Time) float64 {
		if d.Before(day(2024, 3, 11)) {
			return 100
		}
		return 60
	}
	store := newFixtureStore(t, cfg, crash, []time.Time{day(2024, 3, 1), day(2024, 3, 8)}, day(2024, 4, 15))

	a := runEngine(t, cfg, store, "same-run-id")
	b := runEngine(t, cfg, store, "same-run-id")

	require.Equal(t, a, b, "identical inputs must replay identically")

	aj, err := json.Marshal(a)
	require.NoError(t, err)
	bj, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, aj, bj, "byte-identical serialized output")
}

func TestRunCancellation(t *testing.T) {
	cfg := baseConfig(day(2024, 3, 1), day(2024, 3, 7))
	store := newFixtureStore(t, cfg, flat(100), []time.Time{day(2024, 3, 1)}, day(2024, 4, 15))

	eng, err := New(cfg, store, journal.Nop{}, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = eng.Run(ctx, "test-run")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsBadStrategy(t *testing.T) {
	cfg := baseConfig(day(2024, 3, 1), day(2024, 3, 7))
	cfg.Strategies[0].Weekdays = []string{"notaday"}

	_, err := New(cfg, nil, journal.Nop{}, quietLogger())
	require.Error(t, err)
}
