package marketdata

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
	"github.com/eddiefleurent/dunder_backtester/internal/pricing"
	"github.com/eddiefleurent/dunder_backtester/internal/util"
)

// syntheticEpoch anchors every generated walk so that a symbol's history is
// identical regardless of the requested window.
var syntheticEpoch = time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)

// SyntheticProvider generates plausible bars and chains from a seeded
// random walk. Useful for demos and tests that need a full dataset without
// shipping one. Given the same seed it always produces the same data, so
// backtests against it stay reproducible.
type SyntheticProvider struct {
	mu   sync.Mutex
	seed int64
	bars map[string][]models.MarketBar
}

// NewSyntheticProvider creates a provider with the given seed.
func NewSyntheticProvider(seed int64) *SyntheticProvider {
	return &SyntheticProvider{
		seed: seed,
		bars: make(map[string][]models.MarketBar),
	}
}

// FetchBars implements Provider.
func (p *SyntheticProvider) FetchBars(_ context.Context, symbol string, start, end time.Time) ([]models.MarketBar, error) {
	all := p.series(symbol, end)
	var out []models.MarketBar
	for _, b := range all {
		if b.Date.Before(start) || b.Date.After(end) {
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("synthetic bars for %s: %w", symbol, ErrNoData)
	}
	return out, nil
}

// FetchOptionChain implements Provider. The chain is derived entirely from
// that date's bar: strikes bracket spot, quotes are model prices with a
// fixed proportional spread, and IV carries a gentle put skew.
func (p *SyntheticProvider) FetchOptionChain(_ context.Context, symbol string, date time.Time) (*models.OptionChain, error) {
	all := p.series(symbol, date)
	var bar *models.MarketBar
	for i := range all {
		if DayKey(all[i].Date) == DayKey(date) {
			bar = &all[i]
			break
		}
	}
	if bar == nil {
		return nil, fmt.Errorf("synthetic chain for %s on %s: %w", symbol, date.Format("2006-01-02"), ErrNoData)
	}

	chain := &models.OptionChain{Symbol: symbol, Date: bar.Date}
	for _, exp := range syntheticExpirations(bar.Date) {
		dte := models.DaysBetween(bar.Date, exp)
		step := strikeStep(bar.Close)
		low := util.FloorToTick(bar.Close*0.75, step)
		high := math.Ceil(bar.Close*1.25/step) * step
		for strike := low; strike <= high; strike += step {
			for _, right := range []models.OptionRight{models.Put, models.Call} {
				iv := skewedIV(bar.ImpliedVol, bar.Close, strike, right)
				theo := pricing.Evaluate(pricing.Input{
					Spot:         bar.Close,
					Strike:       strike,
					TimeToExpiry: pricing.Years(dte),
					Rate:         0.04,
					Vol:          iv,
					Right:        right,
				})
				spread := math.Max(theo.Price*0.04, 0.02)
				bid := theo.Price - spread/2
				if bid < 0 {
					bid = 0
				}
				chain.Quotes = append(chain.Quotes, models.OptionQuote{
					Strike:     strike,
					Expiration: exp,
					Right:      right,
					Bid:        util.RoundToTick(bid, 0.01),
					Ask:        util.RoundToTick(theo.Price+spread/2, 0.01),
					ImpliedVol: iv,
				})
			}
		}
	}
	return chain, nil
}

// series returns the symbol's full walk from the synthetic epoch through at
// least the end date, generating and caching it on first use.
func (p *SyntheticProvider) series(symbol string, through time.Time) []models.MarketBar {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bars, ok := p.bars[symbol]; ok && len(bars) > 0 && !bars[len(bars)-1].Date.Before(through) {
		return bars
	}

	h := fnv.New64a()
	h.Write([]byte(symbol))
	rng := rand.New(rand.NewSource(p.seed ^ int64(h.Sum64()))) // #nosec G404 -- reproducibility is the point

	isVolIndex := symbol == "VIX" || symbol == "VXN"
	price := 50 + rng.Float64()*400
	iv := 0.15 + rng.Float64()*0.15
	if isVolIndex {
		price = 14 + rng.Float64()*8
	}

	var bars []models.MarketBar
	for d := syntheticEpoch; !d.After(through); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		var ret float64
		if isVolIndex {
			// Mean-revert around 18 with occasional spikes.
			ret = (18-price)/price*0.05 + rng.NormFloat64()*0.05
			if rng.Float64() < 0.01 {
				ret += 0.4
			}
		} else {
			ret = rng.NormFloat64() * iv / math.Sqrt(252)
			iv = clamp(iv+(0.20-iv)*0.02+rng.NormFloat64()*0.01, 0.08, 0.90)
		}

		open := price
		price = price * (1 + ret)
		high := math.Max(open, price) * (1 + rng.Float64()*0.005)
		low := math.Min(open, price) * (1 - rng.Float64()*0.005)

		bars = append(bars, models.MarketBar{
			Symbol:     symbol,
			Date:       d,
			Open:       util.RoundToTick(open, 0.01),
			High:       util.RoundToTick(high, 0.01),
			Low:        util.RoundToTick(low, 0.01),
			Close:      util.RoundToTick(price, 0.01),
			Volume:     1_000_000 + rng.Int63n(50_000_000),
			ImpliedVol: iv,
		})
	}
	p.bars[symbol] = bars
	return bars
}

// syntheticExpirations returns the date itself when it is a Friday (the 0DTE
// case) plus the next ten weekly Friday expirations.
func syntheticExpirations(date time.Time) []time.Time {
	var out []time.Time
	if date.Weekday() == time.Friday {
		out = append(out, date)
	}
	d := date
	for len(out) < 11 {
		d = d.AddDate(0, 0, 1)
		if d.Weekday() == time.Friday {
			out = append(out, d)
		}
	}
	return out
}

func skewedIV(atmIV, spot, strike float64, right models.OptionRight) float64 {
	moneyness := (strike - spot) / spot
	skew := 0.0
	if right == models.Put && moneyness < 0 {
		skew = -moneyness * 0.3
	}
	return clamp(atmIV+skew, 0.05, 2.0)
}

func strikeStep(spot float64) float64 {
	switch {
	case spot < 50:
		return 1
	case spot < 200:
		return 2.5
	default:
		return 5
	}
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
