package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// preloadConcurrency bounds the chain fetch fan-out.
const preloadConcurrency = 8

// ivRankWindow is the trailing bar count used for IV rank (one trading year).
const ivRankWindow = 252

// Store holds the fully preloaded dataset for one run. Preload completes (or
// fails) before the date loop begins; nothing fetches mid-simulation, so the
// store is read-only once built.
type Store struct {
	bars   map[string][]models.MarketBar
	barIdx map[string]map[int64]int
	chains map[string]map[int64]*models.OptionChain
	dates  []time.Time

	volIndex string
}

// Preload bulk-loads bars for every symbol (plus the volatility index) and
// chain snapshots for every traded symbol on every trading date. Chain gaps
// are tolerated (logged at debug); bar fetch failures are not.
func Preload(ctx context.Context, p Provider, symbols []string, volIndex string,
	start, end time.Time, logger *logrus.Logger) (*Store, error) {

	s := &Store{
		bars:     make(map[string][]models.MarketBar),
		barIdx:   make(map[string]map[int64]int),
		chains:   make(map[string]map[int64]*models.OptionChain),
		volIndex: volIndex,
	}

	all := append(append([]string{}, symbols...), volIndex)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range all {
		sym := sym
		g.Go(func() error {
			bars, err := p.FetchBars(gctx, sym, start, end)
			if err != nil {
				return fmt.Errorf("preloading bars for %s: %w", sym, err)
			}
			mu.Lock()
			s.bars[sym] = bars
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.indexBars()
	s.buildDates(symbols, start, end)
	if len(s.dates) == 0 {
		return nil, fmt.Errorf("no trading dates for %v in [%s, %s]",
			symbols, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	// Chains: one snapshot per (traded symbol, trading date), fetched with
	// bounded parallelism. A missing snapshot is a data gap, not an error.
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)
	for _, sym := range symbols {
		sym := sym
		mu.Lock()
		s.chains[sym] = make(map[int64]*models.OptionChain)
		mu.Unlock()
		for _, date := range s.dates {
			date := date
			g.Go(func() error {
				chain, err := p.FetchOptionChain(gctx, sym, date)
				if err != nil {
					if errors.Is(err, ErrNoData) {
						logger.WithFields(logrus.Fields{
							"symbol": sym,
							"date":   date.Format("2006-01-02"),
						}).Debug("no chain snapshot")
						return nil
					}
					return fmt.Errorf("preloading chain for %s on %s: %w",
						sym, date.Format("2006-01-02"), err)
				}
				mu.Lock()
				s.chains[sym][DayKey(date)] = chain
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"symbols": len(symbols),
		"dates":   len(s.dates),
	}).Info("market data preload complete")
	return s, nil
}

func (s *Store) indexBars() {
	for sym, bars := range s.bars {
		idx := make(map[int64]int, len(bars))
		for i, b := range bars {
			idx[DayKey(b.Date)] = i
		}
		s.barIdx[sym] = idx
	}
}

// buildDates derives the ordered, deduplicated trading calendar from the
// union of traded-symbol bar dates. Weekends and holidays are simply absent.
func (s *Store) buildDates(symbols []string, start, end time.Time) {
	seen := make(map[int64]time.Time)
	for _, sym := range symbols {
		for _, b := range s.bars[sym] {
			if b.Date.Before(start) || b.Date.After(end) {
				continue
			}
			seen[DayKey(b.Date)] = b.Date
		}
	}
	dates := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	s.dates = dates
}

// Dates returns the trading calendar for the run, ascending.
func (s *Store) Dates() []time.Time { return s.dates }

// Bar returns the symbol's bar on date.
func (s *Store) Bar(symbol string, date time.Time) (models.MarketBar, bool) {
	i, ok := s.barIdx[symbol][DayKey(date)]
	if !ok {
		return models.MarketBar{}, false
	}
	return s.bars[symbol][i], true
}

// Chain returns the symbol's chain snapshot on date.
func (s *Store) Chain(symbol string, date time.Time) (*models.OptionChain, bool) {
	c, ok := s.chains[symbol][DayKey(date)]
	return c, ok
}

// VolatilityLevel returns the volatility-index close on date.
func (s *Store) VolatilityLevel(date time.Time) (float64, bool) {
	b, ok := s.Bar(s.volIndex, date)
	if !ok {
		return 0, false
	}
	return b.Close, true
}

// IVRank returns the symbol's implied-volatility rank on date: where the
// current IV sits within its trailing one-year range, 0-100. With a flat or
// too-short history the rank is neutral (50).
func (s *Store) IVRank(symbol string, date time.Time) float64 {
	i, ok := s.barIdx[symbol][DayKey(date)]
	if !ok {
		return 50
	}
	lo := i - ivRankWindow + 1
	if lo < 0 {
		lo = 0
	}
	window := s.bars[symbol][lo : i+1]
	if len(window) < 2 {
		return 50
	}
	minIV, maxIV := window[0].ImpliedVol, window[0].ImpliedVol
	for _, b := range window[1:] {
		if b.ImpliedVol < minIV {
			minIV = b.ImpliedVol
		}
		if b.ImpliedVol > maxIV {
			maxIV = b.ImpliedVol
		}
	}
	if maxIV == minIV {
		return 50
	}
	current := s.bars[symbol][i].ImpliedVol
	return (current - minIV) / (maxIV - minIV) * 100
}
