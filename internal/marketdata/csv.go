package marketdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// CSVProvider serves bars and chains from a directory of CSV files, the
// usual source for cached historical runs.
//
// Layout:
//
//	<dir>/bars/<SYMBOL>.csv    date,open,high,low,close,volume,implied_vol
//	<dir>/chains/<SYMBOL>.csv  date,expiration,right,strike,bid,ask,implied_vol
//
// Files are parsed once on first use and held in memory. A single mutex
// serializes access; the preload fan-out hits each file once, so there is
// nothing worth contending over.
type CSVProvider struct {
	mu     sync.Mutex
	dir    string
	bars   map[string][]models.MarketBar
	chains map[string]map[int64]*models.OptionChain
}

// NewCSVProvider creates a provider rooted at dir. Parsing is lazy per
// symbol, so construction never fails; call Warm to surface file errors
// before the simulation starts.
func NewCSVProvider(dir string) *CSVProvider {
	return &CSVProvider{
		dir:    dir,
		bars:   make(map[string][]models.MarketBar),
		chains: make(map[string]map[int64]*models.OptionChain),
	}
}

// Warm eagerly parses every listed symbol so that file problems surface as
// one error up front instead of mid-preload.
func (p *CSVProvider) Warm(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sym := range symbols {
		if err := p.loadBars(sym); err != nil {
			return err
		}
		// Chains are optional for index symbols.
		if err := p.loadChains(sym); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// FetchBars implements Provider.
func (p *CSVProvider) FetchBars(_ context.Context, symbol string, start, end time.Time) ([]models.MarketBar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadBars(symbol); err != nil {
		return nil, err
	}
	var out []models.MarketBar
	for _, b := range p.bars[symbol] {
		if b.Date.Before(start) || b.Date.After(end) {
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("bars for %s in [%s, %s]: %w",
			symbol, start.Format("2006-01-02"), end.Format("2006-01-02"), ErrNoData)
	}
	return out, nil
}

// FetchOptionChain implements Provider.
func (p *CSVProvider) FetchOptionChain(_ context.Context, symbol string, date time.Time) (*models.OptionChain, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadChains(symbol); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chain file for %s: %w", symbol, ErrNoData)
		}
		return nil, err
	}
	chain, ok := p.chains[symbol][DayKey(date)]
	if !ok {
		return nil, fmt.Errorf("chain for %s on %s: %w", symbol, date.Format("2006-01-02"), ErrNoData)
	}
	return chain, nil
}

func (p *CSVProvider) loadBars(symbol string) error {
	if _, ok := p.bars[symbol]; ok {
		return nil
	}
	path := filepath.Join(p.dir, "bars", symbol+".csv")
	rows, err := readCSV(path)
	if err != nil {
		return fmt.Errorf("reading bars for %s: %w", symbol, err)
	}

	bars := make([]models.MarketBar, 0, len(rows))
	for i, row := range rows {
		if len(row) != 7 {
			return fmt.Errorf("%s row %d: want 7 columns, got %d", path, i+2, len(row))
		}
		date, err := time.Parse("2006-01-02", row[0])
		if err != nil {
			return fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		vals, err := parseFloats(row[1:5])
		if err != nil {
			return fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		volume, err := strconv.ParseInt(row[5], 10, 64)
		if err != nil {
			return fmt.Errorf("%s row %d: volume: %w", path, i+2, err)
		}
		iv, err := strconv.ParseFloat(row[6], 64)
		if err != nil {
			return fmt.Errorf("%s row %d: implied_vol: %w", path, i+2, err)
		}
		bars = append(bars, models.MarketBar{
			Symbol:     symbol,
			Date:       date.UTC(),
			Open:       vals[0],
			High:       vals[1],
			Low:        vals[2],
			Close:      vals[3],
			Volume:     volume,
			ImpliedVol: iv,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	p.bars[symbol] = bars
	return nil
}

func (p *CSVProvider) loadChains(symbol string) error {
	if _, ok := p.chains[symbol]; ok {
		return nil
	}
	path := filepath.Join(p.dir, "chains", symbol+".csv")
	rows, err := readCSV(path)
	if err != nil {
		return err
	}

	byDate := make(map[int64]*models.OptionChain)
	for i, row := range rows {
		if len(row) != 7 {
			return fmt.Errorf("%s row %d: want 7 columns, got %d", path, i+2, len(row))
		}
		date, err := time.Parse("2006-01-02", row[0])
		if err != nil {
			return fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		expiration, err := time.Parse("2006-01-02", row[1])
		if err != nil {
			return fmt.Errorf("%s row %d: expiration: %w", path, i+2, err)
		}
		right := models.OptionRight(row[2])
		if right != models.Call && right != models.Put {
			return fmt.Errorf("%s row %d: unknown right %q", path, i+2, row[2])
		}
		vals, err := parseFloats(row[3:7])
		if err != nil {
			return fmt.Errorf("%s row %d: %w", path, i+2, err)
		}

		key := DayKey(date)
		chain, ok := byDate[key]
		if !ok {
			chain = &models.OptionChain{Symbol: symbol, Date: date.UTC()}
			byDate[key] = chain
		}
		chain.Quotes = append(chain.Quotes, models.OptionQuote{
			Strike:     vals[0],
			Expiration: expiration.UTC(),
			Right:      right,
			Bid:        vals[1],
			Ask:        vals[2],
			ImpliedVol: vals[3],
		})
	}
	p.chains[symbol] = byDate
	return nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path) // #nosec G304 -- data directory is operator-controlled
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	// Skip header.
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
