package journal

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/eddiefleurent/dunder_backtester/internal/analytics"
	"github.com/eddiefleurent/dunder_backtester/internal/ledger"
	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// CSVJournal writes trades and equity to CSV files and the summary to a
// JSON file, the formats downstream spreadsheets and notebooks expect.
// Any of the three paths may be empty to skip that output.
type CSVJournal struct {
	trades  *csv.Writer
	equity  *csv.Writer
	files   []*os.File
	summary string
}

var tradeHeader = []string{
	"run_id", "id", "strategy_id", "symbol", "correlation_group", "structure",
	"entry_date", "exit_date", "expiration", "put_strike", "call_strike",
	"quantity", "entry_price", "exit_price", "pnl", "commissions", "exit_reason",
}

var equityHeader = []string{"run_id", "date", "equity", "cash", "buying_power_used", "open_positions"}

// NewCSV creates a journal writing to the given paths.
func NewCSV(tradesPath, equityPath, summaryPath string) (*CSVJournal, error) {
	j := &CSVJournal{summary: summaryPath}

	open := func(path string, header []string) (*csv.Writer, error) {
		f, err := os.Create(path) // #nosec G304 -- report paths are operator-controlled
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", path, err)
		}
		j.files = append(j.files, f)
		w := csv.NewWriter(f)
		if err := w.Write(header); err != nil {
			return nil, fmt.Errorf("writing header to %s: %w", path, err)
		}
		return w, nil
	}

	var err error
	if tradesPath != "" {
		if j.trades, err = open(tradesPath, tradeHeader); err != nil {
			j.Close()
			return nil, err
		}
	}
	if equityPath != "" {
		if j.equity, err = open(equityPath, equityHeader); err != nil {
			j.Close()
			return nil, err
		}
	}
	return j, nil
}

// RecordTrade implements Journal.
func (j *CSVJournal) RecordTrade(runID string, t models.Trade) error {
	if j.trades == nil {
		return nil
	}
	return j.trades.Write([]string{
		runID, t.ID, t.StrategyID, t.Symbol, t.CorrelationGroup, string(t.Structure),
		t.EntryDate.Format(dateLayout), t.ExitDate.Format(dateLayout),
		t.Expiration.Format(dateLayout),
		formatFloat(t.PutStrike), formatFloat(t.CallStrike),
		strconv.Itoa(t.Quantity),
		formatFloat(t.EntryPrice), formatFloat(t.ExitPrice),
		formatFloat(t.PnL), formatFloat(t.Commissions),
		string(t.ExitReason),
	})
}

// RecordEquity implements Journal.
func (j *CSVJournal) RecordEquity(runID string, p ledger.EquityPoint) error {
	if j.equity == nil {
		return nil
	}
	return j.equity.Write([]string{
		runID, p.Date.Format(dateLayout),
		formatFloat(p.Equity), formatFloat(p.Cash),
		formatFloat(p.BuyingPowerUsed),
		strconv.Itoa(p.Open),
	})
}

// RecordSummary implements Journal.
func (j *CSVJournal) RecordSummary(_ string, report *analytics.Report) error {
	if j.summary == "" {
		return nil
	}
	blob, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	if err := os.WriteFile(j.summary, append(blob, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing summary %s: %w", j.summary, err)
	}
	return nil
}

// Close flushes the writers and closes the files.
func (j *CSVJournal) Close() error {
	var first error
	for _, w := range []*csv.Writer{j.trades, j.equity} {
		if w == nil {
			continue
		}
		w.Flush()
		if err := w.Error(); err != nil && first == nil {
			first = err
		}
	}
	for _, f := range j.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var _ Journal = (*CSVJournal)(nil)
