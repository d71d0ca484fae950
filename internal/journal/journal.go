// Package journal persists run output: closed trades, the equity curve,
// and the summary report. Sinks implement one interface so the engine
// never knows whether it is writing SQLite, CSV, or both.
package journal

import (
	"github.com/eddiefleurent/dunder_backtester/internal/analytics"
	"github.com/eddiefleurent/dunder_backtester/internal/ledger"
	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// Journal records a run's output somewhere durable.
type Journal interface {
	// RecordTrade persists one closed trade under the run ID.
	RecordTrade(runID string, trade models.Trade) error
	// RecordEquity persists one end-of-day equity point under the run ID.
	RecordEquity(runID string, point ledger.EquityPoint) error
	// RecordSummary persists the run's performance report.
	RecordSummary(runID string, report *analytics.Report) error
	// Close flushes and releases the sink.
	Close() error
}

// Multi fans writes out to several journals, failing on the first error.
type Multi []Journal

// RecordTrade implements Journal.
func (m Multi) RecordTrade(runID string, trade models.Trade) error {
	for _, j := range m {
		if err := j.RecordTrade(runID, trade); err != nil {
			return err
		}
	}
	return nil
}

// RecordEquity implements Journal.
func (m Multi) RecordEquity(runID string, point ledger.EquityPoint) error {
	for _, j := range m {
		if err := j.RecordEquity(runID, point); err != nil {
			return err
		}
	}
	return nil
}

// RecordSummary implements Journal.
func (m Multi) RecordSummary(runID string, report *analytics.Report) error {
	for _, j := range m {
		if err := j.RecordSummary(runID, report); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink, returning the first error but closing all.
func (m Multi) Close() error {
	var first error
	for _, j := range m {
		if err := j.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Nop discards everything, for runs that only want the in-memory report.
type Nop struct{}

// RecordTrade implements Journal.
func (Nop) RecordTrade(string, models.Trade) error { return nil }

// RecordEquity implements Journal.
func (Nop) RecordEquity(string, ledger.EquityPoint) error { return nil }

// RecordSummary implements Journal.
func (Nop) RecordSummary(string, *analytics.Report) error { return nil }

// Close implements Journal.
func (Nop) Close() error { return nil }
