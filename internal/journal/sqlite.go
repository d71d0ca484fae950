package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/eddiefleurent/dunder_backtester/internal/analytics"
	"github.com/eddiefleurent/dunder_backtester/internal/ledger"
	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	run_id            TEXT NOT NULL,
	id                TEXT NOT NULL,
	strategy_id       TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	correlation_group TEXT NOT NULL,
	structure         TEXT NOT NULL,
	entry_date        TEXT NOT NULL,
	exit_date         TEXT NOT NULL,
	expiration        TEXT NOT NULL,
	put_strike        REAL NOT NULL,
	call_strike       REAL NOT NULL,
	quantity          INTEGER NOT NULL,
	entry_price       REAL NOT NULL,
	exit_price        REAL NOT NULL,
	pnl               REAL NOT NULL,
	commissions       REAL NOT NULL,
	exit_reason       TEXT NOT NULL,
	PRIMARY KEY (run_id, id)
);
CREATE TABLE IF NOT EXISTS equity (
	run_id            TEXT NOT NULL,
	date              TEXT NOT NULL,
	equity            REAL NOT NULL,
	cash              REAL NOT NULL,
	buying_power_used REAL NOT NULL,
	open_positions    INTEGER NOT NULL,
	PRIMARY KEY (run_id, date)
);
CREATE TABLE IF NOT EXISTS summaries (
	run_id     TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	report     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades (run_id, strategy_id);
`

const dateLayout = "2006-01-02"

// SQLiteJournal persists run output to a SQLite database.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path and ensures
// the schema exists.
func NewSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal db %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// RecordTrade implements Journal.
func (j *SQLiteJournal) RecordTrade(runID string, t models.Trade) error {
	_, err := j.db.Exec(`INSERT INTO trades
		(run_id, id, strategy_id, symbol, correlation_group, structure,
		 entry_date, exit_date, expiration, put_strike, call_strike,
		 quantity, entry_price, exit_price, pnl, commissions, exit_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		runID, t.ID, t.StrategyID, t.Symbol, t.CorrelationGroup, string(t.Structure),
		t.EntryDate.Format(dateLayout), t.ExitDate.Format(dateLayout),
		t.Expiration.Format(dateLayout), t.PutStrike, t.CallStrike,
		t.Quantity, t.EntryPrice, t.ExitPrice, t.PnL, t.Commissions, string(t.ExitReason))
	if err != nil {
		return fmt.Errorf("recording trade %s: %w", t.ID, err)
	}
	return nil
}

// RecordEquity implements Journal.
func (j *SQLiteJournal) RecordEquity(runID string, p ledger.EquityPoint) error {
	_, err := j.db.Exec(`INSERT INTO equity
		(run_id, date, equity, cash, buying_power_used, open_positions)
		VALUES (?,?,?,?,?,?)`,
		runID, p.Date.Format(dateLayout), p.Equity, p.Cash, p.BuyingPowerUsed, p.Open)
	if err != nil {
		return fmt.Errorf("recording equity point %s: %w", p.Date.Format(dateLayout), err)
	}
	return nil
}

// RecordSummary implements Journal. The report is stored as JSON so schema
// changes never require a migration.
func (j *SQLiteJournal) RecordSummary(runID string, report *analytics.Report) error {
	blob, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	_, err = j.db.Exec(`INSERT OR REPLACE INTO summaries (run_id, created_at, report)
		VALUES (?,?,?)`,
		runID, time.Now().UTC().Format(time.RFC3339), string(blob))
	if err != nil {
		return fmt.Errorf("recording summary: %w", err)
	}
	return nil
}

// ListTrades returns a run's trades ordered by exit date then ID.
func (j *SQLiteJournal) ListTrades(runID string) ([]models.Trade, error) {
	rows, err := j.db.Query(`SELECT id, strategy_id, symbol, correlation_group, structure,
		entry_date, exit_date, expiration, put_strike, call_strike,
		quantity, entry_price, exit_price, pnl, commissions, exit_reason
		FROM trades WHERE run_id = ? ORDER BY exit_date, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListEquity returns a run's equity curve in date order.
func (j *SQLiteJournal) ListEquity(runID string) ([]ledger.EquityPoint, error) {
	rows, err := j.db.Query(`SELECT date, equity, cash, buying_power_used, open_positions
		FROM equity WHERE run_id = ? ORDER BY date`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing equity: %w", err)
	}
	defer rows.Close()

	var out []ledger.EquityPoint
	for rows.Next() {
		var p ledger.EquityPoint
		var date string
		if err := rows.Scan(&date, &p.Equity, &p.Cash, &p.BuyingPowerUsed, &p.Open); err != nil {
			return nil, fmt.Errorf("scanning equity point: %w", err)
		}
		if p.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("parsing equity date: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetTrade returns one trade by run and trade ID.
func (j *SQLiteJournal) GetTrade(runID, tradeID string) (models.Trade, error) {
	row := j.db.QueryRow(`SELECT id, strategy_id, symbol, correlation_group, structure,
		entry_date, exit_date, expiration, put_strike, call_strike,
		quantity, entry_price, exit_price, pnl, commissions, exit_reason
		FROM trades WHERE run_id = ? AND id = ?`, runID, tradeID)
	return scanTrade(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (models.Trade, error) {
	var t models.Trade
	var structure, entry, exit, expiration, reason string
	err := row.Scan(&t.ID, &t.StrategyID, &t.Symbol, &t.CorrelationGroup, &structure,
		&entry, &exit, &expiration, &t.PutStrike, &t.CallStrike,
		&t.Quantity, &t.EntryPrice, &t.ExitPrice, &t.PnL, &t.Commissions, &reason)
	if err != nil {
		return models.Trade{}, fmt.Errorf("scanning trade: %w", err)
	}
	t.Structure = models.Structure(structure)
	t.ExitReason = models.ExitReason(reason)
	if t.EntryDate, err = time.Parse(dateLayout, entry); err != nil {
		return models.Trade{}, fmt.Errorf("parsing entry date: %w", err)
	}
	if t.ExitDate, err = time.Parse(dateLayout, exit); err != nil {
		return models.Trade{}, fmt.Errorf("parsing exit date: %w", err)
	}
	if t.Expiration, err = time.Parse(dateLayout, expiration); err != nil {
		return models.Trade{}, fmt.Errorf("parsing expiration: %w", err)
	}
	return t, nil
}

// Close implements Journal.
func (j *SQLiteJournal) Close() error { return j.db.Close() }

// Ensure the interface is satisfied.
var _ Journal = (*SQLiteJournal)(nil)
