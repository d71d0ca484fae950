// Package marketdata supplies historical bars and option chains to the
// simulation core. The core consumes the Provider interface only and never
// performs network I/O itself; implementations here cover cached CSV files,
// a historical REST API and a deterministic synthetic generator.
package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// ErrNoData is returned when a provider has no bars or chain for the request.
var ErrNoData = errors.New("no market data for request")

// Provider fetches historical market data. Implementations must return bars
// in ascending date order and must be safe for concurrent use: the preload
// phase fans requests out across goroutines.
type Provider interface {
	// FetchBars returns daily bars for symbol within [start, end], ascending.
	FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]models.MarketBar, error)
	// FetchOptionChain returns the chain snapshot for symbol on date, or
	// ErrNoData when none exists.
	FetchOptionChain(ctx context.Context, symbol string, date time.Time) (*models.OptionChain, error)
}

// DayKey truncates a time to its UTC calendar day, the granularity every
// store lookup uses.
func DayKey(t time.Time) int64 {
	return t.UTC().Truncate(24 * time.Hour).Unix()
}
