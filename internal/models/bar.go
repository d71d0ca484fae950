// Package models holds the core market data and position types shared by
// every layer of the backtester.
package models

import (
	"math"
	"sort"
	"time"
)

// SharesPerContract is the equity option multiplier.
const SharesPerContract = 100.0

// strikeMatchEpsilon absorbs float drift when looking up strikes.
const strikeMatchEpsilon = 1e-3

// MarketBar is one daily OHLCV bar with the symbol's at-the-money
// implied volatility for that session.
type MarketBar struct {
	Symbol     string    `json:"symbol"`
	Date       time.Time `json:"date"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	ImpliedVol float64   `json:"implied_vol"`
}

// MoveFromOpenPct returns the intraday move from open to close as a
// percentage of the open, always non-negative.
func (b MarketBar) MoveFromOpenPct() float64 {
	if b.Open == 0 {
		return 0
	}
	return math.Abs(b.Close-b.Open) / b.Open * 100
}

// OptionRight distinguishes calls from puts.
type OptionRight string

const (
	// Call option right.
	Call OptionRight = "call"
	// Put option right.
	Put OptionRight = "put"
)

// OptionQuote is one contract's quote within a chain snapshot.
type OptionQuote struct {
	Strike     float64     `json:"strike"`
	Expiration time.Time   `json:"expiration"`
	Right      OptionRight `json:"right"`
	Bid        float64     `json:"bid"`
	Ask        float64     `json:"ask"`
	ImpliedVol float64     `json:"implied_vol"`
}

// Mid returns the quote midpoint.
func (q OptionQuote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Tradeable reports whether the quote is usable for fills. A zero or
// crossed market means the snapshot is stale or the contract is dead.
func (q OptionQuote) Tradeable() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}

// OptionChain is a full chain snapshot for one underlying on one date.
type OptionChain struct {
	Symbol string        `json:"symbol"`
	Date   time.Time     `json:"date"`
	Quotes []OptionQuote `json:"quotes"`
}

// Expirations returns the distinct expirations in the chain, ascending.
func (c *OptionChain) Expirations() []time.Time {
	seen := make(map[int64]time.Time)
	for _, q := range c.Quotes {
		seen[q.Expiration.Unix()] = q.Expiration
	}
	out := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// QuotesFor returns the quotes of one right in one expiration, sorted by
// strike ascending.
func (c *OptionChain) QuotesFor(expiration time.Time, right OptionRight) []OptionQuote {
	var out []OptionQuote
	for _, q := range c.Quotes {
		if q.Right == right && sameDay(q.Expiration, expiration) {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	return out
}

// FindQuote locates the quote for an exact contract.
func (c *OptionChain) FindQuote(expiration time.Time, right OptionRight, strike float64) (OptionQuote, bool) {
	for _, q := range c.Quotes {
		if q.Right == right && sameDay(q.Expiration, expiration) &&
			math.Abs(q.Strike-strike) < strikeMatchEpsilon {
			return q, true
		}
	}
	return OptionQuote{}, false
}

// DaysBetween returns whole calendar days from a to b, comparing the UTC
// day boundaries so intraday components never shift the count.
func DaysBetween(a, b time.Time) int {
	au := a.UTC().Truncate(24 * time.Hour)
	bu := b.UTC().Truncate(24 * time.Hour)
	return int(bu.Sub(au).Hours() / 24)
}

func sameDay(a, b time.Time) bool {
	return a.UTC().Truncate(24*time.Hour).Equal(b.UTC().Truncate(24 * time.Hour))
}
