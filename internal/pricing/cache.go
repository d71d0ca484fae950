package pricing

import (
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// cacheKey identifies one (symbol, date, contract, vol) valuation within a
// run. Vol is part of the key because the same contract can be valued under
// a quote's per-strike IV during selection and under the bar's IV when
// marking; those are different valuations.
type cacheKey struct {
	symbol string
	date   int64
	strike float64
	right  models.OptionRight
	expiry int64
	vol    float64
}

// Cache memoizes valuations for a single simulation run. It is scoped to one
// run and discarded with it; sharing a cache across runs would let one run's
// inputs leak into another and break determinism. Not safe for concurrent
// use, which is fine: a run is single-threaded.
type Cache struct {
	results map[cacheKey]Result
	hits    int
	misses  int
}

// NewCache creates an empty per-run cache.
func NewCache() *Cache {
	return &Cache{results: make(map[cacheKey]Result)}
}

// Evaluate returns the memoized valuation for the contract on the given
// date, computing it on first use.
func (c *Cache) Evaluate(symbol string, date time.Time, in Input) Result {
	key := cacheKey{
		symbol: symbol,
		date:   date.UTC().Truncate(24 * time.Hour).Unix(),
		strike: in.Strike,
		right:  in.Right,
		expiry: int64(in.TimeToExpiry * daysPerYear),
		vol:    in.Vol,
	}
	if r, ok := c.results[key]; ok {
		c.hits++
		return r
	}
	r := Evaluate(in)
	c.results[key] = r
	c.misses++
	return r
}

// Stats returns cache hit and miss counts, for diagnostics.
func (c *Cache) Stats() (hits, misses int) {
	return c.hits, c.misses
}

// Len returns the number of memoized valuations.
func (c *Cache) Len() int { return len(c.results) }
