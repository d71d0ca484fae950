package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

func TestSyntheticDeterminism(t *testing.T) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)

	a, err := NewSyntheticProvider(42).FetchBars(context.Background(), "SPY", start, end)
	require.NoError(t, err)
	b, err := NewSyntheticProvider(42).FetchBars(context.Background(), "SPY", start, end)
	require.NoError(t, err)
	assert.Equal(t, a, b, "same seed, same walk")

	c, err := NewSyntheticProvider(43).FetchBars(context.Background(), "SPY", start, end)
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "different seed, different walk")
}

func TestSyntheticBarsSkipWeekends(t *testing.T) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	bars, err := NewSyntheticProvider(7).FetchBars(context.Background(), "SPY", start, end)
	require.NoError(t, err)
	require.NotEmpty(t, bars)

	for _, b := range bars {
		assert.NotEqual(t, time.Saturday, b.Date.Weekday())
		assert.NotEqual(t, time.Sunday, b.Date.Weekday())
		assert.Positive(t, b.Close)
		assert.GreaterOrEqual(t, b.High, b.Low)
		assert.Positive(t, b.ImpliedVol)
	}
}

func TestSyntheticChainShape(t *testing.T) {
	p := NewSyntheticProvider(7)
	friday := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Friday, friday.Weekday())

	chain, err := p.FetchOptionChain(context.Background(), "SPY", friday)
	require.NoError(t, err)
	require.NotEmpty(t, chain.Quotes)

	exps := chain.Expirations()
	require.NotEmpty(t, exps)
	assert.Equal(t, friday, exps[0], "a Friday quotes its own 0DTE expiration")

	bar, err := p.FetchBars(context.Background(), "SPY", friday, friday)
	require.NoError(t, err)
	spot := bar[0].Close

	for _, q := range chain.Quotes {
		assert.GreaterOrEqual(t, q.Ask, q.Bid, "markets never crossed")
		assert.Positive(t, q.ImpliedVol)
		if q.Right == models.Put && q.Strike < spot {
			// Put skew: downside IV above ATM IV.
			assert.Greater(t, q.ImpliedVol, bar[0].ImpliedVol-1e-9)
		}
	}

	// Weekend chains do not exist.
	saturday := friday.AddDate(0, 0, 1)
	_, err = p.FetchOptionChain(context.Background(), "SPY", saturday)
	require.ErrorIs(t, err, ErrNoData)
}

func TestSyntheticStrikeGridOnTick(t *testing.T) {
	p := NewSyntheticProvider(7)
	friday := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	chain, err := p.FetchOptionChain(context.Background(), "SPY", friday)
	require.NoError(t, err)
	require.NotEmpty(t, chain.Quotes)

	bar, err := p.FetchBars(context.Background(), "SPY", friday, friday)
	require.NoError(t, err)
	spot := bar[0].Close
	step := strikeStep(spot)

	low := chain.Quotes[0].Strike
	for _, q := range chain.Quotes {
		if q.Strike < low {
			low = q.Strike
		}
		// Every strike sits on the step grid.
		assert.InDelta(t, 0, remainder(q.Strike, step), 1e-6, "strike %.2f off the %.2f grid", q.Strike, step)
	}
	assert.LessOrEqual(t, low, spot*0.75+1e-6, "grid floor never rounds above the bracket bound")
	assert.Greater(t, low, spot*0.75-step, "grid floor stays within one step of the bracket bound")
}

func remainder(x, step float64) float64 {
	r := x / step
	return r - float64(int64(r+0.5))
}
