package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func openPosition(t *testing.T, qty int, entryPrice float64) *Position {
	t.Helper()
	pos := NewPosition("pos-1", "SPY", "strangle-45d", "equity-index", ShortStrangle)
	pos.EntryDate = day(2024, 3, 1)
	pos.Expiration = day(2024, 4, 15)
	pos.PutStrike = 430
	pos.CallStrike = 470
	pos.Quantity = qty
	pos.EntryPrice = entryPrice
	pos.MarkPrice = entryPrice
	require.NoError(t, pos.TransitionState(StateOpen, ConditionRiskApproved, pos.EntryDate))
	return pos
}

func TestRealizedPnLSignConventions(t *testing.T) {
	// Short 2 contracts at 3.00, buy back at 1.00: profit.
	assert.InDelta(t, 396.0, RealizedPnL(3.00, 1.00, -2, 4.0), 1e-9)
	// Short 2 contracts at 3.00, buy back at 5.00: loss.
	assert.InDelta(t, -404.0, RealizedPnL(3.00, 5.00, -2, 4.0), 1e-9)
	// Long 1 contract at 2.00, sell at 3.50: profit.
	assert.InDelta(t, 148.0, RealizedPnL(2.00, 3.50, 1, 2.0), 1e-9)
	// Long 1 contract at 2.00, sell at 1.00: loss.
	assert.InDelta(t, -102.0, RealizedPnL(2.00, 1.00, 1, 2.0), 1e-9)
}

func TestUnrealizedPnLShort(t *testing.T) {
	pos := openPosition(t, -2, 3.00)
	pos.Commissions = 4.0

	// Premium decayed: short profits.
	assert.InDelta(t, 396.0, pos.UnrealizedPnL(1.00), 1e-9)
	// Premium expanded: short loses.
	assert.InDelta(t, -404.0, pos.UnrealizedPnL(5.00), 1e-9)
}

func TestCreditAndMarketValue(t *testing.T) {
	pos := openPosition(t, -3, 2.50)
	assert.InDelta(t, 750.0, pos.CreditReceived(), 1e-9)
	assert.Equal(t, 3, pos.Contracts())
	assert.True(t, pos.IsShort())

	pos.MarkPrice = 1.10
	assert.InDelta(t, -330.0, pos.MarketValue(), 1e-9)
}

func TestDTEAsOf(t *testing.T) {
	pos := openPosition(t, -1, 1.0)
	assert.Equal(t, 45, pos.DTEAsOf(day(2024, 3, 1)))
	assert.Equal(t, 0, pos.DTEAsOf(day(2024, 4, 15)))
	assert.Equal(t, 0, pos.DTEAsOf(day(2024, 5, 1)))
}

func TestCloseToTrade(t *testing.T) {
	pos := openPosition(t, -2, 3.00)
	pos.Commissions = 8.0

	_, err := pos.CloseToTrade(1.50, ExitProfitTarget, day(2024, 3, 20))
	require.Error(t, err, "must transition to closed first")

	require.NoError(t, pos.TransitionState(StateClosed, ConditionExit, day(2024, 3, 20)))
	trade, err := pos.CloseToTrade(1.50, ExitProfitTarget, day(2024, 3, 20))
	require.NoError(t, err)

	assert.Equal(t, "pos-1", trade.ID)
	assert.Equal(t, ExitProfitTarget, trade.ExitReason)
	assert.Equal(t, -2, trade.Quantity)
	assert.InDelta(t, 292.0, trade.PnL, 1e-9)
	assert.Equal(t, day(2024, 3, 20), trade.ExitDate)
}

func TestValidateState(t *testing.T) {
	pos := openPosition(t, -1, 2.0)
	require.NoError(t, pos.ValidateState())

	pos.EntryPrice = 0
	require.Error(t, pos.ValidateState())

	fresh := NewPosition("p", "SPY", "s", "g", ShortPut)
	require.NoError(t, fresh.ValidateState())
	fresh.Quantity = -1
	require.Error(t, fresh.ValidateState())
}

func TestDaysBetween(t *testing.T) {
	assert.Equal(t, 1, DaysBetween(day(2024, 3, 1), day(2024, 3, 2)))
	assert.Equal(t, -1, DaysBetween(day(2024, 3, 2), day(2024, 3, 1)))
	assert.Equal(t, 0, DaysBetween(day(2024, 3, 1), day(2024, 3, 1)))

	// Intraday components never shift the count.
	late := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	early := time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 1, DaysBetween(late, early))
}

func TestOptionChainHelpers(t *testing.T) {
	exp1 := day(2024, 4, 19)
	exp2 := day(2024, 5, 17)
	chain := &OptionChain{
		Symbol: "SPY",
		Date:   day(2024, 3, 1),
		Quotes: []OptionQuote{
			{Strike: 450, Expiration: exp2, Right: Put, Bid: 5, Ask: 5.2},
			{Strike: 440, Expiration: exp1, Right: Put, Bid: 3, Ask: 3.2},
			{Strike: 430, Expiration: exp1, Right: Put, Bid: 2, Ask: 2.2},
			{Strike: 460, Expiration: exp1, Right: Call, Bid: 1.5, Ask: 1.7},
		},
	}

	exps := chain.Expirations()
	require.Len(t, exps, 2)
	assert.Equal(t, exp1, exps[0])

	puts := chain.QuotesFor(exp1, Put)
	require.Len(t, puts, 2)
	assert.Equal(t, 430.0, puts[0].Strike, "sorted ascending")

	q, ok := chain.FindQuote(exp1, Call, 460)
	require.True(t, ok)
	assert.InDelta(t, 1.6, q.Mid(), 1e-9)

	_, ok = chain.FindQuote(exp1, Call, 465)
	assert.False(t, ok)
}

func TestQuoteTradeable(t *testing.T) {
	assert.True(t, OptionQuote{Bid: 1, Ask: 1.1}.Tradeable())
	assert.False(t, OptionQuote{Bid: 0, Ask: 1.1}.Tradeable())
	assert.False(t, OptionQuote{Bid: 1, Ask: 0}.Tradeable())
	assert.False(t, OptionQuote{Bid: 1.2, Ask: 1.1}.Tradeable(), "crossed market")
}
