// Package risk enforces buying-power limits, correlation-group capacity and
// position sizing. It depends on configuration only; it never touches market
// data or the ledger directly.
package risk

// VolatilityBand classifies a volatility-index level and caps buying-power
// usage for it. Bands are half-open [Min, Max); the last band is unbounded.
type VolatilityBand struct {
	Label    string
	Min      float64
	Max      float64
	MinBPPct float64
	MaxBPPct float64
}

// VolatilityBands is the canonical buying-power table. This is the single
// source of truth: no other component may hardcode a buying-power
// percentage. Usage scales up with volatility because short-premium
// strategies are entered into elevated vol, not out of it.
var VolatilityBands = []VolatilityBand{
	{Label: "low", Min: 0, Max: 15, MinBPPct: 0.35, MaxBPPct: 0.45},
	{Label: "normal", Min: 15, Max: 20, MinBPPct: 0.40, MaxBPPct: 0.50},
	{Label: "elevated", Min: 20, Max: 30, MinBPPct: 0.50, MaxBPPct: 0.60},
	{Label: "high", Min: 30, Max: 40, MinBPPct: 0.60, MaxBPPct: 0.70},
	{Label: "extreme", Min: 40, Max: 0, MinBPPct: 0.70, MaxBPPct: 0.80},
}

// BandFor returns the volatility band containing the given index level.
// Negative levels clamp into the lowest band.
func BandFor(level float64) VolatilityBand {
	last := VolatilityBands[len(VolatilityBands)-1]
	if level >= last.Min {
		return last
	}
	for _, b := range VolatilityBands[:len(VolatilityBands)-1] {
		if level >= b.Min && level < b.Max {
			return b
		}
	}
	return VolatilityBands[0]
}

// MaxBuyingPowerPct returns the maximum account fraction usable as buying
// power at the given volatility-index level.
func MaxBuyingPowerPct(level float64) float64 {
	return BandFor(level).MaxBPPct
}
