// Package pricing provides closed-form option valuation and Greeks for the
// simulation engine. All marks and strike selection run through this model.
package pricing

import (
	"math"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// Input carries the parameters for one valuation.
type Input struct {
	Spot         float64
	Strike       float64
	TimeToExpiry float64 // years
	Rate         float64 // annualized risk-free rate as decimal
	Vol          float64 // implied volatility as decimal
	Right        models.OptionRight
}

// Result is a theoretical price plus the four standard Greeks.
// Vega is per 1 point of vol (1%), theta is per calendar day.
type Result struct {
	Price float64
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	// Intrinsic marks valuations that took the intrinsic-only fallback branch
	// (expired or degenerate inputs).
	Intrinsic bool
}

const daysPerYear = 365.0

// Evaluate prices an option with the Black-Scholes model.
//
// At TimeToExpiry <= 0 the contract is worth exactly intrinsic value with all
// Greeks zero; same-day-expiration strategies settle through this path, so it
// is an explicit branch rather than an error. Degenerate inputs (non-positive
// vol, spot or strike) also fall back to intrinsic-only pricing.
func Evaluate(in Input) Result {
	if in.TimeToExpiry <= 0 || in.Vol <= 0 || in.Spot <= 0 || in.Strike <= 0 {
		return Result{Price: IntrinsicValue(in.Spot, in.Strike, in.Right), Intrinsic: true}
	}

	sqrtT := math.Sqrt(in.TimeToExpiry)
	d1 := (math.Log(in.Spot/in.Strike) + (in.Rate+in.Vol*in.Vol/2)*in.TimeToExpiry) / (in.Vol * sqrtT)
	d2 := d1 - in.Vol*sqrtT
	discount := math.Exp(-in.Rate * in.TimeToExpiry)
	pdf := normPDF(d1)

	var price, delta, theta float64
	switch in.Right {
	case models.Call:
		price = in.Spot*normCDF(d1) - in.Strike*discount*normCDF(d2)
		delta = normCDF(d1)
		theta = -in.Spot*pdf*in.Vol/(2*sqrtT) - in.Rate*in.Strike*discount*normCDF(d2)
	default: // put
		price = in.Strike*discount*normCDF(-d2) - in.Spot*normCDF(-d1)
		delta = normCDF(d1) - 1
		theta = -in.Spot*pdf*in.Vol/(2*sqrtT) + in.Rate*in.Strike*discount*normCDF(-d2)
	}

	return Result{
		Price: price,
		Delta: delta,
		Gamma: pdf / (in.Spot * in.Vol * sqrtT),
		Theta: theta / daysPerYear,
		Vega:  in.Spot * pdf * sqrtT / 100,
	}
}

// IntrinsicValue returns the exercise value of an option.
func IntrinsicValue(spot, strike float64, right models.OptionRight) float64 {
	var v float64
	if right == models.Call {
		v = spot - strike
	} else {
		v = strike - spot
	}
	if v < 0 {
		return 0
	}
	return v
}

// Years converts a whole-day DTE into the time-to-expiry fraction the model
// expects. Same-day expiration yields exactly zero.
func Years(days int) float64 {
	return float64(days) / daysPerYear
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
