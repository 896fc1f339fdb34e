package service

import "math"

// SpreadPct returns price(b) - price(a) expressed in percent of price(a).
// Direction is fixed by the pair definition: leg A is the reference leg.
func SpreadPct(priceA, priceB float64) (float64, bool) {
	if priceA <= 0 || priceB <= 0 {
		return 0, false
	}
	return (priceB - priceA) / priceA * 100, true
}

// FundingDiffPct returns funding(b) - funding(a) in percent per interval.
func FundingDiffPct(rateA, rateB float64) float64 {
	return (rateB - rateA) * 100
}

// DirectionOf maps a signed deviation to the hedge direction: a positive
// deviation means leg B is rich, so the pipeline buys A and sells B.
func DirectionOf(deviation float64) int {
	switch {
	case deviation > 0:
		return +1
	case deviation < 0:
		return -1
	}
	return 0
}

// Within reports |a-b| <= tol.
func Within(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}
