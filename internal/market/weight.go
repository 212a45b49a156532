package market

import "math"

// Weight is -ln(rate) for the marginal rate reserveOut/reserveIn after fee.
// A closed walk is profitable iff the sum of its weights is negative.
func Weight(reserveIn, reserveOut, fee float64) float64 {
	if reserveIn <= 0 || reserveOut <= 0 || fee <= 0 {
		return math.Inf(1)
	}
	return -(math.Log(reserveOut) - math.Log(reserveIn) + math.Log(fee))
}

// Rate converts a summed weight back into a multiplicative rate.
func Rate(weight float64) float64 {
	return math.Exp(-weight)
}
