package arbitrage

import (
	"math/big"
)

var (
	two   = big.NewInt(2)
	three = big.NewInt(3)
)

// GetAmountOut is the UniswapV2 constant product output for amountIn, with
// the pool fee expressed as feeNum/feeDen (997/1000 is the usual 0.3%).
// Integer division floors exactly like the pair contract does.
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int, feeNum, feeDen uint64) *big.Int {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return big.NewInt(0)
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 || feeDen == 0 {
		return big.NewInt(0)
	}

	amountInWithFee := new(big.Int).Mul(amountIn, new(big.Int).SetUint64(feeNum))
	numerator := new(big.Int).Mul(amountInWithFee, reserveOut)

	denominator := new(big.Int).Mul(reserveIn, new(big.Int).SetUint64(feeDen))
	denominator.Add(denominator, amountInWithFee)

	return numerator.Div(numerator, denominator)
}

// SimulateHops runs amountIn through every hop using the reserves captured on
// the hop and returns the output after each step.
func SimulateHops(amountIn *big.Int, hops []Hop) []*big.Int {
	outs := make([]*big.Int, len(hops))
	amt := amountIn
	for i, h := range hops {
		amt = GetAmountOut(amt, h.ReserveIn, h.ReserveOut, h.FeeNum, h.FeeDen)
		outs[i] = amt
	}
	return outs
}

// cycleProfit is the output of the last hop minus the input, can be negative
func cycleProfit(amountIn *big.Int, hops []Hop) *big.Int {
	outs := SimulateHops(amountIn, hops)
	if len(outs) == 0 {
		return new(big.Int).Neg(amountIn)
	}
	return new(big.Int).Sub(outs[len(outs)-1], amountIn)
}

// OptimalInput searches [minAmount, maxAmount] for the input that maximises
// profit. Profit of a constant product cycle is concave in the input, so a
// ternary search converges; the best point seen is tracked anyway since
// integer flooring makes the curve slightly bumpy.
func OptimalInput(hops []Hop, minAmount, maxAmount *big.Int, steps int) (optimalInput, maxProfit *big.Int) {
	if steps <= 0 {
		steps = 20
	}
	left := new(big.Int).Set(minAmount)
	right := new(big.Int).Set(maxAmount)

	bestInput := new(big.Int).Set(minAmount)
	bestProfit := cycleProfit(minAmount, hops)
	if p := cycleProfit(maxAmount, hops); p.Cmp(bestProfit) > 0 {
		bestInput, bestProfit = new(big.Int).Set(maxAmount), p
	}

	for i := 0; i < steps; i++ {
		span := new(big.Int).Sub(right, left)
		if span.Cmp(three) < 0 {
			break
		}
		third := span.Div(span, three)
		mid1 := new(big.Int).Add(left, third)
		mid2 := new(big.Int).Add(mid1, third)

		profit1 := cycleProfit(mid1, hops)
		profit2 := cycleProfit(mid2, hops)

		if profit1.Cmp(bestProfit) > 0 {
			bestInput, bestProfit = mid1, profit1
		}
		if profit2.Cmp(bestProfit) > 0 {
			bestInput, bestProfit = mid2, profit2
		}

		// narrow towards the higher side
		if profit1.Cmp(profit2) > 0 {
			right = mid2
		} else {
			left = mid1
		}
	}

	// finish off the last few integers
	for x := new(big.Int).Set(left); x.Cmp(right) <= 0; x.Add(x, big.NewInt(1)) {
		if p := cycleProfit(x, hops); p.Cmp(bestProfit) > 0 {
			bestInput, bestProfit = new(big.Int).Set(x), p
		}
		if new(big.Int).Sub(x, left).Cmp(two) >= 0 {
			break
		}
	}
	return bestInput, bestProfit
}

// MinOut lowers expected by slippageBps basis points.
func MinOut(expected *big.Int, slippageBps int64) *big.Int {
	if slippageBps <= 0 {
		return new(big.Int).Set(expected)
	}
	out := new(big.Int).Mul(expected, big.NewInt(10_000-slippageBps))
	return out.Div(out, big.NewInt(10_000))
}
