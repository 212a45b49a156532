package arbitrage

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestGetAmountOut(t *testing.T) {
	// 1 WETH into a 100 WETH / 200k USDC pool
	out := GetAmountOut(ether(1), ether(100), big.NewInt(200_000e6), 997, 1000)
	// 1e18*997*200000e6 / (100e18*1000 + 997e18)
	require.Equal(t, "1974316068", out.String())

	require.Zero(t, GetAmountOut(big.NewInt(0), ether(1), ether(1), 997, 1000).Sign())
	require.Zero(t, GetAmountOut(ether(1), big.NewInt(0), ether(1), 997, 1000).Sign())
	require.Zero(t, GetAmountOut(ether(1), ether(1), ether(1), 997, 0).Sign())

	// fee-free output is strictly larger
	noFee := GetAmountOut(ether(1), ether(100), ether(100), 1, 1)
	withFee := GetAmountOut(ether(1), ether(100), ether(100), 997, 1000)
	require.Equal(t, 1, noFee.Cmp(withFee))
}

func TestOptimalInputConcaveCycle(t *testing.T) {
	hops := []Hop{
		{ReserveIn: ether(1000), ReserveOut: ether(1000), FeeNum: 997, FeeDen: 1000},
		{ReserveIn: ether(1000), ReserveOut: ether(1020), FeeNum: 997, FeeDen: 1000},
	}
	in, profit := OptimalInput(hops, big.NewInt(1e6), ether(100), 64)
	require.Equal(t, 1, profit.Sign())

	// moving a percent either way is not better
	delta := new(big.Int).Div(in, big.NewInt(100))
	require.LessOrEqual(t, cycleProfit(new(big.Int).Add(in, delta), hops).Cmp(profit), 0)
	require.LessOrEqual(t, cycleProfit(new(big.Int).Sub(in, delta), hops).Cmp(profit), 0)

	outs := SimulateHops(in, hops)
	require.Len(t, outs, 2)
	require.Equal(t, new(big.Int).Add(in, profit).String(), outs[1].String())
}

func TestOptimalInputUnprofitable(t *testing.T) {
	hops := []Hop{
		{ReserveIn: ether(1000), ReserveOut: ether(1000), FeeNum: 997, FeeDen: 1000},
		{ReserveIn: ether(1000), ReserveOut: ether(1000), FeeNum: 997, FeeDen: 1000},
	}
	_, profit := OptimalInput(hops, big.NewInt(1e6), ether(100), 64)
	require.Equal(t, -1, profit.Sign())
}

func TestMinOut(t *testing.T) {
	require.Equal(t, big.NewInt(995), MinOut(big.NewInt(1000), 50))
	require.Equal(t, big.NewInt(1000), MinOut(big.NewInt(1000), 0))
}
