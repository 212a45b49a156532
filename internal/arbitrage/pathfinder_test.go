package arbitrage

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/market"
	"github.com/stretchr/testify/require"
)

var (
	tokA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	tokB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	tokC = common.HexToAddress("0x000000000000000000000000000000000000000c")

	poolAB  = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	poolAB2 = common.HexToAddress("0x00000000000000000000000000000000000001ab")
	poolBC  = common.HexToAddress("0x00000000000000000000000000000000000000bc")
	poolCA  = common.HexToAddress("0x00000000000000000000000000000000000000ca")
)

// pair builds an update with reserves given in whole tokens.
func pair(pool, t0, t1 common.Address, reserve0 int64, reserve1 int64) market.PoolUpdate {
	return market.PoolUpdate{
		Pool: pool, Token0: t0, Token1: t1, DEX: "uniswap",
		Reserve0: ether(reserve0), Reserve1: ether(reserve1),
		FeeNum: 997, FeeDen: 1000,
	}
}

func storeWith(t *testing.T, updates ...market.PoolUpdate) *market.Store {
	s := market.NewStore(market.DefaultOptions(), nil)
	_, err := s.ApplyCommit(market.BlockUpdate{Height: 1, Hash: common.HexToHash("0x01"), Updates: updates})
	require.NoError(t, err)
	return s
}

// triangle returns A-B 1:1, B-C 1:1 and C-A where one C buys caRate/1000 A.
func triangle(caRate int64) []market.PoolUpdate {
	return []market.PoolUpdate{
		pair(poolAB, tokA, tokB, 1000, 1000),
		pair(poolBC, tokB, tokC, 1000, 1000),
		// token0 of the C-A pool is A
		pair(poolCA, tokA, tokC, caRate, 1000),
	}
}

func finder() *PathFinder {
	cfg := DefaultFinderConfig()
	cfg.Budget = time.Second
	return NewPathFinder(cfg)
}

func requireValidCycle(t *testing.T, c *CandidatePath, snap *market.Snapshot, maxHops int) {
	t.Helper()
	require.GreaterOrEqual(t, len(c.Hops), 2)
	require.LessOrEqual(t, len(c.Hops), maxHops)
	require.Equal(t, c.Start, c.Hops[0].TokenIn)
	require.Equal(t, c.Start, c.Hops[len(c.Hops)-1].TokenOut)
	seen := map[common.Address]bool{}
	visited := map[common.Address]bool{}
	sum := 0.0
	for i, h := range c.Hops {
		require.False(t, seen[h.Pool], "pool %s repeated", h.Pool.Hex())
		seen[h.Pool] = true
		require.False(t, visited[h.TokenOut], "token %s repeated", h.TokenOut.Hex())
		visited[h.TokenOut] = true
		if i > 0 {
			require.Equal(t, c.Hops[i-1].TokenOut, h.TokenIn)
		}
		ev, ok := snap.Edge(h.Pool)
		require.True(t, ok)
		require.True(t, ev.Touches(h.TokenIn) && ev.Touches(h.TokenOut))
		sum += h.Weight
	}
	require.InDelta(t, c.Weight, sum, 1e-12)
	require.Less(t, c.Weight, 0.0)
	require.Equal(t, 1, c.Profit.Sign())
}

func TestFindProfitableTriangle(t *testing.T) {
	s := storeWith(t, triangle(1020)...)
	snap := s.Snapshot()

	c, err := finder().Find(context.Background(), tokA, snap, nil)
	require.NoError(t, err)
	requireValidCycle(t, c, snap, 4)

	require.Equal(t, []common.Address{poolAB, poolBC, poolCA}, c.Pools())
	require.Equal(t, []common.Address{tokA, tokB, tokC, tokA}, c.Tokens())
	require.InDelta(t, 1.02*0.997*0.997*0.997, c.Rate, 1e-9)
	require.Equal(t, snap.Version, c.Version)
	require.False(t, c.PostImpact)

	// the integer simulation agrees with the sized profit
	outs := SimulateHops(c.AmountIn, c.Hops)
	require.Equal(t, new(big.Int).Add(c.AmountIn, c.Profit).String(), outs[2].String())
	require.Equal(t, outs, c.ExpectedOuts)
}

func TestFindNoCycleBelowFees(t *testing.T) {
	// 0.995 sits inside the three-hop fee drag in both directions
	s := storeWith(t, triangle(995)...)
	_, err := finder().Find(context.Background(), tokA, s.Snapshot(), nil)
	require.ErrorIs(t, err, ErrNoCycle)

	_, err = finder().Find(context.Background(), common.HexToAddress("0xdead"), s.Snapshot(), nil)
	require.ErrorIs(t, err, ErrNoCycle)
}

func TestFindReverseWalkThroughCheapPool(t *testing.T) {
	// at 0.99 the forward walk loses, but buying A cheaply in the C-A pool pays
	snap := storeWith(t, triangle(990)...).Snapshot()
	c, err := finder().Find(context.Background(), tokA, snap, nil)
	require.NoError(t, err)
	requireValidCycle(t, c, snap, 4)
	require.Equal(t, []common.Address{tokA, tokC, tokB, tokA}, c.Tokens())
	require.InDelta(t, 0.997*0.997*0.997/0.99, c.Rate, 1e-9)
}

func TestFindRanksBySizedProfit(t *testing.T) {
	tiny := pair(poolAB2, tokA, tokB, 0, 0)
	tiny.Reserve0, tiny.Reserve1 = big.NewInt(1_050_000_000), big.NewInt(1_000_000_000)
	snap := storeWith(t,
		pair(poolAB, tokA, tokB, 100_000, 100_000),
		pair(poolBC, tokB, tokC, 100_000, 100_000),
		pair(poolCA, tokA, tokC, 102_000, 100_000),
		tiny,
	).Snapshot()

	c, err := finder().Find(context.Background(), tokA, snap, nil)
	require.NoError(t, err)
	requireValidCycle(t, c, snap, 4)
	// the A-B-A loop through the tiny pool has the better marginal rate
	require.Equal(t, []common.Address{poolAB, poolBC, poolCA}, c.Pools())
	require.Equal(t, ether(100).String(), c.AmountIn.String(), "sizing hits the input cap")
	require.Equal(t, "784209108926825929", c.Profit.String())
}

func TestFindPrefersFewerHopsOnTie(t *testing.T) {
	updates := []market.PoolUpdate{
		pair(poolAB, tokA, tokB, 10_000, 10_000),
		pair(poolAB2, tokA, tokB, 10_200, 10_000),
		pair(poolBC, tokB, tokC, 10_000, 10_000),
		pair(poolCA, tokA, tokC, 102_344, 100_000),
	}
	snap := storeWith(t, updates...).Snapshot()

	strict, err := finder().Find(context.Background(), tokA, snap, nil)
	require.NoError(t, err)
	require.Len(t, strict.Hops, 3, "the triangle earns slightly more")

	cfg := DefaultFinderConfig()
	cfg.Budget = time.Second
	cfg.Epsilon = 0.005
	loose, err := NewPathFinder(cfg).Find(context.Background(), tokA, snap, nil)
	require.NoError(t, err)
	require.Equal(t, []common.Address{poolAB, poolAB2}, loose.Pools())
	require.Equal(t, 1, strict.Profit.Cmp(loose.Profit))
}

func TestFindBestSharesOneBudget(t *testing.T) {
	snap := storeWith(t, triangle(1020)...).Snapshot()

	cfg := DefaultFinderConfig()
	cfg.Budget = 2500 * time.Microsecond
	f := NewPathFinder(cfg)
	clock := time.Unix(0, 0)
	f.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}

	// one start fits the budget
	c, err := f.FindBest(context.Background(), []common.Address{tokA, tokA}, snap, nil)
	require.NoError(t, err)
	require.Equal(t, tokA, c.Start)

	// a second start would fit a budget of its own, but not the shared one
	_, err = f.FindBest(context.Background(), []common.Address{tokA, tokB}, snap, nil)
	require.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestFindBestAcrossStarts(t *testing.T) {
	tiny := pair(poolAB2, tokA, tokB, 0, 0)
	tiny.Reserve0, tiny.Reserve1 = big.NewInt(1_050_000_000), big.NewInt(1_000_000_000)
	snap := storeWith(t,
		pair(poolAB, tokA, tokB, 100_000, 100_000),
		pair(poolBC, tokB, tokC, 100_000, 100_000),
		pair(poolCA, tokA, tokC, 102_000, 100_000),
		tiny,
	).Snapshot()

	c, err := finder().FindBest(context.Background(), []common.Address{common.HexToAddress("0xdead"), tokC, tokA}, snap, nil)
	require.NoError(t, err)
	requireValidCycle(t, c, snap, 4)
	require.Len(t, c.Hops, 3)
	require.Contains(t, []common.Address{tokA, tokC}, c.Start)
}

func TestFindSkipsStaleEdges(t *testing.T) {
	s := storeWith(t, triangle(1020)...)
	_, err := s.ApplyCommit(market.BlockUpdate{
		Height: 2, Hash: common.HexToHash("0x02"), ParentHash: common.HexToHash("0x01"),
		Updates: []market.PoolUpdate{pair(poolCA, tokA, tokC, 1030, 1000)},
	})
	require.NoError(t, err)

	_, err = finder().Find(context.Background(), tokA, s.Snapshot(), nil)
	require.NoError(t, err)

	// the rollback restores the profitable 1.02 state, but stale
	s.InvalidateSince(2)
	_, err = finder().Find(context.Background(), tokA, s.Snapshot(), nil)
	require.ErrorIs(t, err, ErrNoCycle)
}

func TestFindBudgetExceeded(t *testing.T) {
	var updates []market.PoolUpdate
	tokens := make([]common.Address, 12)
	for i := range tokens {
		tokens[i] = common.BigToAddress(big.NewInt(int64(0x100 + i)))
	}
	n := int64(0)
	for i := 0; i < len(tokens); i++ {
		for j := i + 1; j < len(tokens); j++ {
			n++
			updates = append(updates, pair(common.BigToAddress(big.NewInt(0x10000+n)), tokens[i], tokens[j], 1000, 1000*(1+(n*7)%5)))
		}
	}
	snap := storeWith(t, updates...).Snapshot()

	f := NewPathFinder(DefaultFinderConfig())
	clock := time.Unix(0, 0)
	f.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	_, err := f.Find(context.Background(), tokens[0], snap, nil)
	require.True(t, errors.Is(err, ErrBudgetExceeded), "got %v", err)
}

func TestFindOnPendingImpact(t *testing.T) {
	uni, _ := eth.DEXByName("uniswap")
	ab := eth.ComputePairAddress(uni, tokA, tokB)
	bc := eth.ComputePairAddress(uni, tokB, tokC)
	ca := eth.ComputePairAddress(uni, tokC, tokA)
	snap := storeWith(t,
		pair(ab, tokA, tokB, 1000, 1000),
		pair(bc, tokB, tokC, 1000, 1000),
		pair(ca, tokA, tokC, 1000, 1000),
	).Snapshot()

	_, err := finder().Find(context.Background(), tokA, snap, nil)
	require.ErrorIs(t, err, ErrNoCycle)

	// a large C->A sale leaves A expensive in the C-A pool
	pending := &PendingAction{
		Hash:         common.HexToHash("0xfeed"),
		DEX:          "uniswap",
		AmountIn:     ether(50),
		AmountOutMin: big.NewInt(0),
		Path:         []common.Address{tokC, tokA},
		Pools:        []common.Address{ca},
	}
	c, err := finder().Find(context.Background(), tokA, snap, pending)
	require.NoError(t, err)
	require.True(t, c.PostImpact)
	require.Equal(t, pending.Hash, c.Trigger)
	require.Equal(t, ca, c.Hops[0].Pool, "the cycle starts by selling A into the moved pool")

	// the caller's snapshot is untouched
	ev, _ := snap.Edge(ca)
	require.Equal(t, ether(1000).String(), ev.Reserve0.String())
}

func TestApplyImpactRevertingSwap(t *testing.T) {
	uni, _ := eth.DEXByName("uniswap")
	ca := eth.ComputePairAddress(uni, tokC, tokA)
	snap := storeWith(t, pair(ca, tokA, tokC, 1000, 1000)).Snapshot()

	pending := &PendingAction{
		AmountIn:     ether(10),
		AmountOutMin: ether(10), // cannot be met after fees
		Path:         []common.Address{tokC, tokA},
		Pools:        []common.Address{ca},
	}
	overlay, applied := ApplyImpact(snap, pending)
	require.False(t, applied)
	require.Same(t, snap, overlay)

	pending.AmountOutMin = big.NewInt(0)
	overlay, applied = ApplyImpact(snap, pending)
	require.True(t, applied)
	ev, _ := overlay.Edge(ca)
	require.Equal(t, ether(1010).String(), ev.Reserve1.String(), "C reserve grows by the input")
	require.Equal(t, 1, ether(1000).Cmp(ev.Reserve0))
}

func TestFindBestComparesInWETH(t *testing.T) {
	weth := eth.WETHAddress
	// X trades a million to the ether, so its raw profit reads large
	tokX := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	tokY := common.HexToAddress("0x00000000000000000000000000000000000000e2")
	tokZ := common.HexToAddress("0x00000000000000000000000000000000000000e3")
	at := func(n int64) common.Address { return common.BigToAddress(big.NewInt(0xf000 + n)) }
	snap := storeWith(t,
		pair(at(1), tokX, weth, 1_000_000_000, 1000),
		pair(at(2), tokX, tokZ, 100_000, 100_000),
		pair(at(3), tokX, tokZ, 105_000, 100_000),
		pair(at(4), weth, tokY, 1000, 1000),
		pair(at(5), weth, tokY, 1010, 1000),
	).Snapshot()

	x, err := finder().Find(context.Background(), tokX, snap, nil)
	require.NoError(t, err)
	w, err := finder().Find(context.Background(), weth, snap, nil)
	require.NoError(t, err)
	require.Equal(t, 1, x.Profit.Cmp(w.Profit))
	require.Equal(t, -1, x.ProfitWETH.Cmp(w.ProfitWETH))
	require.Equal(t, w.Profit, w.ProfitWETH)

	best, err := finder().FindBest(context.Background(), []common.Address{tokX, weth}, snap, nil)
	require.NoError(t, err)
	require.Equal(t, weth, best.Start)
	require.Equal(t, []common.Address{at(4), at(5)}, best.Pools())

	// without a WETH pool there is no price and ProfitWETH stays nil
	c, err := finder().Find(context.Background(), tokA, storeWith(t, triangle(1020)...).Snapshot(), nil)
	require.NoError(t, err)
	require.Nil(t, c.ProfitWETH)
}

func TestFindOnlySimpleCycles(t *testing.T) {
	poolBC2 := common.HexToAddress("0x00000000000000000000000000000000000001bc")
	// B-C-B pays, but A can only reach it by passing through B twice
	snap := storeWith(t,
		pair(poolAB, tokA, tokB, 1000, 1000),
		pair(poolBC, tokB, tokC, 1000, 1000),
		pair(poolBC2, tokB, tokC, 1100, 1000),
	).Snapshot()

	_, err := finder().Find(context.Background(), tokA, snap, nil)
	require.ErrorIs(t, err, ErrNoCycle)

	c, err := finder().Find(context.Background(), tokB, snap, nil)
	require.NoError(t, err)
	requireValidCycle(t, c, snap, 4)
	require.Equal(t, []common.Address{poolBC, poolBC2}, c.Pools())
}
