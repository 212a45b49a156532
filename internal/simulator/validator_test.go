package simulator

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/market"
	"github.com/stretchr/testify/require"
)

var (
	tokA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	tokB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	tokC = common.HexToAddress("0x000000000000000000000000000000000000000c")

	poolAB = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	poolBC = common.HexToAddress("0x00000000000000000000000000000000000000bc")
	poolCA = common.HexToAddress("0x00000000000000000000000000000000000000ca")
	poolAW = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func upd(pool, t0, t1 common.Address, r0, r1 int64) market.PoolUpdate {
	return market.PoolUpdate{
		Pool: pool, Token0: t0, Token1: t1, DEX: "uniswap",
		Reserve0: ether(r0), Reserve1: ether(r1), FeeNum: 997, FeeDen: 1000,
	}
}

func hash(h uint64) common.Hash { return common.BigToHash(new(big.Int).SetUint64(h)) }

func commit(t *testing.T, s *market.Store, h uint64, updates ...market.PoolUpdate) {
	t.Helper()
	_, err := s.ApplyCommit(market.BlockUpdate{Height: h, Hash: hash(h), ParentHash: hash(h - 1), Updates: updates})
	require.NoError(t, err)
}

// scenario store: A-B 1:1, B-C 1:1, C-A at caRate/1000, plus A-WETH at 100
// WETH per A so gas can be priced in A.
func scenario(t *testing.T, caRate int64) *market.Store {
	s := market.NewStore(market.DefaultOptions(), nil)
	commit(t, s, 1,
		upd(poolAB, tokA, tokB, 1000, 1000),
		upd(poolBC, tokB, tokC, 1000, 1000),
		upd(poolCA, tokA, tokC, caRate, 1000),
		upd(poolAW, tokA, eth.WETHAddress, 10_000, 1_000_000),
	)
	return s
}

func find(t *testing.T, snap *market.Snapshot, pending *arbitrage.PendingAction) *arbitrage.CandidatePath {
	t.Helper()
	cfg := arbitrage.DefaultFinderConfig()
	cfg.Budget = time.Second
	c, err := arbitrage.NewPathFinder(cfg).Find(context.Background(), tokA, snap, pending)
	require.NoError(t, err)
	return c
}

func ammValidator(s *market.Store) *Validator {
	return NewValidator(s, &AMMBackend{SlippageBps: 50, GasBase: 21000, GasPerHop: 90000},
		ValidatorConfig{FreshnessBlocks: 1, GasPrice: big.NewInt(30e9)}, nil)
}

func TestValidateMatchesFinder(t *testing.T) {
	s := scenario(t, 1020)
	snap := s.Snapshot()
	c := find(t, snap, nil)

	res, err := ammValidator(s).Validate(context.Background(), snap, c, nil)
	require.NoError(t, err)
	require.False(t, res.Stale)
	require.True(t, res.Profitable, res.Reason)
	require.Equal(t, "amm", res.Backend)

	// exact integer agreement with the finder's sizing
	require.Equal(t, c.AmountOut().String(), res.AmountOut.String())
	require.Len(t, res.StepOuts, len(c.ExpectedOuts))
	for i := range c.ExpectedOuts {
		require.Equal(t, c.ExpectedOuts[i].String(), res.StepOuts[i].String())
	}

	// gas: (21000 + 3*90000) * 30 gwei, at 0.01 A per WETH
	gasWei := new(big.Int).Mul(big.NewInt(291000), big.NewInt(30e9))
	wantGas := new(big.Int).Div(gasWei, big.NewInt(100))
	require.Equal(t, wantGas.String(), res.GasCost.String())
	wantNet := new(big.Int).Sub(c.Profit, wantGas)
	require.Equal(t, wantNet.String(), res.NetProfit.String())
	require.EqualValues(t, 291000, res.GasUsed)
}

func TestValidateUnprofitableAfterGas(t *testing.T) {
	s := scenario(t, 1020)
	snap := s.Snapshot()
	c := find(t, snap, nil)

	v := NewValidator(s, &AMMBackend{GasBase: 21000, GasPerHop: 90000},
		ValidatorConfig{FreshnessBlocks: 1, GasPrice: big.NewInt(1e15)}, nil)
	res, err := v.Validate(context.Background(), snap, c, nil)
	require.NoError(t, err)
	require.False(t, res.Profitable)
	require.Equal(t, -1, res.NetProfit.Sign())
}

func TestValidateRejectsStaleAfterReorg(t *testing.T) {
	s := scenario(t, 1020)
	commit(t, s, 2, upd(poolAW, tokA, eth.WETHAddress, 10_000, 1_000_000))
	snap := s.Snapshot()
	c := find(t, snap, nil)

	s.InvalidateSince(2)
	res, err := ammValidator(s).Validate(context.Background(), snap, c, nil)
	require.NoError(t, err)
	require.True(t, res.Stale)
	require.False(t, res.Profitable)
	require.Nil(t, res.StepOuts, "stale snapshots are not simulated")
}

func TestValidateRejectsOldSnapshot(t *testing.T) {
	s := scenario(t, 1020)
	snap := s.Snapshot()
	c := find(t, snap, nil)

	commit(t, s, 2)
	res, err := ammValidator(s).Validate(context.Background(), snap, c, nil)
	require.NoError(t, err)
	require.False(t, res.Stale, "one block behind is within freshness")

	commit(t, s, 3)
	res, err = ammValidator(s).Validate(context.Background(), snap, c, nil)
	require.NoError(t, err)
	require.True(t, res.Stale)
}

// commitDuring flips the B-C pool while the wrapped backend simulates.
type commitDuring struct {
	Backend
	do func()
}

func (b *commitDuring) Simulate(ctx context.Context, req Request) (*Outcome, error) {
	b.do()
	return b.Backend.Simulate(ctx, req)
}

func TestValidateStaleWhenPathChangesMidCycle(t *testing.T) {
	s := scenario(t, 1020)
	snap := s.Snapshot()
	c := find(t, snap, nil)

	backend := &commitDuring{
		Backend: &AMMBackend{GasBase: 21000, GasPerHop: 90000},
		do:      func() { commit(t, s, 2, upd(poolBC, tokB, tokC, 1000, 900)) },
	}
	v := NewValidator(s, backend, ValidatorConfig{FreshnessBlocks: 1, GasPrice: big.NewInt(30e9)}, nil)
	res, err := v.Validate(context.Background(), snap, c, nil)
	require.NoError(t, err)
	require.True(t, res.Stale)
	require.False(t, res.Profitable)
}

func TestValidateWithPending(t *testing.T) {
	uni, _ := eth.DEXByName("uniswap")
	ab := eth.ComputePairAddress(uni, tokA, tokB)
	bc := eth.ComputePairAddress(uni, tokB, tokC)
	ca := eth.ComputePairAddress(uni, tokC, tokA)
	s := market.NewStore(market.DefaultOptions(), nil)
	commit(t, s, 1,
		upd(ab, tokA, tokB, 1000, 1000),
		upd(bc, tokB, tokC, 1000, 1000),
		upd(ca, tokA, tokC, 1000, 1000),
		upd(poolAW, tokA, eth.WETHAddress, 10_000, 1_000_000),
	)
	snap := s.Snapshot()
	pending := &arbitrage.PendingAction{
		AmountIn:     ether(50),
		AmountOutMin: big.NewInt(0),
		Path:         []common.Address{tokC, tokA},
		Pools:        []common.Address{ca},
	}
	c := find(t, snap, pending)
	require.True(t, c.PostImpact)

	v := ammValidator(s)
	res, err := v.Validate(context.Background(), snap, c, pending)
	require.NoError(t, err)
	require.True(t, res.Profitable, res.Reason)
	require.Equal(t, c.AmountOut().String(), res.AmountOut.String())

	// without the pending swap in front the cycle misses its min-out
	res, err = v.Validate(context.Background(), snap, c, nil)
	require.NoError(t, err)
	require.False(t, res.Profitable)
	require.Contains(t, res.Reason, "reverted")
}

func TestValidateCancelled(t *testing.T) {
	s := scenario(t, 1020)
	snap := s.Snapshot()
	c := find(t, snap, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ammValidator(s).Validate(ctx, snap, c, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGasInToken(t *testing.T) {
	s := scenario(t, 1020)
	snap := s.Snapshot()

	wei := big.NewInt(1e15)
	got, err := GasInToken(snap, eth.WETHAddress, wei)
	require.NoError(t, err)
	require.Equal(t, wei.String(), got.String())

	got, err = GasInToken(snap, tokA, wei)
	require.NoError(t, err)
	require.Equal(t, "10000000000000", got.String())

	_, err = GasInToken(snap, tokB, wei)
	require.ErrorIs(t, err, ErrUnpriceableGas)
}
