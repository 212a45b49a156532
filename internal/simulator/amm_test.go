package simulator

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/stretchr/testify/require"
)

func TestAMMSwapMatchesBigIntMath(t *testing.T) {
	p := &ammPool{token0: tokA}
	p.reserve0.SetFromBig(ether(1000))
	p.reserve1.SetFromBig(ether(2000))
	p.feeNum.SetUint64(997)
	p.feeDen.SetUint64(1000)

	in, _ := uint256.FromBig(ether(3))
	out, err := p.swap(tokA, in)
	require.NoError(t, err)
	want := arbitrage.GetAmountOut(ether(3), ether(1000), ether(2000), 997, 1000)
	require.Equal(t, want.String(), out.ToBig().String())

	require.Equal(t, ether(1003).String(), p.reserve0.ToBig().String())
	require.Equal(t, new(big.Int).Sub(ether(2000), want).String(), p.reserve1.ToBig().String())
}

func TestAMMSwapRejectsEmptyPool(t *testing.T) {
	p := &ammPool{token0: tokA}
	p.reserve1.SetFromBig(ether(1))
	p.feeNum.SetUint64(997)
	p.feeDen.SetUint64(1000)
	_, err := p.swap(tokA, uint256.NewInt(100))
	require.Error(t, err)
}

func TestAMMSimulateDoesNotTouchSnapshot(t *testing.T) {
	s := scenario(t, 1020)
	snap := s.Snapshot()
	c := find(t, snap, nil)

	b := &AMMBackend{SlippageBps: 0}
	out1, err := b.Simulate(context.Background(), Request{Snapshot: snap, Candidate: c})
	require.NoError(t, err)
	out2, err := b.Simulate(context.Background(), Request{Snapshot: snap, Candidate: c})
	require.NoError(t, err)
	require.False(t, out1.Reverted)
	require.Equal(t, out1.AmountOut.String(), out2.AmountOut.String())

	ev, _ := snap.Edge(poolAB)
	require.Equal(t, ether(1000).String(), ev.Reserve0.String())
}

func TestAMMSimulateMinOut(t *testing.T) {
	s := scenario(t, 1020)
	snap := s.Snapshot()
	c := find(t, snap, nil)

	// pretend the finder expected more than the pool pays
	c.ExpectedOuts[1] = new(big.Int).Mul(c.ExpectedOuts[1], big.NewInt(2))
	out, err := (&AMMBackend{SlippageBps: 50}).Simulate(context.Background(), Request{Snapshot: snap, Candidate: c})
	require.NoError(t, err)
	require.True(t, out.Reverted)
	require.Contains(t, out.Reason, "hop 1")
}

func TestAMMPendingParityWithImpact(t *testing.T) {
	s := scenario(t, 1000)
	snap := s.Snapshot()
	pending := &arbitrage.PendingAction{
		AmountIn:     ether(10),
		AmountOutMin: ether(10),
		Path:         []common.Address{tokC, tokA},
		Pools:        []common.Address{poolCA},
	}

	// a swap missing its own min-out reverts on chain and moves nothing
	_, applied := arbitrage.ApplyImpact(snap, pending)
	require.False(t, applied)
	fork := newAMMFork(snap)
	require.NoError(t, fork.applyPending(pending))
	p, err := fork.pool(poolCA)
	require.NoError(t, err)
	require.Equal(t, ether(1000).String(), p.reserve1.ToBig().String())

	pending.AmountOutMin = big.NewInt(0)
	overlay, applied := arbitrage.ApplyImpact(snap, pending)
	require.True(t, applied)
	fork = newAMMFork(snap)
	require.NoError(t, fork.applyPending(pending))
	p, err = fork.pool(poolCA)
	require.NoError(t, err)
	ev, _ := overlay.Edge(poolCA)
	require.Equal(t, ev.Reserve0.String(), p.reserve0.ToBig().String())
	require.Equal(t, ev.Reserve1.String(), p.reserve1.ToBig().String())
}
