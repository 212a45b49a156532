package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/market"
)

var errOverflow = errors.New("uint256 overflow")

// AMMBackend replays swaps with the pair contract's integer math on a private
// copy of the involved reserves. Gas is estimated, not measured.
type AMMBackend struct {
	SlippageBps int64
	GasBase     uint64
	GasPerHop   uint64
}

func (b *AMMBackend) Name() string { return "amm" }

type ammPool struct {
	token0   common.Address
	reserve0 uint256.Int
	reserve1 uint256.Int
	feeNum   uint256.Int
	feeDen   uint256.Int
}

// ammFork owns copies of the reserves it touches.
type ammFork struct {
	snap  *market.Snapshot
	pools map[common.Address]*ammPool
}

func newAMMFork(snap *market.Snapshot) *ammFork {
	return &ammFork{snap: snap, pools: make(map[common.Address]*ammPool)}
}

func (f *ammFork) pool(addr common.Address) (*ammPool, error) {
	if p, ok := f.pools[addr]; ok {
		return p, nil
	}
	ev, ok := f.snap.Edge(addr)
	if !ok {
		return nil, fmt.Errorf("pool %s not in snapshot", addr.Hex())
	}
	p := &ammPool{token0: ev.Token0}
	if p.reserve0.SetFromBig(ev.Reserve0) || p.reserve1.SetFromBig(ev.Reserve1) {
		return nil, fmt.Errorf("pool %s: %w", addr.Hex(), errOverflow)
	}
	p.feeNum.SetUint64(ev.FeeNum)
	p.feeDen.SetUint64(ev.FeeDen)
	f.pools[addr] = p
	return p, nil
}

func (p *ammPool) reserves(tokenIn common.Address) (rIn, rOut *uint256.Int) {
	if tokenIn == p.token0 {
		return &p.reserve0, &p.reserve1
	}
	return &p.reserve1, &p.reserve0
}

// swap applies amountIn to the pool and returns the output, refusing swaps
// that would drain the pool or break x*y >= k.
func (p *ammPool) swap(tokenIn common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	rIn, rOut := p.reserves(tokenIn)
	if rIn.IsZero() || rOut.IsZero() {
		return nil, errors.New("insufficient liquidity")
	}
	if amountIn.IsZero() || p.feeDen.IsZero() {
		return nil, errors.New("insufficient input amount")
	}

	withFee, of1 := new(uint256.Int).MulOverflow(amountIn, &p.feeNum)
	num, of2 := new(uint256.Int).MulOverflow(withFee, rOut)
	den, of3 := new(uint256.Int).MulOverflow(rIn, &p.feeDen)
	den, of4 := den.AddOverflow(den, withFee)
	if of1 || of2 || of3 || of4 {
		return nil, errOverflow
	}
	out := new(uint256.Int).Div(num, den)
	if out.IsZero() {
		return nil, errors.New("insufficient output amount")
	}
	if out.Cmp(rOut) >= 0 {
		return nil, errors.New("insufficient liquidity")
	}

	newIn, of5 := new(uint256.Int).AddOverflow(rIn, amountIn)
	newOut := new(uint256.Int).Sub(rOut, out)
	kBefore, of6 := new(uint256.Int).MulOverflow(rIn, rOut)
	kAfter, of7 := new(uint256.Int).MulOverflow(newIn, newOut)
	if of5 || of6 || of7 {
		return nil, errOverflow
	}
	if kAfter.Cmp(kBefore) < 0 {
		return nil, errors.New("constant product violated")
	}
	rIn.Set(newIn)
	rOut.Set(newOut)
	return out, nil
}

// applyPending mirrors arbitrage.ApplyImpact: hops run until a pool is
// unknown; a fully priced swap that misses its own min-out is dropped.
func (f *ammFork) applyPending(p *arbitrage.PendingAction) error {
	amt, overflow := uint256.FromBig(p.AmountIn)
	if overflow {
		return errOverflow
	}
	saved := make(map[common.Address]ammPool)
	complete := true
	for i, addr := range p.Pools {
		ev, ok := f.snap.Edge(addr)
		if !ok || !ev.Usable() {
			complete = false
			break
		}
		pool, err := f.pool(addr)
		if err != nil {
			return err
		}
		if _, ok := saved[addr]; !ok {
			saved[addr] = *pool
		}
		out, err := pool.swap(p.Path[i], amt)
		if err != nil {
			complete = false
			break
		}
		amt = out
	}
	minOut, overflow := uint256.FromBig(p.AmountOutMin)
	if complete && (overflow || amt.Cmp(minOut) < 0) {
		for addr, prev := range saved {
			restored := prev
			f.pools[addr] = &restored
		}
	}
	return nil
}

func (b *AMMBackend) Simulate(ctx context.Context, req Request) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fork := newAMMFork(req.Snapshot)
	if req.Pending != nil {
		if err := fork.applyPending(req.Pending); err != nil {
			return nil, fmt.Errorf("apply pending: %w", err)
		}
	}

	c := req.Candidate
	out := &Outcome{
		StepOuts: make([]*big.Int, 0, len(c.Hops)),
		GasUsed:  b.GasBase + b.GasPerHop*uint64(len(c.Hops)),
	}
	amt, overflow := uint256.FromBig(c.AmountIn)
	if overflow {
		return nil, errOverflow
	}
	for i, hop := range c.Hops {
		pool, err := fork.pool(hop.Pool)
		if err != nil {
			out.Reverted, out.Reason = true, fmt.Sprintf("hop %d: %v", i, err)
			return out, nil
		}
		got, err := pool.swap(hop.TokenIn, amt)
		if err != nil {
			out.Reverted, out.Reason = true, fmt.Sprintf("hop %d: %v", i, err)
			return out, nil
		}
		if i < len(c.ExpectedOuts) {
			minOut := arbitrage.MinOut(c.ExpectedOuts[i], b.SlippageBps)
			if got.ToBig().Cmp(minOut) < 0 {
				out.Reverted = true
				out.Reason = fmt.Sprintf("hop %d: output %s below min %s", i, got.Dec(), minOut)
				return out, nil
			}
		}
		out.StepOuts = append(out.StepOuts, got.ToBig())
		amt = got
	}
	out.AmountOut = amt.ToBig()
	return out, nil
}
