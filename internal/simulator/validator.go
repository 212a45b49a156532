package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/market"
	"go.uber.org/zap"
)

// ChainView is the part of the graph store the validator checks freshness
// against. *market.Store implements it.
type ChainView interface {
	Head() (uint64, bool)
	Epoch() uint64
	Changed(v market.Version, pools []common.Address) bool
}

type ValidatorConfig struct {
	// FreshnessBlocks is how far the head may move past the snapshot
	FreshnessBlocks uint64
	GasPrice        *big.Int
}

// Validator replays candidates locally before anything is submitted.
type Validator struct {
	chain   ChainView
	backend Backend
	cfg     ValidatorConfig
	log     *zap.SugaredLogger
}

func NewValidator(chain ChainView, backend Backend, cfg ValidatorConfig, log *zap.SugaredLogger) *Validator {
	if cfg.GasPrice == nil {
		cfg.GasPrice = big.NewInt(30e9)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Validator{chain: chain, backend: backend, cfg: cfg, log: log}
}

// Stale reports why a result computed on v would no longer describe the
// chain, or "" when it still does.
func (v *Validator) Stale(ver market.Version, pools []common.Address) string {
	head, ok := v.chain.Head()
	if ok && head > ver.Height && head-ver.Height > v.cfg.FreshnessBlocks {
		return fmt.Sprintf("head %d is %d blocks past snapshot", head, head-ver.Height)
	}
	if v.chain.Epoch() != ver.Epoch {
		return "chain reorganized since snapshot"
	}
	if v.chain.Changed(ver, pools) {
		return "path pools changed since snapshot"
	}
	return ""
}

// Validate replays c (after pending, if any) on snap. Stale snapshots are
// refused without simulating. Backend failures come back as unprofitable
// results; only context errors are returned as errors.
func (v *Validator) Validate(ctx context.Context, snap *market.Snapshot, c *arbitrage.CandidatePath, pending *arbitrage.PendingAction) (*ValidationResult, error) {
	res := &ValidationResult{
		AmountIn: c.AmountIn,
		Version:  c.Version,
		Backend:  v.backend.Name(),
	}
	pools := c.Pools()
	if pending != nil {
		pools = append(pools, pending.Pools...)
	}
	if reason := v.Stale(c.Version, pools); reason != "" {
		res.Stale, res.Reason = true, reason
		return res, nil
	}

	out, err := v.backend.Simulate(ctx, Request{Snapshot: snap, Candidate: c, Pending: pending, GasPrice: v.cfg.GasPrice})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		v.log.Warnf("simulation failed on %s: %v", res.Backend, err)
		res.Reason = fmt.Sprintf("simulation failed: %v", err)
		return res, nil
	}

	res.StepOuts = out.StepOuts
	res.GasUsed = out.GasUsed
	if out.Reverted {
		res.Reason = "reverted: " + out.Reason
		return res, nil
	}
	res.AmountOut = out.AmountOut

	gasPrice := v.cfg.GasPrice
	if out.GasPrice != nil {
		gasPrice = out.GasPrice
	}
	gasWei := new(big.Int).Mul(new(big.Int).SetUint64(out.GasUsed), gasPrice)
	gasCost, err := GasInToken(snap, c.Start, gasWei)
	if err != nil {
		res.Reason = err.Error()
		return res, nil
	}
	res.GasCost = gasCost
	res.NetProfit = new(big.Int).Sub(res.AmountOut, res.AmountIn)
	res.NetProfit.Sub(res.NetProfit, gasCost)
	res.Profitable = res.NetProfit.Sign() > 0
	if !res.Profitable {
		res.Reason = "net profit not positive after gas"
	}

	// the chain may have moved while we simulated
	if reason := v.Stale(c.Version, pools); reason != "" {
		res.Stale, res.Profitable, res.Reason = true, false, reason
	}
	return res, nil
}

// GasInToken converts a wei amount to token units at the marginal price of
// the deepest usable direct WETH pool in snap.
func GasInToken(snap *market.Snapshot, token common.Address, wei *big.Int) (*big.Int, error) {
	if token == eth.WETHAddress {
		return new(big.Int).Set(wei), nil
	}
	var bestWETH, bestToken *big.Int
	for _, pool := range snap.Pools(token) {
		ev, ok := snap.Edge(pool)
		if !ok || !ev.Usable() || ev.Other(token) != eth.WETHAddress {
			continue
		}
		rToken, rWETH := ev.Reserves(token)
		if bestWETH == nil || rWETH.Cmp(bestWETH) > 0 {
			bestWETH, bestToken = rWETH, rToken
		}
	}
	if bestWETH == nil {
		return nil, fmt.Errorf("%s: %w", token.Hex(), ErrUnpriceableGas)
	}
	out := new(big.Int).Mul(wei, bestToken)
	return out.Div(out, bestWETH), nil
}
