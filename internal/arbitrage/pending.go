package arbitrage

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/market"
)

var routerABI = mustParseABI(eth.UniswapV2RouterABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// DecodePending turns a router swap into a PendingAction. Anything that is
// not an exact-input swap on a known router returns ErrNotSwap.
func DecodePending(tx *types.Transaction, signer types.Signer, seenAt time.Time) (*PendingAction, error) {
	if tx.To() == nil {
		return nil, ErrNotSwap
	}
	dex, ok := eth.DEXByRouter(*tx.To())
	if !ok {
		return nil, ErrNotSwap
	}
	data := tx.Data()
	if len(data) < 4 {
		return nil, ErrNotSwap
	}
	method, err := routerABI.MethodById(data[:4])
	if err != nil {
		return nil, ErrNotSwap
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method.Name, err)
	}

	p := &PendingAction{
		Hash:     tx.Hash(),
		Tx:       tx,
		GasPrice: tx.GasPrice(),
		DEX:      dex.Name,
		Method:   method.Name,
		SeenAt:   seenAt,
	}
	switch method.Name {
	case "swapExactTokensForTokens", "swapExactTokensForTokensSupportingFeeOnTransferTokens", "swapExactTokensForETH":
		if len(args) != 5 {
			return nil, fmt.Errorf("%s: got %d args", method.Name, len(args))
		}
		p.AmountIn, _ = args[0].(*big.Int)
		p.AmountOutMin, _ = args[1].(*big.Int)
		p.Path, _ = args[2].([]common.Address)
	case "swapExactETHForTokens":
		if len(args) != 4 {
			return nil, fmt.Errorf("%s: got %d args", method.Name, len(args))
		}
		p.AmountIn = tx.Value()
		p.AmountOutMin, _ = args[0].(*big.Int)
		p.Path, _ = args[1].([]common.Address)
	default:
		return nil, ErrNotSwap
	}
	if p.AmountIn == nil || p.AmountOutMin == nil || len(p.Path) < 2 {
		return nil, fmt.Errorf("%s: malformed arguments", method.Name)
	}

	sender, err := types.Sender(signer, tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	p.Sender = sender

	p.Pools = make([]common.Address, len(p.Path)-1)
	for i := 0; i < len(p.Path)-1; i++ {
		p.Pools[i] = eth.ComputePairAddress(dex, p.Path[i], p.Path[i+1])
	}
	return p, nil
}

// ApplyImpact prices the pending swap hop by hop on snap and returns a
// snapshot carrying the post-swap reserves. If a hop's pool is unknown the
// impact stops there. If the swap would fail its own min-out it would revert
// on chain, so snap is returned unchanged and applied is false.
func ApplyImpact(snap *market.Snapshot, p *PendingAction) (overlay *market.Snapshot, applied bool) {
	overrides := make(map[common.Address][2]*big.Int, len(p.Pools))
	amt := p.AmountIn
	complete := true
	for i, pool := range p.Pools {
		ev, ok := snap.Edge(pool)
		if !ok || !ev.Usable() {
			complete = false
			break
		}
		tokenIn := p.Path[i]
		rIn, rOut := ev.Reserves(tokenIn)
		if r, ok := overrides[pool]; ok {
			rIn, rOut = r[0], r[1]
			if tokenIn != ev.Token0 {
				rIn, rOut = r[1], r[0]
			}
		}
		out := GetAmountOut(amt, rIn, rOut, ev.FeeNum, ev.FeeDen)
		if out.Sign() == 0 {
			complete = false
			break
		}
		newIn := new(big.Int).Add(rIn, amt)
		newOut := new(big.Int).Sub(rOut, out)
		if tokenIn == ev.Token0 {
			overrides[pool] = [2]*big.Int{newIn, newOut}
		} else {
			overrides[pool] = [2]*big.Int{newOut, newIn}
		}
		amt = out
	}
	if complete && amt.Cmp(p.AmountOutMin) < 0 {
		return snap, false
	}
	if len(overrides) == 0 {
		return snap, false
	}
	return snap.WithReserves(overrides), true
}
