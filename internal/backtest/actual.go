package backtest

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/market"
)

// ReceiptSource fetches the receipts of a historical block.
type ReceiptSource interface {
	BlockReceipts(ctx context.Context, number uint64) ([]*types.Receipt, error)
}

// PoolLookup resolves the identity of tracked pools. *market.Store implements it.
type PoolLookup interface {
	State(pool common.Address) (market.Edge, *market.EdgeState, bool)
}

// swap is one decoded Swap log on a tracked pool.
type swap struct {
	pool     common.Address
	tokenIn  common.Address
	tokenOut common.Address
}

// swapDirection returns 1 for token0 in, -1 for token1 in and 0 for logs that
// are not a clean one-sided Swap.
func swapDirection(log *types.Log) int {
	if len(log.Topics) < 1 || log.Topics[0] != eth.SwapEventTopic {
		return 0
	}
	if len(log.Data) < 128 {
		return 0
	}

	amount0In := new(big.Int).SetBytes(log.Data[0:32])
	amount1In := new(big.Int).SetBytes(log.Data[32:64])
	amount0Out := new(big.Int).SetBytes(log.Data[64:96])
	amount1Out := new(big.Int).SetBytes(log.Data[96:128])

	if amount0In.Sign() > 0 && amount1Out.Sign() > 0 && amount1In.Sign() == 0 && amount0Out.Sign() == 0 {
		return 1
	}
	if amount1In.Sign() > 0 && amount0Out.Sign() > 0 && amount0In.Sign() == 0 && amount1Out.Sign() == 0 {
		return -1
	}
	return 0
}

func decodeSwaps(logs []*types.Log, pools PoolLookup) []swap {
	var out []swap
	for _, log := range logs {
		dir := swapDirection(log)
		if dir == 0 {
			continue
		}
		edge, _, ok := pools.State(log.Address)
		if !ok {
			continue
		}
		s := swap{pool: log.Address, tokenIn: edge.Token0, tokenOut: edge.Token1}
		if dir < 0 {
			s.tokenIn, s.tokenOut = edge.Token1, edge.Token0
		}
		out = append(out, s)
	}
	return out
}

// closedWalk reports whether swaps chain token to token and end where they
// started, touching at least two pools.
func closedWalk(swaps []swap) bool {
	if len(swaps) < 2 {
		return false
	}
	for i := 1; i < len(swaps); i++ {
		if swaps[i].tokenIn != swaps[i-1].tokenOut {
			return false
		}
	}
	return swaps[0].tokenIn == swaps[len(swaps)-1].tokenOut
}

// FindActualArbitrages scans a block for transactions whose swaps on tracked
// pools form a closed walk.
func FindActualArbitrages(ctx context.Context, receipts ReceiptSource, pools PoolLookup, blockNum uint64) ([]*ActualArbitrage, error) {
	rs, err := receipts.BlockReceipts(ctx, blockNum)
	if err != nil {
		return nil, fmt.Errorf("fetch receipts %d: %w", blockNum, err)
	}

	var arbs []*ActualArbitrage
	for _, receipt := range rs {
		if receipt.Status != types.ReceiptStatusSuccessful {
			continue
		}
		swaps := decodeSwaps(receipt.Logs, pools)
		if !closedWalk(swaps) {
			continue
		}
		hit := make([]common.Address, len(swaps))
		for i, s := range swaps {
			hit[i] = s.pool
		}
		arbs = append(arbs, &ActualArbitrage{
			TxHash:      receipt.TxHash,
			BlockNumber: blockNum,
			StartToken:  swaps[0].tokenIn,
			PoolsHit:    hit,
			GasUsed:     receipt.GasUsed,
		})
	}
	return arbs, nil
}
