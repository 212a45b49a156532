package arbitrage

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
)

// creates calldata for swapExactTokensForTokens
func BuildSwapCalldata(
	amountIn *big.Int,
	amountOutMin *big.Int,
	path []common.Address,
	recipient common.Address,
	deadline *big.Int,
) ([]byte, error) {
	calldata, err := routerABI.Pack("swapExactTokensForTokens", amountIn, amountOutMin, path, recipient, deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to pack calldata: %w", err)
	}
	return calldata, nil
}

type TxParams struct {
	Executor    common.Address
	Deadline    uint64
	GasPrice    *big.Int
	GasPerHop   uint64
	Nonce       uint64
	SlippageBps int64
}

// BuildCycleTransactions returns one router swap per hop. Each hop sells the
// previous hop's expected output, with min-out lowered by the slippage bound.
func BuildCycleTransactions(c *CandidatePath, p TxParams) ([]*types.LegacyTx, error) {
	if len(c.Hops) == 0 || len(c.ExpectedOuts) != len(c.Hops) {
		return nil, fmt.Errorf("candidate has %d hops and %d outputs", len(c.Hops), len(c.ExpectedOuts))
	}
	deadline := new(big.Int).SetUint64(p.Deadline)
	txs := make([]*types.LegacyTx, len(c.Hops))

	amountIn := c.AmountIn
	for i, hop := range c.Hops {
		dex, ok := eth.DEXByName(hop.DEX)
		if !ok {
			return nil, fmt.Errorf("hop %d: unknown dex %q", i, hop.DEX)
		}
		expected := c.ExpectedOuts[i]
		calldata, err := BuildSwapCalldata(
			amountIn,
			MinOut(expected, p.SlippageBps),
			[]common.Address{hop.TokenIn, hop.TokenOut},
			p.Executor,
			deadline,
		)
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		router := dex.Router
		txs[i] = &types.LegacyTx{
			Nonce:    p.Nonce + uint64(i),
			To:       &router,
			Value:    big.NewInt(0),
			Gas:      p.GasPerHop,
			GasPrice: new(big.Int).Set(p.GasPrice),
			Data:     calldata,
		}
		amountIn = expected
	}
	return txs, nil
}
