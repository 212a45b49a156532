package arbitrage

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/market"
)

var pairABI = mustParseABI(eth.UniswapV2PairABI)

// fetchreserves gets reserves for a pool at a specific block
func FetchReserves(
	ctx context.Context,
	client ethereum.ContractCaller,
	poolAddress common.Address,
	blockNum *big.Int,
) (reserve0, reserve1 *big.Int, err error) {
	data, err := pairABI.Pack("getReserves")
	if err != nil {
		return nil, nil, fmt.Errorf("pack getReserves: %w", err)
	}

	result, err := client.CallContract(ctx, ethereum.CallMsg{To: &poolAddress, Data: data}, blockNum)
	if err != nil {
		return nil, nil, fmt.Errorf("call contract: %w", err)
	}

	unpacked, err := pairABI.Unpack("getReserves", result)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack reserves: %w", err)
	}
	if len(unpacked) < 2 {
		return nil, nil, fmt.Errorf("unexpected unpack result length: %d", len(unpacked))
	}

	reserve0, ok := unpacked[0].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("reserve0 type assertion failed")
	}
	reserve1, ok = unpacked[1].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("reserve1 type assertion failed")
	}
	return reserve0, reserve1, nil
}

func callAddress(ctx context.Context, client ethereum.ContractCaller, poolAddress common.Address, name string, blockNum *big.Int) (common.Address, error) {
	data, err := pairABI.Pack(name)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack %s: %w", name, err)
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &poolAddress, Data: data}, blockNum)
	if err != nil {
		return common.Address{}, fmt.Errorf("call %s: %w", name, err)
	}
	if len(res) < 32 {
		return common.Address{}, fmt.Errorf("call %s: short result (%d bytes)", name, len(res))
	}
	return common.BytesToAddress(res), nil
}

// fetchTokens gets token0 and token1 addresses for a pool
func FetchTokens(ctx context.Context, client ethereum.ContractCaller, poolAddress common.Address, blockNum *big.Int) (token0, token1 common.Address, err error) {
	if token0, err = callAddress(ctx, client, poolAddress, "token0", blockNum); err != nil {
		return common.Address{}, common.Address{}, err
	}
	if token1, err = callAddress(ctx, client, poolAddress, "token1", blockNum); err != nil {
		return common.Address{}, common.Address{}, err
	}
	return token0, token1, nil
}

// FetchFactory returns the factory that deployed the pair.
func FetchFactory(ctx context.Context, client ethereum.ContractCaller, poolAddress common.Address, blockNum *big.Int) (common.Address, error) {
	return callAddress(ctx, client, poolAddress, "factory", blockNum)
}

// LoadPool fetches the complete pool state at a block as a graph update.
func LoadPool(ctx context.Context, client ethereum.ContractCaller, poolAddress common.Address, dex string, blockNum *big.Int) (market.PoolUpdate, error) {
	token0, token1, err := FetchTokens(ctx, client, poolAddress, blockNum)
	if err != nil {
		return market.PoolUpdate{}, fmt.Errorf("fetch tokens: %w", err)
	}
	reserve0, reserve1, err := FetchReserves(ctx, client, poolAddress, blockNum)
	if err != nil {
		return market.PoolUpdate{}, fmt.Errorf("fetch reserves: %w", err)
	}

	u := market.PoolUpdate{
		Pool:     poolAddress,
		Token0:   token0,
		Token1:   token1,
		DEX:      dex,
		Reserve0: reserve0,
		Reserve1: reserve1,
	}
	if d, ok := eth.DEXByName(dex); ok {
		u.FeeNum, u.FeeDen = d.FeeNum, d.FeeDen
	}
	return u, nil
}

// PairRef names a pair contract and the dex it belongs to.
type PairRef struct {
	Pool common.Address
	DEX  string
}

// DiscoverPairs derives the pair address of every token combination on every
// dex. Pairs that were never deployed show up as calls that fail or return no
// data at load time, so callers should treat LoadPool errors as "absent".
func DiscoverPairs(tokens []common.Address, dexes []eth.DEXConfig) []PairRef {
	var out []PairRef
	for _, d := range dexes {
		for i := 0; i < len(tokens); i++ {
			for j := i + 1; j < len(tokens); j++ {
				out = append(out, PairRef{Pool: eth.ComputePairAddress(d, tokens[i], tokens[j]), DEX: d.Name})
			}
		}
	}
	return out
}

// LoadPools loads every ref that exists at blockNum, skipping the ones that
// fail. It returns the updates and the number of refs skipped.
func LoadPools(ctx context.Context, client ethereum.ContractCaller, refs []PairRef, blockNum *big.Int) ([]market.PoolUpdate, int, error) {
	out := make([]market.PoolUpdate, 0, len(refs))
	skipped := 0
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return out, skipped, err
		}
		u, err := LoadPool(ctx, client, ref.Pool, ref.DEX, blockNum)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, u)
	}
	return out, skipped, nil
}
