package app

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/config"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/market"
	"github.com/pulkyeet/cycle-searcher/internal/simulator"
	"github.com/stretchr/testify/require"
)

func TestPairRefs(t *testing.T) {
	refs, err := PairRefs([]string{"WETH/USDC", "dai/usdt"})
	require.NoError(t, err)
	require.Len(t, refs, 2*len(eth.KnownDEXes))

	uni, _ := eth.DEXByName("uniswap")
	require.Contains(t, refs, arbitrage.PairRef{
		Pool: eth.ComputePairAddress(uni, eth.USDCAddress, eth.WETHAddress),
		DEX:  "uniswap",
	})

	_, err = PairRefs([]string{"WETH-USDC"})
	require.Error(t, err)
	_, err = PairRefs([]string{"WETH/PEPE"})
	require.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	def := big.NewInt(7)
	v, err := parseAmount("x", "", def)
	require.NoError(t, err)
	require.Same(t, def, v)

	v, err = parseAmount("x", "100000000000000000000", def)
	require.NoError(t, err)
	require.Equal(t, "100000000000000000000", v.String())

	_, err = parseAmount("x", "-1", def)
	require.Error(t, err)
	_, err = parseAmount("x", "1e18", def)
	require.Error(t, err)
}

func TestNewFinderRejectsBadBounds(t *testing.T) {
	cfg := config.Defaults().Search
	_, err := newFinder(cfg)
	require.NoError(t, err)

	cfg.MaxInput = "lots"
	_, err = newFinder(cfg)
	require.ErrorContains(t, err, "search.max_input")
}

func usdcWeth(pool common.Address, usdc, weth int64) market.PoolUpdate {
	return market.PoolUpdate{
		Pool:     pool,
		Token0:   eth.USDCAddress,
		Token1:   eth.WETHAddress,
		DEX:      "uniswap",
		Reserve0: new(big.Int).Mul(big.NewInt(usdc), big.NewInt(1e6)),
		Reserve1: new(big.Int).Mul(big.NewInt(weth), big.NewInt(1e18)),
		FeeNum:   997,
		FeeDen:   1000,
	}
}

func TestScanSnapshot(t *testing.T) {
	store := market.NewStore(market.DefaultOptions(), nil)
	_, err := store.ApplyCommit(market.BlockUpdate{Height: 1, Hash: common.HexToHash("0x01"), Updates: []market.PoolUpdate{
		usdcWeth(common.HexToAddress("0x01"), 2_000_000, 1000),
		usdcWeth(common.HexToAddress("0x02"), 2_100_000, 1000),
	}})
	require.NoError(t, err)

	fcfg := arbitrage.DefaultFinderConfig()
	fcfg.Budget = time.Second
	validator := simulator.NewValidator(store, &simulator.AMMBackend{SlippageBps: 50, GasBase: 21000, GasPerHop: 90000},
		simulator.ValidatorConfig{FreshnessBlocks: 1, GasPrice: big.NewInt(30e9)}, nil)

	results := scanSnapshot(context.Background(), store.Snapshot(), arbitrage.NewPathFinder(fcfg), validator)
	require.Len(t, results, 2)
	require.Equal(t, "USDC", results[0].Symbol)
	require.Equal(t, "WETH", results[1].Symbol)

	weth := results[1]
	require.NoError(t, weth.Err)
	require.NotNil(t, weth.Candidate)
	require.Len(t, weth.Candidate.Hops, 2)
	require.NotNil(t, weth.Result)
	require.True(t, weth.Result.Profitable)
}
