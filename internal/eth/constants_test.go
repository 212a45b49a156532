package eth

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestComputePairAddress(t *testing.T) {
	uni, ok := DEXByName("uniswap")
	require.True(t, ok)

	// canonical UniswapV2 WETH/USDC pair
	want := common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
	require.Equal(t, want, ComputePairAddress(uni, WETHAddress, USDCAddress))
	// argument order does not matter
	require.Equal(t, want, ComputePairAddress(uni, USDCAddress, WETHAddress))
}

func TestSortTokens(t *testing.T) {
	a, b := SortTokens(WETHAddress, USDCAddress)
	require.Equal(t, USDCAddress, a)
	require.Equal(t, WETHAddress, b)
}

func TestLookups(t *testing.T) {
	tok, ok := TokenByAddress(DAIAddress)
	require.True(t, ok)
	require.Equal(t, "DAI", tok.Symbol)

	dex, ok := DEXByRouter(common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F"))
	require.True(t, ok)
	require.Equal(t, "sushiswap", dex.Name)

	_, ok = DEXByName("curve")
	require.False(t, ok)
}

func TestEventTopics(t *testing.T) {
	require.Equal(t, common.HexToHash("0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1"), SyncEventTopic)
	require.Equal(t, common.HexToHash("0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822"), SwapEventTopic)
}
