package eth

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Token addresses: Ethereum mainnet
var (
	WETHAddress = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	USDCAddress = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	USDTAddress = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	DAIAddress  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	WBTCAddress = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
)

const (
	WETHDecimals = 18
	USDCDecimals = 6
	USDTDecimals = 6
	DAIDecimals  = 18
	WBTCDecimals = 8
)

// TokenInfo bundles address, decimals and the mapping slots of balanceOf and
// allowance, which the EVM validator needs to fund a throwaway executor.
type TokenInfo struct {
	Address       common.Address
	Decimals      int
	Symbol        string
	BalanceSlot   int64
	AllowanceSlot int64
}

// KnownTokens: lookup by symbol string
var KnownTokens = map[string]TokenInfo{
	"WETH": {WETHAddress, WETHDecimals, "WETH", 3, 4},
	"USDC": {USDCAddress, USDCDecimals, "USDC", 9, 10},
	"USDT": {USDTAddress, USDTDecimals, "USDT", 2, 5},
	"DAI":  {DAIAddress, DAIDecimals, "DAI", 2, 3},
	"WBTC": {WBTCAddress, WBTCDecimals, "WBTC", 0, 2},
}

// TokenByAddress returns the known token for addr.
func TokenByAddress(addr common.Address) (TokenInfo, bool) {
	for _, t := range KnownTokens {
		if t.Address == addr {
			return t, true
		}
	}
	return TokenInfo{}, false
}

// DEXConfig: factory + init code hash is all you need to derive ANY pair address
type DEXConfig struct {
	Name         string
	Factory      common.Address
	Router       common.Address
	InitCodeHash [32]byte
	FeeNum       uint64
	FeeDen       uint64
}

// KnownDEXes: all tracked Uniswap V2 forks on Ethereum mainnet
var KnownDEXes = []DEXConfig{
	{
		Name:         "uniswap",
		Factory:      common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"),
		Router:       common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"),
		InitCodeHash: hexToBytes32("96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f"),
		FeeNum:       997,
		FeeDen:       1000,
	},
	{
		Name:         "sushiswap",
		Factory:      common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac"),
		Router:       common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F"),
		InitCodeHash: hexToBytes32("e18a34eb0e04b04f7a0ac29a6e80748dca96319b42c54d679cb821dca90c6303"),
		FeeNum:       997,
		FeeDen:       1000,
	},
	{
		Name:         "shibaswap",
		Factory:      common.HexToAddress("0x115934131916C8b277DD010Ee02de363c09d037c"),
		Router:       common.HexToAddress("0x03f7724180AA6b939894B5Ca4314783B0b36b329"),
		InitCodeHash: hexToBytes32("65d1a3b1e46c6e4f1be1ad5f99ef14dc488ae0549dc97db9b30afe2241ce1c7a"),
		FeeNum:       997,
		FeeDen:       1000,
	},
}

// DEXByName returns the DEX config registered under name.
func DEXByName(name string) (DEXConfig, bool) {
	for _, d := range KnownDEXes {
		if d.Name == name {
			return d, true
		}
	}
	return DEXConfig{}, false
}

// DEXByRouter returns the DEX whose router is addr.
func DEXByRouter(addr common.Address) (DEXConfig, bool) {
	for _, d := range KnownDEXes {
		if d.Router == addr {
			return d, true
		}
	}
	return DEXConfig{}, false
}

func DEXByFactory(addr common.Address) (DEXConfig, bool) {
	for _, d := range KnownDEXes {
		if d.Factory == addr {
			return d, true
		}
	}
	return DEXConfig{}, false
}

func hexToBytes32(s string) [32]byte {
	var b [32]byte
	copy(b[:], common.FromHex(s))
	return b
}

// SortTokens returns (lower, higher) by byte comparison, the UniswapV2 token0/token1 order.
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

// ComputePairAddress derives the CREATE2 pair address for two tokens on dex.
func ComputePairAddress(dex DEXConfig, tokenA, tokenB common.Address) common.Address {
	token0, token1 := SortTokens(tokenA, tokenB)
	salt := crypto.Keccak256Hash(token0.Bytes(), token1.Bytes())
	return crypto.CreateAddress2(dex.Factory, salt, dex.InitCodeHash[:])
}

// SyncEventTopic is emitted by every UniswapV2 pair after a reserve change.
var SyncEventTopic = crypto.Keccak256Hash([]byte("Sync(uint112,uint112)"))

// SwapEventTopic is Swap(address,uint256,uint256,uint256,uint256,address).
var SwapEventTopic = crypto.Keccak256Hash([]byte("Swap(address,uint256,uint256,uint256,uint256,address)"))
