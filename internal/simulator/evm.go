package simulator

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"go.uber.org/zap"
)

var maxApproval = new(big.Int).Sub(new(big.Int).Lsh(common.Big1, 256), common.Big1)

// executor gas money, far more than any bundle burns
var executorFunding = new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))

var swapOutputs = mustParseOutputs()

func mustParseOutputs() abi.Arguments {
	parsed, err := abi.JSON(strings.NewReader(eth.UniswapV2RouterABI))
	if err != nil {
		panic(err)
	}
	return parsed.Methods["swapExactTokensForTokens"].Outputs
}

type EVMConfig struct {
	ChainConfig *params.ChainConfig
	SlippageBps int64
	GasPerHop   uint64
	// BaseStates is how many recent heights keep their state cache
	BaseStates int
}

// EVMBackend executes the pending transaction and the router swaps of the
// cycle in go-ethereum's EVM, on a private fork of state at the snapshot
// height. A throwaway executor account is funded by writing token storage.
type EVMBackend struct {
	reader StateReader
	cfg    EVMConfig
	bases  *lru.Cache[uint64, *BaseState]
	log    *zap.SugaredLogger
}

func NewEVMBackend(reader StateReader, cfg EVMConfig, log *zap.SugaredLogger) (*EVMBackend, error) {
	if cfg.ChainConfig == nil {
		cfg.ChainConfig = params.MainnetChainConfig
	}
	if cfg.BaseStates <= 0 {
		cfg.BaseStates = 4
	}
	if cfg.GasPerHop == 0 {
		cfg.GasPerHop = 150000
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	bases, err := lru.New[uint64, *BaseState](cfg.BaseStates)
	if err != nil {
		return nil, err
	}
	return &EVMBackend{reader: reader, cfg: cfg, bases: bases, log: log}, nil
}

func (b *EVMBackend) Name() string { return "evm" }

// Base returns the shared read-only state at height, creating it on first use.
func (b *EVMBackend) Base(ctx context.Context, height uint64) (*BaseState, error) {
	if base, ok := b.bases.Get(height); ok {
		return base, nil
	}
	base, err := NewBaseState(ctx, b.reader, new(big.Int).SetUint64(height))
	if err != nil {
		return nil, err
	}
	b.bases.Add(height, base)
	return base, nil
}

func balanceSlot(holder common.Address, slot int64) common.Hash {
	return crypto.Keccak256Hash(
		common.LeftPadBytes(holder.Bytes(), 32),
		common.LeftPadBytes(big.NewInt(slot).Bytes(), 32),
	)
}

func allowanceSlot(owner, spender common.Address, slot int64) common.Hash {
	inner := balanceSlot(owner, slot)
	return crypto.Keccak256Hash(common.LeftPadBytes(spender.Bytes(), 32), inner.Bytes())
}

// fundExecutor gives the executor ETH for gas, amountIn of the start token
// and unlimited allowance for every router on every token of the cycle.
func fundExecutor(fork *StateFork, executor common.Address, c *arbitrage.CandidatePath) error {
	fork.SetBalance(executor, executorFunding)
	fork.SetNonce(executor, 0)

	start, ok := eth.TokenByAddress(c.Start)
	if !ok {
		return fmt.Errorf("%s: %w", c.Start.Hex(), ErrUnknownLayout)
	}
	fork.SetStorageAt(start.Address, balanceSlot(executor, start.BalanceSlot), common.BigToHash(c.AmountIn))

	for _, hop := range c.Hops {
		tok, ok := eth.TokenByAddress(hop.TokenIn)
		if !ok {
			return fmt.Errorf("%s: %w", hop.TokenIn.Hex(), ErrUnknownLayout)
		}
		dex, ok := eth.DEXByName(hop.DEX)
		if !ok {
			return fmt.Errorf("unknown dex %q", hop.DEX)
		}
		fork.SetStorageAt(tok.Address, allowanceSlot(executor, dex.Router, tok.AllowanceSlot), common.BigToHash(maxApproval))
	}
	return nil
}

func readBalance(fork *StateFork, token eth.TokenInfo, holder common.Address) (*big.Int, error) {
	v, err := fork.GetStorageAt(token.Address, balanceSlot(holder, token.BalanceSlot))
	if err != nil {
		return nil, err
	}
	return v.Big(), nil
}

func (b *EVMBackend) Simulate(ctx context.Context, req Request) (*Outcome, error) {
	c := req.Candidate
	base, err := b.Base(ctx, c.Version.Height)
	if err != nil {
		return nil, err
	}
	fork := NewStateFork(base)
	exec := NewExecutor(fork, b.cfg.ChainConfig)

	warm := make([]common.Address, 0, 2*len(c.Hops)+1)
	for _, hop := range c.Hops {
		warm = append(warm, hop.Pool, hop.TokenIn)
		if dex, ok := eth.DEXByName(hop.DEX); ok {
			warm = append(warm, dex.Router)
		}
	}
	if err := base.Prefetch(ctx, warm); err != nil {
		return nil, fmt.Errorf("prefetch: %w", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	executor := crypto.PubkeyToAddress(key.PublicKey)
	if err := fundExecutor(fork, executor, c); err != nil {
		return &Outcome{Reverted: true, Reason: err.Error()}, nil
	}

	gasPrice := req.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	if fee := exec.BaseFee(); fee != nil && gasPrice.Cmp(fee) < 0 {
		gasPrice = new(big.Int).Set(fee)
	}
	txs, err := b.cycleTxs(c, key, executor, gasPrice, exec.Time()+120)
	if err != nil {
		return nil, err
	}
	bundle := txs
	if req.Pending != nil && req.Pending.Tx != nil {
		bundle = append([]*types.Transaction{req.Pending.Tx}, txs...)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	startTok, _ := eth.TokenByAddress(c.Start)
	result, err := NewBundleSimulator(exec, b.log).ExecuteBundle(bundle)
	if err != nil {
		return nil, err
	}

	out := &Outcome{GasPrice: gasPrice}
	offset := len(bundle) - len(txs)
	if !result.Success {
		out.Reverted = true
		if result.RevertedAt < offset {
			out.Reason = "pending tx failed: " + result.RevertReason()
		} else {
			out.Reason = fmt.Sprintf("hop %d: %s", result.RevertedAt-offset, result.RevertReason())
		}
		return out, nil
	}
	for _, tx := range result.Transactions[offset:] {
		out.GasUsed += tx.GasUsed
		vals, err := swapOutputs.Unpack(tx.ReturnData)
		if err == nil && len(vals) == 1 {
			if amounts, ok := vals[0].([]*big.Int); ok && len(amounts) > 0 {
				out.StepOuts = append(out.StepOuts, amounts[len(amounts)-1])
			}
		}
	}
	out.AmountOut, err = readBalance(fork, startTok, executor)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *EVMBackend) cycleTxs(c *arbitrage.CandidatePath, key *ecdsa.PrivateKey, executor common.Address, gasPrice *big.Int, deadline uint64) ([]*types.Transaction, error) {
	legacy, err := arbitrage.BuildCycleTransactions(c, arbitrage.TxParams{
		Executor:    executor,
		Deadline:    deadline,
		GasPrice:    gasPrice,
		GasPerHop:   b.cfg.GasPerHop,
		SlippageBps: b.cfg.SlippageBps,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build transactions: %w", err)
	}
	signer := types.LatestSigner(b.cfg.ChainConfig)
	txs := make([]*types.Transaction, len(legacy))
	for i, ltx := range legacy {
		signed, err := types.SignTx(types.NewTx(ltx), signer, key)
		if err != nil {
			return nil, fmt.Errorf("failed to sign tx %d: %w", i, err)
		}
		txs[i] = signed
	}
	return txs, nil
}
