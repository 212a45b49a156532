package simulator

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
)

type TxResult struct {
	TxHash       common.Hash
	Success      bool
	GasUsed      uint64
	Logs         []*types.Log
	ReturnData   []byte
	RevertReason string
}

// Executor runs transactions on a fork as if they were included in the block
// after the fork's header.
type Executor struct {
	fork   *StateFork
	config *params.ChainConfig
	signer types.Signer
	block  vm.BlockContext
}

func NewExecutor(fork *StateFork, config *params.ChainConfig) *Executor {
	if config == nil {
		config = params.MainnetChainConfig
	}
	parent := fork.Header()
	random := parent.MixDigest
	block := vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     func(n uint64) common.Hash { return common.Hash{} },
		Coinbase:    parent.Coinbase,
		BlockNumber: new(big.Int).Add(parent.Number, common.Big1),
		Time:        parent.Time + 12,
		Difficulty:  new(big.Int),
		GasLimit:    parent.GasLimit,
		BaseFee:     parent.BaseFee,
		Random:      &random,
	}
	return &Executor{
		fork:   fork,
		config: config,
		signer: types.LatestSigner(config),
		block:  block,
	}
}

// BaseFee of the simulated block, nil before London.
func (e *Executor) BaseFee() *big.Int {
	return e.block.BaseFee
}

func (e *Executor) Time() uint64 {
	return e.block.Time
}

func (e *Executor) ExecuteTransaction(tx *types.Transaction) (*TxResult, error) {
	stateDB := NewForkedStateDB(e.fork)

	sender, err := types.Sender(e.signer, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to get sender: %w", err)
	}

	evm := vm.NewEVM(e.block, stateDB, e.config, vm.Config{})
	evm.SetTxContext(vm.TxContext{
		Origin:   sender,
		GasPrice: tx.GasPrice(),
	})

	snap := stateDB.Snapshot()

	msg := &core.Message{
		To:         tx.To(),
		From:       sender,
		Nonce:      tx.Nonce(),
		Value:      tx.Value(),
		GasLimit:   tx.Gas(),
		GasPrice:   tx.GasPrice(),
		GasFeeCap:  tx.GasFeeCap(),
		GasTipCap:  tx.GasTipCap(),
		Data:       tx.Data(),
		AccessList: tx.AccessList(),
	}

	gp := new(core.GasPool).AddGas(e.block.GasLimit)
	result, err := core.ApplyMessage(evm, msg, gp)
	if err != nil {
		// consensus-level failure (nonce, funds, gas): nothing was executed
		stateDB.RevertToSnapshot(snap)
		return &TxResult{TxHash: tx.Hash(), RevertReason: err.Error()}, nil
	}

	res := &TxResult{
		TxHash:     tx.Hash(),
		Success:    !result.Failed(),
		GasUsed:    result.UsedGas,
		ReturnData: result.ReturnData,
		Logs:       stateDB.Logs(),
	}
	if result.Failed() {
		res.RevertReason = result.Err.Error()
		if reason, ok := unpackRevert(result.Revert()); ok {
			res.RevertReason = reason
		}
	}
	return res, nil
}
