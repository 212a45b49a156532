package simulator

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

type BundleResult struct {
	Success      bool
	Transactions []*TxResult
	TotalGasUsed uint64
	// RevertedAt is the index of the first failed transaction, -1 if none
	RevertedAt int
}

func (r *BundleResult) RevertReason() string {
	if r.RevertedAt >= 0 && r.RevertedAt < len(r.Transactions) {
		return r.Transactions[r.RevertedAt].RevertReason
	}
	return "unknown"
}

type BundleSimulator struct {
	executor *Executor
	log      *zap.SugaredLogger
}

func NewBundleSimulator(e *Executor, log *zap.SugaredLogger) *BundleSimulator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &BundleSimulator{executor: e, log: log}
}

// ExecuteBundle executes transactions atomically: all succeed or the fork is
// reverted to where it was before the first one.
func (b *BundleSimulator) ExecuteBundle(txs []*types.Transaction) (*BundleResult, error) {
	if len(txs) == 0 {
		return nil, fmt.Errorf("empty bundle")
	}

	fork := b.executor.fork
	snapID := fork.Snapshot()
	result := &BundleResult{
		Success:      true,
		Transactions: make([]*TxResult, 0, len(txs)),
		RevertedAt:   -1,
	}

	for i, tx := range txs {
		txResult, err := b.executor.ExecuteTransaction(tx)
		if err != nil {
			_ = fork.RevertToSnapshot(snapID)
			return nil, fmt.Errorf("bundle tx %d: %w", i, err)
		}
		result.Transactions = append(result.Transactions, txResult)
		result.TotalGasUsed += txResult.GasUsed

		if !txResult.Success {
			b.log.Debugf("bundle[%d/%d] %s reverted: %s", i+1, len(txs), tx.Hash().Hex(), txResult.RevertReason)
			result.Success = false
			result.RevertedAt = i
			_ = fork.RevertToSnapshot(snapID)
			return result, nil
		}
		b.log.Debugf("bundle[%d/%d] %s ok: %d gas", i+1, len(txs), tx.Hash().Hex(), txResult.GasUsed)
	}
	return result, nil
}

func unpackRevert(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return "", false
	}
	return reason, true
}
