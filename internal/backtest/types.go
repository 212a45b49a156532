// Package backtest replays a recorded mempool through the live pipeline and
// scores the cycles it would have submitted against what landed on chain.
package backtest

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ActualArbitrage is an on-chain transaction whose swaps closed a cycle.
type ActualArbitrage struct {
	TxHash      common.Hash
	BlockNumber uint64
	StartToken  common.Address
	PoolsHit    []common.Address
	GasUsed     uint64
}

// CycleSummary is what the report keeps of a finished cycle.
type CycleSummary struct {
	ID         string
	Kind       string
	State      string
	Reason     string
	Trigger    common.Hash
	Height     uint64
	StartToken common.Address
	Pools      []common.Address
	AmountIn   *big.Int
	NetProfit  *big.Int
	Duration   time.Duration
}

// Predicted reports whether the cycle got as far as a bundle.
func (c CycleSummary) Predicted() bool {
	switch c.State {
	case "confirmed", "superseded", "unknown":
		return true
	}
	return false
}

// TargetBlock is the block a predicted cycle's bundle aimed for.
func (c CycleSummary) TargetBlock() uint64 { return c.Height + 1 }

// contains results from backtesting a single block
type BlockResult struct {
	BlockNumber    uint64
	Predicted      []CycleSummary
	Actual         []*ActualArbitrage
	TruePositives  int
	FalsePositives int
	FalseNegatives int
}

// aggregates results across multiple blocks
type BacktestMetrics struct {
	BlocksAnalyzed int
	TotalCycles    int
	TotalActual    int
	TotalPredicted int
	TruePositives  int
	FalsePositives int
	FalseNegatives int
	HitRate        float64 // recall
	Precision      float64
	// ProfitByToken sums predicted net profit in whole token units.
	ProfitByToken map[string]decimal.Decimal
	States        map[string]int
}

type Report struct {
	StartBlock uint64
	EndBlock   uint64
	Elapsed    time.Duration
	Cycles     []CycleSummary
	Results    []*BlockResult
	Metrics    BacktestMetrics
}
