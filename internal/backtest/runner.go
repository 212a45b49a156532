package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/engine"
	"github.com/pulkyeet/cycle-searcher/internal/ingest"
	"go.uber.org/zap"
)

// Runner drives a replay source through the ingestor and engine and collects
// what every cycle decided.
type Runner struct {
	start, end uint64
	receipts   ReceiptSource
	pools      PoolLookup
	log        *zap.SugaredLogger

	mu     sync.Mutex
	cycles []CycleSummary
}

// NewRunner scores blocks start..end. Without receipts the report carries
// the cycles only.
func NewRunner(start, end uint64, receipts ReceiptSource, pools PoolLookup, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{start: start, end: end, receipts: receipts, pools: pools, log: log}
}

// Observe records a finished cycle. Pass it as the engine's OnFinish hook.
func (r *Runner) Observe(c *engine.Cycle) {
	s := CycleSummary{
		ID:       c.ID.String(),
		Kind:     c.Trigger.Kind.String(),
		State:    c.State.String(),
		Reason:   c.Reason,
		Trigger:  c.Trigger.Hash(),
		Height:   c.Version.Height,
		Duration: c.Duration,
	}
	if cand := c.Candidate; cand != nil {
		s.StartToken = cand.Start
		s.Pools = cand.Pools()
		s.AmountIn = cand.AmountIn
	}
	if c.Result != nil {
		s.NetProfit = c.Result.NetProfit
	}
	r.mu.Lock()
	r.cycles = append(r.cycles, s)
	n := len(r.cycles)
	r.mu.Unlock()
	if n%100 == 0 {
		r.log.Infof("replay: %d cycles finished, last at height %d", n, s.Height)
	}
}

// Sink wraps e so every trigger runs to completion before the ingestor moves
// on. Replays then see the graph exactly as it stood at each trigger, however
// fast the file is read.
func (r *Runner) Sink(e *engine.Engine) ingest.Sink {
	return &serialSink{engine: e}
}

type serialSink struct {
	engine *engine.Engine
}

func (s *serialSink) Trigger(t ingest.Trigger) bool {
	ok := s.engine.Submit(t)
	s.engine.Wait()
	return ok
}

func (s *serialSink) OnCommit(pools []common.Address) { s.engine.OnCommit(pools) }
func (s *serialSink) OnReorg(height uint64)           { s.engine.OnReorg(height) }
func (s *serialSink) CancelAll(reason string)         { s.engine.CancelAll(reason) }

// Run replays src to exhaustion, then looks up the arbitrages that actually
// landed in the range and scores the cycles against them.
func (r *Runner) Run(ctx context.Context, in *ingest.Ingestor, src ingest.Source, e *engine.Engine) (*Report, error) {
	report := &Report{StartBlock: r.start, EndBlock: r.end}
	began := time.Now()

	r.log.Infof("starting replay: blocks %d-%d", r.start, r.end)
	if err := in.Run(ctx, src); err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	e.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if r.receipts != nil && r.end >= r.start {
		for blockNum := r.start; blockNum <= r.end; blockNum++ {
			blockCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			actual, err := FindActualArbitrages(blockCtx, r.receipts, r.pools, blockNum)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				r.log.Warnf("block %d: %v", blockNum, err)
				continue
			}
			report.Results = append(report.Results, &BlockResult{BlockNumber: blockNum, Actual: actual})
		}
	}

	r.mu.Lock()
	report.Cycles = append([]CycleSummary(nil), r.cycles...)
	r.mu.Unlock()
	report.CalculateMetrics()
	report.Elapsed = time.Since(began)
	r.log.Infof("replay finished: %d cycles, %d predicted, %d actual", len(report.Cycles), report.Metrics.TotalPredicted, report.Metrics.TotalActual)
	return report, nil
}
