package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/market"
	"github.com/pulkyeet/cycle-searcher/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	ReorderWindow    uint64
	PendingCacheSize int
	// Buffer is the capacity of the channel the sources write to.
	Buffer           int
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration
	ResyncTimeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		ReorderWindow:    8,
		PendingCacheSize: 65536,
		Buffer:           1024,
		ReconnectBackoff: 500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		ResyncTimeout:    10 * time.Second,
	}
}

// Ingestor is the single writer of the market graph. Handle must be called
// from one goroutine; Run does that for a set of sources.
type Ingestor struct {
	opts     Options
	store    *market.Store
	sink     Sink
	resyncer Resyncer
	signer   types.Signer
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	seen    *lru.Cache[common.Hash, struct{}]
	reorder *Reorderer
}

func New(opts Options, store *market.Store, sink Sink, resyncer Resyncer, signer types.Signer, m *metrics.Metrics, log *zap.SugaredLogger) (*Ingestor, error) {
	def := DefaultOptions()
	if opts.ReorderWindow == 0 {
		opts.ReorderWindow = def.ReorderWindow
	}
	if opts.PendingCacheSize <= 0 {
		opts.PendingCacheSize = def.PendingCacheSize
	}
	if opts.Buffer <= 0 {
		opts.Buffer = def.Buffer
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = def.ReconnectBackoff
	}
	if opts.MaxBackoff < opts.ReconnectBackoff {
		opts.MaxBackoff = opts.ReconnectBackoff
	}
	if opts.ResyncTimeout <= 0 {
		opts.ResyncTimeout = def.ResyncTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	seen, err := lru.New[common.Hash, struct{}](opts.PendingCacheSize)
	if err != nil {
		return nil, fmt.Errorf("pending cache: %w", err)
	}
	in := &Ingestor{
		opts:     opts,
		store:    store,
		sink:     sink,
		resyncer: resyncer,
		signer:   signer,
		metrics:  m,
		log:      log,
		seen:     seen,
		reorder:  NewReorderer(opts.ReorderWindow),
	}
	if head, ok := store.Head(); ok {
		in.reorder.Reset(head + 1)
	}
	return in, nil
}

// Handle applies one notification. Only context errors are returned; every
// other failure is logged and counted.
func (in *Ingestor) Handle(ctx context.Context, n Notification) error {
	switch ev := n.(type) {
	case PendingObserved:
		in.handlePending(ev)
		return nil
	case BlockCommitted:
		return in.handleCommit(ctx, ev.Block)
	case ChainReorganized:
		return in.reorg(ctx, ev.NewHeight)
	default:
		in.log.Warnf("ignoring notification of type %T", n)
		return nil
	}
}

func (in *Ingestor) handlePending(ev PendingObserved) {
	in.metrics.PendingSeen.Inc()
	if ev.Tx == nil {
		return
	}
	if ok, _ := in.seen.ContainsOrAdd(ev.Tx.Hash(), struct{}{}); ok {
		return
	}
	p, err := arbitrage.DecodePending(ev.Tx, in.signer, ev.SeenAt)
	if err != nil {
		if !errors.Is(err, arbitrage.ErrNotSwap) {
			in.log.Debugf("pending %s: %v", ev.Tx.Hash().Hex(), err)
		}
		return
	}
	if !in.touchesGraph(p.Pools) {
		return
	}
	in.metrics.PendingDecoded.Inc()

	head, _ := in.store.Head()
	t := Trigger{Kind: TriggerPending, Tokens: p.Tokens(), Pending: p, Height: head, At: ev.SeenAt}
	if !in.sink.Trigger(t) {
		in.metrics.TriggersDropped.Inc()
	}
}

func (in *Ingestor) touchesGraph(pools []common.Address) bool {
	for _, pool := range pools {
		if _, _, ok := in.store.State(pool); ok {
			return true
		}
	}
	return false
}

func (in *Ingestor) handleCommit(ctx context.Context, b market.BlockUpdate) error {
	ready, overflow := in.reorder.Push(b)
	if overflow {
		next, _ := in.reorder.Next()
		in.log.Warnf("block %d is %d ahead of the expected %d, resyncing the whole graph", b.Height, b.Height-next, next)
		return in.rebase(ctx, b)
	}
	for _, blk := range ready {
		if err := in.apply(ctx, blk); err != nil {
			return err
		}
	}
	return nil
}

func (in *Ingestor) apply(ctx context.Context, b market.BlockUpdate) error {
	res, err := in.store.ApplyCommit(b)
	switch {
	case err == nil:
	case errors.Is(err, market.ErrHashMismatch):
		head, _ := in.store.Head()
		forkAt := b.Height
		if b.Height > head {
			// parent mismatch: the head itself was replaced
			forkAt = head
		}
		in.log.Warnf("block %d: %v, treating as reorg at %d", b.Height, err, forkAt)
		if err := in.reorg(ctx, forkAt); err != nil {
			return err
		}
		// a parent mismatch waits in the buffer for the replacement of forkAt
		return in.handleCommit(ctx, b)
	case errors.Is(err, market.ErrOutOfOrder):
		head, _ := in.store.Head()
		in.log.Warnf("block %d: %v, restarting the buffer after %d", b.Height, err, head)
		in.reorder.Reset(head + 1)
		return in.handleCommit(ctx, b)
	default:
		in.metrics.UpdatesRejected.Add(float64(len(b.Updates)))
		in.log.Warnf("block %d dropped: %v", b.Height, err)
		return nil
	}

	if res.Duplicate {
		in.metrics.BlocksDuplicate.Inc()
		return nil
	}
	in.metrics.BlocksApplied.Inc()
	if len(res.Rejected) > 0 {
		in.metrics.UpdatesRejected.Add(float64(len(res.Rejected)))
	}
	if len(res.Applied) > 0 {
		in.sink.OnCommit(res.Applied)
	}
	in.trigger(res.Tokens, b.Height)
	return nil
}

func (in *Ingestor) trigger(tokens []common.Address, height uint64) {
	if len(tokens) == 0 {
		return
	}
	if !in.sink.Trigger(Trigger{Kind: TriggerGraph, Tokens: tokens, Height: height, At: time.Now()}) {
		in.metrics.TriggersDropped.Inc()
	}
}

// reorg rolls the graph back below height and resyncs the pools it touched.
func (in *Ingestor) reorg(ctx context.Context, height uint64) error {
	in.metrics.Reorgs.Inc()
	pools := in.store.InvalidateSince(height)
	in.sink.OnReorg(height)
	in.reorder.Reset(height)
	return in.resync(ctx, pools)
}

func (in *Ingestor) resync(ctx context.Context, pools []common.Address) error {
	if len(pools) == 0 || in.resyncer == nil {
		return nil
	}
	head, ok := in.store.Head()
	if !ok {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, in.opts.ResyncTimeout)
	defer cancel()

	updates, err := in.resyncer.Resync(rctx, pools, head)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// pools stay stale and are skipped by the search until a later write
		in.log.Warnf("resync of %d pools at %d failed: %v", len(pools), head, err)
		return nil
	}
	in.metrics.Resyncs.Inc()
	res := in.store.Refresh(updates, head)
	in.log.Infof("resynced %d/%d pools at %d", len(res.Applied), len(pools), head)
	in.trigger(res.Tokens, head)
	return nil
}

// rebase replaces the graph with state read at b's height after a gap the
// reorder buffer could not absorb.
func (in *Ingestor) rebase(ctx context.Context, b market.BlockUpdate) error {
	in.sink.CancelAll("graph rebase")
	updates := b.Updates
	if in.resyncer != nil {
		pools := mergePools(in.store.Pools(), b.Pools())
		rctx, cancel := context.WithTimeout(ctx, in.opts.ResyncTimeout)
		loaded, err := in.resyncer.Resync(rctx, pools, b.Height)
		cancel()
		switch {
		case err == nil:
			updates = loaded
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			in.log.Warnf("rebase resync at %d failed, applying the block alone: %v", b.Height, err)
		}
	}
	in.metrics.Resyncs.Inc()
	res := in.store.Rebase(updates, b.Height, b.Hash)
	in.reorder.Reset(b.Height + 1)
	in.trigger(res.Tokens, b.Height)
	return nil
}

func mergePools(a, b []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(a)+len(b))
	out := make([]common.Address, 0, len(a)+len(b))
	for _, list := range [][]common.Address{a, b} {
		for _, p := range list {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Run consumes every source until ctx is done or all sources are exhausted.
// A source that fails is restarted with exponential backoff and every
// in-flight cycle is cancelled, since it may depend on what was missed.
func (in *Ingestor) Run(ctx context.Context, sources ...Source) error {
	events := make(chan Notification, in.opts.Buffer)
	g, gctx := errgroup.WithContext(ctx)

	var producers sync.WaitGroup
	for _, src := range sources {
		producers.Add(1)
		g.Go(func() error {
			defer producers.Done()
			return in.runSource(gctx, src, events)
		})
	}
	go func() {
		producers.Wait()
		close(events)
	}()

	g.Go(func() error {
		for n := range events {
			if err := in.Handle(gctx, n); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (in *Ingestor) runSource(ctx context.Context, src Source, out chan<- Notification) error {
	backoff := in.opts.ReconnectBackoff
	for {
		started := time.Now()
		err := src.Run(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			in.log.Infof("source %s exhausted", src.Name())
			return nil
		}
		if time.Since(started) > in.opts.MaxBackoff {
			backoff = in.opts.ReconnectBackoff
		}
		in.log.Warnf("source %s dropped: %v, reconnecting in %v", src.Name(), err, backoff)
		in.sink.CancelAll("source " + src.Name() + " dropped")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(2*backoff, in.opts.MaxBackoff)
	}
}
