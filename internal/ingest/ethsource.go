package ingest

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// ChainClient is the node connection the live source needs.
type ChainClient interface {
	LogFilterer
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	SubscribePendingTransactions(ctx context.Context, ch chan<- *types.Transaction) (ethereum.Subscription, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error)
}

type EthSourceOptions struct {
	// Pending enables the full pending transaction subscription.
	Pending bool
	// Depth is how many recent canonical hashes are remembered for fork
	// detection; deeper forks are reported at the oldest remembered height.
	Depth uint64
	// MaxGap bounds how many missed heads are fetched after a reconnect.
	MaxGap uint64
}

// EthSource follows the chain head over a websocket subscription. Each new
// head becomes a BlockCommitted built from the block's Sync logs; when a head
// does not extend the remembered chain the fork point is found by walking
// parents and a ChainReorganized precedes the replacement blocks.
type EthSource struct {
	client ChainClient
	loader *BlockLoader
	opts   EthSourceOptions
	log    *zap.SugaredLogger

	hashes map[uint64]common.Hash
	last   uint64
}

func NewEthSource(client ChainClient, loader *BlockLoader, opts EthSourceOptions, log *zap.SugaredLogger) *EthSource {
	if opts.Depth == 0 {
		opts.Depth = 64
	}
	if opts.MaxGap == 0 {
		opts.MaxGap = opts.Depth
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &EthSource{
		client: client,
		loader: loader,
		opts:   opts,
		log:    log,
		hashes: make(map[uint64]common.Hash),
	}
}

func (s *EthSource) Name() string { return "eth" }

// Anchor records a canonical block known to be applied already, typically
// the bootstrap height, so the first head can be parent-checked and gaps
// after it are filled.
func (s *EthSource) Anchor(height uint64, hash common.Hash) {
	s.remember(height, hash)
}

func (s *EthSource) Run(ctx context.Context, out chan<- Notification) error {
	heads := make(chan *types.Header, 64)
	headSub, err := s.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("subscribe heads: %w", err)
	}
	defer headSub.Unsubscribe()

	var (
		pending    chan *types.Transaction
		pendingErr <-chan error
	)
	if s.opts.Pending {
		pending = make(chan *types.Transaction, 1024)
		sub, err := s.client.SubscribePendingTransactions(ctx, pending)
		if err != nil {
			s.log.Warnf("pending subscription unavailable, following heads only: %v", err)
			pending = nil
		} else {
			defer sub.Unsubscribe()
			pendingErr = sub.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-headSub.Err():
			return fmt.Errorf("head subscription: %w", err)
		case err := <-pendingErr:
			return fmt.Errorf("pending subscription: %w", err)
		case hdr := <-heads:
			if err := s.onHead(ctx, hdr, out); err != nil {
				return err
			}
		case tx := <-pending:
			if !send(ctx, out, PendingObserved{Tx: tx, SeenAt: time.Now()}) {
				return nil
			}
		}
	}
}

func (s *EthSource) onHead(ctx context.Context, hdr *types.Header, out chan<- Notification) error {
	n := hdr.Number.Uint64()

	// fill heads missed while disconnected
	if s.last != 0 && n > s.last+1 {
		from := s.last + 1
		if n-from > s.opts.MaxGap {
			from = n - s.opts.MaxGap
		}
		for h := from; h < n; h++ {
			missed, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(h))
			if err != nil {
				return fmt.Errorf("header %d: %w", h, err)
			}
			if err := s.emit(ctx, missed, out); err != nil {
				return err
			}
		}
	}
	return s.emit(ctx, hdr, out)
}

func (s *EthSource) emit(ctx context.Context, hdr *types.Header, out chan<- Notification) error {
	n := hdr.Number.Uint64()
	if known, ok := s.hashes[n]; ok && known == hdr.Hash() {
		return nil
	}

	chain := []*types.Header{hdr}
	if s.forked(hdr) {
		replaced, forkAt, err := s.findFork(ctx, hdr)
		if err != nil {
			return err
		}
		s.log.Warnf("reorg at %d: new head %d %s", forkAt, n, hdr.Hash().Hex())
		if !send(ctx, out, ChainReorganized{NewHeight: forkAt}) {
			return nil
		}
		for h := range s.hashes {
			if h >= forkAt {
				delete(s.hashes, h)
			}
		}
		s.last = forkAt - 1
		chain = replaced
	}

	for _, h := range chain {
		b, err := s.loader.Load(ctx, h)
		if err != nil {
			return err
		}
		if !send(ctx, out, BlockCommitted{Block: b}) {
			return nil
		}
		s.remember(h.Number.Uint64(), h.Hash())
	}
	return nil
}

// forked reports a header that does not extend the remembered chain: its
// parent differs from the hash remembered below it, or it replaces a
// remembered block at the same height.
func (s *EthSource) forked(hdr *types.Header) bool {
	n := hdr.Number.Uint64()
	if known, ok := s.hashes[n]; ok && known != hdr.Hash() {
		return true
	}
	if n == 0 {
		return false
	}
	parent, ok := s.hashes[n-1]
	return ok && parent != hdr.ParentHash
}

// findFork walks parents of hdr until one matches a remembered hash. It
// returns the new chain from the fork point up to hdr, oldest first, and the
// first height that differs.
func (s *EthSource) findFork(ctx context.Context, hdr *types.Header) ([]*types.Header, uint64, error) {
	chain := []*types.Header{hdr}
	cur := hdr
	for i := uint64(0); i < s.opts.Depth; i++ {
		n := cur.Number.Uint64()
		if n == 0 {
			break
		}
		known, ok := s.hashes[n-1]
		if !ok || known == cur.ParentHash {
			break
		}
		parent, err := s.client.HeaderByHash(ctx, cur.ParentHash)
		if err != nil {
			return nil, 0, fmt.Errorf("parent of %d: %w", n, err)
		}
		chain = append(chain, parent)
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, chain[0].Number.Uint64(), nil
}

func (s *EthSource) remember(height uint64, hash common.Hash) {
	s.hashes[height] = hash
	if height > s.last {
		s.last = height
	}
	for h := range s.hashes {
		if h+s.opts.Depth <= s.last {
			delete(s.hashes, h)
		}
	}
}

func send(ctx context.Context, out chan<- Notification, n Notification) bool {
	select {
	case out <- n:
		return true
	case <-ctx.Done():
		return false
	}
}
