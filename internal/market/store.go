package market

import (
	"fmt"
	"hash/maphash"
	"math/big"
	"runtime"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gammazero/deque"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Options struct {
	Shards int
	// ReorgDepth is how many blocks of updates are kept for rollback.
	ReorgDepth    uint64
	DefaultFeeNum uint64
	DefaultFeeDen uint64
}

func DefaultOptions() Options {
	return Options{
		Shards:        32,
		ReorgDepth:    64,
		DefaultFeeNum: 997,
		DefaultFeeDen: 1000,
	}
}

// Store is the live market graph. There is one logical writer (block
// application, rollback and resync are serialized); any number of readers take
// snapshots concurrently without blocking it.
type Store struct {
	opts   Options
	seed   maphash.Seed
	shards []*shard

	// seq is a seqlock counter: odd while a write is being published.
	seq     atomic.Uint64
	version atomic.Uint64
	epoch   atomic.Uint64
	head    atomic.Uint64
	hasHead atomic.Bool

	writeMu sync.Mutex
	journal *deque.Deque[journalEntry]
	hashes  map[uint64]common.Hash

	log *zap.SugaredLogger
}

type shard struct {
	mu    sync.RWMutex
	slots map[common.Address]*slot
}

type slot struct {
	edge  Edge
	state atomic.Pointer[EdgeState]
}

// journalEntry records the state a block replaced, nil if the block created the pool.
type journalEntry struct {
	height uint64
	pool   common.Address
	prev   *EdgeState
}

func NewStore(opts Options, log *zap.SugaredLogger) *Store {
	if opts.Shards <= 0 {
		opts.Shards = DefaultOptions().Shards
	}
	if opts.ReorgDepth == 0 {
		opts.ReorgDepth = DefaultOptions().ReorgDepth
	}
	if opts.DefaultFeeDen == 0 {
		opts.DefaultFeeNum, opts.DefaultFeeDen = DefaultOptions().DefaultFeeNum, DefaultOptions().DefaultFeeDen
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Store{
		opts:    opts,
		seed:    maphash.MakeSeed(),
		shards:  make([]*shard, opts.Shards),
		journal: deque.New[journalEntry](),
		hashes:  make(map[uint64]common.Hash),
		log:     log,
	}
	for i := range s.shards {
		s.shards[i] = &shard{slots: make(map[common.Address]*slot)}
	}
	return s
}

// Head returns the latest applied height and whether any block was applied.
func (s *Store) Head() (uint64, bool) {
	return s.head.Load(), s.hasHead.Load()
}

// Epoch is bumped by every rollback.
func (s *Store) Epoch() uint64 {
	return s.epoch.Load()
}

func (s *Store) ReorgDepth() uint64 {
	return s.opts.ReorgDepth
}

func (s *Store) shardFor(pool common.Address) *shard {
	return s.shards[maphash.Bytes(s.seed, pool[:])%uint64(len(s.shards))]
}

func (s *Store) lookup(pool common.Address) *slot {
	sh := s.shardFor(pool)
	sh.mu.RLock()
	sl := sh.slots[pool]
	sh.mu.RUnlock()
	return sl
}

// State returns the current published state of pool.
func (s *Store) State(pool common.Address) (Edge, *EdgeState, bool) {
	sl := s.lookup(pool)
	if sl == nil {
		return Edge{}, nil, false
	}
	return sl.edge, sl.state.Load(), true
}

// Len returns the number of pools in the graph.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.slots)
		sh.mu.RUnlock()
	}
	return n
}

// Pools returns every pool address, sorted.
func (s *Store) Pools() []common.Address {
	out := make([]common.Address, 0, s.Len())
	for _, sh := range s.shards {
		sh.mu.RLock()
		for addr := range sh.slots {
			out = append(out, addr)
		}
		sh.mu.RUnlock()
	}
	sortAddrs(out)
	return out
}

func (s *Store) beginWrite() { s.seq.Inc() }
func (s *Store) endWrite()   { s.seq.Inc() }

// ApplyCommit merges a committed block. It is idempotent: a block already
// applied with the same hash is reported as a duplicate and changes nothing.
func (s *Store) ApplyCommit(b BlockUpdate) (ApplyResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := ApplyResult{Height: b.Height}
	if s.hasHead.Load() {
		head := s.head.Load()
		if b.Height <= head {
			h, ok := s.hashes[b.Height]
			switch {
			case !ok:
				return res, fmt.Errorf("block %d: %w", b.Height, ErrBeyondHorizon)
			case h == b.Hash:
				res.Duplicate = true
				return res, nil
			default:
				return res, fmt.Errorf("block %d %s vs %s: %w", b.Height, b.Hash.Hex(), h.Hex(), ErrHashMismatch)
			}
		}
		if b.Height != head+1 {
			return res, fmt.Errorf("block %d after head %d: %w", b.Height, head, ErrOutOfOrder)
		}
		if prev, ok := s.hashes[head]; ok && b.ParentHash != (common.Hash{}) && b.ParentHash != prev {
			return res, fmt.Errorf("block %d parent %s vs head %s: %w", b.Height, b.ParentHash.Hex(), prev.Hex(), ErrHashMismatch)
		}
	}

	valid := s.screen(b.Updates, &res)

	s.beginWrite()
	tokens := make(map[common.Address]struct{})
	for _, u := range valid {
		created := s.publish(u, b.Height, false, true)
		res.Applied = append(res.Applied, u.Pool)
		if created {
			res.Created = append(res.Created, u.Pool)
		}
		tokens[u.Token0] = struct{}{}
		tokens[u.Token1] = struct{}{}
	}
	s.head.Store(b.Height)
	s.hasHead.Store(true)
	s.hashes[b.Height] = b.Hash
	s.trimJournal(b.Height)
	s.endWrite()

	res.Tokens = setToSlice(tokens)
	for _, r := range res.Rejected {
		s.log.Warnf("block %d: rejected update for pool %s: %v", b.Height, r.Pool.Hex(), r.Err)
	}
	return res, nil
}

// screen drops malformed updates and those whose token pair contradicts the
// pool identity already known.
func (s *Store) screen(updates []PoolUpdate, res *ApplyResult) []PoolUpdate {
	valid := make([]PoolUpdate, 0, len(updates))
	for _, raw := range updates {
		u, err := raw.normalize()
		if err == nil {
			if sl := s.lookup(u.Pool); sl != nil && (sl.edge.Token0 != u.Token0 || sl.edge.Token1 != u.Token1) {
				err = fmt.Errorf("%w: pool %s is %s/%s, update says %s/%s", ErrMalformedUpdate, u.Pool.Hex(),
					sl.edge.Token0.Hex(), sl.edge.Token1.Hex(), u.Token0.Hex(), u.Token1.Hex())
			}
		}
		if err != nil {
			res.Rejected = append(res.Rejected, RejectedUpdate{Pool: raw.Pool, Err: err})
			continue
		}
		valid = append(valid, u)
	}
	return valid
}

// publish installs a new state for u and journals what it replaced. Must be
// called between beginWrite and endWrite with writeMu held.
func (s *Store) publish(u PoolUpdate, height uint64, stale, journal bool) (created bool) {
	sh := s.shardFor(u.Pool)
	sh.mu.RLock()
	sl := sh.slots[u.Pool]
	sh.mu.RUnlock()

	var prev *EdgeState
	if sl == nil {
		sl = &slot{edge: Edge{Pool: u.Pool, Token0: u.Token0, Token1: u.Token1, DEX: u.DEX}}
		created = true
	} else {
		prev = sl.state.Load()
	}

	next := &EdgeState{
		Reserve0: new(big.Int).Set(u.Reserve0),
		Reserve1: new(big.Int).Set(u.Reserve1),
		FeeNum:   u.FeeNum,
		FeeDen:   u.FeeDen,
		Height:   height,
		Version:  s.version.Inc(),
		Stale:    stale,
	}
	if next.FeeDen == 0 {
		if prev != nil {
			next.FeeNum, next.FeeDen = prev.FeeNum, prev.FeeDen
		} else {
			next.FeeNum, next.FeeDen = s.opts.DefaultFeeNum, s.opts.DefaultFeeDen
		}
	}
	sl.state.Store(next)

	if created {
		sh.mu.Lock()
		sh.slots[u.Pool] = sl
		sh.mu.Unlock()
	}
	if journal {
		s.journal.PushBack(journalEntry{height: height, pool: u.Pool, prev: prev})
	}
	return created
}

func (s *Store) trimJournal(head uint64) {
	for s.journal.Len() > 0 && s.journal.Front().height+s.opts.ReorgDepth <= head {
		s.journal.PopFront()
	}
	for h := range s.hashes {
		if h+s.opts.ReorgDepth <= head {
			delete(s.hashes, h)
		}
	}
}

// InvalidateSince rolls back every journaled update attributed to blocks at
// or above height. Rolled-back pools keep their previous state but are marked
// stale; pools created by those blocks are removed. Pools whose last write is
// at or above height but already left the journal are marked stale as well.
// The returned pools must be resynced.
func (s *Store) InvalidateSince(height uint64) []common.Address {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.hasHead.Load() || height > s.head.Load() {
		return nil
	}

	s.beginWrite()
	affected := make(map[common.Address]struct{})
	for s.journal.Len() > 0 && s.journal.Back().height >= height {
		e := s.journal.PopBack()
		affected[e.pool] = struct{}{}
		sh := s.shardFor(e.pool)
		if e.prev == nil {
			sh.mu.Lock()
			delete(sh.slots, e.pool)
			sh.mu.Unlock()
			continue
		}
		sh.mu.RLock()
		sl := sh.slots[e.pool]
		sh.mu.RUnlock()
		if sl == nil {
			continue
		}
		restored := *e.prev
		restored.Version = s.version.Inc()
		restored.Stale = true
		sl.state.Store(&restored)
	}

	for _, sh := range s.shards {
		sh.mu.RLock()
		for addr, sl := range sh.slots {
			st := sl.state.Load()
			if st.Height >= height && !st.Stale {
				marked := *st
				marked.Version = s.version.Inc()
				marked.Stale = true
				sl.state.Store(&marked)
				affected[addr] = struct{}{}
			}
		}
		sh.mu.RUnlock()
	}

	for h := range s.hashes {
		if h >= height {
			delete(s.hashes, h)
		}
	}
	if height == 0 {
		s.head.Store(0)
		s.hasHead.Store(false)
	} else {
		s.head.Store(height - 1)
	}
	s.epoch.Inc()
	s.endWrite()

	out := setToSlice(affected)
	s.log.Infof("rolled back graph to height %d: %d pools affected", height-1, len(out))
	return out
}

// Refresh installs authoritative state read at height, clearing stale flags.
// On an empty store it also sets the head, which is how the graph is
// bootstrapped before the first committed block arrives.
func (s *Store) Refresh(updates []PoolUpdate, height uint64) ApplyResult {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := ApplyResult{Height: height}
	valid := s.screen(updates, &res)

	s.beginWrite()
	bootstrap := !s.hasHead.Load()
	tokens := make(map[common.Address]struct{})
	for _, u := range valid {
		// resync reads are attributed to the head so a later rollback below it
		// restores the state that preceded them
		attributed := height
		if !bootstrap {
			attributed = s.head.Load()
		}
		if s.publish(u, attributed, false, !bootstrap) {
			res.Created = append(res.Created, u.Pool)
		}
		res.Applied = append(res.Applied, u.Pool)
		tokens[u.Token0] = struct{}{}
		tokens[u.Token1] = struct{}{}
	}
	if bootstrap {
		s.head.Store(height)
		s.hasHead.Store(true)
	}
	s.endWrite()

	res.Tokens = setToSlice(tokens)
	for _, r := range res.Rejected {
		s.log.Warnf("resync: rejected update for pool %s: %v", r.Pool.Hex(), r.Err)
	}
	return res
}

// Rebase replaces the graph head with authoritative state read at height,
// discarding the rollback journal. Pools missing from updates are marked
// stale. Used when the ingest stream skipped more blocks than it can buffer.
func (s *Store) Rebase(updates []PoolUpdate, height uint64, hash common.Hash) ApplyResult {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res := ApplyResult{Height: height}
	valid := s.screen(updates, &res)

	s.beginWrite()
	fresh := make(map[common.Address]struct{}, len(valid))
	tokens := make(map[common.Address]struct{})
	for _, u := range valid {
		if s.publish(u, height, false, false) {
			res.Created = append(res.Created, u.Pool)
		}
		fresh[u.Pool] = struct{}{}
		res.Applied = append(res.Applied, u.Pool)
		tokens[u.Token0] = struct{}{}
		tokens[u.Token1] = struct{}{}
	}
	for _, sh := range s.shards {
		sh.mu.RLock()
		for addr, sl := range sh.slots {
			if _, ok := fresh[addr]; ok {
				continue
			}
			st := sl.state.Load()
			if st.Stale {
				continue
			}
			marked := *st
			marked.Version = s.version.Inc()
			marked.Stale = true
			sl.state.Store(&marked)
		}
		sh.mu.RUnlock()
	}
	s.journal.Clear()
	s.hashes = map[uint64]common.Hash{height: hash}
	s.head.Store(height)
	s.hasHead.Store(true)
	s.epoch.Inc()
	s.endWrite()

	res.Tokens = setToSlice(tokens)
	s.log.Infof("rebased graph at height %d: %d pools refreshed", height, len(res.Applied))
	return res
}

// SetHeadHash records the hash of the head block, used by a bootstrap so
// the first committed block can be parent-checked.
func (s *Store) SetHeadHash(height uint64, hash common.Hash) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.hashes[height] = hash
}

// HashAt returns the hash applied at height while it is inside the journal.
func (s *Store) HashAt(height uint64) (common.Hash, bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	h, ok := s.hashes[height]
	return h, ok
}

// Changed reports whether any of pools was written, rolled back or removed
// after the snapshot version v was taken.
func (s *Store) Changed(v Version, pools []common.Address) bool {
	for _, p := range pools {
		sl := s.lookup(p)
		if sl == nil {
			return true
		}
		st := sl.state.Load()
		if st.Version > v.Seq || st.Stale {
			return true
		}
	}
	return false
}

// Snapshot returns a point-in-time view. It never observes a half-applied
// block: if a write is published while copying, the copy is retried.
func (s *Store) Snapshot() *Snapshot {
	for {
		begin := s.seq.Load()
		if begin%2 == 1 {
			runtime.Gosched()
			continue
		}
		v := Version{Height: s.head.Load(), Epoch: s.epoch.Load(), Seq: s.version.Load()}
		views := make([]EdgeView, 0, 64)
		for _, sh := range s.shards {
			sh.mu.RLock()
			for _, sl := range sh.slots {
				views = append(views, EdgeView{Edge: sl.edge, EdgeState: *sl.state.Load()})
			}
			sh.mu.RUnlock()
		}
		if s.seq.Load() == begin {
			return NewSnapshot(v, views)
		}
	}
}

func setToSlice(set map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sortAddrs(out)
	return out
}

func sortAddrs(a []common.Address) {
	sort.Slice(a, func(i, j int) bool { return lessAddr(a[i], a[j]) })
}
