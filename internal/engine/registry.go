package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrPoolsChanged = errors.New("a commit touched the cycle's pools")
	ErrReorg        = errors.New("chain reorganized")
	ErrCancelled    = errors.New("cycle cancelled")
)

type entry struct {
	cancel context.CancelCauseFunc
	pools  []common.Address
}

// Registry holds the validity token of every live cycle. Cancelling a token
// cancels the cycle's context with a cause the cycle reads at its next stage.
type Registry struct {
	mu     sync.Mutex
	cycles map[uuid.UUID]*entry
	byPool map[common.Address]map[uuid.UUID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		cycles: make(map[uuid.UUID]*entry),
		byPool: make(map[common.Address]map[uuid.UUID]struct{}),
	}
}

// Register derives the cycle's context from parent.
func (r *Registry) Register(parent context.Context, id uuid.UUID) context.Context {
	ctx, cancel := context.WithCancelCause(parent)
	r.mu.Lock()
	r.cycles[id] = &entry{cancel: cancel}
	r.mu.Unlock()
	return ctx
}

// Watch makes commits touching any of pools cancel the cycle.
func (r *Registry) Watch(id uuid.UUID, pools []common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cycles[id]
	if !ok {
		return
	}
	for _, p := range pools {
		set, ok := r.byPool[p]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			r.byPool[p] = set
		}
		set[id] = struct{}{}
		e.pools = append(e.pools, p)
	}
}

// Release forgets the cycle and frees its context.
func (r *Registry) Release(id uuid.UUID) {
	r.mu.Lock()
	e, ok := r.remove(id)
	r.mu.Unlock()
	if ok {
		e.cancel(nil)
	}
}

// Detach forgets the cycle without cancelling it. A submitted bundle must not
// be abandoned because the block it landed in touched its pools.
func (r *Registry) Detach(id uuid.UUID) {
	r.mu.Lock()
	r.remove(id)
	r.mu.Unlock()
}

func (r *Registry) remove(id uuid.UUID) (*entry, bool) {
	e, ok := r.cycles[id]
	if !ok {
		return nil, false
	}
	delete(r.cycles, id)
	for _, p := range e.pools {
		if set, ok := r.byPool[p]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byPool, p)
			}
		}
	}
	return e, true
}

// CancelPools cancels every cycle watching one of pools and returns how many.
func (r *Registry) CancelPools(pools []common.Address) int {
	r.mu.Lock()
	var hit []*entry
	for _, p := range pools {
		for id := range r.byPool[p] {
			if e, ok := r.remove(id); ok {
				hit = append(hit, e)
			}
		}
	}
	r.mu.Unlock()
	for _, e := range hit {
		e.cancel(ErrPoolsChanged)
	}
	return len(hit)
}

// CancelAll cancels every live cycle with cause.
func (r *Registry) CancelAll(cause error) int {
	r.mu.Lock()
	hit := make([]*entry, 0, len(r.cycles))
	for id := range r.cycles {
		e, _ := r.remove(id)
		hit = append(hit, e)
	}
	r.mu.Unlock()
	for _, e := range hit {
		e.cancel(cause)
	}
	return len(hit)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cycles)
}

func reorgCause(height uint64) error {
	return fmt.Errorf("%w at height %d", ErrReorg, height)
}

func cancelCause(reason string) error {
	return fmt.Errorf("%w: %s", ErrCancelled, reason)
}
