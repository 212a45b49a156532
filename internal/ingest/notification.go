// Package ingest turns ledger notifications into market graph mutations and
// search triggers.
package ingest

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/market"
)

// Notification is one of PendingObserved, BlockCommitted or ChainReorganized.
type Notification interface {
	notification()
}

// PendingObserved is a transaction seen in the mempool.
type PendingObserved struct {
	Tx     *types.Transaction
	SeenAt time.Time
}

// BlockCommitted carries the pool changes of one canonical block.
type BlockCommitted struct {
	Block market.BlockUpdate
}

// ChainReorganized invalidates every block at or above NewHeight. The
// replacement blocks follow as BlockCommitted.
type ChainReorganized struct {
	NewHeight uint64
}

func (PendingObserved) notification()  {}
func (BlockCommitted) notification()   {}
func (ChainReorganized) notification() {}

// Source produces notifications until ctx is done or its connection drops.
// A nil error with ctx still live means the source is exhausted.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Notification) error
}

type TriggerKind int

const (
	TriggerGraph TriggerKind = iota
	TriggerPending
)

func (k TriggerKind) String() string {
	if k == TriggerPending {
		return "pending"
	}
	return "graph"
}

// Trigger asks the engine to search from Tokens.
type Trigger struct {
	Kind    TriggerKind
	Tokens  []common.Address
	Pending *arbitrage.PendingAction
	Height  uint64
	At      time.Time
	// Attempt counts retriggers after a stale cycle, zero for the first.
	Attempt int
}

// Hash identifies what caused the trigger: the pending tx, or zero for graph updates.
func (t Trigger) Hash() common.Hash {
	if t.Pending != nil {
		return t.Pending.Hash
	}
	return common.Hash{}
}

// Sink receives the ingestor's decisions. Trigger must not block; false means
// the trigger was dropped.
type Sink interface {
	Trigger(t Trigger) bool
	OnCommit(pools []common.Address)
	OnReorg(height uint64)
	CancelAll(reason string)
}
