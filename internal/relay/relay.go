// Package relay submits bundles to a private block-builder relay and tracks
// whether they landed.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	// ErrTransient marks failures worth retrying: network errors, timeouts,
	// throttling and relay-side 5xx.
	ErrTransient = errors.New("transient relay error")
	// ErrRejected marks a bundle the relay refused outright.
	ErrRejected = errors.New("bundle rejected by relay")
)

type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeConfirmed
	OutcomeRejected
	OutcomeSuperseded
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeUnknown:
		return "unknown"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Final reports whether polling can stop.
func (o Outcome) Final() bool { return o != OutcomePending }

// Bundle is an ordered set of signed transactions targeted at a block range.
type Bundle struct {
	ID uuid.UUID
	// Txs are consensus-encoded, the trigger transaction first when there is one
	Txs [][]byte
	// Ours are the hashes of our own transactions, used to find inclusion
	Ours        []common.Hash
	Trigger     common.Hash
	BlockNumber uint64
	MaxBlock    uint64
}

func NewBundle(txs [][]byte, ours []common.Hash, target, blocks uint64) *Bundle {
	if blocks == 0 {
		blocks = 1
	}
	return &Bundle{
		ID:          uuid.New(),
		Txs:         txs,
		Ours:        ours,
		BlockNumber: target,
		MaxBlock:    target + blocks - 1,
	}
}

// Channel is a private submission path.
type Channel interface {
	Name() string
	// SendBundle submits b for every block in its range and returns the
	// relay's bundle hash.
	SendBundle(ctx context.Context, b *Bundle) (string, error)
	// Status reports where b stands; OutcomePending means ask again later.
	Status(ctx context.Context, b *Bundle) (Outcome, error)
}
