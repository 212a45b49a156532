// Package market holds the live exchange graph derived from committed blocks.
//
// The graph is an undirected multigraph: tokens are nodes, UniswapV2-style
// pools are edges. Pool identity is immutable; pool state (reserves, fee) is
// replaced wholesale on every write so readers only ever hold complete values.
package market

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrOutOfOrder      = errors.New("block is not the successor of the graph head")
	ErrHashMismatch    = errors.New("block hash differs from the one already applied at this height")
	ErrBeyondHorizon   = errors.New("block is older than the rollback journal")
	ErrMalformedUpdate = errors.New("malformed pool update")
)

// Edge is the immutable identity of a pool. Token0 < Token1.
type Edge struct {
	Pool   common.Address
	Token0 common.Address
	Token1 common.Address
	DEX    string
}

// Other returns the token on the opposite side of token.
func (e Edge) Other(token common.Address) common.Address {
	if token == e.Token0 {
		return e.Token1
	}
	return e.Token0
}

func (e Edge) Touches(token common.Address) bool {
	return token == e.Token0 || token == e.Token1
}

// EdgeState is a published pool state. Values are never modified after they
// are stored; writers publish a fresh copy.
type EdgeState struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
	FeeNum   uint64
	FeeDen   uint64
	// Height is the block that produced this state.
	Height uint64
	// Version is the store write sequence when this state was published.
	Version uint64
	// Stale marks state rolled back by a reorg and not yet resynced.
	Stale bool
}

// PoolUpdate is the state change a committed block (or a resync) carries for
// one pool. FeeDen == 0 keeps the current fee.
type PoolUpdate struct {
	Pool     common.Address
	Token0   common.Address
	Token1   common.Address
	DEX      string
	Reserve0 *big.Int
	Reserve1 *big.Int
	FeeNum   uint64
	FeeDen   uint64
}

// BlockUpdate carries every pool-affecting change of one committed block.
type BlockUpdate struct {
	Height     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Updates    []PoolUpdate
}

// Pools returns the pool addresses touched by the block.
func (b BlockUpdate) Pools() []common.Address {
	out := make([]common.Address, 0, len(b.Updates))
	for _, u := range b.Updates {
		out = append(out, u.Pool)
	}
	return out
}

type RejectedUpdate struct {
	Pool common.Address
	Err  error
}

type ApplyResult struct {
	Height    uint64
	Duplicate bool
	Applied   []common.Address
	Created   []common.Address
	Rejected  []RejectedUpdate
	// Tokens touched by applied updates, deduplicated.
	Tokens []common.Address
}

// normalize orders the token pair and checks the update in isolation.
func (u PoolUpdate) normalize() (PoolUpdate, error) {
	if u.Token0 == u.Token1 {
		return u, fmt.Errorf("%w: pool %s has identical tokens", ErrMalformedUpdate, u.Pool.Hex())
	}
	if u.Reserve0 == nil || u.Reserve1 == nil {
		return u, fmt.Errorf("%w: pool %s is missing reserves", ErrMalformedUpdate, u.Pool.Hex())
	}
	if u.Reserve0.Sign() < 0 || u.Reserve1.Sign() < 0 {
		return u, fmt.Errorf("%w: pool %s has negative reserves", ErrMalformedUpdate, u.Pool.Hex())
	}
	if u.FeeDen != 0 && (u.FeeNum == 0 || u.FeeNum > u.FeeDen) {
		return u, fmt.Errorf("%w: pool %s has fee %d/%d", ErrMalformedUpdate, u.Pool.Hex(), u.FeeNum, u.FeeDen)
	}
	if lessAddr(u.Token1, u.Token0) {
		u.Token0, u.Token1 = u.Token1, u.Token0
		u.Reserve0, u.Reserve1 = u.Reserve1, u.Reserve0
	}
	return u, nil
}

func lessAddr(a, b common.Address) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
