package simulator

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// StateFork is a private, writable overlay on a BaseState. Writes land in the
// overlay only; one fork belongs to one validation and is not shared.
type StateFork struct {
	base  *BaseState
	cache *StateCache

	// snapshot for revert
	snapshots []*StateCache
}

func NewStateFork(base *BaseState) *StateFork {
	return &StateFork{
		base:      base,
		cache:     NewStateCache(),
		snapshots: make([]*StateCache, 0),
	}
}

// returns account balance at forked state
func (f *StateFork) GetBalance(addr common.Address) (*big.Int, error) {
	if bal, ok := f.cache.balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return f.base.Balance(addr)
}

// returns account nonce at forked state
func (f *StateFork) GetNonce(addr common.Address) (uint64, error) {
	if nonce, ok := f.cache.nonces[addr]; ok {
		return nonce, nil
	}
	return f.base.Nonce(addr)
}

// returns contract bytecode at forked state
func (f *StateFork) GetCode(addr common.Address) ([]byte, error) {
	if code, ok := f.cache.code[addr]; ok {
		return code, nil
	}
	return f.base.Code(addr)
}

// returns storage slot value at forked state
func (f *StateFork) GetStorageAt(addr common.Address, slot common.Hash) (common.Hash, error) {
	if addrStorage, ok := f.cache.storage[addr]; ok {
		if val, ok := addrStorage[slot]; ok {
			return val, nil
		}
	}
	return f.base.Storage(addr, slot)
}

func (f *StateFork) SetBalance(addr common.Address, bal *big.Int) {
	f.cache.balances[addr] = new(big.Int).Set(bal)
}

func (f *StateFork) SetNonce(addr common.Address, nonce uint64) {
	f.cache.nonces[addr] = nonce
}

func (f *StateFork) SetCode(addr common.Address, code []byte) {
	f.cache.code[addr] = code
}

func (f *StateFork) SetStorageAt(addr common.Address, slot common.Hash, val common.Hash) {
	if f.cache.storage[addr] == nil {
		f.cache.storage[addr] = make(map[common.Hash]common.Hash)
	}
	f.cache.storage[addr][slot] = val
}

// snapshot creates a revert point
func (f *StateFork) Snapshot() int {
	f.snapshots = append(f.snapshots, f.cache.clone())
	return len(f.snapshots) - 1
}

func (f *StateFork) RevertToSnapshot(snapID int) error {
	if snapID < 0 || snapID >= len(f.snapshots) {
		return fmt.Errorf("invalid snapshot id: %d", snapID)
	}
	f.cache = f.snapshots[snapID]
	f.snapshots = f.snapshots[:snapID]
	return nil
}

// Header is the block the fork was taken at.
func (f *StateFork) Header() *types.Header {
	return f.base.header
}
