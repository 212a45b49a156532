package simulator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/stateless"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie/utils"
	"github.com/holiman/uint256"
)

// ForkedStateDB adapts a StateFork to vm.StateDB for a single transaction.
// RPC failures read as empty state; the EVM then reverts, which the caller
// reports as a failed simulation.
type ForkedStateDB struct {
	fork            *StateFork
	logs            []*types.Log
	refund          uint64
	accessList      map[common.Address]map[common.Hash]bool
	accessListAddr  map[common.Address]bool
	originalStorage map[common.Address]map[common.Hash]common.Hash
	transient       map[common.Address]map[common.Hash]common.Hash
	destructed      map[common.Address]bool
}

func NewForkedStateDB(fork *StateFork) *ForkedStateDB {
	return &ForkedStateDB{
		fork:            fork,
		logs:            make([]*types.Log, 0),
		accessList:      make(map[common.Address]map[common.Hash]bool),
		accessListAddr:  make(map[common.Address]bool),
		originalStorage: make(map[common.Address]map[common.Hash]common.Hash),
		transient:       make(map[common.Address]map[common.Hash]common.Hash),
		destructed:      make(map[common.Address]bool),
	}
}

func (s *ForkedStateDB) CreateAccount(addr common.Address) {
	s.fork.SetBalance(addr, big.NewInt(0))
	s.fork.SetNonce(addr, 0)
}

func (s *ForkedStateDB) CreateContract(addr common.Address) {
	s.CreateAccount(addr)
}

func (s *ForkedStateDB) GetBalance(addr common.Address) *uint256.Int {
	bal, err := s.fork.GetBalance(addr)
	if err != nil {
		return uint256.NewInt(0)
	}
	val, overflow := uint256.FromBig(bal)
	if overflow {
		return uint256.NewInt(0)
	}
	return val
}

func (s *ForkedStateDB) AddBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	bal := s.GetBalance(addr)
	newBal := new(uint256.Int).Add(bal, amount)
	s.fork.SetBalance(addr, newBal.ToBig())
	return *bal
}

func (s *ForkedStateDB) SubBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	bal := s.GetBalance(addr)
	newBal := new(uint256.Int).Sub(bal, amount)
	s.fork.SetBalance(addr, newBal.ToBig())
	return *bal
}

func (s *ForkedStateDB) GetNonce(addr common.Address) uint64 {
	nonce, err := s.fork.GetNonce(addr)
	if err != nil {
		return 0
	}
	return nonce
}

func (s *ForkedStateDB) SetNonce(addr common.Address, nonce uint64, reason tracing.NonceChangeReason) {
	s.fork.SetNonce(addr, nonce)
}

func (s *ForkedStateDB) GetCode(addr common.Address) []byte {
	code, err := s.fork.GetCode(addr)
	if err != nil {
		return nil
	}
	return code
}

func (s *ForkedStateDB) GetCodeSize(addr common.Address) int {
	return len(s.GetCode(addr))
}

func (s *ForkedStateDB) GetCodeHash(addr common.Address) common.Hash {
	code := s.GetCode(addr)
	if len(code) == 0 {
		if s.Exist(addr) {
			return types.EmptyCodeHash
		}
		return common.Hash{}
	}
	return crypto.Keccak256Hash(code)
}

func (s *ForkedStateDB) SetCode(addr common.Address, code []byte, reason tracing.CodeChangeReason) []byte {
	oldCode := s.GetCode(addr)
	s.fork.SetCode(addr, code)
	return oldCode
}

func (s *ForkedStateDB) GetState(addr common.Address, hash common.Hash) common.Hash {
	val, err := s.fork.GetStorageAt(addr, hash)
	if err != nil {
		return common.Hash{}
	}
	return val
}

func (s *ForkedStateDB) SetState(addr common.Address, key, value common.Hash) common.Hash {
	oldVal := s.GetState(addr, key)
	s.fork.SetStorageAt(addr, key, value)
	return oldVal
}

// GetStateAndCommittedState returns the current value and the value at the
// start of the transaction, which drives SSTORE gas pricing.
func (s *ForkedStateDB) GetStateAndCommittedState(addr common.Address, hash common.Hash) (common.Hash, common.Hash) {
	current := s.GetState(addr, hash)
	if addrMap, ok := s.originalStorage[addr]; ok {
		if orig, ok := addrMap[hash]; ok {
			return current, orig
		}
	}
	if s.originalStorage[addr] == nil {
		s.originalStorage[addr] = make(map[common.Hash]common.Hash)
	}
	s.originalStorage[addr][hash] = current
	return current, current
}

func (s *ForkedStateDB) GetStorageRoot(addr common.Address) common.Hash {
	return common.Hash{}
}

// Transient storage (EIP-1153), lives for one transaction
func (s *ForkedStateDB) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	return s.transient[addr][key]
}

func (s *ForkedStateDB) SetTransientState(addr common.Address, key, value common.Hash) {
	if s.transient[addr] == nil {
		s.transient[addr] = make(map[common.Hash]common.Hash)
	}
	s.transient[addr][key] = value
}

func (s *ForkedStateDB) Exist(addr common.Address) bool {
	return len(s.GetCode(addr)) > 0 || s.GetBalance(addr).Sign() > 0 || s.GetNonce(addr) > 0
}

func (s *ForkedStateDB) Empty(addr common.Address) bool {
	return !s.Exist(addr)
}

func (s *ForkedStateDB) Snapshot() int {
	return s.fork.Snapshot()
}

func (s *ForkedStateDB) RevertToSnapshot(id int) {
	_ = s.fork.RevertToSnapshot(id)
}

func (s *ForkedStateDB) AddLog(log *types.Log) {
	s.logs = append(s.logs, log)
}

func (s *ForkedStateDB) Logs() []*types.Log {
	return s.logs
}

func (s *ForkedStateDB) AddRefund(gas uint64) {
	s.refund += gas
}

func (s *ForkedStateDB) SubRefund(gas uint64) {
	if gas > s.refund {
		s.refund = 0
	} else {
		s.refund -= gas
	}
}

func (s *ForkedStateDB) GetRefund() uint64 {
	return s.refund
}

func (s *ForkedStateDB) AddPreimage(hash common.Hash, preimage []byte) {}

func (s *ForkedStateDB) SelfDestruct(addr common.Address) uint256.Int {
	bal := s.GetBalance(addr)
	s.fork.SetBalance(addr, big.NewInt(0))
	s.destructed[addr] = true
	return *bal
}

func (s *ForkedStateDB) HasSelfDestructed(addr common.Address) bool {
	return s.destructed[addr]
}

func (s *ForkedStateDB) SelfDestruct6780(addr common.Address) (uint256.Int, bool) {
	return s.SelfDestruct(addr), true
}

// Access list (EIP-2929)
func (s *ForkedStateDB) AddAddressToAccessList(addr common.Address) { s.accessListAddr[addr] = true }

func (s *ForkedStateDB) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	s.accessListAddr[addr] = true
	if s.accessList[addr] == nil {
		s.accessList[addr] = make(map[common.Hash]bool)
	}
	s.accessList[addr][slot] = true
}

func (s *ForkedStateDB) AddressInAccessList(addr common.Address) bool {
	return s.accessListAddr[addr]
}

func (s *ForkedStateDB) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	if !s.accessListAddr[addr] {
		return false, false
	}
	return true, s.accessList[addr][slot]
}

func (s *ForkedStateDB) Prepare(rules params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, txAccesses types.AccessList) {
	s.AddAddressToAccessList(sender)
	if dest != nil {
		s.AddAddressToAccessList(*dest)
	}
	s.AddAddressToAccessList(coinbase)
	for _, addr := range precompiles {
		s.AddAddressToAccessList(addr)
	}
	for _, el := range txAccesses {
		s.AddAddressToAccessList(el.Address)
		for _, key := range el.StorageKeys {
			s.AddSlotToAccessList(el.Address, key)
		}
	}
}

func (s *ForkedStateDB) PointCache() *utils.PointCache {
	return nil
}

func (s *ForkedStateDB) Witness() *stateless.Witness {
	return nil
}

func (s *ForkedStateDB) AccessEvents() *state.AccessEvents {
	return nil
}

func (s *ForkedStateDB) Finalise(deleteEmptyObjects bool) {}
