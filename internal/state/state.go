// Package state implements the account-model side of the world state: the
// {balance, nonce, code_digest, storage_root} record per address and a
// copy-on-write snapshot so a block producer or a replay validator can
// mutate a private view without disturbing the canonical state until the
// block is actually committed. It is grounded on the teacher's StateRW and
// MeteredState interfaces (core/common_structs.go) and the copy-on-write
// pattern implicit in core/ledger.go's Call/applyBlock flow, trimmed from
// the teacher's general key/value + gas-metering surface down to the
// account-model shape this specification uses.
package state

import (
	"fmt"
	"sync"

	"github.com/chaind-project/chaind/internal/chainerrors"
)

// Account is the per-address record: balance, nonce, and the two pointers
// into content-addressed storage (contract code and the account's own
// key/value trie), represented here as opaque digests per §3.
type Account struct {
	Balance     uint64
	Nonce       uint64
	HasCode     bool
	CodeDigest  [32]byte
	StorageRoot [32]byte
}

// Reader is the read-only view a validator or RPC handler needs.
type Reader interface {
	GetAccount(addr [20]byte) (Account, bool)
	GetStorage(addr [20]byte, key [32]byte) ([]byte, bool)
}

// ReadWriter extends Reader with mutation, implemented by both the
// canonical State and any Snapshot taken from it.
type ReadWriter interface {
	Reader
	PutAccount(addr [20]byte, acc Account)
	PutStorage(addr [20]byte, key [32]byte, value []byte)
	DeleteAccount(addr [20]byte)
}

// State is the canonical, mutable world state backing the live chain tip.
type State struct {
	mu       sync.RWMutex
	accounts map[[20]byte]Account
	storage  map[[20]byte]map[[32]byte][]byte
}

// New returns an empty state.
func New() *State {
	return &State{
		accounts: make(map[[20]byte]Account),
		storage:  make(map[[20]byte]map[[32]byte][]byte),
	}
}

func (s *State) GetAccount(addr [20]byte) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[addr]
	return acc, ok
}

func (s *State) PutAccount(addr [20]byte, acc Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[addr] = acc
}

func (s *State) DeleteAccount(addr [20]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, addr)
	delete(s.storage, addr)
}

func (s *State) GetStorage(addr [20]byte, key [32]byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.storage[addr]
	if !ok {
		return nil, false
	}
	v, ok := ns[key]
	return v, ok
}

func (s *State) PutStorage(addr [20]byte, key [32]byte, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.storage[addr]
	if !ok {
		ns = make(map[[32]byte][]byte)
		s.storage[addr] = ns
	}
	ns[key] = value
}

// Snapshot opens a copy-on-write view over s: reads fall through to s for
// keys not yet touched in this snapshot, writes land only in the snapshot's
// own overlay. Discard the snapshot by dropping it; Commit applies its
// overlay back onto the parent one entry at a time, so a concurrent reader
// of the parent can observe a partly applied overlay.
func (s *State) Snapshot() *Snapshot {
	return &Snapshot{
		parent:        s,
		accountOver:   make(map[[20]byte]Account),
		accountDel:    make(map[[20]byte]struct{}),
		storageOver:   make(map[[20]byte]map[[32]byte][]byte),
	}
}

// Snapshot is a copy-on-write overlay suitable for a block producer building
// a candidate block, or a validator replaying one, without mutating the
// canonical state until the overlay is committed.
type Snapshot struct {
	mu sync.RWMutex

	parent      *State
	accountOver map[[20]byte]Account
	accountDel  map[[20]byte]struct{}
	storageOver map[[20]byte]map[[32]byte][]byte
}

func (sn *Snapshot) GetAccount(addr [20]byte) (Account, bool) {
	sn.mu.RLock()
	defer sn.mu.RUnlock()
	if _, deleted := sn.accountDel[addr]; deleted {
		return Account{}, false
	}
	if acc, ok := sn.accountOver[addr]; ok {
		return acc, true
	}
	return sn.parent.GetAccount(addr)
}

func (sn *Snapshot) PutAccount(addr [20]byte, acc Account) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	delete(sn.accountDel, addr)
	sn.accountOver[addr] = acc
}

func (sn *Snapshot) DeleteAccount(addr [20]byte) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	delete(sn.accountOver, addr)
	delete(sn.storageOver, addr)
	sn.accountDel[addr] = struct{}{}
}

func (sn *Snapshot) GetStorage(addr [20]byte, key [32]byte) ([]byte, bool) {
	sn.mu.RLock()
	defer sn.mu.RUnlock()
	if _, deleted := sn.accountDel[addr]; deleted {
		return nil, false
	}
	if ns, ok := sn.storageOver[addr]; ok {
		if v, ok := ns[key]; ok {
			return v, true
		}
	}
	return sn.parent.GetStorage(addr, key)
}

func (sn *Snapshot) PutStorage(addr [20]byte, key [32]byte, value []byte) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	ns, ok := sn.storageOver[addr]
	if !ok {
		ns = make(map[[32]byte][]byte)
		sn.storageOver[addr] = ns
	}
	ns[key] = value
}

// Credit adds amount to addr's balance, creating the account if absent.
func (sn *Snapshot) Credit(addr [20]byte, amount uint64) {
	acc, _ := sn.GetAccount(addr)
	acc.Balance += amount
	sn.PutAccount(addr, acc)
}

// Debit subtracts amount from addr's balance, returning
// chainerrors.ErrInputOutputMismatch if the account lacks sufficient funds.
func (sn *Snapshot) Debit(addr [20]byte, amount uint64) error {
	acc, ok := sn.GetAccount(addr)
	if !ok || acc.Balance < amount {
		return fmt.Errorf("state: insufficient balance for %x: %w", addr, chainerrors.ErrInputOutputMismatch)
	}
	acc.Balance -= amount
	sn.PutAccount(addr, acc)
	return nil
}

// IncrementNonce bumps addr's nonce by one, creating the account if absent.
func (sn *Snapshot) IncrementNonce(addr [20]byte) {
	acc, _ := sn.GetAccount(addr)
	acc.Nonce++
	sn.PutAccount(addr, acc)
}

// Commit applies every accumulated write in the overlay back onto the
// parent state. Call this only after the corresponding block has been
// durably persisted; it does not itself touch storage.
func (sn *Snapshot) Commit() {
	sn.mu.RLock()
	defer sn.mu.RUnlock()
	for addr := range sn.accountDel {
		sn.parent.DeleteAccount(addr)
	}
	for addr, acc := range sn.accountOver {
		sn.parent.PutAccount(addr, acc)
	}
	for addr, ns := range sn.storageOver {
		for key, value := range ns {
			sn.parent.PutStorage(addr, key, value)
		}
	}
}

var (
	_ ReadWriter = (*State)(nil)
	_ ReadWriter = (*Snapshot)(nil)
)
