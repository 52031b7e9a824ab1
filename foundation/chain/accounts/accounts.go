// Package accounts manages the world state: typed account access over the
// Merkle Patricia trie with checkpoint, commit, and revert semantics.
package accounts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/simchain/simchain/foundation/chain/database"
	"github.com/simchain/simchain/foundation/chain/storage"
	"github.com/simchain/simchain/foundation/chain/trie"
)

// ErrCheckpointOpen is returned when the state root is replaced while a
// checkpoint is still open.
var ErrCheckpointOpen = trie.ErrCheckpointOpen

// Accounts provides access to the accounts stored in the state trie.
// Accounts are keyed by the keccak hash of their address.
type Accounts struct {
	trie *trie.Trie
}

// New constructs an accounts manager over the state trie.
func New(tr *trie.Trie) *Accounts {
	return &Accounts{trie: tr}
}

// NewAtRoot constructs an accounts manager over a fresh trie rooted at the
// specified state root.
func NewAtRoot(db *database.Database, root common.Hash) (*Accounts, error) {
	tr, err := trie.New(db, root)
	if err != nil {
		return nil, err
	}

	return &Accounts{trie: tr}, nil
}

// =============================================================================

// Get reads the account for the address. The second return reports whether
// the account exists in the state.
func (a *Accounts) Get(address common.Address) (storage.Account, bool, error) {
	data, err := a.trie.Get(stateKey(address))
	if err != nil {
		return storage.Account{}, false, err
	}
	if data == nil {
		return storage.NewAccount(nil, 0), false, nil
	}

	account, err := storage.DeserializeAccount(data)
	if err != nil {
		return storage.Account{}, false, err
	}

	return account, true, nil
}

// Put writes the account for the address into the state.
func (a *Accounts) Put(address common.Address, account storage.Account) error {
	data, err := account.Serialize()
	if err != nil {
		return fmt.Errorf("serializing account %s: %w", address, err)
	}

	return a.trie.Put(stateKey(address), data)
}

// Balance reads the balance for the address. A missing account has a
// zero balance.
func (a *Accounts) Balance(address common.Address) (*big.Int, error) {
	account, _, err := a.Get(address)
	if err != nil {
		return nil, err
	}

	return account.Balance, nil
}

// Nonce reads the next expected nonce for the address.
func (a *Accounts) Nonce(address common.Address) (uint64, error) {
	account, _, err := a.Get(address)
	if err != nil {
		return 0, err
	}

	return account.Nonce, nil
}

// =============================================================================

// Checkpoint opens a nested savepoint over the state.
func (a *Accounts) Checkpoint() {
	a.trie.Checkpoint()
}

// Commit keeps the mutations made since the most recent checkpoint.
func (a *Accounts) Commit() error {
	return a.trie.Commit()
}

// Revert rolls the state back to the most recent checkpoint.
func (a *Accounts) Revert() error {
	return a.trie.Revert()
}

// InCheckpoint reports whether a savepoint is open.
func (a *Accounts) InCheckpoint() bool {
	return a.trie.InCheckpoint()
}

// Root returns the current state root.
func (a *Accounts) Root() common.Hash {
	return a.trie.Root()
}

// Persist stages every state trie node produced since the last persist
// into the batch and returns the state root.
func (a *Accounts) Persist(batch *database.Batch) common.Hash {
	return a.trie.Persist(batch)
}

// SetStateRoot re-roots the state at a previously persisted root. It fails
// with ErrCheckpointOpen while a savepoint is open.
func (a *Accounts) SetStateRoot(root common.Hash) error {
	return a.trie.SetRoot(root)
}

// Fork returns an independent accounts manager over the same backing store
// at the current root. Mutations on the fork never reach this state.
func (a *Accounts) Fork() *Accounts {
	return &Accounts{trie: a.trie.Fork()}
}

// =============================================================================

// stateKey is the trie key for an address.
func stateKey(address common.Address) []byte {
	return crypto.Keccak256(address.Bytes())
}
