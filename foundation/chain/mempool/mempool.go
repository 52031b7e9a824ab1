// Package mempool maintains the pending transactions for the chain.
// Transactions are keyed by sender and nonce, and the pool signals drain
// whenever executable transactions become available.
package mempool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/simchain/simchain/foundation/chain/accounts"
	"github.com/simchain/simchain/foundation/chain/storage"
)

// ErrRejected wraps every reason the pool refuses a transaction.
var ErrRejected = errors.New("transaction rejected")

// defaultCapacity bounds the pool when the configuration does not.
const defaultCapacity = 4096

// poolTx carries a pending transaction with its recovered sender so the
// signature is only checked once.
type poolTx struct {
	tx   storage.SignedTx
	from common.Address
}

// =============================================================================

// Config represents the dependencies the pool needs.
type Config struct {
	Accounts      *accounts.Accounts
	ChainID       uint64
	Capacity      int
	BlockGasLimit uint64
	Drain         func()
	EvHandler     func(v string, args ...any)
}

// Mempool represents a cache of transactions organized by sender and nonce.
type Mempool struct {
	mu            sync.RWMutex
	pool          map[string]poolTx
	accounts      *accounts.Accounts
	chainID       uint64
	capacity      int
	blockGasLimit uint64
	drain         func()
	ev            func(v string, args ...any)
}

// New constructs a new mempool for pending transactions.
func New(cfg Config) *Mempool {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	ev := cfg.EvHandler
	if ev == nil {
		ev = func(v string, args ...any) {}
	}
	drain := cfg.Drain
	if drain == nil {
		drain = func() {}
	}

	return &Mempool{
		pool:          make(map[string]poolTx),
		accounts:      cfg.Accounts,
		chainID:       cfg.ChainID,
		capacity:      capacity,
		blockGasLimit: cfg.BlockGasLimit,
		drain:         drain,
		ev:            ev,
	}
}

// Count returns the current number of transactions in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.pool)
}

// Upsert adds or replaces a transaction in the pool after validating it.
// The drain signal fires whenever the executable set is non-empty after
// the transaction is accepted.
func (mp *Mempool) Upsert(tx storage.SignedTx) (common.Hash, error) {
	from, err := tx.From(mp.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid signature: %s: %w", err, ErrRejected)
	}

	account, _, err := mp.accounts.Get(from)
	if err != nil {
		return common.Hash{}, err
	}

	if mp.blockGasLimit > 0 && tx.GasLimit > mp.blockGasLimit {
		return common.Hash{}, fmt.Errorf("gas limit %d exceeds block gas limit %d: %w", tx.GasLimit, mp.blockGasLimit, ErrRejected)
	}

	if tx.Nonce < account.Nonce {
		return common.Hash{}, fmt.Errorf("nonce too low: have %d, state %d: %w", tx.Nonce, account.Nonce, ErrRejected)
	}

	if account.Balance.Cmp(tx.Cost()) < 0 {
		return common.Hash{}, fmt.Errorf("insufficient funds: balance %s, need %s: %w", account.Balance, tx.Cost(), ErrRejected)
	}

	mp.mu.Lock()
	if len(mp.pool) >= mp.capacity {
		mp.mu.Unlock()
		return common.Hash{}, fmt.Errorf("pool is full: %w", ErrRejected)
	}
	mp.pool[mapKey(from, tx.Nonce)] = poolTx{tx: tx, from: from}
	mp.mu.Unlock()

	mp.ev("mempool: Upsert: tx[%s] accepted", tx)
	mp.SignalIfExecutable()

	return tx.Hash(), nil
}

// Delete removes a transaction from the pool.
func (mp *Mempool) Delete(from common.Address, nonce uint64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	delete(mp.pool, mapKey(from, nonce))
}

// Truncate clears all the transactions from the pool.
func (mp *Mempool) Truncate() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pool = make(map[string]poolTx)
}

// Executables returns, per sender, the nonce-contiguous run of pending
// transactions starting at the sender's current state nonce, nonces
// ascending.
func (mp *Mempool) Executables() (map[common.Address][]storage.SignedTx, error) {
	mp.mu.RLock()
	grouped := make(map[common.Address][]poolTx)
	for _, ptx := range mp.pool {
		grouped[ptx.from] = append(grouped[ptx.from], ptx)
	}
	mp.mu.RUnlock()

	executables := make(map[common.Address][]storage.SignedTx)
	for from, ptxs := range grouped {
		account, _, err := mp.accounts.Get(from)
		if err != nil {
			return nil, err
		}

		run := contiguousRun(ptxs, account.Nonce)
		if len(run) > 0 {
			executables[from] = run
		}
	}

	return executables, nil
}

// SignalIfExecutable fires the drain signal when the executable set is
// non-empty. The chain calls this after mining consumes transactions so
// newly executable ones get picked up.
func (mp *Mempool) SignalIfExecutable() {
	executables, err := mp.Executables()
	if err != nil {
		mp.ev("mempool: SignalIfExecutable: ERROR: %s", err)
		return
	}

	if len(executables) > 0 {
		mp.ev("mempool: SignalIfExecutable: drain signaled")
		mp.drain()
	}
}

// =============================================================================

// mapKey is used to generate the map key.
func mapKey(from common.Address, nonce uint64) string {
	return fmt.Sprintf("%s:%d", from.Hex(), nonce)
}
