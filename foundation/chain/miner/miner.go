// Package miner turns a set of executable transactions and a next-block
// template into assembled block data. It owns transaction selection and
// per-transaction failure isolation; persisting the result is the chain's
// job.
package miner

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/simchain/simchain/foundation/chain/accounts"
	"github.com/simchain/simchain/foundation/chain/storage"
	"github.com/simchain/simchain/foundation/chain/trie"
	"github.com/simchain/simchain/foundation/chain/vm"
)

// Failure reports a transaction the machine rejected during mining.
type Failure struct {
	TxHash common.Hash
	From   common.Address
	Nonce  uint64
	Err    error
}

// BlockData is everything the miner produces for one block.
type BlockData struct {
	Transactions     []storage.SignedTx
	Receipts         []storage.Receipt
	Failures         []Failure
	TransactionsTrie common.Hash
	ReceiptTrie      common.Hash
	GasUsed          uint64
	TimeStamp        uint64
}

// =============================================================================

// Config represents the dependencies the miner needs.
type Config struct {
	Machine   vm.Machine
	Accounts  *accounts.Accounts
	EvHandler func(v string, args ...any)
	OnFailure func(f Failure)
}

// Miner executes transactions against the world state to produce blocks.
type Miner struct {
	machine   vm.Machine
	accounts  *accounts.Accounts
	ev        func(v string, args ...any)
	onFailure func(f Failure)
}

// New constructs a miner over the machine and world state.
func New(cfg Config) *Miner {
	ev := cfg.EvHandler
	if ev == nil {
		ev = func(v string, args ...any) {}
	}
	onFailure := cfg.OnFailure
	if onFailure == nil {
		onFailure = func(f Failure) {}
	}

	return &Miner{
		machine:   cfg.Machine,
		accounts:  cfg.Accounts,
		ev:        ev,
		onFailure: onFailure,
	}
}

// Mine executes a nonce-ordered, price-first interleaving of the executable
// transactions against the next-block template. maxTransactions of -1 takes
// as many as fit the block gas limit, a positive value caps the count, and
// 0 produces an empty block. A transaction the machine rejects is reported
// and skipped without aborting the block.
func (m *Miner) Mine(executables map[common.Address][]storage.SignedTx, next storage.BlockHeader, maxTransactions int) (BlockData, error) {
	m.ev("miner: Mine: started: blk[%d]: senders[%d]", next.Number, len(executables))
	defer m.ev("miner: Mine: completed: blk[%d]", next.Number)

	data := BlockData{TimeStamp: next.TimeStamp}

	// Work over a private copy so selection can consume the lists.
	pending := make(map[common.Address][]storage.SignedTx, len(executables))
	for from, txs := range executables {
		pending[from] = txs
	}

	gasLeft := next.GasLimit
	for maxTransactions != 0 {
		from, exists := bestSender(pending, gasLeft)
		if !exists {
			break
		}

		tx := pending[from][0]
		pending[from] = pending[from][1:]
		if len(pending[from]) == 0 {
			delete(pending, from)
		}

		// Execute under a savepoint so a rejection unwinds only this
		// transaction's state changes.
		m.accounts.Checkpoint()
		result, err := m.machine.RunTx(tx, next, vm.RunOpts{})
		if err != nil {
			if rerr := m.accounts.Revert(); rerr != nil {
				return BlockData{}, rerr
			}

			m.ev("miner: Mine: WARNING: tx[%s] rejected: %s", tx, err)
			failure := Failure{TxHash: tx.Hash(), From: from, Nonce: tx.Nonce, Err: err}
			data.Failures = append(data.Failures, failure)
			m.onFailure(failure)

			// The sender's later nonces can no longer execute.
			delete(pending, from)
			continue
		}
		if err := m.accounts.Commit(); err != nil {
			return BlockData{}, err
		}

		data.GasUsed += result.GasUsed
		gasLeft -= result.GasUsed

		receipt := result.Receipt
		receipt.CumulativeGasUsed = data.GasUsed
		receipt.Logs = result.Logs

		data.Transactions = append(data.Transactions, tx)
		data.Receipts = append(data.Receipts, receipt)

		if maxTransactions > 0 {
			maxTransactions--
		}
	}

	var err error
	if data.TransactionsTrie, data.ReceiptTrie, err = deriveRoots(data); err != nil {
		return BlockData{}, err
	}

	return data, nil
}

// =============================================================================

// bestSender picks the sender whose next executable transaction pays the
// highest gas price and still fits the remaining block gas.
func bestSender(pending map[common.Address][]storage.SignedTx, gasLeft uint64) (common.Address, bool) {
	var best common.Address
	found := false

	for from, txs := range pending {
		head := txs[0]
		if head.GasLimit > gasLeft {
			continue
		}
		if !found || head.GasPrice.Cmp(pending[best][0].GasPrice) > 0 {
			best = from
			found = true
		}
	}

	return best, found
}

// deriveRoots builds the position-indexed transaction and receipt tries.
func deriveRoots(data BlockData) (common.Hash, common.Hash, error) {
	txTrie := trie.NewEphemeral()
	rcptTrie := trie.NewEphemeral()

	for i := range data.Transactions {
		key, err := rlp.EncodeToBytes(uint64(i))
		if err != nil {
			return common.Hash{}, common.Hash{}, err
		}

		txData, err := data.Transactions[i].Serialize()
		if err != nil {
			return common.Hash{}, common.Hash{}, fmt.Errorf("serializing transaction %d: %w", i, err)
		}
		if err := txTrie.Put(key, txData); err != nil {
			return common.Hash{}, common.Hash{}, err
		}

		rcptData, err := data.Receipts[i].Serialize(false)
		if err != nil {
			return common.Hash{}, common.Hash{}, fmt.Errorf("serializing receipt %d: %w", i, err)
		}
		if err := rcptTrie.Put(key, rcptData); err != nil {
			return common.Hash{}, common.Hash{}, err
		}
	}

	return txTrie.Root(), rcptTrie.Root(), nil
}
