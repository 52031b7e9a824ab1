package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/simchain/simchain/foundation/chain/storage"
)

// LatestBlock returns the current chain tip.
func (s *State) LatestBlock() storage.Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.latest
}

// EarliestBlock returns the genesis block.
func (s *State) EarliestBlock() storage.Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.earliest
}

// GetBlockByNumber reads a committed block by number.
func (s *State) GetBlockByNumber(number uint64) (storage.Block, error) {
	return s.blocks.GetByNumber(number)
}

// GetBlockByHash reads a committed block by hash.
func (s *State) GetBlockByHash(hash common.Hash) (storage.Block, error) {
	return s.blocks.GetByHash(hash)
}

// GetTransaction reads a committed transaction, block context included.
func (s *State) GetTransaction(txHash common.Hash) (storage.StoredTx, error) {
	return s.txs.Get(txHash)
}

// GetReceipt reads the receipt of a committed transaction.
func (s *State) GetReceipt(txHash common.Hash) (storage.Receipt, error) {
	return s.receipts.Get(txHash)
}

// GetBlockLogs reads the logs of a committed block by number.
func (s *State) GetBlockLogs(number uint64) (storage.BlockLogs, error) {
	return s.blockLogs.Get(number)
}

// GetBalance reads the current balance for the address.
func (s *State) GetBalance(address common.Address) (*big.Int, error) {
	return s.accounts.Balance(address)
}

// GetNonce reads the next expected nonce for the address.
func (s *State) GetNonce(address common.Address) (uint64, error) {
	return s.accounts.Nonce(address)
}

// MempoolCount returns the number of pending transactions.
func (s *State) MempoolCount() int {
	return s.mempool.Count()
}

// HasExecutables reports whether the pool holds transactions ready to mine.
func (s *State) HasExecutables() bool {
	executables, err := s.mempool.Executables()
	if err != nil {
		return false
	}

	return len(executables) > 0
}
