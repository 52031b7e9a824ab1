package state

import (
	"errors"
	"fmt"

	"github.com/simchain/simchain/foundation/chain/miner"
	"github.com/simchain/simchain/foundation/chain/storage"
	"github.com/simchain/simchain/foundation/events"
)

// ErrStopped is returned when an operation reaches a chain that has been
// brought down.
var ErrStopped = errors.New("chain is stopped")

// Mine produces and commits the next block. maxTransactions of -1 drains
// everything executable, a positive value caps the count, and 0 is the
// no-op probe used by internal call paths. A timestamp of 0 stamps the
// block with the current simulated time.
func (s *State) Mine(maxTransactions int, timestamp uint64) (storage.Block, error) {
	if maxTransactions == 0 {
		return s.LatestBlock(), nil
	}

	s.mu.Lock()
	if s.life&(stopping|stopped) != 0 {
		s.mu.Unlock()
		return storage.Block{}, ErrStopped
	}
	s.mu.Unlock()

	// Await the in-flight commit; commits are strictly serialised.
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	next := s.readyNextBlock(timestamp)

	executables, err := s.mempool.Executables()
	if err != nil {
		return storage.Block{}, err
	}

	data, err := s.miner.Mine(executables, next, maxTransactions)
	if err != nil {
		return storage.Block{}, err
	}

	// Mined and rejected transactions both leave the pool.
	for _, tx := range data.Transactions {
		from, err := tx.From(s.cfg.ChainID)
		if err == nil {
			s.mempool.Delete(from, tx.Nonce)
		}
	}
	for _, f := range data.Failures {
		s.mempool.Delete(f.From, f.Nonce)
	}

	block, blockLogs, err := s.commitBlock(next, data)
	if err != nil {
		return storage.Block{}, err
	}

	s.publishBlock(block, blockLogs)

	// Newly executable transactions trigger the next cycle.
	s.mempool.SignalIfExecutable()

	return block, nil
}

// readyNextBlock prepares the next-block template from the latest block.
func (s *State) readyNextBlock(timestamp uint64) storage.BlockHeader {
	prev := s.LatestBlock()

	if timestamp == 0 {
		timestamp = s.CurrentTime()
	}

	return storage.BlockHeader{
		ParentHash: prev.Hash(),
		Number:     prev.Header.Number + 1,
		Coinbase:   s.cfg.Coinbase,
		TimeStamp:  timestamp,
		GasLimit:   s.cfg.GasLimit,
	}
}

// commitBlock assembles the final block from the miner's data and persists
// the block, its transactions, receipts, and logs in one atomic batch. The
// latest pointer moves optimistically before the batch so the next template
// can chain off the new header, and authoritatively after it.
func (s *State) commitBlock(next storage.BlockHeader, data miner.BlockData) (storage.Block, storage.BlockLogs, error) {
	s.evHandler("state: commitBlock: blk[%d]: txs[%d]", next.Number, len(data.Transactions))

	prev := s.LatestBlock()

	batch := s.db.NewBatch()

	header := next
	header.GasUsed = data.GasUsed
	header.TransactionsTrie = data.TransactionsTrie
	header.ReceiptTrie = data.ReceiptTrie
	header.StateRoot = s.accounts.Persist(batch)

	block := storage.Block{
		Header:       header,
		Transactions: data.Transactions,
	}
	blockHash := block.Hash()

	// Optimistic update so chained preparation reads the new header.
	s.mu.Lock()
	s.latest = block
	s.mu.Unlock()

	blockLogs := storage.BlockLogs{BlockNumber: header.Number}
	for i, tx := range data.Transactions {
		txHash := tx.Hash()

		if err := s.txs.Put(batch, storage.NewStoredTx(tx, blockHash, header.Number, uint64(i))); err != nil {
			return storage.Block{}, storage.BlockLogs{}, err
		}
		if err := s.receipts.Put(batch, txHash, data.Receipts[i]); err != nil {
			return storage.Block{}, storage.BlockLogs{}, err
		}
		for _, lg := range data.Receipts[i].Logs {
			blockLogs.Append(uint64(i), txHash, lg)
		}
	}

	if err := s.blockLogs.Put(batch, blockLogs); err != nil {
		return storage.Block{}, storage.BlockLogs{}, err
	}
	if err := s.blocks.Put(batch, block); err != nil {
		return storage.Block{}, storage.BlockLogs{}, err
	}

	if err := s.db.Write(batch); err != nil {
		// The batch is atomic: nothing persisted, put the tip back.
		s.mu.Lock()
		s.latest = prev
		s.mu.Unlock()
		return storage.Block{}, storage.BlockLogs{}, fmt.Errorf("committing blk[%d]: %w", header.Number, err)
	}

	s.mu.Lock()
	s.latest = block
	s.mu.Unlock()

	return block, blockLogs, nil
}

// publishBlock fans the block events out. Legacy instamine delivers the
// per-transaction completions before the block event so callers awaiting
// QueueTransaction observe persistence before chain advancement.
func (s *State) publishBlock(block storage.Block, blockLogs storage.BlockLogs) {
	completions := func() {
		for _, tx := range block.Transactions {
			s.bus.Publish(events.TransactionTopic(tx.Hash()), tx)
		}
	}

	if s.cfg.LegacyInstamine {
		completions()
	}

	s.bus.Publish(events.TopicBlock, block)
	s.bus.Publish(events.TopicBlockLogs, blockLogs)
	s.bus.Send(fmt.Sprintf("%s: blk[%d] txs[%d]", events.TopicBlock, block.Header.Number, len(block.Transactions)))

	if !s.cfg.LegacyInstamine {
		completions()
	}
}
