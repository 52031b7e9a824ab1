// Package storage defines the records the chain persists and the typed
// managers that read and write them through the database keyspaces.
package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"

	"github.com/simchain/simchain/foundation/chain/database"
)

// blockCacheSize bounds the number of decoded blocks kept hot for reads.
const blockCacheSize = 128

// Key prefixes inside the blocks keyspace. Blocks are dual keyed, by
// big-endian number and by hash.
var (
	blockNumberPrefix = []byte("n")
	blockHashPrefix   = []byte("h")
)

// numberKey produces the by-number key for a block.
func numberKey(number uint64) []byte {
	key := make([]byte, 9)
	key[0] = blockNumberPrefix[0]
	binary.BigEndian.PutUint64(key[1:], number)

	return key
}

// hashKey produces the by-hash key for a block.
func hashKey(hash common.Hash) []byte {
	return append([]byte{blockHashPrefix[0]}, hash.Bytes()...)
}

// =============================================================================

// BlockManager provides typed access to the blocks keyspace.
type BlockManager struct {
	db    *database.Database
	cache *lru.Cache
}

// NewBlockManager constructs a manager over the blocks keyspace.
func NewBlockManager(db *database.Database) (*BlockManager, error) {
	cache, err := lru.New(blockCacheSize)
	if err != nil {
		return nil, err
	}

	return &BlockManager{db: db, cache: cache}, nil
}

// Put stages the block under both its number and hash keys.
func (bm *BlockManager) Put(batch *database.Batch, block Block) error {
	data, err := block.Serialize()
	if err != nil {
		return fmt.Errorf("serializing block %d: %w", block.Header.Number, err)
	}

	batch.Put(database.KeyspaceBlocks, numberKey(block.Header.Number), data)
	batch.Put(database.KeyspaceBlocks, hashKey(block.Hash()), data)

	return nil
}

// Delete stages the removal of both keys of the block and drops it from
// the read cache.
func (bm *BlockManager) Delete(batch *database.Batch, block Block) {
	batch.Delete(database.KeyspaceBlocks, numberKey(block.Header.Number))
	batch.Delete(database.KeyspaceBlocks, hashKey(block.Hash()))

	bm.cache.Remove(block.Header.Number)
	bm.cache.Remove(block.Hash())
}

// GetByNumber reads a block by its number.
func (bm *BlockManager) GetByNumber(number uint64) (Block, error) {
	if v, exists := bm.cache.Get(number); exists {
		return v.(Block), nil
	}

	data, err := bm.db.Get(database.KeyspaceBlocks, numberKey(number))
	if err != nil {
		return Block{}, err
	}

	block, err := DeserializeBlock(data)
	if err != nil {
		return Block{}, err
	}
	bm.cache.Add(number, block)

	return block, nil
}

// GetByHash reads a block by its hash.
func (bm *BlockManager) GetByHash(hash common.Hash) (Block, error) {
	if v, exists := bm.cache.Get(hash); exists {
		return v.(Block), nil
	}

	data, err := bm.db.Get(database.KeyspaceBlocks, hashKey(hash))
	if err != nil {
		return Block{}, err
	}

	block, err := DeserializeBlock(data)
	if err != nil {
		return Block{}, err
	}
	bm.cache.Add(hash, block)

	return block, nil
}

// Latest reads the highest-numbered block. database.ErrNotFound signals an
// empty chain.
func (bm *BlockManager) Latest() (Block, error) {
	_, data, err := bm.db.LastWithPrefix(database.KeyspaceBlocks, blockNumberPrefix)
	if err != nil {
		return Block{}, err
	}

	return DeserializeBlock(data)
}

// =============================================================================

// TransactionManager provides typed access to the transactions keyspace.
type TransactionManager struct {
	db *database.Database
}

// NewTransactionManager constructs a manager over the transactions keyspace.
func NewTransactionManager(db *database.Database) *TransactionManager {
	return &TransactionManager{db: db}
}

// Put stages the stored transaction under the hash of its raw form.
func (tm *TransactionManager) Put(batch *database.Batch, st StoredTx) error {
	data, err := st.Serialize()
	if err != nil {
		return fmt.Errorf("serializing transaction: %w", err)
	}

	batch.Put(database.KeyspaceTransactions, st.Tx().Hash().Bytes(), data)

	return nil
}

// Get reads a stored transaction by hash.
func (tm *TransactionManager) Get(txHash common.Hash) (StoredTx, error) {
	data, err := tm.db.Get(database.KeyspaceTransactions, txHash.Bytes())
	if err != nil {
		return StoredTx{}, err
	}

	return DeserializeStoredTx(data)
}

// Delete stages the removal of a transaction record.
func (tm *TransactionManager) Delete(batch *database.Batch, txHash common.Hash) {
	batch.Delete(database.KeyspaceTransactions, txHash.Bytes())
}

// =============================================================================

// ReceiptManager provides typed access to the receipts keyspace.
type ReceiptManager struct {
	db *database.Database
}

// NewReceiptManager constructs a manager over the receipts keyspace.
func NewReceiptManager(db *database.Database) *ReceiptManager {
	return &ReceiptManager{db: db}
}

// Put stages the receipt, full logs included, under the transaction hash.
func (rm *ReceiptManager) Put(batch *database.Batch, txHash common.Hash, receipt Receipt) error {
	data, err := receipt.Serialize(true)
	if err != nil {
		return fmt.Errorf("serializing receipt: %w", err)
	}

	batch.Put(database.KeyspaceReceipts, txHash.Bytes(), data)

	return nil
}

// Get reads a receipt by transaction hash.
func (rm *ReceiptManager) Get(txHash common.Hash) (Receipt, error) {
	data, err := rm.db.Get(database.KeyspaceReceipts, txHash.Bytes())
	if err != nil {
		return Receipt{}, err
	}

	return DeserializeReceipt(data)
}

// Delete stages the removal of a receipt record.
func (rm *ReceiptManager) Delete(batch *database.Batch, txHash common.Hash) {
	batch.Delete(database.KeyspaceReceipts, txHash.Bytes())
}

// =============================================================================

// BlockLogsManager provides typed access to the blockLogs keyspace.
type BlockLogsManager struct {
	db *database.Database
}

// NewBlockLogsManager constructs a manager over the blockLogs keyspace.
func NewBlockLogsManager(db *database.Database) *BlockLogsManager {
	return &BlockLogsManager{db: db}
}

// blockLogsKey produces the by-number key for a block logs record.
func blockLogsKey(number uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, number)

	return key
}

// Put stages the block logs under the block number.
func (bm *BlockLogsManager) Put(batch *database.Batch, bl BlockLogs) error {
	data, err := bl.Serialize()
	if err != nil {
		return fmt.Errorf("serializing block logs %d: %w", bl.BlockNumber, err)
	}

	batch.Put(database.KeyspaceBlockLogs, blockLogsKey(bl.BlockNumber), data)

	return nil
}

// Get reads the logs of a block by number.
func (bm *BlockLogsManager) Get(number uint64) (BlockLogs, error) {
	data, err := bm.db.Get(database.KeyspaceBlockLogs, blockLogsKey(number))
	if err != nil {
		return BlockLogs{}, err
	}

	return DeserializeBlockLogs(data)
}

// Delete stages the removal of a block logs record.
func (bm *BlockLogsManager) Delete(batch *database.Batch, number uint64) {
	batch.Delete(database.KeyspaceBlockLogs, blockLogsKey(number))
}
