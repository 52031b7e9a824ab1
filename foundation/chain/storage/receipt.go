package storage

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Receipt statuses.
const (
	ReceiptStatusFailed     = uint64(0)
	ReceiptStatusSuccessful = uint64(1)
)

// Log is a single log record produced while executing a transaction.
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    []byte         `json:"data"`
}

// Receipt is the outcome of executing a single transaction.
type Receipt struct {
	Status            uint64 `json:"status"`
	GasUsed           uint64 `json:"gasUsed"`
	CumulativeGasUsed uint64 `json:"cumulativeGasUsed"`
	Logs              []Log  `json:"logs"`
}

// receiptNoLogs is the trie form of the receipt.
type receiptNoLogs struct {
	Status            uint64
	GasUsed           uint64
	CumulativeGasUsed uint64
}

// Serialize produces the RLP record for the receipt. The stored form keeps
// the full logs; the trie form drops them.
func (r Receipt) Serialize(withFullLogs bool) ([]byte, error) {
	if !withFullLogs {
		return rlp.EncodeToBytes(receiptNoLogs{
			Status:            r.Status,
			GasUsed:           r.GasUsed,
			CumulativeGasUsed: r.CumulativeGasUsed,
		})
	}

	return rlp.EncodeToBytes(r)
}

// DeserializeReceipt reconstructs a receipt from its stored RLP record.
func DeserializeReceipt(data []byte) (Receipt, error) {
	var r Receipt
	if err := rlp.DecodeBytes(data, &r); err != nil {
		return Receipt{}, err
	}

	return r, nil
}

// =============================================================================

// LogEntry ties a log to the transaction that produced it.
type LogEntry struct {
	TxIndex uint64      `json:"transactionIndex"`
	TxHash  common.Hash `json:"transactionHash"`
	Log     Log         `json:"log"`
}

// BlockLogs collects every log of one block into a single record keyed by
// block number.
type BlockLogs struct {
	BlockNumber uint64     `json:"blockNumber"`
	Entries     []LogEntry `json:"entries"`
}

// Append adds a log produced by the transaction at the specified index.
func (bl *BlockLogs) Append(txIndex uint64, txHash common.Hash, log Log) {
	bl.Entries = append(bl.Entries, LogEntry{
		TxIndex: txIndex,
		TxHash:  txHash,
		Log:     log,
	})
}

// Serialize produces the RLP record for the block logs.
func (bl BlockLogs) Serialize() ([]byte, error) {
	return rlp.EncodeToBytes(bl)
}

// DeserializeBlockLogs reconstructs block logs from their RLP record.
func DeserializeBlockLogs(data []byte) (BlockLogs, error) {
	var bl BlockLogs
	if err := rlp.DecodeBytes(data, &bl); err != nil {
		return BlockLogs{}, err
	}

	return bl, nil
}
