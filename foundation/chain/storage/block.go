package storage

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/simchain/simchain/foundation/chain/signature"
)

// BlockHeader represents common information required for each block.
type BlockHeader struct {
	ParentHash       common.Hash    `json:"parentHash"`
	Number           uint64         `json:"number"`
	Coinbase         common.Address `json:"coinbase"`
	TimeStamp        uint64         `json:"timestamp"`
	GasLimit         uint64         `json:"gasLimit"`
	GasUsed          uint64         `json:"gasUsed"`
	StateRoot        common.Hash    `json:"stateRoot"`
	TransactionsTrie common.Hash    `json:"transactionsTrie"`
	ReceiptTrie      common.Hash    `json:"receiptTrie"`
}

// Hash returns the unique hash for the header.
func (h BlockHeader) Hash() common.Hash {
	return signature.Hash(h)
}

// =============================================================================

// Block represents a group of transactions batched together.
type Block struct {
	Header       BlockHeader `json:"header"`
	Transactions []SignedTx  `json:"transactions"`
}

// Hash returns the unique hash for the block.
//
// Hashing the block header and not the whole block keeps the chain
// verifiable from headers alone.
func (b Block) Hash() common.Hash {
	return b.Header.Hash()
}

// Serialize produces the RLP record for the block, transactions attached.
func (b Block) Serialize() ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

// DeserializeBlock reconstructs a block from its RLP record.
func DeserializeBlock(data []byte) (Block, error) {
	var b Block
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return Block{}, err
	}

	return b, nil
}
