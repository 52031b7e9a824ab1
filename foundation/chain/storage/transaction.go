package storage

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/simchain/simchain/foundation/chain/signature"
)

// SignedTx is a signed transaction. This is how clients like a wallet
// provide transactions for inclusion into the chain.
type SignedTx struct {
	Nonce    uint64          `json:"nonce"`
	GasPrice *big.Int        `json:"gasPrice"`
	GasLimit uint64          `json:"gasLimit"`
	To       *common.Address `json:"to" rlp:"nil"`
	Value    *big.Int        `json:"value"`
	Data     []byte          `json:"data"`
	V        *big.Int        `json:"v"`
	R        *big.Int        `json:"r"`
	S        *big.Int        `json:"s"`
}

// NewTx constructs an unsigned transaction.
func NewTx(nonce uint64, gasPrice *big.Int, gasLimit uint64, to *common.Address, value *big.Int, data []byte) SignedTx {
	return SignedTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		GasLimit: gasLimit,
		To:       to,
		Value:    value,
		Data:     data,
	}
}

// Sign uses the specified private key to sign the transaction for the
// specified chain.
func (tx SignedTx) Sign(privateKey *ecdsa.PrivateKey, chainID uint64) (SignedTx, error) {
	v, r, s, err := signature.Sign(tx.SigningHash(chainID), privateKey, chainID)
	if err != nil {
		return SignedTx{}, err
	}

	tx.V = v
	tx.R = r
	tx.S = s

	return tx, nil
}

// Hash returns the unique hash for the transaction.
func (tx SignedTx) Hash() common.Hash {
	return signature.Hash(tx)
}

// SigningHash returns the digest the signature covers. With a non-zero chain
// id the digest binds the transaction to that chain.
func (tx SignedTx) SigningHash(chainID uint64) common.Hash {
	var to []byte
	if tx.To != nil {
		to = tx.To.Bytes()
	}

	fields := []any{tx.Nonce, tx.GasPrice, tx.GasLimit, to, tx.Value, tx.Data}
	if chainID != 0 {
		fields = append(fields, chainID, uint(0), uint(0))
	}

	return signature.Hash(fields)
}

// From extracts the address of the account that signed the transaction.
func (tx SignedTx) From(chainID uint64) (common.Address, error) {
	if tx.V == nil || tx.R == nil || tx.S == nil {
		return common.Address{}, errors.New("transaction is not signed")
	}

	return signature.RecoverAddress(tx.SigningHash(chainID), tx.V, tx.R, tx.S, chainID)
}

// Validate verifies the transaction carries a recoverable signature for the
// specified chain.
func (tx SignedTx) Validate(chainID uint64) error {
	if _, err := tx.From(chainID); err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	return nil
}

// Cost returns the maximum amount the sender can be charged: the transfer
// value plus the full gas allowance.
func (tx SignedTx) Cost() *big.Int {
	cost := new(big.Int).SetUint64(tx.GasLimit)
	cost.Mul(cost, tx.GasPrice)

	return cost.Add(cost, tx.Value)
}

// Serialize produces the RLP record for the transaction.
func (tx SignedTx) Serialize() ([]byte, error) {
	return rlp.EncodeToBytes(tx)
}

// DeserializeTx reconstructs a transaction from its RLP record.
func DeserializeTx(data []byte) (SignedTx, error) {
	var tx SignedTx
	if err := rlp.DecodeBytes(data, &tx); err != nil {
		return SignedTx{}, err
	}

	return tx, nil
}

// String implements the fmt.Stringer interface for logging.
func (tx SignedTx) String() string {
	return fmt.Sprintf("%s:%d", tx.Hash().Hex()[:10], tx.Nonce)
}

// =============================================================================

// StoredTx is the transaction as persisted after inclusion: the raw signed
// fields with the block context appended.
type StoredTx struct {
	Nonce       uint64
	GasPrice    *big.Int
	GasLimit    uint64
	To          *common.Address `rlp:"nil"`
	Value       *big.Int
	Data        []byte
	V           *big.Int
	R           *big.Int
	S           *big.Int
	BlockHash   common.Hash
	BlockNumber uint64
	TxIndex     uint64
}

// NewStoredTx appends the block context to a signed transaction.
func NewStoredTx(tx SignedTx, blockHash common.Hash, blockNumber uint64, txIndex uint64) StoredTx {
	return StoredTx{
		Nonce:       tx.Nonce,
		GasPrice:    tx.GasPrice,
		GasLimit:    tx.GasLimit,
		To:          tx.To,
		Value:       tx.Value,
		Data:        tx.Data,
		V:           tx.V,
		R:           tx.R,
		S:           tx.S,
		BlockHash:   blockHash,
		BlockNumber: blockNumber,
		TxIndex:     txIndex,
	}
}

// Tx strips the block context back off.
func (st StoredTx) Tx() SignedTx {
	return SignedTx{
		Nonce:    st.Nonce,
		GasPrice: st.GasPrice,
		GasLimit: st.GasLimit,
		To:       st.To,
		Value:    st.Value,
		Data:     st.Data,
		V:        st.V,
		R:        st.R,
		S:        st.S,
	}
}

// Serialize produces the RLP record for the stored transaction.
func (st StoredTx) Serialize() ([]byte, error) {
	return rlp.EncodeToBytes(st)
}

// DeserializeStoredTx reconstructs a stored transaction from its RLP record.
func DeserializeStoredTx(data []byte) (StoredTx, error) {
	var st StoredTx
	if err := rlp.DecodeBytes(data, &st); err != nil {
		return StoredTx{}, err
	}

	return st, nil
}
