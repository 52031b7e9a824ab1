package storage

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/simchain/simchain/foundation/chain/trie"
)

// EmptyCodeHash is the known hash of an account with no code.
var EmptyCodeHash = crypto.Keccak256Hash(nil)

// Account represents information stored in the world state for an
// individual address.
type Account struct {
	Nonce       uint64      `json:"nonce"`
	Balance     *big.Int    `json:"balance"`
	StorageRoot common.Hash `json:"storageRoot"`
	CodeHash    common.Hash `json:"codeHash"`
}

// NewAccount constructs an account with the specified starting balance.
func NewAccount(balance *big.Int, nonce uint64) Account {
	if balance == nil {
		balance = new(big.Int)
	}

	return Account{
		Nonce:       nonce,
		Balance:     balance,
		StorageRoot: trie.EmptyRoot,
		CodeHash:    EmptyCodeHash,
	}
}

// Serialize produces the RLP record for the account.
func (a Account) Serialize() ([]byte, error) {
	return rlp.EncodeToBytes(a)
}

// DeserializeAccount reconstructs an account from its RLP record.
func DeserializeAccount(data []byte) (Account, error) {
	var a Account
	if err := rlp.DecodeBytes(data, &a); err != nil {
		return Account{}, err
	}

	return a, nil
}
