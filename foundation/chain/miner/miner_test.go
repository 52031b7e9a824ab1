package miner_test

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/simchain/simchain/foundation/chain/accounts"
	"github.com/simchain/simchain/foundation/chain/miner"
	"github.com/simchain/simchain/foundation/chain/storage"
	"github.com/simchain/simchain/foundation/chain/trie"
	"github.com/simchain/simchain/foundation/chain/vm"
)

const chainID = 1337

var (
	coinbase  = common.HexToAddress("0xFef311483Cc040e1A89fb9bb469eeB8A70935EF8")
	toAddress = common.HexToAddress("0xbEE6ACE826eC3DE1B6349888B9151B92522F7F76")
)

func newKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()

	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	return privateKey, crypto.PubkeyToAddress(privateKey.PublicKey)
}

func sign(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, gasPrice int64, value int64) storage.SignedTx {
	t.Helper()

	tx := storage.NewTx(nonce, big.NewInt(gasPrice), 21_000, &toAddress, big.NewInt(value), nil)
	signed, err := tx.Sign(key, chainID)
	require.NoError(t, err)

	return signed
}

func newMiner(t *testing.T, funded ...common.Address) (*miner.Miner, *accounts.Accounts, *[]miner.Failure) {
	t.Helper()

	acc := accounts.New(trie.NewEphemeral())
	for _, address := range funded {
		require.NoError(t, acc.Put(address, storage.NewAccount(big.NewInt(10_000_000), 0)))
	}

	machine := vm.New(vm.Config{ChainID: chainID, Accounts: acc})

	var failures []miner.Failure
	m := miner.New(miner.Config{
		Machine:   machine,
		Accounts:  acc,
		OnFailure: func(f miner.Failure) { failures = append(failures, f) },
	})

	return m, acc, &failures
}

func header() storage.BlockHeader {
	return storage.BlockHeader{
		Number:    1,
		Coinbase:  coinbase,
		TimeStamp: 1577836800,
		GasLimit:  6_000_000,
	}
}

// =============================================================================

func TestPriceFirstInterleaving(t *testing.T) {
	keyA, fromA := newKey(t)
	keyB, fromB := newKey(t)
	m, _, _ := newMiner(t, fromA, fromB)

	executables := map[common.Address][]storage.SignedTx{
		fromA: {sign(t, keyA, 0, 10, 1), sign(t, keyA, 1, 50, 1)},
		fromB: {sign(t, keyB, 0, 30, 1)},
	}

	data, err := m.Mine(executables, header(), -1)
	require.NoError(t, err)
	require.Len(t, data.Transactions, 3)

	// B's 30 beats A's head at 10 even though A holds the overall
	// highest price at a later nonce; A's nonces stay ascending.
	froms := make([]common.Address, 0, 3)
	for _, tx := range data.Transactions {
		from, err := tx.From(chainID)
		require.NoError(t, err)
		froms = append(froms, from)
	}
	require.Equal(t, []common.Address{fromB, fromA, fromA}, froms)
	require.Equal(t, uint64(0), data.Transactions[1].Nonce)
	require.Equal(t, uint64(1), data.Transactions[2].Nonce)
}

func TestMaxTransactionsCap(t *testing.T) {
	keyA, fromA := newKey(t)
	m, _, _ := newMiner(t, fromA)

	executables := map[common.Address][]storage.SignedTx{
		fromA: {sign(t, keyA, 0, 1, 1), sign(t, keyA, 1, 1, 1), sign(t, keyA, 2, 1, 1)},
	}

	data, err := m.Mine(executables, header(), 1)
	require.NoError(t, err)
	require.Len(t, data.Transactions, 1)
	require.Equal(t, uint64(21_000), data.GasUsed)
}

func TestEmptyBlock(t *testing.T) {
	m, _, _ := newMiner(t)

	data, err := m.Mine(nil, header(), -1)
	require.NoError(t, err)
	require.Empty(t, data.Transactions)
	require.Equal(t, trie.EmptyRoot, data.TransactionsTrie)
	require.Equal(t, trie.EmptyRoot, data.ReceiptTrie)
}

func TestFailureDoesNotAbortBlock(t *testing.T) {
	keyA, fromA := newKey(t)
	keyB, fromB := newKey(t)
	m, acc, failures := newMiner(t, fromA, fromB)

	// A's first transfer drains the balance so the second cannot pay.
	drain := storage.NewTx(0, big.NewInt(1), 21_000, &toAddress, big.NewInt(9_900_000), nil)
	drainSigned, err := drain.Sign(keyA, chainID)
	require.NoError(t, err)

	executables := map[common.Address][]storage.SignedTx{
		fromA: {drainSigned, sign(t, keyA, 1, 1, 1_000_000)},
		fromB: {sign(t, keyB, 0, 1, 10)},
	}

	rootBefore := acc.Root()

	data, err := m.Mine(executables, header(), -1)
	require.NoError(t, err)

	require.Len(t, data.Transactions, 2)
	require.Len(t, data.Receipts, 2)
	require.Len(t, *failures, 1)
	require.Equal(t, uint64(1), (*failures)[0].Nonce)

	// The two successful transactions landed in state.
	require.NotEqual(t, rootBefore, acc.Root())
	balance, err := acc.Balance(toAddress)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(9_900_010), balance)

	// Cumulative gas reflects the successes only.
	require.Equal(t, uint64(42_000), data.GasUsed)
	require.Equal(t, uint64(42_000), data.Receipts[1].CumulativeGasUsed)
}
