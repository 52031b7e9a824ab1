package storage_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/simchain/simchain/foundation/chain/database"
	"github.com/simchain/simchain/foundation/chain/storage"
	"github.com/simchain/simchain/foundation/chain/trie"
)

const chainID = 1337

func openDB(t *testing.T) *database.Database {
	t.Helper()

	db, err := database.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func signedTx(t *testing.T) (storage.SignedTx, common.Address) {
	t.Helper()

	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(privateKey.PublicKey)

	to := common.HexToAddress("0xbEE6ACE826eC3DE1B6349888B9151B92522F7F76")
	tx := storage.NewTx(0, big.NewInt(1), 21_000, &to, big.NewInt(10), nil)

	signed, err := tx.Sign(privateKey, chainID)
	require.NoError(t, err)

	return signed, from
}

// =============================================================================

func TestTxSignRecover(t *testing.T) {
	tx, from := signedTx(t)

	require.NoError(t, tx.Validate(chainID))

	recovered, err := tx.From(chainID)
	require.NoError(t, err)
	require.Equal(t, from, recovered)

	// A different chain id recovers a different signer or fails outright.
	other, err := tx.From(chainID + 1)
	if err == nil {
		require.NotEqual(t, from, other)
	}
}

func TestTxRLPRoundTrip(t *testing.T) {
	tx, _ := signedTx(t)

	data, err := tx.Serialize()
	require.NoError(t, err)

	back, err := storage.DeserializeTx(data)
	require.NoError(t, err)

	again, err := back.Serialize()
	require.NoError(t, err)
	require.Equal(t, data, again)
	require.Equal(t, tx.Hash(), back.Hash())
}

func TestStoredTxCarriesBlockContext(t *testing.T) {
	tx, _ := signedTx(t)

	blockHash := common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000001")
	st := storage.NewStoredTx(tx, blockHash, 7, 2)

	data, err := st.Serialize()
	require.NoError(t, err)

	back, err := storage.DeserializeStoredTx(data)
	require.NoError(t, err)
	require.Equal(t, blockHash, back.BlockHash)
	require.Equal(t, uint64(7), back.BlockNumber)
	require.Equal(t, uint64(2), back.TxIndex)
	require.Equal(t, tx.Hash(), back.Tx().Hash())
}

func TestReceiptSerializeRoundTrip(t *testing.T) {
	receipt := storage.Receipt{
		Status:            storage.ReceiptStatusSuccessful,
		GasUsed:           21_000,
		CumulativeGasUsed: 42_000,
		Logs: []storage.Log{
			{
				Address: common.HexToAddress("0xbEE6ACE826eC3DE1B6349888B9151B92522F7F76"),
				Topics:  []common.Hash{crypto.Keccak256Hash([]byte("topic"))},
				Data:    []byte{0x01, 0x02},
			},
		},
	}

	full, err := receipt.Serialize(true)
	require.NoError(t, err)

	back, err := storage.DeserializeReceipt(full)
	require.NoError(t, err)
	require.Equal(t, receipt, back)

	// The trie form drops the logs and is therefore shorter.
	slim, err := receipt.Serialize(false)
	require.NoError(t, err)
	require.Less(t, len(slim), len(full))
}

func TestBlockLogsRoundTrip(t *testing.T) {
	var bl storage.BlockLogs
	bl.BlockNumber = 3
	bl.Append(0, common.HexToHash("0x01"), storage.Log{Data: []byte("a")})
	bl.Append(1, common.HexToHash("0x02"), storage.Log{Data: []byte("b")})

	data, err := bl.Serialize()
	require.NoError(t, err)

	back, err := storage.DeserializeBlockLogs(data)
	require.NoError(t, err)
	require.Equal(t, bl.BlockNumber, back.BlockNumber)
	require.Len(t, back.Entries, 2)
	require.Equal(t, uint64(1), back.Entries[1].TxIndex)
}

// =============================================================================

func TestBlockManagerDualKeys(t *testing.T) {
	db := openDB(t)

	bm, err := storage.NewBlockManager(db)
	require.NoError(t, err)

	tx, _ := signedTx(t)
	block := storage.Block{
		Header: storage.BlockHeader{
			ParentHash: common.HexToHash("0x01"),
			Number:     1,
			TimeStamp:  1577836800,
			GasLimit:   6_000_000,
			StateRoot:  trie.EmptyRoot,
		},
		Transactions: []storage.SignedTx{tx},
	}

	batch := db.NewBatch()
	require.NoError(t, bm.Put(batch, block))
	require.NoError(t, db.Write(batch))

	byNumber, err := bm.GetByNumber(1)
	require.NoError(t, err)
	byHash, err := bm.GetByHash(block.Hash())
	require.NoError(t, err)

	// Retrieval by number and by hash returns byte-identical records.
	n, err := byNumber.Serialize()
	require.NoError(t, err)
	h, err := byHash.Serialize()
	require.NoError(t, err)
	want, err := block.Serialize()
	require.NoError(t, err)
	require.Equal(t, want, n)
	require.Equal(t, want, h)

	latest, err := bm.Latest()
	require.NoError(t, err)
	require.Equal(t, block.Hash(), latest.Hash())

	batch = db.NewBatch()
	bm.Delete(batch, block)
	require.NoError(t, db.Write(batch))

	_, err = bm.GetByNumber(1)
	require.ErrorIs(t, err, database.ErrNotFound)
	_, err = bm.GetByHash(block.Hash())
	require.ErrorIs(t, err, database.ErrNotFound)
}

func TestLatestPicksHighestNumber(t *testing.T) {
	db := openDB(t)

	bm, err := storage.NewBlockManager(db)
	require.NoError(t, err)

	batch := db.NewBatch()
	for i := uint64(0); i < 5; i++ {
		block := storage.Block{Header: storage.BlockHeader{Number: i, GasLimit: 1}}
		require.NoError(t, bm.Put(batch, block))
	}
	require.NoError(t, db.Write(batch))

	latest, err := bm.Latest()
	require.NoError(t, err)
	require.Equal(t, uint64(4), latest.Header.Number)
}

func TestTransactionAndReceiptManagers(t *testing.T) {
	db := openDB(t)

	tm := storage.NewTransactionManager(db)
	rm := storage.NewReceiptManager(db)

	tx, _ := signedTx(t)
	txHash := tx.Hash()

	batch := db.NewBatch()
	require.NoError(t, tm.Put(batch, storage.NewStoredTx(tx, common.HexToHash("0x02"), 1, 0)))
	require.NoError(t, rm.Put(batch, txHash, storage.Receipt{Status: 1, GasUsed: 21_000, CumulativeGasUsed: 21_000}))
	require.NoError(t, db.Write(batch))

	st, err := tm.Get(txHash)
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.BlockNumber)

	receipt, err := rm.Get(txHash)
	require.NoError(t, err)
	require.Equal(t, uint64(21_000), receipt.GasUsed)

	batch = db.NewBatch()
	tm.Delete(batch, txHash)
	rm.Delete(batch, txHash)
	require.NoError(t, db.Write(batch))

	_, err = tm.Get(txHash)
	require.ErrorIs(t, err, database.ErrNotFound)
	_, err = rm.Get(txHash)
	require.ErrorIs(t, err, database.ErrNotFound)
}
