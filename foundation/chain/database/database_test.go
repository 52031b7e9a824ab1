package database_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simchain/simchain/foundation/chain/database"
)

func openDB(t *testing.T) *database.Database {
	t.Helper()

	db, err := database.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	<-db.Ready()

	return db
}

func TestPutGetDelete(t *testing.T) {
	db := openDB(t)

	_, err := db.Get(database.KeyspaceBlocks, []byte("missing"))
	require.ErrorIs(t, err, database.ErrNotFound)

	require.NoError(t, db.Put(database.KeyspaceBlocks, []byte("k"), []byte("v")))

	v, err := db.Get(database.KeyspaceBlocks, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, db.Delete(database.KeyspaceBlocks, []byte("k")))
	_, err = db.Get(database.KeyspaceBlocks, []byte("k"))
	require.ErrorIs(t, err, database.ErrNotFound)
}

func TestKeyspacesAreSeparate(t *testing.T) {
	db := openDB(t)

	require.NoError(t, db.Put(database.KeyspaceBlocks, []byte("k"), []byte("block")))
	require.NoError(t, db.Put(database.KeyspaceTrie, []byte("k"), []byte("node")))

	v, err := db.Get(database.KeyspaceBlocks, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("block"), v)

	v, err = db.Get(database.KeyspaceTrie, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("node"), v)

	_, err = db.Get(database.KeyspaceReceipts, []byte("k"))
	require.ErrorIs(t, err, database.ErrNotFound)
}

func TestBatchAtomicMix(t *testing.T) {
	db := openDB(t)

	require.NoError(t, db.Put(database.KeyspaceTransactions, []byte("old"), []byte("x")))

	batch := db.NewBatch()
	batch.Put(database.KeyspaceBlocks, []byte("b1"), []byte("block-1"))
	batch.Put(database.KeyspaceReceipts, []byte("r1"), []byte("receipt-1"))
	batch.Delete(database.KeyspaceTransactions, []byte("old"))
	require.Equal(t, 3, batch.Len())

	require.NoError(t, db.Write(batch))

	v, err := db.Get(database.KeyspaceBlocks, []byte("b1"))
	require.NoError(t, err)
	require.Equal(t, []byte("block-1"), v)

	v, err = db.Get(database.KeyspaceReceipts, []byte("r1"))
	require.NoError(t, err)
	require.Equal(t, []byte("receipt-1"), v)

	_, err = db.Get(database.KeyspaceTransactions, []byte("old"))
	require.ErrorIs(t, err, database.ErrNotFound)
}

func TestLastWithPrefix(t *testing.T) {
	db := openDB(t)

	require.NoError(t, db.Put(database.KeyspaceBlocks, []byte("n\x00\x01"), []byte("one")))
	require.NoError(t, db.Put(database.KeyspaceBlocks, []byte("n\x00\x07"), []byte("seven")))
	require.NoError(t, db.Put(database.KeyspaceBlocks, []byte("n\x00\x03"), []byte("three")))
	require.NoError(t, db.Put(database.KeyspaceBlocks, []byte("z"), []byte("other")))

	key, val, err := db.LastWithPrefix(database.KeyspaceBlocks, []byte("n"))
	require.NoError(t, err)
	require.Equal(t, []byte("n\x00\x07"), key)
	require.Equal(t, []byte("seven"), val)

	_, _, err = db.LastWithPrefix(database.KeyspaceBlocks, []byte("q"))
	require.ErrorIs(t, err, database.ErrNotFound)

	count, err := db.CountWithPrefix(database.KeyspaceBlocks, []byte("n"))
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestReopenPersists(t *testing.T) {
	path := t.TempDir() + "/chain.db"

	db, err := database.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Put(database.KeyspaceBlocks, []byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	db, err = database.Open(path)
	require.NoError(t, err)
	defer db.Close()

	v, err := db.Get(database.KeyspaceBlocks, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}
