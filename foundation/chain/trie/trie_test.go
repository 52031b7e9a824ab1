package trie_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simchain/simchain/foundation/chain/database"
	"github.com/simchain/simchain/foundation/chain/trie"
)

func openDB(t *testing.T) *database.Database {
	t.Helper()

	db, err := database.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func TestEmptyRoot(t *testing.T) {
	tr := trie.NewEphemeral()
	require.Equal(t, trie.EmptyRoot, tr.Root())
}

func TestPutGetRoundTrip(t *testing.T) {
	tr := trie.NewEphemeral()

	require.NoError(t, tr.Put([]byte("doe"), []byte("reindeer")))
	require.NoError(t, tr.Put([]byte("dog"), []byte("puppy")))
	require.NoError(t, tr.Put([]byte("dogglesworth"), []byte("cat")))

	v, err := tr.Get([]byte("dog"))
	require.NoError(t, err)
	require.Equal(t, []byte("puppy"), v)

	v, err = tr.Get([]byte("doe"))
	require.NoError(t, err)
	require.Equal(t, []byte("reindeer"), v)

	v, err = tr.Get([]byte("unknown"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestRootDeterminism(t *testing.T) {
	build := func(order []int) trie.Trie {
		tr := trie.NewEphemeral()
		for _, i := range order {
			key := fmt.Sprintf("key-%d", i)
			val := fmt.Sprintf("val-%d", i)
			require.NoError(t, tr.Put([]byte(key), []byte(val)))
		}
		return *tr
	}

	a := build([]int{0, 1, 2, 3, 4, 5, 6, 7})
	b := build([]int{7, 3, 5, 1, 6, 0, 2, 4})

	require.Equal(t, a.Root(), b.Root())
}

func TestDeleteRestoresRoot(t *testing.T) {
	tr := trie.NewEphemeral()

	require.NoError(t, tr.Put([]byte("alpha"), []byte("1")))
	before := tr.Root()

	require.NoError(t, tr.Put([]byte("beta"), []byte("2")))
	require.NotEqual(t, before, tr.Root())

	require.NoError(t, tr.Delete([]byte("beta")))
	require.Equal(t, before, tr.Root())

	require.NoError(t, tr.Delete([]byte("alpha")))
	require.Equal(t, trie.EmptyRoot, tr.Root())
}

func TestCheckpointRevert(t *testing.T) {
	tr := trie.NewEphemeral()

	require.NoError(t, tr.Put([]byte("account-a"), []byte("100")))
	base := tr.Root()

	tr.Checkpoint()
	require.True(t, tr.InCheckpoint())
	require.NoError(t, tr.Put([]byte("account-a"), []byte("50")))
	require.NoError(t, tr.Put([]byte("account-b"), []byte("50")))
	require.NotEqual(t, base, tr.Root())

	require.NoError(t, tr.Revert())
	require.False(t, tr.InCheckpoint())
	require.Equal(t, base, tr.Root())

	v, err := tr.Get([]byte("account-a"))
	require.NoError(t, err)
	require.Equal(t, []byte("100"), v)
}

func TestCheckpointCommitKeeps(t *testing.T) {
	tr := trie.NewEphemeral()

	tr.Checkpoint()
	require.NoError(t, tr.Put([]byte("account-a"), []byte("100")))
	require.NoError(t, tr.Commit())

	v, err := tr.Get([]byte("account-a"))
	require.NoError(t, err)
	require.Equal(t, []byte("100"), v)
}

func TestNestedCheckpoints(t *testing.T) {
	tr := trie.NewEphemeral()
	require.NoError(t, tr.Put([]byte("k"), []byte("v0")))
	root0 := tr.Root()

	tr.Checkpoint()
	require.NoError(t, tr.Put([]byte("k"), []byte("v1")))
	root1 := tr.Root()

	tr.Checkpoint()
	require.NoError(t, tr.Put([]byte("k"), []byte("v2")))

	require.NoError(t, tr.Revert())
	require.Equal(t, root1, tr.Root())

	require.NoError(t, tr.Revert())
	require.Equal(t, root0, tr.Root())
}

func TestPersistAndSetRoot(t *testing.T) {
	db := openDB(t)

	tr, err := trie.New(db, trie.EmptyRoot)
	require.NoError(t, err)

	require.NoError(t, tr.Put([]byte("account-a"), []byte("100")))
	batch := db.NewBatch()
	rootA := tr.Persist(batch)
	require.NoError(t, db.Write(batch))

	require.NoError(t, tr.Put([]byte("account-b"), []byte("50")))
	batch = db.NewBatch()
	rootB := tr.Persist(batch)
	require.NoError(t, db.Write(batch))
	require.NotEqual(t, rootA, rootB)

	// Roll the trie back to the first persisted root.
	require.NoError(t, tr.SetRoot(rootA))
	require.Equal(t, rootA, tr.Root())

	v, err := tr.Get([]byte("account-a"))
	require.NoError(t, err)
	require.Equal(t, []byte("100"), v)

	v, err = tr.Get([]byte("account-b"))
	require.NoError(t, err)
	require.Nil(t, v)

	// A fresh trie over the same database resolves both roots.
	fresh, err := trie.New(db, rootB)
	require.NoError(t, err)
	v, err = fresh.Get([]byte("account-b"))
	require.NoError(t, err)
	require.Equal(t, []byte("50"), v)
}

func TestSetRootFailsInCheckpoint(t *testing.T) {
	db := openDB(t)

	tr, err := trie.New(db, trie.EmptyRoot)
	require.NoError(t, err)

	require.NoError(t, tr.Put([]byte("k"), []byte("v")))
	batch := db.NewBatch()
	root := tr.Persist(batch)
	require.NoError(t, db.Write(batch))

	tr.Checkpoint()
	require.ErrorIs(t, tr.SetRoot(root), trie.ErrCheckpointOpen)
	require.NoError(t, tr.Revert())
	require.NoError(t, tr.SetRoot(root))
}

func TestForkIsolation(t *testing.T) {
	tr := trie.NewEphemeral()
	require.NoError(t, tr.Put([]byte("k"), []byte("v0")))
	base := tr.Root()

	fork := tr.Fork()
	require.NoError(t, fork.Put([]byte("k"), []byte("v1")))

	require.Equal(t, base, tr.Root())
	require.NotEqual(t, base, fork.Root())

	v, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v0"), v)
}
