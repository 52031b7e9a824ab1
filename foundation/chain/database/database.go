// Package database provides the ordered byte-key store the chain persists
// into. Each logical keyspace is a bolt bucket and multi-key writes commit
// atomically through a batch.
package database

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a key does not exist in a keyspace.
var ErrNotFound = errors.New("not found")

// Keyspace identifies one of the logical sub-stores of the database.
type Keyspace string

// The set of keyspaces the chain persists into.
const (
	KeyspaceBlocks       Keyspace = "blocks"
	KeyspaceBlockLogs    Keyspace = "blockLogs"
	KeyspaceTransactions Keyspace = "transactions"
	KeyspaceReceipts     Keyspace = "transactionReceipts"
	KeyspaceTrie         Keyspace = "trie"
)

// keyspaces lists every bucket created at open time.
var keyspaces = []Keyspace{
	KeyspaceBlocks,
	KeyspaceBlockLogs,
	KeyspaceTransactions,
	KeyspaceReceipts,
	KeyspaceTrie,
}

// =============================================================================

// Database manages the bolt file backing the chain.
type Database struct {
	db    *bolt.DB
	path  string
	temp  bool
	ready chan struct{}
}

// Open creates or opens the database at the specified path. An empty path
// opens a throwaway file that is removed on close, which gives the simulator
// its in-memory mode. The returned database signals Ready once every
// keyspace exists.
func Open(path string) (*Database, error) {
	temp := path == ""
	if temp {
		f, err := os.CreateTemp("", "chain-*.db")
		if err != nil {
			return nil, fmt.Errorf("creating temp database: %w", err)
		}
		path = f.Name()
		f.Close()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, ks := range keyspaces {
			if _, err := tx.CreateBucketIfNotExists([]byte(ks)); err != nil {
				return fmt.Errorf("creating keyspace %q: %w", ks, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	d := Database{
		db:    db,
		path:  path,
		temp:  temp,
		ready: make(chan struct{}),
	}
	close(d.ready)

	return &d, nil
}

// Ready returns a channel that is closed once the database is open and all
// keyspaces exist.
func (d *Database) Ready() <-chan struct{} {
	return d.ready
}

// Close releases the underlying bolt file. A throwaway file is removed.
func (d *Database) Close() error {
	err := d.db.Close()
	if d.temp {
		os.Remove(d.path)
	}
	return err
}

// =============================================================================

// Get reads the value stored under the key in the keyspace.
func (d *Database) Get(ks Keyspace, key []byte) ([]byte, error) {
	var value []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(ks)).Get(key)
		if v == nil {
			return ErrNotFound
		}
		value = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// Put stores the value under the key in the keyspace.
func (d *Database) Put(ks Keyspace, key []byte, value []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ks)).Put(key, value)
	})
}

// Delete removes the key from the keyspace. Deleting a missing key is
// not an error.
func (d *Database) Delete(ks Keyspace, key []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ks)).Delete(key)
	})
}

// LastWithPrefix walks the keyspace and returns the highest key carrying the
// prefix along with its value.
func (d *Database) LastWithPrefix(ks Keyspace, prefix []byte) ([]byte, []byte, error) {
	var key, value []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(ks)).Cursor()

		// Seek to the first key past the prefix range and step back.
		end := append(bytes.Clone(prefix), 0xff)
		k, v := c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}

		if k == nil || !bytes.HasPrefix(k, prefix) {
			return ErrNotFound
		}

		key = bytes.Clone(k)
		value = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return key, value, nil
}

// CountWithPrefix reports how many keys in the keyspace carry the prefix.
func (d *Database) CountWithPrefix(ks Keyspace, prefix []byte) (int, error) {
	var count int
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(ks)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// =============================================================================

// op is a single staged mutation.
type op struct {
	ks     Keyspace
	key    []byte
	value  []byte
	delete bool
}

// Batch accumulates mutations across keyspaces for one atomic commit.
type Batch struct {
	ops []op
}

// NewBatch constructs an empty batch.
func (d *Database) NewBatch() *Batch {
	return &Batch{}
}

// Put stages a write into the batch.
func (b *Batch) Put(ks Keyspace, key []byte, value []byte) {
	b.ops = append(b.ops, op{ks: ks, key: bytes.Clone(key), value: bytes.Clone(value)})
}

// Delete stages a removal into the batch.
func (b *Batch) Delete(ks Keyspace, key []byte) {
	b.ops = append(b.ops, op{ks: ks, key: bytes.Clone(key), delete: true})
}

// Len reports the number of staged mutations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Write applies every staged mutation inside a single bolt update so the
// batch commits atomically or not at all.
func (d *Database) Write(b *Batch) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, op := range b.ops {
			bkt := tx.Bucket([]byte(op.ks))
			if op.delete {
				if err := bkt.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := bkt.Put(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
}
