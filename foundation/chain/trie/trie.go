// Package trie implements the checkpointable Merkle Patricia trie the world
// state is kept in. Nodes are RLP encoded and referenced by their keccak
// hash inside the database trie keyspace. Mutations are copy-on-write so a
// checkpoint is nothing more than a saved root.
package trie

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/simchain/simchain/foundation/chain/database"
)

// EmptyRoot is the known root hash of an empty trie.
var EmptyRoot = common.HexToHash("56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421")

// ErrCheckpointOpen is returned when the root is replaced while a
// checkpoint is still open.
var ErrCheckpointOpen = errors.New("checkpoint open")

// =============================================================================

// node is one of fullNode, shortNode, hashNode or valueNode.
type node any

type (
	fullNode struct {
		Children [17]node
	}
	shortNode struct {
		Key []byte // hex nibbles, terminator included for leaves
		Val node
	}
	hashNode  []byte
	valueNode []byte
)

// =============================================================================

// Trie manages a single Merkle Patricia trie over the database trie
// keyspace. A nil database gives an ephemeral trie used for the per-block
// transaction and receipt tries.
type Trie struct {
	db          *database.Database
	root        node
	dirty       map[common.Hash][]byte
	checkpoints []node
}

// New constructs a trie rooted at the specified hash. The root must be the
// empty root or resolvable from the database.
func New(db *database.Database, root common.Hash) (*Trie, error) {
	t := Trie{
		db:    db,
		dirty: make(map[common.Hash][]byte),
	}

	if root != EmptyRoot && root != (common.Hash{}) {
		if _, err := t.nodeBytes(root); err != nil {
			return nil, fmt.Errorf("root %s: %w", root, err)
		}
		t.root = hashNode(root.Bytes())
	}

	return &t, nil
}

// NewEphemeral constructs an in-memory trie with no backing store.
func NewEphemeral() *Trie {
	return &Trie{
		dirty: make(map[common.Hash][]byte),
	}
}

// =============================================================================

// Get returns the value stored under the key, or nil when absent.
func (t *Trie) Get(key []byte) ([]byte, error) {
	v, err := t.get(t.root, keybytesToHex(key))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}

	return bytes.Clone(v), nil
}

// Put stores the value under the key.
func (t *Trie) Put(key []byte, value []byte) error {
	if len(value) == 0 {
		return t.Delete(key)
	}

	n, err := t.insert(t.root, keybytesToHex(key), valueNode(bytes.Clone(value)))
	if err != nil {
		return err
	}
	t.root = n

	return nil
}

// Delete removes the key from the trie.
func (t *Trie) Delete(key []byte) error {
	n, err := t.remove(t.root, keybytesToHex(key))
	if err != nil {
		return err
	}
	t.root = n

	return nil
}

// Root hashes the trie and returns the current root. The encoded nodes are
// retained in memory until Persist stages them for storage.
func (t *Trie) Root() common.Hash {
	if t.root == nil {
		return EmptyRoot
	}
	if h, ok := t.root.(hashNode); ok {
		return common.BytesToHash(h)
	}

	enc := t.encode(t.root)
	h := crypto.Keccak256Hash(enc)
	t.dirty[h] = enc

	return h
}

// Persist hashes the trie and stages every node produced since the last
// persist into the batch. The root is returned.
func (t *Trie) Persist(batch *database.Batch) common.Hash {
	root := t.Root()

	for h, enc := range t.dirty {
		batch.Put(database.KeyspaceTrie, h.Bytes(), enc)
	}
	t.dirty = make(map[common.Hash][]byte)

	// Collapse the in-memory tree so subsequent reads resolve through
	// the freshly persisted nodes.
	if root != EmptyRoot {
		t.root = hashNode(root.Bytes())
	}

	return root
}

// SetRoot abandons the current contents and re-roots the trie at a
// previously persisted root. It fails while a checkpoint is open.
func (t *Trie) SetRoot(root common.Hash) error {
	if t.InCheckpoint() {
		return ErrCheckpointOpen
	}

	if root == EmptyRoot || root == (common.Hash{}) {
		t.root = nil
		return nil
	}

	if _, err := t.nodeBytes(root); err != nil {
		return fmt.Errorf("root %s: %w", root, err)
	}
	t.root = hashNode(root.Bytes())

	return nil
}

// Fork returns an independent trie over the same backing store at the
// current root. The copy-on-write node tree makes the fork cheap: both
// tries share structure until either mutates.
func (t *Trie) Fork() *Trie {
	dirty := make(map[common.Hash][]byte, len(t.dirty))
	for h, enc := range t.dirty {
		dirty[h] = enc
	}

	return &Trie{
		db:    t.db,
		root:  t.root,
		dirty: dirty,
	}
}

// =============================================================================

// Checkpoint saves the current root so the trie can be rolled back.
// Checkpoints nest.
func (t *Trie) Checkpoint() {
	t.checkpoints = append(t.checkpoints, t.root)
}

// Commit discards the most recent checkpoint, keeping the mutations made
// since it was taken.
func (t *Trie) Commit() error {
	if !t.InCheckpoint() {
		return errors.New("no checkpoint to commit")
	}
	t.checkpoints = t.checkpoints[:len(t.checkpoints)-1]

	return nil
}

// Revert rolls the trie back to the most recent checkpoint.
func (t *Trie) Revert() error {
	if !t.InCheckpoint() {
		return errors.New("no checkpoint to revert")
	}
	t.root = t.checkpoints[len(t.checkpoints)-1]
	t.checkpoints = t.checkpoints[:len(t.checkpoints)-1]

	return nil
}

// InCheckpoint reports whether at least one checkpoint is open.
func (t *Trie) InCheckpoint() bool {
	return len(t.checkpoints) > 0
}

// =============================================================================

// get walks the trie for the hex key.
func (t *Trie) get(n node, key []byte) ([]byte, error) {
	switch n := n.(type) {
	case nil:
		return nil, nil

	case valueNode:
		return n, nil

	case *shortNode:
		if len(key) < len(n.Key) || !bytes.Equal(n.Key, key[:len(n.Key)]) {
			return nil, nil
		}
		return t.get(n.Val, key[len(n.Key):])

	case *fullNode:
		if len(key) == 0 {
			return t.get(n.Children[16], key)
		}
		return t.get(n.Children[key[0]], key[1:])

	case hashNode:
		rn, err := t.resolve(n)
		if err != nil {
			return nil, err
		}
		return t.get(rn, key)
	}

	return nil, fmt.Errorf("unknown node type %T", n)
}

// insert adds the value under the hex key, returning the replacement node.
// Existing nodes are never mutated.
func (t *Trie) insert(n node, key []byte, value node) (node, error) {
	if len(key) == 0 {
		return value, nil
	}

	switch n := n.(type) {
	case nil:
		return &shortNode{Key: key, Val: value}, nil

	case *shortNode:
		match := prefixLen(key, n.Key)

		// The keys share the whole short node key. Descend.
		if match == len(n.Key) {
			child, err := t.insert(n.Val, key[match:], value)
			if err != nil {
				return nil, err
			}
			return &shortNode{Key: n.Key, Val: child}, nil
		}

		// The keys diverge. Split into a branch.
		branch := &fullNode{}

		existingKey := n.Key[match:]
		if len(existingKey) == 1 {
			branch.Children[existingKey[0]] = n.Val
		} else {
			branch.Children[existingKey[0]] = &shortNode{Key: existingKey[1:], Val: n.Val}
		}

		child, err := t.insert(nil, key[match+1:], value)
		if err != nil {
			return nil, err
		}
		branch.Children[key[match]] = child

		if match == 0 {
			return branch, nil
		}
		return &shortNode{Key: key[:match], Val: branch}, nil

	case *fullNode:
		child, err := t.insert(n.Children[key[0]], key[1:], value)
		if err != nil {
			return nil, err
		}
		cpy := *n
		cpy.Children[key[0]] = child
		return &cpy, nil

	case hashNode:
		rn, err := t.resolve(n)
		if err != nil {
			return nil, err
		}
		return t.insert(rn, key, value)
	}

	return nil, fmt.Errorf("unknown node type %T", n)
}

// remove deletes the hex key, returning the replacement node.
func (t *Trie) remove(n node, key []byte) (node, error) {
	switch n := n.(type) {
	case nil:
		return nil, nil

	case valueNode:
		return nil, nil

	case *shortNode:
		match := prefixLen(key, n.Key)
		if match < len(n.Key) {
			return n, nil
		}
		if len(key) == len(n.Key) {
			return nil, nil
		}

		child, err := t.remove(n.Val, key[len(n.Key):])
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, nil
		}

		// Merge a child short node into this one to keep the trie canonical.
		if child, ok := child.(*shortNode); ok {
			return &shortNode{Key: concat(n.Key, child.Key), Val: child.Val}, nil
		}
		return &shortNode{Key: n.Key, Val: child}, nil

	case *fullNode:
		idx := 16
		rest := key
		if len(key) > 0 {
			idx = int(key[0])
			rest = key[1:]
		}

		child, err := t.remove(n.Children[idx], rest)
		if err != nil {
			return nil, err
		}
		cpy := *n
		cpy.Children[idx] = child

		// Count the remaining children. More than one keeps the branch.
		pos := -1
		for i, c := range cpy.Children {
			if c == nil {
				continue
			}
			if pos != -1 {
				return &cpy, nil
			}
			pos = i
		}

		switch {
		case pos == -1:
			return nil, nil

		case pos == 16:
			return &shortNode{Key: []byte{16}, Val: cpy.Children[16]}, nil

		default:
			// A single non-value child collapses into a short node.
			only := cpy.Children[pos]
			if h, ok := only.(hashNode); ok {
				if only, err = t.resolve(h); err != nil {
					return nil, err
				}
			}
			if only, ok := only.(*shortNode); ok {
				return &shortNode{Key: concat([]byte{byte(pos)}, only.Key), Val: only.Val}, nil
			}
			return &shortNode{Key: []byte{byte(pos)}, Val: only}, nil
		}

	case hashNode:
		rn, err := t.resolve(n)
		if err != nil {
			return nil, err
		}
		return t.remove(rn, key)
	}

	return nil, fmt.Errorf("unknown node type %T", n)
}

// =============================================================================

// encode produces the RLP encoding of the node, recursively hashing
// children whose encoding reaches 32 bytes.
func (t *Trie) encode(n node) []byte {
	switch n := n.(type) {
	case *shortNode:
		items := []rlp.RawValue{
			encodeBytes(hexToCompact(n.Key)),
			t.encodeRef(n.Val),
		}
		enc, _ := rlp.EncodeToBytes(items)
		return enc

	case *fullNode:
		items := make([]rlp.RawValue, 17)
		for i, c := range n.Children {
			items[i] = t.encodeRef(c)
		}
		enc, _ := rlp.EncodeToBytes(items)
		return enc

	case valueNode:
		return encodeBytes(n)
	}

	return nil
}

// encodeRef produces the reference encoding for a child node: embedded when
// under 32 bytes, a hash reference otherwise.
func (t *Trie) encodeRef(n node) rlp.RawValue {
	switch n := n.(type) {
	case nil:
		return rlp.RawValue{0x80}

	case hashNode:
		return encodeBytes(n)

	case valueNode:
		return encodeBytes(n)

	default:
		enc := t.encode(n)
		if len(enc) < 32 {
			return enc
		}
		h := crypto.Keccak256Hash(enc)
		t.dirty[h] = enc
		return encodeBytes(h.Bytes())
	}
}

// encodeBytes is the RLP string encoding of raw bytes.
func encodeBytes(b []byte) rlp.RawValue {
	enc, _ := rlp.EncodeToBytes(b)
	return enc
}

// =============================================================================

// resolve loads and decodes the node behind a hash reference.
func (t *Trie) resolve(h hashNode) (node, error) {
	enc, err := t.nodeBytes(common.BytesToHash(h))
	if err != nil {
		return nil, err
	}

	return decodeNode(enc)
}

// nodeBytes reads an encoded node from the unpersisted set or the database.
func (t *Trie) nodeBytes(h common.Hash) ([]byte, error) {
	if enc, exists := t.dirty[h]; exists {
		return enc, nil
	}
	if t.db == nil {
		return nil, fmt.Errorf("missing trie node %s", h)
	}

	enc, err := t.db.Get(database.KeyspaceTrie, h.Bytes())
	if err != nil {
		return nil, fmt.Errorf("missing trie node %s: %w", h, err)
	}

	return enc, nil
}

// decodeNode turns an RLP encoding back into a node.
func decodeNode(buf []byte) (node, error) {
	elems, _, err := rlp.SplitList(buf)
	if err != nil {
		return nil, err
	}

	count, err := rlp.CountValues(elems)
	if err != nil {
		return nil, err
	}

	switch count {
	case 2:
		kbuf, rest, err := rlp.SplitString(elems)
		if err != nil {
			return nil, err
		}
		key := compactToHex(kbuf)

		if hasTerm(key) {
			val, _, err := rlp.SplitString(rest)
			if err != nil {
				return nil, err
			}
			return &shortNode{Key: key, Val: valueNode(bytes.Clone(val))}, nil
		}

		val, err := decodeRef(rest)
		if err != nil {
			return nil, err
		}
		return &shortNode{Key: key, Val: val}, nil

	case 17:
		n := &fullNode{}
		rest := elems
		for i := 0; i < 16; i++ {
			var raw rlp.RawValue
			raw, rest, err = splitRaw(rest)
			if err != nil {
				return nil, err
			}
			if n.Children[i], err = decodeRef(raw); err != nil {
				return nil, err
			}
		}
		val, _, err := rlp.SplitString(rest)
		if err != nil {
			return nil, err
		}
		if len(val) > 0 {
			n.Children[16] = valueNode(bytes.Clone(val))
		}
		return n, nil
	}

	return nil, fmt.Errorf("invalid node list size %d", count)
}

// decodeRef turns a child reference back into a node.
func decodeRef(buf []byte) (node, error) {
	kind, content, _, err := rlp.Split(buf)
	if err != nil {
		return nil, err
	}

	switch {
	case kind == rlp.List:
		// Embedded node, decode in place.
		raw, _, err := splitRaw(buf)
		if err != nil {
			return nil, err
		}
		return decodeNode(raw)

	case len(content) == 0:
		return nil, nil

	case len(content) == 32:
		return hashNode(bytes.Clone(content)), nil
	}

	return nil, fmt.Errorf("invalid node reference of %d bytes", len(content))
}

// splitRaw cuts the first RLP value, header included, from the buffer.
func splitRaw(buf []byte) (rlp.RawValue, []byte, error) {
	_, _, rest, err := rlp.Split(buf)
	if err != nil {
		return nil, nil, err
	}

	return buf[:len(buf)-len(rest)], rest, nil
}

// =============================================================================
// Key encoding helpers. Keys travel the trie as hex nibbles with a
// terminator, and are stored compacted per the Ethereum specification.

func keybytesToHex(key []byte) []byte {
	nibbles := make([]byte, len(key)*2+1)
	for i, b := range key {
		nibbles[i*2] = b / 16
		nibbles[i*2+1] = b % 16
	}
	nibbles[len(nibbles)-1] = 16

	return nibbles
}

func hexToCompact(hex []byte) []byte {
	terminator := byte(0)
	if hasTerm(hex) {
		terminator = 1
		hex = hex[:len(hex)-1]
	}

	buf := make([]byte, len(hex)/2+1)
	buf[0] = terminator << 5
	if len(hex)&1 == 1 {
		buf[0] |= 1 << 4
		buf[0] |= hex[0]
		hex = hex[1:]
	}
	for i := 0; i < len(hex); i += 2 {
		buf[i/2+1] = hex[i]<<4 | hex[i+1]
	}

	return buf
}

func compactToHex(compact []byte) []byte {
	if len(compact) == 0 {
		return compact
	}

	base := keybytesToHex(compact)
	base = base[:len(base)-1]

	if base[0] >= 2 {
		base = append(base, 16)
	}

	// Strip the flag nibble, and the padding nibble when the key is even.
	chop := 2 - base[0]&1
	return base[chop:]
}

func hasTerm(hex []byte) bool {
	return len(hex) > 0 && hex[len(hex)-1] == 16
}

func prefixLen(a, b []byte) int {
	length := min(len(a), len(b))
	for i := 0; i < length; i++ {
		if a[i] != b[i] {
			return i
		}
	}

	return length
}

func concat(a, b []byte) []byte {
	c := make([]byte, 0, len(a)+len(b))
	c = append(c, a...)
	return append(c, b...)
}
