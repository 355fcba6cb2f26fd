package mst

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/kv"
)

// MaxChildren bounds an inner node's fan-out before it splits into two
// siblings joined by a new parent, which like every inner node sits at the
// maximum of its children's layers (spec §4.9: "split any inner
// node whose child count exceeds 2·B").
const MaxChildren = 2 * 16 // B = 16

// BatchChunkSize is the batch-insert chunk size (spec §4.9).
const BatchChunkSize = 100

// BatchTxnTimeout is the extended per-chunk transaction timeout for batch
// operations (spec §4.2, §4.9).
const BatchTxnTimeout = 10 * time.Second

// Tree is a Merkle Search Tree backed by a NodeStore.
type Tree struct {
	store *NodeStore
}

// NewTree returns a Tree over the given NodeStore.
func NewTree(store *NodeStore) *Tree {
	return &Tree{store: store}
}

// Root returns the tree's current (layer, root_hash), or found=false for an
// empty tree.
func (t *Tree) Root(ctx context.Context) (uint32, Hash, bool, error) {
	return t.store.GetRoot(ctx)
}

// Put inserts or overwrites key -> value and returns the new root hash.
func (t *Tree) Put(ctx context.Context, key, value []byte) (Hash, error) {
	var newHash Hash
	err := t.store.Update(ctx, func(txn kv.Txn) error {
		layer, rootHash, found, err := t.store.GetRootTxn(txn)
		if err != nil {
			return err
		}

		var root *Node
		if found {
			root, err = t.store.Get(txn, layer, rootHash)
			if err != nil {
				return err
			}
		}

		keyLayer := KeyLayer(key)
		newRoot, err := t.put(txn, root, keyLayer, key, value)
		if err != nil {
			return err
		}

		hash, err := t.store.Put(txn, newRoot)
		if err != nil {
			return err
		}
		if err := t.store.SetRootTxn(txn, newRoot.Layer, hash); err != nil {
			return err
		}
		newHash = hash
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newHash, nil
}

func (t *Tree) put(txn kv.Txn, root *Node, keyLayer uint32, key, value []byte) (*Node, error) {
	if root == nil {
		return Leaf(keyLayer, key, value), nil
	}

	if keyLayer > root.Layer {
		left, right, err := t.splitAroundKey(txn, root, key)
		if err != nil {
			return nil, err
		}
		newLeaf := Leaf(keyLayer, key, value)
		return t.assembleAround(txn, left, newLeaf, right)
	}

	if root.IsLeaf {
		if bytes.Equal(root.Key, key) {
			return Leaf(root.Layer, key, value), nil
		}
		newLeaf := Leaf(keyLayer, key, value)
		if bytes.Compare(key, root.Key) < 0 {
			return t.rebuildInner(txn, [][]byte{root.Key}, []*Node{newLeaf, root})
		}
		return t.rebuildInner(txn, [][]byte{key}, []*Node{root, newLeaf})
	}

	idx := childIndexForKey(root.Separators, key)
	child, err := t.resolveChild(txn, root, idx)
	if err != nil {
		return nil, err
	}
	newChild, err := t.put(txn, child, keyLayer, key, value)
	if err != nil {
		return nil, err
	}

	children, err := t.resolveAllChildren(txn, root)
	if err != nil {
		return nil, err
	}
	children[idx] = newChild

	return t.rebuildInner(txn, root.Separators, children)
}

// splitAroundKey divides node's keyspace into (left, right) such that every
// key in left < key < every key in right. node's own key (if a leaf) or its
// descendants are distributed accordingly; key itself is never stored by
// either half.
func (t *Tree) splitAroundKey(txn kv.Txn, n *Node, key []byte) (*Node, *Node, error) {
	if n.IsLeaf {
		if bytes.Compare(n.Key, key) < 0 {
			return n, nil, nil
		}
		return nil, n, nil
	}

	children, err := t.resolveAllChildren(txn, n)
	if err != nil {
		return nil, nil, err
	}

	idx := childIndexForKey(n.Separators, key)
	subLeft, subRight, err := t.splitAroundKey(txn, children[idx], key)
	if err != nil {
		return nil, nil, err
	}

	leftChildren := append(append([]*Node{}, children[:idx]...), nonNil(subLeft)...)
	rightChildren := append(nonNil(subRight), children[idx+1:]...)

	left, err := t.buildFromChildren(txn, leftChildren)
	if err != nil {
		return nil, nil, err
	}
	right, err := t.buildFromChildren(txn, rightChildren)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

func nonNil(n *Node) []*Node {
	if n == nil {
		return nil
	}
	return []*Node{n}
}

// buildFromChildren reassembles an Inner node from a (possibly empty or
// singleton) child slice, promoting a lone child per spec §4.9's "if an
// inner node collapses to one child, promote that child".
func (t *Tree) buildFromChildren(txn kv.Txn, children []*Node) (*Node, error) {
	switch len(children) {
	case 0:
		return nil, nil
	case 1:
		return children[0], nil
	default:
		seps, err := t.separatorsFor(txn, children)
		if err != nil {
			return nil, err
		}
		return t.rebuildInner(txn, seps, children)
	}
}

// assembleAround builds the new top-level node joining left, the new leaf,
// and right (any of left/right may be nil).
func (t *Tree) assembleAround(txn kv.Txn, left, leaf, right *Node) (*Node, error) {
	children := make([]*Node, 0, 3)
	if left != nil {
		children = append(children, left)
	}
	children = append(children, leaf)
	if right != nil {
		children = append(children, right)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	seps, err := t.separatorsFor(txn, children)
	if err != nil {
		return nil, err
	}
	return t.rebuildInner(txn, seps, children)
}

// separatorsFor computes separator keys between adjacent children: each
// separator is the minimum key of the child to its right.
func (t *Tree) separatorsFor(txn kv.Txn, children []*Node) ([][]byte, error) {
	seps := make([][]byte, 0, len(children)-1)
	for i := 1; i < len(children); i++ {
		k, err := t.minKey(txn, children[i])
		if err != nil {
			return nil, err
		}
		seps = append(seps, k)
	}
	return seps, nil
}

// rebuildInner constructs an Inner node from live children, writing each
// child to the store, and splits it if fan-out exceeds MaxChildren (spec §4.9).
func (t *Tree) rebuildInner(txn kv.Txn, separators [][]byte, children []*Node) (*Node, error) {
	for _, c := range children {
		if _, err := t.store.Put(txn, c); err != nil {
			return nil, err
		}
	}
	if len(children) <= MaxChildren {
		return Inner(separators, children), nil
	}

	mid := len(children) / 2
	leftChildren := children[:mid]
	rightChildren := children[mid:]
	leftSeps := separators[:mid-1]
	rightSeps := separators[mid:]

	left := Inner(leftSeps, leftChildren)
	right := Inner(rightSeps, rightChildren)

	if _, err := t.store.Put(txn, left); err != nil {
		return nil, err
	}
	if _, err := t.store.Put(txn, right); err != nil {
		return nil, err
	}

	midKey, err := t.minKey(txn, right)
	if err != nil {
		return nil, err
	}
	return Inner([][]byte{midKey}, []*Node{left, right}), nil
}

// childIndexForKey returns the index of the child whose range contains key,
// given ascending separators (separators[i] is the min key of children[i+1]).
func childIndexForKey(separators [][]byte, key []byte) int {
	idx := sort.Search(len(separators), func(i int) bool {
		return bytes.Compare(separators[i], key) > 0
	})
	return idx
}

func (t *Tree) resolveChild(txn kv.Txn, n *Node, idx int) (*Node, error) {
	hash := n.Children[idx]
	return t.resolveHash(txn, n.Layer, hash)
}

// resolveHash loads the node at hash, trying every layer from parentLayer
// down to 0, since a child's physical layer is its own (not necessarily its
// parent's).
func (t *Tree) resolveHash(txn kv.Txn, parentLayer uint32, hash Hash) (*Node, error) {
	// Children carry their own layer inside their encoded content; since the
	// store key is (layer, hash) we try layers at or below the parent,
	// which covers every valid MST shape (a child's layer never exceeds its
	// parent's).
	for l := int(parentLayer); l >= 0; l-- {
		n, err := t.store.Get(txn, uint32(l), hash)
		if err == nil {
			return n, nil
		}
		if !apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
	}
	return nil, apperr.NotFound("mst_node", hash.String())
}

func (t *Tree) resolveAllChildren(txn kv.Txn, n *Node) ([]*Node, error) {
	out := make([]*Node, len(n.Children))
	for i, h := range n.Children {
		c, err := t.resolveHash(txn, n.Layer, h)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// minKey returns the smallest key in n's subtree.
func (t *Tree) minKey(txn kv.Txn, n *Node) ([]byte, error) {
	for !n.IsLeaf {
		child, err := t.resolveHash(txn, n.Layer, n.Children[0])
		if err != nil {
			return nil, err
		}
		n = child
	}
	return n.Key, nil
}

// Get returns the value for key, if present.
func (t *Tree) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := t.store.View(ctx, func(txn kv.Txn) error {
		layer, rootHash, rootFound, err := t.store.GetRootTxn(txn)
		if err != nil {
			return err
		}
		if !rootFound {
			return nil
		}
		root, err := t.store.Get(txn, layer, rootHash)
		if err != nil {
			return err
		}
		v, ok, err := t.get(txn, root, key)
		if err != nil {
			return err
		}
		value, found = v, ok
		return nil
	})
	return value, found, err
}

func (t *Tree) get(txn kv.Txn, n *Node, key []byte) ([]byte, bool, error) {
	if n == nil {
		return nil, false, nil
	}
	if n.IsLeaf {
		if bytes.Equal(n.Key, key) {
			return n.Value, true, nil
		}
		return nil, false, nil
	}
	idx := childIndexForKey(n.Separators, key)
	child, err := t.resolveChild(txn, n, idx)
	if err != nil {
		return nil, false, err
	}
	return t.get(txn, child, key)
}

// KV is a key-value pair returned by GetRange.
type KV struct {
	Key   []byte
	Value []byte
}

// GetRange enumerates leaves whose keys lie in [start, end), sorted
// ascending. start == end returns empty (spec §8).
func (t *Tree) GetRange(ctx context.Context, start, end []byte) ([]KV, error) {
	if bytes.Equal(start, end) {
		return nil, nil
	}
	var out []KV
	err := t.store.View(ctx, func(txn kv.Txn) error {
		layer, rootHash, found, err := t.store.GetRootTxn(txn)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		root, err := t.store.Get(txn, layer, rootHash)
		if err != nil {
			return err
		}
		return t.collectRange(txn, root, start, end, &out)
	})
	return out, err
}

func (t *Tree) collectRange(txn kv.Txn, n *Node, start, end []byte, out *[]KV) error {
	if n == nil {
		return nil
	}
	if n.IsLeaf {
		if bytes.Compare(n.Key, start) >= 0 && (end == nil || bytes.Compare(n.Key, end) < 0) {
			*out = append(*out, KV{Key: n.Key, Value: n.Value})
		}
		return nil
	}
	children, err := t.resolveAllChildren(txn, n)
	if err != nil {
		return err
	}
	for i, c := range children {
		// A child's range is bounded by adjacent separators; skip subtrees
		// that cannot overlap [start, end).
		if i > 0 && end != nil && bytes.Compare(n.Separators[i-1], end) >= 0 {
			break
		}
		if i < len(n.Separators) && bytes.Compare(n.Separators[i], start) < 0 {
			continue
		}
		if err := t.collectRange(txn, c, start, end, out); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes key, returning the new root hash (nil if the tree becomes
// empty).
func (t *Tree) Delete(ctx context.Context, key []byte) (Hash, error) {
	var newHash Hash
	err := t.store.Update(ctx, func(txn kv.Txn) error {
		layer, rootHash, found, err := t.store.GetRootTxn(txn)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		root, err := t.store.Get(txn, layer, rootHash)
		if err != nil {
			return err
		}

		newRoot, err := t.delete(txn, root, key)
		if err != nil {
			return err
		}
		if newRoot == nil {
			return t.store.SetRootTxn(txn, 0, nil)
		}
		hash, err := t.store.Put(txn, newRoot)
		if err != nil {
			return err
		}
		if err := t.store.SetRootTxn(txn, newRoot.Layer, hash); err != nil {
			return err
		}
		newHash = hash
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newHash, nil
}

func (t *Tree) delete(txn kv.Txn, n *Node, key []byte) (*Node, error) {
	if n == nil {
		return nil, nil
	}
	if n.IsLeaf {
		if bytes.Equal(n.Key, key) {
			return nil, nil
		}
		return n, nil
	}

	idx := childIndexForKey(n.Separators, key)
	children, err := t.resolveAllChildren(txn, n)
	if err != nil {
		return nil, err
	}

	newChild, err := t.delete(txn, children[idx], key)
	if err != nil {
		return nil, err
	}

	if newChild == nil {
		remaining := append(append([]*Node{}, children[:idx]...), children[idx+1:]...)
		return t.buildFromChildren(txn, remaining)
	}

	children[idx] = newChild
	return t.buildFromChildren(txn, children)
}

// PutBatch applies a multiset of pairs in chunks of BatchChunkSize, each
// chunk committing a new root (spec §4.9). Pairs are applied in the order
// given; two trees built from the same multiset in any order converge to
// equal root hashes because Put is order-independent per key.
func (t *Tree) PutBatch(ctx context.Context, pairs []KV) (Hash, error) {
	var lastHash Hash
	for i := 0; i < len(pairs); i += BatchChunkSize {
		end := i + BatchChunkSize
		if end > len(pairs) {
			end = len(pairs)
		}
		chunkCtx, cancel := context.WithTimeout(ctx, BatchTxnTimeout)
		for _, p := range pairs[i:end] {
			h, err := t.Put(chunkCtx, p.Key, p.Value)
			if err != nil {
				cancel()
				return nil, err
			}
			lastHash = h
		}
		cancel()
	}
	return lastHash, nil
}

// DeleteBatch removes a set of keys in chunks of BatchChunkSize.
func (t *Tree) DeleteBatch(ctx context.Context, keys [][]byte) (Hash, error) {
	var lastHash Hash
	for i := 0; i < len(keys); i += BatchChunkSize {
		end := i + BatchChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunkCtx, cancel := context.WithTimeout(ctx, BatchTxnTimeout)
		for _, k := range keys[i:end] {
			h, err := t.Delete(chunkCtx, k)
			if err != nil {
				cancel()
				return nil, err
			}
			lastHash = h
		}
		cancel()
	}
	return lastHash, nil
}

// Stats describes tree shape (spec §4.9).
type Stats struct {
	Height     int
	TotalNodes int
	LeafCount  int
	InnerCount int
}

// Stats performs a recursive traversal producing shape statistics. On an
// empty tree, Height == 0 (spec §8).
func (t *Tree) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := t.store.View(ctx, func(txn kv.Txn) error {
		layer, rootHash, found, err := t.store.GetRootTxn(txn)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		root, err := t.store.Get(txn, layer, rootHash)
		if err != nil {
			return err
		}
		height, err := t.statsWalk(txn, root, &out)
		out.Height = height
		return err
	})
	return out, err
}

func (t *Tree) statsWalk(txn kv.Txn, n *Node, out *Stats) (int, error) {
	out.TotalNodes++
	if n.IsLeaf {
		out.LeafCount++
		return 1, nil
	}
	out.InnerCount++

	children, err := t.resolveAllChildren(txn, n)
	if err != nil {
		return 0, err
	}
	maxDepth := 0
	for _, c := range children {
		d, err := t.statsWalk(txn, c, out)
		if err != nil {
			return 0, err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}
	return maxDepth + 1, nil
}
