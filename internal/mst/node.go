// Package mst implements the content-addressed Merkle Search Tree of spec
// §4.9: a layer-balanced ordered map whose node hashes are a deterministic
// function of content, supporting range queries, diff, and reconciliation
// against a peer tree.
package mst

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"

	"github.com/r3e-network/workflow-engine/internal/apperr"
)

// Hash is a node's content hash.
type Hash []byte

func (h Hash) String() string { return hex.EncodeToString(h) }
func (h Hash) Equal(o Hash) bool { return bytes.Equal(h, o) }

// node is the CBOR-encoded wire shape of a Node — a plain struct with no
// methods, so fxamacker/cbor's canonical mode produces a stable encoding
// independent of Go map iteration order.
type node struct {
	Layer      uint32   `cbor:"1,keyasint"`
	Leaf       bool     `cbor:"2,keyasint"`
	Key        []byte   `cbor:"3,keyasint,omitempty"`
	Value      []byte   `cbor:"4,keyasint,omitempty"`
	Separators [][]byte `cbor:"5,keyasint,omitempty"`
	Children   [][]byte `cbor:"6,keyasint,omitempty"`
}

var cborEncMode = mustCanonicalEncMode()

func mustCanonicalEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

// Node is an in-memory MST node: either a Leaf (Key/Value populated) or an
// Inner node (Separators/Children populated). Its hash is lazily computed
// and cached; changing a field afterwards does not update the cached hash.
type Node struct {
	Layer      uint32
	IsLeaf     bool
	Key        []byte
	Value      []byte
	Separators [][]byte // len(Children)-1, ascending
	Children   []Hash   // len(Separators)+1

	hash Hash // cached; nil until computed
}

// Leaf constructs a leaf node at the given layer.
func Leaf(layer uint32, key, value []byte) *Node {
	return &Node{Layer: layer, IsLeaf: true, Key: key, Value: value}
}

// Inner constructs an inner node, its layer computed as the max of its
// children's layers (spec §4.9 invariant).
func Inner(separators [][]byte, children []*Node) *Node {
	var maxLayer uint32
	hashes := make([]Hash, len(children))
	for i, c := range children {
		if c.Layer > maxLayer {
			maxLayer = c.Layer
		}
		hashes[i] = c.ContentHash()
	}
	return &Node{Layer: maxLayer, IsLeaf: false, Separators: separators, Children: hashes}
}

// InnerFromHashes constructs an inner node directly from child hashes (used
// when reassembling from storage rather than live Node values).
func InnerFromHashes(layer uint32, separators [][]byte, children []Hash) *Node {
	return &Node{Layer: layer, IsLeaf: false, Separators: separators, Children: children}
}

// wire converts n to its canonical encoding shape.
func (n *Node) wire() node {
	w := node{Layer: n.Layer, Leaf: n.IsLeaf}
	if n.IsLeaf {
		w.Key = n.Key
		w.Value = n.Value
	} else {
		w.Separators = n.Separators
		w.Children = make([][]byte, len(n.Children))
		for i, h := range n.Children {
			w.Children[i] = h
		}
	}
	return w
}

// Encode produces the deterministic DAG-CBOR bytes for n (spec §4.1, §4.9).
func (n *Node) Encode() ([]byte, error) {
	data, err := cborEncMode.Marshal(n.wire())
	if err != nil {
		return nil, apperr.Persistence("encode mst node", err)
	}
	return data, nil
}

// Decode parses canonical CBOR bytes back into a Node.
func Decode(data []byte) (*Node, error) {
	var w node
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, apperr.Persistence("decode mst node", err)
	}
	n := &Node{Layer: w.Layer, IsLeaf: w.Leaf, Key: w.Key, Value: w.Value, Separators: w.Separators}
	if !w.Leaf {
		n.Children = make([]Hash, len(w.Children))
		for i, c := range w.Children {
			n.Children[i] = Hash(c)
		}
	}
	return n, nil
}

// ContentHash returns n's deterministic content hash, computing and caching
// it on first use.
func (n *Node) ContentHash() Hash {
	if n.hash != nil {
		return n.hash
	}
	data, err := n.Encode()
	if err != nil {
		// Encode only fails on pathological cbor setup issues; a panic here
		// would indicate a programming error, not bad input.
		panic(err)
	}
	sum := sha256.Sum256(data)
	n.hash = Hash(sum[:])
	return n.hash
}

// MinKey returns the smallest key in n's subtree. For a leaf this is its own
// key; for an inner node it is the min key of its first child, which the
// caller must resolve via a NodeStore since children are hash references.
func (n *Node) MinKey() []byte {
	if n.IsLeaf {
		return n.Key
	}
	return nil // resolved by Tree.minKey, which can follow child hashes
}

// KeyLayer computes the layer of key: the number of leading hex '0' nibbles
// in sha256(key) (spec §4.9's layer function).
func KeyLayer(key []byte) uint32 {
	sum := sha256.Sum256(key)
	hexStr := hex.EncodeToString(sum[:])
	var n uint32
	for i := 0; i < len(hexStr); i++ {
		if hexStr[i] != '0' {
			break
		}
		n++
	}
	return n
}
