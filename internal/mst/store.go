package mst

import (
	"context"
	"encoding/binary"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/codec"
	"github.com/r3e-network/workflow-engine/internal/kv"
)

// hashKeyString builds the cache/lookup key string for (layer, hash), kept
// as a free function so cache.go and store.go agree on the format without
// importing each other's internals.
func hashKeyString(layer uint32, hash Hash) string {
	b := make([]byte, 4+len(hash))
	binary.BigEndian.PutUint32(b, layer)
	copy(b[4:], hash)
	return string(b)
}

// NodeStore persists MST nodes by (layer, hash) and the named tree's current
// root pointer, with a bounded in-memory cache in front of the KV reads.
type NodeStore struct {
	db       kv.KV
	cache    *nodeCache
	treeName string
}

// NewNodeStore returns a NodeStore for the tree named treeName, sharing db
// with the rest of the engine's persisted state.
func NewNodeStore(db kv.KV, treeName string, cacheSize int) *NodeStore {
	return &NodeStore{db: db, cache: newNodeCache(cacheSize), treeName: treeName}
}

// Get loads a node by its (layer, hash) address, in an open transaction.
func (s *NodeStore) Get(txn kv.Txn, layer uint32, hash Hash) (*Node, error) {
	if n, ok := s.cache.get(layer, hash); ok {
		return n, nil
	}
	data, err := txn.Get(codec.MSTNodeKey(layer, hash))
	if err == kv.ErrKeyNotFound {
		return nil, apperr.NotFound("mst_node", hash.String())
	}
	if err != nil {
		return nil, apperr.Persistence("get mst node", err)
	}
	n, err := Decode(data)
	if err != nil {
		return nil, err
	}
	n.hash = hash
	s.cache.put(layer, hash, n)
	return n, nil
}

// Put writes n under its content hash; identical subtrees are deduplicated
// automatically since the key is purely a function of content.
func (s *NodeStore) Put(txn kv.Txn, n *Node) (Hash, error) {
	hash := n.ContentHash()
	data, err := n.Encode()
	if err != nil {
		return nil, err
	}
	if err := txn.Set(codec.MSTNodeKey(n.Layer, hash), data); err != nil {
		return nil, apperr.Persistence("put mst node", err)
	}
	s.cache.put(n.Layer, hash, n)
	return hash, nil
}

// rootRecord is the persisted pointer naming a tree's current root.
type rootRecord struct {
	Layer uint32 `json:"layer"`
	Hash  []byte `json:"hash"`
}

// GetRoot returns the current (layer, hash) for the tree, or found=false if
// the tree is empty (never written to, or emptied by Delete). It opens its own read-only
// transaction, so it must only be used when no surrounding transaction is
// already open — any operation that reads the root from inside an
// Update/View closure must use GetRootTxn instead, or Badger's conflict
// detection (which only tracks reads made through the committing
// transaction) will not see the read and concurrent root updates can race.
func (s *NodeStore) GetRoot(ctx context.Context) (uint32, Hash, bool, error) {
	var rec rootRecord
	var found bool
	err := s.db.View(ctx, func(txn kv.Txn) error {
		layer, hash, f, err := s.GetRootTxn(txn)
		if err != nil {
			return err
		}
		found = f
		rec.Layer, rec.Hash = layer, hash
		return nil
	})
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	return rec.Layer, Hash(rec.Hash), true, nil
}

// GetRootTxn reads the tree's current root pointer through an already-open
// transaction, so the read participates in that transaction's conflict set
// (spec §4.2's "every operation runs inside a serializable transaction").
func (s *NodeStore) GetRootTxn(txn kv.Txn) (uint32, Hash, bool, error) {
	var rec rootRecord
	data, err := txn.Get(codec.MSTRootKey(s.treeName))
	if err == kv.ErrKeyNotFound {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, apperr.Persistence("get mst root", err)
	}
	if err := decodeRoot(data, &rec); err != nil {
		return 0, nil, false, err
	}
	if len(rec.Hash) == 0 {
		return 0, nil, false, nil // a tree emptied by Delete keeps a root record with no hash
	}
	return rec.Layer, Hash(rec.Hash), true, nil
}

// SetRootTxn writes the new root pointer inside an already-open transaction.
func (s *NodeStore) SetRootTxn(txn kv.Txn, layer uint32, hash Hash) error {
	data, err := encodeRoot(rootRecord{Layer: layer, Hash: hash})
	if err != nil {
		return err
	}
	return txn.Set(codec.MSTRootKey(s.treeName), data)
}

// Update runs fn in a read-write transaction against the underlying KV.
func (s *NodeStore) Update(ctx context.Context, fn func(txn kv.Txn) error) error {
	return s.db.Update(ctx, fn)
}

// View runs fn in a read-only transaction against the underlying KV.
func (s *NodeStore) View(ctx context.Context, fn func(txn kv.Txn) error) error {
	return s.db.View(ctx, fn)
}
