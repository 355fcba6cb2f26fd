package mst

import (
	"context"
	"testing"

	"github.com/r3e-network/workflow-engine/internal/kv"
)

func TestNodeStoreGetReturnsNotFoundForMissingHash(t *testing.T) {
	db := kv.NewMemory()
	store := NewNodeStore(db, "t1", 16)

	err := db.View(context.Background(), func(txn kv.Txn) error {
		_, err := store.Get(txn, 0, Hash{0xde, 0xad})
		return err
	})
	if err == nil {
		t.Fatalf("expected not-found error for missing node")
	}
}

func TestNodeStorePutThenGetRoundTrips(t *testing.T) {
	db := kv.NewMemory()
	store := NewNodeStore(db, "t1", 16)
	n := Leaf(2, []byte("k"), []byte("v"))

	var hash Hash
	err := db.Update(context.Background(), func(txn kv.Txn) error {
		h, err := store.Put(txn, n)
		hash = h
		return err
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	var got *Node
	err = db.View(context.Background(), func(txn kv.Txn) error {
		g, err := store.Get(txn, 2, hash)
		got = g
		return err
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Key) != "k" || string(got.Value) != "v" {
		t.Fatalf("expected round-tripped leaf, got %+v", got)
	}
}

func TestRootPointerAbsentUntilFirstSet(t *testing.T) {
	db := kv.NewMemory()
	store := NewNodeStore(db, "t1", 16)

	_, _, found, err := store.GetRoot(context.Background())
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if found {
		t.Fatalf("expected no root before first write")
	}
}

func TestRootPointerPersistsAcrossTransactions(t *testing.T) {
	db := kv.NewMemory()
	store := NewNodeStore(db, "t1", 16)

	err := db.Update(context.Background(), func(txn kv.Txn) error {
		return store.SetRootTxn(txn, 5, Hash{0x01, 0x02})
	})
	if err != nil {
		t.Fatalf("set root: %v", err)
	}

	layer, hash, found, err := store.GetRoot(context.Background())
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if !found || layer != 5 || !hash.Equal(Hash{0x01, 0x02}) {
		t.Fatalf("expected persisted root (5, 0102), got layer=%d hash=%s found=%v", layer, hash, found)
	}
}

func TestNodeCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newNodeCache(2)
	n1 := Leaf(0, []byte("a"), []byte("1"))
	n2 := Leaf(0, []byte("b"), []byte("2"))
	n3 := Leaf(0, []byte("c"), []byte("3"))

	c.put(0, Hash{1}, n1)
	c.put(0, Hash{2}, n2)
	c.get(0, Hash{1}) // touch n1, making n2 the least recently used
	c.put(0, Hash{3}, n3)

	if _, ok := c.get(0, Hash{2}); ok {
		t.Fatalf("expected least-recently-used entry evicted")
	}
	if _, ok := c.get(0, Hash{1}); !ok {
		t.Fatalf("expected recently-used entry retained")
	}
	if _, ok := c.get(0, Hash{3}); !ok {
		t.Fatalf("expected newly inserted entry retained")
	}
}
