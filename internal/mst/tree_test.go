package mst

import (
	"context"
	"testing"

	"github.com/r3e-network/workflow-engine/internal/kv"
)

func newTestTree(t *testing.T, name string) *Tree {
	t.Helper()
	db := kv.NewMemory()
	store := NewNodeStore(db, name, 64)
	return NewTree(store)
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, "t1")

	if _, err := tr.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, found, err := tr.Get(ctx, []byte("a"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || string(v) != "1" {
		t.Fatalf("expected a=1, got found=%v v=%q", found, v)
	}
}

func TestPutPutGetReturnsLatestValue(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, "t1")

	if _, err := tr.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := tr.Put(ctx, []byte("a"), []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, found, err := tr.Get(ctx, []byte("a"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || string(v) != "2" {
		t.Fatalf("expected a=2, got found=%v v=%q", found, v)
	}
}

func TestPutDeleteGetReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, "t1")

	if _, err := tr.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := tr.Delete(ctx, []byte("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, found, err := tr.Get(ctx, []byte("a"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatalf("expected key absent after delete")
	}
}

func TestPutManyKeysAllRetrievable(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, "t1")

	keys := []string{"apple", "banana", "cherry", "date", "elderberry", "fig", "grape", "honeydew"}
	for i, k := range keys {
		if _, err := tr.Put(ctx, []byte(k), []byte{byte(i)}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	for i, k := range keys {
		v, found, err := tr.Get(ctx, []byte(k))
		if err != nil {
			t.Fatalf("get %s: %v", k, err)
		}
		if !found || len(v) != 1 || v[0] != byte(i) {
			t.Fatalf("key %s: expected %d, got found=%v v=%v", k, i, found, v)
		}
	}
}

func TestGetRangeReturnsAscendingSubsetAndEmptyForEqualBounds(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, "t1")

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if _, err := tr.Put(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := tr.GetRange(ctx, []byte("b"), []byte("d"))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 2 || string(got[0].Key) != "b" || string(got[1].Key) != "c" {
		t.Fatalf("expected [b,c], got %+v", got)
	}

	empty, err := tr.GetRange(ctx, []byte("x"), []byte("x"))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty range for equal bounds, got %+v", empty)
	}
}

func TestPutBatchIsOrderIndependentOnRootHash(t *testing.T) {
	ctx := context.Background()
	pairs := []KV{
		{Key: []byte("k1"), Value: []byte("v1")},
		{Key: []byte("k2"), Value: []byte("v2")},
		{Key: []byte("k3"), Value: []byte("v3")},
		{Key: []byte("k4"), Value: []byte("v4")},
	}

	tr1 := newTestTree(t, "order1")
	if _, err := tr1.PutBatch(ctx, pairs); err != nil {
		t.Fatalf("batch 1: %v", err)
	}

	reversed := make([]KV, len(pairs))
	for i, p := range pairs {
		reversed[len(pairs)-1-i] = p
	}
	tr2 := newTestTree(t, "order2")
	if _, err := tr2.PutBatch(ctx, reversed); err != nil {
		t.Fatalf("batch 2: %v", err)
	}

	_, hash1, found1, err := tr1.Root(ctx)
	if err != nil || !found1 {
		t.Fatalf("root1: %v found=%v", err, found1)
	}
	_, hash2, found2, err := tr2.Root(ctx)
	if err != nil || !found2 {
		t.Fatalf("root2: %v found=%v", err, found2)
	}
	if !hash1.Equal(hash2) {
		t.Fatalf("expected equal root hashes regardless of insertion order, got %s vs %s", hash1, hash2)
	}
}

func TestDiffOfTreeAgainstItselfIsEmpty(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, "t1")
	for _, k := range []string{"a", "b", "c"} {
		if _, err := tr.Put(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	entries, err := tr.Diff(ctx, tr)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no diff against self, got %+v", entries)
	}
}

func TestDiffDetectsAddedRemovedAndModified(t *testing.T) {
	ctx := context.Background()
	a := newTestTree(t, "a")
	b := newTestTree(t, "b")

	for _, kv := range [][2]string{{"shared", "old"}, {"onlyA", "x"}} {
		if _, err := a.Put(ctx, []byte(kv[0]), []byte(kv[1])); err != nil {
			t.Fatalf("put a: %v", err)
		}
	}
	for _, kv := range [][2]string{{"shared", "new"}, {"onlyB", "y"}} {
		if _, err := b.Put(ctx, []byte(kv[0]), []byte(kv[1])); err != nil {
			t.Fatalf("put b: %v", err)
		}
	}

	entries, err := a.Diff(ctx, b)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}

	var sawModified, sawAdded, sawRemoved bool
	for _, e := range entries {
		switch string(e.Key) {
		case "shared":
			sawModified = e.Modified
		case "onlyB":
			sawAdded = e.Added
		case "onlyA":
			sawRemoved = e.Removed
		}
	}
	if !sawModified || !sawAdded || !sawRemoved {
		t.Fatalf("expected modified(shared), added(onlyB), removed(onlyA), got %+v", entries)
	}
}

func TestReconcileConvergesLocalToRemoteByDefault(t *testing.T) {
	ctx := context.Background()
	local := newTestTree(t, "local")
	remote := newTestTree(t, "remote")

	if _, err := local.Put(ctx, []byte("k"), []byte("local-value")); err != nil {
		t.Fatalf("put local: %v", err)
	}
	if _, err := remote.Put(ctx, []byte("k"), []byte("remote-value")); err != nil {
		t.Fatalf("put remote: %v", err)
	}
	if _, err := remote.Put(ctx, []byte("new-key"), []byte("new-value")); err != nil {
		t.Fatalf("put remote new: %v", err)
	}

	result, err := local.Reconcile(ctx, remote, nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Applied == 0 {
		t.Fatalf("expected at least one applied change")
	}

	v, found, err := local.Get(ctx, []byte("k"))
	if err != nil || !found || string(v) != "remote-value" {
		t.Fatalf("expected k=remote-value after reconcile, got found=%v v=%q err=%v", found, v, err)
	}
	v2, found2, err := local.Get(ctx, []byte("new-key"))
	if err != nil || !found2 || string(v2) != "new-value" {
		t.Fatalf("expected new-key=new-value after reconcile, got found=%v v=%q err=%v", found2, v2, err)
	}

	entries, err := local.Diff(ctx, remote)
	if err != nil {
		t.Fatalf("post-reconcile diff: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected convergence, still diverging: %+v", entries)
	}
}

func TestReconcileWithPreferLocalKeepsLocalValue(t *testing.T) {
	ctx := context.Background()
	local := newTestTree(t, "local")
	remote := newTestTree(t, "remote")

	if _, err := local.Put(ctx, []byte("k"), []byte("local-value")); err != nil {
		t.Fatalf("put local: %v", err)
	}
	if _, err := remote.Put(ctx, []byte("k"), []byte("remote-value")); err != nil {
		t.Fatalf("put remote: %v", err)
	}

	if _, err := local.Reconcile(ctx, remote, PreferLocal); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	v, found, err := local.Get(ctx, []byte("k"))
	if err != nil || !found || string(v) != "local-value" {
		t.Fatalf("expected k=local-value preserved, got found=%v v=%q err=%v", found, v, err)
	}
}

func TestStatsOnEmptyTreeIsZero(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, "empty")

	stats, err := tr.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Height != 0 || stats.TotalNodes != 0 {
		t.Fatalf("expected zero stats on empty tree, got %+v", stats)
	}
}

func TestStatsCountsLeavesAndInnerNodes(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t, "t1")
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		if _, err := tr.Put(ctx, []byte(k), []byte(k)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	stats, err := tr.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.LeafCount != 7 {
		t.Fatalf("expected 7 leaves, got %d", stats.LeafCount)
	}
	if stats.TotalNodes <= stats.LeafCount {
		t.Fatalf("expected inner nodes present once more than one leaf exists, got total=%d leaves=%d", stats.TotalNodes, stats.LeafCount)
	}
}

func TestEncryptedTreeRoundTrips(t *testing.T) {
	ctx := context.Background()
	db := kv.NewMemory()
	store := NewNodeStore(db, "enc", 64)
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	et := NewEncryptedTree(store, key)

	if _, err := et.PutEncrypted(ctx, []byte("secret"), []byte("plaintext-value")); err != nil {
		t.Fatalf("put encrypted: %v", err)
	}

	raw, found, err := et.Tree.Get(ctx, []byte("secret"))
	if err != nil || !found {
		t.Fatalf("raw get: %v found=%v", err, found)
	}
	if string(raw) == "plaintext-value" {
		t.Fatalf("expected stored value to be ciphertext, got plaintext")
	}

	plain, found, err := et.GetDecrypted(ctx, []byte("secret"))
	if err != nil || !found || string(plain) != "plaintext-value" {
		t.Fatalf("expected decrypted round trip, got found=%v v=%q err=%v", found, plain, err)
	}
}
