package mst

import (
	"bytes"
	"context"

	"github.com/r3e-network/workflow-engine/internal/kv"
)

// DiffEntry describes one changed key between two trees.
type DiffEntry struct {
	Key      []byte
	Added    bool // present in other, absent in t
	Removed  bool // present in t, absent in other
	Modified bool // present in both with different values
	OldValue []byte
	NewValue []byte
}

// Diff compares t against other, returning every key whose presence or value
// differs. Subtrees with equal content hashes are skipped without descent
// (spec §4.9's "diff short-circuits on equal hashes").
func (t *Tree) Diff(ctx context.Context, other *Tree) ([]DiffEntry, error) {
	var entries []DiffEntry
	err := t.store.View(ctx, func(txnA kv.Txn) error {
		return other.store.View(ctx, func(txnB kv.Txn) error {
			layerA, hashA, foundA, err := t.store.GetRootTxn(txnA)
			if err != nil {
				return err
			}
			layerB, hashB, foundB, err := other.store.GetRootTxn(txnB)
			if err != nil {
				return err
			}

			var rootA, rootB *Node
			if foundA {
				rootA, err = t.store.Get(txnA, layerA, hashA)
				if err != nil {
					return err
				}
			}
			if foundB {
				rootB, err = other.store.Get(txnB, layerB, hashB)
				if err != nil {
					return err
				}
			}
			return t.diffNodes(txnA, txnB, other, rootA, rootB, &entries)
		})
	})
	return entries, err
}

func (t *Tree) diffNodes(txnA, txnB kv.Txn, other *Tree, a, b *Node, out *[]DiffEntry) error {
	if a == nil && b == nil {
		return nil
	}
	if a != nil && b != nil && a.ContentHash().Equal(b.ContentHash()) {
		return nil
	}

	if a == nil {
		return collectAll(txnB, other, b, true, out)
	}
	if b == nil {
		return collectAll(txnA, t, a, false, out)
	}

	if a.IsLeaf && b.IsLeaf {
		if bytes.Equal(a.Key, b.Key) {
			*out = append(*out, DiffEntry{Key: a.Key, Modified: true, OldValue: a.Value, NewValue: b.Value})
			return nil
		}
		*out = append(*out, DiffEntry{Key: a.Key, Removed: true, OldValue: a.Value})
		*out = append(*out, DiffEntry{Key: b.Key, Added: true, NewValue: b.Value})
		return nil
	}

	if a.IsLeaf != b.IsLeaf {
		if err := collectAll(txnA, t, a, false, out); err != nil {
			return err
		}
		return collectAll(txnB, other, b, true, out)
	}

	// Both inner: merge-walk children by separator boundaries. Since the two
	// trees may have diverged structurally, fall back to flattening both
	// subtrees' leaves and diffing the resulting sorted sets when separators
	// don't line up 1:1.
	if len(a.Separators) == len(b.Separators) && sameSeparators(a.Separators, b.Separators) {
		childrenA, err := t.resolveAllChildren(txnA, a)
		if err != nil {
			return err
		}
		childrenB, err := other.resolveAllChildren(txnB, b)
		if err != nil {
			return err
		}
		for i := range childrenA {
			if err := t.diffNodes(txnA, txnB, other, childrenA[i], childrenB[i], out); err != nil {
				return err
			}
		}
		return nil
	}

	leavesA := map[string][]byte{}
	leavesB := map[string][]byte{}
	if err := collectLeaves(txnA, t, a, leavesA); err != nil {
		return err
	}
	if err := collectLeaves(txnB, other, b, leavesB); err != nil {
		return err
	}
	diffLeafSets(leavesA, leavesB, out)
	return nil
}

func sameSeparators(a, b [][]byte) bool {
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func collectAll(txn kv.Txn, tr *Tree, n *Node, added bool, out *[]DiffEntry) error {
	if n == nil {
		return nil
	}
	if n.IsLeaf {
		if added {
			*out = append(*out, DiffEntry{Key: n.Key, Added: true, NewValue: n.Value})
		} else {
			*out = append(*out, DiffEntry{Key: n.Key, Removed: true, OldValue: n.Value})
		}
		return nil
	}
	children, err := tr.resolveAllChildren(txn, n)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := collectAll(txn, tr, c, added, out); err != nil {
			return err
		}
	}
	return nil
}

func collectLeaves(txn kv.Txn, tr *Tree, n *Node, out map[string][]byte) error {
	if n == nil {
		return nil
	}
	if n.IsLeaf {
		out[string(n.Key)] = n.Value
		return nil
	}
	children, err := tr.resolveAllChildren(txn, n)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := collectLeaves(txn, tr, c, out); err != nil {
			return err
		}
	}
	return nil
}

func diffLeafSets(a, b map[string][]byte, out *[]DiffEntry) {
	for k, va := range a {
		vb, ok := b[k]
		if !ok {
			*out = append(*out, DiffEntry{Key: []byte(k), Removed: true, OldValue: va})
			continue
		}
		if !bytes.Equal(va, vb) {
			*out = append(*out, DiffEntry{Key: []byte(k), Modified: true, OldValue: va, NewValue: vb})
		}
	}
	for k, vb := range b {
		if _, ok := a[k]; !ok {
			*out = append(*out, DiffEntry{Key: []byte(k), Added: true, NewValue: vb})
		}
	}
}
