package mst

import "context"

// Resolver picks the winning value when two trees disagree on a key during
// Reconcile (spec §4.9, §9's "bidirectional convergence").
type Resolver func(key, localValue, remoteValue []byte) []byte

// PreferLocal always keeps the local tree's value.
func PreferLocal(_, localValue, _ []byte) []byte { return localValue }

// PreferRemote always keeps the remote tree's value.
func PreferRemote(_, _, remoteValue []byte) []byte { return remoteValue }

// ReconcileResult summarizes what Reconcile changed in the local tree.
type ReconcileResult struct {
	Applied  int
	RootHash Hash
}

// Reconcile diffs t against remote and applies resolve's decision for every
// divergent key back into t, converging t toward agreement with remote for
// keys resolve chooses to take from it. Keys present only in t are left
// untouched — reconciliation merges remote's view in, it never deletes local
// state the remote doesn't know about.
func (t *Tree) Reconcile(ctx context.Context, remote *Tree, resolve Resolver) (ReconcileResult, error) {
	if resolve == nil {
		resolve = PreferRemote
	}

	entries, err := t.Diff(ctx, remote)
	if err != nil {
		return ReconcileResult{}, err
	}

	var result ReconcileResult
	var lastHash Hash
	for _, e := range entries {
		switch {
		case e.Added:
			// Present remotely only; local has nothing to compare against so
			// there is no conflict to resolve — take the remote value.
			h, err := t.Put(ctx, e.Key, e.NewValue)
			if err != nil {
				return result, err
			}
			lastHash = h
			result.Applied++
		case e.Modified:
			winner := resolve(e.Key, e.OldValue, e.NewValue)
			if bytesEqual(winner, e.OldValue) {
				continue
			}
			h, err := t.Put(ctx, e.Key, winner)
			if err != nil {
				return result, err
			}
			lastHash = h
			result.Applied++
		case e.Removed:
			// Present locally only; nothing to reconcile from remote.
		}
	}

	if lastHash == nil {
		_, rootHash, found, err := t.Root(ctx)
		if err != nil {
			return result, err
		}
		if found {
			lastHash = rootHash
		}
	}
	result.RootHash = lastHash
	return result, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Fetcher retrieves a remote peer's tree for reconciliation, abstracting the
// transport (spec §9 leaves peer discovery and transport out of scope for
// the tree itself).
type Fetcher interface {
	FetchTree(ctx context.Context, peerID string) (*Tree, error)
}
