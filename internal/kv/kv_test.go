package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	err := store.Update(ctx, func(txn Txn) error {
		return txn.Set([]byte("a"), []byte("1"))
	})
	require.NoError(t, err)

	err = store.View(ctx, func(txn Txn) error {
		v, err := txn.Get([]byte("a"))
		require.NoError(t, err)
		require.Equal(t, []byte("1"), v)
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(txn Txn) error {
		return txn.Delete([]byte("a"))
	})
	require.NoError(t, err)

	err = store.View(ctx, func(txn Txn) error {
		_, err := txn.Get([]byte("a"))
		require.ErrorIs(t, err, ErrKeyNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryScanOrdersKeysAscendingAndRespectsRange(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	err := store.Update(ctx, func(txn Txn) error {
		for _, k := range []string{"b", "a", "d", "c"} {
			if err := txn.Set([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var seen []string
	err = store.View(ctx, func(txn Txn) error {
		return txn.Scan([]byte("a"), []byte("d"), func(key, value []byte) (bool, error) {
			seen = append(seen, string(key))
			return true, nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestMemoryScanStopsWhenCallbackReturnsFalse(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	err := store.Update(ctx, func(txn Txn) error {
		for _, k := range []string{"a", "b", "c"} {
			if err := txn.Set([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var seen []string
	err = store.View(ctx, func(txn Txn) error {
		return txn.Scan(nil, nil, func(key, value []byte) (bool, error) {
			seen = append(seen, string(key))
			return len(seen) < 1, nil
		})
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
}

func TestMemoryWritesNotVisibleUntilCommit(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	err := store.Update(ctx, func(txn Txn) error {
		require.NoError(t, txn.Set([]byte("x"), []byte("1")))
		v, err := txn.Get([]byte("x"))
		require.NoError(t, err)
		require.Equal(t, []byte("1"), v, "a transaction must see its own writes")
		require.NoError(t, store.View(ctx, func(other Txn) error {
			_, err := other.Get([]byte("x"))
			require.ErrorIs(t, err, ErrKeyNotFound, "another transaction must not see uncommitted writes")
			return nil
		}))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.View(ctx, func(txn Txn) error {
		v, err := txn.Get([]byte("x"))
		require.NoError(t, err)
		require.Equal(t, []byte("1"), v, "committed writes are visible to later transactions")
		return nil
	}))
}

func TestMemoryUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	sentinel := require.Error
	_ = sentinel

	err := store.Update(ctx, func(txn Txn) error {
		require.NoError(t, txn.Set([]byte("y"), []byte("1")))
		return errKnown
	})
	require.ErrorIs(t, err, errKnown)

	err = store.View(ctx, func(txn Txn) error {
		_, err := txn.Get([]byte("y"))
		require.ErrorIs(t, err, ErrKeyNotFound, "writes from a failed transaction must not be committed")
		return nil
	})
	require.NoError(t, err)
}

var errKnown = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
