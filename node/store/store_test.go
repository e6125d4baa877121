package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "n1.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestStore_Insert(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		s := openStore(t)

		require.NoError(t, s.Insert(context.Background(), 42))
		values, err := s.List(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []uint64{42}, values)

		for i := 0; i != 5; i++ {
			require.NoError(t, s.Insert(context.Background(), 42))
		}
		values, err = s.List(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []uint64{42}, values)
	})

	t.Run("set semantics", func(t *testing.T) {
		s := openStore(t)

		for _, v := range []uint64{5, 7, 5, 9} {
			require.NoError(t, s.Insert(context.Background(), v))
		}

		values, err := s.List(context.Background())
		require.NoError(t, err)
		assert.ElementsMatch(t, []uint64{5, 7, 9}, values)

		n, err := s.Len(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("reports added", func(t *testing.T) {
		s := openStore(t)

		added, err := s.InsertValue(context.Background(), 3)
		require.NoError(t, err)
		assert.True(t, added)

		added, err = s.InsertValue(context.Background(), 3)
		require.NoError(t, err)
		assert.False(t, added)

		assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics().InsertsTotal.WithLabelValues("added")))
		assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics().InsertsTotal.WithLabelValues("duplicate")))
		assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics().Values))
	})

	t.Run("duplicate keeps first seen", func(t *testing.T) {
		s := openStore(t)

		require.NoError(t, s.Insert(context.Background(), 8))
		entries, err := s.Entries(context.Background())
		require.NoError(t, err)
		require.Len(t, entries, 1)
		first := entries[0].SeenAt

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.Insert(context.Background(), 8))

		entries, err = s.Entries(context.Background())
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, uint64(8), entries[0].Value)
		assert.True(t, first.Equal(entries[0].SeenAt))
	})

	t.Run("max value", func(t *testing.T) {
		s := openStore(t)

		require.NoError(t, s.Insert(context.Background(), ^uint64(0)))
		require.NoError(t, s.Insert(context.Background(), 0))

		values, err := s.List(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []uint64{0, ^uint64(0)}, values)
	})

	t.Run("concurrent", func(t *testing.T) {
		s := openStore(t)

		var wg sync.WaitGroup
		for i := 0; i != 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				// Each goroutine inserts an overlapping range.
				for v := uint64(0); v != 20; v++ {
					assert.NoError(t, s.Insert(context.Background(), v))
				}
			}()
		}
		wg.Wait()

		values, err := s.List(context.Background())
		require.NoError(t, err)
		assert.Len(t, values, 20)
		assert.Equal(t, 20.0, testutil.ToFloat64(s.Metrics().Values))
	})

	t.Run("cancelled", func(t *testing.T) {
		s := openStore(t)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		// The insert may or may not have committed, but the caller must not
		// block.
		err := s.Insert(ctx, 1)
		if err != nil {
			assert.True(t, errors.Is(err, context.Canceled))
		}
	})

	t.Run("closed", func(t *testing.T) {
		s, err := Open(filepath.Join(t.TempDir(), "n1.db"))
		require.NoError(t, err)
		require.NoError(t, s.Close())

		err = s.Insert(context.Background(), 1)
		assert.ErrorIs(t, err, ErrStorage)
	})
}

func TestStore_List(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s := openStore(t)

		values, err := s.List(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, values)
		assert.Empty(t, values)

		entries, err := s.Entries(context.Background())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n1.db")

	s, err := Open(path)
	require.NoError(t, err)
	for _, v := range []uint64{1, 2, 3} {
		require.NoError(t, s.Insert(context.Background(), v))
	}
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	values, err := s.List(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2, 3}, values)
	assert.Equal(t, 3.0, testutil.ToFloat64(s.Metrics().Values))
}

func TestStore_OpenLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n1.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	// The file is locked by the first store.
	_, err = Open(path, WithOpenTimeout(50*time.Millisecond))
	assert.ErrorIs(t, err, ErrStorage)
}

func TestStore_OpenRetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n1.db")

	s, err := Open(path)
	require.NoError(t, err)

	// Release the lock while the second store is retrying.
	go func() {
		<-time.After(100 * time.Millisecond)
		s.Close()
	}()

	s2, err := Open(
		path,
		WithOpenTimeout(20*time.Millisecond),
		WithOpenRetries(20),
	)
	require.NoError(t, err)
	assert.NoError(t, s2.Close())
}
