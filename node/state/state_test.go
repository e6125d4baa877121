package state

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/andydunstall/rumour/node/store"
	"github.com/andydunstall/rumour/pkg/log"
)

func tempOpener(t *testing.T, opens *atomic.Int64) OpenFunc {
	dir := t.TempDir()
	return func(nodeID string) (*store.Store, error) {
		opens.Inc()
		return store.Open(filepath.Join(dir, nodeID+".db"))
	}
}

func TestState_Init(t *testing.T) {
	t.Run("init", func(t *testing.T) {
		opens := atomic.NewInt64(0)
		s := NewState(tempOpener(t, opens), log.NewNopLogger())
		defer s.Close()

		assert.False(t, s.Initialized())

		require.NoError(t, s.Init("n1", []string{"n1", "n2", "n3"}))

		assert.True(t, s.Initialized())
		assert.Equal(t, "n1", s.LocalID())
		assert.Equal(t, []string{"n1", "n2", "n3"}, s.Neighbors().NodeIDs())

		st, err := s.Store()
		require.NoError(t, err)
		assert.Equal(t, "n1.db", filepath.Base(st.Path()))
	})

	t.Run("empty node id", func(t *testing.T) {
		opens := atomic.NewInt64(0)
		s := NewState(tempOpener(t, opens), log.NewNopLogger())

		err := s.Init("", []string{"n1"})
		assert.ErrorIs(t, err, ErrNodeIDUnassigned)
		assert.False(t, s.Initialized())
		assert.Equal(t, int64(0), opens.Load())
		assert.Empty(t, s.Neighbors().NodeIDs())
	})

	t.Run("reinit", func(t *testing.T) {
		opens := atomic.NewInt64(0)
		s := NewState(tempOpener(t, opens), log.NewNopLogger())
		defer s.Close()

		require.NoError(t, s.Init("n1", []string{"n1", "n2"}))
		st1, err := s.Store()
		require.NoError(t, err)

		require.NoError(t, s.Init("n1", []string{"n3"}))
		st2, err := s.Store()
		require.NoError(t, err)

		// The store is only attached once though new members are still
		// registered.
		assert.Same(t, st1, st2)
		assert.Equal(t, int64(1), opens.Load())
		assert.Equal(t, []string{"n1", "n2", "n3"}, s.Neighbors().NodeIDs())
	})

	t.Run("concurrent init", func(t *testing.T) {
		opens := atomic.NewInt64(0)
		s := NewState(tempOpener(t, opens), log.NewNopLogger())
		defer s.Close()

		var wg sync.WaitGroup
		for i := 0; i != 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Init("n1", []string{"n1", "n2"}))
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), opens.Load())
		assert.True(t, s.Initialized())
	})

	t.Run("open fails", func(t *testing.T) {
		openErr := errors.New("disk full")
		fail := true
		dir := t.TempDir()
		s := NewState(func(nodeID string) (*store.Store, error) {
			if fail {
				return nil, openErr
			}
			return store.Open(filepath.Join(dir, nodeID+".db"))
		}, log.NewNopLogger())
		defer s.Close()

		err := s.Init("n1", []string{"n1"})
		assert.ErrorIs(t, err, openErr)
		assert.False(t, s.Initialized())

		// A later init retries the open.
		fail = false
		require.NoError(t, s.Init("n1", []string{"n1"}))
		assert.True(t, s.Initialized())
	})
}

func TestState_Store(t *testing.T) {
	s := NewState(func(string) (*store.Store, error) {
		return nil, errors.New("unexpected open")
	}, log.NewNopLogger())

	_, err := s.Store()
	assert.ErrorIs(t, err, ErrNotInitialized)

	called := false
	err = s.WithStore(context.Background(), func(context.Context, *store.Store) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.False(t, called)
}

func TestState_Close(t *testing.T) {
	opens := atomic.NewInt64(0)
	s := NewState(tempOpener(t, opens), log.NewNopLogger())

	// Closing an uninitialized node is a no-op.
	assert.NoError(t, s.Close())
}
