// Package state contains the process wide state of a node.
//
// A node starts uninitialized, then on init is assigned its ID, registers the
// cluster members and attaches its store. State is constructed once at startup
// and passed to each component that needs it.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/andydunstall/rumour/node/neighbors"
	"github.com/andydunstall/rumour/node/store"
	"github.com/andydunstall/rumour/pkg/log"
)

var (
	// ErrNotInitialized is returned when the store is required before the
	// node has been initialized.
	ErrNotInitialized = errors.New("node is not initialized")

	// ErrNodeIDUnassigned is returned when initializing a node that hasn't
	// been assigned an ID by the runtime.
	ErrNodeIDUnassigned = errors.New("node id is empty")
)

// OpenFunc opens the store for the node with the given ID.
type OpenFunc func(nodeID string) (*store.Store, error)

// State is the state of the local node.
type State struct {
	localID *atomic.String

	// store is nil until the node is initialized, then never changes.
	store *atomic.Pointer[store.Store]
	// attach ensures concurrent initializers share a single open.
	attach singleflight.Group

	neighbors *neighbors.Table

	open OpenFunc

	closeOnce sync.Once

	logger log.Logger
}

func NewState(open OpenFunc, logger log.Logger) *State {
	return &State{
		localID:   atomic.NewString(""),
		store:     atomic.NewPointer[store.Store](nil),
		neighbors: neighbors.NewTable(logger),
		open:      open,
		logger:    logger.WithSubsystem("state"),
	}
}

// Init initializes the node with the ID assigned by the runtime and the IDs
// of every node in the cluster.
//
// Each member is registered as a neighbour, then the store is attached. Only
// the first successful Init attaches the store, later calls only register
// members.
func (s *State) Init(nodeID string, nodeIDs []string) error {
	if nodeID == "" {
		return ErrNodeIDUnassigned
	}

	if !s.localID.CompareAndSwap("", nodeID) && s.localID.Load() != nodeID {
		s.logger.Warn(
			"init: node id already assigned",
			zap.String("node-id", s.localID.Load()),
			zap.String("requested-node-id", nodeID),
		)
	}

	for _, id := range nodeIDs {
		s.neighbors.Register(id)
	}

	if err := s.attachStore(s.localID.Load()); err != nil {
		return fmt.Errorf("attach store: %w", err)
	}
	return nil
}

// LocalID returns the ID of the local node, or an empty string if the node
// is not initialized. The ID is assigned once and never changes.
func (s *State) LocalID() string {
	return s.localID.Load()
}

// Initialized returns whether the store has been attached.
func (s *State) Initialized() bool {
	return s.store.Load() != nil
}

// Store returns the attached store, or ErrNotInitialized.
func (s *State) Store() (*store.Store, error) {
	st := s.store.Load()
	if st == nil {
		return nil, ErrNotInitialized
	}
	return st, nil
}

// WithStore runs f with the attached store, or returns ErrNotInitialized.
func (s *State) WithStore(ctx context.Context, f func(ctx context.Context, st *store.Store) error) error {
	st, err := s.Store()
	if err != nil {
		return err
	}
	return f(ctx, st)
}

func (s *State) Neighbors() *neighbors.Table {
	return s.neighbors
}

// Close closes the store if attached.
func (s *State) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if st := s.store.Load(); st != nil {
			err = st.Close()
		}
	})
	return err
}

func (s *State) attachStore(nodeID string) error {
	if s.store.Load() != nil {
		return nil
	}

	_, err, _ := s.attach.Do("store", func() (interface{}, error) {
		// Check again as a previous initializer may have completed between
		// the check above and joining the group.
		if s.store.Load() != nil {
			return nil, nil
		}

		st, err := s.open(nodeID)
		if err != nil {
			return nil, err
		}
		s.store.Store(st)

		s.logger.Info(
			"node initialized",
			zap.String("node-id", nodeID),
			zap.String("path", st.Path()),
		)
		return nil, nil
	})
	return err
}
