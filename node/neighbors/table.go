package neighbors

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/andydunstall/rumour/pkg/log"
)

// Table maps each known node to the set of neighbours it has been
// announced with.
//
// Updates are additive: a topology announcement is merged into the existing
// neighbour set rather than replacing it, and nodes are never removed.
type Table struct {
	nodes map[string]map[string]struct{}

	// mu protects the above fields. It must never be held across I/O.
	mu sync.Mutex

	metrics *Metrics

	logger log.Logger
}

func NewTable(logger log.Logger) *Table {
	return &Table{
		nodes:   make(map[string]map[string]struct{}),
		metrics: NewMetrics(),
		logger:  logger.WithSubsystem("neighbors"),
	}
}

// Register adds the node with an empty neighbour set if it isn't already
// known. A known node's neighbours are left unchanged.
func (t *Table) Register(id string) {
	t.mu.Lock()
	added := t.registerLocked(id)
	t.mu.Unlock()

	if added {
		t.logger.Debug("registered node", zap.String("node-id", id))
	}
}

// MergeTopology adds the given peers to the node's neighbour set, registering
// the node if unknown.
//
// The peers themselves are not registered as nodes.
func (t *Table) MergeTopology(id string, peers []string) {
	t.mu.Lock()
	t.registerLocked(id)
	neighbours := t.nodes[id]
	for _, peer := range peers {
		neighbours[peer] = struct{}{}
	}
	size := len(neighbours)
	t.mu.Unlock()

	t.logger.Debug(
		"merged topology",
		zap.String("node-id", id),
		zap.Strings("peers", peers),
		zap.Int("neighbours", size),
	)
}

// NodeIDs returns the IDs of every registered node, sorted.
func (t *Table) NodeIDs() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Neighbors returns the sorted neighbours of the node with the given ID, or
// false if the node is unknown.
func (t *Table) Neighbors(id string) ([]string, bool) {
	t.mu.Lock()
	neighbours, ok := t.nodes[id]
	if !ok {
		t.mu.Unlock()
		return nil, false
	}
	peers := setToSlice(neighbours)
	t.mu.Unlock()

	sort.Strings(peers)
	return peers, true
}

// Snapshot returns a copy of the table.
func (t *Table) Snapshot() map[string][]string {
	t.mu.Lock()
	snapshot := make(map[string][]string, len(t.nodes))
	for id, neighbours := range t.nodes {
		snapshot[id] = setToSlice(neighbours)
	}
	t.mu.Unlock()

	for _, peers := range snapshot {
		sort.Strings(peers)
	}
	return snapshot
}

func (t *Table) Metrics() *Metrics {
	return t.metrics
}

func (t *Table) registerLocked(id string) bool {
	if _, ok := t.nodes[id]; ok {
		return false
	}
	t.nodes[id] = make(map[string]struct{})
	t.metrics.Nodes.Inc()
	return true
}

func setToSlice(s map[string]struct{}) []string {
	l := make([]string, 0, len(s))
	for v := range s {
		l = append(l, v)
	}
	return l
}
