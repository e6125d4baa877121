// Package nodetest runs a cluster of nodes in-process for testing.
//
// Nodes communicate using an in-memory network, which supports partitioning
// nodes to test dissemination when messages are lost.
package nodetest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andydunstall/rumour/node"
	"github.com/andydunstall/rumour/node/config"
	"github.com/andydunstall/rumour/node/transport"
	"github.com/andydunstall/rumour/pkg/log"
	"github.com/andydunstall/rumour/pkg/protocol"
)

type Cluster struct {
	nodes map[string]*node.Node

	network *transport.Network

	dataDir string
	// removeDataDir is whether the data dir was created by the cluster so
	// must be removed on close.
	removeDataDir bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewCluster starts a cluster with the given number of nodes, named 'n1',
// 'n2', ..., and initializes each node with the full member list.
func NewCluster(size int, opts ...Option) (*Cluster, error) {
	options := options{
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	removeDataDir := false
	if options.dataDir == "" {
		dir, err := os.MkdirTemp("", "rumour")
		if err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
		options.dataDir = dir
		removeDataDir = true
	}

	network := transport.NewNetwork(options.logger)

	nodes := make(map[string]*node.Node)
	for i := 0; i != size; i++ {
		id := fmt.Sprintf("n%d", i+1)

		conf := config.Default()
		conf.Store.DataDir = options.dataDir
		conf.Broadcast.ForwardDuplicates = options.forwardDuplicates
		conf.Broadcast.SyncInterval = options.syncInterval

		endpoint := network.Endpoint(id)
		n, err := node.NewNode(
			conf,
			endpoint,
			nil,
			options.logger.With(zap.String("node", id)),
		)
		if err != nil {
			network.Close()
			return nil, fmt.Errorf("node: %s: %w", id, err)
		}
		endpoint.Register(n.Handler())
		nodes[id] = n
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		group.Go(func() error {
			return n.Run(groupCtx)
		})
	}

	c := &Cluster{
		nodes:         nodes,
		network:       network,
		dataDir:       options.dataDir,
		removeDataDir: removeDataDir,
		cancel:        cancel,
		group:         group,
	}

	if err := network.Init(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("init: %w", err)
	}

	return c, nil
}

// NodeIDs returns the IDs of the nodes in the cluster, sorted.
func (c *Cluster) NodeIDs() []string {
	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Cluster) Node(id string) (*node.Node, bool) {
	n, ok := c.nodes[id]
	return n, ok
}

func (c *Cluster) Network() *transport.Network {
	return c.network
}

// Broadcast sends a 'broadcast' request for the value to the node.
func (c *Cluster) Broadcast(ctx context.Context, id string, value uint64) error {
	var resp protocol.BroadcastResponse
	if err := c.rpc(ctx, id, protocol.BroadcastRequest{
		Type:    protocol.MessageTypeBroadcast,
		Message: value,
	}, protocol.MessageTypeBroadcastOK, &resp); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	return nil
}

// Read sends a 'read' request to the node and returns the values, sorted.
func (c *Cluster) Read(ctx context.Context, id string) ([]uint64, error) {
	var resp protocol.ReadResponse
	if err := c.rpc(ctx, id, protocol.ReadRequest{
		Type: protocol.MessageTypeRead,
	}, protocol.MessageTypeReadOK, &resp); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	sort.Slice(resp.Messages, func(i, j int) bool {
		return resp.Messages[i] < resp.Messages[j]
	})
	return resp.Messages, nil
}

// Topology sends a 'topology' request to the node.
func (c *Cluster) Topology(ctx context.Context, id string, topology map[string][]string) error {
	var resp protocol.TopologyResponse
	if err := c.rpc(ctx, id, protocol.TopologyRequest{
		Type:     protocol.MessageTypeTopology,
		Topology: topology,
	}, protocol.MessageTypeTopologyOK, &resp); err != nil {
		return fmt.Errorf("topology: %w", err)
	}
	return nil
}

// Close stops delivering messages then stops each node.
func (c *Cluster) Close() error {
	c.network.Close()

	c.cancel()
	err := c.group.Wait()

	if c.removeDataDir {
		os.RemoveAll(c.dataDir)
	}
	return err
}

func (c *Cluster) rpc(
	ctx context.Context,
	id string,
	req any,
	respType protocol.MessageType,
	resp any,
) error {
	msg, err := c.network.RPC(ctx, id, req)
	if err != nil {
		return err
	}

	if msg.Type() != string(respType) {
		var errResp protocol.ErrorResponse
		if err := json.Unmarshal(msg.Body, &errResp); err == nil && errResp.Type == protocol.MessageTypeError {
			return fmt.Errorf("rpc error: %d: %s", errResp.Code, errResp.Text)
		}
		return fmt.Errorf("unexpected response: %s", string(msg.Body))
	}

	if err := json.Unmarshal(msg.Body, resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
