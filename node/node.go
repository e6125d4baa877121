// Package node wires together the components of a broadcast node.
//
// The node handles messages received on a transport, such as the Maelstrom
// runtime on stdin/stdout or an in-memory network, and optionally serves the
// admin API.
package node

import (
	"context"
	"fmt"
	"net"
	"path/filepath"

	rungroup "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/andydunstall/rumour/node/admin"
	"github.com/andydunstall/rumour/node/broadcast"
	"github.com/andydunstall/rumour/node/config"
	"github.com/andydunstall/rumour/node/neighbors"
	"github.com/andydunstall/rumour/node/router"
	"github.com/andydunstall/rumour/node/state"
	"github.com/andydunstall/rumour/node/store"
	"github.com/andydunstall/rumour/node/transport"
	"github.com/andydunstall/rumour/pkg/log"
)

type Node struct {
	state *state.State

	engine *broadcast.Engine

	syncer *broadcast.Syncer

	router *router.Router

	adminServer *admin.Server
	adminLn     net.Listener

	conf *config.Config

	logger log.Logger
}

// NewNode creates a node that sends messages on the given transport. The
// caller must register Handler with the transport to receive messages.
//
// If the admin server is enabled, NewNode binds its listener.
func NewNode(
	conf *config.Config,
	transport transport.Transport,
	registry *prometheus.Registry,
	logger log.Logger,
) (*Node, error) {
	s := state.NewState(storeOpener(conf, registry, logger), logger)
	engine := broadcast.NewEngine(
		s,
		transport,
		logger,
		broadcast.WithForwardDuplicates(conf.Broadcast.ForwardDuplicates),
	)
	syncer := broadcast.NewSyncer(conf.Broadcast.SyncInterval, engine, logger)
	r := router.NewRouter(s, engine, transport, logger)

	if registry != nil {
		s.Neighbors().Metrics().Register(registry)
		engine.Metrics().Register(registry)
		r.Metrics().Register(registry)
	}

	n := &Node{
		state:  s,
		engine: engine,
		syncer: syncer,
		router: r,
		conf:   conf,
		logger: logger,
	}

	if conf.Admin.BindAddr != "" {
		ln, err := net.Listen("tcp", conf.Admin.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("admin listen: %s: %w", conf.Admin.BindAddr, err)
		}
		n.adminLn = ln
		n.adminServer = admin.NewServer(registry, logger)
		n.adminServer.AddStatus("/node", NewStatus(n))
		n.adminServer.AddStatus("/neighbors", neighbors.NewStatus(s.Neighbors()))
		n.adminServer.AddStatus("/broadcast", broadcast.NewStatus(s, logger))
	}

	return n, nil
}

// Handler returns the handler for messages received by the transport.
func (n *Node) Handler() transport.Handler {
	return n.router
}

func (n *Node) State() *state.State {
	return n.state
}

func (n *Node) Engine() *broadcast.Engine {
	return n.engine
}

// AdminAddr returns the address the admin server is listening on, or an
// empty string if the admin server is disabled.
func (n *Node) AdminAddr() string {
	if n.adminLn == nil {
		return ""
	}
	return n.adminLn.Addr().String()
}

// Run runs the anti-entropy syncer and admin server until the context is
// cancelled, then shuts down the admin server within the grace period and
// closes the store.
func (n *Node) Run(ctx context.Context) error {
	defer func() {
		if err := n.state.Close(); err != nil {
			n.logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var group rungroup.Group

	group.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
	})

	// Anti-entropy.
	group.Add(func() error {
		return n.syncer.Run(ctx)
	}, func(error) {
		cancel()
	})

	// Admin server.
	if n.adminServer != nil {
		group.Add(func() error {
			if err := n.adminServer.Serve(n.adminLn); err != nil {
				return fmt.Errorf("admin server serve: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				n.conf.GracePeriod,
			)
			defer cancel()

			if err := n.adminServer.Shutdown(shutdownCtx); err != nil {
				n.logger.Warn("failed to gracefully shutdown admin server", zap.Error(err))
			}

			n.logger.Info("admin server shut down")
		})
	}

	return group.Run()
}

func storeOpener(
	conf *config.Config,
	registry *prometheus.Registry,
	logger log.Logger,
) state.OpenFunc {
	return func(nodeID string) (*store.Store, error) {
		st, err := store.Open(
			filepath.Join(conf.Store.DataDir, nodeID+".db"),
			store.WithOpenTimeout(conf.Store.OpenTimeout),
			store.WithOpenRetries(conf.Store.OpenRetries),
			store.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		// The state only ever opens one store successfully.
		if registry != nil {
			st.Metrics().Register(registry)
		}
		return st, nil
	}
}
