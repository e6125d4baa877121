package node

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-sockaddr"
	rungroup "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andydunstall/rumour/node"
	"github.com/andydunstall/rumour/node/config"
	"github.com/andydunstall/rumour/node/transport"
	rumourconfig "github.com/andydunstall/rumour/pkg/config"
	"github.com/andydunstall/rumour/pkg/log"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "start a broadcast node",
		Long: `Start a broadcast node.

The node reads messages from stdin and writes messages to stdout using the
Maelstrom protocol, so is typically started by Maelstrom rather than run
directly. Logs are written to stderr.

Each value broadcast to the node is recorded in a local store under
'--store.data-dir' and forwarded to every other node in the cluster. Clients
may then read the set of recorded values.

Examples:
  # Run a broadcast workload with Maelstrom, where 'rumour-node.sh' execs
  # 'rumour node'.
  maelstrom test -w broadcast --bin ./rumour-node.sh --node-count 5

  # Start a node that also serves the admin API on :8002.
  rumour node --admin.bind-addr :8002

  # Start a node that only forwards values it hasn't seen before, and
  # periodically repairs missed values from a random peer.
  rumour node --broadcast.forward-duplicates=false --broadcast.sync-interval 1s
`,
	}

	conf := config.Default()

	var configPath string
	cmd.Flags().StringVar(
		&configPath,
		"config.path",
		"",
		`
YAML config file path.`,
	)

	var configExpandEnv bool
	cmd.Flags().BoolVar(
		&configExpandEnv,
		"config.expand-env",
		false,
		`
Whether to expand environment variables in the config file.

This will replaces references to ${VAR} or $VAR with the corresponding
environment variable. The replacement is case-sensitive.

References to undefined variables will be replaced with an empty string. A
default value can be given using form ${VAR:default}.`,
	)

	// Register flags and set default values.
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			if err := rumourconfig.Load(conf, configPath, configExpandEnv); err != nil {
				fmt.Fprintf(os.Stderr, "load config: %s\n", err.Error())
				os.Exit(1)
			}
		}

		if err := conf.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log.Level, conf.Log.Subsystems)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		if conf.Admin.BindAddr != "" && conf.Admin.AdvertiseAddr == "" {
			advertiseAddr, err := advertiseAddrFromBindAddr(conf.Admin.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.Admin.AdvertiseAddr = advertiseAddr
		}

		if err := run(conf, logger); err != nil {
			logger.Error("failed to run node", zap.Error(err))
			os.Exit(1)
		}
	}

	return cmd
}

func run(conf *config.Config, logger log.Logger) error {
	logger.Info("starting rumour node", zap.Any("conf", conf))

	registry := prometheus.NewRegistry()

	// Stdin is copied through a pipe so the transport can be stopped on
	// shutdown, as a blocked read on stdin can't be interrupted.
	stdinReader, stdinWriter := io.Pipe()
	go func() {
		_, err := io.Copy(stdinWriter, os.Stdin)
		stdinWriter.CloseWithError(err)
	}()

	t := transport.NewMaelstrom(stdinReader, os.Stdout, logger)

	n, err := node.NewNode(conf, t, registry, logger)
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	t.Register(n.Handler())

	var group rungroup.Group

	// Termination handler.
	signalCtx, signalCancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	group.Add(func() error {
		select {
		case sig := <-signalCh:
			logger.Info(
				"received shutdown signal",
				zap.String("signal", sig.String()),
			)
			return nil
		case <-signalCtx.Done():
			return nil
		}
	}, func(error) {
		signalCancel()
	})

	// Transport. Exits once stdin is closed.
	group.Add(func() error {
		return t.Run()
	}, func(error) {
		stdinWriter.Close()
	})

	// Node.
	nodeCtx, nodeCancel := context.WithCancel(context.Background())
	group.Add(func() error {
		return n.Run(nodeCtx)
	}, func(error) {
		nodeCancel()
	})

	if err := group.Run(); err != nil {
		return err
	}

	logger.Info("shutdown complete")

	return nil
}

func advertiseAddrFromBindAddr(bindAddr string) (string, error) {
	if strings.HasPrefix(bindAddr, ":") {
		bindAddr = "0.0.0.0" + bindAddr
	}

	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", fmt.Errorf("invalid bind addr: %s: %w", bindAddr, err)
	}

	if host == "0.0.0.0" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil {
			return "", fmt.Errorf("get interface addr: %w", err)
		}
		if ip == "" {
			return "", fmt.Errorf("no private ip found")
		}
		return ip + ":" + port, nil
	}
	return bindAddr, nil
}
