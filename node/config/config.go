package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/andydunstall/rumour/pkg/log"
)

type StoreConfig struct {
	// DataDir is the directory containing the node's store. The store file
	// is named after the node ID assigned on init.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// OpenTimeout is how long to wait for the store's file lock.
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`

	// OpenRetries is how many times to retry opening the store while its
	// file lock is held.
	OpenRetries int `json:"open_retries" yaml:"open_retries"`
}

func (c *StoreConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("missing data dir")
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("missing open timeout")
	}
	if c.OpenRetries < 0 {
		return fmt.Errorf("negative open retries")
	}
	return nil
}

func (c *StoreConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.DataDir,
		"store.data-dir",
		c.DataDir,
		`
The directory to store broadcast values in.

Each node has its own file named '<node-id>.db', so multiple nodes may share
the same directory.`,
	)
	fs.DurationVar(
		&c.OpenTimeout,
		"store.open-timeout",
		c.OpenTimeout,
		`
Maximum duration to wait for the store's file lock when opening the store.

If another process has the store open, initializing the node fails once the
timeout expires and any retries are exhausted.`,
	)
	fs.IntVar(
		&c.OpenRetries,
		"store.open-retries",
		c.OpenRetries,
		`
Number of times to retry opening the store, with backoff, while another
process holds the store's file lock. Such as when a previous incarnation of
the node is still shutting down.`,
	)
}

type BroadcastConfig struct {
	// ForwardDuplicates is whether to forward values that were already
	// received.
	ForwardDuplicates bool `json:"forward_duplicates" yaml:"forward_duplicates"`

	// SyncInterval is the interval between anti-entropy rounds. Zero
	// disables anti-entropy.
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval"`
}

func (c *BroadcastConfig) Validate() error {
	if c.SyncInterval < 0 {
		return fmt.Errorf("negative sync interval")
	}
	return nil
}

func (c *BroadcastConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.BoolVar(
		&c.ForwardDuplicates,
		"broadcast.forward-duplicates",
		c.ForwardDuplicates,
		`
Whether to forward a broadcast value to peers when it was already received.

When enabled, a topology containing a cycle will forward the value around the
cycle indefinitely. Disabling only forwards values the first time they are
received.`,
	)
	fs.DurationVar(
		&c.SyncInterval,
		"broadcast.sync-interval",
		c.SyncInterval,
		`
Interval between anti-entropy rounds.

Each round sends a 'read' to a random peer, then adds any values in the
peer's response that are missing locally. This recovers values whose forwards
were lost.

Set to 0 to disable anti-entropy.`,
	)
}

type AdminConfig struct {
	// BindAddr is the address to bind to listen for incoming HTTP
	// connections. If empty the admin server is disabled.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address to advertise in the node status.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`
}

func (c *AdminConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"admin.bind-addr",
		c.BindAddr,
		`
The host/port to listen for incoming admin connections.

The admin server exposes health, Prometheus metrics and the status API used
by 'rumour status'.

If the host is unspecified it defaults to all listeners, such as
'--admin.bind-addr :8002' will listen on '0.0.0.0:8002'.

If empty the admin server is disabled.`,
	)
	fs.StringVar(
		&c.AdvertiseAddr,
		"admin.advertise-addr",
		c.AdvertiseAddr,
		`
Admin listen address to advertise in the node status, so operators can find
the admin server of each node.

Such as if the listen address is ':8002', the advertised address may be
'10.26.104.45:8002' or 'node1.cluster:8002'.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':8002') the nodes
private IP will be used.`,
	)
}

type Config struct {
	Store StoreConfig `json:"store" yaml:"store"`

	Broadcast BroadcastConfig `json:"broadcast" yaml:"broadcast"`

	Admin AdminConfig `json:"admin" yaml:"admin"`

	Log log.Config `json:"log" yaml:"log"`

	// GracePeriod is the duration to gracefully shutdown the admin server
	// once the node exits.
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`
}

func Default() *Config {
	return &Config{
		Store: StoreConfig{
			DataDir:     "data",
			OpenTimeout: time.Second,
			OpenRetries: 3,
		},
		Broadcast: BroadcastConfig{
			ForwardDuplicates: true,
		},
		Log: log.Config{
			Level: "info",
		},
		GracePeriod: time.Second * 10,
	}
}

func (c *Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Broadcast.Validate(); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	if c.GracePeriod == 0 {
		return fmt.Errorf("missing grace period")
	}

	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	c.Store.RegisterFlags(fs)
	c.Broadcast.RegisterFlags(fs)
	c.Admin.RegisterFlags(fs)
	c.Log.RegisterFlags(fs)

	fs.DurationVar(
		&c.GracePeriod,
		"grace-period",
		c.GracePeriod,
		`
Maximum duration after the node exits (stdin is closed, or on SIGTERM or
SIGINT) to gracefully shutdown the admin server.`,
	)
}
