package nodetest

import (
	"time"

	"github.com/andydunstall/rumour/pkg/log"
)

type options struct {
	dataDir           string
	syncInterval      time.Duration
	forwardDuplicates bool
	logger            log.Logger
}

type dataDirOption string

func (o dataDirOption) apply(opts *options) {
	opts.dataDir = string(o)
}

// WithDataDir configures the directory containing the node stores. Defaults
// to a temporary directory that is removed when the cluster is closed.
func WithDataDir(dir string) Option {
	return dataDirOption(dir)
}

type syncIntervalOption time.Duration

func (o syncIntervalOption) apply(opts *options) {
	opts.syncInterval = time.Duration(o)
}

// WithSyncInterval configures the nodes anti-entropy interval. Defaults to
// disabled.
func WithSyncInterval(interval time.Duration) Option {
	return syncIntervalOption(interval)
}

type forwardDuplicatesOption bool

func (o forwardDuplicatesOption) apply(opts *options) {
	opts.forwardDuplicates = bool(o)
}

// WithForwardDuplicates configures whether nodes forward values they've
// already received. Defaults to false, since the nodes are fully connected.
func WithForwardDuplicates(enabled bool) Option {
	return forwardDuplicatesOption(enabled)
}

type loggerOption struct {
	Logger log.Logger
}

func (o loggerOption) apply(opts *options) {
	opts.logger = o.Logger
}

// WithLogger configures the logger. Defaults to no output.
func WithLogger(logger log.Logger) Option {
	return loggerOption{Logger: logger}
}

type Option interface {
	apply(*options)
}
