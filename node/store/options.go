package store

import (
	"time"

	"github.com/andydunstall/rumour/pkg/log"
)

type options struct {
	openTimeout time.Duration
	openRetries int
	logger      log.Logger
}

type openTimeoutOption time.Duration

func (o openTimeoutOption) apply(opts *options) {
	opts.openTimeout = time.Duration(o)
}

// WithOpenTimeout sets how long to wait for the database file lock when
// opening. Defaults to one second.
func WithOpenTimeout(timeout time.Duration) Option {
	return openTimeoutOption(timeout)
}

type openRetriesOption int

func (o openRetriesOption) apply(opts *options) {
	opts.openRetries = int(o)
}

// WithOpenRetries sets how many times to retry opening the database when
// the file lock is held by another process. Defaults to zero, so opening
// fails once the open timeout expires.
func WithOpenRetries(retries int) Option {
	return openRetriesOption(retries)
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
