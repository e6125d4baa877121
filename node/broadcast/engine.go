// Package broadcast disseminates broadcast values between nodes.
//
// When a node receives a value it records the value in its store, then
// forwards the value to every other registered node. Forwards are fire and
// forget: they aren't acknowledged, correlated or retried, so a node that
// misses a forward only learns the value once a peer forwards it again or
// the anti-entropy syncer backfills it.
package broadcast

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/andydunstall/rumour/node/state"
	"github.com/andydunstall/rumour/node/store"
	"github.com/andydunstall/rumour/node/transport"
	"github.com/andydunstall/rumour/pkg/log"
	"github.com/andydunstall/rumour/pkg/protocol"
)

type Engine struct {
	forwardDuplicates bool

	state *state.State

	transport transport.Transport

	metrics *Metrics

	logger log.Logger
}

func NewEngine(
	state *state.State,
	transport transport.Transport,
	logger log.Logger,
	opts ...Option,
) *Engine {
	options := options{
		forwardDuplicates: true,
	}
	for _, o := range opts {
		o.apply(&options)
	}

	return &Engine{
		forwardDuplicates: options.forwardDuplicates,
		state:             state,
		transport:         transport,
		metrics:           NewMetrics(),
		logger:            logger.WithSubsystem("broadcast"),
	}
}

// Broadcast records the value then forwards it to every registered node
// other than the local node.
//
// By default the value is forwarded whether or not it was already recorded
// (see WithForwardDuplicates). If the value can't be recorded it isn't
// forwarded.
func (e *Engine) Broadcast(ctx context.Context, value uint64) error {
	e.metrics.ReceivedTotal.Inc()

	var added bool
	if err := e.state.WithStore(ctx, func(ctx context.Context, st *store.Store) error {
		var err error
		added, err = st.InsertValue(ctx, value)
		return err
	}); err != nil {
		return fmt.Errorf("broadcast: %d: %w", value, err)
	}

	if added || e.forwardDuplicates {
		e.forward(value)
	}
	return nil
}

// OnAck handles a 'broadcast_ok' from a peer. As forwards aren't tracked
// the ack is only logged.
func (e *Engine) OnAck(src string) {
	e.logger.Debug("broadcast acknowledged", zap.String("src", src))
}

// Read returns every value the node has recorded.
func (e *Engine) Read(ctx context.Context) ([]uint64, error) {
	var values []uint64
	if err := e.state.WithStore(ctx, func(ctx context.Context, st *store.Store) error {
		var err error
		values, err = st.List(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return values, nil
}

// Backfill records the values read from a peer. Backfilled values are not
// forwarded.
func (e *Engine) Backfill(ctx context.Context, values []uint64) error {
	return e.state.WithStore(ctx, func(ctx context.Context, st *store.Store) error {
		added := 0
		for _, v := range values {
			ok, err := st.InsertValue(ctx, v)
			if err != nil {
				return fmt.Errorf("backfill: %d: %w", v, err)
			}
			if ok {
				added++
			}
		}
		e.metrics.BackfilledTotal.Add(float64(added))

		if added > 0 {
			e.logger.Debug(
				"backfilled values",
				zap.Int("received", len(values)),
				zap.Int("added", added),
			)
		}
		return nil
	})
}

func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

func (e *Engine) forward(value uint64) {
	localID := e.state.LocalID()
	for _, id := range e.state.Neighbors().NodeIDs() {
		if id == localID {
			continue
		}

		e.metrics.ForwardsTotal.Inc()
		if err := e.transport.Send(id, protocol.BroadcastRequest{
			Type:    protocol.MessageTypeBroadcast,
			Message: value,
		}); err != nil {
			e.metrics.ForwardErrorsTotal.Inc()
			e.logger.Debug(
				"failed to forward",
				zap.String("dest", id),
				zap.Uint64("value", value),
				zap.Error(err),
			)
		}
	}
}
