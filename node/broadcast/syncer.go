package broadcast

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/andydunstall/rumour/node/state"
	"github.com/andydunstall/rumour/node/transport"
	"github.com/andydunstall/rumour/pkg/log"
	"github.com/andydunstall/rumour/pkg/protocol"
)

// Syncer runs anti-entropy rounds, where each round sends a 'read' to a
// random peer. The peer replies with 'read_ok' containing all its values,
// which the router passes to Engine.Backfill.
//
// This lets a node recover values whose forwards it missed, such as while it
// was partitioned.
type Syncer struct {
	interval time.Duration

	state *state.State

	transport transport.Transport

	metrics *Metrics

	logger log.Logger
}

func NewSyncer(
	interval time.Duration,
	engine *Engine,
	logger log.Logger,
) *Syncer {
	return &Syncer{
		interval:  interval,
		state:     engine.state,
		transport: engine.transport,
		metrics:   engine.metrics,
		logger:    logger.WithSubsystem("broadcast.sync"),
	}
}

// Run runs a round every interval until the context is cancelled. If the
// interval is zero the syncer is disabled and Run only waits for the context.
func (s *Syncer) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	s.logger.Info("starting syncer", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Add 10% jitter to avoid nodes synchronising.
			jitterMs := (rand.Int63() % max(s.interval.Milliseconds(), 1)) / 10
			select {
			case <-time.After(time.Duration(jitterMs) * time.Millisecond):
				s.Round()
			case <-ctx.Done():
				return nil
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// Round sends a 'read' to a random peer. Does nothing if the node isn't
// initialized or has no peers.
func (s *Syncer) Round() {
	if !s.state.Initialized() {
		return
	}

	localID := s.state.LocalID()
	var peers []string
	for _, id := range s.state.Neighbors().NodeIDs() {
		if id != localID {
			peers = append(peers, id)
		}
	}
	if len(peers) == 0 {
		return
	}

	peer := peers[rand.Int()%len(peers)]
	s.metrics.SyncRoundsTotal.Inc()
	if err := s.transport.Send(peer, protocol.ReadRequest{
		Type: protocol.MessageTypeRead,
	}); err != nil {
		s.logger.Debug("failed to send read", zap.String("dest", peer), zap.Error(err))
	}
}
