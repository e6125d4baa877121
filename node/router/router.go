// Package router dispatches inbound messages by type.
//
// Requests are replied to on the transport. Informational messages
// ('broadcast_ok', 'read_ok' and 'error') have no reply, and neither do
// messages that can't be parsed or have an unrecognized type, which are
// logged and dropped.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"go.uber.org/zap"

	"github.com/andydunstall/rumour/node/broadcast"
	"github.com/andydunstall/rumour/node/state"
	"github.com/andydunstall/rumour/node/transport"
	"github.com/andydunstall/rumour/pkg/log"
	"github.com/andydunstall/rumour/pkg/protocol"
)

var (
	errMalformed = errors.New("malformed message")
)

type handlerFunc func(ctx context.Context, msg maelstrom.Message) error

type Router struct {
	handlers map[protocol.MessageType]handlerFunc

	state *state.State

	engine *broadcast.Engine

	transport transport.Transport

	metrics *Metrics

	logger log.Logger
}

func NewRouter(
	state *state.State,
	engine *broadcast.Engine,
	transport transport.Transport,
	logger log.Logger,
) *Router {
	r := &Router{
		handlers:  make(map[protocol.MessageType]handlerFunc),
		state:     state,
		engine:    engine,
		transport: transport,
		metrics:   NewMetrics(),
		logger:    logger.WithSubsystem("router"),
	}

	r.register(protocol.MessageTypeInit, r.handleInit)
	r.register(protocol.MessageTypeEcho, r.handleEcho)
	r.register(protocol.MessageTypeGenerate, r.handleGenerate)
	r.register(protocol.MessageTypeBroadcast, r.handleBroadcast)
	r.register(protocol.MessageTypeBroadcastOK, r.handleBroadcastOK)
	r.register(protocol.MessageTypeRead, r.handleRead)
	r.register(protocol.MessageTypeReadOK, r.handleReadOK)
	r.register(protocol.MessageTypeTopology, r.handleTopology)
	r.register(protocol.MessageTypeError, r.handleError)

	return r
}

// Kinds returns the message types the router handles.
func (r *Router) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	return kinds
}

// Handle dispatches the message to the handler for its type.
//
// If handling fails, returns a *maelstrom.RPCError for the transport to reply
// with.
func (r *Router) Handle(msg maelstrom.Message) error {
	var body maelstrom.MessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		r.metrics.RequestsTotal.WithLabelValues("unknown").Inc()
		r.logger.Warn(
			"failed to parse message",
			zap.String("src", msg.Src),
			zap.String("body", string(msg.Body)),
			zap.Error(err),
		)
		return nil
	}

	h, ok := r.handlers[protocol.MessageType(body.Type)]
	if !ok {
		r.metrics.RequestsTotal.WithLabelValues("unknown").Inc()
		r.logger.Warn(
			"unrecognized message",
			zap.String("src", msg.Src),
			zap.String("type", body.Type),
			zap.String("body", string(msg.Body)),
		)
		return nil
	}

	r.metrics.RequestsTotal.WithLabelValues(body.Type).Inc()

	err := h(context.Background(), msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, errMalformed) {
		r.logger.Warn(
			"malformed message",
			zap.String("src", msg.Src),
			zap.String("type", body.Type),
			zap.String("body", string(msg.Body)),
			zap.Error(err),
		)
		return nil
	}

	rpcErr := rpcError(err)
	r.metrics.ErrorsTotal.WithLabelValues(
		body.Type, strconv.Itoa(rpcErr.Code),
	).Inc()
	r.logger.Warn(
		"failed to handle message",
		zap.String("src", msg.Src),
		zap.String("type", body.Type),
		zap.Int("code", rpcErr.Code),
		zap.Error(err),
	)
	return rpcErr
}

func (r *Router) Metrics() *Metrics {
	return r.metrics
}

func (r *Router) register(kind protocol.MessageType, h handlerFunc) {
	r.handlers[kind] = h
}

func (r *Router) handleInit(_ context.Context, msg maelstrom.Message) error {
	var body maelstrom.InitMessageBody
	if err := decode(msg, &body); err != nil {
		return err
	}

	// The runtime assigns the node ID before the handler is called.
	if err := r.state.Init(r.transport.ID(), body.NodeIDs); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return nil
}

func (r *Router) handleEcho(_ context.Context, msg maelstrom.Message) error {
	var body map[string]any
	if err := decode(msg, &body); err != nil {
		return err
	}
	body["type"] = protocol.MessageTypeEchoOK
	r.reply(msg, body)
	return nil
}

func (r *Router) handleGenerate(_ context.Context, msg maelstrom.Message) error {
	r.reply(msg, protocol.GenerateResponse{
		Type: protocol.MessageTypeGenerateOK,
		ID:   uuid.NewString(),
	})
	return nil
}

func (r *Router) handleBroadcast(ctx context.Context, msg maelstrom.Message) error {
	var body protocol.BroadcastRequest
	if err := decode(msg, &body); err != nil {
		return err
	}

	if err := r.engine.Broadcast(ctx, body.Message); err != nil {
		return err
	}

	r.reply(msg, protocol.BroadcastResponse{
		Type: protocol.MessageTypeBroadcastOK,
	})
	return nil
}

func (r *Router) handleBroadcastOK(_ context.Context, msg maelstrom.Message) error {
	r.engine.OnAck(msg.Src)
	return nil
}

func (r *Router) handleRead(ctx context.Context, msg maelstrom.Message) error {
	values, err := r.engine.Read(ctx)
	if err != nil {
		return err
	}

	r.reply(msg, protocol.ReadResponse{
		Type:     protocol.MessageTypeReadOK,
		Messages: values,
	})
	return nil
}

func (r *Router) handleReadOK(ctx context.Context, msg maelstrom.Message) error {
	var body protocol.ReadResponse
	if err := decode(msg, &body); err != nil {
		return err
	}
	return r.engine.Backfill(ctx, body.Messages)
}

func (r *Router) handleTopology(_ context.Context, msg maelstrom.Message) error {
	var body protocol.TopologyRequest
	if err := decode(msg, &body); err != nil {
		return err
	}

	for id, peers := range body.Topology {
		r.state.Neighbors().MergeTopology(id, peers)
	}

	r.reply(msg, protocol.TopologyResponse{
		Type: protocol.MessageTypeTopologyOK,
	})
	return nil
}

func (r *Router) handleError(_ context.Context, msg maelstrom.Message) error {
	var body protocol.ErrorResponse
	if err := decode(msg, &body); err != nil {
		return err
	}

	r.logger.Debug(
		"peer error",
		zap.String("src", msg.Src),
		zap.Int("code", body.Code),
		zap.String("text", body.Text),
	)
	return nil
}

// reply sends the response. As the exchange is complete once handled, a
// failed reply is only logged.
func (r *Router) reply(req maelstrom.Message, body any) {
	if err := r.transport.Reply(req, body); err != nil {
		r.logger.Warn(
			"failed to reply",
			zap.String("dest", req.Src),
			zap.Error(err),
		)
	}
}

func decode(msg maelstrom.Message, v any) error {
	if err := json.Unmarshal(msg.Body, v); err != nil {
		return fmt.Errorf("%w: %w", errMalformed, err)
	}
	return nil
}

// rpcError maps the error to the RPC error returned to the sender.
func rpcError(err error) *maelstrom.RPCError {
	var rpcErr *maelstrom.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	switch {
	case errors.Is(err, state.ErrNotInitialized):
		return maelstrom.NewRPCError(maelstrom.TemporarilyUnavailable, err.Error())
	case errors.Is(err, state.ErrNodeIDUnassigned):
		return maelstrom.NewRPCError(maelstrom.PreconditionFailed, err.Error())
	default:
		// Includes store.ErrStorage.
		return maelstrom.NewRPCError(maelstrom.Crash, err.Error())
	}
}
