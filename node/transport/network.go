package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andydunstall/rumour/pkg/log"
)

var (
	ErrUnknownNode = errors.New("unknown node")
	ErrClosed      = errors.New("network closed")
)

// Network is an in-memory network of nodes.
//
// Like Maelstrom, each message is handled on its own goroutine and the
// network replies 'init_ok' after the 'init' handler returns. Messages of
// every kind are passed to the handler, including kinds the handler doesn't
// list.
//
// Nodes can be partitioned, in which case any message to or from the node is
// silently dropped.
type Network struct {
	endpoints map[string]*Endpoint

	// pending contains client requests waiting for a response, keyed by
	// client ID.
	pending map[string]chan maelstrom.Message

	// sent counts the delivered messages by type.
	sent map[string]int
	// dropped counts the messages dropped due to a partition by type.
	dropped map[string]int

	// closed is set once Close is called, after which no handlers are
	// started.
	closed bool

	// mu protects the above fields, and adding to wg.
	mu sync.Mutex

	nextClientID *atomic.Int64

	wg sync.WaitGroup

	logger log.Logger
}

func NewNetwork(logger log.Logger) *Network {
	return &Network{
		endpoints:    make(map[string]*Endpoint),
		pending:      make(map[string]chan maelstrom.Message),
		sent:         make(map[string]int),
		dropped:      make(map[string]int),
		nextClientID: atomic.NewInt64(0),
		logger:       logger.WithSubsystem("transport.network"),
	}
}

// Endpoint adds a node with the given address to the network. The node
// isn't assigned its ID until it receives 'init'.
func (n *Network) Endpoint(addr string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	if e, ok := n.endpoints[addr]; ok {
		return e
	}
	e := &Endpoint{
		addr:        addr,
		id:          atomic.NewString(""),
		partitioned: atomic.NewBool(false),
		network:     n,
	}
	n.endpoints[addr] = e
	return e
}

// RPC sends a request from a new client to the node and waits for the
// response.
func (n *Network) RPC(ctx context.Context, dest string, body any) (maelstrom.Message, error) {
	clientID := fmt.Sprintf("c%d", n.nextClientID.Inc())

	b, err := marshalBody(body, map[string]any{"msg_id": 1})
	if err != nil {
		return maelstrom.Message{}, err
	}

	ch := make(chan maelstrom.Message, 1)
	n.mu.Lock()
	n.pending[clientID] = ch
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.pending, clientID)
		n.mu.Unlock()
	}()

	if err := n.deliver(maelstrom.Message{
		Src:  clientID,
		Dest: dest,
		Body: b,
	}); err != nil {
		return maelstrom.Message{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return maelstrom.Message{}, ctx.Err()
	}
}

// Init sends 'init' to every node concurrently, assigning each node its
// address as ID.
func (n *Network) Init(ctx context.Context) error {
	n.mu.Lock()
	addrs := make([]string, 0, len(n.endpoints))
	for addr := range n.endpoints {
		addrs = append(addrs, addr)
	}
	n.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		g.Go(func() error {
			resp, err := n.RPC(ctx, addr, map[string]any{
				"type":     "init",
				"node_id":  addr,
				"node_ids": addrs,
			})
			if err != nil {
				return fmt.Errorf("init: %s: %w", addr, err)
			}
			if resp.Type() != "init_ok" {
				return fmt.Errorf("init: %s: unexpected response: %s", addr, string(resp.Body))
			}
			return nil
		})
	}
	return g.Wait()
}

// Partition drops all messages to and from the node with the given address.
func (n *Network) Partition(addr string) {
	n.Endpoint(addr).partitioned.Store(true)
}

// Heal reverses Partition.
func (n *Network) Heal(addr string) {
	n.Endpoint(addr).partitioned.Store(false)
}

// Sent returns the number of delivered messages with the given type.
func (n *Network) Sent(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.sent[kind]
}

// Dropped returns the number of messages with the given type dropped due to
// a partition.
func (n *Network) Dropped(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.dropped[kind]
}

// Close stops delivering messages and waits for in-flight handlers to
// return.
func (n *Network) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	n.wg.Wait()
}

func (n *Network) deliver(msg maelstrom.Message) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	dest, ok := n.endpoints[msg.Dest]
	if !ok {
		ch, ok := n.pending[msg.Dest]
		n.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, msg.Dest)
		}
		select {
		case ch <- msg:
		default:
		}
		return nil
	}
	src := n.endpoints[msg.Src]
	n.mu.Unlock()

	if dest.partitioned.Load() || (src != nil && src.partitioned.Load()) {
		n.mu.Lock()
		n.dropped[msg.Type()]++
		n.mu.Unlock()

		n.logger.Debug(
			"dropped message",
			zap.String("src", msg.Src),
			zap.String("dest", msg.Dest),
		)
		return nil
	}

	// The handler must be added to wg under the same lock Close sets closed,
	// otherwise Close could return before the handler starts.
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.sent[msg.Type()]++
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		dest.handle(msg)
	}()
	return nil
}

// Endpoint is a node's connection to the network.
type Endpoint struct {
	addr string
	id   *atomic.String

	handler Handler

	partitioned *atomic.Bool

	network *Network
}

// Register sets the handler for inbound messages. Must be called before the
// node receives any messages.
func (e *Endpoint) Register(h Handler) {
	e.handler = h
}

func (e *Endpoint) ID() string {
	return e.id.Load()
}

func (e *Endpoint) Reply(req maelstrom.Message, body any) error {
	var reqBody maelstrom.MessageBody
	if err := json.Unmarshal(req.Body, &reqBody); err != nil {
		return fmt.Errorf("unmarshal request: %w", err)
	}

	b, err := marshalBody(body, map[string]any{"in_reply_to": reqBody.MsgID})
	if err != nil {
		return err
	}
	return e.network.deliver(maelstrom.Message{
		Src:  e.addr,
		Dest: req.Src,
		Body: b,
	})
}

func (e *Endpoint) Send(dest string, body any) error {
	b, err := marshalBody(body, nil)
	if err != nil {
		return err
	}
	return e.network.deliver(maelstrom.Message{
		Src:  e.addr,
		Dest: dest,
		Body: b,
	})
}

func (e *Endpoint) handle(msg maelstrom.Message) {
	if e.handler == nil {
		e.network.logger.Warn("no handler", zap.String("addr", e.addr))
		return
	}

	if msg.Type() == "init" {
		var body maelstrom.InitMessageBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			e.network.logger.Warn("invalid init", zap.Error(err))
			return
		}
		e.id.Store(body.NodeID)
	}

	if err := e.handler.Handle(msg); err != nil {
		var rpcErr *maelstrom.RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = maelstrom.NewRPCError(maelstrom.Crash, err.Error())
		}
		if err := e.Reply(msg, map[string]any{
			"type": "error",
			"code": rpcErr.Code,
			"text": rpcErr.Text,
		}); err != nil {
			e.network.logger.Warn("reply error", zap.Error(err))
		}
		return
	}

	if msg.Type() == "init" {
		if err := e.Reply(msg, map[string]any{"type": "init_ok"}); err != nil {
			e.network.logger.Warn("reply init", zap.Error(err))
		}
	}
}

var _ Transport = &Endpoint{}

// marshalBody encodes the body as a JSON object, adding the given fields.
func marshalBody(body any, fields map[string]any) (json.RawMessage, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	if len(fields) == 0 {
		return b, nil
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("body not an object: %w", err)
	}
	for k, v := range fields {
		m[k] = v
	}
	return json.Marshal(m)
}
