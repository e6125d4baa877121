package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/andydunstall/rumour/pkg/log"
)

// echoHandler replies to 'ping' and records every received message.
type echoHandler struct {
	transport Transport
	received  chan maelstrom.Message
	err       error
}

func newEchoHandler(transport Transport) *echoHandler {
	return &echoHandler{
		transport: transport,
		received:  make(chan maelstrom.Message, 64),
	}
}

func (h *echoHandler) Kinds() []string {
	return []string{"init", "ping"}
}

func (h *echoHandler) Handle(msg maelstrom.Message) error {
	h.received <- msg
	if h.err != nil {
		return h.err
	}
	if msg.Type() == "ping" {
		return h.transport.Reply(msg, map[string]any{"type": "pong"})
	}
	return nil
}

func (h *echoHandler) wait(t *testing.T) maelstrom.Message {
	select {
	case msg := <-h.received:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return maelstrom.Message{}
	}
}

func TestNetwork_Init(t *testing.T) {
	network := NewNetwork(log.NewNopLogger())
	defer network.Close()

	var handlers []*echoHandler
	for _, addr := range []string{"n1", "n2"} {
		e := network.Endpoint(addr)
		h := newEchoHandler(e)
		e.Register(h)
		handlers = append(handlers, h)
	}

	require.NoError(t, network.Init(context.Background()))

	assert.Equal(t, "n1", network.Endpoint("n1").ID())
	assert.Equal(t, "n2", network.Endpoint("n2").ID())

	for _, h := range handlers {
		msg := h.wait(t)
		assert.Equal(t, "init", msg.Type())

		var body maelstrom.InitMessageBody
		require.NoError(t, json.Unmarshal(msg.Body, &body))
		assert.ElementsMatch(t, []string{"n1", "n2"}, body.NodeIDs)
	}
}

func TestNetwork_RPC(t *testing.T) {
	t.Run("reply", func(t *testing.T) {
		network := NewNetwork(log.NewNopLogger())
		defer network.Close()

		e := network.Endpoint("n1")
		e.Register(newEchoHandler(e))

		resp, err := network.RPC(context.Background(), "n1", map[string]any{
			"type": "ping",
		})
		require.NoError(t, err)
		assert.Equal(t, "pong", resp.Type())
		assert.Equal(t, "n1", resp.Src)

		var body maelstrom.MessageBody
		require.NoError(t, json.Unmarshal(resp.Body, &body))
		assert.Equal(t, 1, body.InReplyTo)
	})

	t.Run("handler error", func(t *testing.T) {
		network := NewNetwork(log.NewNopLogger())
		defer network.Close()

		e := network.Endpoint("n1")
		h := newEchoHandler(e)
		h.err = maelstrom.NewRPCError(maelstrom.TemporarilyUnavailable, "not ready")
		e.Register(h)

		resp, err := network.RPC(context.Background(), "n1", map[string]any{
			"type": "ping",
		})
		require.NoError(t, err)
		assert.Equal(t, "error", resp.Type())

		var body struct {
			Code int    `json:"code"`
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(resp.Body, &body))
		assert.Equal(t, maelstrom.TemporarilyUnavailable, body.Code)
		assert.Equal(t, "not ready", body.Text)
	})

	t.Run("unknown node", func(t *testing.T) {
		network := NewNetwork(log.NewNopLogger())
		defer network.Close()

		_, err := network.RPC(context.Background(), "n1", map[string]any{
			"type": "ping",
		})
		assert.ErrorIs(t, err, ErrUnknownNode)
	})

	t.Run("context cancelled", func(t *testing.T) {
		network := NewNetwork(log.NewNopLogger())
		defer network.Close()

		e := network.Endpoint("n1")
		e.Register(newEchoHandler(e))
		network.Partition("n1")

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := network.RPC(ctx, "n1", map[string]any{
			"type": "ping",
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestNetwork_Send(t *testing.T) {
	t.Run("send", func(t *testing.T) {
		network := NewNetwork(log.NewNopLogger())
		defer network.Close()

		n1 := network.Endpoint("n1")
		n2 := network.Endpoint("n2")
		h := newEchoHandler(n2)
		n2.Register(h)

		require.NoError(t, n1.Send("n2", map[string]any{
			"type":    "note",
			"message": 5,
		}))

		// Kinds the handler doesn't list are still delivered.
		msg := h.wait(t)
		assert.Equal(t, "note", msg.Type())
		assert.Equal(t, "n1", msg.Src)
		assert.Equal(t, 1, network.Sent("note"))
	})

	t.Run("partitioned", func(t *testing.T) {
		network := NewNetwork(log.NewNopLogger())
		defer network.Close()

		n1 := network.Endpoint("n1")
		n2 := network.Endpoint("n2")
		h := newEchoHandler(n2)
		n2.Register(h)

		network.Partition("n2")
		require.NoError(t, n1.Send("n2", map[string]any{"type": "note"}))
		network.Heal("n2")
		require.NoError(t, n1.Send("n2", map[string]any{"type": "other"}))

		// Only the message sent after healing is delivered.
		msg := h.wait(t)
		assert.Equal(t, "other", msg.Type())
		assert.Equal(t, 0, network.Sent("note"))
		assert.Equal(t, 1, network.Dropped("note"))
		assert.Equal(t, 1, network.Sent("other"))
	})

	t.Run("unknown node", func(t *testing.T) {
		network := NewNetwork(log.NewNopLogger())
		defer network.Close()

		n1 := network.Endpoint("n1")
		err := n1.Send("n2", map[string]any{"type": "note"})
		assert.ErrorIs(t, err, ErrUnknownNode)
	})

	t.Run("closed", func(t *testing.T) {
		network := NewNetwork(log.NewNopLogger())
		n1 := network.Endpoint("n1")
		network.Endpoint("n2")
		network.Close()

		err := n1.Send("n2", map[string]any{"type": "note"})
		assert.ErrorIs(t, err, ErrClosed)
	})
}

// countHandler counts handled messages, recording any handled after the
// network was closed.
type countHandler struct {
	closed  *atomic.Bool
	handled *atomic.Int64
	late    *atomic.Int64
}

func (h *countHandler) Kinds() []string {
	return []string{"note"}
}

func (h *countHandler) Handle(_ maelstrom.Message) error {
	if h.closed.Load() {
		h.late.Inc()
	}
	time.Sleep(time.Millisecond)
	if h.closed.Load() {
		h.late.Inc()
	}
	h.handled.Inc()
	return nil
}

func TestNetwork_Close(t *testing.T) {
	network := NewNetwork(log.NewNopLogger())

	n1 := network.Endpoint("n1")
	n2 := network.Endpoint("n2")
	h := &countHandler{
		closed:  atomic.NewBool(false),
		handled: atomic.NewInt64(0),
		late:    atomic.NewInt64(0),
	}
	n2.Register(h)

	var wg sync.WaitGroup
	for i := 0; i != 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := n1.Send("n2", map[string]any{"type": "note"}); err != nil {
					return
				}
				time.Sleep(100 * time.Microsecond)
			}
		}()
	}

	assert.Eventually(t, func() bool {
		return h.handled.Load() > 10
	}, time.Second, time.Millisecond)

	// Once Close returns no handler is running or started.
	network.Close()
	h.closed.Store(true)

	wg.Wait()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int64(0), h.late.Load())

	err := n1.Send("n2", map[string]any{"type": "note"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMarshalBody(t *testing.T) {
	b, err := marshalBody(map[string]any{"type": "ping"}, map[string]any{"msg_id": 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping","msg_id":3}`, string(b))

	_, err = marshalBody([]int{1}, map[string]any{"msg_id": 3})
	assert.Error(t, err)
}
