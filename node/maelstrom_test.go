package node

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/rumour/node/transport"
	"github.com/andydunstall/rumour/pkg/log"
)

// maelstromNode runs a node on the Maelstrom transport, writing requests to
// its stdin and reading messages from its stdout.
type maelstromNode struct {
	node *Node

	stdin *io.PipeWriter

	replies chan maelstrom.Message

	// received contains every message written to stdout.
	received []maelstrom.Message
	mu       sync.Mutex

	transportErr chan error
	nodeErr      chan error
}

func startMaelstromNode(t *testing.T) *maelstromNode {
	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	conf := testConfig(t)
	conf.Admin.BindAddr = ""

	tr := transport.NewMaelstrom(stdinReader, stdoutWriter, log.NewNopLogger())
	n, err := NewNode(conf, tr, nil, log.NewNopLogger())
	require.NoError(t, err)
	tr.Register(n.Handler())

	m := &maelstromNode{
		node:         n,
		stdin:        stdinWriter,
		replies:      make(chan maelstrom.Message, 64),
		transportErr: make(chan error, 1),
		nodeErr:      make(chan error, 1),
	}

	go func() {
		m.transportErr <- tr.Run()
		stdoutWriter.Close()
	}()
	go func() {
		scanner := bufio.NewScanner(stdoutReader)
		for scanner.Scan() {
			var msg maelstrom.Message
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			m.mu.Lock()
			m.received = append(m.received, msg)
			m.mu.Unlock()
			m.replies <- msg
		}
		close(m.replies)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		m.nodeErr <- n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-m.nodeErr
	})

	return m
}

func (m *maelstromNode) send(t *testing.T, src string, body map[string]any) {
	b, err := json.Marshal(maelstrom.Message{
		Src:  src,
		Dest: "n1",
		Body: mustMarshal(t, body),
	})
	require.NoError(t, err)
	_, err = m.stdin.Write(append(b, '\n'))
	require.NoError(t, err)
}

// recv waits for the next message to the given destination, skipping
// messages to other destinations.
func (m *maelstromNode) recv(t *testing.T, dest string) maelstrom.Message {
	timeout := time.After(time.Second * 5)
	for {
		select {
		case msg, ok := <-m.replies:
			require.True(t, ok, "stdout closed")
			if msg.Dest == dest {
				return msg
			}
		case <-timeout:
			t.Fatalf("timeout waiting for message to %s", dest)
		}
	}
}

// close closes stdin, waits for the transport to exit, and returns every
// message written to stdout.
func (m *maelstromNode) close(t *testing.T) []maelstrom.Message {
	require.NoError(t, m.stdin.Close())

	select {
	case err := <-m.transportErr:
		require.NoError(t, err)
	case <-time.After(time.Second * 5):
		t.Fatal("transport run timeout")
	}
	// Drain until the reader exits.
	for range m.replies {
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestNode_Maelstrom(t *testing.T) {
	t.Run("requests", func(t *testing.T) {
		m := startMaelstromNode(t)

		tests := []struct {
			name string
			src  string
			body map[string]any
			// replyType is the expected reply type, or empty if no reply is
			// expected.
			replyType string
			check     func(t *testing.T, body map[string]any)
		}{
			{
				name:      "broadcast before init",
				src:       "c1",
				body:      map[string]any{"type": "broadcast", "msg_id": 1, "message": 3},
				replyType: "error",
				check: func(t *testing.T, body map[string]any) {
					assert.Equal(t, float64(maelstrom.TemporarilyUnavailable), body["code"])
				},
			},
			{
				name: "init",
				src:  "c2",
				body: map[string]any{
					"type":     "init",
					"msg_id":   1,
					"node_id":  "n1",
					"node_ids": []string{"n1", "n2"},
				},
				replyType: "init_ok",
			},
			{
				name:      "echo",
				src:       "c3",
				body:      map[string]any{"type": "echo", "msg_id": 2, "echo": "hello"},
				replyType: "echo_ok",
				check: func(t *testing.T, body map[string]any) {
					assert.Equal(t, "hello", body["echo"])
					assert.Equal(t, float64(2), body["in_reply_to"])
				},
			},
			{
				name:      "generate",
				src:       "c4",
				body:      map[string]any{"type": "generate", "msg_id": 3},
				replyType: "generate_ok",
				check: func(t *testing.T, body map[string]any) {
					assert.NotEmpty(t, body["id"])
				},
			},
			{
				name:      "broadcast",
				src:       "c5",
				body:      map[string]any{"type": "broadcast", "msg_id": 4, "message": 5},
				replyType: "broadcast_ok",
			},
			{
				name: "unsupported kind",
				src:  "c6",
				body: map[string]any{"type": "cas", "msg_id": 5},
			},
			{
				name: "topology",
				src:  "c7",
				body: map[string]any{
					"type":     "topology",
					"msg_id":   6,
					"topology": map[string][]string{"n1": {"n2"}},
				},
				replyType: "topology_ok",
			},
			{
				name:      "read",
				src:       "c8",
				body:      map[string]any{"type": "read", "msg_id": 7},
				replyType: "read_ok",
				check: func(t *testing.T, body map[string]any) {
					assert.Equal(t, []any{float64(5)}, body["messages"])
				},
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				m.send(t, tt.src, tt.body)
				if tt.replyType == "" {
					return
				}

				reply := m.recv(t, tt.src)
				assert.Equal(t, tt.replyType, reply.Type())
				if tt.check != nil {
					var body map[string]any
					require.NoError(t, json.Unmarshal(reply.Body, &body))
					tt.check(t, body)
				}
			})
		}

		received := m.close(t)

		// The broadcast value was forwarded to n2 and the unsupported kind
		// wasn't replied to.
		var forwards int
		for _, msg := range received {
			assert.NotEqual(t, "c6", msg.Dest)
			if msg.Dest == "n2" && msg.Type() == "broadcast" {
				forwards++
			}
		}
		assert.Equal(t, 1, forwards)

		assert.Equal(t, 1.0, testutil.ToFloat64(
			m.node.router.Metrics().RequestsTotal.WithLabelValues("unknown"),
		))
	})

	t.Run("informational", func(t *testing.T) {
		m := startMaelstromNode(t)

		m.send(t, "c1", map[string]any{
			"type":     "init",
			"msg_id":   1,
			"node_id":  "n1",
			"node_ids": []string{"n1", "n2"},
		})
		initOK := m.recv(t, "c1")
		require.Equal(t, "init_ok", initOK.Type())

		// Peers send acknowledgements and read responses without
		// 'in_reply_to', so they reach the registered handlers.
		m.send(t, "n2", map[string]any{"type": "broadcast_ok"})
		m.send(t, "n2", map[string]any{"type": "read_ok", "messages": []uint64{7, 8}})
		m.send(t, "n2", map[string]any{"type": "error", "code": 11, "text": "not ready"})

		// The backfill is applied asynchronously so read until it's visible.
		var values []uint64
		for i := 0; i != 100; i++ {
			src := fmt.Sprintf("c%d", i+2)
			m.send(t, src, map[string]any{"type": "read", "msg_id": 1})
			reply := m.recv(t, src)

			var body struct {
				Messages []uint64 `json:"messages"`
			}
			require.NoError(t, json.Unmarshal(reply.Body, &body))
			values = body.Messages
			if len(values) == 2 {
				break
			}
			time.Sleep(time.Millisecond * 10)
		}
		sort.Slice(values, func(i, j int) bool {
			return values[i] < values[j]
		})
		assert.Equal(t, []uint64{7, 8}, values)

		received := m.close(t)

		// Nothing is sent to the peer.
		for _, msg := range received {
			assert.NotEqual(t, "n2", msg.Dest)
		}

		metrics := m.node.router.Metrics()
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("broadcast_ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("read_ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("error")))
	})
}
