package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"go.uber.org/zap"

	"github.com/andydunstall/rumour/pkg/log"
)

// Maelstrom is a transport using the Maelstrom runtime.
//
// Messages are read from stdin and written to stdout, so nothing else may
// write to stdout.
//
// The runtime exits when it reads a line it can't parse or a request type
// with no handler. So stdin is filtered before reaching the runtime: lines
// that aren't valid envelopes are logged and dropped, and requests of a type
// the handler doesn't list are passed to the handler directly.
type Maelstrom struct {
	node *maelstrom.Node

	stdin io.Reader

	handler Handler
	kinds   map[string]struct{}

	// wg tracks messages dispatched outside the runtime.
	wg     sync.WaitGroup
	closed bool
	// mu protects closed and adding to wg.
	mu sync.Mutex

	logger log.Logger
}

func NewMaelstrom(stdin io.Reader, stdout io.Writer, logger log.Logger) *Maelstrom {
	node := maelstrom.NewNode()
	node.Stdout = stdout
	return &Maelstrom{
		node:   node,
		stdin:  stdin,
		kinds:  make(map[string]struct{}),
		logger: logger.WithSubsystem("transport"),
	}
}

func (m *Maelstrom) ID() string {
	return m.node.ID()
}

func (m *Maelstrom) Reply(req maelstrom.Message, body any) error {
	return m.node.Reply(req, body)
}

func (m *Maelstrom) Send(dest string, body any) error {
	return m.node.Send(dest, body)
}

// Register routes every message kind the handler supports to the handler,
// along with any request with an unsupported kind.
//
// The runtime replies 'init_ok' itself once the 'init' handler returns.
func (m *Maelstrom) Register(h Handler) {
	m.handler = h
	for _, kind := range h.Kinds() {
		m.kinds[kind] = struct{}{}
		m.node.Handle(kind, h.Handle)
	}
}

// Run reads messages from stdin until EOF, then waits for in-flight handlers
// to complete.
func (m *Maelstrom) Run() error {
	m.logger.Info("starting maelstrom transport")

	r, w := io.Pipe()
	m.node.Stdin = r
	go func() {
		w.CloseWithError(m.filter(w))
	}()

	err := m.node.Run()
	// Unblock the filter if the runtime exited before EOF.
	r.Close()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()

	if err != nil {
		return fmt.Errorf("maelstrom: %w", err)
	}

	m.logger.Info(
		"maelstrom transport stopped",
		zap.String("node-id", m.node.ID()),
	)
	return nil
}

// filter copies each line the runtime can handle from stdin to w, and
// dispatches or drops the rest.
func (m *Maelstrom) filter(w io.Writer) error {
	scanner := bufio.NewScanner(m.stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg maelstrom.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			m.logger.Warn(
				"failed to parse message",
				zap.String("line", string(line)),
				zap.Error(err),
			)
			continue
		}

		if !m.runtimeHandles(msg) {
			m.dispatch(msg)
			continue
		}

		// The scanner reuses its buffer so the line must be copied.
		b := make([]byte, len(line)+1)
		copy(b, line)
		b[len(line)] = '\n'
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// runtimeHandles returns whether the runtime can handle the message without
// exiting. Replies are always passed to the runtime, which ignores replies
// with no pending callback.
func (m *Maelstrom) runtimeHandles(msg maelstrom.Message) bool {
	var body maelstrom.MessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return false
	}
	if body.InReplyTo != 0 || body.Type == "init" {
		return true
	}
	_, ok := m.kinds[body.Type]
	return ok
}

// dispatch passes the message to the handler on its own goroutine, replying
// with any returned error like the runtime does.
func (m *Maelstrom) dispatch(msg maelstrom.Message) {
	if m.handler == nil {
		m.logger.Warn(
			"no handler",
			zap.String("src", msg.Src),
			zap.String("body", string(msg.Body)),
		)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()

		err := m.handler.Handle(msg)
		if err == nil {
			return
		}
		var rpcErr *maelstrom.RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = maelstrom.NewRPCError(maelstrom.Crash, err.Error())
		}
		if err := m.node.Reply(msg, map[string]any{
			"type": "error",
			"code": rpcErr.Code,
			"text": rpcErr.Text,
		}); err != nil {
			m.logger.Warn(
				"failed to reply",
				zap.String("dest", msg.Src),
				zap.Error(err),
			)
		}
	}()
}

var _ Transport = &Maelstrom{}
