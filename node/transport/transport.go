// Package transport delivers messages between nodes.
//
// The production transport is the Maelstrom runtime, which exchanges JSON
// envelopes over stdin and stdout. Network is an in-memory transport that
// behaves the same way, used to run a cluster of nodes in one process.
package transport

import (
	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
)

// Transport sends messages on behalf of the local node.
type Transport interface {
	// ID returns the ID assigned to the local node by the runtime, or an
	// empty string if not yet assigned.
	ID() string

	// Reply sends a response to the given request. Each request must be
	// replied to at most once.
	Reply(req maelstrom.Message, body any) error

	// Send sends a message to the node with the given ID without waiting for,
	// or correlating, a response.
	Send(dest string, body any) error
}

// Handler handles inbound messages.
type Handler interface {
	// Kinds returns the message types the handler handles.
	Kinds() []string

	// Handle handles the given message. Any returned error must be a
	// *maelstrom.RPCError, which is replied to the sender.
	Handle(msg maelstrom.Message) error
}

var _ Transport = &maelstrom.Node{}
