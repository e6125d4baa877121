// Package protocol contains the message bodies exchanged between clients and
// nodes.
//
// Each body is carried in a Maelstrom envelope and encoded as JSON. The
// envelope fields 'msg_id' and 'in_reply_to' are added by the transport.
package protocol

type MessageType string

const (
	MessageTypeInit        MessageType = "init"
	MessageTypeEcho        MessageType = "echo"
	MessageTypeEchoOK      MessageType = "echo_ok"
	MessageTypeGenerate    MessageType = "generate"
	MessageTypeGenerateOK  MessageType = "generate_ok"
	MessageTypeBroadcast   MessageType = "broadcast"
	MessageTypeBroadcastOK MessageType = "broadcast_ok"
	MessageTypeRead        MessageType = "read"
	MessageTypeReadOK      MessageType = "read_ok"
	MessageTypeTopology    MessageType = "topology"
	MessageTypeTopologyOK  MessageType = "topology_ok"
	MessageTypeError       MessageType = "error"
)

type GenerateResponse struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

type BroadcastRequest struct {
	Type    MessageType `json:"type"`
	Message uint64      `json:"message"`
}

type BroadcastResponse struct {
	Type MessageType `json:"type"`
}

type ReadRequest struct {
	Type MessageType `json:"type"`
}

type ReadResponse struct {
	Type     MessageType `json:"type"`
	Messages []uint64    `json:"messages"`
}

type TopologyRequest struct {
	Type     MessageType         `json:"type"`
	Topology map[string][]string `json:"topology"`
}

type TopologyResponse struct {
	Type MessageType `json:"type"`
}

// ErrorResponse is returned by a node that failed to handle a request.
type ErrorResponse struct {
	Type MessageType `json:"type"`
	Code int         `json:"code"`
	Text string      `json:"text"`
}
