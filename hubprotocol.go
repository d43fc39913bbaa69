package hublink

import "bytes"

// HubProtocol is the codec used to read and write hub messages on the wire.
// ParseMessages consumes data together with any partial frame left in
// remainBuf and returns all complete messages contained in them.
// WriteMessage returns the full serialized frame, including the protocol
// specific frame delimiter or length prefix.
type HubProtocol interface {
	Name() string
	Version() int
	TransferFormat() TransferFormat
	ParseMessages(data []byte, remainBuf *bytes.Buffer) ([]interface{}, error)
	WriteMessage(message interface{}) ([]byte, error)
	UnmarshalArgument(argument interface{}, value interface{}) error
	setDebugLogger(dbg StructuredLogger)
}

// message type values on the wire
const (
	messageTypeInvocation       = 1
	messageTypeStreamItem       = 2
	messageTypeCompletion       = 3
	messageTypeStreamInvocation = 4
	messageTypeCancelInvocation = 5
	messageTypePing             = 6
	messageTypeClose            = 7
	messageTypeAck              = 8
	messageTypeSequence         = 9
)

type hubMessage struct {
	Type int `json:"type"`
}

type invocationMessage struct {
	Type         int           `json:"type"`
	Target       string        `json:"target"`
	InvocationID string        `json:"invocationId,omitempty"`
	Arguments    []interface{} `json:"arguments"`
	StreamIds    []string      `json:"streamIds,omitempty"`
}

type streamItemMessage struct {
	Type         int         `json:"type"`
	InvocationID string      `json:"invocationId"`
	Item         interface{} `json:"item"`
}

type completionMessage struct {
	Type         int         `json:"type"`
	InvocationID string      `json:"invocationId"`
	Result       interface{} `json:"result,omitempty"`
	Error        string      `json:"error,omitempty"`
}

type cancelInvocationMessage struct {
	Type         int    `json:"type"`
	InvocationID string `json:"invocationId"`
}

type closeMessage struct {
	Type           int    `json:"type"`
	Error          string `json:"error,omitempty"`
	AllowReconnect bool   `json:"allowReconnect,omitempty"`
}

type ackMessage struct {
	Type       int    `json:"type"`
	SequenceID uint64 `json:"sequenceId"`
}

type sequenceMessage struct {
	Type       int    `json:"type"`
	SequenceID uint64 `json:"sequenceId"`
}

// isInvocationFamily reports whether the message takes part in sequence
// numbering and buffering. Control messages (Ping, Close, Ack, Sequence)
// do not.
func isInvocationFamily(message interface{}) bool {
	switch message.(type) {
	case invocationMessage, streamItemMessage, completionMessage, cancelInvocationMessage:
		return true
	}
	return false
}
