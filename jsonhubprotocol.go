package hublink

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-kit/log"
)

// recordSeparator terminates every frame of the text based protocols.
const recordSeparator = byte(0x1e)

// jsonHubProtocol is the JSON based hub protocol.
type jsonHubProtocol struct {
	dbg log.Logger
}

// Protocol specific message for correct unmarshaling of Arguments.
type jsonInvocationMessage struct {
	Type         int               `json:"type"`
	Target       string            `json:"target"`
	InvocationID string            `json:"invocationId"`
	Arguments    []json.RawMessage `json:"arguments"`
	StreamIds    []string          `json:"streamIds,omitempty"`
}

type jsonStreamItemMessage struct {
	Type         int             `json:"type"`
	InvocationID string          `json:"invocationId"`
	Item         json.RawMessage `json:"item"`
}

type jsonCompletionMessage struct {
	Type         int             `json:"type"`
	InvocationID string          `json:"invocationId"`
	Result       json.RawMessage `json:"result"`
	Error        string          `json:"error"`
}

type jsonError struct {
	raw string
	err error
}

func (j *jsonError) Error() string {
	return fmt.Sprintf("%v (source: %v)", j.err, j.raw)
}

func (j *jsonError) Unwrap() error { return j.err }

func (j *jsonHubProtocol) Name() string { return "json" }

func (j *jsonHubProtocol) Version() int { return 2 }

func (j *jsonHubProtocol) TransferFormat() TransferFormat { return TransferFormatText }

// ParseMessages splits the concatenation of remainBuf and data on the record
// separator and parses every complete frame. An incomplete trailing frame is
// left in remainBuf for the next call.
func (j *jsonHubProtocol) ParseMessages(data []byte, remainBuf *bytes.Buffer) ([]interface{}, error) {
	remainBuf.Write(data)
	messages := make([]interface{}, 0)
	for {
		raw, err := remainBuf.ReadBytes(recordSeparator)
		if err != nil {
			// no separator yet, keep the partial frame
			remainBuf.Write(raw)
			return messages, nil
		}
		message, err := j.parseMessage(raw[:len(raw)-1])
		if err != nil {
			return messages, err
		}
		messages = append(messages, message)
	}
}

func (j *jsonHubProtocol) parseMessage(data []byte) (interface{}, error) {
	_ = j.dbg.Log(evt, "read", msg, string(data))
	message := hubMessage{}
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, &jsonError{string(data), err}
	}
	switch message.Type {
	case messageTypeInvocation, messageTypeStreamInvocation:
		jsonInvocation := jsonInvocationMessage{}
		if err := json.Unmarshal(data, &jsonInvocation); err != nil {
			return nil, &jsonError{string(data), err}
		}
		arguments := make([]interface{}, len(jsonInvocation.Arguments))
		for i, a := range jsonInvocation.Arguments {
			arguments[i] = a
		}
		return invocationMessage{
			Type:         jsonInvocation.Type,
			Target:       jsonInvocation.Target,
			InvocationID: jsonInvocation.InvocationID,
			Arguments:    arguments,
			StreamIds:    jsonInvocation.StreamIds,
		}, nil
	case messageTypeStreamItem:
		jsonStreamItem := jsonStreamItemMessage{}
		if err := json.Unmarshal(data, &jsonStreamItem); err != nil {
			return nil, &jsonError{string(data), err}
		}
		return streamItemMessage{
			Type:         jsonStreamItem.Type,
			InvocationID: jsonStreamItem.InvocationID,
			Item:         jsonStreamItem.Item,
		}, nil
	case messageTypeCompletion:
		jsonCompletion := jsonCompletionMessage{}
		if err := json.Unmarshal(data, &jsonCompletion); err != nil {
			return nil, &jsonError{string(data), err}
		}
		completion := completionMessage{
			Type:         jsonCompletion.Type,
			InvocationID: jsonCompletion.InvocationID,
			Error:        jsonCompletion.Error,
		}
		// distinguish a missing result from a null result
		if len(jsonCompletion.Result) > 0 {
			completion.Result = jsonCompletion.Result
		}
		return completion, nil
	case messageTypeCancelInvocation:
		cancel := cancelInvocationMessage{}
		if err := json.Unmarshal(data, &cancel); err != nil {
			return nil, &jsonError{string(data), err}
		}
		return cancel, nil
	case messageTypeClose:
		cm := closeMessage{}
		if err := json.Unmarshal(data, &cm); err != nil {
			return nil, &jsonError{string(data), err}
		}
		return cm, nil
	case messageTypeAck:
		ack := ackMessage{}
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, &jsonError{string(data), err}
		}
		return ack, nil
	case messageTypeSequence:
		sequence := sequenceMessage{}
		if err := json.Unmarshal(data, &sequence); err != nil {
			return nil, &jsonError{string(data), err}
		}
		return sequence, nil
	default:
		return message, nil
	}
}

// WriteMessage returns the message as a JSON frame terminated by the record
// separator.
func (j *jsonHubProtocol) WriteMessage(message interface{}) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	_ = j.dbg.Log(evt, "write", msg, string(data))
	return append(data, recordSeparator), nil
}

// UnmarshalArgument unmarshals a json.RawMessage depending on the specified
// value type into value
func (j *jsonHubProtocol) UnmarshalArgument(argument interface{}, value interface{}) error {
	raw, ok := argument.(json.RawMessage)
	if !ok {
		// items replayed through the buffer arrive as plain values
		data, err := json.Marshal(argument)
		if err != nil {
			return err
		}
		raw = data
	}
	if err := json.Unmarshal(raw, value); err != nil {
		return &jsonError{string(raw), err}
	}
	return nil
}

func (j *jsonHubProtocol) setDebugLogger(dbg StructuredLogger) {
	j.dbg = log.WithPrefix(dbg, "ts", log.DefaultTimestampUTC, "protocol", "JSON")
}
