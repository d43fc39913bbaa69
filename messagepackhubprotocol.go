package hublink

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-kit/log"
	"github.com/vmihailenco/msgpack/v5"
)

// messagePackHubProtocol is the binary hub protocol. Frames are varint length
// prefixed, messages are MessagePack arrays as described at
// https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/HubProtocol.md
type messagePackHubProtocol struct {
	dbg log.Logger
}

func (m *messagePackHubProtocol) Name() string { return "messagepack" }

func (m *messagePackHubProtocol) Version() int { return 2 }

func (m *messagePackHubProtocol) TransferFormat() TransferFormat { return TransferFormatBinary }

// ParseMessages appends data to remainBuf and extracts all complete frames.
// Partial frames stay in remainBuf until more data arrives.
func (m *messagePackHubProtocol) ParseMessages(data []byte, remainBuf *bytes.Buffer) ([]interface{}, error) {
	remainBuf.Write(data)
	messages := make([]interface{}, 0)
	for {
		buffered := remainBuf.Bytes()
		frameLen, lenLen := binary.Uvarint(buffered)
		if lenLen == 0 {
			// not enough bytes to decode the length prefix
			return messages, nil
		}
		if lenLen < 0 {
			return nil, fmt.Errorf("messagepack frame length too large")
		}
		if len(buffered) < lenLen+int(frameLen) {
			return messages, nil
		}
		remainBuf.Next(lenLen)
		frame := make([]byte, frameLen)
		_, _ = remainBuf.Read(frame)
		message, err := m.parseMessage(bytes.NewBuffer(frame))
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
}

func (m *messagePackHubProtocol) parseMessage(buf *bytes.Buffer) (interface{}, error) {
	decoder := msgpack.NewDecoder(buf)
	// Default map decoding expects all maps to have string keys
	decoder.SetMapDecoder(func(decoder *msgpack.Decoder) (interface{}, error) {
		return decoder.DecodeUntypedMap()
	})
	msgLen, err := decoder.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	msgType, err := decoder.DecodeInt()
	if err != nil {
		return nil, err
	}
	// Ping, Ack and Sequence messages carry no header map,
	// see the message spec at
	// https://github.com/dotnet/aspnetcore/blob/main/src/SignalR/docs/specs/HubProtocol.md#message-headers
	switch msgType {
	case messageTypePing, messageTypeAck, messageTypeSequence:
	default:
		if _, err = decoder.DecodeMap(); err != nil {
			return nil, err
		}
	}
	switch msgType {
	case messageTypeInvocation, messageTypeStreamInvocation:
		if msgLen < 5 {
			return nil, fmt.Errorf("invalid invocationMessage length %v", msgLen)
		}
		invocationID, err := m.decodeInvocationID(decoder)
		if err != nil {
			return nil, err
		}
		invocation := invocationMessage{
			Type:         msgType,
			InvocationID: invocationID,
		}
		if invocation.Target, err = decoder.DecodeString(); err != nil {
			return nil, err
		}
		argLen, err := decoder.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		for i := 0; i < argLen; i++ {
			argument, err := decoder.DecodeRaw()
			if err != nil {
				return nil, err
			}
			invocation.Arguments = append(invocation.Arguments, argument)
		}
		// StreamIds seem to be optional
		if msgLen == 6 {
			streamIDLen, err := decoder.DecodeArrayLen()
			if err != nil {
				return nil, err
			}
			for i := 0; i < streamIDLen; i++ {
				streamID, err := decoder.DecodeString()
				if err != nil {
					return nil, err
				}
				invocation.StreamIds = append(invocation.StreamIds, streamID)
			}
		}
		return invocation, nil
	case messageTypeStreamItem:
		if msgLen != 4 {
			return nil, fmt.Errorf("invalid streamItemMessage length %v", msgLen)
		}
		streamItem := streamItemMessage{Type: msgType}
		if streamItem.InvocationID, err = decoder.DecodeString(); err != nil {
			return nil, err
		}
		if streamItem.Item, err = decoder.DecodeRaw(); err != nil {
			return nil, err
		}
		return streamItem, nil
	case messageTypeCompletion:
		if msgLen < 4 {
			return nil, fmt.Errorf("invalid completionMessage length %v", msgLen)
		}
		completion := completionMessage{Type: msgType}
		if completion.InvocationID, err = decoder.DecodeString(); err != nil {
			return nil, err
		}
		resultKind, err := decoder.DecodeInt8()
		if err != nil {
			return nil, err
		}
		switch resultKind {
		case 1: // Error result
			if msgLen < 5 {
				return nil, fmt.Errorf("invalid completionMessage length %v", msgLen)
			}
			if completion.Error, err = decoder.DecodeString(); err != nil {
				return nil, err
			}
		case 2: // Void result
		case 3: // Non-void result
			if msgLen < 5 {
				return nil, fmt.Errorf("invalid completionMessage length %v", msgLen)
			}
			if completion.Result, err = decoder.DecodeRaw(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("invalid resultKind %v", resultKind)
		}
		return completion, nil
	case messageTypeCancelInvocation:
		if msgLen != 3 {
			return nil, fmt.Errorf("invalid cancelInvocationMessage length %v", msgLen)
		}
		cancel := cancelInvocationMessage{Type: msgType}
		if cancel.InvocationID, err = decoder.DecodeString(); err != nil {
			return nil, err
		}
		return cancel, nil
	case messageTypePing:
		if msgLen != 1 {
			return nil, fmt.Errorf("invalid pingMessage length %v", msgLen)
		}
		return hubMessage{Type: msgType}, nil
	case messageTypeClose:
		if msgLen < 2 {
			return nil, fmt.Errorf("invalid closeMessage length %v", msgLen)
		}
		cm := closeMessage{Type: msgType}
		if cm.Error, err = decoder.DecodeString(); err != nil {
			return nil, err
		}
		if msgLen > 2 {
			if cm.AllowReconnect, err = decoder.DecodeBool(); err != nil {
				return nil, err
			}
		}
		return cm, nil
	case messageTypeAck:
		if msgLen != 2 {
			return nil, fmt.Errorf("invalid ackMessage length %v", msgLen)
		}
		ack := ackMessage{Type: msgType}
		if ack.SequenceID, err = decoder.DecodeUint64(); err != nil {
			return nil, err
		}
		return ack, nil
	case messageTypeSequence:
		if msgLen != 2 {
			return nil, fmt.Errorf("invalid sequenceMessage length %v", msgLen)
		}
		sequence := sequenceMessage{Type: msgType}
		if sequence.SequenceID, err = decoder.DecodeUint64(); err != nil {
			return nil, err
		}
		return sequence, nil
	}
	return hubMessage{Type: msgType}, nil
}

func (m *messagePackHubProtocol) decodeInvocationID(decoder *msgpack.Decoder) (string, error) {
	rawID, err := decoder.DecodeInterface()
	if err != nil {
		return "", err
	}
	// nil is ok
	if rawID == nil {
		return "", nil
	}
	// Otherwise, it must be string
	invocationID, ok := rawID.(string)
	if !ok {
		return "", fmt.Errorf("invalid InvocationID %#v", rawID)
	}
	return invocationID, nil
}

// WriteMessage encodes the message body and prefixes it with the varint
// encoded body length.
func (m *messagePackHubProtocol) WriteMessage(message interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	encoder := msgpack.NewEncoder(buf)
	// Ensure uppercase/lowercase mapping for struct member names
	encoder.SetCustomStructTag("json")
	if err := m.encodeMessage(encoder, message); err != nil {
		return nil, err
	}
	frameBuf := &bytes.Buffer{}
	lenBuf := make([]byte, binary.MaxVarintLen32)
	lenLen := binary.PutUvarint(lenBuf, uint64(buf.Len()))
	_, _ = frameBuf.Write(lenBuf[:lenLen])
	_ = m.dbg.Log(evt, "write", msg, fmt.Sprintf("%#v", message))
	_, _ = frameBuf.ReadFrom(buf)
	return frameBuf.Bytes(), nil
}

func (m *messagePackHubProtocol) encodeMessage(encoder *msgpack.Encoder, message interface{}) error {
	switch message := message.(type) {
	case invocationMessage:
		if err := encodeMsgHeader(encoder, 6, message.Type); err != nil {
			return err
		}
		if message.InvocationID == "" {
			if err := encoder.EncodeNil(); err != nil {
				return err
			}
		} else {
			if err := encoder.EncodeString(message.InvocationID); err != nil {
				return err
			}
		}
		if err := encoder.EncodeString(message.Target); err != nil {
			return err
		}
		if err := encoder.EncodeArrayLen(len(message.Arguments)); err != nil {
			return err
		}
		for _, arg := range message.Arguments {
			if err := encoder.Encode(arg); err != nil {
				return err
			}
		}
		if err := encoder.EncodeArrayLen(len(message.StreamIds)); err != nil {
			return err
		}
		for _, id := range message.StreamIds {
			if err := encoder.EncodeString(id); err != nil {
				return err
			}
		}
	case streamItemMessage:
		if err := encodeMsgHeader(encoder, 4, message.Type); err != nil {
			return err
		}
		if err := encoder.EncodeString(message.InvocationID); err != nil {
			return err
		}
		if err := encoder.Encode(message.Item); err != nil {
			return err
		}
	case completionMessage:
		msgLen := 4
		if message.Result != nil || message.Error != "" {
			msgLen = 5
		}
		if err := encodeMsgHeader(encoder, msgLen, message.Type); err != nil {
			return err
		}
		if err := encoder.EncodeString(message.InvocationID); err != nil {
			return err
		}
		var resultKind int8 = 2
		if message.Error != "" {
			resultKind = 1
		} else if message.Result != nil {
			resultKind = 3
		}
		if err := encoder.EncodeInt8(resultKind); err != nil {
			return err
		}
		switch resultKind {
		case 1:
			if err := encoder.EncodeString(message.Error); err != nil {
				return err
			}
		case 3:
			if err := encoder.Encode(message.Result); err != nil {
				return err
			}
		}
	case cancelInvocationMessage:
		if err := encodeMsgHeader(encoder, 3, message.Type); err != nil {
			return err
		}
		if err := encoder.EncodeString(message.InvocationID); err != nil {
			return err
		}
	case hubMessage:
		if err := encoder.EncodeArrayLen(1); err != nil {
			return err
		}
		if err := encoder.EncodeInt(messageTypePing); err != nil {
			return err
		}
	case closeMessage:
		if err := encodeMsgHeader(encoder, 3, message.Type); err != nil {
			return err
		}
		if err := encoder.EncodeString(message.Error); err != nil {
			return err
		}
		if err := encoder.EncodeBool(message.AllowReconnect); err != nil {
			return err
		}
	case ackMessage:
		if err := encoder.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := encoder.EncodeInt(int64(message.Type)); err != nil {
			return err
		}
		if err := encoder.EncodeUint64(message.SequenceID); err != nil {
			return err
		}
	case sequenceMessage:
		if err := encoder.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := encoder.EncodeInt(int64(message.Type)); err != nil {
			return err
		}
		if err := encoder.EncodeUint64(message.SequenceID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("message type %T is not supported by the messagepack protocol", message)
	}
	return nil
}

func encodeMsgHeader(e *msgpack.Encoder, msgLen int, msgType int) (err error) {
	if err = e.EncodeArrayLen(msgLen); err != nil {
		return err
	}
	if err = e.EncodeInt(int64(msgType)); err != nil {
		return err
	}
	headers := make(map[string]interface{})
	if err = e.EncodeMap(headers); err != nil {
		return err
	}
	return nil
}

func (m *messagePackHubProtocol) setDebugLogger(dbg StructuredLogger) {
	m.dbg = log.WithPrefix(dbg, "ts", log.DefaultTimestampUTC, "protocol", "MSGP")
}

// UnmarshalArgument unmarshals raw bytes to a destination value. dst is the pointer to the destination value.
func (m *messagePackHubProtocol) UnmarshalArgument(src interface{}, dst interface{}) error {
	rawSrc, ok := src.(msgpack.RawMessage)
	if !ok {
		return fmt.Errorf("invalid source %#v for UnmarshalArgument", src)
	}
	buf := bytes.NewBuffer(rawSrc)
	decoder := msgpack.GetDecoder()
	defer msgpack.PutDecoder(decoder)
	decoder.Reset(buf)
	// Default map decoding expects all maps to have string keys
	decoder.SetMapDecoder(func(decoder *msgpack.Decoder) (interface{}, error) {
		return decoder.DecodeUntypedMap()
	})
	// Ensure uppercase/lowercase mapping for struct member names
	decoder.SetCustomStructTag("json")
	return decoder.Decode(dst)
}
