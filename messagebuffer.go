package hublink

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
)

// DefaultStatefulReconnectBufferSize is the number of payload bytes buffered
// for redelivery before sends start to block.
const DefaultStatefulReconnectBufferSize uint64 = 100_000

// ackCoalesceInterval is how long inbound messages are collected before one
// Ack for the latest of them is emitted.
const ackCoalesceInterval = time.Second

// messageBuffer keeps a sliding window of unacknowledged invocation messages
// so they can be replayed over a new underlying connection, deduplicates the
// receive side by sequence id and coalesces outgoing Acks. It is only active
// when the transport advertises stateful reconnect.
type messageBuffer struct {
	mx sync.Mutex
	// sendMx serializes all transmissions, so a resend replay can not be
	// interleaved with regular sends
	sendMx    sync.Mutex
	ctx       context.Context
	transport Transport
	protocol  HubProtocol
	dbg       log.Logger

	bufferSize        uint64
	messages          []*bufferedItem
	totalMessageCount uint64
	bufferedByteCount uint64

	reconnectInProgress bool
	// reconnectDone is non-nil while a reconnect is in progress and closed
	// when resend has replayed the buffer
	reconnectDone chan struct{}
	// lastResendID is the highest message id covered by the last resend
	// snapshot. Senders that waited out a reconnect skip transmission when
	// the replay already carried their message.
	lastResendID uint64

	waitForSequenceMessage   bool
	nextReceivingSequenceID  uint64
	latestReceivedSequenceID uint64

	ackInterval time.Duration
	ackTimer    *time.Timer

	closed   bool
	closeErr error
}

type bufferedItem struct {
	payload []byte
	id      uint64
	// done is the backpressure handle. nil unless backpressure engaged.
	done chan error
}

// complete resolves the backpressure handle. Must be called with the buffer
// mutex held.
func (i *bufferedItem) complete(err error) {
	if i.done != nil {
		i.done <- err
		i.done = nil
	}
}

func newMessageBuffer(ctx context.Context, transport Transport, protocol HubProtocol, bufferSize uint64, dbg StructuredLogger) *messageBuffer {
	return &messageBuffer{
		ctx:                     ctx,
		transport:               transport,
		protocol:                protocol,
		bufferSize:              bufferSize,
		ackInterval:             ackCoalesceInterval,
		nextReceivingSequenceID: 1,
		dbg:                     log.WithPrefix(dbg, "ts", log.DefaultTimestampUTC, "class", "messageBuffer"),
	}
}

// Send transmits the serialized message. Invocation family messages are
// buffered until acknowledged and Send blocks while backpressure is engaged
// or a reconnect is in progress. Transport errors on buffered messages are
// not returned, the reconnect machinery will retry them.
func (b *messageBuffer) Send(ctx context.Context, message interface{}, payload []byte) error {
	b.mx.Lock()
	if b.closed {
		err := b.closeErr
		b.mx.Unlock()
		return err
	}
	if !isInvocationFamily(message) {
		b.mx.Unlock()
		b.sendMx.Lock()
		defer b.sendMx.Unlock()
		return b.transport.Send(ctx, payload)
	}
	b.totalMessageCount++
	item := &bufferedItem{payload: payload, id: b.totalMessageCount}
	b.messages = append(b.messages, item)
	b.bufferedByteCount += uint64(len(payload))
	var backpressure chan error
	if b.bufferedByteCount >= b.bufferSize {
		item.done = make(chan error, 1)
		backpressure = item.done
	}
	wait := b.reconnectDone
	id := item.id
	b.mx.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mx.Lock()
	if b.closed {
		err := b.closeErr
		b.mx.Unlock()
		return err
	}
	// when the resend replay already carried this message, sending it again
	// would duplicate it on the wire
	transmit := id > b.lastResendID && !b.reconnectInProgress
	b.mx.Unlock()
	if transmit {
		b.sendMx.Lock()
		err := b.transport.Send(ctx, payload)
		b.sendMx.Unlock()
		if err != nil {
			_ = b.dbg.Log(evt, msgSend, "error", err, react, "buffer until reconnect")
			b.Disconnected()
		}
	}
	if backpressure != nil {
		select {
		case err := <-backpressure:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Ack frees every buffered item up to and including the acknowledged
// sequence id. While the freed bytes bring the buffer below its size, the
// backpressure handles of trailing unacknowledged items are released too.
func (b *messageBuffer) Ack(ack ackMessage) {
	b.mx.Lock()
	defer b.mx.Unlock()
	removeCount := 0
	for _, item := range b.messages {
		if item.id <= ack.SequenceID {
			removeCount++
			b.bufferedByteCount -= uint64(len(item.payload))
			item.complete(nil)
		} else if b.bufferedByteCount < b.bufferSize {
			// the item stays buffered and keeps counting against the size,
			// only its backpressure handle is released
			item.complete(nil)
		} else {
			break
		}
	}
	b.messages = b.messages[removeCount:]
}

// ShouldProcessMessage gates inbound messages. After a disconnect only a
// Sequence message is accepted. Invocation family messages are numbered on
// arrival and duplicates from a rewound server are dropped.
func (b *messageBuffer) ShouldProcessMessage(message interface{}) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.waitForSequenceMessage {
		if _, ok := message.(sequenceMessage); ok {
			b.waitForSequenceMessage = false
			return true
		}
		// anything else before the Sequence frame is a stray from the old
		// connection
		return false
	}
	if !isInvocationFamily(message) {
		return true
	}
	currentID := b.nextReceivingSequenceID
	b.nextReceivingSequenceID++
	if currentID <= b.latestReceivedSequenceID {
		if currentID == b.latestReceivedSequenceID {
			b.scheduleAck()
		}
		return false
	}
	b.latestReceivedSequenceID = currentID
	b.scheduleAck()
	return true
}

// scheduleAck arms the coalescing ack timer. Must be called with the buffer
// mutex held.
func (b *messageBuffer) scheduleAck() {
	if b.ackTimer == nil {
		b.ackTimer = time.AfterFunc(b.ackInterval, b.fireAck)
	}
}

func (b *messageBuffer) fireAck() {
	b.mx.Lock()
	b.ackTimer = nil
	if b.reconnectInProgress || b.closed {
		b.mx.Unlock()
		return
	}
	sequenceID := b.latestReceivedSequenceID
	b.mx.Unlock()
	payload, err := b.protocol.WriteMessage(ackMessage{Type: messageTypeAck, SequenceID: sequenceID})
	if err != nil {
		_ = b.dbg.Log(evt, "write ack", "error", err)
		return
	}
	b.sendMx.Lock()
	err = b.transport.Send(b.ctx, payload)
	b.sendMx.Unlock()
	if err != nil {
		_ = b.dbg.Log(evt, msgSend, msg, "ack", "error", err)
	}
}

// ResetSequence applies an inbound Sequence message. The server may rewind to
// redeliver unacknowledged messages but can never announce more messages than
// were received.
func (b *messageBuffer) ResetSequence(sequence sequenceMessage) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if sequence.SequenceID > b.nextReceivingSequenceID {
		return &SequenceViolationError{SequenceID: sequence.SequenceID}
	}
	b.nextReceivingSequenceID = sequence.SequenceID
	return nil
}

// Disconnected is invoked by the transport when the underlying connection is
// lost. Until Resend has run, sends enqueue without transmitting and inbound
// messages are dropped until a Sequence frame arrives.
func (b *messageBuffer) Disconnected() {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return
	}
	b.reconnectInProgress = true
	b.waitForSequenceMessage = true
	if b.reconnectDone == nil {
		b.reconnectDone = make(chan struct{})
	}
}

// Resend is invoked by the transport after the underlying connection has
// been re-established. It announces the resume position with a Sequence
// frame and replays a snapshot of the buffer in order. Messages enqueued
// while the replay runs are not part of the snapshot, their blocked senders
// transmit them afterwards.
func (b *messageBuffer) Resend(ctx context.Context) error {
	b.mx.Lock()
	if b.closed {
		err := b.closeErr
		b.mx.Unlock()
		return err
	}
	sequenceID := b.totalMessageCount + 1
	if len(b.messages) > 0 {
		sequenceID = b.messages[0].id
	}
	snapshot := make([]*bufferedItem, len(b.messages))
	copy(snapshot, b.messages)
	done := b.reconnectDone
	b.mx.Unlock()

	payload, err := b.protocol.WriteMessage(sequenceMessage{Type: messageTypeSequence, SequenceID: sequenceID})
	if err != nil {
		return err
	}
	b.sendMx.Lock()
	defer b.sendMx.Unlock()
	if err := b.transport.Send(ctx, payload); err != nil {
		return err
	}
	for _, item := range snapshot {
		if err := b.transport.Send(ctx, item.payload); err != nil {
			return err
		}
	}
	b.mx.Lock()
	if len(snapshot) > 0 {
		b.lastResendID = snapshot[len(snapshot)-1].id
	}
	b.reconnectInProgress = false
	b.reconnectDone = nil
	b.mx.Unlock()
	if done != nil {
		close(done)
	}
	return nil
}

// dispose completes every pending backpressure handle with err so blocked
// senders unblock with a failure. The buffer accepts no further sends.
func (b *messageBuffer) dispose(err error) {
	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		return
	}
	b.closed = true
	b.closeErr = err
	if b.ackTimer != nil {
		b.ackTimer.Stop()
		b.ackTimer = nil
	}
	for _, item := range b.messages {
		item.complete(err)
	}
	done := b.reconnectDone
	b.reconnectDone = nil
	b.mx.Unlock()
	if done != nil {
		close(done)
	}
}
