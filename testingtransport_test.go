package hublink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
)

// testingTransport is an in-memory Transport with a scriptable server end.
// It answers the handshake by itself unless autoHandshake is switched off
// and records everything the connection sends.
type testingTransport struct {
	mx       sync.Mutex
	features TransportFeatures

	onReceive func(data []byte)
	onClose   func(err error)

	protocol HubProtocol
	inbound  chan []byte

	started          bool
	closed           bool
	startCount       int
	connectionID     string
	handshakePending bool

	autoHandshake     bool
	handshakeResponse string
	handshakeRequests []string

	sentCh   chan interface{}
	startErr error
	sendErr  error
}

func newTestingTransport() *testingTransport {
	protocol := &jsonHubProtocol{}
	protocol.setDebugLogger(log.NewNopLogger())
	t := &testingTransport{
		protocol:          protocol,
		inbound:           make(chan []byte, 64),
		sentCh:            make(chan interface{}, 64),
		autoHandshake:     true,
		handshakeResponse: "{}\u001e",
	}
	go t.pump()
	return t
}

// pump delivers server pushed data to the connection sequentially, off the
// test goroutine.
func (t *testingTransport) pump() {
	for data := range t.inbound {
		t.mx.Lock()
		receive := t.onReceive
		t.mx.Unlock()
		if receive != nil {
			receive(data)
		}
	}
}

func (t *testingTransport) Start(ctx context.Context, format TransferFormat) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.startErr != nil {
		return t.startErr
	}
	t.started = true
	t.closed = false
	t.handshakePending = true
	t.startCount++
	t.connectionID = fmt.Sprintf("test-conn-%v", t.startCount)
	return nil
}

func (t *testingTransport) Send(ctx context.Context, payload []byte) error {
	t.mx.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mx.Unlock()
		return err
	}
	if !t.started {
		t.mx.Unlock()
		return errors.New("transport is not started")
	}
	if t.handshakePending {
		t.handshakePending = false
		t.handshakeRequests = append(t.handshakeRequests, string(payload))
		respond := t.autoHandshake
		response := t.handshakeResponse
		t.mx.Unlock()
		if respond {
			t.inbound <- []byte(response)
		}
		return nil
	}
	t.mx.Unlock()
	messages, err := t.protocol.ParseMessages(payload, &bytes.Buffer{})
	if err != nil {
		return err
	}
	for _, message := range messages {
		t.sentCh <- message
	}
	return nil
}

func (t *testingTransport) Stop(err error) error {
	t.mx.Lock()
	if !t.started {
		t.mx.Unlock()
		return nil
	}
	t.started = false
	t.mx.Unlock()
	t.fireClose(err)
	return nil
}

func (t *testingTransport) OnReceive(fn func(data []byte)) {
	t.mx.Lock()
	t.onReceive = fn
	t.mx.Unlock()
}

func (t *testingTransport) OnClose(fn func(err error)) {
	t.mx.Lock()
	t.onClose = fn
	t.mx.Unlock()
}

func (t *testingTransport) ConnectionID() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.connectionID
}

func (t *testingTransport) Features() *TransportFeatures {
	return &t.features
}

func (t *testingTransport) fireClose(err error) {
	t.mx.Lock()
	if t.closed {
		t.mx.Unlock()
		return
	}
	t.closed = true
	t.started = false
	onClose := t.onClose
	t.mx.Unlock()
	if onClose != nil {
		onClose(err)
	}
}

// receiveFromServer pushes hub messages from the scripted server end to the
// connection.
func (t *testingTransport) receiveFromServer(messages ...interface{}) {
	for _, message := range messages {
		payload, err := t.protocol.WriteMessage(message)
		if err != nil {
			panic(err)
		}
		t.inbound <- payload
	}
}

// loseConnection simulates loss of the underlying connection without a
// stateful resume: the transport closes for good.
func (t *testingTransport) loseConnection(err error) {
	t.mx.Lock()
	t.started = false
	t.mx.Unlock()
	t.fireClose(err)
}

// disconnectStateful simulates a loss the transport will resume from.
func (t *testingTransport) disconnectStateful() {
	t.features.Disconnected()
}

// resumeStateful simulates the re-established underlying connection.
func (t *testingTransport) resumeStateful() error {
	t.mx.Lock()
	t.startCount++
	t.connectionID = fmt.Sprintf("test-conn-%v", t.startCount)
	t.mx.Unlock()
	return t.features.Resend(context.Background())
}

// nextSent returns the next hub message the connection handed to the
// transport, or nil when none arrives in time.
func (t *testingTransport) nextSent(timeout time.Duration) interface{} {
	select {
	case message := <-t.sentCh:
		return message
	case <-time.After(timeout):
		return nil
	}
}

func (t *testingTransport) lastHandshakeRequest() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	if len(t.handshakeRequests) == 0 {
		return ""
	}
	return t.handshakeRequests[len(t.handshakeRequests)-1]
}

func (t *testingTransport) setSendError(err error) {
	t.mx.Lock()
	t.sendErr = err
	t.mx.Unlock()
}
