package hublink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teivah/onecontext"

	"github.com/go-kit/log"
)

// HubConnection is a long-lived logical connection to a hub server.
//  Start() error
// Start connects and performs the handshake. It fails unless the connection
// is in the Disconnected state.
//  Stop() error
// Stop closes the connection and awaits the full teardown. It is idempotent.
//  State() ConnectionState
// State returns the current lifecycle state.
//  PushStateChanged(chan<- struct{})
// PushStateChanged registers a channel that gets a signal on every state change.
//  Invoke(method string, arguments ...interface{}) <-chan InvokeResult
// Invoke invokes a method on the server and returns a channel which will return the InvokeResult.
// When failing, InvokeResult.Error contains the client side error.
//  Send(method string, arguments ...interface{}) <-chan error
// Send invokes a method on the server but does not return a result from the server but only a channel,
// which might contain a client side error occurred while sending.
//  PullStream(ctx context.Context, method string, arguments ...interface{}) <-chan InvokeResult
// PullStream invokes a streaming method on the server and returns a channel which delivers the stream items.
// Canceling ctx cancels the running stream on the server.
//  PushStreams(method string, arguments ...interface{}) <-chan InvokeResult
// PushStreams pushes all items received from its arguments of type channel to the server (Upload Streaming).
//  On(target string, handler interface{}) error
// On registers a handler func for a server callback. Target matching is case-insensitive.
// Registering the same handler func twice for one target is a no-op.
//  Off(target string, handlers ...interface{})
// Off removes the given handlers for target, or all handlers for target when none are given.
type HubConnection interface {
	Start() error
	Stop() error
	State() ConnectionState
	PushStateChanged(ch chan<- struct{})
	ConnectionID() string
	Context() context.Context
	Invoke(method string, arguments ...interface{}) <-chan InvokeResult
	Send(method string, arguments ...interface{}) <-chan error
	PullStream(ctx context.Context, method string, arguments ...interface{}) <-chan InvokeResult
	PushStreams(method string, arguments ...interface{}) <-chan InvokeResult
	On(target string, handler interface{}) error
	Off(target string, handlers ...interface{})
	OnClose(fn func(err error))
	OnReconnecting(fn func(err error))
	OnReconnected(fn func(connectionID string))
	BaseURL() string
	SetBaseURL(url string) error
}

// urlSetter is implemented by transports whose endpoint can be changed
// between connection attempts.
type urlSetter interface {
	URL() string
	SetURL(url string)
}

// NewHubConnection builds a new HubConnection. The WithTransport option is
// required.
func NewHubConnection(ctx context.Context, options ...func(*conn) error) (HubConnection, error) {
	info, dbg := buildInfoDebugLogger(log.NewLogfmtLogger(os.Stderr), false)
	c := &conn{
		format:               "json",
		state:                Disconnected,
		keepAliveInterval:    15 * time.Second,
		serverTimeout:        30 * time.Second,
		handshakeTimeout:     15 * time.Second,
		chanReceiveTimeout:   5 * time.Second,
		streamBufferCapacity: 10,
		bufferSize:           DefaultStatefulReconnectBufferSize,
		lastID:               -1,
		handlers:             make(map[string][]reflect.Value),
		info:                 info,
		dbg:                  dbg,
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	for _, option := range options {
		if option != nil {
			if err := option(c); err != nil {
				return nil, err
			}
		}
	}
	if c.transport == nil {
		return nil, errors.New("option WithTransport is required")
	}
	switch c.format {
	case "json":
		c.protocol = &jsonHubProtocol{}
	case "messagepack":
		c.protocol = &messagePackHubProtocol{}
	}
	_, pDbg := c.loggers("")
	c.protocol.setDebugLogger(pDbg)
	c.invokeClient = newInvokeClient(c.protocol, c.chanReceiveTimeout, c.streamBufferCapacity)
	return c, nil
}

type conn struct {
	ctx    context.Context
	cancel context.CancelFunc
	info   log.Logger
	dbg    log.Logger

	transport Transport
	protocol  HubProtocol
	format    string

	keepAliveInterval    time.Duration
	serverTimeout        time.Duration
	handshakeTimeout     time.Duration
	chanReceiveTimeout   time.Duration
	streamBufferCapacity uint
	bufferSize           uint64
	retryPolicy          RetryPolicy

	mx                   sync.Mutex
	state                ConnectionState
	connectionStarted    bool
	stopDuringStartError error
	stateChans           []chan<- struct{}
	buffer               *messageBuffer
	stopCh               chan struct{}
	reconnectDelayCh     chan struct{}
	sessionCtx           context.Context
	sessionCancel        context.CancelFunc

	hsMx              sync.Mutex
	handshakeCh       chan error
	handshakeReceived bool
	hsData            []byte
	remainBuf         bytes.Buffer

	timerMx      sync.Mutex
	pingTimer    *time.Timer
	timeoutTimer *time.Timer
	pingPayload  []byte

	handlersMx sync.Mutex
	handlers   map[string][]reflect.Value

	callbackMx            sync.Mutex
	closedCallbacks       []func(err error)
	reconnectingCallbacks []func(err error)
	reconnectedCallbacks  []func(connectionID string)

	invokeClient *invokeClient
	lastID       int64
}

func (c *conn) loggers(connectionID string) (info StructuredLogger, dbg StructuredLogger) {
	if connectionID == "" {
		return log.WithPrefix(c.info, "ts", log.DefaultTimestampUTC, "class", "HubConnection"),
			log.WithPrefix(c.dbg, "ts", log.DefaultTimestampUTC, "class", "HubConnection")
	}
	return log.WithPrefix(c.info, "ts", log.DefaultTimestampUTC, "class", "HubConnection", "connection", connectionID),
		log.WithPrefix(c.dbg, "ts", log.DefaultTimestampUTC, "class", "HubConnection", "connection", connectionID)
}

func (c *conn) State() ConnectionState {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

func (c *conn) PushStateChanged(ch chan<- struct{}) {
	c.mx.Lock()
	c.stateChans = append(c.stateChans, ch)
	c.mx.Unlock()
}

// setStateLocked changes the state and signals all registered state
// channels. Must be called with c.mx held.
func (c *conn) setStateLocked(state ConnectionState) {
	if c.state == state {
		return
	}
	c.state = state
	for _, ch := range c.stateChans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (c *conn) Context() context.Context {
	return c.ctx
}

func (c *conn) ConnectionID() string {
	return c.transport.ConnectionID()
}

func (c *conn) BaseURL() string {
	if t, ok := c.transport.(urlSetter); ok {
		return t.URL()
	}
	return ""
}

// SetBaseURL changes the endpoint for the next connection attempt. It is
// only allowed while Disconnected or Reconnecting.
func (c *conn) SetBaseURL(url string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.state != Disconnected && c.state != Reconnecting {
		return &ProtocolStateError{Op: "SetBaseURL", State: c.state}
	}
	t, ok := c.transport.(urlSetter)
	if !ok {
		return fmt.Errorf("transport %T has no configurable URL", c.transport)
	}
	t.SetURL(url)
	return nil
}

func (c *conn) OnClose(fn func(err error)) {
	c.callbackMx.Lock()
	c.closedCallbacks = append(c.closedCallbacks, fn)
	c.callbackMx.Unlock()
}

func (c *conn) OnReconnecting(fn func(err error)) {
	c.callbackMx.Lock()
	c.reconnectingCallbacks = append(c.reconnectingCallbacks, fn)
	c.callbackMx.Unlock()
}

func (c *conn) OnReconnected(fn func(connectionID string)) {
	c.callbackMx.Lock()
	c.reconnectedCallbacks = append(c.reconnectedCallbacks, fn)
	c.callbackMx.Unlock()
}

// Start connects the transport, performs the handshake and transitions to
// Connected. It fails unless the connection is Disconnected.
func (c *conn) Start() error {
	c.mx.Lock()
	if c.state != Disconnected {
		state := c.state
		c.mx.Unlock()
		return &ProtocolStateError{Op: "Start", State: state}
	}
	c.setStateLocked(Connecting)
	c.stopDuringStartError = nil
	c.connectionStarted = false
	c.stopCh = make(chan struct{})
	c.mx.Unlock()

	if err := c.startInternal(); err != nil {
		c.completeClose(err)
		return err
	}
	c.mx.Lock()
	if c.state != Connecting || c.stopDuringStartError != nil {
		// a concurrent Stop or a dying transport won the race
		err := c.stopDuringStartError
		c.mx.Unlock()
		c.completeClose(err)
		return err
	}
	c.connectionStarted = true
	c.setStateLocked(Connected)
	c.mx.Unlock()
	return nil
}

// startInternal runs one connection attempt: transport start, handshake,
// timers and stateful reconnect wiring. It is used by Start and by every
// reconnect attempt.
func (c *conn) startInternal() error {
	sessionBase, sessionCancel := context.WithCancel(context.Background())
	sessionCtx, _ := onecontext.Merge(c.ctx, sessionBase)

	c.hsMx.Lock()
	c.handshakeCh = make(chan error, 1)
	c.handshakeReceived = false
	c.hsData = nil
	c.remainBuf.Reset()
	c.hsMx.Unlock()

	c.mx.Lock()
	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	c.sessionCtx, c.sessionCancel = sessionCtx, sessionCancel
	c.mx.Unlock()

	c.transport.OnReceive(c.receive)
	c.transport.OnClose(c.connectionClosed)

	features := c.transport.Features()
	// Protocols that predate stateful reconnect use handshake version 1.
	version := c.protocol.Version()
	if !features.Reconnect {
		version = 1
	}

	if err := c.transport.Start(sessionCtx, c.protocol.TransferFormat()); err != nil {
		sessionCancel()
		return &TransportError{Err: err}
	}
	info, dbg := c.loggers(c.transport.ConnectionID())

	request, err := writeHandshakeRequest(handshakeRequest{Protocol: c.protocol.Name(), Version: version})
	if err != nil {
		_ = c.transport.Stop(err)
		return err
	}
	if err := c.transport.Send(sessionCtx, request); err != nil {
		_ = info.Log(evt, "handshake sent", msg, string(request), "error", err)
		_ = c.transport.Stop(err)
		return &TransportError{Err: err}
	}
	_ = dbg.Log(evt, "handshake sent", msg, string(request))

	c.pingPayload, err = c.protocol.WriteMessage(hubMessage{Type: messageTypePing})
	if err != nil {
		_ = c.transport.Stop(err)
		return err
	}
	c.armTimers()

	hsTimeout := time.After(c.handshakeTimeout)
	var hsErr error
	select {
	case hsErr = <-c.currentHandshakeCh():
	case <-hsTimeout:
		hsErr = &TimeoutError{Message: fmt.Sprintf("timeout (%v) waiting for the handshake response", c.handshakeTimeout)}
	case <-sessionCtx.Done():
		hsErr = sessionCtx.Err()
	}
	if hsErr == nil {
		// a concurrent Stop must win even when the handshake completed
		c.mx.Lock()
		hsErr = c.stopDuringStartError
		c.mx.Unlock()
	}
	if hsErr != nil {
		_ = info.Log(evt, "handshake received", "error", hsErr)
		c.cleanupTimers()
		_ = c.transport.Stop(hsErr)
		return hsErr
	}
	_ = dbg.Log(evt, "handshake received")

	if features.Reconnect {
		buffer := newMessageBuffer(sessionCtx, c.transport, c.protocol, c.bufferSize, c.dbg)
		c.mx.Lock()
		replaced := c.buffer
		c.buffer = buffer
		c.mx.Unlock()
		// a full restart starts a fresh logical session, messages buffered
		// for the old one cannot be delivered anymore
		if replaced != nil {
			replaced.dispose(errors.New("the logical session did not survive the reconnect"))
		}
		features.Disconnected = buffer.Disconnected
		features.Resend = buffer.Resend
	}
	return nil
}

func (c *conn) currentHandshakeCh() chan error {
	c.hsMx.Lock()
	defer c.hsMx.Unlock()
	return c.handshakeCh
}

func (c *conn) currentBuffer() *messageBuffer {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.buffer
}

// Stop closes the connection. A stop while a reconnect delay is pending
// cancels the delay and closes immediately. Stop is idempotent and awaits
// the teardown that is already running when called twice.
func (c *conn) Stop() error {
	c.mx.Lock()
	switch c.state {
	case Disconnected:
		c.mx.Unlock()
		return nil
	case Disconnecting:
		stopCh := c.stopCh
		c.mx.Unlock()
		if stopCh != nil {
			<-stopCh
		}
		return nil
	}
	// no further reconnect attempts
	c.transport.Features().Reconnect = false
	if c.stopDuringStartError == nil {
		c.stopDuringStartError = errors.New("the connection was stopped while starting")
	}
	if c.state == Reconnecting && c.reconnectDelayCh != nil {
		// the reconnect loop sleeps, timers are already clean
		close(c.reconnectDelayCh)
		c.reconnectDelayCh = nil
		c.mx.Unlock()
		c.completeClose(nil)
		return nil
	}
	c.setStateLocked(Disconnecting)
	stopCh := c.stopCh
	c.mx.Unlock()

	c.cleanupTimers()
	_ = c.transport.Stop(nil)
	// when the transport never fired its close callback there is nothing
	// left to wait for
	c.completeClose(nil)
	if stopCh != nil {
		<-stopCh
	}
	return nil
}

// stopInternal closes the connection without allowing a reconnect, used for
// server close without allowReconnect and for fatal protocol errors.
func (c *conn) stopInternal(err error) {
	c.mx.Lock()
	if c.state == Disconnected || c.state == Disconnecting {
		c.mx.Unlock()
		return
	}
	c.setStateLocked(Disconnecting)
	if c.stopDuringStartError == nil {
		c.stopDuringStartError = err
	}
	c.mx.Unlock()
	c.cleanupTimers()
	_ = c.transport.Stop(err)
	c.completeClose(err)
}

// connectionClosed is the single entry point from the transport for "the
// underlying connection is gone for good".
func (c *conn) connectionClosed(err error) {
	c.mx.Lock()
	if c.stopDuringStartError == nil {
		c.stopDuringStartError = err
		if c.stopDuringStartError == nil {
			c.stopDuringStartError = errors.New("the underlying connection was closed")
		}
	}
	state := c.state
	c.mx.Unlock()

	// release a pending handshake waiter so a running start observes the stop
	hsCh := c.currentHandshakeCh()
	if hsCh != nil {
		select {
		case hsCh <- &TransportError{Err: c.closedError(err)}:
		default:
		}
	}
	c.invokeClient.cancelAllInvokes(err)
	c.cleanupTimers()

	switch state {
	case Disconnecting:
		c.completeClose(err)
	case Connected:
		go c.reconnectLoop(err)
	default:
		// Connecting or Reconnecting: the start and reconnect paths observe
		// stopDuringStartError themselves
	}
}

func (c *conn) closedError(err error) error {
	if err == nil {
		return errors.New("the underlying connection was closed")
	}
	return err
}

// completeClose performs the terminal transition to Disconnected. It fires
// the close callbacks once per successful start and is safe to call from
// multiple teardown paths.
func (c *conn) completeClose(err error) {
	c.mx.Lock()
	if c.state == Disconnected && c.stopCh == nil {
		c.mx.Unlock()
		return
	}
	buffer := c.buffer
	c.buffer = nil
	started := c.connectionStarted
	c.connectionStarted = false
	sessionCancel := c.sessionCancel
	c.sessionCancel = nil
	stopCh := c.stopCh
	c.stopCh = nil
	c.setStateLocked(Disconnected)
	c.mx.Unlock()

	if buffer != nil {
		buffer.dispose(&InvocationCanceledError{Cause: err})
	}
	if sessionCancel != nil {
		sessionCancel()
	}
	if started {
		c.fireClosed(err)
	}
	if stopCh != nil {
		close(stopCh)
	}
}

// reconnectLoop drives retry policy based reconnection after a Connected
// transport closed unexpectedly.
func (c *conn) reconnectLoop(reason error) {
	reason = c.closedError(reason)
	if c.retryPolicy == nil {
		c.completeClose(reason)
		return
	}
	reconnectStart := time.Now()
	previousAttempts := 0
	delay := c.retryPolicy.NextRetryDelay(RetryContext{ElapsedTime: 0, PreviousRetryCount: 0, RetryReason: reason})
	if delay == RetryStop {
		c.completeClose(reason)
		return
	}

	c.mx.Lock()
	if c.state != Connected {
		c.mx.Unlock()
		return
	}
	c.setStateLocked(Reconnecting)
	c.mx.Unlock()
	c.fireReconnecting(reason)
	if c.State() != Reconnecting {
		// an onreconnecting callback stopped the connection
		return
	}

	info, _ := c.loggers("")
	for delay != RetryStop {
		c.mx.Lock()
		delayCh := make(chan struct{})
		c.reconnectDelayCh = delayCh
		c.mx.Unlock()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-delayCh:
			// canceled by Stop, which also completes the close
			timer.Stop()
			return
		case <-c.ctx.Done():
			timer.Stop()
			c.completeClose(c.ctx.Err())
			return
		}
		c.mx.Lock()
		c.reconnectDelayCh = nil
		state := c.state
		if state == Reconnecting {
			// the error that triggered this reconnect must not fail the
			// attempt itself, only a fresh Stop may
			c.stopDuringStartError = nil
		}
		c.mx.Unlock()
		if state != Reconnecting {
			return
		}

		err := c.startInternal()
		if err == nil {
			c.mx.Lock()
			if c.state != Reconnecting {
				c.mx.Unlock()
				_ = c.transport.Stop(nil)
				return
			}
			if c.stopDuringStartError != nil {
				// the fresh transport died right after the handshake, treat
				// this as a failed attempt
				err = c.stopDuringStartError
				c.mx.Unlock()
			} else {
				c.connectionStarted = true
				c.setStateLocked(Connected)
				c.mx.Unlock()
				c.fireReconnected(c.transport.ConnectionID())
				return
			}
		}
		_ = info.Log(evt, "reconnect attempt", "error", err, react, "apply retry policy")
		previousAttempts++
		if c.State() != Reconnecting {
			return
		}
		reason = err
		delay = c.retryPolicy.NextRetryDelay(RetryContext{
			ElapsedTime:        time.Since(reconnectStart),
			PreviousRetryCount: previousAttempts,
			RetryReason:        reason,
		})
	}
	c.completeClose(&RetryExhaustedError{Attempts: previousAttempts, LastError: reason})
}

// receive is the transport's receive callback. It feeds the handshake until
// that is complete and hub messages afterwards.
func (c *conn) receive(data []byte) {
	c.resetServerTimeout()
	c.hsMx.Lock()
	if !c.handshakeReceived {
		c.hsData = append(c.hsData, data...)
		response, remaining, complete, err := parseHandshakeResponse(c.hsData)
		if !complete {
			c.hsMx.Unlock()
			return
		}
		c.handshakeReceived = true
		c.hsData = nil
		hsCh := c.handshakeCh
		c.hsMx.Unlock()
		if err == nil && response.Error != "" {
			err = &HandshakeError{Message: response.Error}
		}
		select {
		case hsCh <- err:
		default:
		}
		if err != nil || len(remaining) == 0 {
			return
		}
		data = remaining
	} else {
		c.hsMx.Unlock()
	}
	messages, err := c.protocol.ParseMessages(data, &c.remainBuf)
	if err != nil {
		info, _ := c.loggers(c.transport.ConnectionID())
		_ = info.Log(evt, msgRecv, "error", err, react, "close connection")
		_ = c.transport.Stop(err)
		return
	}
	for _, message := range messages {
		c.dispatch(message)
	}
}

// dispatch demultiplexes one parsed inbound message.
func (c *conn) dispatch(message interface{}) {
	buffer := c.currentBuffer()
	if buffer != nil && !buffer.ShouldProcessMessage(message) {
		_ = c.dbg.Log(evt, msgRecv, msg, fmtMsg(message), react, "drop")
		return
	}
	info, dbg := c.loggers(c.transport.ConnectionID())
	switch message := message.(type) {
	case invocationMessage:
		_ = dbg.Log(evt, msgRecv, msg, fmtMsg(message))
		if message.InvocationID != "" {
			// server to client invocations with results are not supported
			err := &UnsupportedServerRequestError{Target: message.Target}
			_ = info.Log(evt, msgRecv, "error", err, react, "close connection")
			c.stopInternal(err)
			return
		}
		c.invokeHandlers(message)
	case streamItemMessage:
		_ = dbg.Log(evt, msgRecv, msg, fmtMsg(message))
		if err := c.invokeClient.receiveStreamItem(message); err != nil {
			_ = info.Log(evt, msgRecv, "error", err, msg, fmtMsg(message))
		}
	case completionMessage:
		_ = dbg.Log(evt, msgRecv, msg, fmtMsg(message))
		if err := c.invokeClient.receiveCompletionItem(message); err != nil {
			_ = info.Log(evt, msgRecv, "error", err, msg, fmtMsg(message))
		}
	case closeMessage:
		_ = dbg.Log(evt, msgRecv, msg, fmtMsg(message))
		var closeErr error
		if message.Error != "" {
			closeErr = &ServerCloseError{Message: message.Error}
		}
		if message.AllowReconnect {
			_ = c.transport.Stop(closeErr)
		} else {
			c.stopInternal(closeErr)
		}
	case ackMessage:
		if buffer != nil {
			buffer.Ack(message)
		}
	case sequenceMessage:
		if buffer != nil {
			if err := buffer.ResetSequence(message); err != nil {
				_ = info.Log(evt, msgRecv, "error", err, react, "close connection")
				c.stopInternal(err)
			}
		}
	case hubMessage:
		// Ping or unknown. The server timeout was already reset in receive.
		_ = dbg.Log(evt, msgRecv, msg, fmtMsg(message))
	}
}

// sendMessage serializes and transmits one outbound message, routed through
// the message buffer when stateful reconnect is active. Every outbound
// message re-arms the keep-alive timer.
func (c *conn) sendMessage(ctx context.Context, message interface{}) error {
	payload, err := c.protocol.WriteMessage(message)
	if err != nil {
		return err
	}
	c.resetKeepAlive()
	if buffer := c.currentBuffer(); buffer != nil {
		return buffer.Send(ctx, message, payload)
	}
	if err := c.transport.Send(ctx, payload); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// newID supplies invocation ids and client stream ids from one shared
// counter.
func (c *conn) newID() string {
	return fmt.Sprint(atomic.AddInt64(&c.lastID, 1))
}

func (c *conn) newStreamIDs(channels []reflect.Value) []string {
	if len(channels) == 0 {
		return nil
	}
	ids := make([]string, len(channels))
	for i := range channels {
		ids[i] = c.newID()
	}
	return ids
}

func (c *conn) requireConnected(op string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.state != Connected {
		return &ProtocolStateError{Op: op, State: c.state}
	}
	return nil
}

// Send invokes a method on the server fire-and-forget style. The returned
// channel resolves when the message has been handed to the transport, or
// with the client side error when that failed.
func (c *conn) Send(method string, arguments ...interface{}) <-chan error {
	errCh := make(chan error, 1)
	if err := c.requireConnected("Send"); err != nil {
		errCh <- err
		close(errCh)
		return errCh
	}
	wireArgs, channels := extractStreamArgs(arguments)
	streamIDs := c.newStreamIDs(channels)
	invocation := invocationMessage{
		Type:      messageTypeInvocation,
		Target:    method,
		Arguments: wireArgs,
		StreamIds: streamIDs,
	}
	if err := c.sendMessage(c.ctx, invocation); err != nil {
		errCh <- err
		close(errCh)
		return errCh
	}
	c.runUpStreams(streamIDs, channels)
	close(errCh)
	return errCh
}

// Invoke invokes a method on the server and resolves with the server result
// or the server reported error. Exactly one result is delivered, also when
// the connection closes before the completion arrived.
func (c *conn) Invoke(method string, arguments ...interface{}) <-chan InvokeResult {
	if err := c.requireConnected("Invoke"); err != nil {
		ch, _ := createResultChansWithError(err)
		return ch
	}
	id := c.newID()
	resultCh, errCh := c.invokeClient.newInvocation(id)
	ch := newInvokeResultChan(c.ctx, resultCh, errCh)
	wireArgs, channels := extractStreamArgs(arguments)
	streamIDs := c.newStreamIDs(channels)
	invocation := invocationMessage{
		Type:         messageTypeInvocation,
		InvocationID: id,
		Target:       method,
		Arguments:    wireArgs,
		StreamIds:    streamIDs,
	}
	if err := c.sendMessage(c.ctx, invocation); err != nil {
		c.invokeClient.deleteInvocation(id)
		ch, _ = createResultChansWithError(err)
		return ch
	}
	c.runUpStreams(streamIDs, channels)
	return ch
}

// PullStream invokes a streaming method on the server. Stream items arrive
// on the returned channel until the server completes the stream. Canceling
// ctx sends a CancelInvocation and no further items are delivered.
func (c *conn) PullStream(ctx context.Context, method string, arguments ...interface{}) <-chan InvokeResult {
	if err := c.requireConnected("PullStream"); err != nil {
		ch, _ := createResultChansWithError(err)
		return ch
	}
	id := c.newID()
	resultCh, errCh := c.invokeClient.newStreamInvocation(id)
	ch := newInvokeResultChan(c.ctx, resultCh, errCh)
	wireArgs, channels := extractStreamArgs(arguments)
	streamIDs := c.newStreamIDs(channels)
	invocation := invocationMessage{
		Type:         messageTypeStreamInvocation,
		InvocationID: id,
		Target:       method,
		Arguments:    wireArgs,
		StreamIds:    streamIDs,
	}
	if err := c.sendMessage(c.ctx, invocation); err != nil {
		c.invokeClient.deleteInvocation(id)
		ch, _ = createResultChansWithError(err)
		return ch
	}
	c.runUpStreams(streamIDs, channels)
	// the watcher starts after the invocation was handed to the transport,
	// so a cancellation can never overtake it
	go func() {
		select {
		case <-ctx.Done():
			if c.invokeClient.handlesInvocationID(id) {
				c.invokeClient.deleteInvocation(id)
				_ = c.sendMessage(c.ctx, cancelInvocationMessage{Type: messageTypeCancelInvocation, InvocationID: id})
			}
		case <-c.invokeClient.invocationDone(id):
		}
	}()
	return ch
}

// PushStreams invokes a method with at least one channel argument and pushes
// all channel items to the server as client to server streams.
func (c *conn) PushStreams(method string, arguments ...interface{}) <-chan InvokeResult {
	_, channels := extractStreamArgs(arguments)
	if len(channels) == 0 {
		ch, _ := createResultChansWithError(errors.New("PushStreams needs at least one argument of channel type"))
		return ch
	}
	return c.Invoke(method, arguments...)
}

// On registers a handler func for server callbacks on target. Matching is
// case-insensitive, a handler func that is already registered for the target
// is not registered twice.
func (c *conn) On(target string, handler interface{}) error {
	v := reflect.ValueOf(handler)
	if v.Kind() != reflect.Func {
		return fmt.Errorf("handler for %q is a %v, not a func", target, v.Kind())
	}
	key := strings.ToLower(target)
	c.handlersMx.Lock()
	defer c.handlersMx.Unlock()
	for _, h := range c.handlers[key] {
		if h.Pointer() == v.Pointer() {
			return nil
		}
	}
	c.handlers[key] = append(c.handlers[key], v)
	return nil
}

// Off removes the given handler funcs for target. Without handlers, all
// handlers for target are removed.
func (c *conn) Off(target string, handlers ...interface{}) {
	key := strings.ToLower(target)
	c.handlersMx.Lock()
	defer c.handlersMx.Unlock()
	if len(handlers) == 0 {
		delete(c.handlers, key)
		return
	}
	kept := c.handlers[key][:0]
	for _, h := range c.handlers[key] {
		remove := false
		for _, handler := range handlers {
			if v := reflect.ValueOf(handler); v.Kind() == reflect.Func && v.Pointer() == h.Pointer() {
				remove = true
				break
			}
		}
		if !remove {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(c.handlers, key)
	} else {
		c.handlers[key] = kept
	}
}

// invokeHandlers calls every handler registered for the invocation target.
// Handler panics and argument errors are logged, they never destabilize the
// connection.
func (c *conn) invokeHandlers(invocation invocationMessage) {
	key := strings.ToLower(invocation.Target)
	c.handlersMx.Lock()
	handlers := append([]reflect.Value(nil), c.handlers[key]...)
	c.handlersMx.Unlock()
	info, _ := c.loggers(c.transport.ConnectionID())
	if len(handlers) == 0 {
		_ = info.Log(evt, "getHandler", "error", "missing handler", "name", invocation.Target)
		return
	}
	for _, handler := range handlers {
		in, err := c.buildHandlerArguments(handler, invocation)
		if err != nil {
			_ = info.Log(evt, "buildHandlerArguments", "error", err, "name", invocation.Target)
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					_ = info.Log(evt, "panic in handler", "error", r, "name", invocation.Target)
				}
			}()
			handler.Call(in)
		}()
	}
}

func (c *conn) buildHandlerArguments(handler reflect.Value, invocation invocationMessage) ([]reflect.Value, error) {
	handlerType := handler.Type()
	if handlerType.NumIn() != len(invocation.Arguments) {
		return nil, fmt.Errorf("handler for %q takes %v arguments, the server sent %v",
			invocation.Target, handlerType.NumIn(), len(invocation.Arguments))
	}
	in := make([]reflect.Value, handlerType.NumIn())
	for i := 0; i < handlerType.NumIn(); i++ {
		arg := reflect.New(handlerType.In(i))
		if err := c.protocol.UnmarshalArgument(invocation.Arguments[i], arg.Interface()); err != nil {
			return nil, err
		}
		in[i] = arg.Elem()
	}
	return in, nil
}

// keep-alive and server timeout timers

func (c *conn) armTimers() {
	c.timerMx.Lock()
	defer c.timerMx.Unlock()
	if c.pingTimer == nil {
		c.pingTimer = time.AfterFunc(c.keepAliveInterval, c.fireKeepAlive)
	} else {
		c.pingTimer.Reset(c.keepAliveInterval)
	}
	if !c.transport.Features().InherentKeepAlive {
		if c.timeoutTimer == nil {
			c.timeoutTimer = time.AfterFunc(c.serverTimeout, c.fireServerTimeout)
		} else {
			c.timeoutTimer.Reset(c.serverTimeout)
		}
	}
}

// resetKeepAlive re-arms the ping timer, called on every outbound message.
func (c *conn) resetKeepAlive() {
	c.timerMx.Lock()
	defer c.timerMx.Unlock()
	if c.pingTimer != nil {
		c.pingTimer.Reset(c.keepAliveInterval)
	}
}

// resetServerTimeout re-arms the server silence timer, called on every
// inbound message.
func (c *conn) resetServerTimeout() {
	c.timerMx.Lock()
	defer c.timerMx.Unlock()
	if c.timeoutTimer != nil {
		c.timeoutTimer.Reset(c.serverTimeout)
	}
}

func (c *conn) fireKeepAlive() {
	if c.State() != Connected {
		return
	}
	c.resetKeepAlive()
	var err error
	if buffer := c.currentBuffer(); buffer != nil {
		err = buffer.Send(c.ctx, hubMessage{Type: messageTypePing}, c.pingPayload)
	} else {
		err = c.transport.Send(c.ctx, c.pingPayload)
	}
	if err != nil {
		// swallowed, the next outbound send re-arms the timer
		_ = c.dbg.Log(evt, msgSend, msg, "ping", "error", err)
		c.timerMx.Lock()
		if c.pingTimer != nil {
			c.pingTimer.Stop()
		}
		c.timerMx.Unlock()
	}
}

func (c *conn) fireServerTimeout() {
	if c.State() != Connected && c.State() != Connecting {
		return
	}
	_ = c.transport.Stop(&TimeoutError{Message: fmt.Sprintf("server timeout (%v) elapsed without a message from the server", c.serverTimeout)})
}

func (c *conn) cleanupTimers() {
	c.timerMx.Lock()
	defer c.timerMx.Unlock()
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
		c.timeoutTimer = nil
	}
}

// lifecycle callback fan-out. Callback panics are logged, never propagated.

func (c *conn) fireClosed(err error) {
	c.callbackMx.Lock()
	callbacks := append([]func(error){}, c.closedCallbacks...)
	c.callbackMx.Unlock()
	for _, fn := range callbacks {
		c.safeCall("closed", func() { fn(err) })
	}
}

func (c *conn) fireReconnecting(err error) {
	c.callbackMx.Lock()
	callbacks := append([]func(error){}, c.reconnectingCallbacks...)
	c.callbackMx.Unlock()
	for _, fn := range callbacks {
		c.safeCall("reconnecting", func() { fn(err) })
	}
}

func (c *conn) fireReconnected(connectionID string) {
	c.callbackMx.Lock()
	callbacks := append([]func(string){}, c.reconnectedCallbacks...)
	c.callbackMx.Unlock()
	for _, fn := range callbacks {
		c.safeCall("reconnected", func() { fn(connectionID) })
	}
}

func (c *conn) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			_ = c.info.Log(evt, "panic in "+kind+" callback", "error", r)
		}
	}()
	fn()
}

func fmtMsg(message interface{}) string {
	return fmt.Sprintf("%v", message)
}
