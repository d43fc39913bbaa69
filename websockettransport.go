package hublink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/go-kit/log"
)

// webSocketTransport connects to a hub server over a WebSocket. With
// stateful reconnect enabled, a dropped socket is redialed for up to the
// reconnect window while the logical session stays alive: the transport
// calls the Disconnected hook on loss and the Resend hook after the new
// socket is up, and only gives up with the close callback when redialing
// failed for the whole window.
type webSocketTransport struct {
	mx         sync.Mutex
	url        string
	headers    func() http.Header
	httpClient *http.Client
	features   TransportFeatures
	// how long a lost socket is redialed before the transport closes for good
	reconnectWindow time.Duration
	redialInterval  time.Duration

	onReceive func(data []byte)
	onClose   func(err error)

	conn         *websocket.Conn
	format       TransferFormat
	connectionID string
	lifetime     context.Context
	cancel       context.CancelFunc
	started      bool
	closed       bool

	info log.Logger
	dbg  log.Logger
}

// NewWebSocketTransport creates a Transport that connects to the hub
// endpoint at url over a WebSocket.
func NewWebSocketTransport(url string, options ...func(*webSocketTransport) error) (Transport, error) {
	info, dbg := buildInfoDebugLogger(log.NewLogfmtLogger(os.Stderr), false)
	t := &webSocketTransport{
		url:            url,
		httpClient:     http.DefaultClient,
		redialInterval: time.Second,
		info:           log.WithPrefix(info, "ts", log.DefaultTimestampUTC, "class", "webSocketTransport"),
		dbg:            log.WithPrefix(dbg, "ts", log.DefaultTimestampUTC, "class", "webSocketTransport"),
	}
	for _, option := range options {
		if option != nil {
			if err := option(t); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// WithStatefulReconnect makes the transport resume the logical session over
// a new socket when the current one drops. The transport redials for up to
// window before it closes for good.
func WithStatefulReconnect(window time.Duration) func(*webSocketTransport) error {
	return func(t *webSocketTransport) error {
		if window <= 0 {
			return errors.New("reconnect window must be positive")
		}
		t.features.Reconnect = true
		t.reconnectWindow = window
		return nil
	}
}

// WithDialHeaders sets the function providing request headers for the
// WebSocket handshake.
func WithDialHeaders(headers func() http.Header) func(*webSocketTransport) error {
	return func(t *webSocketTransport) error {
		t.headers = headers
		return nil
	}
}

// WithDialHTTPClient sets the http client used to dial the hub endpoint.
func WithDialHTTPClient(client *http.Client) func(*webSocketTransport) error {
	return func(t *webSocketTransport) error {
		t.httpClient = client
		return nil
	}
}

func (t *webSocketTransport) OnReceive(fn func(data []byte)) {
	t.mx.Lock()
	t.onReceive = fn
	t.mx.Unlock()
}

func (t *webSocketTransport) OnClose(fn func(err error)) {
	t.mx.Lock()
	t.onClose = fn
	t.mx.Unlock()
}

func (t *webSocketTransport) Features() *TransportFeatures {
	return &t.features
}

func (t *webSocketTransport) ConnectionID() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.connectionID
}

func (t *webSocketTransport) URL() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.url
}

func (t *webSocketTransport) SetURL(url string) {
	t.mx.Lock()
	t.url = url
	t.mx.Unlock()
}

func (t *webSocketTransport) Start(ctx context.Context, format TransferFormat) error {
	t.mx.Lock()
	if t.started {
		t.mx.Unlock()
		return errors.New("transport already started")
	}
	t.format = format
	t.lifetime, t.cancel = context.WithCancel(context.Background())
	t.mx.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.mx.Lock()
	t.conn = conn
	t.connectionID = uuid.New().String()
	t.started = true
	t.closed = false
	t.mx.Unlock()
	go t.readLoop(conn)
	return nil
}

func (t *webSocketTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	t.mx.Lock()
	url := t.url
	opts := &websocket.DialOptions{HTTPClient: t.httpClient}
	if t.headers != nil {
		opts.HTTPHeader = t.headers()
	}
	t.mx.Unlock()
	conn, _, err := websocket.Dial(ctx, url, opts) //nolint:bodyclose
	if err != nil {
		return nil, err
	}
	// hub frames can be larger than the 32KB default
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (t *webSocketTransport) readLoop(conn *websocket.Conn) {
	t.mx.Lock()
	lifetime := t.lifetime
	receive := t.onReceive
	t.mx.Unlock()
	for {
		_, data, err := conn.Read(lifetime)
		if err != nil {
			if lifetime.Err() != nil {
				// Stop tears the transport down and fires the close callback
				return
			}
			_ = t.info.Log(evt, "read", "error", err, react, "reconnect or close")
			if t.features.Reconnect && t.features.Disconnected != nil {
				if next := t.resume(lifetime, err); next != nil {
					conn = next
					continue
				}
			}
			t.fireClose(err)
			return
		}
		if receive != nil {
			receive(data)
		}
	}
}

// resume redials the endpoint until the reconnect window is spent. It
// returns the new socket, or nil when the transport has to close for good.
func (t *webSocketTransport) resume(lifetime context.Context, cause error) *websocket.Conn {
	t.features.Disconnected()
	deadline := time.Now().Add(t.reconnectWindow)
	for time.Now().Before(deadline) {
		dialCtx, cancel := context.WithDeadline(lifetime, deadline)
		conn, err := t.dial(dialCtx)
		cancel()
		if lifetime.Err() != nil {
			if conn != nil {
				_ = conn.CloseNow()
			}
			return nil
		}
		if err == nil {
			t.mx.Lock()
			t.conn = conn
			t.connectionID = uuid.New().String()
			t.mx.Unlock()
			if t.features.Resend == nil {
				_ = conn.CloseNow()
				return nil
			}
			if err := t.features.Resend(lifetime); err != nil {
				_ = t.info.Log(evt, "resend", "error", err, react, "close connection")
				_ = conn.CloseNow()
				return nil
			}
			_ = t.dbg.Log(evt, "transport resumed", "cause", fmt.Sprintf("%v", cause))
			return conn
		}
		select {
		case <-time.After(t.redialInterval):
		case <-lifetime.Done():
			return nil
		}
	}
	return nil
}

func (t *webSocketTransport) Send(ctx context.Context, payload []byte) error {
	t.mx.Lock()
	conn := t.conn
	format := t.format
	t.mx.Unlock()
	if conn == nil {
		return errors.New("transport is not started")
	}
	messageType := websocket.MessageText
	if format == TransferFormatBinary {
		messageType = websocket.MessageBinary
	}
	return conn.Write(ctx, messageType, payload)
}

func (t *webSocketTransport) Stop(err error) error {
	t.mx.Lock()
	if !t.started {
		t.mx.Unlock()
		return nil
	}
	t.started = false
	cancel := t.cancel
	conn := t.conn
	t.conn = nil
	t.mx.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		reason := "client closed the connection"
		if err != nil {
			reason = err.Error()
		}
		_ = conn.Close(websocket.StatusNormalClosure, reason)
	}
	t.fireClose(err)
	return nil
}

// fireClose invokes the close callback exactly once per started session.
func (t *webSocketTransport) fireClose(err error) {
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
