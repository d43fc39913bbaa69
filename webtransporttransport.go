package hublink

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/quic-go/webtransport-go"

	"github.com/go-kit/log"
)

// webTransport connects to a hub server over a WebTransport session with a
// single bidirectional stream. WebTransport sessions ride on QUIC, which
// pings by itself, so the server silence timeout is not applied.
type webTransport struct {
	mx      sync.Mutex
	url     string
	headers func() http.Header
	dialer  *webtransport.Dialer

	features  TransportFeatures
	onReceive func(data []byte)
	onClose   func(err error)

	session      *webtransport.Session
	stream       webtransport.Stream
	connectionID string
	lifetime     context.Context
	cancel       context.CancelFunc
	started      bool
	closed       bool

	info log.Logger
}

// NewWebTransport creates a Transport that connects to the hub endpoint at
// url over WebTransport.
func NewWebTransport(url string, options ...func(*webTransport) error) (Transport, error) {
	info, _ := buildInfoDebugLogger(log.NewLogfmtLogger(os.Stderr), false)
	t := &webTransport{
		url:      url,
		dialer:   &webtransport.Dialer{},
		features: TransportFeatures{InherentKeepAlive: true},
		info:     log.WithPrefix(info, "ts", log.DefaultTimestampUTC, "class", "webTransport"),
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

// WithWebTransportDialer sets the dialer used to establish the session, e.g.
// to configure TLS.
func WithWebTransportDialer(dialer *webtransport.Dialer) func(*webTransport) error {
	return func(t *webTransport) error {
		if dialer == nil {
			return errors.New("dialer must not be nil")
		}
		t.dialer = dialer
		return nil
	}
}

// WithWebTransportHeaders sets the function providing request headers for
// the session handshake.
func WithWebTransportHeaders(headers func() http.Header) func(*webTransport) error {
	return func(t *webTransport) error {
		t.headers = headers
		return nil
	}
}

func (t *webTransport) OnReceive(fn func(data []byte)) {
	t.mx.Lock()
	t.onReceive = fn
	t.mx.Unlock()
}

func (t *webTransport) OnClose(fn func(err error)) {
	t.mx.Lock()
	t.onClose = fn
	t.mx.Unlock()
}

func (t *webTransport) Features() *TransportFeatures {
	return &t.features
}

func (t *webTransport) ConnectionID() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.connectionID
}

func (t *webTransport) URL() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.url
}

func (t *webTransport) SetURL(url string) {
	t.mx.Lock()
	t.url = url
	t.mx.Unlock()
}

func (t *webTransport) Start(ctx context.Context, format TransferFormat) error {
	t.mx.Lock()
	if t.started {
		t.mx.Unlock()
		return errors.New("transport already started")
	}
	url := t.url
	var header http.Header
	if t.headers != nil {
		header = t.headers()
	}
	t.mx.Unlock()

	_, session, err := t.dialer.Dial(ctx, url, header) //nolint:bodyclose
	if err != nil {
		return err
	}
	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		_ = session.CloseWithError(0, "could not open stream")
		return err
	}
	t.mx.Lock()
	t.session = session
	t.stream = stream
	t.connectionID = uuid.New().String()
	t.lifetime, t.cancel = context.WithCancel(context.Background())
	t.started = true
	t.closed = false
	t.mx.Unlock()
	go t.readLoop(stream)
	return nil
}

func (t *webTransport) readLoop(stream webtransport.Stream) {
	t.mx.Lock()
	lifetime := t.lifetime
	receive := t.onReceive
	t.mx.Unlock()
	data := make([]byte, 1<<15)
	for {
		n, err := stream.Read(data)
		if n > 0 && receive != nil {
			chunk := make([]byte, n)
			copy(chunk, data[:n])
			receive(chunk)
		}
		if err != nil {
			if lifetime.Err() != nil {
				return
			}
			_ = t.info.Log(evt, "read", "error", err, react, "close connection")
			t.fireClose(err)
			return
		}
	}
}

func (t *webTransport) Send(ctx context.Context, payload []byte) error {
	t.mx.Lock()
	stream := t.stream
	t.mx.Unlock()
	if stream == nil {
		return errors.New("transport is not started")
	}
	done := make(chan error, 1)
	go func() {
		_, err := stream.Write(payload)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *webTransport) Stop(err error) error {
	t.mx.Lock()
	if !t.started {
		t.mx.Unlock()
		return nil
	}
	t.started = false
	cancel := t.cancel
	session := t.session
	stream := t.stream
	t.session, t.stream = nil, nil
	t.mx.Unlock()
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
	if session != nil {
		reason := "client closed the connection"
		if err != nil {
			reason = err.Error()
		}
		_ = session.CloseWithError(0, reason)
	}
	t.fireClose(err)
	return nil
}

func (t *webTransport) fireClose(err error) {
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
