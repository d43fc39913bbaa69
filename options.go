package hublink

import (
	"errors"
	"fmt"
	"time"
)

// WithTransport sets the transport the connection runs over. The option is
// required.
func WithTransport(transport Transport) func(*conn) error {
	return func(c *conn) error {
		if transport == nil {
			return errors.New("transport must not be nil")
		}
		c.transport = transport
		return nil
	}
}

// WithTransferFormat sets the transfer format used on the transport and with
// it the hub protocol. Allowed values are "Text" (JSON) and "Binary"
// (MessagePack).
func WithTransferFormat(format TransferFormat) func(*conn) error {
	return func(c *conn) error {
		switch format {
		case TransferFormatText:
			c.format = "json"
		case TransferFormatBinary:
			c.format = "messagepack"
		default:
			return fmt.Errorf("invalid transferformat %v", format)
		}
		return nil
	}
}

// TimeoutInterval is the interval the client will consider the server
// disconnected if it hasn't received a message (including keep-alive) in it.
// The recommended value is double the KeepAliveInterval value.
// Default is 30 seconds.
func TimeoutInterval(timeout time.Duration) func(*conn) error {
	return func(c *conn) error {
		c.serverTimeout = timeout
		return nil
	}
}

// KeepAliveInterval is the interval if the client hasn't sent a message
// within, a ping message is sent automatically to keep the connection open.
// When changing KeepAliveInterval, change the TimeoutInterval setting on the
// server side accordingly. Default is 15 seconds.
func KeepAliveInterval(interval time.Duration) func(*conn) error {
	return func(c *conn) error {
		c.keepAliveInterval = interval
		return nil
	}
}

// HandshakeTimeout is the interval the initial handshake response must
// arrive in. This is an advanced setting that should only be modified if
// handshake timeout errors are occurring due to severe network latency.
func HandshakeTimeout(timeout time.Duration) func(*conn) error {
	return func(c *conn) error {
		c.handshakeTimeout = timeout
		return nil
	}
}

// ChanReceiveTimeout is the timeout for processing stream items and results
// from the server, after StreamBufferCapacity was exceeded. If the consumer
// does not keep up, the affected invocation fails. Default is 5 seconds.
func ChanReceiveTimeout(timeout time.Duration) func(*conn) error {
	return func(c *conn) error {
		c.chanReceiveTimeout = timeout
		return nil
	}
}

// StreamBufferCapacity is the maximum number of items that can be buffered
// for streams from the server. When the limit is reached, the
// ChanReceiveTimeout starts to apply. Default is 10.
func StreamBufferCapacity(capacity uint) func(*conn) error {
	return func(c *conn) error {
		if capacity == 0 {
			return errors.New("unbuffered streams are not supported")
		}
		c.streamBufferCapacity = capacity
		return nil
	}
}

// WithAutomaticReconnect lets the connection reconnect after the transport
// was lost. The policy decides how long to wait before each attempt and when
// to give up. Without this option a lost transport closes the connection.
func WithAutomaticReconnect(policy RetryPolicy) func(*conn) error {
	return func(c *conn) error {
		if policy == nil {
			policy = DefaultRetryPolicy()
		}
		c.retryPolicy = policy
		return nil
	}
}

// StatefulReconnectBufferSize is the number of bytes buffered for redelivery
// over a resumed transport before sends start to block. It only applies when
// the transport supports stateful reconnect.
// Default is 100,000.
func StatefulReconnectBufferSize(size uint64) func(*conn) error {
	return func(c *conn) error {
		c.bufferSize = size
		return nil
	}
}
