package hublink

import "context"

// TransferFormat is the format the transport carries hub frames in.
type TransferFormat string

const (
	// TransferFormatText is for protocols with a textual wire format (JSON)
	TransferFormatText TransferFormat = "Text"
	// TransferFormatBinary is for protocols with a binary wire format (MessagePack)
	TransferFormatBinary TransferFormat = "Binary"
)

// TransportFeatures describes the capabilities of a transport. Reconnect and
// InherentKeepAlive are set by the transport before Start returns.
// Disconnected and Resend are populated by the connection when Reconnect is
// true: the transport must call Disconnected when the underlying connection
// is lost and Resend after it has been re-established.
type TransportFeatures struct {
	// InherentKeepAlive is true when the transport keeps itself alive and the
	// server silence timeout must not be applied.
	InherentKeepAlive bool
	// Reconnect is true when the transport can resume the same logical
	// session over a new underlying connection.
	Reconnect bool
	// Disconnected is invoked by the transport when the underlying
	// connection is gone but a resume will be attempted.
	Disconnected func()
	// Resend is invoked by the transport after the underlying connection has
	// been re-established.
	Resend func(ctx context.Context) error
}

// Transport is the underlying duplex connection a hub connection runs over.
// OnReceive and OnClose each have a single subscriber which must be set
// before Start is called.
type Transport interface {
	// Start establishes the transport. It returns when the transport is
	// ready to send and receive.
	Start(ctx context.Context, format TransferFormat) error
	// Send transmits one complete frame.
	Send(ctx context.Context, payload []byte) error
	// Stop tears the transport down. It returns after the close callback has
	// fired.
	Stop(err error) error
	// OnReceive sets the callback for inbound data.
	OnReceive(fn func(data []byte))
	// OnClose sets the callback fired when the transport has closed for good.
	OnClose(fn func(err error))
	// ConnectionID is the id assigned to the current underlying connection.
	ConnectionID() string
	// Features returns the mutable feature block of this transport.
	Features() *TransportFeatures
}
