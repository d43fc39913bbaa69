package hublink

import (
	"context"
	"fmt"
)

// ConnectionState describes the lifecycle state of a HubConnection.
type ConnectionState int

const (
	// Disconnected is the initial and the terminal state
	Disconnected ConnectionState = iota
	// Connecting is the state while the transport starts and the handshake runs
	Connecting
	// Connected is the state while hub traffic can flow
	Connected
	// Disconnecting is the state while a stop is in progress
	Disconnecting
	// Reconnecting is the state between loss of the transport and the next
	// connection attempt
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Reconnecting:
		return "Reconnecting"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// WaitForState returns a channel for waiting on the HubConnection to reach a
// specific ConnectionState. The channel either returns an error if ctx or the
// connection has been canceled or nil if the state waitFor was reached.
func WaitForState(ctx context.Context, conn HubConnection, waitFor ConnectionState) <-chan error {
	ch := make(chan error, 1)
	stateCh := make(chan struct{}, 1)
	conn.PushStateChanged(stateCh)
	go func() {
		defer close(ch)
		for {
			if conn.State() == waitFor {
				return
			}
			select {
			case <-stateCh:
			case <-ctx.Done():
				ch <- ctx.Err()
				return
			case <-conn.Context().Done():
				ch <- fmt.Errorf("connection canceled: %w", conn.Context().Err())
				return
			}
		}
	}()
	return ch
}
