package connector

import (
	"context"
)

// BufferSize is the number of inbound notification frames that can be queued.
const BufferSize = 5

// State enumerates the lifecycle of the link to the arm.
type State int32

const (
	// StateDisconnected means no connection exists. A session in this state keeps retrying.
	StateDisconnected State = iota

	// StateConnecting means a connect or subscribe attempt is in progress.
	StateConnecting

	// StateConnected means the command characteristic is writable and the status characteristic
	// is subscribed.
	StateConnected

	// StateClosed means the session was shut down and will not reconnect.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connector writes command frames to the arm and delivers its notification frames.
type Connector interface {
	// Receive returns a read-only channel of raw frames received on the arm's status
	// characteristic.
	//
	// Implementations must be thread safe.
	Receive() <-chan []byte

	// WriteCommand writes one text frame to the arm's command characteristic and blocks until the
	// transport confirms the write, the write fails, or the connector's write timeout expires.
	//
	// Implementations must never have two writes in flight at once, and must be thread safe.
	WriteCommand(ctx context.Context, command string) error

	// Connected returns true if the link is up and subscribed.
	Connected() bool

	// State returns the current link state.
	State() State

	// Close terminates the link. Repeated calls to Close() must be idempotent.
	Close()
}
