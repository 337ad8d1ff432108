// Package transport defines the Transport interface for real-time agent
// sessions.
//
// A Transport is an opaque capability object: the session controller connects
// it with a credential, sends text through it, listens on its event stream for
// remote messages and disconnects it. The wire protocol is entirely the
// implementation's concern.
//
// All implementations must be safe for concurrent use.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/brewhaven/pkg/credential"
)

// ErrNotConnected is returned by SendText when the transport has no live
// connection.
var ErrNotConnected = errors.New("transport: not connected")

// EventType discriminates the variants of [Event].
type EventType int

const (
	// EventMessage carries a message produced by the remote agent.
	EventMessage EventType = iota + 1

	// EventClosed reports that the connection ended. Err is nil for a clean
	// remote disconnect and non-nil for a transport failure. It is always the
	// last event before the Events channel is closed.
	EventClosed
)

// Event is a single item from a transport's event stream.
type Event struct {
	Type EventType

	// Text is the message body for EventMessage.
	Text string

	// Sender is the optional display name the agent attached to the message.
	Sender string

	// Received is when the transport read the message off the wire.
	Received time.Time

	// Err is set on EventClosed when the connection failed.
	Err error
}

// Transport is one real-time session with the remote agent.
//
// Connect is called at most once per Transport value. Disconnect releases all
// resources and is safe to call more than once, including before or during
// Connect.
type Transport interface {
	// Connect establishes the session using cred. It blocks until the remote
	// side accepts the session, ctx is done, or the attempt fails.
	Connect(ctx context.Context, cred credential.Credential) error

	// Disconnect tears the session down. After Disconnect returns, no further
	// events other than a final EventClosed are emitted.
	Disconnect() error

	// SendText forwards a user text message to the agent. It returns once the
	// message has been written to the session.
	SendText(ctx context.Context, text string) error

	// Events returns the channel of incoming events. The channel is closed
	// after the connection ends. Consumers must drain it promptly.
	Events() <-chan Event
}

// Factory creates a fresh, unconnected Transport for each session attempt.
type Factory func() Transport
