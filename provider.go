package wsstream

import (
	"net"
	"time"
)

type (
	// CloseChan is closed once the owner has been closed.
	CloseChan chan struct{}

	// Provider is a message-oriented websocket connection. Stream turns any Provider into a
	// byte stream.
	Provider interface {
		// Recv blocks until the next message arrives. A close frame is delivered once as a
		// CloseMessage; afterwards, and whenever the transport ends without a close frame,
		// Recv returns io.EOF.
		Recv() (Message, error)

		// Send queues m for transmission, blocking while the transport cannot take more data.
		// The payload of m is not retained after Send returns.
		Send(m Message) error

		// Flush pushes queued data to the transport. ErrFlushPending means the transport was
		// not ready and the remaining data is still queued.
		Flush() error

		// Close sends a close frame if none was sent yet and releases the transport.
		Close() error

		// RemoteAddr returns the peer address, or nil when it is unknown.
		RemoteAddr() net.Addr

		// LocalAddr returns the local address, or nil when it is unknown.
		LocalAddr() net.Addr

		SetReadDeadline(t time.Time) error
		SetWriteDeadline(t time.Time) error
	}
)

// wsAddr stands in for addresses a provider cannot report.
type wsAddr struct{}

func (wsAddr) Network() string { return "websocket" }

func (wsAddr) String() string { return "websocket" }
