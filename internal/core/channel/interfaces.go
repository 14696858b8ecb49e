package channel

import "context"

// Transport dials connections on behalf of a Session. Implementations wrap
// one concrete protocol (WebSocket, QUIC).
type Transport interface {
	// Dial establishes a new connection to the endpoint. It must respect
	// ctx cancellation and deadlines.
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Conn is a single live connection owned by exactly one Session.
type Conn interface {
	// Send transmits one message. It returns an error instead of blocking
	// indefinitely; it never retries.
	Send(data []byte) error

	// Close releases the connection. Safe to call more than once.
	Close() error

	// Done is closed when the connection dies, whether by Close or by the
	// peer going away.
	Done() <-chan struct{}
}
