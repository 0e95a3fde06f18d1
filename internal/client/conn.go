// Package client manages the realtime chat connection: the session state
// machine with its reconnection policy, and the typed event protocol layered
// on top of it.
package client

import (
	"context"
	"net/http"

	"github.com/omochice/dispatch-chat/internal/transport/ws"
)

// Conn abstracts a message-oriented bidirectional connection.
// This interface isolates transport details from session logic.
type Conn interface {
	// Read reads a single message frame.
	// Returns io.EOF when the peer closed the connection.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single message frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens a Conn to url. The handshake must honor ctx.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// DialWebSocket is the default Dialer.
func DialWebSocket(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, err := ws.Dial(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
