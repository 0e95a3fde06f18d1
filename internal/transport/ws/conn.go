// Package ws provides the client-side WebSocket transport of the chat core.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn adapts a gobwas/ws client connection to whole-message text frames.
type Conn struct {
	conn       net.Conn
	src        io.Reader
	remoteAddr string

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial opens a WebSocket connection to rawURL. The handshake is bounded by
// ctx.
func Dial(ctx context.Context, rawURL string, header http.Header) (*Conn, error) {
	dialer := ws.Dialer{}
	if len(header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}

	conn, br, _, err := dialer.Dial(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rawURL, err)
	}

	return newConn(conn, br), nil
}

// NewConn wraps an already upgraded client connection.
func NewConn(conn net.Conn) *Conn {
	return newConn(conn, nil)
}

func newConn(conn net.Conn, br *bufio.Reader) *Conn {
	c := &Conn{conn: conn, src: conn}
	// Frames that arrived together with the handshake response are still
	// buffered in br, which keeps reading from conn once drained.
	if br != nil {
		c.src = br
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.remoteAddr = addr.String()
	}
	return c
}

// Read reads the next text or binary message, answering control frames
// along the way. Cancelling ctx unblocks a pending read.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	data, err := c.readMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			return nil, context.DeadlineExceeded
		}
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *Conn) readMessage() ([]byte, error) {
	reply := wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)
	// Control replies (pong, close) must not interleave with Write.
	control := func(hdr ws.Header, r io.Reader) error {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return reply(hdr, r)
	}
	rd := wsutil.Reader{
		Source:         c.src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}

// Write sends data as a single text frame.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientText(c.conn, data)
}

// Close sends a close frame and closes the underlying connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, body)
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the server address for logging.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}
