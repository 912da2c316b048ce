package ws

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport is one open duplex connection to the messaging backend. The
// Manager owns exactly one at a time. ReadMessage is only called from the
// Manager's read goroutine; writes may come from any goroutine.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	WritePing() error
	Close() error
}

// DialFunc opens a Transport to url. It must honor ctx cancellation.
type DialFunc func(ctx context.Context, url string) (Transport, error)

// Connection is the gobwas/ws backed Transport. A write mutex serializes data
// frames, keepalive pings and the pong replies emitted while reading.
type Connection struct {
	conn         net.Conn
	reader       *wsutil.Reader
	control      wsutil.FrameHandlerFunc
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

// Dial opens a client WebSocket connection with gobwas/ws. writeTimeout bounds
// every frame write; zero disables the deadline.
func Dial(ctx context.Context, url string, writeTimeout time.Duration) (*Connection, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}

	// The handshake reader may already hold the first server frames.
	var src io.Reader = conn
	if br != nil {
		src = br
	}

	c := &Connection{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
	c.control = wsutil.ControlFrameHandler(lockedWriter{c}, ws.StateClientSide)
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.control,
	}
	return c, nil
}

// DialTransport adapts Dial to a DialFunc with the given write timeout.
func DialTransport(writeTimeout time.Duration) DialFunc {
	return func(ctx context.Context, url string) (Transport, error) {
		c, err := Dial(ctx, url, writeTimeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// ReadMessage blocks until the next complete data frame arrives. Control
// frames are answered in place; a close frame surfaces as wsutil.ClosedError.
func (c *Connection) ReadMessage() ([]byte, error) {
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.reader); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.reader.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(c.reader)
	}
}

// WriteMessage sends a WebSocket text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteClientMessage(c.conn, ws.OpPing, nil)
}

// Close sends a normal-closure frame on a best-effort basis and closes the
// underlying network connection. It is safe to call multiple times.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body)))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// lockedWriter routes control-frame replies through the write mutex.
type lockedWriter struct {
	c *Connection
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	w.c.setWriteDeadline()
	return w.c.conn.Write(p)
}
