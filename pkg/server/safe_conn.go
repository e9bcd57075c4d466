package server

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/groupchat/pkg/protocol"
)

// maxLineBytes bounds a single envelope on any transport.
const maxLineBytes = 64 * 1024

// sendQueueDepth is how many outbound envelopes a slow client may have
// pending before further broadcasts to it are dropped.
const sendQueueDepth = 256

var (
	// ErrConnClosed indicates a write was attempted after Close.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendQueueFull indicates the client is not draining its socket.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrMessageTooLarge indicates a single envelope exceeded maxLineBytes.
	ErrMessageTooLarge = errors.New("message exceeds size limit")
)

// envelopeConn is one framed message transport. TCP and SSH frame envelopes
// as newline-delimited JSON; WebSocket uses its own text frames.
type envelopeConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// streamConn frames envelopes over a byte stream, one JSON object per line.
type streamConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newStreamConn(conn net.Conn) *streamConn {
	return &streamConn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, maxLineBytes),
	}
}

func (c *streamConn) ReadMessage() ([]byte, error) {
	// ReadSlice fails with ErrBufferFull once the buffer holds maxLineBytes
	// without a delimiter, unlike ReadBytes, which would keep growing on a
	// client that never sends one. The caller drops the connection on error,
	// so the unread remainder of an oversized line is never misparsed.
	line, err := c.reader.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, ErrMessageTooLarge
	}
	if err != nil {
		return nil, err
	}
	// The slice aliases the reader's buffer; copy before the next read.
	out := make([]byte, len(line))
	copy(out, line)
	return bytes.TrimRight(out, "\r\n"), nil
}

func (c *streamConn) WriteMessage(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *streamConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *streamConn) Close() error                       { return c.conn.Close() }

// websocketConn adapts a gorilla connection to envelopeConn. Envelopes
// travel as text frames.
type websocketConn struct {
	conn *websocket.Conn
}

func newWebsocketConn(conn *websocket.Conn) *websocketConn {
	conn.SetReadLimit(maxLineBytes)
	return &websocketConn{conn: conn}
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// Gorilla answers pings itself; skip anything that isn't a data frame.
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *websocketConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *websocketConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *websocketConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *websocketConn) Close() error                       { return c.conn.Close() }

// SafeConn wraps an envelopeConn with write synchronization and an outbound
// queue, so request handlers and broadcast senders never interleave bytes
// on the wire and never block each other on a slow client.
//
// Send is fire-and-forget through the queue; a full queue drops the
// envelope rather than stalling the sender. SendConfirmed bypasses the
// queue and blocks until the bytes are written or the deadline passes,
// which is reserved for the eviction notice.
type SafeConn struct {
	conn envelopeConn
	mu   sync.Mutex // serializes direct writes to conn

	sendQ  chan []byte
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// NewSafeConn wraps a transport connection and starts its writer goroutine.
func NewSafeConn(conn envelopeConn) *SafeConn {
	sc := &SafeConn{
		conn:  conn,
		sendQ: make(chan []byte, sendQueueDepth),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go sc.writeLoop()
	return sc
}

func (sc *SafeConn) writeLoop() {
	defer close(sc.done)
	for {
		select {
		case data := <-sc.sendQ:
			if err := sc.writeMessage(data); err != nil {
				// The read loop notices the broken connection and
				// tears the session down.
				return
			}
		case <-sc.quit:
			return
		}
	}
}

func (sc *SafeConn) writeMessage(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteMessage(data)
}

// Send queues raw bytes for delivery. It never blocks.
func (sc *SafeConn) Send(data []byte) error {
	if sc.closed.Load() {
		return ErrConnClosed
	}
	select {
	case sc.sendQ <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendEnvelope encodes and queues an envelope for delivery.
func (sc *SafeConn) SendEnvelope(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return sc.Send(data)
}

// SendConfirmed writes an envelope directly, waiting up to timeout for the
// bytes to reach the socket. A nil return means the transport accepted the
// write, not that the peer processed it.
func (sc *SafeConn) SendConfirmed(env *protocol.Envelope, timeout time.Duration) error {
	if sc.closed.Load() {
		return ErrConnClosed
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(timeout))
	err = sc.conn.WriteMessage(data)
	sc.conn.SetWriteDeadline(time.Time{})
	return err
}

// ReadMessage reads the next raw envelope. Reads don't need write
// synchronization.
func (sc *SafeConn) ReadMessage() ([]byte, error) {
	return sc.conn.ReadMessage()
}

// SetReadDeadline bounds the next read; the session loop uses it to drop
// connections that stop sending heartbeats.
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// Close stops the writer and closes the underlying connection. Safe to call
// more than once.
func (sc *SafeConn) Close() error {
	if sc.closed.Swap(true) {
		return nil
	}
	close(sc.quit)
	err := sc.conn.Close()
	<-sc.done
	return err
}
