package server

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/groupchat/pkg/protocol"
)

// blockingConn stalls every write until release is signalled, to simulate a
// client that stopped draining its socket.
type blockingConn struct {
	started chan struct{} // closed when the first write is in flight
	release chan struct{}

	mu     sync.Mutex
	writes int

	startOnce sync.Once
}

func newBlockingConn() *blockingConn {
	return &blockingConn{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *blockingConn) ReadMessage() ([]byte, error) { select {} }

func (c *blockingConn) WriteMessage(data []byte) error {
	c.startOnce.Do(func() { close(c.started) })
	<-c.release
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return nil
}

func (c *blockingConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *blockingConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *blockingConn) SetWriteDeadline(t time.Time) error { return nil }
func (c *blockingConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4zero} }
func (c *blockingConn) Close() error                       { return nil }

func TestSendDropsWhenQueueFull(t *testing.T) {
	conn := newBlockingConn()
	sc := NewSafeConn(conn)
	defer func() {
		close(conn.release)
		sc.Close()
	}()

	payload := []byte(`{"type":"HEARTBEAT"}`)

	// First send gets picked up by the writer and stalls there.
	require.NoError(t, sc.Send(payload))
	<-conn.started

	// The queue itself still has full capacity behind the stalled write.
	for i := 0; i < sendQueueDepth; i++ {
		require.NoError(t, sc.Send(payload))
	}

	// One more has nowhere to go.
	assert.ErrorIs(t, sc.Send(payload), ErrSendQueueFull)
}

func TestSendAfterClose(t *testing.T) {
	conn := newBlockingConn()
	close(conn.release)
	sc := NewSafeConn(conn)
	sc.Close()

	assert.ErrorIs(t, sc.Send([]byte("x")), ErrConnClosed)
	assert.ErrorIs(t, sc.SendConfirmed(protocol.NewKickOut(), time.Second), ErrConnClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := newBlockingConn()
	close(conn.release)
	sc := NewSafeConn(conn)

	require.NoError(t, sc.Close())
	require.NoError(t, sc.Close())
}

func TestStreamReadBoundedLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		line := append(bytes.Repeat([]byte("a"), maxLineBytes+1), '\n')
		client.Write(line)
	}()

	sc := newStreamConn(server)
	_, err := sc.ReadMessage()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestStreamReadWithinLimit(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := bytes.Repeat([]byte("b"), 4096)
	go func() {
		client.Write(append(payload, '\n'))
	}()

	sc := newStreamConn(server)
	line, err := sc.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, payload, line)
}

func TestSendConfirmedDeliversImmediately(t *testing.T) {
	conn := newBlockingConn()
	close(conn.release)
	sc := NewSafeConn(conn)
	defer sc.Close()

	require.NoError(t, sc.SendConfirmed(protocol.NewKickOut(), time.Second))
	assert.GreaterOrEqual(t, conn.writeCount(), 1)
}
