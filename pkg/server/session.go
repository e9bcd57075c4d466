package server

import (
	"sync/atomic"

	"github.com/aeolun/groupchat/pkg/protocol"
)

// Session is one live connection bound to an identity. A session is created
// only after the transport handshake produced a valid identity claim; a
// connection that never says who it is never becomes a session.
type Session struct {
	ID         uint64
	Identity   protocol.Identity
	Conn       *SafeConn
	RemoteAddr string // Remote address (for logs)
	ConnType   string // "tcp", "ssh" or "ws"

	// kicked flips exactly once, when a newer connection claims the same
	// identity. A kicked session's teardown must not touch registry state
	// that now belongs to its replacement.
	kicked atomic.Bool
}

// MarkKicked flags the session as evicted by a newer connection.
func (s *Session) MarkKicked() {
	s.kicked.Store(true)
}

// Kicked reports whether a newer connection took over this identity.
func (s *Session) Kicked() bool {
	return s.kicked.Load()
}

// Send queues an envelope for delivery, dropping it if the client is too
// slow to drain its queue.
func (s *Session) Send(env *protocol.Envelope) error {
	return s.Conn.SendEnvelope(env)
}
