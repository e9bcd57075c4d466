package server

import (
	"fmt"
	"time"

	"github.com/aeolun/groupchat/pkg/protocol"
)

// handleEnvelope dispatches a decoded envelope to the appropriate handler.
// Server-originated types arriving from a client count as unsupported.
func (s *Server) handleEnvelope(sess *Session, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeHeartbeat:
		// Reading it already reset the idle deadline; no reply.
		return nil
	case protocol.TypeGroupJoin:
		return s.handleGroupJoin(sess, env)
	case protocol.TypeGroupLeave:
		return s.handleGroupLeave(sess, env)
	case protocol.TypeGroupMessage:
		return s.handleGroupMessage(sess, env)
	case protocol.TypeGroupUsers:
		return s.handleGroupUsers(sess, env)
	case protocol.TypePrivateMessage:
		return s.handlePrivateMessage(sess, env)
	case protocol.TypeGroupHistory:
		return s.handleGroupHistory(sess, env)
	case protocol.TypePrivateHistory:
		return s.handlePrivateHistory(sess, env)
	case protocol.TypeConnectionCount:
		return s.handleConnectionCount(sess)
	default:
		s.sendToSession(sess, protocol.NewUnsupported())
		return nil
	}
}

// stamp overwrites the sender fields with the session's bound identity and
// the timestamp with server time. Clients don't get to forge either.
func stamp(sess *Session, env *protocol.Envelope) {
	env.From = sess.Identity.ID
	env.FromDisplayName = sess.Identity.DisplayName
	env.CreatedAt = time.Now()
}

func (s *Server) handleGroupJoin(sess *Session, env *protocol.Envelope) error {
	group := env.To
	if group == "" {
		s.sendToSession(sess, protocol.NewError("group name required"))
		return nil
	}

	already := s.groups.Join(group, sess)
	s.metrics.RecordActiveGroups(s.groups.GroupCount())
	if already {
		debugLog.Printf("Session %d: %q rejoined group %q", sess.ID, sess.Identity.ID, group)
	} else {
		debugLog.Printf("Session %d: %q joined group %q", sess.ID, sess.Identity.ID, group)
	}

	// The broadcast is the joiner's ack, so it goes out on a rejoin too,
	// even though membership itself is idempotent.
	stamp(sess, env)
	s.broadcastToGroup(group, env)
	return nil
}

func (s *Server) handleGroupLeave(sess *Session, env *protocol.Envelope) error {
	group := env.To
	if group == "" {
		s.sendToSession(sess, protocol.NewError("group name required"))
		return nil
	}
	if !s.groups.Contains(group, sess.Identity.ID) {
		debugLog.Printf("Session %d: %q left group %q it was not in", sess.ID, sess.Identity.ID, group)
		return nil
	}

	// The departing member hears its own departure; removal comes after
	// the broadcast.
	stamp(sess, env)
	s.broadcastToGroup(group, env)
	s.groups.Leave(group, sess)
	s.metrics.RecordActiveGroups(s.groups.GroupCount())
	debugLog.Printf("Session %d: %q left group %q", sess.ID, sess.Identity.ID, group)
	return nil
}

func (s *Server) handleGroupMessage(sess *Session, env *protocol.Envelope) error {
	group := env.To
	if group == "" {
		s.sendToSession(sess, protocol.NewError("group name required"))
		return nil
	}
	if !s.groups.Contains(group, sess.Identity.ID) {
		// Not an error back to the sender, just dropped.
		debugLog.Printf("Session %d: %q sent to group %q without joining", sess.ID, sess.Identity.ID, group)
		return nil
	}

	stamp(sess, env)
	s.db.AppendMessage(env)
	s.metrics.RecordMessageArchived()
	s.broadcastToGroup(group, env)
	return nil
}

func (s *Server) handleGroupUsers(sess *Session, env *protocol.Envelope) error {
	roster, err := protocol.NewRoster(env.To, s.groups.Roster(env.To))
	if err != nil {
		return err
	}
	s.sendToSession(sess, roster)
	return nil
}

func (s *Server) handlePrivateMessage(sess *Session, env *protocol.Envelope) error {
	if env.To == "" {
		s.sendToSession(sess, protocol.NewError("recipient required"))
		return nil
	}

	// Archived regardless of whether the recipient is online; an offline
	// recipient finds it in history later.
	stamp(sess, env)
	s.db.AppendMessage(env)
	s.metrics.RecordMessageArchived()

	if target, ok := s.identities.Lookup(env.To); ok {
		s.sendToSession(target, env)
	} else {
		debugLog.Printf("Session %d: private message to offline %q archived", sess.ID, env.To)
	}
	return nil
}

func (s *Server) handleGroupHistory(sess *Session, env *protocol.Envelope) error {
	if env.To == "" {
		s.sendToSession(sess, protocol.NewError("group name required"))
		return nil
	}

	page, err := s.db.GroupMessagePage(env.To, env.Page())
	if err != nil {
		return fmt.Errorf("group history query: %w", err)
	}
	reply, err := protocol.NewHistory(protocol.TypeGroupHistory, env.To, page)
	if err != nil {
		return err
	}
	s.sendToSession(sess, reply)
	return nil
}

func (s *Server) handlePrivateHistory(sess *Session, env *protocol.Envelope) error {
	if env.To == "" {
		s.sendToSession(sess, protocol.NewError("peer id required"))
		return nil
	}

	page, err := s.db.PrivateMessagePage(sess.Identity.ID, env.To, env.Page())
	if err != nil {
		return fmt.Errorf("private history query: %w", err)
	}
	reply, err := protocol.NewHistory(protocol.TypePrivateHistory, env.To, page)
	if err != nil {
		return err
	}
	s.sendToSession(sess, reply)
	return nil
}

func (s *Server) handleConnectionCount(sess *Session) error {
	s.sendToSession(sess, protocol.NewConnectionCount(s.identities.Count()))
	return nil
}
