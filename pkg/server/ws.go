package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aeolun/groupchat/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades /ws requests and runs the session loop over the
// socket. The identity claim rides in the query string (userId, username),
// so a bad claim is rejected with a plain 400 before any upgrade happens.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	identity, err := protocol.ClaimedIdentity(query.Get("userId"), query.Get("username"))
	if err != nil {
		s.metrics.RecordHandshakeFailure()
		debugLog.Printf("WebSocket handshake rejected from %s: %v", r.RemoteAddr, err)
		http.Error(w, "userId and username query parameters are required", http.StatusBadRequest)
		return
	}

	if !s.acquireIP(r.RemoteAddr) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.releaseIP(r.RemoteAddr)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		debugLog.Printf("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	s.runSession(s.newSession(identity, "ws", newWebsocketConn(conn)))
}
