package server

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/groupchat/pkg/database"
	"github.com/aeolun/groupchat/pkg/protocol"
)

// handshakeTimeout bounds how long a fresh connection may take to present
// its identity claim before being dropped.
const handshakeTimeout = 10 * time.Second

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// Server accepts connections on TCP, SSH and WebSocket, binds each to an
// identity and routes envelopes between them.
type Server struct {
	db            *database.DB
	identities    *IdentityRegistry
	groups        *GroupRegistry
	config        ServerConfig
	configPath    string
	metrics       *Metrics
	startTime     time.Time
	nextSessionID atomic.Uint64

	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	shutdown chan struct{}
	wg       sync.WaitGroup

	ipMu    sync.Mutex
	ipConns map[string]int

	// Deltas consumed by the periodic stats line
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort             int
	SSHPort             int
	HTTPPort            int // WebSocket endpoint (0 = disabled)
	MetricsPort         int // Internal /metrics and /health (0 = disabled)
	SSHHostKeyPath      string
	SessionTimeout      time.Duration // Idle limit; heartbeats reset it
	KickNoticeTimeout   time.Duration // How long an evicted client gets to receive its notice
	MaxConnectionsPerIP int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:             6789,
		SSHPort:             6790,
		HTTPPort:            8080,
		MetricsPort:         9090,
		SSHHostKeyPath:      "~/.groupchat/ssh_host_key",
		SessionTimeout:      120 * time.Second,
		KickNoticeTimeout:   time.Second,
		MaxConnectionsPerIP: 10,
	}
}

// NewServer creates a server backed by the SQLite archive at dbPath.
func NewServer(dbPath string, config ServerConfig, configPath string) (*Server, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initLoggers(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	return &Server{
		db:         db,
		identities: NewIdentityRegistry(),
		groups:     NewGroupRegistry(),
		config:     config,
		configPath: configPath,
		metrics:    NewMetrics(),
		startTime:  time.Now(),
		shutdown:   make(chan struct{}),
		ipConns:    make(map[string]int),
	}, nil
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "groupchat")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "groupchat")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Errors land on stderr and in errors.log under the data dir.
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker, for distinguishing between runs
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug output stays discarded until EnableDebugLogging is called.
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start opens the listeners and begins accepting connections.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	// Internal metrics server (never expose publicly)
	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler: metricsMux,
		}
		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsServer.Addr)
			if err := s.metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Public WebSocket endpoint
	if s.config.HTTPPort > 0 {
		publicMux := http.NewServeMux()
		publicMux.HandleFunc("/ws", s.HandleWebSocket)
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.HTTPPort),
			Handler: publicMux,
		}
		go func() {
			log.Printf("HTTP server listening on %s (/ws)", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// TCPAddr returns the address the TCP listener is bound to. Tests start the
// server on port 0 and need the assigned port back.
func (s *Server) TCPAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	if s.sshListener != nil {
		s.sshListener.Close()
		s.sshListener = nil
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}

	// Close all live sessions; their read loops unwind and clean up.
	sessions := s.identities.Sessions()
	log.Printf("Closing %d client sessions...", len(sessions))
	for _, sess := range sessions {
		sess.Conn.Close()
	}

	s.wg.Wait()

	log.Println("Flushing message archive...")
	if err := s.db.Close(); err != nil {
		log.Printf("Error during database close: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleStreamConnection(conn, "tcp")
	}
}

// acquireIP reserves a connection slot for a client address, enforcing the
// per-IP limit. Returns false when the address is at its limit.
func (s *Server) acquireIP(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	if s.config.MaxConnectionsPerIP > 0 && s.ipConns[host] >= s.config.MaxConnectionsPerIP {
		return false
	}
	s.ipConns[host]++
	return true
}

func (s *Server) releaseIP(remoteAddr string) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	if s.ipConns[host] <= 1 {
		delete(s.ipConns, host)
	} else {
		s.ipConns[host]--
	}
}

// handleStreamConnection performs the first-line handshake on a byte-stream
// transport (TCP or SSH) and runs the session loop.
func (s *Server) handleStreamConnection(conn net.Conn, connType string) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	remoteAddr := conn.RemoteAddr().String()
	if !s.acquireIP(remoteAddr) {
		debugLog.Printf("Connection limit reached for %s", remoteAddr)
		conn.Close()
		return
	}
	defer s.releaseIP(remoteAddr)

	ec := newStreamConn(conn)

	// The first line must be the identity claim.
	ec.SetReadDeadline(time.Now().Add(handshakeTimeout))
	line, err := ec.ReadMessage()
	if err != nil {
		s.metrics.RecordHandshakeFailure()
		debugLog.Printf("Handshake read failed from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	identity, err := protocol.ParseIdentityClaim(line)
	if err != nil {
		s.metrics.RecordHandshakeFailure()
		debugLog.Printf("Handshake rejected from %s: %v", conn.RemoteAddr(), err)
		if data, encErr := protocol.NewError("invalid identity claim").Encode(); encErr == nil {
			ec.WriteMessage(data)
		}
		conn.Close()
		return
	}
	ec.SetReadDeadline(time.Time{})

	s.runSession(s.newSession(identity, connType, ec))
}

// newSession wraps a handshaken connection in a Session.
func (s *Server) newSession(identity protocol.Identity, connType string, ec envelopeConn) *Session {
	return &Session{
		ID:         s.nextSessionID.Add(1),
		Identity:   identity,
		Conn:       NewSafeConn(ec),
		RemoteAddr: ec.RemoteAddr().String(),
		ConnType:   connType,
	}
}

// runSession binds the session's identity (evicting any previous holder)
// and reads envelopes until the connection drops.
func (s *Server) runSession(sess *Session) {
	s.bindSession(sess)
	defer s.teardownSession(sess)

	s.connectionsSinceReport.Add(1)
	debugLog.Printf("Session %d: %s bound as %q via %s", sess.ID, sess.RemoteAddr, sess.Identity.ID, sess.ConnType)

	for {
		sess.Conn.SetReadDeadline(time.Now().Add(s.config.SessionTimeout))
		raw, err := sess.Conn.ReadMessage()
		if err != nil {
			if err == io.EOF {
				debugLog.Printf("Session %d: client disconnected", sess.ID)
			} else {
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			// Malformed traffic gets an error reply; the session stays up.
			debugLog.Printf("Session %d: %v", sess.ID, err)
			s.metrics.RecordMessageReceived("invalid")
			s.sendToSession(sess, protocol.NewUnsupported())
			continue
		}

		s.metrics.RecordMessageReceived(string(env.Type))

		if err := s.handleEnvelope(sess, env); err != nil {
			errorLog.Printf("Session %d: handler error for %s: %v", sess.ID, env.Type, err)
			s.sendToSession(sess, protocol.NewError("internal error"))
		}
	}
}

// bindSession makes sess the live session for its identity. Any previous
// session is marked kicked and has its groups handed over inside the
// registry; the eviction notice and close happen here, outside the lock.
func (s *Server) bindSession(sess *Session) {
	if evicted := s.identities.Bind(sess, s.groups); evicted != nil {
		s.metrics.RecordKick()
		debugLog.Printf("Session %d: evicting session %d for identity %q", sess.ID, evicted.ID, sess.Identity.ID)

		if err := evicted.Conn.SendConfirmed(protocol.NewKickOut(), s.config.KickNoticeTimeout); err != nil {
			debugLog.Printf("Session %d: kick notice to session %d not delivered: %v", sess.ID, evicted.ID, err)
		}
		evicted.Conn.Close()
	}
	s.metrics.RecordBoundIdentities(s.identities.Count())
}

// teardownSession cleans up after the read loop exits. A kicked session's
// groups and binding already belong to its replacement, so only a session
// that still owns its identity withdraws from its groups.
func (s *Server) teardownSession(sess *Session) {
	s.disconnectionsSinceReport.Add(1)

	if !sess.Kicked() {
		for _, group := range s.groups.GroupsOf(sess.Identity.ID) {
			// Departure notice goes out while the member list still
			// includes everyone who should hear about it. Leave is
			// session-guarded: if a reconnect evicts us between the
			// kicked check above and here, the membership already
			// belongs to the replacement and stays where it is.
			s.broadcastToGroup(group, protocol.NewGroupLeave(sess.Identity, group))
			s.groups.Leave(group, sess)
		}
	}

	s.identities.Unbind(sess)
	sess.Conn.Close()

	s.metrics.RecordBoundIdentities(s.identities.Count())
	s.metrics.RecordActiveGroups(s.groups.GroupCount())
	debugLog.Printf("Session %d: closed (kicked=%v)", sess.ID, sess.Kicked())
}

// broadcastToGroup queues an envelope to every member of a group. Delivery
// is fire-and-forget; a member with a full queue loses this envelope.
func (s *Server) broadcastToGroup(group string, env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		errorLog.Printf("Failed to encode broadcast for group %q: %v", group, err)
		return
	}

	for _, member := range s.groups.Members(group) {
		if err := member.Conn.Send(data); err != nil {
			s.metrics.RecordMessageDropped()
			debugLog.Printf("Session %d: dropped %s broadcast: %v", member.ID, env.Type, err)
			continue
		}
		s.metrics.RecordMessageSent()
	}
}

// sendToSession queues an envelope to one session.
func (s *Server) sendToSession(sess *Session, env *protocol.Envelope) {
	if err := sess.Send(env); err != nil {
		s.metrics.RecordMessageDropped()
		debugLog.Printf("Session %d: dropped %s: %v", sess.ID, env.Type, err)
		return
	}
	s.metrics.RecordMessageSent()
}

// HealthHandler reports liveness for the internal HTTP endpoint.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok\nuptime: %s\nsessions: %d\ngroups: %d\n",
		time.Since(s.startTime).Round(time.Second),
		s.identities.Count(),
		s.groups.GroupCount())
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			bound := s.identities.Count()
			groups := s.groups.GroupCount()
			goroutines := runtime.NumGoroutine()

			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			s.metrics.RecordBoundIdentities(bound)
			s.metrics.RecordActiveGroups(groups)
			s.metrics.RecordActiveSessions(bound)

			log.Printf("[METRICS] Bound identities: %d, groups: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				bound, groups, connected, disconnected, goroutines)
		}
	}
}
