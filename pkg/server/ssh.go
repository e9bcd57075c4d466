package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer brings up the SSH listener. A non-positive port leaves the
// transport off.
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		log.Printf("SSH transport disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	signer, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("ssh host key: %w", err)
	}

	// Identity comes from the in-band claim line, same as TCP, so the SSH
	// layer itself requires no credentials.
	sshConfig := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: "SSH-2.0-GroupChat",
	}
	sshConfig.AddHostKey(signer)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.SSHPort))
	if err != nil {
		return fmt.Errorf("ssh listen on port %d: %w", s.config.SSHPort, err)
	}
	s.sshListener = ln
	log.Printf("SSH transport listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(ln, sshConfig)
	return nil
}

func (s *Server) acceptSSHLoop(ln net.Listener, sshConfig *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		tcpConn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("SSH accept: %v", err)
				continue
			}
		}
		go s.handleSSHConnection(tcpConn, sshConfig)
	}
}

// handleSSHConnection runs the SSH handshake and turns each session channel
// into an ordinary stream connection.
func (s *Server) handleSSHConnection(tcpConn net.Conn, sshConfig *ssh.ServerConfig) {
	defer tcpConn.Close()

	sshConn, channels, requests, err := ssh.NewServerConn(tcpConn, sshConfig)
	if err != nil {
		debugLog.Printf("SSH handshake from %s: %v", tcpConn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(requests)

	for ch := range channels {
		// The chat protocol rides on "session" channels only.
		if ch.ChannelType() != "session" {
			ch.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		channel, chanRequests, err := ch.Accept()
		if err != nil {
			debugLog.Printf("SSH channel accept from %s: %v", sshConn.RemoteAddr(), err)
			continue
		}

		go acknowledgeChannelRequests(chanRequests)
		go s.handleStreamConnection(&sshChannelConn{channel: channel, remote: sshConn.RemoteAddr()}, "ssh")
	}
}

// acknowledgeChannelRequests keeps interactive clients happy. Shell and
// terminal requests get a yes and are otherwise ignored.
func acknowledgeChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		if !req.WantReply {
			continue
		}
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			req.Reply(true, nil)
		default:
			req.Reply(false, nil)
		}
	}
}

// sshChannelConn adapts an ssh.Channel to net.Conn so the stream handler
// can treat both transports the same.
type sshChannelConn struct {
	channel ssh.Channel
	remote  net.Addr
}

func (c *sshChannelConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshChannelConn) Write(b []byte) (int, error) { return c.channel.Write(b) }
func (c *sshChannelConn) Close() error                { return c.channel.Close() }

func (c *sshChannelConn) LocalAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4zero} }

func (c *sshChannelConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return &net.TCPAddr{IP: net.IPv4zero}
}

// SSH channels have no deadline support; idle sessions on this transport
// are bounded by the heartbeat traffic itself.
func (c *sshChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// loadOrGenerateHostKey reads the configured host key, creating an ed25519
// key on first start so operators don't have to run ssh-keygen themselves.
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath := s.config.SSHHostKeyPath
	if strings.HasPrefix(keyPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		keyPath = filepath.Join(home, keyPath[2:])
	}

	if strings.TrimSpace(keyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key in %s or remove it to use the default (%s)", configTarget, DefaultConfig().SSHHostKeyPath)
	}

	if pemBytes, err := os.ReadFile(keyPath); err == nil {
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s: %w", keyPath, err)
		}
		return signer, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read host key %s: %w", keyPath, err)
	}

	log.Printf("No SSH host key at %s, generating one", keyPath)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode host key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("write host key %s: %w", keyPath, err)
	}

	return ssh.ParsePrivateKey(pem.EncodeToMemory(block))
}
