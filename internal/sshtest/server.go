// Package sshtest runs an in-process SSH server with PTY and a tiny line
// shell, for tests that need a real remote end.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

const (
	User     = "demo"
	Password = "secret"
)

// Options tweak server behavior.
type Options struct {
	// RefusePTY makes the server reject pty-req.
	RefusePTY bool
	// RefuseShell makes the server reject the shell request.
	RefuseShell bool
	// Greeting is written when the shell starts.
	Greeting string
}

// Server is a running test SSH server.
type Server struct {
	Addr string
	Host string
	Port int

	// ClientKeyPEM is an OpenSSH private key accepted for User.
	ClientKeyPEM []byte

	listener net.Listener
	opts     Options

	mu      sync.Mutex
	resizes [][2]uint32
	conns   []net.Conn
}

// Start launches a server on 127.0.0.1 and registers cleanup with t.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSSHPub, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("client public key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == User && bytes.Equal(key.Marshal(), clientSSHPub.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tcp := ln.Addr().(*net.TCPAddr)

	s := &Server{
		Addr:         ln.Addr().String(),
		Host:         tcp.IP.String(),
		Port:         tcp.Port,
		ClientKeyPEM: pem.EncodeToMemory(block),
		listener:     ln,
		opts:         opts,
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			go s.serveConn(conn, cfg)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() {
	s.listener.Close()
	s.DropAll()
}

// DropAll severs every client TCP connection, simulating a dead remote.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Resizes returns the window-change requests seen so far as (cols, rows).
func (s *Server) Resizes() [][2]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]uint32, len(s.resizes))
	copy(out, s.resizes)
	return out
}

func (s *Server) serveConn(netConn net.Conn, cfg *ssh.ServerConfig) {
	defer netConn.Close()
	srvConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ch, requests)
	}
}

func (s *Server) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			req.Reply(!s.opts.RefusePTY, nil)
		case "window-change":
			s.recordResize(req.Payload)
		case "shell":
			if s.opts.RefuseShell {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				for r := range reqs {
					if r.Type == "window-change" {
						s.recordResize(r.Payload)
					}
					if r.WantReply {
						r.Reply(r.Type == "window-change", nil)
					}
				}
			}()
			runShell(ch, s.opts.Greeting)
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) recordResize(payload []byte) {
	if len(payload) < 8 {
		return
	}
	cols := binary.BigEndian.Uint32(payload[0:4])
	rows := binary.BigEndian.Uint32(payload[4:8])
	s.mu.Lock()
	s.resizes = append(s.resizes, [2]uint32{cols, rows})
	s.mu.Unlock()
}

// runShell echoes input like a cooked tty and understands two commands:
// "echo <text>" and "exit".
func runShell(ch ssh.Channel, greeting string) {
	if greeting != "" {
		ch.Write([]byte(greeting))
	}
	ch.Write([]byte("$ "))

	var line []byte
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		for _, b := range buf[:n] {
			if b != '\r' && b != '\n' {
				line = append(line, b)
				ch.Write([]byte{b})
				continue
			}
			ch.Write([]byte("\r\n"))
			cmd := strings.TrimSpace(string(line))
			line = line[:0]
			switch {
			case cmd == "exit":
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				return
			case strings.HasPrefix(cmd, "echo "):
				ch.Write([]byte(strings.TrimPrefix(cmd, "echo ") + "\r\n"))
			case cmd != "":
				ch.Write([]byte(cmd + ": command not found\r\n"))
			}
			ch.Write([]byte("$ "))
		}
		if err != nil {
			return
		}
	}
}
