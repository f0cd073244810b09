// Package sshconn opens interactive PTY shells on remote hosts.
//
// Each Dial makes its own TCP connection and SSH client; handles share
// nothing, so one slow or stuck host never stalls another. A Handle exposes
// the shell as a byte stream: Write feeds stdin, Output delivers every
// stdout/stderr chunk in arrival order, Done closes once when the shell is
// gone for any reason.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultTimeout bounds dial, handshake, pty and shell start together.
	DefaultTimeout = 30 * time.Second

	// DefaultKeepaliveInterval matches the ssh2 client the relay replaced.
	DefaultKeepaliveInterval = 60 * time.Second

	DefaultCols = 80
	DefaultRows = 24

	// MaxCols and MaxRows cap terminal dimensions.
	MaxCols = 500
	MaxRows = 200

	termType = "xterm-256color"
)

// Options configure a Dialer. Zero values pick the defaults above.
type Options struct {
	Timeout           time.Duration
	KeepaliveInterval time.Duration
	// HostKeyCallback defaults to accepting any host key; saved connections
	// carry no pinned fingerprint.
	HostKeyCallback ssh.HostKeyCallback
}

// Dialer opens shells with fixed options.
type Dialer struct {
	opts Options
}

func NewDialer(opts Options) *Dialer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return &Dialer{opts: opts}
}

// ClampSize bounds terminal dimensions to [1, Max] and fills zeros with the
// defaults.
func ClampSize(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return min(cols, MaxCols), min(rows, MaxRows)
}

// Dial connects, authenticates, requests a PTY of cols x rows and starts the
// login shell. It returns *AuthError, *NetworkError or *ProtocolError.
// Cancelling ctx aborts an in-flight dial.
func (d *Dialer) Dial(ctx context.Context, cred Credential, cols, rows int) (*Handle, error) {
	addr := net.JoinHostPort(cred.Host, strconv.Itoa(cred.port()))
	if err := cred.Validate(); err != nil {
		return nil, &AuthError{Addr: addr, Err: err}
	}
	auth, err := cred.authMethods()
	if err != nil {
		return nil, &AuthError{Addr: addr, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &NetworkError{Addr: addr, Err: err}
	}

	// The handshake and channel setup do not take a context; closing the
	// socket is what unblocks them.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })

	cfg := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auth,
		HostKeyCallback: d.opts.HostKeyCallback,
		Timeout:         d.opts.Timeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		stop()
		netConn.Close()
		if ctx.Err() != nil {
			return nil, &NetworkError{Addr: addr, Err: ctx.Err()}
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, &AuthError{Addr: addr, Err: err}
		}
		return nil, &NetworkError{Addr: addr, Err: err}
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	cols, rows = ClampSize(cols, rows)
	h, err := startShell(client, cols, rows)
	if !stop() {
		// ctx fired during setup and already closed the socket.
		client.Close()
		return nil, &NetworkError{Addr: addr, Err: ctx.Err()}
	}
	if err != nil {
		client.Close()
		var perr *ProtocolError
		if errors.As(err, &perr) {
			perr.Addr = addr
		}
		return nil, err
	}

	h.addr = addr
	go h.keepalive(d.opts.KeepaliveInterval)
	log.Printf("[sshconn] shell started on %s as %s (%dx%d)", addr, cred.Username, cols, rows)
	return h, nil
}

func startShell(client *ssh.Client, cols, rows int) (*Handle, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, &ProtocolError{Step: "open session", Err: err}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(termType, rows, cols, modes); err != nil {
		session.Close()
		return nil, &ProtocolError{Step: "request pty", Err: err}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &ProtocolError{Step: "stdin pipe", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &ProtocolError{Step: "stdout pipe", Err: err}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, &ProtocolError{Step: "stderr pipe", Err: err}
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, &ProtocolError{Step: "start shell", Err: err}
	}

	h := &Handle{
		client:  client,
		session: session,
		stdin:   stdin,
		output:  make(chan []byte, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	h.alive.Store(true)

	var readers sync.WaitGroup
	readers.Add(2)
	go h.read(stdout, &readers)
	go h.read(stderr, &readers)
	go func() {
		readers.Wait()
		close(h.output)
		h.Close()
		close(h.done)
	}()
	return h, nil
}

// Handle is one live remote shell. All methods are safe for concurrent use.
type Handle struct {
	addr    string
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	writeMu sync.Mutex
	output  chan []byte

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
	alive     atomic.Bool
}

func (h *Handle) read(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case h.output <- chunk:
			case <-h.closing:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Write sends bytes to the shell's stdin.
func (h *Handle) Write(p []byte) (int, error) {
	select {
	case <-h.closing:
		return 0, io.ErrClosedPipe
	default:
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.stdin.Write(p)
}

// Resize changes the PTY window. Dimensions are clamped.
func (h *Handle) Resize(cols, rows int) error {
	cols, rows = ClampSize(cols, rows)
	return h.session.WindowChange(rows, cols)
}

// Output delivers shell output in arrival order. It is closed after the
// last chunk, just before Done.
func (h *Handle) Output() <-chan []byte { return h.output }

// Done is closed once the shell has ended, whether Close was called or the
// remote went away.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive reports whether the handle is open and its last keepalive succeeded.
func (h *Handle) Alive() bool {
	select {
	case <-h.closing:
		return false
	default:
	}
	return h.alive.Load()
}

// Close tears down the shell and its connection. Repeated calls are no-ops.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closing)
		h.alive.Store(false)
		h.session.Close()
		err = h.client.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

func (h *Handle) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.closing:
			return
		case <-ticker.C:
			result := make(chan error, 1)
			go func() {
				_, _, err := h.client.SendRequest("keepalive@openssh.com", true, nil)
				result <- err
			}()
			var err error
			select {
			case err = <-result:
			case <-time.After(interval):
				err = fmt.Errorf("no reply within %s", interval)
			case <-h.closing:
				return
			}
			if err != nil {
				log.Printf("[sshconn] keepalive to %s failed: %v", h.addr, err)
				h.alive.Store(false)
				return
			}
		}
	}
}
