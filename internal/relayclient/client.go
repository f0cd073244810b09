// Package relayclient drives one logical shell session through the relay's
// control channel, re-establishing the channel when it drops.
//
// The relay keeps a session alive when its channel goes away, so a
// reconnect only needs a fresh channel, a new auth, and an attach for the
// session id already held. When the relay reports the session is gone the
// client stops instead of retrying.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/RubenOsiris073/ssh-manager/internal/relay"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jpillora/backoff"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	DefaultMinBackoff   = time.Second
	DefaultMaxBackoff   = 16 * time.Second
	DefaultMaxAttempts  = 10
	DefaultPingInterval = 30 * time.Second
	DefaultDialTimeout  = 10 * time.Second

	// maxChunk keeps each data frame well under the relay's frame cap after
	// JSON escaping.
	maxChunk = 16 * 1024
)

var (
	ErrClosed        = errors.New("relayclient: closed")
	ErrNotOpen       = errors.New("relayclient: session not open")
	ErrSessionGone   = errors.New("relayclient: session no longer exists")
	ErrSessionClosed = errors.New("relayclient: session closed")
	ErrGaveUp        = errors.New("relayclient: reconnect attempts exhausted")
)

// AuthError means the relay rejected the token. Retrying cannot help.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return "relayclient: authentication failed: " + e.Message }

// OpenError is the relay's answer to an open that did not produce a session.
type OpenError struct {
	Code    string
	Message string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("relayclient: open failed (%s): %s", e.Code, e.Message)
}

type Config struct {
	// URL of the relay's WebSocket endpoint, e.g. ws://host:3001/ws.
	URL   string
	Token string

	// ConnectionID is opened when SessionID is empty; otherwise SessionID is
	// resumed.
	ConnectionID string
	SessionID    string
	Cols, Rows   int

	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	DialTimeout  time.Duration
	// StableAfter is how long a channel must stay up before the retry
	// count starts over. Defaults to MaxBackoff.
	StableAfter time.Duration

	Header  http.Header
	OnState func(State)
}

type Client struct {
	cfg    Config
	output chan []byte

	mu        sync.Mutex
	state     State
	sessionID string
	cols      int
	rows      int
	conn      *websocket.Conn

	closeOnce sync.Once
	closing   chan struct{}
}

func New(cfg Config) *Client {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = cfg.MaxBackoff
	}
	return &Client{
		cfg:       cfg,
		output:    make(chan []byte, 256),
		sessionID: cfg.SessionID,
		cols:      cfg.Cols,
		rows:      cfg.Rows,
		closing:   make(chan struct{}),
	}
}

// Output delivers shell output. It is closed when Run returns.
func (c *Client) Output() <-chan []byte { return c.output }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID is the relay session held by the client, empty until the first
// open succeeds.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// Run connects and keeps the session attached until it ends, the client is
// closed, ctx is cancelled, or reconnects are exhausted. The returned error
// says which.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.output)

	// dctx aborts dials and handshakes on Close. An attached channel is
	// instead shut down by serve so it can tell the relay first.
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closing:
			cancel()
		case <-dctx.Done():
		}
	}()

	b := &backoff.Backoff{
		Min:    c.cfg.MinBackoff,
		Max:    c.cfg.MaxBackoff,
		Factor: 2,
	}
	c.setState(StateConnecting)

	for {
		conn, err := c.connect(dctx)
		if err == nil {
			c.setState(StateOpen)
			start := time.Now()
			err = c.serve(ctx, conn)
			// Channels that drop right after the handshake keep counting
			// against MaxAttempts.
			if time.Since(start) >= c.cfg.StableAfter {
				b.Reset()
			}
		}
		if c.closed() {
			c.setState(StateTerminated)
			return ErrClosed
		}
		if ctx.Err() != nil {
			c.setState(StateTerminated)
			return ctx.Err()
		}
		if terminal(err) {
			c.setState(StateTerminated)
			return err
		}

		attempt := int(b.Attempt())
		if attempt >= c.cfg.MaxAttempts {
			c.setState(StateTerminated)
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, attempt, err)
		}
		wait := b.Duration()
		c.setState(StateReconnecting)
		log.Printf("[relayclient] connection lost: %v (retry %d/%d in %s)", err, attempt+1, c.cfg.MaxAttempts, wait)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateTerminated)
			return ctx.Err()
		case <-c.closing:
			timer.Stop()
			c.setState(StateTerminated)
			return ErrClosed
		}
	}
}

func terminal(err error) bool {
	var ae *AuthError
	var oe *OpenError
	return errors.As(err, &ae) || errors.As(err, &oe) ||
		errors.Is(err, ErrSessionGone) || errors.Is(err, ErrSessionClosed)
}

// connect dials, authenticates, and opens or attaches the session.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: c.cfg.Header})
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(relay.MaxEventSize)
	ok := false
	defer func() {
		if !ok {
			conn.CloseNow()
		}
	}()

	if _, err := c.await(hctx, conn, relay.TypeWelcome); err != nil {
		return nil, err
	}
	if err := wsjson.Write(hctx, conn, relay.Message{Type: relay.TypeAuth, Token: c.cfg.Token}); err != nil {
		return nil, fmt.Errorf("send auth: %w", err)
	}
	ev, err := c.await(hctx, conn, relay.TypeAuthSuccess, relay.TypeAuthError)
	if err != nil {
		return nil, err
	}
	if ev.Type == relay.TypeAuthError {
		return nil, &AuthError{Message: ev.Message}
	}

	c.mu.Lock()
	sid, cols, rows := c.sessionID, c.cols, c.rows
	c.mu.Unlock()

	if sid == "" {
		err = wsjson.Write(hctx, conn, relay.Message{
			Type: relay.TypeOpen, ConnectionID: c.cfg.ConnectionID, Cols: cols, Rows: rows,
		})
	} else {
		err = wsjson.Write(hctx, conn, relay.Message{Type: relay.TypeAttach, SessionID: sid})
	}
	if err != nil {
		return nil, fmt.Errorf("send open: %w", err)
	}

	// An open is answered after the remote shell starts, which may take the
	// relay's whole dial timeout.
	octx, ocancel := context.WithTimeout(ctx, c.cfg.DialTimeout+45*time.Second)
	defer ocancel()
	ev, err = c.await(octx, conn, relay.TypeConnected, relay.TypeError)
	if err != nil {
		return nil, err
	}
	if ev.Type == relay.TypeError {
		if sid != "" && ev.Code == relay.CodeSessionNotFound {
			return nil, ErrSessionGone
		}
		return nil, &OpenError{Code: ev.Code, Message: ev.Message}
	}

	c.mu.Lock()
	c.sessionID = ev.SessionID
	c.conn = conn
	c.mu.Unlock()

	if ev.Resumed && cols > 0 && rows > 0 {
		wsjson.Write(ctx, conn, relay.Message{Type: relay.TypeResize, SessionID: ev.SessionID, Cols: cols, Rows: rows})
	}
	ok = true
	return conn, nil
}

// await reads events until one of the wanted types arrives.
func (c *Client) await(ctx context.Context, conn *websocket.Conn, types ...string) (relay.Event, error) {
	for {
		var ev relay.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return relay.Event{}, fmt.Errorf("read relay: %w", err)
		}
		for _, t := range types {
			if ev.Type == t {
				return ev, nil
			}
		}
	}
}

// serve pumps events for the attached session until the channel or the
// session ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.CloseNow()
	}()

	sid := c.SessionID()
	go c.pingLoop(sctx, conn)
	go func() {
		select {
		case <-c.closing:
			wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
			wsjson.Write(wctx, conn, relay.Message{Type: relay.TypeClose, SessionID: sid})
			wcancel()
			conn.Close(websocket.StatusNormalClosure, "client closed")
		case <-sctx.Done():
		}
	}()

	for {
		var ev relay.Event
		if err := wsjson.Read(sctx, conn, &ev); err != nil {
			return fmt.Errorf("read relay: %w", err)
		}
		if ev.SessionID != "" && ev.SessionID != sid {
			continue
		}
		switch ev.Type {
		case relay.TypeData:
			select {
			case c.output <- []byte(ev.Data):
			case <-sctx.Done():
				return sctx.Err()
			}
		case relay.TypeClose:
			return fmt.Errorf("%w: %s", ErrSessionClosed, ev.Reason)
		case relay.TypeError:
			if ev.Code == relay.CodeSessionNotFound {
				return ErrSessionGone
			}
			log.Printf("[relayclient] relay error %s: %s", ev.Code, ev.Message)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, relay.Message{Type: relay.TypePing}); err != nil {
				return
			}
		}
	}
}

func (c *Client) current() (*websocket.Conn, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.sessionID
}

// Write sends keystrokes to the remote shell. It fails with ErrNotOpen
// while the channel is down; input typed during a reconnect is not queued.
func (c *Client) Write(p []byte) (int, error) {
	conn, sid := c.current()
	if conn == nil || sid == "" {
		return 0, ErrNotOpen
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	written := 0
	for len(p) > 0 {
		n := min(len(p), maxChunk)
		for n < len(p) && n > 0 && !utf8.RuneStart(p[n]) {
			n--
		}
		if n == 0 {
			n = min(len(p), maxChunk)
		}
		msg := relay.Message{Type: relay.TypeData, SessionID: sid, Data: string(p[:n])}
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Resize records the terminal size and forwards it when connected. The
// latest size is re-sent after every resume.
func (c *Client) Resize(cols, rows int) error {
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	conn, sid := c.conn, c.sessionID
	c.mu.Unlock()
	if conn == nil || sid == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, relay.Message{Type: relay.TypeResize, SessionID: sid, Cols: cols, Rows: rows})
}

// Close ends the remote session and stops Run.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	return nil
}
