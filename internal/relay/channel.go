package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/activity"
	"github.com/RubenOsiris073/ssh-manager/internal/logging"
	"github.com/RubenOsiris073/ssh-manager/internal/sshconn"
)

// Conn is one client transport carrying one JSON object per frame.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	Close(code int, reason string) error
}

// Close codes sent when the relay ends a channel.
const (
	CloseNormal       = 1000
	CloseSlowConsumer = 1008
	CloseAuthFailed   = 4401
	CloseAuthTimeout  = 4408
)

const writeTimeout = 10 * time.Second

type outbound struct {
	payload []byte
	close   bool
	code    int
	reason  string
}

// channel is the per-connection state machine. Only Serve's goroutine reads
// from conn; only writeLoop writes to it.
type channel struct {
	id     uint64
	relay  *Relay
	conn   Conn
	remote string
	owner  string

	out        chan outbound
	done       chan struct{}
	doneOnce   sync.Once
	cancel     context.CancelFunc
	writerDone chan struct{}

	limiter   *RateLimiter
	throttled bool

	mu      sync.Mutex
	opening map[string]struct{}
}

// Serve runs one control channel until the client goes away or fails
// authentication. Sessions opened through it outlive it.
func (r *Relay) Serve(ctx context.Context, conn Conn, remote string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &channel{
		id:         r.nextChannel.Add(1),
		relay:      r,
		conn:       conn,
		remote:     logging.Sanitize(remote),
		out:        make(chan outbound, outboundQueueLen),
		done:       make(chan struct{}),
		cancel:     cancel,
		writerDone: make(chan struct{}),
		limiter:    NewRateLimiter(MessageRate, MessageBurst),
		opening:    make(map[string]struct{}),
	}
	go c.writeLoop(ctx)
	defer c.finish()

	log.Printf("[relay] channel %d opened from %s", c.id, c.remote)
	c.send(Event{Type: TypeWelcome})

	if !c.authenticate(ctx) {
		return
	}
	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		c.handle(raw)
	}
}

func (c *channel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// send queues ev for the writer. A client that cannot keep up with its
// queue is disconnected; send then reports false.
func (c *channel) send(ev Event) bool {
	if c.closed() {
		return false
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[relay] channel %d: encode %s event: %v", c.id, ev.Type, err)
		return false
	}
	select {
	case c.out <- outbound{payload: payload}:
		return true
	default:
		log.Printf("[relay] channel %d: outbound queue full, dropping client", c.id)
		c.terminate()
		return false
	}
}

// closeWith queues a close frame behind any pending events and waits for
// the writer to finish.
func (c *channel) closeWith(code int, reason string) {
	select {
	case c.out <- outbound{close: true, code: code, reason: reason}:
	default:
		c.terminate()
	}
	<-c.writerDone
}

func (c *channel) terminate() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

func (c *channel) writeLoop(ctx context.Context) {
	defer close(c.writerDone)
	for {
		select {
		case <-c.done:
			return
		case item := <-c.out:
			if item.close {
				c.conn.Close(item.code, item.reason)
				c.terminate()
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, item.payload)
			cancel()
			if err != nil {
				if !c.closed() {
					log.Printf("[relay] channel %d: write failed: %v", c.id, err)
				}
				c.terminate()
				return
			}
		}
	}
}

// finish tears the channel down. Open sessions stay in the registry; dials
// this channel started and that have not completed are cancelled.
func (c *channel) finish() {
	c.terminate()
	<-c.writerDone

	c.mu.Lock()
	pending := make([]string, 0, len(c.opening))
	for id := range c.opening {
		pending = append(pending, id)
	}
	c.mu.Unlock()
	for _, id := range pending {
		if c.relay.reg.Cancel(id, ReasonChannelClosed) {
			log.Printf("[relay] channel %d: cancelled pending open of session %s", c.id, id)
		}
	}
	if c.owner != "" {
		for _, s := range c.relay.reg.all() {
			if s.OwnerID == c.owner {
				s.unbind(c)
			}
		}
	}
	log.Printf("[relay] channel %d closed", c.id)
}

func (c *channel) authenticate(ctx context.Context) bool {
	actx, cancel := context.WithTimeout(ctx, c.relay.authTimeout)
	defer cancel()

	raw, err := c.conn.Read(actx)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			log.Printf("[relay] channel %d: no auth within %s", c.id, c.relay.authTimeout)
			c.send(Event{Type: TypeAuthError, Message: "authentication timed out"})
			c.closeWith(CloseAuthTimeout, "authentication timeout")
		}
		return false
	}
	if len(raw) > MaxMessageSize {
		c.reject("message too large")
		return false
	}

	m, err := decodeMessage(raw)
	if err != nil || m.Type != TypeAuth || m.Token == "" {
		c.reject("authentication required")
		return false
	}

	owner, err := c.relay.verifier.Verify(m.Token)
	if err != nil || owner == "" {
		log.Printf("[relay] channel %d: auth failed from %s: %v", c.id, c.remote, err)
		c.reject("invalid or expired token")
		return false
	}
	c.owner = owner
	c.send(Event{Type: TypeAuthSuccess})
	log.Printf("[relay] channel %d authenticated as %s", c.id, owner)
	return true
}

func (c *channel) reject(message string) {
	c.send(Event{Type: TypeAuthError, Message: message})
	c.closeWith(CloseAuthFailed, "authentication failed")
}

func (c *channel) handle(raw []byte) {
	if len(raw) > MaxMessageSize {
		c.send(errorEvent("", CodeTooLarge, "message exceeds 64 KiB", false))
		return
	}
	if !c.limiter.Allow() {
		if !c.throttled {
			c.throttled = true
			c.send(errorEvent("", CodeRateLimited, "too many messages", false))
		}
		return
	}
	c.throttled = false

	m, err := decodeMessage(raw)
	if err != nil {
		c.send(errorEvent("", CodeBadRequest, "malformed message", false))
		return
	}

	switch m.Type {
	case TypePing:
		c.send(Event{Type: TypePong})
	case TypeAuth:
		c.send(errorEvent("", CodeAlreadyAuthed, "channel is already authenticated", false))
	case TypeOpen:
		c.handleOpen(m)
	case TypeData, TypeResize, TypeClose, TypeAttach:
		s, ok := c.ownedSession(m)
		if !ok {
			return
		}
		switch m.Type {
		case TypeData:
			c.handleData(s, m)
		case TypeResize:
			c.handleResize(s, m)
		case TypeClose:
			c.handleClose(s)
		case TypeAttach:
			c.handleAttach(s)
		}
	default:
		c.send(errorEvent("", CodeUnknownType, "unknown message type", false))
	}
}

// ownedSession resolves m.SessionID to an open session owned by this
// channel's user, emitting the matching error otherwise.
func (c *channel) ownedSession(m Message) (*Session, bool) {
	if m.SessionID == "" {
		c.send(errorEvent("", CodeBadRequest, "sessionId is required", false))
		return nil, false
	}
	s, ok := c.relay.reg.Lookup(m.SessionID)
	if !ok {
		c.send(errorEvent(m.SessionID, CodeSessionNotFound, "session no longer exists", true))
		return nil, false
	}
	if s.OwnerID != c.owner {
		log.Printf("[relay] channel %d: %s referenced session %s owned by another user", c.id, c.owner, s.ID)
		c.send(errorEvent(m.SessionID, CodeForbidden, "session belongs to another user", false))
		return nil, false
	}
	if s.Status() != StatusOpen {
		c.send(errorEvent(m.SessionID, CodeSessionNotOpen, "session is not open", false))
		return nil, false
	}
	return s, true
}

func (c *channel) handleOpen(m Message) {
	if m.ConnectionID == "" {
		c.send(errorEvent("", CodeBadRequest, "connectionId is required", false))
		return
	}
	cols, rows := sshconn.ClampSize(m.Cols, m.Rows)
	s := c.relay.reg.Create(c.owner, m.ConnectionID, cols, rows)

	c.mu.Lock()
	c.opening[s.ID] = struct{}{}
	c.mu.Unlock()

	go c.open(s)
}

func (c *channel) open(s *Session) {
	defer func() {
		c.mu.Lock()
		delete(c.opening, s.ID)
		c.mu.Unlock()
	}()

	start := time.Now()
	t, err := c.relay.establish(s)
	if err == nil {
		err = c.relay.reg.Attach(s.ID, t)
	}
	if err != nil {
		code, fatal := classifyOpenError(err)
		if !c.relay.reg.Remove(s.ID, ReasonOpenFailed) {
			code, fatal = CodeOpenCancelled, true
		}
		log.Printf("[relay] open connection %s for %s failed (%s): %v",
			logging.Sanitize(s.ConnectionID), s.OwnerID, code, err)
		activity.LogFailed(s.OwnerID, s.ConnectionID, c.remote, code, err)

		ev := errorEvent("", code, err.Error(), fatal)
		ev.ConnectionID = s.ConnectionID
		c.send(ev)
		return
	}

	c.send(Event{Type: TypeConnected, SessionID: s.ID, ConnectionID: s.ConnectionID})
	s.bind(c)
	go s.writeInput(t)
	go c.relay.pump(s, t)

	log.Printf("[relay] session %s open for %s on connection %s (%s)",
		s.ID, s.OwnerID, s.ConnectionID, time.Since(start).Round(time.Millisecond))
	activity.LogConnect(s.OwnerID, s.ConnectionID, s.ID, c.remote)
	if toucher, ok := c.relay.dir.(interface {
		Touch(context.Context, string, time.Time) error
	}); ok {
		if err := toucher.Touch(context.Background(), s.ConnectionID, time.Now()); err != nil {
			log.Printf("[relay] record last connect for %s: %v", s.ConnectionID, err)
		}
	}
}

func (c *channel) handleData(s *Session, m Message) {
	s.bind(c)
	if m.Data == "" {
		return
	}
	if !s.queueInput([]byte(m.Data)) {
		c.send(errorEvent(s.ID, CodeInputOverflow, "remote shell is not accepting input", false))
		return
	}
	s.touch(c.relay.reg.now())
}

func (c *channel) handleResize(s *Session, m Message) {
	s.bind(c)
	cols, rows := sshconn.ClampSize(m.Cols, m.Rows)
	s.setSize(cols, rows)
	if err := s.Transport().Resize(cols, rows); err != nil {
		c.send(errorEvent(s.ID, CodeResizeFailed, err.Error(), false))
		return
	}
	s.touch(c.relay.reg.now())
}

// handleClose removes the session. The close event itself comes from the
// session's pump once the transport has shut down.
func (c *channel) handleClose(s *Session) {
	s.bind(c)
	c.relay.reg.Remove(s.ID, ReasonClientClosed)
}

// handleAttach moves the session's output to this channel.
func (c *channel) handleAttach(s *Session) {
	c.send(Event{Type: TypeConnected, SessionID: s.ID, ConnectionID: s.ConnectionID, Resumed: true})
	s.bind(c)
	s.touch(c.relay.reg.now())
	log.Printf("[relay] session %s resumed on channel %d", s.ID, c.id)
}
