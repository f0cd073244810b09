package relay

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is a session's lifecycle position. It only moves forward.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosing    Status = "closing"
	StatusClosed     Status = "closed"
)

// Close reasons recorded on sessions and reported in close events.
const (
	ReasonClientClosed   = "closed_by_client"
	ReasonAPIClosed      = "closed_by_api"
	ReasonRemoteClosed   = "remote_closed"
	ReasonOpenFailed     = "open_failed"
	ReasonChannelClosed  = "channel_closed"
	ReasonReapedIdle     = "reaped_idle"
	ReasonReapedDetached = "reaped_detached"
	ReasonReapedDead     = "reaped_dead"
	ReasonReapedStale    = "reaped_stale"
	ReasonShutdown       = "shutdown"
)

const defaultMaxTombstones = 100_000

// Transport is the relay's view of a live remote shell.
type Transport interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Output() <-chan []byte
	Done() <-chan struct{}
	Alive() bool
	Close() error
}

// Registry maps session ids to sessions. The registry lock covers only the
// map; lifecycle changes on one session are serialized by that session's
// own lock, so work on different ids never contends.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// Removed ids are remembered so Create never reissues one. The set is
	// bounded; the oldest ids fall out first.
	tombstones    map[string]struct{}
	tombOrder     []string
	maxTombstones int

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		tombstones:    make(map[string]struct{}),
		maxTombstones: defaultMaxTombstones,
		now:           time.Now,
	}
}

// Create registers a connecting session for ownerID before any network I/O,
// so it can be found and cancelled while its dial is in flight.
func (r *Registry) Create(ownerID, connectionID string, cols, rows int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := r.now()
	s := &Session{
		OwnerID:      ownerID,
		ConnectionID: connectionID,
		CreatedAt:    now,
		ctx:          ctx,
		cancel:       cancel,
		status:       StatusConnecting,
		cols:         cols,
		rows:         rows,
		pending:      backlog{maxLen: backlogSize},
		input:        make(chan []byte, inputQueueLen),
		clock:        r.now,
	}
	s.lastActivity.Store(now.UnixNano())
	s.lastSeen.Store(now.UnixNano())

	r.mu.Lock()
	for {
		id := uuid.NewString()
		if _, live := r.sessions[id]; live {
			continue
		}
		if _, dead := r.tombstones[id]; dead {
			continue
		}
		s.ID = id
		break
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Attach moves a connecting session to open with t as its transport. When
// the session is gone or no longer connecting, t is closed and discarded.
func (r *Registry) Attach(id string, t Transport) error {
	s, ok := r.Lookup(id)
	if !ok {
		t.Close()
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusConnecting:
	case StatusOpen:
		t.Close()
		return errAlreadyAttached
	default:
		t.Close()
		return ErrSessionNotFound
	}
	s.transport = t
	s.status = StatusOpen
	s.touch(r.now())
	return nil
}

func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Touch records activity on id now.
func (r *Registry) Touch(id string) {
	if s, ok := r.Lookup(id); ok {
		now := r.now()
		s.touch(now)
		s.lastSeen.Store(now.UnixNano())
	}
}

// Remove closes the session and deletes it. It cancels an in-flight dial and
// closes the transport exactly once. Only the first call for an id returns
// true.
func (r *Registry) Remove(id, reason string) bool {
	return r.remove(id, reason, false)
}

// Cancel removes id only while it is still connecting.
func (r *Registry) Cancel(id, reason string) bool {
	return r.remove(id, reason, true)
}

func (r *Registry) remove(id, reason string, onlyConnecting bool) bool {
	s, ok := r.Lookup(id)
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosing || s.status == StatusClosed {
		return false
	}
	if onlyConnecting && s.status != StatusConnecting {
		return false
	}

	s.status = StatusClosing
	s.closeReason = reason
	s.cancel()
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			log.Printf("[registry] close transport for session %s: %v", id, err)
		}
	}
	s.status = StatusClosed

	r.mu.Lock()
	delete(r.sessions, id)
	r.tombstones[id] = struct{}{}
	r.tombOrder = append(r.tombOrder, id)
	if len(r.tombOrder) > r.maxTombstones {
		oldest := r.tombOrder[0]
		r.tombOrder = r.tombOrder[1:]
		delete(r.tombstones, oldest)
	}
	r.mu.Unlock()
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) all() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// SessionInfo is a point-in-time copy of a session's state.
type SessionInfo struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	ConnectionID string    `json:"connection_id"`
	Status       Status    `json:"status"`
	Cols         int       `json:"cols"`
	Rows         int       `json:"rows"`
	Attached     bool      `json:"attached"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (r *Registry) Snapshot() []SessionInfo {
	sessions := r.all()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// ListByOwner returns a snapshot of ownerID's sessions.
func (r *Registry) ListByOwner(ownerID string) []SessionInfo {
	var out []SessionInfo
	for _, s := range r.all() {
		if s.OwnerID == ownerID {
			out = append(out, s.Info())
		}
	}
	return out
}

// CloseAll removes every session, returning how many were removed.
func (r *Registry) CloseAll(reason string) int {
	n := 0
	for _, s := range r.all() {
		if r.Remove(s.ID, reason) {
			n++
		}
	}
	return n
}

// Session is one logical remote shell. ID, OwnerID, ConnectionID and
// CreatedAt never change after Create.
type Session struct {
	ID           string
	OwnerID      string
	ConnectionID string
	CreatedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	status      Status
	transport   Transport
	closeReason string
	cols, rows  int

	lastActivity atomic.Int64
	// lastSeen is the last time a channel operated on the session or
	// stopped receiving it. Output does not move it.
	lastSeen atomic.Int64
	clock    func() time.Time

	sinkMu  sync.Mutex
	sink    *channel
	pending backlog
	utf8    []byte
	input   chan []byte
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CloseReason is the reason given to the call that removed the session.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Transport returns the attached transport, or nil while connecting.
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Context is cancelled when the session is removed.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

func (s *Session) setSize(cols, rows int) {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
}

// detachedSince reports whether no live channel receives the session's
// output and, if so, since when.
func (s *Session) detachedSince() (time.Time, bool) {
	s.sinkMu.Lock()
	attached := s.sink != nil && !s.sink.closed()
	s.sinkMu.Unlock()
	if attached {
		return time.Time{}, false
	}
	return time.Unix(0, s.lastSeen.Load()), true
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		ConnectionID: s.ConnectionID,
		Status:       s.status,
		Cols:         s.cols,
		Rows:         s.rows,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
	}
	s.mu.Unlock()

	s.sinkMu.Lock()
	info.Attached = s.sink != nil && !s.sink.closed()
	s.sinkMu.Unlock()
	return info
}
