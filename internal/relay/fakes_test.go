package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/directory"
	"github.com/RubenOsiris073/ssh-manager/internal/sshconn"
	"github.com/RubenOsiris073/ssh-manager/internal/vault"
)

// fakeTransport echoes writes back as output when echo is set.
type fakeTransport struct {
	echo bool

	mu      sync.Mutex
	written bytes.Buffer
	resizes [][2]int
	ended   bool

	out    chan []byte
	done   chan struct{}
	closes atomic.Int32
	alive  atomic.Bool
}

func newFakeTransport(echo bool) *fakeTransport {
	ft := &fakeTransport{
		echo: echo,
		out:  make(chan []byte, 1024),
		done: make(chan struct{}),
	}
	ft.alive.Store(true)
	return ft
}

func (ft *fakeTransport) Write(p []byte) (int, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.ended {
		return 0, errors.New("transport closed")
	}
	ft.written.Write(p)
	if ft.echo {
		ft.out <- append([]byte(nil), p...)
	}
	return len(p), nil
}

func (ft *fakeTransport) Resize(cols, rows int) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.resizes = append(ft.resizes, [2]int{cols, rows})
	return nil
}

func (ft *fakeTransport) Output() <-chan []byte { return ft.out }
func (ft *fakeTransport) Done() <-chan struct{} { return ft.done }
func (ft *fakeTransport) Alive() bool           { return ft.alive.Load() }

func (ft *fakeTransport) Close() error {
	ft.closes.Add(1)
	ft.end()
	return nil
}

// emit simulates remote output.
func (ft *fakeTransport) emit(s string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if !ft.ended {
		ft.out <- []byte(s)
	}
}

// end simulates the remote shell going away.
func (ft *fakeTransport) end() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.ended {
		return
	}
	ft.ended = true
	close(ft.out)
	close(ft.done)
}

func (ft *fakeTransport) writtenString() string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.written.String()
}

// fakeDialer hands out fakeTransports. When gate is non-nil, dials block
// until it is closed or ctx ends.
type fakeDialer struct {
	gate chan struct{}
	err  error

	mu         sync.Mutex
	creds      []sshconn.Credential
	transports []*fakeTransport
}

func (d *fakeDialer) dial(ctx context.Context, cred sshconn.Credential, cols, rows int) (Transport, error) {
	d.mu.Lock()
	d.creds = append(d.creds, cred)
	d.mu.Unlock()

	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, &sshconn.NetworkError{Addr: cred.Host, Err: ctx.Err()}
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	ft := newFakeTransport(true)
	d.mu.Lock()
	d.transports = append(d.transports, ft)
	d.mu.Unlock()
	return ft, nil
}

func (d *fakeDialer) transport(t *testing.T, i int) *fakeTransport {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if i < len(d.transports) {
			ft := d.transports[i]
			d.mu.Unlock()
			return ft
		}
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transport %d was never dialed", i)
	return nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

type fakeDirectory struct {
	records map[string]directory.Record
}

func (f *fakeDirectory) Resolve(_ context.Context, ownerID, connectionID string) (*directory.Record, error) {
	rec, ok := f.records[connectionID]
	if !ok || rec.OwnerID != ownerID {
		return nil, directory.ErrNotFound
	}
	return &rec, nil
}

type fakeVerifier map[string]string

func (f fakeVerifier) Verify(token string) (string, error) {
	if owner, ok := f[token]; ok {
		return owner, nil
	}
	return "", errors.New("unknown token")
}

var errConnClosed = errors.New("conn closed")

// fakeConn is an in-memory control channel. The test plays the client.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	closeOnce   sync.Once
	closed      chan struct{}
	closeCode   atomic.Int32
	closeReason atomic.Value
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 1024),
		out:    make(chan []byte, 4096),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) Write(ctx context.Context, p []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.out <- append([]byte(nil), p...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int32(code))
		c.closeReason.Store(reason)
		close(c.closed)
	})
	return nil
}

// drop simulates the client disappearing.
func (c *fakeConn) drop() { c.Close(1006, "gone") }

func (c *fakeConn) sendRaw(raw string) { c.in <- []byte(raw) }

func (c *fakeConn) send(t *testing.T, m Message) {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.in <- b
}

func (c *fakeConn) next(t *testing.T) Event {
	t.Helper()
	select {
	case raw := <-c.out:
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("bad event %q: %v", raw, err)
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (c *fakeConn) expect(t *testing.T, typ string) Event {
	t.Helper()
	ev := c.next(t)
	if ev.Type != typ {
		t.Fatalf("got event %+v, want type %q", ev, typ)
	}
	return ev
}

// readData collects data events for sessionID until the text contains want.
func (c *fakeConn) readData(t *testing.T, sessionID, want string) string {
	t.Helper()
	var got strings.Builder
	for !strings.Contains(got.String(), want) {
		ev := c.next(t)
		if ev.Type != TypeData || ev.SessionID != sessionID {
			t.Fatalf("unexpected event %+v while waiting for %q", ev, want)
		}
		got.WriteString(ev.Data)
	}
	return got.String()
}

func (c *fakeConn) expectNoEvent(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case raw := <-c.out:
		t.Fatalf("unexpected event %s", raw)
	case <-time.After(within):
	}
}

type harness struct {
	relay  *Relay
	reg    *Registry
	dialer *fakeDialer
	dir    *fakeDirectory
	vault  *vault.Vault
	ctx    context.Context
}

var (
	testVaultOnce sync.Once
	testVault     *vault.Vault
)

func sharedVault(t *testing.T) *vault.Vault {
	t.Helper()
	testVaultOnce.Do(func() {
		v, err := vault.New("relay-test-secret")
		if err != nil {
			panic(err)
		}
		testVault = v
	})
	return testVault
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	v := sharedVault(t)
	secret, err := v.Encrypt("pw")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	h := &harness{
		reg:    NewRegistry(),
		dialer: &fakeDialer{},
		vault:  v,
		dir: &fakeDirectory{records: map[string]directory.Record{
			"demo-1": {ID: "demo-1", OwnerID: "alice", Host: "10.0.0.1", Port: 22, Username: "root",
				AuthMethod: directory.AuthPassword, EncryptedSecret: secret},
			"bob-1": {ID: "bob-1", OwnerID: "bob", Host: "10.0.0.2", Port: 22, Username: "bob",
				AuthMethod: directory.AuthPassword, EncryptedSecret: secret},
			"legacy": {ID: "legacy", OwnerID: "alice", Host: "10.0.0.3", Port: 22, Username: "root",
				AuthMethod: directory.AuthPassword, EncryptedSecret: "plain-pw"},
			"corrupt": {ID: "corrupt", OwnerID: "alice", Host: "10.0.0.4", Port: 22, Username: "root",
				AuthMethod: directory.AuthPassword, EncryptedSecret: "zz:zz"},
		}},
	}
	h.relay = New(Config{
		Registry:    h.reg,
		Directory:   h.dir,
		Vault:       v,
		Verifier:    fakeVerifier{"tok-alice": "alice", "tok-bob": "bob"},
		Dial:        h.dialer.dial,
		AuthTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	t.Cleanup(func() {
		cancel()
		h.relay.Shutdown()
	})
	return h
}

// serve starts a channel and returns the client end plus a channel closed
// when Serve returns.
func (h *harness) serve(t *testing.T) (*fakeConn, <-chan struct{}) {
	t.Helper()
	conn := newFakeConn()
	served := make(chan struct{})
	go func() {
		defer close(served)
		h.relay.Serve(h.ctx, conn, "127.0.0.1:50000")
	}()
	t.Cleanup(conn.drop)
	conn.expect(t, TypeWelcome)
	return conn, served
}

// login starts a channel authenticated with token.
func (h *harness) login(t *testing.T, token string) *fakeConn {
	t.Helper()
	conn, _ := h.serve(t)
	conn.send(t, Message{Type: TypeAuth, Token: token})
	conn.expect(t, TypeAuthSuccess)
	return conn
}

// open opens connectionID and returns the new session id.
func (h *harness) open(t *testing.T, conn *fakeConn, connectionID string) string {
	t.Helper()
	conn.send(t, Message{Type: TypeOpen, ConnectionID: connectionID, Cols: 80, Rows: 24})
	ev := conn.expect(t, TypeConnected)
	if ev.SessionID == "" {
		t.Fatal("connected event without session id")
	}
	return ev.SessionID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
