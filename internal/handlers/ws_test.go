package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/relay"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func dialWS(t *testing.T, env *testEnv) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) relay.Event {
	t.Helper()
	var ev relay.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func TestRelayWS_AuthenticatesWithIssuedToken(t *testing.T) {
	env := setupTestEnv(t)
	conn, ctx := dialWS(t, env)

	if ev := readEvent(t, ctx, conn); ev.Type != relay.TypeWelcome {
		t.Fatalf("first event = %+v", ev)
	}
	wsjson.Write(ctx, conn, relay.Message{Type: relay.TypeAuth, Token: env.token(t, env.alice)})
	if ev := readEvent(t, ctx, conn); ev.Type != relay.TypeAuthSuccess {
		t.Fatalf("auth reply = %+v", ev)
	}

	wsjson.Write(ctx, conn, relay.Message{Type: relay.TypeOpen, ConnectionID: "missing", Cols: 80, Rows: 24})
	ev := readEvent(t, ctx, conn)
	if ev.Type != relay.TypeError || ev.Code != relay.CodeConnectionNotFound || ev.ConnectionID != "missing" {
		t.Errorf("open reply = %+v", ev)
	}

	wsjson.Write(ctx, conn, relay.Message{Type: relay.TypePing})
	if ev := readEvent(t, ctx, conn); ev.Type != relay.TypePong {
		t.Errorf("ping reply = %+v", ev)
	}
}

func TestRelayWS_RevokedTokenIsRejected(t *testing.T) {
	env := setupTestEnv(t)
	tok := env.token(t, env.alice)
	if err := Tokens.Revoke(context.Background(), tok); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	conn, ctx := dialWS(t, env)

	readEvent(t, ctx, conn)
	wsjson.Write(ctx, conn, relay.Message{Type: relay.TypeAuth, Token: tok})
	if ev := readEvent(t, ctx, conn); ev.Type != relay.TypeAuthError {
		t.Fatalf("auth reply = %+v", ev)
	}

	_, _, err := conn.Read(ctx)
	if code := websocket.CloseStatus(err); code != relay.CloseAuthFailed {
		t.Errorf("close status = %d, want %d (%v)", code, relay.CloseAuthFailed, err)
	}
}

func TestRelayWS_OversizedFrameGetsError(t *testing.T) {
	env := setupTestEnv(t)
	conn, ctx := dialWS(t, env)

	readEvent(t, ctx, conn)
	wsjson.Write(ctx, conn, relay.Message{Type: relay.TypeAuth, Token: env.token(t, env.alice)})
	readEvent(t, ctx, conn)

	big := relay.Message{Type: relay.TypeData, SessionID: "x", Data: strings.Repeat("a", relay.MaxMessageSize+1)}
	if err := wsjson.Write(ctx, conn, big); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readEvent(t, ctx, conn)
	if ev.Type != relay.TypeError || ev.Code != relay.CodeTooLarge {
		t.Errorf("reply = %+v", ev)
	}
}
