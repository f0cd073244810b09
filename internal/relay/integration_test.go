package relay

import (
	"context"
	"testing"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/database"
	"github.com/RubenOsiris073/ssh-manager/internal/directory"
	"github.com/RubenOsiris073/ssh-manager/internal/sshconn"
	"github.com/RubenOsiris073/ssh-manager/internal/sshtest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm/logger"
)

// TestRelay_RealShell runs the whole path: stored connection, decryption,
// SSH dial, echo, resize and exit against an in-process server.
func TestRelay_RealShell(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})

	db, err := database.Open(sqlite.Open(":memory:"), logger.Silent)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	v := sharedVault(t)
	dir := directory.NewGormDirectory(db, v)
	rec, err := dir.Create(context.Background(), "alice", directory.NewConnection{
		Name:     "local",
		Host:     srv.Host,
		Port:     srv.Port,
		Username: sshtest.User,
		Password: sshtest.Password,
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	reg := NewRegistry()
	r := New(Config{
		Registry:  reg,
		Directory: dir,
		Vault:     v,
		Verifier:  fakeVerifier{"tok-alice": "alice"},
		Dial:      SSHDial(sshconn.NewDialer(sshconn.Options{Timeout: 5 * time.Second})),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		r.Shutdown()
	})

	conn := newFakeConn()
	go r.Serve(ctx, conn, "127.0.0.1:1")
	t.Cleanup(conn.drop)
	conn.expect(t, TypeWelcome)
	conn.send(t, Message{Type: TypeAuth, Token: "tok-alice"})
	conn.expect(t, TypeAuthSuccess)

	conn.send(t, Message{Type: TypeOpen, ConnectionID: rec.ID, Cols: 120, Rows: 40})
	ev := conn.expect(t, TypeConnected)
	id := ev.SessionID
	conn.readData(t, id, "$ ")

	conn.send(t, Message{Type: TypeData, SessionID: id, Data: "echo hi\r"})
	conn.readData(t, id, "hi\r\n$ ")

	conn.send(t, Message{Type: TypeResize, SessionID: id, Cols: 132, Rows: 50})
	waitFor(t, "resize at server", func() bool {
		for _, rs := range srv.Resizes() {
			if rs == [2]uint32{132, 50} {
				return true
			}
		}
		return false
	})

	conn.send(t, Message{Type: TypeData, SessionID: id, Data: "exit\r"})
	for {
		ev := conn.next(t)
		if ev.Type == TypeData {
			continue
		}
		if ev.Type != TypeClose || ev.SessionID != id || ev.Reason != ReasonRemoteClosed {
			t.Fatalf("got %+v, want remote close", ev)
		}
		break
	}
	if reg.Len() != 0 {
		t.Errorf("registry still holds %d sessions", reg.Len())
	}
}
