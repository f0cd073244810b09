package auth

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/database"
	"github.com/fernet/fernet-go"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm/logger"
)

func newKey(t *testing.T) *fernet.Key {
	t.Helper()
	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &k
}

// --- passwords ---

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword("s3cret", hash) {
		t.Error("correct password rejected")
	}
	if CheckPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
}

// --- tokens ---

func TestIssuer_IssueAndVerify(t *testing.T) {
	iss := NewIssuer(newKey(t), time.Hour, NewMemoryRevocations())

	tok, err := iss.Issue("user-1", "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	owner, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if owner != "user-1" {
		t.Errorf("owner = %q", owner)
	}

	c, err := iss.Parse(tok)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Username != "alice" || c.ID == "" {
		t.Errorf("claims = %+v", c)
	}
}

func TestIssuer_TokensAreUnique(t *testing.T) {
	iss := NewIssuer(newKey(t), time.Hour, nil)
	a, _ := iss.Issue("u", "alice")
	b, _ := iss.Issue("u", "alice")
	ca, _ := iss.Parse(a)
	cb, _ := iss.Parse(b)
	if ca.ID == cb.ID {
		t.Error("two tokens share an id")
	}
}

func TestIssuer_RejectsExpired(t *testing.T) {
	iss := NewIssuer(newKey(t), time.Hour, nil)
	iss.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	tok, err := iss.Issue("u", "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := iss.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(expired) err = %v, want ErrInvalidToken", err)
	}
}

func TestIssuer_RejectsForeignKeyAndGarbage(t *testing.T) {
	iss := NewIssuer(newKey(t), time.Hour, nil)
	other := NewIssuer(newKey(t), time.Hour, nil)
	tok, _ := other.Issue("u", "mallory")

	for _, bad := range []string{tok, "", "not-a-token"} {
		if _, err := iss.Verify(bad); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(%q) err = %v", bad, err)
		}
	}
}

func TestIssuer_Revoke(t *testing.T) {
	iss := NewIssuer(newKey(t), time.Hour, NewMemoryRevocations())
	tok, _ := iss.Issue("u", "alice")
	keep, _ := iss.Issue("u", "alice")

	if err := iss.Revoke(context.Background(), tok); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := iss.Verify(tok); !errors.Is(err, ErrRevoked) {
		t.Errorf("revoked token err = %v", err)
	}
	if _, err := iss.Verify(keep); err != nil {
		t.Errorf("unrelated token rejected: %v", err)
	}
}

// --- revocation stores ---

func TestMemoryRevocations_Expire(t *testing.T) {
	m := NewMemoryRevocations()
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Revoke(ctx, "a", time.Minute)
	if ok, _ := m.IsRevoked(ctx, "a"); !ok {
		t.Fatal("fresh revocation missing")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := m.IsRevoked(ctx, "a"); ok {
		t.Error("revocation outlived its token")
	}
	m.Revoke(ctx, "b", time.Minute)
	if _, ok := m.entries["a"]; ok {
		t.Error("expired entry not pruned")
	}
}

func TestRedisRevocations(t *testing.T) {
	addr := os.Getenv("SSHM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SSHM_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, err := NewRedisRevocations(ctx, addr, "")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Close()

	iss := NewIssuer(newKey(t), time.Hour, r)
	tok, _ := iss.Issue("u", "alice")
	if err := iss.Revoke(ctx, tok); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := iss.Verify(tok); !errors.Is(err, ErrRevoked) {
		t.Errorf("err = %v, want ErrRevoked", err)
	}
}

// --- key loading ---

func TestLoadKey_PersistsGeneratedKey(t *testing.T) {
	db, err := database.Open(sqlite.Open(":memory:"), logger.Silent)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	prev := database.DB
	database.DB = db
	t.Cleanup(func() {
		database.DB = prev
		sqlDB.Close()
	})

	first, err := LoadKey("")
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	second, err := LoadKey("")
	if err != nil {
		t.Fatalf("LoadKey again: %v", err)
	}
	if first.Encode() != second.Encode() {
		t.Error("second load generated a new key")
	}

	configured := newKey(t)
	got, err := LoadKey(configured.Encode())
	if err != nil || got.Encode() != configured.Encode() {
		t.Errorf("configured key not used: %v", err)
	}
	if _, err := LoadKey("bogus"); err == nil {
		t.Error("bogus configured key accepted")
	}
}
