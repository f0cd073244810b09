package relay

import (
	"bytes"
	"testing"
	"time"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := newRateLimiterAt(10, 5, func() time.Time { return now })

	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if rl.Allow() {
		t.Fatal("request beyond burst allowed")
	}

	now = now.Add(100 * time.Millisecond)
	if !rl.Allow() {
		t.Error("token not refilled after 100ms at 10/s")
	}
	if rl.Allow() {
		t.Error("refill granted more than one token")
	}
}

func TestRateLimiter_RefillCapsAtBurst(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := newRateLimiterAt(100, 3, func() time.Time { return now })

	now = now.Add(time.Hour)
	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d after long idle, want 3", allowed)
	}
}

func TestBacklog_KeepsNewestBytes(t *testing.T) {
	b := backlog{maxLen: 8}
	b.write([]byte("abcdef"))
	b.write([]byte("ghijkl"))

	if b.len() != 8 {
		t.Fatalf("len = %d", b.len())
	}
	got := b.drain()
	if !bytes.Equal(got, []byte("efghijkl")) {
		t.Errorf("drain = %q", got)
	}
	if b.len() != 0 {
		t.Error("drain did not clear the backlog")
	}
}
