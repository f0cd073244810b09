package relay

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/RubenOsiris073/ssh-manager/internal/activity"
)

// Reaper periodically removes sessions nobody is using: idle past
// IdleTimeout, left without a channel for IdleTimeout even if the remote
// keeps printing, attached to a transport that stopped answering
// keepalives, or stuck connecting longer than ConnectGrace. It is the only component that
// closes sessions their owner did not ask to close.
type Reaper struct {
	Registry     *Registry
	Interval     time.Duration
	IdleTimeout  time.Duration
	ConnectGrace time.Duration

	idle     atomic.Int64
	detached atomic.Int64
	dead     atomic.Int64
	stale    atomic.Int64
}

// ReaperStats counts forced removals by cause.
type ReaperStats struct {
	Idle     int64 `json:"idle"`
	Detached int64 `json:"detached"`
	Dead     int64 `json:"dead"`
	Stale    int64 `json:"stale"`
}

func (rp *Reaper) Stats() ReaperStats {
	return ReaperStats{
		Idle:     rp.idle.Load(),
		Detached: rp.detached.Load(),
		Dead:     rp.dead.Load(),
		Stale:    rp.stale.Load(),
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (rp *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(rp.Interval)
	defer ticker.Stop()

	log.Printf("[reaper] started (interval=%s idle=%s)", rp.Interval, rp.IdleTimeout)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[reaper] stopped")
			return
		case now := <-ticker.C:
			if n := rp.Sweep(now); n > 0 {
				log.Printf("[reaper] removed %d sessions, %d remain", n, rp.Registry.Len())
			}
		}
	}
}

// Sweep removes every expired session as of now and returns how many it
// removed.
func (rp *Reaper) Sweep(now time.Time) int {
	removed := 0
	for _, s := range rp.Registry.all() {
		reason, counter := rp.verdict(s, now)
		if reason == "" {
			continue
		}
		if !rp.Registry.Remove(s.ID, reason) {
			continue
		}
		counter.Add(1)
		removed++

		idle := now.Sub(s.LastActivity())
		log.Printf("[reaper] session %s of %s removed: %s (idle %s)",
			s.ID, s.OwnerID, reason, idle.Round(time.Second))
		activity.LogReaped(s.OwnerID, s.ConnectionID, s.ID, reason, idle)
	}
	return removed
}

func (rp *Reaper) verdict(s *Session, now time.Time) (string, *atomic.Int64) {
	switch s.Status() {
	case StatusConnecting:
		if rp.ConnectGrace > 0 && now.Sub(s.CreatedAt) > rp.ConnectGrace {
			return ReasonReapedStale, &rp.stale
		}
	case StatusOpen:
		if rp.IdleTimeout > 0 && now.Sub(s.LastActivity()) > rp.IdleTimeout {
			return ReasonReapedIdle, &rp.idle
		}
		if since, detached := s.detachedSince(); detached && rp.IdleTimeout > 0 && now.Sub(since) > rp.IdleTimeout {
			return ReasonReapedDetached, &rp.detached
		}
		if t := s.Transport(); t != nil && !t.Alive() {
			return ReasonReapedDead, &rp.dead
		}
	}
	return "", nil
}
