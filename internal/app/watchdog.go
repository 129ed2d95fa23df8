package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"livequiz-service/internal/domain"
)

// Watchdog is the server-side stuck-state recovery: one goroutine per live
// session, periodically applying the same question→leaderboard recovery rule
// the coordinator uses. It exists so a session whose host client vanished
// mid-question does not stay frozen forever.
type Watchdog struct {
	sessions SessionStore
	interval time.Duration
	grace    time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	watched map[string]struct{}
}

// NewWatchdog builds a watchdog over the session store. interval is how often
// each watched session is checked; grace matches the coordinator's stuck
// buffer.
func NewWatchdog(sessions SessionStore, interval, grace time.Duration, clock func() time.Time) *Watchdog {
	if clock == nil {
		clock = time.Now
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watchdog{
		sessions: sessions,
		interval: interval,
		grace:    grace,
		clock:    clock,
		watched:  make(map[string]struct{}),
	}
}

// Ensure starts watching a session if it is not watched already. ctx should
// be the server's base context, not a request context, so the watcher
// outlives the host connection that registered it.
func (w *Watchdog) Ensure(ctx context.Context, sessionID string) {
	w.mu.Lock()
	if _, ok := w.watched[sessionID]; ok {
		w.mu.Unlock()
		return
	}
	w.watched[sessionID] = struct{}{}
	w.mu.Unlock()

	go w.run(ctx, sessionID)
}

func (w *Watchdog) run(ctx context.Context, sessionID string) {
	defer func() {
		w.mu.Lock()
		delete(w.watched, sessionID)
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := w.check(ctx, sessionID); done {
				return
			}
		}
	}
}

// check returns true when the session no longer needs watching. Recovery
// failures are logged and retried on the next tick.
func (w *Watchdog) check(ctx context.Context, sessionID string) bool {
	session, err := w.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return true
	}
	if err != nil {
		log.Printf("watchdog: load session %s: %v", sessionID, err)
		return false
	}
	if session.Phase.Terminal() || !session.IsLive {
		return true
	}
	if !stuck(session, w.clock(), w.grace) {
		return false
	}

	recovered, err := recoverState(session)
	if err != nil {
		log.Printf("watchdog: recover session %s: %v", sessionID, err)
		return false
	}
	if _, err := w.sessions.UpdateSession(ctx, recovered); err != nil {
		log.Printf("watchdog: persist recovery for session %s: %v", sessionID, err)
		return false
	}
	log.Printf("watchdog: recovered stuck session %s to %s", sessionID, recovered.Phase)
	return false
}
