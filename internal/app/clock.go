package app

import (
	"context"
	"log"
	"time"
)

// ClockSync estimates the offset between the local clock and the store's
// clock with a single round-trip probe: one-way latency is taken as half the
// round trip, and the offset is the estimated store time minus the local
// receipt time. This is best-effort sync, not authoritative; a failed probe
// leaves the offset at zero and timing degrades to the local clock.
type ClockSync struct {
	clock  func() time.Time
	offset time.Duration
}

// NewClockSync builds an unsynchronized ClockSync around the given clock
// (time.Now outside of tests).
func NewClockSync(clock func() time.Time) *ClockSync {
	if clock == nil {
		clock = time.Now
	}
	return &ClockSync{clock: clock}
}

// Probe performs the round trip and records the offset.
func (c *ClockSync) Probe(ctx context.Context, store SessionStore) error {
	sent := c.clock()
	serverTime, err := store.ServerTime(ctx)
	if err != nil {
		return err
	}
	received := c.clock()
	latency := received.Sub(sent) / 2
	c.offset = serverTime.Add(latency).Sub(received)
	return nil
}

// ProbeBestEffort logs and swallows probe failures.
func (c *ClockSync) ProbeBestEffort(ctx context.Context, store SessionStore) {
	if err := c.Probe(ctx, store); err != nil {
		log.Printf("clock sync probe failed, keeping local clock: %v", err)
	}
}

// Offset returns the current estimate.
func (c *ClockSync) Offset() time.Duration {
	return c.offset
}

// Now is the local clock corrected by the estimated offset.
func (c *ClockSync) Now() time.Time {
	return c.clock().Add(c.offset)
}

// Remaining returns the time left until deadline on the corrected clock,
// floored at zero.
func (c *ClockSync) Remaining(deadline time.Time) time.Duration {
	left := deadline.Sub(c.Now())
	if left < 0 {
		return 0
	}
	return left
}
