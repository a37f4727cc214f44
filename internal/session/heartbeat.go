package session

import (
	"sync"
	"time"
)

// HeartbeatState decides when to probe an idle peer and when to give the
// peer up for dead. It is pure bookkeeping driven by explicit timestamps;
// the session's heartbeat loop supplies the clock.
//
// A probe goes out once the link has been quiet for a full interval. The
// peer is presumed dead when a probe stands unacknowledged for
// interval*timeoutMultiple.
type HeartbeatState struct {
	mu              sync.Mutex
	interval        time.Duration
	timeoutMultiple int
	lastTraffic     time.Time
	probePending    bool
	probeSent       time.Time
}

func NewHeartbeatState(interval time.Duration, timeoutMultiple int, now time.Time) *HeartbeatState {
	if timeoutMultiple < 1 {
		timeoutMultiple = 1
	}
	return &HeartbeatState{
		interval:        interval,
		timeoutMultiple: timeoutMultiple,
		lastTraffic:     now,
	}
}

// MarkTraffic records any authenticated frame moving in either direction.
// Traffic proves liveness, so it also clears a pending probe.
func (h *HeartbeatState) MarkTraffic(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastTraffic = now
	h.probePending = false
}

// ShouldProbe reports whether the link has been idle long enough to probe.
func (h *HeartbeatState) ShouldProbe(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.probePending && now.Sub(h.lastTraffic) >= h.interval
}

// ProbeSent records that a probe is in flight.
func (h *HeartbeatState) ProbeSent(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probePending = true
	h.probeSent = now
}

// Expired reports whether a pending probe has gone unanswered past the
// timeout.
func (h *HeartbeatState) Expired(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.probePending && now.Sub(h.probeSent) >= h.interval*time.Duration(h.timeoutMultiple)
}

// Reset clears pending state after a reconnect so the fresh link starts
// with a full idle interval.
func (h *HeartbeatState) Reset(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probePending = false
	h.lastTraffic = now
}
