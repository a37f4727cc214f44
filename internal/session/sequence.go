package session

import (
	"fmt"
	"math"
	"sync"
)

// SequenceCounter assigns send-side sequence numbers. The first assigned
// value is 1; zero means nothing has been sent. Counters never wrap: once
// the space is exhausted every further assignment fails and the session
// must be torn down and re-established.
type SequenceCounter struct {
	mu   sync.Mutex
	last uint64
}

// Next assigns the next counter value.
func (c *SequenceCounter) Next() (uint64, error) {
	first, err := c.NextN(1)
	return first, err
}

// NextN assigns n consecutive counter values and returns the first.
func (c *SequenceCounter) NextN(n int) (uint64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("sequence: invalid span %d", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last > math.MaxUint64-uint64(n) {
		return 0, ErrCounterExhausted
	}
	first := c.last + 1
	c.last += uint64(n)
	return first, nil
}

// Rollback returns the most recent n assignments to the counter. Only the
// send path may call it, and only for values it assigned but never put on
// the wire.
func (c *SequenceCounter) Rollback(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint64(n) > c.last {
		c.last = 0
		return
	}
	c.last -= uint64(n)
}

// Last returns the highest assigned value, zero if none.
func (c *SequenceCounter) Last() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// ReplayGuard tracks the highest sequence counter accepted from the peer
// and rejects anything that is not the immediate successor. The transport
// is reliable and ordered, so a gap or a repeat is never loss; it is the
// peer misbehaving.
type ReplayGuard struct {
	mu   sync.Mutex
	last uint64
}

// AcceptNext admits a data frame carrying counter seq for span consecutive
// messages. The frame is admitted only when seq == last+1; on success the
// guard advances by span.
func (g *ReplayGuard) AcceptNext(seq uint64, span int) error {
	if span <= 0 {
		return fmt.Errorf("%w: invalid span %d", ErrProtocolViolation, span)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case seq <= g.last:
		return fmt.Errorf("%w: replayed counter %d (accepted through %d)", ErrProtocolViolation, seq, g.last)
	case seq != g.last+1:
		return fmt.Errorf("%w: counter gap, got %d want %d", ErrProtocolViolation, seq, g.last+1)
	}
	g.last = seq + uint64(span) - 1
	return nil
}

// CheckSnapshot validates a counter snapshot carried by a control frame.
// Snapshots echo the peer's highest assigned counter, so on an ordered
// transport they can never run behind what we already accepted.
func (g *ReplayGuard) CheckSnapshot(seq uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seq < g.last {
		return fmt.Errorf("%w: counter snapshot %d behind accepted %d", ErrProtocolViolation, seq, g.last)
	}
	return nil
}

// Last returns the highest accepted counter, zero if none.
func (g *ReplayGuard) Last() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
