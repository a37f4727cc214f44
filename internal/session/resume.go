package session

import (
	"fmt"
	"sync"
	"time"
)

// BufferEntry is one sent-but-unacknowledged frame held for replay. Frame
// is the fully signed wire encoding; replay puts the identical bytes back
// on the transport. Span is the number of sequence counters the frame
// covers: 1 for a generic message, the payload count for a batch. Sequence
// is the first counter of the span.
type BufferEntry struct {
	Sequence   uint64
	Span       int
	Frame      []byte
	EnqueuedAt time.Time
}

func (e BufferEntry) lastSequence() uint64 {
	return e.Sequence + uint64(e.Span) - 1
}

// ResumeBuffer retains sent frames until the peer acknowledges them.
// Entries are appended in strictly ascending sequence order, so the slice
// stays sorted by construction. Capacity counts messages, not frames: a
// batch occupies one slot per enclosed payload. The capacity is a hard
// bound; an append past it fails and the session must treat that as fatal.
type ResumeBuffer struct {
	mu       sync.Mutex
	capacity int
	count    int
	entries  []BufferEntry
}

func NewResumeBuffer(capacity int) *ResumeBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ResumeBuffer{capacity: capacity}
}

// Append retains a frame for replay. Returns ErrResumeOverflow when the
// entry does not fit; nothing is retained in that case.
func (b *ResumeBuffer) Append(e BufferEntry) error {
	if e.Span <= 0 {
		e.Span = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count+e.Span > b.capacity {
		return fmt.Errorf("%w: %d of %d messages retained, oldest unacked %d",
			ErrResumeOverflow, b.count, b.capacity, b.lowestLocked())
	}
	if n := len(b.entries); n > 0 && e.Sequence <= b.entries[n-1].lastSequence() {
		return fmt.Errorf("%w: buffer append out of order, got %d after %d",
			ErrProtocolViolation, e.Sequence, b.entries[n-1].lastSequence())
	}
	b.entries = append(b.entries, e)
	b.count += e.Span
	return nil
}

// AckThrough releases every entry fully covered by counter and returns how
// many messages were released. Acknowledging counters never sent is the
// caller's problem to detect; the buffer just drops what it holds.
func (b *ResumeBuffer) AckThrough(counter uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, released := 0, 0
	for i < len(b.entries) && b.entries[i].lastSequence() <= counter {
		released += b.entries[i].Span
		i++
	}
	if i == 0 {
		return 0
	}
	b.entries = append(b.entries[:0], b.entries[i:]...)
	b.count -= released
	return released
}

// ReplayAfter returns the retained frames with counters beyond counter, in
// order. If the peer's counter predates the oldest retained entry the gap
// is unrecoverable and the result is ErrResumeOverflow.
func (b *ResumeBuffer) ReplayAfter(counter uint64) ([]BufferEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) > 0 && counter+1 < b.entries[0].Sequence {
		return nil, fmt.Errorf("%w: peer resumed at %d but oldest retained is %d",
			ErrResumeOverflow, counter, b.entries[0].Sequence)
	}
	i := 0
	for i < len(b.entries) && b.entries[i].lastSequence() <= counter {
		i++
	}
	out := make([]BufferEntry, len(b.entries)-i)
	copy(out, b.entries[i:])
	return out, nil
}

// Len returns the number of retained messages (batch payloads counted
// individually).
func (b *ResumeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Lowest returns the oldest retained sequence, zero when empty.
func (b *ResumeBuffer) Lowest() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lowestLocked()
}

func (b *ResumeBuffer) lowestLocked() uint64 {
	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[0].Sequence
}

// Highest returns the newest retained sequence, zero when empty.
func (b *ResumeBuffer) Highest() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[len(b.entries)-1].lastSequence()
}
