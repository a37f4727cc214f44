package session

import (
	"context"
	"fmt"
)

// CreditWindow bounds the number of unacknowledged messages in flight.
// Each send consumes one credit; each acknowledged counter returns one.
// The token channel is the whole mechanism: senders block on it, acks
// refill it, and outstanding never exceeds the configured size.
type CreditWindow struct {
	size   int
	tokens chan struct{}
}

func NewCreditWindow(size int) *CreditWindow {
	if size <= 0 {
		size = 1
	}
	w := &CreditWindow{size: size, tokens: make(chan struct{}, size)}
	for i := 0; i < size; i++ {
		w.tokens <- struct{}{}
	}
	return w
}

// Acquire consumes one credit, blocking until one is available or ctx
// ends.
func (w *CreditWindow) Acquire(ctx context.Context) error {
	select {
	case <-w.tokens:
		return nil
	default:
	}
	select {
	case <-w.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireN consumes n credits or none. On ctx expiry the credits taken so
// far are returned to the window.
func (w *CreditWindow) AcquireN(ctx context.Context, n int) error {
	if n > w.size {
		return fmt.Errorf("credit: batch of %d exceeds window size %d", n, w.size)
	}
	for taken := 0; taken < n; taken++ {
		if err := w.Acquire(ctx); err != nil {
			w.Release(taken)
			return err
		}
	}
	return nil
}

// Release returns n credits. Releasing more than were acquired caps at
// the window size rather than growing it.
func (w *CreditWindow) Release(n int) {
	for i := 0; i < n; i++ {
		select {
		case w.tokens <- struct{}{}:
		default:
			return
		}
	}
}

// Outstanding returns the credits currently consumed.
func (w *CreditWindow) Outstanding() int {
	return w.size - len(w.tokens)
}

// Available returns the credits currently free.
func (w *CreditWindow) Available() int {
	return len(w.tokens)
}

// Size returns the configured window size.
func (w *CreditWindow) Size() int {
	return w.size
}
