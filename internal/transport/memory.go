package transport

import (
	"context"
	"sync"
)

const memoryQueueDepth = 64

// memLink is the shared state behind one in-memory transport pair.
type memLink struct {
	mu     sync.Mutex
	gen    int
	broken bool
	closed bool
	// pipes[0] carries side-0 to side-1 traffic, pipes[1] the reverse.
	pipes  [2]chan []byte
	notify chan struct{}
}

func (l *memLink) wake() {
	close(l.notify)
	l.notify = make(chan struct{})
}

// Memory is one endpoint of an in-process transport pair. It exists for
// tests and the loopback demo: Drop severs the link the way a NAT timeout
// would, and Reconnect re-attaches with a fresh generation.
type Memory struct {
	link *memLink
	side int
	gen  int
}

// NewMemoryPair returns two connected endpoints.
func NewMemoryPair() (*Memory, *Memory) {
	link := &memLink{
		pipes:  [2]chan []byte{make(chan []byte, memoryQueueDepth), make(chan []byte, memoryQueueDepth)},
		notify: make(chan struct{}),
	}
	return &Memory{link: link, side: 0}, &Memory{link: link, side: 1}
}

func (m *Memory) Open(ctx context.Context) error {
	m.link.mu.Lock()
	defer m.link.mu.Unlock()
	if m.link.closed {
		return ErrClosed
	}
	return nil
}

// Drop severs the link for both endpoints until each calls Reconnect.
// Frames in flight are discarded, as on a real disconnect.
func (m *Memory) Drop() {
	m.link.mu.Lock()
	defer m.link.mu.Unlock()
	if m.link.closed || m.link.broken {
		return
	}
	m.link.broken = true
	m.link.wake()
}

func (m *Memory) SendBytes(ctx context.Context, raw []byte) error {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	for {
		m.link.mu.Lock()
		if m.link.closed {
			m.link.mu.Unlock()
			return ErrClosed
		}
		if m.link.broken || m.gen != m.link.gen {
			m.link.mu.Unlock()
			return ErrDisconnected
		}
		out := m.link.pipes[m.side]
		notify := m.link.notify
		m.link.mu.Unlock()

		select {
		case out <- buf:
			return nil
		case <-notify:
			// link state changed, re-check
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Memory) ReceiveBytes(ctx context.Context) ([]byte, error) {
	for {
		m.link.mu.Lock()
		if m.link.closed {
			// frames sent before the close still drain, like queued TCP data
			select {
			case raw := <-m.link.pipes[1-m.side]:
				m.link.mu.Unlock()
				return raw, nil
			default:
			}
			m.link.mu.Unlock()
			return nil, ErrClosed
		}
		if m.link.broken || m.gen != m.link.gen {
			m.link.mu.Unlock()
			return nil, ErrDisconnected
		}
		in := m.link.pipes[1-m.side]
		notify := m.link.notify
		m.link.mu.Unlock()

		select {
		case raw := <-in:
			return raw, nil
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Reconnect repairs a dropped link. The first endpoint to reconnect mints
// a fresh generation with empty pipes; the second simply attaches to it.
func (m *Memory) Reconnect(ctx context.Context) error {
	m.link.mu.Lock()
	defer m.link.mu.Unlock()
	if m.link.closed {
		return ErrClosed
	}
	if m.link.broken {
		m.link.gen++
		m.link.broken = false
		m.link.pipes = [2]chan []byte{make(chan []byte, memoryQueueDepth), make(chan []byte, memoryQueueDepth)}
		m.link.wake()
	}
	m.gen = m.link.gen
	return nil
}

func (m *Memory) Close() error {
	m.link.mu.Lock()
	defer m.link.mu.Unlock()
	if !m.link.closed {
		m.link.closed = true
		m.link.wake()
	}
	return nil
}
