package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/cpor/internal/protocol/frame"
)

// TCPConfig configures the dial side of the TCP transport.
type TCPConfig struct {
	Addr            string        `toml:"addr"`
	SecurityMode    SecurityMode  `toml:"security_mode"`
	TLS             TLSConfig     `toml:"tls"`
	DialTimeout     time.Duration `toml:"dial_timeout"`
	MaxDialAttempts int           `toml:"max_dial_attempts"`
	Backoff         BackoffConfig `toml:"backoff"`
	Limits          frame.Limits  `toml:"-"`
}

func DefaultTCPConfig(addr string) TCPConfig {
	return TCPConfig{
		Addr:            addr,
		SecurityMode:    SecurityModeDevelopment,
		DialTimeout:     5 * time.Second,
		MaxDialAttempts: 5,
		Backoff:         DefaultBackoff(),
		Limits:          frame.DefaultLimits(),
	}
}

// TCP is the dial-side Transport: it owns one connection at a time and can
// re-establish it with backoff on Reconnect.
type TCP struct {
	cfg TCPConfig
	log zerolog.Logger
	rng *rand.Rand

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func NewTCP(cfg TCPConfig, log zerolog.Logger) (*TCP, error) {
	if err := ValidateClientSecurity(cfg.SecurityMode, cfg.TLS); err != nil {
		return nil, err
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return &TCP{
		cfg: cfg,
		log: log.With().Str("transport", "tcp").Str("addr", cfg.Addr).Logger(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (t *TCP) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.conn != nil {
		return nil
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *TCP) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.cfg.DialTimeout}
	if t.cfg.TLS.Enabled {
		tlsCfg, err := clientTLS(t.cfg.TLS)
		if err != nil {
			return nil, err
		}
		return (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", t.cfg.Addr)
	}
	return dialer.DialContext(ctx, "tcp", t.cfg.Addr)
}

func (t *TCP) SendBytes(ctx context.Context, raw []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrDisconnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(raw); err != nil {
		t.dropConn(conn)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (t *TCP) ReceiveBytes(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if conn == nil {
		return nil, ErrDisconnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	raw, err := readWireFrame(conn, t.cfg.Limits)
	if err != nil {
		t.dropConn(conn)
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return raw, nil
}

func (t *TCP) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	attempts := t.cfg.MaxDialAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := t.dial(ctx)
		if err == nil {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				_ = conn.Close()
				return ErrClosed
			}
			t.conn = conn
			t.mu.Unlock()
			t.log.Debug().Int("attempt", attempt).Msg("reconnected")
			return nil
		}
		lastErr = err
		delay := NextBackoffDelay(t.cfg.Backoff, attempt, t.rng)
		t.log.Debug().Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("redial failed")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, lastErr)
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *TCP) dropConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// Conn wraps one accepted server-side connection. It cannot reconnect;
// resumes arrive as new accepted connections that the acceptor attaches to
// the existing session.
type Conn struct {
	mu     sync.Mutex
	conn   net.Conn
	limits frame.Limits
	closed bool
}

func NewConn(conn net.Conn, limits frame.Limits) *Conn {
	if limits.MaxPayloadBytes == 0 {
		limits = frame.DefaultLimits()
	}
	return &Conn{conn: conn, limits: limits}
}

func (c *Conn) Open(ctx context.Context) error { return nil }

func (c *Conn) SendBytes(ctx context.Context, raw []byte) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *Conn) ReceiveBytes(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	raw, err := readWireFrame(conn, c.limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return raw, nil
}

func (c *Conn) Reconnect(ctx context.Context) error { return ErrNoReconnect }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.conn.Close()
}

// Listener accepts CPOR connections, optionally under TLS.
type Listener struct {
	ln     net.Listener
	limits frame.Limits
}

func Listen(addr string, mode SecurityMode, tlsCfg TLSConfig, limits frame.Limits) (*Listener, error) {
	if err := ValidateServerSecurity(mode, tlsCfg); err != nil {
		return nil, err
	}
	if limits.MaxPayloadBytes == 0 {
		limits = frame.DefaultLimits()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen failed: %w", err)
	}
	if tlsCfg.Enabled {
		cfg, err := serverTLS(tlsCfg)
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, cfg)
	}
	return &Listener{ln: ln, limits: limits}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Accept() (*Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(conn, l.limits), nil
}

func (l *Listener) Close() error { return l.ln.Close() }

// readWireFrame reads exactly one frame off the connection: the fixed
// header names the signature and payload lengths, so no scanning is
// needed.
func readWireFrame(conn net.Conn, limits frame.Limits) ([]byte, error) {
	fixed := make([]byte, frame.FixedHeaderLen)
	if err := readFull(conn, fixed); err != nil {
		return nil, err
	}
	h, err := frame.DecodeHeader(fixed)
	if err != nil {
		return nil, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return nil, frame.ErrPayloadTooLarge
	}
	rest := make([]byte, uint64(h.HeaderLen-frame.FixedHeaderLen)+h.PayloadLen)
	if err := readFull(conn, rest); err != nil {
		return nil, err
	}
	return append(fixed, rest...), nil
}

func readFull(conn net.Conn, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		if err != nil {
			return err
		}
		read += n
	}
	return nil
}
