package session

import (
	"time"

	"github.com/danmuck/cpor/internal/protocol/frame"
	"github.com/danmuck/cpor/internal/transport"
)

// Config carries the reliability knobs for one session. Zero values are
// filled from Default by withDefaults, so callers may set only what they
// care about.
type Config struct {
	// HandshakeTimeout bounds the wait for each handshake response.
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
	// ResumeTimeout bounds the wait for a resume response per attempt.
	ResumeTimeout time.Duration `toml:"resume_timeout"`
	// CloseTimeout bounds the wait for the close acknowledgment.
	CloseTimeout time.Duration `toml:"close_timeout"`

	// HeartbeatInterval is the idle span before a liveness probe goes out.
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	// HeartbeatTimeoutMultiple times the interval gives the span an
	// unanswered probe may stand before the peer is presumed dead.
	HeartbeatTimeoutMultiple int `toml:"heartbeat_timeout_multiple"`

	// WindowSize is the credit window: the cap on unacknowledged sends.
	WindowSize int `toml:"window_size"`
	// ResumeBufferCapacity bounds retained unacknowledged frames.
	ResumeBufferCapacity int `toml:"resume_buffer_capacity"`
	// MaxResumeAttempts bounds reconnect tries before the session fails.
	MaxResumeAttempts int `toml:"max_resume_attempts"`

	Backoff transport.BackoffConfig `toml:"backoff"`
	Limits  frame.Limits            `toml:"-"`

	// Register requests the registration sub-protocol during the client
	// handshake so the server persists our public key.
	Register bool `toml:"register"`
	// Metadata is an optional client-supplied map carried opaquely in the
	// handshake.
	Metadata map[string]any `toml:"-"`
}

func Default() Config {
	return Config{
		HandshakeTimeout:         5 * time.Second,
		ResumeTimeout:            5 * time.Second,
		CloseTimeout:             5 * time.Second,
		HeartbeatInterval:        5 * time.Second,
		HeartbeatTimeoutMultiple: 3,
		WindowSize:               32,
		ResumeBufferCapacity:     1024,
		MaxResumeAttempts:        5,
		Backoff:                  transport.DefaultBackoff(),
		Limits:                   frame.DefaultLimits(),
	}
}

func (c Config) withDefaults() Config {
	d := Default()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ResumeTimeout <= 0 {
		c.ResumeTimeout = d.ResumeTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeoutMultiple <= 0 {
		c.HeartbeatTimeoutMultiple = d.HeartbeatTimeoutMultiple
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.ResumeBufferCapacity <= 0 {
		c.ResumeBufferCapacity = d.ResumeBufferCapacity
	}
	if c.MaxResumeAttempts <= 0 {
		c.MaxResumeAttempts = d.MaxResumeAttempts
	}
	if c.Backoff == (transport.BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	return c
}
