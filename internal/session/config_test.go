package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/cpor/internal/testutil/testlog"
)

func TestConfigDefaultsFillZeroValues(t *testing.T) {
	testlog.Start(t)
	got := Config{}.withDefaults()
	want := Default()
	require.Equal(t, want.HandshakeTimeout, got.HandshakeTimeout)
	require.Equal(t, want.HeartbeatInterval, got.HeartbeatInterval)
	require.Equal(t, want.HeartbeatTimeoutMultiple, got.HeartbeatTimeoutMultiple)
	require.Equal(t, want.WindowSize, got.WindowSize)
	require.Equal(t, want.ResumeBufferCapacity, got.ResumeBufferCapacity)
	require.Equal(t, want.Backoff, got.Backoff)
	require.Equal(t, want.Limits, got.Limits)
}

func TestConfigDefaultsKeepExplicitValues(t *testing.T) {
	testlog.Start(t)
	cfg := Config{
		HandshakeTimeout:     time.Second,
		WindowSize:           4,
		ResumeBufferCapacity: 16,
		Register:             true,
	}.withDefaults()
	require.Equal(t, time.Second, cfg.HandshakeTimeout)
	require.Equal(t, 4, cfg.WindowSize)
	require.Equal(t, 16, cfg.ResumeBufferCapacity)
	require.True(t, cfg.Register)
	// unset knobs still default
	require.Equal(t, Default().ResumeTimeout, cfg.ResumeTimeout)
	require.Equal(t, Default().MaxResumeAttempts, cfg.MaxResumeAttempts)
}
