package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/cpor/internal/testutil/testlog"
)

func TestLifecycleTransitions(t *testing.T) {
	testlog.Start(t)
	allowed := []struct{ from, to State }{
		{StateInit, StateHandshaking},
		{StateHandshaking, StateEstablished},
		{StateEstablished, StateResuming},
		{StateEstablished, StateClosing},
		{StateEstablished, StateClosed},
		{StateResuming, StateEstablished},
		{StateResuming, StateClosing},
		{StateClosing, StateClosed},
	}
	for _, tc := range allowed {
		require.True(t, validTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	denied := []struct{ from, to State }{
		{StateInit, StateEstablished},
		{StateHandshaking, StateResuming},
		{StateResuming, StateInit},
		{StateClosing, StateEstablished},
		{StateClosed, StateEstablished},
		{StateClosed, StateClosing},
		{StateFailed, StateEstablished},
	}
	for _, tc := range denied {
		require.False(t, validTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestFailedIsAbsorbingFromEveryLiveState(t *testing.T) {
	testlog.Start(t)
	for _, from := range []State{StateInit, StateHandshaking, StateEstablished, StateResuming, StateClosing} {
		require.True(t, validTransition(from, StateFailed), "%s -> failed should be legal", from)
	}
	require.False(t, validTransition(StateClosed, StateFailed))
	require.False(t, validTransition(StateFailed, StateFailed))
}

func TestTerminalStates(t *testing.T) {
	testlog.Start(t)
	require.True(t, StateClosed.Terminal())
	require.True(t, StateFailed.Terminal())
	for _, s := range []State{StateInit, StateHandshaking, StateEstablished, StateResuming, StateClosing} {
		require.False(t, s.Terminal())
	}
}
