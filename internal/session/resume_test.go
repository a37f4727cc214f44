package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/cpor/internal/testutil/testlog"
)

func entry(seq uint64) BufferEntry {
	return BufferEntry{Sequence: seq, Span: 1, Frame: []byte{byte(seq)}, EnqueuedAt: time.Now()}
}

func TestResumeBufferAckPurgesCoveredEntries(t *testing.T) {
	testlog.Start(t)
	b := NewResumeBuffer(10)
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, b.Append(entry(seq)))
	}
	require.Equal(t, 3, b.AckThrough(3))
	require.Equal(t, 2, b.Len())
	require.Equal(t, uint64(4), b.Lowest())
	require.Equal(t, 0, b.AckThrough(3)) // re-ack releases nothing
}

// Resume correctness: with N unacknowledged sends and the first K acked,
// the replay set is exactly the last N-K entries in original order.
func TestResumeBufferReplayAfterReturnsTailInOrder(t *testing.T) {
	testlog.Start(t)
	const n, k = 5, 3
	b := NewResumeBuffer(10)
	for seq := uint64(1); seq <= n; seq++ {
		require.NoError(t, b.Append(entry(seq)))
	}
	entries, err := b.ReplayAfter(k)
	require.NoError(t, err)
	require.Len(t, entries, n-k)
	for i, e := range entries {
		require.Equal(t, uint64(k+1+i), e.Sequence)
	}
}

func TestResumeBufferOverflowAtCapacity(t *testing.T) {
	testlog.Start(t)
	b := NewResumeBuffer(3)
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, b.Append(entry(seq)))
	}
	err := b.Append(entry(4))
	require.ErrorIs(t, err, ErrResumeOverflow)
	// nothing was silently dropped
	require.Equal(t, 3, b.Len())
	require.Equal(t, uint64(1), b.Lowest())
	require.Equal(t, uint64(3), b.Highest())
}

func TestResumeBufferUnrecoverableGap(t *testing.T) {
	testlog.Start(t)
	b := NewResumeBuffer(10)
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, b.Append(entry(seq)))
	}
	b.AckThrough(3)
	// the peer reports less than the oldest retained entry: entries 1-3
	// are gone, the gap cannot be replayed
	_, err := b.ReplayAfter(1)
	require.ErrorIs(t, err, ErrResumeOverflow)
	// an exactly-adjacent counter is still fine
	entries, err := b.ReplayAfter(3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestResumeBufferRejectsOutOfOrderAppend(t *testing.T) {
	testlog.Start(t)
	b := NewResumeBuffer(10)
	require.NoError(t, b.Append(entry(2)))
	require.ErrorIs(t, b.Append(entry(2)), ErrProtocolViolation)
	require.ErrorIs(t, b.Append(entry(1)), ErrProtocolViolation)
}

func TestResumeBufferBatchSpanAccounting(t *testing.T) {
	testlog.Start(t)
	b := NewResumeBuffer(5)
	// batch covering counters 1-3 occupies three slots
	require.NoError(t, b.Append(BufferEntry{Sequence: 1, Span: 3, Frame: []byte("batch")}))
	require.Equal(t, 3, b.Len())
	require.NoError(t, b.Append(entry(4)))
	require.NoError(t, b.Append(entry(5)))
	require.ErrorIs(t, b.Append(entry(6)), ErrResumeOverflow)

	// a partial ack does not release the batch; acking its last counter does
	require.Equal(t, 0, b.AckThrough(2))
	require.Equal(t, 3, b.AckThrough(3))
	require.Equal(t, 2, b.Len())

	entries, err := b.ReplayAfter(3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(4), entries[0].Sequence)
}
