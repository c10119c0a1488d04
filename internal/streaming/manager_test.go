package streaming

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	m := NewManager()
	for i := 0; i < 3; i++ {
		evt := m.Publish("run-1", Event{Stage: "EXECUTE"})
		require.Equal(t, uint64(i), evt.Seq)
		require.Equal(t, "run-1", evt.RunID)
		require.False(t, evt.Timestamp.IsZero())
	}
	// Sequences are per run.
	evt := m.Publish("run-2", Event{Stage: "CLASSIFY"})
	require.Equal(t, uint64(0), evt.Seq)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	m := NewManager()
	ch := m.Subscribe("run-1", 4)
	defer m.Unsubscribe("run-1", ch)

	m.Publish("run-1", Event{Stage: "CLASSIFY"})
	m.Publish("run-1", Event{Stage: "EXECUTE"})
	m.Publish("run-other", Event{Stage: "CLASSIFY"})

	require.Len(t, ch, 2)
	first := <-ch
	require.Equal(t, "CLASSIFY", first.Stage)
	second := <-ch
	require.Equal(t, "EXECUTE", second.Stage)
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	m := NewManager()
	ch := m.Subscribe("run-1", 1)
	defer m.Unsubscribe("run-1", ch)

	// Second publish overflows the buffer and is dropped, not blocked on.
	m.Publish("run-1", Event{Stage: "CLASSIFY"})
	m.Publish("run-1", Event{Stage: "EXECUTE"})
	require.Len(t, ch, 1)

	// The dropped event is still recoverable from history.
	got := <-ch
	missed := m.ReplaySince("run-1", got.Seq)
	require.Len(t, missed, 1)
	require.Equal(t, "EXECUTE", missed[0].Stage)
}

func TestReplaySinceRespectsRingCapacity(t *testing.T) {
	m := NewManager(WithHistory(3))
	for i := 0; i < 5; i++ {
		m.Publish("run-1", Event{Stage: "EXECUTE"})
	}

	evs := m.ReplaySince("run-1", 0)
	require.Len(t, evs, 3)
	require.Equal(t, uint64(2), evs[0].Seq)
	require.Equal(t, uint64(4), evs[2].Seq)

	evs = m.ReplaySince("run-1", 3)
	require.Len(t, evs, 1)
	require.Equal(t, uint64(4), evs[0].Seq)

	require.Empty(t, m.ReplaySince("unknown-run", 0))
}

func TestCloseRunClosesSubscribers(t *testing.T) {
	m := NewManager()
	ch := m.Subscribe("run-1", 4)

	m.Publish("run-1", Event{Stage: "RESPOND", Final: true})
	m.CloseRun("run-1")

	evt, ok := <-ch
	require.True(t, ok)
	require.True(t, evt.Final)
	_, ok = <-ch
	require.False(t, ok, "channel must be closed after CloseRun")

	require.Empty(t, m.ReplaySince("run-1", 0))
	// Unsubscribe after CloseRun is a harmless no-op.
	m.Unsubscribe("run-1", ch)
}
