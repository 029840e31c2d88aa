package stream

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/synaplabs/synap/internal/clockid"
	"github.com/synaplabs/synap/internal/errs"
	"github.com/synaplabs/synap/internal/persistence"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(ManagerConfig{
		Clock:    clockid.New(),
		Recorder: persistence.NewPassive(),
	}, zerolog.Nop())
}

func uptr(v uint64) *uint64 { return &v }

func TestPublishAssignsIncreasingOffsetsFromOne(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateRoom("chat", Config{}))

	o1, err := m.Publish("chat", "msg", []byte("hi"))
	require.NoError(t, err)
	require.EqualValues(t, 1, o1)
	o2, err := m.Publish("chat", "msg", []byte("there"))
	require.NoError(t, err)
	require.Equal(t, o1+1, o2)
}

func TestConsumeReplaysFromStartAndTracksOffsets(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateRoom("r", Config{Capacity: 10000}))
	for i := 0; i < 5; i++ {
		_, err := m.Publish("r", "ev", []byte{byte(i)})
		require.NoError(t, err)
	}

	events, err := m.Consume("r", "sub", uptr(0), 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		require.EqualValues(t, i+1, ev.Offset)
	}

	stats, err := m.Stats("r")
	require.NoError(t, err)
	require.EqualValues(t, 6, stats.NextOffset)
	require.EqualValues(t, 1, stats.MinOffset)
}

func TestSubscribeConsumeAdvancesCursor(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateRoom("chat", Config{}))
	_, err := m.Publish("chat", "msg", []byte("a"))
	require.NoError(t, err)
	_, err = m.Publish("chat", "msg", []byte("b"))
	require.NoError(t, err)

	require.NoError(t, m.Subscribe("chat", "sub1", 1))
	events, err := m.Consume("chat", "sub1", nil, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	events, err = m.Consume("chat", "sub1", nil, 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestConsumeLimitCapsReturnedEvents(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateRoom("chat", Config{}))
	for i := 0; i < 5; i++ {
		_, err := m.Publish("chat", "msg", []byte("x"))
		require.NoError(t, err)
	}

	events, err := m.Consume("chat", "sub1", uptr(1), 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestCapacityEvictsOldest(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateRoom("chat", Config{Capacity: 2}))
	for i := 0; i < 5; i++ {
		_, err := m.Publish("chat", "msg", []byte("x"))
		require.NoError(t, err)
	}
	stats, err := m.Stats("chat")
	require.NoError(t, err)
	require.LessOrEqual(t, stats.EventCount, 3)
	require.Equal(t, stats.NextOffset, stats.MinOffset+uint64(stats.EventCount))
}

func TestCountRetentionPrunesOverflow(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateRoom("chat", Config{Retention: Retention{Kind: RetentionCount, MaxCount: 3}}))
	for i := 0; i < 10; i++ {
		_, err := m.Publish("chat", "msg", []byte("x"))
		require.NoError(t, err)
	}
	stats, err := m.Stats("chat")
	require.NoError(t, err)
	require.LessOrEqual(t, stats.EventCount, 3)
}

func TestConsumeBehindRetainedWindowClampsForward(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateRoom("chat", Config{Retention: Retention{Kind: RetentionCount, MaxCount: 1}}))

	for i := 0; i < 5; i++ {
		_, err := m.Publish("chat", "msg", []byte{byte(i)})
		require.NoError(t, err)
	}

	// requested offset 1 has been pruned; the first returned offset is
	// greater than what was asked for, which is how callers detect the gap.
	events, err := m.Consume("chat", "sub1", uptr(1), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Greater(t, events[0].Offset, uint64(1))

	stats, err := m.Stats("chat")
	require.NoError(t, err)
	require.Equal(t, stats.MinOffset, events[0].Offset)
}

func TestUnsubscribeForgetsCursor(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateRoom("chat", Config{}))
	require.NoError(t, m.Subscribe("chat", "sub1", 5))
	require.NoError(t, m.Unsubscribe("chat", "sub1"))

	stats, err := m.Stats("chat")
	require.NoError(t, err)
	require.Zero(t, stats.SubscriberCount)
}

func TestCreateRoomIdempotentOnMatchingConfig(t *testing.T) {
	m := newTestManager(t)
	cfg := Config{Capacity: 100}
	require.NoError(t, m.CreateRoom("chat", cfg))
	require.NoError(t, m.CreateRoom("chat", cfg))
	require.ErrorIs(t, m.CreateRoom("chat", Config{Capacity: 200}), errs.ErrAlreadyExists)
}

func TestDeleteRoomRemovesIt(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateRoom("chat", Config{}))
	require.NoError(t, m.DeleteRoom("chat"))
	_, err := m.Publish("chat", "msg", []byte("x"))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRoomLogRecoversEventsAfterRestart(t *testing.T) {
	dir := t.TempDir()
	mcfg := ManagerConfig{
		Clock:    clockid.New(),
		Recorder: persistence.NewPassive(),
		Dir:      dir,
	}
	m := NewManager(mcfg, zerolog.Nop())
	require.NoError(t, m.CreateRoom("chat", Config{Capacity: 100}))
	_, err := m.Publish("chat", "ev", []byte("one"))
	require.NoError(t, err)
	_, err = m.Publish("chat", "ev", []byte("two"))
	require.NoError(t, err)
	m.Close()

	fresh := NewManager(mcfg, zerolog.Nop())
	fresh.applyCreateRoom("chat", Config{Capacity: 100})
	require.NoError(t, fresh.RecoverLogs())

	events, err := fresh.Consume("chat", "sub", uptr(1), 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, []byte("one"), events[0].Payload)
	require.Equal(t, []byte("two"), events[1].Payload)

	stats, err := fresh.Stats("chat")
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.NextOffset)
}

func TestRoomLogRewriteDropsPrunedEvents(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(ManagerConfig{
		Clock:    clockid.New(),
		Recorder: persistence.NewPassive(),
		Dir:      dir,
	}, zerolog.Nop())
	require.NoError(t, m.CreateRoom("chat", Config{Retention: Retention{Kind: RetentionCount, MaxCount: 2}}))
	for i := 0; i < 10; i++ {
		_, err := m.Publish("chat", "ev", []byte{byte(i)})
		require.NoError(t, err)
	}

	r, err := m.getRoom("chat")
	require.NoError(t, err)
	r.mu.Lock()
	r.prunedSinceRewrite = logRewriteAfterPrunes
	m.maybeRewriteLogLocked(r)
	r.mu.Unlock()

	events, err := readRoomLog(m.logPath("chat"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.EqualValues(t, 9, events[0].Offset)
}
