package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/synaplabs/synap/internal/clockid"
	"github.com/synaplabs/synap/internal/errs"
	"github.com/synaplabs/synap/internal/ops"
	"github.com/synaplabs/synap/internal/persistence"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(clockid.New(), persistence.NewPassive(), nil, zerolog.Nop())
}

func TestPublishConsumeAck(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Create("jobs", Config{AckDeadlineSecs: 30, DefaultMaxRetries: 3}))

	id, err := m.Publish("jobs", []byte("payload"), 5, nil)
	require.NoError(t, err)

	msg, err := m.Consume("jobs", "c1")
	require.NoError(t, err)
	require.Equal(t, id, msg.ID)

	require.NoError(t, m.Ack("jobs", id))
	require.ErrorIs(t, m.Ack("jobs", id), errs.ErrMessageGone)
}

func TestConsumeOrdersByPriorityThenFIFO(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Create("jobs", Config{AckDeadlineSecs: 30, DefaultMaxRetries: 3}))

	lowID, err := m.Publish("jobs", []byte("low"), 1, nil)
	require.NoError(t, err)
	highID, err := m.Publish("jobs", []byte("high"), 9, nil)
	require.NoError(t, err)
	low2ID, err := m.Publish("jobs", []byte("low2"), 1, nil)
	require.NoError(t, err)

	first, err := m.Consume("jobs", "c1")
	require.NoError(t, err)
	require.Equal(t, highID, first.ID)

	second, err := m.Consume("jobs", "c1")
	require.NoError(t, err)
	require.Equal(t, lowID, second.ID)

	third, err := m.Consume("jobs", "c1")
	require.NoError(t, err)
	require.Equal(t, low2ID, third.ID)
}

func TestNackRequeuesUnderMaxRetries(t *testing.T) {
	m := newTestManager(t)
	maxRetries := uint32(2)
	require.NoError(t, m.Create("jobs", Config{AckDeadlineSecs: 30, DefaultMaxRetries: maxRetries}))

	id, err := m.Publish("jobs", []byte("p"), 0, &maxRetries)
	require.NoError(t, err)

	_, err = m.Consume("jobs", "c1")
	require.NoError(t, err)
	require.NoError(t, m.Nack("jobs", id, true))

	stats, err := m.Stats("jobs")
	require.NoError(t, err)
	require.Equal(t, 1, stats.ReadyDepth)
	require.Equal(t, 0, stats.DLQDepth)
}

func TestNackMovesToDLQPastMaxRetries(t *testing.T) {
	m := newTestManager(t)
	maxRetries := uint32(0)
	require.NoError(t, m.Create("jobs", Config{AckDeadlineSecs: 30, DefaultMaxRetries: maxRetries}))

	id, err := m.Publish("jobs", []byte("p"), 0, &maxRetries)
	require.NoError(t, err)

	_, err = m.Consume("jobs", "c1")
	require.NoError(t, err)
	require.NoError(t, m.Nack("jobs", id, true))

	stats, err := m.Stats("jobs")
	require.NoError(t, err)
	require.Equal(t, 0, stats.ReadyDepth)
	require.Equal(t, 1, stats.DLQDepth)
}

func TestRetryExhaustionLandsInDLQOnce(t *testing.T) {
	m := newTestManager(t)
	maxRetries := uint32(2)
	require.NoError(t, m.Create("q", Config{AckDeadlineSecs: 30, DefaultMaxRetries: maxRetries}))

	id, err := m.Publish("q", []byte{0x01}, 5, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msg, err := m.Consume("q", "c1")
		require.NoError(t, err)
		require.Equal(t, id, msg.ID)
		require.NoError(t, m.Nack("q", id, true))
	}

	stats, err := m.Stats("q")
	require.NoError(t, err)
	require.Equal(t, 1, stats.DLQDepth)
	require.Equal(t, 0, stats.ReadyDepth)
	require.Equal(t, 0, stats.InFlightDepth)
}

func TestPublishFailsWhenQueueFull(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Create("jobs", Config{MaxDepth: 1, AckDeadlineSecs: 30}))

	_, err := m.Publish("jobs", []byte("one"), 0, nil)
	require.NoError(t, err)
	_, err = m.Publish("jobs", []byte("two"), 0, nil)
	require.ErrorIs(t, err, errs.ErrQueueFull)
}

func TestDeadlineSweeperAutoNacksExpiredInFlight(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Create("jobs", Config{AckDeadlineSecs: 0, DefaultMaxRetries: 3}))

	_, err := m.Publish("jobs", []byte("p"), 0, nil)
	require.NoError(t, err)
	_, err = m.Consume("jobs", "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunDeadlineSweeper(ctx, 5*time.Millisecond, zerolog.Nop())

	require.Eventually(t, func() bool {
		stats, err := m.Stats("jobs")
		return err == nil && stats.ReadyDepth == 1 && stats.InFlightDepth == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPurgeKeepsDLQ(t *testing.T) {
	m := newTestManager(t)
	maxRetries := uint32(0)
	require.NoError(t, m.Create("jobs", Config{AckDeadlineSecs: 30}))

	deadID, err := m.Publish("jobs", []byte("dead"), 0, &maxRetries)
	require.NoError(t, err)
	_, err = m.Consume("jobs", "c1")
	require.NoError(t, err)
	require.NoError(t, m.Nack("jobs", deadID, true))

	_, err = m.Publish("jobs", []byte("ready"), 0, nil)
	require.NoError(t, err)

	require.NoError(t, m.Purge("jobs"))
	stats, err := m.Stats("jobs")
	require.NoError(t, err)
	require.Zero(t, stats.ReadyDepth)
	require.Zero(t, stats.InFlightDepth)
	require.Equal(t, 1, stats.DLQDepth)
}

func TestCreateIsIdempotentOnMatchingConfig(t *testing.T) {
	m := newTestManager(t)
	cfg := Config{MaxDepth: 10, AckDeadlineSecs: 30, DefaultMaxRetries: 3}
	require.NoError(t, m.Create("jobs", cfg))
	require.NoError(t, m.Create("jobs", cfg))
	require.ErrorIs(t, m.Create("jobs", Config{MaxDepth: 99}), errs.ErrAlreadyExists)
}

func TestConsumeEmptyQueueIsNotFound(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Create("jobs", Config{}))
	_, err := m.Consume("jobs", "c1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestApplyAckRemovesReadyMessage(t *testing.T) {
	// During WAL replay consumes are not logged, so a message acked
	// before the crash is in ready when its ack replays — it must not
	// survive.
	m := newTestManager(t)
	require.NoError(t, m.Apply(ops.QueueCreate{Name: "jobs", Config: ops.QueueConfig{AckDeadlineSecs: 30, DefaultMaxRetries: 3}}))

	id := clockid.NewMessageID()
	require.NoError(t, m.Apply(ops.QueuePublish{Queue: "jobs", ID: id, Payload: []byte("p"), Priority: 5, MaxRetries: 3, EnqueuedAt: 1}))
	require.NoError(t, m.Apply(ops.QueueAck{Queue: "jobs", ID: id}))

	stats, err := m.Stats("jobs")
	require.NoError(t, err)
	require.Zero(t, stats.ReadyDepth)
	require.Zero(t, stats.InFlightDepth)
	require.EqualValues(t, 1, stats.Acked)
}

func TestApplyNackRoutesReadyMessageToDLQ(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Apply(ops.QueueCreate{Name: "jobs", Config: ops.QueueConfig{AckDeadlineSecs: 30}}))

	id := clockid.NewMessageID()
	require.NoError(t, m.Apply(ops.QueuePublish{Queue: "jobs", ID: id, Payload: []byte("p"), Priority: 0, MaxRetries: 0, EnqueuedAt: 1}))
	require.NoError(t, m.Apply(ops.QueueNack{Queue: "jobs", ID: id, Reason: ops.NackReasonDeadline, Requeue: true}))

	stats, err := m.Stats("jobs")
	require.NoError(t, err)
	require.Zero(t, stats.ReadyDepth)
	require.Equal(t, 1, stats.DLQDepth)
}
