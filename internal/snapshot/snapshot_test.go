package snapshot

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/synaplabs/synap/internal/ops"
)

func sampleState() State {
	return State{
		CreatedAt:    1000,
		WalEndOffset: 42,
		KV: []KVEntry{
			{Key: "a", Value: []byte("1"), ExpiresAt: 0},
			{Key: "b", Value: []byte("2"), ExpiresAt: 9999},
		},
		Queues: []QueueEntry{
			{
				Name:   "jobs",
				Config: ops.QueueConfig{MaxDepth: 100, AckDeadlineSecs: 30, DefaultMaxRetries: 3},
				Stats:  QueueStats{Published: 10, Acked: 8, Nacked: 2},
				Messages: []QueueMessageEntry{
					{ID: uuid.New(), Payload: []byte("p"), Priority: 5, EnqueuedAt: 1, RetryCount: 0, MaxRetries: 3, State: MessageReady},
				},
			},
		},
		Streams: []StreamEntry{
			{
				Room: "chat",
				Config: ops.StreamConfig{
					Capacity:  1000,
					Retention: ops.RetentionPolicy{Kind: ops.RetentionCount, MaxCount: 500},
				},
				NextOffset: 6,
				MinOffset:  5,
				Events: []StreamEventEntry{
					{Offset: 5, EventName: "msg", Payload: []byte("hi"), PublishedAt: 100},
				},
				Subscribers: map[string]uint64{"sub1": 5},
			},
		},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	state := sampleState()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, state))

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, state.CreatedAt, got.CreatedAt)
	require.Equal(t, state.WalEndOffset, got.WalEndOffset)
	require.Equal(t, state.KV, got.KV)
	require.Equal(t, state.Queues, got.Queues)
	require.Equal(t, state.Streams, got.Streams)
}

func TestReadRejectsBadMagic(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("NOTASNAPSHOT000")))
	require.Error(t, err)
}

func TestReadRejectsCRCMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleState()))
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	_, err := Read(bytes.NewReader(corrupted))
	require.Error(t, err)
}

func TestReadRejectsTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleState()))
	truncated := buf.Bytes()[:len(buf.Bytes())/2]

	_, err := Read(bytes.NewReader(truncated))
	require.Error(t, err)
}

func TestEmptyStateRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, State{}))

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Empty(t, got.KV)
	require.Empty(t, got.Queues)
	require.Empty(t, got.Streams)
}
