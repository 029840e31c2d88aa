package replication

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/synaplabs/synap/internal/ops"
)

type fakeLogReader struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (f *fakeLogReader) append(seq uint64, op ops.Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, LogEntry{Sequence: seq, Op: op})
}

func (f *fakeLogReader) IterFrom(offset uint64) ([]LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []LogEntry
	for _, e := range f.entries {
		if e.Sequence > offset {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLogReader) CurrentOffset() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return 0
	}
	return f.entries[len(f.entries)-1].Sequence
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []uint64
	seq     uint64
	snapLoaded bool
}

func (f *fakeApplier) ApplyReplicated(seq uint64, raw []byte) error {
	_, err := ops.Decode(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, seq)
	f.seq = seq
	return nil
}

func (f *fakeApplier) LoadSnapshotBytes(r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapLoaded = true
	return nil
}

func (f *fakeApplier) CurrentSequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

func (f *fakeApplier) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func TestMasterStreamsBacklogToFreshReplica(t *testing.T) {
	log := &fakeLogReader{}
	log.append(1, ops.KvSet{Key: "a", Value: []byte("1")})
	log.append(2, ops.KvSet{Key: "b", Value: []byte("2")})

	master := NewMaster(MasterConfig{
		ListenAddr:      "127.0.0.1:0",
		Log:             log,
		Snapshot:        func() ([]byte, uint64, error) { return []byte{}, 0, nil },
		HeartbeatEvery:  50 * time.Millisecond,
		MaxLagSequences: 1000,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, master.Start())
	defer master.Stop()

	applier := &fakeApplier{}
	replica := NewReplica(ReplicaConfig{
		ReplicaID:     "r1",
		MasterAddr:    master.listener.Addr().String(),
		ReconnectBase: 10 * time.Millisecond,
		ReconnectCap:  50 * time.Millisecond,
		AckEvery:      20 * time.Millisecond,
		Logger:        zerolog.Nop(),
	}, applier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go replica.Run(ctx)

	require.Eventually(t, func() bool {
		return applier.appliedCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMasterBroadcastsNewOpsToConnectedReplica(t *testing.T) {
	log := &fakeLogReader{}

	master := NewMaster(MasterConfig{
		ListenAddr:      "127.0.0.1:0",
		Log:             log,
		Snapshot:        func() ([]byte, uint64, error) { return []byte{}, 0, nil },
		HeartbeatEvery:  50 * time.Millisecond,
		MaxLagSequences: 1000,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, master.Start())
	defer master.Stop()

	applier := &fakeApplier{}
	replica := NewReplica(ReplicaConfig{
		ReplicaID:     "r1",
		MasterAddr:    master.listener.Addr().String(),
		ReconnectBase: 10 * time.Millisecond,
		ReconnectCap:  50 * time.Millisecond,
		AckEvery:      20 * time.Millisecond,
		Logger:        zerolog.Nop(),
	}, applier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go replica.Run(ctx)

	require.Eventually(t, func() bool {
		return len(master.ReplicaIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	log.append(1, ops.KvSet{Key: "live", Value: []byte("v")})
	master.Broadcast(1, ops.KvSet{Key: "live", Value: []byte("v")})

	require.Eventually(t, func() bool {
		return applier.appliedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMasterRejectsReplicaAheadOfMaster(t *testing.T) {
	log := &fakeLogReader{}
	log.append(1, ops.KvSet{Key: "a", Value: []byte("1")})

	master := NewMaster(MasterConfig{
		ListenAddr:      "127.0.0.1:0",
		Log:             log,
		Snapshot:        func() ([]byte, uint64, error) { return []byte{}, 0, nil },
		HeartbeatEvery:  50 * time.Millisecond,
		MaxLagSequences: 1000,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, master.Start())
	defer master.Stop()

	conn, err := net.Dial("tcp", master.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteFrame(conn, Handshake{ReplicaID: "diverged", HaveSequence: 99}))

	// The master refuses the session: the connection closes without a
	// single frame being served.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = ReadFrame(conn)
	require.Error(t, err)
	require.Empty(t, master.ReplicaIDs())
}

func TestReplLogEvictsOldestAndReportsCoverage(t *testing.T) {
	l := newReplLog(3)
	for seq := uint64(1); seq <= 5; seq++ {
		l.append(LogEntry{Sequence: seq, Op: ops.KvSet{Key: "k"}})
	}

	// entries 1 and 2 are gone; offset 1 can no longer partial-sync.
	_, ok := l.from(1)
	require.False(t, ok)

	entries, ok := l.from(3)
	require.True(t, ok)
	require.Len(t, entries, 2)
	require.EqualValues(t, 4, entries[0].Sequence)

	entries, ok = l.from(5)
	require.True(t, ok)
	require.Empty(t, entries)
}

func TestBroadcastFeedsReplicationLog(t *testing.T) {
	master := NewMaster(MasterConfig{
		ListenAddr: "127.0.0.1:0",
		Snapshot:   func() ([]byte, uint64, error) { return []byte{}, 0, nil },
		Logger:     zerolog.Nop(),
	})
	master.Broadcast(1, ops.KvSet{Key: "a"})
	master.Broadcast(2, ops.KvSet{Key: "b"})

	entries, ok := master.log.from(0)
	require.True(t, ok)
	require.Len(t, entries, 2)
}
