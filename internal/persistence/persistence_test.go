package persistence

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/synaplabs/synap/internal/ops"
	"github.com/synaplabs/synap/internal/wal"
)

func TestPassiveRecorderNeverWrites(t *testing.T) {
	r := NewPassive()
	seq, err := r.Commit(ops.KvSet{Key: "a", Value: []byte("1")})
	require.NoError(t, err)
	require.Zero(t, seq)
}

func TestRecorderAppendsAndBroadcasts(t *testing.T) {
	w, err := wal.Open(wal.Config{Dir: t.TempDir(), FsyncMode: wal.FsyncAlways}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	var broadcastSeq uint64
	var broadcastOp ops.Operation
	r := &Recorder{WAL: w, Broadcast: func(seq uint64, op ops.Operation) {
		broadcastSeq = seq
		broadcastOp = op
	}}

	op := ops.KvSet{Key: "a", Value: []byte("1")}
	seq, err := r.Commit(op)
	require.NoError(t, err)
	require.NotZero(t, seq)
	require.Equal(t, seq, broadcastSeq)
	require.Equal(t, op, broadcastOp)
}

func TestRecorderWithoutBroadcastStillCommits(t *testing.T) {
	w, err := wal.Open(wal.Config{Dir: t.TempDir(), FsyncMode: wal.FsyncAlways}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	r := &Recorder{WAL: w}
	seq, err := r.Commit(ops.KvSet{Key: "a", Value: []byte("1")})
	require.NoError(t, err)
	require.NotZero(t, seq)
}
