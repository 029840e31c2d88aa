// Package persistence implements the façade that every subsystem's
// mutating operation routes through. It does exactly three steps —
// append to the WAL, wait for the configured durability signal, forward
// to replication — and nothing else; the actual in-memory apply is
// performed by the calling subsystem itself (kvstore/queue/stream),
// which holds the lock needed to keep "log then apply" atomic for that
// one key/queue/room.
//
// An in-process "passive" Recorder (Passive: true) is the no-op WAL used
// when durability is disabled: every subsystem sees the identical
// Recorder interface either way.
package persistence

import (
	"github.com/synaplabs/synap/internal/ops"
	"github.com/synaplabs/synap/internal/wal"
)

// BroadcastFunc is how a Recorder tells replication about a newly
// committed op. nil on a standalone or replica node.
type BroadcastFunc func(sequence uint64, op ops.Operation)

// Recorder is the shared "log this mutation" seam. KV/Queue/Stream
// hold one each; the engine constructs a single WAL-backed Recorder
// (or a Passive one) and hands the same pointer to all three.
type Recorder struct {
	WAL       *wal.WAL
	Broadcast BroadcastFunc
	Passive   bool
}

// NewPassive returns a Recorder that performs no durability work at all.
func NewPassive() *Recorder {
	return &Recorder{Passive: true}
}

// Commit appends op to the WAL (unless passive), then notifies
// replication. It returns the assigned sequence, or 0 for a passive
// recorder. The caller must not have mutated in-memory state yet: if
// Commit returns an error, the op must be treated as never having
// happened — a failed write never leaves a partial effect.
func (r *Recorder) Commit(op ops.Operation) (uint64, error) {
	if r == nil || r.Passive || r.WAL == nil {
		return 0, nil
	}
	seq, err := r.WAL.Append(op)
	if err != nil {
		return 0, err
	}
	if r.Broadcast != nil {
		r.Broadcast(seq, op)
	}
	return seq, nil
}
