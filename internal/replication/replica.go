package replication

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// ReplicaConfig bundles a Replica's tunables.
type ReplicaConfig struct {
	ReplicaID     string
	MasterAddr    string
	HaveSequence  func() uint64 // called fresh on every (re)connect
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	AckEvery      time.Duration
	// MaxLag is how long the link may stay silent (no ops, no
	// heartbeats) before the replica drops it and reconnects.
	MaxLag time.Duration
	Logger zerolog.Logger
}

// Replica connects to a master and keeps local state synchronized,
// reconnecting with exponential backoff on failure.
type Replica struct {
	cfg     ReplicaConfig
	applier ReplicaApplier
}

// ReplicaApplier is the engine-side hook a Replica drives: apply each
// streamed operation in order, or load a full snapshot when the master
// sends one.
type ReplicaApplier interface {
	ApplyReplicated(seq uint64, raw []byte) error
	LoadSnapshotBytes(r io.Reader) error
	CurrentSequence() uint64
}

// NewReplica constructs a Replica bound to applier.
func NewReplica(cfg ReplicaConfig, applier ReplicaApplier) *Replica {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 200 * time.Millisecond
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 5 * time.Second
	}
	if cfg.AckEvery <= 0 {
		cfg.AckEvery = time.Second
	}
	if cfg.MaxLag <= 0 {
		cfg.MaxLag = 5 * time.Second
	}
	return &Replica{cfg: cfg, applier: applier}
}

// Run connects and streams until ctx is cancelled, reconnecting with
// exponential backoff (capped) between attempts.
func (r *Replica) Run(ctx context.Context) {
	backoff := r.cfg.ReconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := r.runOnce(ctx); err != nil {
			r.cfg.Logger.Warn().Err(err).Str("master", r.cfg.MasterAddr).Msg("replication replica: session ended, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.cfg.ReconnectCap {
			backoff = r.cfg.ReconnectCap
		}
	}
}

func (r *Replica) runOnce(ctx context.Context) error {
	conn, err := net.Dial("tcp", r.cfg.MasterAddr)
	if err != nil {
		return fmt.Errorf("dial master: %w", err)
	}
	defer conn.Close()

	have := r.applier.CurrentSequence()
	if r.cfg.HaveSequence != nil {
		have = r.cfg.HaveSequence()
	}
	if err := WriteFrame(conn, Handshake{ReplicaID: r.cfg.ReplicaID, HaveSequence: have}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.ackLoop(sessionCtx, conn)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		// Missing heartbeats for MaxLag mean the master (or the path to
		// it) is gone; the deadline turns that silence into a read error
		// and the caller reconnects.
		if err := conn.SetReadDeadline(time.Now().Add(r.cfg.MaxLag)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		cmd, err := ReadFrame(conn)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		switch c := cmd.(type) {
		case FullSync:
			if err := r.applier.LoadSnapshotBytes(bytes.NewReader(c.SnapshotBytes)); err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}
		case OpStream:
			var buf bytes.Buffer
			buf.WriteByte(byte(c.Op.Tag()))
			c.Op.Encode(&buf)
			if err := r.applier.ApplyReplicated(c.Sequence, buf.Bytes()); err != nil {
				return fmt.Errorf("apply replicated op seq=%d: %w", c.Sequence, err)
			}
		case Heartbeat:
			// liveness only; ackLoop reports our applied offset independently.
		}
	}
}

func (r *Replica) ackLoop(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(r.cfg.AckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := WriteFrame(conn, Ack{AppliedSequence: r.applier.CurrentSequence()}); err != nil {
				return
			}
		}
	}
}
