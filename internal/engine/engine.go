// Package engine is the composition root: it owns the WAL, snapshotter,
// resource guard, and every subsystem manager, wires persistence through
// all of them, drives startup recovery, and runs the background tasks
// (TTL sweep, queue deadlines, stream compaction, periodic snapshots,
// replication) for the lifetime of one process.
//
// Construct every subsystem once, start their background goroutines
// under one context, wire a single shutdown path — the same component
// graph shape a server's top-level composition root uses, applied here
// to Synap's storage components instead of connection handling.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/synaplabs/synap/internal/bridge/kafka"
	"github.com/synaplabs/synap/internal/clockid"
	"github.com/synaplabs/synap/internal/config"
	"github.com/synaplabs/synap/internal/kvstore"
	"github.com/synaplabs/synap/internal/ops"
	"github.com/synaplabs/synap/internal/persistence"
	"github.com/synaplabs/synap/internal/pubsub"
	"github.com/synaplabs/synap/internal/queue"
	"github.com/synaplabs/synap/internal/replication"
	"github.com/synaplabs/synap/internal/resource"
	"github.com/synaplabs/synap/internal/snapshot"
	"github.com/synaplabs/synap/internal/stream"
	"github.com/synaplabs/synap/internal/telemetry"
	"github.com/synaplabs/synap/internal/wal"
)

// Engine is the single façade SDKs/transports and the CLI call into; it
// is the only thing in this repo that knows about every subsystem at
// once.
type Engine struct {
	cfg     *config.Config
	logger  zerolog.Logger
	clock   *clockid.Clock
	metrics *telemetry.Metrics
	guard   *resource.Guard

	rec *persistence.Recorder
	wal *wal.WAL

	KV     *kvstore.Store
	Queue  *queue.Manager
	Stream *stream.Manager
	PubSub *pubsub.Router

	master *replication.Master
	replica *replication.Replica
	bridge  *kafka.Bridge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedAt  uint32
	appliedSeq uint64
	appliedMu  sync.Mutex
}

// New constructs every subsystem but does not yet start background
// tasks or accept writes — call Start for that.
func New(cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	clock := clockid.New()
	metrics := telemetry.New()
	guard := resource.New(cfg.DataDir, cfg.ResourceDiskRejectPercent, cfg.ResourceMemRejectPercent, logger)

	e := &Engine{cfg: cfg, logger: logger, clock: clock, metrics: metrics, guard: guard}

	var rec *persistence.Recorder
	if cfg.PersistenceEnabled {
		walCfg := wal.Config{
			Dir:              filepath.Join(cfg.DataDir, "wal"),
			FsyncMode:        fsyncModeFromConfig(cfg.FsyncMode),
			PeriodicInterval: cfg.PeriodicFsyncInterval,
			BatchWindow:      time.Duration(cfg.WalBatchWindowUs) * time.Microsecond,
			BatchMaxOps:      cfg.WalBatchMaxOps,
			Guard:            guard,
			Metrics:          metrics,
		}
		w, err := wal.Open(walCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("engine: open wal: %w", err)
		}
		e.wal = w
		rec = &persistence.Recorder{WAL: w}
	} else {
		rec = persistence.NewPassive()
	}
	e.rec = rec

	e.KV = kvstore.New(kvstore.Config{
		NumShards: cfg.KVNumShards, MaxValueBytes: cfg.KVMaxValueBytes,
		TrieThreshold: cfg.KVTrieThreshold, Clock: clock, Recorder: rec, Metrics: metrics,
	}, logger)
	e.Queue = queue.NewManager(clock, rec, metrics, logger)
	streamDir := ""
	if cfg.PersistenceEnabled {
		streamDir = filepath.Join(cfg.DataDir, "streams")
	}
	e.Stream = stream.NewManager(stream.ManagerConfig{
		Clock:           clock,
		Recorder:        rec,
		Metrics:         metrics,
		DefaultCapacity: uint64(cfg.StreamDefaultCapacity),
		Dir:             streamDir,
	}, logger)
	e.PubSub = pubsub.NewRouter(cfg.PubSubSubscriberBuffer, cfg.PubSubMaxPublishPerSec, metrics, logger)

	if cfg.ReplicationRole == config.RoleMaster {
		var logReader replication.LogReader
		if e.wal != nil {
			logReader = walLogReaderAdapter{e.wal}
		}
		e.master = replication.NewMaster(replication.MasterConfig{
			ListenAddr:     cfg.ReplicationListenAddr,
			Log:            logReader,
			Snapshot:       e.buildSnapshotBytes,
			HeartbeatEvery: time.Duration(cfg.ReplicationHeartbeatMs) * time.Millisecond,
			LogSize:        cfg.ReplicationLogSize,
			Metrics:        metrics,
			Logger:         logger,
		})
		rec.Broadcast = e.master.Broadcast
	}

	return e, nil
}

func fsyncModeFromConfig(m config.FsyncMode) wal.FsyncMode {
	switch m {
	case config.FsyncAlways:
		return wal.FsyncAlways
	case config.FsyncNever:
		return wal.FsyncNever
	default:
		return wal.FsyncPeriodic
	}
}

// walLogReaderAdapter bridges *wal.WAL to replication.LogReader so the
// replication package never imports internal/wal directly.
type walLogReaderAdapter struct{ w *wal.WAL }

func (a walLogReaderAdapter) IterFrom(offset uint64) ([]replication.LogEntry, error) {
	entries, err := a.w.IterFrom(offset)
	if err != nil {
		return nil, err
	}
	out := make([]replication.LogEntry, len(entries))
	for i, e := range entries {
		out[i] = replication.LogEntry{Sequence: e.Sequence, Op: e.Op}
	}
	return out, nil
}

func (a walLogReaderAdapter) CurrentOffset() uint64 { return a.w.CurrentOffset() }

// Start performs recovery (snapshot + WAL replay), then launches every
// background task under a fresh context.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.startedAt = e.clock.NowUnixSecs()

	if err := e.recover(); err != nil {
		return fmt.Errorf("engine: recovery: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.guard.Run(e.ctx, 2*time.Second)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.KV.RunTTLSweeper(e.ctx, time.Duration(e.cfg.KVTTLSweepIntervalMs)*time.Millisecond, e.cfg.KVTTLSampleSize, e.logger)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Queue.RunDeadlineSweeper(e.ctx, time.Duration(e.cfg.QueueDeadlineCheckIntervalMs)*time.Millisecond, e.logger)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Stream.RunCompactor(time.Duration(e.cfg.StreamCompactionIntervalMs)*time.Millisecond, e.ctx.Done(), e.logger)
	}()

	if e.cfg.PersistenceEnabled && e.cfg.SnapshotIntervalSecs > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runPeriodicSnapshot(time.Duration(e.cfg.SnapshotIntervalSecs) * time.Second)
		}()
	}

	if e.master != nil {
		if err := e.master.Start(); err != nil {
			return fmt.Errorf("engine: start replication master: %w", err)
		}
	}
	if e.cfg.ReplicationRole == config.RoleReplica {
		e.replica = replication.NewReplica(replication.ReplicaConfig{
			ReplicaID:     e.cfg.DataDir,
			MasterAddr:    e.cfg.ReplicationMasterAddr,
			ReconnectBase: time.Duration(e.cfg.ReplicationReconnectBaseMs) * time.Millisecond,
			ReconnectCap:  time.Duration(e.cfg.ReplicationReconnectCapMs) * time.Millisecond,
			AckEvery:      time.Duration(e.cfg.ReplicationHeartbeatMs) * time.Millisecond,
			MaxLag:        time.Duration(e.cfg.ReplicationMaxLagMs) * time.Millisecond,
			Logger:        e.logger,
		}, e)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.replica.Run(e.ctx)
		}()
	}

	if e.cfg.BridgeKafkaEnabled {
		b, err := kafka.New(kafka.Config{
			Brokers:       e.cfg.BridgeKafkaBrokers,
			ConsumerGroup: e.cfg.BridgeKafkaGroup,
			Topics:        e.cfg.BridgeKafkaTopics,
			Router:        e.PubSub,
			Logger:        e.logger,
		})
		if err != nil {
			return fmt.Errorf("engine: start kafka bridge: %w", err)
		}
		e.bridge = b
		e.bridge.Start()
	}

	return nil
}

// Stop cancels every background task and flushes durability resources.
func (e *Engine) Stop() error {
	if e.bridge != nil {
		e.bridge.Stop()
	}
	if e.master != nil {
		e.master.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.Stream.Close()
	if e.wal != nil {
		return e.wal.Close()
	}
	return nil
}

// recover loads the newest snapshot (if any) then replays the WAL
// strictly after its wal_end_offset.
func (e *Engine) recover() error {
	snapPath, err := e.newestSnapshotPath()
	if err != nil {
		return err
	}
	var fromSeq uint64
	if snapPath != "" {
		f, err := os.Open(snapPath)
		if err != nil {
			return fmt.Errorf("open snapshot: %w", err)
		}
		state, err := snapshot.Read(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		e.loadSnapshotState(state)
		fromSeq = state.WalEndOffset
		e.setAppliedSeq(fromSeq)
	}

	if e.wal != nil {
		entries, err := e.wal.IterFrom(fromSeq)
		if err != nil {
			return fmt.Errorf("replay wal: %w", err)
		}
		for _, entry := range entries {
			if err := e.dispatchApply(entry.Op); err != nil {
				return fmt.Errorf("replay wal entry seq=%d: %w", entry.Sequence, err)
			}
			e.setAppliedSeq(entry.Sequence)
		}
	}
	if err := e.Stream.RecoverLogs(); err != nil {
		return fmt.Errorf("replay stream logs: %w", err)
	}
	return nil
}

func (e *Engine) loadSnapshotState(state *snapshot.State) {
	e.KV.Load(state.KV)
	e.Queue.Load(state.Queues)
	e.Stream.Load(state.Streams)
}

// dispatchApply routes a decoded Operation to the subsystem manager that
// owns its tag range — used by WAL replay and by replica apply.
func (e *Engine) dispatchApply(op ops.Operation) error {
	switch op.(type) {
	case ops.KvSet, ops.KvDelete, ops.KvBatchSet, ops.KvBatchDelete, ops.KvIncrBy,
		ops.KvAppend, ops.KvSetRange, ops.KvRename, ops.KvExpire, ops.KvPersist, ops.KvFlush:
		return e.KV.Apply(op)
	case ops.QueueCreate, ops.QueueDelete, ops.QueuePurge, ops.QueuePublish, ops.QueueAck, ops.QueueNack:
		return e.Queue.Apply(op)
	case ops.StreamCreate, ops.StreamDelete, ops.StreamPublish:
		return e.Stream.Apply(op)
	default:
		return fmt.Errorf("engine: no subsystem for op %T", op)
	}
}

func (e *Engine) newestSnapshotPath() (string, error) {
	dir := filepath.Join(e.cfg.DataDir, "snapshots")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var newest string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if newest == "" || ent.Name() > newest {
			newest = ent.Name()
		}
	}
	if newest == "" {
		return "", nil
	}
	return filepath.Join(dir, newest), nil
}

// TriggerSnapshot writes a fresh snapshot to disk immediately, outside
// the periodic schedule.
func (e *Engine) TriggerSnapshot() error {
	return e.writeSnapshot()
}

func (e *Engine) runPeriodicSnapshot(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.writeSnapshot(); err != nil {
				e.logger.Error().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

func (e *Engine) writeSnapshot() error {
	dir := filepath.Join(e.cfg.DataDir, "snapshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	state := e.buildSnapshotState()
	path := filepath.Join(dir, fmt.Sprintf("snap-%020d.bin", state.WalEndOffset))
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := snapshot.Write(f, state); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if e.wal != nil {
		if err := e.wal.TruncateUpto(state.WalEndOffset); err != nil {
			e.logger.Warn().Err(err).Msg("wal truncate after snapshot failed")
		}
	}
	return nil
}

func (e *Engine) buildSnapshotState() snapshot.State {
	offset := uint64(0)
	if e.wal != nil {
		offset = e.wal.CurrentOffset()
	}
	return snapshot.State{
		CreatedAt:    uint64(e.clock.NowUnixSecs()),
		WalEndOffset: offset,
		KV:           e.KV.Dump(),
		Queues:       e.Queue.Dump(),
		Streams:      e.Stream.Dump(),
	}
}

func (e *Engine) buildSnapshotBytes() ([]byte, uint64, error) {
	state := e.buildSnapshotState()
	var buf bytes.Buffer
	if err := snapshot.Write(&buf, state); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), state.WalEndOffset, nil
}

// --- replication.ReplicaApplier ------------------------------------------

// ApplyReplicated decodes raw (a tag byte followed by that operation's
// fields, per internal/ops) and applies it, used only on a replica node.
// The op is also recorded in the replica's own WAL under the master's
// sequence, so a restart can partial-sync and the replica can serve as
// upstream for a cascade.
func (e *Engine) ApplyReplicated(seq uint64, raw []byte) error {
	op, err := ops.Decode(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if e.wal != nil {
		if err := e.wal.AppendAt(seq, op); err != nil {
			return err
		}
	}
	if err := e.dispatchApply(op); err != nil {
		return err
	}
	e.setAppliedSeq(seq)
	return nil
}

// LoadSnapshotBytes decodes and loads a full snapshot received from the
// master during a full sync. The snapshot is also written to local disk
// so a restart resumes from it instead of pulling another full transfer.
func (e *Engine) LoadSnapshotBytes(r io.Reader) error {
	state, err := snapshot.Read(r)
	if err != nil {
		return err
	}
	e.loadSnapshotState(state)
	if e.wal != nil {
		e.wal.AdvanceTo(state.WalEndOffset)
	}
	e.setAppliedSeq(state.WalEndOffset)
	if e.cfg.PersistenceEnabled {
		if err := e.writeSnapshot(); err != nil {
			e.logger.Warn().Err(err).Msg("persist full-sync snapshot failed")
		}
	}
	return nil
}

// CurrentSequence returns the highest sequence this node has applied —
// the replica's own notion of HaveSequence/AppliedSequence.
func (e *Engine) CurrentSequence() uint64 {
	e.appliedMu.Lock()
	defer e.appliedMu.Unlock()
	return e.appliedSeq
}

func (e *Engine) setAppliedSeq(seq uint64) {
	e.appliedMu.Lock()
	if seq > e.appliedSeq {
		e.appliedSeq = seq
	}
	e.appliedMu.Unlock()
}

// ReplicationStatus reports role-specific health for observability.
type ReplicationStatus struct {
	Role              config.ReplicationRole
	ConnectedReplicas []replication.ReplicaStatus
	AppliedSequence   uint64
}

// ReplicationStatus returns this node's current replication standing.
func (e *Engine) ReplicationStatus() ReplicationStatus {
	st := ReplicationStatus{Role: e.cfg.ReplicationRole, AppliedSequence: e.CurrentSequence()}
	if e.master != nil {
		st.ConnectedReplicas = e.master.Replicas()
	}
	return st
}

// EngineStats is the read-only aggregate behind the stats façade.
type EngineStats struct {
	UptimeSecs  uint32
	WALSequence uint64
	KVKeys      int
	Queues      int
	Rooms       int
	Replication ReplicationStatus
}

// Stats returns a point-in-time aggregate across every subsystem.
func (e *Engine) Stats() EngineStats {
	walSeq := uint64(0)
	if e.wal != nil {
		walSeq = e.wal.CurrentOffset()
	}
	return EngineStats{
		UptimeSecs:  e.clock.NowUnixSecs() - e.startedAt,
		WALSequence: walSeq,
		KVKeys:      e.KV.DBSize(),
		Queues:      len(e.Queue.List()),
		Rooms:       len(e.Stream.ListRooms()),
		Replication: e.ReplicationStatus(),
	}
}

// Metrics exposes the internal prometheus registry for an embedding
// process that wants to mount its own /metrics handler.
func (e *Engine) Metrics() *telemetry.Metrics { return e.metrics }
