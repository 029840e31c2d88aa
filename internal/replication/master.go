package replication

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/synaplabs/synap/internal/ops"
	"github.com/synaplabs/synap/internal/telemetry"
)

// SnapshotFunc produces a fresh full-state snapshot (already encoded via
// internal/snapshot.Write) and the WAL sequence it was taken at.
type SnapshotFunc func() (snapshotBytes []byte, atSequence uint64, err error)

// LogReader exposes the subset of *wal.WAL the master needs to replay
// history older than its in-memory replication log, kept as an interface
// so this package never imports internal/wal directly (replication is
// wired against whatever durability backend the engine constructs). nil
// when durability is disabled — the in-memory log is then the only
// history available.
type LogReader interface {
	IterFrom(offset uint64) ([]LogEntry, error)
	CurrentOffset() uint64
}

// LogEntry is the replication-side view of one durable mutation.
type LogEntry struct {
	Sequence uint64
	Op       ops.Operation
}

// replLog is the master's bounded ring of recent ops. A replica whose
// handshake offset still falls inside the ring gets a partial sync
// served straight from memory; older offsets fall back to the WAL or a
// full sync.
type replLog struct {
	mu      sync.Mutex
	entries []LogEntry
	size    int
}

func newReplLog(size int) *replLog {
	if size <= 0 {
		size = 10000
	}
	return &replLog{size: size}
}

func (l *replLog) append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.size {
		l.entries = l.entries[len(l.entries)-l.size:]
	}
}

// from returns every entry with Sequence > seq, and whether the ring
// still covers that point (false means entries before seq+1 have been
// evicted and the caller must use another source).
func (l *replLog) from(seq uint64) ([]LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// An empty ring says nothing about history — force the caller to a
	// source of record.
	if len(l.entries) == 0 {
		return nil, false
	}
	if seq+1 < l.entries[0].Sequence {
		return nil, false
	}
	var out []LogEntry
	for _, e := range l.entries {
		if e.Sequence > seq {
			out = append(out, e)
		}
	}
	return out, true
}

func (l *replLog) last() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLocked()
}

func (l *replLog) lastLocked() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Sequence
}

// MasterConfig bundles a Master's tunables.
type MasterConfig struct {
	ListenAddr     string
	Log            LogReader
	Snapshot       SnapshotFunc
	HeartbeatEvery time.Duration
	// LogSize bounds the in-memory replication log ring.
	LogSize int
	// MaxLagSequences: a replica whose HaveSequence trails the master's
	// current offset by more than this triggers a full sync even when
	// the WAL could technically replay the gap.
	MaxLagSequences uint64
	Metrics         *telemetry.Metrics
	Logger          zerolog.Logger
}

type replicaConn struct {
	id        string
	conn      net.Conn
	feed      chan LogEntry
	lastAcked atomic.Uint64
}

// ReplicaStatus is one connected replica's standing as the master sees
// it.
type ReplicaStatus struct {
	ID           string
	LastAcked    uint64
	LagSequences uint64
}

// Master accepts replica connections and streams committed operations to
// each of them in order (component I, master role).
type Master struct {
	cfg MasterConfig
	log *replLog

	mu       sync.Mutex
	replicas map[string]*replicaConn

	listener net.Listener
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewMaster constructs a Master; call Start to begin accepting.
func NewMaster(cfg MasterConfig) *Master {
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = time.Second
	}
	if cfg.MaxLagSequences <= 0 {
		cfg.MaxLagSequences = 100000
	}
	return &Master{
		cfg:      cfg,
		log:      newReplLog(cfg.LogSize),
		replicas: map[string]*replicaConn{},
		stop:     make(chan struct{}),
	}
}

// Start listens on cfg.ListenAddr and accepts replica connections until
// Stop is called.
func (m *Master) Start() error {
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("replication master: listen: %w", err)
	}
	m.listener = ln
	m.wg.Add(1)
	go m.acceptLoop()
	return nil
}

// Stop closes the listener and every replica connection.
func (m *Master) Stop() error {
	close(m.stop)
	var err error
	if m.listener != nil {
		err = m.listener.Close()
	}
	m.mu.Lock()
	for _, rc := range m.replicas {
		rc.conn.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
	return err
}

func (m *Master) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				m.cfg.Logger.Error().Err(err).Msg("replication master: accept failed")
				return
			}
		}
		m.wg.Add(1)
		go m.handleConn(conn)
	}
}

func (m *Master) currentSequence() uint64 {
	if m.cfg.Log != nil {
		return m.cfg.Log.CurrentOffset()
	}
	return m.log.last()
}

func (m *Master) handleConn(conn net.Conn) {
	defer m.wg.Done()
	defer conn.Close()

	cmd, err := ReadFrame(conn)
	if err != nil {
		m.cfg.Logger.Warn().Err(err).Msg("replication master: handshake read failed")
		return
	}
	hs, ok := cmd.(Handshake)
	if !ok {
		m.cfg.Logger.Warn().Msg("replication master: expected handshake")
		return
	}

	current := m.currentSequence()
	if hs.HaveSequence > current {
		// A replica ahead of its master means its history diverged
		// (post-split-brain); truncating silently would destroy writes,
		// so refuse the connection and leave it to the operator.
		m.cfg.Logger.Error().
			Str("replica", hs.ReplicaID).
			Uint64("replica_sequence", hs.HaveSequence).
			Uint64("master_sequence", current).
			Msg("replication master: replica ahead of master, refusing connection")
		return
	}

	rc := &replicaConn{id: hs.ReplicaID, conn: conn, feed: make(chan LogEntry, 4096)}
	m.mu.Lock()
	m.replicas[hs.ReplicaID] = rc
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.replicas, hs.ReplicaID)
		m.mu.Unlock()
	}()

	backlog, err := m.backlogFor(hs, conn, current)
	if err != nil {
		m.cfg.Logger.Error().Err(err).Str("replica", hs.ReplicaID).Msg("replication master: sync setup failed")
		return
	}
	for _, e := range backlog {
		if err := WriteFrame(conn, OpStream{Sequence: e.Sequence, Op: e.Op}); err != nil {
			return
		}
	}

	// Exits when the deferred conn.Close unblocks its read.
	go m.readAcks(conn, rc)

	ticker := time.NewTicker(m.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case entry, ok := <-rc.feed:
			if !ok {
				return
			}
			if err := WriteFrame(conn, OpStream{Sequence: entry.Sequence, Op: entry.Op}); err != nil {
				return
			}
		case <-ticker.C:
			hb := Heartbeat{MasterSequence: m.currentSequence(), SentAt: uint32(time.Now().Unix())}
			if err := WriteFrame(conn, hb); err != nil {
				return
			}
		}
	}
}

// backlogFor decides partial vs full sync and returns the ops to stream
// before switching to the live feed. Partial sync is served from the
// in-memory replication log when it still covers the replica's offset,
// from the WAL when the gap is old but small, and a full snapshot
// transfer otherwise.
func (m *Master) backlogFor(hs Handshake, conn net.Conn, current uint64) ([]LogEntry, error) {
	if entries, ok := m.log.from(hs.HaveSequence); ok {
		return entries, nil
	}
	if m.cfg.Log != nil && current-hs.HaveSequence <= m.cfg.MaxLagSequences {
		return m.cfg.Log.IterFrom(hs.HaveSequence)
	}

	snapBytes, atSeq, err := m.cfg.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot build: %w", err)
	}
	if err := WriteFrame(conn, FullSync{SnapshotBytes: snapBytes, AtSequence: atSeq}); err != nil {
		return nil, err
	}
	// Ops committed while the snapshot streamed are in the ring (the
	// snapshot is younger than anything the ring could have evicted
	// since).
	entries, _ := m.log.from(atSeq)
	return entries, nil
}

func (m *Master) readAcks(conn net.Conn, rc *replicaConn) {
	for {
		cmd, err := ReadFrame(conn)
		if err != nil {
			return
		}
		if ack, ok := cmd.(Ack); ok {
			rc.lastAcked.Store(ack.AppliedSequence)
			if m.cfg.Metrics != nil {
				lag := m.currentSequence() - ack.AppliedSequence
				m.cfg.Metrics.ReplicationLag.WithLabelValues(rc.id).Set(float64(lag))
			}
		}
	}
}

// Broadcast appends a newly committed op to the replication log and
// forwards it to every connected replica's feed. A replica whose feed is
// full has its connection closed rather than blocking the committer; it
// reconnects from its last applied sequence and syncs the gap — callers
// wire Broadcast as the persistence Recorder's BroadcastFunc, invoked
// synchronously right after a WAL append.
func (m *Master) Broadcast(sequence uint64, op ops.Operation) {
	m.log.append(LogEntry{Sequence: sequence, Op: op})
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rc := range m.replicas {
		select {
		case rc.feed <- LogEntry{Sequence: sequence, Op: op}:
		default:
			m.cfg.Logger.Warn().Str("replica", rc.id).Msg("replication master: replica feed full, closing connection so it resyncs")
			rc.conn.Close()
		}
	}
}

// ReplicaIDs returns the currently connected replica identifiers.
func (m *Master) ReplicaIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.replicas))
	for id := range m.replicas {
		out = append(out, id)
	}
	return out
}

// Replicas returns each connected replica's last acked sequence and lag.
func (m *Master) Replicas() []ReplicaStatus {
	current := m.currentSequence()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReplicaStatus, 0, len(m.replicas))
	for id, rc := range m.replicas {
		acked := rc.lastAcked.Load()
		lag := uint64(0)
		if current > acked {
			lag = current - acked
		}
		out = append(out, ReplicaStatus{ID: id, LastAcked: acked, LagSequences: lag})
	}
	return out
}
