// Package stream implements bounded, offset-addressed event rooms with
// independent subscriber cursors and pluggable retention. Each room is a
// ring buffer keyed by a monotonically increasing offset; publish evicts
// from the low end under retention pressure or capacity, never under
// backpressure from a slow subscriber — a subscriber that falls behind
// is clamped forward to the room's min offset on its next consume
// instead of blocking the room.
//
// Built around replaying a bounded backlog to late subscribers (each room
// guarded by its own mutex), generalized from "replay the last N messages to a
// newly connected client" to "every subscriber tracks and advances its
// own read offset independently."
package stream

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/synaplabs/synap/internal/clockid"
	"github.com/synaplabs/synap/internal/errs"
	"github.com/synaplabs/synap/internal/ops"
	"github.com/synaplabs/synap/internal/persistence"
	"github.com/synaplabs/synap/internal/snapshot"
	"github.com/synaplabs/synap/internal/telemetry"
)

// Event is one published event as returned to a subscriber.
type Event struct {
	Offset      uint64
	EventName   string
	Payload     []byte
	PublishedAt uint32
}

// RetentionKind selects how a room prunes old events.
type RetentionKind = ops.RetentionKind

const (
	RetentionInfinite = ops.RetentionInfinite
	RetentionTime     = ops.RetentionTime
	RetentionCount    = ops.RetentionCount
	RetentionSize     = ops.RetentionSize
	RetentionCombined = ops.RetentionCombined
)

// Retention mirrors ops.RetentionPolicy for callers outside this module.
type Retention struct {
	Kind       RetentionKind
	MaxAgeSecs uint64
	MaxCount   uint64
	MaxBytes   uint64
}

// Config is a room's creation-time configuration.
type Config struct {
	Capacity  uint64
	Retention Retention
}

// Stats reports a room's per-room counters.
type Stats struct {
	EventCount      int
	MinOffset       uint64
	NextOffset      uint64
	SubscriberCount int
}

// logRewriteAfterPrunes is how many evictions a room accumulates before
// its durable log is rewritten to shed pruned events.
const logRewriteAfterPrunes = 4096

type room struct {
	mu          sync.Mutex
	name        string
	config      Config
	events      []Event // ordered ascending by Offset; events[0].Offset == minOffset once non-empty
	nextOffset  uint64
	minOffset   uint64
	subscribers map[string]uint64 // subscriber id -> next-to-read offset
	totalBytes  uint64

	log               *roomLog
	prunedSinceRewrite uint64
}

// ManagerConfig bundles the Manager's process-wide tunables.
type ManagerConfig struct {
	Clock           *clockid.Clock
	Recorder        *persistence.Recorder
	Metrics         *telemetry.Metrics
	DefaultCapacity uint64 // applied when a room is created with Capacity 0
	Dir             string // per-room durable log directory; empty disables the logs
}

// Manager owns every room (component F).
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	cfg     ManagerConfig
	logger  zerolog.Logger
}

// NewManager constructs an empty Manager.
func NewManager(cfg ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg.DefaultCapacity == 0 {
		cfg.DefaultCapacity = 10000
	}
	return &Manager{
		rooms:  map[string]*room{},
		cfg:    cfg,
		logger: logger,
	}
}

func (m *Manager) getRoom(name string) (*room, error) {
	m.mu.RLock()
	r, ok := m.rooms[name]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("room", name)
	}
	return r, nil
}

// CreateRoom registers a new room. A zero Capacity takes the manager's
// default. Idempotent when the existing room's config matches.
func (m *Manager) CreateRoom(name string, cfg Config) error {
	if cfg.Capacity == 0 {
		cfg.Capacity = m.cfg.DefaultCapacity
	}
	m.mu.Lock()
	if existing, ok := m.rooms[name]; ok {
		same := existing.config == cfg
		m.mu.Unlock()
		if same {
			return nil
		}
		return errs.ErrAlreadyExists
	}
	m.mu.Unlock()

	op := ops.StreamCreate{Room: name, Config: ops.StreamConfig{
		Capacity: cfg.Capacity,
		Retention: ops.RetentionPolicy{
			Kind: cfg.Retention.Kind, MaxAgeSecs: cfg.Retention.MaxAgeSecs,
			MaxCount: cfg.Retention.MaxCount, MaxBytes: cfg.Retention.MaxBytes,
		},
	}}
	if _, err := m.cfg.Recorder.Commit(op); err != nil {
		return err
	}
	m.applyCreateRoom(name, cfg)
	return nil
}

func (m *Manager) applyCreateRoom(name string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rooms[name]; exists {
		return
	}
	// Offsets are 1-based: the first published event gets offset 1, so
	// a fresh room reports minOffset == nextOffset == 1 and the ring
	// invariant minOffset + count == nextOffset holds from the start.
	m.rooms[name] = &room{
		name:        name,
		config:      cfg,
		nextOffset:  1,
		minOffset:   1,
		subscribers: map[string]uint64{},
	}
}

// DeleteRoom removes a room, all of its events and subscriber state, and
// its durable log file.
func (m *Manager) DeleteRoom(name string) error {
	if _, err := m.getRoom(name); err != nil {
		return err
	}
	if _, err := m.cfg.Recorder.Commit(ops.StreamDelete{Room: name}); err != nil {
		return err
	}
	m.applyDeleteRoom(name)
	return nil
}

func (m *Manager) applyDeleteRoom(name string) {
	m.mu.Lock()
	r, ok := m.rooms[name]
	delete(m.rooms, name)
	m.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	if r.log != nil {
		r.log.close()
		r.log = nil
	}
	r.mu.Unlock()
	if m.cfg.Dir != "" {
		if err := os.Remove(m.logPath(name)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn().Err(err).Str("room", name).Msg("stream: remove room log failed")
		}
	}
}

// ListRooms returns every room name.
func (m *Manager) ListRooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.rooms))
	for n := range m.rooms {
		names = append(names, n)
	}
	return names
}

// Publish appends an event to room, returning its assigned offset.
func (m *Manager) Publish(name, eventName string, payload []byte) (uint64, error) {
	r, err := m.getRoom(name)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := m.nowU32()
	offset := r.nextOffset
	op := ops.StreamPublish{Room: name, Offset: offset, EventName: eventName, Payload: payload, Ts: ts}
	if _, err := m.cfg.Recorder.Commit(op); err != nil {
		return 0, err
	}
	m.applyPublishLocked(r, op)
	m.countMetric(func() { m.cfg.Metrics.StreamPublished.WithLabelValues(name).Inc() })
	return offset, nil
}

// applyPublishLocked must be called with r.mu held. Already-applied
// offsets are skipped so replaying the same op from both the WAL and the
// room's durable log stays harmless.
func (m *Manager) applyPublishLocked(r *room, op ops.StreamPublish) {
	if op.Offset < r.nextOffset {
		return
	}
	ev := Event{Offset: op.Offset, EventName: op.EventName, Payload: op.Payload, PublishedAt: op.Ts}
	r.events = append(r.events, ev)
	r.nextOffset = op.Offset + 1
	r.totalBytes += uint64(len(op.Payload))
	m.appendRoomLogLocked(r, ev)
	r.pruneLocked(m.nowU32())
}

// pruneLocked enforces capacity and retention, called with r.mu held.
func (r *room) pruneLocked(now uint32) {
	for len(r.events) > 0 && r.overCapacityLocked() {
		r.evictOldestLocked()
	}
	switch r.config.Retention.Kind {
	case RetentionTime:
		maxAge := r.config.Retention.MaxAgeSecs
		for len(r.events) > 0 && uint64(now)-uint64(r.events[0].PublishedAt) > maxAge {
			r.evictOldestLocked()
		}
	case RetentionCount:
		for uint64(len(r.events)) > r.config.Retention.MaxCount {
			r.evictOldestLocked()
		}
	case RetentionSize:
		for r.totalBytes > r.config.Retention.MaxBytes && len(r.events) > 0 {
			r.evictOldestLocked()
		}
	case RetentionCombined:
		maxAge := r.config.Retention.MaxAgeSecs
		for len(r.events) > 0 && (uint64(now)-uint64(r.events[0].PublishedAt) > maxAge ||
			uint64(len(r.events)) > r.config.Retention.MaxCount ||
			r.totalBytes > r.config.Retention.MaxBytes) {
			r.evictOldestLocked()
		}
	}
}

func (r *room) overCapacityLocked() bool {
	return r.config.Capacity > 0 && uint64(len(r.events)) > r.config.Capacity
}

func (r *room) evictOldestLocked() {
	ev := r.events[0]
	r.totalBytes -= uint64(len(ev.Payload))
	r.events = r.events[1:]
	r.minOffset = ev.Offset + 1
	r.prunedSinceRewrite++
}

// Subscribe registers subscriberID at startOffset (typically the room's
// current NextOffset, for "only new events").
func (m *Manager) Subscribe(name, subscriberID string, startOffset uint64) error {
	r, err := m.getRoom(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[subscriberID] = startOffset
	return nil
}

// Unsubscribe forgets a subscriber's cursor.
func (m *Manager) Unsubscribe(name, subscriberID string) error {
	r, err := m.getRoom(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.subscribers, subscriberID)
	r.mu.Unlock()
	return nil
}

// Consume returns up to limit events starting at fromOffset (when
// non-nil) or the subscriber's stored cursor, and advances the cursor
// past what it returns. A subscriber not yet registered is registered on
// first consume. A start below the room's retained window is clamped
// forward to MinOffset — callers detect the gap because the first
// returned offset is greater than what they asked for.
func (m *Manager) Consume(name, subscriberID string, fromOffset *uint64, limit int) ([]Event, error) {
	r, err := m.getRoom(name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cursor, registered := r.subscribers[subscriberID]
	if fromOffset != nil {
		cursor = *fromOffset
	} else if !registered {
		cursor = r.minOffset
	}
	if cursor < r.minOffset {
		cursor = r.minOffset
	}
	if !registered {
		r.subscribers[subscriberID] = cursor
	}

	startIdx := int(cursor - r.minOffset)
	if startIdx >= len(r.events) {
		r.subscribers[subscriberID] = cursor
		return nil, nil
	}
	end := startIdx + limit
	if limit <= 0 || end > len(r.events) {
		end = len(r.events)
	}
	out := make([]Event, end-startIdx)
	copy(out, r.events[startIdx:end])
	for i := range out {
		out[i].Payload = append([]byte(nil), out[i].Payload...)
	}
	r.subscribers[subscriberID] = out[len(out)-1].Offset + 1
	return out, nil
}

// Stats returns a point-in-time snapshot of one room.
func (m *Manager) Stats(name string) (Stats, error) {
	r, err := m.getRoom(name)
	if err != nil {
		return Stats{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		EventCount:      len(r.events),
		MinOffset:       r.minOffset,
		NextOffset:      r.nextOffset,
		SubscriberCount: len(r.subscribers),
	}, nil
}

func (m *Manager) nowU32() uint32 {
	if m.cfg.Clock == nil {
		return uint32(time.Now().Unix())
	}
	return m.cfg.Clock.NowUnixSecs()
}

func (m *Manager) countMetric(f func()) {
	if m.cfg.Metrics != nil {
		f()
	}
}

// Apply mutates in-memory state from an already-logged op.
func (m *Manager) Apply(op ops.Operation) error {
	switch o := op.(type) {
	case ops.StreamCreate:
		m.applyCreateRoom(o.Room, Config{
			Capacity: o.Config.Capacity,
			Retention: Retention{
				Kind: o.Config.Retention.Kind, MaxAgeSecs: o.Config.Retention.MaxAgeSecs,
				MaxCount: o.Config.Retention.MaxCount, MaxBytes: o.Config.Retention.MaxBytes,
			},
		})
	case ops.StreamDelete:
		m.applyDeleteRoom(o.Room)
	case ops.StreamPublish:
		r, err := m.getRoom(o.Room)
		if err != nil {
			return nil
		}
		r.mu.Lock()
		m.applyPublishLocked(r, o)
		r.mu.Unlock()
	}
	return nil
}

// RunCompactor periodically applies time-based retention even to rooms
// that aren't currently being published to, so idle rooms still shed
// aged-out events — retention would otherwise only be enforced on the
// publish path. It also rewrites room logs that have accumulated enough
// pruned entries, keeping the on-disk log mirroring retention.
func (m *Manager) RunCompactor(interval time.Duration, stop <-chan struct{}, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("stream compactor panic recovered")
		}
	}()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.compactOnce()
		}
	}
}

func (m *Manager) compactOnce() {
	m.mu.RLock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()
	now := m.nowU32()
	for _, r := range rooms {
		r.mu.Lock()
		r.pruneLocked(now)
		m.maybeRewriteLogLocked(r)
		r.mu.Unlock()
	}
}

// --- snapshot integration ------------------------------------------------

// Dump returns every room's full state for a snapshot.
func (m *Manager) Dump() []snapshot.StreamEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]snapshot.StreamEntry, 0, len(m.rooms))
	for name, r := range m.rooms {
		r.mu.Lock()
		entry := snapshot.StreamEntry{
			Room: name,
			Config: ops.StreamConfig{
				Capacity: r.config.Capacity,
				Retention: ops.RetentionPolicy{
					Kind: r.config.Retention.Kind, MaxAgeSecs: r.config.Retention.MaxAgeSecs,
					MaxCount: r.config.Retention.MaxCount, MaxBytes: r.config.Retention.MaxBytes,
				},
			},
			NextOffset:  r.nextOffset,
			MinOffset:   r.minOffset,
			Subscribers: map[string]uint64{},
		}
		for _, ev := range r.events {
			entry.Events = append(entry.Events, snapshot.StreamEventEntry{
				Offset: ev.Offset, EventName: ev.EventName, Payload: ev.Payload, PublishedAt: ev.PublishedAt,
			})
		}
		for sub, cursor := range r.subscribers {
			entry.Subscribers[sub] = cursor
		}
		r.mu.Unlock()
		out = append(out, entry)
	}
	return out
}

// Load restores every room from a snapshot's stream section.
func (m *Manager) Load(entries []snapshot.StreamEntry) {
	for _, e := range entries {
		m.applyCreateRoom(e.Room, Config{
			Capacity: e.Config.Capacity,
			Retention: Retention{
				Kind: e.Config.Retention.Kind, MaxAgeSecs: e.Config.Retention.MaxAgeSecs,
				MaxCount: e.Config.Retention.MaxCount, MaxBytes: e.Config.Retention.MaxBytes,
			},
		})
		m.mu.RLock()
		r := m.rooms[e.Room]
		m.mu.RUnlock()
		r.mu.Lock()
		r.nextOffset = e.NextOffset
		r.minOffset = e.MinOffset
		for _, ee := range e.Events {
			ev := Event{Offset: ee.Offset, EventName: ee.EventName, Payload: ee.Payload, PublishedAt: ee.PublishedAt}
			r.events = append(r.events, ev)
			r.totalBytes += uint64(len(ev.Payload))
		}
		for sub, cursor := range e.Subscribers {
			r.subscribers[sub] = cursor
		}
		r.mu.Unlock()
	}
}

// --- durable per-room log ------------------------------------------------

func (m *Manager) logPath(name string) string {
	return filepath.Join(m.cfg.Dir, encodeRoomFile(name))
}

// appendRoomLogLocked appends ev to r's durable log, opening it lazily.
// Failures are logged, not fatal: the WAL already guarantees durability,
// the room log exists to make replay and full sync cheap.
func (m *Manager) appendRoomLogLocked(r *room, ev Event) {
	if m.cfg.Dir == "" {
		return
	}
	if r.log == nil {
		l, err := openRoomLog(m.logPath(r.name))
		if err != nil {
			m.logger.Warn().Err(err).Str("room", r.name).Msg("stream: open room log failed")
			return
		}
		r.log = l
	}
	if err := r.log.append(ev); err != nil {
		m.logger.Warn().Err(err).Str("room", r.name).Msg("stream: room log append failed")
	}
}

// maybeRewriteLogLocked rewrites r's log from the retained ring once
// enough pruned entries have accumulated, mirroring retention on disk.
func (m *Manager) maybeRewriteLogLocked(r *room) {
	if r.log == nil || r.prunedSinceRewrite < logRewriteAfterPrunes {
		return
	}
	if err := r.log.rewrite(r.events); err != nil {
		m.logger.Warn().Err(err).Str("room", r.name).Msg("stream: room log rewrite failed")
		return
	}
	r.prunedSinceRewrite = 0
}

// RecoverLogs replays each existing room's durable log into its ring,
// picking up events the snapshot/WAL pass didn't already restore. Rooms
// themselves come from the snapshot and WAL (StreamCreate is logged
// there); the per-room log carries only events.
func (m *Manager) RecoverLogs() error {
	if m.cfg.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return err
	}
	m.mu.RLock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	for _, r := range rooms {
		path := m.logPath(r.name)
		events, err := readRoomLog(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		r.mu.Lock()
		for _, ev := range events {
			if ev.Offset < r.nextOffset {
				continue
			}
			r.events = append(r.events, ev)
			r.nextOffset = ev.Offset + 1
			r.totalBytes += uint64(len(ev.Payload))
		}
		r.pruneLocked(m.nowU32())
		r.mu.Unlock()
	}
	return nil
}

// Close releases every room's durable log handle.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rooms {
		r.mu.Lock()
		if r.log != nil {
			r.log.close()
			r.log = nil
		}
		r.mu.Unlock()
	}
}
