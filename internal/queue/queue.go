// Package queue implements an ack-based priority queue with retries and
// a dead-letter lane. Ready messages live in a binary heap ordered by
// (priority desc, enqueued_at asc); consuming moves a message into an
// in-flight map with a deadline; ack removes it, nack (or a deadline
// firing) either requeues it or, past MaxRetries, moves it to the DLQ
// deque.
//
// Built around a task-dispatch idiom (one owning goroutine's data
// structures guarded by a single mutex, a deadline-driven background
// sweep) generalized from "one pool per connection shard" to "one set of
// deques per named queue."
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/synaplabs/synap/internal/clockid"
	"github.com/synaplabs/synap/internal/errs"
	"github.com/synaplabs/synap/internal/ops"
	"github.com/synaplabs/synap/internal/persistence"
	"github.com/synaplabs/synap/internal/snapshot"
	"github.com/synaplabs/synap/internal/telemetry"
)

// Message is a queue message as returned to a consumer.
type Message struct {
	ID         uuid.UUID
	Payload    []byte
	Priority   uint8
	EnqueuedAt uint32
	RetryCount uint32
	MaxRetries uint32
	DeadlineAt uint32
}

// Stats reports a queue's per-queue counters.
type Stats struct {
	ReadyDepth    int
	InFlightDepth int
	DLQDepth      int
	Published     uint64
	Acked         uint64
	Nacked        uint64
}

// readyItem is one entry in the ready-messages heap. seq records push
// order and breaks ties between equal priority and equal enqueued_at.
type readyItem struct {
	msg   *Message
	index int
	seq   uint64
}

// readyPushSeq numbers heap pushes so same-second ties come out FIFO.
var readyPushSeq atomic.Uint64

type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority // higher priority first
	}
	if h[i].msg.EnqueuedAt != h[j].msg.EnqueuedAt {
		return h[i].msg.EnqueuedAt < h[j].msg.EnqueuedAt // earlier first
	}
	return h[i].seq < h[j].seq // same second: push order
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *readyHeap) Push(x any) {
	item := x.(*readyItem)
	item.seq = readyPushSeq.Add(1)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Config is a queue's creation-time configuration.
type Config struct {
	MaxDepth          uint32
	AckDeadlineSecs   uint32
	DefaultMaxRetries uint32
}

type namedQueue struct {
	mu        sync.Mutex
	name      string
	config    Config
	ready     readyHeap
	inFlight  map[uuid.UUID]*Message
	dlq       []*Message
	published uint64
	acked     uint64
	nacked    uint64
}

// Manager owns every named queue.
type Manager struct {
	mu      sync.RWMutex
	queues  map[string]*namedQueue
	clock   *clockid.Clock
	rec     *persistence.Recorder
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewManager constructs an empty Manager.
func NewManager(clock *clockid.Clock, rec *persistence.Recorder, metrics *telemetry.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		queues:  map[string]*namedQueue{},
		clock:   clock,
		rec:     rec,
		metrics: metrics,
		logger:  logger,
	}
}

func (m *Manager) getQueue(name string) (*namedQueue, error) {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("queue", name)
	}
	return q, nil
}

// Create registers a new named queue with the given config. Idempotent
// when the existing queue's config matches; errs.ErrAlreadyExists when
// it doesn't.
func (m *Manager) Create(name string, cfg Config) error {
	m.mu.Lock()
	if existing, exists := m.queues[name]; exists {
		same := existing.config == cfg
		m.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("queue %q with different config: %w", name, errs.ErrAlreadyExists)
	}
	m.mu.Unlock()

	op := ops.QueueCreate{Name: name, Config: ops.QueueConfig{
		MaxDepth:          cfg.MaxDepth,
		AckDeadlineSecs:   cfg.AckDeadlineSecs,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	}}
	if _, err := m.rec.Commit(op); err != nil {
		return err
	}
	m.applyCreate(name, cfg)
	return nil
}

func (m *Manager) applyCreate(name string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[name]; exists {
		return
	}
	m.queues[name] = &namedQueue{
		name:     name,
		config:   cfg,
		inFlight: map[uuid.UUID]*Message{},
	}
}

// Delete removes a queue and all its messages.
func (m *Manager) Delete(name string) error {
	if _, err := m.getQueue(name); err != nil {
		return err
	}
	if _, err := m.rec.Commit(ops.QueueDelete{Name: name}); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.queues, name)
	m.mu.Unlock()
	return nil
}

// Purge drops a queue's ready and in-flight messages. The DLQ is kept —
// dead-lettered messages outlive a purge so they can still be inspected.
func (m *Manager) Purge(name string) error {
	q, err := m.getQueue(name)
	if err != nil {
		return err
	}
	if _, err := m.rec.Commit(ops.QueuePurge{Name: name}); err != nil {
		return err
	}
	q.mu.Lock()
	q.ready = nil
	q.inFlight = map[uuid.UUID]*Message{}
	q.mu.Unlock()
	return nil
}

// List returns every queue name, newest-created order is not
// guaranteed — callers that need order should sort.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for n := range m.queues {
		names = append(names, n)
	}
	return names
}

// Publish enqueues payload at the given priority, returning the
// assigned message id. Fails with errs.ErrQueueFull once MaxDepth
// (ready+in-flight) is reached.
func (m *Manager) Publish(name string, payload []byte, priority uint8, maxRetries *uint32) (uuid.UUID, error) {
	q, err := m.getQueue(name)
	if err != nil {
		return uuid.Nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.config.MaxDepth > 0 && uint32(len(q.ready)+len(q.inFlight)) >= q.config.MaxDepth {
		return uuid.Nil, errs.ErrQueueFull
	}

	retries := q.config.DefaultMaxRetries
	if maxRetries != nil {
		retries = *maxRetries
	}

	id := clockid.NewMessageID()
	now := m.nowU32()
	op := ops.QueuePublish{
		Queue: name, ID: id, Payload: payload, Priority: priority,
		MaxRetries: retries, EnqueuedAt: now,
	}
	if _, err := m.rec.Commit(op); err != nil {
		return uuid.Nil, err
	}
	m.applyPublishLocked(q, op)
	m.countMetric(func() { m.metrics.QueuePublished.WithLabelValues(name).Inc() })
	return id, nil
}

func (m *Manager) applyPublishLocked(q *namedQueue, op ops.QueuePublish) {
	msg := &Message{
		ID: op.ID, Payload: op.Payload, Priority: op.Priority,
		EnqueuedAt: op.EnqueuedAt, MaxRetries: op.MaxRetries,
	}
	heap.Push(&q.ready, &readyItem{msg: msg})
	q.published++
}

// Consume pops the single highest-priority, earliest-enqueued ready
// message and moves it to in-flight with a fresh ack deadline. Returns
// errs.ErrNotFound if the queue is empty — not an error condition,
// callers poll or block externally. consumerID identifies the caller in
// logs; delivery itself is identical for every consumer.
func (m *Manager) Consume(name, consumerID string) (*Message, error) {
	q, err := m.getQueue(name)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 {
		return nil, errs.NotFound("message", "")
	}
	item := heap.Pop(&q.ready).(*readyItem)
	msg := item.msg
	msg.DeadlineAt = m.nowU32() + q.config.AckDeadlineSecs
	q.inFlight[msg.ID] = msg

	m.logger.Debug().Str("queue", name).Str("consumer", consumerID).Str("message_id", msg.ID.String()).Msg("message delivered")
	out := *msg
	return &out, nil
}

// Ack permanently removes an in-flight message. Errors with
// errs.ErrMessageGone if it isn't in flight (already acked, nacked past
// retries, or never consumed); ack is not idempotent.
func (m *Manager) Ack(name string, id uuid.UUID) error {
	q, err := m.getQueue(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[id]; !ok {
		return errs.ErrMessageGone
	}
	if _, err := m.rec.Commit(ops.QueueAck{Queue: name, ID: id}); err != nil {
		return err
	}
	delete(q.inFlight, id)
	q.acked++
	m.countMetric(func() { m.metrics.QueueAcked.WithLabelValues(name).Inc() })
	return nil
}

// Nack returns an in-flight message to ready (if under MaxRetries) or to
// the DLQ (otherwise). requeue=false forces the DLQ regardless of retry
// count, for a consumer that knows the message is poisoned.
func (m *Manager) Nack(name string, id uuid.UUID, requeue bool) error {
	q, err := m.getQueue(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return m.nackLocked(q, name, id, ops.NackReasonConsumer, requeue)
}

// nackLocked must be called with q.mu held.
func (m *Manager) nackLocked(q *namedQueue, name string, id uuid.UUID, reason ops.NackReason, requeue bool) error {
	msg, ok := q.inFlight[id]
	if !ok {
		return errs.ErrMessageGone
	}
	op := ops.QueueNack{Queue: name, ID: id, Reason: reason, Requeue: requeue}
	if _, err := m.rec.Commit(op); err != nil {
		return err
	}
	delete(q.inFlight, id)
	q.nacked++

	msg.RetryCount++
	msg.DeadlineAt = 0
	if requeue && msg.RetryCount <= msg.MaxRetries {
		heap.Push(&q.ready, &readyItem{msg: msg})
	} else {
		q.dlq = append(q.dlq, msg)
	}
	m.countMetric(func() { m.metrics.QueueNacked.WithLabelValues(name).Inc() })
	return nil
}

// Stats returns a point-in-time snapshot of one queue's depths and
// cumulative counters.
func (m *Manager) Stats(name string) (Stats, error) {
	q, err := m.getQueue(name)
	if err != nil {
		return Stats{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		ReadyDepth:    len(q.ready),
		InFlightDepth: len(q.inFlight),
		DLQDepth:      len(q.dlq),
		Published:     q.published,
		Acked:         q.acked,
		Nacked:        q.nacked,
	}, nil
}

func (m *Manager) nowU32() uint32 {
	if m.clock == nil {
		return uint32(time.Now().Unix())
	}
	return m.clock.NowUnixSecs()
}

func (m *Manager) countMetric(f func()) {
	if m.metrics != nil {
		f()
	}
}

// Apply mutates in-memory state from an already-logged op — WAL replay
// or replica apply.
func (m *Manager) Apply(op ops.Operation) error {
	switch o := op.(type) {
	case ops.QueueCreate:
		m.applyCreate(o.Name, Config{
			MaxDepth: o.Config.MaxDepth, AckDeadlineSecs: o.Config.AckDeadlineSecs,
			DefaultMaxRetries: o.Config.DefaultMaxRetries,
		})
	case ops.QueueDelete:
		m.mu.Lock()
		delete(m.queues, o.Name)
		m.mu.Unlock()
	case ops.QueuePurge:
		q, err := m.getQueue(o.Name)
		if err != nil {
			return nil
		}
		q.mu.Lock()
		q.ready = nil
		q.inFlight = map[uuid.UUID]*Message{}
		q.mu.Unlock()
	case ops.QueuePublish:
		q, err := m.getQueue(o.Queue)
		if err != nil {
			return nil
		}
		q.mu.Lock()
		m.applyPublishLocked(q, o)
		q.mu.Unlock()
	case ops.QueueAck:
		// Consumes are never logged, so during replay an acked message
		// sits in ready, not in-flight — it must still be removed, or
		// every acked message would resurrect on restart.
		q, err := m.getQueue(o.Queue)
		if err != nil {
			return nil
		}
		q.mu.Lock()
		if _, ok := q.inFlight[o.ID]; ok {
			delete(q.inFlight, o.ID)
		} else {
			q.removeReadyLocked(o.ID)
		}
		q.acked++
		q.mu.Unlock()
	case ops.QueueNack:
		q, err := m.getQueue(o.Queue)
		if err != nil {
			return nil
		}
		q.mu.Lock()
		msg, ok := q.inFlight[o.ID]
		if ok {
			delete(q.inFlight, o.ID)
		} else {
			msg = q.removeReadyLocked(o.ID)
		}
		if msg != nil {
			q.nacked++
			msg.RetryCount++
			msg.DeadlineAt = 0
			if o.Requeue && msg.RetryCount <= msg.MaxRetries {
				heap.Push(&q.ready, &readyItem{msg: msg})
			} else {
				q.dlq = append(q.dlq, msg)
			}
		}
		q.mu.Unlock()
	}
	return nil
}

// removeReadyLocked pops the ready-heap entry for id, if present. Must
// be called with q.mu held.
func (q *namedQueue) removeReadyLocked(id uuid.UUID) *Message {
	for _, item := range q.ready {
		if item.msg.ID == id {
			heap.Remove(&q.ready, item.index)
			return item.msg
		}
	}
	return nil
}

// RunDeadlineSweeper periodically scans every queue's in-flight messages
// and nacks any whose ack deadline has passed, recorded with
// NackReasonDeadline so replay distinguishes a timeout from a consumer's
// explicit nack.
func (m *Manager) RunDeadlineSweeper(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("queue deadline sweeper panic recovered")
		}
	}()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepDeadlinesOnce(logger)
		}
	}
}

func (m *Manager) sweepDeadlinesOnce(logger zerolog.Logger) {
	m.mu.RLock()
	queues := make([]*namedQueue, 0, len(m.queues))
	names := make([]string, 0, len(m.queues))
	for name, q := range m.queues {
		queues = append(queues, q)
		names = append(names, name)
	}
	m.mu.RUnlock()

	now := m.nowU32()
	for i, q := range queues {
		q.mu.Lock()
		var expired []uuid.UUID
		for id, msg := range q.inFlight {
			if msg.DeadlineAt != 0 && msg.DeadlineAt <= now {
				expired = append(expired, id)
			}
		}
		for _, id := range expired {
			if err := m.nackLocked(q, names[i], id, ops.NackReasonDeadline, true); err != nil {
				logger.Warn().Err(err).Str("queue", names[i]).Str("message_id", id.String()).Msg("deadline auto-nack failed")
			}
		}
		q.mu.Unlock()
	}
}

// --- snapshot integration ------------------------------------------------

// Dump returns every queue's full state for a snapshot.
func (m *Manager) Dump() []snapshot.QueueEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]snapshot.QueueEntry, 0, len(m.queues))
	for name, q := range m.queues {
		q.mu.Lock()
		entry := snapshot.QueueEntry{
			Name: name,
			Config: ops.QueueConfig{
				MaxDepth: q.config.MaxDepth, AckDeadlineSecs: q.config.AckDeadlineSecs,
				DefaultMaxRetries: q.config.DefaultMaxRetries,
			},
			Stats: snapshot.QueueStats{Published: q.published, Acked: q.acked, Nacked: q.nacked},
		}
		for _, item := range q.ready {
			entry.Messages = append(entry.Messages, messageEntry(item.msg, snapshot.MessageReady))
		}
		for _, msg := range q.inFlight {
			entry.Messages = append(entry.Messages, messageEntry(msg, snapshot.MessageInFlight))
		}
		for _, msg := range q.dlq {
			entry.Messages = append(entry.Messages, messageEntry(msg, snapshot.MessageDLQ))
		}
		q.mu.Unlock()
		out = append(out, entry)
	}
	return out
}

func messageEntry(msg *Message, state snapshot.MessageState) snapshot.QueueMessageEntry {
	return snapshot.QueueMessageEntry{
		ID: msg.ID, Payload: msg.Payload, Priority: msg.Priority,
		EnqueuedAt: msg.EnqueuedAt, RetryCount: msg.RetryCount, MaxRetries: msg.MaxRetries,
		DeadlineAt: msg.DeadlineAt, State: state,
	}
}

// Load restores every queue from a snapshot's queue section.
func (m *Manager) Load(entries []snapshot.QueueEntry) {
	for _, e := range entries {
		m.applyCreate(e.Name, Config{
			MaxDepth: e.Config.MaxDepth, AckDeadlineSecs: e.Config.AckDeadlineSecs,
			DefaultMaxRetries: e.Config.DefaultMaxRetries,
		})
		m.mu.RLock()
		q := m.queues[e.Name]
		m.mu.RUnlock()
		q.mu.Lock()
		q.published, q.acked, q.nacked = e.Stats.Published, e.Stats.Acked, e.Stats.Nacked
		for _, me := range e.Messages {
			msg := &Message{
				ID: me.ID, Payload: me.Payload, Priority: me.Priority,
				EnqueuedAt: me.EnqueuedAt, RetryCount: me.RetryCount,
				MaxRetries: me.MaxRetries, DeadlineAt: me.DeadlineAt,
			}
			switch me.State {
			case snapshot.MessageReady:
				heap.Push(&q.ready, &readyItem{msg: msg})
			case snapshot.MessageInFlight:
				q.inFlight[msg.ID] = msg
			case snapshot.MessageDLQ:
				q.dlq = append(q.dlq, msg)
			}
		}
		q.mu.Unlock()
	}
}
