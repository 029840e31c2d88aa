// Package snapshot implements a streaming full-state dump with a running
// CRC, and the reader that verifies and replays it back. The format is
// magic, version, timestamp, wal_end_offset, then KV -> Queue -> Stream
// sections in that fixed order, each prefixed by its entry count, with a
// CRC32 finalised at the end.
//
// Built around a streamed, point-in-time state-transfer idiom with a
// length-prefixed record shape, the same shape the WAL uses for its own
// entries.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
	"github.com/synaplabs/synap/internal/errs"
	"github.com/synaplabs/synap/internal/ops"
)

const (
	magic          = "SYNAP002"
	formatVersion  = 1
	sectionKV      = 1
	sectionQueue   = 2
	sectionStream  = 3
)

// KVEntry is one live key at snapshot time. ExpiresAt of 0 means
// Persistent; otherwise it is the absolute unix-seconds expiry.
type KVEntry struct {
	Key       string
	Value     []byte
	ExpiresAt uint32
}

// MessageState distinguishes which deque a queue message was in.
type MessageState uint8

const (
	MessageReady MessageState = iota
	MessageInFlight
	MessageDLQ
)

// QueueMessageEntry is one message in a queue at snapshot time.
type QueueMessageEntry struct {
	ID         uuid.UUID
	Payload    []byte
	Priority   uint8
	EnqueuedAt uint32
	RetryCount uint32
	MaxRetries uint32
	DeadlineAt uint32 // 0 unless State == MessageInFlight
	State      MessageState
}

// QueueStats mirrors the queue manager's cumulative counters.
type QueueStats struct {
	Published uint64
	Acked     uint64
	Nacked    uint64
}

// QueueEntry is one queue's full state.
type QueueEntry struct {
	Name     string
	Config   ops.QueueConfig
	Messages []QueueMessageEntry
	Stats    QueueStats
}

// StreamEventEntry is one event in a room's ring at snapshot time.
type StreamEventEntry struct {
	Offset      uint64
	EventName   string
	Payload     []byte
	PublishedAt uint32
}

// StreamEntry is one room's full state.
type StreamEntry struct {
	Room        string
	Config      ops.StreamConfig
	Events      []StreamEventEntry
	NextOffset  uint64
	MinOffset   uint64
	Subscribers map[string]uint64 // subscriber id -> last consumed offset
}

// State is the full point-in-time dump passed to Write and returned by
// Read.
type State struct {
	CreatedAt    uint64
	WalEndOffset uint64
	KV           []KVEntry
	Queues       []QueueEntry
	Streams      []StreamEntry
}

// crcWriter tees every write into a running CRC32 (IEEE) accumulator.
type crcWriter struct {
	w   io.Writer
	crc uint32
}

func (c *crcWriter) Write(p []byte) (int, error) {
	c.crc = crc32.Update(c.crc, crc32.IEEETable, p)
	return c.w.Write(p)
}

func putU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func putU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func putBytes(w io.Writer, b []byte) error {
	if err := putU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func putString(w io.Writer, s string) error { return putBytes(w, []byte(s)) }

func getU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func getU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func getBytes(r io.Reader) ([]byte, error) {
	n, err := getU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func getString(r io.Reader) (string, error) {
	b, err := getBytes(r)
	return string(b), err
}

// Write streams state to w without materialising the whole encoded form
// in memory: each section is written entry-by-entry directly through the
// CRC tee.
func Write(w io.Writer, state State) error {
	bw := bufio.NewWriter(w)
	cw := &crcWriter{w: bw}

	if _, err := cw.Write([]byte(magic)); err != nil {
		return err
	}
	if err := putU32(cw, formatVersion); err != nil {
		return err
	}
	if err := putU64(cw, state.CreatedAt); err != nil {
		return err
	}
	if err := putU64(cw, state.WalEndOffset); err != nil {
		return err
	}

	if err := writeKVSection(cw, state.KV); err != nil {
		return err
	}
	if err := writeQueueSection(cw, state.Queues); err != nil {
		return err
	}
	if err := writeStreamSection(cw, state.Streams); err != nil {
		return err
	}

	if err := putU32(bw, cw.crc); err != nil {
		return err
	}
	return bw.Flush()
}

func writeKVSection(w io.Writer, entries []KVEntry) error {
	if err := sectionHeader(w, sectionKV, len(entries)); err != nil {
		return err
	}
	for _, e := range entries {
		if err := putString(w, e.Key); err != nil {
			return err
		}
		if err := putBytes(w, e.Value); err != nil {
			return err
		}
		if err := putU32(w, e.ExpiresAt); err != nil {
			return err
		}
	}
	return nil
}

func writeQueueSection(w io.Writer, entries []QueueEntry) error {
	if err := sectionHeader(w, sectionQueue, len(entries)); err != nil {
		return err
	}
	for _, q := range entries {
		if err := putString(w, q.Name); err != nil {
			return err
		}
		if err := putU32(w, q.Config.MaxDepth); err != nil {
			return err
		}
		if err := putU32(w, q.Config.AckDeadlineSecs); err != nil {
			return err
		}
		if err := putU32(w, q.Config.DefaultMaxRetries); err != nil {
			return err
		}
		if err := putU64(w, q.Stats.Published); err != nil {
			return err
		}
		if err := putU64(w, q.Stats.Acked); err != nil {
			return err
		}
		if err := putU64(w, q.Stats.Nacked); err != nil {
			return err
		}
		if err := putU32(w, uint32(len(q.Messages))); err != nil {
			return err
		}
		for _, m := range q.Messages {
			idBytes, _ := m.ID.MarshalBinary()
			if err := putBytes(w, idBytes); err != nil {
				return err
			}
			if err := putBytes(w, m.Payload); err != nil {
				return err
			}
			if _, err := w.Write([]byte{m.Priority}); err != nil {
				return err
			}
			if err := putU32(w, m.EnqueuedAt); err != nil {
				return err
			}
			if err := putU32(w, m.RetryCount); err != nil {
				return err
			}
			if err := putU32(w, m.MaxRetries); err != nil {
				return err
			}
			if err := putU32(w, m.DeadlineAt); err != nil {
				return err
			}
			if _, err := w.Write([]byte{byte(m.State)}); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeStreamSection(w io.Writer, entries []StreamEntry) error {
	if err := sectionHeader(w, sectionStream, len(entries)); err != nil {
		return err
	}
	for _, s := range entries {
		if err := putString(w, s.Room); err != nil {
			return err
		}
		if err := putU64(w, s.Config.Capacity); err != nil {
			return err
		}
		if _, err := w.Write([]byte{byte(s.Config.Retention.Kind)}); err != nil {
			return err
		}
		if err := putU64(w, s.Config.Retention.MaxAgeSecs); err != nil {
			return err
		}
		if err := putU64(w, s.Config.Retention.MaxCount); err != nil {
			return err
		}
		if err := putU64(w, s.Config.Retention.MaxBytes); err != nil {
			return err
		}
		if err := putU64(w, s.NextOffset); err != nil {
			return err
		}
		if err := putU64(w, s.MinOffset); err != nil {
			return err
		}
		if err := putU32(w, uint32(len(s.Events))); err != nil {
			return err
		}
		for _, ev := range s.Events {
			if err := putU64(w, ev.Offset); err != nil {
				return err
			}
			if err := putString(w, ev.EventName); err != nil {
				return err
			}
			if err := putBytes(w, ev.Payload); err != nil {
				return err
			}
			if err := putU32(w, ev.PublishedAt); err != nil {
				return err
			}
		}
		if err := putU32(w, uint32(len(s.Subscribers))); err != nil {
			return err
		}
		for sub, offset := range s.Subscribers {
			if err := putString(w, sub); err != nil {
				return err
			}
			if err := putU64(w, offset); err != nil {
				return err
			}
		}
	}
	return nil
}

func sectionHeader(w io.Writer, tag byte, count int) error {
	if _, err := w.Write([]byte{tag}); err != nil {
		return err
	}
	return putU64(w, uint64(count))
}

// Read parses and verifies a snapshot stream, returning the full decoded
// State. Magic/version/CRC mismatches return *errs.CorruptSnapshot.
func Read(r io.Reader) (*State, error) {
	br := bufio.NewReader(r)
	crc := uint32(0)
	teeRead := func(p []byte) error {
		if _, err := io.ReadFull(br, p); err != nil {
			return err
		}
		crc = crc32.Update(crc, crc32.IEEETable, p)
		return nil
	}

	magicBuf := make([]byte, len(magic))
	if err := teeRead(magicBuf); err != nil {
		return nil, &errs.CorruptSnapshot{Reason: "short read on magic"}
	}
	if string(magicBuf) != magic {
		return nil, &errs.CorruptSnapshot{Reason: "bad magic"}
	}

	version, err := teeU32(teeRead)
	if err != nil {
		return nil, &errs.CorruptSnapshot{Reason: "short read on version"}
	}
	if version != formatVersion {
		return nil, &errs.CorruptSnapshot{Reason: fmt.Sprintf("unsupported version %d", version)}
	}

	createdAt, err := teeU64(teeRead)
	if err != nil {
		return nil, &errs.CorruptSnapshot{Reason: "short read on created_at"}
	}
	walEnd, err := teeU64(teeRead)
	if err != nil {
		return nil, &errs.CorruptSnapshot{Reason: "short read on wal_end_offset"}
	}

	state := &State{CreatedAt: createdAt, WalEndOffset: walEnd}

	if err := readKVSection(teeRead, state); err != nil {
		return nil, err
	}
	if err := readQueueSection(teeRead, state); err != nil {
		return nil, err
	}
	if err := readStreamSection(teeRead, state); err != nil {
		return nil, err
	}

	var wantCRCBuf [4]byte
	if _, err := io.ReadFull(br, wantCRCBuf[:]); err != nil {
		return nil, &errs.CorruptSnapshot{Reason: "short read on trailing crc"}
	}
	wantCRC := binary.BigEndian.Uint32(wantCRCBuf[:])
	if wantCRC != crc {
		return nil, &errs.CorruptSnapshot{Reason: "crc mismatch"}
	}
	return state, nil
}

type teeReadFunc func([]byte) error

func teeU32(tee teeReadFunc) (uint32, error) {
	var b [4]byte
	if err := tee(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func teeU64(tee teeReadFunc) (uint64, error) {
	var b [8]byte
	if err := tee(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func teeBytes(tee teeReadFunc) ([]byte, error) {
	n, err := teeU32(tee)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if err := tee(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func teeString(tee teeReadFunc) (string, error) {
	b, err := teeBytes(tee)
	return string(b), err
}

func teeByte(tee teeReadFunc) (byte, error) {
	var b [1]byte
	if err := tee(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readSectionHeader(tee teeReadFunc, want byte) (uint64, error) {
	tag, err := teeByte(tee)
	if err != nil {
		return 0, &errs.CorruptSnapshot{Reason: "short read on section tag"}
	}
	if tag != want {
		return 0, &errs.CorruptSnapshot{Reason: fmt.Sprintf("expected section %d, got %d", want, tag)}
	}
	count, err := teeU64(tee)
	if err != nil {
		return 0, &errs.CorruptSnapshot{Reason: "short read on section count"}
	}
	return count, nil
}

func readKVSection(tee teeReadFunc, state *State) error {
	count, err := readSectionHeader(tee, sectionKV)
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		key, err := teeString(tee)
		if err != nil {
			return &errs.CorruptSnapshot{Reason: "kv entry key"}
		}
		val, err := teeBytes(tee)
		if err != nil {
			return &errs.CorruptSnapshot{Reason: "kv entry value"}
		}
		exp, err := teeU32(tee)
		if err != nil {
			return &errs.CorruptSnapshot{Reason: "kv entry expiry"}
		}
		state.KV = append(state.KV, KVEntry{Key: key, Value: val, ExpiresAt: exp})
	}
	return nil
}

func readQueueSection(tee teeReadFunc, state *State) error {
	count, err := readSectionHeader(tee, sectionQueue)
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		name, err := teeString(tee)
		if err != nil {
			return &errs.CorruptSnapshot{Reason: "queue name"}
		}
		maxDepth, err := teeU32(tee)
		if err != nil {
			return err
		}
		ackDeadline, err := teeU32(tee)
		if err != nil {
			return err
		}
		maxRetries, err := teeU32(tee)
		if err != nil {
			return err
		}
		published, err := teeU64(tee)
		if err != nil {
			return err
		}
		acked, err := teeU64(tee)
		if err != nil {
			return err
		}
		nacked, err := teeU64(tee)
		if err != nil {
			return err
		}
		msgCount, err := teeU32(tee)
		if err != nil {
			return err
		}
		q := QueueEntry{
			Name:   name,
			Config: ops.QueueConfig{MaxDepth: maxDepth, AckDeadlineSecs: ackDeadline, DefaultMaxRetries: maxRetries},
			Stats:  QueueStats{Published: published, Acked: acked, Nacked: nacked},
		}
		for j := uint32(0); j < msgCount; j++ {
			idBytes, err := teeBytes(tee)
			if err != nil {
				return err
			}
			id, err := uuid.FromBytes(idBytes)
			if err != nil {
				return &errs.CorruptSnapshot{Reason: "queue message id"}
			}
			payload, err := teeBytes(tee)
			if err != nil {
				return err
			}
			priority, err := teeByte(tee)
			if err != nil {
				return err
			}
			enqueuedAt, err := teeU32(tee)
			if err != nil {
				return err
			}
			retryCount, err := teeU32(tee)
			if err != nil {
				return err
			}
			maxRetr, err := teeU32(tee)
			if err != nil {
				return err
			}
			deadline, err := teeU32(tee)
			if err != nil {
				return err
			}
			state8, err := teeByte(tee)
			if err != nil {
				return err
			}
			q.Messages = append(q.Messages, QueueMessageEntry{
				ID: id, Payload: payload, Priority: priority, EnqueuedAt: enqueuedAt,
				RetryCount: retryCount, MaxRetries: maxRetr, DeadlineAt: deadline,
				State: MessageState(state8),
			})
		}
		state.Queues = append(state.Queues, q)
	}
	return nil
}

func readStreamSection(tee teeReadFunc, state *State) error {
	count, err := readSectionHeader(tee, sectionStream)
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		room, err := teeString(tee)
		if err != nil {
			return err
		}
		capacity, err := teeU64(tee)
		if err != nil {
			return err
		}
		retentionKind, err := teeByte(tee)
		if err != nil {
			return err
		}
		maxAge, err := teeU64(tee)
		if err != nil {
			return err
		}
		maxCount, err := teeU64(tee)
		if err != nil {
			return err
		}
		maxBytes, err := teeU64(tee)
		if err != nil {
			return err
		}
		nextOffset, err := teeU64(tee)
		if err != nil {
			return err
		}
		minOffset, err := teeU64(tee)
		if err != nil {
			return err
		}
		evCount, err := teeU32(tee)
		if err != nil {
			return err
		}
		s := StreamEntry{
			Room: room,
			Config: ops.StreamConfig{
				Capacity: capacity,
				Retention: ops.RetentionPolicy{
					Kind: ops.RetentionKind(retentionKind), MaxAgeSecs: maxAge, MaxCount: maxCount, MaxBytes: maxBytes,
				},
			},
			NextOffset:  nextOffset,
			MinOffset:   minOffset,
			Subscribers: map[string]uint64{},
		}
		for j := uint32(0); j < evCount; j++ {
			offset, err := teeU64(tee)
			if err != nil {
				return err
			}
			name, err := teeString(tee)
			if err != nil {
				return err
			}
			payload, err := teeBytes(tee)
			if err != nil {
				return err
			}
			publishedAt, err := teeU32(tee)
			if err != nil {
				return err
			}
			s.Events = append(s.Events, StreamEventEntry{Offset: offset, EventName: name, Payload: payload, PublishedAt: publishedAt})
		}
		subCount, err := teeU32(tee)
		if err != nil {
			return err
		}
		for j := uint32(0); j < subCount; j++ {
			sub, err := teeString(tee)
			if err != nil {
				return err
			}
			offset, err := teeU64(tee)
			if err != nil {
				return err
			}
			s.Subscribers[sub] = offset
		}
		state.Streams = append(state.Streams, s)
	}
	return nil
}
