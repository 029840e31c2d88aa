// Package ops defines the canonical Operation tagged union carried by
// the WAL (internal/wal), snapshots (internal/snapshot), and the
// replication wire protocol (internal/replication) — spec.md §6.1.
//
// Operation is a tagged union, not an inheritance hierarchy (spec.md
// §9's "variant storage over polymorphism"): every concrete operation
// type implements the Operation interface with a stable one-byte Tag
// and a length-prefixed-field Encode/Decode pair, so the exact same
// bytes that land in the WAL are what a replica receives over the wire.
package ops

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Tag identifies an Operation variant. Stable across versions: a new
// variant gets a new tag, never a reused one (spec.md §6.1 backward
// compatibility note — unknown tags during replay are fatal).
type Tag byte

const (
	TagKvSet Tag = iota + 1
	TagKvDelete
	TagKvBatchSet
	TagKvBatchDelete
	TagKvIncrBy
	TagKvAppend
	TagKvSetRange
	TagKvRename
	TagKvExpire
	TagKvPersist
	TagKvFlush

	TagQueuePublish
	TagQueueAck
	TagQueueNack
	TagQueueCreate
	TagQueueDelete
	TagQueuePurge

	TagStreamCreate
	TagStreamPublish
	TagStreamDelete
)

// Operation is any WAL/snapshot/replication mutation. The interface only
// tags and encodes; applying an Operation is done by the owning
// subsystem's Apply method (kvstore, queue, stream).
type Operation interface {
	Tag() Tag
	Encode(buf *bytes.Buffer)
}

// Encode serialises op as [tag byte][fields...] with no outer length —
// callers (WAL entry writer, snapshot section writer) add their own
// length prefix and checksum around this payload.
func Encode(op Operation) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(op.Tag()))
	op.Encode(&buf)
	return buf.Bytes()
}

// Decode reads one Operation from r, dispatching on the leading tag
// byte. Returns an error naming the unknown tag if it doesn't match a
// known variant — treated as fatal by WAL/snapshot replay.
func Decode(r io.Reader) (Operation, error) {
	var tagByte [1]byte
	if _, err := io.ReadFull(r, tagByte[:]); err != nil {
		return nil, err
	}
	tag := Tag(tagByte[0])
	switch tag {
	case TagKvSet:
		return decodeKvSet(r)
	case TagKvDelete:
		return decodeKvDelete(r)
	case TagKvBatchSet:
		return decodeKvBatchSet(r)
	case TagKvBatchDelete:
		return decodeKvBatchDelete(r)
	case TagKvIncrBy:
		return decodeKvIncrBy(r)
	case TagKvAppend:
		return decodeKvAppend(r)
	case TagKvSetRange:
		return decodeKvSetRange(r)
	case TagKvRename:
		return decodeKvRename(r)
	case TagKvExpire:
		return decodeKvExpire(r)
	case TagKvPersist:
		return decodeKvPersist(r)
	case TagKvFlush:
		return decodeKvFlush(r)
	case TagQueuePublish:
		return decodeQueuePublish(r)
	case TagQueueAck:
		return decodeQueueAck(r)
	case TagQueueNack:
		return decodeQueueNack(r)
	case TagQueueCreate:
		return decodeQueueCreate(r)
	case TagQueueDelete:
		return decodeQueueDelete(r)
	case TagQueuePurge:
		return decodeQueuePurge(r)
	case TagStreamCreate:
		return decodeStreamCreate(r)
	case TagStreamPublish:
		return decodeStreamPublish(r)
	case TagStreamDelete:
		return decodeStreamDelete(r)
	default:
		return nil, fmt.Errorf("ops: unknown tag %d", tag)
	}
}

// --- field primitives -------------------------------------------------

func putBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func putString(buf *bytes.Buffer, s string) { putBytes(buf, []byte(s)) }

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putI64(buf *bytes.Buffer, v int64) { putU64(buf, uint64(v)) }

func putBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func getBytes(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
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

func getI64(r io.Reader) (int64, error) {
	v, err := getU64(r)
	return int64(v), err
}

func getBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// --- KV variants -------------------------------------------------------

type KvSet struct {
	Key   string
	Value []byte
	TTL   uint32 // 0 = no expiry
}

func (KvSet) Tag() Tag { return TagKvSet }
func (o KvSet) Encode(buf *bytes.Buffer) {
	putString(buf, o.Key)
	putBytes(buf, o.Value)
	putU32(buf, o.TTL)
}
func decodeKvSet(r io.Reader) (Operation, error) {
	key, err := getString(r)
	if err != nil {
		return nil, err
	}
	val, err := getBytes(r)
	if err != nil {
		return nil, err
	}
	ttl, err := getU32(r)
	if err != nil {
		return nil, err
	}
	return KvSet{Key: key, Value: val, TTL: ttl}, nil
}

type KvDelete struct{ Key string }

func (KvDelete) Tag() Tag                  { return TagKvDelete }
func (o KvDelete) Encode(buf *bytes.Buffer) { putString(buf, o.Key) }
func decodeKvDelete(r io.Reader) (Operation, error) {
	key, err := getString(r)
	return KvDelete{Key: key}, err
}

type KVPair struct {
	Key   string
	Value []byte
}

type KvBatchSet struct{ Pairs []KVPair }

func (KvBatchSet) Tag() Tag { return TagKvBatchSet }
func (o KvBatchSet) Encode(buf *bytes.Buffer) {
	putU32(buf, uint32(len(o.Pairs)))
	for _, p := range o.Pairs {
		putString(buf, p.Key)
		putBytes(buf, p.Value)
	}
}
func decodeKvBatchSet(r io.Reader) (Operation, error) {
	n, err := getU32(r)
	if err != nil {
		return nil, err
	}
	pairs := make([]KVPair, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := getString(r)
		if err != nil {
			return nil, err
		}
		v, err := getBytes(r)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, KVPair{Key: k, Value: v})
	}
	return KvBatchSet{Pairs: pairs}, nil
}

type KvBatchDelete struct{ Keys []string }

func (KvBatchDelete) Tag() Tag { return TagKvBatchDelete }
func (o KvBatchDelete) Encode(buf *bytes.Buffer) {
	putU32(buf, uint32(len(o.Keys)))
	for _, k := range o.Keys {
		putString(buf, k)
	}
}
func decodeKvBatchDelete(r io.Reader) (Operation, error) {
	n, err := getU32(r)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := getString(r)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return KvBatchDelete{Keys: keys}, nil
}

type KvIncrBy struct {
	Key   string
	Delta int64
}

func (KvIncrBy) Tag() Tag { return TagKvIncrBy }
func (o KvIncrBy) Encode(buf *bytes.Buffer) {
	putString(buf, o.Key)
	putI64(buf, o.Delta)
}
func decodeKvIncrBy(r io.Reader) (Operation, error) {
	key, err := getString(r)
	if err != nil {
		return nil, err
	}
	delta, err := getI64(r)
	return KvIncrBy{Key: key, Delta: delta}, err
}

type KvAppend struct {
	Key    string
	Suffix []byte
}

func (KvAppend) Tag() Tag { return TagKvAppend }
func (o KvAppend) Encode(buf *bytes.Buffer) {
	putString(buf, o.Key)
	putBytes(buf, o.Suffix)
}
func decodeKvAppend(r io.Reader) (Operation, error) {
	key, err := getString(r)
	if err != nil {
		return nil, err
	}
	suf, err := getBytes(r)
	return KvAppend{Key: key, Suffix: suf}, err
}

type KvSetRange struct {
	Key    string
	Offset uint32
	Bytes  []byte
}

func (KvSetRange) Tag() Tag { return TagKvSetRange }
func (o KvSetRange) Encode(buf *bytes.Buffer) {
	putString(buf, o.Key)
	putU32(buf, o.Offset)
	putBytes(buf, o.Bytes)
}
func decodeKvSetRange(r io.Reader) (Operation, error) {
	key, err := getString(r)
	if err != nil {
		return nil, err
	}
	off, err := getU32(r)
	if err != nil {
		return nil, err
	}
	b, err := getBytes(r)
	return KvSetRange{Key: key, Offset: off, Bytes: b}, err
}

type KvRename struct{ From, To string }

func (KvRename) Tag() Tag { return TagKvRename }
func (o KvRename) Encode(buf *bytes.Buffer) {
	putString(buf, o.From)
	putString(buf, o.To)
}
func decodeKvRename(r io.Reader) (Operation, error) {
	from, err := getString(r)
	if err != nil {
		return nil, err
	}
	to, err := getString(r)
	return KvRename{From: from, To: to}, err
}

type KvExpire struct {
	Key string
	TTL uint32
}

func (KvExpire) Tag() Tag { return TagKvExpire }
func (o KvExpire) Encode(buf *bytes.Buffer) {
	putString(buf, o.Key)
	putU32(buf, o.TTL)
}
func decodeKvExpire(r io.Reader) (Operation, error) {
	key, err := getString(r)
	if err != nil {
		return nil, err
	}
	ttl, err := getU32(r)
	return KvExpire{Key: key, TTL: ttl}, err
}

type KvPersist struct{ Key string }

func (KvPersist) Tag() Tag                  { return TagKvPersist }
func (o KvPersist) Encode(buf *bytes.Buffer) { putString(buf, o.Key) }
func decodeKvPersist(r io.Reader) (Operation, error) {
	key, err := getString(r)
	return KvPersist{Key: key}, err
}

type KvFlush struct{}

func (KvFlush) Tag() Tag                  { return TagKvFlush }
func (KvFlush) Encode(buf *bytes.Buffer)   {}
func decodeKvFlush(r io.Reader) (Operation, error) { return KvFlush{}, nil }

// --- Queue variants ------------------------------------------------------

type QueuePublish struct {
	Queue       string
	ID          uuid.UUID
	Payload     []byte
	Priority    uint8
	MaxRetries  uint32
	EnqueuedAt  uint32
}

func (QueuePublish) Tag() Tag { return TagQueuePublish }
func (o QueuePublish) Encode(buf *bytes.Buffer) {
	putString(buf, o.Queue)
	idBytes, _ := o.ID.MarshalBinary()
	putBytes(buf, idBytes)
	putBytes(buf, o.Payload)
	buf.WriteByte(o.Priority)
	putU32(buf, o.MaxRetries)
	putU32(buf, o.EnqueuedAt)
}
func decodeQueuePublish(r io.Reader) (Operation, error) {
	q, err := getString(r)
	if err != nil {
		return nil, err
	}
	idBytes, err := getBytes(r)
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, err
	}
	payload, err := getBytes(r)
	if err != nil {
		return nil, err
	}
	var prioBuf [1]byte
	if _, err := io.ReadFull(r, prioBuf[:]); err != nil {
		return nil, err
	}
	maxRetries, err := getU32(r)
	if err != nil {
		return nil, err
	}
	enqueuedAt, err := getU32(r)
	if err != nil {
		return nil, err
	}
	return QueuePublish{Queue: q, ID: id, Payload: payload, Priority: prioBuf[0], MaxRetries: maxRetries, EnqueuedAt: enqueuedAt}, nil
}

type QueueAck struct {
	Queue string
	ID    uuid.UUID
}

func (QueueAck) Tag() Tag { return TagQueueAck }
func (o QueueAck) Encode(buf *bytes.Buffer) {
	putString(buf, o.Queue)
	idBytes, _ := o.ID.MarshalBinary()
	putBytes(buf, idBytes)
}
func decodeQueueAck(r io.Reader) (Operation, error) {
	q, err := getString(r)
	if err != nil {
		return nil, err
	}
	idBytes, err := getBytes(r)
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(idBytes)
	return QueueAck{Queue: q, ID: id}, err
}

// NackReason distinguishes a consumer-driven nack from a deadline-driven
// one (spec.md §4.E "logged via QueueNack{reason=deadline}").
type NackReason uint8

const (
	NackReasonConsumer NackReason = iota
	NackReasonDeadline
)

type QueueNack struct {
	Queue   string
	ID      uuid.UUID
	Reason  NackReason
	Requeue bool
}

func (QueueNack) Tag() Tag { return TagQueueNack }
func (o QueueNack) Encode(buf *bytes.Buffer) {
	putString(buf, o.Queue)
	idBytes, _ := o.ID.MarshalBinary()
	putBytes(buf, idBytes)
	buf.WriteByte(byte(o.Reason))
	putBool(buf, o.Requeue)
}
func decodeQueueNack(r io.Reader) (Operation, error) {
	q, err := getString(r)
	if err != nil {
		return nil, err
	}
	idBytes, err := getBytes(r)
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, err
	}
	var reasonBuf [1]byte
	if _, err := io.ReadFull(r, reasonBuf[:]); err != nil {
		return nil, err
	}
	requeue, err := getBool(r)
	return QueueNack{Queue: q, ID: id, Reason: NackReason(reasonBuf[0]), Requeue: requeue}, err
}

type QueueConfig struct {
	MaxDepth         uint32
	AckDeadlineSecs  uint32
	DefaultMaxRetries uint32
}

type QueueCreate struct {
	Name   string
	Config QueueConfig
}

func (QueueCreate) Tag() Tag { return TagQueueCreate }
func (o QueueCreate) Encode(buf *bytes.Buffer) {
	putString(buf, o.Name)
	putU32(buf, o.Config.MaxDepth)
	putU32(buf, o.Config.AckDeadlineSecs)
	putU32(buf, o.Config.DefaultMaxRetries)
}
func decodeQueueCreate(r io.Reader) (Operation, error) {
	name, err := getString(r)
	if err != nil {
		return nil, err
	}
	maxDepth, err := getU32(r)
	if err != nil {
		return nil, err
	}
	ackDeadline, err := getU32(r)
	if err != nil {
		return nil, err
	}
	maxRetries, err := getU32(r)
	return QueueCreate{Name: name, Config: QueueConfig{MaxDepth: maxDepth, AckDeadlineSecs: ackDeadline, DefaultMaxRetries: maxRetries}}, err
}

type QueueDelete struct{ Name string }

func (QueueDelete) Tag() Tag                  { return TagQueueDelete }
func (o QueueDelete) Encode(buf *bytes.Buffer) { putString(buf, o.Name) }
func decodeQueueDelete(r io.Reader) (Operation, error) {
	name, err := getString(r)
	return QueueDelete{Name: name}, err
}

type QueuePurge struct{ Name string }

func (QueuePurge) Tag() Tag                  { return TagQueuePurge }
func (o QueuePurge) Encode(buf *bytes.Buffer) { putString(buf, o.Name) }
func decodeQueuePurge(r io.Reader) (Operation, error) {
	name, err := getString(r)
	return QueuePurge{Name: name}, err
}

// --- Stream variants ------------------------------------------------------

type RetentionPolicy struct {
	Kind        RetentionKind
	MaxAgeSecs  uint64
	MaxCount    uint64
	MaxBytes    uint64
}

type RetentionKind uint8

const (
	RetentionInfinite RetentionKind = iota
	RetentionTime
	RetentionCount
	RetentionSize
	RetentionCombined
)

type StreamConfig struct {
	Capacity  uint64
	Retention RetentionPolicy
}

type StreamCreate struct {
	Room   string
	Config StreamConfig
}

func (StreamCreate) Tag() Tag { return TagStreamCreate }
func (o StreamCreate) Encode(buf *bytes.Buffer) {
	putString(buf, o.Room)
	putU64(buf, o.Config.Capacity)
	buf.WriteByte(byte(o.Config.Retention.Kind))
	putU64(buf, o.Config.Retention.MaxAgeSecs)
	putU64(buf, o.Config.Retention.MaxCount)
	putU64(buf, o.Config.Retention.MaxBytes)
}
func decodeStreamCreate(r io.Reader) (Operation, error) {
	room, err := getString(r)
	if err != nil {
		return nil, err
	}
	capacity, err := getU64(r)
	if err != nil {
		return nil, err
	}
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return nil, err
	}
	maxAge, err := getU64(r)
	if err != nil {
		return nil, err
	}
	maxCount, err := getU64(r)
	if err != nil {
		return nil, err
	}
	maxBytes, err := getU64(r)
	if err != nil {
		return nil, err
	}
	return StreamCreate{Room: room, Config: StreamConfig{
		Capacity: capacity,
		Retention: RetentionPolicy{
			Kind: RetentionKind(kindBuf[0]), MaxAgeSecs: maxAge, MaxCount: maxCount, MaxBytes: maxBytes,
		},
	}}, nil
}

type StreamPublish struct {
	Room      string
	Offset    uint64
	EventName string
	Payload   []byte
	Ts        uint32
}

func (StreamPublish) Tag() Tag { return TagStreamPublish }
func (o StreamPublish) Encode(buf *bytes.Buffer) {
	putString(buf, o.Room)
	putU64(buf, o.Offset)
	putString(buf, o.EventName)
	putBytes(buf, o.Payload)
	putU32(buf, o.Ts)
}
func decodeStreamPublish(r io.Reader) (Operation, error) {
	room, err := getString(r)
	if err != nil {
		return nil, err
	}
	offset, err := getU64(r)
	if err != nil {
		return nil, err
	}
	name, err := getString(r)
	if err != nil {
		return nil, err
	}
	payload, err := getBytes(r)
	if err != nil {
		return nil, err
	}
	ts, err := getU32(r)
	return StreamPublish{Room: room, Offset: offset, EventName: name, Payload: payload, Ts: ts}, err
}

type StreamDelete struct{ Room string }

func (StreamDelete) Tag() Tag                  { return TagStreamDelete }
func (o StreamDelete) Encode(buf *bytes.Buffer) { putString(buf, o.Room) }
func decodeStreamDelete(r io.Reader) (Operation, error) {
	room, err := getString(r)
	return StreamDelete{Room: room}, err
}
