// Package kvstore implements a many-shard in-memory key-value store with
// TTL, atomic counters, batch ops, and prefix scans. Sharding and the
// shard-count-indexed lock model generalize a per-shard isolation idiom
// (one independently-locked partition per shard) from a connection
// partition to a keyspace partition.
package kvstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strconv"
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

// storedValue collapses the persistent/expiring distinction into a
// single struct: ExpiresAt == 0 means Persistent, otherwise Expiring.
type storedValue struct {
	value     []byte
	expiresAt uint32 // unix seconds, 0 = no TTL
}

func (sv *storedValue) isExpired(now uint32) bool {
	return sv.expiresAt != 0 && sv.expiresAt <= now
}

type keyedStore interface {
	get(key string) (*storedValue, bool)
	set(key string, v *storedValue) bool // returns true if newly inserted
	delete(key string) bool
	len() int
	scanPrefix(prefix string, limit int) []string
	keys() []string
}

type mapStore map[string]*storedValue

func (m mapStore) get(key string) (*storedValue, bool) { v, ok := m[key]; return v, ok }
func (m mapStore) delete(key string) bool {
	_, ok := m[key]
	delete(m, key)
	return ok
}
func (m mapStore) len() int { return len(m) }
func (m mapStore) set(key string, v *storedValue) bool {
	_, existed := m[key]
	m[key] = v
	return !existed
}
func (m mapStore) scanPrefix(prefix string, limit int) []string {
	keys := m.sortedKeys()
	idx := sort.SearchStrings(keys, prefix)
	var out []string
	for ; idx < len(keys); idx++ {
		if len(keys[idx]) < len(prefix) || keys[idx][:len(prefix)] != prefix {
			break
		}
		out = append(out, keys[idx])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
func (m mapStore) keys() []string { return m.sortedKeys() }
func (m mapStore) sortedKeys() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type trieStore struct{ t *radixTrie }

func (s *trieStore) get(key string) (*storedValue, bool)       { return s.t.get(key) }
func (s *trieStore) set(key string, v *storedValue) bool       { return s.t.set(key, v) }
func (s *trieStore) delete(key string) bool                    { return s.t.delete(key) }
func (s *trieStore) len() int                                  { return s.t.len() }
func (s *trieStore) scanPrefix(prefix string, limit int) []string { return s.t.scanPrefix(prefix, limit) }
func (s *trieStore) keys() []string                             { return s.t.keys() }

type shard struct {
	mu        sync.RWMutex
	store     keyedStore
	usingTrie bool
}

// Store is the sharded KV engine: independent shards, each with its own
// lock.
type Store struct {
	shards        []*shard
	numShards     int
	clock         *clockid.Clock
	maxValueBytes int
	trieThreshold int
	rec           *persistence.Recorder
	metrics       *telemetry.Metrics
	logger        zerolog.Logger
}

// Config bundles Store's tunables.
type Config struct {
	NumShards       int
	MaxValueBytes   int
	TrieThreshold   int
	Clock           *clockid.Clock
	Recorder        *persistence.Recorder
	Metrics         *telemetry.Metrics
}

// New builds a Store with the configured shard count.
func New(cfg Config, logger zerolog.Logger) *Store {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 64
	}
	if cfg.MaxValueBytes <= 0 {
		cfg.MaxValueBytes = 8 * 1024 * 1024
	}
	if cfg.TrieThreshold <= 0 {
		cfg.TrieThreshold = 10000
	}
	s := &Store{
		shards:        make([]*shard, cfg.NumShards),
		numShards:     cfg.NumShards,
		clock:         cfg.Clock,
		maxValueBytes: cfg.MaxValueBytes,
		trieThreshold: cfg.TrieThreshold,
		rec:           cfg.Recorder,
		metrics:       cfg.Metrics,
		logger:        logger,
	}
	for i := range s.shards {
		s.shards[i] = &shard{store: mapStore{}}
	}
	return s
}

func (s *Store) shardIndex(key string) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(s.numShards))
}

func (s *Store) shardFor(key string) *shard { return s.shards[s.shardIndex(key)] }

// promoteIfNeeded must be called with sh.mu held for writing.
func (sh *shard) promoteIfNeeded(threshold int) {
	if sh.usingTrie || sh.store.len() < threshold {
		return
	}
	trie := newRadixTrie()
	for _, k := range sh.store.keys() {
		v, _ := sh.store.get(k)
		trie.set(k, v)
	}
	sh.store = &trieStore{t: trie}
	sh.usingTrie = true
}

func (s *Store) now() uint32 {
	if s.clock == nil {
		return uint32(time.Now().Unix())
	}
	return s.clock.NowUnixSecs()
}

func (s *Store) recordOp(op ops.Operation) error {
	_, err := s.rec.Commit(op)
	return err
}

func (s *Store) countOp(name string) {
	if s.metrics != nil {
		s.metrics.KVOps.WithLabelValues(name).Inc()
	}
}

// --- reads (no WAL involvement) ----------------------------------------

// Get returns the value for key, or errs.ErrNotFound if absent or
// expired.
func (s *Store) Get(key string) ([]byte, error) {
	s.countOp("get")
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.store.get(key)
	if !ok || v.isExpired(s.now()) {
		return nil, errs.NotFound("key", key)
	}
	out := make([]byte, len(v.value))
	copy(out, v.value)
	return out, nil
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(key string) bool {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.store.get(key)
	return ok && !v.isExpired(s.now())
}

// TTL returns remaining seconds (0 if no TTL), or errs.ErrNotFound.
func (s *Store) TTL(key string) (int64, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.store.get(key)
	now := s.now()
	if !ok || v.isExpired(now) {
		return 0, errs.NotFound("key", key)
	}
	if v.expiresAt == 0 {
		return 0, nil
	}
	return int64(v.expiresAt) - int64(now), nil
}

// Strlen returns len(value) for key.
func (s *Store) Strlen(key string) (int, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	return len(v), nil
}

// GetRange returns a byte-range substring, Redis-style (negative
// indices count from the end, out-of-range clamps).
func (s *Store) GetRange(key string, start, end int) ([]byte, error) {
	v, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	n := len(v)
	start, end = normalizeRange(start, end, n)
	if start > end || n == 0 {
		return []byte{}, nil
	}
	return v[start : end+1], nil
}

func normalizeRange(start, end, n int) (int, int) {
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	if start < 0 {
		start = 0
	}
	if end >= n {
		end = n - 1
	}
	return start, end
}

// Scan returns up to limit keys starting at prefix, lexicographically
// ordered (spec.md §4.D SCAN).
func (s *Store) Scan(prefix string, limit int) []string {
	var out []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		out = append(out, sh.store.scanPrefix(prefix, 0)...)
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Keys returns every live key in the store, sorted.
func (s *Store) Keys() []string {
	now := s.now()
	var out []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, k := range sh.store.keys() {
			v, ok := sh.store.get(k)
			if ok && !v.isExpired(now) {
				out = append(out, k)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// DBSize returns the (approximate, including not-yet-swept expired)
// total key count across all shards.
func (s *Store) DBSize() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += sh.store.len()
		sh.mu.RUnlock()
	}
	return total
}

// MGet returns the value (or nil) for each requested key, preserving
// order; missing/expired keys yield a nil slice at that position.
func (s *Store) MGet(keys []string) [][]byte {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, err := s.Get(k)
		if err == nil {
			out[i] = v
		}
	}
	return out
}

// --- writes (go through the Recorder, then apply) -----------------------

// Set stores value under key with an optional ttlSecs (0 = no expiry).
func (s *Store) Set(key string, value []byte, ttlSecs uint32) error {
	if len(value) > s.maxValueBytes {
		return fmt.Errorf("%w: %d bytes", errs.ErrValueTooLarge, len(value))
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	op := ops.KvSet{Key: key, Value: value, TTL: ttlSecs}
	if err := s.recordOp(op); err != nil {
		return err
	}
	s.applySetLocked(sh, op)
	s.countOp("set")
	return nil
}

func (s *Store) applySetLocked(sh *shard, op ops.KvSet) {
	expiresAt := uint32(0)
	if op.TTL > 0 {
		expiresAt = s.now() + op.TTL
	}
	sh.store.set(op.Key, &storedValue{value: append([]byte(nil), op.Value...), expiresAt: expiresAt})
	sh.promoteIfNeeded(s.trieThreshold)
}

// Delete removes key if present, returning whether it was removed.
func (s *Store) Delete(key string) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, existed := sh.store.get(key)
	if !existed {
		return false, nil
	}
	op := ops.KvDelete{Key: key}
	if err := s.recordOp(op); err != nil {
		return false, err
	}
	sh.store.delete(key)
	s.countOp("delete")
	return true, nil
}

// GetSet atomically swaps in a new value and returns the old one (empty
// slice, no error if the key was absent).
func (s *Store) GetSet(key string, value []byte) ([]byte, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	var old []byte
	if v, ok := sh.store.get(key); ok && !v.isExpired(s.now()) {
		old = v.value
	}
	op := ops.KvSet{Key: key, Value: value, TTL: 0}
	if err := s.recordOp(op); err != nil {
		return nil, err
	}
	s.applySetLocked(sh, op)
	return old, nil
}

// Incr adds delta to the integer stored at key (default base 0),
// writing the result back. Fails with ErrNotAnInteger/ErrOverflow
// without mutating anything.
func (s *Store) Incr(key string, delta int64) (int64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current := int64(0)
	var ttl uint32
	if v, ok := sh.store.get(key); ok && !v.isExpired(s.now()) {
		parsed, err := strconv.ParseInt(string(v.value), 10, 64)
		if err != nil {
			return 0, errs.ErrNotAnInteger
		}
		current = parsed
		ttl = v.expiresAt
	}
	newVal := current + delta
	if (delta > 0 && newVal < current) || (delta < 0 && newVal > current) {
		return 0, errs.ErrOverflow
	}

	op := ops.KvIncrBy{Key: key, Delta: delta}
	if err := s.recordOp(op); err != nil {
		return 0, err
	}
	sh.store.set(key, &storedValue{value: []byte(strconv.FormatInt(newVal, 10)), expiresAt: ttl})
	sh.promoteIfNeeded(s.trieThreshold)
	return newVal, nil
}

// Append concatenates suffix onto key's current value (treated as empty
// if absent), returning the new length.
func (s *Store) Append(key string, suffix []byte) (int, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var cur []byte
	var ttl uint32
	if v, ok := sh.store.get(key); ok && !v.isExpired(s.now()) {
		cur = v.value
		ttl = v.expiresAt
	}
	if len(cur)+len(suffix) > s.maxValueBytes {
		return 0, fmt.Errorf("%w: append would exceed %d bytes", errs.ErrValueTooLarge, s.maxValueBytes)
	}

	op := ops.KvAppend{Key: key, Suffix: suffix}
	if err := s.recordOp(op); err != nil {
		return 0, err
	}
	newVal := append(append([]byte(nil), cur...), suffix...)
	sh.store.set(key, &storedValue{value: newVal, expiresAt: ttl})
	sh.promoteIfNeeded(s.trieThreshold)
	return len(newVal), nil
}

// SetRange overwrites key's value starting at offset with b, zero-padding
// if offset is past the current length.
func (s *Store) SetRange(key string, offset uint32, b []byte) (int, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var cur []byte
	var ttl uint32
	if v, ok := sh.store.get(key); ok && !v.isExpired(s.now()) {
		cur = append([]byte(nil), v.value...)
		ttl = v.expiresAt
	}
	end := int(offset) + len(b)
	if end > s.maxValueBytes {
		return 0, fmt.Errorf("%w: setrange would exceed %d bytes", errs.ErrValueTooLarge, s.maxValueBytes)
	}
	if end > len(cur) {
		grown := make([]byte, end)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[offset:], b)

	op := ops.KvSetRange{Key: key, Offset: offset, Bytes: b}
	if err := s.recordOp(op); err != nil {
		return 0, err
	}
	sh.store.set(key, &storedValue{value: cur, expiresAt: ttl})
	sh.promoteIfNeeded(s.trieThreshold)
	return len(cur), nil
}

// Expire sets (or clears, for ttlSecs==0) a TTL on an existing key.
func (s *Store) Expire(key string, ttlSecs uint32) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.store.get(key)
	if !ok || v.isExpired(s.now()) {
		return false, nil
	}
	op := ops.KvExpire{Key: key, TTL: ttlSecs}
	if err := s.recordOp(op); err != nil {
		return false, err
	}
	expiresAt := uint32(0)
	if ttlSecs > 0 {
		expiresAt = s.now() + ttlSecs
	}
	sh.store.set(key, &storedValue{value: v.value, expiresAt: expiresAt})
	return true, nil
}

// Rename moves the value at from to to, overwriting anything already at
// to. Both shards are locked in ascending index order, same as every
// other multi-key op.
func (s *Store) Rename(from, to string) error {
	locks := s.lockShardsFor([]string{from, to})
	defer unlockAll(locks)

	shFrom, shTo := s.shardFor(from), s.shardFor(to)
	v, ok := shFrom.store.get(from)
	if !ok || v.isExpired(s.now()) {
		return errs.NotFound("key", from)
	}
	op := ops.KvRename{From: from, To: to}
	if err := s.recordOp(op); err != nil {
		return err
	}
	shFrom.store.delete(from)
	shTo.store.set(to, v)
	shTo.promoteIfNeeded(s.trieThreshold)
	s.countOp("rename")
	return nil
}

// Persist clears any TTL on key, returning whether it changed anything.
func (s *Store) Persist(key string) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.store.get(key)
	if !ok || v.isExpired(s.now()) || v.expiresAt == 0 {
		return false, nil
	}
	op := ops.KvPersist{Key: key}
	if err := s.recordOp(op); err != nil {
		return false, err
	}
	sh.store.set(key, &storedValue{value: v.value, expiresAt: 0})
	return true, nil
}

// MSet writes every pair; each key is locked on its own shard, one at a
// time (not a single cross-shard transaction — use MSetNX for the
// all-or-nothing variant).
func (s *Store) MSet(pairs map[string][]byte) error {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.Set(k, pairs[k], 0); err != nil {
			return err
		}
	}
	return nil
}

// MDel deletes every key, returning the count actually removed.
func (s *Store) MDel(keys []string) (int, error) {
	op := ops.KvBatchDelete{Keys: keys}
	locks := s.lockShardsFor(keys)
	defer unlockAll(locks)

	existing := make([]string, 0, len(keys))
	for _, k := range keys {
		sh := s.shardFor(k)
		if _, ok := sh.store.get(k); ok {
			existing = append(existing, k)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	if err := s.recordOp(op); err != nil {
		return 0, err
	}
	for _, k := range existing {
		s.shardFor(k).store.delete(k)
	}
	return len(existing), nil
}

// MSetNX writes every pair only if none of the keys currently exist.
// Acquires every involved shard's write lock in ascending index order
// (spec.md §4.D "Multi-key ops acquire shard locks in ascending
// shard-index order to prevent deadlock").
func (s *Store) MSetNX(pairs map[string][]byte) (bool, error) {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	locks := s.lockShardsFor(keys)
	defer unlockAll(locks)

	now := s.now()
	for _, k := range keys {
		if v, ok := s.shardFor(k).store.get(k); ok && !v.isExpired(now) {
			return false, nil
		}
	}

	kvPairs := make([]ops.KVPair, 0, len(pairs))
	for _, k := range keys {
		kvPairs = append(kvPairs, ops.KVPair{Key: k, Value: pairs[k]})
	}
	op := ops.KvBatchSet{Pairs: kvPairs}
	if err := s.recordOp(op); err != nil {
		return false, err
	}
	for _, p := range kvPairs {
		s.shardFor(p.Key).store.set(p.Key, &storedValue{value: append([]byte(nil), p.Value...)})
	}
	return true, nil
}

// lockShardsFor returns the distinct shards touched by keys, write-locked
// in ascending shard-index order, and already locked on return.
func (s *Store) lockShardsFor(keys []string) []*shard {
	seen := map[int]*shard{}
	for _, k := range keys {
		idx := s.shardIndex(k)
		seen[idx] = s.shards[idx]
	}
	idxs := make([]int, 0, len(seen))
	for idx := range seen {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	ordered := make([]*shard, 0, len(idxs))
	for _, idx := range idxs {
		seen[idx].mu.Lock()
		ordered = append(ordered, seen[idx])
	}
	return ordered
}

func unlockAll(shards []*shard) {
	for _, sh := range shards {
		sh.mu.Unlock()
	}
}

// FlushDB removes every key from every shard.
func (s *Store) FlushDB() error {
	if err := s.recordOp(ops.KvFlush{}); err != nil {
		return err
	}
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.store = mapStore{}
		sh.usingTrie = false
		sh.mu.Unlock()
	}
	return nil
}

// --- apply (recovery replay / replica apply; bypasses the Recorder) ---

// Apply mutates in-memory state from an already-logged op. Used during
// WAL replay and by a replica applying ops received from its master.
func (s *Store) Apply(op ops.Operation) error {
	switch o := op.(type) {
	case ops.KvSet:
		sh := s.shardFor(o.Key)
		sh.mu.Lock()
		s.applySetLocked(sh, o)
		sh.mu.Unlock()
	case ops.KvDelete:
		sh := s.shardFor(o.Key)
		sh.mu.Lock()
		sh.store.delete(o.Key)
		sh.mu.Unlock()
	case ops.KvBatchSet:
		for _, p := range o.Pairs {
			sh := s.shardFor(p.Key)
			sh.mu.Lock()
			sh.store.set(p.Key, &storedValue{value: append([]byte(nil), p.Value...)})
			sh.mu.Unlock()
		}
	case ops.KvBatchDelete:
		for _, k := range o.Keys {
			sh := s.shardFor(k)
			sh.mu.Lock()
			sh.store.delete(k)
			sh.mu.Unlock()
		}
	case ops.KvIncrBy:
		sh := s.shardFor(o.Key)
		sh.mu.Lock()
		current := int64(0)
		var ttl uint32
		if v, ok := sh.store.get(o.Key); ok {
			ttl = v.expiresAt
			if parsed, err := strconv.ParseInt(string(v.value), 10, 64); err == nil {
				current = parsed
			}
		}
		sh.store.set(o.Key, &storedValue{value: []byte(strconv.FormatInt(current+o.Delta, 10)), expiresAt: ttl})
		sh.mu.Unlock()
	case ops.KvAppend:
		sh := s.shardFor(o.Key)
		sh.mu.Lock()
		var cur []byte
		var ttl uint32
		if v, ok := sh.store.get(o.Key); ok {
			cur = v.value
			ttl = v.expiresAt
		}
		sh.store.set(o.Key, &storedValue{value: append(append([]byte(nil), cur...), o.Suffix...), expiresAt: ttl})
		sh.mu.Unlock()
	case ops.KvSetRange:
		sh := s.shardFor(o.Key)
		sh.mu.Lock()
		var cur []byte
		var ttl uint32
		if v, ok := sh.store.get(o.Key); ok {
			cur = append([]byte(nil), v.value...)
			ttl = v.expiresAt
		}
		end := int(o.Offset) + len(o.Bytes)
		if end > len(cur) {
			grown := make([]byte, end)
			copy(grown, cur)
			cur = grown
		}
		copy(cur[o.Offset:], o.Bytes)
		sh.store.set(o.Key, &storedValue{value: cur, expiresAt: ttl})
		sh.mu.Unlock()
	case ops.KvRename:
		locks := s.lockShardsFor([]string{o.From, o.To})
		sh1, sh2 := s.shardFor(o.From), s.shardFor(o.To)
		if v, ok := sh1.store.get(o.From); ok {
			sh1.store.delete(o.From)
			sh2.store.set(o.To, v)
		}
		unlockAll(locks)
	case ops.KvExpire:
		sh := s.shardFor(o.Key)
		sh.mu.Lock()
		if v, ok := sh.store.get(o.Key); ok {
			expiresAt := uint32(0)
			if o.TTL > 0 {
				expiresAt = s.now() + o.TTL
			}
			sh.store.set(o.Key, &storedValue{value: v.value, expiresAt: expiresAt})
		}
		sh.mu.Unlock()
	case ops.KvPersist:
		sh := s.shardFor(o.Key)
		sh.mu.Lock()
		if v, ok := sh.store.get(o.Key); ok {
			sh.store.set(o.Key, &storedValue{value: v.value, expiresAt: 0})
		}
		sh.mu.Unlock()
	case ops.KvFlush:
		for _, sh := range s.shards {
			sh.mu.Lock()
			sh.store = mapStore{}
			sh.usingTrie = false
			sh.mu.Unlock()
		}
	default:
		return fmt.Errorf("kvstore: unexpected op %T", op)
	}
	return nil
}

// --- TTL sweeper --------------------------------------------------------

// RunTTLSweeper implements spec.md §4.D: every interval, sample a few
// keys per shard round-robin and delete those expired, stopping early
// for a shard once the expired fraction drops — amortised O(1) CPU
// regardless of store size. Passive expirations are never logged (the
// stored expiry plus the clock deterministically reproduce them).
func (s *Store) RunTTLSweeper(ctx context.Context, interval time.Duration, sampleSize int, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("ttl sweeper panic recovered")
		}
	}()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(sampleSize)
		}
	}
}

func (s *Store) sweepOnce(sampleSize int) {
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for {
			keys := sh.store.keys()
			if len(keys) == 0 {
				break
			}
			// Sample without replacement via a shuffled index prefix —
			// map/trie iteration order is not uniformly random enough on
			// its own to rely on for a true sample, so shuffle explicitly.
			idxs := rand.Perm(len(keys))
			sample := sampleSize
			if sample > len(keys) {
				sample = len(keys)
			}
			expired := 0
			for i := 0; i < sample; i++ {
				k := keys[idxs[i]]
				if v, ok := sh.store.get(k); ok && v.isExpired(now) {
					sh.store.delete(k)
					expired++
				}
			}
			// Keep resampling this shard only while the expired fraction
			// stays high; a mostly-live sample means the shard is done
			// for this tick.
			if sample < sampleSize || expired < sample/4 {
				break
			}
		}
		sh.mu.Unlock()
	}
}

// --- snapshot integration ------------------------------------------------

// Dump returns every live key for a snapshot (component C), in no
// particular order — the snapshot format doesn't require one.
func (s *Store) Dump() []snapshot.KVEntry {
	now := s.now()
	var out []snapshot.KVEntry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, k := range sh.store.keys() {
			v, ok := sh.store.get(k)
			if ok && !v.isExpired(now) {
				out = append(out, snapshot.KVEntry{Key: k, Value: v.value, ExpiresAt: v.expiresAt})
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Load restores state from a snapshot's KV section (called once at
// startup, before any writes are accepted).
func (s *Store) Load(entries []snapshot.KVEntry) {
	for _, e := range entries {
		sh := s.shardFor(e.Key)
		sh.mu.Lock()
		sh.store.set(e.Key, &storedValue{value: e.Value, expiresAt: e.ExpiresAt})
		sh.promoteIfNeeded(s.trieThreshold)
		sh.mu.Unlock()
	}
}
