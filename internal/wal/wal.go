// Package wal implements a grouped-commit write-ahead log. Entries use
// length-prefixed binary records with a trailing CRC, one segment file
// per size threshold, lexicographically-sortable segment names.
//
// Built around a ring-buffer/batched-write idiom (a bounded job channel
// drained by a dedicated goroutine) adapted to WAL segment commits.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/synaplabs/synap/internal/errs"
	"github.com/synaplabs/synap/internal/ops"
	"github.com/synaplabs/synap/internal/resource"
	"github.com/synaplabs/synap/internal/telemetry"
)

// FsyncMode controls when appended bytes become durable.
type FsyncMode int

const (
	FsyncAlways FsyncMode = iota
	FsyncPeriodic
	FsyncNever
)

const (
	segmentMaxBytes  = 128 * 1024 * 1024
	segmentNameWidth = 20
)

// Entry is one durable mutation: a sequence number, a timestamp, and the
// Operation it carries.
type Entry struct {
	Sequence  uint64
	Timestamp uint32
	Op        ops.Operation
}

// Config bundles every tunable the WAL needs from internal/config.
type Config struct {
	Dir                string
	FsyncMode          FsyncMode
	PeriodicInterval   time.Duration
	BatchWindow        time.Duration
	BatchMaxOps        int
	Guard              *resource.Guard
	Metrics            *telemetry.Metrics
}

type segmentMeta struct {
	path     string
	startSeq uint64
	endSeq   uint64 // highest sequence contained, 0 if empty
}

type appendRequest struct {
	ops       []ops.Operation
	fixedSeqs []uint64 // pre-assigned sequences (replica apply); nil for normal appends
	resultCh  chan appendResult
}

type appendResult struct {
	sequences []uint64
	err       error
}

// WAL is the append-only log shared by every subsystem.
type WAL struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	segments []segmentMeta
	current  *os.File
	curSize  int64

	nextSeq    uint64 // next sequence to assign
	writtenSeq uint64 // highest sequence written to the current segment
	durableSeq uint64 // highest sequence known fsynced

	requests chan *appendRequest
	done     chan struct{}
	closed   chan struct{}
	closeOnce sync.Once
}

// Open opens (or creates) the WAL directory, replays segment metadata,
// and starts the group-commit committer goroutine.
func Open(cfg Config, logger zerolog.Logger) (*WAL, error) {
	if cfg.BatchMaxOps <= 0 {
		cfg.BatchMaxOps = 10000
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 100 * time.Microsecond
	}
	if cfg.PeriodicInterval <= 0 {
		cfg.PeriodicInterval = 10 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir: %w", err)
	}

	w := &WAL{
		cfg:      cfg,
		logger:   logger,
		requests: make(chan *appendRequest, 4096),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}

	if err := w.loadSegments(); err != nil {
		return nil, err
	}
	if err := w.openCurrentForAppend(); err != nil {
		return nil, err
	}

	go w.runCommitter()
	if cfg.FsyncMode == FsyncPeriodic {
		go w.runPeriodicFsync()
	}
	return w, nil
}

func segmentName(startSeq uint64) string {
	return fmt.Sprintf("wal-%0*d.log", segmentNameWidth, startSeq)
}

func (w *WAL) loadSegments() error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("wal: read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(w.cfg.Dir, name)
		var startSeq uint64
		if _, err := fmt.Sscanf(name, "wal-%020d.log", &startSeq); err != nil {
			continue
		}
		endSeq, err := scanSegmentMaxSeq(path)
		if err != nil {
			return err
		}
		w.segments = append(w.segments, segmentMeta{path: path, startSeq: startSeq, endSeq: endSeq})
		if endSeq > w.nextSeq {
			w.nextSeq = endSeq
		}
	}
	w.writtenSeq = w.nextSeq
	w.durableSeq = w.nextSeq
	return nil
}

// scanSegmentMaxSeq reads a segment fully to find the highest sequence
// it contains, stopping (without error) at the first short/corrupt tail
// record.
func scanSegmentMaxSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	defer f.Close()

	var maxSeq uint64
	offset := int64(0)
	for {
		entry, n, err := readEntry(f)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return 0, &errs.CorruptWAL{Offset: offset}
		}
		if entry.Sequence > maxSeq {
			maxSeq = entry.Sequence
		}
		offset += int64(n)
	}
	return maxSeq, nil
}

func (w *WAL) openCurrentForAppend() error {
	var path string
	var startSeq uint64
	if len(w.segments) == 0 {
		startSeq = w.nextSeq
		path = filepath.Join(w.cfg.Dir, segmentName(startSeq))
		w.segments = append(w.segments, segmentMeta{path: path, startSeq: startSeq})
	} else {
		last := w.segments[len(w.segments)-1]
		path = last.path
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open current segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.current = f
	w.curSize = info.Size()
	return nil
}

// Append records a single mutation and returns its assigned sequence
// once durable per the configured fsync mode.
func (w *WAL) Append(op ops.Operation) (uint64, error) {
	seqs, err := w.AppendBatch([]ops.Operation{op})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch records many ops atomically as a single WAL write.
func (w *WAL) AppendBatch(batch []ops.Operation) ([]uint64, error) {
	return w.submit(&appendRequest{ops: batch, resultCh: make(chan appendResult, 1)})
}

// AppendAt records op under an externally assigned sequence — used by a
// replica persisting ops streamed from its master, whose sequence
// numbering is authoritative. The WAL's own counter is advanced to at
// least seq.
func (w *WAL) AppendAt(seq uint64, op ops.Operation) error {
	_, err := w.submit(&appendRequest{
		ops:       []ops.Operation{op},
		fixedSeqs: []uint64{seq},
		resultCh:  make(chan appendResult, 1),
	})
	return err
}

func (w *WAL) submit(req *appendRequest) ([]uint64, error) {
	if w.cfg.Guard != nil {
		if err := w.cfg.Guard.ShouldAcceptWrite(); err != nil {
			return nil, fmt.Errorf("%w: %s", errs.ErrUnavailable, err)
		}
	}
	select {
	case w.requests <- req:
	default:
		return nil, fmt.Errorf("%w: wal committer backlog full", errs.ErrUnavailable)
	}
	res := <-req.resultCh
	return res.sequences, res.err
}

// AdvanceTo raises the sequence counters to seq if they are behind it,
// used after a replica loads a full snapshot taken at that sequence so
// subsequent streamed ops line up.
func (w *WAL) AdvanceTo(seq uint64) {
	w.mu.Lock()
	if seq > w.nextSeq {
		w.nextSeq = seq
		w.writtenSeq = seq
		w.durableSeq = seq
	}
	w.mu.Unlock()
}

// CurrentOffset returns the highest sequence durably recorded.
func (w *WAL) CurrentOffset() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durableSeq
}

// IterFrom returns every entry with sequence > offset, across all
// segments in order. Finite per call: it reads the current tail and
// returns; new entries appended afterward need a fresh call.
func (w *WAL) IterFrom(offset uint64) ([]Entry, error) {
	w.mu.Lock()
	segs := make([]segmentMeta, len(w.segments))
	copy(segs, w.segments)
	w.mu.Unlock()

	var out []Entry
	for _, seg := range segs {
		f, err := os.Open(seg.path)
		if err != nil {
			return nil, fmt.Errorf("wal: open segment for replay: %w", err)
		}
		readErr := func() error {
			defer f.Close()
			var pos int64
			for {
				entry, n, err := readEntry(f)
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					return nil
				}
				if err != nil {
					return &errs.CorruptWAL{Offset: pos}
				}
				pos += int64(n)
				if entry.Sequence > offset {
					out = append(out, entry)
				}
			}
		}()
		if readErr != nil {
			return nil, readErr
		}
	}
	return out, nil
}

// TruncateUpto discards whole segments whose every entry has sequence
// <= offset. The current (last) segment is never removed. The offset is
// also recorded in a HEAD marker file so an operator inspecting the
// directory can tell how far the snapshotter has advanced.
func (w *WAL) TruncateUpto(offset uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var kept []segmentMeta
	for i, seg := range w.segments {
		isLast := i == len(w.segments)-1
		if !isLast && seg.endSeq != 0 && seg.endSeq <= offset {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("wal: truncate remove %s: %w", seg.path, err)
			}
			continue
		}
		kept = append(kept, seg)
	}
	w.segments = kept

	headPath := filepath.Join(w.cfg.Dir, "HEAD")
	if err := os.WriteFile(headPath, []byte(fmt.Sprintf("%d\n", offset)), 0o644); err != nil {
		w.logger.Warn().Err(err).Msg("wal: write HEAD marker failed")
	}
	return nil
}

// Close drains the committer and closes the current segment file.
func (w *WAL) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	<-w.closed
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		return w.current.Close()
	}
	return nil
}

func (w *WAL) runCommitter() {
	defer close(w.closed)
	for {
		select {
		case <-w.done:
			w.drainPending()
			return
		case req := <-w.requests:
			batch := []*appendRequest{req}
			opCount := len(req.ops)
			timer := time.NewTimer(w.cfg.BatchWindow)
		collect:
			for opCount < w.cfg.BatchMaxOps {
				select {
				case req2 := <-w.requests:
					batch = append(batch, req2)
					opCount += len(req2.ops)
				case <-timer.C:
					break collect
				case <-w.done:
					break collect
				}
			}
			timer.Stop()
			w.commitBatch(batch)
		}
	}
}

func (w *WAL) drainPending() {
	for {
		select {
		case req := <-w.requests:
			w.commitBatch([]*appendRequest{req})
		default:
			return
		}
	}
}

func (w *WAL) commitBatch(batch []*appendRequest) {
	w.mu.Lock()
	var buf bytes.Buffer
	results := make([][]uint64, len(batch))
	now := uint32(time.Now().Unix())
	for bi, req := range batch {
		seqs := make([]uint64, 0, len(req.ops))
		for oi, op := range req.ops {
			var seq uint64
			if req.fixedSeqs != nil {
				seq = req.fixedSeqs[oi]
				if seq > w.nextSeq {
					w.nextSeq = seq
				}
			} else {
				w.nextSeq++
				seq = w.nextSeq
			}
			entry := Entry{Sequence: seq, Timestamp: now, Op: op}
			buf.Write(encodeEntry(entry))
			seqs = append(seqs, seq)
		}
		results[bi] = seqs
	}

	if err := w.rotateIfNeeded(int64(buf.Len())); err != nil {
		w.mu.Unlock()
		w.failAll(batch, err)
		return
	}

	n, err := w.current.Write(buf.Bytes())
	if err != nil {
		w.mu.Unlock()
		w.failAll(batch, fmt.Errorf("%w: wal write: %s", errs.ErrUnavailable, err))
		return
	}
	w.curSize += int64(n)
	w.segments[len(w.segments)-1].endSeq = w.nextSeq
	w.writtenSeq = w.nextSeq

	if w.cfg.FsyncMode == FsyncAlways {
		if err := w.current.Sync(); err != nil {
			w.mu.Unlock()
			w.failAll(batch, fmt.Errorf("%w: wal fsync: %s", errs.ErrUnavailable, err))
			return
		}
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.WALFsyncs.Inc()
		}
		w.durableSeq = w.writtenSeq
	} else if w.cfg.FsyncMode == FsyncNever {
		w.durableSeq = w.writtenSeq
	}
	w.mu.Unlock()

	if w.cfg.Metrics != nil {
		w.cfg.Metrics.WALAppends.Add(float64(len(batch)))
		w.cfg.Metrics.WALBytes.Add(float64(n))
	}

	for i, req := range batch {
		req.resultCh <- appendResult{sequences: results[i]}
	}
}

func (w *WAL) failAll(batch []*appendRequest, err error) {
	for _, req := range batch {
		req.resultCh <- appendResult{err: err}
	}
}

// rotateIfNeeded must be called with w.mu held.
func (w *WAL) rotateIfNeeded(incoming int64) error {
	if w.curSize+incoming <= segmentMaxBytes || w.curSize == 0 {
		return nil
	}
	if err := w.current.Close(); err != nil {
		return err
	}
	startSeq := w.nextSeq + 1
	path := filepath.Join(w.cfg.Dir, segmentName(startSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.segments = append(w.segments, segmentMeta{path: path, startSeq: startSeq})
	w.current = f
	w.curSize = 0
	return nil
}

func (w *WAL) runPeriodicFsync() {
	ticker := time.NewTicker(w.cfg.PeriodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			w.fsyncNow()
			return
		case <-ticker.C:
			w.fsyncNow()
		}
	}
}

func (w *WAL) fsyncNow() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil || w.durableSeq == w.writtenSeq {
		return
	}
	if err := w.current.Sync(); err != nil {
		w.logger.Error().Err(err).Msg("wal periodic fsync failed")
		return
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.WALFsyncs.Inc()
	}
	w.durableSeq = w.writtenSeq
}

// --- entry framing: [u32 length][u64 sequence][u64 timestamp][op bytes][u32 crc32] ---

func encodeEntry(e Entry) []byte {
	var body bytes.Buffer
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], e.Sequence)
	body.Write(seqBuf[:])
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(e.Timestamp))
	body.Write(tsBuf[:])
	body.Write(ops.Encode(e.Op))

	crc := crc32.ChecksumIEEE(body.Bytes())

	var out bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	out.Write(lenBuf[:])
	out.Write(body.Bytes())
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	out.Write(crcBuf[:])
	return out.Bytes()
}

// readEntry reads one framed entry from r. io.EOF/io.ErrUnexpectedEOF at
// a record boundary means "recovery boundary, stop cleanly"; any other
// error means the file is corrupt at that offset.
func readEntry(r io.Reader) (Entry, int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Entry{}, 0, err
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	wantCRC := binary.BigEndian.Uint32(crcBuf[:])
	gotCRC := crc32.ChecksumIEEE(body)
	if wantCRC != gotCRC {
		return Entry{}, 0, fmt.Errorf("wal: crc mismatch")
	}

	br := bytes.NewReader(body)
	seq, err := readU64(br)
	if err != nil {
		return Entry{}, 0, err
	}
	ts, err := readU64(br)
	if err != nil {
		return Entry{}, 0, err
	}
	op, err := ops.Decode(br)
	if err != nil {
		return Entry{}, 0, err
	}
	total := 4 + int(bodyLen) + 4
	return Entry{Sequence: seq, Timestamp: uint32(ts), Op: op}, total, nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
