package stream

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"net/url"
	"os"
)

// encodeRoomFile maps a room name to a filesystem-safe file name.
func encodeRoomFile(name string) string {
	return url.PathEscape(name) + ".log"
}

// roomLog is one room's append-only event file. Records use the same
// length-prefixed, CRC-trailed framing as the WAL:
// [u32 length][u64 offset][u32 published_at][name][payload][u32 crc32],
// where name and payload are themselves u32-length-prefixed.
type roomLog struct {
	path string
	f    *os.File
}

func openRoomLog(path string) (*roomLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("stream: open room log: %w", err)
	}
	return &roomLog{path: path, f: f}, nil
}

func (l *roomLog) append(ev Event) error {
	_, err := l.f.Write(encodeLogRecord(ev))
	return err
}

func (l *roomLog) close() {
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
}

// rewrite replaces the log's contents with exactly the given events,
// via a temp file and rename so a crash mid-rewrite leaves the old log
// intact.
func (l *roomLog) rewrite(events []Event) error {
	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if _, err := f.Write(encodeLogRecord(ev)); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	l.close()
	if err := os.Rename(tmp, l.path); err != nil {
		return err
	}
	reopened, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.f = reopened
	return nil
}

func encodeLogRecord(ev Event) []byte {
	var body bytes.Buffer
	var u64buf [8]byte
	binary.BigEndian.PutUint64(u64buf[:], ev.Offset)
	body.Write(u64buf[:])
	var u32buf [4]byte
	binary.BigEndian.PutUint32(u32buf[:], ev.PublishedAt)
	body.Write(u32buf[:])
	writeLenPrefixed(&body, []byte(ev.EventName))
	writeLenPrefixed(&body, ev.Payload)

	crc := crc32.ChecksumIEEE(body.Bytes())

	var out bytes.Buffer
	binary.BigEndian.PutUint32(u32buf[:], uint32(body.Len()))
	out.Write(u32buf[:])
	out.Write(body.Bytes())
	binary.BigEndian.PutUint32(u32buf[:], crc)
	out.Write(u32buf[:])
	return out.Bytes()
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// readRoomLog reads every intact record from path. A short or corrupt
// tail record stops the read cleanly, same recovery-boundary treatment
// as the WAL's tail.
func readRoomLog(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	for {
		ev, err := readLogRecord(f)
		if err != nil {
			return out, nil
		}
		out = append(out, ev)
	}
}

func readLogRecord(r io.Reader) (Event, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Event{}, err
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Event{}, io.ErrUnexpectedEOF
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Event{}, io.ErrUnexpectedEOF
	}
	if binary.BigEndian.Uint32(crcBuf[:]) != crc32.ChecksumIEEE(body) {
		return Event{}, fmt.Errorf("stream: room log crc mismatch")
	}

	br := bytes.NewReader(body)
	var u64buf [8]byte
	if _, err := io.ReadFull(br, u64buf[:]); err != nil {
		return Event{}, err
	}
	offset := binary.BigEndian.Uint64(u64buf[:])
	var u32buf [4]byte
	if _, err := io.ReadFull(br, u32buf[:]); err != nil {
		return Event{}, err
	}
	publishedAt := binary.BigEndian.Uint32(u32buf[:])
	name, err := readLenPrefixed(br)
	if err != nil {
		return Event{}, err
	}
	payload, err := readLenPrefixed(br)
	if err != nil {
		return Event{}, err
	}
	return Event{Offset: offset, EventName: string(name), Payload: payload, PublishedAt: publishedAt}, nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
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
