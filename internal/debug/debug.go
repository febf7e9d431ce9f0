// Package debug is a process-wide binary trace of hypervisor activity.
//
// Every record is appended at an offset reserved with a single atomic add,
// so vCPU threads never serialize on the trace. A file starts with an
// 8 byte preamble (magic, version) followed by records:
//
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - payload bytes
//
// Text records carry a formatted message. Ioctl and exit records carry a
// fixed little endian payload decoded by DecodeIoctl and DecodeExit.
package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x544d5647 // "GVMT"
	Version uint32 = 1

	preambleSize = 8
	headerSize   = 16
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindText
	KindIoctl
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindIoctl:
		return "ioctl"
	case KindExit:
		return "exit"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

// Sink receives records at reserved offsets.
type Sink interface {
	io.WriterAt
	io.Closer
}

type sink struct {
	w Sink
}

var (
	current atomic.Pointer[sink]
	offset  atomic.Int64
)

// Enabled reports whether a trace sink is open. Callers building expensive
// messages check it first.
func Enabled() bool { return current.Load() != nil }

// OpenFile truncates filename and traces into it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts tracing into w, replacing any open sink. Replacing a sink is
// reported as an error because records may have been lost.
func Open(w Sink) error {
	var pre [preambleSize]byte
	binary.LittleEndian.PutUint32(pre[0:4], Magic)
	binary.LittleEndian.PutUint32(pre[4:8], Version)
	if _, err := w.WriteAt(pre[:], 0); err != nil {
		return fmt.Errorf("debug: write preamble: %w", err)
	}

	offset.Store(preambleSize)
	if old := current.Swap(&sink{w: w}); old != nil {
		return errors.New("debug: already open, discarded old sink")
	}
	return nil
}

// Memory is an in-memory sink.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if end := int(off) + len(p); end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	return copy(m.data[off:], p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.data)
}

// OpenMemory starts tracing into a fresh in-memory sink.
func OpenMemory() (*Memory, error) {
	m := &Memory{}
	if err := Open(m); err != nil {
		return m, err
	}
	return m, nil
}

func Close() error {
	s := current.Swap(nil)
	if s == nil {
		return nil
	}
	return s.w.Close()
}

func writeRecord(kind Kind, source string, payload []byte) {
	s := current.Load()
	if s == nil {
		return
	}

	size := headerSize + len(source) + len(payload)
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))
	copy(buf[headerSize:], source)
	copy(buf[headerSize+len(source):], payload)

	off := offset.Add(int64(size)) - int64(size)
	// Trace write errors are dropped.
	_, _ = s.w.WriteAt(buf, off)
}

func Write(source, msg string) {
	writeRecord(KindText, source, []byte(msg))
}

func Writef(source, format string, args ...any) {
	if !Enabled() {
		return
	}
	writeRecord(KindText, source, fmt.Appendf(nil, format, args...))
}

// IoctlRecord is the payload of a KindIoctl record.
type IoctlRecord struct {
	FD    int32
	Errno uint32
	Cmd   uint64
	Name  string
}

const ioctlFixedSize = 16

// Ioctl records a hypervisor call and its errno (0 on success).
func Ioctl(source string, fd int, cmd uint64, name string, errno uint32) {
	if !Enabled() {
		return
	}
	buf := make([]byte, ioctlFixedSize+len(name))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(fd)))
	binary.LittleEndian.PutUint32(buf[4:8], errno)
	binary.LittleEndian.PutUint64(buf[8:16], cmd)
	copy(buf[ioctlFixedSize:], name)
	writeRecord(KindIoctl, source, buf)
}

func DecodeIoctl(data []byte) (IoctlRecord, error) {
	if len(data) < ioctlFixedSize {
		return IoctlRecord{}, fmt.Errorf("debug: ioctl record of %d bytes", len(data))
	}
	return IoctlRecord{
		FD:    int32(binary.LittleEndian.Uint32(data[0:4])),
		Errno: binary.LittleEndian.Uint32(data[4:8]),
		Cmd:   binary.LittleEndian.Uint64(data[8:16]),
		Name:  string(data[ioctlFixedSize:]),
	}, nil
}

// ExitRecord is the payload of a KindExit record.
type ExitRecord struct {
	VCPU   uint32
	Reason uint32
	// Detail is reason specific: the port for I/O, the address for MMIO.
	Detail uint64
}

const exitRecordSize = 16

func Exit(source string, vcpu int, reason uint32, detail uint64) {
	if !Enabled() {
		return
	}
	var buf [exitRecordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(vcpu))
	binary.LittleEndian.PutUint32(buf[4:8], reason)
	binary.LittleEndian.PutUint64(buf[8:16], detail)
	writeRecord(KindExit, source, buf[:])
}

func DecodeExit(data []byte) (ExitRecord, error) {
	if len(data) != exitRecordSize {
		return ExitRecord{}, fmt.Errorf("debug: exit record of %d bytes", len(data))
	}
	return ExitRecord{
		VCPU:   binary.LittleEndian.Uint32(data[0:4]),
		Reason: binary.LittleEndian.Uint32(data[4:8]),
		Detail: binary.LittleEndian.Uint64(data[8:16]),
	}, nil
}

// Entry is one decoded record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Filter selects entries in Reader.Each. Zero fields match everything.
type Filter struct {
	Start   time.Time
	End     time.Time
	Sources []string
	Kinds   []Kind
	// Limit stops after this many matching entries.
	Limit int
}

func (f *Filter) match(e *Entry) bool {
	if !f.Start.IsZero() && e.Time.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Time.After(f.End) {
		return false
	}
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, e.Source) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	return true
}

// Reader decodes a trace. Records are visited in write order, which for a
// single writer is also timestamp order.
type Reader struct {
	r io.Reader
}

// NewReader checks the preamble of r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	var pre [preambleSize]byte
	if _, err := io.ReadFull(br, pre[:]); err != nil {
		return nil, fmt.Errorf("debug: read preamble: %w", err)
	}
	if binary.LittleEndian.Uint32(pre[0:4]) != Magic {
		return nil, errors.New("debug: not a trace file")
	}
	if v := binary.LittleEndian.Uint32(pre[4:8]); v != Version {
		return nil, fmt.Errorf("debug: unsupported trace version %d", v)
	}
	return &Reader{r: br}, nil
}

// Each calls fn for every entry matching f. A zero kind marks the end of
// the written data in a sink that was not closed cleanly.
func (r *Reader) Each(f Filter, fn func(e Entry) error) error {
	var hdr [headerSize]byte
	n := 0
	for {
		if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("debug: read header: %w", err)
		}
		kind := Kind(binary.LittleEndian.Uint16(hdr[0:2]))
		if kind == KindInvalid {
			return nil
		}
		srcLen := int(binary.LittleEndian.Uint16(hdr[2:4]))
		dataLen := int(binary.LittleEndian.Uint32(hdr[4:8]))

		body := make([]byte, srcLen+dataLen)
		if _, err := io.ReadFull(r.r, body); err != nil {
			return fmt.Errorf("debug: truncated %s record: %w", kind, err)
		}
		e := Entry{
			Time:   time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[8:16]))),
			Kind:   kind,
			Source: string(body[:srcLen]),
			Data:   body[srcLen:],
		}
		if !f.match(&e) {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
		n++
		if f.Limit > 0 && n >= f.Limit {
			return nil
		}
	}
}

// SourceStats summarizes the entries of one source.
type SourceStats struct {
	Source string
	Count  int
	First  time.Time
	Last   time.Time
}

// Summarize counts the entries per source, ordered by first appearance.
func (r *Reader) Summarize() ([]SourceStats, error) {
	var out []SourceStats
	index := make(map[string]int)
	err := r.Each(Filter{}, func(e Entry) error {
		i, ok := index[e.Source]
		if !ok {
			i = len(out)
			index[e.Source] = i
			out = append(out, SourceStats{Source: e.Source, First: e.Time})
		}
		out[i].Count++
		out[i].Last = e.Time
		return nil
	})
	return out, err
}

// OpenReader opens a trace file. The caller closes the returned file.
func OpenReader(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}
