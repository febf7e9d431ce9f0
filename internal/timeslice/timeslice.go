// Package timeslice records how long accelerator phases take: session
// setup, vCPU creation and time spent inside the guest.
//
// Kinds are registered at package init. Samples are queued to a single
// writer goroutine that batches them into fixed 16 byte records behind a
// header carrying the kind table.
package timeslice

import (
	"bufio"
	"cmp"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x53545647 // "GVTS"
	Version uint32 = 1

	alignment = 4096
)

type fileHeader struct {
	Magic      uint32
	Version    uint32
	KindsBytes uint32
	_          uint32
}

type ID uint32

const InvalidID ID = 0

type Flags uint32

const (
	// FlagGuest marks time spent running guest code.
	FlagGuest Flags = 1 << iota
	// FlagInit marks one-off setup work.
	FlagInit
)

func (f Flags) String() string {
	var parts []string
	if f&FlagGuest != 0 {
		parts = append(parts, "guest")
	}
	if f&FlagInit != 0 {
		parts = append(parts, "init")
	}
	return strings.Join(parts, ",")
}

type KindInfo struct {
	Name  string `json:"name"`
	Flags Flags  `json:"flags"`
}

var (
	kindsMu sync.Mutex
	kinds   = map[ID]KindInfo{}
)

// RegisterKind adds a named phase and returns its id.
func RegisterKind(name string, flags Flags) ID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := ID(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

type sample struct {
	ID       ID
	Duration int64
}

const sampleSize = 16

type writer struct {
	w    io.Writer
	ch   chan sample
	done chan error
}

var current atomic.Pointer[writer]

func (w *writer) loop() {
	bw := bufio.NewWriterSize(w.w, alignment)
	var rec [sampleSize]byte
	var err error
	for s := range w.ch {
		if err != nil {
			continue
		}
		binary.LittleEndian.PutUint32(rec[0:4], uint32(s.ID))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(s.Duration))
		_, err = bw.Write(rec[:])
	}
	if err == nil {
		err = bw.Flush()
	}
	w.done <- err
}

func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return errors.New("timeslice: already closed")
	}
	close(w.ch)
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write samples: %w", err)
	}
	return nil
}

// Start writes the header and kind table to w and records samples into it
// until the returned Closer is closed.
func Start(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, errors.New("timeslice: already recording")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: encode kinds: %w", err)
	}

	hdr := make([]byte, binary.Size(fileHeader{}), alignment)
	if _, err := binary.Encode(hdr, binary.LittleEndian, fileHeader{
		Magic:      Magic,
		Version:    Version,
		KindsBytes: uint32(len(table)),
	}); err != nil {
		return nil, err
	}
	hdr = append(hdr, table...)
	if pad := len(hdr) % alignment; pad != 0 {
		hdr = append(hdr, make([]byte, alignment-pad)...)
	}
	if _, err := w.Write(hdr); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}

	wr := &writer{w: w, ch: make(chan sample, 4096), done: make(chan error, 1)}
	if !current.CompareAndSwap(nil, wr) {
		return nil, errors.New("timeslice: already recording")
	}
	go wr.loop()
	return wr, nil
}

// Record queues one sample. It does nothing unless recording.
func Record(id ID, d time.Duration) {
	if w := current.Load(); w != nil {
		w.ch <- sample{ID: id, Duration: d.Nanoseconds()}
	}
}

// Recorder measures consecutive phases on one goroutine: each Record call
// charges the time since the previous one.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

func (r *Recorder) Record(id ID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Sample is one decoded record.
type Sample struct {
	Kind     string
	Flags    Flags
	Duration time.Duration
}

// ReadAll decodes a recording and calls fn for each sample.
func ReadAll(r io.Reader, fn func(Sample) error) error {
	br := bufio.NewReaderSize(r, alignment)

	var hdr fileHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return errors.New("timeslice: not a timeslice recording")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	table := make([]byte, hdr.KindsBytes)
	if _, err := io.ReadFull(br, table); err != nil {
		return fmt.Errorf("timeslice: read kinds: %w", err)
	}
	var known map[ID]KindInfo
	if err := json.Unmarshal(table, &known); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if pad := (binary.Size(hdr) + len(table)) % alignment; pad != 0 {
		if _, err := br.Discard(alignment - pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	var rec [sampleSize]byte
	for {
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read sample: %w", err)
		}
		id := ID(binary.LittleEndian.Uint32(rec[0:4]))
		info, ok := known[id]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", id)
		}
		s := Sample{
			Kind:     info.Name,
			Flags:    info.Flags,
			Duration: time.Duration(binary.LittleEndian.Uint64(rec[8:16])),
		}
		if err := fn(s); err != nil {
			return err
		}
	}
}

// Stats aggregates the samples of one kind.
type Stats struct {
	Kind  string
	Flags Flags
	Count int
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s Stats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize reads a recording and returns per-kind stats, largest total
// first.
func Summarize(r io.Reader) ([]Stats, error) {
	byKind := make(map[string]*Stats)
	err := ReadAll(r, func(s Sample) error {
		st, ok := byKind[s.Kind]
		if !ok {
			st = &Stats{Kind: s.Kind, Flags: s.Flags, Min: s.Duration}
			byKind[s.Kind] = st
		}
		st.Count++
		st.Total += s.Duration
		st.Min = min(st.Min, s.Duration)
		st.Max = max(st.Max, s.Duration)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Stats, 0, len(byKind))
	for _, st := range byKind {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b Stats) int {
		return cmp.Or(cmp.Compare(b.Total, a.Total), strings.Compare(a.Kind, b.Kind))
	})
	return out, nil
}
