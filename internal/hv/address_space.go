package hv

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"
)

// TargetPageSize is the granularity of emulator-side dirty tracking.
const TargetPageSize = 0x1000

type RegionKind int

const (
	RegionRAM RegionKind = iota
	RegionROM
	RegionMMIO
)

func (k RegionKind) String() string {
	switch k {
	case RegionRAM:
		return "ram"
	case RegionROM:
		return "rom"
	case RegionMMIO:
		return "mmio"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// Region is one mapping in the guest physical address space.
type Region struct {
	Name string
	Base uint64
	Size uint64
	Kind RegionKind

	mem []byte
	dev MemoryMappedIODevice

	logDirty bool
	dirty    []uint64
}

// Host returns the host backing of a RAM or ROM region.
func (r *Region) Host() []byte { return r.mem }

func (r *Region) End() uint64 { return r.Base + r.Size }

func (r *Region) contains(gpa uint64) bool {
	return gpa >= r.Base && gpa-r.Base < r.Size
}

// Section is the view of a region handed to memory listeners.
type Section struct {
	Region *Region
	// GPA and Size describe the section in the address space. Offset is the
	// section start relative to the region.
	GPA    uint64
	Size   uint64
	Offset uint64
}

func (s Section) IsRAM() bool    { return s.Region.Kind != RegionMMIO }
func (s Section) ReadOnly() bool { return s.Region.Kind == RegionROM }
func (s Section) LogDirty() bool { return s.Region.logDirty }

// Host returns the host bytes backing the section, or nil for MMIO.
func (s Section) Host() []byte {
	if s.Region.mem == nil {
		return nil
	}
	return s.Region.mem[s.Offset : s.Offset+s.Size]
}

func (r *Region) section() Section {
	return Section{Region: r, GPA: r.Base, Size: r.Size}
}

// MemoryListener is notified of topology and dirty-logging changes.
type MemoryListener interface {
	RegionAdd(s Section) error
	RegionDel(s Section) error
	LogStart(s Section) error
	LogStop(s Section) error
	LogSync(s Section) error
}

// AddressSpace is the emulated guest physical address space. It owns the
// region list, dispatches accesses replayed from the accelerator and keeps
// the emulator copy of the dirty page bitmap.
type AddressSpace struct {
	mu        sync.RWMutex
	regions   []*Region
	listeners []MemoryListener
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// RegisterListener attaches l and replays every existing region into it.
func (a *AddressSpace) RegisterListener(l MemoryListener) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.regions {
		if err := l.RegionAdd(r.section()); err != nil {
			return fmt.Errorf("address_space: replay %s: %w", r.Name, err)
		}
		if r.logDirty {
			if err := l.LogStart(r.section()); err != nil {
				return fmt.Errorf("address_space: replay log start %s: %w", r.Name, err)
			}
		}
	}
	a.listeners = append(a.listeners, l)
	return nil
}

func (a *AddressSpace) UnregisterListener(l MemoryListener) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, existing := range a.listeners {
		if existing == l {
			a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
			return
		}
	}
}

func (a *AddressSpace) AddRAM(name string, base uint64, mem []byte) (*Region, error) {
	return a.add(&Region{Name: name, Base: base, Size: uint64(len(mem)), Kind: RegionRAM, mem: mem})
}

func (a *AddressSpace) AddROM(name string, base uint64, mem []byte) (*Region, error) {
	return a.add(&Region{Name: name, Base: base, Size: uint64(len(mem)), Kind: RegionROM, mem: mem})
}

func (a *AddressSpace) AddMMIO(name string, base, size uint64, dev MemoryMappedIODevice) (*Region, error) {
	return a.add(&Region{Name: name, Base: base, Size: size, Kind: RegionMMIO, dev: dev})
}

func (a *AddressSpace) add(r *Region) (*Region, error) {
	if r.Size == 0 {
		return nil, fmt.Errorf("address_space: cannot add zero-size region %s", r.Name)
	}
	if r.Base+r.Size < r.Base {
		return nil, fmt.Errorf("address_space: region %s wraps the address space", r.Name)
	}

	a.mu.Lock()
	for _, existing := range a.regions {
		if r.Base < existing.End() && existing.Base < r.End() {
			a.mu.Unlock()
			return nil, fmt.Errorf("address_space: region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				r.Name, r.Base, r.End(), existing.Name, existing.Base, existing.End())
		}
	}

	if r.Kind != RegionMMIO {
		r.dirty = make([]uint64, (pageCount(r.Size)+63)/64)
	}

	a.regions = append(a.regions, r)
	sort.Slice(a.regions, func(i, j int) bool { return a.regions[i].Base < a.regions[j].Base })
	listeners := append([]MemoryListener(nil), a.listeners...)
	a.mu.Unlock()

	for i, l := range listeners {
		if err := l.RegionAdd(r.section()); err != nil {
			a.rollbackAdd(r, listeners[:i])
			return nil, fmt.Errorf("address_space: add %s: %w", r.Name, err)
		}
	}

	return r, nil
}

// rollbackAdd withdraws r from the listeners that already accepted it and
// drops it from the region list.
func (a *AddressSpace) rollbackAdd(r *Region, notified []MemoryListener) {
	for _, l := range notified {
		_ = l.RegionDel(r.section())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.regions {
		if existing == r {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			return
		}
	}
}

// Remove unmaps r. Listeners are notified before the region leaves the
// list so a final dirty sync can still land in it.
func (a *AddressSpace) Remove(r *Region) error {
	a.mu.RLock()
	found := false
	for _, existing := range a.regions {
		if existing == r {
			found = true
			break
		}
	}
	listeners := append([]MemoryListener(nil), a.listeners...)
	a.mu.RUnlock()

	if !found {
		return fmt.Errorf("address_space: region %s not mapped", r.Name)
	}

	var firstErr error
	for _, l := range listeners {
		if err := l.RegionDel(r.section()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("address_space: remove %s: %w", r.Name, err)
		}
	}

	a.mu.Lock()
	for i, existing := range a.regions {
		if existing == r {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			break
		}
	}
	a.mu.Unlock()

	return firstErr
}

// SetDirtyLogging toggles dirty-page logging for r.
func (a *AddressSpace) SetDirtyLogging(r *Region, enabled bool) error {
	if r.Kind == RegionMMIO {
		return fmt.Errorf("address_space: dirty logging on MMIO region %s", r.Name)
	}

	a.mu.Lock()
	if r.logDirty == enabled {
		a.mu.Unlock()
		return nil
	}
	r.logDirty = enabled
	listeners := append([]MemoryListener(nil), a.listeners...)
	a.mu.Unlock()

	for _, l := range listeners {
		var err error
		if enabled {
			err = l.LogStart(r.section())
		} else {
			err = l.LogStop(r.section())
		}
		if err != nil {
			return fmt.Errorf("address_space: dirty logging %s: %w", r.Name, err)
		}
	}
	return nil
}

// SyncDirty asks every listener to fold its dirty state into r.
func (a *AddressSpace) SyncDirty(r *Region) error {
	a.mu.RLock()
	listeners := append([]MemoryListener(nil), a.listeners...)
	a.mu.RUnlock()

	for _, l := range listeners {
		if err := l.LogSync(r.section()); err != nil {
			return fmt.Errorf("address_space: sync %s: %w", r.Name, err)
		}
	}
	return nil
}

// MarkDirtyBitmap sets the pages flagged in bitmap, a little endian 64-bit
// word array where bit 0 of word 0 is the page at gpa.
func (a *AddressSpace) MarkDirtyBitmap(gpa uint64, bitmap []uint64, pages uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for wi, word := range bitmap {
		for word != 0 {
			bit := uint64(bits.TrailingZeros64(word))
			word &^= 1 << bit
			page := uint64(wi)*64 + bit
			if page >= pages {
				break
			}
			a.markDirtyLocked(gpa + page*TargetPageSize)
		}
	}
}

// MarkDirty flags every page touched by [gpa, gpa+size).
func (a *AddressSpace) MarkDirty(gpa, size uint64) {
	if size == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	start := gpa &^ (TargetPageSize - 1)
	for page := start; page < gpa+size; page += TargetPageSize {
		a.markDirtyLocked(page)
	}
}

func (a *AddressSpace) markDirtyLocked(gpa uint64) {
	r := a.lookupLocked(gpa)
	if r == nil || r.dirty == nil {
		return
	}
	page := (gpa - r.Base) / TargetPageSize
	r.dirty[page/64] |= 1 << (page % 64)
}

// DirtyPages returns the guest physical addresses of dirty pages in r and
// clears them.
func (a *AddressSpace) DirtyPages(r *Region) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var pages []uint64
	for wi, word := range r.dirty {
		for word != 0 {
			bit := uint64(bits.TrailingZeros64(word))
			word &^= 1 << bit
			pages = append(pages, r.Base+(uint64(wi)*64+bit)*TargetPageSize)
		}
		r.dirty[wi] = 0
	}
	return pages
}

// Lookup returns the region covering gpa.
func (a *AddressSpace) Lookup(gpa uint64) (*Region, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	r := a.lookupLocked(gpa)
	return r, r != nil
}

func (a *AddressSpace) lookupLocked(gpa uint64) *Region {
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].End() > gpa })
	if i < len(a.regions) && a.regions[i].contains(gpa) {
		return a.regions[i]
	}
	return nil
}

// Regions returns a copy of the region list in address order.
func (a *AddressSpace) Regions() []*Region {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return append([]*Region(nil), a.regions...)
}

// RW replays a guest access. RAM writes mark pages dirty, ROM writes are
// dropped and reads of unmapped addresses return all ones.
func (a *AddressSpace) RW(gpa uint64, data []byte, isWrite bool) error {
	for len(data) > 0 {
		a.mu.RLock()
		r := a.lookupLocked(gpa)
		a.mu.RUnlock()

		if r == nil {
			if !isWrite {
				for i := range data {
					data[i] = 0xff
				}
			}
			return nil
		}

		n := uint64(len(data))
		if avail := r.End() - gpa; n > avail {
			n = avail
		}
		chunk := data[:n]
		off := gpa - r.Base

		switch r.Kind {
		case RegionRAM:
			if isWrite {
				copy(r.mem[off:], chunk)
				a.MarkDirty(gpa, n)
			} else {
				copy(chunk, r.mem[off:])
			}
		case RegionROM:
			if !isWrite {
				copy(chunk, r.mem[off:])
			}
		case RegionMMIO:
			var err error
			if isWrite {
				err = r.dev.WriteMMIO(gpa, chunk)
			} else {
				err = r.dev.ReadMMIO(gpa, chunk)
			}
			if err != nil {
				return fmt.Errorf("address_space: mmio %s at 0x%x: %w", r.Name, gpa, err)
			}
		}

		data = data[n:]
		gpa += n
	}
	return nil
}

// ReadAt reads guest memory. MMIO and unmapped ranges are errors.
func (a *AddressSpace) ReadAt(p []byte, off int64) (int, error) {
	return a.copyRAM(p, uint64(off), false)
}

// WriteAt writes guest memory, including ROM, without dirty tracking side
// effects beyond marking the written pages.
func (a *AddressSpace) WriteAt(p []byte, off int64) (int, error) {
	return a.copyRAM(p, uint64(off), true)
}

func (a *AddressSpace) copyRAM(p []byte, gpa uint64, write bool) (int, error) {
	done := 0
	for done < len(p) {
		a.mu.RLock()
		r := a.lookupLocked(gpa)
		a.mu.RUnlock()
		if r == nil || r.Kind == RegionMMIO {
			return done, fmt.Errorf("address_space: 0x%x: %w", gpa, ErrUnmappedAddress)
		}
		off := gpa - r.Base
		var n int
		if write {
			n = copy(r.mem[off:], p[done:])
			a.MarkDirty(gpa, uint64(n))
		} else {
			n = copy(p[done:], r.mem[off:])
		}
		done += n
		gpa += uint64(n)
	}
	return done, nil
}

func pageCount(size uint64) uint64 {
	return alignUp(size, TargetPageSize) / TargetPageSize
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
