//go:build linux

package gvm

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/tinyrange/gvm/internal/debug"
	"github.com/tinyrange/gvm/internal/hv"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Slot is one guest-physical to host-virtual mapping registered with the
// hypervisor. A slot is free while Size is zero.
type Slot struct {
	Index int
	GPA   uint64
	Size  uint64
	Flags uint32

	host []byte
}

func (m *Slot) live() bool { return m.Size != 0 }

func (m *Slot) hva() uintptr {
	if len(m.host) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.host[0]))
}

func (m *Slot) LogDirty() bool { return m.Flags&memLogDirtyPages != 0 }
func (m *Slot) ReadOnly() bool { return m.Flags&memReadonly != 0 }

// GPARange is a guest physical range.
type GPARange struct {
	GPA  uint64
	Size uint64
}

// alignSection rounds the start of a section up and its end down to the
// host page size. A zero size means nothing is left to map.
func alignSection(gpa, size uint64) (start, aligned uint64) {
	up, ok := hostarch.Addr(gpa).RoundUp()
	if !ok {
		return gpa, 0
	}
	start = uint64(up)
	delta := start - gpa
	if delta > size {
		return start, 0
	}
	return start, uint64(hostarch.Addr(size - delta).RoundDown())
}

func sectionFlags(sec hv.Section) uint32 {
	var flags uint32
	if sec.LogDirty() {
		flags |= memLogDirtyPages
	}
	if sec.ReadOnly() {
		flags |= memReadonly
	}
	return flags
}

func (s *Session) freeSlotLocked() *Slot {
	for i := range s.slots {
		if !s.slots[i].live() {
			return &s.slots[i]
		}
	}
	return nil
}

func (s *Session) allocSlotLocked() (*Slot, error) {
	if m := s.freeSlotLocked(); m != nil {
		return m, nil
	}
	return nil, fatalf(ErrSlotsExhausted, "allocate slot (capacity %d)", s.nrSlots)
}

func (s *Session) matchingSlotLocked(gpa, size uint64) *Slot {
	for i := range s.slots {
		m := &s.slots[i]
		if m.GPA == gpa && m.Size == size && m.live() {
			return m
		}
	}
	return nil
}

// HasFreeSlot reports whether another memory slot can be registered.
func (s *Session) HasFreeSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeSlotLocked() != nil
}

// Slots returns a copy of the live slots.
func (s *Session) Slots() []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Slot
	for _, m := range s.slots {
		if m.live() {
			out = append(out, m)
		}
	}
	return out
}

func (s *Session) commitSlotLocked(m *Slot) error {
	region := gvmUserspaceMemoryRegion{
		Slot:          uint32(m.Index),
		Flags:         m.Flags,
		GuestPhysAddr: m.GPA,
		UserspaceAddr: uint64(m.hva()),
	}

	// A read-only slot cannot be changed in place; drop it first.
	if m.Size != 0 && m.Flags&memReadonly != 0 {
		region.MemorySize = 0
		if _, err := ioctl(s.kernel, s.vmFd, gvmSetUserMemoryRegion, &region); err != nil {
			return err
		}
	}

	region.MemorySize = m.Size
	_, err := ioctl(s.kernel, s.vmFd, gvmSetUserMemoryRegion, &region)
	runtime.KeepAlive(m.host)

	debug.Writef("gvm memory", "slot %d gpa=0x%x size=0x%x flags=0x%x hva=0x%x err=%v",
		m.Index, m.GPA, m.Size, m.Flags, region.UserspaceAddr, err)
	return err
}

func (s *Session) setPhysMemLocked(sec hv.Section, add bool) error {
	if !sec.IsRAM() {
		return nil
	}

	start, size := alignSection(sec.GPA, sec.Size)
	if size == 0 {
		return nil
	}

	if !add {
		m := s.matchingSlotLocked(start, size)
		if m == nil {
			return nil
		}
		if m.LogDirty() {
			if err := s.syncDirtySlotLocked(m); err != nil {
				return err
			}
		}

		m.Size = 0
		if err := s.commitSlotLocked(m); err != nil {
			return fatalf(err, "unregister slot %d", m.Index)
		}
		m.host = nil
		return nil
	}

	host := sec.Host()
	if host == nil {
		return fmt.Errorf("gvm: section at 0x%x has no host memory", sec.GPA)
	}
	off := start - sec.GPA

	m, err := s.allocSlotLocked()
	if err != nil {
		return err
	}
	m.GPA = start
	m.Size = size
	m.host = host[off : off+size]
	m.Flags = sectionFlags(sec)

	if err := s.commitSlotLocked(m); err != nil {
		m.Size = 0
		m.host = nil
		return fatalf(err, "register slot %d", m.Index)
	}
	return nil
}

func (s *Session) updateSectionFlagsLocked(sec hv.Section) error {
	start, size := alignSection(sec.GPA, sec.Size)
	if size == 0 {
		return nil
	}

	// No slot means every access traps, so there is nothing to update.
	m := s.matchingSlotLocked(start, size)
	if m == nil {
		return nil
	}

	flags := sectionFlags(sec)
	if flags == m.Flags {
		return nil
	}
	m.Flags = flags
	if err := s.commitSlotLocked(m); err != nil {
		return fatalf(err, "update slot %d flags", m.Index)
	}
	return nil
}

// dirtyBitmapWords returns the bitmap length for a slot. The kernel always
// uses 64-bit granularity.
func dirtyBitmapWords(size uint64) int {
	pages := size / hv.TargetPageSize
	return int((pages + 63) / 64)
}

func (s *Session) dirtyLogLocked(m *Slot) ([]uint64, error) {
	bitmap := make([]uint64, dirtyBitmapWords(m.Size))
	if len(bitmap) == 0 {
		return nil, nil
	}
	log := gvmDirtyLog{
		Slot:   uint32(m.Index),
		Bitmap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}
	_, err := ioctl(s.kernel, s.vmFd, gvmGetDirtyLog, &log)
	runtime.KeepAlive(bitmap)
	if err != nil {
		return nil, err
	}
	return bitmap, nil
}

func (s *Session) syncDirtySlotLocked(m *Slot) error {
	bitmap, err := s.dirtyLogLocked(m)
	if err != nil {
		return fatalf(err, "sync dirty bitmap for slot %d", m.Index)
	}
	if s.memory != nil && bitmap != nil {
		s.memory.MarkDirtyBitmap(m.GPA, bitmap, m.Size/hv.TargetPageSize)
	}
	return nil
}

func (s *Session) syncSectionLocked(sec hv.Section) error {
	start, size := alignSection(sec.GPA, sec.Size)
	if size == 0 {
		return nil
	}
	m := s.matchingSlotLocked(start, size)
	if m == nil {
		return nil
	}
	return s.syncDirtySlotLocked(m)
}

// SyncAllDirty folds the dirty log of every slot with logging enabled into
// the address space. Callers quiesce the vCPUs first.
func (s *Session) SyncAllDirty() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		m := &s.slots[i]
		if !m.live() || !m.LogDirty() {
			continue
		}
		if err := s.syncDirtySlotLocked(m); err != nil {
			return err
		}
	}
	return nil
}

// GPAToHVA translates a guest physical address to the host address backing
// it.
func (s *Session) GPAToHVA(gpa uint64) (uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		m := &s.slots[i]
		if m.live() && gpa >= m.GPA && gpa-m.GPA < m.Size {
			return m.hva() + uintptr(gpa-m.GPA), true
		}
	}
	return 0, false
}

// HVAToGPA returns every guest physical range backed by [hva, hva+length).
// A host range may be mapped by several slots.
func (s *Session) HVAToGPA(hva uintptr, length uint64) []GPARange {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := hostarch.AddrRange{Start: hostarch.Addr(hva), End: hostarch.Addr(uint64(hva) + length)}
	if !query.WellFormed() || query.Length() == 0 {
		return nil
	}

	var out []GPARange
	for i := range s.slots {
		m := &s.slots[i]
		if !m.live() {
			continue
		}
		base := hostarch.Addr(m.hva())
		slot := hostarch.AddrRange{Start: base, End: base + hostarch.Addr(m.Size)}
		in := query.Intersect(slot)
		if in.Length() == 0 {
			continue
		}
		out = append(out, GPARange{
			GPA:  m.GPA + uint64(in.Start-base),
			Size: uint64(in.Length()),
		})
	}
	return out
}

// MapUserRAM registers host memory that is not part of the emulated
// address space.
func (s *Session) MapUserRAM(gpa uint64, host []byte, readOnly bool) error {
	if len(host) == 0 {
		return fmt.Errorf("gvm: map user ram at 0x%x: empty buffer", gpa)
	}
	r := hostarch.AddrRange{Start: hostarch.Addr(gpa), End: hostarch.Addr(gpa + uint64(len(host)))}
	if !r.IsPageAligned() || !r.WellFormed() {
		return fmt.Errorf("gvm: map user ram at 0x%x+0x%x: %w", gpa, len(host), ErrUnalignedRange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		m := &s.slots[i]
		if m.live() && r.Overlaps(hostarch.AddrRange{Start: hostarch.Addr(m.GPA), End: hostarch.Addr(m.GPA + m.Size)}) {
			return fmt.Errorf("gvm: map user ram at 0x%x: slot at 0x%x: %w", gpa, m.GPA, ErrSlotOverlap)
		}
	}

	m, err := s.allocSlotLocked()
	if err != nil {
		return err
	}
	m.GPA = gpa
	m.Size = uint64(len(host))
	m.host = host
	m.Flags = 0
	if readOnly {
		m.Flags |= memReadonly
	}
	if err := s.commitSlotLocked(m); err != nil {
		m.Size = 0
		m.host = nil
		return fatalf(err, "map user ram at 0x%x", gpa)
	}
	return nil
}

// UnmapUserRAM removes a mapping added with MapUserRAM. Unknown ranges are
// ignored.
func (s *Session) UnmapUserRAM(gpa, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.matchingSlotLocked(gpa, size)
	if m == nil {
		return nil
	}
	m.Size = 0
	if err := s.commitSlotLocked(m); err != nil {
		return fatalf(err, "unmap user ram at 0x%x", gpa)
	}
	m.host = nil
	return nil
}

// slotListener mirrors address space changes into memory slots.
type slotListener struct {
	s *Session
}

func (l *slotListener) RegionAdd(sec hv.Section) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.s.setPhysMemLocked(sec, true)
}

func (l *slotListener) RegionDel(sec hv.Section) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.s.setPhysMemLocked(sec, false)
}

func (l *slotListener) LogStart(sec hv.Section) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.s.updateSectionFlagsLocked(sec)
}

func (l *slotListener) LogStop(sec hv.Section) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.s.updateSectionFlagsLocked(sec)
}

func (l *slotListener) LogSync(sec hv.Section) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.s.syncSectionLocked(sec)
}

var _ hv.MemoryListener = &slotListener{}
