//go:build linux

package gvm

import (
	"errors"
	"slices"
	"testing"
	"unsafe"

	"github.com/tinyrange/gvm/internal/hv"
)

func memSession(t *testing.T, mem *hv.AddressSpace) (*fakeKernel, *Session) {
	t.Helper()
	k := newFakeKernel()
	return k, newTestSession(t, k, Options{Memory: mem})
}

func slotAt(t *testing.T, s *Session, gpa uint64) Slot {
	t.Helper()
	for _, m := range s.Slots() {
		if m.GPA == gpa {
			return m
		}
	}
	t.Fatalf("no slot at 0x%x in %+v", gpa, s.Slots())
	return Slot{}
}

func TestSlotsFollowAddressSpace(t *testing.T) {
	mem := hv.NewAddressSpace()
	low := make([]byte, 0xa0000)
	if _, err := mem.AddRAM("low", 0, low); err != nil {
		t.Fatal(err)
	}
	// Regions present before the session are replayed into it.
	k, s := memSession(t, mem)

	high := make([]byte, 0x100000)
	if _, err := mem.AddRAM("high", 0x100000, high); err != nil {
		t.Fatal(err)
	}
	bios, err := mem.AddROM("bios", 0xfffe0000, make([]byte, 0x20000))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.AddMMIO("lapic", 0xfee00000, 0x1000, hv.SimpleMMIODevice{}); err != nil {
		t.Fatal(err)
	}

	if n := len(s.Slots()); n != 3 {
		t.Fatalf("live slots = %d, want 3 (MMIO gets none)", n)
	}
	if len(k.slots) != 3 {
		t.Errorf("kernel slots = %d, want 3", len(k.slots))
	}
	rom := slotAt(t, s, 0xfffe0000)
	if !rom.ReadOnly() || k.slots[uint32(rom.Index)].Flags&memReadonly == 0 {
		t.Errorf("bios slot not read-only: %+v", rom)
	}

	hva, ok := s.GPAToHVA(0x101234)
	if !ok || hva != uintptr(unsafe.Pointer(&high[0x1234])) {
		t.Errorf("GPAToHVA(0x101234) = 0x%x, %v", hva, ok)
	}
	if _, ok := s.GPAToHVA(0xfee00000); ok {
		t.Error("MMIO address translated to host memory")
	}

	if err := mem.Remove(bios); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(k.slots) != 2 || len(s.Slots()) != 2 {
		t.Errorf("after remove kernel=%d session=%d slots, want 2", len(k.slots), len(s.Slots()))
	}
	if !s.HasFreeSlot() {
		t.Error("HasFreeSlot = false with slots to spare")
	}
}

func TestSlotAlignment(t *testing.T) {
	mem := hv.NewAddressSpace()
	k, s := memSession(t, mem)

	// The unaligned head and tail stay with the emulator.
	if _, err := mem.AddRAM("ragged", 0x10100, make([]byte, 0x2000)); err != nil {
		t.Fatal(err)
	}
	m := slotAt(t, s, 0x11000)
	if m.Size != 0x1000 {
		t.Errorf("slot size = 0x%x, want 0x1000", m.Size)
	}
	if got := k.slots[uint32(m.Index)]; got.GuestPhysAddr != 0x11000 || got.MemorySize != 0x1000 {
		t.Errorf("kernel slot = %+v", got)
	}

	// Smaller than a page after alignment: no slot at all.
	commits := len(k.slotCommits)
	if _, err := mem.AddRAM("tiny", 0x40100, make([]byte, 0x800)); err != nil {
		t.Fatal(err)
	}
	if len(k.slotCommits) != commits {
		t.Errorf("sub-page region registered a slot")
	}
}

func TestDirtyLogging(t *testing.T) {
	mem := hv.NewAddressSpace()
	k, s := memSession(t, mem)

	r, err := mem.AddRAM("ram", 0x100000, make([]byte, 0x10000))
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.SetDirtyLogging(r, true); err != nil {
		t.Fatalf("SetDirtyLogging: %v", err)
	}
	m := slotAt(t, s, 0x100000)
	if !m.LogDirty() || k.slots[uint32(m.Index)].Flags&memLogDirtyPages == 0 {
		t.Fatalf("slot not logging: %+v", m)
	}

	k.dirty[uint32(m.Index)] = []uint64{0b101}
	if err := mem.SyncDirty(r); err != nil {
		t.Fatalf("SyncDirty: %v", err)
	}
	if got, want := mem.DirtyPages(r), []uint64{0x100000, 0x102000}; !slices.Equal(got, want) {
		t.Errorf("dirty pages = %x, want %x", got, want)
	}

	k.dirty[uint32(m.Index)] = []uint64{1 << 15}
	if err := s.SyncAllDirty(); err != nil {
		t.Fatalf("SyncAllDirty: %v", err)
	}
	if got, want := mem.DirtyPages(r), []uint64{0x10f000}; !slices.Equal(got, want) {
		t.Errorf("dirty pages = %x, want %x", got, want)
	}

	// The final bitmap is collected when the region goes away.
	k.dirty[uint32(m.Index)] = []uint64{1 << 1}
	if err := mem.Remove(r); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got, want := mem.DirtyPages(r), []uint64{0x101000}; !slices.Equal(got, want) {
		t.Errorf("dirty pages after remove = %x, want %x", got, want)
	}
}

func TestReadOnlySlotRecommit(t *testing.T) {
	mem := hv.NewAddressSpace()
	k, _ := memSession(t, mem)

	rom, err := mem.AddROM("rom", 0xc0000, make([]byte, 0x8000))
	if err != nil {
		t.Fatal(err)
	}
	commits := len(k.slotCommits)
	if err := mem.SetDirtyLogging(rom, true); err != nil {
		t.Fatalf("SetDirtyLogging: %v", err)
	}

	// A read-only slot is deleted and registered again with the new flags.
	got := k.slotCommits[commits:]
	if len(got) != 2 || got[0].MemorySize != 0 || got[1].MemorySize != 0x8000 {
		t.Fatalf("commits = %+v, want delete then add", got)
	}
	if got[1].Flags != memReadonly|memLogDirtyPages {
		t.Errorf("flags = 0x%x", got[1].Flags)
	}
}

func TestUserRAMAndHVAToGPA(t *testing.T) {
	k, s := memSession(t, nil)
	buf := make([]byte, 0x3000)

	if err := s.MapUserRAM(0x200000, buf, false); err != nil {
		t.Fatalf("MapUserRAM: %v", err)
	}
	// The same host pages mapped a second time, read-only.
	if err := s.MapUserRAM(0x800000, buf[0x1000:], true); err != nil {
		t.Fatalf("MapUserRAM: %v", err)
	}

	got := s.HVAToGPA(uintptr(unsafe.Pointer(&buf[0x1800])), 0x1000)
	want := []GPARange{{GPA: 0x201800, Size: 0x1000}, {GPA: 0x800800, Size: 0x1000}}
	if !slices.Equal(got, want) {
		t.Errorf("HVAToGPA = %+v, want %+v", got, want)
	}
	if got := s.HVAToGPA(uintptr(unsafe.Pointer(&buf[0])), 0x800); len(got) != 1 || got[0].GPA != 0x200000 {
		t.Errorf("HVAToGPA(head) = %+v", got)
	}
	if got := s.HVAToGPA(uintptr(unsafe.Pointer(&buf[0])), 0); got != nil {
		t.Errorf("HVAToGPA with zero length = %+v", got)
	}

	if err := s.UnmapUserRAM(0x800000, 0x2000); err != nil {
		t.Fatalf("UnmapUserRAM: %v", err)
	}
	if err := s.UnmapUserRAM(0x900000, 0x1000); err != nil {
		t.Errorf("UnmapUserRAM of an unknown range: %v", err)
	}
	if len(k.slots) != 1 {
		t.Errorf("kernel slots = %d, want 1", len(k.slots))
	}

	if err := s.MapUserRAM(0x400000, nil, false); err == nil {
		t.Error("MapUserRAM accepted an empty buffer")
	}
}

func TestUserRAMRejectsOverlapAndMisalignment(t *testing.T) {
	mem := hv.NewAddressSpace()
	if _, err := mem.AddRAM("ram", 0, make([]byte, 0x10000)); err != nil {
		t.Fatal(err)
	}
	k, s := memSession(t, mem)
	buf := make([]byte, 0x2000)

	if err := s.MapUserRAM(0x100000, buf, false); err != nil {
		t.Fatalf("MapUserRAM: %v", err)
	}
	commits := len(k.slotCommits)

	tests := []struct {
		name string
		gpa  uint64
		host []byte
		want error
	}{
		{"tail overlap", 0x101000, buf, ErrSlotOverlap},
		{"head overlap", 0xff000, buf, ErrSlotOverlap},
		{"address space ram", 0xf000, buf, ErrSlotOverlap},
		{"unaligned gpa", 0x200123, buf[:0x10], ErrUnalignedRange},
		{"unaligned length", 0x300000, buf[:0x1800], ErrUnalignedRange},
		{"wraps", 0xffff_ffff_ffff_f000, buf, ErrUnalignedRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.MapUserRAM(tt.gpa, tt.host, false); !errors.Is(err, tt.want) {
				t.Fatalf("MapUserRAM(0x%x) = %v, want %v", tt.gpa, err, tt.want)
			}
		})
	}
	if len(k.slotCommits) != commits {
		t.Errorf("rejected mappings reached the kernel: %d commits, want %d", len(k.slotCommits), commits)
	}

	// Adjacent ranges do not overlap.
	if err := s.MapUserRAM(0x102000, buf[:0x1000], false); err != nil {
		t.Fatalf("adjacent MapUserRAM: %v", err)
	}
	if err := s.MapUserRAM(0x10000, buf[:0x1000], false); err != nil {
		t.Fatalf("MapUserRAM after address space ram: %v", err)
	}
}

func TestSlotExhaustion(t *testing.T) {
	_, s := memSession(t, nil)
	buf := make([]byte, 0x1000)

	for i := range s.NumSlots() {
		if err := s.MapUserRAM(uint64(i)*0x1000, buf, false); err != nil {
			t.Fatalf("MapUserRAM %d: %v", i, err)
		}
	}
	if s.HasFreeSlot() {
		t.Error("HasFreeSlot = true with every slot used")
	}
	err := s.MapUserRAM(0x100000, buf, false)
	if !errors.Is(err, ErrSlotsExhausted) || !IsFatal(err) {
		t.Errorf("MapUserRAM past capacity = %v, want fatal ErrSlotsExhausted", err)
	}
}

func TestDirtyBitmapWords(t *testing.T) {
	for size, want := range map[uint64]int{
		0:           0,
		0x1000:      1,
		64 * 0x1000: 1,
		65 * 0x1000: 2,
		0x40000000:  4096,
	} {
		if got := dirtyBitmapWords(size); got != want {
			t.Errorf("dirtyBitmapWords(0x%x) = %d, want %d", size, got, want)
		}
	}
}
