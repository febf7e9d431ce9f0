//go:build linux

package gvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// CPUIDReg selects one output register of a CPUID leaf.
type CPUIDReg int

const (
	CPUIDEAX CPUIDReg = iota
	CPUIDEBX
	CPUIDECX
	CPUIDEDX
)

const (
	cpuid1EDXMCE  = 1 << 7
	cpuid1EDXMTRR = 1 << 12
	cpuid1EDXMCA  = 1 << 14
	cpuid1EDXPAT  = 1 << 16

	cpuid1ECXVMX         = 1 << 5
	cpuid1ECXSMX         = 1 << 6
	cpuid1ECXX2APIC      = 1 << 21
	cpuid1ECXTSCDeadline = 1 << 24
	cpuid1ECXHypervisor  = 1 << 31

	cpuid6EAXARAT = 1 << 2

	// Leaf 1 EDX bits AMD mirrors in 0x80000001 EDX.
	cpuidExt2AMDAliases = 0x0183f3ff
	cpuidExt2RDTSCP     = 1 << 27

	cpuidAPMInvariantTSC = 1 << 8
)

func (e *gvmCPUIDEntry2) reg(r CPUIDReg) uint32 {
	switch r {
	case CPUIDEAX:
		return e.Eax
	case CPUIDEBX:
		return e.Ebx
	case CPUIDECX:
		return e.Ecx
	case CPUIDEDX:
		return e.Edx
	}
	return 0
}

func findCPUIDEntry(entries []gvmCPUIDEntry2, function, index uint32) *gvmCPUIDEntry2 {
	for i := range entries {
		if entries[i].Function == function && entries[i].Index == index {
			return &entries[i]
		}
	}
	return nil
}

const cpuidHeaderSize = 8

// tryGetSupportedCPUID asks for at most max entries. It returns nil when
// the buffer was too small.
func (s *Session) tryGetSupportedCPUID(max int) ([]gvmCPUIDEntry2, error) {
	entrySize := int(unsafe.Sizeof(gvmCPUIDEntry2{}))
	buf := make([]byte, cpuidHeaderSize+max*entrySize)
	le.PutUint32(buf, uint32(max))

	_, err := ioctlBytes(s.kernel, s.fd, gvmGetSupportedCpuid, buf)
	if IsTooBig(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	nent := int(le.Uint32(buf))
	if nent >= max {
		return nil, nil
	}

	entries := unsafe.Slice((*gvmCPUIDEntry2)(unsafe.Pointer(&buf[cpuidHeaderSize])), nent)
	return append([]gvmCPUIDEntry2(nil), entries...), nil
}

func (s *Session) supportedCPUIDEntries() ([]gvmCPUIDEntry2, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.supportedCPUID != nil {
		return s.supportedCPUID, nil
	}
	for max := 1; ; max *= 2 {
		entries, err := s.tryGetSupportedCPUID(max)
		if err != nil {
			return nil, fatalf(err, "get supported cpuid")
		}
		if entries != nil {
			s.supportedCPUID = entries
			return entries, nil
		}
		if max > 1<<16 {
			return nil, fatalf(unix.E2BIG, "get supported cpuid")
		}
	}
}

// paraFeatures derives the paravirtual feature word from capabilities, for
// devices that do not report the features leaf.
func (s *Session) paraFeatures() uint32 {
	var features uint32
	for _, pf := range []struct {
		cap     Capability
		feature uint
	}{
		{CapClockSource, featureClockSource},
		{CapNopIODelay, featureNopIODelay},
		{CapAsyncPF, featureAsyncPF},
	} {
		if s.CheckExtension(pf.cap) != 0 {
			features |= 1 << pf.feature
		}
	}
	return features
}

// SupportedCPUID returns one register of a leaf as the hypervisor can
// present it to the guest, with known gaps in its report filled in.
func (s *Session) SupportedCPUID(function, index uint32, reg CPUIDReg) (uint32, error) {
	entries, err := s.supportedCPUIDEntries()
	if err != nil {
		return 0, err
	}

	var ret uint32
	entry := findCPUIDEntry(entries, function, index)
	if entry != nil {
		ret = entry.reg(reg)
	}

	switch {
	case function == 1 && reg == CPUIDEDX:
		ret |= cpuid1EDXMTRR | cpuid1EDXPAT | cpuid1EDXMCE | cpuid1EDXMCA
	case function == 1 && reg == CPUIDECX:
		ret |= cpuid1ECXHypervisor
		if s.kernelIRQChip && s.CheckExtension(CapTSCDeadlineTimer) != 0 {
			ret |= cpuid1ECXTSCDeadline
		}
		// x2apic needs the in-kernel irqchip.
		if !s.kernelIRQChip {
			ret &^= cpuid1ECXX2APIC
		}
	case function == 6 && reg == CPUIDEAX:
		ret |= cpuid6EAXARAT
	case function == 0x80000001 && reg == CPUIDEDX:
		edx, err := s.SupportedCPUID(1, 0, CPUIDEDX)
		if err != nil {
			return 0, err
		}
		ret |= edx & cpuidExt2AMDAliases
	case function == gvmCPUIDFeatures && reg == CPUIDEAX:
		if !s.kernelIRQChip {
			ret &^= 1 << featurePVUnhalt
		}
	}

	if function == gvmCPUIDFeatures && entry == nil {
		ret = s.paraFeatures()
	}
	return ret, nil
}

// supportedModel presents the hypervisor's supported CPUID as a CPU model.
type supportedModel struct{ s *Session }

func (m supportedModel) CPUID(function, index uint32) (eax, ebx, ecx, edx uint32) {
	get := func(r CPUIDReg) uint32 {
		v, err := m.s.SupportedCPUID(function, index, r)
		if err != nil {
			return 0
		}
		return v
	}
	return get(CPUIDEAX), get(CPUIDEBX), get(CPUIDECX), get(CPUIDEDX)
}

// cpuidTable accumulates the entries handed to SET_CPUID2.
type cpuidTable struct {
	data  gvmCPUID2
	model CPUModel
}

func (t *cpuidTable) next() (*gvmCPUIDEntry2, error) {
	if int(t.data.Nent) >= len(t.data.Entries) {
		return nil, fmt.Errorf("gvm: cpuid table full (%d entries)", len(t.data.Entries))
	}
	e := &t.data.Entries[t.data.Nent]
	t.data.Nent++
	return e, nil
}

func (t *cpuidTable) fill(e *gvmCPUIDEntry2, function, index, flags uint32) {
	e.Function = function
	e.Index = index
	e.Flags = flags
	e.Eax, e.Ebx, e.Ecx, e.Edx = t.model.CPUID(function, index)
}

// addRange appends every plain leaf from base up to the limit reported in
// base's eax.
func (t *cpuidTable) addRange(base uint32) error {
	limit, _, _, _ := t.model.CPUID(base, 0)
	for i := base; i <= limit; i++ {
		e, err := t.next()
		if err != nil {
			return fmt.Errorf("%w: leaf 0x%x limit 0x%x", err, i, limit)
		}
		t.fill(e, i, 0, 0)
		if i == ^uint32(0) {
			break
		}
	}
	return nil
}

func (t *cpuidTable) addBasic() error {
	limit, _, _, _ := t.model.CPUID(0, 0)
	for i := uint32(0); i <= limit; i++ {
		switch i {
		case 2:
			// Stateful: the guest reads leaf 2 eax&0xff times.
			e, err := t.next()
			if err != nil {
				return err
			}
			t.fill(e, i, 0, cpuidFlagStatefulFunc|cpuidFlagStateReadNext)
			times := int(e.Eax & 0xff)
			for j := 1; j < times; j++ {
				e, err := t.next()
				if err != nil {
					return fmt.Errorf("%w: leaf 2 repeat %d", err, times)
				}
				t.fill(e, i, 0, cpuidFlagStatefulFunc)
			}
		case 4, 0xb, 0xd:
			for j := uint32(0); ; j++ {
				if i == 0xd && j == 64 {
					break
				}
				var e gvmCPUIDEntry2
				t.fill(&e, i, j, cpuidFlagSignificantIndex)
				if i == 4 && e.Eax == 0 {
					break
				}
				if i == 0xb && e.Ecx&0xff00 == 0 {
					break
				}
				if i == 0xd && e.Eax == 0 {
					continue
				}
				slot, err := t.next()
				if err != nil {
					return fmt.Errorf("%w: leaf 0x%x index 0x%x", err, i, j)
				}
				*slot = e
			}
		default:
			e, err := t.next()
			if err != nil {
				return fmt.Errorf("%w: level 0x%x", err, limit)
			}
			t.fill(e, i, 0, 0)
		}
	}
	return nil
}

func (t *cpuidTable) entries() []gvmCPUIDEntry2 {
	return t.data.Entries[:t.data.Nent]
}

// buildCPUID computes the vCPU's CPUID table and narrows the per-vCPU MSR
// set to what the model advertises.
func (v *VCPU) buildCPUID(model CPUModel) (*cpuidTable, error) {
	t := &cpuidTable{model: model}

	if err := t.addBasic(); err != nil {
		return nil, err
	}

	basicLimit, _, _, _ := model.CPUID(0, 0)
	if basicLimit >= 0xa {
		ver, _, _, _ := model.CPUID(0xa, 0)
		if ver&0xff > 0 {
			v.msrs.pmu = true
			v.msrs.pmuCounters = min(int(ver&0xff00)>>8, maxGPCounters)
		}
	}

	if err := t.addRange(0x80000000); err != nil {
		return nil, err
	}
	if centaur, _, _, _ := model.CPUID(0xc0000000, 0); centaur >= 0xc0000000 {
		if err := t.addRange(0xc0000000); err != nil {
			return nil, err
		}
	}

	entries := t.entries()
	if c := findCPUIDEntry(entries, 1, 0); c != nil {
		v.msrs.featureControl = c.Ecx&(cpuid1ECXVMX|cpuid1ECXSMX) != 0
		v.msrs.mtrr = c.Edx&cpuid1EDXMTRR != 0
	}
	if c := findCPUIDEntry(entries, 0x80000001, 0); c == nil || c.Edx&cpuidExt2RDTSCP == 0 {
		v.msrs.tscAux = false
	}
	if c := findCPUIDEntry(entries, 0x80000007, 0); c != nil && c.Edx&cpuidAPMInvariantTSC != 0 {
		// An invariant TSC cannot be carried to another host.
		v.unmigratable = true
	}

	return t, nil
}

func (v *VCPU) setCPUID(t *cpuidTable) error {
	t.data.Padding = 0
	_, err := ioctl(v.s.kernel, v.fd, gvmSetCpuid2, &t.data)
	return err
}
