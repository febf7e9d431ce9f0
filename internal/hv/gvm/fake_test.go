//go:build linux

package gvm

import (
	"sync"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/gvm/internal/hv"
)

type fakeFdKind int

const (
	fakeDevice fakeFdKind = iota + 1
	fakeVM
	fakeVCPUFd
)

// fakeVCPU is the kernel side of one vCPU handle.
type fakeVCPU struct {
	id      int
	mapping []byte

	regs       gvmRegs
	sregs      gvmSregs
	fpu        gvmFPU
	xsave      gvmXSave
	xcrs       gvmXCRs
	msrs       map[uint32]uint64
	events     gvmVCPUEvents
	debugRegs  gvmDebugRegs
	mp         gvmMPState
	lapic      LAPICState
	guestDebug gvmGuestDebug
	cpuid      []gvmCPUIDEntry2
	tscKHz     uint32

	setMSRCalls int
	nmis        int
	smis        int
	interrupts  []uint32
	kicks       int
	runs        int

	// exits is consumed by RUN, one per call. An empty queue reports a
	// kick exit.
	exits []fakeExit
}

// fakeExit fills the run structure for one RUN call, or fails it.
type fakeExit struct {
	errno unix.Errno
	fill  func(run *gvmRunData, mapping []byte)
}

func (v *fakeVCPU) runData() *gvmRunData {
	return (*gvmRunData)(unsafe.Pointer(&v.mapping[0]))
}

// fakeKernel is an in-memory hypervisor implementing Kernel.
type fakeKernel struct {
	mu sync.Mutex

	nextFd int
	fds    map[int]fakeFdKind
	closed []int

	caps     map[Capability]int
	vmCaps   map[Capability]int
	msrList  []uint32
	cpuid    []gvmCPUIDEntry2
	mmapSize int
	tscKHz   uint32

	// fail makes a command fail with the errno.
	fail    map[uint64]unix.Errno
	openErr error

	slots       map[uint32]gvmUserspaceMemoryRegion
	slotCommits []gvmUserspaceMemoryRegion
	dirty       map[uint32][]uint64

	routes       []gvmIRQRoutingEntry
	routeCommits int
	irqLines     []gvmIRQLevel

	identityMap uint64
	tssAddr     uint64
	irqchip     bool

	vcpus    map[int]*fakeVCPU // by fd
	byID     map[int]*fakeVCPU
	unmapped int
	calls    []uint64
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		nextFd: 10,
		fds:    make(map[int]fakeFdKind),
		caps: map[Capability]int{
			CapIRQChip:          1,
			CapNrVCPUs:          4,
			CapMaxVCPUs:         8,
			CapNrMemslots:       8,
			CapIRQRouting:       25,
			CapSetIdentityMap:   1,
			CapVCPUEvents:       1,
			CapDebugRegs:        1,
			CapRobustSingleStep: 1,
			CapXSave:            1,
			CapXCRs:             1,
			CapTSCControl:       1,
			CapGetTSCKHz:        1,
			CapSetGuestDebug:    1,
			CapClockSource:      1,
		},
		vmCaps: map[Capability]int{CapReadonlyMem: 1},
		msrList: []uint32{
			msrStar, msrLStar, msrCStar, msrFMask, msrKernelGSBase,
			msrTSCAux, msrTSCAdjust, msrIA32TSCDeadline, msrIA32MiscEnable,
		},
		cpuid:    fakeSupportedCPUID(),
		mmapSize: 4096,
		tscKHz:   2000000,
		fail:     make(map[uint64]unix.Errno),
		slots:    make(map[uint32]gvmUserspaceMemoryRegion),
		dirty:    make(map[uint32][]uint64),
		vcpus:    make(map[int]*fakeVCPU),
		byID:     make(map[int]*fakeVCPU),
	}
}

// fakeSupportedCPUID describes a small 64-bit CPU with VMX, MTRRs and
// RDTSCP.
func fakeSupportedCPUID() []gvmCPUIDEntry2 {
	return []gvmCPUIDEntry2{
		{Function: 0, Eax: 0xd, Ebx: 0x756e6547, Ecx: 0x6c65746e, Edx: 0x49656e69},
		{Function: 1, Eax: 0x806e9, Ecx: cpuid1ECXVMX | cpuid1ECXX2APIC, Edx: cpuid1EDXMTRR | 1<<0},
		{Function: 2, Eax: 0x1},
		{Function: 4, Index: 0, Eax: 0x121, Flags: cpuidFlagSignificantIndex},
		{Function: 4, Index: 1, Eax: 0x122, Flags: cpuidFlagSignificantIndex},
		{Function: 0xb, Index: 0, Ecx: 0x100, Flags: cpuidFlagSignificantIndex},
		{Function: 0xd, Index: 0, Eax: 0x7, Flags: cpuidFlagSignificantIndex},
		{Function: 0xd, Index: 1, Eax: 0x1, Flags: cpuidFlagSignificantIndex},
		{Function: 0x80000000, Eax: 0x80000008},
		{Function: 0x80000001, Edx: cpuidExt2RDTSCP | 1<<29},
		{Function: 0x80000008, Eax: 0x3027},
	}
}

func (k *fakeKernel) allocFd(kind fakeFdKind) int {
	fd := k.nextFd
	k.nextFd++
	k.fds[fd] = kind
	return fd
}

func (k *fakeKernel) Open(path string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.openErr != nil {
		return -1, k.openErr
	}
	return k.allocFd(fakeDevice), nil
}

func (k *fakeKernel) Close(fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.fds[fd]; !ok {
		return unix.EBADF
	}
	delete(k.fds, fd)
	k.closed = append(k.closed, fd)
	return nil
}

func (k *fakeKernel) Mmap(fd int, length int) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.vcpus[fd]
	if !ok {
		return nil, unix.EBADF
	}
	// Keep the run structure 8-byte aligned.
	words := make([]uint64, (length+7)/8)
	v.mapping = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), length)
	return v.mapping, nil
}

func (k *fakeKernel) Munmap(b []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.unmapped++
	return nil
}

func (k *fakeKernel) IoctlInt(fd int, cmd uint64, arg uintptr) (uintptr, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, cmd)

	if errno, ok := k.fail[cmd]; ok {
		return 0, errno
	}

	switch cmd {
	case gvmGetApiVersion:
		return gvmApiVersion, nil
	case gvmCheckExtension:
		caps := k.caps
		if k.fds[fd] == fakeVM {
			caps = k.vmCaps
		}
		return uintptr(caps[Capability(arg)]), nil
	case gvmCreateVm:
		return uintptr(k.allocFd(fakeVM)), nil
	case gvmGetVcpuMmapSize:
		return uintptr(k.mmapSize), nil
	case gvmSetTssAddr:
		k.tssAddr = uint64(arg)
		return 0, nil
	case gvmCreateIrqchip:
		k.irqchip = true
		return 0, nil
	case gvmCreateVcpu:
		vfd := k.allocFd(fakeVCPUFd)
		v := &fakeVCPU{id: int(arg), msrs: make(map[uint32]uint64)}
		k.vcpus[vfd] = v
		k.byID[v.id] = v
		return uintptr(vfd), nil
	}

	v, ok := k.vcpus[fd]
	if !ok {
		return 0, unix.EBADF
	}
	switch cmd {
	case gvmRun:
		return 0, k.runLocked(v)
	case gvmNmi:
		v.nmis++
	case gvmSmi:
		v.smis++
	case gvmSetTscKhz:
		v.tscKHz = uint32(arg)
	case gvmGetTscKhz:
		if v.tscKHz != 0 {
			return uintptr(v.tscKHz), nil
		}
		return uintptr(k.tscKHz), nil
	default:
		return 0, unix.ENOTTY
	}
	return 0, nil
}

func (k *fakeKernel) runLocked(v *fakeVCPU) error {
	v.runs++
	run := v.runData()
	if run.UserEventPending != 0 {
		return unix.EINTR
	}
	if len(v.exits) == 0 {
		run.ExitReason = uint32(exitIntr)
		return nil
	}
	exit := v.exits[0]
	v.exits = v.exits[1:]
	if exit.errno != 0 {
		return exit.errno
	}
	clear(run.data[:])
	exit.fill(run, v.mapping)
	return nil
}

func (k *fakeKernel) Ioctl(fd int, cmd uint64, arg unsafe.Pointer) (uintptr, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, cmd)

	if errno, ok := k.fail[cmd]; ok {
		return 0, errno
	}

	switch cmd {
	case gvmGetMsrIndexList:
		list := (*gvmMSRList)(arg)
		if int(list.NMSRs) < len(k.msrList) {
			list.NMSRs = uint32(len(k.msrList))
			return 0, unix.E2BIG
		}
		list.NMSRs = uint32(len(k.msrList))
		copy(list.Indices[:], k.msrList)
		return 0, nil
	case gvmGetSupportedCpuid:
		hdr := (*[2]uint32)(arg)
		max := int(hdr[0])
		if max < len(k.cpuid) {
			return 0, unix.E2BIG
		}
		entries := unsafe.Slice((*gvmCPUIDEntry2)(unsafe.Add(arg, cpuidHeaderSize)), max)
		copy(entries, k.cpuid)
		hdr[0] = uint32(len(k.cpuid))
		return 0, nil
	case gvmSetIdentityMapAddr:
		k.identityMap = *(*uint64)(arg)
		return 0, nil
	case gvmSetUserMemoryRegion:
		region := *(*gvmUserspaceMemoryRegion)(arg)
		k.slotCommits = append(k.slotCommits, region)
		if region.MemorySize == 0 {
			delete(k.slots, region.Slot)
		} else {
			k.slots[region.Slot] = region
		}
		return 0, nil
	case gvmGetDirtyLog:
		log := (*gvmDirtyLog)(arg)
		region, ok := k.slots[log.Slot]
		if !ok {
			return 0, unix.ENOENT
		}
		words := dirtyBitmapWords(region.MemorySize)
		out := unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(log.Bitmap))), words)
		copy(out, k.dirty[log.Slot])
		delete(k.dirty, log.Slot)
		return 0, nil
	case gvmSetGsiRouting:
		hdr := (*gvmIRQRouting)(arg)
		entries := unsafe.Slice((*gvmIRQRoutingEntry)(unsafe.Add(arg, unsafe.Sizeof(gvmIRQRouting{}))), hdr.Nr)
		k.routes = append(k.routes[:0], entries...)
		k.routeCommits++
		return 0, nil
	case gvmIrqLineStatus:
		ev := (*gvmIRQLevel)(arg)
		k.irqLines = append(k.irqLines, *ev)
		ev.Level = 1
		return 0, nil
	case gvmKickVcpu:
		id := int(*(*uint64)(arg))
		if v, ok := k.byID[id]; ok {
			v.kicks++
		}
		return 0, nil
	}

	v, ok := k.vcpus[fd]
	if !ok {
		return 0, unix.EBADF
	}
	switch cmd {
	case gvmGetRegs:
		*(*gvmRegs)(arg) = v.regs
	case gvmSetRegs:
		v.regs = *(*gvmRegs)(arg)
	case gvmGetSregs:
		*(*gvmSregs)(arg) = v.sregs
	case gvmSetSregs:
		v.sregs = *(*gvmSregs)(arg)
	case gvmGetFpu:
		*(*gvmFPU)(arg) = v.fpu
	case gvmSetFpu:
		v.fpu = *(*gvmFPU)(arg)
	case gvmGetXsave:
		*(*gvmXSave)(arg) = v.xsave
	case gvmSetXsave:
		v.xsave = *(*gvmXSave)(arg)
	case gvmGetXcrs:
		*(*gvmXCRs)(arg) = v.xcrs
	case gvmSetXcrs:
		v.xcrs = *(*gvmXCRs)(arg)
	case gvmGetMsrs:
		msrs := (*gvmMSRs)(arg)
		for i := range msrs.Entries[:msrs.NMSRs] {
			msrs.Entries[i].Data = v.msrs[msrs.Entries[i].Index]
		}
		return uintptr(msrs.NMSRs), nil
	case gvmSetMsrs:
		v.setMSRCalls++
		msrs := (*gvmMSRs)(arg)
		for _, e := range msrs.Entries[:msrs.NMSRs] {
			v.msrs[e.Index] = e.Data
		}
		return uintptr(msrs.NMSRs), nil
	case gvmGetVcpuEvents:
		*(*gvmVCPUEvents)(arg) = v.events
	case gvmSetVcpuEvents:
		v.events = *(*gvmVCPUEvents)(arg)
	case gvmGetDebugRegs:
		*(*gvmDebugRegs)(arg) = v.debugRegs
	case gvmSetDebugRegs:
		v.debugRegs = *(*gvmDebugRegs)(arg)
	case gvmGetMpState:
		*(*gvmMPState)(arg) = v.mp
	case gvmSetMpState:
		v.mp = *(*gvmMPState)(arg)
	case gvmGetLapic:
		*(*LAPICState)(arg) = v.lapic
	case gvmSetLapic:
		v.lapic = *(*LAPICState)(arg)
	case gvmSetCpuid2:
		c := (*gvmCPUID2)(arg)
		v.cpuid = append([]gvmCPUIDEntry2(nil), c.Entries[:c.Nent]...)
	case gvmSetGuestDebug:
		v.guestDebug = *(*gvmGuestDebug)(arg)
	case gvmInterrupt:
		v.interrupts = append(v.interrupts, (*gvmIRQ)(arg).IRQ)
	default:
		return 0, unix.ENOTTY
	}
	return 0, nil
}

func (k *fakeKernel) vcpu(id int) *fakeVCPU {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.byID[id]
}

func (k *fakeKernel) queueExits(id int, exits ...fakeExit) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v := k.byID[id]
	v.exits = append(v.exits, exits...)
}

func (k *fakeKernel) countCalls(cmd uint64) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for _, c := range k.calls {
		if c == cmd {
			n++
		}
	}
	return n
}

var _ Kernel = (*fakeKernel)(nil)

// fakeMachine records the run state requests of the accelerator.
type fakeMachine struct {
	mu        sync.Mutex
	running   bool
	resets    []hv.ShutdownCause
	shutdowns []hv.ShutdownCause
	panicked  []int
	stops     []hv.RunState
}

func (m *fakeMachine) RequestReset(cause hv.ShutdownCause) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, cause)
}

func (m *fakeMachine) RequestShutdown(cause hv.ShutdownCause) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns = append(m.shutdowns, cause)
}

func (m *fakeMachine) GuestPanicked(vcpu int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicked = append(m.panicked, vcpu)
}

func (m *fakeMachine) Stop(state hv.RunState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, state)
}

func (m *fakeMachine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// fakeAPIC is a minimal local APIC model.
type fakeAPIC struct {
	tpr        uint8
	base       uint64
	bsp        bool
	tprReports []uint64
	polls      int
	rearmedTSC uint64
	rearmedNs  int64
}

func (a *fakeAPIC) RearmTimer(tsc uint64, nowNs int64) error {
	a.rearmedTSC = tsc
	a.rearmedNs = nowNs
	return nil
}
func (a *fakeAPIC) TPR() uint8 { return a.tpr }
func (a *fakeAPIC) SetTPR(tpr uint8) { a.tpr = tpr }
func (a *fakeAPIC) Base() uint64 { return a.base }
func (a *fakeAPIC) SetBase(base uint64) { a.base = base }
func (a *fakeAPIC) SaveState(state *LAPICState) { state.Regs[0x80] = a.tpr << 4 }
func (a *fakeAPIC) LoadState(state *LAPICState) { a.tpr = state.Regs[0x80] >> 4 }
func (a *fakeAPIC) ReportTPRAccess(rip uint64, write bool) { a.tprReports = append(a.tprReports, rip) }
func (a *fakeAPIC) PollIRQ() { a.polls++ }
func (a *fakeAPIC) IsBSP() bool { return a.bsp }

var _ APIC = (*fakeAPIC)(nil)

// fakePIC hands out queued vectors.
type fakePIC struct{ pending []int }

func (p *fakePIC) Acknowledge() int {
	if len(p.pending) == 0 {
		return -1
	}
	irq := p.pending[0]
	p.pending = p.pending[1:]
	return irq
}

// byteMemory is a flat guest memory for breakpoint and dump tests.
type byteMemory []byte

func (m byteMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m)) {
		return 0, hv.ErrUnmappedAddress
	}
	return copy(p, m[off:]), nil
}

func (m byteMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, hv.ErrUnmappedAddress
	}
	return copy(m[off:], p), nil
}

func newTestSession(t *testing.T, k *fakeKernel, opts Options) *Session {
	t.Helper()
	opts.Kernel = k
	if opts.Machine == nil {
		opts.Machine = &fakeMachine{}
	}
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestVCPU(t *testing.T, s *Session, id int, cfg VCPUConfig) *VCPU {
	t.Helper()
	v, err := s.InitVCPU(id, cfg)
	if err != nil {
		t.Fatalf("InitVCPU(%d): %v", id, err)
	}
	return v
}

func ioExit(port uint16, write bool, size int, data []byte) fakeExit {
	return fakeExit{fill: func(run *gvmRunData, mapping []byte) {
		run.ExitReason = uint32(exitIO)
		io := run.io()
		io.Port = port
		io.Size = uint8(size)
		io.Count = uint32(len(data) / size)
		io.DataOffset = 1024
		if write {
			io.Direction = ioDirectionOut
		} else {
			io.Direction = ioDirectionIn
		}
		copy(mapping[1024:], data)
	}}
}

func simpleExit(reason exitReason) fakeExit {
	return fakeExit{fill: func(run *gvmRunData, _ []byte) { run.ExitReason = uint32(reason) }}
}
