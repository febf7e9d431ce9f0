//go:build linux

package gvm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/tinyrange/gvm/internal/debug"
	"github.com/tinyrange/gvm/internal/hv"
	"github.com/tinyrange/gvm/internal/timeslice"
	"gvisor.dev/gvisor/pkg/cleanup"
)

const (
	DefaultDevice = "/dev/gvm"

	defaultMemslots         = 32
	defaultRecommendedVCPUs = 4

	identityMapBaseDefault = 0xfffbc000
	identityMapBaseHigh    = 0xfeffc000
	// IdentityMapReservedSize is the guest physical range the machine must
	// keep out of its RAM map: the EPT identity map and the TSS.
	IdentityMapReservedSize = 0x4000
)

var (
	timesliceOpenDevice = timeslice.RegisterKind("gvm_open_device", timeslice.FlagInit)
	timesliceCreateVM   = timeslice.RegisterKind("gvm_create_vm", timeslice.FlagInit)
	timesliceArchInit   = timeslice.RegisterKind("gvm_arch_init", timeslice.FlagInit)
	timesliceIRQChip    = timeslice.RegisterKind("gvm_irqchip", timeslice.FlagInit)
)

type IRQChipMode int

const (
	IRQChipOff IRQChipMode = iota
	IRQChipOn
	IRQChipSplit
)

func (m IRQChipMode) String() string {
	switch m {
	case IRQChipOff:
		return "off"
	case IRQChipOn:
		return "on"
	case IRQChipSplit:
		return "split"
	default:
		return fmt.Sprintf("IRQChipMode(%d)", int(m))
	}
}

// EmulationPolicy decides whether an emulation failure reported by the
// hypervisor stops the VM.
type EmulationPolicy int

const (
	// EmulationStopAuto stops unless the guest runs protected mode user code.
	EmulationStopAuto EmulationPolicy = iota
	EmulationStopAlways
	EmulationStopNever
)

func (p EmulationPolicy) String() string {
	switch p {
	case EmulationStopAuto:
		return "auto"
	case EmulationStopAlways:
		return "always"
	case EmulationStopNever:
		return "never"
	default:
		return fmt.Sprintf("EmulationPolicy(%d)", int(p))
	}
}

type Options struct {
	// Kernel defaults to the host system call interface.
	Kernel Kernel
	Device string

	CPUs    int
	MaxCPUs int

	IRQChip IRQChipMode

	// Memory is the guest physical address space. The session registers a
	// listener on it and mirrors RAM regions into memory slots.
	Memory *hv.AddressSpace
	IO     hv.IOBus

	Machine Machine
	Hooks   RouteHooks
	EOI     EOIBroadcaster

	EmulationPolicy EmulationPolicy
	// NoFillMTRRMask keeps pulled MTRR masks at the physical address width.
	NoFillMTRRMask  bool
	PhysBits        int
	TSCKHz          uint32

	// DumpWriter receives CPU state dumps on fatal exits. Defaults to
	// os.Stderr.
	DumpWriter io.Writer
}

// Session is the process-wide connection to the hypervisor: the device
// handle, the VM handle and all state shared between vCPUs.
type Session struct {
	kernel Kernel
	opts   Options

	fd   int
	vmFd int

	// mu guards the slot table, the routing table, the breakpoint lists
	// and the vCPU registry.
	mu sync.Mutex

	nrSlots          int
	recommendedVCPUs int
	maxVCPUs         int
	maxVCPUID        int

	features features
	msrs     msrSupport

	identityMapBase uint64

	memory   *hv.AddressSpace
	listener *slotListener
	slots    []Slot

	kernelIRQChip bool
	gsiCount      int
	usedGSI       *gsiBitmap
	staticGSI     *gsiBitmap // boot-time legacy lines, never released
	routes        []gvmIRQRoutingEntry
	msiRoutes     [msiHashSize][]*gvmIRQRoutingEntry
	hooks         RouteHooks
	msiFlushes    int

	supportedCPUID []gvmCPUIDEntry2

	swBreakpoints []*SWBreakpoint
	hwBreakpoints [maxHWBreakpoints]HWBreakpoint
	nbHW          int

	vcpus  map[int]*VCPU
	parked map[int]int

	mmapSize int

	closed bool
}

type features struct {
	xsave            bool
	xcrs             bool
	vcpuEvents       bool
	debugRegs        bool
	robustSingleStep bool
	tscControl       bool
	getTSCKHz        bool
	tscDeadlineTimer bool
	setGuestDebug    bool
	smm              bool
	irqRouting       bool
	readonlyMem      bool
}

// Open connects to the hypervisor device and creates the VM.
func Open(opts Options) (*Session, error) {
	if opts.Kernel == nil {
		opts.Kernel = HostKernel()
	}
	if opts.Device == "" {
		opts.Device = DefaultDevice
	}
	if opts.CPUs <= 0 {
		opts.CPUs = 1
	}
	if opts.MaxCPUs < opts.CPUs {
		opts.MaxCPUs = opts.CPUs
	}
	if opts.Machine == nil {
		opts.Machine = logMachine{}
	}
	if opts.DumpWriter == nil {
		opts.DumpWriter = os.Stderr
	}
	if opts.IO == nil {
		opts.IO = hv.NewIOPortBus()
	}
	if opts.PhysBits == 0 {
		opts.PhysBits = 40
	}
	if opts.PhysBits < 32 || opts.PhysBits > 52 {
		return nil, fmt.Errorf("gvm: physical address width %d out of range", opts.PhysBits)
	}
	if opts.IRQChip == IRQChipSplit {
		return nil, fmt.Errorf("gvm: create irqchip: %w", ErrSplitIRQChip)
	}

	k := opts.Kernel
	rec := timeslice.NewRecorder()

	s := &Session{
		kernel: k,
		opts:   opts,
		fd:     -1,
		vmFd:   -1,
		memory: opts.Memory,
		hooks:  opts.Hooks,
		vcpus:  make(map[int]*VCPU),
		parked: make(map[int]int),
	}

	fd, err := k.Open(opts.Device)
	if err != nil {
		return nil, fatalf(errors.Join(hv.ErrHypervisorUnsupported, err), "open %s", opts.Device)
	}
	s.fd = fd
	cu := cleanup.Make(func() {
		if err := k.Close(s.fd); err != nil {
			slog.Error("gvm: close device", "error", err)
		}
	})
	defer cu.Clean()
	rec.Record(timesliceOpenDevice)

	s.nrSlots = s.CheckExtension(CapNrMemslots)
	if s.nrSlots <= 0 {
		s.nrSlots = defaultMemslots
	}

	s.recommendedVCPUs = s.CheckExtension(CapNrVCPUs)
	if s.recommendedVCPUs <= 0 {
		s.recommendedVCPUs = defaultRecommendedVCPUs
	}
	s.maxVCPUs = s.CheckExtension(CapMaxVCPUs)
	if s.maxVCPUs <= 0 {
		s.maxVCPUs = s.recommendedVCPUs
	}
	s.maxVCPUID = s.CheckExtension(CapMaxVCPUID)
	if s.maxVCPUID <= 0 {
		s.maxVCPUID = s.maxVCPUs
	}

	for _, nc := range []struct {
		name string
		num  int
	}{
		{"SMP", opts.CPUs},
		{"hotpluggable", opts.MaxCPUs},
	} {
		if nc.num <= s.recommendedVCPUs {
			continue
		}
		slog.Warn("gvm: vcpu count exceeds recommended limit",
			"kind", nc.name, "requested", nc.num, "recommended", s.recommendedVCPUs)
		if nc.num > s.maxVCPUs {
			return nil, fmt.Errorf("gvm: %d %s cpus requested, maximum is %d: %w",
				nc.num, nc.name, s.maxVCPUs, ErrTooManyVCPUs)
		}
	}

	vmFd, err := ioctlIntRetry(k, s.fd, gvmCreateVm, 0)
	if err != nil {
		return nil, fatalf(err, "create vm")
	}
	s.vmFd = int(vmFd)
	cu.Add(func() {
		if err := k.Close(s.vmFd); err != nil {
			slog.Error("gvm: close vm", "error", err)
		}
	})
	rec.Record(timesliceCreateVM)

	if err := s.archInit(); err != nil {
		return nil, fmt.Errorf("gvm: arch init: %w", err)
	}
	rec.Record(timesliceArchInit)

	s.slots = make([]Slot, s.nrSlots)
	for i := range s.slots {
		s.slots[i].Index = i
	}

	if opts.IRQChip == IRQChipOn {
		if err := s.createIRQChip(); err != nil {
			return nil, err
		}
		rec.Record(timesliceIRQChip)
	}

	if s.memory != nil {
		s.listener = &slotListener{s: s}
		if err := s.memory.RegisterListener(s.listener); err != nil {
			return nil, fmt.Errorf("gvm: register memory listener: %w", err)
		}
	}

	cu.Release()

	debug.Writef("gvm session", "operational: slots=%d vcpus=%d/%d max_id=%d irqchip=%v",
		s.nrSlots, s.recommendedVCPUs, s.maxVCPUs, s.maxVCPUID, s.kernelIRQChip)

	return s, nil
}

// CheckExtension probes a capability on the device handle. Unsupported or
// failing probes return 0.
func (s *Session) CheckExtension(c Capability) int {
	v, err := ioctlInt(s.kernel, s.fd, gvmCheckExtension, uintptr(c))
	if err != nil {
		return 0
	}
	return int(v)
}

// VMCheckExtension probes a capability on the VM handle, falling back to
// the device handle.
func (s *Session) VMCheckExtension(c Capability) int {
	if s.vmFd < 0 {
		return s.CheckExtension(c)
	}
	v, err := ioctlInt(s.kernel, s.vmFd, gvmCheckExtension, uintptr(c))
	if err != nil {
		return s.CheckExtension(c)
	}
	return int(v)
}

// APIVersion returns the ABI version reported by the device.
func (s *Session) APIVersion() (int, error) {
	v, err := ioctlInt(s.kernel, s.fd, gvmGetApiVersion, 0)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func (s *Session) NumSlots() int         { return s.nrSlots }
func (s *Session) RecommendedVCPUs() int { return s.recommendedVCPUs }
func (s *Session) MaxVCPUs() int         { return s.maxVCPUs }
func (s *Session) MaxVCPUID() int        { return s.maxVCPUID }
func (s *Session) KernelIRQChip() bool   { return s.kernelIRQChip }

// VCPUIDValid reports whether id can be passed to InitVCPU.
func (s *Session) VCPUIDValid(id int) bool {
	return id >= 0 && id < s.maxVCPUID
}

// IdentityMapRange returns the guest physical range reserved for the
// identity map and TSS, which the machine publishes in its memory map.
func (s *Session) IdentityMapRange() (base, size uint64) {
	return s.identityMapBase, IdentityMapReservedSize
}

// SupportedMSRs returns the MSR indices reported by the device.
func (s *Session) SupportedMSRs() []uint32 {
	return append([]uint32(nil), s.msrs.indices...)
}

func (s *Session) archInit() error {
	s.features = features{
		xsave:            s.CheckExtension(CapXSave) != 0,
		xcrs:             s.CheckExtension(CapXCRs) != 0,
		vcpuEvents:       s.CheckExtension(CapVCPUEvents) != 0,
		debugRegs:        s.CheckExtension(CapDebugRegs) != 0,
		robustSingleStep: s.CheckExtension(CapRobustSingleStep) != 0,
		tscControl:       s.CheckExtension(CapTSCControl) != 0,
		getTSCKHz:        s.CheckExtension(CapGetTSCKHz) != 0,
		tscDeadlineTimer: s.CheckExtension(CapTSCDeadlineTimer) != 0,
		setGuestDebug:    s.CheckExtension(CapSetGuestDebug) != 0,
		smm:              s.CheckExtension(CapX86SMM) != 0,
		irqRouting:       s.CheckExtension(CapIRQRouting) != 0,
		readonlyMem:      s.VMCheckExtension(CapReadonlyMem) != 0,
	}

	if err := s.loadSupportedMSRs(); err != nil {
		return err
	}

	s.identityMapBase = identityMapBaseDefault
	if s.CheckExtension(CapSetIdentityMap) != 0 {
		s.identityMapBase = identityMapBaseHigh
		base := s.identityMapBase
		if _, err := ioctl(s.kernel, s.vmFd, gvmSetIdentityMapAddr, &base); err != nil {
			return fmt.Errorf("set identity map address: %w", err)
		}
	}

	tssBase := s.identityMapBase + 0x1000
	if _, err := ioctlInt(s.kernel, s.vmFd, gvmSetTssAddr, uintptr(tssBase)); err != nil {
		return fmt.Errorf("set tss address: %w", err)
	}

	return nil
}

func (s *Session) createIRQChip() error {
	if _, err := ioctlInt(s.kernel, s.vmFd, gvmCreateIrqchip, 0); err != nil {
		return fatalf(err, "create kernel irqchip")
	}
	s.kernelIRQChip = true
	s.initIRQRouting()
	return nil
}

// HasSMM reports whether the hypervisor emulates system management mode.
func (s *Session) HasSMM() bool { return s.features.smm }

// AllowsIRQ0Override reports whether the machine may route IRQ0 to GSI 2.
func (s *Session) AllowsIRQ0Override() bool {
	return !s.kernelIRQChip || s.gsiCount > 0
}

// Close releases every handle owned by the session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	vcpus := make([]*VCPU, 0, len(s.vcpus))
	for _, v := range s.vcpus {
		vcpus = append(vcpus, v)
	}
	s.mu.Unlock()

	for _, v := range vcpus {
		v.stop()
	}

	if s.memory != nil && s.listener != nil {
		s.memory.UnregisterListener(s.listener)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range vcpus {
		if v.mapping != nil {
			if err := s.kernel.Munmap(v.mapping); err != nil {
				slog.Error("gvm: munmap vcpu run structure", "vcpu", v.id, "error", err)
			}
			v.mapping = nil
			v.run = nil
		}
		if err := s.kernel.Close(v.fd); err != nil {
			slog.Error("gvm: close vcpu", "vcpu", v.id, "error", err)
		}
	}
	s.vcpus = nil

	for id, fd := range s.parked {
		if err := s.kernel.Close(fd); err != nil {
			slog.Error("gvm: close parked vcpu", "vcpu", id, "error", err)
		}
	}
	s.parked = nil

	if err := s.kernel.Close(s.vmFd); err != nil {
		slog.Error("gvm: close vm", "error", err)
	}
	if err := s.kernel.Close(s.fd); err != nil {
		slog.Error("gvm: close device", "error", err)
	}

	return nil
}

// VCPUs returns the live vCPUs ordered by id.
func (s *Session) VCPUs() []*VCPU {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*VCPU, 0, len(s.vcpus))
	for _, v := range s.vcpus {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b *VCPU) int { return a.id - b.id })
	return out
}
