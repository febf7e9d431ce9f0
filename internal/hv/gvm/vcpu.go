//go:build linux

package gvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/gvm/internal/debug"
	"github.com/tinyrange/gvm/internal/timeslice"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// Interrupt request bits, raised from any thread with VCPU.Interrupt.
const (
	InterruptHard uint32 = 1 << iota
	InterruptNMI
	InterruptSMI
	InterruptInit
	InterruptSIPI
	InterruptMCE
	InterruptTPR
	InterruptPoll
)

// ErrVCPUStopped is returned by Run once the vCPU has been stopped.
var ErrVCPUStopped = errors.New("gvm: vcpu stopped")

var (
	timesliceVCPUCreate = timeslice.RegisterKind("gvm_vcpu_create", timeslice.FlagInit)
	timesliceVCPUCPUID  = timeslice.RegisterKind("gvm_vcpu_cpuid", timeslice.FlagInit)
)

// VCPUConfig wires a vCPU to its device models. Every field is optional.
type VCPUConfig struct {
	// Model defaults to the hypervisor's supported CPUID.
	Model CPUModel
	APIC  APIC
	// PIC is consulted only with a userspace irqchip.
	PIC PIC
	// Memory is used to patch software breakpoints and to disassemble on
	// dumps. Defaults to the session's address space.
	Memory DebugMemory
	// OnDebug is called on the vCPU thread when the guest stops on a
	// breakpoint, watchpoint or single step.
	OnDebug func(v *VCPU)
}

// Watchpoint describes the hardware watchpoint that stopped the guest.
type Watchpoint struct {
	Addr  uint64
	Write bool
}

// VCPU is one virtual CPU. Its kernel state may only be touched from the
// thread running Run; other goroutines go through Call.
type VCPU struct {
	s  *Session
	id int
	fd int

	mapping []byte
	run     *gvmRunData

	cfg VCPUConfig

	State CPUState
	dirty bool

	msrs   vcpuMSRs
	msrBuf msrBatch
	xsave  gvmXSave

	interrupt   atomic.Uint32
	exitRequest atomic.Bool
	sipiVector  atomic.Uint32
	waitForSIPI bool

	singleStep    bool
	unmigratable  bool
	watchpointHit *Watchpoint

	rec *timeslice.Recorder

	tid  atomic.Int32
	work chan func()
	wake chan struct{}
	quit chan struct{}

	threadMu sync.Mutex
	stopped  bool
	exited   chan struct{}
	quitOnce sync.Once
}

// InitVCPU creates vCPU id, or revives a handle parked by DestroyVCPU,
// maps its run structure and programs its CPUID.
func (s *Session) InitVCPU(id int, cfg VCPUConfig) (*VCPU, error) {
	if !s.VCPUIDValid(id) {
		return nil, fmt.Errorf("gvm: init vcpu %d: %w", id, ErrInvalidVCPUID)
	}
	rec := timeslice.NewRecorder()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("gvm: init vcpu %d: session closed", id)
	}
	if _, ok := s.vcpus[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("gvm: init vcpu %d: already exists", id)
	}
	fd, parked := s.parked[id]
	if parked {
		delete(s.parked, id)
	}
	s.mu.Unlock()

	if !parked {
		r, err := ioctlInt(s.kernel, s.vmFd, gvmCreateVcpu, uintptr(id))
		if err != nil {
			return nil, fatalf(err, "create vcpu %d", id)
		}
		fd = int(r)
	}
	cu := cleanup.Make(func() {
		if err := s.kernel.Close(fd); err != nil {
			slog.Error("gvm: close vcpu", "vcpu", id, "error", err)
		}
	})
	defer cu.Clean()

	if cfg.Memory == nil && s.memory != nil {
		cfg.Memory = s.memory
	}
	v := &VCPU{
		s:    s,
		id:   id,
		fd:   fd,
		cfg:  cfg,
		work: make(chan func(), 16),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		rec:  timeslice.NewRecorder(),
	}

	size, err := s.vcpuMmapSize()
	if err != nil {
		return nil, err
	}
	mapping, err := s.kernel.Mmap(fd, size)
	if err != nil {
		return nil, fatalf(err, "mmap vcpu %d run structure", id)
	}
	cu.Add(func() {
		if err := s.kernel.Munmap(mapping); err != nil {
			slog.Error("gvm: munmap vcpu run structure", "vcpu", id, "error", err)
		}
	})
	v.mapping = mapping
	v.run = (*gvmRunData)(unsafe.Pointer(&mapping[0]))
	rec.Record(timesliceVCPUCreate)

	v.msrs = vcpuMSRs{msrSupport: s.msrs}

	model := cfg.Model
	if model == nil {
		model = supportedModel{s: s}
	}
	table, err := v.buildCPUID(model)
	if err != nil {
		return nil, fatalf(err, "vcpu %d: build cpuid", id)
	}
	if err := v.setCPUID(table); err != nil {
		return nil, fatalf(err, "vcpu %d: set cpuid", id)
	}
	if v.unmigratable {
		slog.Info("gvm: invariant tsc exposed, vcpu state is not migratable", "vcpu", id)
	}
	rec.Record(timesliceVCPUCPUID)

	v.State.TSCKHz = s.opts.TSCKHz
	v.Reset()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("gvm: init vcpu %d: session closed", id)
	}
	s.vcpus[id] = v
	s.mu.Unlock()

	cu.Release()
	debug.Writef("gvm vcpu", "vcpu %d ready: fd=%d mmap=%d parked=%v", id, fd, size, parked)
	return v, nil
}

func (s *Session) vcpuMmapSize() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mmapSize == 0 {
		r, err := ioctlInt(s.kernel, s.fd, gvmGetVcpuMmapSize, 0)
		if err != nil {
			return 0, fatalf(err, "get vcpu mmap size")
		}
		if int(r) < int(unsafe.Sizeof(gvmRunData{})) {
			return 0, fatalf(unix.EINVAL, "vcpu mmap size %d too small", r)
		}
		s.mmapSize = int(r)
	}
	return s.mmapSize, nil
}

// DestroyVCPU stops v and parks its handle so a later InitVCPU with the
// same id reuses it.
func (s *Session) DestroyVCPU(v *VCPU) error {
	v.stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vcpus[v.id] != v {
		return fmt.Errorf("gvm: destroy vcpu %d: not registered", v.id)
	}
	delete(s.vcpus, v.id)

	if v.mapping != nil {
		if err := s.kernel.Munmap(v.mapping); err != nil {
			slog.Error("gvm: munmap vcpu run structure", "vcpu", v.id, "error", err)
		}
		v.mapping = nil
		v.run = nil
	}
	s.parked[v.id] = v.fd
	debug.Writef("gvm vcpu", "vcpu %d parked: fd=%d", v.id, v.fd)
	return nil
}

func (v *VCPU) ID() int { return v.id }

// Unmigratable reports whether the CPU model exposes features that tie the
// vCPU to this host.
func (v *VCPU) Unmigratable() bool { return v.unmigratable }

// WatchpointHit returns the watchpoint behind the last debug stop, if any.
func (v *VCPU) WatchpointHit() *Watchpoint { return v.watchpointHit }

// SingleStep reports whether single stepping is enabled.
func (v *VCPU) SingleStep() bool { return v.singleStep }

func (v *VCPU) onThread() bool {
	tid := v.tid.Load()
	return tid == 0 || int(tid) == unix.Gettid()
}

// Call runs fn on the vCPU thread between two runs and waits for it. When
// no thread is running, or the caller is the vCPU thread, fn runs inline.
func (v *VCPU) Call(fn func()) {
	if v.onThread() {
		fn()
		return
	}

	done := make(chan struct{})
	item := func() {
		defer close(done)
		fn()
	}
	select {
	case v.work <- item:
	case <-v.quit:
		fn()
		return
	}
	v.Kick()

	select {
	case <-done:
	case <-v.quit:
		// The thread is exiting. Run the request here once it is gone.
		v.waitExited()
		select {
		case <-done:
		default:
			v.drainWork()
		}
		<-done
	}
}

func (v *VCPU) drainWork() {
	for {
		select {
		case fn := <-v.work:
			fn()
		default:
			return
		}
	}
}

// Kick forces the vCPU out of the run ioctl and wakes it if it sleeps.
func (v *VCPU) Kick() {
	if run := v.run; run != nil {
		run.UserEventPending = 1
		id := uint64(v.id)
		if _, err := ioctl(v.s.kernel, v.s.vmFd, gvmKickVcpu, &id); err != nil {
			debug.Writef("gvm vcpu", "vcpu %d kick: %v", v.id, err)
		}
	}
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// Interrupt raises interrupt request bits and kicks the vCPU when called
// from another thread.
func (v *VCPU) Interrupt(mask uint32) {
	v.interrupt.Or(mask)
	if !v.onThread() {
		v.Kick()
	}
}

// ResetInterrupt clears interrupt request bits.
func (v *VCPU) ResetInterrupt(mask uint32) {
	v.interrupt.And(^mask)
}

// PendingInterrupts returns the raised interrupt request bits.
func (v *VCPU) PendingInterrupts() uint32 { return v.interrupt.Load() }

func (v *VCPU) pending(mask uint32) bool { return v.interrupt.Load()&mask != 0 }

// SendSIPI delivers a startup IPI with the given vector.
func (v *VCPU) SendSIPI(vector uint8) {
	v.sipiVector.Store(uint32(vector))
	v.Interrupt(InterruptSIPI)
}

// RequestExit makes the vCPU leave the run loop at the next opportunity.
func (v *VCPU) RequestExit() {
	v.exitRequest.Store(true)
	v.Kick()
}

// Run is the vCPU thread body. It runs the guest while the machine is
// running, executes queued Call requests between runs and sleeps while the
// vCPU is halted or the machine is paused. It returns when ctx is done, the
// vCPU is stopped or a fatal error occurs.
func (v *VCPU) Run(ctx context.Context) error {
	v.threadMu.Lock()
	if v.stopped {
		v.threadMu.Unlock()
		return ErrVCPUStopped
	}
	if v.exited != nil {
		v.threadMu.Unlock()
		return fmt.Errorf("gvm: vcpu %d: already running", v.id)
	}
	exited := make(chan struct{})
	v.exited = exited
	v.threadMu.Unlock()
	defer close(exited)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v.tid.Store(int32(unix.Gettid()))
	defer v.tid.Store(0)

	for {
		if run := v.run; run != nil {
			run.UserEventPending = 0
		}
		v.drainWork()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.quit:
			return nil
		default:
		}

		if !v.s.opts.Machine.Running() {
			if err := v.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		res, err := v.Exec()
		if err != nil {
			if IsFatal(err) {
				return err
			}
			slog.Warn("gvm: vcpu exit handling failed", "vcpu", v.id, "error", err)
			continue
		}

		switch res {
		case ExecHalted:
			if err := v.sleep(ctx); err != nil {
				return err
			}
		case ExecDebug:
			if v.cfg.OnDebug != nil {
				v.cfg.OnDebug(v)
			} else {
				debug.Writef("gvm vcpu", "vcpu %d debug stop at 0x%x", v.id, v.State.RIP)
			}
		}
	}
}

// sleep blocks until the vCPU is kicked, interrupted or given work.
func (v *VCPU) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-v.quit:
		return nil
	case <-v.wake:
	case fn := <-v.work:
		fn()
	}
	return nil
}

func (v *VCPU) waitExited() {
	if v.onThread() {
		return
	}
	v.threadMu.Lock()
	exited := v.exited
	v.threadMu.Unlock()
	if exited != nil {
		<-exited
	}
}

// stop ends the vCPU thread and waits for it to return.
func (v *VCPU) stop() {
	v.threadMu.Lock()
	v.stopped = true
	v.threadMu.Unlock()

	v.quitOnce.Do(func() { close(v.quit) })
	v.Kick()
	v.waitExited()
}

// SynchronizeState pulls the kernel state into State unless State already
// holds changes that have not been pushed.
func (v *VCPU) SynchronizeState() error {
	var err error
	v.Call(func() {
		if v.dirty {
			return
		}
		if err = v.getRegisters(); err == nil {
			v.dirty = true
		}
	})
	return err
}

// SynchronizePostReset pushes State after a reset.
func (v *VCPU) SynchronizePostReset() error {
	return v.push(SyncReset)
}

// SynchronizePostInit pushes all of State after creation or a restore.
func (v *VCPU) SynchronizePostInit() error {
	return v.push(SyncFull)
}

// SynchronizePreLoadVM marks State as authoritative before it is loaded
// from a snapshot.
func (v *VCPU) SynchronizePreLoadVM() {
	v.Call(func() { v.dirty = true })
}

func (v *VCPU) push(level SyncLevel) error {
	var err error
	v.Call(func() {
		if err = v.putRegisters(level); err == nil {
			v.dirty = false
		}
	})
	return err
}

// SynchronizeTSC reads the guest TSC unless a value read while the VM was
// stopped is still valid.
func (v *VCPU) SynchronizeTSC() error {
	var err error
	v.Call(func() { err = v.getTSC() })
	return err
}

// SynchronizeAllTSC reads the TSC of every vCPU, each on its own thread.
func (s *Session) SynchronizeAllTSC() error {
	var g errgroup.Group
	for _, v := range s.VCPUs() {
		g.Go(v.SynchronizeTSC)
	}
	return g.Wait()
}

// VMStateChanged is called by the machine on every run state transition.
// A TSC read while stopped is stale once the VM runs again.
func (s *Session) VMStateChanged(running bool) {
	if !running {
		return
	}
	for _, v := range s.VCPUs() {
		v.Call(func() { v.State.TSCValid = false })
	}
}

// SetTSCKHz programs the guest TSC frequency from State.TSCKHz. Failing to
// set it is only an error when the current frequency differs.
func (v *VCPU) SetTSCKHz() error {
	khz := v.State.TSCKHz
	if khz == 0 {
		return nil
	}

	setErr := fmt.Errorf("tsc control: %w", unix.ENOTSUP)
	if v.s.features.tscControl {
		_, setErr = ioctlInt(v.s.kernel, v.fd, gvmSetTscKhz, uintptr(khz))
		if setErr == nil {
			return nil
		}
	}

	cur := -1
	if v.s.features.getTSCKHz {
		if r, err := ioctlInt(v.s.kernel, v.fd, gvmGetTscKhz, 0); err == nil {
			cur = int(r)
		}
	}
	if cur <= 0 || uint32(cur) != khz {
		slog.Warn("gvm: TSC frequency mismatch between VM and host",
			"vcpu", v.id, "requested_khz", khz, "host_khz", cur)
		return fmt.Errorf("gvm: vcpu %d: set tsc khz %d: %w", v.id, khz, setErr)
	}
	return nil
}

func (v *VCPU) isBSP() bool {
	if apic := v.cfg.APIC; apic != nil {
		return apic.IsBSP()
	}
	return v.id == 0
}

// Reset loads the power-on state and marks it for the next push.
func (v *VCPU) Reset() {
	v.State.Reset()
	v.State.ExceptionInjected = -1
	v.State.InterruptInjected = -1
	v.State.XCR0 = 1
	if !v.s.kernelIRQChip || v.isBSP() {
		v.State.MPState = mpStateRunnable
	} else {
		v.State.MPState = mpStateUninitialized
	}
	v.waitForSIPI = false
	v.dirty = true
}

// DoInit handles an INIT signal: the CPU is reset and application
// processors wait for a startup IPI.
func (v *VCPU) DoInit() {
	v.ResetInterrupt(InterruptInit)
	v.Reset()

	bsp := v.isBSP()
	if v.s.kernelIRQChip {
		if v.State.MPState == mpStateUninitialized {
			v.State.MPState = mpStateInitReceived
		}
		return
	}
	v.State.Halted = !bsp
	v.waitForSIPI = !bsp
}

// DoSIPI starts an application processor waiting for a startup IPI at
// vector << 12.
func (v *VCPU) DoSIPI() {
	v.ResetInterrupt(InterruptSIPI)
	if !v.waitForSIPI {
		return
	}
	vector := v.sipiVector.Load() & 0xff

	v.State.SIPIVector = vector
	v.State.Segs[SegCS].Selector = uint16(vector << 8)
	v.State.Segs[SegCS].Base = uint64(vector) << 12
	v.State.RIP = 0
	v.State.Halted = false
	v.waitForSIPI = false
	v.dirty = true
}
