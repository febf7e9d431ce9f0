//go:build linux

package gvm

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/gvm/internal/debug"
	"github.com/tinyrange/gvm/internal/hv"
	"github.com/tinyrange/gvm/internal/timeslice"
)

var (
	timesliceHostTime  = timeslice.RegisterKind("gvm_host_time", 0)
	timesliceGuestTime = timeslice.RegisterKind("gvm_guest_time", timeslice.FlagGuest)
)

// ExecResult tells the caller of Exec why the run loop stopped.
type ExecResult int

const (
	// ExecInterrupted means the vCPU left the guest to let the caller
	// process events. Calling Exec again resumes the guest.
	ExecInterrupted ExecResult = iota
	// ExecHalted means the vCPU is halted until an interrupt arrives.
	ExecHalted
	// ExecDebug means the guest hit a breakpoint, watchpoint or single step.
	ExecDebug
	// ExecError means the VM was stopped with an internal error.
	ExecError
)

func (r ExecResult) String() string {
	switch r {
	case ExecInterrupted:
		return "interrupted"
	case ExecHalted:
		return "halted"
	case ExecDebug:
		return "debug"
	case ExecError:
		return "error"
	default:
		return fmt.Sprintf("ExecResult(%d)", int(r))
	}
}

// exitAction is the outcome of handling one exit.
type exitAction int

const (
	stepContinue exitAction = iota
	stepInterrupt
	stepHalt
	stepDebug
	stepStop
	stepFail
)

// Exec runs the guest until an exit needs the caller's attention. It must
// be called from the vCPU thread.
func (v *VCPU) Exec() (ExecResult, error) {
	halted, err := v.processAsyncEvents()
	if err != nil {
		return v.fail(err)
	}
	if halted {
		v.exitRequest.Store(false)
		return ExecHalted, nil
	}

	var (
		next    exitAction
		exitErr error
	)
	for next == stepContinue {
		if v.dirty {
			if err := v.putRegisters(SyncRuntime); err != nil {
				return v.fail(err)
			}
			v.dirty = false
		}

		v.preRun()
		if v.exitRequest.Load() {
			// Reentering after an I/O exit completes the instruction; the
			// pending event makes the kernel return right after.
			v.run.UserEventPending = 1
		}

		v.rec.Record(timesliceHostTime)
		_, runErr := ioctlInt(v.s.kernel, v.fd, gvmRun, 0)
		v.rec.Record(timesliceGuestTime)

		v.postRun()

		if runErr != nil {
			if IsRetry(runErr) {
				debug.Writef("gvm run", "vcpu %d: io window exit", v.id)
				next = stepInterrupt
				break
			}
			return v.fail(fatalf(runErr, "vcpu %d: run", v.id))
		}

		exit, err := v.decodeExit()
		if err != nil {
			return v.fail(fatalf(err, "vcpu %d", v.id))
		}
		next, exitErr = v.handleExit(exit)
		if exitErr != nil && next == stepContinue {
			// Device errors do not stop the guest; report them to the
			// caller after the access completed.
			next = stepInterrupt
		}
	}

	v.exitRequest.Store(false)

	switch next {
	case stepFail:
		if exitErr == nil {
			exitErr = fmt.Errorf("gvm: vcpu %d: unhandled exit", v.id)
		}
		return v.fail(fatalf(exitErr, "vcpu %d", v.id))
	case stepHalt:
		return ExecHalted, exitErr
	case stepDebug:
		return ExecDebug, exitErr
	default:
		return ExecInterrupted, exitErr
	}
}

// fail dumps the CPU state and stops the VM with an internal error.
func (v *VCPU) fail(err error) (ExecResult, error) {
	v.exitRequest.Store(false)
	slog.Error("gvm: vcpu stopped on fatal error", "vcpu", v.id, "error", err)
	v.dumpCurrentState(v.s.opts.DumpWriter)
	v.s.opts.Machine.Stop(hv.RunStateInternalError)
	return ExecError, err
}

// dumpCurrentState pulls the registers from the kernel, when they are not
// already newer here, and dumps them.
func (v *VCPU) dumpCurrentState(w io.Writer) {
	if err := v.SynchronizeState(); err != nil {
		slog.Warn("gvm: cpu state for dump is stale", "vcpu", v.id, "error", err)
	}
	v.DumpState(w)
}

func (v *VCPU) handleExit(exit Exit) (exitAction, error) {
	switch e := exit.(type) {
	case ExitIO:
		debug.Exit("gvm exit", v.id, uint32(exitIO), uint64(e.Port))
		return stepContinue, v.handleIO(e)
	case ExitMMIO:
		debug.Exit("gvm exit", v.id, uint32(exitMMIO), e.Addr)
		return stepContinue, v.handleMMIO(e)
	case ExitIRQWindowOpen:
		return stepInterrupt, nil
	case ExitInterrupted:
		return stepInterrupt, nil
	case ExitShutdown:
		v.s.opts.Machine.RequestReset(hv.ShutdownCauseGuestReset)
		return stepInterrupt, nil
	case ExitUnknown:
		if exitReason(e.Reason) == exitUnknown {
			return stepFail, fmt.Errorf("unknown exit, hardware reason 0x%x", e.HardwareReason)
		}
		return stepFail, fmt.Errorf("unknown exit reason %d", e.Reason)
	case ExitInternalError:
		return v.handleInternalError(e)
	case ExitSystemEvent:
		switch e.Type {
		case systemEventShutdown:
			v.s.opts.Machine.RequestShutdown(hv.ShutdownCauseGuestShutdown)
			return stepInterrupt, nil
		case systemEventReset:
			v.s.opts.Machine.RequestReset(hv.ShutdownCauseGuestReset)
			return stepInterrupt, nil
		case systemEventCrash:
			if err := v.SynchronizeState(); err != nil {
				return stepFail, err
			}
			v.s.opts.Machine.GuestPanicked(v.id)
			return stepContinue, nil
		default:
			return stepFail, fmt.Errorf("unknown system event %d", e.Type)
		}
	case ExitHalt:
		return v.handleHalt(), nil
	case ExitSetTPR:
		return stepContinue, nil
	case ExitTPRAccess:
		v.State.TPRAccessWrite = e.Write
		if apic := v.cfg.APIC; apic != nil {
			apic.ReportTPRAccess(e.RIP, e.Write)
		}
		return stepStop, nil
	case ExitFailEntry:
		fmt.Fprintf(v.s.opts.DumpWriter, "GVM: entry failed, hardware error 0x%x\n", e.HardwareReason)
		if e.HardwareReason == vmxInvalidGuestState && v.s.hostSupportsVMX() {
			fmt.Fprint(v.s.opts.DumpWriter, "\n"+
				"If you're running a guest on an Intel machine without unrestricted mode\n"+
				"support, the failure can be most likely due to the guest entering an invalid\n"+
				"state for Intel VT. For example, the guest maybe running in big real mode\n"+
				"which is not supported on less recent Intel processors.\n\n")
		}
		return stepFail, fmt.Errorf("entry failed, hardware error 0x%x", e.HardwareReason)
	case ExitException:
		return stepFail, fmt.Errorf("exception %d exit (error code 0x%x)", e.Exception, e.ErrorCode)
	case ExitDebug:
		return v.handleDebug(e)
	case ExitIOAPICEOI:
		if eoi := v.s.opts.EOI; eoi != nil {
			eoi.BroadcastEOI(e.Vector)
		} else {
			debug.Writef("gvm exit", "vcpu %d: eoi vector %d with no ioapic", v.id, e.Vector)
		}
		return stepContinue, nil
	default:
		return stepFail, fmt.Errorf("unhandled exit %T", exit)
	}
}

// handleIO replays a string or single port access once per repetition.
func (v *VCPU) handleIO(e ExitIO) error {
	for i := 0; i < e.Count; i++ {
		chunk := e.Data[i*e.Size : (i+1)*e.Size]
		if err := v.s.opts.IO.PortIO(e.Port, chunk, e.Write); err != nil {
			return fmt.Errorf("gvm: vcpu %d: io port 0x%04x: %w", v.id, e.Port, err)
		}
	}
	return nil
}

func (v *VCPU) handleMMIO(e ExitMMIO) error {
	if v.s.memory == nil {
		if !e.Write {
			for i := range e.Data {
				e.Data[i] = 0xff
			}
		}
		return nil
	}
	if err := v.s.memory.RW(e.Addr, e.Data, e.Write); err != nil {
		return fmt.Errorf("gvm: vcpu %d: mmio 0x%x: %w", v.id, e.Addr, err)
	}
	return nil
}

func (v *VCPU) handleInternalError(e ExitInternalError) (exitAction, error) {
	w := v.s.opts.DumpWriter
	fmt.Fprintf(w, "GVM internal error. Suberror: %d\n", uint32(e.Suberror))
	for i, d := range e.Data {
		fmt.Fprintf(w, "extra data[%d]: %x\n", i, d)
	}

	if e.Suberror == internalErrorEmulation {
		fmt.Fprintln(w, "emulation failure")
		stop, err := v.stopOnEmulationError()
		if err != nil {
			return stepFail, err
		}
		if !stop {
			v.dumpCurrentState(w)
			return stepInterrupt, nil
		}
	}
	return stepFail, fmt.Errorf("internal error: %s", e.Suberror)
}

// stopOnEmulationError applies the configured policy. In auto mode only
// faults in protected mode user code are survivable; the guest kernel gets
// to handle those.
func (v *VCPU) stopOnEmulationError() (bool, error) {
	switch v.s.opts.EmulationPolicy {
	case EmulationStopAlways:
		return true, nil
	case EmulationStopNever:
		return false, nil
	}
	if err := v.SynchronizeState(); err != nil {
		return true, err
	}
	st := &v.State
	return !st.ProtectedMode() || st.Segs[SegCS].Selector&3 != 3, nil
}

func (v *VCPU) hardPending() bool {
	return v.pending(InterruptHard) && v.State.InterruptsEnabled()
}

func (v *VCPU) handleHalt() exitAction {
	if !v.hardPending() && !v.pending(InterruptNMI) {
		v.State.Halted = true
		return stepHalt
	}
	return stepContinue
}

func (v *VCPU) handleDebug(e ExitDebug) (exitAction, error) {
	v.watchpointHit = nil
	hit := false

	if e.Exception == excDebug {
		if e.DR6&(1<<14) != 0 {
			hit = v.singleStep
		} else {
			for n := 0; n < maxHWBreakpoints; n++ {
				if e.DR6&(1<<n) == 0 {
					continue
				}
				switch (e.DR7 >> (16 + 4*n)) & 3 {
				case 0:
					hit = true
				case 1:
					hit = true
					v.watchpointHit = &Watchpoint{Addr: v.hwBreakpointAddr(n), Write: true}
				case 3:
					hit = true
					v.watchpointHit = &Watchpoint{Addr: v.hwBreakpointAddr(n)}
				}
			}
		}
	} else if v.s.findSWBreakpoint(e.PC) != nil {
		hit = true
	}
	if hit {
		return stepDebug, nil
	}

	// Not ours: pass the exception to the guest.
	if err := v.SynchronizeState(); err != nil {
		return stepFail, err
	}
	v.State.ExceptionInjected = int(e.Exception)
	v.State.HasErrorCode = false
	return stepContinue, nil
}

// preRun injects pending events and arms the exit request before entering
// the guest.
func (v *VCPU) preRun() {
	run := v.run

	if v.pending(InterruptNMI) {
		v.ResetInterrupt(InterruptNMI)
		debug.Writef("gvm run", "vcpu %d: injected NMI", v.id)
		if _, err := ioctlInt(v.s.kernel, v.fd, gvmNmi, 0); err != nil {
			slog.Error("gvm: injection failed, NMI lost", "vcpu", v.id, "error", err)
		}
	}
	if v.pending(InterruptSMI) {
		v.ResetInterrupt(InterruptSMI)
		debug.Writef("gvm run", "vcpu %d: injected SMI", v.id)
		if _, err := ioctlInt(v.s.kernel, v.fd, gvmSmi, 0); err != nil {
			slog.Error("gvm: injection failed, SMI lost", "vcpu", v.id, "error", err)
		}
	}

	// INIT and TPR reports are processed outside the guest.
	if (v.pending(InterruptInit) && !v.State.SMM) || v.pending(InterruptTPR) {
		v.exitRequest.Store(true)
	}

	if v.s.kernelIRQChip {
		return
	}

	if run.ReadyForInterruptInjection != 0 && v.hardPending() {
		v.ResetInterrupt(InterruptHard)
		if pic := v.cfg.PIC; pic != nil {
			if irq := pic.Acknowledge(); irq >= 0 {
				intr := gvmIRQ{IRQ: uint32(irq)}
				debug.Writef("gvm run", "vcpu %d: injected interrupt %d", v.id, irq)
				if _, err := ioctl(v.s.kernel, v.fd, gvmInterrupt, &intr); err != nil {
					slog.Error("gvm: injection failed, interrupt lost", "vcpu", v.id, "irq", irq, "error", err)
				}
			}
		}
	}

	// Ask for an exit as soon as the guest can take the interrupt.
	run.RequestInterruptWindow = b2u8(v.pending(InterruptHard))

	if apic := v.cfg.APIC; apic != nil {
		run.CR8 = uint64(apic.TPR())
	} else {
		run.CR8 = v.State.CR8
	}
}

// postRun picks up the state the kernel reports on every exit.
func (v *VCPU) postRun() {
	run := v.run
	st := &v.State

	st.SMM = run.Flags&runX86SMM != 0
	if run.IfFlag != 0 {
		st.RFlags |= rflagsIF
	} else {
		st.RFlags &^= rflagsIF
	}

	if apic := v.cfg.APIC; apic != nil {
		apic.SetTPR(uint8(run.CR8))
		apic.SetBase(run.ApicBase)
	} else {
		st.CR8 = run.CR8
		st.APICBase = run.ApicBase
	}
}

// processAsyncEvents handles interrupt requests that need the CPU state in
// userspace. It reports whether the vCPU stays halted.
func (v *VCPU) processAsyncEvents() (bool, error) {
	st := &v.State

	if v.pending(InterruptMCE) {
		v.ResetInterrupt(InterruptMCE)
		if err := v.SynchronizeState(); err != nil {
			return false, err
		}
		if st.ExceptionInjected == excDoubleFault {
			// Triple fault.
			v.s.opts.Machine.RequestReset(hv.ShutdownCauseGuestReset)
			v.exitRequest.Store(true)
			return false, nil
		}
		st.ExceptionInjected = excMachineChk
		st.HasErrorCode = false

		st.Halted = false
		if v.s.kernelIRQChip && st.MPState == mpStateHalted {
			st.MPState = mpStateRunnable
		}
	}

	if v.pending(InterruptInit) && !st.SMM {
		if err := v.SynchronizeState(); err != nil {
			return false, err
		}
		v.DoInit()
	}

	if v.s.kernelIRQChip {
		return false, nil
	}

	if v.pending(InterruptPoll) {
		v.ResetInterrupt(InterruptPoll)
		if apic := v.cfg.APIC; apic != nil {
			apic.PollIRQ()
		}
	}
	if v.hardPending() || v.pending(InterruptNMI) {
		st.Halted = false
	}
	if v.pending(InterruptSIPI) {
		if err := v.SynchronizeState(); err != nil {
			return false, err
		}
		v.DoSIPI()
	}
	if v.pending(InterruptTPR) {
		v.ResetInterrupt(InterruptTPR)
		if err := v.SynchronizeState(); err != nil {
			return false, err
		}
		if apic := v.cfg.APIC; apic != nil {
			apic.ReportTPRAccess(st.RIP, st.TPRAccessWrite)
		}
	}

	return st.Halted, nil
}

// hostSupportsVMX reports whether the host CPU has VMX, as seen through
// the supported CPUID.
func (s *Session) hostSupportsVMX() bool {
	ecx, err := s.SupportedCPUID(1, 0, CPUIDECX)
	return err == nil && ecx&cpuid1ECXVMX != 0
}
