//go:build linux

package gvm

import (
	"log/slog"
	"math/bits"
)

// SyncLevel selects how much state a writeback pushes to the kernel.
type SyncLevel int

const (
	// SyncRuntime writes back only what a running guest can change.
	SyncRuntime SyncLevel = iota
	// SyncReset also writes state with side effects, after a reset.
	SyncReset
	// SyncFull writes everything, after a snapshot load.
	SyncFull
)

func (l SyncLevel) String() string {
	switch l {
	case SyncRuntime:
		return "runtime"
	case SyncReset:
		return "reset"
	case SyncFull:
		return "full"
	default:
		return "unknown"
	}
}

func b2u8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func toSegment(seg Segment) gvmSegment {
	f := seg.Flags
	present := f&DescP != 0
	return gvmSegment{
		Base:     seg.Base,
		Limit:    seg.Limit,
		Selector: seg.Selector,
		Type:     uint8(f>>DescTypeShift) & 15,
		Present:  b2u8(present),
		DPL:      uint8(f>>DescDPLShift) & 3,
		DB:       uint8(f>>DescBShift) & 1,
		S:        b2u8(f&DescS != 0),
		L:        uint8(f>>DescLShift) & 1,
		G:        b2u8(f&DescG != 0),
		AVL:      b2u8(f&DescAVL != 0),
		Unusable: b2u8(!present),
	}
}

// toV8086Segment builds a real-mode style segment for virtual 8086 mode.
func toV8086Segment(seg Segment) gvmSegment {
	return gvmSegment{
		Base:     seg.Base,
		Limit:    seg.Limit,
		Selector: seg.Selector,
		Type:     3,
		Present:  1,
		DPL:      3,
		S:        1,
	}
}

func fromSegment(ks *gvmSegment) Segment {
	seg := Segment{Selector: ks.Selector, Base: ks.Base, Limit: ks.Limit}
	if ks.Unusable != 0 {
		return seg
	}
	seg.Flags = uint32(ks.Type)<<DescTypeShift |
		uint32(ks.Present)*DescP |
		uint32(ks.DPL)<<DescDPLShift |
		uint32(ks.DB)<<DescBShift |
		uint32(ks.S)*DescS |
		uint32(ks.L)<<DescLShift |
		uint32(ks.G)*DescG |
		uint32(ks.AVL)*DescAVL
	return seg
}

func (v *VCPU) putRegs() error {
	st := &v.State
	r := st.Regs
	regs := gvmRegs{
		Rax: r[RegRAX], Rbx: r[RegRBX], Rcx: r[RegRCX], Rdx: r[RegRDX],
		Rsi: r[RegRSI], Rdi: r[RegRDI], Rsp: r[RegRSP], Rbp: r[RegRBP],
		R8: r[RegR8], R9: r[RegR9], R10: r[RegR10], R11: r[RegR11],
		R12: r[RegR12], R13: r[RegR13], R14: r[RegR14], R15: r[RegR15],
		Rip: st.RIP, Rflags: st.RFlags,
	}
	_, err := ioctl(v.s.kernel, v.fd, gvmSetRegs, &regs)
	return err
}

func (v *VCPU) getRegs() error {
	var regs gvmRegs
	if _, err := ioctl(v.s.kernel, v.fd, gvmGetRegs, &regs); err != nil {
		return err
	}
	st := &v.State
	st.Regs = [16]uint64{
		RegRAX: regs.Rax, RegRCX: regs.Rcx, RegRDX: regs.Rdx, RegRBX: regs.Rbx,
		RegRSP: regs.Rsp, RegRBP: regs.Rbp, RegRSI: regs.Rsi, RegRDI: regs.Rdi,
		RegR8: regs.R8, RegR9: regs.R9, RegR10: regs.R10, RegR11: regs.R11,
		RegR12: regs.R12, RegR13: regs.R13, RegR14: regs.R14, RegR15: regs.R15,
	}
	st.RIP = regs.Rip
	st.RFlags = regs.Rflags
	return nil
}

func (v *VCPU) putSregs() error {
	st := &v.State
	var sregs gvmSregs

	if st.InterruptInjected >= 0 {
		n := st.InterruptInjected
		sregs.InterruptBitmap[n/64] |= 1 << (n % 64)
	}

	seg := toSegment
	if st.V8086() {
		seg = toV8086Segment
	}
	sregs.CS = seg(st.Segs[SegCS])
	sregs.DS = seg(st.Segs[SegDS])
	sregs.ES = seg(st.Segs[SegES])
	sregs.FS = seg(st.Segs[SegFS])
	sregs.GS = seg(st.Segs[SegGS])
	sregs.SS = seg(st.Segs[SegSS])
	sregs.TR = toSegment(st.TR)
	sregs.LDT = toSegment(st.LDT)

	sregs.IDT = gvmDTable{Base: st.IDT.Base, Limit: st.IDT.Limit}
	sregs.GDT = gvmDTable{Base: st.GDT.Base, Limit: st.GDT.Limit}

	sregs.CR0 = st.CR[0]
	sregs.CR2 = st.CR[2]
	sregs.CR3 = st.CR[3]
	sregs.CR4 = st.CR[4]

	if apic := v.cfg.APIC; apic != nil {
		sregs.CR8 = uint64(apic.TPR())
		sregs.ApicBase = apic.Base()
	} else {
		sregs.CR8 = st.CR8
		sregs.ApicBase = st.APICBase
	}
	sregs.EFER = st.EFER

	_, err := ioctl(v.s.kernel, v.fd, gvmSetSregs, &sregs)
	return err
}

func (v *VCPU) getSregs() error {
	var sregs gvmSregs
	if _, err := ioctl(v.s.kernel, v.fd, gvmGetSregs, &sregs); err != nil {
		return err
	}
	st := &v.State

	st.InterruptInjected = -1
	for i, word := range sregs.InterruptBitmap {
		if word != 0 {
			st.InterruptInjected = i*64 + bits.TrailingZeros64(word)
			break
		}
	}

	st.Segs[SegCS] = fromSegment(&sregs.CS)
	st.Segs[SegDS] = fromSegment(&sregs.DS)
	st.Segs[SegES] = fromSegment(&sregs.ES)
	st.Segs[SegFS] = fromSegment(&sregs.FS)
	st.Segs[SegGS] = fromSegment(&sregs.GS)
	st.Segs[SegSS] = fromSegment(&sregs.SS)
	st.TR = fromSegment(&sregs.TR)
	st.LDT = fromSegment(&sregs.LDT)

	st.IDT = DescriptorTable{Base: sregs.IDT.Base, Limit: sregs.IDT.Limit}
	st.GDT = DescriptorTable{Base: sregs.GDT.Base, Limit: sregs.GDT.Limit}

	st.CR[0] = sregs.CR0
	st.CR[2] = sregs.CR2
	st.CR[3] = sregs.CR3
	st.CR[4] = sregs.CR4
	st.EFER = sregs.EFER

	// CR8 and the APIC base are picked up after every run instead.
	return nil
}

func (v *VCPU) putMPState() error {
	mp := gvmMPState{MPState: v.State.MPState}
	_, err := ioctl(v.s.kernel, v.fd, gvmSetMpState, &mp)
	return err
}

func (v *VCPU) getMPState() error {
	var mp gvmMPState
	if _, err := ioctl(v.s.kernel, v.fd, gvmGetMpState, &mp); err != nil {
		return err
	}
	v.State.MPState = mp.MPState
	if v.s.kernelIRQChip {
		v.State.Halted = mp.MPState == mpStateHalted
	}
	return nil
}

func (v *VCPU) putAPIC() error {
	apic := v.cfg.APIC
	if apic == nil || !v.s.kernelIRQChip {
		return nil
	}
	var lapic LAPICState
	apic.SaveState(&lapic)
	_, err := ioctl(v.s.kernel, v.fd, gvmSetLapic, &lapic)
	return err
}

func (v *VCPU) getAPIC() error {
	apic := v.cfg.APIC
	if apic == nil || !v.s.kernelIRQChip {
		return nil
	}
	var lapic LAPICState
	if _, err := ioctl(v.s.kernel, v.fd, gvmGetLapic, &lapic); err != nil {
		return err
	}
	apic.LoadState(&lapic)
	return nil
}

func (v *VCPU) putVCPUEvents(level SyncLevel) error {
	if !v.s.features.vcpuEvents {
		return nil
	}
	st := &v.State
	var ev gvmVCPUEvents

	ev.Exception.Injected = b2u8(st.ExceptionInjected >= 0)
	ev.Exception.Nr = uint8(st.ExceptionInjected)
	ev.Exception.HasErrorCode = b2u8(st.HasErrorCode)
	ev.Exception.ErrorCode = st.ErrorCode

	ev.Interrupt.Injected = b2u8(st.InterruptInjected >= 0)
	ev.Interrupt.Nr = uint8(st.InterruptInjected)
	ev.Interrupt.Soft = b2u8(st.SoftInterrupt)

	ev.NMI.Injected = b2u8(st.NMIInjected)
	ev.NMI.Pending = b2u8(st.NMIPending)
	ev.NMI.Masked = b2u8(st.NMIMasked)

	ev.SipiVector = st.SIPIVector

	if v.msrs.smbase {
		ev.SMI.SMM = b2u8(st.SMM)
		ev.SMI.SMMInsideNMI = b2u8(st.SMMInsideNMI)
		if v.s.kernelIRQChip {
			// The kernel owns the latched INIT and pending SMI now.
			pending := v.interrupt.Load()
			ev.SMI.Pending = b2u8(pending&InterruptSMI != 0)
			ev.SMI.LatchedInit = b2u8(pending&InterruptInit != 0)
			v.ResetInterrupt(InterruptSMI | InterruptInit)
		}
		ev.Flags |= vcpuEventValidSMM
	}

	if level >= SyncReset {
		ev.Flags |= vcpuEventValidNMIPending | vcpuEventValidSIPIVector
	}

	_, err := ioctl(v.s.kernel, v.fd, gvmSetVcpuEvents, &ev)
	return err
}

func (v *VCPU) getVCPUEvents() error {
	if !v.s.features.vcpuEvents {
		return nil
	}
	var ev gvmVCPUEvents
	if _, err := ioctl(v.s.kernel, v.fd, gvmGetVcpuEvents, &ev); err != nil {
		return err
	}
	st := &v.State

	st.ExceptionInjected = -1
	if ev.Exception.Injected != 0 {
		st.ExceptionInjected = int(ev.Exception.Nr)
	}
	st.HasErrorCode = ev.Exception.HasErrorCode != 0
	st.ErrorCode = ev.Exception.ErrorCode

	st.InterruptInjected = -1
	if ev.Interrupt.Injected != 0 {
		st.InterruptInjected = int(ev.Interrupt.Nr)
	}
	st.SoftInterrupt = ev.Interrupt.Soft != 0

	st.NMIInjected = ev.NMI.Injected != 0
	st.NMIPending = ev.NMI.Pending != 0
	st.NMIMasked = ev.NMI.Masked != 0

	if ev.Flags&vcpuEventValidSMM != 0 {
		st.SMM = ev.SMI.SMM != 0
		st.SMMInsideNMI = ev.SMI.SMMInsideNMI != 0
		if ev.SMI.Pending != 0 {
			v.Interrupt(InterruptSMI)
		} else {
			v.ResetInterrupt(InterruptSMI)
		}
		if ev.SMI.LatchedInit != 0 {
			v.Interrupt(InterruptInit)
		} else {
			v.ResetInterrupt(InterruptInit)
		}
	}

	st.SIPIVector = ev.SipiVector
	return nil
}

func (v *VCPU) putDebugRegs() error {
	if !v.s.features.debugRegs {
		return nil
	}
	st := &v.State
	var dbg gvmDebugRegs
	copy(dbg.DB[:], st.DR[:4])
	dbg.DR6 = st.DR[6]
	dbg.DR7 = st.DR[7]
	_, err := ioctl(v.s.kernel, v.fd, gvmSetDebugRegs, &dbg)
	return err
}

func (v *VCPU) getDebugRegs() error {
	if !v.s.features.debugRegs {
		return nil
	}
	var dbg gvmDebugRegs
	if _, err := ioctl(v.s.kernel, v.fd, gvmGetDebugRegs, &dbg); err != nil {
		return err
	}
	st := &v.State
	copy(st.DR[:4], dbg.DB[:])
	st.DR[4] = dbg.DR6
	st.DR[5] = dbg.DR7
	st.DR[6] = dbg.DR6
	st.DR[7] = dbg.DR7
	return nil
}

// guestDebugWorkarounds re-arms guest debugging after a state write. It
// must run after everything else: setting the registers clears the single
// step and breakpoint setup in the kernel.
func (v *VCPU) guestDebugWorkarounds() error {
	st := &v.State
	var reinject uint32

	// Without vcpu events a pending #DB or #BP would be lost; have the
	// kernel inject it instead.
	if !v.s.features.vcpuEvents {
		switch st.ExceptionInjected {
		case excDebug:
			reinject = guestDebugInjectDB
		case excBreakpoint:
			reinject = guestDebugInjectBP
		}
		st.ExceptionInjected = -1
	}

	if reinject != 0 || (!v.s.features.robustSingleStep && v.singleStep) {
		return v.updateGuestDebug(reinject)
	}
	return nil
}

type syncStep struct {
	name string
	fn   func() error
}

// putRegisters pushes the emulator state into the kernel vCPU. Any failure
// leaves the two copies diverged and is fatal.
func (v *VCPU) putRegisters(level SyncLevel) error {
	if level >= SyncReset {
		if err := v.putFeatureControl(); err != nil {
			return fatalf(err, "vcpu %d: put feature control", v.id)
		}
	}
	if level == SyncFull {
		if err := v.SetTSCKHz(); err != nil {
			slog.Warn("gvm: restoring tsc frequency", "vcpu", v.id, "error", err)
		}
	}

	steps := []syncStep{
		{"regs", v.putRegs},
		{"xsave", v.putXSave},
		{"xcrs", v.putXCRs},
		{"sregs", v.putSregs},
		{"msrs", func() error { return v.putMSRs(level) }},
	}
	if level >= SyncReset {
		steps = append(steps, syncStep{"mp state", v.putMPState}, syncStep{"lapic", v.putAPIC})
	}
	steps = append(steps,
		syncStep{"tsc deadline", v.putTSCDeadline},
		syncStep{"vcpu events", func() error { return v.putVCPUEvents(level) }},
		syncStep{"debug regs", v.putDebugRegs},
		syncStep{"guest debug", v.guestDebugWorkarounds},
	)

	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fatalf(err, "vcpu %d: put %s (%s)", v.id, step.name, level)
		}
	}
	return nil
}

// getRegisters refreshes the emulator state from the kernel vCPU.
func (v *VCPU) getRegisters() error {
	steps := []syncStep{
		{"regs", v.getRegs},
		{"xsave", v.getXSave},
		{"xcrs", v.getXCRs},
		{"sregs", v.getSregs},
		{"msrs", v.getMSRs},
		{"mp state", v.getMPState},
		{"lapic", v.getAPIC},
		{"vcpu events", v.getVCPUEvents},
		{"debug regs", v.getDebugRegs},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fatalf(err, "vcpu %d: get %s", v.id, step.name)
		}
	}
	return nil
}
