//go:build linux

package gvm

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func codeSegment32() Segment {
	return Segment{
		Selector: 0x08,
		Base:     0x1000,
		Limit:    0xffffffff,
		Flags:    DescP | DescS | DescB | DescG | 0xb<<DescTypeShift,
	}
}

func TestStateRoundTrip(t *testing.T) {
	k := newFakeKernel()
	s := newTestSession(t, k, Options{})
	v := newTestVCPU(t, s, 0, VCPUConfig{})

	st := &v.State
	st.Regs[RegRAX] = 0x1111
	st.Regs[RegR15] = 0xffff
	st.RIP = 0x401000
	st.RFlags = 0x202
	st.Segs[SegCS] = codeSegment32()
	st.GDT = DescriptorTable{Base: 0x9000, Limit: 0x27}
	st.CR[0] = cr0PE | 0x10
	st.CR[3] = 0x5000
	st.EFER = 0x500
	st.XCR0 = 0x7
	st.MXCSR = 0x1f80
	st.XMM[3][0] = 0xdeadbeef
	st.XMM[3][2] = 0xcafe
	st.FPUC = 0x37f
	st.FPTags[0] = false
	st.Star = 0x0023001000000000
	st.LStar = 0xffffffff81000000
	st.SysenterCS = 0x10
	st.DR[0] = 0x4000
	st.DR[7] = 0x401
	st.InterruptInjected = 0x41
	want := *st

	if err := v.SynchronizePostInit(); err != nil {
		t.Fatalf("SynchronizePostInit: %v", err)
	}
	if v.dirty {
		t.Fatal("state still dirty after a push")
	}

	v.State = CPUState{}
	if err := v.SynchronizeState(); err != nil {
		t.Fatalf("SynchronizeState: %v", err)
	}
	got := &v.State

	if got.Regs != want.Regs || got.RIP != want.RIP || got.RFlags != want.RFlags {
		t.Errorf("regs = %x rip=%x rflags=%x", got.Regs, got.RIP, got.RFlags)
	}
	if got.Segs[SegCS] != want.Segs[SegCS] {
		t.Errorf("cs = %+v, want %+v", got.Segs[SegCS], want.Segs[SegCS])
	}
	if got.GDT != want.GDT || got.CR != want.CR || got.EFER != want.EFER {
		t.Errorf("gdt=%+v cr=%x efer=%x", got.GDT, got.CR, got.EFER)
	}
	if got.XCR0 != want.XCR0 || got.MXCSR != want.MXCSR || got.XMM[3] != want.XMM[3] {
		t.Errorf("xcr0=%x mxcsr=%x xmm3=%x", got.XCR0, got.MXCSR, got.XMM[3])
	}
	if got.FPUC != want.FPUC || got.FPTags != want.FPTags {
		t.Errorf("fpuc=%x tags=%v", got.FPUC, got.FPTags)
	}
	if got.Star != want.Star || got.LStar != want.LStar || got.SysenterCS != want.SysenterCS {
		t.Errorf("star=%x lstar=%x sysenter_cs=%x", got.Star, got.LStar, got.SysenterCS)
	}
	if got.DR[0] != want.DR[0] || got.DR[7] != want.DR[7] || got.DR[5] != want.DR[7] {
		t.Errorf("dr = %x", got.DR)
	}
	if got.InterruptInjected != 0x41 {
		t.Errorf("injected interrupt = 0x%x, want 0x41", got.InterruptInjected)
	}
	if !v.dirty {
		t.Error("state not marked dirty after a read")
	}
}

func TestStateWithoutXSave(t *testing.T) {
	k := newFakeKernel()
	delete(k.caps, CapXSave)
	delete(k.caps, CapXCRs)
	s := newTestSession(t, k, Options{})
	v := newTestVCPU(t, s, 0, VCPUConfig{})

	v.State.FPUC = 0x27f
	v.State.FPStt = 5
	v.State.XMM[15][1] = 0x77
	if err := v.SynchronizePostInit(); err != nil {
		t.Fatalf("SynchronizePostInit: %v", err)
	}

	fv := k.vcpu(0)
	if fv.fpu.FCW != 0x27f || fv.fpu.FSW>>11&7 != 5 {
		t.Errorf("fpu fcw=%x fsw=%x", fv.fpu.FCW, fv.fpu.FSW)
	}
	if k.countCalls(gvmSetXsave) != 0 || k.countCalls(gvmSetXcrs) != 0 {
		t.Error("xsave ioctls used without the capability")
	}

	v.State = CPUState{}
	if err := v.SynchronizeState(); err != nil {
		t.Fatalf("SynchronizeState: %v", err)
	}
	if v.State.FPStt != 5 || v.State.XMM[15][1] != 0x77 {
		t.Errorf("fpstt=%d xmm15=%x", v.State.FPStt, v.State.XMM[15])
	}
}

func TestMTRRMask(t *testing.T) {
	k := newFakeKernel()
	s := newTestSession(t, k, Options{PhysBits: 40})
	v := newTestVCPU(t, s, 0, VCPUConfig{})
	if !v.msrs.mtrr {
		t.Fatal("mtrr not advertised by the cpu model")
	}

	v.State.MTRRVar[0] = MTRRVar{Base: 0x6, Mask: 0xfff_fff0_0800}
	if err := v.SynchronizePostReset(); err != nil {
		t.Fatalf("SynchronizePostReset: %v", err)
	}
	// Bits beyond the physical address width never reach the kernel.
	if got := k.vcpu(0).msrs[msrMTRRPhysMask(0)]; got != 0xff_fff0_0800 {
		t.Errorf("kernel mask = 0x%x", got)
	}

	v.State.MTRRVar[0] = MTRRVar{}
	if err := v.SynchronizeState(); err != nil {
		t.Fatalf("SynchronizeState: %v", err)
	}
	if got, want := v.State.MTRRVar[0].Mask, uint64(0xf_ffff_fff0_0800); got != want {
		t.Errorf("mask = 0x%x, want 0x%x", got, want)
	}
}

func TestMTRRMaskWithoutPadding(t *testing.T) {
	k := newFakeKernel()
	s := newTestSession(t, k, Options{PhysBits: 40, NoFillMTRRMask: true})
	v := newTestVCPU(t, s, 0, VCPUConfig{})

	v.State.MTRRVar[0] = MTRRVar{Base: 0x6, Mask: 0xfff_fff0_0800}
	if err := v.SynchronizePostReset(); err != nil {
		t.Fatalf("SynchronizePostReset: %v", err)
	}
	v.State.MTRRVar[0] = MTRRVar{}
	if err := v.SynchronizeState(); err != nil {
		t.Fatalf("SynchronizeState: %v", err)
	}
	if got, want := v.State.MTRRVar[0].Mask, uint64(0xff_fff0_0800); got != want {
		t.Errorf("mask = 0x%x, want 0x%x", got, want)
	}
}

func TestSyncLevels(t *testing.T) {
	k := newFakeKernel()
	s := newTestSession(t, k, Options{})
	v := newTestVCPU(t, s, 0, VCPUConfig{})
	fv := k.vcpu(0)

	v.State.TSC = 12345
	v.State.MPState = mpStateHalted
	v.State.NMIPending = true
	v.dirty = true
	v.Call(func() {
		if err := v.putRegisters(SyncRuntime); err != nil {
			t.Errorf("putRegisters: %v", err)
		}
	})
	if _, ok := fv.msrs[msrIA32TSC]; ok {
		t.Error("runtime writeback pushed the TSC")
	}
	if fv.mp.MPState != mpStateRunnable {
		t.Error("runtime writeback pushed the mp state")
	}
	if fv.events.Flags&vcpuEventValidNMIPending != 0 {
		t.Error("runtime writeback marked the NMI pending flag valid")
	}

	if err := v.SynchronizePostReset(); err != nil {
		t.Fatalf("SynchronizePostReset: %v", err)
	}
	if fv.mp.MPState != mpStateHalted || fv.events.Flags&vcpuEventValidNMIPending == 0 {
		t.Errorf("reset writeback: mp=%d event flags=%x", fv.mp.MPState, fv.events.Flags)
	}
	if _, ok := fv.msrs[msrIA32TSC]; ok {
		t.Error("reset writeback pushed the TSC")
	}

	if err := v.SynchronizePostInit(); err != nil {
		t.Fatalf("SynchronizePostInit: %v", err)
	}
	if fv.msrs[msrIA32TSC] != 12345 {
		t.Errorf("full writeback TSC = %d", fv.msrs[msrIA32TSC])
	}
}

func TestV8086Segments(t *testing.T) {
	k := newFakeKernel()
	s := newTestSession(t, k, Options{})
	v := newTestVCPU(t, s, 0, VCPUConfig{})

	v.State.CR[0] |= cr0PE
	v.State.RFlags |= rflagsVM
	v.State.Segs[SegCS] = Segment{Selector: 0x1234, Base: 0x12340, Limit: 0xffff}
	if err := v.SynchronizePostReset(); err != nil {
		t.Fatalf("SynchronizePostReset: %v", err)
	}
	cs := k.vcpu(0).sregs.CS
	if cs.Type != 3 || cs.DPL != 3 || cs.Present != 1 || cs.S != 1 || cs.Base != 0x12340 {
		t.Errorf("vm86 cs = %+v", cs)
	}
}

func TestExceptionReinjectWithoutEvents(t *testing.T) {
	k := newFakeKernel()
	delete(k.caps, CapVCPUEvents)
	s := newTestSession(t, k, Options{})
	v := newTestVCPU(t, s, 0, VCPUConfig{})

	v.State.ExceptionInjected = excBreakpoint
	if err := v.SynchronizePostReset(); err != nil {
		t.Fatalf("SynchronizePostReset: %v", err)
	}
	if ctl := k.vcpu(0).guestDebug.Control; ctl&guestDebugInjectBP == 0 {
		t.Errorf("guest debug control = 0x%x, want #BP injection", ctl)
	}
	if v.State.ExceptionInjected != -1 {
		t.Errorf("exception still pending: %d", v.State.ExceptionInjected)
	}
}

func TestSegmentConversion(t *testing.T) {
	seg := codeSegment32()
	ks := toSegment(seg)
	if got := fromSegment(&ks); got != seg {
		t.Errorf("segment = %+v, want %+v", got, seg)
	}

	// A non-present segment is unusable and loses its attributes.
	ks = toSegment(Segment{Selector: 0x10, Flags: DescS})
	if ks.Unusable != 1 {
		t.Errorf("unusable = %d", ks.Unusable)
	}
	if got := fromSegment(&ks); got.Flags != 0 || got.Selector != 0x10 {
		t.Errorf("unusable segment = %+v", got)
	}
}

func TestSyncLevelString(t *testing.T) {
	if SyncFull.String() != "full" || SyncLevel(7).String() != "unknown" {
		t.Errorf("SyncLevel strings: %s %s", SyncFull, SyncLevel(7))
	}
}

func TestSetTSCKHz(t *testing.T) {
	k := newFakeKernel()
	s := newTestSession(t, k, Options{})
	v := newTestVCPU(t, s, 0, VCPUConfig{})

	if err := v.SetTSCKHz(); err != nil {
		t.Fatalf("SetTSCKHz without a frequency: %v", err)
	}

	v.State.TSCKHz = 1500000
	if err := v.SetTSCKHz(); err != nil {
		t.Fatalf("SetTSCKHz: %v", err)
	}
	if got := k.vcpu(0).tscKHz; got != 1500000 {
		t.Fatalf("kernel tsc khz = %d", got)
	}

	// A refused set is fine when the frequency already matches.
	k.fail[gvmSetTscKhz] = unix.EINVAL
	if err := v.SetTSCKHz(); err != nil {
		t.Fatalf("SetTSCKHz with matching frequency: %v", err)
	}

	v.State.TSCKHz = 1800000
	if err := v.SetTSCKHz(); !errors.Is(err, unix.EINVAL) {
		t.Fatalf("SetTSCKHz mismatch = %v, want EINVAL", err)
	}
}

func TestSynchronizeAllTSC(t *testing.T) {
	k := newFakeKernel()
	m := &fakeMachine{}
	s := newTestSession(t, k, Options{CPUs: 2, Machine: m})
	v0 := newTestVCPU(t, s, 0, VCPUConfig{})
	v1 := newTestVCPU(t, s, 1, VCPUConfig{})

	k.vcpu(0).msrs[msrIA32TSC] = 1000
	k.vcpu(1).msrs[msrIA32TSC] = 2000
	if err := s.SynchronizeAllTSC(); err != nil {
		t.Fatalf("SynchronizeAllTSC: %v", err)
	}
	if v0.State.TSC != 1000 || v1.State.TSC != 2000 {
		t.Fatalf("tsc = %d, %d", v0.State.TSC, v1.State.TSC)
	}

	// Stopped: the value read stays valid.
	k.vcpu(0).msrs[msrIA32TSC] = 5000
	if err := s.SynchronizeAllTSC(); err != nil {
		t.Fatal(err)
	}
	if v0.State.TSC != 1000 {
		t.Fatalf("tsc re-read while stopped: %d", v0.State.TSC)
	}

	s.VMStateChanged(true)
	if err := s.SynchronizeAllTSC(); err != nil {
		t.Fatal(err)
	}
	if v0.State.TSC != 5000 {
		t.Fatalf("tsc after resume = %d, want 5000", v0.State.TSC)
	}
}
