//go:build linux

package gvm

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func debugExit(exception uint32, pc, dr6, dr7 uint64) fakeExit {
	return fakeExit{fill: func(run *gvmRunData, _ []byte) {
		run.ExitReason = uint32(exitDebug)
		d := run.debug()
		d.Exception = exception
		d.PC = pc
		d.DR6 = dr6
		d.DR7 = dr7
	}}
}

func TestSWBreakpointInsertRemove(t *testing.T) {
	mem := make(byteMemory, 0x1000)
	mem[0x100] = 0x90
	env := newExecEnv(t, Options{}, VCPUConfig{Memory: mem})
	s, v := env.s, env.v
	fv := env.k.vcpu(0)

	if err := s.InsertBreakpoint(v, 0x100, 1, BreakpointSW); err != nil {
		t.Fatalf("InsertBreakpoint: %v", err)
	}
	if mem[0x100] != int3 {
		t.Fatalf("memory at 0x100 = 0x%x, want int3", mem[0x100])
	}
	if want := guestDebugEnable | guestDebugUseSWBP; fv.guestDebug.Control != want {
		t.Errorf("guest debug control = 0x%x, want 0x%x", fv.guestDebug.Control, want)
	}

	// A second insert only takes a reference.
	if err := s.InsertBreakpoint(v, 0x100, 1, BreakpointSW); err != nil {
		t.Fatalf("second InsertBreakpoint: %v", err)
	}
	if bp := s.findSWBreakpoint(0x100); bp == nil || bp.UseCount != 2 || bp.SavedInsn != 0x90 {
		t.Fatalf("breakpoint = %+v, want two uses of a saved nop", bp)
	}

	if err := s.RemoveBreakpoint(v, 0x100, 1, BreakpointSW); err != nil {
		t.Fatalf("RemoveBreakpoint: %v", err)
	}
	if mem[0x100] != int3 {
		t.Fatal("instruction restored while still referenced")
	}
	if err := s.RemoveBreakpoint(v, 0x100, 1, BreakpointSW); err != nil {
		t.Fatalf("RemoveBreakpoint: %v", err)
	}
	if mem[0x100] != 0x90 {
		t.Errorf("memory at 0x100 = 0x%x, want the original nop", mem[0x100])
	}
	if fv.guestDebug.Control != 0 {
		t.Errorf("guest debug control = 0x%x after removal, want 0", fv.guestDebug.Control)
	}

	if err := s.RemoveBreakpoint(v, 0x100, 1, BreakpointSW); !errors.Is(err, ErrBreakpointNotFound) {
		t.Errorf("removing a missing breakpoint: %v, want ErrBreakpointNotFound", err)
	}
}

func TestSWBreakpointErrors(t *testing.T) {
	t.Run("no memory", func(t *testing.T) {
		env := newExecEnv(t, Options{}, VCPUConfig{})
		err := env.s.InsertBreakpoint(env.v, 0x100, 1, BreakpointSW)
		if !errors.Is(err, unix.EINVAL) {
			t.Errorf("InsertBreakpoint = %v, want EINVAL", err)
		}
	})

	t.Run("outside memory", func(t *testing.T) {
		mem := make(byteMemory, 0x100)
		env := newExecEnv(t, Options{}, VCPUConfig{Memory: mem})
		if err := env.s.InsertBreakpoint(env.v, 0x1000, 1, BreakpointSW); err == nil {
			t.Error("InsertBreakpoint outside guest memory succeeded")
		}
		if env.s.findSWBreakpoint(0x1000) != nil {
			t.Error("failed breakpoint was recorded")
		}
	})

	t.Run("overwritten", func(t *testing.T) {
		mem := make(byteMemory, 0x1000)
		env := newExecEnv(t, Options{}, VCPUConfig{Memory: mem})
		if err := env.s.InsertBreakpoint(env.v, 0x200, 1, BreakpointSW); err != nil {
			t.Fatalf("InsertBreakpoint: %v", err)
		}
		mem[0x200] = 0x90
		err := env.s.RemoveBreakpoint(env.v, 0x200, 1, BreakpointSW)
		if !errors.Is(err, unix.EINVAL) {
			t.Errorf("RemoveBreakpoint = %v, want EINVAL", err)
		}
	})
}

func TestHWBreakpointValidation(t *testing.T) {
	tests := []struct {
		name   string
		addr   uint64
		length uint64
		typ    BreakpointType
		want   error
	}{
		{"misaligned", 0x1002, 4, WatchpointWrite, ErrInvalidWatchpoint},
		{"odd length", 0x1000, 3, WatchpointAccess, ErrInvalidWatchpoint},
		{"read only", 0x1000, 4, WatchpointRead, ErrUnsupportedBreakpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newExecEnv(t, Options{}, VCPUConfig{})
			err := env.s.InsertBreakpoint(env.v, tt.addr, tt.length, tt.typ)
			if !errors.Is(err, tt.want) {
				t.Errorf("InsertBreakpoint = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHWBreakpointSlots(t *testing.T) {
	env := newExecEnv(t, Options{}, VCPUConfig{})
	s, v := env.s, env.v

	for n := range maxHWBreakpoints {
		if err := s.InsertBreakpoint(v, uint64(0x1000+n*0x10), 1, BreakpointHW); err != nil {
			t.Fatalf("InsertBreakpoint %d: %v", n, err)
		}
	}
	if err := s.InsertBreakpoint(v, 0x1000, 1, BreakpointHW); !errors.Is(err, ErrNoDebugSlots) {
		t.Errorf("fifth breakpoint: %v, want ErrNoDebugSlots", err)
	}

	if err := s.RemoveBreakpoint(v, 0x1010, 1, BreakpointHW); err != nil {
		t.Fatalf("RemoveBreakpoint: %v", err)
	}
	if err := s.InsertBreakpoint(v, 0x1000, 1, BreakpointHW); !errors.Is(err, ErrBreakpointExists) {
		t.Errorf("duplicate breakpoint: %v, want ErrBreakpointExists", err)
	}
	if err := s.RemoveBreakpoint(v, 0x9000, 1, BreakpointHW); !errors.Is(err, ErrBreakpointNotFound) {
		t.Errorf("missing breakpoint: %v, want ErrBreakpointNotFound", err)
	}
}

// onVCPUThread runs fn on a locked OS thread that v treats as its own.
func onVCPUThread(v *VCPU, fn func()) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	v.tid.Store(int32(unix.Gettid()))
	defer v.tid.Store(0)
	fn()
}

func TestBreakpointFromVCPUThreads(t *testing.T) {
	env := newExecEnv(t, Options{}, VCPUConfig{})
	s, v0 := env.s, env.v
	v1 := newTestVCPU(t, s, 1, VCPUConfig{})

	// vCPU 1 is busy calling into vCPU 0 when the update reaches it.
	ready := make(chan struct{})
	crossed := make(chan struct{})
	go onVCPUThread(v1, func() {
		close(ready)
		fn := <-v1.work
		v0.Call(func() { close(crossed) })
		fn()
	})
	<-ready

	result := make(chan error, 1)
	go onVCPUThread(v0, func() {
		result <- s.InsertBreakpoint(v0, 0x2000, 1, BreakpointHW)
	})

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("InsertBreakpoint: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("InsertBreakpoint from a vCPU thread did not finish")
	}
	<-crossed
	for id := range 2 {
		if c := env.k.vcpu(id).guestDebug.Control; c&guestDebugUseHWBP == 0 {
			t.Errorf("vcpu %d guest debug control = 0x%x, want hw breakpoints", id, c)
		}
	}
}

func TestHWBreakpointDebugRegisters(t *testing.T) {
	env := newExecEnv(t, Options{}, VCPUConfig{})
	s, v := env.s, env.v
	fv := env.k.vcpu(0)

	if err := s.InsertBreakpoint(v, 0x2000, 4, WatchpointWrite); err != nil {
		t.Fatalf("InsertBreakpoint: %v", err)
	}
	if err := s.InsertBreakpoint(v, 0x3000, 1, BreakpointHW); err != nil {
		t.Fatalf("InsertBreakpoint: %v", err)
	}

	dbg := fv.guestDebug
	if want := guestDebugEnable | guestDebugUseHWBP; dbg.Control != want {
		t.Errorf("control = 0x%x, want 0x%x", dbg.Control, want)
	}
	if dbg.DebugReg[0] != 0x2000 || dbg.DebugReg[1] != 0x3000 {
		t.Errorf("DR0 = 0x%x DR1 = 0x%x", dbg.DebugReg[0], dbg.DebugReg[1])
	}
	// Slot 0: enabled, write, 4 bytes. Slot 1: enabled, execute.
	if want := uint64(0x600 | 2 | 1<<16 | 3<<18 | 2<<2); dbg.DebugReg[7] != want {
		t.Errorf("DR7 = 0x%x, want 0x%x", dbg.DebugReg[7], want)
	}

	// Removing slot 0 moves the last breakpoint into it.
	if err := s.RemoveBreakpoint(v, 0x2000, 4, WatchpointWrite); err != nil {
		t.Fatalf("RemoveBreakpoint: %v", err)
	}
	dbg = fv.guestDebug
	if dbg.DebugReg[0] != 0x3000 || dbg.DebugReg[7] != 0x602 {
		t.Errorf("after removal DR0 = 0x%x DR7 = 0x%x", dbg.DebugReg[0], dbg.DebugReg[7])
	}
}

func TestExecDebugExits(t *testing.T) {
	mem := make(byteMemory, 0x1000)
	env := newExecEnv(t, Options{}, VCPUConfig{Memory: mem})
	s, v := env.s, env.v

	if err := s.InsertBreakpoint(v, 0x2000, 4, WatchpointWrite); err != nil {
		t.Fatalf("InsertBreakpoint: %v", err)
	}
	if err := s.InsertBreakpoint(v, 0x100, 1, BreakpointSW); err != nil {
		t.Fatalf("InsertBreakpoint: %v", err)
	}
	dr7 := env.k.vcpu(0).guestDebug.DebugReg[7]

	env.k.queueExits(0, debugExit(excDebug, 0x400, 1, dr7))
	res, err := v.Exec()
	if err != nil || res != ExecDebug {
		t.Fatalf("watchpoint exit: Exec = %s, %v; want debug", res, err)
	}
	if wp := v.WatchpointHit(); wp == nil || wp.Addr != 0x2000 || !wp.Write {
		t.Errorf("WatchpointHit = %+v, want write at 0x2000", wp)
	}

	env.k.queueExits(0, debugExit(excBreakpoint, 0x100, 0, 0))
	res, err = v.Exec()
	if err != nil || res != ExecDebug {
		t.Fatalf("breakpoint exit: Exec = %s, %v; want debug", res, err)
	}
	if wp := v.WatchpointHit(); wp != nil {
		t.Errorf("WatchpointHit = %+v after a software breakpoint", wp)
	}

	// An int3 the debugger did not plant goes back to the guest.
	env.k.queueExits(0, debugExit(excBreakpoint, 0x500, 0, 0))
	res, err = v.Exec()
	if err != nil || res != ExecInterrupted {
		t.Fatalf("guest int3: Exec = %s, %v; want interrupted", res, err)
	}
	ev := env.k.vcpu(0).events
	if ev.Exception.Injected != 1 || ev.Exception.Nr != excBreakpoint {
		t.Errorf("events = %+v, want #BP injected", ev.Exception)
	}
}

func TestSingleStep(t *testing.T) {
	env := newExecEnv(t, Options{}, VCPUConfig{})
	v := env.v
	fv := env.k.vcpu(0)

	if err := v.SetSingleStep(true); err != nil {
		t.Fatalf("SetSingleStep: %v", err)
	}
	if want := guestDebugEnable | guestDebugSingleStep; fv.guestDebug.Control != want {
		t.Errorf("control = 0x%x, want 0x%x", fv.guestDebug.Control, want)
	}
	env.k.queueExits(0, debugExit(excDebug, 0x100, 1<<14, 0))
	if res, err := v.Exec(); err != nil || res != ExecDebug {
		t.Fatalf("Exec = %s, %v; want debug", res, err)
	}

	if err := v.SetSingleStep(false); err != nil {
		t.Fatalf("SetSingleStep: %v", err)
	}
	if fv.guestDebug.Control != 0 {
		t.Errorf("control = 0x%x after disabling, want 0", fv.guestDebug.Control)
	}
	// A trap flag set by the guest itself is reinjected.
	env.k.queueExits(0, debugExit(excDebug, 0x100, 1<<14, 0))
	if res, err := v.Exec(); err != nil || res != ExecInterrupted {
		t.Fatalf("Exec = %s, %v; want interrupted", res, err)
	}
	if ev := fv.events; ev.Exception.Injected != 1 || ev.Exception.Nr != excDebug {
		t.Errorf("events = %+v, want #DB injected", ev.Exception)
	}
}

func TestRemoveAllBreakpoints(t *testing.T) {
	mem := make(byteMemory, 0x1000)
	mem[0x100] = 0x55
	mem[0x180] = 0x66
	env := newExecEnv(t, Options{}, VCPUConfig{Memory: mem})
	s := env.s
	other := newTestVCPU(t, s, 1, VCPUConfig{Memory: mem})

	for _, pc := range []uint64{0x100, 0x180} {
		if err := s.InsertBreakpoint(env.v, pc, 1, BreakpointSW); err != nil {
			t.Fatalf("InsertBreakpoint: %v", err)
		}
	}
	if err := s.InsertBreakpoint(env.v, 0x3000, 8, WatchpointAccess); err != nil {
		t.Fatalf("InsertBreakpoint: %v", err)
	}
	if env.k.vcpu(1).guestDebug.Control == 0 {
		t.Fatal("breakpoints not programmed on the second vcpu")
	}

	// The first vcpu lost its memory view; the second one restores.
	env.v.cfg.Memory = nil
	if err := s.RemoveAllBreakpoints(env.v); err != nil {
		t.Fatalf("RemoveAllBreakpoints: %v", err)
	}
	if mem[0x100] != 0x55 || mem[0x180] != 0x66 {
		t.Errorf("memory not restored: 0x%x 0x%x", mem[0x100], mem[0x180])
	}
	for _, fv := range []*fakeVCPU{env.k.vcpu(0), env.k.vcpu(other.id)} {
		if fv.guestDebug.Control != 0 || fv.guestDebug.DebugReg[7] != 0 {
			t.Errorf("vcpu %d guest debug = %+v, want cleared", fv.id, fv.guestDebug)
		}
	}
}

func TestBreakpointTypeString(t *testing.T) {
	for typ, want := range map[BreakpointType]string{
		BreakpointSW:       "sw",
		WatchpointAccess:   "access",
		BreakpointType(42): "BreakpointType(42)",
	} {
		if got := typ.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(typ), got, want)
		}
	}
}
