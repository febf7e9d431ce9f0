//go:build linux

package gvm

import (
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/gvm/internal/debug"
)

// BreakpointType follows the debugger protocol numbering.
type BreakpointType int

const (
	BreakpointSW BreakpointType = iota
	BreakpointHW
	WatchpointWrite
	WatchpointRead
	WatchpointAccess
)

func (t BreakpointType) String() string {
	switch t {
	case BreakpointSW:
		return "sw"
	case BreakpointHW:
		return "hw"
	case WatchpointWrite:
		return "write"
	case WatchpointRead:
		return "read"
	case WatchpointAccess:
		return "access"
	default:
		return fmt.Sprintf("BreakpointType(%d)", int(t))
	}
}

const maxHWBreakpoints = 4

const int3 = 0xcc

// SWBreakpoint is an int3 patched into guest memory.
type SWBreakpoint struct {
	PC        uint64
	SavedInsn byte
	UseCount  int
}

// HWBreakpoint occupies one of the DR0-DR3 slots.
type HWBreakpoint struct {
	Addr uint64
	Len  uint64
	Type BreakpointType
}

// findSWBreakpoint returns the software breakpoint at pc, or nil.
func (s *Session) findSWBreakpoint(pc uint64) *SWBreakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findSWBreakpointLocked(pc)
}

func (s *Session) findSWBreakpointLocked(pc uint64) *SWBreakpoint {
	for _, bp := range s.swBreakpoints {
		if bp.PC == pc {
			return bp
		}
	}
	return nil
}

func (s *Session) findHWBreakpointLocked(addr, length uint64, typ BreakpointType) int {
	for n := 0; n < s.nbHW; n++ {
		bp := s.hwBreakpoints[n]
		if bp.Addr == addr && bp.Type == typ && (bp.Len == length || length == ^uint64(0)) {
			return n
		}
	}
	return -1
}

func (v *VCPU) hwBreakpointAddr(n int) uint64 {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return v.s.hwBreakpoints[n].Addr
}

func debugMemory(cpu *VCPU) (DebugMemory, error) {
	if cpu == nil || cpu.cfg.Memory == nil {
		return nil, fmt.Errorf("gvm: software breakpoints need guest memory access: %w", unix.EINVAL)
	}
	return cpu.cfg.Memory, nil
}

func insertSWBreakpoint(mem DebugMemory, bp *SWBreakpoint) error {
	var b [1]byte
	if _, err := mem.ReadAt(b[:], int64(bp.PC)); err != nil {
		return fmt.Errorf("gvm: read breakpoint site 0x%x: %w", bp.PC, err)
	}
	bp.SavedInsn = b[0]
	b[0] = int3
	if _, err := mem.WriteAt(b[:], int64(bp.PC)); err != nil {
		return fmt.Errorf("gvm: write breakpoint at 0x%x: %w", bp.PC, err)
	}
	return nil
}

func removeSWBreakpoint(mem DebugMemory, bp *SWBreakpoint) error {
	var b [1]byte
	if _, err := mem.ReadAt(b[:], int64(bp.PC)); err != nil {
		return fmt.Errorf("gvm: read breakpoint at 0x%x: %w", bp.PC, err)
	}
	if b[0] != int3 {
		return fmt.Errorf("gvm: breakpoint at 0x%x was overwritten: %w", bp.PC, unix.EINVAL)
	}
	b[0] = bp.SavedInsn
	if _, err := mem.WriteAt(b[:], int64(bp.PC)); err != nil {
		return fmt.Errorf("gvm: restore instruction at 0x%x: %w", bp.PC, err)
	}
	return nil
}

// InsertBreakpoint adds a breakpoint or watchpoint for every vCPU. cpu
// provides the memory view used to patch software breakpoints.
func (s *Session) InsertBreakpoint(cpu *VCPU, addr, length uint64, typ BreakpointType) error {
	s.mu.Lock()
	if typ == BreakpointSW {
		if bp := s.findSWBreakpointLocked(addr); bp != nil {
			bp.UseCount++
			s.mu.Unlock()
			return nil
		}
		mem, err := debugMemory(cpu)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		bp := &SWBreakpoint{PC: addr, UseCount: 1}
		if err := insertSWBreakpoint(mem, bp); err != nil {
			s.mu.Unlock()
			return err
		}
		s.swBreakpoints = slices.Insert(s.swBreakpoints, 0, bp)
	} else if err := s.insertHWBreakpointLocked(addr, length, typ); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	debug.Writef("gvm breakpoint", "insert %s at 0x%x len %d", typ, addr, length)
	return s.updateAllGuestDebug()
}

func (s *Session) insertHWBreakpointLocked(addr, length uint64, typ BreakpointType) error {
	switch typ {
	case BreakpointHW:
		length = 1
	case WatchpointWrite, WatchpointAccess:
		switch length {
		case 1:
		case 2, 4, 8:
			if addr&(length-1) != 0 {
				return fmt.Errorf("%w: 0x%x not aligned to %d", ErrInvalidWatchpoint, addr, length)
			}
		default:
			return fmt.Errorf("%w: length %d", ErrInvalidWatchpoint, length)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedBreakpoint, typ)
	}

	if s.nbHW == maxHWBreakpoints {
		return ErrNoDebugSlots
	}
	if s.findHWBreakpointLocked(addr, length, typ) >= 0 {
		return ErrBreakpointExists
	}
	s.hwBreakpoints[s.nbHW] = HWBreakpoint{Addr: addr, Len: length, Type: typ}
	s.nbHW++
	return nil
}

// RemoveBreakpoint drops one reference to a breakpoint and clears it from
// every vCPU once unused.
func (s *Session) RemoveBreakpoint(cpu *VCPU, addr, length uint64, typ BreakpointType) error {
	s.mu.Lock()
	if typ == BreakpointSW {
		bp := s.findSWBreakpointLocked(addr)
		if bp == nil {
			s.mu.Unlock()
			return ErrBreakpointNotFound
		}
		if bp.UseCount > 1 {
			bp.UseCount--
			s.mu.Unlock()
			return nil
		}
		mem, err := debugMemory(cpu)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if err := removeSWBreakpoint(mem, bp); err != nil {
			s.mu.Unlock()
			return err
		}
		s.swBreakpoints = slices.DeleteFunc(s.swBreakpoints, func(b *SWBreakpoint) bool { return b == bp })
	} else if err := s.removeHWBreakpointLocked(addr, length, typ); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	debug.Writef("gvm breakpoint", "remove %s at 0x%x len %d", typ, addr, length)
	return s.updateAllGuestDebug()
}

func (s *Session) removeHWBreakpointLocked(addr, length uint64, typ BreakpointType) error {
	if typ == BreakpointHW {
		length = 1
	}
	n := s.findHWBreakpointLocked(addr, length, typ)
	if n < 0 {
		return ErrBreakpointNotFound
	}
	s.nbHW--
	s.hwBreakpoints[n] = s.hwBreakpoints[s.nbHW]
	s.hwBreakpoints[s.nbHW] = HWBreakpoint{}
	return nil
}

// RemoveAllBreakpoints restores every patched instruction and clears the
// debug registers of all vCPUs. A breakpoint whose memory cpu cannot
// restore is retried through the other vCPUs.
func (s *Session) RemoveAllBreakpoints(cpu *VCPU) error {
	others := s.VCPUs()

	s.mu.Lock()
	for _, bp := range s.swBreakpoints {
		var err error
		if mem, merr := debugMemory(cpu); merr == nil {
			err = removeSWBreakpoint(mem, bp)
		} else {
			err = merr
		}
		if err == nil {
			continue
		}
		for _, other := range others {
			if other == cpu {
				continue
			}
			if mem, merr := debugMemory(other); merr == nil && removeSWBreakpoint(mem, bp) == nil {
				break
			}
		}
	}
	s.swBreakpoints = nil
	s.nbHW = 0
	s.hwBreakpoints = [maxHWBreakpoints]HWBreakpoint{}
	s.mu.Unlock()

	return s.updateAllGuestDebug()
}

// SetSingleStep turns single stepping on or off for v.
func (v *VCPU) SetSingleStep(on bool) error {
	var err error
	v.Call(func() {
		v.singleStep = on
		err = v.updateGuestDebug(0)
	})
	return err
}

// updateAllGuestDebug pushes the breakpoint lists to every vCPU. A caller on
// a vCPU thread updates its own vCPU inline and keeps serving its work queue
// until the others finish, so two vCPUs updating at once cannot wait on each
// other.
func (s *Session) updateAllGuestDebug() error {
	var (
		g    errgroup.Group
		self *VCPU
	)
	for _, v := range s.VCPUs() {
		if v.tid.Load() != 0 && v.onThread() {
			self = v
			continue
		}
		g.Go(func() error {
			var err error
			v.Call(func() { err = v.updateGuestDebug(0) })
			return err
		})
	}
	if self == nil {
		return g.Wait()
	}

	selfErr := self.updateGuestDebug(0)
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	for {
		select {
		case err := <-done:
			if selfErr != nil {
				return selfErr
			}
			return err
		case fn := <-self.work:
			fn()
		}
	}
}

var hwTypeCode = map[BreakpointType]uint64{
	BreakpointHW:     0,
	WatchpointWrite:  1,
	WatchpointAccess: 3,
}

var hwLenCode = map[uint64]uint64{1: 0, 2: 1, 4: 3, 8: 2}

// guestDebugControl builds the SET_GUEST_DEBUG request for the current
// breakpoint lists.
func (s *Session) guestDebugControl(reinject uint32, singleStep bool) gvmGuestDebug {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbg := gvmGuestDebug{Control: reinject}
	if singleStep {
		dbg.Control |= guestDebugEnable | guestDebugSingleStep
	}
	if len(s.swBreakpoints) > 0 {
		dbg.Control |= guestDebugEnable | guestDebugUseSWBP
	}
	if s.nbHW > 0 {
		dbg.Control |= guestDebugEnable | guestDebugUseHWBP
		dbg.DebugReg[7] = 0x0600
		for n := 0; n < s.nbHW; n++ {
			bp := s.hwBreakpoints[n]
			dbg.DebugReg[n] = bp.Addr
			dbg.DebugReg[7] |= 2<<(uint(n)*2) |
				hwTypeCode[bp.Type]<<(16+uint(n)*4) |
				hwLenCode[bp.Len]<<(18+uint(n)*4)
		}
	}
	return dbg
}

// updateGuestDebug programs the kernel's guest debug state. reinject asks
// the kernel to inject a #DB or #BP on the next entry. Runs on the vCPU
// thread.
func (v *VCPU) updateGuestDebug(reinject uint32) error {
	dbg := v.s.guestDebugControl(reinject, v.singleStep)
	if _, err := ioctl(v.s.kernel, v.fd, gvmSetGuestDebug, &dbg); err != nil {
		return fmt.Errorf("gvm: vcpu %d: set guest debug: %w", v.id, err)
	}
	return nil
}
