//go:build linux

package gvm

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/arch/x86/x86asm"
)

const (
	cr0PG       = 1 << 31
	maxInsnSize = 15
)

var gprNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

var segNames = [6]string{"es", "cs", "ss", "ds", "fs", "gs"}

// DumpState writes the emulator copy of the CPU state to w, followed by
// the instruction at RIP when it can be read. A nil w writes to stderr.
func (v *VCPU) DumpState(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	st := &v.State

	fmt.Fprintf(w, "vcpu %d state:\n", v.id)
	for i := 0; i < len(st.Regs); i += 4 {
		for j := i; j < i+4; j++ {
			fmt.Fprintf(w, "%-3s=%016x ", gprNames[j], st.Regs[j])
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "rip=%016x rflags=%08x cpl=%d %s\n", st.RIP, st.RFlags, st.CPL(), modeName(st))

	for i, seg := range st.Segs {
		dumpSegment(w, segNames[i], seg)
	}
	dumpSegment(w, "ldt", st.LDT)
	dumpSegment(w, "tr", st.TR)
	fmt.Fprintf(w, "gdt=     %016x %08x\n", st.GDT.Base, st.GDT.Limit)
	fmt.Fprintf(w, "idt=     %016x %08x\n", st.IDT.Base, st.IDT.Limit)
	fmt.Fprintf(w, "cr0=%08x cr2=%016x cr3=%016x cr4=%08x\n", st.CR[0], st.CR[2], st.CR[3], st.CR[4])
	fmt.Fprintf(w, "efer=%016x apic_base=%016x\n", st.EFER, st.APICBase)
	fmt.Fprintf(w, "dr0=%016x dr1=%016x dr2=%016x dr3=%016x\n", st.DR[0], st.DR[1], st.DR[2], st.DR[3])
	fmt.Fprintf(w, "dr6=%016x dr7=%016x\n", st.DR[6], st.DR[7])

	v.dumpInstruction(w)
}

func dumpSegment(w io.Writer, name string, seg Segment) {
	fmt.Fprintf(w, "%-3s =%04x %016x %08x %08x\n", name, seg.Selector, seg.Base, seg.Limit, seg.Flags)
}

func modeName(st *CPUState) string {
	switch {
	case st.Code64():
		return "long"
	case st.V8086():
		return "vm86"
	case st.ProtectedMode():
		return "protected"
	default:
		return "real"
	}
}

func cpuMode(st *CPUState) int {
	switch {
	case st.Code64():
		return 64
	case st.Code32():
		return 32
	default:
		return 16
	}
}

func (v *VCPU) dumpInstruction(w io.Writer) {
	st := &v.State
	mem := v.cfg.Memory
	if mem == nil {
		return
	}
	if st.CR[0]&cr0PG != 0 {
		fmt.Fprintln(w, "code: paging enabled, not disassembled")
		return
	}

	addr := st.Segs[SegCS].Base + st.RIP
	if !st.Code64() {
		addr &= 0xffffffff
	}
	var buf [maxInsnSize]byte
	n, _ := mem.ReadAt(buf[:], int64(addr))
	if n == 0 {
		fmt.Fprintf(w, "code: 0x%x unreadable\n", addr)
		return
	}
	fmt.Fprintf(w, "code at 0x%x: % x\n", addr, buf[:n])

	inst, err := x86asm.Decode(buf[:n], cpuMode(st))
	if err != nil {
		fmt.Fprintf(w, "code: decode: %v\n", err)
		return
	}
	fmt.Fprintf(w, "insn: %s\n", x86asm.IntelSyntax(inst, st.RIP, nil))
}
