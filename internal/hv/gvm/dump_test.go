//go:build linux

package gvm

import (
	"bytes"
	"strings"
	"testing"
)

func TestDumpState(t *testing.T) {
	mem := make(byteMemory, 0x1000)
	mem[0x100] = 0x90
	env := newExecEnv(t, Options{}, VCPUConfig{Memory: mem})
	st := &env.v.State
	st.Segs[SegCS].Base = 0
	st.Segs[SegCS].Selector = 0
	st.RIP = 0x100
	st.Regs[RegRAX] = 0xabcd

	var buf bytes.Buffer
	env.v.DumpState(&buf)
	out := buf.String()
	for _, want := range []string{
		"vcpu 0 state:",
		"rax=000000000000abcd",
		"rip=0000000000000100",
		"real",
		"code at 0x100: 90",
		"insn: nop",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}

func TestDumpStateWithoutCode(t *testing.T) {
	t.Run("paging", func(t *testing.T) {
		env := newExecEnv(t, Options{}, VCPUConfig{Memory: make(byteMemory, 0x10)})
		env.v.State.CR[0] |= cr0PE | cr0PG

		var buf bytes.Buffer
		env.v.DumpState(&buf)
		if !strings.Contains(buf.String(), "paging enabled") {
			t.Errorf("dump:\n%s", buf.String())
		}
	})

	t.Run("unreadable", func(t *testing.T) {
		env := newExecEnv(t, Options{}, VCPUConfig{Memory: make(byteMemory, 0x10)})

		var buf bytes.Buffer
		env.v.DumpState(&buf)
		if !strings.Contains(buf.String(), "unreadable") {
			t.Errorf("dump:\n%s", buf.String())
		}
	})

	t.Run("no memory", func(t *testing.T) {
		env := newExecEnv(t, Options{}, VCPUConfig{})

		var buf bytes.Buffer
		env.v.DumpState(&buf)
		if strings.Contains(buf.String(), "code") {
			t.Errorf("dump without memory tried to read code:\n%s", buf.String())
		}
	})
}
