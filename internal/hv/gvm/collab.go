//go:build linux

package gvm

import (
	"log/slog"

	"github.com/tinyrange/gvm/internal/hv"
)

// Machine is the board the accelerator reports run-state changes into.
type Machine interface {
	RequestReset(cause hv.ShutdownCause)
	RequestShutdown(cause hv.ShutdownCause)
	GuestPanicked(vcpu int)
	Stop(state hv.RunState)
	// Running reports whether the VM is in the running state. A TSC read
	// while stopped stays valid until the VM resumes.
	Running() bool
}

// CPUModel describes the emulated CPU a vCPU is created from.
type CPUModel interface {
	CPUID(function, index uint32) (eax, ebx, ecx, edx uint32)
}

// APIC is the local APIC device model attached to a vCPU.
type APIC interface {
	hv.TimerRearmer

	TPR() uint8
	SetTPR(tpr uint8)
	Base() uint64
	SetBase(base uint64)

	// SaveState fills state from the device model before it is pushed to
	// the in-kernel irqchip.
	SaveState(state *LAPICState)
	// LoadState updates the device model from a state read back from the
	// in-kernel irqchip.
	LoadState(state *LAPICState)

	ReportTPRAccess(rip uint64, write bool)
	PollIRQ()
	IsBSP() bool
}

// PIC is the userspace interrupt controller. It is only consulted when the
// irqchip is not kernel resident.
type PIC interface {
	// Acknowledge returns the vector of the highest priority pending
	// interrupt, or -1.
	Acknowledge() int
}

// EOIBroadcaster forwards end-of-interrupt notifications the in-kernel
// APIC could not complete to the IOAPIC model.
type EOIBroadcaster interface {
	BroadcastEOI(vector uint8)
}

// DebugMemory is the guest memory view used to patch software breakpoints.
type DebugMemory interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

type logMachine struct{}

func (logMachine) RequestReset(cause hv.ShutdownCause) {
	slog.Info("gvm: reset requested", "cause", cause)
}

func (logMachine) RequestShutdown(cause hv.ShutdownCause) {
	slog.Info("gvm: shutdown requested", "cause", cause)
}

func (logMachine) GuestPanicked(vcpu int) {
	slog.Error("gvm: guest panicked", "vcpu", vcpu)
}

func (logMachine) Stop(state hv.RunState) {
	slog.Warn("gvm: vm stopped", "state", state)
}

func (logMachine) Running() bool { return true }

var _ Machine = logMachine{}
