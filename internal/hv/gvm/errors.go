//go:build linux

package gvm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrFatal marks a condition after which the kernel-resident vCPU or VM
	// state can no longer be trusted to match the emulator.
	ErrFatal = errors.New("gvm: fatal accelerator error")

	ErrSlotsExhausted        = errors.New("gvm: no free memory slots")
	ErrSlotOverlap           = fmt.Errorf("gvm: range overlaps a mapped slot: %w", unix.EEXIST)
	ErrUnalignedRange        = fmt.Errorf("gvm: range not page aligned: %w", unix.EINVAL)
	ErrNoFreeGSI             = fmt.Errorf("gvm: no free gsi: %w", unix.ENOSPC)
	ErrRouteNotFound         = fmt.Errorf("gvm: irq route not found: %w", unix.ESRCH)
	ErrBreakpointNotFound    = fmt.Errorf("gvm: breakpoint not found: %w", unix.ENOENT)
	ErrBreakpointExists      = fmt.Errorf("gvm: breakpoint already set: %w", unix.EEXIST)
	ErrNoDebugSlots          = fmt.Errorf("gvm: all debug register slots in use: %w", unix.ENOBUFS)
	ErrInvalidWatchpoint     = fmt.Errorf("gvm: invalid watchpoint: %w", unix.EINVAL)
	ErrUnsupportedBreakpoint = fmt.Errorf("gvm: unsupported breakpoint type: %w", unix.ENOSYS)
	ErrSplitIRQChip          = errors.New("gvm: split irqchip is not supported")
	ErrTooManyVCPUs          = errors.New("gvm: vcpu count exceeds hypervisor limit")
	ErrInvalidVCPUID         = errors.New("gvm: vcpu id out of range")
	ErrNoIRQRouting          = errors.New("gvm: irq routing not available")
	ErrStaticGSI             = fmt.Errorf("gvm: gsi is a static legacy route: %w", unix.EBUSY)
)

// fatalf wraps err as a fatal accelerator error.
func fatalf(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", ErrFatal, fmt.Sprintf(format, args...), err)
}

// IsFatal reports whether err requires the VM to stop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
