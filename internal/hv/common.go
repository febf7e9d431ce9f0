package hv

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrUnmappedAddress       = errors.New("unmapped guest physical address")
)

// RunState is the machine-level run state that the accelerator reports into.
type RunState string

const (
	RunStateRunning       RunState = "running"
	RunStatePaused        RunState = "paused"
	RunStateShutdown      RunState = "shutdown"
	RunStateGuestPanicked RunState = "guest-panicked"
	RunStateInternalError RunState = "internal-error"
)

// ShutdownCause records why a reset or shutdown was requested.
type ShutdownCause int

const (
	ShutdownCauseNone ShutdownCause = iota
	ShutdownCauseHostError
	ShutdownCauseGuestShutdown
	ShutdownCauseGuestReset
	ShutdownCauseGuestPanic
)

func (c ShutdownCause) String() string {
	switch c {
	case ShutdownCauseNone:
		return "none"
	case ShutdownCauseHostError:
		return "host-error"
	case ShutdownCauseGuestShutdown:
		return "guest-shutdown"
	case ShutdownCauseGuestReset:
		return "guest-reset"
	case ShutdownCauseGuestPanic:
		return "guest-panic"
	default:
		return fmt.Sprintf("ShutdownCause(%d)", int(c))
	}
}

// MSIMessage is a message-signaled interrupt as written by a device.
type MSIMessage struct {
	Address uint64
	Data    uint32
}

// MSISource is implemented by device models that own MSI/MSI-X vectors.
type MSISource interface {
	MSIMessage(vector int) (MSIMessage, error)
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

type MemoryMappedIODevice interface {
	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}

type X86IOPortDevice interface {
	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

type SimpleX86IOPortDevice struct {
	Ports []uint16

	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
	_ X86IOPortDevice      = SimpleX86IOPortDevice{}
)

// IOBus dispatches port I/O replayed from the accelerator.
type IOBus interface {
	PortIO(port uint16, data []byte, isWrite bool) error
}

// IOPortBus is the x86 I/O port address space. Reads from unclaimed ports
// return all ones and writes are dropped, matching an open bus.
type IOPortBus struct {
	mu      sync.RWMutex
	devices map[uint16]X86IOPortDevice
}

func NewIOPortBus() *IOPortBus {
	return &IOPortBus{devices: make(map[uint16]X86IOPortDevice)}
}

func (b *IOPortBus) Register(dev X86IOPortDevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, port := range dev.IOPorts() {
		if _, ok := b.devices[port]; ok {
			return fmt.Errorf("io bus: port 0x%x already claimed", port)
		}
	}
	for _, port := range dev.IOPorts() {
		b.devices[port] = dev
	}
	return nil
}

// Ports returns the claimed ports in ascending order.
func (b *IOPortBus) Ports() []uint16 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ports := make([]uint16, 0, len(b.devices))
	for port := range b.devices {
		ports = append(ports, port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// PortIO implements IOBus.
func (b *IOPortBus) PortIO(port uint16, data []byte, isWrite bool) error {
	b.mu.RLock()
	dev, ok := b.devices[port]
	b.mu.RUnlock()

	if !ok {
		if !isWrite {
			for i := range data {
				data[i] = 0xff
			}
		}
		return nil
	}

	if isWrite {
		return dev.WriteIOPort(port, data)
	}
	return dev.ReadIOPort(port, data)
}

var _ IOBus = &IOPortBus{}
