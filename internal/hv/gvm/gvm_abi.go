//go:build linux

package gvm

import "unsafe"

type gvmRegs struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rsp, Rbp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64
}

type gvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

type gvmDTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

type gvmSregs struct {
	CS, DS, ES, FS, GS, SS gvmSegment
	TR, LDT                gvmSegment
	GDT, IDT               gvmDTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [4]uint64
}

type gvmFPU struct {
	FPR        [8][16]uint8
	FCW        uint16
	FSW        uint16
	FTWX       uint8
	_          uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	XMM        [16][16]uint8
	MXCSR      uint32
	_          uint32
}

const xsaveAreaSize = 4096

type gvmXSave struct {
	Region [xsaveAreaSize / 4]uint32
}

func (x *gvmXSave) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&x.Region[0])), xsaveAreaSize)
}

type gvmXCR struct {
	XCR      uint32
	Reserved uint32
	Value    uint64
}

type gvmXCRs struct {
	NrXCRs  uint32
	Flags   uint32
	XCRs    [16]gvmXCR
	Padding [16]uint64
}

type gvmMSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

const (
	msrBufSize    = 4096
	msrBufEntries = (msrBufSize - 8) / 16
)

// gvmMSRs is the fixed MSR transfer buffer: an 8 byte header followed by as
// many entries as fit in one page.
type gvmMSRs struct {
	NMSRs   uint32
	Pad     uint32
	Entries [msrBufEntries]gvmMSREntry
}

type gvmMSRList struct {
	NMSRs   uint32
	Indices [1024]uint32
}

type gvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	_        [3]uint32
}

const maxCPUIDEntries = 100

type gvmCPUID2 struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]gvmCPUIDEntry2
}

// LAPICState is the local APIC register page exchanged with the in-kernel
// irqchip.
type LAPICState struct {
	Regs [0x400]byte
}

type gvmMPState struct {
	MPState uint32
}

type gvmVCPUEvents struct {
	Exception struct {
		Injected     uint8
		Nr           uint8
		HasErrorCode uint8
		Pad          uint8
		ErrorCode    uint32
	}
	Interrupt struct {
		Injected uint8
		Nr       uint8
		Soft     uint8
		Shadow   uint8
	}
	NMI struct {
		Injected uint8
		Pending  uint8
		Masked   uint8
		Pad      uint8
	}
	SipiVector uint32
	Flags      uint32
	SMI        struct {
		SMM          uint8
		Pending      uint8
		SMMInsideNMI uint8
		LatchedInit  uint8
	}
	Reserved [36]uint8
}

type gvmDebugRegs struct {
	DB       [4]uint64
	DR6      uint64
	DR7      uint64
	Flags    uint64
	Reserved [9]uint64
}

type gvmGuestDebug struct {
	Control  uint32
	Pad      uint32
	DebugReg [8]uint64
}

type gvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type gvmDirtyLog struct {
	Slot   uint32
	Pad    uint32
	Bitmap uint64
}

type gvmIRQRoutingIRQChip struct {
	IRQChip uint32
	Pin     uint32
}

type gvmIRQRoutingMSI struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	Pad       uint32
}

type gvmIRQRoutingEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	Pad   uint32
	U     [8]uint32
}

func (e *gvmIRQRoutingEntry) irqchip() *gvmIRQRoutingIRQChip {
	return (*gvmIRQRoutingIRQChip)(unsafe.Pointer(&e.U[0]))
}

func (e *gvmIRQRoutingEntry) msi() *gvmIRQRoutingMSI {
	return (*gvmIRQRoutingMSI)(unsafe.Pointer(&e.U[0]))
}

// gvmIRQRouting is the routing table header; entries follow it in memory.
type gvmIRQRouting struct {
	Nr    uint32
	Flags uint32
}

type gvmIRQLevel struct {
	IRQ   uint32
	Level uint32
}

type gvmIRQ struct {
	IRQ uint32
}

const (
	ioDirectionIn  = 0
	ioDirectionOut = 1
)

// gvmRunData is the shared run structure mapped from the vCPU handle.
type gvmRunData struct {
	RequestInterruptWindow     uint8
	UserEventPending           uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	data                       [256]byte
}

type gvmExitIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

type gvmExitMMIO struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  uint8
}

type gvmExitFailEntry struct {
	HardwareEntryFailureReason uint64
}

type gvmExitException struct {
	Exception uint32
	ErrorCode uint32
}

type gvmExitInternal struct {
	Suberror uint32
	NData    uint32
	Data     [16]uint64
}

type gvmExitSystemEvent struct {
	Type  uint32
	_     uint32
	Flags uint64
}

type gvmExitTPRAccess struct {
	Rip     uint64
	IsWrite uint32
	_       uint32
}

type gvmExitDebug struct {
	Exception uint32
	_         uint32
	PC        uint64
	DR6       uint64
	DR7       uint64
}

type gvmExitEOI struct {
	Vector uint8
}

type gvmExitUnknown struct {
	HardwareExitReason uint64
}

func (r *gvmRunData) io() *gvmExitIO     { return (*gvmExitIO)(unsafe.Pointer(&r.data[0])) }
func (r *gvmRunData) mmio() *gvmExitMMIO { return (*gvmExitMMIO)(unsafe.Pointer(&r.data[0])) }
func (r *gvmRunData) failEntry() *gvmExitFailEntry {
	return (*gvmExitFailEntry)(unsafe.Pointer(&r.data[0]))
}
func (r *gvmRunData) exception() *gvmExitException {
	return (*gvmExitException)(unsafe.Pointer(&r.data[0]))
}
func (r *gvmRunData) internal() *gvmExitInternal {
	return (*gvmExitInternal)(unsafe.Pointer(&r.data[0]))
}
func (r *gvmRunData) systemEvent() *gvmExitSystemEvent {
	return (*gvmExitSystemEvent)(unsafe.Pointer(&r.data[0]))
}
func (r *gvmRunData) tprAccess() *gvmExitTPRAccess {
	return (*gvmExitTPRAccess)(unsafe.Pointer(&r.data[0]))
}
func (r *gvmRunData) debug() *gvmExitDebug { return (*gvmExitDebug)(unsafe.Pointer(&r.data[0])) }
func (r *gvmRunData) eoi() *gvmExitEOI     { return (*gvmExitEOI)(unsafe.Pointer(&r.data[0])) }
func (r *gvmRunData) unknown() *gvmExitUnknown {
	return (*gvmExitUnknown)(unsafe.Pointer(&r.data[0]))
}

var (
	_ [0x90]byte  = [unsafe.Sizeof(gvmRegs{})]byte{}
	_ [0x138]byte = [unsafe.Sizeof(gvmSregs{})]byte{}
	_ [0x1a0]byte = [unsafe.Sizeof(gvmFPU{})]byte{}
	_ [0x188]byte = [unsafe.Sizeof(gvmXCRs{})]byte{}
	_ [0x40]byte  = [unsafe.Sizeof(gvmVCPUEvents{})]byte{}
	_ [0x80]byte  = [unsafe.Sizeof(gvmDebugRegs{})]byte{}
	_ [0x48]byte  = [unsafe.Sizeof(gvmGuestDebug{})]byte{}
	_ [0x20]byte  = [unsafe.Sizeof(gvmUserspaceMemoryRegion{})]byte{}
	_ [0x10]byte  = [unsafe.Sizeof(gvmDirtyLog{})]byte{}
	_ [48]byte    = [unsafe.Sizeof(gvmIRQRoutingEntry{})]byte{}
	_ [40]byte    = [unsafe.Sizeof(gvmCPUIDEntry2{})]byte{}
	_ [4088]byte  = [unsafe.Sizeof(gvmMSRs{})]byte{}
	_ [288]byte   = [unsafe.Sizeof(gvmRunData{})]byte{}
)
