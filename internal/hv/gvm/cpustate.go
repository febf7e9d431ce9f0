//go:build linux

package gvm

// Segment register indices into CPUState.Segs.
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
)

// General purpose register indices into CPUState.Regs, in architectural
// encoding order.
const (
	RegRAX = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

// Descriptor flag layout, matching the high dword of a segment descriptor.
const (
	DescTypeShift = 8
	DescS         = 1 << 12
	DescDPLShift  = 13
	DescP         = 1 << 15
	DescAVL       = 1 << 20
	DescLShift    = 21
	DescL         = 1 << DescLShift
	DescBShift    = 22
	DescB         = 1 << DescBShift
	DescG         = 1 << 23
)

const (
	cr0PE = 1 << 0

	rflagsTF = 1 << 8
	rflagsIF = 1 << 9
	rflagsVM = 1 << 17

	eferLMA = 1 << 10
)

const (
	mtrrVarCount     = 8
	mtrrFixedCount   = 11
	maxFixedCounters = 3
	maxGPCounters    = 18
)

// Exception vectors the accelerator cares about.
const (
	excDebug       = 1
	excBreakpoint  = 3
	excDoubleFault = 8
	excMachineChk  = 18
)

// Segment is a cached segment register.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Flags    uint32
}

func (s Segment) DPL() int { return int(s.Flags>>DescDPLShift) & 3 }

type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// ZMMReg is one vector register as eight little endian quadwords. XMM uses
// Q[0:2], YMM Q[0:4].
type ZMMReg [8]uint64

type BoundReg struct {
	Lower uint64
	Upper uint64
}

type BoundCSR struct {
	CfgU uint64
	Sts  uint64
}

type MTRRVar struct {
	Base uint64
	Mask uint64
}

// CPUState is the emulator copy of a vCPU's architectural state. The
// synchronizer moves it to and from the kernel-resident vCPU.
type CPUState struct {
	Regs   [16]uint64
	RIP    uint64
	RFlags uint64

	Segs [6]Segment
	LDT  Segment
	TR   Segment
	GDT  DescriptorTable
	IDT  DescriptorTable

	CR   [5]uint64
	EFER uint64
	// CR8 and APICBase stand in for the APIC when none is attached.
	CR8      uint64
	APICBase uint64

	// x87. FPTags[i] is true when register i is empty.
	FPStt  uint8
	FPUS   uint16
	FPUC   uint16
	FPTags [8]bool
	FPOp   uint16
	FPIP   uint64
	FPDP   uint64
	FPRegs [8][16]byte

	MXCSR    uint32
	XMM      [32]ZMMReg
	OpMask   [8]uint64
	BndRegs  [4]BoundReg
	BndCSR   BoundCSR
	PKRU     uint32
	XCR0     uint64
	XStateBV uint64

	SysenterCS     uint64
	SysenterESP    uint64
	SysenterEIP    uint64
	PAT            uint64
	Star           uint64
	LStar          uint64
	CStar          uint64
	FMask          uint64
	KernelGSBase   uint64
	VMHsave        uint64
	TSCAux         uint64
	TSCAdjust      uint64
	TSCDeadline    uint64
	MiscEnable     uint64
	SMBase         uint64
	FeatureControl uint64
	BndCfgs        uint64
	XSS            uint64

	TSC      uint64
	TSCValid bool
	TSCKHz   uint32

	FixedCtrCtrl  uint64
	GlobalCtrl    uint64
	GlobalStatus  uint64
	GlobalOvfCtrl uint64
	FixedCounters [maxFixedCounters]uint64
	GPCounters    [maxGPCounters]uint64
	GPEvtSel      [maxGPCounters]uint64

	MTRRDefType uint64
	MTRRFixed   [mtrrFixedCount]uint64
	MTRRVar     [mtrrVarCount]MTRRVar

	// ExceptionInjected and InterruptInjected hold a vector, or -1.
	ExceptionInjected int
	HasErrorCode      bool
	ErrorCode         uint32
	InterruptInjected int
	SoftInterrupt     bool
	NMIInjected       bool
	NMIPending        bool
	NMIMasked         bool
	SIPIVector        uint32
	SMM               bool
	SMMInsideNMI      bool

	DR [8]uint64

	MPState uint32
	Halted  bool

	// TPRAccessWrite records the direction of the last reported TPR access.
	TPRAccessWrite bool
}

// ProtectedMode reports whether CR0.PE is set.
func (c *CPUState) ProtectedMode() bool { return c.CR[0]&cr0PE != 0 }

// LongMode reports whether EFER.LMA is set.
func (c *CPUState) LongMode() bool { return c.EFER&eferLMA != 0 }

func (c *CPUState) V8086() bool { return c.RFlags&rflagsVM != 0 }

// InterruptsEnabled reports RFLAGS.IF.
func (c *CPUState) InterruptsEnabled() bool { return c.RFlags&rflagsIF != 0 }

// CPL is the current privilege level, taken from the stack segment.
func (c *CPUState) CPL() int { return c.Segs[SegSS].DPL() }

// Code64 reports whether the CPU executes 64-bit code.
func (c *CPUState) Code64() bool {
	return c.LongMode() && c.Segs[SegCS].Flags&DescL != 0
}

// Code32 reports whether the default operand size is 32 bits.
func (c *CPUState) Code32() bool {
	return !c.Code64() && c.Segs[SegCS].Flags&DescB != 0
}

// Reset loads the architectural power-on state.
func (c *CPUState) Reset() {
	tscKHz := c.TSCKHz
	*c = CPUState{TSCKHz: tscKHz}

	c.RIP = 0xfff0
	c.RFlags = 0x2
	c.Regs[RegRDX] = 0x600
	c.CR[0] = 0x60000010

	data := uint32(DescP | DescS | 3<<DescTypeShift)
	for i := range c.Segs {
		c.Segs[i] = Segment{Limit: 0xffff, Flags: data}
	}
	c.Segs[SegCS] = Segment{
		Selector: 0xf000,
		Base:     0xffff0000,
		Limit:    0xffff,
		Flags:    DescP | DescS | 11<<DescTypeShift,
	}
	c.LDT = Segment{Limit: 0xffff, Flags: DescP | 2<<DescTypeShift}
	c.TR = Segment{Limit: 0xffff, Flags: DescP | 11<<DescTypeShift}
	c.GDT.Limit = 0xffff
	c.IDT.Limit = 0xffff

	c.FPUC = 0x37f
	for i := range c.FPTags {
		c.FPTags[i] = true
	}
	c.MXCSR = 0x1f80
	c.XCR0 = 1
	c.XStateBV = 1

	c.PAT = 0x0007040600070406
	c.DR[6] = 0xffff0ff0
	c.DR[7] = 0x400

	c.ExceptionInjected = -1
	c.InterruptInjected = -1
}
