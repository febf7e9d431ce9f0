//go:build linux

package gvm

import "fmt"

const (
	gvmApiVersion = 12

	// system
	gvmGetApiVersion     = 0xae00
	gvmCreateVm          = 0xae01
	gvmGetMsrIndexList   = 0xc004ae02
	gvmCheckExtension    = 0xae03
	gvmGetVcpuMmapSize   = 0xae04
	gvmGetSupportedCpuid = 0xc008ae05

	// vm
	gvmCreateVcpu          = 0xae41
	gvmGetDirtyLog         = 0x4010ae42
	gvmSetUserMemoryRegion = 0x4020ae46
	gvmSetTssAddr          = 0xae47
	gvmSetIdentityMapAddr  = 0x4008ae48
	gvmCreateIrqchip       = 0xae60
	gvmIrqLineStatus       = 0xc008ae67
	gvmSetGsiRouting       = 0x4008ae6a

	// vcpu
	gvmRun           = 0xae80
	gvmGetRegs       = 0x8090ae81
	gvmSetRegs       = 0x4090ae82
	gvmGetSregs      = 0x8138ae83
	gvmSetSregs      = 0x4138ae84
	gvmInterrupt     = 0x4004ae86
	gvmGetMsrs       = 0xc008ae88
	gvmSetMsrs       = 0x4008ae89
	gvmSetCpuid2     = 0x4008ae90
	gvmGetFpu        = 0x81a0ae8c
	gvmSetFpu        = 0x41a0ae8d
	gvmGetLapic      = 0x8400ae8e
	gvmSetLapic      = 0x4400ae8f
	gvmGetMpState    = 0x8004ae98
	gvmSetMpState    = 0x4004ae99
	gvmNmi           = 0xae9a
	gvmSetGuestDebug = 0x4048ae9b
	gvmGetVcpuEvents = 0x8040ae9f
	gvmSetVcpuEvents = 0x4040aea0
	gvmGetDebugRegs  = 0x8080aea1
	gvmSetDebugRegs  = 0x4080aea2
	gvmSetTscKhz     = 0xaea2
	gvmGetTscKhz     = 0xaea3
	gvmGetXsave      = 0x9000aea4
	gvmSetXsave      = 0x5000aea5
	gvmGetXcrs       = 0x8188aea6
	gvmSetXcrs       = 0x4188aea7
	gvmSmi           = 0xaeb7
	gvmKickVcpu      = 0xaef0
)

var commandNames = map[uint64]string{
	gvmGetApiVersion:       "GET_API_VERSION",
	gvmCreateVm:            "CREATE_VM",
	gvmGetMsrIndexList:     "GET_MSR_INDEX_LIST",
	gvmCheckExtension:      "CHECK_EXTENSION",
	gvmGetVcpuMmapSize:     "GET_VCPU_MMAP_SIZE",
	gvmGetSupportedCpuid:   "GET_SUPPORTED_CPUID",
	gvmCreateVcpu:          "CREATE_VCPU",
	gvmGetDirtyLog:         "GET_DIRTY_LOG",
	gvmSetUserMemoryRegion: "SET_USER_MEMORY_REGION",
	gvmSetTssAddr:          "SET_TSS_ADDR",
	gvmSetIdentityMapAddr:  "SET_IDENTITY_MAP_ADDR",
	gvmCreateIrqchip:       "CREATE_IRQCHIP",
	gvmIrqLineStatus:       "IRQ_LINE_STATUS",
	gvmSetGsiRouting:       "SET_GSI_ROUTING",
	gvmRun:                 "RUN",
	gvmGetRegs:             "GET_REGS",
	gvmSetRegs:             "SET_REGS",
	gvmGetSregs:            "GET_SREGS",
	gvmSetSregs:            "SET_SREGS",
	gvmInterrupt:           "INTERRUPT",
	gvmGetMsrs:             "GET_MSRS",
	gvmSetMsrs:             "SET_MSRS",
	gvmSetCpuid2:           "SET_CPUID2",
	gvmGetFpu:              "GET_FPU",
	gvmSetFpu:              "SET_FPU",
	gvmGetLapic:            "GET_LAPIC",
	gvmSetLapic:            "SET_LAPIC",
	gvmGetMpState:          "GET_MP_STATE",
	gvmSetMpState:          "SET_MP_STATE",
	gvmNmi:                 "NMI",
	gvmSetGuestDebug:       "SET_GUEST_DEBUG",
	gvmGetVcpuEvents:       "GET_VCPU_EVENTS",
	gvmSetVcpuEvents:       "SET_VCPU_EVENTS",
	gvmGetDebugRegs:        "GET_DEBUGREGS",
	gvmSetDebugRegs:        "SET_DEBUGREGS",
	gvmSetTscKhz:           "SET_TSC_KHZ",
	gvmGetTscKhz:           "GET_TSC_KHZ",
	gvmGetXsave:            "GET_XSAVE",
	gvmSetXsave:            "SET_XSAVE",
	gvmGetXcrs:             "GET_XCRS",
	gvmSetXcrs:             "SET_XCRS",
	gvmSmi:                 "SMI",
	gvmKickVcpu:            "KICK_VCPU",
}

func commandName(cmd uint64) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", cmd)
}

// Capability identifies an optional ABI feature probed with CHECK_EXTENSION.
type Capability int

const (
	CapIRQChip          Capability = 0
	CapNrVCPUs          Capability = 9
	CapNrMemslots       Capability = 10
	CapClockSource      Capability = 8
	CapNopIODelay       Capability = 12
	CapSetGuestDebug    Capability = 23
	CapIRQRouting       Capability = 25
	CapSetIdentityMap   Capability = 37
	CapVCPUEvents       Capability = 41
	CapDebugRegs        Capability = 50
	CapRobustSingleStep Capability = 51
	CapXSave            Capability = 55
	CapXCRs             Capability = 56
	CapAsyncPF          Capability = 59
	CapTSCControl       Capability = 60
	CapGetTSCKHz        Capability = 61
	CapMaxVCPUs         Capability = 66
	CapTSCDeadlineTimer Capability = 72
	CapReadonlyMem      Capability = 81
	CapX86SMM           Capability = 117
	CapMaxVCPUID        Capability = 128
)

var capabilityNames = map[Capability]string{
	CapIRQChip:          "irqchip",
	CapNrVCPUs:          "nr-vcpus",
	CapNrMemslots:       "nr-memslots",
	CapClockSource:      "clocksource",
	CapNopIODelay:       "nop-io-delay",
	CapSetGuestDebug:    "set-guest-debug",
	CapIRQRouting:       "irq-routing",
	CapSetIdentityMap:   "set-identity-map-addr",
	CapVCPUEvents:       "vcpu-events",
	CapDebugRegs:        "debugregs",
	CapRobustSingleStep: "robust-singlestep",
	CapXSave:            "xsave",
	CapXCRs:             "xcrs",
	CapAsyncPF:          "async-pf",
	CapTSCControl:       "tsc-control",
	CapGetTSCKHz:        "get-tsc-khz",
	CapMaxVCPUs:         "max-vcpus",
	CapTSCDeadlineTimer: "tsc-deadline-timer",
	CapReadonlyMem:      "readonly-mem",
	CapX86SMM:           "x86-smm",
	CapMaxVCPUID:        "max-vcpu-id",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Capability(%d)", int(c))
}

// Capabilities lists every capability the session knows how to probe, in
// numeric order.
func Capabilities() []Capability {
	return []Capability{
		CapIRQChip, CapClockSource, CapNrVCPUs, CapNrMemslots, CapNopIODelay,
		CapSetGuestDebug, CapIRQRouting, CapSetIdentityMap, CapVCPUEvents,
		CapDebugRegs, CapRobustSingleStep, CapXSave, CapXCRs, CapAsyncPF,
		CapTSCControl, CapGetTSCKHz, CapMaxVCPUs, CapTSCDeadlineTimer,
		CapReadonlyMem, CapX86SMM, CapMaxVCPUID,
	}
}

// paravirtual feature bits reported in leaf 0x40000001 eax
const (
	gvmCPUIDFeatures = 0x40000001

	featureClockSource = 0
	featureNopIODelay  = 1
	featureAsyncPF     = 4
	featurePVUnhalt    = 7
)

// memory slot flags
const (
	memLogDirtyPages uint32 = 1 << 0
	memReadonly      uint32 = 1 << 1
)

// irq routing entry types
const (
	irqRoutingIRQChip uint32 = 1
	irqRoutingMSI     uint32 = 2
)

// mp states
const (
	mpStateRunnable      uint32 = 0
	mpStateUninitialized uint32 = 1
	mpStateInitReceived  uint32 = 2
	mpStateHalted        uint32 = 3
	mpStateSipiReceived  uint32 = 4
)

// vcpu event valid flags
const (
	vcpuEventValidNMIPending uint32 = 1 << 0
	vcpuEventValidSIPIVector uint32 = 1 << 1
	vcpuEventValidSMM        uint32 = 1 << 3
)

// guest debug control
const (
	guestDebugEnable     uint32 = 1 << 0
	guestDebugSingleStep uint32 = 1 << 1
	guestDebugUseSWBP    uint32 = 1 << 16
	guestDebugUseHWBP    uint32 = 1 << 17
	guestDebugInjectDB   uint32 = 1 << 18
	guestDebugInjectBP   uint32 = 1 << 19
)

// run structure flags
const (
	runX86SMM uint16 = 1 << 0
)

// cpuid entry flags
const (
	cpuidFlagSignificantIndex uint32 = 1 << 0
	cpuidFlagStatefulFunc     uint32 = 1 << 1
	cpuidFlagStateReadNext    uint32 = 1 << 2
)

type exitReason uint32

const (
	exitUnknown       exitReason = 0
	exitException     exitReason = 1
	exitIO            exitReason = 2
	exitHypercall     exitReason = 3
	exitDebug         exitReason = 4
	exitHlt           exitReason = 5
	exitMMIO          exitReason = 6
	exitIRQWindowOpen exitReason = 7
	exitShutdown      exitReason = 8
	exitFailEntry     exitReason = 9
	exitIntr          exitReason = 10
	exitSetTPR        exitReason = 11
	exitTPRAccess     exitReason = 12
	exitNMI           exitReason = 16
	exitInternalError exitReason = 17
	exitSystemEvent   exitReason = 24
	exitIOAPICEOI     exitReason = 26
)

func (r exitReason) String() string {
	switch r {
	case exitUnknown:
		return "GVM_EXIT_UNKNOWN"
	case exitException:
		return "GVM_EXIT_EXCEPTION"
	case exitIO:
		return "GVM_EXIT_IO"
	case exitHypercall:
		return "GVM_EXIT_HYPERCALL"
	case exitDebug:
		return "GVM_EXIT_DEBUG"
	case exitHlt:
		return "GVM_EXIT_HLT"
	case exitMMIO:
		return "GVM_EXIT_MMIO"
	case exitIRQWindowOpen:
		return "GVM_EXIT_IRQ_WINDOW_OPEN"
	case exitShutdown:
		return "GVM_EXIT_SHUTDOWN"
	case exitFailEntry:
		return "GVM_EXIT_FAIL_ENTRY"
	case exitIntr:
		return "GVM_EXIT_INTR"
	case exitSetTPR:
		return "GVM_EXIT_SET_TPR"
	case exitTPRAccess:
		return "GVM_EXIT_TPR_ACCESS"
	case exitNMI:
		return "GVM_EXIT_NMI"
	case exitInternalError:
		return "GVM_EXIT_INTERNAL_ERROR"
	case exitSystemEvent:
		return "GVM_EXIT_SYSTEM_EVENT"
	case exitIOAPICEOI:
		return "GVM_EXIT_IOAPIC_EOI"
	default:
		return fmt.Sprintf("GVMExitReason(%d)", uint32(r))
	}
}

// ExitReasonName names a raw exit reason, as recorded in debug traces.
func ExitReasonName(reason uint32) string { return exitReason(reason).String() }

type internalErrorSubReason uint32

const (
	internalErrorEmulation            internalErrorSubReason = 1
	internalErrorSimulEx              internalErrorSubReason = 2
	internalErrorDeliveryEv           internalErrorSubReason = 3
	internalErrorUnexpectedExitReason internalErrorSubReason = 4
)

func (k internalErrorSubReason) String() string {
	switch k {
	case internalErrorEmulation:
		return "GVM_INTERNAL_ERROR_EMULATION"
	case internalErrorSimulEx:
		return "GVM_INTERNAL_ERROR_SIMUL_EX"
	case internalErrorDeliveryEv:
		return "GVM_INTERNAL_ERROR_DELIVERY_EV"
	case internalErrorUnexpectedExitReason:
		return "GVM_INTERNAL_ERROR_UNEXPECTED_EXIT_REASON"
	default:
		return fmt.Sprintf("GVMInternalErrorSubreason(%d)", uint32(k))
	}
}

// system event types
const (
	systemEventShutdown uint32 = 1
	systemEventReset    uint32 = 2
	systemEventCrash    uint32 = 3
)

const vmxInvalidGuestState = 0x80000021
