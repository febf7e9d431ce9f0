//go:build linux

package gvm

import "fmt"

// Exit is a decoded vm exit. The set of implementations is closed; an exit
// code without a variant decodes to ExitUnknown.
type Exit interface {
	isExit()
}

type ExitIO struct {
	Port  uint16
	Size  int
	Count int
	Write bool
	// Data aliases the run structure: Count back to back accesses of Size
	// bytes each.
	Data []byte
}

type ExitMMIO struct {
	Addr  uint64
	Write bool
	// Data aliases the run structure.
	Data []byte
}

type ExitHalt struct{}

type ExitIRQWindowOpen struct{}

// ExitInterrupted is a kick through KICK_VCPU.
type ExitInterrupted struct{}

type ExitShutdown struct{}

type ExitInternalError struct {
	Suberror internalErrorSubReason
	Data     []uint64
}

type ExitSystemEvent struct {
	Type  uint32
	Flags uint64
}

type ExitSetTPR struct{}

type ExitTPRAccess struct {
	RIP   uint64
	Write bool
}

type ExitFailEntry struct {
	HardwareReason uint64
}

type ExitException struct {
	Exception uint32
	ErrorCode uint32
}

type ExitDebug struct {
	Exception uint32
	PC        uint64
	DR6       uint64
	DR7       uint64
}

type ExitIOAPICEOI struct {
	Vector uint8
}

// ExitUnknown covers GVM_EXIT_UNKNOWN and every exit code this package
// does not decode.
type ExitUnknown struct {
	Reason         uint32
	HardwareReason uint64
}

func (ExitIO) isExit()            {}
func (ExitMMIO) isExit()          {}
func (ExitHalt) isExit()          {}
func (ExitIRQWindowOpen) isExit() {}
func (ExitInterrupted) isExit()   {}
func (ExitShutdown) isExit()      {}
func (ExitInternalError) isExit() {}
func (ExitSystemEvent) isExit()   {}
func (ExitSetTPR) isExit()        {}
func (ExitTPRAccess) isExit()     {}
func (ExitFailEntry) isExit()     {}
func (ExitException) isExit()     {}
func (ExitDebug) isExit()         {}
func (ExitIOAPICEOI) isExit()     {}
func (ExitUnknown) isExit()       {}

// decodeExit reads the exit out of the run structure.
func (v *VCPU) decodeExit() (Exit, error) {
	run := v.run
	reason := exitReason(run.ExitReason)

	switch reason {
	case exitIO:
		io := run.io()
		size, count := int(io.Size), int(io.Count)
		start := io.DataOffset
		end := start + uint64(size*count)
		if size == 0 || end > uint64(len(v.mapping)) || end < start {
			return nil, fmt.Errorf("gvm: io exit port 0x%x: data [0x%x,0x%x) outside run structure of %d bytes",
				io.Port, start, end, len(v.mapping))
		}
		return ExitIO{
			Port:  io.Port,
			Size:  size,
			Count: count,
			Write: io.Direction == ioDirectionOut,
			Data:  v.mapping[start:end:end],
		}, nil
	case exitMMIO:
		mmio := run.mmio()
		n := min(int(mmio.Len), len(mmio.Data))
		return ExitMMIO{
			Addr:  mmio.PhysAddr,
			Write: mmio.IsWrite != 0,
			Data:  mmio.Data[:n:n],
		}, nil
	case exitHlt:
		return ExitHalt{}, nil
	case exitIRQWindowOpen:
		return ExitIRQWindowOpen{}, nil
	case exitIntr:
		return ExitInterrupted{}, nil
	case exitShutdown:
		return ExitShutdown{}, nil
	case exitInternalError:
		in := run.internal()
		n := min(int(in.NData), len(in.Data))
		return ExitInternalError{
			Suberror: internalErrorSubReason(in.Suberror),
			Data:     append([]uint64(nil), in.Data[:n]...),
		}, nil
	case exitSystemEvent:
		ev := run.systemEvent()
		return ExitSystemEvent{Type: ev.Type, Flags: ev.Flags}, nil
	case exitSetTPR:
		return ExitSetTPR{}, nil
	case exitTPRAccess:
		t := run.tprAccess()
		return ExitTPRAccess{RIP: t.Rip, Write: t.IsWrite != 0}, nil
	case exitFailEntry:
		return ExitFailEntry{HardwareReason: run.failEntry().HardwareEntryFailureReason}, nil
	case exitException:
		ex := run.exception()
		return ExitException{Exception: ex.Exception, ErrorCode: ex.ErrorCode}, nil
	case exitDebug:
		d := run.debug()
		return ExitDebug{Exception: d.Exception, PC: d.PC, DR6: d.DR6, DR7: d.DR7}, nil
	case exitIOAPICEOI:
		return ExitIOAPICEOI{Vector: run.eoi().Vector}, nil
	case exitUnknown:
		return ExitUnknown{Reason: uint32(reason), HardwareReason: run.unknown().HardwareExitReason}, nil
	default:
		return ExitUnknown{Reason: uint32(reason)}, nil
	}
}
