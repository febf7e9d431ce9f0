//go:build linux

package gvm

import "fmt"

const (
	msrIA32TSC            = 0x00000010
	msrIA32FeatureControl = 0x0000003a
	msrTSCAdjust          = 0x0000003b
	msrIA32SMBase         = 0x0000009e
	msrP6PerfCtr0         = 0x000000c1
	msrIA32SysenterCS     = 0x00000174
	msrIA32SysenterESP    = 0x00000175
	msrIA32SysenterEIP    = 0x00000176
	msrP6EvntSel0         = 0x00000186
	msrIA32MiscEnable     = 0x000001a0
	msrMTRRPhysBase0      = 0x00000200
	msrMTRRFix64K00000    = 0x00000250
	msrMTRRFix16K80000    = 0x00000258
	msrMTRRFix16KA0000    = 0x00000259
	msrMTRRFix4KC0000     = 0x00000268
	msrIA32PAT            = 0x00000277
	msrMTRRDefType        = 0x000002ff
	msrPerfFixedCtr0      = 0x00000309
	msrPerfFixedCtrCtrl   = 0x0000038d
	msrPerfGlobalStatus   = 0x0000038e
	msrPerfGlobalCtrl     = 0x0000038f
	msrPerfGlobalOvfCtrl  = 0x00000390
	msrIA32TSCDeadline    = 0x000006e0
	msrIA32BndCfgs        = 0x00000d90
	msrIA32XSS            = 0x00000da0
	msrStar               = 0xc0000081
	msrLStar              = 0xc0000082
	msrCStar              = 0xc0000083
	msrFMask              = 0xc0000084
	msrKernelGSBase       = 0xc0000102
	msrTSCAux             = 0xc0000103
	msrVMHsavePA          = 0xc0010117
)

// msrMTRRFixed lists the fixed-range MTRRs in CPUState.MTRRFixed order.
var msrMTRRFixed = [mtrrFixedCount]uint32{
	msrMTRRFix64K00000,
	msrMTRRFix16K80000,
	msrMTRRFix16KA0000,
	msrMTRRFix4KC0000,
	msrMTRRFix4KC0000 + 1,
	msrMTRRFix4KC0000 + 2,
	msrMTRRFix4KC0000 + 3,
	msrMTRRFix4KC0000 + 4,
	msrMTRRFix4KC0000 + 5,
	msrMTRRFix4KC0000 + 6,
	msrMTRRFix4KC0000 + 7,
}

func msrMTRRPhysBase(i int) uint32 { return msrMTRRPhysBase0 + uint32(2*i) }
func msrMTRRPhysMask(i int) uint32 { return msrMTRRPhysBase0 + uint32(2*i) + 1 }

// msrSupport records which optional MSRs the device reports in its index
// list. An MSR missing here is never transferred.
type msrSupport struct {
	indices []uint32

	star        bool
	hsavePA     bool
	tscAux      bool
	tscAdjust   bool
	tscDeadline bool
	miscEnable  bool
	smbase      bool
	bndcfgs     bool
	xss         bool
	// lstar gates the syscall MSRs only long mode capable kernels expose.
	lstar bool
}

// vcpuMSRs is the per-vCPU view: device support narrowed by the CPU model.
type vcpuMSRs struct {
	msrSupport

	featureControl bool
	mtrr           bool
	pmu            bool
	pmuCounters    int
}

func (s *Session) loadSupportedMSRs() error {
	var probe gvmMSRList
	_, err := ioctl(s.kernel, s.fd, gvmGetMsrIndexList, &probe)
	if err != nil && !IsTooBig(err) {
		return fmt.Errorf("get msr index list: %w", err)
	}

	n := int(probe.NMSRs)
	if n > len(probe.Indices) {
		return fmt.Errorf("get msr index list: %d entries exceeds buffer", n)
	}
	list := gvmMSRList{NMSRs: uint32(n)}
	if _, err := ioctl(s.kernel, s.fd, gvmGetMsrIndexList, &list); err != nil {
		// Without a list no optional MSR is transferred.
		s.msrs = msrSupport{}
		return nil
	}

	sup := msrSupport{indices: append([]uint32(nil), list.Indices[:list.NMSRs]...)}
	for _, idx := range sup.indices {
		switch idx {
		case msrStar:
			sup.star = true
		case msrVMHsavePA:
			sup.hsavePA = true
		case msrTSCAux:
			sup.tscAux = true
		case msrTSCAdjust:
			sup.tscAdjust = true
		case msrIA32TSCDeadline:
			sup.tscDeadline = true
		case msrIA32SMBase:
			sup.smbase = true
		case msrIA32MiscEnable:
			sup.miscEnable = true
		case msrIA32BndCfgs:
			sup.bndcfgs = true
		case msrIA32XSS:
			sup.xss = true
		case msrLStar:
			sup.lstar = true
		}
	}
	s.msrs = sup
	return nil
}

// msrBatch fills the fixed transfer buffer.
type msrBatch struct {
	buf      gvmMSRs
	overflow bool
}

func (b *msrBatch) reset() {
	b.buf.NMSRs = 0
	b.overflow = false
}

func (b *msrBatch) add(index uint32, value uint64) {
	if int(b.buf.NMSRs) >= len(b.buf.Entries) {
		b.overflow = true
		return
	}
	b.buf.Entries[b.buf.NMSRs] = gvmMSREntry{Index: index, Data: value}
	b.buf.NMSRs++
}

func (b *msrBatch) entries() []gvmMSREntry {
	return b.buf.Entries[:b.buf.NMSRs]
}

func (v *VCPU) transferMSRs(cmd uint64) (int, error) {
	if v.msrBuf.overflow {
		return 0, fmt.Errorf("gvm: msr buffer overflow (%d entries)", len(v.msrBuf.buf.Entries))
	}
	n, err := ioctl(v.s.kernel, v.fd, cmd, &v.msrBuf.buf)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (v *VCPU) setSingleMSR(index uint32, value uint64) error {
	v.msrBuf.reset()
	v.msrBuf.add(index, value)
	n, err := v.transferMSRs(gvmSetMsrs)
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("gvm: set msr 0x%x: kernel applied %d entries", index, n)
	}
	return nil
}

// putFeatureControl writes IA32_FEATURE_CONTROL on its own. Writing it can
// force the vCPU out of VMX operation, which invalidates state written
// before it.
func (v *VCPU) putFeatureControl() error {
	if !v.msrs.featureControl {
		return nil
	}
	return v.setSingleMSR(msrIA32FeatureControl, v.State.FeatureControl)
}

func (v *VCPU) putTSCDeadline() error {
	if !v.msrs.tscDeadline {
		return nil
	}
	return v.setSingleMSR(msrIA32TSCDeadline, v.State.TSCDeadline)
}

func (v *VCPU) putMSRs(level SyncLevel) error {
	st := &v.State
	m := &v.msrs
	b := &v.msrBuf
	b.reset()

	b.add(msrIA32SysenterCS, st.SysenterCS)
	b.add(msrIA32SysenterESP, st.SysenterESP)
	b.add(msrIA32SysenterEIP, st.SysenterEIP)
	b.add(msrIA32PAT, st.PAT)
	if m.star {
		b.add(msrStar, st.Star)
	}
	if m.hsavePA {
		b.add(msrVMHsavePA, st.VMHsave)
	}
	if m.tscAux {
		b.add(msrTSCAux, st.TSCAux)
	}
	if m.tscAdjust {
		b.add(msrTSCAdjust, st.TSCAdjust)
	}
	if m.miscEnable {
		b.add(msrIA32MiscEnable, st.MiscEnable)
	}
	if m.smbase {
		b.add(msrIA32SMBase, st.SMBase)
	}
	if m.bndcfgs {
		b.add(msrIA32BndCfgs, st.BndCfgs)
	}
	if m.xss {
		b.add(msrIA32XSS, st.XSS)
	}
	if m.lstar {
		b.add(msrCStar, st.CStar)
		b.add(msrKernelGSBase, st.KernelGSBase)
		b.add(msrFMask, st.FMask)
		b.add(msrLStar, st.LStar)
	}

	if level >= SyncFull {
		b.add(msrIA32TSC, st.TSC)
	}

	// The rest have side effects on the guest or are too heavy for every
	// writeback.
	if level >= SyncReset {
		if m.pmu {
			// Stop the counters, load them, then restart.
			b.add(msrPerfFixedCtrCtrl, 0)
			b.add(msrPerfGlobalCtrl, 0)
			for i := 0; i < maxFixedCounters; i++ {
				b.add(msrPerfFixedCtr0+uint32(i), st.FixedCounters[i])
			}
			for i := 0; i < m.pmuCounters; i++ {
				b.add(msrP6PerfCtr0+uint32(i), st.GPCounters[i])
				b.add(msrP6EvntSel0+uint32(i), st.GPEvtSel[i])
			}
			b.add(msrPerfGlobalStatus, st.GlobalStatus)
			b.add(msrPerfGlobalOvfCtrl, st.GlobalOvfCtrl)

			b.add(msrPerfFixedCtrCtrl, st.FixedCtrCtrl)
			b.add(msrPerfGlobalCtrl, st.GlobalCtrl)
		}
		if m.mtrr {
			// Mask bits above the physical address width fault on write.
			physMask := uint64(1)<<uint(v.s.opts.PhysBits) - 1

			b.add(msrMTRRDefType, st.MTRRDefType)
			for i, idx := range msrMTRRFixed {
				b.add(idx, st.MTRRFixed[i])
			}
			for i := 0; i < mtrrVarCount; i++ {
				b.add(msrMTRRPhysBase(i), st.MTRRVar[i].Base)
				b.add(msrMTRRPhysMask(i), st.MTRRVar[i].Mask&physMask)
			}
		}
	}

	_, err := v.transferMSRs(gvmSetMsrs)
	return err
}

func (v *VCPU) getMSRs() error {
	st := &v.State
	m := &v.msrs
	b := &v.msrBuf
	b.reset()

	b.add(msrIA32SysenterCS, 0)
	b.add(msrIA32SysenterESP, 0)
	b.add(msrIA32SysenterEIP, 0)
	b.add(msrIA32PAT, 0)
	if m.star {
		b.add(msrStar, 0)
	}
	if m.hsavePA {
		b.add(msrVMHsavePA, 0)
	}
	if m.tscAux {
		b.add(msrTSCAux, 0)
	}
	if m.tscAdjust {
		b.add(msrTSCAdjust, 0)
	}
	if m.tscDeadline {
		b.add(msrIA32TSCDeadline, 0)
	}
	if m.miscEnable {
		b.add(msrIA32MiscEnable, 0)
	}
	if m.smbase {
		b.add(msrIA32SMBase, 0)
	}
	if m.featureControl {
		b.add(msrIA32FeatureControl, 0)
	}
	if m.bndcfgs {
		b.add(msrIA32BndCfgs, 0)
	}
	if m.xss {
		b.add(msrIA32XSS, 0)
	}

	if !st.TSCValid {
		b.add(msrIA32TSC, 0)
		st.TSCValid = !v.s.opts.Machine.Running()
	}

	if m.lstar {
		b.add(msrCStar, 0)
		b.add(msrKernelGSBase, 0)
		b.add(msrFMask, 0)
		b.add(msrLStar, 0)
	}
	if m.pmu {
		b.add(msrPerfFixedCtrCtrl, 0)
		b.add(msrPerfGlobalCtrl, 0)
		b.add(msrPerfGlobalStatus, 0)
		b.add(msrPerfGlobalOvfCtrl, 0)
		for i := 0; i < maxFixedCounters; i++ {
			b.add(msrPerfFixedCtr0+uint32(i), 0)
		}
		for i := 0; i < m.pmuCounters; i++ {
			b.add(msrP6PerfCtr0+uint32(i), 0)
			b.add(msrP6EvntSel0+uint32(i), 0)
		}
	}
	if m.mtrr {
		b.add(msrMTRRDefType, 0)
		for _, idx := range msrMTRRFixed {
			b.add(idx, 0)
		}
		for i := 0; i < mtrrVarCount; i++ {
			b.add(msrMTRRPhysBase(i), 0)
			b.add(msrMTRRPhysMask(i), 0)
		}
	}

	n, err := v.transferMSRs(gvmGetMsrs)
	if err != nil {
		return err
	}

	// Pad MTRR masks with the reserved bits between the physical address
	// width and bit 52, so a mask read here keeps its meaning on a host with
	// more physical address bits.
	var mtrrTopBits uint64
	if !v.s.opts.NoFillMTRRMask {
		bits := uint(v.s.opts.PhysBits)
		mtrrTopBits = (uint64(1)<<(52-bits) - 1) << bits
	}

	entries := b.entries()
	if n > len(entries) {
		n = len(entries)
	}
	for _, e := range entries[:n] {
		v.storeMSR(e.Index, e.Data, mtrrTopBits)
	}
	return nil
}

func (v *VCPU) storeMSR(index uint32, data, mtrrTopBits uint64) {
	st := &v.State
	switch {
	case index == msrIA32SysenterCS:
		st.SysenterCS = data
	case index == msrIA32SysenterESP:
		st.SysenterESP = data
	case index == msrIA32SysenterEIP:
		st.SysenterEIP = data
	case index == msrIA32PAT:
		st.PAT = data
	case index == msrStar:
		st.Star = data
	case index == msrCStar:
		st.CStar = data
	case index == msrKernelGSBase:
		st.KernelGSBase = data
	case index == msrFMask:
		st.FMask = data
	case index == msrLStar:
		st.LStar = data
	case index == msrIA32TSC:
		st.TSC = data
	case index == msrTSCAux:
		st.TSCAux = data
	case index == msrTSCAdjust:
		st.TSCAdjust = data
	case index == msrIA32TSCDeadline:
		st.TSCDeadline = data
	case index == msrVMHsavePA:
		st.VMHsave = data
	case index == msrIA32MiscEnable:
		st.MiscEnable = data
	case index == msrIA32SMBase:
		st.SMBase = data
	case index == msrIA32FeatureControl:
		st.FeatureControl = data
	case index == msrIA32BndCfgs:
		st.BndCfgs = data
	case index == msrIA32XSS:
		st.XSS = data
	case index == msrPerfFixedCtrCtrl:
		st.FixedCtrCtrl = data
	case index == msrPerfGlobalCtrl:
		st.GlobalCtrl = data
	case index == msrPerfGlobalStatus:
		st.GlobalStatus = data
	case index == msrPerfGlobalOvfCtrl:
		st.GlobalOvfCtrl = data
	case index >= msrPerfFixedCtr0 && index < msrPerfFixedCtr0+maxFixedCounters:
		st.FixedCounters[index-msrPerfFixedCtr0] = data
	case index >= msrP6PerfCtr0 && index < msrP6PerfCtr0+maxGPCounters:
		st.GPCounters[index-msrP6PerfCtr0] = data
	case index >= msrP6EvntSel0 && index < msrP6EvntSel0+maxGPCounters:
		st.GPEvtSel[index-msrP6EvntSel0] = data
	case index == msrMTRRDefType:
		st.MTRRDefType = data
	case index >= msrMTRRPhysBase0 && index <= msrMTRRPhysMask(mtrrVarCount-1):
		i := (index - msrMTRRPhysBase0) / 2
		if index&1 != 0 {
			st.MTRRVar[i].Mask = data | mtrrTopBits
		} else {
			st.MTRRVar[i].Base = data
		}
	default:
		for i, idx := range msrMTRRFixed {
			if idx == index {
				st.MTRRFixed[i] = data
				return
			}
		}
	}
}

// getTSC reads only the TSC. The value stays valid while the VM is stopped.
func (v *VCPU) getTSC() error {
	if v.State.TSCValid {
		return nil
	}

	var msrs gvmMSRs
	msrs.NMSRs = 1
	msrs.Entries[0].Index = msrIA32TSC
	v.State.TSCValid = !v.s.opts.Machine.Running()

	n, err := ioctl(v.s.kernel, v.fd, gvmGetMsrs, &msrs)
	if err != nil {
		return fmt.Errorf("gvm: get tsc: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("gvm: get tsc: kernel returned %d entries", n)
	}
	v.State.TSC = msrs.Entries[0].Data
	return nil
}
