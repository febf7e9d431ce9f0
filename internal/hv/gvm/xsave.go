//go:build linux

package gvm

import "encoding/binary"

// Byte offsets into the XSAVE area.
const (
	xsaveFCW      = 0
	xsaveFSW      = 2
	xsaveFTW      = 4
	xsaveFOP      = 6
	xsaveFPIP     = 8
	xsaveFPDP     = 16
	xsaveMXCSR    = 24
	xsaveST       = 32
	xsaveXMM      = 160
	xsaveXStateBV = 512
	xsaveYMMH     = 576
	xsaveBndRegs  = 960
	xsaveBndCSR   = 1024
	xsaveOpMask   = 1088
	xsaveZMMHi256 = 1152
	xsaveHi16ZMM  = 1664
	xsavePKRU     = 2688
)

// nbVectorRegs is the number of vector registers with legacy and AVX state.
const nbVectorRegs = 16

var le = binary.LittleEndian

// fsw folds the top-of-stack pointer into the status word.
func (c *CPUState) fsw() uint16 {
	return c.FPUS&^(7<<11) | uint16(c.FPStt&7)<<11
}

func (c *CPUState) setFSW(fsw uint16) {
	c.FPStt = uint8(fsw>>11) & 7
	c.FPUS = fsw
}

// abridgedTags packs the tag word with one bit per register, set when the
// register is valid.
func (c *CPUState) abridgedTags() uint8 {
	var ftw uint8
	for i, empty := range c.FPTags {
		if !empty {
			ftw |= 1 << i
		}
	}
	return ftw
}

func (c *CPUState) setAbridgedTags(ftw uint8) {
	for i := range c.FPTags {
		c.FPTags[i] = ftw>>i&1 == 0
	}
}

func (c *CPUState) toFPU() gvmFPU {
	var fpu gvmFPU
	fpu.FSW = c.fsw()
	fpu.FCW = c.FPUC
	fpu.LastOpcode = c.FPOp
	fpu.LastIP = c.FPIP
	fpu.LastDP = c.FPDP
	fpu.FTWX = c.abridgedTags()
	fpu.FPR = c.FPRegs
	for i := 0; i < nbVectorRegs; i++ {
		le.PutUint64(fpu.XMM[i][0:], c.XMM[i][0])
		le.PutUint64(fpu.XMM[i][8:], c.XMM[i][1])
	}
	fpu.MXCSR = c.MXCSR
	return fpu
}

func (c *CPUState) fromFPU(fpu *gvmFPU) {
	c.setFSW(fpu.FSW)
	c.FPUC = fpu.FCW
	c.FPOp = fpu.LastOpcode
	c.FPIP = fpu.LastIP
	c.FPDP = fpu.LastDP
	c.setAbridgedTags(fpu.FTWX)
	c.FPRegs = fpu.FPR
	for i := 0; i < nbVectorRegs; i++ {
		c.XMM[i][0] = le.Uint64(fpu.XMM[i][0:])
		c.XMM[i][1] = le.Uint64(fpu.XMM[i][8:])
	}
	c.MXCSR = fpu.MXCSR
}

func (c *CPUState) toXSave(x *gvmXSave) {
	*x = gvmXSave{}
	b := x.bytes()

	le.PutUint16(b[xsaveFCW:], c.FPUC)
	le.PutUint16(b[xsaveFSW:], c.fsw())
	b[xsaveFTW] = c.abridgedTags()
	le.PutUint16(b[xsaveFOP:], c.FPOp)
	le.PutUint64(b[xsaveFPIP:], c.FPIP)
	le.PutUint64(b[xsaveFPDP:], c.FPDP)
	for i := range c.FPRegs {
		copy(b[xsaveST+16*i:], c.FPRegs[i][:])
	}
	le.PutUint32(b[xsaveMXCSR:], c.MXCSR)
	le.PutUint64(b[xsaveXStateBV:], c.XStateBV)

	for i, r := range c.BndRegs {
		le.PutUint64(b[xsaveBndRegs+16*i:], r.Lower)
		le.PutUint64(b[xsaveBndRegs+16*i+8:], r.Upper)
	}
	le.PutUint64(b[xsaveBndCSR:], c.BndCSR.CfgU)
	le.PutUint64(b[xsaveBndCSR+8:], c.BndCSR.Sts)
	for i, k := range c.OpMask {
		le.PutUint64(b[xsaveOpMask+8*i:], k)
	}

	for i := 0; i < nbVectorRegs; i++ {
		z := &c.XMM[i]
		le.PutUint64(b[xsaveXMM+16*i:], z[0])
		le.PutUint64(b[xsaveXMM+16*i+8:], z[1])
		le.PutUint64(b[xsaveYMMH+16*i:], z[2])
		le.PutUint64(b[xsaveYMMH+16*i+8:], z[3])
		for q := 4; q < 8; q++ {
			le.PutUint64(b[xsaveZMMHi256+32*i+8*(q-4):], z[q])
		}
	}
	for i := nbVectorRegs; i < len(c.XMM); i++ {
		off := xsaveHi16ZMM + 64*(i-nbVectorRegs)
		for q, v := range c.XMM[i] {
			le.PutUint64(b[off+8*q:], v)
		}
	}
	le.PutUint32(b[xsavePKRU:], c.PKRU)
}

func (c *CPUState) fromXSave(x *gvmXSave) {
	b := x.bytes()

	c.FPUC = le.Uint16(b[xsaveFCW:])
	c.setFSW(le.Uint16(b[xsaveFSW:]))
	c.setAbridgedTags(b[xsaveFTW])
	c.FPOp = le.Uint16(b[xsaveFOP:])
	c.FPIP = le.Uint64(b[xsaveFPIP:])
	c.FPDP = le.Uint64(b[xsaveFPDP:])
	c.MXCSR = le.Uint32(b[xsaveMXCSR:])
	for i := range c.FPRegs {
		copy(c.FPRegs[i][:], b[xsaveST+16*i:])
	}
	c.XStateBV = le.Uint64(b[xsaveXStateBV:])

	for i := range c.BndRegs {
		c.BndRegs[i].Lower = le.Uint64(b[xsaveBndRegs+16*i:])
		c.BndRegs[i].Upper = le.Uint64(b[xsaveBndRegs+16*i+8:])
	}
	c.BndCSR.CfgU = le.Uint64(b[xsaveBndCSR:])
	c.BndCSR.Sts = le.Uint64(b[xsaveBndCSR+8:])
	for i := range c.OpMask {
		c.OpMask[i] = le.Uint64(b[xsaveOpMask+8*i:])
	}

	for i := 0; i < nbVectorRegs; i++ {
		z := &c.XMM[i]
		z[0] = le.Uint64(b[xsaveXMM+16*i:])
		z[1] = le.Uint64(b[xsaveXMM+16*i+8:])
		z[2] = le.Uint64(b[xsaveYMMH+16*i:])
		z[3] = le.Uint64(b[xsaveYMMH+16*i+8:])
		for q := 4; q < 8; q++ {
			z[q] = le.Uint64(b[xsaveZMMHi256+32*i+8*(q-4):])
		}
	}
	for i := nbVectorRegs; i < len(c.XMM); i++ {
		off := xsaveHi16ZMM + 64*(i-nbVectorRegs)
		for q := range c.XMM[i] {
			c.XMM[i][q] = le.Uint64(b[off+8*q:])
		}
	}
	c.PKRU = le.Uint32(b[xsavePKRU:])
}

func (v *VCPU) putFPU() error {
	fpu := v.State.toFPU()
	_, err := ioctl(v.s.kernel, v.fd, gvmSetFpu, &fpu)
	return err
}

func (v *VCPU) getFPU() error {
	var fpu gvmFPU
	if _, err := ioctl(v.s.kernel, v.fd, gvmGetFpu, &fpu); err != nil {
		return err
	}
	v.State.fromFPU(&fpu)
	return nil
}

// putXSave transfers extended state, falling back to the legacy FPU layout
// when the device has no XSAVE support.
func (v *VCPU) putXSave() error {
	if !v.s.features.xsave {
		return v.putFPU()
	}
	v.State.toXSave(&v.xsave)
	_, err := ioctl(v.s.kernel, v.fd, gvmSetXsave, &v.xsave)
	return err
}

func (v *VCPU) getXSave() error {
	if !v.s.features.xsave {
		return v.getFPU()
	}
	if _, err := ioctl(v.s.kernel, v.fd, gvmGetXsave, &v.xsave); err != nil {
		return err
	}
	v.State.fromXSave(&v.xsave)
	return nil
}

func (v *VCPU) putXCRs() error {
	if !v.s.features.xcrs {
		return nil
	}
	xcrs := gvmXCRs{NrXCRs: 1}
	xcrs.XCRs[0] = gvmXCR{XCR: 0, Value: v.State.XCR0}
	_, err := ioctl(v.s.kernel, v.fd, gvmSetXcrs, &xcrs)
	return err
}

func (v *VCPU) getXCRs() error {
	if !v.s.features.xcrs {
		return nil
	}
	var xcrs gvmXCRs
	if _, err := ioctl(v.s.kernel, v.fd, gvmGetXcrs, &xcrs); err != nil {
		return err
	}
	n := min(int(xcrs.NrXCRs), len(xcrs.XCRs))
	for _, x := range xcrs.XCRs[:n] {
		if x.XCR == 0 {
			v.State.XCR0 = x.Value
			break
		}
	}
	return nil
}
