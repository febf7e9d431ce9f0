// Package serial is a 16550 UART on the x86 I/O port bus.
package serial

import (
	"io"
	"sync"

	"github.com/tinyrange/gvm/internal/hv"
)

// COM1 is the conventional base and legacy IRQ of the first port.
const (
	COM1Base = 0x3f8
	COM1IRQ  = 4
)

const (
	registerCount = 8

	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3 // interrupt gate
	mcrLoop = 1 << 4

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7

	iirNone = 0x01

	fifoSize = 16
)

// IRQFunc drives the UART's interrupt line.
type IRQFunc func(level bool)

// Stats counts bytes moved through the port.
type Stats struct {
	TX uint64
	RX uint64
}

type UART struct {
	mu sync.Mutex

	base uint16
	irq  IRQFunc
	out  io.Writer

	dll byte
	dlm byte
	ier byte
	fcr byte
	lcr byte
	mcr byte
	lsr byte
	msr byte
	scr byte

	rx      [fifoSize]byte
	rxHead  int
	rxCount int
	level   bool
	skipLF  bool
	stats   Stats
	pending byte
}

// New returns a UART at base writing transmitted bytes to out. irq may be
// nil when the port is polled.
func New(base uint16, out io.Writer, irq IRQFunc) *UART {
	u := &UART{base: base, out: out, irq: irq}
	u.Reset()
	return u
}

func (u *UART) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.dll, u.dlm, u.ier, u.fcr, u.lcr, u.mcr, u.scr = 0, 0, 0, 0, 0, 0, 0
	u.lsr = lsrTHRE | lsrTEMT
	u.msr = msrCTS | msrDSR | msrDCD
	u.rxHead, u.rxCount = 0, 0
	u.skipLF = false
	u.updateInterruptsLocked()
}

// IOPorts implements hv.X86IOPortDevice.
func (u *UART) IOPorts() []uint16 {
	ports := make([]uint16, registerCount)
	for i := range uint16(registerCount) {
		ports[i] = u.base + i
	}
	return ports
}

// ReadIOPort implements hv.X86IOPortDevice.
func (u *UART) ReadIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i := range data {
		data[i] = u.readLocked(port - u.base)
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (u *UART) WriteIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, v := range data {
		u.writeLocked(port-u.base, v)
	}
	return nil
}

// Receive queues bytes for the guest to read. Bytes beyond the FIFO set
// the overrun bit and are dropped.
func (u *UART) Receive(p []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, b := range p {
		u.receiveLocked(b)
	}
	u.updateInterruptsLocked()
}

func (u *UART) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

func (u *UART) readLocked(offset uint16) byte {
	switch offset {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		return u.popLocked()
	case 1:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case 2:
		iir := u.pending
		if u.fcr&0x01 != 0 {
			iir |= 0xc0
		}
		return iir
	case 3:
		return u.lcr
	case 4:
		return u.mcr
	case 5:
		lsr := u.lsr
		u.lsr &^= lsrOverrun
		u.updateInterruptsLocked()
		return lsr
	case 6:
		return u.modemStatusLocked()
	case 7:
		return u.scr
	}
	return 0
}

func (u *UART) writeLocked(offset uint16, v byte) {
	switch offset {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			u.dll = v
			return
		}
		u.transmitLocked(v)
	case 1:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = v
			return
		}
		u.ier = v & 0x0f
	case 2:
		if v&0x02 != 0 {
			u.rxHead, u.rxCount = 0, 0
			u.lsr &^= lsrDataReady
		}
		u.fcr = v
	case 3:
		u.lcr = v
	case 4:
		prev := u.mcr
		u.mcr = v & 0x1f
		if prev&mcrLoop != 0 && u.mcr&mcrLoop == 0 {
			u.rxHead, u.rxCount = 0, 0
			u.lsr &^= lsrDataReady
		}
	case 7:
		u.scr = v
	}
	u.updateInterruptsLocked()
}

func (u *UART) transmitLocked(v byte) {
	u.stats.TX++
	if u.mcr&mcrLoop != 0 {
		u.receiveLocked(v)
		return
	}
	if u.out == nil {
		return
	}
	// CR and CRLF both become a single newline.
	switch v {
	case '\r':
		u.skipLF = true
		v = '\n'
	case '\n':
		if u.skipLF {
			u.skipLF = false
			return
		}
	default:
		u.skipLF = false
	}
	_, _ = u.out.Write([]byte{v})
}

func (u *UART) receiveLocked(b byte) {
	if u.rxCount == fifoSize {
		u.lsr |= lsrOverrun
		return
	}
	u.rx[(u.rxHead+u.rxCount)%fifoSize] = b
	u.rxCount++
	u.stats.RX++
	u.lsr |= lsrDataReady
}

func (u *UART) popLocked() byte {
	if u.rxCount == 0 {
		return 0
	}
	b := u.rx[u.rxHead]
	u.rxHead = (u.rxHead + 1) % fifoSize
	u.rxCount--
	if u.rxCount == 0 {
		u.lsr &^= lsrDataReady
	}
	u.updateInterruptsLocked()
	return b
}

func (u *UART) modemStatusLocked() byte {
	if u.mcr&mcrLoop == 0 {
		return u.msr
	}
	var msr byte
	if u.mcr&mcrDTR != 0 {
		msr |= msrDSR
	}
	if u.mcr&mcrRTS != 0 {
		msr |= msrCTS
	}
	if u.mcr&mcrOUT1 != 0 {
		msr |= msrRI
	}
	if u.mcr&mcrOUT2 != 0 {
		msr |= msrDCD
	}
	return msr
}

func (u *UART) updateInterruptsLocked() {
	pending := byte(iirNone)
	switch {
	case u.ier&0x04 != 0 && u.lsr&lsrOverrun != 0:
		pending = 0x06
	case u.ier&0x01 != 0 && u.rxCount > 0:
		pending = 0x04
	case u.ier&0x02 != 0 && u.lsr&lsrTHRE != 0:
		pending = 0x02
	}
	u.pending = pending

	level := pending != iirNone && u.mcr&mcrOUT2 != 0
	if level != u.level {
		u.level = level
		if u.irq != nil {
			u.irq(level)
		}
	}
}

var _ hv.X86IOPortDevice = (*UART)(nil)
