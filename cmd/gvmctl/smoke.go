//go:build linux

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/gvm/internal/devices/serial"
	"github.com/tinyrange/gvm/internal/hv"
	"github.com/tinyrange/gvm/internal/hv/gvm"
)

const (
	smokeLoadAddr = 0x1000
	smokeDataAddr = 0x2000
)

// smokePayload is 16-bit real mode code loaded at smokeLoadAddr. It prints
// "OK\n" on COM1, stores one byte at smokeDataAddr and halts.
var smokePayload = []byte{
	0xba, 0xf8, 0x03, // mov dx, 0x3f8
	0xb0, 'O',        // mov al, 'O'
	0xee,             // out dx, al
	0xa2, 0x00, 0x20, // mov [0x2000], al
	0xb0, 'K',        // mov al, 'K'
	0xee,             // out dx, al
	0xb0, '\n',       // mov al, '\n'
	0xee,             // out dx, al
	0xf4,             // hlt
}

// smokeMachine is the board for the smoke run: always running, and any
// reset or shutdown request ends the run.
type smokeMachine struct {
	mu     sync.Mutex
	reason string
}

func (m *smokeMachine) stop(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reason == "" {
		m.reason = reason
	}
}

func (m *smokeMachine) stopped() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

func (m *smokeMachine) RequestReset(cause hv.ShutdownCause)    { m.stop("reset: " + cause.String()) }
func (m *smokeMachine) RequestShutdown(cause hv.ShutdownCause) { m.stop("shutdown: " + cause.String()) }
func (m *smokeMachine) GuestPanicked(vcpu int)                 { m.stop(fmt.Sprintf("vcpu %d panicked", vcpu)) }
func (m *smokeMachine) Stop(state hv.RunState)                 { m.stop("stopped: " + string(state)) }
func (m *smokeMachine) Running() bool                          { return true }

var _ gvm.Machine = (*smokeMachine)(nil)

func newSmokeCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Boot a tiny real mode payload that prints OK on COM1",
		Long: `Creates a VM with one vCPU and a userspace irqchip, fills guest RAM,
runs a real mode payload that writes "OK" to the serial port and halts,
then reports the serial output and the pages the guest dirtied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.startRecording(); err != nil {
				return err
			}
			defer a.finish()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runSmoke(ctx, a)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "give up if the guest has not halted")
	addRecordingFlags(cmd, a)
	return cmd
}

func newProgress(a *app, size int64, desc string) *progressbar.ProgressBar {
	if isTerminal(a.stderr) {
		return progressbar.DefaultBytes(size, desc)
	}
	return progressbar.DefaultBytesSilent(size, desc)
}

// fillRAM writes a hlt pattern over guest memory so a stray jump stops
// the guest instead of running zeroes.
func fillRAM(a *app, ram []byte) error {
	bar := newProgress(a, int64(len(ram)), "fill guest ram")
	defer bar.Close()

	chunk := bytes.Repeat([]byte{0xf4}, 1<<20)
	for off := 0; off < len(ram); {
		n := copy(ram[off:], chunk)
		off += n
		if err := bar.Add(n); err != nil {
			return err
		}
	}
	return nil
}

func runSmoke(ctx context.Context, a *app) error {
	opts, err := gvm.OptionsFromConfig(a.cfg)
	if err != nil {
		return err
	}
	// HLT must reach userspace to end the run.
	opts.IRQChip = gvm.IRQChipOff
	opts.CPUs = 1
	opts.MaxCPUs = 1

	size := int(a.cfg.MemoryMB) << 20
	ram, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("allocate guest ram: %w", err)
	}
	defer unix.Munmap(ram)

	if err := fillRAM(a, ram); err != nil {
		return err
	}
	copy(ram[smokeLoadAddr:], smokePayload)

	mem := hv.NewAddressSpace()
	region, err := mem.AddRAM("ram", 0, ram)
	if err != nil {
		return err
	}

	var console bytes.Buffer
	com1 := serial.New(serial.COM1Base, &console, nil)
	bus := hv.NewIOPortBus()
	if err := bus.Register(com1); err != nil {
		return err
	}

	machine := &smokeMachine{}
	opts.Memory = mem
	opts.IO = bus
	opts.Machine = machine
	opts.DumpWriter = a.stderr

	s, err := gvm.Open(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := mem.SetDirtyLogging(region, true); err != nil {
		return fmt.Errorf("enable dirty logging: %w", err)
	}

	v, err := s.InitVCPU(0, gvm.VCPUConfig{})
	if err != nil {
		return err
	}
	v.State.Segs[gvm.SegCS].Selector = smokeLoadAddr >> 4
	v.State.Segs[gvm.SegCS].Base = smokeLoadAddr
	v.State.RIP = 0
	if err := v.SynchronizePostInit(); err != nil {
		return err
	}

	start := time.Now()
	if err := execUntilHalt(ctx, v, machine); err != nil {
		return err
	}
	elapsed := time.Since(start)

	if err := s.SyncAllDirty(); err != nil {
		return err
	}
	dirty := mem.DirtyPages(region)
	if ram[smokeDataAddr] != 'O' || !slices.Contains(dirty, smokeDataAddr) {
		return fmt.Errorf("guest store to 0x%x not observed (dirty pages %x)", smokeDataAddr, dirty)
	}

	fmt.Fprintf(a.stdout, "serial: %q (%d bytes)\n", console.String(), com1.Stats().TX)
	fmt.Fprintf(a.stdout, "halted after %s at rip 0x%x\n", elapsed, v.State.RIP)
	fmt.Fprintf(a.stdout, "dirty pages: %x\n", dirty)
	if console.String() != "OK\n" {
		return fmt.Errorf("unexpected serial output %q", console.String())
	}
	return nil
}

// execUntilHalt runs the guest on this thread until it halts.
func execUntilHalt(ctx context.Context, v *gvm.VCPU, m *smokeMachine) error {
	// The vCPU has no thread of its own, so the timeout kicks it out of
	// the guest.
	stop := context.AfterFunc(ctx, v.RequestExit)
	defer stop()

	for {
		res, err := v.Exec()
		if err != nil && gvm.IsFatal(err) {
			return err
		}
		if reason := m.stopped(); reason != "" {
			return errors.New("guest " + reason)
		}
		switch res {
		case gvm.ExecHalted:
			return v.SynchronizeState()
		case gvm.ExecError:
			return fmt.Errorf("guest stopped with an internal error: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("guest did not halt: %w", err)
		}
	}
}
