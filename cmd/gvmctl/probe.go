//go:build linux

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinyrange/gvm/internal/hv/gvm"
)

var probedCaps = []struct {
	name string
	cap  gvm.Capability
}{
	{"irqchip", gvm.CapIRQChip},
	{"irq-routing", gvm.CapIRQRouting},
	{"set-identity-map", gvm.CapSetIdentityMap},
	{"vcpu-events", gvm.CapVCPUEvents},
	{"debugregs", gvm.CapDebugRegs},
	{"robust-singlestep", gvm.CapRobustSingleStep},
	{"set-guest-debug", gvm.CapSetGuestDebug},
	{"xsave", gvm.CapXSave},
	{"xcrs", gvm.CapXCRs},
	{"tsc-control", gvm.CapTSCControl},
	{"get-tsc-khz", gvm.CapGetTSCKHz},
	{"tsc-deadline", gvm.CapTSCDeadlineTimer},
	{"smm", gvm.CapX86SMM},
}

func newProbeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Open the device and report limits and capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.startRecording(); err != nil {
				return err
			}
			defer a.finish()

			opts, err := gvm.OptionsFromConfig(a.cfg)
			if err != nil {
				return err
			}
			s, err := gvm.Open(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			return printProbe(a, s)
		},
	}
	addRecordingFlags(cmd, a)
	return cmd
}

func printProbe(a *app, s *gvm.Session) error {
	version, err := s.APIVersion()
	if err != nil {
		return err
	}
	base, size := s.IdentityMapRange()

	tw := tabwriter.NewWriter(a.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "device\t%s\n", a.cfg.Device)
	fmt.Fprintf(tw, "api version\t%d\n", version)
	fmt.Fprintf(tw, "memory slots\t%d\n", s.NumSlots())
	fmt.Fprintf(tw, "vcpus\t%d recommended, %d max, ids < %d\n",
		s.RecommendedVCPUs(), s.MaxVCPUs(), s.MaxVCPUID())
	fmt.Fprintf(tw, "identity map\t0x%x-0x%x\n", base, base+size-1)
	fmt.Fprintf(tw, "kernel irqchip\t%v (%d gsis)\n", s.KernelIRQChip(), s.GSICount())
	fmt.Fprintf(tw, "msrs\t%d\n", len(s.SupportedMSRs()))

	if eax, err := s.SupportedCPUID(0, 0, gvm.CPUIDEAX); err == nil {
		fmt.Fprintf(tw, "cpuid max leaf\t0x%x\n", eax)
	}
	if ecx, err := s.SupportedCPUID(1, 0, gvm.CPUIDECX); err == nil {
		fmt.Fprintf(tw, "cpuid 1.ecx\t0x%08x\n", ecx)
	}

	for _, c := range probedCaps {
		fmt.Fprintf(tw, "cap %s\t%d\n", c.name, s.CheckExtension(c.cap))
	}
	return tw.Flush()
}
