//go:build linux

package gvm

import (
	"fmt"

	"github.com/tinyrange/gvm/internal/config"
)

// ParseIRQChipMode parses the configuration spelling of an irqchip mode.
func ParseIRQChipMode(s string) (IRQChipMode, error) {
	switch s {
	case "on", "":
		return IRQChipOn, nil
	case "off":
		return IRQChipOff, nil
	case "split":
		return IRQChipSplit, nil
	default:
		return 0, fmt.Errorf("gvm: unknown irqchip mode %q", s)
	}
}

func ParseEmulationPolicy(s string) (EmulationPolicy, error) {
	switch s {
	case "auto", "":
		return EmulationStopAuto, nil
	case "always":
		return EmulationStopAlways, nil
	case "never":
		return EmulationStopNever, nil
	default:
		return 0, fmt.Errorf("gvm: unknown emulation error policy %q", s)
	}
}

// OptionsFromConfig fills the configurable part of Options. The caller
// supplies the collaborators (memory, I/O bus, machine).
func OptionsFromConfig(cfg config.Accelerator) (Options, error) {
	irqchip, err := ParseIRQChipMode(cfg.IRQChip)
	if err != nil {
		return Options{}, err
	}
	policy, err := ParseEmulationPolicy(cfg.StopOnEmulationError)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Device:          cfg.Device,
		CPUs:            cfg.CPUs,
		MaxCPUs:         cfg.MaxCPUs,
		IRQChip:         irqchip,
		EmulationPolicy: policy,
		NoFillMTRRMask:  cfg.FillMTRRMask != nil && !*cfg.FillMTRRMask,
		PhysBits:        cfg.PhysBits,
		TSCKHz:          cfg.TSCKHz,
	}, nil
}
