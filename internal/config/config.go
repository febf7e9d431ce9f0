// Package config loads the accelerator configuration file.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

const DefaultDevice = "/dev/gvm"

// Accelerator is the YAML accelerator configuration.
type Accelerator struct {
	Device  string `yaml:"device,omitempty"`
	CPUs    int    `yaml:"cpus,omitempty"`
	MaxCPUs int    `yaml:"maxCPUs,omitempty"`
	// IRQChip is on, off or split.
	IRQChip  string `yaml:"irqchip,omitempty"`
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`

	// StopOnEmulationError is auto, always or never.
	StopOnEmulationError string `yaml:"stopOnEmulationError,omitempty"`

	Trace     string `yaml:"trace,omitempty"`
	Timeslice string `yaml:"timeslice,omitempty"`

	// FillMTRRMask pads pulled MTRR masks up to bit 52. Defaults to true.
	FillMTRRMask *bool  `yaml:"fillMTRRMask,omitempty"`
	PhysBits     int    `yaml:"physBits,omitempty"`
	TSCKHz       uint32 `yaml:"tscKHz,omitempty"`
}

func (a *Accelerator) normalize() {
	if a.Device == "" {
		a.Device = DefaultDevice
	}
	if a.CPUs == 0 {
		a.CPUs = 1
	}
	if a.MaxCPUs == 0 {
		a.MaxCPUs = a.CPUs
	}
	if a.IRQChip == "" {
		a.IRQChip = "on"
	}
	if a.MemoryMB == 0 {
		a.MemoryMB = 16
	}
	if a.StopOnEmulationError == "" {
		a.StopOnEmulationError = "auto"
	}
	if a.FillMTRRMask == nil {
		fill := true
		a.FillMTRRMask = &fill
	}
}

// Validate checks the normalized configuration.
func (a *Accelerator) Validate() error {
	if a.CPUs < 0 || a.MaxCPUs < a.CPUs {
		return fmt.Errorf("cpus %d exceeds maxCPUs %d", a.CPUs, a.MaxCPUs)
	}
	switch a.IRQChip {
	case "on", "off", "split":
	default:
		return fmt.Errorf("irqchip %q: want on, off or split", a.IRQChip)
	}
	switch a.StopOnEmulationError {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("stopOnEmulationError %q: want auto, always or never", a.StopOnEmulationError)
	}
	if a.PhysBits != 0 && (a.PhysBits < 32 || a.PhysBits > 52) {
		return fmt.Errorf("physBits %d out of range", a.PhysBits)
	}
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Accelerator {
	var a Accelerator
	a.normalize()
	return a
}

// Parse decodes and normalizes a YAML configuration.
func Parse(data []byte) (Accelerator, error) {
	var a Accelerator
	if err := yaml.Unmarshal(data, &a); err != nil {
		return Accelerator{}, fmt.Errorf("parse accelerator config: %w", err)
	}
	a.normalize()
	if err := a.Validate(); err != nil {
		return Accelerator{}, fmt.Errorf("invalid accelerator config: %w", err)
	}
	return a, nil
}

func Load(path string) (Accelerator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Accelerator{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Write encodes a in the file format.
func Write(w io.Writer, a Accelerator) error {
	a.normalize()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&a); err != nil {
		return fmt.Errorf("encode accelerator config: %w", err)
	}
	return enc.Close()
}
