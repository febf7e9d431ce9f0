//go:build linux

package gvm

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/gvm/internal/hv"
)

// TSCState is the per-vCPU clock state carried in a machine snapshot.
type TSCState struct {
	TSC   uint64
	Valid bool
}

type tscBlob struct {
	Magic   uint32
	Version uint32
	TSC     uint64
	Valid   uint32
}

// WriteTSCState encodes state as a little endian blob.
func WriteTSCState(w io.Writer, state TSCState) error {
	blob := tscBlob{
		Magic:   hv.TSCStateMagic,
		Version: hv.TSCStateVersion,
		TSC:     state.TSC,
		Valid:   uint32(b2u8(state.Valid)),
	}
	if err := binary.Write(w, binary.LittleEndian, &blob); err != nil {
		return fmt.Errorf("gvm: write tsc state: %w", err)
	}
	return nil
}

// ReadTSCState decodes a blob written by WriteTSCState.
func ReadTSCState(r io.Reader) (TSCState, error) {
	var blob tscBlob
	if err := binary.Read(r, binary.LittleEndian, &blob); err != nil {
		return TSCState{}, fmt.Errorf("gvm: read tsc state: %w", err)
	}
	if blob.Magic != hv.TSCStateMagic {
		return TSCState{}, fmt.Errorf("gvm: read tsc state: bad magic 0x%08x", blob.Magic)
	}
	if blob.Version != hv.TSCStateVersion {
		return TSCState{}, fmt.Errorf("gvm: read tsc state: unsupported version %d", blob.Version)
	}
	return TSCState{TSC: blob.TSC, Valid: blob.Valid != 0}, nil
}

// SaveTSC reads the guest TSC for a snapshot.
func (v *VCPU) SaveTSC() (TSCState, error) {
	if err := v.SynchronizeTSC(); err != nil {
		return TSCState{}, err
	}
	var state TSCState
	v.Call(func() { state = TSCState{TSC: v.State.TSC, Valid: v.State.TSCValid} })
	return state, nil
}

// RestoreTSC loads a snapshot TSC. It reaches the kernel with the next
// full state push. The APIC timer is re-armed against the restored clock
// at virtual time nowNs.
func (v *VCPU) RestoreTSC(state TSCState, nowNs int64) error {
	v.Call(func() {
		v.State.TSC = state.TSC
		v.State.TSCValid = state.Valid
		v.dirty = true
	})
	if apic := v.cfg.APIC; apic != nil {
		if err := apic.RearmTimer(state.TSC, nowNs); err != nil {
			return fmt.Errorf("gvm: vcpu %d: rearm apic timer: %w", v.id, err)
		}
	}
	return nil
}
