package hv

// TSC state blob constants. The blob is produced for, and consumed from, the
// machine's snapshot stream.
const (
	TSCStateMagic   uint32 = 0x43535447 // "GTSC"
	TSCStateVersion uint32 = 1
)

// TimerRearmer is implemented by the APIC device model. After a TSC restore
// it re-arms its next timer deadline against the restored clock.
type TimerRearmer interface {
	RearmTimer(tsc uint64, virtualNowNs int64) error
}
