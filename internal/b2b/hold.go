package b2b

import "fmt"

// HoldFlag tracks the intent of an in-flight offer/answer round-trip so
// hold state is only committed once the answer confirms it.
type HoldFlag int

const (
	// PreserveHoldStatus - the pending update does not change hold state.
	PreserveHoldStatus HoldFlag = iota
	// HoldRequested - a hold offer is in flight; commit on success, revert
	// on rejection.
	HoldRequested
	// ResumeRequested - a resume offer is in flight.
	ResumeRequested
)

// String returns the string representation of the flag.
func (f HoldFlag) String() string {
	switch f {
	case PreserveHoldStatus:
		return "PreserveHoldStatus"
	case HoldRequested:
		return "HoldRequested"
	case ResumeRequested:
		return "ResumeRequested"
	default:
		return fmt.Sprintf("Unknown(%d)", int(f))
	}
}
