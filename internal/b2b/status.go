// Package b2b implements the B2BUA call-leg engine: the per-leg call
// status machine, the generic signaling relay between bridged legs, leg
// binding and forking, hold/resume and the pending-update queue.
package b2b

import "fmt"

// CallStatus represents the call progress of one leg.
type CallStatus int

const (
	// StatusDisconnected is the initial and final status.
	StatusDisconnected CallStatus = iota
	// StatusNoReply means a connect attempt is out with no response yet.
	StatusNoReply
	// StatusRinging means a dialog-establishing provisional response
	// arrived from a candidate and the leg is bound to it.
	StatusRinging
	// StatusConnected means a success response was received and exactly
	// one peer is bound.
	StatusConnected
	// StatusDisconnecting means teardown (or hold-before-teardown) is in
	// flight.
	StatusDisconnecting
)

// String returns the string representation of the status.
func (s CallStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusNoReply:
		return "NoReply"
	case StatusRinging:
		return "Ringing"
	case StatusConnected:
		return "Connected"
	case StatusDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// validTransitions defines which status transitions are allowed. Every
// status may fall to Disconnected (BYE, CANCEL, internal error, timeout).
var validTransitions = map[CallStatus][]CallStatus{
	StatusDisconnected:  {StatusNoReply, StatusDisconnected},
	StatusNoReply:       {StatusRinging, StatusConnected, StatusDisconnected},
	StatusRinging:       {StatusConnected, StatusNoReply, StatusDisconnected},
	StatusConnected:     {StatusDisconnecting, StatusDisconnected},
	StatusDisconnecting: {StatusDisconnected},
}

// CanTransitionTo checks if a transition from this status is legal.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for the final status.
func (s CallStatus) IsTerminal() bool {
	return s == StatusDisconnected
}

// Bound reports whether a peer may be bound in this status.
func (s CallStatus) Bound() bool {
	return s == StatusRinging || s == StatusConnected || s == StatusDisconnecting
}

// TerminateCause explains why a leg was torn down.
type TerminateCause int

const (
	// CauseNone means no termination has occurred.
	CauseNone TerminateCause = iota
	// CauseLocalBye means this side ended the call.
	CauseLocalBye
	// CauseRemoteBye means the leg's own party sent BYE.
	CauseRemoteBye
	// CausePeerDisconnect means the bridged peer leg disconnected.
	CausePeerDisconnect
	// CauseCancel means the unanswered leg was canceled.
	CauseCancel
	// CauseForkExhausted means every candidate refused the call.
	CauseForkExhausted
	// CauseRTPTimeout means media supervision expired the call.
	CauseRTPTimeout
	// CauseReplaced means the leg was replaced by another leg.
	CauseReplaced
	// CauseRejected means the leg's own party refused the initial INVITE.
	CauseRejected
	// CauseError means an internal error occurred.
	CauseError
)

// String returns the string representation of the cause.
func (c TerminateCause) String() string {
	switch c {
	case CauseNone:
		return "None"
	case CauseLocalBye:
		return "LocalBye"
	case CauseRemoteBye:
		return "RemoteBye"
	case CausePeerDisconnect:
		return "PeerDisconnect"
	case CauseCancel:
		return "Cancel"
	case CauseForkExhausted:
		return "ForkExhausted"
	case CauseRTPTimeout:
		return "RTPTimeout"
	case CauseReplaced:
		return "Replaced"
	case CauseRejected:
		return "Rejected"
	case CauseError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}
