package b2b

import "errors"

// Sentinel errors for use with errors.Is.
var (
	// ErrUnknownCandidate indicates a bind attempt to a leg that is not
	// among the current candidates.
	ErrUnknownCandidate = errors.New("peer is not a candidate of this leg")

	// ErrNotConnected indicates an operation requiring an established call.
	ErrNotConnected = errors.New("leg not connected")

	// ErrTransactionPending indicates an offer/answer operation collided
	// with an in-flight transaction and was queued instead.
	ErrTransactionPending = errors.New("transaction pending, update queued")

	// ErrHoldInProgress indicates a hold or resume round-trip is already
	// running.
	ErrHoldInProgress = errors.New("hold/resume already in progress")

	// ErrLegTerminated indicates the leg has already been torn down.
	ErrLegTerminated = errors.New("leg already terminated")

	// ErrUnknownTarget indicates an event was addressed to a leg the
	// directory does not know.
	ErrUnknownTarget = errors.New("unknown event target")
)
