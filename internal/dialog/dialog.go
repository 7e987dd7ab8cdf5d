// Package dialog is the engine's boundary to the SIP transaction layer.
//
// The B2B engine never touches the wire: it consumes a Dialog per leg for
// sending and a stream of IncomingRequest/IncomingResponse values for
// receiving. The sipgo-backed implementation lives in sip.go; tests swap
// in fakes.
package dialog

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// IncomingRequest couples a received in-dialog request with the server
// transaction that must eventually answer it.
type IncomingRequest struct {
	Req *sip.Request
	Tx  sip.ServerTransaction
}

// CSeq returns the request's CSeq number, or 0 when absent.
func (r IncomingRequest) CSeq() uint32 {
	if r.Req == nil {
		return 0
	}
	if cseq := r.Req.CSeq(); cseq != nil {
		return cseq.SeqNo
	}
	return 0
}

// Method returns the request method.
func (r IncomingRequest) Method() sip.RequestMethod {
	if r.Req == nil {
		return ""
	}
	return r.Req.Method
}

// ResponseFunc receives the responses of a request sent through a Dialog.
// It is called once per response (provisional and final) from the
// transport's goroutine; implementations must hand off to their own queue.
type ResponseFunc func(cseq uint32, res *sip.Response)

// Dialog is the signaling surface of one established or establishing SIP
// dialog. All sends are transaction-creating; the responses arrive through
// the ResponseFunc registered with OnResponse.
type Dialog interface {
	// ID returns the dialog's Call-ID.
	ID() string

	// OnResponse registers the callback receiving responses to requests
	// sent via SendRequest/Reinvite. Must be set before the first send.
	OnResponse(fn ResponseFunc)

	// SendRequest builds and sends an in-dialog request and returns the
	// CSeq it was sent with.
	SendRequest(ctx context.Context, method sip.RequestMethod, body []byte, hdrs []sip.Header) (uint32, error)

	// Reply answers a received request.
	Reply(inc IncomingRequest, code sip.StatusCode, reason string, body []byte, hdrs ...sip.Header) error

	// Reinvite sends a re-INVITE carrying the given SDP body.
	Reinvite(ctx context.Context, body []byte, hdrs []sip.Header) (uint32, error)

	// Bye terminates the dialog.
	Bye(ctx context.Context) error

	// Cancel aborts a pending outbound INVITE transaction. A no-op when
	// nothing is in flight.
	Cancel(ctx context.Context) error

	// PeerAllows reports whether the remote party advertised support for
	// the method in an Allow header.
	PeerAllows(method sip.RequestMethod) bool
}
