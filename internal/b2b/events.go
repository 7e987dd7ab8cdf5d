package b2b

import (
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/tandem/internal/dialog"
	"github.com/sebas/tandem/internal/media"
)

// Event is the closed set of messages a leg can receive. Legs never call
// into each other; everything crosses leg boundaries as one of these
// values posted through the Directory. The handler switches exhaustively
// over the concrete types.
type Event interface {
	isLegEvent()
}

// ConnectLeg instructs a freshly created leg to dial its own party with
// the given offer on behalf of the source leg. OrigCSeq is the CSeq of
// the source leg's original INVITE so answers can be correlated back.
type ConnectLeg struct {
	SourceID string
	OrigCSeq uint32
	Offer    []byte
	Media    *media.Controller
	Headers  []sip.Header
}

// ReconnectLeg detaches the target from its current peer and attaches it
// to NewPeerID. When FakeAccept is set and the target is still
// unanswered, it accepts its own party with a synthesized success answer.
type ReconnectLeg struct {
	SourceID   string
	NewPeerID  string
	Media      *media.Controller
	FakeAccept bool
}

// ReplaceLeg asks the target to step out of its bridge in favor of the
// source: the target's peer is reconnected to the source leg and the
// target terminates itself.
type ReplaceLeg struct {
	SourceID string
	Media    *media.Controller
}

// DisconnectLeg asks the target to drop out of the bridge. With
// PutOnHold the target holds its own party instead of hanging up.
type DisconnectLeg struct {
	SourceID  string
	PutOnHold bool
	Cause     TerminateCause
}

// ResumeHeldLeg takes a previously held leg out of hold.
type ResumeHeldLeg struct {
	SourceID string
}

// ChangeRtpMode switches the leg's media handling; it takes effect on
// the next offer/answer exchange passing through the leg.
type ChangeRtpMode struct {
	Mode media.RTPMode
}

// RequestRelay carries an in-dialog request received by the source leg's
// party, to be re-sent on the target's own dialog. OrigCSeq is the CSeq
// under which the source leg holds the unanswered transaction.
type RequestRelay struct {
	SourceID    string
	OrigCSeq    uint32
	Method      sip.RequestMethod
	Body        []byte
	Headers     []sip.Header
	MaxForwards int
}

// ReplyRelay carries a response received on the source leg's dialog back
// to the leg holding the original transaction under OrigCSeq. Synthesized
// replies (offer collision avoidance) set UseLastBody so the receiver
// answers with its last established SDP instead of a relayed body.
type ReplyRelay struct {
	SourceID    string
	OrigCSeq    uint32
	Method      sip.RequestMethod
	Code        sip.StatusCode
	Reason      string
	Body        []byte
	ToTag       string
	Response    *sip.Response
	UseLastBody bool
}

// OwnRequest delivers an in-dialog request received from the leg's own
// party. Posted by the transport adapter, never by other legs.
type OwnRequest struct {
	Inc dialog.IncomingRequest
}

// OwnResponse delivers a response to a request this leg sent on its own
// dialog.
type OwnResponse struct {
	CSeq     uint32
	Response *sip.Response
}

// RetryPending fires the head of the pending-update queue after a 491
// back-off delay.
type RetryPending struct{}

// RefreshSession triggers a session refresh (UPDATE or re-INVITE with
// the current body).
type RefreshSession struct{}

// Terminate tears the leg down. Used by supervision (RTP timeout) and
// administrative shutdown.
type Terminate struct {
	Cause TerminateCause
}

func (ConnectLeg) isLegEvent()     {}
func (ReconnectLeg) isLegEvent()   {}
func (ReplaceLeg) isLegEvent()     {}
func (DisconnectLeg) isLegEvent()  {}
func (ResumeHeldLeg) isLegEvent()  {}
func (ChangeRtpMode) isLegEvent()  {}
func (RequestRelay) isLegEvent()   {}
func (ReplyRelay) isLegEvent()     {}
func (OwnRequest) isLegEvent()     {}
func (OwnResponse) isLegEvent()    {}
func (RetryPending) isLegEvent()   {}
func (RefreshSession) isLegEvent() {}
func (Terminate) isLegEvent()      {}
