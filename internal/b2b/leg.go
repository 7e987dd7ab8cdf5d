package b2b

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/sebas/tandem/internal/dialog"
	"github.com/sebas/tandem/internal/media"
	"github.com/sebas/tandem/internal/metrics"
	"github.com/sebas/tandem/internal/sdpx"
)

// Candidate is one possible peer during fork resolution.
type Candidate struct {
	ID    string
	Media *media.Controller
}

// RefusedFunc is notified when a candidate refuses the call with a final
// failure. Called from the leg's worker; keep it short.
type RefusedFunc func(candidateID string, code sip.StatusCode, reason string)

// StatusFunc observes call status transitions.
type StatusFunc func(legID string, from, to CallStatus)

// HoldResultFunc observes the outcome of hold and resume offers the leg
// sent to its own party. held is the leg's hold state after the offer
// settled; code is the final response that settled it.
type HoldResultFunc func(legID string, held bool, code int)

type selfOpKind int

const (
	opHold selfOpKind = iota
	opResume
	opRefresh
	opDeferred
)

// selfOp tracks a request the leg sent on its own behalf rather than as
// a relay.
type selfOp struct {
	kind   selfOpKind
	method sip.RequestMethod
	relay  RequestRelay
}

// Internal events, only ever posted by the leg to itself or through its
// public API.
type adoptInvite struct{ inc dialog.IncomingRequest }

type connectCallees struct {
	candidates []Candidate
	offer      []byte
	headers    []sip.Header
}

type deferredRelay struct{ ev RequestRelay }
type holdRequest struct{}
type resumeRequest struct{}
type refreshRequest struct{}

func (adoptInvite) isLegEvent()    {}
func (connectCallees) isLegEvent() {}
func (deferredRelay) isLegEvent()  {}
func (holdRequest) isLegEvent()    {}
func (resumeRequest) isLegEvent()  {}
func (refreshRequest) isLegEvent() {}

// CallLeg is one side of a bridged call: a Session for the generic relay
// plumbing, plus call status, fork resolution, hold/resume and media
// attachment. All fields except the introspection set are only touched
// from the leg's worker goroutine.
type CallLeg struct {
	*Session

	id       string
	aLeg     bool
	mediaLeg media.Leg

	// mu guards the fields read by accessors from other goroutines.
	mu        sync.Mutex
	status    CallStatus
	cause     TerminateCause
	otherID   string
	otherLegs []Candidate
	onHold    bool
	heldParty bool
	parked    bool

	mediaSession *media.Controller

	// worker-only state
	everConnected    bool
	terminated       bool
	byeSent          bool
	initialCSeq      uint32
	remoteBody       []byte
	preHoldBody      []byte
	holdFlag         HoldFlag
	pendingPartyHold sdpx.HoldType
	selfOps          map[uint32]selfOp
	pending          pendingQueue
	retryTimer       *time.Timer
	refreshTimer     *time.Timer

	// media configuration, readable by the controller after leg death
	rtpMode    atomic.Int32
	symmetric  atomic.Bool
	inbandDTMF atomic.Bool

	avoid491        bool
	retryMax        time.Duration
	refreshInterval time.Duration

	actor     *Actor
	dir       *Directory
	registry  CallRegistry
	processor *media.Processor

	localURI  string
	remoteURI string

	onRefused    RefusedFunc
	onStatus     StatusFunc
	onHoldResult HoldResultFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// LegOption configures a CallLeg.
type LegOption func(*CallLeg)

// WithRegistry attaches the call registry.
func WithRegistry(r CallRegistry) LegOption { return func(l *CallLeg) { l.registry = r } }

// WithProcessor attaches the media processor for RTP supervision and
// per-frame work.
func WithProcessor(p *media.Processor) LegOption { return func(l *CallLeg) { l.processor = p } }

// WithRTPMode sets the initial media handling mode.
func WithRTPMode(m media.RTPMode) LegOption {
	return func(l *CallLeg) { l.rtpMode.Store(int32(m)) }
}

// WithSymmetricRTP enables latching onto the first received RTP source.
func WithSymmetricRTP(on bool) LegOption { return func(l *CallLeg) { l.symmetric.Store(on) } }

// WithInbandDTMF enables DTMF interception on the leg's audio streams.
func WithInbandDTMF(on bool) LegOption { return func(l *CallLeg) { l.inbandDTMF.Store(on) } }

// WithAvoid491 answers colliding updates with the current session state
// instead of 491, deferring the update until the channel frees.
func WithAvoid491(on bool) LegOption { return func(l *CallLeg) { l.avoid491 = on } }

// WithRetryWindow bounds the randomized 491 retry delay. Zero disables
// retries.
func WithRetryWindow(d time.Duration) LegOption { return func(l *CallLeg) { l.retryMax = d } }

// WithSessionRefresh enables periodic session refreshes once connected.
func WithSessionRefresh(d time.Duration) LegOption {
	return func(l *CallLeg) { l.refreshInterval = d }
}

// WithRefusedFunc registers the candidate-refusal callback.
func WithRefusedFunc(fn RefusedFunc) LegOption { return func(l *CallLeg) { l.onRefused = fn } }

// WithStatusFunc registers the status-transition observer.
func WithStatusFunc(fn StatusFunc) LegOption { return func(l *CallLeg) { l.onStatus = fn } }

// WithHoldResultFunc registers the hold/resume outcome observer.
func WithHoldResultFunc(fn HoldResultFunc) LegOption {
	return func(l *CallLeg) { l.onHoldResult = fn }
}

// NewCallLeg creates a leg on top of an established or establishing
// dialog. The leg registers with the directory on Start.
func NewCallLeg(dlg dialog.Dialog, dir *Directory, aLeg bool, opts ...LegOption) *CallLeg {
	ctx, cancel := context.WithCancel(context.Background())
	id := "leg-" + uuid.New().String()

	mediaLeg := media.LegB
	if aLeg {
		mediaLeg = media.LegA
	}

	l := &CallLeg{
		id:       id,
		aLeg:     aLeg,
		mediaLeg: mediaLeg,
		status:   StatusDisconnected,
		selfOps:  make(map[uint32]selfOp),
		retryMax: 4 * time.Second,
		dir:      dir,
		ctx:      ctx,
		cancel:   cancel,
	}
	l.Session = newSession(id, dlg, dir)
	l.Session.onLocalSDP = l.rewriteLocalSDP
	l.Session.onChannelFree = l.firePending
	l.actor = NewActor(id, l.handleEvent)

	for _, opt := range opts {
		opt(l)
	}

	dlg.OnResponse(func(cseq uint32, res *sip.Response) {
		_ = l.actor.Post(OwnResponse{CSeq: cseq, Response: res})
	})
	return l
}

// Start launches the worker and makes the leg addressable.
func (l *CallLeg) Start() {
	l.actor.Start()
	l.dir.Register(l.id, l.actor)
	if l.registry != nil {
		l.registry.AddCall(CallEntry{
			LegID:  l.id,
			ALeg:   l.aLeg,
			Status: l.Status(),
		})
	}
	slog.Info("[CallLeg] Started", "leg_id", l.id, "a_leg", l.aLeg, "call_id", l.dlg.ID())
}

// ID returns the leg identifier.
func (l *CallLeg) ID() string { return l.id }

// Status returns the current call status.
func (l *CallLeg) Status() CallStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// PeerID returns the bound peer leg, or "" when unbound.
func (l *CallLeg) PeerID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.otherID
}

// CandidateIDs returns the current candidate peer IDs.
func (l *CallLeg) CandidateIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.otherLegs))
	for _, c := range l.otherLegs {
		out = append(out, c.ID)
	}
	return out
}

// OnHold reports whether this leg has put its own party on hold.
func (l *CallLeg) OnHold() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.onHold
}

// PartyOnHold reports whether the leg's own party requested hold.
func (l *CallLeg) PartyOnHold() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heldParty
}

// Cause returns the termination cause.
func (l *CallLeg) Cause() TerminateCause {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause
}

// MediaController returns the attached media session, or nil.
func (l *CallLeg) MediaController() *media.Controller {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mediaSession
}

// PostEvent queues an event for the leg.
func (l *CallLeg) PostEvent(ev Event) error { return l.actor.Post(ev) }

// HandleRequest hands an in-dialog request from the leg's own party to
// the worker.
func (l *CallLeg) HandleRequest(inc dialog.IncomingRequest) error {
	return l.actor.Post(OwnRequest{Inc: inc})
}

// AdoptInvite hands the dialog-establishing INVITE transaction to an
// inbound leg. The leg answers 100 and waits for ConnectCallee.
func (l *CallLeg) AdoptInvite(inc dialog.IncomingRequest) error {
	return l.actor.Post(adoptInvite{inc: inc})
}

// ConnectCallee forks the call towards the given candidates with the
// offer (the adopted INVITE's body when offer is nil).
func (l *CallLeg) ConnectCallee(candidates []Candidate, offer []byte, hdrs []sip.Header) error {
	return l.actor.Post(connectCallees{candidates: candidates, offer: offer, headers: hdrs})
}

// Shutdown tears the leg down from outside the worker.
func (l *CallLeg) Shutdown() error {
	return l.actor.Post(Terminate{Cause: CauseLocalBye})
}

// RTPMode implements media.LegConfig.
func (l *CallLeg) RTPMode() media.RTPMode { return media.RTPMode(l.rtpMode.Load()) }

// SymmetricRTP implements media.LegConfig.
func (l *CallLeg) SymmetricRTP() bool { return l.symmetric.Load() }

// InbandDTMFDetection implements media.LegConfig.
func (l *CallLeg) InbandDTMFDetection() bool { return l.inbandDTMF.Load() }

var _ media.LegConfig = (*CallLeg)(nil)

// handleEvent is the worker's dispatch loop body.
func (l *CallLeg) handleEvent(ev Event) {
	switch ev := ev.(type) {
	case adoptInvite:
		l.onAdoptInvite(ev.inc)
	case connectCallees:
		l.onConnectCallees(ev)
	case ConnectLeg:
		l.onConnect(ev)
	case ReconnectLeg:
		l.onReconnect(ev)
	case ReplaceLeg:
		l.onReplace(ev)
	case DisconnectLeg:
		l.onDisconnect(ev)
	case ResumeHeldLeg:
		l.onResumeHeld()
	case ChangeRtpMode:
		l.rtpMode.Store(int32(ev.Mode))
	case RequestRelay:
		l.onRequestRelay(ev)
	case ReplyRelay:
		l.onReplyRelay(ev)
	case OwnRequest:
		l.onOwnRequest(ev.Inc)
	case OwnResponse:
		l.onOwnResponse(ev.CSeq, ev.Response)
	case RetryPending:
		l.retryTimer = nil
		l.firePending()
	case RefreshSession:
		l.onRefreshTimer()
	case Terminate:
		l.terminate(ev.Cause, true)
	case deferredRelay, holdRequest, resumeRequest, refreshRequest:
		// pending-queue entries are only dispatched via firePending
		l.pushPending(ev)
		l.firePending()
	}
}

// setStatus applies a validated status transition.
func (l *CallLeg) setStatus(next CallStatus) {
	l.mu.Lock()
	old := l.status
	if old == next {
		l.mu.Unlock()
		return
	}
	if !old.CanTransitionTo(next) {
		l.mu.Unlock()
		slog.Error("[CallLeg] Invalid status transition", "leg_id", l.id, "from", old.String(), "to", next.String())
		return
	}
	l.status = next
	l.mu.Unlock()

	metrics.StatusTransitions.WithLabelValues(next.String()).Inc()
	l.updateRegistry(func(e *CallEntry) { e.Status = next })
	slog.Info("[CallLeg] Status changed", "leg_id", l.id, "from", old.String(), "to", next.String())
	if l.onStatus != nil {
		l.onStatus(l.id, old, next)
	}
}

func (l *CallLeg) updateRegistry(fn func(e *CallEntry)) {
	if l.registry != nil {
		l.registry.UpdateCall(l.id, fn)
	}
}

// knownPeer reports whether id is the bound peer or a candidate.
func (l *CallLeg) knownPeer(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id == l.otherID && id != "" {
		return true
	}
	for _, c := range l.otherLegs {
		if c.ID == id {
			return true
		}
	}
	return false
}

// bindCandidate sets the peer to a current candidate and attaches its
// media session.
func (l *CallLeg) bindCandidate(id string) error {
	l.mu.Lock()
	if l.otherID == id {
		l.mu.Unlock()
		return nil
	}
	var cand *Candidate
	for i := range l.otherLegs {
		if l.otherLegs[i].ID == id {
			cand = &l.otherLegs[i]
			break
		}
	}
	if cand == nil {
		l.mu.Unlock()
		return ErrUnknownCandidate
	}
	l.otherID = id
	mc := cand.Media
	l.mu.Unlock()

	l.attachMedia(mc)
	l.updateRegistry(func(e *CallEntry) { e.PeerID = id })
	return nil
}

// purgeCandidates keeps only the winner and disconnects the rest.
func (l *CallLeg) purgeCandidates(winner string) {
	l.mu.Lock()
	var losers []string
	var kept []Candidate
	for _, c := range l.otherLegs {
		if c.ID == winner {
			kept = append(kept, c)
		} else {
			losers = append(losers, c.ID)
		}
	}
	l.otherLegs = kept
	l.mu.Unlock()

	for _, id := range losers {
		_ = l.dir.PostEvent(id, DisconnectLeg{SourceID: l.id, Cause: CausePeerDisconnect})
	}
}

// removeCandidate drops one candidate from the fork set.
func (l *CallLeg) removeCandidate(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.otherLegs {
		if c.ID == id {
			l.otherLegs = append(l.otherLegs[:i], l.otherLegs[i+1:]...)
			return true
		}
	}
	return false
}

// attachMedia swaps the attached media session, moving the leg's
// reference with it.
func (l *CallLeg) attachMedia(mc *media.Controller) {
	l.mu.Lock()
	prev := l.mediaSession
	if prev == mc {
		l.mu.Unlock()
		return
	}
	l.mediaSession = mc
	l.mu.Unlock()

	if mc != nil {
		mc.AddReference()
		mc.SetLegConfig(l.mediaLeg, l)
	}
	if prev != nil {
		prev.Release()
	}
}

func (l *CallLeg) detachMedia() { l.attachMedia(nil) }

// rewriteLocalSDP is the Session hook rewriting bodies sent towards the
// leg's own party with the relay's addresses.
func (l *CallLeg) rewriteLocalSDP(sd *sdp.SessionDescription) error {
	mc := l.MediaController()
	if mc == nil || l.RTPMode() == media.ModeDirect {
		return nil
	}
	return mc.ReplaceConnectionAddress(l.mediaLeg, sd)
}

// syncMedia pushes the current local/remote SDP pair into the media
// session.
func (l *CallLeg) syncMedia() {
	mc := l.MediaController()
	if mc == nil || l.RTPMode() == media.ModeDirect {
		return
	}
	local := l.lastEstablishedBody()
	if len(local) == 0 || len(l.remoteBody) == 0 {
		return
	}
	localSD, err := sdpx.Parse(local)
	if err != nil {
		return
	}
	remoteSD, err := sdpx.Parse(l.remoteBody)
	if err != nil {
		return
	}
	if err := mc.UpdateStreams(l.mediaLeg, localSD, remoteSD); err != nil {
		slog.Warn("[CallLeg] Stream update failed", "leg_id", l.id, "error", err)
	}
}

func (l *CallLeg) processorRegister() {
	mc := l.MediaController()
	if l.processor == nil || mc == nil || l.RTPMode() == media.ModeDirect {
		return
	}
	// pure relay never enters the processing loop unless idle-call
	// supervision wants the controller watched
	if !mc.NeedsProcessor() && !l.processor.SupervisesTimeouts() {
		return
	}
	l.processor.Register(mc, func(*media.Controller) {
		_ = l.actor.Post(Terminate{Cause: CauseRTPTimeout})
	})
}

// --- inbound call setup -------------------------------------------------

func (l *CallLeg) onAdoptInvite(inc dialog.IncomingRequest) {
	if l.terminated || inc.Req == nil {
		return
	}
	l.initialCSeq = inc.CSeq()
	l.storeIncoming(inc)
	if body := inc.Req.Body(); len(body) > 0 {
		l.remoteBody = body
		l.noteRemoteBody(body)
	}
	if from := inc.Req.From(); from != nil {
		l.remoteURI = from.Address.String()
	}
	if to := inc.Req.To(); to != nil {
		l.localURI = to.Address.String()
	}
	_ = l.dlg.Reply(inc, 100, "Trying", nil)
	l.updateRegistry(func(e *CallEntry) {
		e.LocalURI = l.localURI
		e.RemoteURI = l.remoteURI
	})
}

func (l *CallLeg) onConnectCallees(ev connectCallees) {
	if l.terminated || len(ev.candidates) == 0 {
		return
	}
	l.mu.Lock()
	l.otherLegs = append([]Candidate(nil), ev.candidates...)
	l.mu.Unlock()
	l.setStatus(StatusNoReply)

	offer := ev.offer
	if len(offer) == 0 {
		offer = l.remoteBody
	}
	for _, c := range ev.candidates {
		err := l.dir.PostEvent(c.ID, ConnectLeg{
			SourceID: l.id,
			OrigCSeq: l.initialCSeq,
			Offer:    offer,
			Media:    c.Media,
			Headers:  ev.headers,
		})
		if err != nil {
			slog.Warn("[CallLeg] Candidate unreachable", "leg_id", l.id, "candidate", c.ID)
			l.removeCandidate(c.ID)
		}
	}
}

// onConnect runs on the callee-side leg: dial the own party with the
// relayed offer.
func (l *CallLeg) onConnect(ev ConnectLeg) {
	if l.terminated {
		return
	}
	// the source stays a candidate until the party responds; a bound
	// peer implies the leg is at least Ringing
	l.mu.Lock()
	l.otherLegs = []Candidate{{ID: ev.SourceID, Media: ev.Media}}
	l.mu.Unlock()
	l.attachMedia(ev.Media)

	l.relayRequest(l.ctx, RequestRelay{
		SourceID:    ev.SourceID,
		OrigCSeq:    ev.OrigCSeq,
		Method:      sip.INVITE,
		Body:        ev.Offer,
		Headers:     ev.Headers,
		MaxForwards: 70,
	})
	l.setStatus(StatusNoReply)
}

// --- events from peer legs ----------------------------------------------

func (l *CallLeg) onRequestRelay(ev RequestRelay) {
	if l.terminated {
		l.postReplyToPeer(ev.SourceID, ev.OrigCSeq, ev.Method, 481, "Call/Transaction Does Not Exist", nil, false)
		return
	}
	if (ev.Method == sip.INVITE || ev.Method == sip.UPDATE) && l.inviteBusy() {
		if l.avoid491 {
			// Answer with the current session state; the update is
			// applied once the channel frees up.
			l.postReplyToPeer(ev.SourceID, ev.OrigCSeq, ev.Method, 200, "OK", nil, true)
			l.pushPending(deferredRelay{ev: ev})
		} else {
			l.postReplyToPeer(ev.SourceID, ev.OrigCSeq, ev.Method, 491, "Request Pending", nil, false)
		}
		return
	}
	l.relayRequest(l.ctx, ev)
}

func (l *CallLeg) onReplyRelay(ev ReplyRelay) {
	if l.terminated {
		return
	}
	if !l.knownPeer(ev.SourceID) {
		// Late reply from a purged candidate: a 2xx that lost the race
		// still needs its dialog torn down.
		if ev.Method == sip.INVITE && int(ev.Code) >= 200 && int(ev.Code) < 300 {
			_ = l.dir.PostEvent(ev.SourceID, DisconnectLeg{SourceID: l.id, Cause: CausePeerDisconnect})
		} else {
			slog.Debug("[CallLeg] Reply from unrelated leg dropped", "leg_id", l.id, "source", ev.SourceID)
		}
		return
	}

	body := ev.Body
	if ev.UseLastBody {
		body = l.lastEstablishedBody()
	}
	code := int(ev.Code)

	if ev.Method == sip.INVITE && l.initialCSeq != 0 && ev.OrigCSeq == l.initialCSeq && !l.everConnected {
		l.onCandidateReply(ev, body)
		return
	}

	if (ev.Method == sip.INVITE || ev.Method == sip.UPDATE) && code >= 200 && code < 300 &&
		len(body) > 0 && l.pendingPartyHold != sdpx.NonHold {
		body = forceHoldAnswer(body, l.pendingPartyHold)
	}

	if err := l.replyToOriginal(ev.OrigCSeq, ev.Code, ev.Reason, body); err != nil {
		slog.Debug("[CallLeg] Relayed reply had no transaction", "leg_id", l.id, "cseq", ev.OrigCSeq, "error", err)
		return
	}
	if (ev.Method == sip.INVITE || ev.Method == sip.UPDATE) && code >= 200 {
		if code < 300 {
			l.commitPartyHold()
			l.syncMedia()
		}
		l.pendingPartyHold = sdpx.NonHold
	}
}

// onCandidateReply resolves the fork: the first success wins, failures
// only remove their candidate.
func (l *CallLeg) onCandidateReply(ev ReplyRelay, body []byte) {
	code := int(ev.Code)
	switch {
	case code <= 100:
		// candidate is alive, nothing to relay

	case code < 200:
		if ev.ToTag != "" {
			if err := l.bindCandidate(ev.SourceID); err == nil {
				l.setStatus(StatusRinging)
			}
		}
		_ = l.replyToOriginal(ev.OrigCSeq, ev.Code, ev.Reason, body)

	case code < 300:
		if err := l.bindCandidate(ev.SourceID); err != nil {
			slog.Warn("[CallLeg] Success from unknown candidate", "leg_id", l.id, "source", ev.SourceID)
			return
		}
		l.purgeCandidates(ev.SourceID)
		l.everConnected = true
		l.setStatus(StatusConnected)
		if err := l.replyToOriginal(ev.OrigCSeq, ev.Code, ev.Reason, body); err != nil {
			slog.Warn("[CallLeg] Answer relay failed", "leg_id", l.id, "error", err)
		}
		l.syncMedia()
		l.processorRegister()
		l.startRefreshTimer()

	default:
		l.candidateRefused(ev, body)
	}
}

func (l *CallLeg) candidateRefused(ev ReplyRelay, body []byte) {
	if !l.removeCandidate(ev.SourceID) {
		return
	}
	if l.onRefused != nil {
		l.onRefused(ev.SourceID, ev.Code, ev.Reason)
	}

	l.mu.Lock()
	wasBound := l.otherID == ev.SourceID
	if wasBound {
		l.otherID = ""
	}
	remaining := len(l.otherLegs)
	l.mu.Unlock()

	if wasBound {
		l.detachMedia()
		l.updateRegistry(func(e *CallEntry) { e.PeerID = "" })
	}
	if remaining > 0 {
		if wasBound {
			l.setStatus(StatusNoReply)
		}
		slog.Info("[CallLeg] Candidate refused", "leg_id", l.id, "candidate", ev.SourceID,
			"code", int(ev.Code), "remaining", remaining)
		return
	}

	// every candidate refused: the last failure is relayed to the party
	_ = l.replyToOriginal(ev.OrigCSeq, ev.Code, ev.Reason, body)
	l.terminate(CauseForkExhausted, false)
}

func (l *CallLeg) onDisconnect(ev DisconnectLeg) {
	if l.terminated {
		return
	}
	if ev.SourceID != "" && !l.knownPeer(ev.SourceID) {
		slog.Debug("[CallLeg] Disconnect from unrelated leg ignored", "leg_id", l.id, "source", ev.SourceID)
		return
	}

	if ev.PutOnHold {
		l.mu.Lock()
		l.parked = true
		if l.otherID == ev.SourceID {
			l.otherID = ""
		}
		l.otherLegs = nil
		l.mu.Unlock()
		l.updateRegistry(func(e *CallEntry) { e.PeerID = "" })
		// the media reference is kept so parked offers can be answered
		l.requestHold()
		return
	}

	cause := ev.Cause
	if cause == CauseNone {
		cause = CausePeerDisconnect
	}
	l.terminate(cause, false)
}

func (l *CallLeg) onReconnect(ev ReconnectLeg) {
	if l.terminated {
		return
	}
	l.mu.Lock()
	l.otherID = ev.NewPeerID
	l.otherLegs = []Candidate{{ID: ev.NewPeerID, Media: ev.Media}}
	l.parked = false
	l.mu.Unlock()
	l.attachMedia(ev.Media)
	l.updateRegistry(func(e *CallEntry) { e.PeerID = ev.NewPeerID })

	if ev.FakeAccept && !l.everConnected && l.initialCSeq != 0 {
		if _, ok := l.incoming(l.initialCSeq); ok {
			answer := synthesizeAnswer(l.remoteBody)
			l.everConnected = true
			// a parked leg is still Disconnected; walk it through the
			// setup statuses so the transition table holds
			l.setStatus(StatusNoReply)
			if err := l.replyToOriginal(l.initialCSeq, 200, "OK", answer); err != nil {
				slog.Warn("[CallLeg] Synthesized accept failed", "leg_id", l.id, "error", err)
				l.terminate(CauseError, true)
				return
			}
			l.setStatus(StatusConnected)
			l.syncMedia()
			l.processorRegister()
			l.startRefreshTimer()
		}
		return
	}

	if l.everConnected {
		// the party must learn the new media session's addresses
		l.requestReoffer()
	}
}

func (l *CallLeg) onReplace(ev ReplaceLeg) {
	if l.terminated {
		return
	}
	l.mu.Lock()
	peer := l.otherID
	l.mu.Unlock()

	if peer != "" {
		_ = l.dir.PostEvent(peer, ReconnectLeg{SourceID: l.id, NewPeerID: ev.SourceID, Media: ev.Media})
		_ = l.dir.PostEvent(ev.SourceID, ReconnectLeg{SourceID: l.id, NewPeerID: peer, Media: ev.Media, FakeAccept: true})
	}
	l.terminate(CauseReplaced, false)
}

func (l *CallLeg) onResumeHeld() {
	if l.terminated {
		return
	}
	l.mu.Lock()
	held := l.onHold
	l.mu.Unlock()
	if !held {
		return
	}
	l.requestResume()
}

// --- traffic from the leg's own party -----------------------------------

func (l *CallLeg) onOwnRequest(inc dialog.IncomingRequest) {
	if inc.Req == nil {
		return
	}
	if l.terminated {
		if inc.Tx != nil {
			_ = l.dlg.Reply(inc, 481, "Call/Transaction Does Not Exist", nil)
		}
		return
	}

	switch inc.Method() {
	case sip.BYE:
		_ = l.dlg.Reply(inc, 200, "OK", nil)
		l.terminate(CauseRemoteBye, true)

	case sip.CANCEL:
		// the transaction layer answers the CANCEL itself
		if !l.everConnected {
			l.terminate(CauseCancel, true)
		}

	case sip.ACK:
		// no transaction to answer

	case sip.INVITE, sip.UPDATE:
		l.onPartyUpdate(inc)

	case sip.NOTIFY:
		l.relayFromParty(inc, l.remapReferEvent(relayHeaders(inc.Req)))

	default:
		l.relayFromParty(inc, relayHeaders(inc.Req))
	}
}

// onPartyUpdate handles re-INVITE and UPDATE from the leg's own party:
// hold classification, redundant update suppression and parked
// answering, with relay as the default.
func (l *CallLeg) onPartyUpdate(inc dialog.IncomingRequest) {
	l.storeIncoming(inc)
	body := inc.Req.Body()

	l.mu.Lock()
	peer := l.otherID
	parked := l.parked
	l.mu.Unlock()

	if peer == "" {
		if parked && len(body) > 0 {
			l.answerParked(inc, body)
		} else {
			_ = l.replyToOriginal(inc.CSeq(), 480, "Temporarily Unavailable", nil)
		}
		return
	}

	changed := true
	if len(body) > 0 {
		changed = l.noteRemoteBody(body)
		if sd, err := sdpx.Parse(body); err == nil {
			l.pendingPartyHold = sdpx.ClassifyHold(sd)
		}
		l.remoteBody = body
	}

	if !changed && l.everConnected && len(l.lastEstablishedBody()) > 0 {
		// nothing really changed: answer locally, skip the relay
		_ = l.replyToOriginal(inc.CSeq(), 200, "OK", l.lastEstablishedBody())
		return
	}
	l.relayFromParty(inc, relayHeaders(inc.Req))
}

// answerParked answers an offer received while the leg has no peer and
// is parked on hold.
func (l *CallLeg) answerParked(inc dialog.IncomingRequest, body []byte) {
	mc := l.MediaController()
	offer, err := sdpx.Parse(body)
	if err != nil || mc == nil {
		_ = l.replyToOriginal(inc.CSeq(), 488, "Not Acceptable Here", nil)
		return
	}
	answer, err := mc.SynthesizeHoldAnswer(offer)
	if err != nil {
		_ = l.replyToOriginal(inc.CSeq(), 488, "Not Acceptable Here", nil)
		return
	}
	out, err := answer.Marshal()
	if err != nil {
		_ = l.replyToOriginal(inc.CSeq(), 500, "Server Internal Error", nil)
		return
	}
	l.remoteBody = body
	l.noteRemoteBody(body)
	_ = l.replyToOriginal(inc.CSeq(), 200, "OK", out)
}

func (l *CallLeg) relayFromParty(inc dialog.IncomingRequest, hdrs []sip.Header) {
	if maxForwardsOf(inc.Req) <= 0 {
		l.storeIncoming(inc)
		_ = l.replyToOriginal(inc.CSeq(), 483, "Too Many Hops", nil)
		return
	}

	l.mu.Lock()
	peer := l.otherID
	l.mu.Unlock()
	if peer == "" {
		if inc.Tx != nil {
			_ = l.dlg.Reply(inc, 481, "Call/Transaction Does Not Exist", nil)
		}
		return
	}

	l.storeIncoming(inc)
	ev := RequestRelay{
		SourceID:    l.id,
		OrigCSeq:    inc.CSeq(),
		Method:      inc.Method(),
		Body:        inc.Req.Body(),
		Headers:     hdrs,
		MaxForwards: maxForwardsOf(inc.Req) - 1,
	}
	if err := l.dir.PostEvent(peer, ev); err != nil {
		_ = l.replyToOriginal(inc.CSeq(), 481, "Call/Transaction Does Not Exist", nil)
	}
}

func (l *CallLeg) onOwnResponse(cseq uint32, res *sip.Response) {
	if l.terminated {
		return
	}
	if res == nil {
		l.onOwnTimeout(cseq)
		return
	}

	if entry, handled := l.relayResponse(cseq, res); handled {
		l.afterRelayedResponse(entry, res)
		return
	}

	op, ok := l.selfOps[cseq]
	if !ok {
		return
	}
	if res.StatusCode < 200 {
		return
	}
	delete(l.selfOps, cseq)
	l.applySelfOpResult(op, int(res.StatusCode), res.Body())
	l.ownResponseFinal(op.method)
}

// afterRelayedResponse updates the leg's own view of the call after a
// relayed transaction on its dialog saw a response.
func (l *CallLeg) afterRelayedResponse(entry relayedEntry, res *sip.Response) {
	code := res.StatusCode

	if entry.method == sip.INVITE && !l.everConnected {
		switch {
		case code > 100 && code < 200:
			l.setStatus(StatusRinging)
			_ = l.bindCandidate(entry.peerID)
		case code >= 200 && code < 300:
			l.everConnected = true
			l.setStatus(StatusConnected)
			_ = l.bindCandidate(entry.peerID)
		case code >= 300:
			l.terminate(CauseRejected, false)
			return
		}
	}

	if body := res.Body(); len(body) > 0 && code >= 200 && code < 300 {
		l.remoteBody = body
		l.noteRemoteBody(body)
		l.syncMedia()
	}
	if entry.method == sip.INVITE && code >= 200 && code < 300 {
		l.processorRegister()
		l.startRefreshTimer()
	}
}

// applySelfOpResult commits or reverts the state change a self-sent
// request was driving.
func (l *CallLeg) applySelfOpResult(op selfOp, code int, body []byte) {
	switch op.kind {
	case opHold:
		switch {
		case code < 300:
			l.mu.Lock()
			l.onHold = true
			l.mu.Unlock()
			l.holdFlag = PreserveHoldStatus
			l.updateRegistry(func(e *CallEntry) { e.OnHold = true })
			if mc := l.MediaController(); mc != nil {
				mc.Mute(l.mediaLeg, true)
			}
			slog.Info("[CallLeg] Party put on hold", "leg_id", l.id)
			l.notifyHoldResult(code)
		case code == 491:
			l.holdFlag = PreserveHoldStatus
			l.pushPendingFront(holdRequest{})
			l.scheduleRetry()
		default:
			// rejected: hold state stays as it was
			l.holdFlag = PreserveHoldStatus
			slog.Warn("[CallLeg] Hold rejected", "leg_id", l.id, "code", code)
			l.notifyHoldResult(code)
		}

	case opResume:
		switch {
		case code < 300:
			l.mu.Lock()
			l.onHold = false
			l.mu.Unlock()
			l.holdFlag = PreserveHoldStatus
			l.updateRegistry(func(e *CallEntry) { e.OnHold = false })
			if mc := l.MediaController(); mc != nil {
				mc.Mute(l.mediaLeg, false)
			}
			slog.Info("[CallLeg] Party resumed", "leg_id", l.id)
			l.notifyHoldResult(code)
		case code == 491:
			l.holdFlag = PreserveHoldStatus
			l.pushPendingFront(resumeRequest{})
			l.scheduleRetry()
		default:
			l.holdFlag = PreserveHoldStatus
			slog.Warn("[CallLeg] Resume rejected", "leg_id", l.id, "code", code)
			l.notifyHoldResult(code)
		}

	case opRefresh:
		if code == 491 {
			l.pushPendingFront(refreshRequest{})
			l.scheduleRetry()
		}

	case opDeferred:
		// the original transaction was already answered; only retry on a
		// fresh collision
		if code == 491 {
			l.pushPendingFront(deferredRelay{ev: op.relay})
			l.scheduleRetry()
		}
	}

	if len(body) > 0 && code < 300 {
		l.remoteBody = body
		l.noteRemoteBody(body)
		l.syncMedia()
	}
}

// notifyHoldResult reports a settled hold or resume offer together with
// the hold state the leg ended up in.
func (l *CallLeg) notifyHoldResult(code int) {
	if l.onHoldResult != nil {
		l.onHoldResult(l.id, l.OnHold(), code)
	}
}

func (l *CallLeg) onOwnTimeout(cseq uint32) {
	if entry, ok := l.relayTimeout(cseq); ok {
		if entry.method == sip.INVITE && !l.everConnected {
			l.terminate(CauseError, false)
		}
		return
	}
	if op, ok := l.selfOps[cseq]; ok {
		delete(l.selfOps, cseq)
		l.holdFlag = PreserveHoldStatus
		slog.Warn("[CallLeg] Request timed out", "leg_id", l.id, "method", string(op.method))
		l.ownResponseFinal(op.method)
	}
}

// --- hold / resume ------------------------------------------------------

func (l *CallLeg) requestHold() {
	l.mu.Lock()
	held := l.onHold
	l.mu.Unlock()
	if held || l.holdFlag == HoldRequested {
		return
	}
	if l.inviteBusy() {
		l.pushPending(holdRequest{})
		return
	}
	l.sendHoldOffer()
}

func (l *CallLeg) sendHoldOffer() {
	base := l.lastEstablishedBody()
	if len(base) == 0 {
		slog.Warn("[CallLeg] Hold requested before session established", "leg_id", l.id)
		return
	}
	sd, err := sdpx.Parse(base)
	if err != nil {
		return
	}
	l.preHoldBody = append([]byte(nil), base...)
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			sdpx.SetMediaDirection(m, sdpx.DirSendonly)
		}
	}
	body, err := sd.Marshal()
	if err != nil {
		return
	}
	cseq, err := l.sendOwn(l.ctx, sip.INVITE, body, nil)
	if err != nil {
		slog.Warn("[CallLeg] Hold offer failed", "leg_id", l.id, "error", err)
		return
	}
	l.selfOps[cseq] = selfOp{kind: opHold, method: sip.INVITE}
	l.holdFlag = HoldRequested
}

func (l *CallLeg) requestResume() {
	if l.holdFlag == ResumeRequested {
		return
	}
	if l.inviteBusy() {
		l.pushPending(resumeRequest{})
		return
	}
	l.sendResumeOffer()
}

func (l *CallLeg) sendResumeOffer() {
	base := l.preHoldBody
	if len(base) == 0 {
		base = l.lastEstablishedBody()
	}
	if len(base) == 0 {
		return
	}
	sd, err := sdpx.Parse(base)
	if err != nil {
		return
	}
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			sdpx.SetMediaDirection(m, sdpx.DirSendrecv)
		}
	}
	body, err := sd.Marshal()
	if err != nil {
		return
	}
	cseq, err := l.sendOwn(l.ctx, sip.INVITE, body, nil)
	if err != nil {
		slog.Warn("[CallLeg] Resume offer failed", "leg_id", l.id, "error", err)
		return
	}
	l.selfOps[cseq] = selfOp{kind: opResume, method: sip.INVITE}
	l.holdFlag = ResumeRequested
}

// commitPartyHold applies the hold classification of the party's last
// offer once the relayed answer confirmed it.
func (l *CallLeg) commitPartyHold() {
	held := l.pendingPartyHold.IsHold()
	l.mu.Lock()
	changed := l.heldParty != held
	l.heldParty = held
	l.mu.Unlock()
	if !changed {
		return
	}
	if mc := l.MediaController(); mc != nil {
		mc.Mute(l.mediaLeg, held)
	}
	slog.Info("[CallLeg] Party hold state", "leg_id", l.id, "held", held,
		"type", l.pendingPartyHold.String())
}

// --- pending queue and timers -------------------------------------------

func (l *CallLeg) pushPending(ev Event) {
	l.pending.push(ev)
	metrics.PendingUpdates.Inc()
}

func (l *CallLeg) pushPendingFront(ev Event) {
	l.pending.pushFront(ev)
	metrics.PendingUpdates.Inc()
}

// firePending runs the head of the queue once the offer/answer channel
// is free. While a 491 back-off timer runs the head stays put.
func (l *CallLeg) firePending() {
	if l.terminated || l.inviteBusy() || l.retryTimer != nil {
		return
	}
	ev, ok := l.pending.popFront()
	if !ok {
		return
	}
	metrics.PendingUpdates.Dec()
	switch ev := ev.(type) {
	case deferredRelay:
		l.sendDeferred(ev.ev)
	case holdRequest:
		l.sendHoldOffer()
	case resumeRequest:
		l.sendResumeOffer()
	case refreshRequest:
		l.sendReoffer()
	}
}

// sendDeferred applies a previously answered update on our own dialog.
// Its responses terminate here: the originating transaction is long
// closed.
func (l *CallLeg) sendDeferred(rr RequestRelay) {
	cseq, err := l.sendOwn(l.ctx, rr.Method, rr.Body, rr.Headers)
	if err != nil {
		slog.Warn("[CallLeg] Deferred update failed", "leg_id", l.id, "error", err)
		return
	}
	l.selfOps[cseq] = selfOp{kind: opDeferred, method: rr.Method, relay: rr}
}

func (l *CallLeg) scheduleRetry() {
	if l.retryTimer != nil {
		return
	}
	d := retryDelay(l.aLeg, l.retryMax)
	if d <= 0 {
		if _, ok := l.pending.popFront(); ok {
			metrics.PendingUpdates.Dec()
		}
		return
	}
	l.retryTimer = time.AfterFunc(d, func() {
		_ = l.actor.Post(RetryPending{})
	})
}

func (l *CallLeg) requestReoffer() {
	if l.inviteBusy() {
		l.pushPending(refreshRequest{})
		return
	}
	l.sendReoffer()
}

// sendReoffer re-sends the current local body; the media hook rewrites
// it against the currently attached session, bumping the version when
// the addresses moved.
func (l *CallLeg) sendReoffer() {
	body := l.lastEstablishedBody()
	if len(body) == 0 {
		return
	}
	cseq, err := l.sendOwn(l.ctx, sip.INVITE, body, nil)
	if err != nil {
		slog.Warn("[CallLeg] Re-offer failed", "leg_id", l.id, "error", err)
		return
	}
	l.selfOps[cseq] = selfOp{kind: opRefresh, method: sip.INVITE}
}

func (l *CallLeg) startRefreshTimer() {
	if l.refreshInterval <= 0 {
		return
	}
	if l.refreshTimer != nil {
		l.refreshTimer.Stop()
	}
	l.refreshTimer = time.AfterFunc(l.refreshInterval, func() {
		_ = l.actor.Post(RefreshSession{})
	})
}

func (l *CallLeg) onRefreshTimer() {
	if l.terminated || !l.everConnected {
		return
	}
	if !l.inviteBusy() {
		cseq, method, err := l.refresh(l.ctx)
		if err != nil {
			slog.Warn("[CallLeg] Session refresh failed", "leg_id", l.id, "error", err)
		} else {
			l.selfOps[cseq] = selfOp{kind: opRefresh, method: method}
		}
	}
	l.startRefreshTimer()
}

func (l *CallLeg) stopTimers() {
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	if l.refreshTimer != nil {
		l.refreshTimer.Stop()
		l.refreshTimer = nil
	}
}

// --- teardown -----------------------------------------------------------

// terminate is the single teardown path: it guarantees the own dialog is
// closed once, the media reference released once and the peers notified
// at most once.
func (l *CallLeg) terminate(cause TerminateCause, notifyPeers bool) {
	if l.terminated {
		return
	}
	l.terminated = true
	l.stopTimers()
	l.pending.clear()

	l.mu.Lock()
	l.cause = cause
	peer := l.otherID
	cands := append([]Candidate(nil), l.otherLegs...)
	l.otherID = ""
	l.otherLegs = nil
	l.mu.Unlock()

	if l.everConnected {
		l.setStatus(StatusDisconnecting)
	}

	// answer whatever our party still has in flight
	for cseq, inc := range l.recvdReq {
		_ = l.dlg.Reply(inc, 487, "Request Terminated", nil)
		delete(l.recvdReq, cseq)
	}

	switch {
	case l.everConnected && !l.byeSent && cause != CauseRemoteBye:
		l.byeSent = true
		if err := l.dlg.Bye(l.ctx); err != nil {
			slog.Debug("[CallLeg] BYE failed", "leg_id", l.id, "error", err)
		}
	case !l.everConnected:
		_ = l.dlg.Cancel(l.ctx)
	}

	// a 200 crossing our CANCEL still needs its dialog closed
	dlg := l.dlg
	dlg.OnResponse(func(cseq uint32, res *sip.Response) {
		if res == nil || res.StatusCode < 200 || res.StatusCode >= 300 {
			return
		}
		if cs := res.CSeq(); cs != nil && cs.MethodName == sip.INVITE {
			_ = dlg.Bye(context.Background())
		}
	})

	if notifyPeers {
		notified := make(map[string]bool)
		for _, c := range cands {
			if !notified[c.ID] {
				notified[c.ID] = true
				_ = l.dir.PostEvent(c.ID, DisconnectLeg{SourceID: l.id, Cause: CausePeerDisconnect})
			}
		}
		if peer != "" && !notified[peer] {
			_ = l.dir.PostEvent(peer, DisconnectLeg{SourceID: l.id, Cause: CausePeerDisconnect})
		}
	}

	if l.processor != nil {
		if mc := l.MediaController(); mc != nil {
			l.processor.Unregister(mc)
		}
	}
	l.detachMedia()
	l.setStatus(StatusDisconnected)
	if l.registry != nil {
		l.registry.RemoveCall(l.id)
	}
	l.dir.Unregister(l.id)
	l.cancel()
	go l.actor.Stop()
	slog.Info("[CallLeg] Terminated", "leg_id", l.id, "cause", cause.String())
}

// --- helpers ------------------------------------------------------------

// relayedHeaderNames is the whitelist of end-to-end headers copied onto
// relayed requests.
var relayedHeaderNames = []string{
	"Refer-To",
	"Referred-By",
	"Replaces",
	"Event",
	"Subscription-State",
	"Content-Type",
	"Content-Disposition",
}

func relayHeaders(req *sip.Request) []sip.Header {
	var out []sip.Header
	for _, name := range relayedHeaderNames {
		out = append(out, req.GetHeaders(name)...)
	}
	return out
}

func maxForwardsOf(req *sip.Request) int {
	hdrs := req.GetHeaders("Max-Forwards")
	if len(hdrs) > 0 {
		if v, err := strconv.Atoi(strings.TrimSpace(hdrs[0].Value())); err == nil {
			return v
		}
	}
	return 70
}

// forceHoldAnswer rewrites the answer's audio directions to be symmetric
// to the hold request: sendonly is answered recvonly, inactive and
// zeroed are answered inactive.
func forceHoldAnswer(body []byte, ht sdpx.HoldType) []byte {
	sd, err := sdpx.Parse(body)
	if err != nil {
		return body
	}
	dir := ht.AnswerDirection()
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			sdpx.SetMediaDirection(m, dir)
		}
	}
	out, err := sd.Marshal()
	if err != nil {
		return body
	}
	return out
}

// synthesizeAnswer accepts an offer verbatim with bidirectional audio,
// used when a reconnected leg is answered without consulting its party.
func synthesizeAnswer(offerBody []byte) []byte {
	sd, err := sdpx.Parse(offerBody)
	if err != nil {
		return offerBody
	}
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			sdpx.SetMediaDirection(m, sdpx.DirSendrecv)
		}
	}
	out, err := sd.Marshal()
	if err != nil {
		return offerBody
	}
	return out
}
