package b2b

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"github.com/sebas/tandem/internal/dialog"
	"github.com/sebas/tandem/internal/metrics"
	"github.com/sebas/tandem/internal/sdpx"
)

// relayedEntry correlates a request sent on our own dialog with the peer
// leg transaction it was relayed for.
type relayedEntry struct {
	peerID   string
	origCSeq uint32
	method   sip.RequestMethod
}

// Session is the generic signaling relay half of a leg: transaction
// correlation between the two dialogs, SDP origin versioning towards the
// leg's own party, body change detection and REFER subscription
// remapping. CallLeg composes a Session and layers call state, forking
// and hold on top.
//
// A Session is only ever touched from its leg's worker goroutine.
type Session struct {
	id  string
	dlg dialog.Dialog
	dir *Directory

	// recvdReq holds unanswered transactions from our own party, keyed
	// by their CSeq. relayedReq maps the CSeq of requests we sent on our
	// dialog back to the peer transaction they were relayed for.
	recvdReq   map[uint32]dialog.IncomingRequest
	relayedReq map[uint32]relayedEntry

	// Outgoing SDP origin: a stable sess-id and a version that increments
	// by exactly one per real session change, regardless of how often the
	// peer's party rewrites its own origin line.
	sdpInit    bool
	sdpSessID  uint64
	sdpSessVer uint64

	lastSentHash [md5.Size]byte
	lastSentBody []byte

	haveRemoteHash bool
	lastRemoteHash [md5.Size]byte

	invitePending bool

	// referIn maps our outgoing REFER CSeq to the peer's original CSeq so
	// NOTIFY Event id values can be translated back.
	referIn map[uint32]uint32

	// onLocalSDP rewrites bodies leaving towards our own party (media
	// address replacement). onChannelFree fires when an INVITE or UPDATE
	// transaction on our dialog completes.
	onLocalSDP    func(sd *sdp.SessionDescription) error
	onChannelFree func()
}

func newSession(id string, dlg dialog.Dialog, dir *Directory) *Session {
	return &Session{
		id:         id,
		dlg:        dlg,
		dir:        dir,
		recvdReq:   make(map[uint32]dialog.IncomingRequest),
		relayedReq: make(map[uint32]relayedEntry),
		referIn:    make(map[uint32]uint32),
	}
}

// storeIncoming remembers an unanswered transaction from our own party.
func (s *Session) storeIncoming(inc dialog.IncomingRequest) {
	s.recvdReq[inc.CSeq()] = inc
}

func (s *Session) incoming(cseq uint32) (dialog.IncomingRequest, bool) {
	inc, ok := s.recvdReq[cseq]
	return inc, ok
}

// inviteBusy reports whether an INVITE or UPDATE sent on our dialog is
// still unanswered.
func (s *Session) inviteBusy() bool {
	return s.invitePending
}

// relayRequest re-sends a peer leg's request on our own dialog. Local
// failures are answered towards the peer with a synthesized response so
// the original transaction never starves.
func (s *Session) relayRequest(ctx context.Context, ev RequestRelay) {
	if ev.MaxForwards <= 0 {
		s.postReplyToPeer(ev.SourceID, ev.OrigCSeq, ev.Method, 483, "Too Many Hops", nil, false)
		return
	}

	body := ev.Body
	if len(body) > 0 {
		prepared, err := s.prepareBody(body)
		if err != nil {
			slog.Error("[B2B] Body rewrite failed", "leg_id", s.id, "method", ev.Method, "error", err)
			s.postReplyToPeer(ev.SourceID, ev.OrigCSeq, ev.Method, 500, "Server Internal Error", nil, false)
			return
		}
		body = prepared
	}

	mf := sip.MaxForwardsHeader(ev.MaxForwards)
	hdrs := append([]sip.Header{}, ev.Headers...)
	hdrs = append(hdrs, &mf)

	outCSeq, err := s.dlg.SendRequest(ctx, ev.Method, body, hdrs)
	if err != nil {
		slog.Error("[B2B] Relay send failed", "leg_id", s.id, "method", ev.Method, "error", err)
		s.postReplyToPeer(ev.SourceID, ev.OrigCSeq, ev.Method, 500, "Server Internal Error", nil, false)
		return
	}

	s.relayedReq[outCSeq] = relayedEntry{peerID: ev.SourceID, origCSeq: ev.OrigCSeq, method: ev.Method}
	switch ev.Method {
	case sip.INVITE, sip.UPDATE:
		s.invitePending = true
	case sip.REFER:
		s.referIn[outCSeq] = ev.OrigCSeq
	}
	metrics.RelayedRequests.WithLabelValues(string(ev.Method)).Inc()
}

// relayResponse matches a response on our dialog against the relayed
// transactions and forwards it to the owning peer leg. Returns false if
// the response belongs to a request the leg sent for itself.
func (s *Session) relayResponse(cseq uint32, res *sip.Response) (relayedEntry, bool) {
	entry, ok := s.relayedReq[cseq]
	if !ok {
		return relayedEntry{}, false
	}

	final := res.StatusCode >= 200
	if final {
		delete(s.relayedReq, cseq)
		if entry.method == sip.INVITE || entry.method == sip.UPDATE {
			s.invitePending = false
			if s.onChannelFree != nil {
				defer s.onChannelFree()
			}
		}
	}

	var toTag string
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			toTag = tag
		}
	}

	ev := ReplyRelay{
		SourceID: s.id,
		OrigCSeq: entry.origCSeq,
		Method:   entry.method,
		Code:     sip.StatusCode(res.StatusCode),
		Reason:   res.Reason,
		Body:     res.Body(),
		ToTag:    toTag,
		Response: res,
	}
	if err := s.dir.PostEvent(entry.peerID, ev); err != nil {
		slog.Debug("[B2B] Reply relay dropped", "leg_id", s.id, "peer", entry.peerID, "error", err)
	}
	metrics.RelayedReplies.WithLabelValues(statusClass(int(res.StatusCode))).Inc()
	return entry, true
}

// relayTimeout closes a relayed transaction that never saw a final
// response, answering the peer with 408 so its party's transaction ends.
func (s *Session) relayTimeout(cseq uint32) (relayedEntry, bool) {
	entry, ok := s.relayedReq[cseq]
	if !ok {
		return relayedEntry{}, false
	}
	delete(s.relayedReq, cseq)
	if entry.method == sip.INVITE || entry.method == sip.UPDATE {
		s.invitePending = false
		if s.onChannelFree != nil {
			defer s.onChannelFree()
		}
	}
	s.postReplyToPeer(entry.peerID, entry.origCSeq, entry.method, 408, "Request Timeout", nil, false)
	return entry, true
}

// replyToOriginal answers a stored transaction from our own party. SDP
// bodies are rewritten and versioned on the way out; the entry is
// dropped once a final response went out.
func (s *Session) replyToOriginal(origCSeq uint32, code sip.StatusCode, reason string, body []byte, hdrs ...sip.Header) error {
	inc, ok := s.recvdReq[origCSeq]
	if !ok {
		return fmt.Errorf("reply cseq %d: no pending transaction", origCSeq)
	}

	if len(body) > 0 {
		prepared, err := s.prepareBody(body)
		if err != nil {
			return err
		}
		body = prepared
	}

	if err := s.dlg.Reply(inc, code, reason, body, hdrs...); err != nil {
		return err
	}
	if code >= 200 {
		delete(s.recvdReq, origCSeq)
	}
	return nil
}

// sendOwn sends a request this leg originates itself (hold offers,
// session refreshes, BYE) on its own dialog.
func (s *Session) sendOwn(ctx context.Context, method sip.RequestMethod, body []byte, hdrs []sip.Header) (uint32, error) {
	if len(body) > 0 {
		prepared, err := s.prepareBody(body)
		if err != nil {
			return 0, err
		}
		body = prepared
	}
	cseq, err := s.dlg.SendRequest(ctx, method, body, hdrs)
	if err != nil {
		return 0, err
	}
	if method == sip.INVITE || method == sip.UPDATE {
		s.invitePending = true
	}
	return cseq, nil
}

// ownResponseFinal must be called for finals to requests sent via
// sendOwn, freeing the offer/answer channel.
func (s *Session) ownResponseFinal(method sip.RequestMethod) {
	if method == sip.INVITE || method == sip.UPDATE {
		s.invitePending = false
		if s.onChannelFree != nil {
			s.onChannelFree()
		}
	}
}

// refresh re-validates the session with the current body, preferring
// UPDATE when the peer advertised it and falling back to re-INVITE.
func (s *Session) refresh(ctx context.Context) (uint32, sip.RequestMethod, error) {
	if len(s.lastSentBody) == 0 {
		return 0, "", ErrNotConnected
	}
	method := sip.INVITE
	if s.dlg.PeerAllows(sip.UPDATE) {
		method = sip.UPDATE
	}
	// The refresh body is resent as-is: same hash, so the origin version
	// stays put.
	cseq, err := s.sendOwn(ctx, method, s.lastSentBody, nil)
	return cseq, method, err
}

// prepareBody rewrites an SDP body for sending towards our own party:
// the media hook replaces connection addresses, and the origin line gets
// this leg's stable sess-id with a version that bumps only when the body
// really changed. Non-SDP bodies pass through verbatim.
func (s *Session) prepareBody(body []byte) ([]byte, error) {
	sd, err := sdpx.Parse(body)
	if err != nil {
		return body, nil
	}

	if s.onLocalSDP != nil {
		if err := s.onLocalSDP(sd); err != nil {
			return nil, fmt.Errorf("local sdp hook: %w", err)
		}
	}

	out, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp: %w", err)
	}
	hash := sdpx.BodyHash(out)

	if !s.sdpInit {
		s.sdpInit = true
		s.sdpSessID = sd.Origin.SessionID
		s.sdpSessVer = sd.Origin.SessionVersion
		if s.sdpSessID == 0 {
			s.sdpSessID = uint64(time.Now().Unix())
			s.sdpSessVer = s.sdpSessID
		}
	} else if hash != s.lastSentHash {
		s.sdpSessVer++
	}
	sd.Origin.SessionID = s.sdpSessID
	sd.Origin.SessionVersion = s.sdpSessVer

	out, err = sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp: %w", err)
	}
	s.lastSentHash = hash
	s.lastSentBody = out
	return out, nil
}

// noteRemoteBody records the body received from our own party and
// reports whether it differs from the previous one, ignoring the version
// and origin lines.
func (s *Session) noteRemoteBody(body []byte) bool {
	hash := sdpx.BodyHash(body)
	if s.haveRemoteHash && hash == s.lastRemoteHash {
		return false
	}
	s.haveRemoteHash = true
	s.lastRemoteHash = hash
	return true
}

// remapReferEvent translates the id parameter of a NOTIFY Event header
// from our outgoing REFER CSeq back to the peer's original CSeq. Headers
// without a mapped refer id pass through untouched.
func (s *Session) remapReferEvent(hdrs []sip.Header) []sip.Header {
	out := make([]sip.Header, 0, len(hdrs))
	for _, h := range hdrs {
		if !strings.EqualFold(h.Name(), "Event") {
			out = append(out, h)
			continue
		}
		value := h.Value()
		rewritten, ok := rewriteReferID(value, s.referIn)
		if ok {
			out = append(out, sip.NewHeader("Event", rewritten))
		} else {
			out = append(out, h)
		}
	}
	return out
}

// rewriteReferID rewrites "refer;id=N" using the given mapping.
func rewriteReferID(value string, mapping map[uint32]uint32) (string, bool) {
	parts := strings.Split(value, ";")
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "refer") {
		return "", false
	}
	for i, p := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 || !strings.EqualFold(kv[0], "id") {
			continue
		}
		id, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			return "", false
		}
		mapped, ok := mapping[uint32(id)]
		if !ok {
			return "", false
		}
		parts[i+1] = "id=" + strconv.FormatUint(uint64(mapped), 10)
		return strings.Join(parts, ";"), true
	}
	return "", false
}

// postReplyToPeer sends a synthesized response for a peer transaction.
func (s *Session) postReplyToPeer(peerID string, origCSeq uint32, method sip.RequestMethod, code sip.StatusCode, reason string, body []byte, useLastBody bool) {
	ev := ReplyRelay{
		SourceID:    s.id,
		OrigCSeq:    origCSeq,
		Method:      method,
		Code:        code,
		Reason:      reason,
		Body:        body,
		UseLastBody: useLastBody,
	}
	if err := s.dir.PostEvent(peerID, ev); err != nil {
		slog.Debug("[B2B] Synthesized reply dropped", "leg_id", s.id, "peer", peerID, "error", err)
	}
}

// lastEstablishedBody returns the last SDP sent to our own party.
func (s *Session) lastEstablishedBody() []byte {
	return s.lastSentBody
}

func statusClass(code int) string {
	if code < 100 || code >= 700 {
		return "invalid"
	}
	return strconv.Itoa(code/100) + "xx"
}
