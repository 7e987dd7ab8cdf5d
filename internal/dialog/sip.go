package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Direction indicates whether we initiated or received the dialog.
type Direction int

const (
	// DirectionInbound - we received the INVITE (UAS role).
	DirectionInbound Direction = iota
	// DirectionOutbound - we sent the INVITE (UAC role).
	DirectionOutbound
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// SIPDialog is the sipgo-backed Dialog implementation. It owns the dialog
// identifiers per RFC 3261 Section 12 and builds in-dialog requests from
// the stored INVITE/response pair.
type SIPDialog struct {
	mu sync.RWMutex

	callID    string
	localTag  string
	remoteTag string
	direction Direction

	inviteReq  *sip.Request
	inviteResp *sip.Response

	// remoteContactURI is used as Request-URI for in-dialog requests.
	remoteContactURI string
	localContact     sip.Uri

	// allowed methods advertised by the peer (Allow header), lowercased.
	allowed map[string]bool

	localCSeq atomic.Uint32

	// target is set for dialer dialogs whose INVITE is built on first send.
	target      *sip.Uri
	fromURI     sip.Uri
	fromDisplay string

	inviteTx sip.ClientTransaction

	client *sipgo.Client
	onResp ResponseFunc
}

// NewInbound creates a dialog from a received INVITE (UAS role).
func NewInbound(req *sip.Request, localContact sip.Uri, client *sipgo.Client) *SIPDialog {
	d := &SIPDialog{
		direction:    DirectionInbound,
		inviteReq:    req,
		localContact: localContact,
		client:       client,
		allowed:      parseAllow(req.GetHeaders("Allow")),
	}
	if callID := req.CallID(); callID != nil {
		d.callID = callID.Value()
	}
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if contact := req.Contact(); contact != nil {
		d.remoteContactURI = contact.Address.String()
	}
	if cseq := req.CSeq(); cseq != nil {
		d.localCSeq.Store(cseq.SeqNo)
	}
	return d
}

// NewOutbound creates a dialog from a sent INVITE and its 2xx response
// (UAC role).
func NewOutbound(invite *sip.Request, resp *sip.Response, localContact sip.Uri, client *sipgo.Client) *SIPDialog {
	d := &SIPDialog{
		direction:    DirectionOutbound,
		inviteReq:    invite,
		inviteResp:   resp,
		localContact: localContact,
		client:       client,
		allowed:      parseAllow(resp.GetHeaders("Allow")),
	}
	if callID := invite.CallID(); callID != nil {
		d.callID = callID.Value()
	}
	if from := invite.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			d.localTag = tag
		}
	}
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if contact := resp.Contact(); contact != nil {
		d.remoteContactURI = contact.Address.String()
	}
	var initial uint32 = 1
	if cseq := invite.CSeq(); cseq != nil {
		initial = cseq.SeqNo
	}
	d.localCSeq.Store(initial)
	return d
}

// NewDialer creates an unestablished outbound dialog towards target. The
// initial INVITE is built and sent on the first SendRequest(INVITE); the
// dialog identifiers complete once the remote party answers.
func NewDialer(target sip.Uri, from sip.Uri, fromDisplay string, localContact sip.Uri, client *sipgo.Client) *SIPDialog {
	return &SIPDialog{
		direction:    DirectionOutbound,
		callID:       uuid.New().String(),
		localTag:     uuid.New().String()[:8],
		target:       &target,
		fromURI:      from,
		fromDisplay:  fromDisplay,
		localContact: localContact,
		client:       client,
		allowed:      make(map[string]bool),
	}
}

// buildInitialInvite constructs the dialog-establishing INVITE per RFC
// 3261 Section 8.1.1.
func (d *SIPDialog) buildInitialInvite(body []byte, hdrs []sip.Header) (*sip.Request, uint32) {
	d.mu.RLock()
	target := *d.target
	callID := d.callID
	localTag := d.localTag
	fromURI := d.fromURI
	fromDisplay := d.fromDisplay
	contact := d.localContact
	d.mu.RUnlock()

	req := sip.NewRequest(sip.INVITE, target)

	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: fromDisplay,
		Address:     fromURI,
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)

	cseq := d.localCSeq.Add(1)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.INVITE})

	if !hasHeader(hdrs, "Max-Forwards") {
		maxFwd := sip.MaxForwardsHeader(70)
		req.AppendHeader(&maxFwd)
	}
	req.AppendHeader(&sip.ContactHeader{Address: contact})

	for _, h := range hdrs {
		req.AppendHeader(h)
	}
	if len(body) > 0 {
		req.SetBody(body)
		if !hasHeader(hdrs, "Content-Type") {
			req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		}
	}
	return req, cseq
}

// adoptResponse completes the dialog state from a response to the
// initial INVITE.
func (d *SIPDialog) adoptResponse(res *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			d.remoteTag = tag
		}
	}
	if contact := res.Contact(); contact != nil {
		d.remoteContactURI = contact.Address.String()
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		d.inviteResp = res
		for m := range parseAllow(res.GetHeaders("Allow")) {
			d.allowed[m] = true
		}
	}
}

// SetInviteResponse stores the final response we sent for an inbound
// dialog, completing the local tag.
func (d *SIPDialog) SetInviteResponse(resp *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inviteResp = resp
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.localTag = tag
		}
	}
}

// ID returns the dialog's Call-ID.
func (d *SIPDialog) ID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.callID
}

// OnResponse registers the response callback.
func (d *SIPDialog) OnResponse(fn ResponseFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onResp = fn
}

// PeerAllows reports whether the peer advertised the method in Allow.
// An absent Allow header counts as not advertised.
func (d *SIPDialog) PeerAllows(method sip.RequestMethod) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.allowed[strings.ToLower(string(method))]
}

// SendRequest builds and sends an in-dialog request, pumping its responses
// to the registered callback from a separate goroutine.
func (d *SIPDialog) SendRequest(ctx context.Context, method sip.RequestMethod, body []byte, hdrs []sip.Header) (uint32, error) {
	var req *sip.Request
	var cseq uint32
	var err error

	d.mu.RLock()
	initial := d.target != nil && d.inviteReq == nil && method == sip.INVITE
	d.mu.RUnlock()

	if initial {
		req, cseq = d.buildInitialInvite(body, hdrs)
		d.mu.Lock()
		d.inviteReq = req
		d.mu.Unlock()
	} else {
		req, cseq, err = d.buildRequest(method, body, hdrs)
		if err != nil {
			return 0, err
		}
	}

	tx, err := d.client.TransactionRequest(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("send %s: %w", method, err)
	}

	if method == sip.INVITE {
		d.mu.Lock()
		d.inviteTx = tx
		d.mu.Unlock()
	}

	go d.pumpResponses(req, tx, cseq)
	return cseq, nil
}

// Cancel aborts the pending INVITE transaction, if any. The CANCEL
// mirrors the INVITE's top Via and CSeq per RFC 3261 Section 9.1 and is
// written directly to the transport; the 487 arrives on the INVITE
// transaction.
func (d *SIPDialog) Cancel(ctx context.Context) error {
	d.mu.RLock()
	tx := d.inviteTx
	invite := d.inviteReq
	d.mu.RUnlock()
	if tx == nil || invite == nil {
		return nil
	}
	if err := d.client.WriteRequest(newCancelFromInvite(invite)); err != nil {
		return fmt.Errorf("cancel invite: %w", err)
	}
	return nil
}

// newCancelFromInvite builds the CANCEL for an in-flight INVITE: same
// Request-URI, route set and dialog identifiers, the INVITE's top Via
// and its CSeq number with the method swapped.
func newCancelFromInvite(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	if via := invite.Via(); via != nil {
		cancel.AppendHeader(sip.HeaderClone(via))
	}
	sip.CopyHeaders("Route", invite, cancel)
	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancel.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)
	cancel.SetTransport(invite.Transport())
	cancel.SetSource(invite.Source())
	cancel.SetDestination(invite.Destination())
	return cancel
}

// Reinvite sends a re-INVITE carrying the given SDP body.
func (d *SIPDialog) Reinvite(ctx context.Context, body []byte, hdrs []sip.Header) (uint32, error) {
	return d.SendRequest(ctx, sip.INVITE, body, hdrs)
}

// Bye terminates the dialog.
func (d *SIPDialog) Bye(ctx context.Context) error {
	_, err := d.SendRequest(ctx, sip.BYE, nil, nil)
	return err
}

// Reply answers a received request through its server transaction.
func (d *SIPDialog) Reply(inc IncomingRequest, code sip.StatusCode, reason string, body []byte, hdrs ...sip.Header) error {
	if inc.Tx == nil || inc.Req == nil {
		return fmt.Errorf("reply: no transaction")
	}
	res := sip.NewResponseFromRequest(inc.Req, code, reason, body)
	for _, h := range hdrs {
		res.AppendHeader(h)
	}
	if len(body) > 0 && !hasHeader(hdrs, "Content-Type") {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if err := inc.Tx.Respond(res); err != nil {
		return fmt.Errorf("reply %d %s: %w", code, reason, err)
	}
	if code >= 200 && inc.Req.Method == sip.INVITE {
		d.SetInviteResponse(res)
	}
	return nil
}

// pumpResponses forwards transaction responses to the dialog owner and
// ACKs INVITE finals per RFC 3261. A transaction that dies without a
// final response is reported with a nil response.
func (d *SIPDialog) pumpResponses(req *sip.Request, tx sip.ClientTransaction, cseq uint32) {
	defer tx.Terminate()
	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				d.mu.RLock()
				fn := d.onResp
				d.mu.RUnlock()
				if fn != nil {
					fn(cseq, nil)
				}
				return
			}
			if req.Method == sip.INVITE {
				d.adoptResponse(res)
				if res.StatusCode >= 200 {
					d.mu.Lock()
					if d.inviteTx == tx {
						d.inviteTx = nil
					}
					d.mu.Unlock()
					if res.StatusCode < 300 {
						ack := sip.NewAckRequest(req, res, nil)
						if err := d.client.WriteRequest(ack); err != nil {
							slog.Warn("[Dialog] ACK send failed", "call_id", d.ID(), "error", err)
						}
					}
				}
			}
			d.mu.RLock()
			fn := d.onResp
			d.mu.RUnlock()
			if fn != nil {
				fn(cseq, res)
			}
			if res.StatusCode >= 200 {
				return
			}
		case <-tx.Done():
			d.mu.RLock()
			fn := d.onResp
			d.mu.RUnlock()
			if fn != nil {
				fn(cseq, nil)
			}
			return
		}
	}
}

// buildRequest constructs an in-dialog request with the dialog's route
// set, identifiers and the next CSeq.
func (d *SIPDialog) buildRequest(method sip.RequestMethod, body []byte, hdrs []sip.Header) (*sip.Request, uint32, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.inviteReq == nil {
		return nil, 0, fmt.Errorf("build %s: missing INVITE request", method)
	}

	recipient, err := d.recipientLocked()
	if err != nil {
		return nil, 0, err
	}

	req := sip.NewRequest(method, recipient)

	if len(d.inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", d.inviteReq, req)
	}

	d.appendIdentityLocked(req)

	if callID := d.inviteReq.CallID(); callID != nil {
		req.AppendHeader(callID)
	}

	cseq := d.localCSeq.Add(1)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})

	if !hasHeader(hdrs, "Max-Forwards") {
		maxFwd := sip.MaxForwardsHeader(70)
		req.AppendHeader(&maxFwd)
	}
	req.AppendHeader(&sip.ContactHeader{Address: d.localContact})

	for _, h := range hdrs {
		req.AppendHeader(h)
	}
	if len(body) > 0 {
		req.SetBody(body)
		if !hasHeader(hdrs, "Content-Type") {
			req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		}
	}
	return req, cseq, nil
}

// recipientLocked resolves the Request-URI for in-dialog requests.
func (d *SIPDialog) recipientLocked() (sip.Uri, error) {
	var recipient sip.Uri
	if d.direction == DirectionOutbound {
		if d.remoteContactURI != "" {
			if err := sip.ParseUri(d.remoteContactURI, &recipient); err != nil {
				return recipient, fmt.Errorf("parse remote contact: %w", err)
			}
			return recipient, nil
		}
		if d.inviteResp != nil && d.inviteResp.Contact() != nil {
			return d.inviteResp.Contact().Address, nil
		}
		if to := d.inviteReq.To(); to != nil {
			return to.Address, nil
		}
		return recipient, fmt.Errorf("no recipient for outbound dialog")
	}

	if contact := d.inviteReq.Contact(); contact != nil {
		recipient = contact.Address
		recipient.UriParams = sip.NewParams()
		return recipient, nil
	}
	return d.inviteReq.From().Address, nil
}

// appendIdentityLocked adds From/To with the dialog tags, swapped for the
// UAS role.
func (d *SIPDialog) appendIdentityLocked(req *sip.Request) {
	if d.direction == DirectionOutbound {
		if from := d.inviteReq.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := d.inviteReq.To(); to != nil {
			toHdr := &sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			if d.remoteTag != "" {
				toHdr.Params.Add("tag", d.remoteTag)
			}
			req.AppendHeader(toHdr)
		}
		return
	}

	// Inbound (UAS): our identity is the To of our response, theirs is the
	// From of their INVITE.
	if d.inviteResp != nil {
		if to := d.inviteResp.To(); to != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
	}
	if from := d.inviteReq.From(); from != nil {
		req.AppendHeader(&sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params.Clone(),
		})
	}
}

// hasHeader reports whether the custom header list carries the name.
func hasHeader(hdrs []sip.Header, name string) bool {
	for _, h := range hdrs {
		if strings.EqualFold(h.Name(), name) {
			return true
		}
	}
	return false
}

// parseAllow flattens Allow headers into a lookup set.
func parseAllow(headers []sip.Header) map[string]bool {
	out := make(map[string]bool)
	for _, h := range headers {
		for _, m := range strings.Split(h.Value(), ",") {
			m = strings.ToLower(strings.TrimSpace(m))
			if m != "" {
				out[m] = true
			}
		}
	}
	return out
}

var _ Dialog = (*SIPDialog)(nil)
