package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func testInvite(cseq uint32) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "callee.test"})
	fromParams := sip.NewParams()
	fromParams.Add("tag", "remote-tag")
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     sip.Uri{Scheme: "sip", User: "alice", Host: "caller.test"},
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "callee.test"},
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader("inbound-call-1")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.1", Port: 5060},
	})
	req.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, UPDATE"))
	return req
}

func localContact() sip.Uri {
	return sip.Uri{Scheme: "sip", User: "tandem", Host: "10.0.0.2", Port: 5060}
}

func TestNewInboundExtractsDialogState(t *testing.T) {
	d := NewInbound(testInvite(10), localContact(), nil)

	if got := d.ID(); got != "inbound-call-1" {
		t.Errorf("ID() = %q, want the Call-ID", got)
	}
	if !d.PeerAllows(sip.UPDATE) {
		t.Error("UPDATE advertised in Allow but not reported")
	}
	if d.PeerAllows(sip.REFER) {
		t.Error("REFER not advertised but reported allowed")
	}
}

func TestPeerAllowsWithoutAllowHeader(t *testing.T) {
	req := testInvite(1)
	req.RemoveHeader("Allow")
	d := NewInbound(req, localContact(), nil)

	if d.PeerAllows(sip.UPDATE) {
		t.Error("absent Allow header must count as not advertised")
	}
}

func TestBuildRequestSwapsIdentityForUAS(t *testing.T) {
	invite := testInvite(10)
	d := NewInbound(invite, localContact(), nil)

	res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	res.To().Params.Add("tag", "local-tag")
	d.SetInviteResponse(res)

	req, cseq, err := d.buildRequest(sip.BYE, nil, nil)
	if err != nil {
		t.Fatalf("buildRequest() error = %v", err)
	}
	if cseq != 11 {
		t.Errorf("CSeq = %d, want 11", cseq)
	}

	from := req.From()
	if from == nil {
		t.Fatal("missing From header")
	}
	if tag, _ := from.Params.Get("tag"); tag != "local-tag" {
		t.Errorf("From tag = %q, want our local tag", tag)
	}
	to := req.To()
	if to == nil {
		t.Fatal("missing To header")
	}
	if tag, _ := to.Params.Get("tag"); tag != "remote-tag" {
		t.Errorf("To tag = %q, want the party's tag", tag)
	}

	// in-dialog requests go to the party's Contact
	if req.Recipient.Host != "10.0.0.1" {
		t.Errorf("Request-URI host = %q, want the remote contact", req.Recipient.Host)
	}
	if cs := req.CSeq(); cs == nil || cs.MethodName != sip.BYE {
		t.Error("CSeq method mismatch")
	}
}

func TestBuildRequestCSeqMonotonic(t *testing.T) {
	d := NewInbound(testInvite(5), localContact(), nil)

	_, first, err := d.buildRequest(sip.INFO, nil, nil)
	if err != nil {
		t.Fatalf("buildRequest() error = %v", err)
	}
	_, second, err := d.buildRequest(sip.INFO, nil, nil)
	if err != nil {
		t.Fatalf("buildRequest() error = %v", err)
	}
	if second != first+1 {
		t.Errorf("CSeq sequence = %d, %d; want consecutive", first, second)
	}
}

func TestBuildRequestHonorsCallerHeaders(t *testing.T) {
	d := NewInbound(testInvite(1), localContact(), nil)

	mf := sip.MaxForwardsHeader(42)
	req, _, err := d.buildRequest(sip.INFO, []byte("x"), []sip.Header{&mf, sip.NewHeader("Content-Type", "message/sipfrag")})
	if err != nil {
		t.Fatalf("buildRequest() error = %v", err)
	}

	mfs := req.GetHeaders("Max-Forwards")
	if len(mfs) != 1 {
		t.Fatalf("Max-Forwards count = %d, want 1 (no duplicates)", len(mfs))
	}
	if mfs[0].Value() != "42" {
		t.Errorf("Max-Forwards = %q, want the caller's 42", mfs[0].Value())
	}
	cts := req.GetHeaders("Content-Type")
	if len(cts) != 1 {
		t.Fatalf("Content-Type count = %d, want 1", len(cts))
	}
	if cts[0].Value() != "message/sipfrag" {
		t.Errorf("Content-Type = %q, want the caller's", cts[0].Value())
	}
}

func TestNewDialerBuildsInitialInvite(t *testing.T) {
	target := sip.Uri{Scheme: "sip", User: "bob", Host: "callee.test", Port: 5060}
	from := sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.2"}
	d := NewDialer(target, from, "Alice", localContact(), nil)

	if d.ID() == "" {
		t.Fatal("dialer must have a Call-ID before the INVITE is sent")
	}

	req, cseq := d.buildInitialInvite([]byte("v=0\r\n"), nil)
	if cseq == 0 {
		t.Error("CSeq must start above zero")
	}
	if req.Method != sip.INVITE {
		t.Errorf("method = %v, want INVITE", req.Method)
	}
	if req.Recipient.String() != target.String() {
		t.Errorf("Request-URI = %v, want the target", req.Recipient)
	}
	fromHdr := req.From()
	if fromHdr == nil {
		t.Fatal("missing From header")
	}
	if tag, _ := fromHdr.Params.Get("tag"); tag == "" {
		t.Error("initial INVITE must carry a From tag")
	}
	toHdr := req.To()
	if toHdr == nil {
		t.Fatal("missing To header")
	}
	if tag, ok := toHdr.Params.Get("tag"); ok && tag != "" {
		t.Error("initial INVITE must not carry a To tag")
	}
	if req.CallID() == nil || req.CallID().Value() != d.ID() {
		t.Error("Call-ID mismatch between request and dialog")
	}
	if len(req.GetHeaders("Content-Type")) != 1 {
		t.Error("SDP body without Content-Type")
	}
}

func TestNewCancelMirrorsInvite(t *testing.T) {
	invite := testInvite(9)
	viaParams := sip.NewParams()
	viaParams.Add("branch", "z9hG4bK-test-branch")
	invite.PrependHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.2",
		Port:            5060,
		Params:          viaParams,
	})

	cancel := newCancelFromInvite(invite)

	if cancel.Method != sip.CANCEL {
		t.Fatalf("method = %v, want CANCEL", cancel.Method)
	}
	if cancel.Recipient.String() != invite.Recipient.String() {
		t.Errorf("Request-URI = %v, want the INVITE's %v", cancel.Recipient, invite.Recipient)
	}

	via := cancel.Via()
	if via == nil {
		t.Fatal("missing Via header")
	}
	if branch, _ := via.Params.Get("branch"); branch != "z9hG4bK-test-branch" {
		t.Errorf("Via branch = %q, want the INVITE's branch", branch)
	}

	cseq := cancel.CSeq()
	if cseq == nil {
		t.Fatal("missing CSeq header")
	}
	if cseq.SeqNo != 9 || cseq.MethodName != sip.CANCEL {
		t.Errorf("CSeq = %d %s, want 9 CANCEL", cseq.SeqNo, cseq.MethodName)
	}
	if cancel.CallID() == nil || cancel.CallID().Value() != invite.CallID().Value() {
		t.Error("Call-ID mismatch")
	}

	// the INVITE's own CSeq must stay untouched
	if invite.CSeq().MethodName != sip.INVITE {
		t.Error("building the CANCEL mutated the INVITE's CSeq")
	}
}

func TestIncomingRequestAccessors(t *testing.T) {
	inc := IncomingRequest{Req: testInvite(7)}
	if got := inc.CSeq(); got != 7 {
		t.Errorf("CSeq() = %d, want 7", got)
	}
	if got := inc.Method(); got != sip.INVITE {
		t.Errorf("Method() = %v, want INVITE", got)
	}

	var empty IncomingRequest
	if got := empty.CSeq(); got != 0 {
		t.Errorf("CSeq() on empty request = %d, want 0", got)
	}
}
