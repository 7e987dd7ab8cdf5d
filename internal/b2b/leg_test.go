package b2b

import (
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/tandem/internal/dialog"
)

const (
	waitTimeout = 2 * time.Second
	waitTick    = 5 * time.Millisecond
)

type bridge struct {
	dir  *Directory
	aDlg *fakeDialog
	bDlg *fakeDialog
	a    *CallLeg
	b    *CallLeg
}

func newBridge(t *testing.T, opts ...LegOption) *bridge {
	t.Helper()
	dir := NewDirectory()
	aDlg := newFakeDialog("call-a")
	bDlg := newFakeDialog("call-b")
	a := NewCallLeg(aDlg, dir, true, opts...)
	b := NewCallLeg(bDlg, dir, false, opts...)
	a.Start()
	b.Start()
	t.Cleanup(func() {
		_ = a.Shutdown()
		_ = b.Shutdown()
	})
	return &bridge{dir: dir, aDlg: aDlg, bDlg: bDlg, a: a, b: b}
}

// dial adopts the initial INVITE on A and forks towards B.
func (br *bridge) dial(t *testing.T) {
	t.Helper()
	invite := makeRequest(sip.INVITE, 1, testSDP("10.0.0.1", "4000", ""))
	require.NoError(t, br.a.AdoptInvite(dialog.IncomingRequest{Req: invite}))
	require.NoError(t, br.a.ConnectCallee([]Candidate{{ID: br.b.ID()}}, nil, nil))
	require.Eventually(t, func() bool {
		return len(br.bDlg.sentRequests()) == 1
	}, waitTimeout, waitTick, "B never dialed its party")
}

// answer completes the call with a 200 from B's party.
func (br *bridge) answer(t *testing.T) {
	t.Helper()
	sent := br.bDlg.sentRequests()
	require.NotEmpty(t, sent)
	br.bDlg.respond(makeResponse(sip.INVITE, sent[0].cseq, 200, "OK",
		testSDP("10.0.0.2", "5000", ""), "b-tag"))
	require.Eventually(t, func() bool {
		return br.a.Status() == StatusConnected && br.b.Status() == StatusConnected
	}, waitTimeout, waitTick, "legs never connected")
}

func replyWithCode(replies []fakeReply, code sip.StatusCode) (fakeReply, bool) {
	for _, r := range replies {
		if r.code == code {
			return r, true
		}
	}
	return fakeReply{}, false
}

func TestBasicBridge(t *testing.T) {
	br := newBridge(t)
	br.dial(t)

	// the adopted INVITE is answered 100 immediately
	if _, ok := replyWithCode(br.aDlg.sentReplies(), 100); !ok {
		t.Error("initial INVITE was not answered 100 Trying")
	}
	assert.Equal(t, StatusNoReply, br.a.Status())

	sent := br.bDlg.sentRequests()
	require.Equal(t, sip.INVITE, sent[0].method)
	assert.Contains(t, string(sent[0].body), "m=audio", "offer not relayed")

	// ringing binds the candidate
	br.bDlg.respond(makeResponse(sip.INVITE, sent[0].cseq, 180, "Ringing", nil, "b-tag"))
	require.Eventually(t, func() bool {
		_, ok := replyWithCode(br.aDlg.sentReplies(), 180)
		return ok
	}, waitTimeout, waitTick)
	assert.Equal(t, StatusRinging, br.a.Status())
	assert.Equal(t, br.b.ID(), br.a.PeerID())

	br.answer(t)
	r200, ok := replyWithCode(br.aDlg.sentReplies(), 200)
	require.True(t, ok, "answer not relayed to the caller")
	assert.Contains(t, string(r200.body), "10.0.0.2", "answer body lost")
	assert.Equal(t, br.a.ID(), br.b.PeerID())
}

func TestPeerBindingWaitsForResponse(t *testing.T) {
	br := newBridge(t)
	br.dial(t)

	// a bound peer implies Ringing or later; before any response the
	// dialing source is only a candidate
	assert.Empty(t, br.b.PeerID(), "callee bound a peer before any response")
	assert.Equal(t, []string{br.a.ID()}, br.b.CandidateIDs())

	sent := br.bDlg.sentRequests()
	br.bDlg.respond(makeResponse(sip.INVITE, sent[0].cseq, 180, "Ringing", nil, "b-tag"))
	require.Eventually(t, func() bool {
		return br.b.PeerID() == br.a.ID()
	}, waitTimeout, waitTick, "callee never bound on the provisional")
	assert.True(t, br.b.Status().Bound())
}

func TestByeTearsDownBothLegs(t *testing.T) {
	br := newBridge(t)
	br.dial(t)
	br.answer(t)

	require.NoError(t, br.a.HandleRequest(dialog.IncomingRequest{Req: makeRequest(sip.BYE, 2, nil)}))

	require.Eventually(t, func() bool {
		return br.a.Status() == StatusDisconnected && br.b.Status() == StatusDisconnected
	}, waitTimeout, waitTick)

	if _, ok := replyWithCode(br.aDlg.sentReplies(), 200); !ok {
		t.Error("BYE was not answered 200")
	}
	assert.Equal(t, 0, br.aDlg.byeCount(), "the party that sent BYE must not receive one")
	assert.Equal(t, 1, br.bDlg.byeCount(), "peer dialog not closed with BYE")
	assert.Equal(t, CauseRemoteBye, br.a.Cause())
	assert.Equal(t, CausePeerDisconnect, br.b.Cause())
}

func TestCancelBeforeAnswer(t *testing.T) {
	br := newBridge(t)
	br.dial(t)

	require.NoError(t, br.a.HandleRequest(dialog.IncomingRequest{Req: makeRequest(sip.CANCEL, 1, nil)}))

	require.Eventually(t, func() bool {
		return br.a.Status() == StatusDisconnected && br.b.Status() == StatusDisconnected
	}, waitTimeout, waitTick)

	if _, ok := replyWithCode(br.aDlg.sentReplies(), 487); !ok {
		t.Error("pending INVITE was not answered 487")
	}
	assert.Equal(t, 1, br.bDlg.cancelCount(), "unanswered outbound INVITE not canceled")
	assert.Equal(t, 0, br.bDlg.byeCount())
	assert.Equal(t, CauseCancel, br.a.Cause())
}

func TestForkFirstSuccessWins(t *testing.T) {
	dir := NewDirectory()
	aDlg := newFakeDialog("call-a")
	b1Dlg := newFakeDialog("call-b1")
	b2Dlg := newFakeDialog("call-b2")
	a := NewCallLeg(aDlg, dir, true)
	b1 := NewCallLeg(b1Dlg, dir, false)
	b2 := NewCallLeg(b2Dlg, dir, false)
	a.Start()
	b1.Start()
	b2.Start()
	t.Cleanup(func() {
		_ = a.Shutdown()
		_ = b1.Shutdown()
		_ = b2.Shutdown()
	})

	invite := makeRequest(sip.INVITE, 1, testSDP("10.0.0.1", "4000", ""))
	require.NoError(t, a.AdoptInvite(dialog.IncomingRequest{Req: invite}))
	require.NoError(t, a.ConnectCallee([]Candidate{{ID: b1.ID()}, {ID: b2.ID()}}, nil, nil))

	require.Eventually(t, func() bool {
		return len(b1Dlg.sentRequests()) == 1 && len(b2Dlg.sentRequests()) == 1
	}, waitTimeout, waitTick, "fork did not dial both candidates")

	// the second candidate answers first and wins
	sent := b2Dlg.sentRequests()
	b2Dlg.respond(makeResponse(sip.INVITE, sent[0].cseq, 200, "OK",
		testSDP("10.0.0.3", "6000", ""), "b2-tag"))

	require.Eventually(t, func() bool {
		return a.Status() == StatusConnected && b1.Status() == StatusDisconnected
	}, waitTimeout, waitTick)

	assert.Equal(t, b2.ID(), a.PeerID())
	assert.Equal(t, []string{b2.ID()}, a.CandidateIDs())
	assert.Equal(t, 1, b1Dlg.cancelCount(), "losing candidate not canceled")
	assert.Equal(t, CausePeerDisconnect, b1.Cause())
}

func TestForkExhaustedRelaysLastFailure(t *testing.T) {
	dir := NewDirectory()
	aDlg := newFakeDialog("call-a")
	b1Dlg := newFakeDialog("call-b1")
	b2Dlg := newFakeDialog("call-b2")
	a := NewCallLeg(aDlg, dir, true)
	b1 := NewCallLeg(b1Dlg, dir, false)
	b2 := NewCallLeg(b2Dlg, dir, false)
	a.Start()
	b1.Start()
	b2.Start()
	t.Cleanup(func() {
		_ = a.Shutdown()
		_ = b1.Shutdown()
		_ = b2.Shutdown()
	})

	invite := makeRequest(sip.INVITE, 1, testSDP("10.0.0.1", "4000", ""))
	require.NoError(t, a.AdoptInvite(dialog.IncomingRequest{Req: invite}))
	require.NoError(t, a.ConnectCallee([]Candidate{{ID: b1.ID()}, {ID: b2.ID()}}, nil, nil))
	require.Eventually(t, func() bool {
		return len(b1Dlg.sentRequests()) == 1 && len(b2Dlg.sentRequests()) == 1
	}, waitTimeout, waitTick)

	b1Dlg.respond(makeResponse(sip.INVITE, b1Dlg.sentRequests()[0].cseq, 486, "Busy Here", nil, "b1-tag"))
	require.Eventually(t, func() bool {
		return len(a.CandidateIDs()) == 1
	}, waitTimeout, waitTick, "refused candidate not removed")
	assert.Equal(t, StatusNoReply, a.Status(), "one refusal must not end the call")

	b2Dlg.respond(makeResponse(sip.INVITE, b2Dlg.sentRequests()[0].cseq, 603, "Decline", nil, "b2-tag"))
	require.Eventually(t, func() bool {
		return a.Status() == StatusDisconnected
	}, waitTimeout, waitTick)

	if _, ok := replyWithCode(aDlg.sentReplies(), 603); !ok {
		t.Error("last failure was not relayed to the caller")
	}
	assert.Equal(t, CauseForkExhausted, a.Cause())
}

func TestInviteTimeoutEndsCall(t *testing.T) {
	br := newBridge(t)
	br.dial(t)

	sent := br.bDlg.sentRequests()
	br.bDlg.timeout(sent[0].cseq)

	require.Eventually(t, func() bool {
		return br.a.Status() == StatusDisconnected && br.b.Status() == StatusDisconnected
	}, waitTimeout, waitTick)

	if _, ok := replyWithCode(br.aDlg.sentReplies(), 408); !ok {
		t.Error("caller was not told about the timeout")
	}
}

func TestPartyHoldAnswerIsSymmetric(t *testing.T) {
	br := newBridge(t)
	br.dial(t)
	br.answer(t)

	// the caller's party requests hold with sendonly
	holdOffer := makeRequest(sip.INVITE, 2, testSDP("10.0.0.1", "4000", "sendonly"))
	require.NoError(t, br.a.HandleRequest(dialog.IncomingRequest{Req: holdOffer}))

	require.Eventually(t, func() bool {
		return len(br.bDlg.sentRequests()) == 2
	}, waitTimeout, waitTick, "hold offer not relayed")

	relayed := br.bDlg.sentRequests()[1]
	assert.Contains(t, string(relayed.body), "a=sendonly")

	// the callee answers with plain sendrecv; the relay must still answer
	// the hold symmetrically
	br.bDlg.respond(makeResponse(sip.INVITE, relayed.cseq, 200, "OK",
		testSDP("10.0.0.2", "5000", ""), "b-tag"))

	require.Eventually(t, func() bool {
		return br.a.PartyOnHold()
	}, waitTimeout, waitTick, "party hold not committed")

	replies := br.aDlg.sentReplies()
	last := replies[len(replies)-1]
	assert.Equal(t, sip.StatusCode(200), last.code)
	assert.Contains(t, string(last.body), "a=recvonly", "sendonly hold must be answered recvonly")
}

func TestRedundantReinviteAnsweredLocally(t *testing.T) {
	br := newBridge(t)
	br.dial(t)
	br.answer(t)

	before := len(br.bDlg.sentRequests())

	// same session, only the origin version churned
	body := strings.Replace(string(testSDP("10.0.0.1", "4000", "")),
		"o=party 1000 1000", "o=party 1000 2000", 1)
	reinvite := makeRequest(sip.INVITE, 2, []byte(body))
	require.NoError(t, br.a.HandleRequest(dialog.IncomingRequest{Req: reinvite}))

	require.Eventually(t, func() bool {
		replies := br.aDlg.sentReplies()
		r := replies[len(replies)-1]
		return r.cseq == 2 && r.code == 200
	}, waitTimeout, waitTick, "redundant re-INVITE not answered")

	assert.Equal(t, before, len(br.bDlg.sentRequests()), "redundant re-INVITE must not be relayed")
}

func TestMaxForwardsExhaustedAnswered483(t *testing.T) {
	br := newBridge(t)
	br.dial(t)
	br.answer(t)

	mf := sip.MaxForwardsHeader(0)
	req := makeRequest(sip.INFO, 3, nil, &mf)
	require.NoError(t, br.a.HandleRequest(dialog.IncomingRequest{Req: req}))

	require.Eventually(t, func() bool {
		_, ok := replyWithCode(br.aDlg.sentReplies(), 483)
		return ok
	}, waitTimeout, waitTick, "hop-exhausted request not answered 483")
}

func TestCollisionAnswered491(t *testing.T) {
	br := newBridge(t)
	br.dial(t)
	br.answer(t)

	// make B's offer/answer channel busy
	update := makeRequest(sip.INVITE, 2, testSDP("10.0.0.1", "4000", "sendonly"))
	require.NoError(t, br.a.HandleRequest(dialog.IncomingRequest{Req: update}))
	require.Eventually(t, func() bool {
		return len(br.bDlg.sentRequests()) == 2
	}, waitTimeout, waitTick)

	obs := &recorderPoster{}
	br.dir.Register("obs", obs)
	require.NoError(t, br.dir.PostEvent(br.b.ID(), RequestRelay{
		SourceID: "obs", OrigCSeq: 50, Method: sip.INVITE,
		Body: testSDP("10.9.9.9", "7000", ""), MaxForwards: 69,
	}))

	require.Eventually(t, func() bool {
		for _, ev := range obs.all() {
			if rr, ok := ev.(ReplyRelay); ok && rr.Code == 491 && rr.OrigCSeq == 50 {
				return true
			}
		}
		return false
	}, waitTimeout, waitTick, "colliding update not answered 491")
}

func TestCollisionAvoidedWithSyntheticAnswer(t *testing.T) {
	br := newBridge(t, WithAvoid491(true))
	br.dial(t)
	br.answer(t)

	update := makeRequest(sip.INVITE, 2, testSDP("10.0.0.1", "4000", "sendonly"))
	require.NoError(t, br.a.HandleRequest(dialog.IncomingRequest{Req: update}))
	require.Eventually(t, func() bool {
		return len(br.bDlg.sentRequests()) == 2
	}, waitTimeout, waitTick)

	obs := &recorderPoster{}
	br.dir.Register("obs", obs)
	deferredBody := testSDP("10.9.9.9", "7000", "")
	require.NoError(t, br.dir.PostEvent(br.b.ID(), RequestRelay{
		SourceID: "obs", OrigCSeq: 50, Method: sip.INVITE,
		Body: deferredBody, MaxForwards: 69,
	}))

	// the collision is answered immediately with the current session state
	require.Eventually(t, func() bool {
		for _, ev := range obs.all() {
			if rr, ok := ev.(ReplyRelay); ok && rr.Code == 200 && rr.OrigCSeq == 50 && rr.UseLastBody {
				return true
			}
		}
		return false
	}, waitTimeout, waitTick, "colliding update not accepted synthetically")

	// once the busy transaction completes the deferred update goes out
	pending := br.bDlg.sentRequests()[1]
	br.bDlg.respond(makeResponse(sip.INVITE, pending.cseq, 200, "OK",
		testSDP("10.0.0.2", "5000", ""), "b-tag"))

	require.Eventually(t, func() bool {
		reqs := br.bDlg.sentRequests()
		if len(reqs) < 3 {
			return false
		}
		return strings.Contains(string(reqs[2].body), "10.9.9.9")
	}, waitTimeout, waitTick, "deferred update never sent")
}

func TestLateSuccessAfterCancelGetsDisconnect(t *testing.T) {
	br := newBridge(t)
	br.dial(t)
	br.answer(t)

	// a reply from a leg never bound to this one
	stranger := &recorderPoster{}
	br.dir.Register("stranger", stranger)
	require.NoError(t, br.a.PostEvent(ReplyRelay{
		SourceID: "stranger", OrigCSeq: 1, Method: sip.INVITE,
		Code: 200, Reason: "OK",
	}))

	require.Eventually(t, func() bool {
		for _, ev := range stranger.all() {
			if _, ok := ev.(DisconnectLeg); ok {
				return true
			}
		}
		return false
	}, waitTimeout, waitTick, "late 2xx from an unknown leg must be disconnected")
}

func TestTerminatedLegAnswers481(t *testing.T) {
	br := newBridge(t)
	br.dial(t)
	br.answer(t)

	require.NoError(t, br.a.HandleRequest(dialog.IncomingRequest{Req: makeRequest(sip.BYE, 2, nil)}))
	require.Eventually(t, func() bool {
		return br.a.Status() == StatusDisconnected
	}, waitTimeout, waitTick)

	// the mailbox closes asynchronously after the final status
	require.Eventually(t, func() bool {
		err := br.a.HandleRequest(dialog.IncomingRequest{Req: makeRequest(sip.INFO, 3, nil)})
		return err != nil
	}, waitTimeout, waitTick, "a dead leg's mailbox must refuse new work")
}

func TestReferNotifyHeadersRelayed(t *testing.T) {
	br := newBridge(t)
	br.dial(t)
	br.answer(t)

	refer := makeRequest(sip.REFER, 2, nil,
		sip.NewHeader("Refer-To", "<sip:carol@transfer.test>"))
	require.NoError(t, br.a.HandleRequest(dialog.IncomingRequest{Req: refer}))

	require.Eventually(t, func() bool {
		for _, r := range br.bDlg.sentRequests() {
			if r.method == sip.REFER {
				return true
			}
		}
		return false
	}, waitTimeout, waitTick, "REFER not relayed")

	var relayed fakeSent
	for _, r := range br.bDlg.sentRequests() {
		if r.method == sip.REFER {
			relayed = r
		}
	}
	found := false
	for _, h := range relayed.hdrs {
		if h.Name() == "Refer-To" && strings.Contains(h.Value(), "carol") {
			found = true
		}
	}
	assert.True(t, found, "Refer-To header lost in relay")
}

func TestParkHoldResumeRoundTrip(t *testing.T) {
	br := newBridge(t)
	br.dial(t)
	br.answer(t)

	// the peer steps out asking B to park its party
	require.NoError(t, br.b.PostEvent(DisconnectLeg{SourceID: br.a.ID(), PutOnHold: true}))
	require.Eventually(t, func() bool {
		return len(br.bDlg.sentRequests()) == 2
	}, waitTimeout, waitTick, "hold offer never sent")

	hold := br.bDlg.sentRequests()[1]
	require.Equal(t, sip.INVITE, hold.method)
	assert.Contains(t, string(hold.body), "a=sendonly")
	assert.Empty(t, br.b.PeerID(), "parked leg still bound to a peer")

	// hold commits only on the party's success answer
	assert.False(t, br.b.OnHold())
	br.bDlg.respond(makeResponse(sip.INVITE, hold.cseq, 200, "OK", nil, "b-tag"))
	require.Eventually(t, func() bool { return br.b.OnHold() }, waitTimeout, waitTick)

	require.NoError(t, br.b.PostEvent(ResumeHeldLeg{}))
	require.Eventually(t, func() bool {
		return len(br.bDlg.sentRequests()) == 3
	}, waitTimeout, waitTick, "resume offer never sent")

	resume := br.bDlg.sentRequests()[2]
	assert.Contains(t, string(resume.body), "a=sendrecv")
	br.bDlg.respond(makeResponse(sip.INVITE, resume.cseq, 200, "OK", nil, "b-tag"))
	require.Eventually(t, func() bool { return !br.b.OnHold() }, waitTimeout, waitTick)
}

func TestHoldRejectedLeavesLegOffHold(t *testing.T) {
	type holdOutcome struct {
		legID string
		held  bool
		code  int
	}
	outcomes := make(chan holdOutcome, 2)
	br := newBridge(t, WithHoldResultFunc(func(legID string, held bool, code int) {
		outcomes <- holdOutcome{legID, held, code}
	}))
	br.dial(t)
	br.answer(t)

	require.NoError(t, br.b.PostEvent(DisconnectLeg{SourceID: br.a.ID(), PutOnHold: true}))
	require.Eventually(t, func() bool {
		return len(br.bDlg.sentRequests()) == 2
	}, waitTimeout, waitTick)

	hold := br.bDlg.sentRequests()[1]
	br.bDlg.respond(makeResponse(sip.INVITE, hold.cseq, 488, "Not Acceptable Here", nil, "b-tag"))

	select {
	case got := <-outcomes:
		assert.Equal(t, br.b.ID(), got.legID)
		assert.False(t, got.held, "rejected hold reported the leg as held")
		assert.Equal(t, 488, got.code)
	case <-time.After(waitTimeout):
		t.Fatal("hold outcome never reported")
	}
	require.Never(t, func() bool { return br.b.OnHold() }, 100*time.Millisecond, waitTick,
		"rejected hold must not change the hold state")
}

func TestReplaceLegReconnectsBridge(t *testing.T) {
	br := newBridge(t)
	br.dial(t)
	br.answer(t)

	cDlg := newFakeDialog("call-c")
	c := NewCallLeg(cDlg, br.dir, true)
	c.Start()
	t.Cleanup(func() { _ = c.Shutdown() })
	pickup := makeRequest(sip.INVITE, 1, testSDP("10.0.0.3", "6000", ""))
	require.NoError(t, c.AdoptInvite(dialog.IncomingRequest{Req: pickup}))

	require.NoError(t, br.b.PostEvent(ReplaceLeg{SourceID: c.ID()}))

	require.Eventually(t, func() bool {
		return br.b.Status() == StatusDisconnected
	}, waitTimeout, waitTick, "replaced leg never terminated")
	assert.Equal(t, CauseReplaced, br.b.Cause())

	// the pickup leg is accepted with a synthesized answer
	require.Eventually(t, func() bool {
		return c.Status() == StatusConnected
	}, waitTimeout, waitTick, "pickup leg never accepted")
	r200, ok := replyWithCode(cDlg.sentReplies(), 200)
	require.True(t, ok, "pickup INVITE not answered")
	assert.Contains(t, string(r200.body), "10.0.0.3")

	assert.Equal(t, br.a.ID(), c.PeerID())
	require.Eventually(t, func() bool {
		return br.a.PeerID() == c.ID()
	}, waitTimeout, waitTick, "surviving leg never re-bound")

	// the survivor re-offers so its party learns the new session
	require.Eventually(t, func() bool {
		return len(br.aDlg.sentRequests()) > 0 && br.aDlg.sentRequests()[0].method == sip.INVITE
	}, waitTimeout, waitTick, "no re-offer towards the surviving party")
}

func TestStatusCallbackObservesLifecycle(t *testing.T) {
	var transitions []string
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}
	record := func(legID string, from, to CallStatus) {
		<-mu
		transitions = append(transitions, from.String()+">"+to.String())
		mu <- struct{}{}
	}

	br := newBridge(t, WithStatusFunc(record))
	br.dial(t)
	br.answer(t)
	require.NoError(t, br.a.HandleRequest(dialog.IncomingRequest{Req: makeRequest(sip.BYE, 2, nil)}))
	require.Eventually(t, func() bool {
		return br.a.Status() == StatusDisconnected && br.b.Status() == StatusDisconnected
	}, waitTimeout, waitTick)

	<-mu
	defer func() { mu <- struct{}{} }()
	assert.Contains(t, transitions, "Disconnected>NoReply")
	assert.Contains(t, transitions, "NoReply>Connected")
	assert.Contains(t, transitions, "Connected>Disconnecting")
	assert.Contains(t, transitions, "Disconnecting>Disconnected")
}
