package sdpx

import (
	"strconv"
	"strings"
	"testing"
)

func sdpBody(direction string, connAddr string, port int) []byte {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=user 123 456 IN IP4 192.168.1.10\r\n")
	b.WriteString("s=call\r\n")
	b.WriteString("c=IN IP4 " + connAddr + "\r\n")
	b.WriteString("t=0 0\r\n")
	b.WriteString("m=audio " + strconv.Itoa(port) + " RTP/AVP 0 101\r\n")
	b.WriteString("a=rtpmap:0 PCMU/8000\r\n")
	b.WriteString("a=rtpmap:101 telephone-event/8000\r\n")
	if direction != "" {
		b.WriteString("a=" + direction + "\r\n")
	}
	return []byte(b.String())
}

func TestClassifyHold(t *testing.T) {
	cases := []struct {
		name string
		body []byte
		want HoldType
	}{
		{"sendrecv is not hold", sdpBody("sendrecv", "192.168.1.10", 49170), NonHold},
		{"no direction defaults to sendrecv", sdpBody("", "192.168.1.10", 49170), NonHold},
		{"recvonly is not hold", sdpBody("recvonly", "192.168.1.10", 49170), NonHold},
		{"sendonly", sdpBody("sendonly", "192.168.1.10", 49170), SendonlyHold},
		{"inactive", sdpBody("inactive", "192.168.1.10", 49170), InactiveHold},
		{"zeroed connection", sdpBody("sendrecv", "0.0.0.0", 49170), ZeroedHold},
		{"zero port", sdpBody("sendrecv", "192.168.1.10", 0), ZeroedHold},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sd, err := Parse(tc.body)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := ClassifyHold(sd); got != tc.want {
				t.Errorf("ClassifyHold() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClassifyHoldZeroedTakesPrecedence(t *testing.T) {
	// Two audio lines: one zeroed, one inactive. Not all zeroed, but all
	// held, so the inactive classification wins.
	body := []byte("v=0\r\n" +
		"o=user 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 0 RTP/AVP 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"a=inactive\r\n")
	sd, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := ClassifyHold(sd); got != InactiveHold {
		t.Errorf("ClassifyHold() = %v, want InactiveHold", got)
	}
}

func TestClassifyHoldNoAudio(t *testing.T) {
	body := []byte("v=0\r\n" +
		"o=user 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=video 5000 RTP/AVP 96\r\n")
	sd, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := ClassifyHold(sd); got != NonHold {
		t.Errorf("ClassifyHold() = %v, want NonHold", got)
	}
}

func TestAnswerDirection(t *testing.T) {
	cases := []struct {
		hold HoldType
		want StreamDirection
	}{
		{SendonlyHold, DirRecvonly},
		{InactiveHold, DirInactive},
		{ZeroedHold, DirInactive},
		{NonHold, DirSendrecv},
	}
	for _, tc := range cases {
		if got := tc.hold.AnswerDirection(); got != tc.want {
			t.Errorf("%v.AnswerDirection() = %v, want %v", tc.hold, got, tc.want)
		}
	}
}

func TestBodyHashIgnoresOrigin(t *testing.T) {
	a := sdpBody("sendrecv", "192.168.1.10", 49170)
	b := []byte(strings.Replace(string(a), "o=user 123 456", "o=user 123 999", 1))

	if BodyHash(a) != BodyHash(b) {
		t.Error("BodyHash() differs for bodies that only differ in the origin line")
	}

	c := sdpBody("sendonly", "192.168.1.10", 49170)
	if BodyHash(a) == BodyHash(c) {
		t.Error("BodyHash() equal for bodies with different directions")
	}
}

func TestSetMediaDirectionReplacesExisting(t *testing.T) {
	sd, err := Parse(sdpBody("sendrecv", "192.168.1.10", 49170))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	m := sd.MediaDescriptions[0]
	SetMediaDirection(m, DirSendonly)

	count := 0
	for _, a := range m.Attributes {
		switch a.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			count++
			if a.Key != "sendonly" {
				t.Errorf("direction attribute = %q, want sendonly", a.Key)
			}
		}
	}
	if count != 1 {
		t.Errorf("direction attribute count = %d, want 1", count)
	}
	if got := MediaDirection(sd, m); got != DirSendonly {
		t.Errorf("MediaDirection() = %v, want DirSendonly", got)
	}
}

func TestReplaceConnectionAddress(t *testing.T) {
	sd, err := Parse(sdpBody("sendrecv", "192.168.1.10", 49170))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := ReplaceConnectionAddress(sd, "10.10.0.5", []*MediaPorts{{Port: 20000}}); err != nil {
		t.Fatalf("ReplaceConnectionAddress() error = %v", err)
	}
	if got := ConnectionAddress(sd, sd.MediaDescriptions[0]); got != "10.10.0.5" {
		t.Errorf("connection address = %q, want 10.10.0.5", got)
	}
	if got := sd.MediaDescriptions[0].MediaName.Port.Value; got != 20000 {
		t.Errorf("media port = %d, want 20000", got)
	}
}

func TestReplaceConnectionAddressSkipsNilEntries(t *testing.T) {
	sd, err := Parse(sdpBody("sendrecv", "192.168.1.10", 49170))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := ReplaceConnectionAddress(sd, "10.10.0.5", []*MediaPorts{nil}); err != nil {
		t.Fatalf("ReplaceConnectionAddress() error = %v", err)
	}
	if got := sd.MediaDescriptions[0].MediaName.Port.Value; got != 49170 {
		t.Errorf("media port = %d, want original 49170", got)
	}
}

func TestReplaceConnectionAddressLengthMismatch(t *testing.T) {
	sd, err := Parse(sdpBody("sendrecv", "192.168.1.10", 49170))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := ReplaceConnectionAddress(sd, "10.10.0.5", nil); err == nil {
		t.Error("ReplaceConnectionAddress() with mismatched ports should fail")
	}
}

func TestSynthesizeHoldAnswer(t *testing.T) {
	offer, err := Parse(sdpBody("sendrecv", "192.168.1.10", 49170))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	answer, err := SynthesizeHoldAnswer(offer, "10.10.0.5", false)
	if err != nil {
		t.Fatalf("SynthesizeHoldAnswer() error = %v", err)
	}
	if got := ConnectionAddress(answer, answer.MediaDescriptions[0]); got != "10.10.0.5" {
		t.Errorf("connection address = %q, want own address", got)
	}
	if got := MediaDirection(answer, answer.MediaDescriptions[0]); got != DirInactive {
		t.Errorf("direction = %v, want DirInactive", got)
	}

	zeroed, err := SynthesizeHoldAnswer(offer, "10.10.0.5", true)
	if err != nil {
		t.Fatalf("SynthesizeHoldAnswer() error = %v", err)
	}
	if got := ConnectionAddress(zeroed, zeroed.MediaDescriptions[0]); got != "0.0.0.0" {
		t.Errorf("connection address = %q, want 0.0.0.0", got)
	}

	// the offer itself is untouched
	if got := MediaDirection(offer, offer.MediaDescriptions[0]); got != DirSendrecv {
		t.Errorf("offer direction = %v, want DirSendrecv", got)
	}
}

func TestTelephoneEventPayloads(t *testing.T) {
	sd, err := Parse(sdpBody("sendrecv", "192.168.1.10", 49170))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	got := TelephoneEventPayloads(sd.MediaDescriptions[0])
	if len(got) != 1 || got[0] != 101 {
		t.Errorf("TelephoneEventPayloads() = %v, want [101]", got)
	}
}

func TestRelayPayloadsExcludesDTMF(t *testing.T) {
	sd, err := Parse(sdpBody("sendrecv", "192.168.1.10", 49170))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	got := RelayPayloads(sd.MediaDescriptions[0])
	if len(got) != 1 || got[0] != 0 {
		t.Errorf("RelayPayloads() = %v, want [0]", got)
	}
}

func TestIsRelayable(t *testing.T) {
	body := []byte("v=0\r\n" +
		"o=user 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"m=application 4002 UDP/DTLS/SCTP webrtc-datachannel\r\n")
	sd, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !IsRelayable(sd.MediaDescriptions[0]) {
		t.Error("RTP/AVP audio should be relayable")
	}
	if IsRelayable(sd.MediaDescriptions[1]) {
		t.Error("UDP/DTLS/SCTP application should not be relayable")
	}
}
