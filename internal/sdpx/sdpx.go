// Package sdpx interprets and rewrites SDP documents for the B2B engine.
//
// It wraps pion/sdp with the small set of offer/answer semantics the engine
// needs: stream direction classification, hold detection, body change
// detection that ignores the origin line, and connection address rewriting.
package sdpx

import (
	"crypto/md5"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// StreamDirection is the media activity of one m-line per RFC 4566/3264.
type StreamDirection int

const (
	// DirSendrecv is the default bidirectional direction.
	DirSendrecv StreamDirection = iota
	// DirSendonly means the remote party only sends.
	DirSendonly
	// DirRecvonly means the remote party only receives.
	DirRecvonly
	// DirInactive means no media flows in either direction.
	DirInactive
)

// String returns the SDP attribute name for the direction.
func (d StreamDirection) String() string {
	switch d {
	case DirSendrecv:
		return "sendrecv"
	case DirSendonly:
		return "sendonly"
	case DirRecvonly:
		return "recvonly"
	case DirInactive:
		return "inactive"
	default:
		return fmt.Sprintf("unknown(%d)", int(d))
	}
}

// HoldType classifies how an offer requests hold.
type HoldType int

const (
	// NonHold means the offer does not request hold.
	NonHold HoldType = iota
	// SendonlyHold means hold was requested with a=sendonly.
	SendonlyHold
	// InactiveHold means hold was requested with a=inactive.
	InactiveHold
	// ZeroedHold means hold was requested by zeroing the connection address.
	ZeroedHold
)

// String returns the string representation of the hold type.
func (h HoldType) String() string {
	switch h {
	case NonHold:
		return "NonHold"
	case SendonlyHold:
		return "SendonlyHold"
	case InactiveHold:
		return "InactiveHold"
	case ZeroedHold:
		return "ZeroedHold"
	default:
		return fmt.Sprintf("Unknown(%d)", int(h))
	}
}

// IsHold returns true for any of the hold classifications.
func (h HoldType) IsHold() bool {
	return h != NonHold
}

// AnswerDirection returns the direction the hold answer must carry so the
// reply is symmetric to the request: a sendonly offer is answered recvonly,
// an inactive or zeroed offer is answered inactive.
func (h HoldType) AnswerDirection() StreamDirection {
	switch h {
	case SendonlyHold:
		return DirRecvonly
	case InactiveHold, ZeroedHold:
		return DirInactive
	default:
		return DirSendrecv
	}
}

// Parse unmarshals an SDP body.
func Parse(body []byte) (*sdp.SessionDescription, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	return sd, nil
}

// Clone deep-copies a session description via marshal/unmarshal.
func Clone(sd *sdp.SessionDescription) (*sdp.SessionDescription, error) {
	body, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("clone sdp: %w", err)
	}
	return Parse(body)
}

// MediaDirection returns the direction of one media description, falling
// back to the session-level attribute and then to sendrecv.
func MediaDirection(sd *sdp.SessionDescription, media *sdp.MediaDescription) StreamDirection {
	if d, ok := directionFromAttrs(media.Attributes); ok {
		return d
	}
	if d, ok := directionFromAttrs(sd.Attributes); ok {
		return d
	}
	return DirSendrecv
}

func directionFromAttrs(attrs []sdp.Attribute) (StreamDirection, bool) {
	for _, a := range attrs {
		switch a.Key {
		case "sendrecv":
			return DirSendrecv, true
		case "sendonly":
			return DirSendonly, true
		case "recvonly":
			return DirRecvonly, true
		case "inactive":
			return DirInactive, true
		}
	}
	return DirSendrecv, false
}

// SetMediaDirection replaces any direction attribute on the media
// description with the given one.
func SetMediaDirection(media *sdp.MediaDescription, d StreamDirection) {
	kept := media.Attributes[:0]
	for _, a := range media.Attributes {
		switch a.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			continue
		}
		kept = append(kept, a)
	}
	media.Attributes = append(kept, sdp.Attribute{Key: d.String()})
}

// ConnectionAddress returns the effective connection address for a media
// description (media-level c= wins over session-level).
func ConnectionAddress(sd *sdp.SessionDescription, media *sdp.MediaDescription) string {
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		return media.ConnectionInformation.Address.Address
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		return sd.ConnectionInformation.Address.Address
	}
	return ""
}

// IsZeroedConnection reports whether the media line is disabled by a zero
// connection address or a zero port.
func IsZeroedConnection(sd *sdp.SessionDescription, media *sdp.MediaDescription) bool {
	if media.MediaName.Port.Value == 0 {
		return true
	}
	addr := ConnectionAddress(sd, media)
	return addr == "0.0.0.0" || addr == "::"
}

// ClassifyHold inspects every active audio media line of a received offer
// and classifies it as a hold request or not. Zeroed connections take
// precedence, then inactive, then sendonly. A recvonly or sendrecv offer is
// never classified as hold: recvonly requests media from us (music on hold
// towards the peer), it does not put us on hold.
func ClassifyHold(sd *sdp.SessionDescription) HoldType {
	audioLines := 0
	zeroed, inactive, sendonly := 0, 0, 0

	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		audioLines++
		if IsZeroedConnection(sd, m) {
			zeroed++
			continue
		}
		switch MediaDirection(sd, m) {
		case DirInactive:
			inactive++
		case DirSendonly:
			sendonly++
		}
	}

	if audioLines == 0 {
		return NonHold
	}
	switch {
	case zeroed == audioLines:
		return ZeroedHold
	case zeroed+inactive == audioLines:
		return InactiveHold
	case zeroed+inactive+sendonly == audioLines:
		return SendonlyHold
	}
	return NonHold
}

// BodyHash computes a digest of an SDP body with the version and origin
// lines stripped. Upstream servers bump the o= version on every pass even
// when nothing changed; ignoring those lines lets the engine detect real
// session updates only.
func BodyHash(body []byte) [md5.Size]byte {
	lines := strings.Split(string(body), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if strings.HasPrefix(trimmed, "v=") || strings.HasPrefix(trimmed, "o=") {
			continue
		}
		kept = append(kept, trimmed)
	}
	return md5.Sum([]byte(strings.Join(kept, "\n")))
}

// relayableProtos is the transport whitelist for media relay. Anything not
// listed is passed through in signaling but never gets a local socket pair.
var relayableProtos = map[string]bool{
	"RTP/AVP":   true,
	"RTP/AVPF":  true,
	"RTP/SAVP":  true,
	"RTP/SAVPF": true,
	"udp":       true,
	"UDP":       true,
}

// IsRelayable reports whether the media line's transport can be relayed.
func IsRelayable(media *sdp.MediaDescription) bool {
	return relayableProtos[strings.Join(media.MediaName.Protos, "/")]
}

// TelephoneEventPayloads returns the payload type numbers mapped to
// telephone-event on the media line.
func TelephoneEventPayloads(media *sdp.MediaDescription) []uint8 {
	var out []uint8
	for _, a := range media.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		fields := strings.SplitN(a.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(fields[1]), "telephone-event/") {
			continue
		}
		if pt, err := strconv.Atoi(fields[0]); err == nil && pt >= 0 && pt < 128 {
			out = append(out, uint8(pt))
		}
	}
	return out
}

// RelayPayloads returns the payload types that may be relayed untouched for
// one media line: every negotiated format except telephone-event, which the
// engine intercepts and regenerates instead of forwarding blindly.
func RelayPayloads(media *sdp.MediaDescription) []uint8 {
	dtmf := make(map[uint8]bool)
	for _, pt := range TelephoneEventPayloads(media) {
		dtmf[pt] = true
	}
	var out []uint8
	for _, f := range media.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt >= 128 {
			continue
		}
		if dtmf[uint8(pt)] {
			continue
		}
		out = append(out, uint8(pt))
	}
	return out
}

// MediaPorts is the relay address/port assignment for one media line.
type MediaPorts struct {
	Port int
}

// ReplaceConnectionAddress rewrites the session and media level connection
// addresses to addr and assigns the given local ports positionally. Media
// lines with a nil entry in ports (non-relayable or disabled lines) keep
// their address and port verbatim.
func ReplaceConnectionAddress(sd *sdp.SessionDescription, addr string, ports []*MediaPorts) error {
	if len(ports) != len(sd.MediaDescriptions) {
		return fmt.Errorf("replace connection address: %d media lines, %d port entries",
			len(sd.MediaDescriptions), len(ports))
	}

	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		sd.ConnectionInformation.Address.Address = addr
	}

	for i, m := range sd.MediaDescriptions {
		if ports[i] == nil {
			continue
		}
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			m.ConnectionInformation.Address.Address = addr
		}
		m.MediaName.Port.Value = ports[i].Port
	}
	return nil
}

// SynthesizeHoldAnswer builds an answer for an offer received while this
// side is on hold: the offer's structure is copied, every audio line is
// forced inactive and the connection address is either zeroed or replaced
// with our own, so the remote party stops sending RTP we will not process.
func SynthesizeHoldAnswer(offer *sdp.SessionDescription, ownAddr string, zeroConnection bool) (*sdp.SessionDescription, error) {
	answer, err := Clone(offer)
	if err != nil {
		return nil, err
	}

	addr := ownAddr
	if zeroConnection {
		addr = "0.0.0.0"
	}
	if answer.ConnectionInformation != nil && answer.ConnectionInformation.Address != nil {
		answer.ConnectionInformation.Address.Address = addr
	}
	for _, m := range answer.MediaDescriptions {
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			m.ConnectionInformation.Address.Address = addr
		}
		if m.MediaName.Media == "audio" {
			SetMediaDirection(m, DirInactive)
		}
	}
	return answer, nil
}
