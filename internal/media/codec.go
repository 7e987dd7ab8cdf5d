package media

import (
	"fmt"
	"time"

	"github.com/zaf/g711"
)

// Codec is an immutable audio codec specification.
type Codec struct {
	Name        string        // Codec name (e.g., "PCMU", "PCMA")
	PayloadType uint8         // RTP payload type (0 for PCMU, 8 for PCMA)
	SampleRate  uint32        // Sample rate in Hz
	SampleDur   time.Duration // Duration per frame (typically 20ms)
	Channels    int           // Number of channels
}

// Pre-defined codecs for the G.711 relay/transcode path.
var (
	// CodecPCMU is G.711 µ-law.
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

	// CodecPCMA is G.711 A-law.
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, 1}

	// CodecTelephoneEvent is RFC 4733 DTMF events.
	CodecTelephoneEvent = Codec{"telephone-event", 101, 8000, 20 * time.Millisecond, 1}
)

// SamplesPerFrame returns the number of samples in one frame.
// For 8kHz with 20ms frames, this returns 160.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// CodecByPayload resolves a static payload type to a supported codec.
func CodecByPayload(pt uint8) (Codec, bool) {
	switch pt {
	case CodecPCMU.PayloadType:
		return CodecPCMU, true
	case CodecPCMA.PayloadType:
		return CodecPCMA, true
	}
	return Codec{}, false
}

// Transcode converts a G.711 payload between µ-law and A-law. Same-codec
// input is returned unchanged. Anything outside the G.711 family is an
// error; the relay mask must keep such payloads off the transcoding path.
func Transcode(payload []byte, from, to Codec) ([]byte, error) {
	if from.PayloadType == to.PayloadType {
		return payload, nil
	}
	switch {
	case from.PayloadType == CodecPCMU.PayloadType && to.PayloadType == CodecPCMA.PayloadType:
		return g711.Ulaw2Alaw(payload), nil
	case from.PayloadType == CodecPCMA.PayloadType && to.PayloadType == CodecPCMU.PayloadType:
		return g711.Alaw2Ulaw(payload), nil
	}
	return nil, fmt.Errorf("unsupported transcode %s -> %s", from.Name, to.Name)
}
