package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/tandem/internal/metrics"
	"github.com/sebas/tandem/internal/rtpio"
)

// ErrInputActive is returned when a relay target is set while the stream
// plays a local input. A stream either relays the peer's media or generates
// its own, never both.
var ErrInputActive = errors.New("stream has a local input, cannot relay")

// FrameSource produces raw codec frames for a stream-local input (ringback,
// announcements). NextFrame returns one frame per codec frame duration.
type FrameSource interface {
	NextFrame() ([]byte, error)
	Codec() Codec
}

// AudioStream is the per-media-line unit owning one local RTP endpoint plus
// relay bookkeeping for one leg's side of an audio m-line.
type AudioStream struct {
	mu sync.Mutex

	endpoint *rtpio.Endpoint
	// paired is the stream on the other leg; packets arriving here are
	// forwarded out through the paired stream's endpoint.
	paired *AudioStream

	// relayMask holds the payload types this stream may forward untouched.
	// telephone-event payloads are never in the mask.
	relayMask [128]bool
	// dtmfPayloads are the telephone-event payload types to intercept.
	dtmfPayloads [128]bool
	relayOn      bool

	muted bool

	dtmfQueue *DTMFQueue
	input     FrameSource

	// transcode configuration filled in by the controller when the two
	// legs did not negotiate a shared G.711 codec.
	transcodeFrom Codec
	transcodeTo   Codec
	transcoding   bool

	cancelRelay context.CancelFunc
}

// NewAudioStream creates an idle stream with no endpoint allocated yet.
func NewAudioStream() *AudioStream {
	return &AudioStream{}
}

// BindEndpoint attaches the local RTP socket. Called by the controller when
// the outgoing SDP is rewritten and the local port becomes visible.
func (s *AudioStream) BindEndpoint(e *rtpio.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = e
}

// Endpoint returns the attached endpoint, or nil.
func (s *AudioStream) Endpoint() *rtpio.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// SetPaired links this stream with its counterpart on the other leg.
func (s *AudioStream) SetPaired(other *AudioStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paired = other
}

// SetRelayMask replaces the set of payload types this stream may forward.
func (s *AudioStream) SetRelayMask(payloads []uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayMask = [128]bool{}
	for _, pt := range payloads {
		s.relayMask[pt] = true
	}
}

// SetDTMFPayloads replaces the set of telephone-event payloads to intercept.
func (s *AudioStream) SetDTMFPayloads(payloads []uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dtmfPayloads = [128]bool{}
	for _, pt := range payloads {
		s.dtmfPayloads[pt] = true
	}
}

// EnableDTMFQueue attaches a queue collecting intercepted telephone events.
func (s *AudioStream) EnableDTMFQueue(q *DTMFQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dtmfQueue = q
}

// DTMF returns the attached DTMF queue, or nil.
func (s *AudioStream) DTMF() *DTMFQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dtmfQueue
}

// SetRelayDestination points the endpoint at the negotiated remote
// address/port and arms relaying. Fails if a local input is active.
func (s *AudioStream) SetRelayDestination(addr string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.input != nil {
		return ErrInputActive
	}
	if s.endpoint == nil {
		return errors.New("no endpoint bound")
	}
	s.endpoint.SetRemote(addr, port)
	s.relayOn = true
	return nil
}

// ClearRelay disarms relaying (the endpoint stays bound).
func (s *AudioStream) ClearRelay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayOn = false
}

// SetInput installs a local frame source, dropping any relay target first.
func (s *AudioStream) SetInput(src FrameSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayOn = false
	s.input = src
}

// ClearInput removes the local frame source.
func (s *AudioStream) ClearInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = nil
}

// SetMuted pauses or resumes forwarding out of this stream.
func (s *AudioStream) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// Muted reports whether the stream is paused.
func (s *AudioStream) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetTranscode configures per-frame transcoding for packets forwarded out
// of this stream's pair partner towards this stream's party.
func (s *AudioStream) SetTranscode(from, to Codec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcodeFrom = from
	s.transcodeTo = to
	s.transcoding = from.PayloadType != to.PayloadType
}

// Transcoding reports whether a codec conversion is configured.
func (s *AudioStream) Transcoding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcoding
}

// StartRelay spawns the forward loop reading from this stream's endpoint
// and writing through the paired stream. No-op if already running.
func (s *AudioStream) StartRelay(ctx context.Context) {
	s.mu.Lock()
	if s.cancelRelay != nil || s.endpoint == nil || s.paired == nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelRelay = cancel
	s.mu.Unlock()

	go s.relayLoop(loopCtx)
}

// StopRelay terminates the forward loop.
func (s *AudioStream) StopRelay() {
	s.mu.Lock()
	cancel := s.cancelRelay
	s.cancelRelay = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// relayLoop moves packets from this stream's party to the paired stream's
// party, applying the relay mask, DTMF interception, mute and transcoding.
func (s *AudioStream) relayLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		ep := s.endpoint
		s.mu.Unlock()
		if ep == nil {
			return
		}

		_ = ep.SetReadDeadline(time.Now().Add(time.Second))
		pkt, n, err := ep.ReadPacket(buf)
		if err != nil {
			if errors.Is(err, rtpio.ErrClosed) {
				return
			}
			continue
		}

		s.forward(pkt.PayloadType, pkt.Payload, buf[:n])
	}
}

// forward applies the per-packet policy for one received RTP packet.
// raw is the full datagram as received, forwarded verbatim on the pure
// relay path.
func (s *AudioStream) forward(pt uint8, payload []byte, raw []byte) {
	s.mu.Lock()
	if s.dtmfPayloads[pt] {
		q := s.dtmfQueue
		s.mu.Unlock()
		if q != nil {
			if ev, err := DecodeDTMFEvent(payload); err == nil {
				q.Push(ev)
				metrics.DTMFEvents.Inc()
			}
		}
		return
	}

	if !s.relayOn || !s.relayMask[pt] {
		s.mu.Unlock()
		return
	}
	paired := s.paired
	transcoding := s.transcoding
	from, to := s.transcodeFrom, s.transcodeTo
	s.mu.Unlock()

	if paired == nil || paired.Muted() {
		return
	}
	out := paired.Endpoint()
	if out == nil {
		return
	}

	if transcoding && pt == from.PayloadType {
		converted, err := Transcode(payload, from, to)
		if err != nil {
			slog.Debug("[AudioStream] Transcode failed", "error", err)
			return
		}
		metrics.TranscodedFrames.Inc()
		headerLen := len(raw) - len(payload)
		rewritten := make([]byte, 0, headerLen+len(converted))
		rewritten = append(rewritten, raw[:headerLen]...)
		rewritten[1] = (rewritten[1] & 0x80) | to.PayloadType
		rewritten = append(rewritten, converted...)
		_ = out.WriteRaw(rewritten)
		return
	}

	metrics.RelayedPackets.Inc()
	_ = out.WriteRaw(raw)
}

// Close stops relaying and releases the endpoint.
func (s *AudioStream) Close() {
	s.StopRelay()
	s.mu.Lock()
	ep := s.endpoint
	s.endpoint = nil
	s.relayOn = false
	s.mu.Unlock()
	if ep != nil {
		_ = ep.Close()
	}
}

// AudioPair couples the two sides of one audio m-line across the bridged
// legs. Stream identity is positional: pair N always serves m-line N.
type AudioPair struct {
	Index int
	A     *AudioStream
	B     *AudioStream
}

// NewAudioPair creates a linked stream pair for m-line index.
func NewAudioPair(index int) *AudioPair {
	p := &AudioPair{
		Index: index,
		A:     NewAudioStream(),
		B:     NewAudioStream(),
	}
	p.A.SetPaired(p.B)
	p.B.SetPaired(p.A)
	return p
}

// Side returns the stream belonging to the given leg.
func (p *AudioPair) Side(leg Leg) *AudioStream {
	if leg == LegA {
		return p.A
	}
	return p.B
}

// Close tears down both sides.
func (p *AudioPair) Close() {
	p.A.Close()
	p.B.Close()
}

// RelayStream blindly forwards a non-audio relayable m-line (e.g. a generic
// UDP transport) without payload inspection.
type RelayStream struct {
	mu       sync.Mutex
	endpoint *rtpio.Endpoint
	paired   *RelayStream
	cancel   context.CancelFunc
}

// BindEndpoint attaches the local socket.
func (s *RelayStream) BindEndpoint(e *rtpio.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = e
}

// Endpoint returns the attached endpoint, or nil.
func (s *RelayStream) Endpoint() *rtpio.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// SetDestination points the socket at the negotiated remote endpoint.
func (s *RelayStream) SetDestination(addr string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint == nil {
		return errors.New("no endpoint bound")
	}
	s.endpoint.SetRemote(addr, port)
	return nil
}

// StartRelay spawns the blind forward loop.
func (s *RelayStream) StartRelay(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil || s.endpoint == nil || s.paired == nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	ep := s.endpoint
	paired := s.paired
	s.mu.Unlock()

	go func() {
		buf := make([]byte, 4096)
		for loopCtx.Err() == nil {
			_ = ep.SetReadDeadline(time.Now().Add(time.Second))
			_, n, err := ep.ReadPacket(buf)
			if err != nil && errors.Is(err, rtpio.ErrClosed) {
				return
			}
			if n == 0 {
				continue
			}
			out := paired.Endpoint()
			if out == nil {
				continue
			}
			metrics.RelayedPackets.Inc()
			_ = out.WriteRaw(buf[:n])
		}
	}()
}

// Close stops forwarding and releases the socket.
func (s *RelayStream) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	ep := s.endpoint
	s.endpoint = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ep != nil {
		_ = ep.Close()
	}
}

// RelayPair couples the two sides of one non-audio m-line.
type RelayPair struct {
	Index int
	A     *RelayStream
	B     *RelayStream
}

// NewRelayPair creates a linked pair for m-line index.
func NewRelayPair(index int) *RelayPair {
	p := &RelayPair{Index: index, A: &RelayStream{}, B: &RelayStream{}}
	p.A.mu.Lock()
	p.A.paired = p.B
	p.A.mu.Unlock()
	p.B.mu.Lock()
	p.B.paired = p.A
	p.B.mu.Unlock()
	return p
}

// Side returns the stream belonging to the given leg.
func (p *RelayPair) Side(leg Leg) *RelayStream {
	if leg == LegA {
		return p.A
	}
	return p.B
}

// Close tears down both sides.
func (p *RelayPair) Close() {
	p.A.Close()
	p.B.Close()
}

var _ fmt.Stringer = StreamKind(0)

// StreamKind distinguishes pair types when reporting.
type StreamKind int

const (
	// KindAudio is an audio m-line pair with payload-aware relay.
	KindAudio StreamKind = iota
	// KindRelay is a blindly-forwarded non-audio pair.
	KindRelay
)

// String returns the string representation of the kind.
func (k StreamKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindRelay:
		return "relay"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}
