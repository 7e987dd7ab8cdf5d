// Package media owns the RTP relay and transcoding for one bridged call.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/sebas/tandem/internal/metrics"
	"github.com/sebas/tandem/internal/portpool"
	"github.com/sebas/tandem/internal/rtpio"
	"github.com/sebas/tandem/internal/sdpx"
)

// Leg identifies one side of the bridged call.
type Leg int

const (
	// LegA is the caller side.
	LegA Leg = iota
	// LegB is the callee side.
	LegB
)

// Other returns the opposite side.
func (l Leg) Other() Leg {
	if l == LegA {
		return LegB
	}
	return LegA
}

// String returns "A" or "B".
func (l Leg) String() string {
	if l == LegA {
		return "A"
	}
	return "B"
}

// RTPMode selects how media is handled for a leg.
type RTPMode int

const (
	// ModeRelay forwards packets at the transport layer.
	ModeRelay RTPMode = iota
	// ModeTranscode decodes and re-encodes audio frames.
	ModeTranscode
	// ModeDirect keeps the engine out of the media path entirely.
	ModeDirect
)

// String returns the string representation of the mode.
func (m RTPMode) String() string {
	switch m {
	case ModeRelay:
		return "relay"
	case ModeTranscode:
		return "transcode"
	case ModeDirect:
		return "direct"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// LegConfig is the read-only view of a leg's media configuration. The
// controller holds these as non-owning references: a leg may die while the
// controller lives on, so implementations must stay safe to call after the
// leg is gone.
type LegConfig interface {
	RTPMode() RTPMode
	SymmetricRTP() bool
	InbandDTMFDetection() bool
}

// Controller owns the stream pairs of one bridged call, computes relay
// masks on each completed offer/answer round, rewrites connection addresses
// and decides relay versus transcoding.
//
// It is the one object shared between both legs' workers and the media
// processor, guarded by a single mutex. The lock is never held across
// callbacks that could re-enter the controller.
type Controller struct {
	mu sync.Mutex

	id       string
	refCount int
	released bool

	audioPairs []*AudioPair
	relayPairs map[int]*RelayPair
	// lineKind records, per m-line index, how that line is handled.
	lineKind []lineHandling

	legs      [2]LegConfig
	localSDP  [2]*sdp.SessionDescription
	remoteSDP [2]*sdp.SessionDescription

	pool           *portpool.Pool
	bindAddr       string
	advertiseAddr  string
	holdZeroConn   bool
	allocatedPorts []int

	ctx    context.Context
	cancel context.CancelFunc

	onDestroy func()
}

type lineHandling int

const (
	lineAudio lineHandling = iota
	lineRelay
	linePassthrough
)

// NewController creates a controller with a reference count of zero; each
// leg (and the processor, while active) must call AddReference.
func NewController(pool *portpool.Pool, bindAddr, advertiseAddr string, holdZeroConn bool) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:            "media-" + uuid.New().String(),
		relayPairs:    make(map[int]*RelayPair),
		pool:          pool,
		bindAddr:      bindAddr,
		advertiseAddr: advertiseAddr,
		holdZeroConn:  holdZeroConn,
		ctx:           ctx,
		cancel:        cancel,
	}
	metrics.MediaSessions.Inc()
	return c
}

// ID returns the controller identifier.
func (c *Controller) ID() string {
	return c.id
}

// OnDestroy registers a callback fired exactly once when the last
// reference is released.
func (c *Controller) OnDestroy(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDestroy = fn
}

// AddReference takes a strong reference on the controller.
func (c *Controller) AddReference() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		slog.Warn("[Media] AddReference on destroyed controller", "id", c.id)
		return
	}
	c.refCount++
}

// Release drops one reference. The controller is destroyed exactly when
// the count transitions from 1 to 0; concurrent releases from both legs
// and the processor are serialized by the controller lock.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	if c.refCount <= 0 {
		c.mu.Unlock()
		slog.Error("[Media] Release without reference", "id", c.id)
		return
	}
	c.refCount--
	if c.refCount > 0 {
		c.mu.Unlock()
		return
	}
	c.released = true
	onDestroy := c.onDestroy
	c.mu.Unlock()

	c.teardown()
	if onDestroy != nil {
		onDestroy()
	}
}

// RefCount returns the current reference count.
func (c *Controller) RefCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refCount
}

// SetLegConfig attaches the non-owning configuration reader for one leg.
func (c *Controller) SetLegConfig(leg Leg, cfg LegConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.legs[leg] = cfg
}

// CreateStreams lazily creates one AudioPair per audio m-line and one
// RelayPair per other relayable m-line of the SDP. Stream identity is
// positional and stable across subsequent offer/answer rounds: lines seen
// once keep their pair for the call's lifetime.
func (c *Controller) CreateStreams(sd *sdp.SessionDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createStreamsLocked(sd)
}

func (c *Controller) createStreamsLocked(sd *sdp.SessionDescription) {
	for i, m := range sd.MediaDescriptions {
		if i < len(c.lineKind) {
			continue // known line, identity is stable
		}
		switch {
		case m.MediaName.Media == "audio" && sdpx.IsRelayable(m):
			pair := NewAudioPair(i)
			c.audioPairs = append(c.audioPairs, pair)
			c.lineKind = append(c.lineKind, lineAudio)
		case sdpx.IsRelayable(m):
			c.relayPairs[i] = NewRelayPair(i)
			c.lineKind = append(c.lineKind, lineRelay)
		default:
			c.lineKind = append(c.lineKind, linePassthrough)
		}
	}
}

// audioPairForLine returns the pair serving m-line index, or nil.
func (c *Controller) audioPairForLine(index int) *AudioPair {
	for _, p := range c.audioPairs {
		if p.Index == index {
			return p
		}
	}
	return nil
}

// UpdateStreams is called once the full local and remote SDP is known for
// one leg. Per media line it stores the relay payload mask in the other
// leg's stream (everything but telephone-event, which is intercepted and
// regenerated rather than blindly forwarded) and points this leg's stream
// at the negotiated remote address/port.
func (c *Controller) UpdateStreams(leg Leg, local, remote *sdp.SessionDescription) error {
	c.mu.Lock()
	c.createStreamsLocked(remote)
	c.localSDP[leg] = local
	c.remoteSDP[leg] = remote

	type relayTarget struct {
		audio *AudioStream
		relay *RelayStream
		addr  string
		port  int
	}
	var targets []relayTarget

	for i, m := range remote.MediaDescriptions {
		if i >= len(c.lineKind) || c.lineKind[i] == linePassthrough {
			continue
		}
		addr := sdpx.ConnectionAddress(remote, m)
		port := m.MediaName.Port.Value

		if c.lineKind[i] == lineRelay {
			pair := c.relayPairs[i]
			if pair == nil {
				continue
			}
			st := pair.Side(leg)
			if addr != "" && port != 0 {
				targets = append(targets, relayTarget{relay: st, addr: addr, port: port})
			}
			continue
		}

		pair := c.audioPairForLine(i)
		if pair == nil {
			continue
		}
		mine := pair.Side(leg)
		other := pair.Side(leg.Other())

		// The mask lives on the other leg's stream: it may only forward
		// payloads this leg's party has negotiated.
		other.SetRelayMask(sdpx.RelayPayloads(m))
		mine.SetDTMFPayloads(sdpx.TelephoneEventPayloads(m))

		if cfg := c.legs[leg]; cfg != nil && cfg.InbandDTMFDetection() && mine.DTMF() == nil {
			mine.EnableDTMFQueue(NewDTMFQueue(0))
		}

		if !sdpx.IsZeroedConnection(remote, m) && addr != "" && port != 0 {
			targets = append(targets, relayTarget{audio: mine, addr: addr, port: port})
		}
	}

	c.configureTranscodeLocked()
	ctx := c.ctx
	c.mu.Unlock()

	// Destinations and relay loops are armed outside the lock; stream
	// state has its own finer-grained locking.
	for _, t := range targets {
		if t.audio != nil {
			if err := t.audio.SetRelayDestination(t.addr, t.port); err != nil {
				slog.Debug("[Media] Relay destination skipped", "id", c.id, "error", err)
				continue
			}
			t.audio.StartRelay(ctx)
		} else if t.relay != nil {
			if err := t.relay.SetDestination(t.addr, t.port); err != nil {
				continue
			}
			t.relay.StartRelay(ctx)
		}
	}

	slog.Debug("[Media] Streams updated", "id", c.id, "leg", leg.String())
	return nil
}

// configureTranscodeLocked compares the negotiated audio codecs of both
// legs and arms per-frame G.711 transcoding when they differ.
func (c *Controller) configureTranscodeLocked() {
	codecA, okA := c.negotiatedCodecLocked(LegA)
	codecB, okB := c.negotiatedCodecLocked(LegB)
	if !okA || !okB {
		return
	}
	for _, pair := range c.audioPairs {
		if codecA.PayloadType == codecB.PayloadType {
			pair.A.SetTranscode(codecA, codecA)
			pair.B.SetTranscode(codecB, codecB)
			continue
		}
		// Packets read on the A side carry codecA and must leave towards
		// the B party as codecB, and vice versa.
		pair.A.SetTranscode(codecA, codecB)
		pair.B.SetTranscode(codecB, codecA)
		// Transcoded payloads must not also pass the verbatim relay mask.
		pair.A.SetRelayMask(nil)
		pair.B.SetRelayMask(nil)
	}
}

// negotiatedCodecLocked returns the first supported G.711 codec in the
// leg's remote SDP audio line.
func (c *Controller) negotiatedCodecLocked(leg Leg) (Codec, bool) {
	remote := c.remoteSDP[leg]
	if remote == nil {
		return Codec{}, false
	}
	for _, m := range remote.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		for _, pt := range sdpx.RelayPayloads(m) {
			if codec, ok := CodecByPayload(pt); ok {
				return codec, true
			}
		}
	}
	return Codec{}, false
}

// ReplaceConnectionAddress rewrites the outgoing SDP's connection address
// and ports to this relay's own address, allocating the local RTP sockets
// at this point. Non-relayable and disabled media lines are preserved
// verbatim.
func (c *Controller) ReplaceConnectionAddress(leg Leg, sd *sdp.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createStreamsLocked(sd)

	ports := make([]*sdpx.MediaPorts, len(sd.MediaDescriptions))
	for i, m := range sd.MediaDescriptions {
		if i >= len(c.lineKind) || c.lineKind[i] == linePassthrough {
			continue
		}
		if sdpx.IsZeroedConnection(sd, m) {
			continue
		}

		var port int
		var err error
		switch c.lineKind[i] {
		case lineAudio:
			pair := c.audioPairForLine(i)
			if pair == nil {
				continue
			}
			port, err = c.ensureEndpointLocked(leg, pair.Side(leg).Endpoint, pair.Side(leg).BindEndpoint)
		case lineRelay:
			pair := c.relayPairs[i]
			if pair == nil {
				continue
			}
			port, err = c.ensureEndpointLocked(leg, pair.Side(leg).Endpoint, pair.Side(leg).BindEndpoint)
		}
		if err != nil {
			return fmt.Errorf("allocate relay endpoint for line %d: %w", i, err)
		}
		ports[i] = &sdpx.MediaPorts{Port: port}
	}

	return sdpx.ReplaceConnectionAddress(sd, c.advertiseAddr, ports)
}

// ensureEndpointLocked allocates and binds a local socket if the stream
// has none yet, and returns its port.
func (c *Controller) ensureEndpointLocked(leg Leg, get func() *rtpio.Endpoint, bind func(*rtpio.Endpoint)) (int, error) {
	if ep := get(); ep != nil {
		return ep.LocalPort(), nil
	}
	rtpPort, _, err := c.pool.Allocate()
	if err != nil {
		return 0, err
	}
	ep, err := rtpio.Listen(c.bindAddr, rtpPort)
	if err != nil {
		c.pool.Release(rtpPort)
		return 0, err
	}
	if cfg := c.legs[leg]; cfg != nil && cfg.SymmetricRTP() {
		ep.SetSymmetric(true)
	}
	c.allocatedPorts = append(c.allocatedPorts, rtpPort)
	bind(ep)
	return ep.LocalPort(), nil
}

// SynthesizeHoldAnswer answers an offer received while this side is on
// hold: all audio lines are forced inactive and the connection address is
// zeroed or replaced with our own depending on configuration.
func (c *Controller) SynthesizeHoldAnswer(offer *sdp.SessionDescription) (*sdp.SessionDescription, error) {
	c.mu.Lock()
	addr := c.advertiseAddr
	zero := c.holdZeroConn
	c.mu.Unlock()
	return sdpx.SynthesizeHoldAnswer(offer, addr, zero)
}

// Mute pauses all audio forwarded towards the given leg's party.
func (c *Controller) Mute(leg Leg, muted bool) {
	c.mu.Lock()
	pairs := make([]*AudioPair, len(c.audioPairs))
	copy(pairs, c.audioPairs)
	c.mu.Unlock()

	for _, p := range pairs {
		p.Side(leg).SetMuted(muted)
	}
}

// IsMuted reports whether audio towards the leg's party is paused.
func (c *Controller) IsMuted(leg Leg) bool {
	c.mu.Lock()
	pairs := make([]*AudioPair, len(c.audioPairs))
	copy(pairs, c.audioPairs)
	c.mu.Unlock()

	for _, p := range pairs {
		if p.Side(leg).Muted() {
			return true
		}
	}
	return false
}

// NeedsProcessor reports whether this call requires the media processor:
// a transcoding mode configured on either leg, or inband DTMF detection.
// Pure relay paths never touch the processor.
func (c *Controller) NeedsProcessor() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cfg := range c.legs {
		if cfg == nil {
			continue
		}
		if cfg.RTPMode() == ModeTranscode || cfg.InbandDTMFDetection() {
			return true
		}
	}
	for _, p := range c.audioPairs {
		if p.A.Transcoding() || p.B.Transcoding() {
			return true
		}
	}
	return false
}

// AudioPairs returns a snapshot of the audio pairs.
func (c *Controller) AudioPairs() []*AudioPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*AudioPair, len(c.audioPairs))
	copy(out, c.audioPairs)
	return out
}

// teardown stops all streams and releases sockets and ports.
func (c *Controller) teardown() {
	c.cancel()

	c.mu.Lock()
	audio := c.audioPairs
	relay := c.relayPairs
	ports := c.allocatedPorts
	c.audioPairs = nil
	c.relayPairs = map[int]*RelayPair{}
	c.allocatedPorts = nil
	c.mu.Unlock()

	for _, p := range audio {
		p.Close()
	}
	for _, p := range relay {
		p.Close()
	}
	for _, port := range ports {
		c.pool.Release(port)
	}
	metrics.MediaSessions.Dec()
	slog.Info("[Media] Controller destroyed", "id", c.id)
}
