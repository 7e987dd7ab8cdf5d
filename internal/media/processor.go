package media

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TimeoutFunc is invoked by the processor when a registered call has seen
// no RTP for longer than the configured timeout. Called from the
// processor's goroutine; implementations must post an event rather than
// mutate leg state directly.
type TimeoutFunc func(c *Controller)

// Processor is the background media-processing actor. Calls that need
// per-frame work (transcoding, inband DTMF) or RTP supervision register
// their controller here; the processor holds one reference per registered
// controller for as long as it is active on it.
type Processor struct {
	mu      sync.Mutex
	entries map[*Controller]processorEntry

	interval time.Duration
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type processorEntry struct {
	onTimeout TimeoutFunc
	deadline  time.Time
}

// NewProcessor creates a processor checking registered calls every
// interval, reporting calls idle for longer than timeout. A zero timeout
// disables supervision.
func NewProcessor(interval, timeout time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		entries:  make(map[*Controller]processorEntry),
		interval: interval,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SupervisesTimeouts reports whether idle-call supervision is enabled.
func (p *Processor) SupervisesTimeouts() bool {
	return p.timeout > 0
}

// Start launches the processing loop.
func (p *Processor) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop terminates the loop and releases every held controller reference.
func (p *Processor) Stop() {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	held := make([]*Controller, 0, len(p.entries))
	for c := range p.entries {
		held = append(held, c)
	}
	p.entries = make(map[*Controller]processorEntry)
	p.mu.Unlock()

	for _, c := range held {
		c.Release()
	}
}

// Register puts a controller under the processor's supervision, taking a
// reference on it. Registering twice is a no-op.
func (p *Processor) Register(c *Controller, onTimeout TimeoutFunc) {
	p.mu.Lock()
	if _, exists := p.entries[c]; exists {
		p.mu.Unlock()
		return
	}
	p.entries[c] = processorEntry{
		onTimeout: onTimeout,
		deadline:  time.Now().Add(p.timeout),
	}
	p.mu.Unlock()

	c.AddReference()
	slog.Debug("[Processor] Controller registered", "id", c.ID())
}

// Unregister removes a controller and drops the processor's reference.
func (p *Processor) Unregister(c *Controller) {
	p.mu.Lock()
	_, exists := p.entries[c]
	delete(p.entries, c)
	p.mu.Unlock()

	if exists {
		c.Release()
		slog.Debug("[Processor] Controller unregistered", "id", c.ID())
	}
}

// Active returns the number of supervised controllers.
func (p *Processor) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Processor) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

// sweep checks every supervised call for RTP inactivity. Timed out calls
// are reported once and removed from supervision; the callback owns the
// teardown from there.
func (p *Processor) sweep(now time.Time) {
	if p.timeout <= 0 {
		return
	}

	type timedOut struct {
		c  *Controller
		fn TimeoutFunc
	}
	var expired []timedOut

	p.mu.Lock()
	for c, entry := range p.entries {
		last := lastStreamActivity(c)
		if !last.IsZero() && now.Sub(last) < p.timeout {
			entry.deadline = now.Add(p.timeout)
			p.entries[c] = entry
			continue
		}
		if now.Before(entry.deadline) {
			continue
		}
		expired = append(expired, timedOut{c, entry.onTimeout})
		delete(p.entries, c)
	}
	p.mu.Unlock()

	for _, e := range expired {
		slog.Warn("[Processor] RTP timeout", "id", e.c.ID())
		if e.fn != nil {
			e.fn(e.c)
		}
		e.c.Release()
	}
}

// lastStreamActivity returns the most recent receive time across the
// controller's audio endpoints, or the zero time if none is bound.
func lastStreamActivity(c *Controller) time.Time {
	var last time.Time
	for _, pair := range c.AudioPairs() {
		for _, s := range []*AudioStream{pair.A, pair.B} {
			if ep := s.Endpoint(); ep != nil {
				if t := ep.LastActivity(); t.After(last) {
					last = t
				}
			}
		}
	}
	return last
}
