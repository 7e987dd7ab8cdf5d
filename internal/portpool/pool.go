// Package portpool manages RTP/RTCP port pair allocation for media streams.
package portpool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned when no port pair is available.
var ErrExhausted = errors.New("port pool exhausted")

// Pool hands out even/odd port pairs (even for RTP, odd for RTCP) from a
// fixed range. Allocation scans from a rotating cursor so freshly released
// ports are not immediately reused, which keeps late packets from a dead
// stream out of a new one.
type Pool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	cursor    int
	allocated map[int]bool
}

// New creates a pool over [minPort, maxPort]. minPort is rounded up to even.
func New(minPort, maxPort int) *Pool {
	if minPort%2 != 0 {
		minPort++
	}
	return &Pool{
		minPort:   minPort,
		maxPort:   maxPort,
		cursor:    minPort,
		allocated: make(map[int]bool),
	}
}

// Allocate returns an (RTP, RTCP) port pair.
func (p *Pool) Allocate() (rtpPort, rtcpPort int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := (p.maxPort - p.minPort + 1) / 2
	for i := 0; i < span; i++ {
		port := p.cursor
		p.cursor += 2
		if p.cursor >= p.maxPort {
			p.cursor = p.minPort
		}
		if !p.allocated[port] {
			p.allocated[port] = true
			return port, port + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w (range %d-%d)", ErrExhausted, p.minPort, p.maxPort)
}

// Release returns a pair to the pool. Releasing an unallocated port is a no-op.
func (p *Pool) Release(rtpPort int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, rtpPort)
}

// InUse returns the number of allocated pairs.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
