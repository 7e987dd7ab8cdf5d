// Package rtpio provides the local RTP endpoint used by media streams.
package rtpio

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// ErrNoRemote is returned when writing before a remote endpoint is known.
var ErrNoRemote = errors.New("no remote endpoint set")

// ErrClosed is returned by reads and writes after Close.
var ErrClosed = errors.New("endpoint closed")

// Endpoint is one local RTP socket. It carries the remote destination for
// outgoing packets and, when symmetric RTP is enabled, relearns that
// destination from the source of the first packets received.
type Endpoint struct {
	conn      *net.UDPConn
	localPort int

	mu        sync.Mutex
	remote    *net.UDPAddr
	symmetric bool
	learned   bool

	closed       atomic.Bool
	lastActivity atomic.Int64 // unix nanos of last received packet
}

// Listen binds a UDP socket on bindAddr:port.
func Listen(bindAddr string, port int) (*Endpoint, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(bindAddr), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind rtp socket %s:%d: %w", bindAddr, port, err)
	}
	e := &Endpoint{
		conn:      conn,
		localPort: conn.LocalAddr().(*net.UDPAddr).Port,
	}
	e.lastActivity.Store(time.Now().UnixNano())
	return e, nil
}

// LocalPort returns the bound RTP port.
func (e *Endpoint) LocalPort() int {
	return e.localPort
}

// SetSymmetric enables or disables symmetric RTP learning.
func (e *Endpoint) SetSymmetric(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.symmetric = on
	e.learned = false
}

// SetRemote sets the destination for outgoing packets. Resets symmetric
// learning so the next received packet may override it again.
func (e *Endpoint) SetRemote(addr string, port int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote = &net.UDPAddr{IP: net.ParseIP(addr), Port: port}
	e.learned = false
}

// Remote returns the current destination, or nil if none is set.
func (e *Endpoint) Remote() *net.UDPAddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

// ReadPacket blocks until the next RTP packet arrives and returns it parsed
// together with the raw datagram length in buf. With symmetric RTP enabled,
// the first packet's source becomes the new remote destination.
func (e *Endpoint) ReadPacket(buf []byte) (*rtp.Packet, int, error) {
	if e.closed.Load() {
		return nil, 0, ErrClosed
	}
	n, src, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		if e.closed.Load() {
			return nil, 0, ErrClosed
		}
		return nil, 0, fmt.Errorf("read rtp: %w", err)
	}
	e.lastActivity.Store(time.Now().UnixNano())

	e.mu.Lock()
	if e.symmetric && !e.learned {
		e.remote = src
		e.learned = true
	}
	e.mu.Unlock()

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		return nil, n, fmt.Errorf("unmarshal rtp: %w", err)
	}
	return pkt, n, nil
}

// WritePacket sends an RTP packet to the remote destination.
func (e *Endpoint) WritePacket(pkt *rtp.Packet) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp: %w", err)
	}
	return e.WriteRaw(raw)
}

// WriteRaw sends an already-encoded packet to the remote destination.
func (e *Endpoint) WriteRaw(raw []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.mu.Lock()
	remote := e.remote
	e.mu.Unlock()
	if remote == nil {
		return ErrNoRemote
	}
	if _, err := e.conn.WriteToUDP(raw, remote); err != nil {
		return fmt.Errorf("write rtp: %w", err)
	}
	return nil
}

// SetReadDeadline sets the deadline for blocking reads.
func (e *Endpoint) SetReadDeadline(t time.Time) error {
	return e.conn.SetReadDeadline(t)
}

// LastActivity returns the time of the last received packet.
func (e *Endpoint) LastActivity() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

// Close releases the socket. Safe to call multiple times.
func (e *Endpoint) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		return e.conn.Close()
	}
	return nil
}
