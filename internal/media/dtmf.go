package media

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// DTMFEvent represents an RFC 4733 telephone-event payload.
// The payload format is 4 bytes:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event      uint8  // 0-15: 0-9, *, #, A-D
	EndOfEvent bool   // E bit: marks final packet of event
	Volume     uint8  // 0-63: expressed in dBm0
	Duration   uint16 // Duration in timestamp units
}

// Encode serializes the DTMF event to RFC 4733 4-byte format.
func (e DTMFEvent) Encode() []byte {
	b := make([]byte, 4)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.EndOfEvent {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

// DecodeDTMFEvent decodes an RFC 4733 4-byte payload into a DTMFEvent.
func DecodeDTMFEvent(payload []byte) (DTMFEvent, error) {
	if len(payload) < 4 {
		return DTMFEvent{}, fmt.Errorf("DTMF payload too short: %d bytes", len(payload))
	}
	return DTMFEvent{
		Event:      payload[0],
		EndOfEvent: (payload[1] & 0x80) != 0,
		Volume:     payload[1] & 0x3F,
		Duration:   binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

// Rune returns the keypad character for the event code.
func (e DTMFEvent) Rune() (rune, bool) {
	switch {
	case e.Event <= 9:
		return rune('0' + e.Event), true
	case e.Event == 10:
		return '*', true
	case e.Event == 11:
		return '#', true
	case e.Event <= 15:
		return rune('A' + e.Event - 12), true
	}
	return 0, false
}

// String returns a human-readable representation of the event.
func (e DTMFEvent) String() string {
	r, ok := e.Rune()
	if !ok {
		return fmt.Sprintf("dtmf(%d)", e.Event)
	}
	return fmt.Sprintf("dtmf(%c end=%v dur=%d)", r, e.EndOfEvent, e.Duration)
}

// DTMFQueue collects intercepted telephone events from a relayed stream.
// Writers drop events when the queue is full rather than blocking the
// packet path; end-of-event packets are deduplicated by retransmission.
type DTMFQueue struct {
	mu        sync.Mutex
	events    []DTMFEvent
	limit     int
	lastEvent *DTMFEvent
}

// NewDTMFQueue creates a queue holding at most limit events.
func NewDTMFQueue(limit int) *DTMFQueue {
	if limit <= 0 {
		limit = 32
	}
	return &DTMFQueue{limit: limit}
}

// Push records an event. Only the end-of-event packet of each tone is
// queued, and RFC 4733 end retransmissions are collapsed into one entry.
func (q *DTMFQueue) Push(e DTMFEvent) {
	if !e.EndOfEvent {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastEvent != nil && q.lastEvent.Event == e.Event && q.lastEvent.Duration == e.Duration {
		return
	}
	ev := e
	q.lastEvent = &ev
	if len(q.events) >= q.limit {
		return
	}
	q.events = append(q.events, e)
}

// Pop removes and returns the oldest event.
func (q *DTMFQueue) Pop() (DTMFEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return DTMFEvent{}, false
	}
	e := q.events[0]
	q.events = q.events[1:]
	return e, true
}

// Len returns the number of queued events.
func (q *DTMFQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
