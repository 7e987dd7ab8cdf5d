package b2b

import (
	"math/rand/v2"
	"time"
)

// pendingQueue holds offer/answer operations that arrived while an
// INVITE or UPDATE transaction was still in flight. Entries are replayed
// in FIFO order once the channel frees up; on a 491 the head entry stays
// queued and is rescheduled.
type pendingQueue struct {
	items []Event
}

func (q *pendingQueue) push(ev Event) {
	q.items = append(q.items, ev)
}

// pushFront requeues an operation that must run before everything else,
// used when a fired update bounced with 491.
func (q *pendingQueue) pushFront(ev Event) {
	q.items = append([]Event{ev}, q.items...)
}

func (q *pendingQueue) popFront() (Event, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

func (q *pendingQueue) len() int {
	return len(q.items)
}

func (q *pendingQueue) clear() {
	q.items = nil
}

// retryDelay picks a randomized back-off before retrying after a 491,
// per RFC 3261 section 14.1: the dialog owner waits in [2.1s, 4s], the
// callee side in [0, 2s]. The result never exceeds max; a zero max
// disables retries entirely.
func retryDelay(owner bool, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var d time.Duration
	if owner {
		d = 2100*time.Millisecond + time.Duration(rand.Int64N(int64(1900*time.Millisecond)))
	} else {
		d = time.Duration(rand.Int64N(int64(2 * time.Second)))
	}
	if d > max {
		d = max
	}
	return d
}
