package b2b

import (
	"testing"
	"time"
)

func TestPendingQueueFIFO(t *testing.T) {
	var q pendingQueue
	q.push(holdRequest{})
	q.push(resumeRequest{})

	ev, ok := q.popFront()
	if !ok {
		t.Fatal("popFront() on non-empty queue returned false")
	}
	if _, isHold := ev.(holdRequest); !isHold {
		t.Errorf("popFront() = %T, want holdRequest", ev)
	}
	ev, _ = q.popFront()
	if _, isResume := ev.(resumeRequest); !isResume {
		t.Errorf("popFront() = %T, want resumeRequest", ev)
	}
	if _, ok := q.popFront(); ok {
		t.Error("popFront() on empty queue returned true")
	}
}

func TestPendingQueuePushFront(t *testing.T) {
	var q pendingQueue
	q.push(holdRequest{})
	q.pushFront(refreshRequest{})

	ev, _ := q.popFront()
	if _, isRefresh := ev.(refreshRequest); !isRefresh {
		t.Errorf("popFront() = %T, want the re-queued refreshRequest first", ev)
	}
	if q.len() != 1 {
		t.Errorf("len() = %d, want 1", q.len())
	}
}

func TestPendingQueueClear(t *testing.T) {
	var q pendingQueue
	q.push(holdRequest{})
	q.push(holdRequest{})
	q.clear()
	if q.len() != 0 {
		t.Errorf("len() after clear = %d, want 0", q.len())
	}
}

func TestRetryDelayOwnerRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := retryDelay(true, 10*time.Second)
		if d < 2100*time.Millisecond || d >= 4*time.Second {
			t.Fatalf("owner delay %v outside [2.1s, 4s)", d)
		}
	}
}

func TestRetryDelayCalleeRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := retryDelay(false, 10*time.Second)
		if d < 0 || d >= 2*time.Second {
			t.Fatalf("callee delay %v outside [0, 2s)", d)
		}
	}
}

func TestRetryDelayCapped(t *testing.T) {
	for i := 0; i < 100; i++ {
		if d := retryDelay(true, time.Second); d > time.Second {
			t.Fatalf("delay %v exceeds the configured maximum", d)
		}
	}
}

func TestRetryDelayDisabled(t *testing.T) {
	if d := retryDelay(true, 0); d != 0 {
		t.Errorf("retryDelay with zero max = %v, want 0", d)
	}
}
