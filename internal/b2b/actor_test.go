package b2b

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebas/tandem/internal/media"
)

func TestActorDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int

	a := NewActor("test", func(ev Event) {
		mu.Lock()
		got = append(got, int(ev.(ChangeRtpMode).Mode))
		mu.Unlock()
	})
	a.Start()

	for i := 0; i < 100; i++ {
		if err := a.Post(ChangeRtpMode{Mode: media.RTPMode(i)}); err != nil {
			t.Fatalf("Post() #%d error = %v", i, err)
		}
	}
	a.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("delivered %d events, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d delivered out of order (got %d)", i, v)
		}
	}
}

func TestActorPostAfterStop(t *testing.T) {
	a := NewActor("test", func(Event) {})
	a.Start()
	a.Stop()

	if err := a.Post(Terminate{}); !errors.Is(err, ErrLegTerminated) {
		t.Errorf("Post() after Stop error = %v, want ErrLegTerminated", err)
	}
}

func TestActorStopDrainsQueue(t *testing.T) {
	var mu sync.Mutex
	count := 0
	block := make(chan struct{})

	a := NewActor("test", func(Event) {
		<-block
		mu.Lock()
		count++
		mu.Unlock()
	})
	a.Start()

	for i := 0; i < 10; i++ {
		_ = a.Post(RetryPending{})
	}
	close(block)
	a.Stop()

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("handled %d events, want all 10 drained before Stop returned", count)
	}
}

func TestActorSurvivesHandlerPanic(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	a := NewActor("test", func(ev Event) {
		mu.Lock()
		seen = append(seen, eventName(ev))
		mu.Unlock()
		if _, ok := ev.(RefreshSession); ok {
			panic("boom")
		}
	})
	a.Start()

	_ = a.Post(RefreshSession{})
	_ = a.Post(RetryPending{})
	a.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("handled %d events, want 2 (panic must not kill the worker)", len(seen))
	}
}

func TestActorPostDoesNotBlock(t *testing.T) {
	block := make(chan struct{})
	a := NewActor("test", func(Event) { <-block })
	a.Start()
	defer func() {
		close(block)
		a.Stop()
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = a.Post(RetryPending{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Post() blocked on a busy handler")
	}
}
