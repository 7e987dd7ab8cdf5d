package b2b

import (
	"log/slog"
	"sync"
)

// Actor runs a leg's event handler on a single goroutine fed from an
// unbounded FIFO mailbox. Posting never blocks the sender, so two legs
// posting to each other cannot deadlock, and all leg state is touched
// from exactly one goroutine.
type Actor struct {
	id      string
	handler func(Event)

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	closed bool

	done chan struct{}
}

// NewActor creates a stopped actor for the given leg ID.
func NewActor(id string, handler func(Event)) *Actor {
	return &Actor{
		id:      id,
		handler: handler,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (a *Actor) Start() {
	go a.run()
}

// Post appends an event to the mailbox. Returns ErrLegTerminated once
// the actor has been stopped.
func (a *Actor) Post(ev Event) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrLegTerminated
	}
	a.queue = append(a.queue, ev)
	a.mu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
	return nil
}

// Stop closes the mailbox and waits for the worker to drain the events
// already queued.
func (a *Actor) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	a.mu.Unlock()

	select {
	case a.notify <- struct{}{}:
	default:
	}
	<-a.done
}

// Len returns the number of queued events.
func (a *Actor) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		a.mu.Lock()
		batch := a.queue
		a.queue = nil
		closed := a.closed
		a.mu.Unlock()

		for _, ev := range batch {
			a.dispatch(ev)
		}
		if closed {
			a.mu.Lock()
			rest := a.queue
			a.queue = nil
			a.mu.Unlock()
			for _, ev := range rest {
				a.dispatch(ev)
			}
			return
		}
		if len(batch) == 0 {
			<-a.notify
		}
	}
}

func (a *Actor) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Actor] Handler panicked", "leg_id", a.id, "event", eventName(ev), "panic", r)
		}
	}()
	a.handler(ev)
}

// eventName returns a short name for logging.
func eventName(ev Event) string {
	switch ev.(type) {
	case ConnectLeg:
		return "ConnectLeg"
	case ReconnectLeg:
		return "ReconnectLeg"
	case ReplaceLeg:
		return "ReplaceLeg"
	case DisconnectLeg:
		return "DisconnectLeg"
	case ResumeHeldLeg:
		return "ResumeHeldLeg"
	case ChangeRtpMode:
		return "ChangeRtpMode"
	case RequestRelay:
		return "RequestRelay"
	case ReplyRelay:
		return "ReplyRelay"
	case OwnRequest:
		return "OwnRequest"
	case OwnResponse:
		return "OwnResponse"
	case RetryPending:
		return "RetryPending"
	case RefreshSession:
		return "RefreshSession"
	case Terminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}
