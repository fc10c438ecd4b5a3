package event

import (
	"sync"

	"go.uber.org/zap"
)

// Observer receives events one at a time. String arguments are only valid
// for the duration of the call and must not be retained.
type Observer func(Event)

// The observer slot is process-wide: every live instance delivers through
// whichever observer is currently registered. observerMu is held both while
// registering and while an event is being delivered, so replacing the
// observer is atomic with respect to in-flight dispatch. An Observer must
// not call RegisterObserver from inside the callback.
var (
	observerMu sync.Mutex
	observer   Observer
)

// RegisterObserver replaces the current observer. A nil observer means
// events are silently dropped.
func RegisterObserver(obs Observer) {
	observerMu.Lock()
	observer = obs
	observerMu.Unlock()
}

func deliver(ev Event) {
	observerMu.Lock()
	defer observerMu.Unlock()
	if observer != nil {
		observer(ev)
	}
}

// Emitter serializes one instance's events onto the observer slot. Events
// emitted by concurrent engine activities are delivered by a single
// goroutine in FIFO order, which preserves per-peer causal order. The queue
// grows as needed: a slow observer delays delivery but never loses events,
// and Emit never blocks engine activities.
type Emitter struct {
	log  *zap.Logger
	done chan struct{}

	mu     sync.Mutex
	wake   *sync.Cond
	queue  []Event
	closed bool
}

// NewEmitter creates an emitter and starts its dispatch goroutine.
func NewEmitter(log *zap.Logger) *Emitter {
	e := &Emitter{
		log:  log,
		done: make(chan struct{}),
	}
	e.wake = sync.NewCond(&e.mu)
	go e.run()
	return e
}

func (e *Emitter) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.wake.Wait()
		}
		batch := e.queue
		e.queue = nil
		closed := e.closed
		e.mu.Unlock()

		for _, ev := range batch {
			deliver(ev)
		}
		// Once closed is observed the queue cannot grow again, so an
		// empty batch means everything has been delivered.
		if closed && len(batch) == 0 {
			return
		}
	}
}

// Emit queues an event for delivery. Events emitted after Close are
// dropped.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, ev)
	e.wake.Signal()
}

// Close delivers everything already queued and stops dispatch. No event
// from this emitter is delivered after Close returns.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.wake.Signal()
	e.mu.Unlock()
	<-e.done
}
