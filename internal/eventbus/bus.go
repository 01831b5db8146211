// Package eventbus carries run lifecycle notifications between the
// delivery engine and in-process observers without coupling the two.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the delivery engine.
const (
	TypeRunQueued      = "run.queued"
	TypeRunStarted     = "run.started"
	TypeRunResumed     = "run.resumed"
	TypeRunCompleted   = "run.completed"
	TypeRunAborted     = "run.aborted"
	TypeDeliveryFailed = "delivery.failed"
)

// Event is one notification. Data carries a small payload specific to
// the Type; Publish stamps Time when the publisher left it zero.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a
// subscriber that falls behind its buffer loses events rather than
// stalling the delivery engine.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory Bus. It owns no background goroutines;
// delivery happens on the publisher's goroutine.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	next atomic.Uint64
	subs map[uint64]chan Event
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		offer(ch, e)
	}
}

// offer delivers without blocking and absorbs the send-on-closed panic
// that a concurrent unsubscribe can cause.
func offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.next.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
