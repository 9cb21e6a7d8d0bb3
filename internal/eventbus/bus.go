// Package eventbus is a small in-process fanout used to publish execution,
// schedule and tab lifecycle notifications.
//
// Publish never blocks. Subscribers get a buffered channel and a slow
// subscriber loses events instead of stalling the publisher.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by userscriptd components.
const (
	TypeExecutionFinished = "execution.finished"
	TypeExecutionReport   = "execution.report"
	TypeScriptDisabled    = "script.disabled"
	TypeScheduleFired     = "schedule.fired"
	TypeScheduleChanged   = "schedule.changed"
	TypeGovernorWarning   = "governor.warning"
	TypeTabUpdated        = "tab.updated"
	TypeTabRemoved        = "tab.removed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock means no Publish is mid-send on ch.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
