package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a scheduler event.
type EventType string

const (
	EventItemReserved     EventType = "item_reserved"
	EventItemCompleted    EventType = "item_completed"
	EventItemRequeued     EventType = "item_requeued"
	EventItemSkipped      EventType = "item_skipped"
	EventRestartRequested EventType = "restart_requested"
	EventRestartFinished  EventType = "restart_finished"
	EventGlobalRecovery   EventType = "global_recovery"
	EventRunStarted       EventType = "run_started"
	EventRunFinished      EventType = "run_finished"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus delivers events asynchronously through one buffered channel per subscriber. Publish
// never blocks: when a subscriber's buffer is full the event is dropped for it and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	all         []chan Event
	bufferSize  int
	closed      bool
	dropped     atomic.Int64
	wg          sync.WaitGroup
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns its unsubscribe func.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.start(fn)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return func() { b.remove(eventType, ch) }
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.start(fn)
	b.all = append(b.all, ch)
	return func() { b.remove("", ch) }
}

func (b *Bus) start(fn Subscriber) chan Event {
	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			func() {
				// a panicking subscriber must not take the bus down
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()
	return ch
}

func (b *Bus) remove(eventType EventType, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	subs := b.all
	if eventType != "" {
		subs = b.subscribers[eventType]
	}
	for i, c := range subs {
		if c != ch {
			continue
		}
		subs = append(subs[:i], subs[i+1:]...)
		if eventType != "" {
			b.subscribers[eventType] = subs
		} else {
			b.all = subs
		}
		close(ch)
		return
	}
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	event := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
	for _, ch := range b.subscribers[eventType] {
		b.send(ch, event)
	}
	for _, ch := range b.all {
		b.send(ch, event)
	}
}

func (b *Bus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber lagged.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops accepting events and waits until subscribers drained what was queued.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	for _, ch := range b.all {
		close(ch)
	}
	b.all = nil
	b.mu.Unlock()
	b.wg.Wait()
}
