// Package bus provides the in-process system-event fan-out used to push
// task/lease lifecycle notices to interested taps (the mcptool websocket
// watch stream, metrics, audit logging) without polling.
package bus

import "sync"

// Subscriber is a named tap on the system-event stream. Multiple subscribers
// can independently consume the same published events (fan-out).
type Subscriber struct {
	Name string
	ch   chan SystemEvent
}

// MessageBus fans out SystemEvents to every active subscriber. Publishing
// never blocks: a slow subscriber drops events rather than stalling the
// publisher (a lease reclamation must never wait on a stuck watcher).
type MessageBus struct {
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	subs      []*Subscriber
}

// NewMessageBus creates an empty bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{}
}

// Subscribe creates a named subscriber that receives copies of every
// published SystemEvent. The returned channel is buffered; slow consumers
// drop events rather than blocking publishers.
func (mb *MessageBus) Subscribe(name string) <-chan SystemEvent {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan SystemEvent, 64)}
	mb.subs = append(mb.subs, sub)
	return sub.ch
}

// Publish fans an event out to all subscribers, non-blocking.
func (mb *MessageBus) Publish(event SystemEvent) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	for _, sub := range mb.subs {
		select {
		case sub.ch <- event:
		default: // drop if slow
		}
	}
}

// Close shuts the bus down and closes every subscriber channel. Safe to
// call more than once.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		mb.closed = true
		for _, sub := range mb.subs {
			close(sub.ch)
		}
	})
}
