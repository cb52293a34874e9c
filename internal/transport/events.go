package transport

import (
	"sort"
	"sync"
)

// Event is one of Opened, Closed, Message or Error.
type Event interface {
	event()
}

// Opened is emitted once a connection is established and the outgoing queue
// has been flushed.
type Opened struct{}

// Closed is emitted when a connection ends for any reason other than
// Dispose. Failed dials are reported as Closed with code 1006.
type Closed struct {
	Code   int
	Reason string
}

// Message carries one raw inbound frame.
type Message struct {
	Data []byte
}

// Error reports a non-fatal transport problem.
type Error struct {
	Err error
}

func (Opened) event()  {}
func (Closed) event()  {}
func (Message) event() {}
func (Error) event()   {}

// Handler receives transport events. Handlers for one connection are called
// sequentially from that connection's goroutine.
type Handler func(Event)

// bus is a small ordered publish/subscribe registry.
type bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]Handler
}

func (b *bus) subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[uint64]Handler)
	}
	id := b.next
	b.next++
	b.subs[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// handlers returns the current subscribers in subscription order.
func (b *bus) handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Handler, len(ids))
	for i, id := range ids {
		out[i] = b.subs[id]
	}
	return out
}

func (b *bus) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}
