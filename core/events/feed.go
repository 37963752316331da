package events

import "sync"

// Feed fans events out to in-process subscriber channels. Sends never block:
// a subscriber that cannot keep up loses events rather than stalling the
// emitting engine. Closing the feed closes every subscriber channel.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

// NewFeed constructs an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Emit delivers the event to every live subscriber. Implements Emitter.
func (f *Feed) Emit(evt Event) {
	if f == nil || evt == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a buffered channel and returns it alongside an
// unsubscribe function. Unsubscribing closes the channel.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

// Close releases every subscriber by closing its channel.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
