package events

import (
	"sync"
)

type Handler func(Event)

// Stream is an in-process typed event stream.
//
// Events are delivered in publish order. Delivery never re-enters: a handler
// that publishes has its event queued and delivered after it returns, by
// whichever goroutine is currently draining the queue.
type Stream struct {
	mu       sync.Mutex
	handlers map[Kind][]subscription
	nextID   int
	queue    []Event
	draining bool
}

type subscription struct {
	id int
	fn Handler
}

func NewStream() *Stream {
	return &Stream{handlers: make(map[Kind][]subscription)}
}

// Subscribe registers handler for kind (or KindAll) and returns a func that
// removes it. The returned func is safe to call more than once.
func (s *Stream) Subscribe(kind Kind, handler Handler) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[kind] = append(s.handlers[kind], subscription{id: id, fn: handler})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.handlers[kind]
			for i, sub := range subs {
				if sub.id == id {
					s.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish queues events and drains the queue unless another goroutine is
// already doing so.
func (s *Stream) Publish(events ...Event) {
	s.Enqueue(events...)
	s.Drain()
}

// Enqueue appends events without delivering them. Callers holding their own
// lock enqueue under it to fix the order, then Drain once it is released.
func (s *Stream) Enqueue(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, events...)
	s.mu.Unlock()
}

// Drain delivers queued events. It returns immediately when another
// goroutine is draining; that goroutine delivers what was queued.
func (s *Stream) Drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true

	for len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		targets := s.targets(ev.Kind)
		s.mu.Unlock()

		for _, fn := range targets {
			fn(ev)
		}

		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

// HandlerCount returns the number of handlers registered for kind.
func (s *Stream) HandlerCount(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[kind])
}

// targets must be called with mu held.
func (s *Stream) targets(kind Kind) []Handler {
	subs := s.handlers[kind]
	all := s.handlers[KindAll]
	out := make([]Handler, 0, len(subs)+len(all))
	for _, sub := range subs {
		out = append(out, sub.fn)
	}
	for _, sub := range all {
		out = append(out, sub.fn)
	}
	return out
}
