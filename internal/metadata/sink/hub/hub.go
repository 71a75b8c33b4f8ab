// Package hub implements an in-process metadata.Sink: packages are
// fanned out to any number of in-process subscribers (e.g. a future
// HTTP/WebSocket status endpoint), each with its own small channel
// buffer so one slow subscriber cannot stall another.
package hub

import (
	"context"
	"sync"

	"github.com/alxayo/raop-rtsp/internal/metadata"
)

// subscriberCapacity bounds each subscriber's private channel so a
// stalled subscriber drops packages instead of blocking the hub.
const subscriberCapacity = 32

// Sink fans metadata packages out to registered in-process subscribers.
type Sink struct {
	mu   sync.RWMutex
	subs map[int]chan metadata.Package
	next int
}

// New creates an empty hub sink.
func New() *Sink {
	return &Sink{subs: make(map[int]chan metadata.Package)}
}

func (s *Sink) Name() string { return "hub" }

// Subscribe registers a new subscriber and returns its channel and an
// unsubscribe function. The channel is closed by unsubscribe, never by
// the hub itself, so callers must always call the returned function.
func (s *Sink) Subscribe() (<-chan metadata.Package, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan metadata.Package, subscriberCapacity)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Consume copies pkg's data (not the carrier, which the manager releases
// right after this call returns) to every current subscriber,
// non-blocking.
func (s *Sink) Consume(_ context.Context, pkg metadata.Package) {
	data := pkg.Data
	if pkg.Carrier != nil {
		body := pkg.Carrier.Body()
		data = make([]byte, len(body))
		copy(data, body)
	}
	out := metadata.Package{Type: pkg.Type, Code: pkg.Code, Data: data}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- out:
		default:
		}
	}
}

// Close is a no-op; subscribers own their unsubscribe lifecycle.
func (s *Sink) Close() {}
