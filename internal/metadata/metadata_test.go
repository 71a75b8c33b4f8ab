package metadata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alxayo/raop-rtsp/internal/rtsp/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink records every package it receives.
type recordingSink struct {
	name string

	mu       sync.Mutex
	received []Package
	bodies   [][]byte
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Consume(_ context.Context, pkg Package) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, pkg)
	if pkg.Carrier != nil {
		s.bodies = append(s.bodies, pkg.Carrier.Body())
	}
}

func (s *recordingSink) Close() {}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met before deadline")
}

func TestEmitWithDataReachesAllSinks(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	a := newRecordingSink("a")
	b := newRecordingSink("b")
	m.RegisterSink(a)
	m.RegisterSink(b)
	defer m.Close()

	m.Emit(EmitRequest{Type: [4]byte{'s', 's', 'n', 'c'}, Data: []byte("hello")})

	waitFor(t, func() bool { return a.count() == 1 && b.count() == 1 })
}

func TestEmitWithCarrierRetainsOncePerExtraSink(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	a := newRecordingSink("a")
	b := newRecordingSink("b")
	c := newRecordingSink("c")
	m.RegisterSink(a)
	m.RegisterSink(b)
	m.RegisterSink(c)
	defer m.Close()

	msg := message.New()
	msg.SetBody([]byte("daap-tag-payload"))
	assert.EqualValues(t, 1, msg.RefCount())

	m.Emit(EmitRequest{Type: [4]byte{'c', 'o', 'r', 'e'}, Carrier: msg})

	waitFor(t, func() bool { return a.count() == 1 && b.count() == 1 && c.count() == 1 })

	// Each sink's consumer released its reference after Consume returned,
	// so the net effect should be the message back down to freed.
	waitFor(t, func() bool { return msg.IsFreed() })
}

// blockingSink never drains, so its queue fills and Emit must drop.
type blockingSink struct {
	hold chan struct{}
}

func (s *blockingSink) Name() string { return "blocking" }
func (s *blockingSink) Consume(_ context.Context, _ Package) {
	<-s.hold
}
func (s *blockingSink) Close() {}

func TestEmitDropsAndReleasesCarrierWhenSinkQueueFull(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	bs := &blockingSink{hold: make(chan struct{})}
	m.RegisterSink(bs)

	// Fill the sink's queue: one package will be picked up by the
	// consumer goroutine (and block there), the rest fill the 500-slot
	// buffer.
	for i := 0; i < QueueCapacity+1; i++ {
		msg := message.New()
		msg.SetBody([]byte("x"))
		m.Emit(EmitRequest{Type: [4]byte{'p', 'r', 'g', 'r'}, Carrier: msg})
	}

	// One more should be dropped immediately, and its carrier released
	// synchronously within Emit.
	overflow := message.New()
	overflow.SetBody([]byte("overflow"))
	m.Emit(EmitRequest{Type: [4]byte{'p', 'r', 'g', 'r'}, Carrier: overflow})

	assert.True(t, overflow.IsFreed())

	close(bs.hold)
	m.Close()
}

func TestCloseStopsConsumersAndClosesSinks(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	a := newRecordingSink("a")
	m.RegisterSink(a)

	m.Emit(EmitRequest{Type: [4]byte{'s', 's', 'n', 'c'}, Data: []byte("x")})
	waitFor(t, func() bool { return a.count() == 1 })

	m.Close()

	// Emitting after Close should not panic and should be a no-op (no
	// sinks registered anymore).
	m.Emit(EmitRequest{Type: [4]byte{'s', 's', 'n', 'c'}, Data: []byte("y")})
	assert.Equal(t, 1, a.count())
}
