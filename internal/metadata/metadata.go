// Package metadata implements the fan-out of protocol-derived metadata
// events to pluggable sinks: pipe, UDP multicast, in-process hub, and
// MQTT. Each registered sink gets its own bounded queue and consumer
// goroutine, so a stalled sink drops packages instead of blocking the
// others or the connection that produced the event.
package metadata

import (
	"context"
	"sync"

	"github.com/alxayo/raop-rtsp/internal/rtsp/message"
	"github.com/alxayo/raop-rtsp/internal/rtsp/queue"
	"github.com/rs/zerolog"
)

// QueueCapacity is the fixed per-sink bounded queue depth.
const QueueCapacity = 500

// Package is a single metadata event: a 4-byte type tag, a 4-byte code
// tag, and either an owned data copy or a retained carrier message.
// Exactly one of Data or Carrier is set for any given Package.
type Package struct {
	Type    [4]byte
	Code    [4]byte
	Data    []byte
	Carrier *message.Message
}

// EmitRequest is the caller-facing form of Emit; Carrier, if set, is
// retained once per enabled sink beyond the first (the caller's own
// reference goes to the first sink) and released by each sink's consumer
// (or immediately, if the sink queue is full and the package is
// dropped).
type EmitRequest struct {
	Type    [4]byte
	Code    [4]byte
	Data    []byte
	Carrier *message.Message
	Block   bool
}

// Sink consumes metadata packages delivered to it. Consume must not
// retain pkg.Data or pkg.Carrier past the call; the manager releases
// pkg.Carrier immediately after Consume returns.
type Sink interface {
	Name() string
	Consume(ctx context.Context, pkg Package)
	Close()
}

// Manager owns the set of enabled sinks and their queues, and is the
// single entry point handlers use to emit metadata.
type Manager struct {
	mu    sync.RWMutex
	sinks map[string]*registeredSink
	log   *zerolog.Logger

	wg sync.WaitGroup
}

type registeredSink struct {
	sink  Sink
	queue *queue.Queue[Package]
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates an empty metadata manager.
func NewManager(log *zerolog.Logger) *Manager {
	return &Manager{sinks: make(map[string]*registeredSink), log: log}
}

// RegisterSink enables sink and starts its dedicated consumer goroutine.
// Call before the first Emit; registering after traffic has started is
// safe but may race a concurrent Emit snapshotting the sink list.
func (m *Manager) RegisterSink(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	rs := &registeredSink{
		sink:   sink,
		queue:  queue.New[Package](QueueCapacity, sink.Name()),
		ctx:    ctx,
		cancel: cancel,
	}
	m.sinks[sink.Name()] = rs

	m.wg.Add(1)
	go m.consumeLoop(rs)
}

func (m *Manager) consumeLoop(rs *registeredSink) {
	defer m.wg.Done()
	for {
		pkg, ok := rs.queue.Dequeue(rs.ctx)
		if !ok {
			return
		}
		rs.sink.Consume(rs.ctx, pkg)
		if pkg.Carrier != nil {
			pkg.Carrier.Release()
		}
	}
}

// Emit enqueues req into every registered sink's queue. If req.Carrier is
// set, it is retained once per sink beyond the first (the caller's
// existing reference is handed to the first sink); a sink whose queue is
// full drops the package and releases its copy of the carrier reference
// immediately rather than blocking the emitting handler, unless
// req.Block is set, in which case that sink's Enqueue blocks on
// req.Block's caller-supplied context via EmitContext.
func (m *Manager) Emit(req EmitRequest) {
	m.EmitContext(context.Background(), req)
}

// EmitContext is Emit with an explicit context, used when req.Block is
// set so a blocking enqueue can still be cancelled by connection
// teardown.
func (m *Manager) EmitContext(ctx context.Context, req EmitRequest) {
	m.mu.RLock()
	sinks := make([]*registeredSink, 0, len(m.sinks))
	for _, rs := range m.sinks {
		sinks = append(sinks, rs)
	}
	m.mu.RUnlock()

	if len(sinks) == 0 {
		if req.Carrier != nil {
			req.Carrier.Release()
		}
		return
	}

	for i, rs := range sinks {
		pkg := Package{Type: req.Type, Code: req.Code, Data: req.Data}
		if req.Carrier != nil {
			if i > 0 {
				req.Carrier.Retain()
			}
			pkg.Carrier = req.Carrier
		}

		var err error
		if req.Block {
			err = rs.queue.Enqueue(ctx, pkg)
		} else {
			err = rs.queue.TryEnqueue(pkg)
		}
		if err != nil {
			if m.log != nil {
				m.log.Debug().Str("sink", rs.sink.Name()).Msg("dropped metadata package: sink queue full")
			}
			if pkg.Carrier != nil {
				pkg.Carrier.Release()
			}
		}
	}
}

// Close cancels every sink's consumer and waits for the consumer
// goroutines to return, then closes each sink. Packages still queued at
// that point are not delivered.
func (m *Manager) Close() {
	m.mu.Lock()
	sinks := make([]*registeredSink, 0, len(m.sinks))
	for _, rs := range m.sinks {
		sinks = append(sinks, rs)
	}
	m.sinks = make(map[string]*registeredSink)
	m.mu.Unlock()

	for _, rs := range sinks {
		rs.cancel()
	}
	m.wg.Wait()
	for _, rs := range sinks {
		rs.sink.Close()
	}
}
