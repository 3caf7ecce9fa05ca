package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls queueing. With DropIfFull unset, Emit waits for queue space
// until the caller's context ends.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// Now stamps events that arrive without a Timestamp.
	Now func() time.Time
}

// Dispatcher hands events to a Sink on a single background goroutine, so
// the sink sees them in emission order.
type Dispatcher struct {
	sink       Sink
	dropIfFull bool
	now        func() time.Time

	queue   chan Event
	stop    chan struct{}
	stopped sync.WaitGroup
	once    sync.Once
	closing atomic.Bool

	dropped  atomic.Uint64
	panicked atomic.Uint64
}

// NewDispatcher returns nil when auditing is disabled; every method accepts a
// nil receiver.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	d := &Dispatcher{
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		now:        now,
		queue:      make(chan Event, size),
		stop:       make(chan struct{}),
	}
	d.stopped.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer d.stopped.Done()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stop:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return
		}
	}
}

// deliver isolates the loop from a misbehaving sink. A panic loses that one
// event and is counted as a drop.
func (d *Dispatcher) deliver(ev Event) {
	defer func() {
		if recover() != nil {
			d.panicked.Add(1)
			d.dropped.Add(1)
		}
	}()
	d.sink.Emit(context.Background(), ev)
}

// Emit queues ev. Events emitted after Close are discarded without being
// counted.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil || d.closing.Load() {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now()
	}

	if d.dropIfFull {
		select {
		case d.queue <- ev:
		case <-d.stop:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- ev:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stop:
	}
}

// Close stops accepting events, delivers what is queued and waits for the
// sink to finish.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.closing.Store(true)
		close(d.stop)
		d.stopped.Wait()
	})
}

// Dropped counts events lost to a full queue, a cancelled context or a
// panicking sink.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// SinkPanics counts events whose delivery panicked.
func (d *Dispatcher) SinkPanics() uint64 {
	if d == nil {
		return 0
	}
	return d.panicked.Load()
}
