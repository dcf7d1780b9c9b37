package audit

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls the queue between the engine and the sink.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull counts and discards events when the queue is full instead
	// of blocking the request that produced them.
	DropIfFull bool
	// EmitTimeout bounds each sink write. Zero leaves writes unbounded.
	EmitTimeout time.Duration
}

// Dispatcher owns the audit sink: one goroutine writes queued events in
// order, and Shutdown drains the queue before closing the sink.
type Dispatcher struct {
	cfg  Config
	sink Sink

	queue    chan Event
	stop     chan struct{}
	quit     chan struct{}
	finished chan struct{}

	// inflight is read-held by Emit so Shutdown can wait out senders
	// before the final drain.
	inflight sync.RWMutex

	dropped   atomic.Uint64
	delivered atomic.Uint64
	stopping  atomic.Bool

	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:      cfg,
		sink:     sink,
		queue:    make(chan Event, cfg.BufferSize),
		stop:     make(chan struct{}),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.finished)
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-d.quit:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	ctx := context.Background()
	if d.cfg.EmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.EmitTimeout)
		defer cancel()
	}
	d.sink.Emit(ctx, event)
	d.delivered.Add(1)
}

// Emit queues event. Events arriving after Shutdown has begun are counted
// as dropped.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	d.inflight.RLock()
	defer d.inflight.RUnlock()
	if d.stopping.Load() {
		d.dropped.Add(1)
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.queue <- event:
		case <-d.stop:
			d.dropped.Add(1)
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stop:
		d.dropped.Add(1)
	}
}

// Shutdown stops intake, waits for queued events to reach the sink and then
// closes the sink if it implements io.Closer. When ctx ends first the sink
// is left open and ctx.Err() is returned; a later call may finish the job.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.stopOnce.Do(func() {
		d.stopping.Store(true)
		close(d.stop)
		// Wait out Emit calls that passed the stopping check.
		d.inflight.Lock()
		d.inflight.Unlock()
		close(d.quit)
	})

	select {
	case <-d.finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.closeOnce.Do(func() {
		if c, ok := d.sink.(io.Closer); ok {
			d.closeErr = c.Close()
		}
	})
	return d.closeErr
}

// Close is Shutdown without a deadline.
func (d *Dispatcher) Close() error {
	return d.Shutdown(context.Background())
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Delivered reports how many events were handed to the sink.
func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}

// closeSinks closes every sink that implements io.Closer and joins the
// errors.
func closeSinks(sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
