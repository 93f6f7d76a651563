// Package eventbus implements the Batching Dispatcher: a publish/subscribe
// bus generalized from the teacher's event service with timer- and
// size-triggered batching and adaptive throttling under sustained slow
// ticks.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// EventType names a category of event on the bus (e.g. FM_JOB_RUNNING).
type EventType string

// Event is one published message.
type Event struct {
	Type    EventType
	Payload any
}

// Handler processes a batch of events of the types it was registered for.
// Batch is always non-empty.
type Handler func(ctx context.Context, batch []Event) error

type registration struct {
	types    map[EventType]bool
	handler  Handler
	batching bool
	queue    []Event
}

// ThrottleConfig controls the dispatcher's adaptive batching behavior.
type ThrottleConfig struct {
	BaseTimeout    time.Duration // timer trigger when batching is enabled
	MaxBatch       int           // size trigger when batching is enabled
	SlowTickFloor  time.Duration // a tick slower than this is "slow"
	MinBatch       int           // floor MaxBatch shrinks to
	MaxTimeout     time.Duration // ceiling BaseTimeout grows to
}

func (c ThrottleConfig) withDefaults() ThrottleConfig {
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 500 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 50
	}
	if c.SlowTickFloor <= 0 {
		c.SlowTickFloor = 10 * time.Second
	}
	if c.MinBatch <= 0 {
		c.MinBatch = 5
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 5 * time.Second
	}
	return c
}

// Dispatcher is the Batching Dispatcher. Unbatched handlers receive every
// matching event immediately, as a one-element batch, dispatched on its
// own goroutine exactly like the teacher's Service.Publish. Batched
// handlers accumulate events and flush on whichever trigger — size or
// timer — comes first, with the size cap shrinking and the timer growing
// whenever a flush tick takes longer than SlowTickFloor, and relaxing back
// toward the configured baseline once ticks are fast again.
type Dispatcher struct {
	mu      sync.Mutex
	regs    []*registration
	cfg     ThrottleConfig
	logger  arbor.ILogger

	curMaxBatch int
	curTimeout  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher returns a dispatcher ready to register handlers on.
func NewDispatcher(cfg ThrottleConfig, logger arbor.ILogger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:         cfg,
		logger:      logger,
		curMaxBatch: cfg.MaxBatch,
		curTimeout:  cfg.BaseTimeout,
	}
}

// RegisterHandler subscribes handler to the given event types. When
// batching is true, matching events accumulate until the adaptive size or
// timer trigger fires; otherwise each event is delivered on its own.
func (d *Dispatcher) RegisterHandler(types []EventType, handler Handler, batching bool) error {
	if handler == nil {
		return fmt.Errorf("eventbus: handler cannot be nil")
	}
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs = append(d.regs, &registration{types: set, handler: handler, batching: batching})
	return nil
}

// Publish enqueues an event for every matching registration.
func (d *Dispatcher) Publish(ctx context.Context, evt Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, reg := range d.regs {
		if !reg.types[evt.Type] {
			continue
		}
		if !reg.batching {
			go d.invoke(ctx, reg, []Event{evt})
			continue
		}
		reg.queue = append(reg.queue, evt)
		if len(reg.queue) >= d.curMaxBatch {
			batch := reg.queue
			reg.queue = nil
			go d.invoke(ctx, reg, batch)
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, reg *registration, batch []Event) {
	if err := reg.handler(ctx, batch); err != nil {
		d.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("eventbus: handler failed")
	}
}

// Run starts the adaptive flush-timer loop. It returns once ctx is
// cancelled or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	defer close(d.done)

	d.mu.Lock()
	timer := time.NewTimer(d.curTimeout)
	d.mu.Unlock()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			start := time.Now()
			d.flushAllBatched(ctx)
			elapsed := time.Since(start)
			d.adaptThrottle(elapsed)

			d.mu.Lock()
			timer.Reset(d.curTimeout)
			d.mu.Unlock()
		}
	}
}

// Stop halts the flush loop after letting the in-flight tick complete.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

func (d *Dispatcher) flushAllBatched(ctx context.Context) {
	d.mu.Lock()
	var toFlush []*registration
	for _, reg := range d.regs {
		if reg.batching && len(reg.queue) > 0 {
			toFlush = append(toFlush, reg)
		}
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, reg := range toFlush {
		d.mu.Lock()
		batch := reg.queue
		reg.queue = nil
		d.mu.Unlock()

		wg.Add(1)
		go func(reg *registration, batch []Event) {
			defer wg.Done()
			d.invoke(ctx, reg, batch)
		}(reg, batch)
	}
	wg.Wait()
}

// adaptThrottle shrinks the batch cap and grows the flush timeout after a
// slow tick (>= SlowTickFloor), restoring the configured defaults once
// ticks are fast again — the dispatcher's adaptive throttling behavior.
func (d *Dispatcher) adaptThrottle(tickDuration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if tickDuration >= d.cfg.SlowTickFloor {
		if d.curMaxBatch > d.cfg.MinBatch {
			d.curMaxBatch /= 10
			if d.curMaxBatch < d.cfg.MinBatch {
				d.curMaxBatch = d.cfg.MinBatch
			}
		}
		d.curTimeout *= 10
		if d.curTimeout > d.cfg.MaxTimeout {
			d.curTimeout = d.cfg.MaxTimeout
		}
		d.logger.Warn().Dur("tick", tickDuration).Int("max_batch", d.curMaxBatch).Dur("timeout", d.curTimeout).Msg("eventbus: slow tick, throttling")
		return
	}

	if d.curMaxBatch < d.cfg.MaxBatch {
		d.curMaxBatch = d.cfg.MaxBatch
	}
	if d.curTimeout > d.cfg.BaseTimeout {
		d.curTimeout = d.cfg.BaseTimeout
	}
}
