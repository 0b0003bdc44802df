// Package local is an in-process events.Bus. Publish never blocks: events
// go to a bounded queue drained by a fixed worker pool, and a full queue
// drops the event.
package local

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/cacheaside"
	"github.com/unkn0wn-root/cacheaside/events"
)

type Options struct {
	Workers  int // default 1
	QueueLen int // default 1024
	Logger   cacheaside.Logger
	Hooks    cacheaside.Hooks
}

type Bus struct {
	log   cacheaside.Logger
	hooks cacheaside.Hooks

	q  chan events.Event
	wg sync.WaitGroup

	subMu sync.RWMutex
	subs  map[string][]events.Handler

	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	dropped atomic.Uint64
}

var _ events.Bus = (*Bus)(nil)

func New(opts Options) *Bus {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueLen <= 0 {
		opts.QueueLen = 1024
	}
	b := &Bus{
		log:   opts.Logger,
		hooks: opts.Hooks,
		q:     make(chan events.Event, opts.QueueLen),
		subs:  make(map[string][]events.Handler),
	}
	if b.log == nil {
		b.log = cacheaside.NopLogger{}
	}
	if b.hooks == nil {
		b.hooks = cacheaside.NopHooks{}
	}

	b.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go func() {
			defer b.wg.Done()
			for e := range b.q {
				b.deliver(e)
			}
		}()
	}
	return b
}

func (b *Bus) Subscribe(topic string, h events.Handler) {
	b.subMu.Lock()
	b.subs[topic] = append(b.subs[topic], h)
	b.subMu.Unlock()
}

// Publish enqueues e. It returns events.ErrClosed after Close; a full queue
// drops e and returns nil.
func (b *Bus) Publish(_ context.Context, e events.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.drop(e)
		return events.ErrClosed
	}
	select {
	case b.q <- e:
	default:
		b.drop(e)
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (b *Bus) Close(ctx context.Context) error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.q)
		b.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many events were discarded.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) drop(e events.Event) {
	b.dropped.Add(1)
	b.hooks.EventDropped(e.Type)
	b.log.Warn("event dropped", cacheaside.Fields{"type": e.Type, "logId": e.LogID})
}

func (b *Bus) deliver(e events.Event) {
	b.subMu.RLock()
	hs := b.subs[e.Type]
	b.subMu.RUnlock()

	for _, h := range hs {
		if err := safeCall(h, e); err != nil {
			b.log.Error("event handler failed", cacheaside.Fields{"type": e.Type, "logId": e.LogID, "err": err})
		}
	}
}

func safeCall(h events.Handler, e events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{v: r}
		}
	}()
	return h(context.Background(), e)
}

type panicError struct{ v any }

func (p *panicError) Error() string { return fmt.Sprintf("events: handler panic: %v", p.v) }
