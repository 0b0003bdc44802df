// usage:
//
//	raw := sloghook.New(slog.Default(), sloghook.Options{
//	    SelfHealEvery:   10, // sample logs: ~every 10th self-heal
//	    CacheErrorEvery: 1,  // log every provider failure
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	kv, _ := cacheaside.New(cacheaside.Options{
//	    Provider: provider,
//	    Hooks:    hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/cacheaside"
)

// Hooks runs the inner hooks on a worker pool. When the queue is full the
// call is dropped and counted.
type Hooks struct {
	inner   cacheaside.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ cacheaside.Hooks = (*Hooks)(nil)

func New(inner cacheaside.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued calls and stops the workers. Calls after Close are
// dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped returns how many calls were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) CacheError(op, k string, err error) { h.try(func() { h.inner.CacheError(op, k, err) }) }
func (h *Hooks) SelfHeal(k, r string)               { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) SetRejected(k string)               { h.try(func() { h.inner.SetRejected(k) }) }
func (h *Hooks) LockoutTriggered(id string)         { h.try(func() { h.inner.LockoutTriggered(id) }) }
func (h *Hooks) EventDropped(topic string)          { h.try(func() { h.inner.EventDropped(topic) }) }
func (h *Hooks) PrefixPurged(p string, n int) {
	h.try(func() { h.inner.PrefixPurged(p, n) })
}
func (h *Hooks) Invalidated(ev string, n int) {
	h.try(func() { h.inner.Invalidated(ev, n) })
}
