package counter

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	n         int64
	expiresAt time.Time // zero => no expiry
}

func (e localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Local keeps counters in-process. An optional sweep loop prunes expired
// entries; without it they are dropped lazily on access.
type Local struct {
	mu     sync.Mutex
	m      map[string]localEntry
	now    func() time.Time
	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ Store = (*Local)(nil)

func NewLocal(sweepInterval time.Duration) *Local {
	s := &Local{m: make(map[string]localEntry), now: time.Now}
	if sweepInterval > 0 {
		s.ticker = time.NewTicker(sweepInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Sweep()
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Local) Incr(_ context.Context, k string, ttl time.Duration) (int64, error) {
	now := s.now()
	s.mu.Lock()
	e := s.m[k]
	if e.expired(now) {
		e = localEntry{}
	}
	e.n++
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.m[k] = e
	s.mu.Unlock()
	return e.n, nil
}

func (s *Local) Get(_ context.Context, k string) (int64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[k]
	if !ok {
		return 0, nil
	}
	if e.expired(now) {
		delete(s.m, k)
		return 0, nil
	}
	return e.n, nil
}

func (s *Local) Reset(_ context.Context, k string) error {
	s.mu.Lock()
	delete(s.m, k)
	s.mu.Unlock()
	return nil
}

// Sweep drops expired counters.
func (s *Local) Sweep() {
	now := s.now()
	s.mu.Lock()
	for k, e := range s.m {
		if e.expired(now) {
			delete(s.m, k)
		}
	}
	s.mu.Unlock()
}

func (s *Local) Close(_ context.Context) error {
	if s.stopCh != nil {
		close(s.stopCh)
		s.ticker.Stop()
		s.wg.Wait()
		s.stopCh = nil
	}
	return nil
}
