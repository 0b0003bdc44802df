package cacheaside

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	pr "github.com/unkn0wn-root/cacheaside/provider"
	"github.com/unkn0wn-root/cacheaside/store"
)

var errDown = errors.New("connection refused")

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

// memProvider is an in-memory provider with key listing. Setting down makes
// every call fail.
type memProvider struct {
	mu   sync.Mutex
	m    map[string]memEntry
	down bool
	gets int
}

var (
	_ pr.Provider = (*memProvider)(nil)
	_ pr.Scanner  = (*memProvider)(nil)
)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets++
	if p.down {
		return nil, false, errDown
	}
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return false, errDown
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: append([]byte(nil), value...), exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errDown
	}
	delete(p.m, key)
	return nil
}

func (p *memProvider) Keys(_ context.Context, prefix string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return nil, errDown
	}
	var out []string
	for k := range p.m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[key]
	return ok
}

func (p *memProvider) put(key string, raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[key] = memEntry{v: raw}
}

func (p *memProvider) setDown(down bool) {
	p.mu.Lock()
	p.down = down
	p.mu.Unlock()
}

func (p *memProvider) sortedKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.m))
	for k := range p.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// recHooks records hook calls.
type recHooks struct {
	NopHooks
	mu       sync.Mutex
	errs     []string
	heals    []string
	purged   map[string]int
	lockouts []string
}

func (h *recHooks) CacheError(op, key string, _ error) {
	h.mu.Lock()
	h.errs = append(h.errs, op+" "+key)
	h.mu.Unlock()
}

func (h *recHooks) SelfHeal(key, reason string) {
	h.mu.Lock()
	h.heals = append(h.heals, key+" "+reason)
	h.mu.Unlock()
}

func (h *recHooks) PrefixPurged(prefix string, n int) {
	h.mu.Lock()
	if h.purged == nil {
		h.purged = map[string]int{}
	}
	h.purged[prefix] = n
	h.mu.Unlock()
}

func (h *recHooks) LockoutTriggered(id string) {
	h.mu.Lock()
	h.lockouts = append(h.lockouts, id)
	h.mu.Unlock()
}

type user struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	WalletAddress     string `json:"walletAddress,omitempty"`
	TwitterScreenName string `json:"twitterScreenName,omitempty"`
	CreatedAt         int64  `json:"createdAt"`
	Deleted           bool   `json:"-"`
}

var userDescriptor = Descriptor[user]{
	Namespace: "user",
	Primary:   Key[user]{Field: "id", Value: func(u user) string { return u.ID }},
	SubKeys: []Key[user]{
		{Field: "walletAddress", Value: func(u user) string { return strings.ToLower(u.WalletAddress) }},
		{Field: "twitterScreenName", Value: func(u user) string { return u.TwitterScreenName }},
	},
	TTL: 8 * time.Hour,
}

// memStore is an in-memory store.Store[user] with soft delete and call
// counters.
type memStore struct {
	mu    sync.Mutex
	rows  map[string]user
	seq   int
	down  bool
	finds int
}

var _ store.Store[user] = (*memStore)(nil)

func newMemStore(rows ...user) *memStore {
	s := &memStore{rows: make(map[string]user)}
	for _, r := range rows {
		s.rows[r.ID] = r
	}
	return s
}

func (s *memStore) HasField(f string) bool {
	switch f {
	case "id", "name", "walletAddress", "twitterScreenName", "createdAt":
		return true
	}
	return false
}

func field(u user, f string) string {
	switch f {
	case "id":
		return u.ID
	case "name":
		return u.Name
	case "walletAddress":
		return strings.ToLower(u.WalletAddress)
	case "twitterScreenName":
		return u.TwitterScreenName
	case "createdAt":
		return fmt.Sprintf("%020d", u.CreatedAt)
	}
	return ""
}

func (s *memStore) match(u user, q store.Query) bool {
	if u.Deleted && !q.WithDeleted {
		return false
	}
	for f, v := range q.Filter {
		if field(u, f) != strings.ToLower(fmt.Sprint(v)) && field(u, f) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func (s *memStore) selectRows(q store.Query) ([]user, error) {
	if s.down {
		return nil, errDown
	}
	var out []user
	for _, u := range s.rows {
		if s.match(u, q) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		for _, o := range q.Order {
			a, b := field(out[i], o.Field), field(out[j], o.Field)
			if a == b {
				continue
			}
			if o.Desc {
				return a > b
			}
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memStore) FindOne(_ context.Context, q store.Query) (user, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	rows, err := s.selectRows(q)
	if err != nil || len(rows) == 0 {
		return user{}, false, err
	}
	return rows[0], true, nil
}

func (s *memStore) Find(_ context.Context, q store.Query) ([]user, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectRows(q)
}

func (s *memStore) Count(_ context.Context, q store.Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.Limit, q.Offset = 0, 0
	rows, err := s.selectRows(q)
	return int64(len(rows)), err
}

func (s *memStore) Insert(_ context.Context, u user) (user, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return user{}, errDown
	}
	if u.ID == "" {
		s.seq++
		u.ID = fmt.Sprintf("new%d", s.seq)
	}
	s.rows[u.ID] = u
	return u, nil
}

func (s *memStore) Update(_ context.Context, f store.Filter, ch store.Changes) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.selectRows(store.Query{Filter: f, WithDeleted: true})
	if err != nil {
		return 0, err
	}
	for _, u := range rows {
		for k, v := range ch {
			switch k {
			case "name":
				u.Name = v.(string)
			case "walletAddress":
				u.WalletAddress = v.(string)
			case "twitterScreenName":
				u.TwitterScreenName = v.(string)
			default:
				return 0, store.ErrUnknownField
			}
		}
		s.rows[u.ID] = u
	}
	return int64(len(rows)), nil
}

func (s *memStore) Delete(_ context.Context, f store.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.selectRows(store.Query{Filter: f, WithDeleted: true})
	for _, u := range rows {
		delete(s.rows, u.ID)
	}
	return int64(len(rows)), err
}

func (s *memStore) SoftDelete(_ context.Context, f store.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.selectRows(store.Query{Filter: f})
	for _, u := range rows {
		u.Deleted = true
		s.rows[u.ID] = u
	}
	return int64(len(rows)), err
}

func (s *memStore) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *memStore) findCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finds
}
