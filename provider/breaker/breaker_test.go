package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pr "github.com/unkn0wn-root/cacheaside/provider"
)

type flaky struct {
	mu    sync.Mutex
	fail  bool
	calls int
	data  map[string][]byte
}

func (f *flaky) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, false, errors.New("connection refused")
	}
	b, ok := f.data[key]
	return b, ok, nil
}

func (f *flaky) Set(_ context.Context, key string, v []byte, _ int64, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return false, errors.New("connection refused")
	}
	f.data[key] = v
	return true, nil
}

func (f *flaky) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *flaky) Close(context.Context) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	inner := &flaky{data: map[string][]byte{}, fail: true}
	var transitions []string
	p := New(inner, Config{
		MaxFailures: 2,
		OpenTimeout: time.Hour,
		OnStateChange: func(_, from, to string) {
			transitions = append(transitions, from+"->"+to)
		},
	})

	for i := 0; i < 2; i++ {
		_, _, err := p.Get(ctx, "k")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrOpen)
	}
	assert.Equal(t, "open", p.State())
	assert.Equal(t, []string{"closed->open"}, transitions)

	calls := inner.calls
	_, _, err := p.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, calls, inner.calls, "open circuit must not reach the provider")
}

func TestBreakerPassesThroughHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	p := New(&flaky{data: map[string][]byte{}}, Config{})

	_, ok, err := p.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.Set(ctx, "k", []byte("v"), 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	b, ok, err := p.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), b)
	assert.Equal(t, "closed", p.State())
}

func TestBreakerScanUnsupported(t *testing.T) {
	p := New(&flaky{data: map[string][]byte{}}, Config{})
	_, err := p.Keys(context.Background(), "x:")
	assert.ErrorIs(t, err, pr.ErrScanUnsupported)
	assert.NoError(t, p.DelMany(context.Background(), []string{"a", "b"}))
}
