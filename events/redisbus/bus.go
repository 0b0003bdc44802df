// Package redisbus is an events.Bus over Redis PUBLISH/SUBSCRIBE. Each event
// type is published on "<prefix><type>". Delivery is at-most-once: events
// published while no subscriber is connected are lost.
package redisbus

import (
	"context"
	"errors"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/cacheaside"
	c "github.com/unkn0wn-root/cacheaside/codec"
	"github.com/unkn0wn-root/cacheaside/events"
)

const DefaultPrefix = "events:"

var (
	ErrNilClient = errors.New("redisbus: nil client")
	ErrStarted   = errors.New("redisbus: already started")
)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool

	// Prefix for channel names. Default "events:". Glob characters are
	// escaped in the subscribe pattern.
	Prefix string
	// Codec for the event envelope. Default JSON.
	Codec c.Codec[events.Event]

	Logger cacheaside.Logger
	Hooks  cacheaside.Hooks
}

type Bus struct {
	rdb         goredis.UniversalClient
	closeClient bool
	prefix      string
	codec       c.Codec[events.Event]
	log         cacheaside.Logger
	hooks       cacheaside.Hooks

	subMu sync.RWMutex
	subs  map[string][]events.Handler

	mu     sync.Mutex
	ps     *goredis.PubSub
	done   chan struct{}
	closed bool
}

var _ events.Bus = (*Bus)(nil)

func New(cfg Config) (*Bus, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	b := &Bus{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		prefix:      cfg.Prefix,
		codec:       cfg.Codec,
		log:         cfg.Logger,
		hooks:       cfg.Hooks,
		subs:        make(map[string][]events.Handler),
	}
	if b.prefix == "" {
		b.prefix = DefaultPrefix
	}
	if b.codec == nil {
		b.codec = c.JSON[events.Event]{}
	}
	if b.log == nil {
		b.log = cacheaside.NopLogger{}
	}
	if b.hooks == nil {
		b.hooks = cacheaside.NopHooks{}
	}
	return b, nil
}

// Channel returns the Redis channel an event type is published on.
func (b *Bus) Channel(topic string) string { return b.prefix + topic }

func (b *Bus) Publish(ctx context.Context, e events.Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		b.hooks.EventDropped(e.Type)
		return events.ErrClosed
	}

	payload, err := b.codec.Encode(e)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.Channel(e.Type), payload).Err(); err != nil {
		b.hooks.EventDropped(e.Type)
		return err
	}
	return nil
}

// Subscribe registers h for topic. Handlers only receive events once Start
// has connected.
func (b *Bus) Subscribe(topic string, h events.Handler) {
	b.subMu.Lock()
	b.subs[topic] = append(b.subs[topic], h)
	b.subMu.Unlock()
}

// Start subscribes to every channel under the prefix and dispatches messages
// until Close. It returns once the subscription is confirmed.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return events.ErrClosed
	}
	if b.ps != nil {
		return ErrStarted
	}

	ps := b.rdb.PSubscribe(ctx, escapeGlob(b.prefix)+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	b.ps = ps
	b.done = make(chan struct{})
	go b.loop(ps.Channel(), b.done)
	return nil
}

func (b *Bus) loop(msgs <-chan *goredis.Message, done chan struct{}) {
	defer close(done)
	for m := range msgs {
		topic := strings.TrimPrefix(m.Channel, b.prefix)
		e, err := b.codec.Decode([]byte(m.Payload))
		if err != nil {
			b.log.Warn("undecodable event", cacheaside.Fields{"channel": m.Channel, "err": err})
			continue
		}
		if e.Type == "" {
			e.Type = topic
		}
		b.dispatch(e)
	}
}

func (b *Bus) dispatch(e events.Event) {
	b.subMu.RLock()
	hs := b.subs[e.Type]
	b.subMu.RUnlock()

	for _, h := range hs {
		if err := h(context.Background(), e); err != nil {
			b.log.Error("event handler failed", cacheaside.Fields{"type": e.Type, "logId": e.LogID, "err": err})
		}
	}
}

// Close unsubscribes, waits for the dispatch loop to finish its current
// message or for ctx to end, and closes the client if owned.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps, done := b.ps, b.done
	b.mu.Unlock()

	var errs []error
	if ps != nil {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if b.closeClient {
		if err := b.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }
