package sloghook

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/cacheaside"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery   uint64
	CacheErrorEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix. Keys can carry
	// wallet addresses or emails.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr   atomic.Uint64
	cacheErrorCtr atomic.Uint64
}

var _ cacheaside.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CacheError(op, key string, err error) {
	if h.l == nil || !sample(h.opts.CacheErrorEvery, &h.cacheErrorCtr) {
		return
	}
	h.l.Warn("cacheaside.cache_error",
		"op", op,
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) SelfHeal(key, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("cacheaside.self_heal",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) SetRejected(key string) {
	if h.l == nil {
		return
	}
	h.l.Warn("cacheaside.set_rejected", "key", h.redact(key))
}

// prefixes are namespaces, not user data; logged as-is
func (h *Hooks) PrefixPurged(prefix string, removed int) {
	if h.l == nil {
		return
	}
	h.l.Info("cacheaside.prefix_purged",
		"prefix", prefix,
		"removed", removed)
}

func (h *Hooks) LockoutTriggered(subjectID string) {
	if h.l == nil {
		return
	}
	h.l.Warn("cacheaside.lockout_triggered", "subject", h.redact(subjectID))
}

func (h *Hooks) Invalidated(event string, removed int) {
	if h.l == nil {
		return
	}
	h.l.Debug("cacheaside.invalidated",
		"event", event,
		"removed", removed)
}

func (h *Hooks) EventDropped(topic string) {
	if h.l == nil {
		return
	}
	h.l.Error("cacheaside.event_dropped", "topic", topic)
}
