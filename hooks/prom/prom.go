// Package promhook exports cache hook events as Prometheus counters.
package promhook

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/cacheaside"
)

// Hooks increments counters for every hook call. Keys are never used as
// label values; cardinality is bounded by ops, reasons, events and topics.
type Hooks struct {
	cacheErrors   *prometheus.CounterVec
	selfHeals     *prometheus.CounterVec
	setRejected   prometheus.Counter
	prefixPurges  prometheus.Counter
	purgedKeys    prometheus.Counter
	lockouts      prometheus.Counter
	invalidations *prometheus.CounterVec
	invalidated   *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
}

var _ cacheaside.Hooks = (*Hooks)(nil)

// New registers the collectors on reg. A nil reg uses a fresh registry,
// which keeps tests and multiple instances from colliding.
func New(namespace string, reg prometheus.Registerer) (*Hooks, error) {
	if namespace == "" {
		namespace = "cacheaside"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	h := &Hooks{
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_errors_total",
			Help: "Swallowed provider and counter failures.",
		}, []string{"op"}),
		selfHeals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "self_heals_total",
			Help: "Entries deleted on read because they could not be decoded.",
		}, []string{"reason"}),
		setRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "set_rejected_total",
			Help: "Writes the provider refused under pressure.",
		}),
		prefixPurges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "prefix_purges_total",
			Help: "Prefix deletes executed.",
		}),
		purgedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "prefix_purged_keys_total",
			Help: "Keys removed by prefix deletes.",
		}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lockouts_total",
			Help: "Subjects locked after too many failed PIN attempts.",
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "invalidations_total",
			Help: "Event-driven invalidations by event type.",
		}, []string{"event"}),
		invalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "invalidated_keys_total",
			Help: "Keys removed by event-driven invalidation.",
		}, []string{"event"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Events dropped before delivery.",
		}, []string{"topic"}),
	}
	for _, c := range []prometheus.Collector{
		h.cacheErrors, h.selfHeals, h.setRejected, h.prefixPurges, h.purgedKeys,
		h.lockouts, h.invalidations, h.invalidated, h.eventsDropped,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) CacheError(op, _ string, _ error) { h.cacheErrors.WithLabelValues(op).Inc() }
func (h *Hooks) SelfHeal(_, reason string)        { h.selfHeals.WithLabelValues(reason).Inc() }
func (h *Hooks) SetRejected(string)               { h.setRejected.Inc() }
func (h *Hooks) LockoutTriggered(string)          { h.lockouts.Inc() }
func (h *Hooks) EventDropped(topic string)        { h.eventsDropped.WithLabelValues(topic).Inc() }

func (h *Hooks) PrefixPurged(_ string, removed int) {
	h.prefixPurges.Inc()
	h.purgedKeys.Add(float64(removed))
}

func (h *Hooks) Invalidated(event string, removed int) {
	h.invalidations.WithLabelValues(event).Inc()
	h.invalidated.WithLabelValues(event).Add(float64(removed))
}
