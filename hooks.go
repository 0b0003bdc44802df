package cacheaside

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// A provider or counter call failed and was swallowed.
	// op ∈ {"get", "set", "del", "scan", "incr", "count", "reset"}
	CacheError(op, key string, err error)

	// An entry was deleted by the cache on read.
	// reason ∈ {"corrupt", "codec_mismatch", "value_decode"}
	SelfHeal(key, reason string)

	// Provider returned ok=false on Set (backpressure/eviction).
	SetRejected(key string)

	// A prefix delete finished; removed may be 0.
	PrefixPurged(prefix string, removed int)

	// A subject crossed the failure threshold and was locked.
	LockoutTriggered(subjectID string)

	// An event-driven invalidation ran. removed counts deleted keys.
	Invalidated(event string, removed int)

	// An event was dropped before delivery (queue full or bus closed).
	EventDropped(topic string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CacheError(string, string, error) {}
func (NopHooks) SelfHeal(string, string)          {}
func (NopHooks) SetRejected(string)               {}
func (NopHooks) PrefixPurged(string, int)         {}
func (NopHooks) LockoutTriggered(string)          {}
func (NopHooks) Invalidated(string, int)          {}
func (NopHooks) EventDropped(string)              {}
