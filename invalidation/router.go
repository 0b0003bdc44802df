// Package invalidation maps domain events to cache deletes. A Router holds
// named target scopes and rules; each rule lists the exact keys and key
// prefixes an event type makes stale. Invalidation only deletes: the next
// read repopulates through the normal cache-aside path.
package invalidation

import (
	"context"
	"strings"
	"sync"

	"github.com/unkn0wn-root/cacheaside"
	"github.com/unkn0wn-root/cacheaside/events"
)

// Purge is one delete produced by a rule. Template placeholders "{attr}" are
// filled from the event's attributes.
type Purge struct {
	Target   string
	Template string
	Prefix   bool // delete every key starting with the filled template
	Lower    bool // lower-case substituted values
	Upper    bool // upper-case substituted values
}

type Rule struct {
	Event  string
	Purges []Purge
}

// Report summarises one Handle call.
type Report struct {
	Event    string
	Keys     []string // exact keys deleted, scope-local
	Prefixes []string // prefixes purged, scope-local
	Removed  int      // keys removed by prefix purges
	Skipped  int      // purges skipped for missing attributes
}

type Config struct {
	Targets map[string]*cacheaside.Scope
	Rules   []Rule
	Logger  cacheaside.Logger
	Hooks   cacheaside.Hooks
}

type compiled struct {
	Purge
	tpl template
}

type Router struct {
	log   cacheaside.Logger
	hooks cacheaside.Hooks

	mu      sync.RWMutex
	targets map[string]*cacheaside.Scope
	rules   map[string][]compiled
}

// NewRouter validates rules against the given targets. A rule naming an
// unregistered target or holding a malformed template is a *ConfigError.
func NewRouter(cfg Config) (*Router, error) {
	r := &Router{
		log:     cfg.Logger,
		hooks:   cfg.Hooks,
		targets: make(map[string]*cacheaside.Scope, len(cfg.Targets)),
		rules:   make(map[string][]compiled),
	}
	if r.log == nil {
		r.log = cacheaside.NopLogger{}
	}
	if r.hooks == nil {
		r.hooks = cacheaside.NopHooks{}
	}
	for name, s := range cfg.Targets {
		if err := r.Register(name, s); err != nil {
			return nil, err
		}
	}
	if err := r.AddRules(cfg.Rules...); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds or replaces a named target.
func (r *Router) Register(name string, s *cacheaside.Scope) error {
	if name == "" || s == nil {
		return &cacheaside.ConfigError{Component: "invalidation", Field: name, Reason: "target needs a name and a scope"}
	}
	r.mu.Lock()
	r.targets[name] = s
	r.mu.Unlock()
	return nil
}

// AddRules compiles and appends rules. Nothing is added if any rule is
// invalid.
func (r *Router) AddRules(rules ...Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged := make(map[string][]compiled)
	for _, rule := range rules {
		if rule.Event == "" {
			return &cacheaside.ConfigError{Component: "invalidation", Reason: "rule without event"}
		}
		for _, p := range rule.Purges {
			if _, ok := r.targets[p.Target]; !ok {
				return &cacheaside.ConfigError{Component: "invalidation", Field: rule.Event, Reason: "unregistered target " + p.Target}
			}
			if p.Lower && p.Upper {
				return &cacheaside.ConfigError{Component: "invalidation", Field: rule.Event, Reason: "purge cannot be both Lower and Upper"}
			}
			if p.Template == "" && !p.Prefix {
				return &cacheaside.ConfigError{Component: "invalidation", Field: rule.Event, Reason: "empty key template"}
			}
			tpl, err := compile(p.Template)
			if err != nil {
				return &cacheaside.ConfigError{Component: "invalidation", Field: rule.Event, Reason: err.Error()}
			}
			staged[rule.Event] = append(staged[rule.Event], compiled{Purge: p, tpl: tpl})
		}
	}
	for ev, cs := range staged {
		r.rules[ev] = append(r.rules[ev], cs...)
	}
	return nil
}

// Events returns the event types that have rules.
func (r *Router) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rules))
	for ev := range r.rules {
		out = append(out, ev)
	}
	return out
}

// Handle runs every purge registered for e.Type. Events without rules are a
// no-op.
func (r *Router) Handle(ctx context.Context, e events.Event) Report {
	r.mu.RLock()
	rules := r.rules[e.Type]
	targets := r.targets
	r.mu.RUnlock()

	rep := Report{Event: e.Type}
	if len(rules) == 0 {
		return rep
	}

	for _, c := range rules {
		key, missing, ok := c.tpl.fill(e.Attrs, conv(c.Purge))
		if !ok {
			rep.Skipped++
			r.log.Warn("invalidation skipped: missing attribute", cacheaside.Fields{
				"event": e.Type, "logId": e.LogID, "template": c.Template, "attr": missing,
			})
			continue
		}
		s := targets[c.Target]
		if c.Prefix {
			rep.Prefixes = append(rep.Prefixes, key)
			rep.Removed += s.DeleteByPrefix(ctx, key)
			continue
		}
		rep.Keys = append(rep.Keys, key)
		s.Delete(ctx, key)
	}

	r.hooks.Invalidated(e.Type, rep.Removed+len(rep.Keys))
	r.log.Debug("invalidated", cacheaside.Fields{
		"event": e.Type, "logId": e.LogID, "keys": len(rep.Keys), "prefixes": len(rep.Prefixes), "skipped": rep.Skipped,
	})
	return rep
}

// Subscribe attaches the router to every event type it has rules for.
func (r *Router) Subscribe(bus events.Bus) {
	for _, ev := range r.Events() {
		bus.Subscribe(ev, func(ctx context.Context, e events.Event) error {
			r.Handle(ctx, e)
			return nil
		})
	}
}

func conv(p Purge) func(string) string {
	switch {
	case p.Lower:
		return strings.ToLower
	case p.Upper:
		return strings.ToUpper
	}
	return nil
}
