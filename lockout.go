package cacheaside

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultMaxFailures      = 5
	defaultLockoutNamespace = "pinFailureCount"
)

// Subject is what the lockout needs to know about an account.
type Subject struct {
	ID         string
	Active     bool
	SecretHash string // bcrypt hash; empty => no PIN configured
}

// SubjectStore loads subjects and persists the locked status. It is backed
// by the source of truth, not the cache.
type SubjectStore interface {
	LoadSubject(ctx context.Context, id string) (Subject, bool, error)
	LockSubject(ctx context.Context, id string) error
}

type Outcome int

const (
	OutcomeNotFound Outcome = iota + 1
	OutcomeLocked
	OutcomeNotSet
	OutcomeValid
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotFound:
		return "not_found"
	case OutcomeLocked:
		return "locked"
	case OutcomeNotSet:
		return "not_set"
	case OutcomeValid:
		return "valid"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Decision is computed per call and never stored.
type Decision struct {
	Outcome      Outcome
	IsValid      bool
	AttemptsLeft int
	IsLocked     bool
}

type LockoutOptions struct {
	MaxFailures int           // 0 => 5
	Window      time.Duration // counter lifetime, re-armed on every failure; 0 => KV default TTL
	Namespace   string        // "" => "pinFailureCount"
}

// Lockout verifies PINs and locks a subject after MaxFailures consecutive
// failures. The failure count is an atomic counter, so parallel wrong
// attempts are all counted.
type Lockout struct {
	counts   *Scope
	subjects SubjectStore
	max      int
	window   time.Duration
	log      Logger
	hooks    Hooks
}

func NewLockout(kv *KV, subjects SubjectStore, opts LockoutOptions) (*Lockout, error) {
	if kv == nil {
		return nil, &ConfigError{Component: "lockout", Field: "KV", Reason: "required"}
	}
	if subjects == nil {
		return nil, &ConfigError{Component: "lockout", Field: "SubjectStore", Reason: "required"}
	}
	if opts.MaxFailures < 0 || opts.Window < 0 {
		return nil, &ConfigError{Component: "lockout", Reason: "MaxFailures and Window must not be negative"}
	}
	return &Lockout{
		counts:   kv.Scope(coalesce(opts.Namespace, defaultLockoutNamespace)),
		subjects: subjects,
		max:      coalesce(opts.MaxFailures, defaultMaxFailures),
		window:   opts.Window,
		log:      kv.log,
		hooks:    kv.hooks,
	}, nil
}

func (l *Lockout) MaxFailures() int { return l.max }

// ValidatePin checks pin for the subject. Every negative result is a
// Decision; errors are reserved for store failures. A counter outage never
// changes whether a pin is accepted: a failure that cannot be counted is
// still Invalid, it just does not move the subject towards a lock.
func (l *Lockout) ValidatePin(ctx context.Context, subjectID, pin string) (Decision, error) {
	s, ok, err := l.subjects.LoadSubject(ctx, subjectID)
	if err != nil {
		return Decision{}, storeErr("load_subject", subjectID, err)
	}
	if !ok {
		return Decision{Outcome: OutcomeNotFound}, nil
	}
	if !s.Active {
		return Decision{Outcome: OutcomeLocked, IsLocked: true}, nil
	}
	if s.SecretHash == "" {
		return Decision{Outcome: OutcomeNotSet}, nil
	}

	err = bcrypt.CompareHashAndPassword([]byte(s.SecretHash), []byte(pin))
	switch {
	case err == nil:
		if err := l.counts.ResetCount(ctx, subjectID); err != nil {
			// stale failures expire with the counter window
			l.log.Warn("failure counter not reset after valid pin", Fields{"subject": subjectID, "err": err})
		}
		return Decision{Outcome: OutcomeValid, IsValid: true, AttemptsLeft: l.max}, nil
	case !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		// malformed hash in the store
		return Decision{}, storeErr("compare_secret", subjectID, err)
	}

	n, err := l.counts.Incr(ctx, subjectID, l.window)
	if err != nil {
		// counter unavailable: the attempt is refused but not counted
		l.log.Warn("pin failure not counted", Fields{"subject": subjectID, "err": err})
		return Decision{Outcome: OutcomeInvalid, AttemptsLeft: l.max - 1}, nil
	}
	if n < int64(l.max) {
		return Decision{Outcome: OutcomeInvalid, AttemptsLeft: l.max - int(n)}, nil
	}

	if err := l.subjects.LockSubject(ctx, subjectID); err != nil {
		return Decision{}, storeErr("lock_subject", subjectID, err)
	}
	if err := l.counts.ResetCount(ctx, subjectID); err != nil {
		// the account is locked; a leftover counter expires with its window
		l.log.Warn("failure counter not reset after lock", Fields{"subject": subjectID, "err": err})
	}
	l.log.Info("subject locked after failed pin attempts", Fields{"subject": subjectID, "failures": n})
	l.hooks.LockoutTriggered(subjectID)
	return Decision{Outcome: OutcomeLocked, IsLocked: true}, nil
}

// HashPin returns the bcrypt hash to store as a subject's secret.
func HashPin(pin string) (string, error) {
	if pin == "" {
		return "", fmt.Errorf("cacheaside: empty pin")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("cacheaside: hash pin: %w", err)
	}
	return string(b), nil
}
