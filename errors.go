package cacheaside

import (
	"errors"
	"fmt"
)

// ErrConfig matches every *ConfigError with errors.Is.
var ErrConfig = errors.New("cacheaside: invalid configuration")

// StoreError reports a failed backing-store call. The store is
// authoritative, so these always reach the caller.
type StoreError struct {
	Op  string // find_one, find, count, insert, update, delete, soft_delete
	Key string // lookup key or id; empty for listings
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cacheaside: store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cacheaside: store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

// ConfigError is a programmer error detected at construction time, e.g. a
// descriptor naming a field the store does not have.
type ConfigError struct {
	Component string
	Field     string
	Reason    string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("cacheaside: %s: %s", e.Component, e.Reason)
	}
	return fmt.Sprintf("cacheaside: %s: %s: %s", e.Component, e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }
