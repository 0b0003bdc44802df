// Package keys builds and parses cache key strings.
//
//	<namespace>:<primary>          primary key
//	<namespace>:<field>:<value>    secondary (sub) key
//
// Keys are case-sensitive. Callers normalize identifier-like values
// (addresses, emails) before building keys.
package keys

import "strings"

const Sep = ":"

// Join prefixes key with namespace. An empty namespace returns key unchanged.
func Join(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return namespace + Sep + key
}

// Sub returns the secondary key form "<field>:<value>".
func Sub(field, value string) string {
	return field + Sep + value
}

// Parse splits a repository lookup key. A key without a separator is a
// primary value. Otherwise the first segment is the field and the remaining
// segments, rejoined, are the value (values may themselves contain ':').
func Parse(key string) (field, value string, primary bool) {
	i := strings.Index(key, Sep)
	if i < 0 {
		return "", key, true
	}
	return key[:i], key[i+len(Sep):], false
}

// Prefix returns the namespace prefix used for bulk deletes.
func Prefix(namespace string) string {
	return namespace + Sep
}
