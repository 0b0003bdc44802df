package cacheaside

import (
	"strings"

	"github.com/unkn0wn-root/cacheaside/store"
)

// ParseSort parses a signed field list: fields separated by spaces or
// commas, a leading '-' for descending and an optional '+' for ascending.
//
//	ParseSort("-createdAt fullname") // createdAt desc, fullname asc
func ParseSort(s string) []store.Order {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
	out := make([]store.Order, 0, len(fields))
	for _, f := range fields {
		desc := false
		switch f[0] {
		case '-':
			desc, f = true, f[1:]
		case '+':
			f = f[1:]
		}
		if f == "" {
			continue
		}
		out = append(out, store.Order{Field: f, Desc: desc})
	}
	return out
}
