package invalidation

import (
	"fmt"
	"strings"
)

// template is a compiled key template such as "viewUserBalance:{buyerAddress}".
type template struct {
	raw   string
	parts []part
}

type part struct {
	lit   string
	field string // non-empty for a placeholder
}

func compile(raw string) (template, error) {
	t := template{raw: raw}
	rest := raw
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return template{}, fmt.Errorf("unmatched '}' in %q", raw)
			}
			t.parts = append(t.parts, part{lit: rest})
			break
		}
		if open > 0 {
			lit := rest[:open]
			if strings.IndexByte(lit, '}') >= 0 {
				return template{}, fmt.Errorf("unmatched '}' in %q", raw)
			}
			t.parts = append(t.parts, part{lit: lit})
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return template{}, fmt.Errorf("unclosed '{' in %q", raw)
		}
		name := rest[open+1 : open+end]
		if name == "" || strings.ContainsAny(name, "{") {
			return template{}, fmt.Errorf("bad placeholder in %q", raw)
		}
		t.parts = append(t.parts, part{field: name})
		rest = rest[open+end+1:]
	}
	return t, nil
}

// fill substitutes attrs into the template. It reports the first missing
// attribute instead of producing a partial key.
func (t template) fill(attrs map[string]string, conv func(string) string) (string, string, bool) {
	var b strings.Builder
	for _, p := range t.parts {
		if p.field == "" {
			b.WriteString(p.lit)
			continue
		}
		v := attrs[p.field]
		if v == "" {
			return "", p.field, false
		}
		if conv != nil {
			v = conv(v)
		}
		b.WriteString(v)
	}
	return b.String(), "", true
}
