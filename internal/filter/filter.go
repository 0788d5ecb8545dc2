// Package filter redacts sensitive values by key name.
package filter

import (
	"encoding"
	"fmt"
	"reflect"
	"strings"
)

// Filtered replaces any value whose key matched a sensitive pattern.
const Filtered = "[FILTERED]"

// DefaultPatterns are the substrings that mark a key as sensitive.
var DefaultPatterns = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"access_key",
	"private_key",
	"credential",
	"auth",
	"session",
	"cookie",
	"csrf",
	"ssn",
	"credit_card",
	"card_number",
	"cvv",
}

// Matcher performs case-insensitive substring matching of key names.
// The zero value matches nothing; use New.
type Matcher struct {
	patterns []string
}

// New returns a Matcher over DefaultPatterns merged with extra patterns.
func New(extra ...string) *Matcher {
	seen := make(map[string]bool, len(DefaultPatterns)+len(extra))
	m := &Matcher{}
	for _, p := range append(append([]string{}, DefaultPatterns...), extra...) {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		m.patterns = append(m.patterns, p)
	}
	return m
}

// Match reports whether key names a sensitive value.
func (m *Matcher) Match(key string) bool {
	if m == nil {
		return false
	}
	lower := strings.ToLower(key)
	for _, p := range m.patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the configured patterns.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

var textMarshaler = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()

// maxDepth bounds the descent into nested params. Deeper values are dropped.
const maxDepth = 16

// Params returns a copy of params with sensitive keys replaced by Filtered,
// descending into nested maps, slices, pointers and struct fields.
func (m *Matcher) Params(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	return m.params(params, 0)
}

func (m *Matcher) params(params map[string]any, depth int) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if m.Match(k) {
			out[k] = Filtered
			continue
		}
		out[k] = m.value(v, depth+1)
	}
	return out
}

func (m *Matcher) value(v any, depth int) any {
	if depth > maxDepth {
		return nil
	}
	switch val := v.(type) {
	case nil, string, bool, int, int64, float64:
		return v
	case map[string]any:
		return m.params(val, depth)
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			if m.Match(k) {
				out[k] = Filtered
			} else {
				out[k] = s
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.value(item, depth+1)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	}
	return m.reflectValue(reflect.ValueOf(v), depth)
}

// reflectValue handles typed containers such as []map[string]any or structs
// coming from in-process request adapters.
func (m *Matcher) reflectValue(rv reflect.Value, depth int) any {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return m.value(rv.Elem().Interface(), depth+1)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface()
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = m.value(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := fmt.Sprint(iter.Key().Interface())
			if m.Match(k) {
				out[k] = Filtered
				continue
			}
			out[k] = m.value(iter.Value().Interface(), depth+1)
		}
		return out
	case reflect.Struct:
		t := rv.Type()
		if t.Implements(textMarshaler) {
			return rv.Interface()
		}
		out := make(map[string]any, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if tag == "-" {
				continue
			}
			name := f.Name
			if tag != "" {
				name = tag
			}
			if m.Match(name) {
				out[name] = Filtered
				continue
			}
			out[name] = m.value(rv.Field(i).Interface(), depth+1)
		}
		return out
	default:
		return rv.Interface()
	}
}
