// Package serializer renders arbitrary captured values into bounded, JSON-safe form.
package serializer

import (
	"encoding"
	"fmt"
	"math"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/faultline/internal/filter"
)

// Markers emitted in place of values that cannot or must not be rendered.
const (
	Circular = "[CIRCULAR]"
	MaxDepth = "[MAX DEPTH]"
	Filtered = filter.Filtered
)

// Limits bounds the size of serialized output.
type Limits struct {
	MaxDepth        int
	MaxStringLength int
	MaxItems        int
	MaxKeys         int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:        5,
		MaxStringLength: 1000,
		MaxItems:        50,
		MaxKeys:         50,
	}
}

// Serializer converts name→value snapshots into JSON-safe maps.
// Safe for concurrent use; all traversal state is per call.
type Serializer struct {
	limits Limits
	filter *filter.Matcher
}

// New creates a Serializer. A nil matcher uses the default sensitive patterns.
func New(m *filter.Matcher, limits Limits) *Serializer {
	if m == nil {
		m = filter.New()
	}
	def := DefaultLimits()
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = def.MaxDepth
	}
	if limits.MaxStringLength <= 0 {
		limits.MaxStringLength = def.MaxStringLength
	}
	if limits.MaxItems <= 0 {
		limits.MaxItems = def.MaxItems
	}
	if limits.MaxKeys <= 0 {
		limits.MaxKeys = def.MaxKeys
	}
	return &Serializer{limits: limits, filter: m}
}

// Serialize renders every variable. It never fails: a value that cannot be
// rendered is replaced by an inline error marker and the rest of the batch is kept.
func (s *Serializer) Serialize(vars map[string]any) map[string]any {
	if vars == nil {
		return nil
	}
	w := &walker{s: s, visited: make(map[visitKey]bool)}
	root, _ := w.enter(reflect.ValueOf(vars))
	defer w.leave(root)
	out := make(map[string]any, len(vars))
	for name, v := range vars {
		if s.filter.Match(name) {
			out[name] = Filtered
			continue
		}
		out[name] = w.safe(reflect.ValueOf(v), 0)
	}
	return out
}

// Value renders a single value with the same rules as Serialize.
func (s *Serializer) Value(v any) any {
	w := &walker{s: s, visited: make(map[visitKey]bool)}
	return w.safe(reflect.ValueOf(v), 0)
}

type visitKey struct {
	ptr uintptr
	typ reflect.Type
}

type walker struct {
	s       *Serializer
	visited map[visitKey]bool
}

var (
	timeType          = reflect.TypeOf(time.Time{})
	errorType         = reflect.TypeOf((*error)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	fileType          = reflect.TypeOf((*os.File)(nil))
	rtypeType         = reflect.TypeOf((*reflect.Type)(nil)).Elem()
)

func (w *walker) safe(v reflect.Value, depth int) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("[SERIALIZATION ERROR: %v]", r)
		}
	}()
	return w.walk(v, depth)
}

func (w *walker) walk(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}

	if v.Type() == timeType {
		return v.Interface().(time.Time).Format(time.RFC3339Nano)
	}
	if v.Type() == fileType || v.Type().Implements(rtypeType) {
		return opaque(v)
	}
	if v.Kind() != reflect.Interface && v.CanInterface() {
		if v.Kind() == reflect.Pointer && v.IsNil() {
			return nil
		}
		if v.Type().Implements(errorType) {
			return fmt.Sprintf("#<%s: %s>", v.Type(), v.Interface().(error).Error())
		}
		if v.Type().Implements(textMarshalerType) {
			text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
			if err != nil {
				return fmt.Sprintf("[SERIALIZATION ERROR: %v]", err)
			}
			return w.str(string(text))
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Sprintf("%v", f)
		}
		return f
	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprintf("%v", v.Complex())
	case reflect.String:
		return w.str(v.String())
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return w.walk(v.Elem(), depth)
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		key, cycle := w.enter(v)
		if cycle {
			return Circular
		}
		defer w.leave(key)
		return w.walk(v.Elem(), depth)
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return fmt.Sprintf("[BINARY %d bytes]", v.Len())
		}
		key, cycle := w.enter(v)
		if cycle {
			return Circular
		}
		defer w.leave(key)
		return w.list(v, depth)
	case reflect.Array:
		return w.list(v, depth)
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		key, cycle := w.enter(v)
		if cycle {
			return Circular
		}
		defer w.leave(key)
		return w.mapping(v, depth)
	case reflect.Struct:
		return w.fields(v, depth)
	default:
		// func, chan, unsafe.Pointer
		return opaque(v)
	}
}

// enter pushes a container onto the current path and reports whether it is
// already on it. Only ancestors count: a value reached twice through siblings
// is rendered both times. Empty slices and pointers to zero-size values share
// addresses without aliasing anything, so they are not tracked.
func (w *walker) enter(v reflect.Value) (visitKey, bool) {
	key := visitKey{ptr: v.Pointer(), typ: v.Type()}
	if key.ptr == 0 {
		return visitKey{}, false
	}
	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			return visitKey{}, false
		}
	case reflect.Pointer:
		if v.Type().Elem().Size() == 0 {
			return visitKey{}, false
		}
	}
	if w.visited[key] {
		return visitKey{}, true
	}
	w.visited[key] = true
	return key, false
}

func (w *walker) leave(key visitKey) {
	if key.ptr != 0 {
		delete(w.visited, key)
	}
}

func (w *walker) str(s string) any {
	if !utf8.ValidString(s) {
		return fmt.Sprintf("[BINARY %d bytes]", len(s))
	}
	limit := w.s.limits.MaxStringLength
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s... (truncated, %d bytes)", s[:cut], len(s))
}

func (w *walker) list(v reflect.Value, depth int) any {
	if depth >= w.s.limits.MaxDepth {
		return MaxDepth
	}
	n := v.Len()
	limit := min(n, w.s.limits.MaxItems)
	out := make([]any, 0, limit+1)
	for i := 0; i < limit; i++ {
		out = append(out, w.safe(v.Index(i), depth+1))
	}
	if n > limit {
		out = append(out, fmt.Sprintf("... %d more items", n-limit))
	}
	return out
}

func (w *walker) mapping(v reflect.Value, depth int) any {
	if depth >= w.s.limits.MaxDepth {
		return MaxDepth
	}

	keys := v.MapKeys()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = keyString(k)
	}
	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return names[order[a]] < names[order[b]] })

	limit := min(len(keys), w.s.limits.MaxKeys)
	out := make(map[string]any, limit+1)
	for _, i := range order[:limit] {
		name := names[i]
		if w.s.filter.Match(name) {
			out[name] = Filtered
			continue
		}
		out[name] = w.safe(v.MapIndex(keys[i]), depth+1)
	}
	if len(keys) > limit {
		out["..."] = fmt.Sprintf("%d more keys", len(keys)-limit)
	}
	return out
}

func (w *walker) fields(v reflect.Value, depth int) any {
	if depth >= w.s.limits.MaxDepth {
		return MaxDepth
	}
	t := v.Type()
	out := make(map[string]any)
	count := 0
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := fieldName(f)
		if name == "" {
			continue
		}
		if count >= w.s.limits.MaxKeys {
			out["..."] = "more fields omitted"
			break
		}
		count++
		if w.s.filter.Match(name) {
			out[name] = Filtered
			continue
		}
		out[name] = w.safe(v.Field(i), depth+1)
	}
	return out
}

func fieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return f.Name
}

func keyString(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.Kind() == reflect.Interface && !k.IsNil() && k.Elem().Kind() == reflect.String {
		return k.Elem().String()
	}
	return fmt.Sprintf("%v", k.Interface())
}

func opaque(v reflect.Value) string {
	return fmt.Sprintf("#<%s>", v.Type())
}
