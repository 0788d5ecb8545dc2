// Package recorder builds and persists occurrences: the per-event diagnostic
// snapshot attached to an issue group.
package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/faultline/internal/capture"
	"github.com/kiranshivaraju/faultline/internal/filter"
	"github.com/kiranshivaraju/faultline/internal/serializer"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const (
	DefaultBacktraceLimit = 50
	MaxURLLength          = 2000
	MaxHeaderLength       = 500
	MaxContextValueLength = 10000
)

// AllowedHeaders are the only request headers kept on an occurrence.
var AllowedHeaders = []string{
	"Accept",
	"Accept-Language",
	"Host",
	"Referer",
	"User-Agent",
	"X-HTTP-Method-Override",
	"X-Forwarded-For",
	"X-Real-IP",
	"Content-Type",
}

// User identifies the actor behind an occurrence.
type User struct {
	ID   string
	Type string
}

// Options configures a Recorder.
type Options struct {
	BacktraceLimit int
	Environment    string
	Filter         *filter.Matcher
	Serializer     *serializer.Serializer
	Logger         *slog.Logger
}

// Recorder creates occurrences.
type Recorder struct {
	store          store.Store
	filter         *filter.Matcher
	serializer     *serializer.Serializer
	backtraceLimit int
	environment    string
	hostname       string
	pid            int
	logger         *slog.Logger
}

// New creates a Recorder backed by s.
func New(s store.Store, opts Options) *Recorder {
	if opts.BacktraceLimit <= 0 {
		opts.BacktraceLimit = DefaultBacktraceLimit
	}
	if opts.Filter == nil {
		opts.Filter = filter.New()
	}
	if opts.Serializer == nil {
		opts.Serializer = serializer.New(opts.Filter, serializer.DefaultLimits())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Recorder{
		store:          s,
		filter:         opts.Filter,
		serializer:     opts.Serializer,
		backtraceLimit: opts.BacktraceLimit,
		environment:    opts.Environment,
		hostname:       hostname,
		pid:            os.Getpid(),
		logger:         opts.Logger,
	}
}

// Create records one occurrence of exc in group. localVariables must already be
// serialized. The occurrence, its context entries and the group counter
// increment are written together.
func (r *Recorder) Create(ctx context.Context, exc capture.Exception, group *models.IssueGroup, req Request,
	user *User, customData map[string]any, localVariables map[string]any) (*models.Occurrence, error) {
	backtrace := exc.Backtrace
	if len(backtrace) > r.backtraceLimit {
		backtrace = backtrace[:r.backtraceLimit]
	}

	occ := &models.Occurrence{
		GroupID:        group.ID,
		ExceptionClass: exc.Class,
		Message:        exc.Message,
		Backtrace:      append([]string(nil), backtrace...),
		LocalVariables: localVariables,
		Request:        r.ExtractRequest(req),
		Environment:    r.environment,
		Hostname:       r.hostname,
		ProcessID:      r.pid,
		Context:        r.contextEntries(customData),
	}
	if user != nil {
		if user.ID != "" {
			occ.UserID = &user.ID
		}
		if user.Type != "" {
			occ.UserType = &user.Type
		}
	}

	if err := r.store.CreateOccurrence(ctx, occ); err != nil {
		return nil, fmt.Errorf("record occurrence: %w", err)
	}
	return occ, nil
}

// ExtractRequest builds the filtered request snapshot. Any panic raised by the
// adapter yields an empty snapshot.
func (r *Recorder) ExtractRequest(req Request) (snap models.RequestSnapshot) {
	if req == nil {
		return snap
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Debug("request extraction failed", "error", fmt.Sprint(rec))
			snap = models.RequestSnapshot{}
		}
	}()

	snap.Method = optional(req.Method(), 0)
	snap.URL = optional(r.filterURL(req.URL()), MaxURLLength)
	snap.UserAgent = optional(req.UserAgent(), MaxHeaderLength)
	snap.IP = optional(req.RemoteIP(), 0)
	snap.SessionID = optional(req.SessionID(), 0)
	if params := req.Params(); len(params) > 0 {
		snap.Params = r.filter.Params(params)
	}
	snap.Headers = allowHeaders(req.Headers())
	return snap
}

// filterURL masks sensitive query parameters.
func (r *Recorder) filterURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q := u.Query()
	changed := false
	for k := range q {
		if r.filter.Match(k) {
			q[k] = []string{Filtered}
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func allowHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, name := range AllowedHeaders {
		for k, v := range in {
			if strings.EqualFold(k, name) && v != "" {
				out[name] = truncate(v, MaxHeaderLength)
				break
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (r *Recorder) contextEntries(data map[string]any) []models.ContextEntry {
	if len(data) == 0 {
		return nil
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	entries := make([]models.ContextEntry, 0, len(keys))
	for _, k := range keys {
		val := Filtered
		if !r.filter.Match(k) {
			val = r.encodeValue(data[k])
		}
		entries = append(entries, models.ContextEntry{Key: k, Value: truncate(val, MaxContextValueLength)})
	}
	return entries
}

// Filtered replaces context values whose key is sensitive.
const Filtered = filter.Filtered

// encodeValue renders a custom data value as a string or JSON. Values that
// cannot be JSON encoded go through the serializer, then a type placeholder.
func (r *Recorder) encodeValue(v any) (out string) {
	if s, ok := v.(string); ok {
		return s
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = fmt.Sprintf("#<%T>", v)
		}
	}()
	if b, err := marshal(v); err == nil {
		return b
	}
	if b, err := marshal(r.serializer.Value(v)); err == nil {
		return b
	}
	return fmt.Sprintf("#<%T>", v)
}

func marshal(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func optional(s string, limit int) *string {
	if s == "" {
		return nil
	}
	if limit > 0 {
		s = truncate(s, limit)
	}
	return &s
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
