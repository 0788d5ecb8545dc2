package apm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const (
	// MaxSpans is the per-request span cap. Spans past it are dropped.
	MaxSpans = 500
	// offsetTolerance absorbs clock jitter in reported span offsets.
	offsetTolerance = time.Millisecond
)

// Span types with a dedicated runtime column on the trace.
const (
	SpanSQL  = "sql"
	SpanView = "view"
	SpanHTTP = "http"
)

type txKey struct{}

// Transaction collects the spans of one in-flight request.
type Transaction struct {
	Method string
	Path   string

	start  time.Time
	logger *slog.Logger

	mu       sync.Mutex
	endpoint string
	spans    []models.Span
	dropped  int
	dbMS     float64
	viewMS   float64
	queries  int
}

// Start attaches a new transaction to ctx. The start time carries a monotonic
// reading, so span offsets are immune to wall clock changes.
func Start(ctx context.Context, method, path string, logger *slog.Logger) (context.Context, *Transaction) {
	if logger == nil {
		logger = slog.Default()
	}
	tx := &Transaction{Method: method, Path: path, start: time.Now(), logger: logger}
	return context.WithValue(ctx, txKey{}, tx), tx
}

// FromContext returns the request's transaction, or nil when the request is
// not sampled.
func FromContext(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(txKey{}).(*Transaction)
	return tx
}

// StartSpan times an operation on the context's transaction. The returned
// func ends the span; it is a no-op when ctx carries no transaction.
func StartSpan(ctx context.Context, typ, description string) func(metadata map[string]any) {
	tx := FromContext(ctx)
	if tx == nil {
		return func(map[string]any) {}
	}
	begin := time.Now()
	return func(metadata map[string]any) {
		tx.AddSpan(typ, description, begin, time.Since(begin), metadata)
	}
}

// SetEndpoint names the route the request matched.
func (t *Transaction) SetEndpoint(endpoint string) {
	t.mu.Lock()
	t.endpoint = endpoint
	t.mu.Unlock()
}

// AddSpan records a span that began at began and lasted d.
func (t *Transaction) AddSpan(typ, description string, began time.Time, d time.Duration, metadata map[string]any) {
	ms := durationMS(d)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch typ {
	case SpanSQL:
		t.queries++
		t.dbMS += ms
	case SpanView:
		t.viewMS += ms
	}

	if len(t.spans) >= MaxSpans {
		t.drop()
		return
	}

	offset := began.Sub(t.start)
	if offset < -offsetTolerance {
		t.logger.Warn("span starts before its request, clamping offset",
			"path", t.Path, "span_type", typ, "offset_ms", durationMS(offset))
	}
	if offset < 0 {
		offset = 0
	}
	t.spans = append(t.spans, models.Span{
		Type:          typ,
		Description:   description,
		StartOffsetMS: durationMS(offset),
		DurationMS:    ms,
		Metadata:      metadata,
	})
}

// drop must be called with mu held.
func (t *Transaction) drop() {
	if t.dropped == 0 {
		t.logger.Warn("span limit reached, dropping further spans", "path", t.Path, "limit", MaxSpans)
	}
	t.dropped++
	metrics.SpansDropped.Inc()
}

// Finish builds the trace for a request that completed with status.
func (t *Transaction) Finish(status int) *models.RequestTrace {
	elapsed := time.Since(t.start)

	t.mu.Lock()
	defer t.mu.Unlock()

	endpoint := t.endpoint
	if endpoint == "" {
		endpoint = t.Method + " " + t.Path
	}
	return &models.RequestTrace{
		Endpoint:      endpoint,
		HTTPMethod:    t.Method,
		Path:          t.Path,
		Status:        &status,
		DurationMS:    durationMS(elapsed),
		DBRuntimeMS:   t.dbMS,
		ViewRuntimeMS: t.viewMS,
		DBQueryCount:  t.queries,
		Spans:         append([]models.Span(nil), t.spans...),
		CreatedAt:     t.start.UTC(),
	}
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// normalizeSpans applies the span cap and offset clamping to externally
// reported spans, logging once per request for each kind of anomaly.
func normalizeSpans(spans []models.Span, path string, logger *slog.Logger) []models.Span {
	if len(spans) > MaxSpans {
		logger.Warn("span limit reached, dropping further spans", "path", path, "limit", MaxSpans, "dropped", len(spans)-MaxSpans)
		metrics.SpansDropped.Add(float64(len(spans) - MaxSpans))
		spans = spans[:MaxSpans]
	}
	out := make([]models.Span, len(spans))
	tolerance := durationMS(offsetTolerance)
	logged := false
	for i, sp := range spans {
		if sp.StartOffsetMS < -tolerance && !logged {
			logger.Warn("span starts before its request, clamping offset",
				"path", path, "span_type", sp.Type, "offset_ms", sp.StartOffsetMS)
			logged = true
		}
		if sp.StartOffsetMS < 0 {
			sp.StartOffsetMS = 0
		}
		if sp.DurationMS < 0 {
			sp.DurationMS = 0
		}
		out[i] = sp
	}
	return out
}
