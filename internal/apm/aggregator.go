package apm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// TracePayload is a completed request reported by a host application.
type TracePayload struct {
	Endpoint      string          `json:"endpoint"        validate:"required,max=255"`
	Method        string          `json:"method"          validate:"required,max=16"`
	Path          string          `json:"path"            validate:"required,max=2048"`
	Status        *int            `json:"status"          validate:"omitempty,min=100,max=599"`
	DurationMS    float64         `json:"duration_ms"     validate:"gte=0"`
	DBRuntimeMS   float64         `json:"db_runtime_ms"   validate:"gte=0"`
	ViewRuntimeMS float64         `json:"view_runtime_ms" validate:"gte=0"`
	DBQueryCount  int             `json:"db_query_count"  validate:"gte=0"`
	Spans         []models.Span   `json:"spans"`
	Profile       *ProfilePayload `json:"profile"         validate:"omitempty"`
	Timestamp     *time.Time      `json:"timestamp"`
}

// ProfilePayload is an opaque profile blob; Data is base64 in JSON.
type ProfilePayload struct {
	Mode       string `json:"mode"        validate:"max=32"`
	Samples    int    `json:"samples"     validate:"gte=0"`
	IntervalUS int    `json:"interval_us" validate:"gte=0"`
	Data       []byte `json:"data"        validate:"required"`
}

// Options configures an Aggregator.
type Options struct {
	SampleRate float64
	CacheTTL   time.Duration
	Logger     *slog.Logger
}

// Aggregator ingests traces and serves cached rollups.
type Aggregator struct {
	store      Store
	cache      cache.Cache
	sampleRate float64
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time
	rand       func() float64
}

// NewAggregator creates an Aggregator. c may be nil to disable rollup caching.
func NewAggregator(s Store, c cache.Cache, opts Options) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		store:      s,
		cache:      c,
		sampleRate: opts.SampleRate,
		ttl:        opts.CacheTTL,
		logger:     opts.Logger,
		now:        time.Now,
		rand:       rand.Float64,
	}
}

// Store returns the underlying trace store.
func (a *Aggregator) Store() Store { return a.store }

// Sample draws whether the current request should be traced.
func (a *Aggregator) Sample() bool {
	switch {
	case a.sampleRate >= 1:
		return true
	case a.sampleRate <= 0:
		return false
	}
	return a.rand() < a.sampleRate
}

// Ingest stores a reported trace.
func (a *Aggregator) Ingest(ctx context.Context, p TracePayload) (*models.RequestTrace, error) {
	path := stripQuery(p.Path)
	t := &models.RequestTrace{
		Endpoint:      p.Endpoint,
		HTTPMethod:    strings.ToUpper(p.Method),
		Path:          path,
		Status:        p.Status,
		DurationMS:    p.DurationMS,
		DBRuntimeMS:   p.DBRuntimeMS,
		ViewRuntimeMS: p.ViewRuntimeMS,
		DBQueryCount:  p.DBQueryCount,
		Spans:         normalizeSpans(p.Spans, path, a.logger),
	}
	if p.Timestamp != nil {
		t.CreatedAt = p.Timestamp.UTC()
	}
	var profile *models.Profile
	if p.Profile != nil {
		profile = &models.Profile{
			Mode:       p.Profile.Mode,
			Samples:    p.Profile.Samples,
			IntervalUS: p.Profile.IntervalUS,
			Data:       p.Profile.Data,
		}
	}

	if err := a.store.SaveTrace(ctx, t, profile); err != nil {
		metrics.TracesTotal.WithLabelValues("http", "error").Inc()
		return nil, err
	}
	metrics.TracesTotal.WithLabelValues("http", "stored").Inc()
	return t, nil
}

// Record finishes tx and stores its trace. Failures are logged.
func (a *Aggregator) Record(ctx context.Context, tx *Transaction, status int) {
	t := tx.Finish(status)
	if err := a.store.SaveTrace(ctx, t, nil); err != nil {
		metrics.TracesTotal.WithLabelValues("middleware", "error").Inc()
		a.logger.Error("failed to store request trace", "endpoint", t.Endpoint, "error", err)
		return
	}
	metrics.TracesTotal.WithLabelValues("middleware", "stored").Inc()
}

func (a *Aggregator) ResponseTimeSeries(ctx context.Context, w Window) ([]models.SeriesPoint, error) {
	return cached(ctx, a, "series", w.Normalize(a.now()), a.store.ResponseTimeSeries)
}

func (a *Aggregator) Throughput(ctx context.Context, w Window) ([]models.ThroughputPoint, error) {
	return cached(ctx, a, "throughput", w.Normalize(a.now()), a.store.Throughput)
}

func (a *Aggregator) Percentiles(ctx context.Context, w Window, ps []float64) ([]Percentile, error) {
	if len(ps) == 0 {
		ps = DefaultPercentiles
	}
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = strconv.FormatFloat(p, 'f', -1, 64)
	}
	return cached(ctx, a, "percentiles:"+strings.Join(names, ","), w.Normalize(a.now()),
		func(ctx context.Context, w Window) ([]Percentile, error) {
			return a.store.Percentiles(ctx, w, ps)
		})
}

func (a *Aggregator) EndpointSummaries(ctx context.Context, w Window) ([]models.EndpointSummary, error) {
	return cached(ctx, a, "endpoints", w.Normalize(a.now()), a.store.EndpointSummaries)
}

// cached serves a rollup from the cache, computing and storing it on a miss.
// Cache failures fall through to the store.
func cached[T any](ctx context.Context, a *Aggregator, kind string, w Window, load func(context.Context, Window) (T, error)) (T, error) {
	if a.cache == nil || a.ttl <= 0 {
		return load(ctx, w)
	}
	key := cache.RollupKey(kind, w.hash())

	var out T
	data, found, err := a.cache.Get(ctx, key)
	if err != nil {
		a.logger.Warn("rollup cache read failed", "key", key, "error", err)
	}
	if found && json.Unmarshal(data, &out) == nil {
		return out, nil
	}

	out, err = load(ctx, w)
	if err != nil {
		return out, fmt.Errorf("%s rollup: %w", kind, err)
	}
	if data, err := json.Marshal(out); err == nil {
		if err := a.cache.Set(ctx, key, data, a.ttl); err != nil {
			a.logger.Warn("rollup cache write failed", "key", key, "error", err)
		}
	}
	return out, nil
}

func stripQuery(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		return path[:i]
	}
	return path
}
