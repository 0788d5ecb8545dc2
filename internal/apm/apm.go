// Package apm records sampled request performance traces and serves
// time-bucketed rollups over them.
package apm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/faultline/internal/dialect"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

var ErrTraceNotFound = errors.New("trace not found")

// Store persists traces and computes rollups.
type Store interface {
	SaveTrace(ctx context.Context, t *models.RequestTrace, p *models.Profile) error
	GetTrace(ctx context.Context, id uuid.UUID) (*models.RequestTrace, error)
	GetProfile(ctx context.Context, traceID uuid.UUID) (*models.Profile, error)
	ListTraces(ctx context.Context, f TraceFilter) ([]*models.RequestTrace, int, error)

	ResponseTimeSeries(ctx context.Context, w Window) ([]models.SeriesPoint, error)
	Throughput(ctx context.Context, w Window) ([]models.ThroughputPoint, error)
	Percentiles(ctx context.Context, w Window, ps []float64) ([]Percentile, error)
	EndpointSummaries(ctx context.Context, w Window) ([]models.EndpointSummary, error)

	DeleteTracesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Window selects traces for a rollup. Since is inclusive, Until exclusive.
type Window struct {
	Since       time.Time
	Until       time.Time
	Granularity dialect.Granularity
	Endpoint    string
}

// DefaultWindow is how far back a rollup looks when Since is not given.
const DefaultWindow = 24 * time.Hour

// Normalize fills defaults relative to now and rounds the bounds to the minute
// so that repeated queries share cache entries.
func (w Window) Normalize(now time.Time) Window {
	if w.Until.IsZero() {
		w.Until = now.Add(time.Minute)
	}
	if w.Since.IsZero() {
		w.Since = w.Until.Add(-DefaultWindow)
	}
	if w.Granularity == "" {
		w.Granularity = dialect.Hour
	}
	w.Since = w.Since.UTC().Truncate(time.Minute)
	w.Until = w.Until.UTC().Truncate(time.Minute)
	return w
}

func (w Window) hash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%s|%s", w.Since.Unix(), w.Until.Unix(), w.Granularity, w.Endpoint)))
	return hex.EncodeToString(sum[:8])
}

// Percentile is the duration at percentile P (0-100) of a window.
type Percentile struct {
	P     float64 `json:"p"`
	Value float64 `json:"value_ms"`
}

// DefaultPercentiles are reported when none are requested.
var DefaultPercentiles = []float64{50, 95, 99}

// TraceFilter selects traces for listing.
type TraceFilter struct {
	Endpoint      string
	Since         time.Time
	MinDurationMS float64
	Page          int
	Limit         int
}
