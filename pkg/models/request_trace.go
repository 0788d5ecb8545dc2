package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestTrace is one sampled request's performance snapshot.
type RequestTrace struct {
	ID            uuid.UUID `db:"id"              json:"id"`
	Endpoint      string    `db:"endpoint"        json:"endpoint"`
	HTTPMethod    string    `db:"http_method"     json:"http_method"`
	Path          string    `db:"path"            json:"path"`
	Status        *int      `db:"status"          json:"status,omitempty"`
	DurationMS    float64   `db:"duration_ms"     json:"duration_ms"`
	DBRuntimeMS   float64   `db:"db_runtime_ms"   json:"db_runtime_ms"`
	ViewRuntimeMS float64   `db:"view_runtime_ms" json:"view_runtime_ms"`
	DBQueryCount  int       `db:"db_query_count"  json:"db_query_count"`
	Spans         []Span    `db:"spans"           json:"spans,omitempty"`
	HasProfile    bool      `db:"has_profile"     json:"has_profile"`
	CreatedAt     time.Time `db:"created_at"      json:"created_at"`
}

// Span is a timed sub-operation within a request.
type Span struct {
	Type          string         `json:"type"`
	Description   string         `json:"description"`
	StartOffsetMS float64        `json:"start_offset_ms"`
	DurationMS    float64        `json:"duration_ms"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Profile is an opaque profiling blob attached to at most one trace.
type Profile struct {
	ID         uuid.UUID `db:"id"          json:"id"`
	TraceID    uuid.UUID `db:"trace_id"    json:"trace_id"`
	Mode       string    `db:"mode"        json:"mode"`
	Samples    int       `db:"samples"     json:"samples"`
	IntervalUS int       `db:"interval_us" json:"interval_us"`
	Data       []byte    `db:"data"        json:"-"`
	CreatedAt  time.Time `db:"created_at"  json:"created_at"`
}

// SeriesPoint is one bucket of a response time series.
type SeriesPoint struct {
	Bucket time.Time `json:"bucket"`
	Avg    float64   `json:"avg"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Count  int       `json:"count"`
}

// ThroughputPoint is the request rate of one bucket.
type ThroughputPoint struct {
	Bucket            time.Time `json:"bucket"`
	Count             int       `json:"count"`
	RequestsPerMinute float64   `json:"requests_per_minute"`
}

// EndpointSummary aggregates all traces of one endpoint within a window.
type EndpointSummary struct {
	Endpoint   string  `json:"endpoint"`
	Count      int     `json:"count"`
	AvgMS      float64 `json:"avg_ms"`
	MaxMS      float64 `json:"max_ms"`
	TotalMS    float64 `json:"total_ms"`
	ErrorRate  float64 `json:"error_rate"`
	AvgDBMS    float64 `json:"avg_db_ms"`
	AvgQueries float64 `json:"avg_queries"`
}
