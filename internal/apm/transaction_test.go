package apm

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/faultline/pkg/models"
)

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

func TestTransaction_SpanCap(t *testing.T) {
	logger, logs := bufferLogger()
	_, tx := Start(context.Background(), "GET", "/orders", logger)

	for i := 0; i < MaxSpans+20; i++ {
		tx.AddSpan(SpanSQL, "SELECT 1", time.Now(), time.Millisecond, nil)
	}
	tr := tx.Finish(200)

	assert.Len(t, tr.Spans, MaxSpans)
	assert.Equal(t, MaxSpans+20, tr.DBQueryCount)
	assert.InDelta(t, float64(MaxSpans+20), tr.DBRuntimeMS, 1e-6)
	assert.Equal(t, 1, strings.Count(logs.String(), "span limit reached"))
}

func TestTransaction_NegativeOffsets(t *testing.T) {
	logger, logs := bufferLogger()
	_, tx := Start(context.Background(), "GET", "/orders", logger)

	tx.AddSpan(SpanHTTP, "within tolerance", tx.start.Add(-500*time.Microsecond), time.Millisecond, nil)
	assert.Empty(t, logs.String())

	tx.AddSpan(SpanHTTP, "beyond tolerance", tx.start.Add(-5*time.Millisecond), time.Millisecond, nil)
	assert.Contains(t, logs.String(), "span starts before its request")

	tr := tx.Finish(200)
	require.Len(t, tr.Spans, 2)
	assert.Zero(t, tr.Spans[0].StartOffsetMS)
	assert.Zero(t, tr.Spans[1].StartOffsetMS)
}

func TestTransaction_FinishDefaults(t *testing.T) {
	_, tx := Start(context.Background(), "POST", "/checkout", nil)
	tx.AddSpan(SpanView, "render", time.Now(), 3*time.Millisecond, nil)
	tr := tx.Finish(201)

	assert.Equal(t, "POST /checkout", tr.Endpoint)
	require.NotNil(t, tr.Status)
	assert.Equal(t, 201, *tr.Status)
	assert.InDelta(t, 3.0, tr.ViewRuntimeMS, 1e-6)
	assert.GreaterOrEqual(t, tr.DurationMS, 0.0)

	tx.SetEndpoint("POST /checkout/{id}")
	assert.Equal(t, "POST /checkout/{id}", tx.Finish(201).Endpoint)
}

func TestStartSpan(t *testing.T) {
	StartSpan(context.Background(), SpanHTTP, "no transaction")(nil)

	ctx, tx := Start(context.Background(), "GET", "/", nil)
	end := StartSpan(ctx, SpanHTTP, "GET https://api.test")
	end(map[string]any{"status": 200})

	tr := tx.Finish(200)
	require.Len(t, tr.Spans, 1)
	assert.Equal(t, SpanHTTP, tr.Spans[0].Type)
	assert.Equal(t, 200, tr.Spans[0].Metadata["status"])
}

func TestNormalizeSpans(t *testing.T) {
	logger, logs := bufferLogger()
	spans := make([]models.Span, MaxSpans+5)
	spans[0] = models.Span{StartOffsetMS: -0.5}
	spans[1] = models.Span{StartOffsetMS: -20, DurationMS: -1}
	spans[2] = models.Span{StartOffsetMS: -30}

	out := normalizeSpans(spans, "/x", logger)

	assert.Len(t, out, MaxSpans)
	assert.Zero(t, out[0].StartOffsetMS)
	assert.Zero(t, out[1].StartOffsetMS)
	assert.Zero(t, out[1].DurationMS)
	assert.Equal(t, 1, strings.Count(logs.String(), "span starts before its request"))
	assert.Equal(t, 1, strings.Count(logs.String(), "span limit reached"))
}

func TestQueryTracer(t *testing.T) {
	var tracer QueryTracer

	plain := context.Background()
	assert.Equal(t, plain, tracer.TraceQueryStart(plain, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"}))

	ctx, tx := Start(context.Background(), "GET", "/issues", nil)
	qctx := tracer.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT * FROM issue_groups"})
	tracer.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 3")})

	qctx = tracer.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "UPDATE x"})
	tracer.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: errors.New("deadlock")})

	tr := tx.Finish(200)
	assert.Equal(t, 2, tr.DBQueryCount)
	require.Len(t, tr.Spans, 2)
	assert.Equal(t, SpanSQL, tr.Spans[0].Type)
	assert.Equal(t, "SELECT * FROM issue_groups", tr.Spans[0].Description)
	assert.Equal(t, "SELECT 3", tr.Spans[0].Metadata["command"])
	assert.Equal(t, "deadlock", tr.Spans[1].Metadata["error"])
}
