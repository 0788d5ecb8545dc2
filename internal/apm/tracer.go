package apm

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const maxSQLDescription = 1000

type queryKey struct{}

type queryStart struct {
	at  time.Time
	sql string
}

// QueryTracer is a pgx.QueryTracer that records every query run on behalf
// of a sampled request as an sql span.
type QueryTracer struct{}

var _ pgx.QueryTracer = QueryTracer{}

func (QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if FromContext(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, queryKey{}, queryStart{at: time.Now(), sql: data.SQL})
}

func (QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	tx := FromContext(ctx)
	qs, ok := ctx.Value(queryKey{}).(queryStart)
	if tx == nil || !ok {
		return
	}
	desc := qs.sql
	if len(desc) > maxSQLDescription {
		desc = desc[:maxSQLDescription]
	}
	meta := map[string]any{"command": data.CommandTag.String()}
	if data.Err != nil {
		meta["error"] = data.Err.Error()
	}
	tx.AddSpan(SpanSQL, desc, qs.at, time.Since(qs.at), meta)
}
