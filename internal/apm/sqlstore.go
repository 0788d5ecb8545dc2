package apm

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/dialect"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

//go:embed schema/mysql.sql
var mysqlSchema string

// SQLStore implements Store over database/sql. The dialect supplies the
// time bucketing and percentile strategy.
type SQLStore struct {
	db      *sql.DB
	dialect dialect.Dialect
	ownsDB  bool
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, d dialect.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

// Open connects to the configured APM backend. For postgres an existing pool
// is reused when given.
func Open(ctx context.Context, cfg config.APMConfig, pool *pgxpool.Pool) (*SQLStore, error) {
	d, err := dialect.Parse(cfg.Backend)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch d {
	case dialect.Postgres:
		if pool != nil {
			db = stdlib.OpenDBFromPool(pool)
		} else {
			db, err = sql.Open("pgx", cfg.DSN)
		}
	case dialect.MySQL:
		db, err = sql.Open("mysql", cfg.DSN)
	case dialect.SQLite:
		db, err = sql.Open("sqlite", cfg.DSN)
		if err == nil {
			// One connection: SQLite serializes writers and :memory: is per connection.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}

	s := &SQLStore{db: db, dialect: d, ownsDB: true}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() dialect.Dialect { return s.dialect }

// EnsureSchema creates the trace tables on backends that are not managed by
// the migration tool.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	var ddl string
	switch s.dialect {
	case dialect.SQLite:
		for _, pragma := range []string{"PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
			if _, err := s.db.ExecContext(ctx, pragma); err != nil {
				return fmt.Errorf("setting pragma: %w", err)
			}
		}
		ddl = sqliteSchema
	case dialect.MySQL:
		ddl = mysqlSchema
	default:
		return nil
	}
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure apm schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping apm store: %w", err)
	}
	return nil
}

// Close closes the database when the store opened it. A pool shared with the
// issue store is left to its owner.
func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

// bucketColumn is created_at as a UTC wall-clock value for TruncateTime.
func (s *SQLStore) bucketColumn() string {
	if s.dialect == dialect.Postgres {
		return "created_at AT TIME ZONE 'UTC'"
	}
	return "created_at"
}

func (s *SQLStore) SaveTrace(ctx context.Context, t *models.RequestTrace, p *models.Profile) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.HasProfile = p != nil

	var spans sql.NullString
	if len(t.Spans) > 0 {
		data, err := json.Marshal(t.Spans)
		if err != nil {
			return fmt.Errorf("encode spans: %w", err)
		}
		spans = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO request_traces (id, endpoint, http_method, path, status, duration_ms, db_runtime_ms,
		   view_runtime_ms, db_query_count, spans, has_profile, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID.String(), t.Endpoint, t.HTTPMethod, t.Path, t.Status, t.DurationMS, t.DBRuntimeMS,
		t.ViewRuntimeMS, t.DBQueryCount, spans, t.HasProfile, s.dialect.TimeArg(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}

	if p != nil {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		p.TraceID = t.ID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = t.CreatedAt
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO trace_profiles (id, trace_id, mode, samples, interval_us, data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			p.ID.String(), p.TraceID.String(), p.Mode, p.Samples, p.IntervalUS, p.Data, s.dialect.TimeArg(p.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trace: %w", err)
	}
	return nil
}

const traceColumns = `id, endpoint, http_method, path, status, duration_ms, db_runtime_ms, view_runtime_ms,
	db_query_count, has_profile, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner, extra ...any) (*models.RequestTrace, error) {
	var (
		t       models.RequestTrace
		status  sql.NullInt64
		created dialect.ScanTime
	)
	dest := []any{&t.ID, &t.Endpoint, &t.HTTPMethod, &t.Path, &status, &t.DurationMS, &t.DBRuntimeMS,
		&t.ViewRuntimeMS, &t.DBQueryCount, &t.HasProfile, &created}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if status.Valid {
		v := int(status.Int64)
		t.Status = &v
	}
	t.CreatedAt = created.Time
	return &t, nil
}

func (s *SQLStore) GetTrace(ctx context.Context, id uuid.UUID) (*models.RequestTrace, error) {
	var spans sql.NullString
	t, err := scanTrace(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+traceColumns+`, spans FROM request_traces WHERE id = ?`), id.String()), &spans)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTraceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}
	if spans.Valid && spans.String != "" {
		if err := json.Unmarshal([]byte(spans.String), &t.Spans); err != nil {
			return nil, fmt.Errorf("decode spans: %w", err)
		}
	}
	return t, nil
}

func (s *SQLStore) GetProfile(ctx context.Context, traceID uuid.UUID) (*models.Profile, error) {
	var (
		p       models.Profile
		created dialect.ScanTime
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, trace_id, mode, samples, interval_us, data, created_at FROM trace_profiles WHERE trace_id = ?`),
		traceID.String()).Scan(&p.ID, &p.TraceID, &p.Mode, &p.Samples, &p.IntervalUS, &p.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTraceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.CreatedAt = created.Time
	return &p, nil
}

func (s *SQLStore) ListTraces(ctx context.Context, f TraceFilter) ([]*models.RequestTrace, int, error) {
	where := []string{"1 = 1"}
	var args []any
	if f.Endpoint != "" {
		where = append(where, "endpoint = ?")
		args = append(args, f.Endpoint)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, s.dialect.TimeArg(f.Since))
	}
	if f.MinDurationMS > 0 {
		where = append(where, "duration_ms >= ?")
		args = append(args, f.MinDurationMS)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM request_traces WHERE `+cond), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count traces: %w", err)
	}

	limit, offset := store.Pagination(f.Page, f.Limit)
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+traceColumns+` FROM request_traces WHERE `+cond+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var out []*models.RequestTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan trace: %w", err)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// windowClause returns the WHERE clause and arguments selecting w.
func (s *SQLStore) windowClause(w Window) (string, []any) {
	cond := "created_at >= ? AND created_at < ?"
	args := []any{s.dialect.TimeArg(w.Since), s.dialect.TimeArg(w.Until)}
	if w.Endpoint != "" {
		cond += " AND endpoint = ?"
		args = append(args, w.Endpoint)
	}
	return cond, args
}

func (s *SQLStore) ResponseTimeSeries(ctx context.Context, w Window) ([]models.SeriesPoint, error) {
	cond, args := s.windowClause(w)
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+s.dialect.TruncateTime(s.bucketColumn(), w.Granularity)+` AS bucket,
		        AVG(duration_ms), MIN(duration_ms), MAX(duration_ms), COUNT(*)
		 FROM request_traces WHERE `+cond+`
		 GROUP BY 1 ORDER BY 1`), args...)
	if err != nil {
		return nil, fmt.Errorf("response time series: %w", err)
	}
	defer rows.Close()

	var out []models.SeriesPoint
	for rows.Next() {
		var (
			bucket      string
			avg, lo, hi sql.NullFloat64
			p           models.SeriesPoint
		)
		if err := rows.Scan(&bucket, &avg, &lo, &hi, &p.Count); err != nil {
			return nil, fmt.Errorf("scan series point: %w", err)
		}
		if p.Bucket, err = dialect.ParseBucket(bucket); err != nil {
			return nil, err
		}
		p.Avg, p.Min, p.Max = avg.Float64, lo.Float64, hi.Float64
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) Throughput(ctx context.Context, w Window) ([]models.ThroughputPoint, error) {
	cond, args := s.windowClause(w)
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+s.dialect.TruncateTime(s.bucketColumn(), w.Granularity)+` AS bucket, COUNT(*)
		 FROM request_traces WHERE `+cond+`
		 GROUP BY 1 ORDER BY 1`), args...)
	if err != nil {
		return nil, fmt.Errorf("throughput: %w", err)
	}
	defer rows.Close()

	minutes := w.Granularity.Duration().Minutes()
	var out []models.ThroughputPoint
	for rows.Next() {
		var (
			bucket string
			p      models.ThroughputPoint
		)
		if err := rows.Scan(&bucket, &p.Count); err != nil {
			return nil, fmt.Errorf("scan throughput point: %w", err)
		}
		if p.Bucket, err = dialect.ParseBucket(bucket); err != nil {
			return nil, err
		}
		p.RequestsPerMinute = float64(p.Count) / minutes
		out = append(out, p)
	}
	return out, rows.Err()
}

// Percentiles uses the native aggregate where the dialect has one and an
// order-and-offset lookup elsewhere. The two can differ for small samples.
func (s *SQLStore) Percentiles(ctx context.Context, w Window, ps []float64) ([]Percentile, error) {
	if len(ps) == 0 {
		ps = DefaultPercentiles
	}
	cond, args := s.windowClause(w)
	out := make([]Percentile, len(ps))

	if s.dialect.SupportsPercentile() {
		exprs := make([]string, len(ps))
		dest := make([]any, len(ps))
		vals := make([]sql.NullFloat64, len(ps))
		for i, p := range ps {
			exprs[i] = s.dialect.PercentileExpr("duration_ms", p)
			dest[i] = &vals[i]
		}
		err := s.db.QueryRowContext(ctx, s.q(
			`SELECT `+strings.Join(exprs, ", ")+` FROM request_traces WHERE `+cond), args...).Scan(dest...)
		if err != nil {
			return nil, fmt.Errorf("percentiles: %w", err)
		}
		for i, p := range ps {
			out[i] = Percentile{P: p, Value: vals[i].Float64}
		}
		return out, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM request_traces WHERE `+cond), args...).Scan(&count); err != nil {
		return nil, fmt.Errorf("count for percentiles: %w", err)
	}
	for i, p := range ps {
		out[i] = Percentile{P: p}
		if count == 0 {
			continue
		}
		err := s.db.QueryRowContext(ctx, s.q(
			`SELECT duration_ms FROM request_traces WHERE `+cond+` ORDER BY duration_ms LIMIT 1 OFFSET ?`),
			append(args, dialect.PercentileOffset(p, count))...).Scan(&out[i].Value)
		if err != nil {
			return nil, fmt.Errorf("percentile %v: %w", p, err)
		}
	}
	return out, nil
}

func (s *SQLStore) EndpointSummaries(ctx context.Context, w Window) ([]models.EndpointSummary, error) {
	cond, args := s.windowClause(w)
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT endpoint, COUNT(*), AVG(duration_ms), MAX(duration_ms), SUM(duration_ms),
		        SUM(CASE WHEN status >= 500 THEN 1 ELSE 0 END), AVG(db_runtime_ms), AVG(db_query_count)
		 FROM request_traces WHERE `+cond+`
		 GROUP BY endpoint
		 ORDER BY SUM(duration_ms) DESC, endpoint`), args...)
	if err != nil {
		return nil, fmt.Errorf("endpoint summaries: %w", err)
	}
	defer rows.Close()

	var out []models.EndpointSummary
	for rows.Next() {
		var (
			e                                   models.EndpointSummary
			avg, peak, total, errs, dbMS, query sql.NullFloat64
		)
		if err := rows.Scan(&e.Endpoint, &e.Count, &avg, &peak, &total, &errs, &dbMS, &query); err != nil {
			return nil, fmt.Errorf("scan endpoint summary: %w", err)
		}
		e.AvgMS, e.MaxMS, e.TotalMS = avg.Float64, peak.Float64, total.Float64
		e.AvgDBMS, e.AvgQueries = dbMS.Float64, query.Float64
		if e.Count > 0 {
			e.ErrorRate = errs.Float64 / float64(e.Count)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteTracesBefore removes traces older than cutoff with their profiles.
func (s *SQLStore) DeleteTracesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	arg := s.dialect.TimeArg(cutoff)
	if _, err := tx.ExecContext(ctx, s.q(
		`DELETE FROM trace_profiles WHERE trace_id IN (SELECT id FROM request_traces WHERE created_at < ?)`), arg); err != nil {
		return 0, fmt.Errorf("delete profiles: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM request_traces WHERE created_at < ?`), arg)
	if err != nil {
		return 0, fmt.Errorf("delete traces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}
