// Package dialect holds the per-database SQL fragments used by bucketed
// aggregation queries. The dialect is chosen once, when a store is built.
package dialect

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Dialect identifies a SQL backend.
type Dialect int

const (
	Postgres Dialect = iota
	MySQL
	SQLite
)

// BucketLayout is the textual form every TruncateTime expression produces.
const BucketLayout = "2006-01-02 15:04:05"

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

// Parse maps a configured backend name to a Dialect.
func Parse(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return 0, fmt.Errorf("unsupported dialect %q", name)
}

// Granularity is the width of an aggregation bucket.
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
)

// ParseGranularity accepts minute, hour or day. Empty input means hour.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(strings.ToLower(s)) {
	case Minute:
		return Minute, nil
	case Hour, "":
		return Hour, nil
	case Day:
		return Day, nil
	}
	return "", fmt.Errorf("unsupported granularity %q", s)
}

// Duration is the bucket width.
func (g Granularity) Duration() time.Duration {
	switch g {
	case Minute:
		return time.Minute
	case Day:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Truncate rounds t down to the start of its bucket in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Minute:
		return t.Truncate(time.Minute)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Hour)
	}
}

// TruncateTime returns an expression that renders column truncated to the
// bucket start, formatted as BucketLayout.
func (d Dialect) TruncateTime(column string, g Granularity) string {
	switch d {
	case MySQL:
		return fmt.Sprintf("DATE_FORMAT(%s, '%s')", column, mysqlFormat(g))
	case SQLite:
		return fmt.Sprintf("strftime('%s', %s)", sqliteFormat(g), column)
	default:
		return fmt.Sprintf("to_char(date_trunc('%s', %s), 'YYYY-MM-DD HH24:MI:SS')", g, column)
	}
}

func mysqlFormat(g Granularity) string {
	switch g {
	case Minute:
		return "%Y-%m-%d %H:%i:00"
	case Day:
		return "%Y-%m-%d 00:00:00"
	default:
		return "%Y-%m-%d %H:00:00"
	}
}

func sqliteFormat(g Granularity) string {
	switch g {
	case Minute:
		return "%Y-%m-%d %H:%M:00"
	case Day:
		return "%Y-%m-%d 00:00:00"
	default:
		return "%Y-%m-%d %H:00:00"
	}
}

// ParseBucket parses the output of a TruncateTime expression.
func ParseBucket(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(BucketLayout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse bucket %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Rebind rewrites ? placeholders into the dialect's form. Question marks
// inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	quoted := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			quoted = !quoted
			b.WriteByte(c)
		case c == '?' && !quoted:
			n++
			b.WriteString(d.Placeholder(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// TimeArg converts t into a bind value the dialect compares correctly
// against its stored timestamps. SQLite stores times as text.
func (d Dialect) TimeArg(t time.Time) any {
	if d == SQLite {
		return t.UTC().Format("2006-01-02 15:04:05.000000")
	}
	return t.UTC()
}

// SupportsPercentile reports whether PercentileExpr can be used.
func (d Dialect) SupportsPercentile() bool {
	return d == Postgres
}

// PercentileExpr is the native ordered-set aggregate for p in [0,100].
func (d Dialect) PercentileExpr(column string, p float64) string {
	return fmt.Sprintf("percentile_cont(%s) WITHIN GROUP (ORDER BY %s)", strconv.FormatFloat(p/100, 'f', -1, 64), column)
}

// PercentileOffset is the row offset of the p-th percentile in an ascending
// ordering of count rows, for backends without a percentile aggregate.
func PercentileOffset(p float64, count int) int {
	if count <= 0 {
		return 0
	}
	off := int(math.Ceil(p/100*float64(count))) - 1
	if off < 0 {
		return 0
	}
	if off >= count {
		return count - 1
	}
	return off
}

// ScanTime is a sql.Scanner that accepts native timestamps and the text
// forms SQLite returns.
type ScanTime struct {
	Time time.Time
}

var textTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	BucketLayout,
}

func (s *ScanTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		s.Time = time.Time{}
		return nil
	case time.Time:
		s.Time = v.UTC()
		return nil
	case []byte:
		return s.parse(string(v))
	case string:
		return s.parse(v)
	}
	return fmt.Errorf("scan time: unsupported type %T", src)
}

func (s *ScanTime) parse(v string) error {
	for _, layout := range textTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			s.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("scan time: unrecognized format %q", v)
}
