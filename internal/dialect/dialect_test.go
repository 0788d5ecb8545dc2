package dialect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Dialect
	}{
		{"postgres", Postgres},
		{"PostgreSQL", Postgres},
		{"mysql", MySQL},
		{"sqlite", SQLite},
		{"sqlite3", SQLite},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}

	_, err := Parse("oracle")
	assert.Error(t, err)
}

func TestTruncateTime(t *testing.T) {
	assert.Equal(t,
		"to_char(date_trunc('hour', created_at), 'YYYY-MM-DD HH24:MI:SS')",
		Postgres.TruncateTime("created_at", Hour))
	assert.Equal(t,
		"DATE_FORMAT(created_at, '%Y-%m-%d %H:%i:00')",
		MySQL.TruncateTime("created_at", Minute))
	assert.Equal(t,
		"strftime('%Y-%m-%d 00:00:00', created_at)",
		SQLite.TruncateTime("created_at", Day))
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = '?' AND c > ?"
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = '?' AND c > $2", Postgres.Rebind(q))
	assert.Equal(t, q, MySQL.Rebind(q))
	assert.Equal(t, q, SQLite.Rebind(q))
}

func TestPercentileOffset(t *testing.T) {
	tests := []struct {
		p     float64
		count int
		want  int
	}{
		{50, 2, 0},
		{95, 100, 94},
		{99, 100, 98},
		{100, 10, 9},
		{0, 10, 0},
		{50, 0, 0},
		{50, 1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PercentileOffset(tt.p, tt.count), "p=%v count=%d", tt.p, tt.count)
	}
}

func TestPercentileExpr(t *testing.T) {
	assert.True(t, Postgres.SupportsPercentile())
	assert.False(t, MySQL.SupportsPercentile())
	assert.False(t, SQLite.SupportsPercentile())
	assert.Equal(t, "percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms)", Postgres.PercentileExpr("duration_ms", 95))
}

func TestParseBucket(t *testing.T) {
	got, err := ParseBucket("2026-03-01 14:00:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC), got)

	_, err = ParseBucket("yesterday")
	assert.Error(t, err)
}

func TestGranularity(t *testing.T) {
	ts := time.Date(2026, 3, 1, 14, 37, 12, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 14, 37, 0, 0, time.UTC), Minute.Truncate(ts))
	assert.Equal(t, time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC), Hour.Truncate(ts))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Day.Truncate(ts))

	g, err := ParseGranularity("")
	require.NoError(t, err)
	assert.Equal(t, Hour, g)
	_, err = ParseGranularity("week")
	assert.Error(t, err)
}

func TestTimeArg(t *testing.T) {
	ts := time.Date(2026, 3, 1, 14, 0, 0, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "2026-03-01 13:00:00.000000", SQLite.TimeArg(ts))
	assert.Equal(t, ts.UTC(), Postgres.TimeArg(ts))
}

func TestScanTime(t *testing.T) {
	want := time.Date(2026, 3, 1, 13, 0, 0, 500000000, time.UTC)
	for _, src := range []any{
		"2026-03-01 13:00:00.500000",
		[]byte("2026-03-01T13:00:00.5Z"),
		want,
	} {
		var st ScanTime
		require.NoError(t, st.Scan(src))
		assert.True(t, want.Equal(st.Time), "src=%v got=%v", src, st.Time)
	}

	var st ScanTime
	assert.Error(t, st.Scan(42))
}
