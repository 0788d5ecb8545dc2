package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeIssues struct {
	occCutoff   time.Time
	groupCutoff time.Time
	err         error
}

func (f *fakeIssues) DeleteOccurrencesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.occCutoff = cutoff
	return 5, f.err
}

func (f *fakeIssues) DeleteStaleIssueGroups(_ context.Context, cutoff time.Time) (int64, error) {
	f.groupCutoff = cutoff
	return 2, nil
}

type fakeTraces struct {
	cutoff time.Time
}

func (f *fakeTraces) DeleteTracesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 9, nil
}

var now = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

func TestRun_IndependentCutoffs(t *testing.T) {
	issues, traces := &fakeIssues{}, &fakeTraces{}
	s := New(issues, traces, 30, 7, nil)
	s.now = func() time.Time { return now }

	res, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Occurrences: 5, Groups: 2, Traces: 9}, res)
	assert.Equal(t, now.AddDate(0, 0, -30), issues.occCutoff)
	assert.Equal(t, now.AddDate(0, 0, -30), issues.groupCutoff)
	assert.Equal(t, now.AddDate(0, 0, -7), traces.cutoff)
}

func TestRun_ZeroDaysKeepsForever(t *testing.T) {
	issues, traces := &fakeIssues{}, &fakeTraces{}
	s := New(issues, traces, 0, 7, nil)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Occurrences)
	assert.True(t, issues.occCutoff.IsZero())
	assert.Equal(t, int64(9), res.Traces)

	res, err = New(issues, nil, 0, 7, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Traces)
}

func TestRun_Error(t *testing.T) {
	s := New(&fakeIssues{err: errors.New("db down")}, nil, 30, 0, nil)
	_, err := s.Run(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler(New(nil, nil, 0, 0, nil), "not a schedule", 0)
	assert.Error(t, err)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	sched, err := NewScheduler(New(&fakeIssues{}, nil, 1, 0, nil), "@every 1h", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
