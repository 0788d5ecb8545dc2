package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/faultline/pkg/models"
)

type fakeChannel struct {
	name   string
	skip   bool
	err    error
	panics bool
	sent   int
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) ShouldNotify(*models.IssueGroup, *models.Occurrence) bool { return !c.skip }

func (c *fakeChannel) Send(context.Context, *models.IssueGroup, *models.Occurrence) error {
	if c.panics {
		panic("channel exploded")
	}
	c.sent++
	return c.err
}

type fakeMarker struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (m *fakeMarker) MarkNotified(_ context.Context, id uuid.UUID, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, id)
	return m.err
}

func testLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

func TestDispatcher_IsolatesChannelFailures(t *testing.T) {
	failing := &fakeChannel{name: "broken", err: errors.New("boom")}
	panicking := &fakeChannel{name: "panicky", panics: true}
	filtered := &fakeChannel{name: "quiet", skip: true}
	ok := &fakeChannel{name: "good"}
	marker := &fakeMarker{}
	logger, logs := testLogger()

	d := NewDispatcher(marker, []Channel{failing, panicking, filtered, ok}, DispatcherOptions{Logger: logger})
	g := &models.IssueGroup{ID: uuid.New()}
	d.Notify(context.Background(), g, nil)

	assert.Equal(t, 1, failing.sent)
	assert.Equal(t, 0, filtered.sent)
	assert.Equal(t, 1, ok.sent)
	assert.Equal(t, []uuid.UUID{g.ID}, marker.calls)
	assert.Contains(t, logs.String(), `"channel":"broken"`)
	assert.Contains(t, logs.String(), `"channel":"panicky"`)
}

func TestDispatcher_MarksNotifiedWhenEveryChannelFails(t *testing.T) {
	marker := &fakeMarker{}
	logger, _ := testLogger()
	d := NewDispatcher(marker, []Channel{&fakeChannel{name: "a", err: errors.New("x")}}, DispatcherOptions{Logger: logger})

	d.Notify(context.Background(), &models.IssueGroup{ID: uuid.New()}, nil)

	assert.Len(t, marker.calls, 1)
}

func TestDispatcher_MarkFailureIsSwallowed(t *testing.T) {
	marker := &fakeMarker{err: errors.New("db down")}
	logger, logs := testLogger()
	d := NewDispatcher(marker, []Channel{&fakeChannel{name: "a"}}, DispatcherOptions{Logger: logger})

	require.NotPanics(t, func() {
		d.Notify(context.Background(), &models.IssueGroup{ID: uuid.New()}, nil)
	})
	assert.Contains(t, logs.String(), "failed to record notification time")
}

func TestDispatcher_RateLimitsPerChannel(t *testing.T) {
	ch := &fakeChannel{name: "a"}
	logger, _ := testLogger()
	d := NewDispatcher(&fakeMarker{}, []Channel{ch}, DispatcherOptions{RatePerMinute: 2, Logger: logger})

	for i := 0; i < 5; i++ {
		d.Notify(context.Background(), &models.IssueGroup{ID: uuid.New()}, nil)
	}

	assert.Equal(t, 2, ch.sent)
}
