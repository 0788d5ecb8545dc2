package tracker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kiranshivaraju/faultline/internal/capture"
	"github.com/kiranshivaraju/faultline/internal/notify"
	"github.com/kiranshivaraju/faultline/internal/recorder"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/store/memory"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakyStore wraps a real store with injectable failures.
type flakyStore struct {
	store.Store
	pingErr     error
	createErr   error
	createDelay time.Duration
	pings       atomic.Int32
}

func (s *flakyStore) Ping(ctx context.Context) error {
	s.pings.Add(1)
	return s.pingErr
}

func (s *flakyStore) CreateOccurrence(ctx context.Context, occ *models.Occurrence) error {
	if s.createErr != nil {
		return s.createErr
	}
	err := s.Store.CreateOccurrence(ctx, occ)
	time.Sleep(s.createDelay)
	return err
}

type recordingNotifier struct {
	mu     sync.Mutex
	counts []int
}

func (n *recordingNotifier) Notify(_ context.Context, g *models.IssueGroup, _ *models.Occurrence) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts = append(n.counts, g.OccurrencesCount)
}

type fixture struct {
	tracker  *Tracker
	store    *flakyStore
	notifier *recordingNotifier
	logs     *bytes.Buffer
}

func newFixture(t *testing.T, rules notify.Rules, opts Options) *fixture {
	t.Helper()
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	s := &flakyStore{Store: memory.New()}
	rec := recorder.New(s, recorder.Options{Environment: "production", Logger: logger})
	n := &recordingNotifier{}
	opts.Logger = logger

	tr, err := New(s, rec, nil, notify.NewEvaluator(rules, 1, "production"), n, opts)
	require.NoError(t, err)
	return &fixture{tracker: tr, store: s, notifier: n, logs: &logs}
}

func firstOnly() notify.Rules {
	return notify.Rules{OnFirstOccurrence: true, NotifyInEnvironments: []string{"production"}}
}

func exception(msg string) capture.Exception {
	return capture.Exception{
		Class:     "*orders.PaymentError",
		Message:   msg,
		Backtrace: []string{"/srv/app/orders/service.go:42 orders.(*Service).Place", "/srv/app/main.go:10 main.main"},
	}
}

func TestTrack_GroupsRepeatedErrors(t *testing.T) {
	f := newFixture(t, firstOnly(), Options{AppRoot: "/srv/app"})
	ctx := context.Background()

	first := f.tracker.Track(ctx, exception("card 4242 declined"), Context{})
	require.NotNil(t, first)
	second := f.tracker.Track(ctx, exception("card 1111 declined"), Context{})
	require.NotNil(t, second)

	assert.Equal(t, first.GroupID, second.GroupID)

	g, err := f.store.GetIssueGroup(ctx, first.GroupID)
	require.NoError(t, err)
	assert.Equal(t, 2, g.OccurrencesCount)
	assert.Equal(t, "card N declined", g.SanitizedMessage)
	require.NotNil(t, g.FilePath)
	assert.Equal(t, "orders/service.go", *g.FilePath)

	// Only the first occurrence triggers under these rules.
	assert.Equal(t, []int{1}, f.notifier.counts)
}

func TestTrack_ConcurrentFirstOccurrencesNotify(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t, firstOnly(), Options{})
		// Both occurrences are stored before either caller re-reads the group.
		f.store.createDelay = 5 * time.Millisecond

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NotNil(t, f.tracker.Track(context.Background(), exception("boom"), Context{}))
			}()
		}
		wg.Wait()

		f.notifier.mu.Lock()
		assert.NotEmpty(t, f.notifier.counts, "round %d", round)
		f.notifier.mu.Unlock()
	}
}

func TestTrack_ThresholdUsesStoredCount(t *testing.T) {
	rules := notify.Rules{OnThreshold: []int{3}, NotifyInEnvironments: []string{"production"}}
	f := newFixture(t, rules, Options{})

	for i := 0; i < 4; i++ {
		require.NotNil(t, f.tracker.Track(context.Background(), exception("boom"), Context{}))
	}
	assert.Equal(t, []int{3}, f.notifier.counts)
}

func TestTrack_IgnoredException(t *testing.T) {
	f := newFixture(t, firstOnly(), Options{IgnoredExceptions: []string{"*orders.PaymentError"}})

	assert.Nil(t, f.tracker.Track(context.Background(), exception("boom"), Context{}))

	groups, total, err := f.store.ListIssueGroups(context.Background(), store.GroupFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, groups)
}

func TestTrack_IgnoredUserAgentIsCaseInsensitive(t *testing.T) {
	f := newFixture(t, firstOnly(), Options{IgnoredUserAgents: []string{"googlebot"}})
	req := &recorder.RequestData{UserAgentValue: "Mozilla/5.0 (compatible; Googlebot/2.1)"}

	assert.Nil(t, f.tracker.Track(context.Background(), exception("boom"), Context{Request: req}))

	req.UserAgentValue = "curl/8.0"
	assert.NotNil(t, f.tracker.Track(context.Background(), exception("boom"), Context{Request: req}))
}

func TestNew_InvalidUserAgentPattern(t *testing.T) {
	_, err := New(memory.New(), nil, nil, nil, nil, Options{IgnoredUserAgents: []string{"("}})
	assert.Error(t, err)
}

func TestTrack_Disabled(t *testing.T) {
	f := newFixture(t, firstOnly(), Options{Disabled: true})
	assert.Nil(t, f.tracker.Track(context.Background(), exception("boom"), Context{}))
}

func TestTrack_StorageUnreachableIsCached(t *testing.T) {
	f := newFixture(t, firstOnly(), Options{})
	f.store.pingErr = errors.New("connection refused")

	for i := 0; i < 3; i++ {
		assert.Nil(t, f.tracker.Track(context.Background(), exception("boom"), Context{}))
	}
	assert.Equal(t, int32(1), f.store.pings.Load())
	assert.Contains(t, f.logs.String(), "storage unreachable")
}

func TestTrack_Hooks(t *testing.T) {
	var after []*models.Occurrence
	hooks := Hooks{
		BeforeTrack: func(_ context.Context, exc capture.Exception, _ Context) bool {
			return exc.Message != "veto me"
		},
		FingerprintHook: func(_ capture.Exception, tc Context) []string {
			if tenant, ok := tc.CustomData["tenant"].(string); ok {
				return []string{tenant}
			}
			return nil
		},
		AfterTrack: func(_ context.Context, occ *models.Occurrence) {
			after = append(after, occ)
		},
	}
	f := newFixture(t, firstOnly(), Options{Hooks: hooks})
	ctx := context.Background()

	assert.Nil(t, f.tracker.Track(ctx, exception("veto me"), Context{}))

	a := f.tracker.Track(ctx, exception("boom"), Context{CustomData: map[string]any{"tenant": "acme"}})
	b := f.tracker.Track(ctx, exception("boom"), Context{CustomData: map[string]any{"tenant": "globex"}})
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a.GroupID, b.GroupID)
	assert.Equal(t, []*models.Occurrence{a, b}, after)
}

func TestTrack_StoreFailureReturnsNil(t *testing.T) {
	f := newFixture(t, firstOnly(), Options{})
	f.store.createErr = errors.New("disk full")

	assert.Nil(t, f.tracker.Track(context.Background(), exception("boom"), Context{}))
	assert.Contains(t, f.logs.String(), "tracking failed")
	assert.Contains(t, f.logs.String(), "disk full")
	assert.Empty(t, f.notifier.counts)
}

func TestTrack_PanicIsContained(t *testing.T) {
	hooks := Hooks{FingerprintHook: func(capture.Exception, Context) []string { panic("hook bug") }}
	f := newFixture(t, firstOnly(), Options{Hooks: hooks})

	var occ *models.Occurrence
	require.NotPanics(t, func() {
		occ = f.tracker.Track(context.Background(), exception("boom"), Context{})
	})
	assert.Nil(t, occ)
	assert.Contains(t, f.logs.String(), "tracking panicked")
	assert.Contains(t, f.logs.String(), "hook bug")
}

func TestTrack_LocalVariablesFromScope(t *testing.T) {
	f := newFixture(t, firstOnly(), Options{})
	ctx, release := capture.NewScope(context.Background())
	defer release()
	capture.Set(ctx, "order_id", 42)
	capture.Set(ctx, "password", "hunter2")

	occ := f.tracker.Track(ctx, exception("boom"), Context{})
	require.NotNil(t, occ)

	assert.Equal(t, int64(42), occ.LocalVariables["order_id"])
	assert.Equal(t, "[FILTERED]", occ.LocalVariables["password"])
}

func TestTrackError(t *testing.T) {
	f := newFixture(t, firstOnly(), Options{})

	assert.Nil(t, f.tracker.TrackError(context.Background(), nil, Context{}))
	occ := f.tracker.TrackError(context.Background(), errors.New("plain"), Context{})
	require.NotNil(t, occ)
	assert.Equal(t, "*errors.errorString", occ.ExceptionClass)
}

func TestTruncatedStack(t *testing.T) {
	stack := strings.Repeat("frame\n", 30)
	assert.Len(t, strings.Split(truncatedStack([]byte(stack)), "\n"), 10)
}
