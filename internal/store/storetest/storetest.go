// Package storetest runs the behavioral contract every store.Store backend must satisfy.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/dialect"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run executes every contract test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"FindOrCreateCreates", testFindOrCreateCreates},
		{"FindOrCreateReturnsExisting", testFindOrCreateReturnsExisting},
		{"FindOrCreateReopensResolved", testFindOrCreateReopensResolved},
		{"FindOrCreateKeepsIgnored", testFindOrCreateKeepsIgnored},
		{"ConcurrentFindOrCreateConverges", testConcurrentFindOrCreate},
		{"OccurrenceIncrementsCounter", testOccurrenceIncrementsCounter},
		{"OccurrenceUnknownGroup", testOccurrenceUnknownGroup},
		{"OccurrenceRoundTrip", testOccurrenceRoundTrip},
		{"ListOccurrencesNewestFirst", testListOccurrences},
		{"StatusTransitions", testStatusTransitions},
		{"MarkNotified", testMarkNotified},
		{"ListFiltersAndSearch", testListFiltersAndSearch},
		{"OccurrenceCounts", testOccurrenceCounts},
		{"Retention", testRetention},
		{"APIKeys", testAPIKeys},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func candidate(fp string) *models.IssueGroup {
	file := "app/handlers/orders.go"
	line := 42
	method := "CreateOrder"
	return &models.IssueGroup{
		Fingerprint:      fp,
		ExceptionClass:   "*errors.errorString",
		SanitizedMessage: "order N not found",
		FilePath:         &file,
		LineNumber:       &line,
		MethodName:       &method,
		LastSeenAt:       time.Now().UTC().Truncate(time.Microsecond),
	}
}

func record(t *testing.T, s store.Store, g *models.IssueGroup, at time.Time) *models.Occurrence {
	t.Helper()
	occ := &models.Occurrence{
		GroupID:        g.ID,
		ExceptionClass: g.ExceptionClass,
		Message:        "order 7 not found",
		Backtrace:      []string{"app/handlers/orders.go:42 CreateOrder"},
		Environment:    "test",
		Hostname:       "host-1",
		ProcessID:      1234,
		CreatedAt:      at.UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.CreateOccurrence(context.Background(), occ))
	return occ
}

func testFindOrCreateCreates(t *testing.T, s store.Store) {
	ctx := context.Background()
	g, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-create"))
	require.NoError(t, err)

	assert.True(t, g.Created)
	assert.False(t, g.Reopened)
	assert.NotEqual(t, uuid.Nil, g.ID)
	assert.Equal(t, models.StatusUnresolved, g.Status)
	assert.Equal(t, 0, g.OccurrencesCount)
	assert.Equal(t, "app/handlers/orders.go", *g.FilePath)
	assert.Equal(t, 42, *g.LineNumber)
	assert.True(t, g.FirstSeenAt.Equal(g.LastSeenAt))
}

func testFindOrCreateReturnsExisting(t *testing.T, s store.Store) {
	ctx := context.Background()
	first, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-existing"))
	require.NoError(t, err)

	later := candidate("fp-existing")
	later.LastSeenAt = first.LastSeenAt.Add(time.Minute)
	second, err := s.FindOrCreateIssueGroup(ctx, later)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.Created)
	assert.True(t, second.LastSeenAt.Equal(later.LastSeenAt))
	assert.True(t, second.FirstSeenAt.Equal(first.FirstSeenAt))

	// An out-of-order older occurrence never moves last_seen_at backwards.
	older := candidate("fp-existing")
	older.LastSeenAt = first.LastSeenAt.Add(-time.Hour)
	third, err := s.FindOrCreateIssueGroup(ctx, older)
	require.NoError(t, err)
	assert.True(t, third.LastSeenAt.Equal(later.LastSeenAt))
}

func testFindOrCreateReopensResolved(t *testing.T, s store.Store) {
	ctx := context.Background()
	g, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-reopen"))
	require.NoError(t, err)
	resolved, err := s.UpdateIssueGroupStatus(ctx, g.ID, models.StatusResolved)
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)

	again := candidate("fp-reopen")
	again.LastSeenAt = time.Now().UTC().Add(time.Second)
	reopened, err := s.FindOrCreateIssueGroup(ctx, again)
	require.NoError(t, err)

	assert.Equal(t, g.ID, reopened.ID)
	assert.Equal(t, models.StatusUnresolved, reopened.Status)
	assert.Nil(t, reopened.ResolvedAt)
	assert.True(t, reopened.Reopened)
	assert.True(t, reopened.RecentlyReopened())

	// The next hit is an ordinary one.
	next, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-reopen"))
	require.NoError(t, err)
	assert.False(t, next.Reopened)
	assert.False(t, next.RecentlyReopened())
}

func testFindOrCreateKeepsIgnored(t *testing.T, s store.Store) {
	ctx := context.Background()
	g, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-ignored"))
	require.NoError(t, err)
	_, err = s.UpdateIssueGroupStatus(ctx, g.ID, models.StatusIgnored)
	require.NoError(t, err)

	again, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-ignored"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusIgnored, again.Status)
	assert.False(t, again.Reopened)
}

func testConcurrentFindOrCreate(t *testing.T, s store.Store) {
	const n = 50
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, n)
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			g, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-concurrent"))
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = g.ID
			errs[i] = s.CreateOccurrence(ctx, &models.Occurrence{
				GroupID:        g.ID,
				ExceptionClass: g.ExceptionClass,
				Message:        fmt.Sprintf("order %d not found", i),
			})
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}

	g, err := s.GetIssueGroupByFingerprint(ctx, "fp-concurrent")
	require.NoError(t, err)
	assert.Equal(t, n, g.OccurrencesCount)

	groups, total, err := s.ListIssueGroups(ctx, store.GroupFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, groups, 1)
}

func testOccurrenceIncrementsCounter(t *testing.T, s store.Store) {
	ctx := context.Background()
	g, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-counter"))
	require.NoError(t, err)

	record(t, s, g, time.Now())
	got, err := s.GetIssueGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.OccurrencesCount)

	record(t, s, g, time.Now())
	got, err = s.GetIssueGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.OccurrencesCount)
}

func testOccurrenceUnknownGroup(t *testing.T, s store.Store) {
	err := s.CreateOccurrence(context.Background(), &models.Occurrence{GroupID: uuid.New(), ExceptionClass: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testOccurrenceRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	g, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-roundtrip"))
	require.NoError(t, err)

	method, url, ua, ip, sid, uid := "POST", "https://shop.test/orders", "curl/8", "10.0.0.1", "sess-1", "42"
	occ := &models.Occurrence{
		GroupID:        g.ID,
		ExceptionClass: g.ExceptionClass,
		Message:        "order 7 not found",
		Backtrace:      []string{"a.go:1 A", "b.go:2 B"},
		LocalVariables: map[string]any{"order_id": float64(7), "password": "[FILTERED]"},
		Request: models.RequestSnapshot{
			Method:    &method,
			URL:       &url,
			Params:    map[string]any{"q": "shoes"},
			Headers:   map[string]string{"Accept": "application/json"},
			UserAgent: &ua,
			IP:        &ip,
			SessionID: &sid,
		},
		UserID:      &uid,
		Environment: "production",
		Hostname:    "web-1",
		ProcessID:   99,
		Context: []models.ContextEntry{
			{Key: "cart", Value: `{"items":3}`},
			{Key: "plan", Value: "pro"},
		},
	}
	require.NoError(t, s.CreateOccurrence(ctx, occ))

	got, err := s.GetOccurrence(ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, occ.Backtrace, got.Backtrace)
	assert.Equal(t, occ.LocalVariables, got.LocalVariables)
	assert.Equal(t, "POST", *got.Request.Method)
	assert.Equal(t, url, *got.Request.URL)
	assert.Equal(t, map[string]any{"q": "shoes"}, got.Request.Params)
	assert.Equal(t, map[string]string{"Accept": "application/json"}, got.Request.Headers)
	assert.Equal(t, "42", *got.UserID)
	assert.Nil(t, got.UserType)
	assert.Equal(t, "production", got.Environment)
	assert.Equal(t, 99, got.ProcessID)
	require.Len(t, got.Context, 2)
	assert.Equal(t, "cart", got.Context[0].Key)
	assert.Equal(t, map[string]any{"items": float64(3)}, got.Context[0].JSONValue())
	assert.Equal(t, "pro", got.Context[1].JSONValue())

	latest, err := s.LatestOccurrence(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, occ.ID, latest.ID)

	_, err = s.GetOccurrence(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.LatestOccurrence(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListOccurrences(t *testing.T, s store.Store) {
	ctx := context.Background()
	g, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-list-occ"))
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	var last *models.Occurrence
	for i := 0; i < 5; i++ {
		last = record(t, s, g, base.Add(time.Duration(i)*time.Minute))
	}

	occs, total, err := s.ListOccurrences(ctx, g.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, occs, 2)
	assert.Equal(t, last.ID, occs[0].ID)

	occs, _, err = s.ListOccurrences(ctx, g.ID, 3, 2)
	require.NoError(t, err)
	assert.Len(t, occs, 1)
}

func testStatusTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	g, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-status"))
	require.NoError(t, err)

	resolved, err := s.UpdateIssueGroupStatus(ctx, g.ID, models.StatusResolved)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)

	unresolved, err := s.UpdateIssueGroupStatus(ctx, g.ID, models.StatusUnresolved)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnresolved, unresolved.Status)
	assert.Nil(t, unresolved.ResolvedAt)

	ignored, err := s.UpdateIssueGroupStatus(ctx, g.ID, models.StatusIgnored)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIgnored, ignored.Status)

	_, err = s.UpdateIssueGroupStatus(ctx, g.ID, "archived")
	assert.ErrorIs(t, err, store.ErrInvalidStatus)
	_, err = s.UpdateIssueGroupStatus(ctx, uuid.New(), models.StatusResolved)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testMarkNotified(t *testing.T, s store.Store) {
	ctx := context.Background()
	g, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-notified"))
	require.NoError(t, err)
	assert.Nil(t, g.LastNotifiedAt)

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.MarkNotified(ctx, g.ID, at))

	got, err := s.GetIssueGroup(ctx, g.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastNotifiedAt)
	assert.True(t, at.Equal(*got.LastNotifiedAt))

	assert.ErrorIs(t, s.MarkNotified(ctx, uuid.New(), at), store.ErrNotFound)
}

func testListFiltersAndSearch(t *testing.T, s store.Store) {
	ctx := context.Background()
	mk := func(fp, class, msg string) *models.IssueGroup {
		c := candidate(fp)
		c.ExceptionClass = class
		c.SanitizedMessage = msg
		g, err := s.FindOrCreateIssueGroup(ctx, c)
		require.NoError(t, err)
		return g
	}
	timeout := mk("fp-s1", "*net.OpError", "dial tcp: connection refused")
	mk("fp-s2", "*json.SyntaxError", "invalid character 'x' looking for beginning of value")
	payment := mk("fp-s3", "*payments.DeclinedError", "card declined for order N")
	_, err := s.UpdateIssueGroupStatus(ctx, payment.ID, models.StatusResolved)
	require.NoError(t, err)

	_, total, err := s.ListIssueGroups(ctx, store.GroupFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	groups, total, err := s.ListIssueGroups(ctx, store.GroupFilter{Status: models.StatusResolved})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, payment.ID, groups[0].ID)

	// Prefix token match.
	groups, total, err = s.ListIssueGroups(ctx, store.GroupFilter{Query: "connec"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, timeout.ID, groups[0].ID)

	// Substring inside a token.
	groups, _, err = s.ListIssueGroups(ctx, store.GroupFilter{Query: "eclined"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, payment.ID, groups[0].ID)

	// Punctuation-only query still searches by substring.
	groups, _, err = s.ListIssueGroups(ctx, store.GroupFilter{Query: "'x'"})
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	groups, total, err = s.ListIssueGroups(ctx, store.GroupFilter{Query: "nothing-like-this"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, groups)

	groups, _, err = s.ListIssueGroups(ctx, store.GroupFilter{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func testOccurrenceCounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	g, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-chart"))
	require.NoError(t, err)

	hour := time.Now().UTC().Truncate(time.Hour).Add(-2 * time.Hour)
	record(t, s, g, hour.Add(5*time.Minute))
	record(t, s, g, hour.Add(10*time.Minute))
	record(t, s, g, hour.Add(70*time.Minute))
	record(t, s, g, hour.Add(-48*time.Hour))

	counts, err := s.OccurrenceCounts(ctx, g.ID, hour.Add(-time.Hour), dialect.Hour)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.True(t, hour.Equal(counts[0].Bucket), "got %v", counts[0].Bucket)
	assert.Equal(t, 2, counts[0].Count)
	assert.True(t, hour.Add(time.Hour).Equal(counts[1].Bucket))
	assert.Equal(t, 1, counts[1].Count)

	days, err := s.OccurrenceCounts(ctx, g.ID, hour.Add(-72*time.Hour), dialect.Day)
	require.NoError(t, err)
	total := 0
	for _, d := range days {
		total += d.Count
	}
	assert.Equal(t, 4, total)
}

func testRetention(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	stale := candidate("fp-stale")
	stale.LastSeenAt = now.Add(-40 * 24 * time.Hour)
	staleGroup, err := s.FindOrCreateIssueGroup(ctx, stale)
	require.NoError(t, err)
	record(t, s, staleGroup, stale.LastSeenAt)

	fresh, err := s.FindOrCreateIssueGroup(ctx, candidate("fp-fresh"))
	require.NoError(t, err)
	record(t, s, fresh, now.Add(-40*24*time.Hour))
	kept := record(t, s, fresh, now)

	cutoff := now.Add(-30 * 24 * time.Hour)
	deleted, err := s.DeleteOccurrencesBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	groups, err := s.DeleteStaleIssueGroups(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), groups)

	_, err = s.GetIssueGroup(ctx, staleGroup.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	occs, total, err := s.ListOccurrences(ctx, fresh.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, kept.ID, occs[0].ID)
}

func testAPIKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      "ingest-key",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "fl_abcd",
		Scopes:    []string{models.ScopeIngest, models.ScopeRead},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	dup := *key
	assert.ErrorIs(t, s.CreateAPIKey(ctx, &dup), store.ErrDuplicateKey)

	keys, err := s.GetAPIKeyByPrefix(ctx, "fl_abcd")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, []string{"ingest", "read"}, keys[0].Scopes)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	keys, err = s.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))
	keys, err = s.GetAPIKeyByPrefix(ctx, "fl_abcd")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID), store.ErrNotFound)
}
