// Package memory provides an in-memory store.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/dialect"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Store keeps every row in maps guarded by a single mutex. Returned values are copies.
type Store struct {
	mu sync.RWMutex

	groups        map[uuid.UUID]*models.IssueGroup
	byFingerprint map[string]uuid.UUID
	occurrences   map[uuid.UUID]*models.Occurrence
	byGroup       map[uuid.UUID][]uuid.UUID
	apiKeys       map[uuid.UUID]*models.APIKey

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		groups:        make(map[uuid.UUID]*models.IssueGroup),
		byFingerprint: make(map[string]uuid.UUID),
		occurrences:   make(map[uuid.UUID]*models.Occurrence),
		byGroup:       make(map[uuid.UUID][]uuid.UUID),
		apiKeys:       make(map[uuid.UUID]*models.APIKey),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func copyGroup(g *models.IssueGroup) *models.IssueGroup {
	c := *g
	c.Created, c.Reopened = false, false
	return &c
}

// --- Issue Groups ---

func (s *Store) FindOrCreateIssueGroup(ctx context.Context, candidate *models.IssueGroup) (*models.IssueGroup, error) {
	if candidate == nil || candidate.Fingerprint == "" {
		return nil, fmt.Errorf("find or create issue group: fingerprint is required")
	}
	seenAt := candidate.LastSeenAt
	if seenAt.IsZero() {
		seenAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id, ok := s.byFingerprint[candidate.Fingerprint]; ok {
		g := s.groups[id]
		if seenAt.After(g.LastSeenAt) {
			g.LastSeenAt = seenAt
		}
		g.UpdatedAt = now
		reopened := false
		if g.Status == models.StatusResolved {
			g.Status = models.StatusUnresolved
			g.ResolvedAt = nil
			reopened = true
		}
		out := copyGroup(g)
		out.Reopened = reopened
		return out, nil
	}

	g := copyGroup(candidate)
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	g.OccurrencesCount = 0
	g.FirstSeenAt = seenAt
	g.LastSeenAt = seenAt
	g.Status = models.StatusUnresolved
	g.ResolvedAt = nil
	g.LastNotifiedAt = nil
	g.CreatedAt = now
	g.UpdatedAt = now
	s.groups[g.ID] = g
	s.byFingerprint[g.Fingerprint] = g.ID

	out := copyGroup(g)
	out.Created = true
	return out, nil
}

func (s *Store) GetIssueGroup(ctx context.Context, id uuid.UUID) (*models.IssueGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyGroup(g), nil
}

func (s *Store) GetIssueGroupByFingerprint(ctx context.Context, fingerprint string) (*models.IssueGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byFingerprint[fingerprint]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyGroup(s.groups[id]), nil
}

func (s *Store) ListIssueGroups(ctx context.Context, filter store.GroupFilter) ([]*models.IssueGroup, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(filter.Query))
	var matched []*models.IssueGroup
	for _, g := range s.groups {
		if filter.Status != "" && g.Status != filter.Status {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(g.ExceptionClass+" "+g.SanitizedMessage), q) {
			continue
		}
		matched = append(matched, g)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastSeenAt.Equal(matched[j].LastSeenAt) {
			return matched[i].LastSeenAt.After(matched[j].LastSeenAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	limit, offset := store.Pagination(filter.Page, filter.Limit)
	groups := []*models.IssueGroup{}
	for i := offset; i < len(matched) && i < offset+limit; i++ {
		groups = append(groups, copyGroup(matched[i]))
	}
	return groups, len(matched), nil
}

func (s *Store) UpdateIssueGroupStatus(ctx context.Context, id uuid.UUID, status string) (*models.IssueGroup, error) {
	if !models.ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := s.now()
	g.Status = status
	g.ResolvedAt = nil
	if status == models.StatusResolved {
		g.ResolvedAt = &now
	}
	g.UpdatedAt = now
	return copyGroup(g), nil
}

func (s *Store) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return store.ErrNotFound
	}
	at = at.UTC()
	g.LastNotifiedAt = &at
	g.UpdatedAt = s.now()
	return nil
}

func (s *Store) DeleteStaleIssueGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, g := range s.groups {
		if !g.LastSeenAt.Before(cutoff) {
			continue
		}
		for _, occID := range s.byGroup[id] {
			delete(s.occurrences, occID)
		}
		delete(s.byGroup, id)
		delete(s.byFingerprint, g.Fingerprint)
		delete(s.groups, id)
		n++
	}
	return n, nil
}

// --- Occurrences ---

func (s *Store) CreateOccurrence(ctx context.Context, occ *models.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[occ.GroupID]
	if !ok {
		return store.ErrNotFound
	}
	if occ.ID == uuid.Nil {
		occ.ID = uuid.New()
	}
	if occ.CreatedAt.IsZero() {
		occ.CreatedAt = s.now()
	}
	for i := range occ.Context {
		if occ.Context[i].ID == uuid.Nil {
			occ.Context[i].ID = uuid.New()
		}
		occ.Context[i].OccurrenceID = occ.ID
	}

	stored := *occ
	stored.Context = append([]models.ContextEntry(nil), occ.Context...)
	sort.Slice(stored.Context, func(i, j int) bool { return stored.Context[i].Key < stored.Context[j].Key })
	s.occurrences[occ.ID] = &stored
	s.byGroup[occ.GroupID] = append(s.byGroup[occ.GroupID], occ.ID)
	g.OccurrencesCount++
	g.UpdatedAt = s.now()
	return nil
}

func copyOccurrence(o *models.Occurrence) *models.Occurrence {
	c := *o
	c.Context = append([]models.ContextEntry(nil), o.Context...)
	return &c
}

func (s *Store) GetOccurrence(ctx context.Context, id uuid.UUID) (*models.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.occurrences[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyOccurrence(o), nil
}

// newestFirst returns the group's occurrences ordered by created_at descending.
func (s *Store) newestFirst(groupID uuid.UUID) []*models.Occurrence {
	ids := s.byGroup[groupID]
	occs := make([]*models.Occurrence, 0, len(ids))
	for _, id := range ids {
		occs = append(occs, s.occurrences[id])
	}
	sort.SliceStable(occs, func(i, j int) bool { return occs[i].CreatedAt.After(occs[j].CreatedAt) })
	return occs
}

func (s *Store) ListOccurrences(ctx context.Context, groupID uuid.UUID, page, limit int) ([]*models.Occurrence, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.newestFirst(groupID)
	limit, offset := store.Pagination(page, limit)
	occs := []*models.Occurrence{}
	for i := offset; i < len(all) && i < offset+limit; i++ {
		occs = append(occs, copyOccurrence(all[i]))
	}
	return occs, len(all), nil
}

func (s *Store) LatestOccurrence(ctx context.Context, groupID uuid.UUID) (*models.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.newestFirst(groupID)
	if len(all) == 0 {
		return nil, store.ErrNotFound
	}
	return copyOccurrence(all[0]), nil
}

func (s *Store) OccurrenceCounts(ctx context.Context, groupID uuid.UUID, since time.Time, g dialect.Granularity) ([]models.CountBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[time.Time]int)
	for _, id := range s.byGroup[groupID] {
		o := s.occurrences[id]
		if o.CreatedAt.Before(since) {
			continue
		}
		counts[g.Truncate(o.CreatedAt)]++
	}

	out := make([]models.CountBucket, 0, len(counts))
	for bucket, n := range counts {
		out = append(out, models.CountBucket{Bucket: bucket, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out, nil
}

func (s *Store) DeleteOccurrencesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for groupID, ids := range s.byGroup {
		kept := ids[:0]
		for _, id := range ids {
			if s.occurrences[id].CreatedAt.Before(cutoff) {
				delete(s.occurrences, id)
				n++
				continue
			}
			kept = append(kept, id)
		}
		s.byGroup[groupID] = kept
	}
	return n, nil
}

// --- API Keys ---

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			keys = append(keys, &c)
		}
	}
	return keys, nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.apiKeys[id]; ok {
		now := s.now()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apiKeys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	for _, k := range s.apiKeys {
		if k.KeyHash == key.KeyHash {
			return store.ErrDuplicateKey
		}
	}
	c := *key
	s.apiKeys[key.ID] = &c
	return nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.DeletedAt == nil {
			c := *k
			keys = append(keys, &c)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[id]
	if !ok || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := s.now()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}
