package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/dialect"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidStatus = errors.New("invalid issue status")

// Store is the data access interface for issue groups, occurrences and API keys.
// All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// FindOrCreateIssueGroup returns the one group for candidate.Fingerprint,
	// creating it or auto-reopening it as needed. Concurrent callers with the
	// same fingerprint converge on a single row.
	FindOrCreateIssueGroup(ctx context.Context, candidate *models.IssueGroup) (*models.IssueGroup, error)
	GetIssueGroup(ctx context.Context, id uuid.UUID) (*models.IssueGroup, error)
	GetIssueGroupByFingerprint(ctx context.Context, fingerprint string) (*models.IssueGroup, error)
	ListIssueGroups(ctx context.Context, filter GroupFilter) ([]*models.IssueGroup, int, error)
	UpdateIssueGroupStatus(ctx context.Context, id uuid.UUID, status string) (*models.IssueGroup, error)
	MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error

	// CreateOccurrence writes the occurrence and its context entries and
	// increments the group counter in one transaction.
	CreateOccurrence(ctx context.Context, occ *models.Occurrence) error
	GetOccurrence(ctx context.Context, id uuid.UUID) (*models.Occurrence, error)
	ListOccurrences(ctx context.Context, groupID uuid.UUID, page, limit int) ([]*models.Occurrence, int, error)
	LatestOccurrence(ctx context.Context, groupID uuid.UUID) (*models.Occurrence, error)
	OccurrenceCounts(ctx context.Context, groupID uuid.UUID, since time.Time, g dialect.Granularity) ([]models.CountBucket, error)

	DeleteOccurrencesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteStaleIssueGroups(ctx context.Context, cutoff time.Time) (int64, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// GroupFilter selects issue groups for listing. Empty Status matches every status.
type GroupFilter struct {
	Status string
	Query  string
	Page   int
	Limit  int
}

// Pagination normalizes page and limit into limit and offset.
func Pagination(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}
