package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/dialect"
	"github.com/kiranshivaraju/faultline/internal/issuetracker"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const chartCacheTTL = time.Minute

// IssueStore is the subset of the store the issue handlers read and update.
type IssueStore interface {
	ListIssueGroups(ctx context.Context, filter store.GroupFilter) ([]*models.IssueGroup, int, error)
	GetIssueGroup(ctx context.Context, id uuid.UUID) (*models.IssueGroup, error)
	UpdateIssueGroupStatus(ctx context.Context, id uuid.UUID, status string) (*models.IssueGroup, error)
	GetOccurrence(ctx context.Context, id uuid.UUID) (*models.Occurrence, error)
	ListOccurrences(ctx context.Context, groupID uuid.UUID, page, limit int) ([]*models.Occurrence, int, error)
	LatestOccurrence(ctx context.Context, groupID uuid.UUID) (*models.Occurrence, error)
	OccurrenceCounts(ctx context.Context, groupID uuid.UUID, since time.Time, g dialect.Granularity) ([]models.CountBucket, error)
}

// TicketCreator files an issue group in an external issue tracker.
type TicketCreator interface {
	Configured() bool
	CreateIssue(ctx context.Context, g *models.IssueGroup, occ *models.Occurrence) (*issuetracker.Issue, error)
}

// Issues serves the issue group endpoints.
type Issues struct {
	store   IssueStore
	cache   cache.Cache
	tickets TicketCreator
	logger  *slog.Logger
	now     func() time.Time
}

// NewIssues creates the issue handlers. c and tickets may be nil.
func NewIssues(s IssueStore, c cache.Cache, tickets TicketCreator, logger *slog.Logger) *Issues {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issues{store: s, cache: c, tickets: tickets, logger: logger, now: time.Now}
}

type issueDetail struct {
	*models.IssueGroup
	LatestOccurrence *models.Occurrence `json:"latest_occurrence"`
}

// List handles GET /api/v1/issues?status=&q=&page=&limit=.
func (h *Issues) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !models.ValidStatus(status) {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			"status must be one of unresolved, resolved, ignored", nil)
		return
	}
	page, limit := pageParams(r)

	groups, total, err := h.store.ListIssueGroups(r.Context(), store.GroupFilter{
		Status: status,
		Query:  r.URL.Query().Get("q"),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		h.fail(w, r, "list issue groups", err)
		return
	}
	if groups == nil {
		groups = []*models.IssueGroup{}
	}
	response.Collection(w, groups, response.Meta(page, limit, total))
}

// Get handles GET /api/v1/issues/{issueID}.
func (h *Issues) Get(w http.ResponseWriter, r *http.Request) {
	g, ok := h.group(w, r)
	if !ok {
		return
	}
	occ, err := h.store.LatestOccurrence(r.Context(), g.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.fail(w, r, "latest occurrence", err)
		return
	}
	response.JSON(w, issueDetail{IssueGroup: g, LatestOccurrence: occ})
}

// Occurrences handles GET /api/v1/issues/{issueID}/occurrences.
func (h *Issues) Occurrences(w http.ResponseWriter, r *http.Request) {
	g, ok := h.group(w, r)
	if !ok {
		return
	}
	page, limit := pageParams(r)
	occs, total, err := h.store.ListOccurrences(r.Context(), g.ID, page, limit)
	if err != nil {
		h.fail(w, r, "list occurrences", err)
		return
	}
	if occs == nil {
		occs = []*models.Occurrence{}
	}
	response.Collection(w, occs, response.Meta(page, limit, total))
}

// Occurrence handles GET /api/v1/occurrences/{occurrenceID}.
func (h *Issues) Occurrence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "occurrenceID")
	if !ok {
		return
	}
	occ, err := h.store.GetOccurrence(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Occurrence not found", nil)
		return
	}
	if err != nil {
		h.fail(w, r, "get occurrence", err)
		return
	}
	response.JSON(w, occ)
}

// Chart handles GET /api/v1/issues/{issueID}/chart?granularity=&since=.
func (h *Issues) Chart(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "issueID")
	if !ok {
		return
	}
	gran, err := dialect.ParseGranularity(r.URL.Query().Get("granularity"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	since, err := queryTime(r, "since")
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	if since.IsZero() {
		since = h.now().Add(-defaultChartSpan(gran))
	}
	since = since.UTC().Truncate(time.Minute)

	key := cache.ChartKey(id.String(), chartHash(since, gran))
	if h.cache != nil {
		if data, found, err := h.cache.Get(r.Context(), key); err == nil && found {
			var buckets []models.CountBucket
			if json.Unmarshal(data, &buckets) == nil {
				response.JSON(w, buckets)
				return
			}
		}
	}

	if _, err := h.store.GetIssueGroup(r.Context(), id); err != nil {
		h.notFoundOr(w, r, "get issue group", err)
		return
	}
	buckets, err := h.store.OccurrenceCounts(r.Context(), id, since, gran)
	if err != nil {
		h.fail(w, r, "occurrence counts", err)
		return
	}
	if buckets == nil {
		buckets = []models.CountBucket{}
	}

	if h.cache != nil {
		if data, err := json.Marshal(buckets); err == nil {
			if err := h.cache.Set(r.Context(), key, data, chartCacheTTL); err != nil {
				h.logger.Warn("failed to cache issue chart", "group_id", id, "error", err)
			}
		}
	}
	response.JSON(w, buckets)
}

// SetStatus returns a handler that moves a group to status.
func (h *Issues) SetStatus(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "issueID")
		if !ok {
			return
		}
		g, err := h.store.UpdateIssueGroupStatus(r.Context(), id, status)
		switch {
		case errors.Is(err, store.ErrInvalidStatus):
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid status", nil)
			return
		case err != nil:
			h.notFoundOr(w, r, "update issue status", err)
			return
		}
		h.logger.Info("issue status changed", "group_id", g.ID, "status", g.Status)
		response.JSON(w, g)
	}
}

// Ticket handles POST /api/v1/issues/{issueID}/ticket.
func (h *Issues) Ticket(w http.ResponseWriter, r *http.Request) {
	if h.tickets == nil || !h.tickets.Configured() {
		response.Error(w, http.StatusNotImplemented, "ISSUE_TRACKER_NOT_CONFIGURED",
			"No issue tracker is configured", nil)
		return
	}
	g, ok := h.group(w, r)
	if !ok {
		return
	}
	occ, err := h.store.LatestOccurrence(r.Context(), g.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.fail(w, r, "latest occurrence", err)
		return
	}

	issue, err := h.tickets.CreateIssue(r.Context(), g, occ)
	if err != nil {
		var apiErr *issuetracker.APIError
		switch {
		case errors.As(err, &apiErr):
			response.Error(w, http.StatusBadGateway, "ISSUE_TRACKER_ERROR", apiErr.Message,
				map[string]int{"status": apiErr.StatusCode})
		case errors.Is(err, issuetracker.ErrNotConfigured):
			response.Error(w, http.StatusNotImplemented, "ISSUE_TRACKER_NOT_CONFIGURED",
				"No issue tracker is configured", nil)
		default:
			h.logger.Error("create ticket failed", "group_id", g.ID, "error", err)
			response.Error(w, http.StatusBadGateway, "ISSUE_TRACKER_UNAVAILABLE",
				"The issue tracker could not be reached", nil)
		}
		return
	}
	response.Created(w, issue)
}

func (h *Issues) group(w http.ResponseWriter, r *http.Request) (*models.IssueGroup, bool) {
	id, ok := pathUUID(w, r, "issueID")
	if !ok {
		return nil, false
	}
	g, err := h.store.GetIssueGroup(r.Context(), id)
	if err != nil {
		h.notFoundOr(w, r, "get issue group", err)
		return nil, false
	}
	return g, true
}

func (h *Issues) notFoundOr(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Issue not found", nil)
		return
	}
	h.fail(w, r, op, err)
}

func (h *Issues) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
	response.Internal(w)
}

func defaultChartSpan(g dialect.Granularity) time.Duration {
	switch g {
	case dialect.Minute:
		return time.Hour
	case dialect.Day:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func chartHash(since time.Time, g dialect.Granularity) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", since.Unix(), g)))
	return hex.EncodeToString(sum[:8])
}
