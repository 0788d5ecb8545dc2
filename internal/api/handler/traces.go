package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/apm"
	"github.com/kiranshivaraju/faultline/internal/dialect"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// TraceService ingests traces and serves rollups over them.
type TraceService interface {
	Ingest(ctx context.Context, p apm.TracePayload) (*models.RequestTrace, error)
	ResponseTimeSeries(ctx context.Context, w apm.Window) ([]models.SeriesPoint, error)
	Throughput(ctx context.Context, w apm.Window) ([]models.ThroughputPoint, error)
	Percentiles(ctx context.Context, w apm.Window, ps []float64) ([]apm.Percentile, error)
	EndpointSummaries(ctx context.Context, w apm.Window) ([]models.EndpointSummary, error)
	Store() apm.Store
}

// Traces serves trace ingestion, lookup and the APM rollups.
type Traces struct {
	svc    TraceService
	logger *slog.Logger
}

func NewTraces(svc TraceService, logger *slog.Logger) *Traces {
	if logger == nil {
		logger = slog.Default()
	}
	return &Traces{svc: svc, logger: logger}
}

// Ingest handles POST /api/v1/traces.
func (h *Traces) Ingest(w http.ResponseWriter, r *http.Request) {
	var p apm.TracePayload
	if !decodeBody(w, r, &p) {
		return
	}
	t, err := h.svc.Ingest(r.Context(), p)
	if err != nil {
		h.fail(w, r, "ingest trace", err)
		return
	}
	response.Created(w, map[string]any{"id": t.ID, "endpoint": t.Endpoint})
}

// List handles GET /api/v1/traces?endpoint=&since=&min_duration_ms=&page=&limit=.
func (h *Traces) List(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	var minDuration float64
	if v := r.URL.Query().Get("min_duration_ms"); v != "" {
		if minDuration, err = strconv.ParseFloat(v, 64); err != nil || minDuration < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "min_duration_ms must be a non-negative number", nil)
			return
		}
	}
	page, limit := pageParams(r)

	traces, total, err := h.svc.Store().ListTraces(r.Context(), apm.TraceFilter{
		Endpoint:      r.URL.Query().Get("endpoint"),
		Since:         since,
		MinDurationMS: minDuration,
		Page:          page,
		Limit:         limit,
	})
	if err != nil {
		h.fail(w, r, "list traces", err)
		return
	}
	if traces == nil {
		traces = []*models.RequestTrace{}
	}
	response.Collection(w, traces, response.Meta(page, limit, total))
}

// Get handles GET /api/v1/traces/{traceID}.
func (h *Traces) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "traceID")
	if !ok {
		return
	}
	t, err := h.svc.Store().GetTrace(r.Context(), id)
	if err != nil {
		h.notFoundOr(w, r, "get trace", err)
		return
	}
	response.JSON(w, t)
}

// Profile handles GET /api/v1/traces/{traceID}/profile and returns the raw blob.
func (h *Traces) Profile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "traceID")
	if !ok {
		return
	}
	p, err := h.svc.Store().GetProfile(r.Context(), id)
	if err != nil {
		h.notFoundOr(w, r, "get profile", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Profile-Mode", p.Mode)
	w.Header().Set("X-Profile-Samples", strconv.Itoa(p.Samples))
	w.Header().Set("X-Profile-Interval-Us", strconv.Itoa(p.IntervalUS))
	w.WriteHeader(http.StatusOK)
	w.Write(p.Data)
}

// Series handles GET /api/v1/apm/response-times.
func (h *Traces) Series(w http.ResponseWriter, r *http.Request) {
	win, ok := window(w, r)
	if !ok {
		return
	}
	points, err := h.svc.ResponseTimeSeries(r.Context(), win)
	if err != nil {
		h.fail(w, r, "response time series", err)
		return
	}
	response.JSON(w, nonNil(points))
}

// Throughput handles GET /api/v1/apm/throughput.
func (h *Traces) Throughput(w http.ResponseWriter, r *http.Request) {
	win, ok := window(w, r)
	if !ok {
		return
	}
	points, err := h.svc.Throughput(r.Context(), win)
	if err != nil {
		h.fail(w, r, "throughput", err)
		return
	}
	response.JSON(w, nonNil(points))
}

// Percentiles handles GET /api/v1/apm/percentiles?p=50,95,99.
func (h *Traces) Percentiles(w http.ResponseWriter, r *http.Request) {
	win, ok := window(w, r)
	if !ok {
		return
	}
	ps, err := percentileList(r.URL.Query().Get("p"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	out, err := h.svc.Percentiles(r.Context(), win, ps)
	if err != nil {
		h.fail(w, r, "percentiles", err)
		return
	}
	response.JSON(w, nonNil(out))
}

// Endpoints handles GET /api/v1/apm/endpoints.
func (h *Traces) Endpoints(w http.ResponseWriter, r *http.Request) {
	win, ok := window(w, r)
	if !ok {
		return
	}
	out, err := h.svc.EndpointSummaries(r.Context(), win)
	if err != nil {
		h.fail(w, r, "endpoint summaries", err)
		return
	}
	response.JSON(w, nonNil(out))
}

func (h *Traces) notFoundOr(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, apm.ErrTraceNotFound) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Trace not found", nil)
		return
	}
	h.fail(w, r, op, err)
}

func (h *Traces) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
	response.Internal(w)
}

// window reads since, until, granularity and endpoint. On failure it writes a 400.
func window(w http.ResponseWriter, r *http.Request) (apm.Window, bool) {
	win, err := parseWindow(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return apm.Window{}, false
	}
	return win, true
}

func parseWindow(r *http.Request) (apm.Window, error) {
	since, err := queryTime(r, "since")
	if err != nil {
		return apm.Window{}, err
	}
	until, err := queryTime(r, "until")
	if err != nil {
		return apm.Window{}, err
	}
	if !since.IsZero() && !until.IsZero() && !since.Before(until) {
		return apm.Window{}, errors.New("since must be before until")
	}
	gran, err := dialect.ParseGranularity(r.URL.Query().Get("granularity"))
	if err != nil {
		return apm.Window{}, err
	}
	return apm.Window{
		Since:       since,
		Until:       until,
		Granularity: gran,
		Endpoint:    r.URL.Query().Get("endpoint"),
	}, nil
}

func percentileList(raw string) ([]float64, error) {
	if raw == "" {
		return apm.DefaultPercentiles, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		p, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || p <= 0 || p > 100 {
			return nil, errors.New("p must be a comma-separated list of percentiles in (0, 100]")
		}
		out = append(out, p)
	}
	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
