// Package retention deletes data that has aged past the configured windows.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kiranshivaraju/faultline/internal/metrics"
)

// IssueStore is the part of the issue store cleanup needs.
type IssueStore interface {
	DeleteOccurrencesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteStaleIssueGroups(ctx context.Context, cutoff time.Time) (int64, error)
}

// TraceStore is the part of the APM store cleanup needs.
type TraceStore interface {
	DeleteTracesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result reports what one run removed.
type Result struct {
	Occurrences int64 `json:"occurrences_deleted"`
	Groups      int64 `json:"groups_deleted"`
	Traces      int64 `json:"traces_deleted"`
}

// Service applies retention. A zero day count keeps that data forever.
type Service struct {
	issues    IssueStore
	traces    TraceStore
	issueDays int
	apmDays   int
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Service. traces may be nil when APM is disabled.
func New(issues IssueStore, traces TraceStore, issueDays, apmDays int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		issues:    issues,
		traces:    traces,
		issueDays: issueDays,
		apmDays:   apmDays,
		logger:    logger,
		now:       time.Now,
	}
}

// Run performs one cleanup pass. Issue and trace cutoffs are independent.
func (s *Service) Run(ctx context.Context) (Result, error) {
	var res Result
	now := s.now().UTC()

	if s.issueDays > 0 && s.issues != nil {
		cutoff := now.AddDate(0, 0, -s.issueDays)
		n, err := s.issues.DeleteOccurrencesBefore(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("delete occurrences: %w", err)
		}
		res.Occurrences = n
		n, err = s.issues.DeleteStaleIssueGroups(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("delete stale groups: %w", err)
		}
		res.Groups = n
	}

	if s.apmDays > 0 && s.traces != nil {
		n, err := s.traces.DeleteTracesBefore(ctx, now.AddDate(0, 0, -s.apmDays))
		if err != nil {
			return res, fmt.Errorf("delete traces: %w", err)
		}
		res.Traces = n
	}

	metrics.RetentionDeleted.WithLabelValues("occurrences").Add(float64(res.Occurrences))
	metrics.RetentionDeleted.WithLabelValues("issue_groups").Add(float64(res.Groups))
	metrics.RetentionDeleted.WithLabelValues("request_traces").Add(float64(res.Traces))
	s.logger.Info("retention cleanup finished",
		"occurrences_deleted", res.Occurrences,
		"groups_deleted", res.Groups,
		"traces_deleted", res.Traces,
	)
	return res, nil
}

// Scheduler runs the Service on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	service *Service
	timeout time.Duration
}

// NewScheduler parses spec (standard 5-field or @descriptor) and registers the job.
func NewScheduler(service *Service, spec string, timeout time.Duration) (*Scheduler, error) {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		service: service,
		timeout: timeout,
	}
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.service.Run(ctx); err != nil {
		s.service.logger.Error("retention cleanup failed", "error", err)
	}
}

// Run starts the scheduler and blocks until ctx is done, then waits for a
// running job to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
