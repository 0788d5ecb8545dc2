// Package tracker is the single entry point for recording an exception. It
// gates, fingerprints, groups, records and notifies, and never lets a failure
// of its own escape to the caller.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kiranshivaraju/faultline/internal/capture"
	"github.com/kiranshivaraju/faultline/internal/fingerprint"
	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/internal/recorder"
	"github.com/kiranshivaraju/faultline/internal/serializer"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const (
	pingTTL         = 10 * time.Second
	pingKey         = "storage"
	stackLogLines   = 10
	pingCallTimeout = 2 * time.Second
)

// Context is the per-call data that accompanies an exception.
type Context struct {
	Request    recorder.Request
	User       *recorder.User
	CustomData map[string]any
	// LocalVariables are raw captured values. When nil, the variables
	// collected in the context's capture scope are used.
	LocalVariables map[string]any
}

// Hooks are optional extension points. A nil hook is skipped.
type Hooks struct {
	// BeforeTrack may veto tracking by returning false.
	BeforeTrack func(ctx context.Context, exc capture.Exception, tc Context) bool
	// FingerprintHook contributes extra fingerprint components.
	FingerprintHook func(exc capture.Exception, tc Context) []string
	AfterTrack      func(ctx context.Context, occ *models.Occurrence)
}

// Evaluator decides whether a group's current state warrants a notification.
type Evaluator interface {
	ShouldNotify(g *models.IssueGroup, occ *models.Occurrence) bool
}

// Notifier delivers a notification. It must not return errors to the tracker.
type Notifier interface {
	Notify(ctx context.Context, g *models.IssueGroup, occ *models.Occurrence)
}

// Options configures a Tracker.
type Options struct {
	Disabled          bool
	IgnoredExceptions []string
	IgnoredUserAgents []string
	AppRoot           string
	Hooks             Hooks
	Logger            *slog.Logger
}

type Tracker struct {
	store      store.Store
	recorder   *recorder.Recorder
	serializer *serializer.Serializer
	evaluator  Evaluator
	notifier   Notifier

	disabled  bool
	ignored   map[string]bool
	agents    []*regexp.Regexp
	appRoot   string
	hooks     Hooks
	logger    *slog.Logger
	reachable *cache.Cache
}

// New creates a Tracker. evaluator and notifier may be nil to disable
// notifications.
func New(s store.Store, rec *recorder.Recorder, ser *serializer.Serializer, evaluator Evaluator, notifier Notifier, opts Options) (*Tracker, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if ser == nil {
		ser = serializer.New(nil, serializer.DefaultLimits())
	}

	ignored := make(map[string]bool, len(opts.IgnoredExceptions))
	for _, class := range opts.IgnoredExceptions {
		ignored[class] = true
	}
	agents := make([]*regexp.Regexp, 0, len(opts.IgnoredUserAgents))
	for _, p := range opts.IgnoredUserAgents {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("ignored user agent %q: %w", p, err)
		}
		agents = append(agents, re)
	}

	return &Tracker{
		store:      s,
		recorder:   rec,
		serializer: ser,
		evaluator:  evaluator,
		notifier:   notifier,
		disabled:   opts.Disabled,
		ignored:    ignored,
		agents:     agents,
		appRoot:    opts.AppRoot,
		hooks:      opts.Hooks,
		logger:     opts.Logger,
		reachable:  cache.New(pingTTL, 0),
	}, nil
}

// TrackError is Track for a plain error value.
func (t *Tracker) TrackError(ctx context.Context, err error, tc Context) *models.Occurrence {
	if err == nil {
		return nil
	}
	return t.Track(ctx, capture.FromError(err), tc)
}

// Track records exc and returns the new occurrence, or nil when the exception
// was skipped or anything in the pipeline failed.
func (t *Tracker) Track(ctx context.Context, exc capture.Exception, tc Context) (occ *models.Occurrence) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.TrackedTotal.WithLabelValues("failed").Inc()
			t.logger.Error("tracking panicked",
				"exception_class", exc.Class,
				"panic", fmt.Sprint(r),
				"stack", truncatedStack(debug.Stack()),
			)
			occ = nil
		}
		metrics.TrackDuration.Observe(time.Since(start).Seconds())
	}()

	if !t.shouldTrack(ctx, exc, tc) {
		metrics.TrackedTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if t.hooks.BeforeTrack != nil && !t.hooks.BeforeTrack(ctx, exc, tc) {
		metrics.TrackedTotal.WithLabelValues("vetoed").Inc()
		return nil
	}

	occ, err := t.track(ctx, exc, tc)
	if err != nil {
		metrics.TrackedTotal.WithLabelValues("failed").Inc()
		t.logger.Error("tracking failed", "exception_class", exc.Class, "error", err)
		return nil
	}
	metrics.TrackedTotal.WithLabelValues("recorded").Inc()

	if t.hooks.AfterTrack != nil {
		t.hooks.AfterTrack(ctx, occ)
	}
	return occ
}

func (t *Tracker) track(ctx context.Context, exc capture.Exception, tc Context) (*models.Occurrence, error) {
	var extra []string
	if t.hooks.FingerprintHook != nil {
		extra = t.hooks.FingerprintHook(exc, tc)
	}

	loc := fingerprint.ExtractLocation(exc.Backtrace, t.appRoot)
	candidate := &models.IssueGroup{
		Fingerprint:      fingerprint.Fingerprint(exc.Class, exc.Message, loc, extra...),
		ExceptionClass:   exc.Class,
		SanitizedMessage: fingerprint.SanitizeMessage(exc.Message),
		LastSeenAt:       time.Now().UTC(),
	}
	if !loc.IsZero() {
		candidate.FilePath = &loc.FilePath
		candidate.LineNumber = &loc.LineNumber
		candidate.MethodName = &loc.MethodName
	}

	group, err := t.store.FindOrCreateIssueGroup(ctx, candidate)
	if err != nil {
		return nil, err
	}

	locals := tc.LocalVariables
	if locals == nil {
		locals = capture.Vars(ctx)
	}
	occ, err := t.recorder.Create(ctx, exc, group, tc.Request, tc.User, tc.CustomData, t.serializer.Serialize(locals))
	if err != nil {
		return nil, err
	}

	// The counter was incremented by the store; evaluate against the stored row.
	fresh, err := t.store.GetIssueGroup(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("reload issue group: %w", err)
	}
	fresh.Created = group.Created
	fresh.Reopened = group.Reopened

	if t.evaluator != nil && t.notifier != nil && t.evaluator.ShouldNotify(fresh, occ) {
		t.notifier.Notify(ctx, fresh, occ)
	}
	return occ, nil
}

func (t *Tracker) shouldTrack(ctx context.Context, exc capture.Exception, tc Context) bool {
	if t.disabled || t.ignored[exc.Class] {
		return false
	}
	if tc.Request != nil {
		if ua := tc.Request.UserAgent(); ua != "" {
			for _, re := range t.agents {
				if re.MatchString(ua) {
					return false
				}
			}
		}
	}
	return t.storageReachable(ctx)
}

// storageReachable pings the store at most once per pingTTL.
func (t *Tracker) storageReachable(ctx context.Context) bool {
	if v, ok := t.reachable.Get(pingKey); ok {
		return v.(bool)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingCallTimeout)
	defer cancel()
	err := t.store.Ping(pingCtx)
	if err != nil {
		t.logger.Error("storage unreachable, skipping tracking", "error", err)
	}
	ok := err == nil
	// A cancelled caller says nothing about the store.
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.reachable.SetDefault(pingKey, ok)
	}
	return ok
}

func truncatedStack(stack []byte) string {
	lines := strings.Split(strings.TrimSpace(string(stack)), "\n")
	if len(lines) > stackLogLines {
		lines = lines[:stackLogLines]
	}
	return strings.Join(lines, "\n")
}
