package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kiranshivaraju/faultline/internal/metrics"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Marker records when a group was last notified.
type Marker interface {
	MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// RatePerMinute caps sends per channel. Zero disables the limit.
	RatePerMinute int
	Logger        *slog.Logger
}

// Dispatcher sends a notification through every channel in order.
type Dispatcher struct {
	marker   Marker
	channels []Channel
	limiters []*rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(marker Marker, channels []Channel, opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiters := make([]*rate.Limiter, len(channels))
	if opts.RatePerMinute > 0 {
		for i := range channels {
			limiters[i] = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), opts.RatePerMinute)
		}
	}
	return &Dispatcher{
		marker:   marker,
		channels: channels,
		limiters: limiters,
		logger:   logger,
		now:      time.Now,
	}
}

// Channels returns the configured channels.
func (d *Dispatcher) Channels() []Channel {
	return d.channels
}

// Notify attempts every channel, then records the notification time once.
// Channel failures are logged and never returned.
func (d *Dispatcher) Notify(ctx context.Context, g *models.IssueGroup, occ *models.Occurrence) {
	for i, ch := range d.channels {
		d.dispatch(ctx, i, ch, g, occ)
	}

	if err := d.marker.MarkNotified(ctx, g.ID, d.now()); err != nil {
		d.logger.Error("failed to record notification time", "group_id", g.ID, "error", err)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, i int, ch Channel, g *models.IssueGroup, occ *models.Occurrence) {
	name := ch.Name()
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationsTotal.WithLabelValues(name, "panic").Inc()
			d.logger.Error("notification channel panicked", "channel", name, "group_id", g.ID, "panic", fmt.Sprint(r))
		}
	}()

	if !ch.ShouldNotify(g, occ) {
		metrics.NotificationsTotal.WithLabelValues(name, "filtered").Inc()
		return
	}
	if l := d.limiters[i]; l != nil && !l.Allow() {
		metrics.NotificationsTotal.WithLabelValues(name, "rate_limited").Inc()
		d.logger.Warn("notification rate limited", "channel", name, "group_id", g.ID)
		return
	}

	start := time.Now()
	err := ch.Send(ctx, g, occ)
	metrics.NotificationDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(name, "error").Inc()
		d.logger.Error("notification failed", "channel", name, "group_id", g.ID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(name, "sent").Inc()
	d.logger.Info("notification sent", "channel", name, "group_id", g.ID)
}
