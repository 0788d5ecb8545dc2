// Package notify decides when an issue group is worth a notification and
// fans the alert out to the configured channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Sentinel errors for channel delivery failures.
var (
	ErrUnexpectedStatus   = errors.New("unexpected response status")
	ErrChannelTimeout     = errors.New("channel timeout")
	ErrChannelUnreachable = errors.New("channel unreachable")
)

// Channel delivers a notification to one external destination.
type Channel interface {
	Name() string
	// ShouldNotify is a channel-local filter applied after the global rules.
	ShouldNotify(g *models.IssueGroup, occ *models.Occurrence) bool
	Send(ctx context.Context, g *models.IssueGroup, occ *models.Occurrence) error
}

// Payload is the channel-neutral view of a notification.
type Payload struct {
	GroupID          uuid.UUID  `json:"group_id"`
	Fingerprint      string     `json:"fingerprint"`
	ExceptionClass   string     `json:"exception_class"`
	Message          string     `json:"message"`
	Status           string     `json:"status"`
	OccurrencesCount int        `json:"occurrences_count"`
	FirstSeenAt      time.Time  `json:"first_seen_at"`
	LastSeenAt       time.Time  `json:"last_seen_at"`
	Location         string     `json:"location,omitempty"`
	Reopened         bool       `json:"reopened"`
	OccurrenceID     *uuid.UUID `json:"occurrence_id,omitempty"`
	Environment      string     `json:"environment,omitempty"`
	Hostname         string     `json:"hostname,omitempty"`
	RequestMethod    string     `json:"request_method,omitempty"`
	RequestURL       string     `json:"request_url,omitempty"`
	UserID           string     `json:"user_id,omitempty"`
	Backtrace        []string   `json:"backtrace,omitempty"`
	OccurredAt       *time.Time `json:"occurred_at,omitempty"`
}

// payloadBacktraceLines bounds the stack excerpt carried in notifications.
const payloadBacktraceLines = 10

// NewPayload flattens a group and its triggering occurrence. occ may be nil.
func NewPayload(g *models.IssueGroup, occ *models.Occurrence) Payload {
	p := Payload{
		GroupID:          g.ID,
		Fingerprint:      g.Fingerprint,
		ExceptionClass:   g.ExceptionClass,
		Message:          g.SanitizedMessage,
		Status:           g.Status,
		OccurrencesCount: g.OccurrencesCount,
		FirstSeenAt:      g.FirstSeenAt,
		LastSeenAt:       g.LastSeenAt,
		Location:         location(g),
		Reopened:         g.RecentlyReopened(),
	}
	if occ == nil {
		return p
	}
	id, at := occ.ID, occ.CreatedAt
	p.OccurrenceID = &id
	p.OccurredAt = &at
	p.Message = occ.Message
	p.Environment = occ.Environment
	p.Hostname = occ.Hostname
	if occ.Request.Method != nil {
		p.RequestMethod = *occ.Request.Method
	}
	if occ.Request.URL != nil {
		p.RequestURL = *occ.Request.URL
	}
	if occ.UserID != nil {
		p.UserID = *occ.UserID
	}
	if n := len(occ.Backtrace); n > 0 {
		p.Backtrace = occ.Backtrace[:min(n, payloadBacktraceLines)]
	}
	return p
}

// Subject is the one-line headline used by every channel.
func (p Payload) Subject() string {
	prefix := "New error"
	switch {
	case p.Reopened:
		prefix = "Reopened"
	case p.OccurrencesCount > 1:
		prefix = fmt.Sprintf("%d occurrences", p.OccurrencesCount)
	}
	msg := p.Message
	if len(msg) > 120 {
		msg = msg[:120] + "..."
	}
	return fmt.Sprintf("[%s] %s: %s", prefix, p.ExceptionClass, msg)
}

func location(g *models.IssueGroup) string {
	if g.FilePath == nil {
		return ""
	}
	loc := *g.FilePath
	if g.LineNumber != nil {
		loc = fmt.Sprintf("%s:%d", loc, *g.LineNumber)
	}
	if g.MethodName != nil && *g.MethodName != "" {
		loc += " in " + *g.MethodName
	}
	return loc
}
