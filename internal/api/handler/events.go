package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/capture"
	"github.com/kiranshivaraju/faultline/internal/recorder"
	"github.com/kiranshivaraju/faultline/internal/tracker"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// EventTracker records a reported exception.
type EventTracker interface {
	Track(ctx context.Context, exc capture.Exception, tc tracker.Context) *models.Occurrence
}

// EventPayload is an exception reported by a host application.
type EventPayload struct {
	ExceptionClass string                `json:"exception_class" validate:"required,max=255"`
	Message        string                `json:"message"         validate:"max=65536"`
	Backtrace      []string              `json:"backtrace"       validate:"max=1000"`
	Request        *recorder.RequestData `json:"request"`
	User           *EventUser            `json:"user"`
	CustomData     map[string]any        `json:"custom_data"`
	LocalVariables map[string]any        `json:"local_variables"`
}

type EventUser struct {
	ID   string `json:"id"   validate:"required,max=255"`
	Type string `json:"type" validate:"max=255"`
}

type eventResponse struct {
	Tracked      bool   `json:"tracked"`
	OccurrenceID string `json:"occurrence_id,omitempty"`
	GroupID      string `json:"group_id,omitempty"`
}

// NewEventHandler returns an http.HandlerFunc for POST /api/v1/events.
// An event the tracker declines (ignored, vetoed, storage down) is accepted
// with tracked=false.
func NewEventHandler(t EventTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p EventPayload
		if !decodeBody(w, r, &p) {
			return
		}

		tc := tracker.Context{CustomData: p.CustomData, LocalVariables: p.LocalVariables}
		if tc.LocalVariables == nil {
			tc.LocalVariables = map[string]any{}
		}
		if p.Request != nil {
			tc.Request = p.Request
		}
		if p.User != nil {
			tc.User = &recorder.User{ID: p.User.ID, Type: p.User.Type}
		}

		occ := t.Track(r.Context(), capture.Exception{
			Class:     p.ExceptionClass,
			Message:   p.Message,
			Backtrace: p.Backtrace,
		}, tc)
		if occ == nil {
			response.Accepted(w, eventResponse{Tracked: false})
			return
		}
		response.Created(w, eventResponse{
			Tracked:      true,
			OccurrenceID: occ.ID.String(),
			GroupID:      occ.GroupID.String(),
		})
	}
}
