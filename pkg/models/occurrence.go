package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Occurrence is one concrete instance of a tracked error. Immutable once created.
type Occurrence struct {
	ID             uuid.UUID       `db:"id"              json:"id"`
	GroupID        uuid.UUID       `db:"group_id"        json:"group_id"`
	ExceptionClass string          `db:"exception_class" json:"exception_class"`
	Message        string          `db:"message"         json:"message"`
	Backtrace      []string        `db:"backtrace"       json:"backtrace"`
	LocalVariables map[string]any  `db:"local_variables" json:"local_variables,omitempty"`
	Request        RequestSnapshot `db:"-"               json:"request"`
	UserID         *string         `db:"user_id"         json:"user_id,omitempty"`
	UserType       *string         `db:"user_type"       json:"user_type,omitempty"`
	Environment    string          `db:"environment"     json:"environment"`
	Hostname       string          `db:"hostname"        json:"hostname"`
	ProcessID      int             `db:"process_id"      json:"process_id"`
	Context        []ContextEntry  `db:"-"               json:"context,omitempty"`
	CreatedAt      time.Time       `db:"created_at"      json:"created_at"`
}

// RequestSnapshot is the filtered request data captured with an occurrence.
// Every field is optional.
type RequestSnapshot struct {
	Method    *string           `json:"method,omitempty"`
	URL       *string           `json:"url,omitempty"`
	Params    map[string]any    `json:"params,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	UserAgent *string           `json:"user_agent,omitempty"`
	IP        *string           `json:"ip,omitempty"`
	SessionID *string           `json:"session_id,omitempty"`
}

// Empty reports whether no request data was captured.
func (r RequestSnapshot) Empty() bool {
	return r.Method == nil && r.URL == nil && len(r.Params) == 0 && len(r.Headers) == 0 &&
		r.UserAgent == nil && r.IP == nil && r.SessionID == nil
}

// ContextEntry is a caller-supplied key/value pair stored with an occurrence.
type ContextEntry struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	OccurrenceID uuid.UUID `db:"occurrence_id" json:"occurrence_id"`
	Key          string    `db:"key"           json:"key"`
	Value        string    `db:"value"         json:"value"`
}

// JSONValue decodes Value when it holds JSON, otherwise returns the raw string.
func (c ContextEntry) JSONValue() any {
	var v any
	if err := json.Unmarshal([]byte(c.Value), &v); err != nil {
		return c.Value
	}
	return v
}
