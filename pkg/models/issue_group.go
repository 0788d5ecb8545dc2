// Package models contains shared data models used across the Faultline codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusUnresolved = "unresolved"
	StatusResolved   = "resolved"
	StatusIgnored    = "ignored"
)

// ValidStatus reports whether s is one of the issue group statuses.
func ValidStatus(s string) bool {
	return s == StatusUnresolved || s == StatusResolved || s == StatusIgnored
}

// IssueGroup is the deduplicated record for one fingerprinted error across all its occurrences.
type IssueGroup struct {
	ID               uuid.UUID  `db:"id"                json:"id"`
	Fingerprint      string     `db:"fingerprint"       json:"fingerprint"`
	ExceptionClass   string     `db:"exception_class"   json:"exception_class"`
	SanitizedMessage string     `db:"sanitized_message" json:"sanitized_message"`
	FilePath         *string    `db:"file_path"         json:"file_path,omitempty"`
	LineNumber       *int       `db:"line_number"       json:"line_number,omitempty"`
	MethodName       *string    `db:"method_name"       json:"method_name,omitempty"`
	OccurrencesCount int        `db:"occurrences_count" json:"occurrences_count"`
	FirstSeenAt      time.Time  `db:"first_seen_at"     json:"first_seen_at"`
	LastSeenAt       time.Time  `db:"last_seen_at"      json:"last_seen_at"`
	Status           string     `db:"status"            json:"status"`
	ResolvedAt       *time.Time `db:"resolved_at"       json:"resolved_at,omitempty"`
	LastNotifiedAt   *time.Time `db:"last_notified_at"  json:"last_notified_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"        json:"updated_at"`

	// Created and Reopened are set by find-or-create and are not persisted.
	Created  bool `db:"-" json:"-"`
	Reopened bool `db:"-" json:"-"`
}

// RecentlyReopened is true when the group came back after being resolved.
// A group reopened by the current find-or-create has resolved_at cleared, so the
// transient Reopened flag carries that case.
func (g *IssueGroup) RecentlyReopened() bool {
	if g.Reopened {
		return true
	}
	return g.ResolvedAt != nil && g.LastSeenAt.After(*g.ResolvedAt)
}

// CountBucket is one bar of an occurrence chart.
type CountBucket struct {
	Bucket time.Time `json:"bucket"`
	Count  int       `json:"count"`
}
