package models

import (
	"time"
)

// CrawlJobState tracks the crawl lifecycle of a single symbol.
type CrawlJobState struct {
	Symbol                  string     `json:"symbol"`
	Status                  JobStatus  `json:"status"`
	LastSuccessfulTimestamp *time.Time `json:"last_successful_timestamp,omitempty"`
	ErrorLog                *string    `json:"error_log,omitempty"`
	CycleStartedAt          *time.Time `json:"cycle_started_at,omitempty"` // Start of the current or most recent cycle
	PausedFrom              JobStatus  `json:"paused_from,omitempty"`      // Rest state restored on resume
	ConsecutiveFailures     int        `json:"consecutive_failures"`
	NextAttemptAt           *time.Time `json:"next_attempt_at,omitempty"`
	Version                 int64      `json:"version"` // Optimistic concurrency token
	UpdatedAt               time.Time  `json:"updated_at"`
}

// JobStatus is the state of a crawl job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusPaused    JobStatus = "PAUSED"
)

// IsValid reports whether the status is one of the known values.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusPaused:
		return true
	default:
		return false
	}
}

// IsSchedulable reports whether a job in this status may start a new cycle.
func (s JobStatus) IsSchedulable() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// ErrorText returns the error log or an empty string.
func (j CrawlJobState) ErrorText() string {
	if j.ErrorLog == nil {
		return ""
	}
	return *j.ErrorLog
}

// DueQuery selects crawl jobs eligible for a new cycle.
type DueQuery struct {
	// Records whose latest cycle began after AsOf are excluded, so symbols
	// claimed while a listing is in progress are not yielded again.
	AsOf time.Time
	// When set, records with NextAttemptAt after this instant are excluded.
	NotBackingOffAt *time.Time
	After           *DueCursor
	Limit           int
}

// DueCursor is the keyset position of the last job returned by a due listing.
type DueCursor struct {
	LastSuccessfulTimestamp *time.Time
	Symbol                  string
}

// CursorFor returns the keyset position of the given job.
func CursorFor(job CrawlJobState) DueCursor {
	return DueCursor{LastSuccessfulTimestamp: job.LastSuccessfulTimestamp, Symbol: job.Symbol}
}

// Less orders jobs by staleness: never-succeeded first, then oldest success, then symbol.
func (c DueCursor) Less(other DueCursor) bool {
	a, b := c.LastSuccessfulTimestamp, other.LastSuccessfulTimestamp
	switch {
	case a == nil && b != nil:
		return true
	case a != nil && b == nil:
		return false
	case a != nil && b != nil && !a.Equal(*b):
		return a.Before(*b)
	}
	return c.Symbol < other.Symbol
}
