package models

import "time"

// JobEventType distinguishes crawl outcomes.
type JobEventType string

const (
	JobEventSucceeded JobEventType = "JobSucceeded"
	JobEventFailed    JobEventType = "JobFailed"
)

// JobEvent is emitted by the crawl job tracker when a cycle completes.
type JobEvent struct {
	Type                    JobEventType `json:"type"`
	Symbol                  string       `json:"symbol"`
	OccurredAt              time.Time    `json:"occurred_at"`
	PreviousStatus          JobStatus    `json:"previous_status,omitempty"` // Rest state before the cycle began
	ErrorLog                string       `json:"error_log,omitempty"`
	LastSuccessfulTimestamp *time.Time   `json:"last_successful_timestamp,omitempty"`
}

// Category maps the event to the subscription category it notifies.
func (e JobEvent) Category() EventCategory {
	if e.Type == JobEventFailed {
		return CategoryJobFailed
	}
	if e.PreviousStatus == JobStatusFailed {
		return CategoryJobRecovered
	}
	return CategoryJobSucceeded
}
