package models

import "testing"

func TestJobEvent_Category(t *testing.T) {
	tests := []struct {
		name     string
		event    JobEvent
		expected EventCategory
	}{
		{"failure", JobEvent{Type: JobEventFailed, PreviousStatus: JobStatusSucceeded}, CategoryJobFailed},
		{"repeated failure", JobEvent{Type: JobEventFailed, PreviousStatus: JobStatusFailed}, CategoryJobFailed},
		{"recovery", JobEvent{Type: JobEventSucceeded, PreviousStatus: JobStatusFailed}, CategoryJobRecovered},
		{"success", JobEvent{Type: JobEventSucceeded, PreviousStatus: JobStatusSucceeded}, CategoryJobSucceeded},
		{"first success", JobEvent{Type: JobEventSucceeded}, CategoryJobSucceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.Category(); got != tt.expected {
				t.Errorf("Category() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNotificationSetting_Matches(t *testing.T) {
	base := NotificationSetting{
		UserID:     "alice",
		Type:       NotificationTypeEmail,
		Categories: []EventCategory{CategoryJobFailed, CategoryJobRecovered},
		Enabled:    true,
	}
	scoped := base
	scoped.Symbols = []string{"AAPL", "MSFT"}
	disabled := base
	disabled.Enabled = false

	tests := []struct {
		name     string
		setting  NotificationSetting
		category EventCategory
		symbol   string
		expected bool
	}{
		{"subscribed category any symbol", base, CategoryJobFailed, "TSLA", true},
		{"unsubscribed category", base, CategoryJobSucceeded, "TSLA", false},
		{"symbol in scope", scoped, CategoryJobRecovered, "MSFT", true},
		{"symbol out of scope", scoped, CategoryJobFailed, "TSLA", false},
		{"disabled", disabled, CategoryJobFailed, "AAPL", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.setting.Matches(tt.category, tt.symbol); got != tt.expected {
				t.Errorf("Matches() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNotificationSetting_Destination(t *testing.T) {
	if got := (NotificationSetting{UserID: "alice"}).Destination(); got != "alice" {
		t.Errorf("Destination() = %q, want alice", got)
	}
	if got := (NotificationSetting{UserID: "alice", Address: "alice@example.com"}).Destination(); got != "alice@example.com" {
		t.Errorf("Destination() = %q, want alice@example.com", got)
	}
}
