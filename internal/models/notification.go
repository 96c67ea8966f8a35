package models

import (
	"slices"
	"time"
)

// Notification is a single delivery attempt to one recipient over one channel.
type Notification struct {
	ID           string             `json:"id"`
	Recipient    string             `json:"recipient"`
	Subject      string             `json:"subject"`
	Body         string             `json:"body"`
	Type         NotificationType   `json:"type"`
	Status       NotificationStatus `json:"status"`
	ErrorMessage *string            `json:"error_message,omitempty"`
	EventType    JobEventType       `json:"event_type"`
	Symbol       string             `json:"symbol"`
	CreatedAt    time.Time          `json:"created_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// NotificationType is the delivery channel.
type NotificationType string

const (
	NotificationTypeEmail NotificationType = "EMAIL"
	NotificationTypePush  NotificationType = "PUSH"
	NotificationTypeSMS   NotificationType = "SMS"
	NotificationTypeInApp NotificationType = "IN_APP"
)

// NotificationStatus is the delivery outcome.
type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "PENDING"
	NotificationStatusSent    NotificationStatus = "SENT"
	NotificationStatusFailed  NotificationStatus = "FAILED"
)

// DeviceType identifies the device a push-style channel targets.
type DeviceType string

const (
	DeviceTypeWeb           DeviceType = "WEB"
	DeviceTypeMobileIOS     DeviceType = "MOBILE_IOS"
	DeviceTypeMobileAndroid DeviceType = "MOBILE_ANDROID"
	DeviceTypeTablet        DeviceType = "TABLET"
	DeviceTypeDesktopApp    DeviceType = "DESKTOP_APP"
)

// EventCategory groups job events for subscription purposes.
type EventCategory string

const (
	CategoryJobFailed    EventCategory = "JOB_FAILED"
	CategoryJobRecovered EventCategory = "JOB_RECOVERED"
	CategoryJobSucceeded EventCategory = "JOB_SUCCEEDED"
)

// NotificationSetting enables one delivery channel for one user.
type NotificationSetting struct {
	UserID     string           `json:"user_id"`
	Type       NotificationType `json:"type"`
	DeviceType DeviceType       `json:"device_type,omitempty"`
	Address    string           `json:"address,omitempty"` // Channel destination; defaults to UserID
	Categories []EventCategory  `json:"categories"`
	Symbols    []string         `json:"symbols,omitempty"` // Empty matches every symbol
	Enabled    bool             `json:"enabled"`
}

// Matches reports whether the setting subscribes to the event.
func (s NotificationSetting) Matches(category EventCategory, symbol string) bool {
	if !s.Enabled || !slices.Contains(s.Categories, category) {
		return false
	}
	return len(s.Symbols) == 0 || slices.Contains(s.Symbols, symbol)
}

// Destination returns the channel address for delivery.
func (s NotificationSetting) Destination() string {
	if s.Address != "" {
		return s.Address
	}
	return s.UserID
}
