package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/stockapp/crawlsync/internal/models"
	"github.com/stockapp/crawlsync/internal/store"
)

// ErrAlreadyCompleted is returned when completing a notification that is no longer PENDING.
var ErrAlreadyCompleted = errors.New("notification already completed")

// SettingsRepository reads user delivery preferences.
type SettingsRepository interface {
	// ListMatching returns enabled settings subscribed to category and symbol.
	ListMatching(ctx context.Context, category models.EventCategory, symbol string) ([]models.NotificationSetting, error)

	// Save creates or replaces the setting keyed by user, channel and device.
	Save(ctx context.Context, setting models.NotificationSetting) error
}

// NotificationRepository persists delivery records.
type NotificationRepository interface {
	// Create stores a new PENDING notification.
	Create(ctx context.Context, n models.Notification) error

	// Complete moves a PENDING notification to SENT or FAILED. Any other
	// current status yields ErrAlreadyCompleted.
	Complete(ctx context.Context, id string, status models.NotificationStatus, errorMessage *string, completedAt time.Time) error

	// Get retrieves a notification by id.
	Get(ctx context.Context, id string) (models.Notification, error)

	// ListByRecipient returns the newest notifications for a recipient.
	ListByRecipient(ctx context.Context, recipient string, limit int) ([]models.Notification, error)
}

type settingKey struct {
	userID     string
	channel    models.NotificationType
	deviceType models.DeviceType
}

// MemorySettingsRepository implements SettingsRepository in memory.
type MemorySettingsRepository struct {
	mu       sync.RWMutex
	settings map[settingKey]models.NotificationSetting
}

// NewMemorySettingsRepository creates an empty settings repository.
func NewMemorySettingsRepository() *MemorySettingsRepository {
	return &MemorySettingsRepository{settings: make(map[settingKey]models.NotificationSetting)}
}

// ListMatching returns matching settings ordered by user then channel.
func (r *MemorySettingsRepository) ListMatching(ctx context.Context, category models.EventCategory, symbol string) ([]models.NotificationSetting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []models.NotificationSetting
	for _, s := range r.settings {
		if s.Matches(category, symbol) {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UserID != result[j].UserID {
			return result[i].UserID < result[j].UserID
		}
		if result[i].Type != result[j].Type {
			return result[i].Type < result[j].Type
		}
		return result[i].DeviceType < result[j].DeviceType
	})
	return result, nil
}

// Save upserts a setting.
func (r *MemorySettingsRepository) Save(ctx context.Context, setting models.NotificationSetting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[settingKey{setting.UserID, setting.Type, setting.DeviceType}] = setting
	return nil
}

// MemoryNotificationRepository implements NotificationRepository in memory.
type MemoryNotificationRepository struct {
	mu            sync.RWMutex
	notifications map[string]models.Notification
}

// NewMemoryNotificationRepository creates an empty notification repository.
func NewMemoryNotificationRepository() *MemoryNotificationRepository {
	return &MemoryNotificationRepository{notifications: make(map[string]models.Notification)}
}

// Create stores a notification.
func (r *MemoryNotificationRepository) Create(ctx context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.notifications[n.ID]; exists {
		return store.ErrDuplicate
	}
	r.notifications[n.ID] = n
	return nil
}

// Complete records the delivery outcome once.
func (r *MemoryNotificationRepository) Complete(ctx context.Context, id string, status models.NotificationStatus, errorMessage *string, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.notifications[id]
	if !ok {
		return store.ErrNotFound
	}
	if n.Status != models.NotificationStatusPending {
		return ErrAlreadyCompleted
	}
	n.Status = status
	n.ErrorMessage = errorMessage
	n.CompletedAt = &completedAt
	r.notifications[id] = n
	return nil
}

// Get retrieves a notification by id.
func (r *MemoryNotificationRepository) Get(ctx context.Context, id string) (models.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.notifications[id]
	if !ok {
		return models.Notification{}, store.ErrNotFound
	}
	return n, nil
}

// ListByRecipient returns notifications for recipient, newest first.
func (r *MemoryNotificationRepository) ListByRecipient(ctx context.Context, recipient string, limit int) ([]models.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []models.Notification
	for _, n := range r.notifications {
		if n.Recipient == recipient {
			result = append(result, n)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Len returns the number of stored notifications.
func (r *MemoryNotificationRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.notifications)
}
