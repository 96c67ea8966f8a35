package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/stockapp/crawlsync/internal/models"
	"github.com/stockapp/crawlsync/internal/notify"
	"github.com/stockapp/crawlsync/internal/store"
)

const notificationColumns = `id, recipient, subject, body, type, status, error_message,
	event_type, symbol, created_at, completed_at`

// PostgresNotificationRepository implements notify.NotificationRepository using PostgreSQL.
type PostgresNotificationRepository struct {
	db *sql.DB
}

// NewPostgresNotificationRepository creates a new PostgreSQL notification repository.
func NewPostgresNotificationRepository(db *sql.DB) *PostgresNotificationRepository {
	return &PostgresNotificationRepository{db: db}
}

// Create stores a new notification.
func (r *PostgresNotificationRepository) Create(ctx context.Context, n models.Notification) error {
	query := `
		INSERT INTO notifications (
			id, recipient, subject, body, type, status, error_message,
			event_type, symbol, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		n.ID,
		n.Recipient,
		n.Subject,
		n.Body,
		string(n.Type),
		string(n.Status),
		nullString(n.ErrorMessage),
		string(n.EventType),
		n.Symbol,
		n.CreatedAt,
		nullTime(n.CompletedAt),
	)
	if err != nil {
		return classify("create notification", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return classify("create notification", err)
	}
	if affected == 0 {
		return fmt.Errorf("create notification %s: %w", n.ID, store.ErrDuplicate)
	}
	return nil
}

// Complete records the delivery outcome. The update only applies while the
// row is still PENDING, so an outcome is written exactly once.
func (r *PostgresNotificationRepository) Complete(ctx context.Context, id string, status models.NotificationStatus, errorMessage *string, completedAt time.Time) error {
	query := `
		UPDATE notifications
		SET status = $2, error_message = $3, completed_at = $4
		WHERE id = $1 AND status = 'PENDING'
	`

	result, err := r.db.ExecContext(ctx, query, id, string(status), nullString(errorMessage), completedAt)
	if err != nil {
		return classify("complete notification", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return classify("complete notification", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists); err != nil {
		return classify("complete notification", err)
	}
	if !exists {
		return fmt.Errorf("complete notification %s: %w", id, store.ErrNotFound)
	}
	return fmt.Errorf("complete notification %s: %w", id, notify.ErrAlreadyCompleted)
}

// Get retrieves a notification by id.
func (r *PostgresNotificationRepository) Get(ctx context.Context, id string) (models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.Notification{}, classify("get notification", err)
	}
	return n, nil
}

// ListByRecipient returns the newest notifications for a recipient.
func (r *PostgresNotificationRepository) ListByRecipient(ctx context.Context, recipient string, limit int) ([]models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications
		WHERE recipient = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, recipient, limit)
	if err != nil {
		return nil, classify("list notifications", err)
	}
	defer rows.Close()

	notifications := make([]models.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, classify("list notifications", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list notifications", err)
	}
	return notifications, nil
}

func scanNotification(row rowScanner) (models.Notification, error) {
	var (
		n            models.Notification
		channel      string
		status       string
		errorMessage sql.NullString
		eventType    string
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&n.ID,
		&n.Recipient,
		&n.Subject,
		&n.Body,
		&channel,
		&status,
		&errorMessage,
		&eventType,
		&n.Symbol,
		&n.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return models.Notification{}, err
	}

	n.Type = models.NotificationType(channel)
	n.Status = models.NotificationStatus(status)
	n.ErrorMessage = stringPtr(errorMessage)
	n.EventType = models.JobEventType(eventType)
	n.CompletedAt = timePtr(completedAt)
	return n, nil
}

// PostgresSettingsRepository implements notify.SettingsRepository using PostgreSQL.
type PostgresSettingsRepository struct {
	db *sql.DB
}

// NewPostgresSettingsRepository creates a new PostgreSQL settings repository.
func NewPostgresSettingsRepository(db *sql.DB) *PostgresSettingsRepository {
	return &PostgresSettingsRepository{db: db}
}

// ListMatching returns enabled settings subscribed to category whose symbol
// filter is empty or contains symbol.
func (r *PostgresSettingsRepository) ListMatching(ctx context.Context, category models.EventCategory, symbol string) ([]models.NotificationSetting, error) {
	query := `
		SELECT user_id, type, device_type, address, categories, symbols, enabled
		FROM notification_settings
		WHERE enabled
		  AND $1 = ANY(categories)
		  AND (cardinality(symbols) = 0 OR $2 = ANY(symbols))
		ORDER BY user_id, type, device_type
	`

	rows, err := r.db.QueryContext(ctx, query, string(category), symbol)
	if err != nil {
		return nil, classify("list notification settings", err)
	}
	defer rows.Close()

	settings := make([]models.NotificationSetting, 0)
	for rows.Next() {
		var (
			s          models.NotificationSetting
			channel    string
			deviceType string
			categories pq.StringArray
			symbols    pq.StringArray
		)
		if err := rows.Scan(&s.UserID, &channel, &deviceType, &s.Address, &categories, &symbols, &s.Enabled); err != nil {
			return nil, classify("list notification settings", err)
		}

		s.Type = models.NotificationType(channel)
		s.DeviceType = models.DeviceType(deviceType)
		s.Categories = make([]models.EventCategory, 0, len(categories))
		for _, c := range categories {
			s.Categories = append(s.Categories, models.EventCategory(c))
		}
		if len(symbols) > 0 {
			s.Symbols = []string(symbols)
		}
		settings = append(settings, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list notification settings", err)
	}
	return settings, nil
}

// Save creates or replaces the setting keyed by user, channel and device.
func (r *PostgresSettingsRepository) Save(ctx context.Context, setting models.NotificationSetting) error {
	categories := make(pq.StringArray, 0, len(setting.Categories))
	for _, c := range setting.Categories {
		categories = append(categories, string(c))
	}
	symbols := pq.StringArray(setting.Symbols)
	if symbols == nil {
		symbols = pq.StringArray{}
	}

	query := `
		INSERT INTO notification_settings (
			user_id, type, device_type, address, categories, symbols, enabled, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (user_id, type, device_type) DO UPDATE SET
			address = EXCLUDED.address,
			categories = EXCLUDED.categories,
			symbols = EXCLUDED.symbols,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		setting.UserID,
		string(setting.Type),
		string(setting.DeviceType),
		setting.Address,
		categories,
		symbols,
		setting.Enabled,
	)
	if err != nil {
		return classify("save notification setting", err)
	}
	return nil
}
