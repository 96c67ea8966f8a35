package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/stockapp/crawlsync/internal/models"
	"github.com/stockapp/crawlsync/internal/notify"
	"github.com/stockapp/crawlsync/internal/store"
)

func TestNotificationRepository_Create(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()

	created := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO notifications").
		WithArgs("7f1c", "alice@example.com", "AAPL crawl failed", "body", "EMAIL", "PENDING", nil,
			"JobFailed", "AAPL", created, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewPostgresNotificationRepository(db).Create(context.Background(), models.Notification{
		ID:        "7f1c",
		Recipient: "alice@example.com",
		Subject:   "AAPL crawl failed",
		Body:      "body",
		Type:      models.NotificationTypeEmail,
		Status:    models.NotificationStatusPending,
		EventType: models.JobEventFailed,
		Symbol:    "AAPL",
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
}

func TestNotificationRepository_Complete(t *testing.T) {
	completed := time.Date(2026, 3, 2, 12, 0, 5, 0, time.UTC)
	message := "smtp: connection refused"

	tests := []struct {
		name    string
		setup   func(sqlmock.Sqlmock)
		wantErr error
	}{
		{
			name: "pending row updated",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE notifications SET (.+) WHERE id = \$1 AND status = 'PENDING'`).
					WithArgs("n-1", "FAILED", message, completed).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "already completed",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE notifications").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT EXISTS").
					WithArgs("n-1").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
			},
			wantErr: notify.ErrAlreadyCompleted,
		},
		{
			name: "missing row",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE notifications").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery("SELECT EXISTS").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
			},
			wantErr: store.ErrNotFound,
		},
		{
			name: "database shutting down",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE notifications").
					WillReturnError(&pq.Error{Code: "57P01", Message: "terminating connection due to administrator command"})
			},
			wantErr: store.ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, done := newMock(t)
			defer done()
			tt.setup(mock)

			err := NewPostgresNotificationRepository(db).Complete(context.Background(), "n-1",
				models.NotificationStatusFailed, &message, completed)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNotificationRepository_ListByRecipient(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()

	created := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	completed := created.Add(time.Second)
	columns := []string{"id", "recipient", "subject", "body", "type", "status", "error_message",
		"event_type", "symbol", "created_at", "completed_at"}
	mock.ExpectQuery(`FROM notifications(.+)ORDER BY created_at DESC`).
		WithArgs("alice", 10).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("n-2", "alice", "s", "b", "IN_APP", "SENT", nil, "JobSucceeded", "AAPL", completed, completed).
			AddRow("n-1", "alice", "s", "b", "IN_APP", "PENDING", nil, "JobFailed", "AAPL", created, nil))

	list, err := NewPostgresNotificationRepository(db).ListByRecipient(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("ListByRecipient returned error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(list))
	}
	if list[0].Status != models.NotificationStatusSent || list[0].CompletedAt == nil {
		t.Errorf("unexpected first notification %+v", list[0])
	}
	if list[1].Status != models.NotificationStatusPending || list[1].CompletedAt != nil {
		t.Errorf("unexpected second notification %+v", list[1])
	}
}

func TestSettingsRepository_ListMatching(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()

	columns := []string{"user_id", "type", "device_type", "address", "categories", "symbols", "enabled"}
	mock.ExpectQuery(`\$1 = ANY\(categories\)(.+)cardinality\(symbols\) = 0 OR \$2 = ANY\(symbols\)`).
		WithArgs("JOB_FAILED", "AAPL").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("alice", "EMAIL", "", "alice@example.com", "{JOB_FAILED,JOB_RECOVERED}", "{}", true).
			AddRow("bob", "PUSH", "MOBILE_IOS", "", "{JOB_FAILED}", "{AAPL,MSFT}", true))

	settings, err := NewPostgresSettingsRepository(db).ListMatching(context.Background(), models.CategoryJobFailed, "AAPL")
	if err != nil {
		t.Fatalf("ListMatching returned error: %v", err)
	}
	if len(settings) != 2 {
		t.Fatalf("expected 2 settings, got %d", len(settings))
	}

	alice, bob := settings[0], settings[1]
	if alice.Destination() != "alice@example.com" || len(alice.Categories) != 2 || alice.Symbols != nil {
		t.Errorf("unexpected alice setting %+v", alice)
	}
	if bob.DeviceType != models.DeviceTypeMobileIOS || bob.Destination() != "bob" || len(bob.Symbols) != 2 {
		t.Errorf("unexpected bob setting %+v", bob)
	}
	if !bob.Matches(models.CategoryJobFailed, "AAPL") {
		t.Error("expected scanned setting to match the queried event")
	}
}

func TestSettingsRepository_Save(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()

	mock.ExpectExec(`INSERT INTO notification_settings(.+)ON CONFLICT \(user_id, type, device_type\) DO UPDATE`).
		WithArgs("alice", "SMS", "", "+15550100", sqlmock.AnyArg(), sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewPostgresSettingsRepository(db).Save(context.Background(), models.NotificationSetting{
		UserID:     "alice",
		Type:       models.NotificationTypeSMS,
		Address:    "+15550100",
		Categories: []models.EventCategory{models.CategoryJobFailed},
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
}
