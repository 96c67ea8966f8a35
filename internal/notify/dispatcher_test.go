package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stockapp/crawlsync/internal/models"
	"github.com/stockapp/crawlsync/internal/store"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]error
	delay time.Duration
}

func (s *recordingSender) Send(ctx context.Context, recipient, subject, body string) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := s.fail[recipient]; err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, recipient)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func newTestDispatcher(settings SettingsRepository, notifications NotificationRepository, senders map[models.NotificationType]Sender) *Dispatcher {
	d := NewDispatcher(settings, notifications, senders, testLogger(), nil, Config{SendTimeout: 200 * time.Millisecond})
	var seq atomic.Int64
	d.newID = func() string { return fmt.Sprintf("n-%d", seq.Add(1)) }
	d.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }
	return d
}

func saveSettings(t *testing.T, repo SettingsRepository, settings ...models.NotificationSetting) {
	t.Helper()
	for _, s := range settings {
		if err := repo.Save(context.Background(), s); err != nil {
			t.Fatalf("Save returned error: %v", err)
		}
	}
}

func failedEvent(symbol string) models.JobEvent {
	return models.JobEvent{
		Type:       models.JobEventFailed,
		Symbol:     symbol,
		OccurredAt: time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC),
		ErrorLog:   "upstream returned 503",
	}
}

func TestDispatcher_FanOutAcrossChannels(t *testing.T) {
	settings := NewMemorySettingsRepository()
	notifications := NewMemoryNotificationRepository()
	failures := []models.EventCategory{models.CategoryJobFailed}

	saveSettings(t, settings,
		models.NotificationSetting{UserID: "alice", Type: models.NotificationTypeEmail, Address: "alice@example.com", Categories: failures, Enabled: true},
		models.NotificationSetting{UserID: "bob", Type: models.NotificationTypeEmail, Address: "bob@example.com", Categories: failures, Enabled: true},
		models.NotificationSetting{UserID: "carol", Type: models.NotificationTypePush, Address: "12345", Categories: failures, Enabled: true},
		// Not subscribed: disabled, wrong category, wrong symbol.
		models.NotificationSetting{UserID: "dave", Type: models.NotificationTypeEmail, Categories: failures, Enabled: false},
		models.NotificationSetting{UserID: "erin", Type: models.NotificationTypeEmail, Categories: []models.EventCategory{models.CategoryJobRecovered}, Enabled: true},
		models.NotificationSetting{UserID: "frank", Type: models.NotificationTypePush, Categories: failures, Symbols: []string{"MSFT"}, Enabled: true},
	)

	email := &recordingSender{fail: map[string]error{"bob@example.com": errors.New("mailbox unavailable")}}
	push := &recordingSender{}
	d := newTestDispatcher(settings, notifications, map[models.NotificationType]Sender{
		models.NotificationTypeEmail: email,
		models.NotificationTypePush:  push,
	})

	result, err := d.Dispatch(context.Background(), failedEvent("AAPL"))
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(result))
	}
	if notifications.Len() != 3 {
		t.Errorf("expected 3 stored notifications, got %d", notifications.Len())
	}

	statuses := make(map[string]models.NotificationStatus)
	for _, n := range result {
		statuses[n.Recipient] = n.Status
		stored, err := notifications.Get(context.Background(), n.ID)
		if err != nil {
			t.Fatalf("Get(%s) returned error: %v", n.ID, err)
		}
		if stored.Status != n.Status {
			t.Errorf("stored status %s differs from returned %s", stored.Status, n.Status)
		}
		if stored.CompletedAt == nil {
			t.Errorf("expected completedAt on %s", n.ID)
		}
		if !strings.Contains(stored.Subject, "AAPL crawl failed") {
			t.Errorf("unexpected subject %q", stored.Subject)
		}
	}

	want := map[string]models.NotificationStatus{
		"alice@example.com": models.NotificationStatusSent,
		"bob@example.com":   models.NotificationStatusFailed,
		"12345":             models.NotificationStatusSent,
	}
	for recipient, status := range want {
		if statuses[recipient] != status {
			t.Errorf("recipient %s: expected %s, got %s", recipient, status, statuses[recipient])
		}
	}

	for _, n := range result {
		if n.Recipient != "bob@example.com" {
			continue
		}
		if n.ErrorMessage == nil || !strings.Contains(*n.ErrorMessage, "mailbox unavailable") {
			t.Errorf("expected error message to be recorded, got %v", n.ErrorMessage)
		}
	}
}

func TestDispatcher_MissingSenderFails(t *testing.T) {
	settings := NewMemorySettingsRepository()
	notifications := NewMemoryNotificationRepository()
	saveSettings(t, settings, models.NotificationSetting{
		UserID:     "alice",
		Type:       models.NotificationTypeSMS,
		Address:    "+15550100",
		Categories: []models.EventCategory{models.CategoryJobFailed},
		Enabled:    true,
	})

	d := newTestDispatcher(settings, notifications, nil)
	result, err := d.Dispatch(context.Background(), failedEvent("AAPL"))
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(result) != 1 || result[0].Status != models.NotificationStatusFailed {
		t.Fatalf("expected one FAILED notification, got %+v", result)
	}
	if !strings.Contains(*result[0].ErrorMessage, ErrNoSender.Error()) {
		t.Errorf("expected %q in error message, got %q", ErrNoSender, *result[0].ErrorMessage)
	}
}

func TestDispatcher_SlowSenderTimesOut(t *testing.T) {
	settings := NewMemorySettingsRepository()
	notifications := NewMemoryNotificationRepository()
	failures := []models.EventCategory{models.CategoryJobFailed}
	saveSettings(t, settings,
		models.NotificationSetting{UserID: "slow", Type: models.NotificationTypeEmail, Categories: failures, Enabled: true},
		models.NotificationSetting{UserID: "fast", Type: models.NotificationTypePush, Categories: failures, Enabled: true},
	)

	d := newTestDispatcher(settings, notifications, map[models.NotificationType]Sender{
		models.NotificationTypeEmail: &recordingSender{delay: 5 * time.Second},
		models.NotificationTypePush:  &recordingSender{},
	})

	start := time.Now()
	result, err := d.Dispatch(context.Background(), failedEvent("AAPL"))
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("dispatch blocked for %v despite send timeout", elapsed)
	}

	for _, n := range result {
		switch n.Recipient {
		case "slow":
			if n.Status != models.NotificationStatusFailed {
				t.Errorf("expected slow delivery to fail, got %s", n.Status)
			}
			if n.ErrorMessage == nil || !strings.Contains(*n.ErrorMessage, "deadline exceeded") {
				t.Errorf("expected deadline error, got %v", n.ErrorMessage)
			}
		case "fast":
			if n.Status != models.NotificationStatusSent {
				t.Errorf("expected fast delivery to succeed, got %s", n.Status)
			}
		}
	}
}

func TestDispatcher_CategoryRouting(t *testing.T) {
	settings := NewMemorySettingsRepository()
	notifications := NewMemoryNotificationRepository()
	saveSettings(t, settings,
		models.NotificationSetting{UserID: "ops", Type: models.NotificationTypeInApp, Categories: []models.EventCategory{models.CategoryJobRecovered}, Enabled: true},
		models.NotificationSetting{UserID: "audit", Type: models.NotificationTypeInApp, Categories: []models.EventCategory{models.CategoryJobSucceeded}, Enabled: true},
	)
	inbox := &recordingSender{}
	d := newTestDispatcher(settings, notifications, map[models.NotificationType]Sender{models.NotificationTypeInApp: inbox})

	recovered := models.JobEvent{Type: models.JobEventSucceeded, Symbol: "AAPL", PreviousStatus: models.JobStatusFailed}
	result, err := d.Dispatch(context.Background(), recovered)
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(result) != 1 || result[0].Recipient != "ops" {
		t.Fatalf("expected recovery to reach ops only, got %+v", result)
	}

	succeeded := models.JobEvent{Type: models.JobEventSucceeded, Symbol: "AAPL", PreviousStatus: models.JobStatusSucceeded}
	result, err = d.Dispatch(context.Background(), succeeded)
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(result) != 1 || result[0].Recipient != "audit" {
		t.Fatalf("expected success to reach audit only, got %+v", result)
	}
}

func TestDispatcher_NoSubscribers(t *testing.T) {
	notifications := NewMemoryNotificationRepository()
	d := newTestDispatcher(NewMemorySettingsRepository(), notifications, nil)

	result, err := d.Dispatch(context.Background(), failedEvent("AAPL"))
	if err != nil || len(result) != 0 {
		t.Fatalf("expected no notifications, got %v, %v", result, err)
	}
	if notifications.Len() != 0 {
		t.Errorf("expected nothing stored, got %d", notifications.Len())
	}
}

type brokenSettings struct{}

func (brokenSettings) ListMatching(ctx context.Context, category models.EventCategory, symbol string) ([]models.NotificationSetting, error) {
	return nil, store.Unavailable("list settings", errors.New("connection refused"))
}

func (brokenSettings) Save(ctx context.Context, setting models.NotificationSetting) error {
	return nil
}

func TestDispatcher_SettingsUnavailable(t *testing.T) {
	d := newTestDispatcher(brokenSettings{}, NewMemoryNotificationRepository(), nil)
	if _, err := d.Dispatch(context.Background(), failedEvent("AAPL")); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestMemoryNotificationRepository_CompleteIsOneWay(t *testing.T) {
	repo := NewMemoryNotificationRepository()
	ctx := context.Background()
	now := time.Now()

	if err := repo.Create(ctx, models.Notification{ID: "n-1", Status: models.NotificationStatusPending}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	msg := "bounced"
	if err := repo.Complete(ctx, "n-1", models.NotificationStatusFailed, &msg, now); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if err := repo.Complete(ctx, "n-1", models.NotificationStatusSent, nil, now); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if err := repo.Complete(ctx, "missing", models.NotificationStatusSent, nil, now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.Create(ctx, models.Notification{ID: "n-1"}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	stored, _ := repo.Get(ctx, "n-1")
	if stored.Status != models.NotificationStatusFailed {
		t.Errorf("expected FAILED to stick, got %s", stored.Status)
	}
}

func TestDispatcher_RunConsumesUntilClosed(t *testing.T) {
	settings := NewMemorySettingsRepository()
	notifications := NewMemoryNotificationRepository()
	saveSettings(t, settings, models.NotificationSetting{
		UserID:     "alice",
		Type:       models.NotificationTypeInApp,
		Categories: []models.EventCategory{models.CategoryJobFailed},
		Enabled:    true,
	})
	inbox := &recordingSender{}
	d := newTestDispatcher(settings, notifications, map[models.NotificationType]Sender{models.NotificationTypeInApp: inbox})

	events := make(chan models.JobEvent, 5)
	for _, symbol := range []string{"AAPL", "MSFT", "NVDA"} {
		events <- failedEvent(symbol)
	}
	close(events)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), events, 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}

	if notifications.Len() != 3 {
		t.Errorf("expected 3 notifications, got %d", notifications.Len())
	}
	list, _ := notifications.ListByRecipient(context.Background(), "alice", 10)
	if len(list) != 3 {
		t.Errorf("expected 3 notifications for alice, got %d", len(list))
	}
}
