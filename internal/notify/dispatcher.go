package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stockapp/crawlsync/internal/metrics"
	"github.com/stockapp/crawlsync/internal/models"
)

const defaultSendTimeout = 10 * time.Second

// ErrNoSender is recorded when no sender is registered for a channel.
var ErrNoSender = errors.New("no sender registered")

// Sender delivers a message over one channel.
type Sender interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, recipient, subject, body string) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, recipient, subject, body string) error {
	return f(ctx, recipient, subject, body)
}

// DeliveryError describes a failed channel send. It is recorded on the
// notification rather than returned from Dispatch.
type DeliveryError struct {
	Type      models.NotificationType
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.Type, e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Config tunes delivery.
type Config struct {
	SendTimeout time.Duration
}

// Dispatcher turns job events into per-recipient notifications.
type Dispatcher struct {
	settings      SettingsRepository
	notifications NotificationRepository
	senders       map[models.NotificationType]Sender
	logger        *slog.Logger
	metrics       *metrics.Collector
	config        Config
	now           func() time.Time
	newID         func() string
}

// NewDispatcher creates a dispatcher. senders maps each channel to its sender;
// channels without a sender produce FAILED notifications.
func NewDispatcher(
	settings SettingsRepository,
	notifications NotificationRepository,
	senders map[models.NotificationType]Sender,
	logger *slog.Logger,
	collector *metrics.Collector,
	config Config,
) *Dispatcher {
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaultSendTimeout
	}
	registered := make(map[models.NotificationType]Sender, len(senders))
	for channel, sender := range senders {
		if sender != nil {
			registered[channel] = sender
		}
	}
	return &Dispatcher{
		settings:      settings,
		notifications: notifications,
		senders:       registered,
		logger:        logger,
		metrics:       collector,
		config:        config,
		now:           time.Now,
		newID:         func() string { return uuid.New().String() },
	}
}

// Dispatch notifies every subscriber of event. Each matching setting yields
// one notification that is delivered independently of the others; the
// returned slice holds their final state. An error is returned only when
// subscribers could not be resolved or a record could not be persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.JobEvent) ([]models.Notification, error) {
	category := event.Category()
	settings, err := d.settings.ListMatching(ctx, category, event.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscribers for %s %s: %w", category, event.Symbol, err)
	}
	if len(settings) == 0 {
		return nil, nil
	}

	subject, body := renderMessage(event, category)

	var (
		pending []models.Notification
		errs    []error
		seen    = make(map[string]bool, len(settings))
	)
	for _, setting := range settings {
		recipient := setting.Destination()
		key := string(setting.Type) + "\x00" + recipient
		if seen[key] {
			continue
		}
		seen[key] = true

		n := models.Notification{
			ID:        d.newID(),
			Recipient: recipient,
			Subject:   subject,
			Body:      body,
			Type:      setting.Type,
			Status:    models.NotificationStatusPending,
			EventType: event.Type,
			Symbol:    event.Symbol,
			CreatedAt: d.now().UTC(),
		}
		if err := d.notifications.Create(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("failed to record notification for %s: %w", recipient, err))
			continue
		}
		pending = append(pending, n)
	}

	results := make([]models.Notification, len(pending))
	var wg sync.WaitGroup
	for i, n := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.deliver(ctx, n)
		}()
	}
	wg.Wait()

	for _, n := range results {
		if n.Status == models.NotificationStatusPending {
			errs = append(errs, fmt.Errorf("failed to record outcome of notification %s", n.ID))
		}
	}
	return results, errors.Join(errs...)
}

// deliver sends one notification and records the outcome. The returned value
// stays PENDING only if the outcome could not be persisted.
func (d *Dispatcher) deliver(ctx context.Context, n models.Notification) models.Notification {
	sendErr := d.send(ctx, n)

	status := models.NotificationStatusSent
	var errorMessage *string
	if sendErr != nil {
		status = models.NotificationStatusFailed
		msg := sendErr.Error()
		errorMessage = &msg
		d.logger.Warn("notification delivery failed",
			"id", n.ID,
			"type", n.Type,
			"recipient", n.Recipient,
			"symbol", n.Symbol,
			"error", sendErr)
	}

	completedAt := d.now().UTC()
	// The outcome is recorded even if the caller's context was cancelled mid-send.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.SendTimeout)
	defer cancel()
	if err := d.notifications.Complete(recordCtx, n.ID, status, errorMessage, completedAt); err != nil {
		d.logger.Error("failed to record notification outcome", "id", n.ID, "status", status, "error", err)
		return n
	}

	d.metrics.Notification(string(n.Type), string(status))
	n.Status = status
	n.ErrorMessage = errorMessage
	n.CompletedAt = &completedAt
	return n
}

func (d *Dispatcher) send(ctx context.Context, n models.Notification) error {
	sender, ok := d.senders[n.Type]
	if !ok {
		return &DeliveryError{Type: n.Type, Recipient: n.Recipient, Err: ErrNoSender}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sender.Send(sendCtx, n.Recipient, n.Subject, n.Body)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &DeliveryError{Type: n.Type, Recipient: n.Recipient, Err: err}
		}
		return nil
	case <-sendCtx.Done():
		return &DeliveryError{Type: n.Type, Recipient: n.Recipient, Err: sendCtx.Err()}
	}
}

// Run consumes events with the given number of workers until events is
// closed or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, events <-chan models.JobEvent, workers int) {
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-events:
					if !ok {
						return
					}
					d.handle(ctx, event)
				}
			}
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, event models.JobEvent) {
	notifications, err := d.Dispatch(ctx, event)
	if err != nil {
		d.logger.Error("dispatch failed", "symbol", event.Symbol, "type", event.Type, "error", err)
	}
	if len(notifications) > 0 {
		d.logger.Debug("dispatched notifications",
			"symbol", event.Symbol,
			"category", event.Category(),
			"count", len(notifications))
	}
}

func renderMessage(event models.JobEvent, category models.EventCategory) (string, string) {
	var subject string
	switch category {
	case models.CategoryJobFailed:
		subject = fmt.Sprintf("[crawlsync] %s crawl failed", event.Symbol)
	case models.CategoryJobRecovered:
		subject = fmt.Sprintf("[crawlsync] %s crawl recovered", event.Symbol)
	default:
		subject = fmt.Sprintf("[crawlsync] %s crawl succeeded", event.Symbol)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Symbol: %s\n", event.Symbol)
	fmt.Fprintf(&body, "Event: %s\n", category)
	if !event.OccurredAt.IsZero() {
		fmt.Fprintf(&body, "At: %s\n", event.OccurredAt.UTC().Format(time.RFC3339))
	}
	if event.LastSuccessfulTimestamp != nil {
		fmt.Fprintf(&body, "Last successful crawl: %s\n", event.LastSuccessfulTimestamp.UTC().Format(time.RFC3339))
	}
	if event.ErrorLog != "" {
		fmt.Fprintf(&body, "Error: %s\n", event.ErrorLog)
	}
	return subject, body.String()
}
