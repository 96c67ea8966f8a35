package crawljob

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stockapp/crawlsync/internal/models"
	"github.com/stockapp/crawlsync/internal/store"
)

const (
	maxCASAttempts      = 5
	defaultDuePageSize  = 50
	recoveryBatchSize   = 100
	interruptedErrorLog = "interrupted: crawl cycle exceeded stale threshold"
)

// EventPublisher receives job outcome events.
type EventPublisher interface {
	Publish(ctx context.Context, event models.JobEvent) error
}

// Config controls tracker bookkeeping.
type Config struct {
	MaxErrorLogBytes int           // errorLog is truncated to this many bytes
	FailureBackoff   time.Duration // Base delay after a failure; zero disables back-off
	MaxBackoff       time.Duration
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		MaxErrorLogBytes: 4096,
		MaxBackoff:       24 * time.Hour,
	}
}

// Tracker owns the per-symbol crawl job state machine.
//
// RUNNING is the only transient state; SUCCEEDED, FAILED and PAUSED are rest
// states between cycles. Every write is a compare-and-set on the record
// version, so two callers can never both own a symbol's cycle.
type Tracker struct {
	repo   Repository
	events EventPublisher
	logger *slog.Logger
	config Config
	now    func() time.Time
}

// NewTracker creates a tracker. events may be nil.
func NewTracker(repo Repository, events EventPublisher, logger *slog.Logger, config Config) *Tracker {
	if config.MaxErrorLogBytes <= 0 {
		config.MaxErrorLogBytes = DefaultConfig().MaxErrorLogBytes
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultConfig().MaxBackoff
	}
	return &Tracker{
		repo:   repo,
		events: events,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// NormalizeSymbol returns the canonical record key for a ticker: trimmed and
// upper-cased, matching the symbol stamped on crawled news.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Get returns the current record for symbol.
func (t *Tracker) Get(ctx context.Context, symbol string) (models.CrawlJobState, error) {
	symbol = NormalizeSymbol(symbol)
	job, err := t.repo.Get(ctx, symbol)
	if err != nil {
		return models.CrawlJobState{}, fmt.Errorf("get crawl job %s: %w", symbol, err)
	}
	return job, nil
}

// BeginCycle claims the symbol for a new crawl cycle, creating the record on
// first use. It fails with ErrAlreadyRunning if a cycle is in flight.
func (t *Tracker) BeginCycle(ctx context.Context, symbol string) (models.CrawlJobState, error) {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return models.CrawlJobState{}, errors.New("begin cycle: symbol is required")
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		now := t.now()

		current, err := t.repo.Get(ctx, symbol)
		if errors.Is(err, store.ErrNotFound) {
			created, err := t.repo.Upsert(ctx, models.CrawlJobState{
				Symbol:         symbol,
				Status:         models.JobStatusRunning,
				CycleStartedAt: &now,
			}, store.NoVersion)
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return models.CrawlJobState{}, fmt.Errorf("begin cycle for %s: %w", symbol, err)
			}
			t.logger.Debug("crawl job created", "symbol", symbol)
			return created, nil
		}
		if err != nil {
			return models.CrawlJobState{}, fmt.Errorf("begin cycle for %s: %w", symbol, err)
		}

		switch current.Status {
		case models.JobStatusRunning:
			return current, ErrAlreadyRunning
		case models.JobStatusPaused:
			return current, &TransitionError{Symbol: symbol, From: current.Status, To: models.JobStatusRunning}
		}

		next := current
		next.Status = models.JobStatusRunning
		next.ErrorLog = nil
		next.CycleStartedAt = &now

		saved, err := t.repo.Upsert(ctx, next, current.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return models.CrawlJobState{}, fmt.Errorf("begin cycle for %s: %w", symbol, err)
		}
		return saved, nil
	}

	return models.CrawlJobState{}, fmt.Errorf("begin cycle for %s: %w", symbol, store.ErrVersionConflict)
}

// ReportSuccess completes a RUNNING cycle successfully.
func (t *Tracker) ReportSuccess(ctx context.Context, symbol string, timestamp time.Time) (models.CrawlJobState, error) {
	symbol = NormalizeSymbol(symbol)
	var previous models.JobStatus

	saved, err := t.transition(ctx, symbol, models.JobStatusSucceeded, func(job *models.CrawlJobState) error {
		if job.Status != models.JobStatusRunning {
			return &TransitionError{Symbol: symbol, From: job.Status, To: models.JobStatusSucceeded}
		}
		previous = priorOutcome(*job)

		ts := timestamp
		job.Status = models.JobStatusSucceeded
		job.LastSuccessfulTimestamp = &ts
		job.ErrorLog = nil
		job.ConsecutiveFailures = 0
		job.NextAttemptAt = nil
		return nil
	})
	if err != nil {
		return saved, err
	}

	t.publish(ctx, models.JobEvent{
		Type:                    models.JobEventSucceeded,
		Symbol:                  symbol,
		OccurredAt:              t.now(),
		PreviousStatus:          previous,
		LastSuccessfulTimestamp: saved.LastSuccessfulTimestamp,
	})
	return saved, nil
}

// ReportFailure completes a RUNNING cycle with an error. The last successful
// timestamp is left untouched.
func (t *Tracker) ReportFailure(ctx context.Context, symbol string, errorDetail string) (models.CrawlJobState, error) {
	symbol = NormalizeSymbol(symbol)
	var previous models.JobStatus

	saved, err := t.transition(ctx, symbol, models.JobStatusFailed, func(job *models.CrawlJobState) error {
		if job.Status != models.JobStatusRunning {
			return &TransitionError{Symbol: symbol, From: job.Status, To: models.JobStatusFailed}
		}
		previous = priorOutcome(*job)
		t.markFailed(job, errorDetail, true)
		return nil
	})
	if err != nil {
		return saved, err
	}

	t.publish(ctx, models.JobEvent{
		Type:                    models.JobEventFailed,
		Symbol:                  symbol,
		OccurredAt:              t.now(),
		PreviousStatus:          previous,
		ErrorLog:                saved.ErrorText(),
		LastSuccessfulTimestamp: saved.LastSuccessfulTimestamp,
	})
	return saved, nil
}

// Pause suspends scheduling of the symbol from the next cycle on.
func (t *Tracker) Pause(ctx context.Context, symbol string) (models.CrawlJobState, error) {
	symbol = NormalizeSymbol(symbol)
	return t.transition(ctx, symbol, models.JobStatusPaused, func(job *models.CrawlJobState) error {
		switch job.Status {
		case models.JobStatusRunning:
			return &TransitionError{Symbol: symbol, From: job.Status, To: models.JobStatusPaused}
		case models.JobStatusPaused:
			return errUnchanged
		}
		job.PausedFrom = job.Status
		job.Status = models.JobStatusPaused
		return nil
	})
}

// Resume restores a paused symbol to the rest state it was paused from.
func (t *Tracker) Resume(ctx context.Context, symbol string) (models.CrawlJobState, error) {
	symbol = NormalizeSymbol(symbol)
	return t.transition(ctx, symbol, "", func(job *models.CrawlJobState) error {
		if job.Status != models.JobStatusPaused {
			return &TransitionError{Symbol: symbol, From: job.Status, To: job.PausedFrom}
		}
		restored := job.PausedFrom
		if !restored.IsSchedulable() {
			restored = models.JobStatusFailed
		}
		job.Status = restored
		job.PausedFrom = ""
		return nil
	})
}

// ListDue lazily yields symbols eligible for a new cycle, stalest first.
// Symbols whose cycle begins after iteration starts are not yielded again.
func (t *Tracker) ListDue(ctx context.Context, pageSize int) iter.Seq2[string, error] {
	if pageSize <= 0 {
		pageSize = defaultDuePageSize
	}

	return func(yield func(string, error) bool) {
		query := models.DueQuery{AsOf: t.now(), Limit: pageSize}
		if t.config.FailureBackoff > 0 {
			at := query.AsOf
			query.NotBackingOffAt = &at
		}

		for {
			page, err := t.repo.ListDue(ctx, query)
			if err != nil {
				yield("", fmt.Errorf("list due crawl jobs: %w", err))
				return
			}

			for _, job := range page {
				if !yield(job.Symbol, nil) {
					return
				}
			}

			if len(page) < pageSize {
				return
			}
			cursor := models.CursorFor(page[len(page)-1])
			query.After = &cursor
		}
	}
}

// RecoverStale force-fails RUNNING records whose cycle started more than
// threshold ago, so an abandoned cycle cannot lock a symbol out forever.
func (t *Tracker) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := t.now().Add(-threshold)
	recovered := 0
	seen := make(map[string]bool)

	for {
		stale, err := t.repo.ListRunningSince(ctx, cutoff, recoveryBatchSize)
		if err != nil {
			return recovered, fmt.Errorf("list stale crawl jobs: %w", err)
		}

		progressed := false
		for _, job := range stale {
			if seen[job.Symbol] {
				continue
			}
			seen[job.Symbol] = true
			progressed = true

			if err := t.recoverOne(ctx, job.Symbol, cutoff); err != nil {
				if store.IsUnavailable(err) {
					return recovered, err
				}
				t.logger.Warn("failed to recover stale crawl job", "symbol", job.Symbol, "error", err)
				continue
			}
			recovered++
		}

		if !progressed || len(stale) < recoveryBatchSize {
			break
		}
	}

	if recovered > 0 {
		t.logger.Info("recovered stale crawl cycles", "count", recovered, "threshold", threshold)
	}
	return recovered, nil
}

func (t *Tracker) recoverOne(ctx context.Context, symbol string, cutoff time.Time) error {
	var previous models.JobStatus

	saved, err := t.transition(ctx, symbol, models.JobStatusFailed, func(job *models.CrawlJobState) error {
		// The cycle may have finished or restarted since the listing.
		if job.Status != models.JobStatusRunning {
			return errUnchanged
		}
		if job.CycleStartedAt != nil && !job.CycleStartedAt.Before(cutoff) {
			return errUnchanged
		}
		previous = priorOutcome(*job)
		t.markFailed(job, interruptedErrorLog, false)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}

	t.logger.Warn("crawl cycle interrupted", "symbol", symbol, "cycle_started_at", formatTime(saved.CycleStartedAt))
	t.publish(ctx, models.JobEvent{
		Type:                    models.JobEventFailed,
		Symbol:                  symbol,
		OccurredAt:              t.now(),
		PreviousStatus:          previous,
		ErrorLog:                saved.ErrorText(),
		LastSuccessfulTimestamp: saved.LastSuccessfulTimestamp,
	})
	return nil
}

// errUnchanged signals that a mutation is a no-op and nothing should be written.
var errUnchanged = errors.New("crawl job unchanged")

// transition reads, mutates and CAS-writes the record, retrying on version conflicts.
func (t *Tracker) transition(ctx context.Context, symbol string, to models.JobStatus, mutate func(*models.CrawlJobState) error) (models.CrawlJobState, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := t.repo.Get(ctx, symbol)
		if errors.Is(err, store.ErrNotFound) {
			if to == models.JobStatusPaused || to == "" {
				return models.CrawlJobState{}, fmt.Errorf("crawl job %s: %w", symbol, store.ErrNotFound)
			}
			return models.CrawlJobState{}, &TransitionError{Symbol: symbol, To: to}
		}
		if err != nil {
			return models.CrawlJobState{}, fmt.Errorf("get crawl job %s: %w", symbol, err)
		}

		next := current
		if err := mutate(&next); err != nil {
			if errors.Is(err, errUnchanged) && to == models.JobStatusPaused {
				return current, nil
			}
			return current, err
		}

		saved, err := t.repo.Upsert(ctx, next, current.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return current, fmt.Errorf("update crawl job %s: %w", symbol, err)
		}
		return saved, nil
	}

	return models.CrawlJobState{}, fmt.Errorf("update crawl job %s: %w", symbol, store.ErrVersionConflict)
}

func (t *Tracker) markFailed(job *models.CrawlJobState, detail string, backoff bool) {
	msg := truncateUTF8(detail, t.config.MaxErrorLogBytes)
	job.Status = models.JobStatusFailed
	job.ErrorLog = &msg
	job.ConsecutiveFailures++

	if backoff && t.config.FailureBackoff > 0 {
		next := t.now().Add(t.backoffFor(job.ConsecutiveFailures))
		job.NextAttemptAt = &next
	}
}

// backoffFor doubles the base delay per consecutive failure, capped at MaxBackoff.
func (t *Tracker) backoffFor(failures int) time.Duration {
	delay := t.config.FailureBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= t.config.MaxBackoff {
			return t.config.MaxBackoff
		}
	}
	return min(delay, t.config.MaxBackoff)
}

func (t *Tracker) publish(ctx context.Context, event models.JobEvent) {
	if t.events == nil {
		return
	}
	if err := t.events.Publish(ctx, event); err != nil {
		t.logger.Error("failed to publish job event",
			"symbol", event.Symbol,
			"event_type", event.Type,
			"error", err,
		)
	}
}

// priorOutcome is the rest state the symbol held before the running cycle.
func priorOutcome(job models.CrawlJobState) models.JobStatus {
	switch {
	case job.ConsecutiveFailures > 0:
		return models.JobStatusFailed
	case job.LastSuccessfulTimestamp != nil:
		return models.JobStatusSucceeded
	default:
		return ""
	}
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
