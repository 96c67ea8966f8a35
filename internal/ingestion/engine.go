package ingestion

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/stockapp/crawlsync/internal/metrics"
	"github.com/stockapp/crawlsync/internal/models"
	"github.com/stockapp/crawlsync/internal/store"
)

const (
	defaultRetentionDays = 30
	defaultPageSize      = 20
	maxPageSize          = 200
)

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
var ErrInvalidCursor = errors.New("invalid news cursor")

// ValidationError reports a news item rejected before storage.
type ValidationError struct {
	UUID  string
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.UUID == "" {
		return fmt.Sprintf("invalid news item: %s %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("invalid news item %s: %s %s", e.UUID, e.Field, e.Msg)
}

// EntityExtractor derives named entities from a stored news item.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, item models.NewsItem) ([]models.NewsEntity, error)
}

// EngineConfig tunes retention and listing defaults.
type EngineConfig struct {
	RetentionDays int
}

// BatchResult summarises one IngestBatch call.
type BatchResult struct {
	Created   []string // UUIDs of newly stored items
	Duplicate int
	Invalid   int
	Failed    int
}

// Engine deduplicates, stores, lists and expires news items.
type Engine struct {
	repo      NewsRepository
	extractor EntityExtractor
	logger    *slog.Logger
	metrics   *metrics.Collector
	config    EngineConfig
	now       func() time.Time
}

// NewEngine creates a news ingestion engine. extractor and collector may be nil.
func NewEngine(repo NewsRepository, extractor EntityExtractor, logger *slog.Logger, collector *metrics.Collector, config EngineConfig) *Engine {
	if config.RetentionDays <= 0 {
		config.RetentionDays = defaultRetentionDays
	}
	return &Engine{
		repo:      repo,
		extractor: extractor,
		logger:    logger,
		metrics:   collector,
		config:    config,
		now:       time.Now,
	}
}

// Ingest stores item unless an item with the same uuid already exists, in
// which case the stored record is returned unchanged with created=false.
func (e *Engine) Ingest(ctx context.Context, item models.NewsItem) (models.NewsItem, bool, error) {
	if item.UUID != "" {
		existing, err := e.repo.GetByUUID(ctx, item.UUID)
		if err == nil {
			e.metrics.NewsIngested("duplicate")
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			e.metrics.NewsIngested("error")
			return models.NewsItem{}, false, fmt.Errorf("failed to look up news item %s: %w", item.UUID, err)
		}
	}

	if err := validate(item); err != nil {
		e.metrics.NewsIngested("invalid")
		return models.NewsItem{}, false, err
	}

	item.PublishedAt = item.PublishedAt.UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = e.now().UTC()
	}
	item.Entities = stampEntities(item.UUID, item.Entities)

	if err := e.repo.Create(ctx, item); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with a concurrent ingest of the same uuid.
			existing, getErr := e.repo.GetByUUID(ctx, item.UUID)
			if getErr != nil {
				e.metrics.NewsIngested("error")
				return models.NewsItem{}, false, fmt.Errorf("failed to read concurrently stored news item %s: %w", item.UUID, getErr)
			}
			e.metrics.NewsIngested("duplicate")
			return existing, false, nil
		}
		e.metrics.NewsIngested("error")
		return models.NewsItem{}, false, fmt.Errorf("failed to store news item %s: %w", item.UUID, err)
	}

	e.metrics.NewsIngested("created")
	return item, true, nil
}

// IngestBatch ingests items one at a time. A bad item never blocks the rest;
// only an unavailable store stops the batch, and that error is returned.
func (e *Engine) IngestBatch(ctx context.Context, items []models.NewsItem) (BatchResult, error) {
	var result BatchResult
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		_, created, err := e.Ingest(ctx, item)
		var validationErr *ValidationError
		switch {
		case err == nil && created:
			result.Created = append(result.Created, item.UUID)
		case err == nil:
			result.Duplicate++
		case errors.As(err, &validationErr):
			result.Invalid++
			e.logger.Warn("skipping invalid news item", "uuid", item.UUID, "error", err)
		case errors.Is(err, store.ErrUnavailable):
			result.Failed++
			return result, err
		default:
			result.Failed++
			e.logger.Error("failed to ingest news item", "uuid", item.UUID, "error", err)
		}
	}
	return result, nil
}

// FindLatest returns one page of items, newest first. cursor is the opaque
// NextCursor of the previous page, or empty for the first page.
func (e *Engine) FindLatest(ctx context.Context, pageSize int, cursor string) (models.NewsPage, error) {
	pageSize = clampPageSize(pageSize)

	var after *models.NewsCursor
	if cursor != "" {
		decoded, err := DecodeCursor(cursor)
		if err != nil {
			return models.NewsPage{}, err
		}
		after = &decoded
	}

	items, err := e.repo.ListLatest(ctx, after, pageSize+1)
	if err != nil {
		return models.NewsPage{}, fmt.Errorf("failed to list latest news: %w", err)
	}

	page := models.NewsPage{Items: items}
	if len(items) > pageSize {
		page.Items = items[:pageSize]
		last := page.Items[pageSize-1]
		page.NextCursor = EncodeCursor(models.NewsCursor{PublishedAt: last.PublishedAt, UUID: last.UUID})
	}
	return page, nil
}

// Latest iterates over all stored items newest first, fetching pageSize at a time.
func (e *Engine) Latest(ctx context.Context, pageSize int) iter.Seq2[models.NewsItem, error] {
	return func(yield func(models.NewsItem, error) bool) {
		cursor := ""
		for {
			page, err := e.FindLatest(ctx, pageSize, cursor)
			if err != nil {
				yield(models.NewsItem{}, err)
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			cursor = page.NextCursor
		}
	}
}

// FindBySymbol returns the newest items whose company or entities reference symbol.
func (e *Engine) FindBySymbol(ctx context.Context, symbol string, limit int) ([]models.NewsItem, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, &ValidationError{Field: "symbol", Msg: "is required"}
	}
	items, err := e.repo.ListBySymbol(ctx, symbol, clampPageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list news for %s: %w", symbol, err)
	}
	return items, nil
}

// DeleteOlderThan removes items published strictly before cutoff.
func (e *Engine) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	deleted, err := e.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete news older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	e.metrics.RetentionDeleted(deleted)
	return deleted, nil
}

// Sweep applies the retention window relative to the current time.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	cutoff := e.now().UTC().AddDate(0, 0, -e.config.RetentionDays)
	deleted, err := e.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		e.logger.Error("news retention sweep failed", "cutoff", cutoff, "error", err)
		return 0, err
	}
	e.logger.Info("news retention sweep completed",
		"cutoff", cutoff,
		"retention_days", e.config.RetentionDays,
		"deleted", deleted)
	return deleted, nil
}

// Enrich fills in entities for a stored item that has none. It is a no-op
// when no extractor is configured or the item already carries entities.
func (e *Engine) Enrich(ctx context.Context, uuid string) error {
	if e.extractor == nil {
		return nil
	}

	item, err := e.repo.GetByUUID(ctx, uuid)
	if err != nil {
		return fmt.Errorf("failed to load news item %s for enrichment: %w", uuid, err)
	}
	if len(item.Entities) > 0 {
		return nil
	}

	entities, err := e.extractor.ExtractEntities(ctx, item)
	if err != nil {
		return fmt.Errorf("failed to extract entities for %s: %w", uuid, err)
	}
	entities = stampEntities(uuid, entities)
	if len(entities) == 0 {
		return nil
	}

	if err := e.repo.UpdateEntities(ctx, uuid, entities); err != nil {
		return fmt.Errorf("failed to store entities for %s: %w", uuid, err)
	}
	e.logger.Debug("news item enriched", "uuid", uuid, "entities", len(entities))
	return nil
}

func validate(item models.NewsItem) error {
	if strings.TrimSpace(item.UUID) == "" {
		return &ValidationError{Field: "uuid", Msg: "is required"}
	}
	if item.PublishedAt.IsZero() {
		return &ValidationError{UUID: item.UUID, Field: "published_at", Msg: "is required"}
	}
	return nil
}

// stampEntities sets the parent back-reference and drops symbol-less entries.
func stampEntities(uuid string, entities []models.NewsEntity) []models.NewsEntity {
	if len(entities) == 0 {
		return nil
	}
	stamped := make([]models.NewsEntity, 0, len(entities))
	for _, entity := range entities {
		if strings.TrimSpace(entity.Symbol) == "" {
			continue
		}
		entity.NewsUUID = uuid
		stamped = append(stamped, entity)
	}
	return stamped
}

func clampPageSize(size int) int {
	if size <= 0 {
		return defaultPageSize
	}
	if size > maxPageSize {
		return maxPageSize
	}
	return size
}

// EncodeCursor renders a keyset position as an opaque token.
func EncodeCursor(c models.NewsCursor) string {
	raw := strconv.FormatInt(c.PublishedAt.UnixNano(), 10) + "|" + c.UUID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (models.NewsCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return models.NewsCursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	nanos, uuid, ok := strings.Cut(string(raw), "|")
	if !ok || uuid == "" {
		return models.NewsCursor{}, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return models.NewsCursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return models.NewsCursor{PublishedAt: time.Unix(0, n).UTC(), UUID: uuid}, nil
}
