package ingestion

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stockapp/crawlsync/internal/models"
	"github.com/stockapp/crawlsync/internal/store"
)

// NewsRepository defines the interface for storing and retrieving news items.
type NewsRepository interface {
	// GetByUUID retrieves an item by its dedup key, or store.ErrNotFound.
	GetByUUID(ctx context.Context, uuid string) (models.NewsItem, error)

	// Create inserts a new item; store.ErrDuplicate if the uuid already exists.
	Create(ctx context.Context, item models.NewsItem) error

	// ListLatest returns items newest first, strictly after the cursor when given.
	ListLatest(ctx context.Context, after *models.NewsCursor, limit int) ([]models.NewsItem, error)

	// ListBySymbol returns the newest items referencing the symbol.
	ListBySymbol(ctx context.Context, symbol string, limit int) ([]models.NewsItem, error)

	// UpdateEntities replaces the extracted entities of an item.
	UpdateEntities(ctx context.Context, uuid string, entities []models.NewsEntity) error

	// DeleteOlderThan removes items published before cutoff and returns the count.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Count returns the total number of stored items.
	Count(ctx context.Context) (int, error)
}

// MemoryNewsRepository implements an in-memory news repository for testing/development.
type MemoryNewsRepository struct {
	mu    sync.RWMutex
	items map[string]models.NewsItem
}

// NewMemoryNewsRepository creates a new in-memory news repository.
func NewMemoryNewsRepository() *MemoryNewsRepository {
	return &MemoryNewsRepository{
		items: make(map[string]models.NewsItem),
	}
}

// GetByUUID retrieves an item by uuid.
func (r *MemoryNewsRepository) GetByUUID(ctx context.Context, uuid string) (models.NewsItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[uuid]
	if !ok {
		return models.NewsItem{}, store.ErrNotFound
	}
	return item, nil
}

// Create stores a new item.
func (r *MemoryNewsRepository) Create(ctx context.Context, item models.NewsItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[item.UUID]; exists {
		return store.ErrDuplicate
	}
	r.items[item.UUID] = item
	return nil
}

// ListLatest returns items ordered by published time descending.
func (r *MemoryNewsRepository) ListLatest(ctx context.Context, after *models.NewsCursor, limit int) ([]models.NewsItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]models.NewsItem, 0, len(r.items))
	for _, item := range r.items {
		if after != nil && !olderThanCursor(item, *after) {
			continue
		}
		result = append(result, item)
	}

	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListBySymbol returns items whose company or entities reference the symbol.
func (r *MemoryNewsRepository) ListBySymbol(ctx context.Context, symbol string, limit int) ([]models.NewsItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]models.NewsItem, 0)
	for _, item := range r.items {
		if item.MentionsSymbol(symbol) {
			result = append(result, item)
		}
	}

	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateEntities replaces an item's entities.
func (r *MemoryNewsRepository) UpdateEntities(ctx context.Context, uuid string, entities []models.NewsEntity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[uuid]
	if !ok {
		return store.ErrNotFound
	}
	item.Entities = entities
	r.items[uuid] = item
	return nil
}

// DeleteOlderThan removes items published before the cutoff.
func (r *MemoryNewsRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for uuid, item := range r.items {
		if item.PublishedAt.Before(cutoff) {
			delete(r.items, uuid)
			deleted++
		}
	}
	return deleted, nil
}

// Count returns the total number of items.
func (r *MemoryNewsRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items), nil
}

func sortNewestFirst(items []models.NewsItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].PublishedAt.Equal(items[j].PublishedAt) {
			return items[i].PublishedAt.After(items[j].PublishedAt)
		}
		return strings.Compare(items[i].UUID, items[j].UUID) > 0
	})
}

// olderThanCursor reports whether item sorts after the cursor in newest-first order.
func olderThanCursor(item models.NewsItem, cursor models.NewsCursor) bool {
	if !item.PublishedAt.Equal(cursor.PublishedAt) {
		return item.PublishedAt.Before(cursor.PublishedAt)
	}
	return item.UUID < cursor.UUID
}
