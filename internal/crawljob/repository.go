package crawljob

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stockapp/crawlsync/internal/models"
	"github.com/stockapp/crawlsync/internal/store"
)

// Repository persists crawl job state records keyed by symbol.
type Repository interface {
	// Get returns the record for symbol or store.ErrNotFound.
	Get(ctx context.Context, symbol string) (models.CrawlJobState, error)

	// Upsert writes job if the stored version equals expectedVersion
	// (store.NoVersion means the record must not exist yet). It returns the
	// stored record with its new version, or store.ErrVersionConflict.
	Upsert(ctx context.Context, job models.CrawlJobState, expectedVersion int64) (models.CrawlJobState, error)

	// ListDue returns schedulable records in staleness order.
	ListDue(ctx context.Context, query models.DueQuery) ([]models.CrawlJobState, error)

	// ListRunningSince returns RUNNING records whose cycle started before the
	// given instant (or has no start time).
	ListRunningSince(ctx context.Context, startedBefore time.Time, limit int) ([]models.CrawlJobState, error)
}

// MemoryRepository is an in-memory Repository for tests and local runs.
type MemoryRepository struct {
	mu   sync.Mutex
	jobs map[string]models.CrawlJobState
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[string]models.CrawlJobState)}
}

// Get returns a copy of the stored record.
func (r *MemoryRepository) Get(ctx context.Context, symbol string) (models.CrawlJobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[symbol]
	if !ok {
		return models.CrawlJobState{}, store.ErrNotFound
	}
	return job, nil
}

// Upsert stores the record when the version matches.
func (r *MemoryRepository) Upsert(ctx context.Context, job models.CrawlJobState, expectedVersion int64) (models.CrawlJobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[job.Symbol]
	switch {
	case !ok && expectedVersion != store.NoVersion:
		return models.CrawlJobState{}, store.ErrVersionConflict
	case ok && current.Version != expectedVersion:
		return models.CrawlJobState{}, store.ErrVersionConflict
	}

	job.Version = expectedVersion + 1
	job.UpdatedAt = time.Now()
	r.jobs[job.Symbol] = job
	return job, nil
}

// ListDue filters and orders records the same way the SQL implementation does.
func (r *MemoryRepository) ListDue(ctx context.Context, query models.DueQuery) ([]models.CrawlJobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]models.CrawlJobState, 0)
	for _, job := range r.jobs {
		if !job.Status.IsSchedulable() {
			continue
		}
		if job.CycleStartedAt != nil && job.CycleStartedAt.After(query.AsOf) {
			continue
		}
		if query.NotBackingOffAt != nil && job.NextAttemptAt != nil && job.NextAttemptAt.After(*query.NotBackingOffAt) {
			continue
		}
		if query.After != nil && !query.After.Less(models.CursorFor(job)) {
			continue
		}
		due = append(due, job)
	}

	sort.Slice(due, func(i, j int) bool {
		return models.CursorFor(due[i]).Less(models.CursorFor(due[j]))
	})

	if query.Limit > 0 && len(due) > query.Limit {
		due = due[:query.Limit]
	}
	return due, nil
}

// ListRunningSince returns stale RUNNING records.
func (r *MemoryRepository) ListRunningSince(ctx context.Context, startedBefore time.Time, limit int) ([]models.CrawlJobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stale := make([]models.CrawlJobState, 0)
	for _, job := range r.jobs {
		if job.Status != models.JobStatusRunning {
			continue
		}
		if job.CycleStartedAt != nil && !job.CycleStartedAt.Before(startedBefore) {
			continue
		}
		stale = append(stale, job)
	}

	sort.Slice(stale, func(i, j int) bool { return stale[i].Symbol < stale[j].Symbol })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Size returns the number of stored records.
func (r *MemoryRepository) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
