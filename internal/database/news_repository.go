package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stockapp/crawlsync/internal/models"
	"github.com/stockapp/crawlsync/internal/store"
)

const newsColumns = `uuid, company_id, company_symbol, company_name, title, description, snippet,
	url, image_url, language, source, keywords, relevance_score, published_at, entities, created_at`

// PostgresNewsRepository implements ingestion.NewsRepository using PostgreSQL.
// Entities are stored as a JSONB array on the item row.
type PostgresNewsRepository struct {
	db *sql.DB
}

// NewPostgresNewsRepository creates a new PostgreSQL news repository.
func NewPostgresNewsRepository(db *sql.DB) *PostgresNewsRepository {
	return &PostgresNewsRepository{db: db}
}

// GetByUUID retrieves an item by its dedup key.
func (r *PostgresNewsRepository) GetByUUID(ctx context.Context, uuid string) (models.NewsItem, error) {
	query := `SELECT ` + newsColumns + ` FROM company_news WHERE uuid = $1`

	item, err := scanNewsItem(r.db.QueryRowContext(ctx, query, uuid))
	if err != nil {
		return models.NewsItem{}, classify("get news item", err)
	}
	return item, nil
}

// Create inserts a new item. An existing uuid yields store.ErrDuplicate and
// leaves the stored row untouched.
func (r *PostgresNewsRepository) Create(ctx context.Context, item models.NewsItem) error {
	entitiesJSON, err := marshalEntities(item.Entities)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO company_news (
			uuid, company_id, company_symbol, company_name, title, description, snippet,
			url, image_url, language, source, keywords, relevance_score, published_at, entities, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (uuid) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		item.UUID,
		item.Company.ID,
		item.Company.Symbol,
		item.Company.Name,
		item.Title,
		item.Description,
		item.Snippet,
		item.URL,
		item.ImageURL,
		item.Language,
		item.Source,
		item.Keywords,
		nullFloat(item.RelevanceScore),
		item.PublishedAt,
		entitiesJSON,
		item.CreatedAt,
	)
	if err != nil {
		return classify("create news item", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return classify("create news item", err)
	}
	if affected == 0 {
		return fmt.Errorf("create news item %s: %w", item.UUID, store.ErrDuplicate)
	}
	return nil
}

// ListLatest returns items newest first, strictly after the cursor when given.
func (r *PostgresNewsRepository) ListLatest(ctx context.Context, after *models.NewsCursor, limit int) ([]models.NewsItem, error) {
	if after == nil {
		query := `SELECT ` + newsColumns + ` FROM company_news
			ORDER BY published_at DESC, uuid DESC
			LIMIT $1`
		return r.list(ctx, "list latest news", query, limit)
	}

	query := `SELECT ` + newsColumns + ` FROM company_news
		WHERE (published_at, uuid) < ($1, $2)
		ORDER BY published_at DESC, uuid DESC
		LIMIT $3`
	return r.list(ctx, "list latest news", query, after.PublishedAt, after.UUID, limit)
}

// ListBySymbol returns the newest items whose company or any entity carries the symbol.
func (r *PostgresNewsRepository) ListBySymbol(ctx context.Context, symbol string, limit int) ([]models.NewsItem, error) {
	query := `SELECT ` + newsColumns + ` FROM company_news
		WHERE UPPER(company_symbol) = UPPER($1)
		   OR EXISTS (
			SELECT 1 FROM jsonb_array_elements(entities) AS e
			WHERE UPPER(e->>'symbol') = UPPER($1)
		   )
		ORDER BY published_at DESC, uuid DESC
		LIMIT $2`
	return r.list(ctx, "list news by symbol", query, symbol, limit)
}

// UpdateEntities replaces the entities of a stored item.
func (r *PostgresNewsRepository) UpdateEntities(ctx context.Context, uuid string, entities []models.NewsEntity) error {
	entitiesJSON, err := marshalEntities(entities)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `UPDATE company_news SET entities = $2 WHERE uuid = $1`, uuid, entitiesJSON)
	if err != nil {
		return classify("update news entities", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return classify("update news entities", err)
	}
	if affected == 0 {
		return fmt.Errorf("update news entities %s: %w", uuid, store.ErrNotFound)
	}
	return nil
}

// DeleteOlderThan removes items published before cutoff.
func (r *PostgresNewsRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM company_news WHERE published_at < $1`, cutoff)
	if err != nil {
		return 0, classify("delete old news", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, classify("delete old news", err)
	}
	return deleted, nil
}

// Count returns the total number of stored items.
func (r *PostgresNewsRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM company_news`).Scan(&count); err != nil {
		return 0, classify("count news", err)
	}
	return count, nil
}

func (r *PostgresNewsRepository) list(ctx context.Context, op, query string, args ...any) ([]models.NewsItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	items := make([]models.NewsItem, 0)
	for rows.Next() {
		item, err := scanNewsItem(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return items, nil
}

func scanNewsItem(row rowScanner) (models.NewsItem, error) {
	var (
		item         models.NewsItem
		relevance    sql.NullFloat64
		entitiesJSON []byte
	)

	err := row.Scan(
		&item.UUID,
		&item.Company.ID,
		&item.Company.Symbol,
		&item.Company.Name,
		&item.Title,
		&item.Description,
		&item.Snippet,
		&item.URL,
		&item.ImageURL,
		&item.Language,
		&item.Source,
		&item.Keywords,
		&relevance,
		&item.PublishedAt,
		&entitiesJSON,
		&item.CreatedAt,
	)
	if err != nil {
		return models.NewsItem{}, err
	}

	if relevance.Valid {
		score := relevance.Float64
		item.RelevanceScore = &score
	}
	if len(entitiesJSON) > 0 {
		if err := json.Unmarshal(entitiesJSON, &item.Entities); err != nil {
			return models.NewsItem{}, fmt.Errorf("failed to unmarshal entities: %w", err)
		}
		if len(item.Entities) == 0 {
			item.Entities = nil
		}
	}
	return item, nil
}

func marshalEntities(entities []models.NewsEntity) ([]byte, error) {
	if entities == nil {
		entities = []models.NewsEntity{}
	}
	data, err := json.Marshal(entities)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entities: %w", err)
	}
	return data, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
