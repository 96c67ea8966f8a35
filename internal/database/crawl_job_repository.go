package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stockapp/crawlsync/internal/models"
	"github.com/stockapp/crawlsync/internal/store"
)

const crawlJobColumns = `symbol, status, last_successful_timestamp, error_log, cycle_started_at,
	paused_from, consecutive_failures, next_attempt_at, version, updated_at`

// PostgresCrawlJobRepository implements crawljob.Repository using PostgreSQL.
// Every write is guarded by the row's version column.
type PostgresCrawlJobRepository struct {
	db *sql.DB
}

// NewPostgresCrawlJobRepository creates a new PostgreSQL crawl job repository.
func NewPostgresCrawlJobRepository(db *sql.DB) *PostgresCrawlJobRepository {
	return &PostgresCrawlJobRepository{db: db}
}

// Get retrieves the record for symbol.
func (r *PostgresCrawlJobRepository) Get(ctx context.Context, symbol string) (models.CrawlJobState, error) {
	query := `SELECT ` + crawlJobColumns + ` FROM crawl_job_state WHERE symbol = $1`

	job, err := scanCrawlJob(r.db.QueryRowContext(ctx, query, symbol))
	if err != nil {
		return models.CrawlJobState{}, classify("get crawl job", err)
	}
	return job, nil
}

// Upsert inserts the record when expectedVersion is store.NoVersion, otherwise
// updates it only if the stored version still matches.
func (r *PostgresCrawlJobRepository) Upsert(ctx context.Context, job models.CrawlJobState, expectedVersion int64) (models.CrawlJobState, error) {
	var row *sql.Row
	if expectedVersion == store.NoVersion {
		row = r.db.QueryRowContext(ctx, `
			INSERT INTO crawl_job_state (
				symbol, status, last_successful_timestamp, error_log, cycle_started_at,
				paused_from, consecutive_failures, next_attempt_at, version, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, NOW())
			ON CONFLICT (symbol) DO NOTHING
			RETURNING version, updated_at
		`,
			job.Symbol,
			string(job.Status),
			nullTime(job.LastSuccessfulTimestamp),
			nullString(job.ErrorLog),
			nullTime(job.CycleStartedAt),
			nullStatus(job.PausedFrom),
			job.ConsecutiveFailures,
			nullTime(job.NextAttemptAt),
		)
	} else {
		row = r.db.QueryRowContext(ctx, `
			UPDATE crawl_job_state SET
				status = $2,
				last_successful_timestamp = $3,
				error_log = $4,
				cycle_started_at = $5,
				paused_from = $6,
				consecutive_failures = $7,
				next_attempt_at = $8,
				version = version + 1,
				updated_at = NOW()
			WHERE symbol = $1 AND version = $9
			RETURNING version, updated_at
		`,
			job.Symbol,
			string(job.Status),
			nullTime(job.LastSuccessfulTimestamp),
			nullString(job.ErrorLog),
			nullTime(job.CycleStartedAt),
			nullStatus(job.PausedFrom),
			job.ConsecutiveFailures,
			nullTime(job.NextAttemptAt),
			expectedVersion,
		)
	}

	if err := row.Scan(&job.Version, &job.UpdatedAt); err != nil {
		// No row back means the insert collided or the version moved on.
		if errors.Is(err, sql.ErrNoRows) {
			return models.CrawlJobState{}, fmt.Errorf("upsert crawl job %s: %w", job.Symbol, store.ErrVersionConflict)
		}
		return models.CrawlJobState{}, classify("upsert crawl job", err)
	}
	return job, nil
}

// ListDue returns schedulable records, never-succeeded first, then by oldest
// success and symbol, continuing after query.After when set.
func (r *PostgresCrawlJobRepository) ListDue(ctx context.Context, query models.DueQuery) ([]models.CrawlJobState, error) {
	var b strings.Builder
	args := []any{query.AsOf}

	b.WriteString(`SELECT ` + crawlJobColumns + ` FROM crawl_job_state
		WHERE status IN ('SUCCEEDED', 'FAILED')
		AND (cycle_started_at IS NULL OR cycle_started_at <= $1)`)

	if query.NotBackingOffAt != nil {
		args = append(args, *query.NotBackingOffAt)
		fmt.Fprintf(&b, "\n\t\tAND (next_attempt_at IS NULL OR next_attempt_at <= $%d)", len(args))
	}

	if after := query.After; after != nil {
		args = append(args, after.Symbol)
		symbolArg := len(args)
		if after.LastSuccessfulTimestamp == nil {
			fmt.Fprintf(&b, "\n\t\tAND (last_successful_timestamp IS NOT NULL OR symbol > $%d)", symbolArg)
		} else {
			args = append(args, *after.LastSuccessfulTimestamp)
			fmt.Fprintf(&b, "\n\t\tAND (last_successful_timestamp > $%d OR (last_successful_timestamp = $%d AND symbol > $%d))",
				len(args), len(args), symbolArg)
		}
	}

	b.WriteString("\n\t\tORDER BY last_successful_timestamp ASC NULLS FIRST, symbol ASC")
	if query.Limit > 0 {
		args = append(args, query.Limit)
		fmt.Fprintf(&b, "\n\t\tLIMIT $%d", len(args))
	}

	return r.list(ctx, "list due crawl jobs", b.String(), args...)
}

// ListRunningSince returns RUNNING records whose cycle started before
// startedBefore, ordered by symbol.
func (r *PostgresCrawlJobRepository) ListRunningSince(ctx context.Context, startedBefore time.Time, limit int) ([]models.CrawlJobState, error) {
	query := `SELECT ` + crawlJobColumns + ` FROM crawl_job_state
		WHERE status = 'RUNNING'
		AND (cycle_started_at IS NULL OR cycle_started_at < $1)
		ORDER BY symbol ASC`
	args := []any{startedBefore}
	if limit > 0 {
		query += "\n\t\tLIMIT $2"
		args = append(args, limit)
	}

	return r.list(ctx, "list running crawl jobs", query, args...)
}

func (r *PostgresCrawlJobRepository) list(ctx context.Context, op, query string, args ...any) ([]models.CrawlJobState, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	jobs := make([]models.CrawlJobState, 0)
	for rows.Next() {
		job, err := scanCrawlJob(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCrawlJob(row rowScanner) (models.CrawlJobState, error) {
	var (
		job         models.CrawlJobState
		status      string
		lastSuccess sql.NullTime
		errorLog    sql.NullString
		started     sql.NullTime
		pausedFrom  sql.NullString
		nextAttempt sql.NullTime
	)

	err := row.Scan(
		&job.Symbol,
		&status,
		&lastSuccess,
		&errorLog,
		&started,
		&pausedFrom,
		&job.ConsecutiveFailures,
		&nextAttempt,
		&job.Version,
		&job.UpdatedAt,
	)
	if err != nil {
		return models.CrawlJobState{}, err
	}

	job.Status = models.JobStatus(status)
	job.LastSuccessfulTimestamp = timePtr(lastSuccess)
	job.ErrorLog = stringPtr(errorLog)
	job.CycleStartedAt = timePtr(started)
	job.PausedFrom = models.JobStatus(pausedFrom.String)
	job.NextAttemptAt = timePtr(nextAttempt)
	return job, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullStatus(s models.JobStatus) sql.NullString {
	return sql.NullString{String: string(s), Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
