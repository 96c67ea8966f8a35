package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stockapp/crawlsync/internal/crawljob"
	"github.com/stockapp/crawlsync/internal/ingestion"
	"github.com/stockapp/crawlsync/internal/metrics"
	"github.com/stockapp/crawlsync/internal/models"
	"github.com/stockapp/crawlsync/internal/store"
)

const (
	defaultWorkers  = 4
	defaultPageSize = 50
	reportTimeout   = 10 * time.Second
)

// Fetcher retrieves the current news documents for a symbol.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) ([]models.NewsItem, error)
}

// Config controls a crawl cycle.
type Config struct {
	Workers  int
	PageSize int      // Page size used when listing due symbols
	Symbols  []string // Watchlist; symbols without a record are crawled first
}

// Summary reports what a cycle did.
type Summary struct {
	Processed  int
	Succeeded  int
	Failed     int
	Skipped    int
	Created    int
	Duplicates int
	Invalid    int
}

// Runner drives one crawl cycle across every due symbol.
type Runner struct {
	tracker *crawljob.Tracker
	engine  *ingestion.Engine
	fetcher Fetcher
	logger  *slog.Logger
	metrics *metrics.Collector
	config  Config
	now     func() time.Time
}

// NewRunner creates a cycle runner.
func NewRunner(
	tracker *crawljob.Tracker,
	engine *ingestion.Engine,
	fetcher Fetcher,
	logger *slog.Logger,
	collector *metrics.Collector,
	config Config,
) *Runner {
	if config.Workers <= 0 {
		config.Workers = defaultWorkers
	}
	if config.PageSize <= 0 {
		config.PageSize = defaultPageSize
	}
	return &Runner{
		tracker: tracker,
		engine:  engine,
		fetcher: fetcher,
		logger:  logger,
		metrics: collector,
		config:  config,
		now:     time.Now,
	}
}

// Run crawls every due symbol with a bounded worker pool. Failures of a single
// symbol are recorded on its job and do not stop the cycle; an unavailable
// store cancels the remaining work and is returned.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := r.now()
	r.logger.Info("crawl cycle started", "workers", r.config.Workers)

	var (
		mu       sync.Mutex
		summary  Summary
		fatalErr error
	)
	fail := func(err error) {
		mu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		mu.Unlock()
		cancel()
	}

	symbols := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < r.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range symbols {
				if ctx.Err() != nil {
					continue
				}
				outcome, err := r.process(ctx, symbol)

				mu.Lock()
				summary.add(outcome)
				mu.Unlock()

				if err != nil {
					fail(err)
				}
			}
		}()
	}

	if err := r.produce(ctx, symbols); err != nil && !errors.Is(err, context.Canceled) {
		fail(err)
	}
	close(symbols)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	if fatalErr != nil {
		r.logger.Error("crawl cycle aborted",
			"processed", summary.Processed,
			"duration", time.Since(start),
			"error", fatalErr)
		return summary, fatalErr
	}

	r.logger.Info("crawl cycle completed",
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"created", summary.Created,
		"duration", time.Since(start))
	return summary, ctx.Err()
}

// produce feeds the watchlist symbols that have never been crawled, then the
// due listing. Each symbol is handed out at most once per cycle.
func (r *Runner) produce(ctx context.Context, out chan<- string) error {
	seen := make(map[string]bool)
	send := func(symbol string) error {
		if seen[symbol] {
			return nil
		}
		seen[symbol] = true
		select {
		case out <- symbol:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, symbol := range r.config.Symbols {
		_, err := r.tracker.Get(ctx, symbol)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := send(symbol); err != nil {
				return err
			}
		case err != nil && store.IsUnavailable(err):
			return err
		case err != nil:
			r.logger.Warn("failed to read watchlist job", "symbol", symbol, "error", err)
		}
	}

	for symbol, err := range r.tracker.ListDue(ctx, r.config.PageSize) {
		if err != nil {
			return err
		}
		if err := send(symbol); err != nil {
			return err
		}
	}
	return nil
}

type outcome struct {
	status    string // succeeded, failed or skipped
	ingestion ingestion.BatchResult
}

func (s *Summary) add(o outcome) {
	s.Processed++
	switch o.status {
	case "succeeded":
		s.Succeeded++
	case "failed":
		s.Failed++
	case "skipped":
		s.Skipped++
	}
	s.Created += len(o.ingestion.Created)
	s.Duplicates += o.ingestion.Duplicate
	s.Invalid += o.ingestion.Invalid
}

// process runs a single symbol's cycle. The returned error is non-nil only
// when the store is unavailable.
func (r *Runner) process(ctx context.Context, symbol string) (outcome, error) {
	logger := r.logger.With("symbol", symbol)

	if _, err := r.tracker.BeginCycle(ctx, symbol); err != nil {
		switch {
		case errors.Is(err, crawljob.ErrAlreadyRunning), errors.Is(err, crawljob.ErrInvalidTransition):
			logger.Debug("skipping symbol", "reason", err)
			r.metrics.CrawlCycle("skipped")
			return outcome{status: "skipped"}, nil
		case store.IsUnavailable(err):
			return outcome{status: "skipped"}, err
		default:
			logger.Error("failed to begin crawl cycle", "error", err)
			r.metrics.CrawlCycle("skipped")
			return outcome{status: "skipped"}, nil
		}
	}

	items, err := r.fetcher.Fetch(ctx, symbol)
	if err != nil {
		return r.reportFailure(ctx, logger, symbol, outcome{}, fmt.Errorf("fetch news: %w", err))
	}

	result, err := r.engine.IngestBatch(ctx, items)
	o := outcome{ingestion: result}
	if err != nil {
		failed, reportErr := r.reportFailure(ctx, logger, symbol, o, fmt.Errorf("ingest news: %w", err))
		if store.IsUnavailable(err) {
			return failed, err
		}
		return failed, reportErr
	}

	for _, uuid := range result.Created {
		if err := r.engine.Enrich(ctx, uuid); err != nil {
			logger.Warn("failed to enrich news item", "uuid", uuid, "error", err)
		}
	}

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if _, err := r.tracker.ReportSuccess(reportCtx, symbol, r.now()); err != nil {
		logger.Error("failed to report crawl success", "error", err)
		r.metrics.CrawlCycle("failed")
		o.status = "failed"
		if store.IsUnavailable(err) {
			return o, err
		}
		return o, nil
	}

	logger.Info("crawl cycle succeeded",
		"fetched", len(items),
		"created", len(result.Created),
		"duplicates", result.Duplicate,
		"invalid", result.Invalid)
	r.metrics.CrawlCycle("succeeded")
	o.status = "succeeded"
	return o, nil
}

// reportFailure records cause on the job. The report survives cancellation
// of the cycle so the record is not left RUNNING.
func (r *Runner) reportFailure(ctx context.Context, logger *slog.Logger, symbol string, o outcome, cause error) (outcome, error) {
	o.status = "failed"
	r.metrics.CrawlCycle("failed")
	logger.Warn("crawl cycle failed", "error", cause)

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if _, err := r.tracker.ReportFailure(reportCtx, symbol, cause.Error()); err != nil {
		logger.Error("failed to report crawl failure", "error", err)
		if store.IsUnavailable(err) {
			return o, err
		}
	}
	return o, nil
}
