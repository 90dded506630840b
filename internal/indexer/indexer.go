// Package indexer applies completed crawl jobs to the search index in
// batches, gated by the index control switches.
package indexer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/harmonysearch/crawler/internal/control"
	"github.com/harmonysearch/crawler/internal/crawl"
	"github.com/harmonysearch/crawler/internal/metrics"
)

// Config tunes batch application.
type Config struct {
	BatchSize int
}

// Indexer drains the completed-unindexed queue one batch at a time.
type Indexer struct {
	cfg      Config
	queue    crawl.IndexQueue
	applier  crawl.Applier
	switches *control.Switches
	logger   *zap.Logger
}

// New assembles an indexer.
func New(cfg Config, queue crawl.IndexQueue, applier crawl.Applier, switches *control.Switches, logger *zap.Logger) *Indexer {
	metrics.Init()
	return &Indexer{cfg: cfg, queue: queue, applier: applier, switches: switches, logger: logger}
}

// RunOnce applies up to one batch and reports how many jobs were indexed.
// When indexing is disabled or paused it does nothing; the backlog waits.
// A job whose application fails stays unindexed and is retried next pass.
func (ix *Indexer) RunOnce(ctx context.Context) (int, error) {
	state := ix.switches.Snapshot()
	if !state.IndexEnabled || state.ForcePauseIndex {
		return 0, nil
	}

	jobs, err := ix.queue.ListUnindexed(ctx, ix.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unindexed: %w", err)
	}

	applied := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if err := ix.applier.Apply(ctx, job); err != nil {
			ix.logger.Warn("apply job to index",
				zap.String("job_id", job.JobID),
				zap.String("url", job.URL),
				zap.Error(err),
			)
			continue
		}
		if err := ix.queue.MarkIndexed(ctx, job.JobID); err != nil {
			ix.logger.Error("mark job indexed", zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		metrics.ObserveIndexApplied()
		applied++
	}

	if applied > 0 {
		ix.logger.Info("index batch applied", zap.Int("applied", applied), zap.Int("batch", len(jobs)))
	}
	return applied, nil
}

// LogApplier is a stand-in index backend that records each application. It
// keeps the pipeline observable until a real index sink is wired in.
type LogApplier struct {
	logger *zap.Logger
}

// NewLogApplier returns an applier that logs each applied job.
func NewLogApplier(logger *zap.Logger) LogApplier {
	return LogApplier{logger: logger}
}

// Apply logs the job being indexed.
func (a LogApplier) Apply(_ context.Context, job crawl.Job) error {
	a.logger.Debug("indexed page",
		zap.String("job_id", job.JobID),
		zap.String("session_id", job.SessionID),
		zap.String("url", job.URL),
	)
	return nil
}
