// Package worker runs the claim/execute loop: it polls the job store for
// pending jobs, fetches their URLs with bounded concurrency, and commits
// results together with any discovered child jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harmonysearch/crawler/internal/control"
	"github.com/harmonysearch/crawler/internal/crawl"
	"github.com/harmonysearch/crawler/internal/metrics"
)

// Config tunes the poll loop.
type Config struct {
	MaxConcurrentJobs int
	PollInterval      time.Duration
	PollBackoffStep   time.Duration
	PollIntervalMax   time.Duration
	DrainTimeout      time.Duration
}

// Stats is a snapshot of the worker's counters for the status endpoint.
type Stats struct {
	ActiveJobs      int     `json:"active_jobs"`
	TotalProcessed  int64   `json:"total_processed"`
	TotalSuccessful int64   `json:"total_successful"`
	TotalFailed     int64   `json:"total_failed"`
	TotalQueued     int64   `json:"total_queued"`
	AvgJobSeconds   float64 `json:"avg_job_time_seconds"`
	PollDelaySecs   float64 `json:"poll_delay_seconds"`
}

// Worker is the claim/execute loop. One Worker runs per process; its
// concurrency bound is the number of in-flight jobs, not goroutine count.
type Worker struct {
	cfg      Config
	jobs     crawl.JobStore
	sessions crawl.SessionStore
	progress crawl.ProgressStore
	fetcher  crawl.Fetcher
	scorer   crawl.Scorer
	switches *control.Switches
	clock    crawl.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	active    map[string]struct{}
	stats     Stats
	jobTime   time.Duration
	pollDelay time.Duration

	wg sync.WaitGroup
}

// New assembles a worker. Call Run to start it.
func New(
	cfg Config,
	jobs crawl.JobStore,
	sessions crawl.SessionStore,
	progress crawl.ProgressStore,
	fetcher crawl.Fetcher,
	scorer crawl.Scorer,
	switches *control.Switches,
	clock crawl.Clock,
	logger *zap.Logger,
) *Worker {
	metrics.Init()
	return &Worker{
		cfg:       cfg,
		jobs:      jobs,
		sessions:  sessions,
		progress:  progress,
		fetcher:   fetcher,
		scorer:    scorer,
		switches:  switches,
		clock:     clock,
		logger:    logger,
		active:    make(map[string]struct{}),
		pollDelay: cfg.PollInterval,
	}
}

// Run polls until ctx is cancelled, then drains in-flight jobs for up to
// DrainTimeout. The poll delay adapts: every empty poll stretches it by
// PollBackoffStep up to PollIntervalMax, and any found work snaps it back.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		zap.Int("max_concurrent_jobs", w.cfg.MaxConcurrentJobs),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)

	for {
		delay := w.poll(ctx)
		metrics.SetPollDelay(delay)

		select {
		case <-ctx.Done():
			return w.drain()
		case <-time.After(delay):
		}
	}
}

// poll claims and launches jobs for the free slots, returning the next delay.
func (w *Worker) poll(ctx context.Context) time.Duration {
	state := w.switches.Snapshot()
	if !state.CrawlEnabled || state.ForceStop {
		return w.setDelay(w.cfg.PollInterval)
	}

	slots := w.freeSlots()
	if slots == 0 {
		return w.setDelay(w.cfg.PollInterval)
	}

	claimed, err := w.jobs.ClaimNext(ctx, slots)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Error("claim jobs", zap.Error(err))
		}
		return w.backoff()
	}
	metrics.ObserveClaim(len(claimed))
	if len(claimed) == 0 {
		return w.backoff()
	}

	for _, job := range claimed {
		w.launch(ctx, job)
	}
	return w.setDelay(w.cfg.PollInterval)
}

func (w *Worker) freeSlots() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.MaxConcurrentJobs - len(w.active)
}

func (w *Worker) setDelay(d time.Duration) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pollDelay = d
	return d
}

func (w *Worker) backoff() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pollDelay = nextDelay(w.pollDelay, w.cfg.PollBackoffStep, w.cfg.PollIntervalMax)
	return w.pollDelay
}

// nextDelay stretches the current poll delay by one step, capped at limit.
func nextDelay(current, step, limit time.Duration) time.Duration {
	next := current + step
	if next > limit {
		return limit
	}
	return next
}

func (w *Worker) launch(ctx context.Context, job crawl.Job) {
	w.mu.Lock()
	w.active[job.JobID] = struct{}{}
	w.mu.Unlock()
	metrics.IncActiveJobs()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer metrics.DecActiveJobs()

		// The run ctx only gates new claims. A claimed job must still reach
		// a terminal status when shutdown lands mid-flight, so it runs on a
		// detached context; drain waits on the WaitGroup, bounded by
		// DrainTimeout.
		jobCtx := context.WithoutCancel(ctx)

		start := w.clock.Now()
		outcome := w.processJob(jobCtx, job)
		elapsed := w.clock.Now().Sub(start)
		metrics.ObserveJob(string(outcome), elapsed)

		w.mu.Lock()
		delete(w.active, job.JobID)
		w.stats.TotalProcessed++
		if outcome == crawl.JobCompleted {
			w.stats.TotalSuccessful++
		} else {
			w.stats.TotalFailed++
		}
		w.jobTime += elapsed
		w.mu.Unlock()

		w.maybeFinishSession(jobCtx, job.SessionID)
	}()
}

// processJob runs one claimed job to a terminal status and returns it.
// Cancellation is checked twice: before the fetch, so a cancelled session's
// backlog drains without network traffic, and after it, so a cancel landing
// mid-fetch still wins.
func (w *Worker) processJob(ctx context.Context, job crawl.Job) crawl.JobStatus {
	log := w.logger.With(
		zap.String("job_id", job.JobID),
		zap.String("session_id", job.SessionID),
		zap.String("url", job.URL),
		zap.Int("depth", job.Depth),
	)

	if w.isCancelled(ctx, job.SessionID) {
		return w.failCancelled(ctx, job, log)
	}

	page, err := w.fetcher.FetchAndExtract(ctx, job.URL)
	if err != nil {
		log.Warn("fetch failed", zap.Error(err))
		if ferr := w.jobs.FailJob(ctx, job.JobID, err.Error()); ferr != nil {
			log.Error("record failure", zap.Error(ferr))
		}
		w.updateProgress(ctx, job.SessionID, crawl.ProgressDelta{PagesFailed: 1, CurrentURL: job.URL})
		return crawl.JobFailed
	}

	if w.isCancelled(ctx, job.SessionID) {
		return w.failCancelled(ctx, job, log)
	}

	children := w.scoreChildren(job, page)
	result := crawl.JobResult{Parent: job, Status: crawl.JobCompleted, Children: children}
	if err := w.jobs.FinishJob(ctx, result); err != nil {
		log.Error("finish job", zap.Error(err))
		if ferr := w.jobs.FailJob(ctx, job.JobID, fmt.Sprintf("finish: %v", err)); ferr != nil {
			log.Error("record failure", zap.Error(ferr))
		}
		return crawl.JobFailed
	}
	metrics.AddChildrenEnqueued(len(children))
	w.mu.Lock()
	w.stats.TotalQueued += int64(len(children))
	w.mu.Unlock()

	w.updateProgress(ctx, job.SessionID, crawl.ProgressDelta{PagesCrawled: 1, CurrentURL: job.URL})
	log.Debug("job completed", zap.Int("children", len(children)))
	return crawl.JobCompleted
}

// failCancelled terminates a job for a cancelled session. Already-crawled
// pages keep their data; only this job is marked failed.
func (w *Worker) failCancelled(ctx context.Context, job crawl.Job, log *zap.Logger) crawl.JobStatus {
	result := crawl.JobResult{
		Parent:        job,
		Status:        crawl.JobFailed,
		FailureReason: crawl.FailureReasonCancelled,
	}
	if err := w.jobs.FinishJob(ctx, result); err != nil {
		log.Error("record cancelled job", zap.Error(err))
	}
	w.updateProgress(ctx, job.SessionID, crawl.ProgressDelta{PagesSkipped: 1, CurrentURL: job.URL})
	log.Info("job cancelled")
	return crawl.JobFailed
}

// scoreChildren filters the page's links to the crawl scope and assigns each
// survivor a claim priority.
func (w *Worker) scoreChildren(job crawl.Job, page crawl.Page) []crawl.Child {
	if job.Depth+1 > job.MaxDepth {
		return nil
	}
	links := crawl.FilterLinks(job.Domain, page.Links)
	children := make([]crawl.Child, 0, len(links))
	for _, link := range links {
		children = append(children, crawl.Child{URL: link, Priority: w.scorer.Priority(link, page)})
	}
	return children
}

// isCancelled consults the progress store. An unreachable store reads as not
// cancelled: losing Redis must not stall crawling.
func (w *Worker) isCancelled(ctx context.Context, sessionID string) bool {
	cancelled, err := w.progress.IsCancelled(ctx, sessionID)
	if err != nil {
		w.logger.Warn("cancellation check unavailable", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return cancelled
}

func (w *Worker) updateProgress(ctx context.Context, sessionID string, delta crawl.ProgressDelta) {
	if err := w.progress.UpdateProgress(ctx, sessionID, delta); err != nil && !errors.Is(err, crawl.ErrNotFound) {
		w.logger.Warn("update progress", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// maybeFinishSession ends the session once no jobs remain pending or in
// flight. EndSession's status guard makes the race between two finishing
// workers harmless: the first transition wins.
func (w *Worker) maybeFinishSession(ctx context.Context, sessionID string) {
	counts, err := w.jobs.CountByStatus(ctx, sessionID)
	if err != nil {
		w.logger.Error("count session jobs", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if !counts.Settled() {
		return
	}

	status := crawl.SessionCompleted
	switch {
	case w.isCancelled(ctx, sessionID):
		status = crawl.SessionCancelled
	case counts.Completed == 0 && counts.Failed > 0:
		status = crawl.SessionFailed
	}
	if err := w.sessions.EndSession(ctx, sessionID, status, w.clock.Now()); err != nil {
		w.logger.Error("end session", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if err := w.progress.End(ctx, sessionID, status); err != nil && !errors.Is(err, crawl.ErrNotFound) {
		w.logger.Warn("end progress", zap.String("session_id", sessionID), zap.Error(err))
	}
	metrics.ObserveSessionEnd(string(status))
	w.logger.Info("session settled",
		zap.String("session_id", sessionID),
		zap.String("status", string(status)),
		zap.Int("completed", counts.Completed),
		zap.Int("failed", counts.Failed),
	)
}

// drain waits for in-flight jobs, giving up after DrainTimeout.
func (w *Worker) drain() error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker drained")
		return nil
	case <-time.After(w.cfg.DrainTimeout):
		return fmt.Errorf("drain timed out after %s", w.cfg.DrainTimeout)
	}
}

// Status reports a snapshot of the worker's counters.
func (w *Worker) Status() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := w.stats
	stats.ActiveJobs = len(w.active)
	stats.PollDelaySecs = w.pollDelay.Seconds()
	if stats.TotalProcessed > 0 {
		stats.AvgJobSeconds = w.jobTime.Seconds() / float64(stats.TotalProcessed)
	}
	return stats
}
