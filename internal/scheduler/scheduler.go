// Package scheduler runs the background crawl campaigns: it discovers due
// sites, starts sessions for them, randomizes future crawl times, and
// periodically drains the index queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/harmonysearch/crawler/internal/control"
	"github.com/harmonysearch/crawler/internal/crawl"
	"github.com/harmonysearch/crawler/internal/indexer"
)

// Config tunes the background cadence.
type Config struct {
	DiscoveryInterval  time.Duration
	RescheduleInterval time.Duration
	DrainInterval      time.Duration
	MaxDepth           int
}

// Scheduler owns the cron entries and the session bootstrap path.
type Scheduler struct {
	cfg      Config
	jobs     crawl.JobStore
	sessions crawl.SessionStore
	sites    crawl.SiteStore
	progress crawl.ProgressStore
	indexer  *indexer.Indexer
	switches *control.Switches
	clock    crawl.Clock
	ids      crawl.IDGenerator
	logger   *zap.Logger

	randMu sync.Mutex
	rand   *rand.Rand

	cron *cron.Cron
}

// New assembles a scheduler. The rand seed comes from the clock; tests
// replace it with WithRand.
func New(
	cfg Config,
	jobs crawl.JobStore,
	sessions crawl.SessionStore,
	sites crawl.SiteStore,
	progress crawl.ProgressStore,
	ix *indexer.Indexer,
	switches *control.Switches,
	clock crawl.Clock,
	ids crawl.IDGenerator,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		jobs:     jobs,
		sessions: sessions,
		sites:    sites,
		progress: progress,
		indexer:  ix,
		switches: switches,
		clock:    clock,
		ids:      ids,
		logger:   logger,
		rand:     rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

// WithRand swaps the jitter source. Test hook.
func (s *Scheduler) WithRand(r *rand.Rand) *Scheduler {
	s.rand = r
	return s
}

// Start registers the cron entries and begins running them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()

	entries := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{"discover", s.cfg.DiscoveryInterval, s.DiscoverAndSchedule},
		{"reschedule", s.cfg.RescheduleInterval, s.RescheduleRandom},
		{"drain", s.cfg.DrainInterval, s.DrainQueue},
	}
	for _, e := range entries {
		e := e
		spec := fmt.Sprintf("@every %s", e.interval)
		if _, err := s.cron.AddFunc(spec, func() {
			if err := e.run(ctx); err != nil {
				s.logger.Error("scheduled task failed", zap.String("task", e.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("register %s task: %w", e.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("discovery_interval", s.cfg.DiscoveryInterval),
		zap.Duration("reschedule_interval", s.cfg.RescheduleInterval),
		zap.Duration("drain_interval", s.cfg.DrainInterval),
	)
	return nil
}

// Stop halts the cron entries and waits for any running task.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// DiscoverAndSchedule walks the enabled sites and decides, per site, whether
// to start a session now, schedule one for later, or leave it alone:
//
//   - an active session, or a crawl more recent than the minimum interval,
//     means skip;
//   - a never-crawled site, a site past the maximum interval, or a site
//     whose scheduled time has arrived starts immediately;
//   - otherwise a site with no scheduled time gets one, jittered uniformly
//     between the interval bounds.
func (s *Scheduler) DiscoverAndSchedule(ctx context.Context) error {
	state := s.switches.Snapshot()
	if !state.CrawlEnabled || state.ForceStop {
		return nil
	}

	sites, err := s.sites.ListSites(ctx)
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}

	now := s.clock.Now()
	for _, site := range sites {
		if !site.Enabled {
			continue
		}
		if err := s.considerSite(ctx, site, state, now); err != nil {
			s.logger.Error("schedule site", zap.String("domain", site.Domain), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) considerSite(ctx context.Context, site crawl.Site, state control.State, now time.Time) error {
	active, err := s.sessions.HasActiveSession(ctx, site.Domain)
	if err != nil {
		return fmt.Errorf("check active session: %w", err)
	}
	if active {
		return nil
	}

	last, err := s.sites.LastSessionStart(ctx, site.Domain)
	if err != nil {
		if !errors.Is(err, crawl.ErrNotFound) {
			return fmt.Errorf("last session start: %w", err)
		}
		// Never crawled: start right away.
		return s.StartSession(ctx, site.Domain)
	}

	elapsed := now.Sub(last).Hours()
	switch {
	case elapsed < state.MinIntervalHours:
		return nil
	case elapsed >= state.MaxIntervalHours:
		return s.StartSession(ctx, site.Domain)
	}

	if site.NextCrawlAt != nil {
		if !now.Before(*site.NextCrawlAt) {
			return s.StartSession(ctx, site.Domain)
		}
		return nil
	}
	next := now.Add(s.jitter(state.MinIntervalHours, state.MaxIntervalHours))
	if err := s.sites.SetNextCrawl(ctx, site.Domain, next); err != nil {
		return fmt.Errorf("set next crawl: %w", err)
	}
	s.logger.Debug("site scheduled", zap.String("domain", site.Domain), zap.Time("next_crawl_at", next))
	return nil
}

// RescheduleRandom re-randomizes the next crawl time of every idle enabled
// site, keeping the fleet's crawl times from clustering.
func (s *Scheduler) RescheduleRandom(ctx context.Context) error {
	sites, err := s.sites.ListSites(ctx)
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}

	state := s.switches.Snapshot()
	now := s.clock.Now()
	for _, site := range sites {
		if !site.Enabled {
			continue
		}
		active, err := s.sessions.HasActiveSession(ctx, site.Domain)
		if err != nil || active {
			continue
		}
		next := now.Add(s.jitter(state.MinIntervalHours, state.MaxIntervalHours))
		if err := s.sites.SetNextCrawl(ctx, site.Domain, next); err != nil {
			s.logger.Error("reschedule site", zap.String("domain", site.Domain), zap.Error(err))
		}
	}
	return nil
}

// DrainQueue runs one index batch.
func (s *Scheduler) DrainQueue(ctx context.Context) error {
	_, err := s.indexer.RunOnce(ctx)
	return err
}

// StartSession creates a session and its root job for a domain and opens the
// progress record. The progress store failing is tolerated: the session runs
// without live progress.
func (s *Scheduler) StartSession(ctx context.Context, domain string) error {
	sessionID, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("new session id: %w", err)
	}
	jobID, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("new job id: %w", err)
	}

	now := s.clock.Now()
	session := crawl.Session{
		SessionID: sessionID,
		Domain:    domain,
		Status:    crawl.SessionRunning,
		MaxDepth:  s.cfg.MaxDepth,
		StartedAt: now,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	root := crawl.Job{
		JobID:     jobID,
		SessionID: sessionID,
		Domain:    domain,
		URL:       "https://" + domain + "/",
		Depth:     0,
		MaxDepth:  s.cfg.MaxDepth,
		Priority:  1.0,
	}
	if err := s.jobs.CreateJob(ctx, root); err != nil {
		return fmt.Errorf("create root job: %w", err)
	}

	if err := s.progress.Start(ctx, sessionID, domain); err != nil {
		s.logger.Warn("start progress record", zap.String("session_id", sessionID), zap.Error(err))
	}

	s.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.String("domain", domain),
		zap.Int("max_depth", s.cfg.MaxDepth),
	)
	return nil
}

// jitter returns a uniform random duration between the bounds, in hours.
func (s *Scheduler) jitter(minHours, maxHours float64) time.Duration {
	s.randMu.Lock()
	defer s.randMu.Unlock()

	hours := minHours + s.rand.Float64()*(maxHours-minHours)
	return time.Duration(hours * float64(time.Hour))
}
