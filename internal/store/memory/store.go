// Package memory provides mutex-guarded in-memory stores. They back unit
// tests and single-process deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harmonysearch/crawler/internal/crawl"
)

// Store implements crawl.JobStore, crawl.SessionStore, crawl.SiteStore and
// crawl.IndexQueue entirely in memory.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]*crawl.Job
	sessions map[string]*crawl.Session
	sites    map[string]*crawl.Site
	seen     map[string]map[string]struct{}
	clock    crawl.Clock
	ids      crawl.IDGenerator
}

// New returns an empty store.
func New(clock crawl.Clock, ids crawl.IDGenerator) *Store {
	return &Store{
		jobs:     make(map[string]*crawl.Job),
		sessions: make(map[string]*crawl.Session),
		sites:    make(map[string]*crawl.Site),
		seen:     make(map[string]map[string]struct{}),
		clock:    clock,
		ids:      ids,
	}
}

// CreateJob inserts a pending job, dropping duplicates by (session, url).
func (s *Store) CreateJob(_ context.Context, job crawl.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertJobLocked(job)
	return nil
}

func (s *Store) insertJobLocked(job crawl.Job) bool {
	urls, ok := s.seen[job.SessionID]
	if !ok {
		urls = make(map[string]struct{})
		s.seen[job.SessionID] = urls
	}
	if _, dup := urls[job.URL]; dup {
		return false
	}
	urls[job.URL] = struct{}{}

	now := s.clock.Now()
	job.Status = crawl.JobPending
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.JobID] = &job
	return true
}

// ClaimNext flips up to n pending jobs to processing, highest priority first.
// The single mutex makes the claim atomic: concurrent callers partition the
// pending set, they never share a job.
func (s *Store) ClaimNext(_ context.Context, n int) ([]crawl.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*crawl.Job
	for _, job := range s.jobs {
		if job.Status == crawl.JobPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > n {
		pending = pending[:n]
	}

	claimed := make([]crawl.Job, 0, len(pending))
	for _, job := range pending {
		job.Status = crawl.JobProcessing
		job.UpdatedAt = s.clock.Now()
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

// CompleteJob marks a processing job completed; a no-op on terminal jobs.
func (s *Store) CompleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(jobID, crawl.JobCompleted, "")
	return nil
}

// FailJob marks a processing job failed; a no-op on terminal jobs.
func (s *Store) FailJob(_ context.Context, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(jobID, crawl.JobFailed, reason)
	return nil
}

func (s *Store) finishLocked(jobID string, status crawl.JobStatus, reason string) {
	job, ok := s.jobs[jobID]
	if !ok || job.Status != crawl.JobProcessing {
		return
	}
	job.Status = status
	job.FailureReason = reason
	job.UpdatedAt = s.clock.Now()
}

// FinishJob applies the terminal transition and child inserts under one lock
// acquisition, mirroring the single transaction of the durable store.
func (s *Store) FinishJob(_ context.Context, result crawl.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finishLocked(result.Parent.JobID, result.Status, result.FailureReason)
	_, err := s.enqueueLocked(result.Parent, result.Children)
	return err
}

// EnqueueChildren inserts deduplicated child jobs at depth parent+1.
func (s *Store) EnqueueChildren(_ context.Context, parent crawl.Job, children []crawl.Child) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(parent, children)
}

func (s *Store) enqueueLocked(parent crawl.Job, children []crawl.Child) (int, error) {
	depth := parent.Depth + 1
	if depth > parent.MaxDepth {
		return 0, nil
	}

	inserted := 0
	for _, child := range children {
		id, err := s.ids.NewID()
		if err != nil {
			return inserted, fmt.Errorf("new job id: %w", err)
		}
		ok := s.insertJobLocked(crawl.Job{
			JobID:     id,
			SessionID: parent.SessionID,
			Domain:    parent.Domain,
			URL:       child.URL,
			Depth:     depth,
			MaxDepth:  parent.MaxDepth,
			Priority:  child.Priority,
		})
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// CountByStatus returns per-status job counts for one session.
func (s *Store) CountByStatus(_ context.Context, sessionID string) (crawl.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts crawl.StatusCounts
	for _, job := range s.jobs {
		if job.SessionID != sessionID {
			continue
		}
		switch job.Status {
		case crawl.JobPending:
			counts.Pending++
		case crawl.JobProcessing:
			counts.Processing++
		case crawl.JobCompleted:
			counts.Completed++
		case crawl.JobFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// ListUnindexed returns completed jobs not yet indexed, oldest update first.
func (s *Store) ListUnindexed(_ context.Context, limit int) ([]crawl.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []crawl.Job
	for _, job := range s.jobs {
		if job.Status == crawl.JobCompleted && !job.Indexed {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// MarkIndexed flags a job as applied to the index.
func (s *Store) MarkIndexed(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("mark job indexed %s: %w", jobID, crawl.ErrNotFound)
	}
	job.Indexed = true
	job.UpdatedAt = s.clock.Now()
	return nil
}

// GetJob fetches a single job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (crawl.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.Job{}, fmt.Errorf("get job %s: %w", jobID, crawl.ErrNotFound)
	}
	return *job, nil
}

// CreateSession inserts a running session.
func (s *Store) CreateSession(_ context.Context, session crawl.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session.Status = crawl.SessionRunning
	session.CreatedAt = s.clock.Now()
	s.sessions[session.SessionID] = &session
	return nil
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(_ context.Context, sessionID string) (crawl.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return crawl.Session{}, fmt.Errorf("get session %s: %w", sessionID, crawl.ErrNotFound)
	}
	return *session, nil
}

// EndSession applies the first transition out of running; later calls no-op.
func (s *Store) EndSession(_ context.Context, sessionID string, status crawl.SessionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.Status != crawl.SessionRunning {
		return nil
	}
	session.Status = status
	session.EndedAt = &at
	if status == crawl.SessionCancelled {
		session.CancelledAt = &at
	}
	return nil
}

// HasActiveSession reports whether the domain has a running session.
func (s *Store) HasActiveSession(_ context.Context, domain string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions {
		if session.Domain == domain && session.Status == crawl.SessionRunning {
			return true, nil
		}
	}
	return false, nil
}

// ListSites returns all registered sites ordered by domain.
func (s *Store) ListSites(_ context.Context) ([]crawl.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sites := make([]crawl.Site, 0, len(s.sites))
	for _, site := range s.sites {
		sites = append(sites, *site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Domain < sites[j].Domain })
	return sites, nil
}

// UpsertSite registers a domain or updates its enabled flag.
func (s *Store) UpsertSite(_ context.Context, site crawl.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sites[site.Domain]; ok {
		existing.Enabled = site.Enabled
		return nil
	}
	site.CreatedAt = s.clock.Now()
	s.sites[site.Domain] = &site
	return nil
}

// SetNextCrawl records when a site is next due.
func (s *Store) SetNextCrawl(_ context.Context, domain string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	site, ok := s.sites[domain]
	if !ok {
		return fmt.Errorf("set next crawl %s: %w", domain, crawl.ErrNotFound)
	}
	site.NextCrawlAt = &at
	return nil
}

// LastSessionStart returns the most recent session start for the domain.
func (s *Store) LastSessionStart(_ context.Context, domain string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last time.Time
	found := false
	for _, session := range s.sessions {
		if session.Domain == domain && session.StartedAt.After(last) {
			last = session.StartedAt
			found = true
		}
	}
	if !found {
		return time.Time{}, fmt.Errorf("last session for %s: %w", domain, crawl.ErrNotFound)
	}
	return last, nil
}
