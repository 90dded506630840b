package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/harmonysearch/crawler/internal/crawl"
)

// ProgressStore is an in-memory crawl.ProgressStore. Unlike the Redis
// implementation it never expires records; callers use Delete.
type ProgressStore struct {
	mu      sync.Mutex
	records map[string]crawl.Progress
	clock   crawl.Clock
}

// NewProgressStore returns an empty progress store.
func NewProgressStore(clock crawl.Clock) *ProgressStore {
	return &ProgressStore{records: make(map[string]crawl.Progress), clock: clock}
}

// Start writes the initial record for a session.
func (s *ProgressStore) Start(_ context.Context, sessionID, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.records[sessionID] = crawl.Progress{
		SessionID:   sessionID,
		Domain:      domain,
		Status:      string(crawl.SessionRunning),
		StartedAt:   now,
		LastUpdated: now,
	}
	return nil
}

// UpdateProgress merges a delta into the stored record.
func (s *ProgressStore) UpdateProgress(_ context.Context, sessionID string, delta crawl.ProgressDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.records[sessionID]
	if !ok {
		return fmt.Errorf("progress %s: %w", sessionID, crawl.ErrNotFound)
	}
	p.PagesCrawled += delta.PagesCrawled
	p.PagesFailed += delta.PagesFailed
	p.PagesSkipped += delta.PagesSkipped
	if delta.CurrentURL != "" {
		p.CurrentURL = delta.CurrentURL
	}
	p.LastUpdated = s.clock.Now()
	s.records[sessionID] = p
	return nil
}

// RequestCancel sets the monotonic cancellation flag.
func (s *ProgressStore) RequestCancel(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.records[sessionID]
	if !ok {
		return fmt.Errorf("progress %s: %w", sessionID, crawl.ErrNotFound)
	}
	now := s.clock.Now()
	if !p.Cancelled {
		p.Cancelled = true
		p.CancelledAt = &now
	}
	p.LastUpdated = now
	s.records[sessionID] = p
	return nil
}

// IsCancelled reports the cancellation flag; a missing record reads false.
func (s *ProgressStore) IsCancelled(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.records[sessionID]
	if !ok {
		return false, nil
	}
	return p.Cancelled, nil
}

// Get fetches the progress record.
func (s *ProgressStore) Get(_ context.Context, sessionID string) (crawl.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.records[sessionID]
	if !ok {
		return crawl.Progress{}, fmt.Errorf("progress %s: %w", sessionID, crawl.ErrNotFound)
	}
	return p, nil
}

// End records the terminal status, leaving the record readable.
func (s *ProgressStore) End(_ context.Context, sessionID string, status crawl.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.records[sessionID]
	if !ok {
		return fmt.Errorf("progress %s: %w", sessionID, crawl.ErrNotFound)
	}
	now := s.clock.Now()
	p.Status = string(status)
	p.EndedAt = &now
	p.LastUpdated = now
	s.records[sessionID] = p
	return nil
}

// Delete removes the record.
func (s *ProgressStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, sessionID)
	return nil
}
