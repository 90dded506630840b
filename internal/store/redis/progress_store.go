// Package redis stores live crawl progress and cancellation flags in Redis.
// Records are ephemeral: each write refreshes a TTL, so state for a session
// nobody touches simply expires.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/harmonysearch/crawler/internal/crawl"
)

// Config holds connection settings for the progress store.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// ProgressStore implements crawl.ProgressStore on a Redis backend.
type ProgressStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	clock  crawl.Clock
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, clock crawl.Clock) (*ProgressStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg.KeyPrefix, cfg.TTL, clock), nil
}

// NewWithClient wraps an existing client. Tests inject miniature clients or
// fakes here.
func NewWithClient(client goredis.UniversalClient, prefix string, ttl time.Duration, clock crawl.Clock) *ProgressStore {
	return &ProgressStore{client: client, prefix: prefix, ttl: ttl, clock: clock}
}

// Close releases the underlying client.
func (s *ProgressStore) Close() error {
	return s.client.Close()
}

func (s *ProgressStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Start writes the initial progress record for a session.
func (s *ProgressStore) Start(ctx context.Context, sessionID, domain string) error {
	now := s.clock.Now()
	p := crawl.Progress{
		SessionID:   sessionID,
		Domain:      domain,
		Status:      string(crawl.SessionRunning),
		StartedAt:   now,
		LastUpdated: now,
	}
	if err := s.write(ctx, p); err != nil {
		return fmt.Errorf("start progress: %w", err)
	}
	return nil
}

// UpdateProgress merges a delta into the stored record and refreshes its TTL.
// Get-then-set: a cancel written between the read and the write is lost until
// the next RequestCancel or cancellation check. Cancellation delivery is
// best-effort; a WATCH or Lua compare-and-set would close the window.
func (s *ProgressStore) UpdateProgress(ctx context.Context, sessionID string, delta crawl.ProgressDelta) error {
	p, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.write(ctx, mergeDelta(p, delta, s.clock.Now())); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// RequestCancel sets the cancellation flag. The flag is monotonic: once set
// it is never cleared for the lifetime of the record.
func (s *ProgressStore) RequestCancel(ctx context.Context, sessionID string) error {
	p, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.write(ctx, markCancelled(p, s.clock.Now())); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

// IsCancelled reports whether cancellation has been requested. A missing
// record reads as not cancelled.
func (s *ProgressStore) IsCancelled(ctx context.Context, sessionID string) (bool, error) {
	p, err := s.Get(ctx, sessionID)
	if errors.Is(err, crawl.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Cancelled, nil
}

// Get fetches the progress record, or crawl.ErrNotFound if it expired or was
// never written.
func (s *ProgressStore) Get(ctx context.Context, sessionID string) (crawl.Progress, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return crawl.Progress{}, fmt.Errorf("progress %s: %w", sessionID, crawl.ErrNotFound)
	}
	if err != nil {
		return crawl.Progress{}, fmt.Errorf("get progress: %w", err)
	}

	var p crawl.Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return crawl.Progress{}, fmt.Errorf("decode progress: %w", err)
	}
	return p, nil
}

// End records the session's terminal status. The record stays readable until
// its TTL lapses so late status queries still resolve.
func (s *ProgressStore) End(ctx context.Context, sessionID string, status crawl.SessionStatus) error {
	p, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.write(ctx, markEnded(p, status, s.clock.Now())); err != nil {
		return fmt.Errorf("end progress: %w", err)
	}
	return nil
}

// Delete removes the record immediately instead of waiting out the TTL.
func (s *ProgressStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}

func (s *ProgressStore) write(ctx context.Context, p crawl.Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return s.client.Set(ctx, s.key(p.SessionID), raw, s.ttl).Err()
}

// mergeDelta folds page counters and the current URL into a record.
func mergeDelta(p crawl.Progress, delta crawl.ProgressDelta, now time.Time) crawl.Progress {
	p.PagesCrawled += delta.PagesCrawled
	p.PagesFailed += delta.PagesFailed
	p.PagesSkipped += delta.PagesSkipped
	if delta.CurrentURL != "" {
		p.CurrentURL = delta.CurrentURL
	}
	p.LastUpdated = now
	return p
}

func markCancelled(p crawl.Progress, now time.Time) crawl.Progress {
	if !p.Cancelled {
		p.Cancelled = true
		p.CancelledAt = &now
	}
	p.LastUpdated = now
	return p
}

func markEnded(p crawl.Progress, status crawl.SessionStatus, now time.Time) crawl.Progress {
	p.Status = string(status)
	p.EndedAt = &now
	p.LastUpdated = now
	return p
}
