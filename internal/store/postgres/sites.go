package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/harmonysearch/crawler/internal/crawl"
)

// ListSites returns all registered sites ordered by domain.
func (s *Store) ListSites(ctx context.Context) ([]crawl.Site, error) {
	query := `SELECT domain, enabled, next_crawl_at, created_at FROM sites ORDER BY domain`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var sites []crawl.Site
	for rows.Next() {
		var site crawl.Site
		if err := rows.Scan(&site.Domain, &site.Enabled, &site.NextCrawlAt, &site.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sites: %w", err)
	}
	return sites, nil
}

// UpsertSite registers a domain, updating the enabled flag if it exists.
func (s *Store) UpsertSite(ctx context.Context, site crawl.Site) error {
	query := `
		INSERT INTO sites (domain, enabled)
		VALUES ($1, $2)
		ON CONFLICT (domain) DO UPDATE SET enabled = EXCLUDED.enabled
	`
	if _, err := s.db.Exec(ctx, query, site.Domain, site.Enabled); err != nil {
		return fmt.Errorf("upsert site: %w", err)
	}
	return nil
}

// SetNextCrawl records the jittered time a site is next due.
func (s *Store) SetNextCrawl(ctx context.Context, domain string, at time.Time) error {
	query := `UPDATE sites SET next_crawl_at = $2 WHERE domain = $1`

	tag, err := s.db.Exec(ctx, query, domain, at)
	if err != nil {
		return fmt.Errorf("set next crawl: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set next crawl %s: %w", domain, crawl.ErrNotFound)
	}
	return nil
}

// LastSessionStart returns when the domain's most recent session started, or
// crawl.ErrNotFound for a never-crawled domain.
func (s *Store) LastSessionStart(ctx context.Context, domain string) (time.Time, error) {
	query := `SELECT started_at FROM sessions WHERE domain = $1 ORDER BY started_at DESC LIMIT 1`

	var started time.Time
	err := s.db.QueryRow(ctx, query, domain).Scan(&started)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, fmt.Errorf("last session for %s: %w", domain, crawl.ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("last session start: %w", err)
	}
	return started, nil
}
