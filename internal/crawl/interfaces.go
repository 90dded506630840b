package crawl

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session, job, site or progress record does
// not exist. Callers check it with errors.Is.
var ErrNotFound = errors.New("not found")

// JobStore is the durable source of truth for crawl jobs. ClaimNext is the
// only path from pending to processing and is atomic: no two concurrent
// callers ever observe the same job as claimed.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	ClaimNext(ctx context.Context, n int) ([]Job, error)
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID, reason string) error
	// FinishJob commits a terminal transition and any child inserts as one
	// unit. Nothing is visible to other readers until the unit commits.
	FinishJob(ctx context.Context, result JobResult) error
	EnqueueChildren(ctx context.Context, parent Job, children []Child) (int, error)
	CountByStatus(ctx context.Context, sessionID string) (StatusCounts, error)
}

// SessionStore manages crawl sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// EndSession sets ended_at exactly once, on the first transition out of
	// running. Later calls are no-ops.
	EndSession(ctx context.Context, sessionID string, status SessionStatus, at time.Time) error
	HasActiveSession(ctx context.Context, domain string) (bool, error)
}

// SiteStore manages the fleet of registered domains.
type SiteStore interface {
	ListSites(ctx context.Context) ([]Site, error)
	UpsertSite(ctx context.Context, site Site) error
	SetNextCrawl(ctx context.Context, domain string, at time.Time) error
	// LastSessionStart returns ErrNotFound for a never-crawled domain.
	LastSessionStart(ctx context.Context, domain string) (time.Time, error)
}

// IndexQueue exposes completed-but-unindexed jobs to the indexing stage.
type IndexQueue interface {
	ListUnindexed(ctx context.Context, limit int) ([]Job, error)
	MarkIndexed(ctx context.Context, jobID string) error
}

// ProgressStore is the ephemeral cancellation/progress state, keyed by
// session id. Records carry a TTL refreshed on every update so a live crawl
// never expires mid-flight. It is an optional safety valve: when it is
// unreachable, cancellation is unavailable but crawling continues.
type ProgressStore interface {
	Start(ctx context.Context, sessionID, domain string) error
	UpdateProgress(ctx context.Context, sessionID string, delta ProgressDelta) error
	RequestCancel(ctx context.Context, sessionID string) error
	IsCancelled(ctx context.Context, sessionID string) (bool, error)
	Get(ctx context.Context, sessionID string) (Progress, error)
	End(ctx context.Context, sessionID string, status SessionStatus) error
	Delete(ctx context.Context, sessionID string) error
}

// Fetcher fetches one URL and extracts its content and outgoing links.
type Fetcher interface {
	FetchAndExtract(ctx context.Context, url string) (Page, error)
}

// Scorer assigns a claim priority to a candidate URL. Higher claims sooner.
type Scorer interface {
	Priority(url string, page Page) float64
}

// Applier applies one completed job's content to the search index.
type Applier interface {
	Apply(ctx context.Context, job Job) error
}

// Clock abstracts time.Now for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints opaque identifiers for sessions and jobs.
type IDGenerator interface {
	NewID() (string, error)
}
