package crawl

import "time"

// SessionStatus is the lifecycle state of a crawl session.
type SessionStatus string

// Session statuses.
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

// JobStatus is the lifecycle state of a single crawl job.
type JobStatus string

// Job statuses. A job is terminal once completed or failed; there is no
// automatic retry, a failed job stays failed.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// FailureReasonCancelled marks jobs failed because their session was cancelled.
const FailureReasonCancelled = "cancelled"

// Session groups the jobs of one top-level crawl campaign for a domain.
type Session struct {
	SessionID   string
	Domain      string
	Status      SessionStatus
	MaxDepth    int
	StartedAt   time.Time
	EndedAt     *time.Time
	CancelledAt *time.Time
	CreatedAt   time.Time
}

// Job is one unit of work: fetch one URL at one depth.
type Job struct {
	JobID         string
	SessionID     string
	Domain        string
	URL           string
	Depth         int
	MaxDepth      int
	Status        JobStatus
	Priority      float64
	FailureReason string
	Indexed       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Child is a link discovered on a completed page, to be enqueued as a new
// pending job at depth parent+1.
type Child struct {
	URL      string
	Priority float64
}

// JobResult carries a job's terminal transition together with the children it
// discovered. The store commits both in a single transaction.
type JobResult struct {
	Parent        Job
	Status        JobStatus
	FailureReason string
	Children      []Child
}

// StatusCounts holds per-status job counts for one session.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the number of jobs in any status.
func (c StatusCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// Settled reports whether no jobs remain pending or in flight.
func (c StatusCounts) Settled() bool {
	return c.Pending == 0 && c.Processing == 0
}

// Site is a registered domain the scheduler crawls periodically.
type Site struct {
	Domain      string
	Enabled     bool
	NextCrawlAt *time.Time
	CreatedAt   time.Time
}

// Page is the result of fetching and extracting one URL.
type Page struct {
	URL       string
	Title     string
	Content   string
	Links     []string
	FetchedAt time.Time
}

// Progress is the ephemeral, TTL-bounded state of a live crawl session.
type Progress struct {
	SessionID    string     `json:"crawl_id"`
	Domain       string     `json:"domain"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	PagesCrawled int        `json:"pages_crawled"`
	PagesFailed  int        `json:"pages_failed"`
	PagesSkipped int        `json:"pages_skipped"`
	CurrentURL   string     `json:"current_url,omitempty"`
	Cancelled    bool       `json:"cancelled"`
	LastUpdated  time.Time  `json:"last_updated"`
}

// ProgressDelta is merged into a Progress record by UpdateProgress.
type ProgressDelta struct {
	PagesCrawled int
	PagesFailed  int
	PagesSkipped int
	CurrentURL   string
}
