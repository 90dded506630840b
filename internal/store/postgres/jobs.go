package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/harmonysearch/crawler/internal/crawl"
)

// jobColumns lists the columns scanned into a crawl.Job.
const jobColumns = `job_id, session_id, domain, url, depth, max_depth, status,
	priority, COALESCE(failure_reason, ''), indexed, created_at, updated_at`

// CreateJob inserts a new pending job. Duplicate (session_id, url) pairs are
// silently dropped.
func (s *Store) CreateJob(ctx context.Context, job crawl.Job) error {
	query := `
		INSERT INTO jobs (job_id, session_id, domain, url, depth, max_depth, status, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, url) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query,
		job.JobID, job.SessionID, job.Domain, job.URL,
		job.Depth, job.MaxDepth, crawl.JobPending, job.Priority,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// ClaimNext atomically selects up to n pending jobs, ordered by priority
// descending then creation time ascending, and flips them to processing.
// SKIP LOCKED guarantees no two concurrent callers claim the same job.
func (s *Store) ClaimNext(ctx context.Context, n int) ([]crawl.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	query := `
		WITH claimable AS (
			SELECT job_id
			FROM jobs
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'processing', updated_at = NOW()
		FROM claimable c
		WHERE j.job_id = c.job_id
		RETURNING j.job_id, j.session_id, j.domain, j.url, j.depth, j.max_depth,
			j.status, j.priority, COALESCE(j.failure_reason, ''), j.indexed,
			j.created_at, j.updated_at
	`
	rows, err := s.db.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return jobs, nil
}

// CompleteJob marks a processing job completed. Calling it on a job already
// in a terminal state is a no-op that reports success.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = 'completed', updated_at = NOW()
		WHERE job_id = $1 AND status = 'processing'
	`
	if _, err := s.db.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob marks a processing job failed with a reason. Idempotent like
// CompleteJob; a failed job is terminal, there is no retry.
func (s *Store) FailJob(ctx context.Context, jobID, reason string) error {
	query := `
		UPDATE jobs
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE job_id = $1 AND status = 'processing'
	`
	if _, err := s.db.Exec(ctx, query, jobID, reason); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// FinishJob commits a job's terminal transition and its child inserts in one
// transaction. Readers never observe the status change without the children
// or vice versa.
func (s *Store) FinishJob(ctx context.Context, result crawl.JobResult) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finish transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	terminal := `
		UPDATE jobs
		SET status = $2, failure_reason = $3, updated_at = NOW()
		WHERE job_id = $1 AND status = 'processing'
	`
	var reason any
	if result.FailureReason != "" {
		reason = result.FailureReason
	}
	if _, err := tx.Exec(ctx, terminal, result.Parent.JobID, result.Status, reason); err != nil {
		return fmt.Errorf("finish job transition: %w", err)
	}

	if _, err := insertChildren(ctx, tx, result.Parent, result.Children); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit finish transaction: %w", err)
	}
	return nil
}

// EnqueueChildren inserts pending child jobs for the parent's discovered
// links, deduplicated by (session_id, url). Returns how many were inserted.
func (s *Store) EnqueueChildren(ctx context.Context, parent crawl.Job, children []crawl.Child) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	inserted, err := insertChildren(ctx, tx, parent, children)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit enqueue transaction: %w", err)
	}
	return inserted, nil
}

// insertChildren writes child jobs at depth parent+1 inside tx. The depth
// ceiling is enforced here: no row ever exceeds the parent's max_depth.
func insertChildren(ctx context.Context, tx pgx.Tx, parent crawl.Job, children []crawl.Child) (int, error) {
	depth := parent.Depth + 1
	if depth > parent.MaxDepth || len(children) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO jobs (job_id, session_id, domain, url, depth, max_depth, status, priority)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, 'pending', $6)
		ON CONFLICT (session_id, url) DO NOTHING
	`
	inserted := 0
	for _, child := range children {
		tag, err := tx.Exec(ctx, query,
			parent.SessionID, parent.Domain, child.URL, depth, parent.MaxDepth, child.Priority,
		)
		if err != nil {
			return 0, fmt.Errorf("enqueue child %s: %w", child.URL, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// CountByStatus returns per-status job counts for one session.
func (s *Store) CountByStatus(ctx context.Context, sessionID string) (crawl.StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM jobs WHERE session_id = $1 GROUP BY status`

	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return crawl.StatusCounts{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var counts crawl.StatusCounts
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return crawl.StatusCounts{}, fmt.Errorf("scan job counts: %w", err)
		}
		switch crawl.JobStatus(status) {
		case crawl.JobPending:
			counts.Pending = count
		case crawl.JobProcessing:
			counts.Processing = count
		case crawl.JobCompleted:
			counts.Completed = count
		case crawl.JobFailed:
			counts.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return crawl.StatusCounts{}, fmt.Errorf("iterate job counts: %w", err)
	}
	return counts, nil
}

// ListUnindexed returns completed jobs not yet applied to the index, oldest
// first.
func (s *Store) ListUnindexed(ctx context.Context, limit int) ([]crawl.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'completed' AND indexed = FALSE
		ORDER BY updated_at ASC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list unindexed jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("list unindexed jobs: %w", err)
	}
	return jobs, nil
}

// MarkIndexed records that a job's content has been applied to the index.
func (s *Store) MarkIndexed(ctx context.Context, jobID string) error {
	query := `UPDATE jobs SET indexed = TRUE, updated_at = NOW() WHERE job_id = $1`

	tag, err := s.db.Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("mark job indexed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job indexed %s: %w", jobID, crawl.ErrNotFound)
	}
	return nil
}

// GetJob fetches a single job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawl.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	job, err := scanJob(s.db.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Job{}, fmt.Errorf("get job %s: %w", jobID, crawl.ErrNotFound)
		}
		return crawl.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (crawl.Job, error) {
	var job crawl.Job
	err := row.Scan(
		&job.JobID, &job.SessionID, &job.Domain, &job.URL,
		&job.Depth, &job.MaxDepth, &job.Status, &job.Priority,
		&job.FailureReason, &job.Indexed, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return crawl.Job{}, err
	}
	return job, nil
}

func scanJobs(rows pgx.Rows) ([]crawl.Job, error) {
	var jobs []crawl.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}
