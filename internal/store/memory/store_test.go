package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harmonysearch/crawler/internal/clock/system"
	"github.com/harmonysearch/crawler/internal/crawl"
	"github.com/harmonysearch/crawler/internal/id/uuid"
)

var (
	_ crawl.JobStore      = (*Store)(nil)
	_ crawl.SessionStore  = (*Store)(nil)
	_ crawl.SiteStore     = (*Store)(nil)
	_ crawl.IndexQueue    = (*Store)(nil)
	_ crawl.ProgressStore = (*ProgressStore)(nil)
)

func newTestStore() *Store {
	return New(system.Clock{}, uuid.NewGenerator())
}

func seedJobs(t *testing.T, s *Store, n int) {
	t.Helper()
	ids := uuid.NewGenerator()
	for i := 0; i < n; i++ {
		id, err := ids.NewID()
		require.NoError(t, err)
		require.NoError(t, s.CreateJob(context.Background(), crawl.Job{
			JobID:     id,
			SessionID: "sess-1",
			Domain:    "example.com",
			URL:       "https://example.com/" + id,
			MaxDepth:  3,
		}))
	}
}

func TestClaimNextNeverDoubleClaims(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	seedJobs(t, s, 10)

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := s.ClaimNext(context.Background(), 3)
			require.NoError(t, err)
			mu.Lock()
			for _, j := range jobs {
				claimed[j.JobID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, claimed, 10)
	for id, n := range claimed {
		require.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestClaimNextOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, crawl.Job{JobID: "low", SessionID: "s", URL: "https://e.com/a", Priority: 0.1, MaxDepth: 1}))
	require.NoError(t, s.CreateJob(ctx, crawl.Job{JobID: "high", SessionID: "s", URL: "https://e.com/b", Priority: 0.9, MaxDepth: 1}))

	jobs, err := s.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "high", jobs[0].JobID)
}

func TestTerminalTransitionsAreIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, crawl.Job{JobID: "j1", SessionID: "s", URL: "https://e.com/", MaxDepth: 1}))
	_, err := s.ClaimNext(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, s.CompleteJob(ctx, "j1"))
	// Late failure report must not overwrite the completed status.
	require.NoError(t, s.FailJob(ctx, "j1", "too late"))

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobCompleted, job.Status)
	require.Empty(t, job.FailureReason)
}

func TestFinishJobEnqueuesChildrenWithinDepth(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, crawl.Job{JobID: "root", SessionID: "s", Domain: "e.com", URL: "https://e.com/", Depth: 0, MaxDepth: 1}))
	claimed, err := s.ClaimNext(ctx, 1)
	require.NoError(t, err)

	err = s.FinishJob(ctx, crawl.JobResult{
		Parent: claimed[0],
		Status: crawl.JobCompleted,
		Children: []crawl.Child{
			{URL: "https://e.com/a", Priority: 0.5},
			{URL: "https://e.com/a", Priority: 0.5}, // duplicate
		},
	})
	require.NoError(t, err)

	counts, err := s.CountByStatus(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCounts{Pending: 1, Completed: 1}, counts)

	// Children of the depth-1 job would land at depth 2, past max_depth.
	leaf, err := s.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, leaf[0].Depth)
	inserted, err := s.EnqueueChildren(ctx, leaf[0], []crawl.Child{{URL: "https://e.com/deep"}})
	require.NoError(t, err)
	require.Zero(t, inserted)
}

func TestEndSessionFirstTransitionWins(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateSession(ctx, crawl.Session{SessionID: "s", Domain: "e.com", StartedAt: now}))

	require.NoError(t, s.EndSession(ctx, "s", crawl.SessionCancelled, now))
	require.NoError(t, s.EndSession(ctx, "s", crawl.SessionCompleted, now.Add(time.Minute)))

	session, err := s.GetSession(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, crawl.SessionCancelled, session.Status)
	require.NotNil(t, session.CancelledAt)
}

func TestIndexQueueRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, crawl.Job{JobID: "j1", SessionID: "s", URL: "https://e.com/", MaxDepth: 1}))
	_, err := s.ClaimNext(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.CompleteJob(ctx, "j1"))

	jobs, err := s.ListUnindexed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, s.MarkIndexed(ctx, "j1"))
	jobs, err = s.ListUnindexed(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, jobs)

	require.ErrorIs(t, s.MarkIndexed(ctx, "nope"), crawl.ErrNotFound)
}

func TestProgressStoreCancellation(t *testing.T) {
	t.Parallel()

	p := NewProgressStore(system.Clock{})
	ctx := context.Background()

	cancelled, err := p.IsCancelled(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, cancelled)

	require.NoError(t, p.Start(ctx, "s", "e.com"))
	require.NoError(t, p.RequestCancel(ctx, "s"))

	cancelled, err = p.IsCancelled(ctx, "s")
	require.NoError(t, err)
	require.True(t, cancelled)

	require.NoError(t, p.UpdateProgress(ctx, "s", crawl.ProgressDelta{PagesCrawled: 2}))
	rec, err := p.Get(ctx, "s")
	require.NoError(t, err)
	require.True(t, rec.Cancelled)
	require.Equal(t, 2, rec.PagesCrawled)

	require.NoError(t, p.Delete(ctx, "s"))
	_, err = p.Get(ctx, "s")
	require.ErrorIs(t, err, crawl.ErrNotFound)
}
