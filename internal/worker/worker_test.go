package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/harmonysearch/crawler/internal/clock/system"
	"github.com/harmonysearch/crawler/internal/control"
	"github.com/harmonysearch/crawler/internal/crawl"
	"github.com/harmonysearch/crawler/internal/id/uuid"
	"github.com/harmonysearch/crawler/internal/score"
	"github.com/harmonysearch/crawler/internal/store/memory"
)

type fakeFetcher struct {
	mu          sync.Mutex
	gate        chan struct{}
	calls       int
	inFlight    int
	maxInFlight int
	pages       map[string]crawl.Page
	err         error
}

func (f *fakeFetcher) FetchAndExtract(ctx context.Context, url string) (crawl.Page, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inFlight--
	page, ok := f.pages[url]
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return crawl.Page{}, err
	}
	if !ok {
		page = crawl.Page{URL: url, FetchedAt: time.Now()}
	}
	return page, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	store    *memory.Store
	progress *memory.ProgressStore
	fetcher  *fakeFetcher
	switches *control.Switches
	worker   *Worker
}

func newHarness(t *testing.T, fetcher *fakeFetcher) *harness {
	t.Helper()
	clock := system.Clock{}
	store := memory.New(clock, uuid.NewGenerator())
	progress := memory.NewProgressStore(clock)
	switches := control.New(4, 24)

	w := New(
		Config{
			MaxConcurrentJobs: 3,
			PollInterval:      5 * time.Millisecond,
			PollBackoffStep:   5 * time.Millisecond,
			PollIntervalMax:   20 * time.Millisecond,
			DrainTimeout:      2 * time.Second,
		},
		store, store, progress, fetcher, score.New(), switches, clock, zaptest.NewLogger(t),
	)
	return &harness{store: store, progress: progress, fetcher: fetcher, switches: switches, worker: w}
}

func (h *harness) startSession(t *testing.T, sessionID string, urls ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreateSession(ctx, crawl.Session{
		SessionID: sessionID,
		Domain:    "example.com",
		MaxDepth:  2,
		StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, h.progress.Start(ctx, sessionID, "example.com"))

	ids := uuid.NewGenerator()
	for _, u := range urls {
		id, err := ids.NewID()
		require.NoError(t, err)
		require.NoError(t, h.store.CreateJob(ctx, crawl.Job{
			JobID:     id,
			SessionID: sessionID,
			Domain:    "example.com",
			URL:       u,
			MaxDepth:  2,
		}))
	}
}

func (h *harness) run(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func (h *harness) sessionStatus(t *testing.T, sessionID string) crawl.SessionStatus {
	t.Helper()
	session, err := h.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	return session.Status
}

func TestNextDelayStretchesToCap(t *testing.T) {
	t.Parallel()

	delay := 5 * time.Second
	var seen []time.Duration
	for i := 0; i < 15; i++ {
		delay = nextDelay(delay, 2*time.Second, 30*time.Second)
		seen = append(seen, delay)
	}

	require.Equal(t, 7*time.Second, seen[0])
	require.Equal(t, 9*time.Second, seen[1])
	require.Equal(t, 30*time.Second, seen[len(seen)-1])
	for _, d := range seen {
		require.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestWorkerCrawlsSessionToCompletion(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]crawl.Page{
		"https://example.com/": {
			URL:   "https://example.com/",
			Title: "Home",
			Links: []string{"https://example.com/a", "https://example.com/b", "https://other.example/x"},
		},
	}}
	h := newHarness(t, fetcher)
	h.startSession(t, "sess-1", "https://example.com/")
	h.run(t)

	require.Eventually(t, func() bool {
		return h.sessionStatus(t, "sess-1") == crawl.SessionCompleted
	}, 5*time.Second, 10*time.Millisecond)

	counts, err := h.store.CountByStatus(context.Background(), "sess-1")
	require.NoError(t, err)
	// Root plus the two in-scope children; the off-domain link never lands.
	require.Equal(t, 3, counts.Completed)
	require.Zero(t, counts.Failed)

	stats := h.worker.Status()
	require.EqualValues(t, 3, stats.TotalProcessed)
	require.EqualValues(t, 3, stats.TotalSuccessful)
	require.EqualValues(t, 2, stats.TotalQueued)
}

func TestWorkerBoundsConcurrency(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	fetcher := &fakeFetcher{gate: gate}
	h := newHarness(t, fetcher)

	urls := make([]string, 10)
	for i := range urls {
		urls[i] = "https://example.com/p" + string(rune('a'+i))
	}
	h.startSession(t, "sess-1", urls...)
	h.run(t)

	require.Eventually(t, func() bool {
		return h.worker.Status().ActiveJobs == 3
	}, 5*time.Second, 10*time.Millisecond)

	// Fully loaded: no further claims while all slots are busy.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 3, h.worker.Status().ActiveJobs)

	close(gate)
	require.Eventually(t, func() bool {
		return h.worker.Status().TotalProcessed == 10
	}, 5*time.Second, 10*time.Millisecond)

	fetcher.mu.Lock()
	maxSeen := fetcher.maxInFlight
	fetcher.mu.Unlock()
	require.LessOrEqual(t, maxSeen, 3)
}

func TestWorkerFetchFailureMarksJobFailed(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	h := newHarness(t, fetcher)
	h.startSession(t, "sess-1", "https://example.com/")
	h.run(t)

	// Every job failed, so the session itself ends as failed.
	require.Eventually(t, func() bool {
		return h.sessionStatus(t, "sess-1") == crawl.SessionFailed
	}, 5*time.Second, 10*time.Millisecond)

	counts, err := h.store.CountByStatus(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Failed)

	rec, err := h.progress.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, rec.PagesFailed)
}

func TestCancelledSessionDrainsWithoutFetching(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	h.startSession(t, "sess-1",
		"https://example.com/a", "https://example.com/b", "https://example.com/c")
	require.NoError(t, h.progress.RequestCancel(context.Background(), "sess-1"))
	h.run(t)

	require.Eventually(t, func() bool {
		return h.sessionStatus(t, "sess-1") == crawl.SessionCancelled
	}, 5*time.Second, 10*time.Millisecond)

	require.Zero(t, fetcher.fetchCount())

	counts, err := h.store.CountByStatus(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, 3, counts.Failed)
}

func TestCancelMidFlightFailsJob(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	fetcher := &fakeFetcher{gate: gate, pages: map[string]crawl.Page{
		"https://example.com/": {URL: "https://example.com/", Links: []string{"https://example.com/next"}},
	}}
	h := newHarness(t, fetcher)
	h.startSession(t, "sess-1", "https://example.com/")
	h.run(t)

	require.Eventually(t, func() bool {
		return fetcher.fetchCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.progress.RequestCancel(context.Background(), "sess-1"))
	close(gate)

	require.Eventually(t, func() bool {
		return h.sessionStatus(t, "sess-1") == crawl.SessionCancelled
	}, 5*time.Second, 10*time.Millisecond)

	// The fetched page is discarded: no children were enqueued.
	counts, err := h.store.CountByStatus(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCounts{Failed: 1}, counts)
}

func TestForceStopHaltsClaiming(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	h.startSession(t, "sess-1", "https://example.com/")
	h.switches.ForceStop()
	h.run(t)

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, fetcher.fetchCount())

	h.switches.Resume()
	require.Eventually(t, func() bool {
		return h.sessionStatus(t, "sess-1") == crawl.SessionCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPollDelayResetsAfterClaim(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	h := newHarness(t, fetcher)
	ctx := context.Background()

	require.Equal(t, 10*time.Millisecond, h.worker.poll(ctx))
	require.Equal(t, 15*time.Millisecond, h.worker.poll(ctx))

	h.startSession(t, "sess-1", "https://example.com/")
	require.Equal(t, 5*time.Millisecond, h.worker.poll(ctx))
}

// ctxGuardedStore refuses writes on a done context, the way a driver-backed
// store does.
type ctxGuardedStore struct {
	*memory.Store
}

func (s *ctxGuardedStore) FinishJob(ctx context.Context, result crawl.JobResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.FinishJob(ctx, result)
}

func (s *ctxGuardedStore) FailJob(ctx context.Context, jobID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.FailJob(ctx, jobID, reason)
}

func TestShutdownDrainCommitsInFlightJobs(t *testing.T) {
	t.Parallel()

	clock := system.Clock{}
	store := &ctxGuardedStore{Store: memory.New(clock, uuid.NewGenerator())}
	progress := memory.NewProgressStore(clock)
	gate := make(chan struct{})
	fetcher := &fakeFetcher{gate: gate, pages: map[string]crawl.Page{
		"https://example.com/": {URL: "https://example.com/", Title: "Home"},
	}}
	w := New(
		Config{
			MaxConcurrentJobs: 3,
			PollInterval:      5 * time.Millisecond,
			PollBackoffStep:   5 * time.Millisecond,
			PollIntervalMax:   20 * time.Millisecond,
			DrainTimeout:      2 * time.Second,
		},
		store, store.Store, progress, fetcher, score.New(), control.New(4, 24), clock, zaptest.NewLogger(t),
	)

	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, crawl.Session{
		SessionID: "sess-1",
		Domain:    "example.com",
		MaxDepth:  2,
		StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, progress.Start(ctx, "sess-1", "example.com"))
	require.NoError(t, store.CreateJob(ctx, crawl.Job{
		JobID:     "job-1",
		SessionID: "sess-1",
		Domain:    "example.com",
		URL:       "https://example.com/",
		MaxDepth:  2,
	}))

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return fetcher.fetchCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Shutdown while the fetch is in flight, then let it finish.
	cancel()
	close(gate)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain")
	}

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobCompleted, job.Status)

	session, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, crawl.SessionCompleted, session.Status)
}
