package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/harmonysearch/crawler/internal/clock/system"
	"github.com/harmonysearch/crawler/internal/control"
	"github.com/harmonysearch/crawler/internal/crawl"
	"github.com/harmonysearch/crawler/internal/id/uuid"
	"github.com/harmonysearch/crawler/internal/store/memory"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied []string
	failOn  map[string]error
}

func (a *recordingApplier) Apply(_ context.Context, job crawl.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err, ok := a.failOn[job.JobID]; ok {
		return err
	}
	a.applied = append(a.applied, job.JobID)
	return nil
}

func seedCompleted(t *testing.T, s *memory.Store, jobIDs ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range jobIDs {
		require.NoError(t, s.CreateJob(ctx, crawl.Job{
			JobID:     id,
			SessionID: "sess-1",
			Domain:    "example.com",
			URL:       "https://example.com/" + id,
			MaxDepth:  1,
		}))
	}
	claimed, err := s.ClaimNext(ctx, len(jobIDs))
	require.NoError(t, err)
	for _, job := range claimed {
		require.NoError(t, s.CompleteJob(ctx, job.JobID))
	}
}

func TestRunOnceAppliesAndMarks(t *testing.T) {
	t.Parallel()

	store := memory.New(system.Clock{}, uuid.NewGenerator())
	seedCompleted(t, store, "j1", "j2")
	applier := &recordingApplier{}
	ix := New(Config{BatchSize: 10}, store, applier, control.New(4, 24), zaptest.NewLogger(t))

	applied, err := ix.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, applied)
	require.ElementsMatch(t, []string{"j1", "j2"}, applier.applied)

	remaining, err := store.ListUnindexed(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestRunOncePausedDoesNothing(t *testing.T) {
	t.Parallel()

	store := memory.New(system.Clock{}, uuid.NewGenerator())
	seedCompleted(t, store, "j1")
	applier := &recordingApplier{}
	switches := control.New(4, 24)
	switches.ForcePauseIndex()
	ix := New(Config{BatchSize: 10}, store, applier, switches, zaptest.NewLogger(t))

	applied, err := ix.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, applied)
	require.Empty(t, applier.applied)

	// Backlog is intact for when indexing resumes.
	remaining, err := store.ListUnindexed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestRunOnceSkipsFailedApplications(t *testing.T) {
	t.Parallel()

	store := memory.New(system.Clock{}, uuid.NewGenerator())
	seedCompleted(t, store, "bad", "good")
	applier := &recordingApplier{failOn: map[string]error{"bad": errors.New("sink unavailable")}}
	ix := New(Config{BatchSize: 10}, store, applier, control.New(4, 24), zaptest.NewLogger(t))

	applied, err := ix.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	remaining, err := store.ListUnindexed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "bad", remaining[0].JobID)
}
