package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harmonysearch/crawler/internal/crawl"
)

func TestMergeDeltaAccumulatesCounters(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	p := crawl.Progress{
		SessionID:    "sess-1",
		PagesCrawled: 3,
		PagesFailed:  1,
		CurrentURL:   "https://example.com/old",
	}

	p = mergeDelta(p, crawl.ProgressDelta{PagesCrawled: 2, PagesSkipped: 1, CurrentURL: "https://example.com/new"}, now)

	require.Equal(t, 5, p.PagesCrawled)
	require.Equal(t, 1, p.PagesFailed)
	require.Equal(t, 1, p.PagesSkipped)
	require.Equal(t, "https://example.com/new", p.CurrentURL)
	require.Equal(t, now, p.LastUpdated)
}

func TestMergeDeltaKeepsCurrentURLWhenDeltaOmitsIt(t *testing.T) {
	t.Parallel()

	p := crawl.Progress{CurrentURL: "https://example.com/here"}
	p = mergeDelta(p, crawl.ProgressDelta{PagesCrawled: 1}, time.Now())
	require.Equal(t, "https://example.com/here", p.CurrentURL)
}

func TestMarkCancelledIsMonotonic(t *testing.T) {
	t.Parallel()

	first := time.Unix(1700000000, 0).UTC()
	later := first.Add(time.Minute)

	p := markCancelled(crawl.Progress{SessionID: "sess-1"}, first)
	require.True(t, p.Cancelled)
	require.NotNil(t, p.CancelledAt)
	require.Equal(t, first, *p.CancelledAt)

	// A second request must not move the cancellation timestamp.
	p = markCancelled(p, later)
	require.True(t, p.Cancelled)
	require.Equal(t, first, *p.CancelledAt)
	require.Equal(t, later, p.LastUpdated)
}

func TestMarkEnded(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	p := markEnded(crawl.Progress{Status: string(crawl.SessionRunning)}, crawl.SessionCompleted, now)

	require.Equal(t, string(crawl.SessionCompleted), p.Status)
	require.NotNil(t, p.EndedAt)
	require.Equal(t, now, *p.EndedAt)
}
