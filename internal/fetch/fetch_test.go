package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/harmonysearch/crawler/internal/clock/system"
)

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	f, err := New(Config{
		UserAgent:          "crawler-test/1.0",
		RequestTimeout:     5 * time.Second,
		Parallelism:        2,
		RateLimitPerDomain: 100,
		MaxBodyBytes:       1 << 20,
		IgnoreRobots:       true,
	}, system.Clock{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return f
}

func TestFetchAndExtract(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html>
			<head><title>  Hello World  </title></head>
			<body>
				<p>Some   body
				text.</p>
				<a href="/about">About</a>
				<a href="https://other.example/x">External</a>
				<a href="#frag">Fragment</a>
			</body>
		</html>`))
	}))
	defer srv.Close()

	page, err := newTestFetcher(t).FetchAndExtract(context.Background(), srv.URL+"/")
	require.NoError(t, err)

	require.Equal(t, "Hello World", page.Title)
	require.Contains(t, page.Content, "Some body text.")
	require.Contains(t, page.Links, srv.URL+"/about")
	require.Contains(t, page.Links, "https://other.example/x")
	require.False(t, page.FetchedAt.IsZero())
}

func TestFetchAndExtractServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t).FetchAndExtract(context.Background(), srv.URL+"/broken")
	require.Error(t, err)
	require.Contains(t, err.Error(), "fetch")
}

func TestCollapseWhitespace(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a b c", collapseWhitespace("  a\n\tb   c\n"))
	require.Empty(t, collapseWhitespace(" \n\t "))
}
