// Package fetch retrieves pages over HTTP and extracts their title, text and
// outgoing links.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/harmonysearch/crawler/internal/crawl"
)

// Config tunes the HTTP client behind the fetcher.
type Config struct {
	UserAgent          string
	RequestTimeout     time.Duration
	Parallelism        int
	RateLimitPerDomain int
	MaxBodyBytes       int
	IgnoreRobots       bool
}

// Fetcher implements crawl.Fetcher with a Colly collector. Each call clones
// the base collector, so per-request handlers never leak between fetches.
type Fetcher struct {
	base   *colly.Collector
	clock  crawl.Clock
	logger *zap.Logger
}

// New builds a fetcher with a shared transport and per-domain rate limit.
func New(cfg Config, clock crawl.Clock, logger *zap.Logger) (*Fetcher, error) {
	base := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	)
	base.AllowURLRevisit = true
	base.IgnoreRobotsTxt = cfg.IgnoreRobots
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       max(2, cfg.Parallelism*2),
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	delay := time.Second / time.Duration(max(1, cfg.RateLimitPerDomain))
	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: max(1, cfg.Parallelism),
		Delay:       delay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limit: %w", err)
	}

	return &Fetcher{base: base, clock: clock, logger: logger}, nil
}

type extraction struct {
	mu    sync.Mutex
	title string
	text  strings.Builder
	links []string
}

// FetchAndExtract retrieves one URL and returns its extracted page.
func (f *Fetcher) FetchAndExtract(ctx context.Context, rawURL string) (crawl.Page, error) {
	collector := f.base.Clone()

	var (
		ex      extraction
		once    sync.Once
		fetchEr error
		done    = make(chan struct{})
	)
	finish := func(err error) {
		once.Do(func() {
			fetchEr = err
			close(done)
		})
	}

	collector.OnHTML("title", func(e *colly.HTMLElement) {
		ex.mu.Lock()
		if ex.title == "" {
			ex.title = strings.TrimSpace(e.Text)
		}
		ex.mu.Unlock()
	})
	collector.OnHTML("body", func(e *colly.HTMLElement) {
		ex.mu.Lock()
		ex.text.WriteString(e.Text)
		ex.mu.Unlock()
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		ex.mu.Lock()
		ex.links = append(ex.links, link)
		ex.mu.Unlock()
	})
	collector.OnScraped(func(*colly.Response) {
		finish(nil)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown fetch error")
		}
		finish(err)
	})

	if err := collector.Visit(rawURL); err != nil {
		return crawl.Page{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	collector.Wait()

	select {
	case <-done:
	default:
		return crawl.Page{}, fmt.Errorf("fetch %s: no response", rawURL)
	}
	if fetchEr != nil {
		return crawl.Page{}, fmt.Errorf("fetch %s: %w", rawURL, fetchEr)
	}
	if err := ctx.Err(); err != nil {
		return crawl.Page{}, err
	}

	page := crawl.Page{
		URL:       rawURL,
		Title:     ex.title,
		Content:   collapseWhitespace(ex.text.String()),
		Links:     ex.links,
		FetchedAt: f.clock.Now(),
	}
	f.logger.Debug("fetched page",
		zap.String("url", rawURL),
		zap.Int("links", len(page.Links)),
		zap.Int("content_bytes", len(page.Content)),
	)
	return page, nil
}

// collapseWhitespace squeezes runs of whitespace into single spaces so the
// indexed text is stable regardless of source markup.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
