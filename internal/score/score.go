// Package score assigns claim priorities to discovered URLs. Higher scores
// are claimed sooner.
package score

import (
	"net/url"
	"strings"

	"github.com/harmonysearch/crawler/internal/crawl"
)

// Scorer ranks URLs by a structural heuristic: shallow, clean paths score
// high, deep or query-heavy ones low. Scores are in (0, 1].
type Scorer struct{}

// New returns the default scorer.
func New() Scorer {
	return Scorer{}
}

var _ crawl.Scorer = Scorer{}

// Priority scores a candidate URL discovered on the given page.
func (Scorer) Priority(rawURL string, _ crawl.Page) float64 {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0.1
	}

	segments := 0
	for _, part := range strings.Split(u.Path, "/") {
		if part != "" {
			segments++
		}
	}

	score := 1.0
	for i := 0; i < segments; i++ {
		score *= 0.8
	}
	if u.RawQuery != "" {
		score *= 0.5
	}
	if score < 0.05 {
		score = 0.05
	}
	return score
}
