// Package control holds the process-wide crawl/index control switches.
//
// The switches are an explicitly injected, mutex-guarded state object shared
// by the worker, the indexer and the scheduler. Readers take a fresh snapshot
// on every poll iteration, so flipping a switch is visible within one cycle.
package control

import "sync"

// State is an immutable snapshot of the switches.
type State struct {
	CrawlEnabled     bool    `json:"crawl_enabled"`
	IndexEnabled     bool    `json:"index_enabled"`
	ForceStop        bool    `json:"force_stop"`
	ForcePauseIndex  bool    `json:"force_pause_index"`
	MinIntervalHours float64 `json:"min_interval_hours"`
	MaxIntervalHours float64 `json:"max_interval_hours"`
}

// Switches is the shared control state. The zero value is not usable; use New.
type Switches struct {
	mu    sync.RWMutex
	state State
}

// New creates Switches with crawling and indexing enabled and the given
// scheduling interval bounds in hours.
func New(minIntervalHours, maxIntervalHours float64) *Switches {
	return &Switches{
		state: State{
			CrawlEnabled:     true,
			IndexEnabled:     true,
			MinIntervalHours: minIntervalHours,
			MaxIntervalHours: maxIntervalHours,
		},
	}
}

// Snapshot returns the current state.
func (s *Switches) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetCrawlEnabled toggles crawling.
func (s *Switches) SetCrawlEnabled(enabled bool) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.CrawlEnabled = enabled
	return s.state
}

// SetIndexEnabled toggles index application.
func (s *Switches) SetIndexEnabled(enabled bool) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.IndexEnabled = enabled
	return s.state
}

// ForceStop halts claiming of new jobs. In-flight jobs run to completion;
// their children stay pending until Resume.
func (s *Switches) ForceStop() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ForceStop = true
	s.state.CrawlEnabled = false
	return s.state
}

// ForcePauseIndex pauses index application without stopping crawling.
func (s *Switches) ForcePauseIndex() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ForcePauseIndex = true
	s.state.IndexEnabled = false
	return s.state
}

// Resume clears force flags and re-enables crawling and indexing.
func (s *Switches) Resume() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ForceStop = false
	s.state.ForcePauseIndex = false
	s.state.CrawlEnabled = true
	s.state.IndexEnabled = true
	return s.state
}
