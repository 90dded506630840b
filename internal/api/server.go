// Package api exposes the admin HTTP interface: health, metrics, control
// switches and per-session crawl state.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/harmonysearch/crawler/internal/control"
	"github.com/harmonysearch/crawler/internal/crawl"
	"github.com/harmonysearch/crawler/internal/metrics"
	"github.com/harmonysearch/crawler/internal/worker"
)

// WorkerStatus reports the worker loop's counters.
type WorkerStatus interface {
	Status() worker.Stats
}

// CampaignRunner triggers scheduler tasks on demand.
type CampaignRunner interface {
	DiscoverAndSchedule(ctx context.Context) error
	DrainQueue(ctx context.Context) error
}

// Server wires HTTP handlers to the stores, the worker and the scheduler.
type Server struct {
	router    chi.Router
	jobs      crawl.JobStore
	sessions  crawl.SessionStore
	progress  crawl.ProgressStore
	worker    WorkerStatus
	scheduler CampaignRunner
	switches  *control.Switches
	clock     crawl.Clock
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs crawl.JobStore,
	sessions crawl.SessionStore,
	progress crawl.ProgressStore,
	workerStatus WorkerStatus,
	campaigns CampaignRunner,
	switches *control.Switches,
	clock crawl.Clock,
	logger *zap.Logger,
) *Server {
	s := &Server{
		jobs:      jobs,
		sessions:  sessions,
		progress:  progress,
		worker:    workerStatus,
		scheduler: campaigns,
		switches:  switches,
		clock:     clock,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", s.schedulerStatus)
			r.Post("/force-stop", s.forceStop)
			r.Post("/pause-index", s.pauseIndex)
			r.Post("/resume", s.resume)
			r.Post("/discover", s.discover)
			r.Post("/drain", s.drain)
		})
		r.Get("/worker/status", s.workerStatus)
		r.Route("/crawls/{session_id}", func(r chi.Router) {
			r.Get("/", s.getCrawl)
			r.Post("/cancel", s.cancelCrawl)
			r.Delete("/state", s.deleteCrawlState)
		})
		r.Get("/sessions/{session_id}/stats", s.sessionStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The job store is the one dependency the service cannot run without.
	if _, err := s.jobs.CountByStatus(r.Context(), "readiness-probe"); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) schedulerStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.switches.Snapshot())
}

func (s *Server) forceStop(w http.ResponseWriter, _ *http.Request) {
	state := s.switches.ForceStop()
	s.logger.Warn("force stop requested")
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) pauseIndex(w http.ResponseWriter, _ *http.Request) {
	state := s.switches.ForcePauseIndex()
	s.logger.Warn("index pause requested")
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) resume(w http.ResponseWriter, _ *http.Request) {
	state := s.switches.Resume()
	s.logger.Info("operations resumed")
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.DiscoverAndSchedule(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "discovery triggered"})
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.DrainQueue(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "drain triggered"})
}

func (s *Server) workerStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.worker.Status())
}

// getCrawl returns the live progress record when one exists, falling back to
// the durable session row for crawls whose ephemeral state has expired.
func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	progress, err := s.progress.Get(r.Context(), sessionID)
	if err == nil {
		s.writeJSON(w, http.StatusOK, progress)
		return
	}
	if !errors.Is(err, crawl.ErrNotFound) {
		s.writeError(w, http.StatusInternalServerError, "progress store unavailable")
		return
	}

	session, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "crawl not found")
		return
	}
	s.writeJSON(w, http.StatusOK, crawl.Progress{
		SessionID:   session.SessionID,
		Domain:      session.Domain,
		Status:      string(session.Status),
		StartedAt:   session.StartedAt,
		EndedAt:     session.EndedAt,
		CancelledAt: session.CancelledAt,
		Cancelled:   session.Status == crawl.SessionCancelled,
		LastUpdated: session.StartedAt,
	})
}

// cancelCrawl flags the session for cancellation and records the terminal
// status. In-flight jobs observe the flag on their next check; the backlog
// drains as failed without further fetches.
func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	session, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "crawl not found")
		return
	}
	if session.Status != crawl.SessionRunning {
		s.writeError(w, http.StatusConflict, "crawl is not running")
		return
	}

	if err := s.progress.RequestCancel(r.Context(), sessionID); err != nil && !errors.Is(err, crawl.ErrNotFound) {
		s.writeError(w, http.StatusServiceUnavailable, "cancellation unavailable")
		return
	}
	if err := s.sessions.EndSession(r.Context(), sessionID, crawl.SessionCancelled, s.clock.Now()); err != nil {
		s.writeError(w, http.StatusInternalServerError, "record cancellation")
		return
	}

	s.logger.Info("crawl cancelled", zap.String("session_id", sessionID))
	s.writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"status":     string(crawl.SessionCancelled),
	})
}

func (s *Server) deleteCrawlState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if err := s.progress.Delete(r.Context(), sessionID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "delete crawl state")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionStats(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	session, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	counts, err := s.jobs.CountByStatus(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "count jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.SessionID,
		"domain":     session.Domain,
		"status":     session.Status,
		"started_at": session.StartedAt,
		"ended_at":   session.EndedAt,
		"jobs":       counts,
		"total":      counts.Total(),
	})
}
