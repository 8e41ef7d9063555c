// -----------------------------------------------------------------------
// Admin HTTP surface - a thin stand-in for the out-of-scope admin UI,
// exposing the scheduler's public operations over JSON (A3)
// -----------------------------------------------------------------------

package adminhttp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/loadforge/loadsched/internal/common"
	"github.com/loadforge/loadsched/internal/groupcomposer"
	"github.com/loadforge/loadsched/internal/registry"
	"github.com/loadforge/loadsched/internal/scheduler"
)

// Server wraps an http.Server routing the admin operations.
type Server struct {
	sched    *scheduler.Scheduler
	composer *groupcomposer.Composer
	clients  *registry.Registry
	logger   arbor.ILogger
	server   *http.Server
}

// WebSocketHandler is mounted at /ws so browser-facing clients can connect
// over the same port as the admin surface.
type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

func New(cfg *common.ServerConfig, sched *scheduler.Scheduler, composer *groupcomposer.Composer, clients *registry.Registry, ws WebSocketHandler, logger arbor.ILogger) *Server {
	s := &Server{
		sched:    sched,
		composer: composer,
		clients:  clients,
		logger:   logger,
	}

	router := http.NewServeMux()
	router.HandleFunc("POST /jobs", s.handleAdmitJob)
	router.HandleFunc("POST /jobs/optimizing", s.handleAdmitOptimizing)
	router.HandleFunc("POST /groups", s.handleComposeGroup)
	router.HandleFunc("GET /jobs", s.handleListJobs)
	router.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	router.HandleFunc("GET /jobs/{id}/pending-reason", s.handlePendingReason)
	router.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	router.HandleFunc("DELETE /jobs/{id}", s.handleCancelAndDelete)
	router.HandleFunc("POST /jobs/{id}/disable", s.handleDisable)
	router.HandleFunc("POST /jobs/{id}/enable", s.handleEnable)
	router.HandleFunc("GET /optimizing/{id}", s.handleGetOptimizing)
	router.HandleFunc("POST /optimizing/{id}/cancel", s.handleCancelOptimizing)
	router.HandleFunc("GET /healthz", s.handleHealthz)
	router.HandleFunc("GET /metrics", s.handleMetrics)
	router.HandleFunc("GET /logs", s.handleLogs)
	if ws != nil {
		router.HandleFunc("/ws", ws.HandleWebSocket)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.server.Addr).Msg("Admin HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
