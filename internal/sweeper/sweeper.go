// -----------------------------------------------------------------------
// Client liveness sweeper - cron-scheduled eviction of connections that
// have stopped sending traffic (A4)
// -----------------------------------------------------------------------

package sweeper

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/loadforge/loadsched/internal/common"
	"github.com/loadforge/loadsched/internal/registry"
	"github.com/loadforge/loadsched/internal/scheduler"
)

// Sweeper periodically evicts clients whose last-seen timestamp is older
// than the configured stale-after duration. Evicting releases the client's
// reservation implicitly (the record is gone), so the next scheduler scan
// sees the shrunken pool; a job already Running is not pre-emptively
// failed - losing a client only gets noted in the owning job's log.
type Sweeper struct {
	cron       *cron.Cron
	clients    *registry.Registry
	sched      *scheduler.Scheduler
	staleAfter time.Duration
	logger     arbor.ILogger
}

func New(clients *registry.Registry, sched *scheduler.Scheduler, cfg *common.SweeperConfig, logger arbor.ILogger) *Sweeper {
	return &Sweeper{
		cron:       cron.New(cron.WithSeconds()),
		clients:    clients,
		sched:      sched,
		staleAfter: time.Duration(cfg.StaleAfterSeconds) * time.Second,
		logger:     logger,
	}
}

// Start registers the sweep on the configured schedule and starts the cron
// runner.
func (s *Sweeper) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return fmt.Errorf("sweeper schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", schedule).Dur("stale_after", s.staleAfter).Msg("Client liveness sweeper started")
	return nil
}

// Stop halts the cron runner, waiting for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweep() {
	stale := s.clients.StaleSince(s.staleAfter)
	for _, clientID := range stale {
		jobID, ok := s.clients.Unregister(clientID)
		if !ok {
			continue
		}
		if jobID != "" {
			s.sched.NoteClientLost(jobID, clientID)
		}
		s.logger.Warn().
			Str("client_id", clientID).
			Str("reserved_job", jobID).
			Msg("Evicted stale client")
	}
}
