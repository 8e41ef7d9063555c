// -----------------------------------------------------------------------
// Startup recovery - reconciles persisted job state before the dispatch
// loop accepts new admissions
// -----------------------------------------------------------------------

package scheduler

import (
	"strconv"
	"time"

	"github.com/loadforge/loadsched/internal/errs"
	"github.com/loadforge/loadsched/internal/model"
	"github.com/loadforge/loadsched/internal/repository"
)

const shutdownStopReason = "Stopped by server shutdown."

// Keys for the operator tunables persisted under the repository's Config
// kind so a refresh survives a restart.
const (
	configKeySchedulerDelay = "scheduler_delay_seconds"
	configKeyStartBuffer    = "start_buffer_seconds"
)

// loadPersistedTunables re-applies tunable values saved by an earlier
// config refresh. Missing records mean the file/default values stand;
// read failures are logged only.
func (s *Scheduler) loadPersistedTunables() {
	delay, bufferSet := -1, -1
	if v, err := s.repo.GetConfig(configKeySchedulerDelay); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			delay = n
		}
	} else if err != repository.ErrNotFound {
		s.logger.Warn().Err(err).Msg("Failed to read persisted scheduler delay")
	}
	if v, err := s.repo.GetConfig(configKeyStartBuffer); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			bufferSet = n
		}
	} else if err != repository.ErrNotFound {
		s.logger.Warn().Err(err).Msg("Failed to read persisted start buffer")
	}
	s.mu.Lock()
	if delay < 1 {
		delay = int(s.schedulerDelay / time.Second)
	}
	if bufferSet < 0 {
		bufferSet = int(s.startBuffer / time.Second)
	}
	s.applyTunables(delay, bufferSet)
	s.mu.Unlock()
}

// persistTunables records the last-applied tunable values.
func (s *Scheduler) persistTunables(delaySeconds, bufferSeconds int) {
	if err := s.repo.PutConfig(configKeySchedulerDelay, strconv.Itoa(delaySeconds)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist scheduler delay")
	}
	if err := s.repo.PutConfig(configKeyStartBuffer, strconv.Itoa(bufferSeconds)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist start buffer")
	}
}

// recover reconciles the repository with a fresh process:
//
//  1. Jobs persisted as Running were interrupted by the previous shutdown;
//     each is rewritten to StoppedByShutdown, along with its parent
//     optimizing job if it has one. Failures here are logged, not fatal.
//  2. Disabled jobs are placed in pending first - they may be dependencies
//     of not-yet-started jobs, so they must be known before step 3. A
//     repository failure here aborts recovery.
//  3. NotYetStarted jobs are placed in pending. Failure aborts recovery.
//  4. Parent optimizing jobs of every pending child are loaded into the
//     optimizing map. Failure aborts recovery.
//
// Recovery is idempotent: a second run over the same repository leaves
// every job in the same state.
func (s *Scheduler) recover() error {
	s.loadPersistedTunables()

	running, err := s.repo.ListJobsByState(model.JobStateRunning)
	if err != nil {
		s.logger.Error().Err(err).Msg("Recovery: failed to list running jobs - skipping shutdown rewrite")
	} else {
		for _, job := range running {
			job.State = model.JobStateStoppedByShutdown
			job.AppendLog(shutdownStopReason)
			if err := s.repo.PutJob(job); err != nil {
				s.logger.Error().Err(err).Str("correlationid", job.ID).Msg("Recovery: failed to persist shutdown state")
			}
			if job.HasParentOptimizingJob() {
				s.stopParentForShutdown(job.ParentOptimizingJobID)
			}
			s.logger.Info().Str("correlationid", job.ID).Msg("Recovery: running job marked stopped by shutdown")
		}
	}

	disabled, err := s.repo.ListJobsByState(model.JobStateDisabled)
	if err != nil {
		return &errs.InternalError{Op: "recovery: list disabled jobs", Cause: err}
	}
	notStarted, err := s.repo.ListJobsByState(model.JobStateNotYetStarted)
	if err != nil {
		return &errs.InternalError{Op: "recovery: list not-yet-started jobs", Cause: err}
	}

	s.mu.Lock()
	for _, job := range disabled {
		s.pending.add(job)
	}
	for _, job := range notStarted {
		s.pending.add(job)
	}
	pendingParents := make(map[string]bool)
	for _, job := range s.pending.all() {
		if job.HasParentOptimizingJob() && !pendingParents[job.ParentOptimizingJobID] {
			pendingParents[job.ParentOptimizingJobID] = true
		}
	}
	s.mu.Unlock()

	for parentID := range pendingParents {
		oj, err := s.repo.GetOptimizingJob(parentID)
		if err != nil {
			return &errs.InternalError{Op: "recovery: load parent optimizing job " + parentID, Cause: err}
		}
		s.mu.Lock()
		s.optimizing[oj.ID] = oj
		s.mu.Unlock()
	}

	s.mu.Lock()
	pendingCount := s.pending.len()
	s.mu.Unlock()
	s.logger.Info().
		Int("pending", pendingCount).
		Int("recovered_running", len(running)).
		Int("parents", len(pendingParents)).
		Msg("Recovery complete")
	return nil
}

// stopParentForShutdown rewrites an interrupted optimizing job to
// StoppedByShutdown. Not-found and write failures are logged only.
func (s *Scheduler) stopParentForShutdown(ojID string) {
	oj, err := s.repo.GetOptimizingJob(ojID)
	if err != nil {
		if err != repository.ErrNotFound {
			s.logger.Error().Err(err).Str("correlationid", ojID).Msg("Recovery: failed to load parent optimizing job")
		}
		return
	}
	if oj.DoneRunning() {
		return
	}
	oj.State = model.JobStateStoppedByShutdown
	oj.StopReason = shutdownStopReason
	if err := s.repo.PutOptimizingJob(oj); err != nil {
		s.logger.Error().Err(err).Str("correlationid", ojID).Msg("Recovery: failed to persist parent shutdown state")
	}
}
