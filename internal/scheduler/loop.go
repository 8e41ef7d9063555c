// -----------------------------------------------------------------------
// Dispatch loop - drives jobs from Pending to Running on one dedicated
// goroutine, sleeping until the nearest known start instant
// -----------------------------------------------------------------------

package scheduler

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/loadforge/loadsched/internal/model"
)

// runLoop is the dispatch loop body. One iteration scans the pending queue
// under the mutex, starts every eligible job in insertion order, then
// blocks on the command channel until the nearest upcoming start instant
// or the scheduler delay elapses, whichever is sooner.
func (s *Scheduler) runLoop() {
	defer close(s.done)

	for {
		earliest := s.scanPending()

		if atomic.LoadInt32(&s.stopRequested) != 0 {
			s.logger.Info().Msg("Scheduler loop stopping")
			return
		}

		s.mu.Lock()
		sleep := s.schedulerDelay
		s.mu.Unlock()
		if !earliest.IsZero() {
			if until := time.Until(earliest); until < sleep {
				sleep = until
			}
		}
		if sleep < 0 {
			sleep = 0
		}
		if sleep > s.pollDelay {
			sleep = s.pollDelay
		}

		timer := time.NewTimer(sleep)
		select {
		case item := <-s.toSchedule:
			timer.Stop()
			s.handleItem(item)
			s.drainQueue()
		case <-timer.C:
		}
	}
}

// drainQueue consumes every queued item without blocking.
func (s *Scheduler) drainQueue() {
	for {
		select {
		case item := <-s.toSchedule:
			s.handleItem(item)
		default:
			return
		}
	}
}

func (s *Scheduler) handleItem(item queueItem) {
	switch item.kind {
	case itemJob:
		s.mu.Lock()
		s.pending.add(item.job)
		s.mu.Unlock()
	case itemConfig:
		s.mu.Lock()
		s.applyTunables(item.schedulerDelay, item.startBuffer)
		delay := int(s.schedulerDelay / time.Second)
		buffer := int(s.startBuffer / time.Second)
		s.mu.Unlock()
		s.persistTunables(delay, buffer)
		s.logger.Info().
			Int("scheduler_delay_seconds", delay).
			Int("start_buffer_seconds", buffer).
			Msg("Scheduler tunables refreshed")
	case itemWake:
		// Nothing to do; the select already woke.
	}
}

// scanPending walks the pending queue in insertion order and starts every
// job whose preconditions hold. Returns the earliest upcoming start time
// among jobs that are not yet due, or the zero time when none is known.
func (s *Scheduler) scanPending() time.Time {
	now := time.Now()

	s.mu.Lock()
	cutoff := now.Add(s.startBuffer)
	var earliest time.Time
	var iterationNotices []*model.Job

	for _, job := range s.pending.all() {
		if job.State == model.JobStateDisabled {
			continue
		}
		if job.StartTime.After(cutoff) {
			if earliest.IsZero() || job.StartTime.Before(earliest) {
				earliest = job.StartTime
			}
			continue
		}
		if !s.dependenciesResolvedLocked(job) {
			continue
		}

		available := s.clients.ConnectionsAvailableFor(job) && s.clients.MonitorsAvailableFor(job)
		if !available {
			if job.WaitForClients {
				continue
			}
			s.pending.remove(job.ID)
			job.State = model.JobStateStoppedDueToError
			job.AppendLog(insufficientClientsMessage)
			s.persistLocked(job, "insufficient clients")
			atomic.AddInt64(&s.cancelledCount, 1)
			s.logger.Warn().
				Str("correlationid", job.ID).
				Int("num_clients", job.NumClients).
				Msg("Job stopped - insufficient clients available")
			if job.HasParentOptimizingJob() {
				iterationNotices = append(iterationNotices, job)
			}
			continue
		}

		if failed := s.startJobLocked(job, now); failed != nil {
			iterationNotices = append(iterationNotices, failed)
		}
	}

	obs := s.iterObserver
	s.mu.Unlock()

	if obs != nil {
		for _, job := range iterationNotices {
			obs.JobIterationComplete(job)
		}
	}
	return earliest
}

// dependenciesResolvedLocked reports whether every dependency of job has
// left the pending/running sets, or - for optimizing-job dependencies -
// reports done running.
func (s *Scheduler) dependenciesResolvedLocked(job *model.Job) bool {
	for _, dep := range job.Dependencies {
		if s.pending.contains(dep) || s.running.contains(dep) {
			return false
		}
		if oj, ok := s.optimizing[dep]; ok && !oj.DoneRunning() {
			return false
		}
	}
	return true
}

// startJobLocked reserves clients, transitions the job (and a not-yet-
// Running parent optimizing job) to Running, moves it to the running set
// and dispatches the JobRequest to every reserved connection. A send
// failure is treated identically to an internal job failure; the failed
// child is returned so the caller can notify the iteration observer
// outside the mutex.
func (s *Scheduler) startJobLocked(job *model.Job, now time.Time) (failedChild *model.Job) {
	clientIDs, err := s.clients.Reserve(job)
	if err != nil {
		// The availability check raced a concurrent reservation; leave the
		// job pending for the next scan.
		s.logger.Debug().Err(err).Str("correlationid", job.ID).Msg("Reservation lost a race - job stays pending")
		return nil
	}
	job.ReservedClients = clientIDs
	job.ReservedMonitorClients = s.clients.ReserveMonitors(job, clientIDs)

	job.ActualStartTime = now
	job.State = model.JobStateRunning
	s.persistLocked(job, "start")

	if job.HasParentOptimizingJob() {
		if oj, ok := s.optimizing[job.ParentOptimizingJobID]; ok && oj.State != model.JobStateRunning && !oj.DoneRunning() {
			oj.State = model.JobStateRunning
			oj.ActualStartTime = now
			if err := s.repo.PutOptimizingJob(oj); err != nil {
				s.logger.Error().Err(err).Str("correlationid", oj.ID).Msg("Repository write failed for optimizing job start")
			}
		}
	}

	s.pending.remove(job.ID)
	s.running.add(job)
	s.waiters[job.ID] = make(chan struct{})

	s.logger.Info().
		Str("correlationid", job.ID).
		Str("class", job.ClassName).
		Strs("clients", clientIDs).
		Msg("Job starting")

	if err := s.dispatcher.DispatchJob(job); err != nil {
		s.running.remove(job.ID)
		job.State = model.JobStateStoppedDueToError
		job.AppendLog(fmt.Sprintf("Failed to send job request: %v", err))
		s.persistLocked(job, "dispatch failure")
		atomic.AddInt64(&s.cancelledCount, 1)
		s.clients.Release(job.ReservedClients)
		s.clients.Release(job.ReservedMonitorClients)
		delete(s.waiters, job.ID)
		s.logger.Error().Err(err).Str("correlationid", job.ID).Msg("Job request dispatch failed")
		if job.HasParentOptimizingJob() {
			return job
		}
	}
	return nil
}
