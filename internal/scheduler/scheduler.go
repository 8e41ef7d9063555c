// -----------------------------------------------------------------------
// Scheduler - the single coordinator that arbitrates the pending queue,
// the running set, dependency resolution, client availability and
// persistent state under concurrent admission of new jobs (C6)
// -----------------------------------------------------------------------

package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/loadforge/loadsched/internal/common"
	"github.com/loadforge/loadsched/internal/errs"
	"github.com/loadforge/loadsched/internal/model"
	"github.com/loadforge/loadsched/internal/registry"
	"github.com/loadforge/loadsched/internal/repository"
)

// recentlyCompletedMax bounds the most-recently-completed list.
const recentlyCompletedMax = 5

// insufficientClientsMessage is the diagnostic appended to a job that could
// not be started because not enough clients were connected and the job
// opted out of waiting.
const insufficientClientsMessage = "Insufficient clients available."

// JobDispatcher sends job traffic to reserved client connections. The wire
// transport implements it for real connections; tests substitute a fake.
type JobDispatcher interface {
	// DispatchJob sends a JobRequest to every reserved client of job. An
	// error means at least one connection could not accept work; the
	// scheduler treats that identically to an internal job failure.
	DispatchJob(job *model.Job) error
	// SignalStop sends a stop control message for a running job.
	SignalStop(job *model.Job, graceful bool) error
}

// IterationObserver is how the optimizing-job controller watches the
// scheduler. It is notified when an optimizing job is admitted (so it can
// admit the first iteration) and whenever a child iteration reaches a
// terminal state.
type IterationObserver interface {
	OptimizingJobAdmitted(oj *model.OptimizingJob)
	JobIterationComplete(child *model.Job)
}

// CompletionObserver is invoked after JobDone has resolved a job.
type CompletionObserver func(job *model.Job)

// JobResult carries the client-reported outcome delivered with a
// JobCompleted message.
type JobResult struct {
	State           model.JobState
	ActualStopTime  time.Time
	ActualDuration  time.Duration
	StatTracker     []byte
	MonitorTrackers []byte
	LogMessages     []string
}

// Scheduler owns the pending and running queues and the dispatch loop.
// Every queue decision happens under one mutex so dependency and
// availability checks observe a consistent snapshot.
type Scheduler struct {
	mu         sync.Mutex
	pending    *orderedJobs
	running    *orderedJobs
	recent     []*model.Job // newest first, capped at recentlyCompletedMax
	optimizing map[string]*model.OptimizingJob
	waiters    map[string]chan struct{} // released when a job's JobCompleted is processed

	toSchedule chan queueItem

	repo       repository.Repository
	clients    *registry.Registry
	dispatcher JobDispatcher
	logger     arbor.ILogger

	iterObserver        IterationObserver
	completionObservers []CompletionObserver

	scheduledCount int64
	cancelledCount int64
	completedCount int64

	schedulerDelay time.Duration // refreshable; lower bound 1s
	startBuffer    time.Duration // refreshable; lower bound 0
	pollDelay      time.Duration // hard ceiling on the loop's sleep

	stopRequested int32
	done          chan struct{}
	started       bool
}

// New builds a scheduler from its collaborators. Start must be called
// before jobs are admitted; SetIterationObserver before any optimizing job
// is admitted.
func New(repo repository.Repository, clients *registry.Registry, dispatcher JobDispatcher, cfg *common.SchedulerConfig, logger arbor.ILogger) *Scheduler {
	s := &Scheduler{
		pending:    newOrderedJobs(),
		running:    newOrderedJobs(),
		optimizing: make(map[string]*model.OptimizingJob),
		waiters:    make(map[string]chan struct{}),
		toSchedule: make(chan queueItem, 256),
		repo:       repo,
		clients:    clients,
		dispatcher: dispatcher,
		logger:     logger,
		done:       make(chan struct{}),
	}
	s.applyTunables(cfg.SchedulerDelaySeconds, cfg.StartBufferSeconds)
	s.pollDelay = time.Duration(cfg.PollDelaySeconds) * time.Second
	if s.pollDelay <= 0 {
		s.pollDelay = 10 * time.Second
	}
	return s
}

// SetIterationObserver registers the optimizing-job controller.
func (s *Scheduler) SetIterationObserver(obs IterationObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterObserver = obs
}

// AddCompletionObserver registers a completion-notification observer,
// invoked after every JobDone.
func (s *Scheduler) AddCompletionObserver(obs CompletionObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completionObservers = append(s.completionObservers, obs)
}

// GenerateUniqueID produces a time-prefixed, counter-suffixed,
// random-embedded id unique for the process lifetime.
func (s *Scheduler) GenerateUniqueID() string {
	return common.NewUniqueID()
}

// Start runs startup recovery and then launches the dispatch loop on its
// own goroutine. A repository failure during recovery is fatal and no loop
// is started.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.recover(); err != nil {
		return err
	}

	common.SafeGo(s.logger, "scheduler-loop", s.runLoop)
	return nil
}

// Stop requests the dispatch loop to exit and wakes it if it is sleeping.
func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapInt32(&s.stopRequested, 0, 1) {
		return
	}
	s.toSchedule <- queueItem{kind: itemWake}
}

// WaitForStop blocks until the dispatch loop has exited.
func (s *Scheduler) WaitForStop() {
	<-s.done
}

// Admit durably persists a job and enqueues it for the dispatch loop. The
// job is persisted before Admit returns; a repository write failure is
// reported as an AdmissionError and the job is not scheduled.
func (s *Scheduler) Admit(job *model.Job, folder string) (string, error) {
	if job.ClassName == "" {
		return "", &errs.AdmissionError{Cause: fmt.Errorf("job class name is required")}
	}
	if job.NumClients <= 0 {
		return "", &errs.AdmissionError{Cause: fmt.Errorf("job must request at least one client")}
	}
	if job.ID == "" {
		job.ID = s.GenerateUniqueID()
	}
	if folder != "" {
		job.FolderName = folder
	}
	if job.State != model.JobStateDisabled {
		job.State = model.JobStateNotYetStarted
	}

	if err := s.repo.PutJob(job); err != nil {
		return "", &errs.AdmissionError{Cause: err}
	}
	atomic.AddInt64(&s.scheduledCount, 1)

	s.logger.Info().
		Str("correlationid", job.ID).
		Str("class", job.ClassName).
		Int("num_clients", job.NumClients).
		Int("threads_per_client", job.ThreadsPerClient).
		Msg("Job admitted")

	s.toSchedule <- queueItem{kind: itemJob, job: job}
	return job.ID, nil
}

// AdmitOptimizing durably persists an optimizing job, places it in the
// in-memory optimizing map so its children can find it without a
// repository round-trip, and hands it to the iteration observer to admit
// the first iteration.
func (s *Scheduler) AdmitOptimizing(oj *model.OptimizingJob, folder string) (string, error) {
	if oj.ClassName == "" {
		return "", &errs.AdmissionError{Cause: fmt.Errorf("optimizing job class name is required")}
	}
	if oj.ID == "" {
		oj.ID = s.GenerateUniqueID()
	}
	if folder != "" {
		oj.FolderName = folder
	}
	oj.State = model.JobStateNotYetStarted

	if err := s.repo.PutOptimizingJob(oj); err != nil {
		return "", &errs.AdmissionError{Cause: err}
	}

	s.mu.Lock()
	s.optimizing[oj.ID] = oj
	obs := s.iterObserver
	s.mu.Unlock()

	s.logger.Info().
		Str("correlationid", oj.ID).
		Str("class", oj.ClassName).
		Int("min_threads", oj.MinThreads).
		Int("max_threads", oj.MaxThreads).
		Msg("Optimizing job admitted")

	if obs != nil {
		obs.OptimizingJobAdmitted(oj)
	}
	return oj.ID, nil
}

// Cancel atomically removes a Pending job, or signals a Running job to
// stop. When waitForStop is set the call blocks until the client's
// JobCompleted has been processed. Returns the affected job record, or nil
// if the id is unknown.
func (s *Scheduler) Cancel(jobID string, waitForStop bool) *model.Job {
	s.mu.Lock()

	if job, ok := s.pending.get(jobID); ok {
		s.pending.remove(jobID)
		job.State = model.JobStateCancelled
		s.persistLocked(job, "cancel pending")
		atomic.AddInt64(&s.cancelledCount, 1)
		obs := s.iterObserver
		s.mu.Unlock()

		s.logger.Info().Str("correlationid", jobID).Msg("Pending job cancelled")
		if obs != nil && job.HasParentOptimizingJob() {
			obs.JobIterationComplete(job)
		}
		return job
	}

	if job, ok := s.running.get(jobID); ok {
		s.running.remove(jobID)
		job.State = model.JobStateCancelled
		s.pushRecentLocked(job)
		s.persistLocked(job, "cancel running")
		atomic.AddInt64(&s.cancelledCount, 1)
		s.clients.Release(job.ReservedClients)
		s.clients.Release(job.ReservedMonitorClients)
		waiter := s.waiters[jobID]
		obs := s.iterObserver
		s.mu.Unlock()

		// Best-effort stop signal; the job is terminal as of now regardless
		// of whether the message round-trip outlives this call.
		if err := s.dispatcher.SignalStop(job, true); err != nil {
			s.logger.Warn().Err(err).Str("correlationid", jobID).Msg("Failed to signal running job to stop")
		}
		s.logger.Info().Str("correlationid", jobID).Bool("wait", waitForStop).Msg("Running job cancelled")

		if obs != nil && job.HasParentOptimizingJob() {
			obs.JobIterationComplete(job)
		}
		if waitForStop && waiter != nil {
			<-waiter
		}
		return job
	}

	s.mu.Unlock()
	return nil
}

// CancelAndDelete cancels a Pending job and purges its persisted record.
// A job that is a child of an optimizing job is cancelled but its record
// is kept, since the optimizing job's history refers to it.
func (s *Scheduler) CancelAndDelete(jobID string) error {
	s.mu.Lock()
	job, ok := s.pending.get(jobID)
	if !ok {
		s.mu.Unlock()
		return &errs.NotFoundError{Kind: "pending job", ID: jobID}
	}
	isChild := job.HasParentOptimizingJob()
	s.mu.Unlock()

	s.Cancel(jobID, false)
	if isChild {
		return nil
	}
	if err := s.repo.DeleteJob(jobID); err != nil {
		return &errs.InternalError{Op: "delete job", Cause: err}
	}
	return nil
}

// CancelOptimizing marks the optimizing job Cancelled, then removes every
// Pending iteration and signals every Running iteration of it.
// Returns whether any iteration was running, so the caller knows to wait
// for the client's final JobCompleted.
func (s *Scheduler) CancelOptimizing(ojID string) (bool, error) {
	s.mu.Lock()
	oj, ok := s.optimizing[ojID]
	if !ok {
		s.mu.Unlock()
		return false, &errs.NotFoundError{Kind: "optimizing job", ID: ojID}
	}
	oj.State = model.JobStateCancelled
	oj.StopReason = "Cancelled by user."
	if err := s.repo.PutOptimizingJob(oj); err != nil {
		s.logger.Warn().Err(err).Str("correlationid", ojID).Msg("Failed to persist cancelled optimizing job")
	}

	var pendingChildren, runningChildren []string
	for _, job := range s.pending.all() {
		if job.ParentOptimizingJobID == ojID {
			pendingChildren = append(pendingChildren, job.ID)
		}
	}
	for _, job := range s.running.all() {
		if job.ParentOptimizingJobID == ojID {
			runningChildren = append(runningChildren, job.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range pendingChildren {
		s.Cancel(id, false)
	}
	for _, id := range runningChildren {
		s.Cancel(id, false)
	}
	return len(runningChildren) > 0, nil
}

// Disable moves a Pending job into the Disabled state. Disabled jobs stay
// in the pending queue (they may be dependencies of other jobs) but are
// skipped by the dispatch loop.
func (s *Scheduler) Disable(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.pending.get(jobID)
	if !ok || job.State != model.JobStateNotYetStarted {
		return &errs.NotFoundError{Kind: "pending job", ID: jobID}
	}
	job.State = model.JobStateDisabled
	s.persistLocked(job, "disable")
	return nil
}

// Enable reverses Disable.
func (s *Scheduler) Enable(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.pending.get(jobID)
	if !ok || job.State != model.JobStateDisabled {
		return &errs.NotFoundError{Kind: "disabled job", ID: jobID}
	}
	job.State = model.JobStateNotYetStarted
	s.persistLocked(job, "enable")
	return nil
}

// JobDone resolves a job when the client's JobCompleted message arrives:
// it updates the persisted record, appends to the recently-completed list,
// releases the reserved clients, notifies the optimizing-job controller
// for the parent (if any) and invokes completion observers. Returns the
// resolved record, or nil when the job is not running (e.g. it was already
// cancelled; the waiter, if any, is still released).
func (s *Scheduler) JobDone(jobID string, res *JobResult) *model.Job {
	s.mu.Lock()
	job, ok := s.running.get(jobID)
	if !ok {
		// Already removed (cancelled while running); just release the waiter.
		waiter := s.waiters[jobID]
		delete(s.waiters, jobID)
		s.mu.Unlock()
		if waiter != nil {
			close(waiter)
		}
		return nil
	}

	s.running.remove(jobID)
	job.State = res.State
	job.ActualStopTime = res.ActualStopTime
	job.ActualDuration = res.ActualDuration
	job.StatTracker = res.StatTracker
	job.MonitorTracker = res.MonitorTrackers
	job.LogMessages = append(job.LogMessages, res.LogMessages...)
	s.pushRecentLocked(job)
	s.persistLocked(job, "job done")
	if res.State == model.JobStateCompleted {
		atomic.AddInt64(&s.completedCount, 1)
	}
	s.clients.Release(job.ReservedClients)
	s.clients.Release(job.ReservedMonitorClients)

	waiter := s.waiters[jobID]
	delete(s.waiters, jobID)
	obs := s.iterObserver
	observers := append([]CompletionObserver(nil), s.completionObservers...)
	s.mu.Unlock()

	if waiter != nil {
		close(waiter)
	}

	s.logger.Info().
		Str("correlationid", jobID).
		Str("state", job.State.String()).
		Dur("actual_duration", job.ActualDuration).
		Msg("Job done")

	if obs != nil && job.HasParentOptimizingJob() {
		obs.JobIterationComplete(job)
	}
	for _, o := range observers {
		o(job)
	}
	return job
}

// NoteClientLost records the loss of a reserved client in the owning job's
// log. The sweeper calls this when it evicts a stale connection; the job
// itself is not pre-emptively failed.
func (s *Scheduler) NoteClientLost(jobID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.running.get(jobID); ok {
		job.AppendLog(fmt.Sprintf("Lost contact with reserved client %s.", clientID))
	}
}

// Get returns the job with the given id, searching the in-memory queues
// first and falling back to the repository.
func (s *Scheduler) Get(jobID string) (*model.Job, error) {
	s.mu.Lock()
	if job, ok := s.pending.get(jobID); ok {
		s.mu.Unlock()
		return job.Clone(), nil
	}
	if job, ok := s.running.get(jobID); ok {
		s.mu.Unlock()
		return job.Clone(), nil
	}
	for _, job := range s.recent {
		if job.ID == jobID {
			s.mu.Unlock()
			return job.Clone(), nil
		}
	}
	s.mu.Unlock()

	job, err := s.repo.GetJob(jobID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, &errs.NotFoundError{Kind: "job", ID: jobID}
		}
		return nil, &errs.InternalError{Op: "get job", Cause: err}
	}
	return job, nil
}

// GetOptimizing returns the optimizing job with the given id.
func (s *Scheduler) GetOptimizing(id string) (*model.OptimizingJob, error) {
	s.mu.Lock()
	if oj, ok := s.optimizing[id]; ok {
		s.mu.Unlock()
		return oj, nil
	}
	s.mu.Unlock()

	oj, err := s.repo.GetOptimizingJob(id)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, &errs.NotFoundError{Kind: "optimizing job", ID: id}
		}
		return nil, &errs.InternalError{Op: "get optimizing job", Cause: err}
	}
	return oj, nil
}

// GetPending returns the pending jobs in insertion order.
func (s *Scheduler) GetPending() []*model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJobs(s.pending.all())
}

// GetRunning returns the running jobs in insertion order.
func (s *Scheduler) GetRunning() []*model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJobs(s.running.all())
}

// GetRecentlyCompleted returns up to the 5 most recently completed jobs,
// newest first.
func (s *Scheduler) GetRecentlyCompleted() []*model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJobs(s.recent)
}

// GetUncompletedOptimizing returns every cached optimizing job that is not
// yet done running.
func (s *Scheduler) GetUncompletedOptimizing() []*model.OptimizingJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*model.OptimizingJob
	for _, oj := range s.optimizing {
		if !oj.DoneRunning() {
			result = append(result, oj)
		}
	}
	return result
}

// Counters returns the scheduled / cancelled / completed totals. They are
// atomic so observers never need the scheduler mutex.
func (s *Scheduler) Counters() (scheduled, cancelled, completed int64) {
	return atomic.LoadInt64(&s.scheduledCount),
		atomic.LoadInt64(&s.cancelledCount),
		atomic.LoadInt64(&s.completedCount)
}

// OnConfigRefresh re-reads the two operator tunables. Invalid values are
// rejected and the prior value kept. The update travels to the loop over
// the command channel so it is applied between scans, never mid-scan.
func (s *Scheduler) OnConfigRefresh(cfg *common.Config) {
	item := queueItem{
		kind:           itemConfig,
		schedulerDelay: cfg.Scheduler.SchedulerDelaySeconds,
		startBuffer:    cfg.Scheduler.StartBufferSeconds,
	}
	select {
	case s.toSchedule <- item:
	default:
		s.logger.Warn().Msg("Config refresh dropped - scheduler queue full")
	}
}

// applyTunables validates and applies the refreshable tunables, keeping
// prior values for out-of-range inputs.
func (s *Scheduler) applyTunables(delaySeconds, bufferSeconds int) {
	if delaySeconds >= 1 {
		s.schedulerDelay = time.Duration(delaySeconds) * time.Second
	} else if s.schedulerDelay == 0 {
		s.schedulerDelay = 2 * time.Second
	} else {
		s.logger.Warn().Int("scheduler_delay_seconds", delaySeconds).Msg("Rejected scheduler delay below 1s - keeping prior value")
	}
	if bufferSeconds >= 0 {
		s.startBuffer = time.Duration(bufferSeconds) * time.Second
	} else {
		s.logger.Warn().Int("start_buffer_seconds", bufferSeconds).Msg("Rejected negative start buffer - keeping prior value")
	}
}

// persistLocked writes the job's current state to the repository. A write
// failure on a terminal transition is logged but does not block the
// in-memory state machine.
func (s *Scheduler) persistLocked(job *model.Job, op string) {
	if err := s.repo.PutJob(job); err != nil {
		job.AppendLog(fmt.Sprintf("Repository write failed during %s: %v", op, err))
		s.logger.Error().Err(err).Str("correlationid", job.ID).Str("op", op).Msg("Repository write failed")
	}
}

// pushRecentLocked prepends job to the recently-completed list, evicting
// the oldest entry beyond the cap.
func (s *Scheduler) pushRecentLocked(job *model.Job) {
	s.recent = append([]*model.Job{job}, s.recent...)
	if len(s.recent) > recentlyCompletedMax {
		s.recent = s.recent[:recentlyCompletedMax]
	}
}

func cloneJobs(jobs []*model.Job) []*model.Job {
	result := make([]*model.Job, len(jobs))
	for i, j := range jobs {
		result[i] = j.Clone()
	}
	return result
}
