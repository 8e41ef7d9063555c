// -----------------------------------------------------------------------
// Optimizing-job controller - owns the iterative search: schedules child
// iterations one at a time, consults the optimization algorithm, and
// decides when to stop or to re-run the best iteration (C8)
// -----------------------------------------------------------------------

package optimizer

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/loadforge/loadsched/internal/model"
	"github.com/loadforge/loadsched/internal/repository"
)

// Scheduler is the slice of the scheduler's surface the controller needs:
// admitting the next iteration and looking up a child's parent.
type Scheduler interface {
	Admit(job *model.Job, folder string) (string, error)
	GetOptimizing(id string) (*model.OptimizingJob, error)
}

// search is the controller's per-optimizing-job bookkeeping. At most one
// iteration of a search is ever pending or running; the next is admitted
// only from within JobIterationComplete, which the scheduler serializes.
type search struct {
	alg             Algorithm
	iteration       int // index of the next iteration to admit
	lastThreadCount int
	bestThreadCount int
	bestIteration   int
	rerunAdmitted   bool
}

// Controller implements the scheduler's IterationObserver: it admits the
// first iteration when an optimizing job arrives and drives the search
// forward as each iteration completes.
type Controller struct {
	mu       sync.Mutex
	searches map[string]*search

	sched  Scheduler
	repo   repository.Repository
	metric MetricFunc
	logger arbor.ILogger
}

// NewController builds a controller. metric may be nil, in which case
// DefaultMetric is used.
func NewController(sched Scheduler, repo repository.Repository, metric MetricFunc, logger arbor.ILogger) *Controller {
	if metric == nil {
		metric = DefaultMetric
	}
	return &Controller{
		searches: make(map[string]*search),
		sched:    sched,
		repo:     repo,
		metric:   metric,
		logger:   logger,
	}
}

// OptimizingJobAdmitted begins the search by admitting the first iteration
// at minThreads.
func (c *Controller) OptimizingJobAdmitted(oj *model.OptimizingJob) {
	c.mu.Lock()
	st := &search{alg: NewAlgorithm(oj), bestThreadCount: oj.MinThreads}
	c.searches[oj.ID] = st
	c.mu.Unlock()

	c.admitIteration(oj, st, oj.MinThreads, time.Now(), oj.IterationDurationSeconds, oj.Dependencies)
}

// JobIterationComplete observes one finished child iteration and decides
// the next step of the search: continue at a new thread count, stop, or
// re-run the best iteration before completing.
func (c *Controller) JobIterationComplete(child *model.Job) {
	oj, err := c.sched.GetOptimizing(child.ParentOptimizingJobID)
	if err != nil {
		c.logger.Warn().Err(err).
			Str("correlationid", child.ID).
			Str("parent", child.ParentOptimizingJobID).
			Msg("Iteration completed for unknown optimizing job")
		return
	}
	if oj.DoneRunning() {
		// The search was already torn down (cancelled or stopped by
		// shutdown); a straggling iteration changes nothing.
		return
	}

	c.mu.Lock()
	st, ok := c.searches[oj.ID]
	if !ok {
		st = &search{alg: NewAlgorithm(oj), iteration: len(oj.ChildJobIDs), bestThreadCount: oj.MinThreads}
		c.searches[oj.ID] = st
	}
	c.mu.Unlock()

	if st.rerunAdmitted {
		c.finish(oj, oj.StopReason)
		return
	}

	completed := child.State == model.JobStateCompleted
	var metric float64
	if completed {
		if metric, err = c.metric(child); err != nil {
			c.logger.Warn().Err(err).Str("correlationid", child.ID).Msg("Iteration metric unavailable - treated as zero")
		}
	} else if !st.alg.ContinueAfterFailure() {
		c.abort(oj, fmt.Sprintf("Iteration %d ended in state %s.", st.iteration-1, child.State))
		return
	}

	decision, improved := st.alg.IterationDone(child.ThreadsPerClient, metric, completed)
	if improved {
		st.bestIteration = st.iteration - 1
		st.bestThreadCount = child.ThreadsPerClient
		oj.BestIterationIdx = st.bestIteration
	}

	c.logger.Info().
		Str("correlationid", oj.ID).
		Int("iteration", st.iteration-1).
		Int("threads", child.ThreadsPerClient).
		Float64("metric", metric).
		Bool("improved", improved).
		Bool("stop", decision.Stop).
		Msg("Iteration complete")

	if !decision.Stop {
		start := time.Now().Add(time.Duration(oj.DelayBetweenIterations) * time.Second)
		c.admitIteration(oj, st, decision.NextThreadCount, start, oj.IterationDurationSeconds, nil)
		return
	}

	if oj.ReRunBestIteration && st.bestThreadCount != st.lastThreadCount {
		oj.StopReason = decision.Reason
		st.rerunAdmitted = true
		duration := oj.ReRunDurationSeconds
		if duration <= 0 {
			duration = oj.IterationDurationSeconds
		}
		start := time.Now().Add(time.Duration(oj.DelayBetweenIterations) * time.Second)
		c.logger.Info().
			Str("correlationid", oj.ID).
			Int("threads", st.bestThreadCount).
			Int("duration_seconds", duration).
			Msg("Re-running best iteration")
		c.admitIteration(oj, st, st.bestThreadCount, start, duration, nil)
		return
	}

	c.finish(oj, decision.Reason)
}

// admitIteration builds and admits the next child job of the search.
func (c *Controller) admitIteration(oj *model.OptimizingJob, st *search, threadCount int, start time.Time, durationSeconds int, deps []string) {
	if oj.MaxThreads > 0 && threadCount > oj.MaxThreads {
		threadCount = oj.MaxThreads
	}
	child := &model.Job{
		ClassName:                oj.ClassName,
		StartTime:                start,
		MaxDurationSeconds:       durationSeconds,
		CollectionIntervalSecond: oj.CollectionIntervalSecond,
		NumClients:               oj.NumClients,
		ThreadsPerClient:         threadCount,
		ThreadStartupDelayMillis: oj.ThreadStartupDelayMillis,
		Dependencies:             append([]string(nil), deps...),
		Parameters:               model.ParameterList(nil).Overlay(oj.FixedParameters, oj.MappedParameters),
		ParentOptimizingJobID:    oj.ID,
		WaitForClients:           true,
	}

	id, err := c.sched.Admit(child, oj.FolderName)
	if err != nil {
		c.abort(oj, fmt.Sprintf("Failed to admit iteration %d: %v", st.iteration, err))
		return
	}

	st.iteration++
	st.lastThreadCount = threadCount
	oj.ChildJobIDs = append(oj.ChildJobIDs, id)
	if err := c.repo.PutOptimizingJob(oj); err != nil {
		c.logger.Error().Err(err).Str("correlationid", oj.ID).Msg("Failed to persist optimizing job after admitting iteration")
	}
}

// finish marks the search complete.
func (c *Controller) finish(oj *model.OptimizingJob, reason string) {
	oj.State = model.JobStateCompleted
	oj.StopReason = reason
	if err := c.repo.PutOptimizingJob(oj); err != nil {
		c.logger.Error().Err(err).Str("correlationid", oj.ID).Msg("Failed to persist completed optimizing job")
	}
	c.dropSearch(oj.ID)
	c.logger.Info().Str("correlationid", oj.ID).Str("reason", reason).Int("best_iteration", oj.BestIterationIdx).Msg("Optimizing job completed")
}

// abort ends the search in StoppedDueToError.
func (c *Controller) abort(oj *model.OptimizingJob, reason string) {
	oj.State = model.JobStateStoppedDueToError
	oj.StopReason = reason
	if err := c.repo.PutOptimizingJob(oj); err != nil {
		c.logger.Error().Err(err).Str("correlationid", oj.ID).Msg("Failed to persist aborted optimizing job")
	}
	c.dropSearch(oj.ID)
	c.logger.Warn().Str("correlationid", oj.ID).Str("reason", reason).Msg("Optimizing job stopped due to error")
}

func (c *Controller) dropSearch(id string) {
	c.mu.Lock()
	delete(c.searches, id)
	c.mu.Unlock()
}
