// -----------------------------------------------------------------------
// Optimization algorithms - decide, per completed iteration, whether the
// search continues at a new thread count or stops
// -----------------------------------------------------------------------

package optimizer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loadforge/loadsched/internal/model"
)

// Stop reasons reported on the optimizing job when the search ends.
const (
	StopReasonMaxThreads    = "Reached maximum thread count."
	StopReasonNonImproving  = "Non-improving iteration streak hit threshold."
	StopReasonExplicit      = "Explicitly stopped."
	StopReasonIterationFail = "Iteration did not complete."
)

// Decision is an algorithm's verdict after one iteration.
type Decision struct {
	Stop            bool
	Reason          string
	NextThreadCount int
}

// Algorithm owns the search policy for one optimizing job. IterationDone
// consumes the just-finished iteration's outcome and returns the decision
// for the next one. Implementations are not safe for concurrent use; the
// controller serializes calls per optimizing job.
type Algorithm interface {
	// IterationDone is called once per finished iteration with the thread
	// count it ran at, the metric extracted from its statistics, and
	// whether it completed normally. improved is the algorithm's own
	// bookkeeping, surfaced so the controller can track the best iteration.
	IterationDone(threadCount int, metric float64, completed bool) (Decision, bool)
	// ContinueAfterFailure reports whether the search goes on after an
	// abnormally-terminated iteration; false aborts the whole search.
	ContinueAfterFailure() bool
}

// AlgorithmFactory builds a fresh Algorithm instance for one optimizing
// job from its algorithm parameters.
type AlgorithmFactory func(oj *model.OptimizingJob) Algorithm

// algorithmRegistry resolves algorithm identifiers, mirroring the
// job-class registry's string->factory design.
var (
	algorithmMu       sync.RWMutex
	algorithmRegistry = map[string]AlgorithmFactory{}
)

// RegisterAlgorithm installs a factory under the given identifier.
func RegisterAlgorithm(id string, factory AlgorithmFactory) {
	algorithmMu.Lock()
	defer algorithmMu.Unlock()
	algorithmRegistry[id] = factory
}

// NewAlgorithm resolves the optimizing job's configured algorithm,
// defaulting to the peak-search algorithm for an empty or unknown id.
func NewAlgorithm(oj *model.OptimizingJob) Algorithm {
	algorithmMu.RLock()
	factory, ok := algorithmRegistry[oj.AlgorithmID]
	algorithmMu.RUnlock()
	if !ok {
		return newPeakSearch(oj)
	}
	return factory(oj)
}

// PeakSearchAlgorithmID identifies the default hill-climbing search.
const PeakSearchAlgorithmID = "peak-search"

func init() {
	RegisterAlgorithm(PeakSearchAlgorithmID, newPeakSearch)
}

// peakSearch walks the thread count upward from minThreads by
// threadIncrement, stopping when maxThreads is reached or when the metric
// has not improved for maxNonImproving consecutive iterations.
type peakSearch struct {
	oj           *model.OptimizingJob
	bestMetric   float64
	haveBest     bool
	nonImproving int
}

func newPeakSearch(oj *model.OptimizingJob) Algorithm {
	return &peakSearch{oj: oj}
}

func (a *peakSearch) ContinueAfterFailure() bool { return false }

func (a *peakSearch) IterationDone(threadCount int, metric float64, completed bool) (Decision, bool) {
	if !completed {
		return Decision{Stop: true, Reason: StopReasonIterationFail}, false
	}

	improved := !a.haveBest || metric > a.bestMetric
	if improved {
		a.bestMetric = metric
		a.haveBest = true
		a.nonImproving = 0
	} else {
		a.nonImproving++
	}

	if a.oj.MaxNonImprovingStreak > 0 && a.nonImproving >= a.oj.MaxNonImprovingStreak {
		return Decision{Stop: true, Reason: StopReasonNonImproving}, improved
	}
	if a.oj.MaxThreads > 0 && threadCount >= a.oj.MaxThreads {
		return Decision{Stop: true, Reason: StopReasonMaxThreads}, improved
	}

	next := threadCount + a.oj.ThreadIncrement
	if a.oj.MaxThreads > 0 && next > a.oj.MaxThreads {
		next = a.oj.MaxThreads
	}
	return Decision{NextThreadCount: next}, improved
}

// MetricFunc extracts the algorithm's comparison metric from a finished
// iteration's statistics payload.
type MetricFunc func(job *model.Job) (float64, error)

// DefaultMetric reads the transactions-per-second figure from the stat
// tracker summary the client reports at completion. The tracker payload is
// otherwise opaque to the core; only this one summary key is consulted.
func DefaultMetric(job *model.Job) (float64, error) {
	if len(job.StatTracker) == 0 {
		return 0, fmt.Errorf("job %s reported no statistics", job.ID)
	}
	var summary struct {
		TransactionsPerSecond float64 `json:"transactions_per_second"`
	}
	if err := json.Unmarshal(job.StatTracker, &summary); err != nil {
		return 0, fmt.Errorf("job %s statistics summary unreadable: %w", job.ID, err)
	}
	return summary.TransactionsPerSecond, nil
}
