// -----------------------------------------------------------------------
// Job Model - job and optimizing-job records persisted across scheduler restarts
// -----------------------------------------------------------------------

package model

import (
	"fmt"
	"time"
)

// JobState is the closed set of job lifecycle states from the job state
// machine: NotYetStarted -> Running -> {Completed, StoppedDueToError,
// StoppedByShutdown, StoppedByUser}; NotYetStarted <-> Disabled;
// {NotYetStarted, Running} -> Cancelled.
type JobState int

const (
	JobStateNotYetStarted JobState = iota
	JobStateDisabled
	JobStateRunning
	JobStateCompleted
	JobStateStoppedDueToError
	JobStateStoppedByShutdown
	JobStateStoppedByUser
	JobStateCancelled
)

func (s JobState) String() string {
	switch s {
	case JobStateNotYetStarted:
		return "NotYetStarted"
	case JobStateDisabled:
		return "Disabled"
	case JobStateRunning:
		return "Running"
	case JobStateCompleted:
		return "Completed"
	case JobStateStoppedDueToError:
		return "StoppedDueToError"
	case JobStateStoppedByShutdown:
		return "StoppedByShutdown"
	case JobStateStoppedByUser:
		return "StoppedByUser"
	case JobStateCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}

// IsTerminal reports whether the state ends the job's lifecycle.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateStoppedDueToError, JobStateStoppedByShutdown,
		JobStateStoppedByUser, JobStateCancelled:
		return true
	default:
		return false
	}
}

// Job is the immutable-after-admission record for a single-shot load job.
// ID, ClassName and the admission-time fields never change; State and the
// Actual* fields are updated in place as the job moves through the scheduler.
type Job struct {
	ID                       string      `json:"id"`
	ClassName                string      `json:"class_name"`                 // fully-qualified job-class identifier
	ClassVersion             string      `json:"class_version,omitempty"`    // optional
	State                    JobState    `json:"state"`
	StartTime                time.Time   `json:"start_time"`
	StopTime                 *time.Time  `json:"stop_time,omitempty"`        // optional scheduled stop
	MaxDurationSeconds       int         `json:"max_duration_seconds,omitempty"`
	CollectionIntervalSecond int         `json:"collection_interval_seconds"`
	NumClients               int         `json:"num_clients"`
	ThreadsPerClient         int         `json:"threads_per_client"`
	ThreadStartupDelayMillis int         `json:"thread_startup_delay_millis"`
	Dependencies             []string    `json:"dependencies,omitempty"`     // other job/optimizing-job ids
	Parameters               []Parameter `json:"parameters,omitempty"`
	ParentOptimizingJobID    string      `json:"parent_optimizing_job_id,omitempty"`
	RequestedClients         []string    `json:"requested_clients,omitempty"`
	RequestedMonitorClients  []string    `json:"requested_monitor_clients,omitempty"`
	WaitForClients           bool        `json:"wait_for_clients"`
	ReportInProgressStats    bool        `json:"report_in_progress_stats"`
	InProgressReportInterval int         `json:"in_progress_report_interval_seconds,omitempty"`
	FolderName               string      `json:"folder_name,omitempty"` // opaque UI grouping, never consulted by scheduling

	// Observed outcome, valid only once the job has left NotYetStarted/Disabled/Pending.
	ActualStartTime time.Time     `json:"actual_start_time,omitempty"`
	ActualStopTime  time.Time     `json:"actual_stop_time,omitempty"`
	ActualDuration  time.Duration `json:"actual_duration,omitempty"`
	LogMessages     []string      `json:"log_messages,omitempty"`
	StatTracker     []byte        `json:"stat_tracker,omitempty"`    // opaque payload handed back at completion
	MonitorTracker  []byte        `json:"monitor_tracker,omitempty"` // opaque resource-monitor payload

	// ReservedClients is populated by the registry at dispatch time; it is
	// not part of the wire JobRequest but is needed to address control
	// messages (STOP_GRACEFUL/STOP_FORCEFUL) to the right connections.
	ReservedClients        []string `json:"reserved_clients,omitempty"`
	ReservedMonitorClients []string `json:"reserved_monitor_clients,omitempty"`
}

// Clone returns a deep copy safe to mutate independently of the original.
func (j *Job) Clone() *Job {
	clone := *j
	clone.Dependencies = append([]string(nil), j.Dependencies...)
	clone.Parameters = append([]Parameter(nil), j.Parameters...)
	clone.RequestedClients = append([]string(nil), j.RequestedClients...)
	clone.RequestedMonitorClients = append([]string(nil), j.RequestedMonitorClients...)
	clone.LogMessages = append([]string(nil), j.LogMessages...)
	clone.ReservedClients = append([]string(nil), j.ReservedClients...)
	clone.ReservedMonitorClients = append([]string(nil), j.ReservedMonitorClients...)
	if j.StopTime != nil {
		t := *j.StopTime
		clone.StopTime = &t
	}
	return &clone
}

// AppendLog appends a diagnostic line to the job's post-mortem log.
func (j *Job) AppendLog(message string) {
	j.LogMessages = append(j.LogMessages, message)
}

// HasParentOptimizingJob reports whether this job is a child iteration.
func (j *Job) HasParentOptimizingJob() bool {
	return j.ParentOptimizingJobID != ""
}

// OptimizingJob is the iterative meta-job that searches for a peak thread
// count by admitting successive child Jobs and observing their outcomes.
type OptimizingJob struct {
	ID                       string      `json:"id"`
	ClassName                string      `json:"class_name"`
	IterationDurationSeconds int         `json:"iteration_duration_seconds"`
	CollectionIntervalSecond int         `json:"collection_interval_seconds"`
	DelayBetweenIterations   int         `json:"delay_between_iterations_seconds"`
	NumClients               int         `json:"num_clients"`
	MinThreads               int         `json:"min_threads"`
	MaxThreads               int         `json:"max_threads"` // 0 means unbounded
	ThreadIncrement          int         `json:"thread_increment"`
	MaxNonImprovingStreak    int         `json:"max_non_improving_streak"`
	ThreadStartupDelayMillis int         `json:"thread_startup_delay_millis"`
	ReRunBestIteration       bool        `json:"re_run_best_iteration"`
	ReRunDurationSeconds     int         `json:"re_run_duration_seconds,omitempty"`
	Dependencies             []string    `json:"dependencies,omitempty"`
	MappedParameters         []Parameter `json:"mapped_parameters,omitempty"`
	FixedParameters          []Parameter `json:"fixed_parameters,omitempty"`
	AlgorithmID               string     `json:"algorithm_id"`
	AlgorithmParameters       []Parameter `json:"algorithm_parameters,omitempty"`

	State           JobState  `json:"state"`
	ActualStartTime time.Time `json:"actual_start_time,omitempty"`
	ChildJobIDs     []string  `json:"child_job_ids,omitempty"` // order they were scheduled
	BestIterationIdx int      `json:"best_iteration_index"`    // index into ChildJobIDs
	StopReason      string    `json:"stop_reason,omitempty"`

	FolderName string `json:"folder_name,omitempty"`
}

// Clone returns a deep copy safe to mutate independently of the original.
func (oj *OptimizingJob) Clone() *OptimizingJob {
	clone := *oj
	clone.Dependencies = append([]string(nil), oj.Dependencies...)
	clone.MappedParameters = append([]Parameter(nil), oj.MappedParameters...)
	clone.FixedParameters = append([]Parameter(nil), oj.FixedParameters...)
	clone.AlgorithmParameters = append([]Parameter(nil), oj.AlgorithmParameters...)
	clone.ChildJobIDs = append([]string(nil), oj.ChildJobIDs...)
	return &clone
}

// DoneRunning reports whether the optimizing job's state is terminal.
func (oj *OptimizingJob) DoneRunning() bool {
	return oj.State.IsTerminal()
}

// ThreadCountForIteration implements threadCount(k) = minThreads +
// k*threadIncrement, clipped at maxThreads (when maxThreads > 0).
func (oj *OptimizingJob) ThreadCountForIteration(k int) int {
	count := oj.MinThreads + k*oj.ThreadIncrement
	if oj.MaxThreads > 0 && count > oj.MaxThreads {
		return oj.MaxThreads
	}
	return count
}
