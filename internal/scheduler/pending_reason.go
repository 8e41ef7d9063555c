package scheduler

import (
	"fmt"
	"time"

	"github.com/loadforge/loadsched/internal/errs"
	"github.com/loadforge/loadsched/internal/model"
)

// PendingReason returns a human-readable diagnostic explaining why a
// Pending job has not yet been started, mirroring the checks the dispatch
// loop performs in order.
func (s *Scheduler) PendingReason(jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.pending.get(jobID)
	if !ok {
		return "", &errs.NotFoundError{Kind: "pending job", ID: jobID}
	}

	if job.State == model.JobStateDisabled {
		return "Job is disabled.", nil
	}
	if now := time.Now(); job.StartTime.After(now.Add(s.startBuffer)) {
		return fmt.Sprintf("Start time %s has not arrived.", job.StartTime.Format(time.RFC3339)), nil
	}
	for _, dep := range job.Dependencies {
		if depJob, ok := s.pending.get(dep); ok {
			if depJob.State == model.JobStateDisabled {
				return fmt.Sprintf("Waiting for dependency %s, which is disabled.", dep), nil
			}
			return fmt.Sprintf("Waiting for dependency %s to complete.", dep), nil
		}
		if s.running.contains(dep) {
			return fmt.Sprintf("Waiting for dependency %s to complete.", dep), nil
		}
		if oj, ok := s.optimizing[dep]; ok && !oj.DoneRunning() {
			return fmt.Sprintf("Waiting for optimizing job %s to finish running.", dep), nil
		}
	}
	if !s.clients.ConnectionsAvailableFor(job) {
		return insufficientClientsMessage, nil
	}
	if !s.clients.MonitorsAvailableFor(job) {
		return "Insufficient monitor clients available.", nil
	}
	return "No reason - the next scheduler pass will start it.", nil
}
