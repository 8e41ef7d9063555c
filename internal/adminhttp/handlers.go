package adminhttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/loadforge/loadsched/internal/errs"
	"github.com/loadforge/loadsched/internal/model"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var notFound *errs.NotFoundError
	var admission *errs.AdmissionError
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &admission):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleAdmitJob(w http.ResponseWriter, r *http.Request) {
	var job model.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed job: " + err.Error()})
		return
	}
	id, err := s.sched.Admit(&job, r.URL.Query().Get("folder"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleAdmitOptimizing(w http.ResponseWriter, r *http.Request) {
	var oj model.OptimizingJob
	if err := json.NewDecoder(r.Body).Decode(&oj); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed optimizing job: " + err.Error()})
		return
	}
	id, err := s.sched.AdmitOptimizing(&oj, r.URL.Query().Get("folder"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleComposeGroup(w http.ResponseWriter, r *http.Request) {
	var group model.JobGroup
	if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed job group: " + err.Error()})
		return
	}
	ids, err := s.composer.Compose(&group)
	if err != nil {
		// Already-admitted members remain scheduled; report both.
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":    err.Error(),
			"admitted": ids,
		})
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"ids": ids})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("state") {
	case "pending":
		s.writeJSON(w, http.StatusOK, s.sched.GetPending())
	case "running":
		s.writeJSON(w, http.StatusOK, s.sched.GetRunning())
	case "completed":
		s.writeJSON(w, http.StatusOK, s.sched.GetRecentlyCompleted())
	default:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"pending":            s.sched.GetPending(),
			"running":            s.sched.GetRunning(),
			"recently_completed": s.sched.GetRecentlyCompleted(),
		})
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePendingReason(w http.ResponseWriter, r *http.Request) {
	reason, err := s.sched.PendingReason(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"reason": reason})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	wait := r.URL.Query().Get("wait") == "true"
	job := s.sched.Cancel(r.PathValue("id"), wait)
	if job == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such job"})
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelAndDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.CancelAndDelete(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Disable(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Enable(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetOptimizing(w http.ResponseWriter, r *http.Request) {
	oj, err := s.sched.GetOptimizing(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, oj)
}

func (s *Server) handleCancelOptimizing(w http.ResponseWriter, r *http.Request) {
	runningFound, err := s.sched.CancelOptimizing(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"running_found": runningFound})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogs serves the most recent log lines from the logger's memory
// writer, oldest first.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	memWriter := arbor.GetRegisteredMemoryWriter(arbor.WRITER_MEMORY)
	lines := []string{}
	if memWriter != nil {
		entries, err := memWriter.GetEntriesWithLimit(limit)
		if err != nil {
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to retrieve logs"})
			return
		}
		keys := make([]string, 0, len(entries))
		for key := range entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			lines = append(lines, entries[key])
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"lines": lines})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	scheduled, cancelled, completed := s.sched.Counters()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs_scheduled":    scheduled,
		"jobs_cancelled":    cancelled,
		"jobs_completed":    completed,
		"clients_connected": s.clients.Count(),
	})
}
