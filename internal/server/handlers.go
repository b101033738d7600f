package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/tickerpipe/internal/broker"
	"github.com/aristath/tickerpipe/internal/tasks"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"service": "tickerpipe",
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleQueueStats reports queue depths, claims, and dead-letter counts.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read queue stats")
		s.writeError(w, http.StatusInternalServerError, "queue stats unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// TaskInfo describes one dispatchable operation.
type TaskInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleListTasks lists the operations the pipeline accepts.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	names := tasks.All()
	infos := make([]TaskInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, TaskInfo{
			Name:        string(name),
			Description: tasks.GetTaskDescription(name),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": infos,
		"count": len(infos),
	})
}

// handleGetResult returns the current result record for a task id.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		s.writeError(w, http.StatusBadRequest, "task id is required")
		return
	}

	rec, err := s.backend.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, broker.ErrResultNotFound) {
			s.writeError(w, http.StatusNotFound, "no result for task "+taskID)
			return
		}
		s.log.Error().Err(err).Str("task_id", taskID).Msg("Failed to read result")
		s.writeError(w, http.StatusInternalServerError, "result backend unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleCompletions reports the last successful completion per operation
// and subject.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	snapshot := s.completion.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"completions": snapshot,
		"count":       len(snapshot),
	})
}

// EnqueueRequest is the manual dispatch request body.
type EnqueueRequest struct {
	TaskName string        `json:"task_name"`
	Payload  tasks.Payload `json:"payload"`
}

// handleEnqueue accepts an envelope for dispatch and returns its task id.
// The worker pool picks it up like any scheduled task; the caller polls
// the results endpoint for the outcome.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "undecodable request body")
		return
	}
	if req.TaskName == "" {
		s.writeError(w, http.StatusBadRequest, "task_name is required")
		return
	}
	if req.Payload == nil {
		req.Payload = tasks.Payload{}
	}

	env := tasks.NewEnvelope(tasks.Name(req.TaskName), req.Payload)
	taskID, err := s.broker.Enqueue(r.Context(), &env)
	if err != nil {
		if kind, _ := tasks.Classify(err); kind == tasks.KindValidation {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Str("task_name", req.TaskName).Msg("Failed to enqueue task")
		s.writeError(w, http.StatusInternalServerError, "broker unavailable")
		return
	}

	s.log.Info().Str("task_id", taskID).Str("task_name", req.TaskName).Msg("Task enqueued via API")
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":   taskID,
		"task_name": req.TaskName,
		"status":    "queued",
	})
}

// handleListDeadLetters returns terminally failed envelopes, newest first.
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.broker.ListDeadLetters(r.Context(), 50)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list dead letters")
		s.writeError(w, http.StatusInternalServerError, "dead letter list unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

// handleRequeueDeadLetters moves dead letters back onto their origin
// queues with a reset retry budget.
func (s *Server) handleRequeueDeadLetters(w http.ResponseWriter, r *http.Request) {
	requeued, err := s.broker.RequeueDeadLetters(r.Context(), 100)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to requeue dead letters")
		s.writeError(w, http.StatusInternalServerError, "dead letter requeue failed")
		return
	}

	s.log.Info().Int("requeued", requeued).Msg("Dead letters requeued via API")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"requeued": requeued,
	})
}
