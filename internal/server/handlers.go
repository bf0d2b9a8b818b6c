package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/pulsemetrics/refreshd/internal/engine"
	"github.com/pulsemetrics/refreshd/internal/pipeline"
	"github.com/pulsemetrics/refreshd/internal/state"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStart creates a run and launches the engine asynchronously,
// returning the new pipeline id immediately.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAction(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts pipeline.Options
	if req.DebugMode != nil {
		opts.DebugMode = *req.DebugMode
	}
	if req.DebugDaysOverride != nil {
		opts.DebugDaysOverride = *req.DebugDaysOverride
	}

	id, err := s.engine.Start(opts)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{PipelineID: id})
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Cancel(); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAction(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.StageIndex == nil {
		writeAction(w, http.StatusBadRequest, "stage_index is required")
		return
	}

	// The interrupted run's persisted options apply unless the caller
	// explicitly overrides them.
	var override *pipeline.Options
	if req.DebugMode != nil || req.DebugDaysOverride != nil {
		override = &pipeline.Options{}
		if req.DebugMode != nil {
			override.DebugMode = *req.DebugMode
		}
		if req.DebugDaysOverride != nil {
			override.DebugDaysOverride = *req.DebugDaysOverride
		}
	}

	if _, err := s.engine.Resume(*req.StageIndex, override); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true})
}

func (s *Server) handleDismissInterrupted(w http.ResponseWriter, r *http.Request) {
	var req dismissRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAction(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.DismissInterrupted(req.PipelineID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.engine.Status()
	if err != nil {
		s.logger.Error("status read failed", "error", err)
		writeAction(w, http.StatusInternalServerError, "failed to read run state")
		return
	}

	resp := statusResponse{
		IsRunning:           snap.IsRunning,
		InterruptedPipeline: snap.Interrupted,
	}
	if snap.Run != nil {
		resp.runJSON = toRunJSON(snap.Run)
	} else {
		resp.runJSON = runJSON{
			Status:          statusIdle,
			StagesCompleted: []string{},
			StagesFailed:    []stageFailureJSON{},
			Errors:          []runErrorJSON{},
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLastRefresh(w http.ResponseWriter, _ *http.Request) {
	run, err := s.engine.LastRefresh()
	if err != nil {
		s.logger.Error("last-refresh read failed", "error", err)
		writeAction(w, http.StatusInternalServerError, "failed to read run state")
		return
	}

	resp := lastRefreshResponse{}
	if run != nil {
		rj := toRunJSON(run)
		resp.LastRefreshData = &rj
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			writeAction(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	runs, err := s.engine.History(limit)
	if err != nil {
		s.logger.Error("history read failed", "error", err)
		writeAction(w, http.StatusInternalServerError, "failed to read run state")
		return
	}

	resp := historyResponse{Runs: []runJSON{}}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, toRunJSON(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeEngineError maps engine control errors onto the API contract:
// conflicts are 409, bad stage indexes 400, missing interrupted runs 404.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrAlreadyRunning):
		writeAction(w, http.StatusConflict, "a refresh is already running")
	case errors.Is(err, engine.ErrNotRunning):
		writeAction(w, http.StatusConflict, "no refresh is running")
	case errors.Is(err, engine.ErrInvalidStageIndex):
		writeAction(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNoInterruptedRun):
		writeAction(w, http.StatusNotFound, "no matching interrupted run")
	default:
		s.logger.Error("control operation failed", "error", err)
		writeAction(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON decodes an optional JSON body; an empty body is valid.
func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func writeAction(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, actionResponse{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
