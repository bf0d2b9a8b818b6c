package server

import (
	"time"

	"github.com/pulsemetrics/refreshd/internal/engine"
	"github.com/pulsemetrics/refreshd/internal/state"
)

// Request/response shapes for the refresh control API. The dashboard
// polls /status at a fixed interval while a run is active, so status
// reads must stay idempotent and side-effect free.

type startRequest struct {
	DebugMode         *bool `json:"debug_mode,omitempty"`
	DebugDaysOverride *int  `json:"debug_days_override,omitempty"`
}

type startResponse struct {
	PipelineID string `json:"pipeline_id"`
}

type resumeRequest struct {
	StageIndex        *int  `json:"stage_index"`
	DebugMode         *bool `json:"debug_mode,omitempty"`
	DebugDaysOverride *int  `json:"debug_days_override,omitempty"`
}

type dismissRequest struct {
	PipelineID string `json:"pipeline_id"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type stageFailureJSON struct {
	StageID string `json:"stage_id"`
	Error   string `json:"error"`
}

type runErrorJSON struct {
	StageID   string    `json:"stage_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type runJSON struct {
	PipelineID       string             `json:"pipeline_id,omitempty"`
	Status           string             `json:"status"`
	CurrentStage     string             `json:"current_stage,omitempty"`
	StageProgress    int                `json:"stage_progress"`
	OverallProgress  int                `json:"overall_progress"`
	CurrentOperation string             `json:"current_operation,omitempty"`
	StagesCompleted  []string           `json:"stages_completed"`
	StagesFailed     []stageFailureJSON `json:"stages_failed"`
	Errors           []runErrorJSON     `json:"errors"`
	Day              string             `json:"day,omitempty"`
	ResumedFrom      string             `json:"resumed_from,omitempty"`
	StartTime        *time.Time         `json:"start_time,omitempty"`
	EndTime          *time.Time         `json:"end_time,omitempty"`
}

type statusResponse struct {
	IsRunning bool `json:"is_running"`
	runJSON
	InterruptedPipeline *engine.InterruptedRun `json:"interrupted_pipeline,omitempty"`
}

type lastRefreshResponse struct {
	LastRefreshData *runJSON `json:"last_refresh_data"`
}

type historyResponse struct {
	Runs []runJSON `json:"runs"`
}

// statusIdle is the sentinel reported when the store has no runs yet.
const statusIdle = "idle"

func toRunJSON(run *state.Run) runJSON {
	out := runJSON{
		PipelineID:       run.ID,
		Status:           string(run.Status),
		CurrentStage:     run.CurrentStageID,
		StageProgress:    run.StageProgress,
		OverallProgress:  run.OverallProgress,
		CurrentOperation: run.CurrentOperation,
		StagesCompleted:  []string{},
		StagesFailed:     []stageFailureJSON{},
		Errors:           []runErrorJSON{},
		Day:              run.Day,
		ResumedFrom:      run.ResumedFrom,
	}

	if completed := run.StagesCompleted(); completed != nil {
		out.StagesCompleted = completed
	}
	for _, sf := range run.StagesFailed() {
		out.StagesFailed = append(out.StagesFailed, stageFailureJSON{StageID: sf.StageID, Error: sf.Error})
	}
	for _, re := range run.Errors {
		out.Errors = append(out.Errors, runErrorJSON{StageID: re.StageID, Message: re.Message, Timestamp: re.Timestamp})
	}

	start := run.StartedAt
	out.StartTime = &start
	out.EndTime = run.CompletedAt
	return out
}
