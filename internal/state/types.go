// Package state provides durable run-state persistence for refreshd using
// SQLite. It is the crash-safe record of the current and historical
// pipeline runs; the recovery detector and the polling status API both
// read from it, and the execution engine is its only writer.
package state

import (
	"time"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
)

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunStatusRunning             RunStatus = "running"
	RunStatusCompleted           RunStatus = "completed"
	RunStatusCompletedWithErrors RunStatus = "completed_with_errors"
	RunStatusFailed              RunStatus = "failed"
	RunStatusCancelled           RunStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// StageStatus is the status of one stage within a run.
type StageStatus string

const (
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

// StageResult records the outcome of one stage within a run.
type StageResult struct {
	StageID     string
	Ordinal     int
	Status      StageStatus
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// RunError is one entry in a run's ordered error list.
type RunError struct {
	StageID   string    `json:"stage_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is one end-to-end refresh attempt. The engine mutates it in place
// through store writes while running; once the status leaves running the
// record is immutable except for being superseded by a new run.
type Run struct {
	ID               string
	Status           RunStatus
	CurrentStageID   string // non-empty iff Status == running and a stage is in flight
	StageProgress    int    // 0-100 within CurrentStageID
	OverallProgress  int    // 0-100, monotonically non-decreasing within a run
	CurrentOperation string
	Options          pipeline.Options
	Day              string // calendar date (YYYY-MM-DD) the run logically started on
	ResumedFrom      string // id of the interrupted run this one resumed, if any
	Stages           []StageResult
	Errors           []RunError
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// StagesCompleted returns the ids of completed stages in execution order.
func (r *Run) StagesCompleted() []string {
	var ids []string
	for _, s := range r.Stages {
		if s.Status == StageStatusCompleted {
			ids = append(ids, s.StageID)
		}
	}
	return ids
}

// StagesFailed returns the failed stage results in execution order.
func (r *Run) StagesFailed() []StageResult {
	var out []StageResult
	for _, s := range r.Stages {
		if s.Status == StageStatusFailed {
			out = append(out, s)
		}
	}
	return out
}

// StageCarry seeds a resumed run with a stage already completed by the
// run it supersedes.
type StageCarry struct {
	StageID string
	Ordinal int
}

// Metric is a named measurement recorded by a stage during a refresh,
// e.g. events ingested or campaigns analyzed.
type Metric struct {
	StageID    string
	Name       string
	Value      float64
	RecordedAt time.Time
}
