package state

import (
	"errors"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
)

// Store is the run-state persistence contract consumed by the engine and
// the status API. All writes are atomic with respect to concurrent
// readers: a reader never observes a half-updated record.
type Store interface {
	// CreateRun persists a new run with status running. It fails with
	// ErrAlreadyRunning if an active run exists; the check and the insert
	// are atomic so concurrent starts cannot both succeed.
	CreateRun(opts RunSpec) (*Run, error)

	// CreateResumedRun atomically finalizes the interrupted run as
	// cancelled and creates a new running run that carries the
	// interrupted run's completed stages and option snapshot.
	CreateResumedRun(spec RunSpec, supersedes string, carried []StageCarry) (*Run, error)

	// GetRun returns the run with the given id, or ErrRunNotFound.
	GetRun(id string) (*Run, error)

	// GetCurrentRun returns the active or most recent run, or nil if the
	// store has never recorded a run.
	GetCurrentRun() (*Run, error)

	// GetLastTerminalRun returns the most recent run whose status is not
	// running, or nil.
	GetLastTerminalRun() (*Run, error)

	// ListRuns returns up to limit runs, most recent first.
	ListRuns(limit int) ([]*Run, error)

	// MarkStageStarted records that a stage began: sets the run's current
	// stage, resets stage progress, and upserts the stage row. Idempotent.
	MarkStageStarted(runID, stageID string, ordinal int) error

	// UpdateProgress records in-flight progress for the current stage.
	// Overall progress never decreases.
	UpdateProgress(runID string, stageProgress, overallProgress int, operation string) error

	// MarkStageCompleted records a successful stage. Idempotent; a stage
	// already marked failed is never flipped to completed.
	MarkStageCompleted(runID, stageID string, overallProgress int) error

	// MarkStageFailed records a failed stage with error detail and appends
	// a run error entry. Idempotent: repeating the same outcome neither
	// duplicates the error entry nor overwrites a completed stage.
	MarkStageFailed(runID, stageID, errMsg string) error

	// AppendError appends an entry to the run's error list without
	// touching stage bookkeeping (used for infrastructure errors).
	AppendError(runID, stageID, message string) error

	// FinalizeRun sets a terminal status and end time, clearing the
	// current stage. It fails with ErrRunFinalized if the run already
	// left the running state.
	FinalizeRun(runID string, status RunStatus) error

	// RecordMetric stores a named measurement produced by a stage.
	RecordMetric(stageID, name string, value float64) error

	// LatestMetrics returns the most recent value per (stage, name) pair.
	LatestMetrics() ([]Metric, error)

	Close() error
}

// RunSpec carries the inputs for creating a run record.
type RunSpec struct {
	Options Options
	Day     string // defaults to today (UTC) when blank
}

// Options is an alias for pipeline.Options, the run's configuration
// snapshot.
type Options = pipeline.Options

var (
	// ErrAlreadyRunning is returned when a run with status running exists.
	ErrAlreadyRunning = errors.New("a pipeline run is already in progress")

	// ErrRunNotFound is returned when no run matches the given id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinalized is returned when finalizing a run that already has a
	// terminal status.
	ErrRunFinalized = errors.New("run already finalized")
)
