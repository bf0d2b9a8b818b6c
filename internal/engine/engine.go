// Package engine drives one pipeline run at a time through the stage
// registry, persisting every transition to the run state store before
// moving on. It owns the single-flight guarantee, cooperative
// cancellation, and recovery of runs interrupted by a process restart.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
	"github.com/pulsemetrics/refreshd/internal/state"
)

var (
	// ErrAlreadyRunning is returned when a start or resume races an active
	// run. The durable check lives in the store; this alias lets callers
	// match either layer with errors.Is.
	ErrAlreadyRunning = state.ErrAlreadyRunning

	// ErrNotRunning is returned by Cancel when no run is active.
	ErrNotRunning = errors.New("no pipeline run in progress")

	// ErrInvalidStageIndex is returned by Resume for an out-of-range ordinal.
	ErrInvalidStageIndex = errors.New("stage index out of range")

	// ErrNoInterruptedRun is returned when resume or dismiss targets an
	// interrupted run that does not exist (or no longer matches).
	ErrNoInterruptedRun = errors.New("no interrupted run to act on")
)

// Engine executes pipeline runs sequentially on a dedicated goroutine.
// Exactly one run is active per process; control methods are safe for
// concurrent use by the HTTP layer.
type Engine struct {
	registry     *pipeline.Registry
	store        state.Store
	logger       *slog.Logger
	stageTimeout time.Duration

	mu          sync.Mutex
	active      *activeRun
	interrupted *InterruptedRun
}

// activeRun is the in-process handle attached to the run the background
// worker is driving.
type activeRun struct {
	id              string
	cancelRequested atomic.Bool
	cancel          context.CancelFunc
	done            chan struct{}
}

// Config holds engine configuration.
type Config struct {
	Registry *pipeline.Registry
	Store    state.Store
	// Logger is the structured logger (optional, uses discard if nil).
	Logger *slog.Logger
	// StageTimeout is the optional per-stage watchdog. When a stage runs
	// longer, it is forced into failed and the run halts. Zero disables it.
	StageTimeout time.Duration
}

// New creates an engine and performs interrupted-run detection: a stored
// run still marked running has no worker attached in this process, so it
// was abandoned by a prior instance and is surfaced for resume/dismiss.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine requires a stage registry")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine requires a state store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	e := &Engine{
		registry:     cfg.Registry,
		store:        cfg.Store,
		logger:       logger,
		stageTimeout: cfg.StageTimeout,
	}

	if err := e.detectInterrupted(); err != nil {
		return nil, err
	}
	return e, nil
}

// Start creates a new run and launches the background worker from stage 0.
// It returns the new pipeline id immediately without waiting for the run.
func (e *Engine) Start(opts pipeline.Options) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		return "", ErrAlreadyRunning
	}

	run, err := e.store.CreateRun(state.RunSpec{Options: opts})
	if err != nil {
		return "", err
	}

	e.launchLocked(run, 0, 0)
	e.logger.Info("pipeline run started", "run_id", run.ID, "debug_mode", opts.DebugMode)
	return run.ID, nil
}

// Resume restarts the interrupted run from the given stage ordinal. The
// new run reuses the interrupted run's option snapshot unless override is
// non-nil, and carries its completed stages forward so they are not
// re-invoked.
func (e *Engine) Resume(fromOrdinal int, override *pipeline.Options) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		return "", ErrAlreadyRunning
	}
	if e.interrupted == nil {
		return "", ErrNoInterruptedRun
	}
	if fromOrdinal < 0 || fromOrdinal >= e.registry.Len() {
		return "", fmt.Errorf("%w: %d (pipeline has %d stages)", ErrInvalidStageIndex, fromOrdinal, e.registry.Len())
	}

	opts := e.interrupted.Options
	if override != nil {
		opts = *override
	}

	// Carry forward completed stages before the resume point.
	var carried []state.StageCarry
	for _, id := range e.interrupted.StagesCompleted {
		desc, ok := e.registry.ByID(id)
		if !ok || desc.Ordinal >= fromOrdinal {
			continue
		}
		carried = append(carried, state.StageCarry{StageID: desc.ID, Ordinal: desc.Ordinal})
	}

	run, err := e.store.CreateResumedRun(
		state.RunSpec{Options: opts, Day: e.interrupted.Day},
		e.interrupted.PipelineID,
		carried,
	)
	if err != nil {
		return "", err
	}

	e.interrupted = nil
	e.launchLocked(run, fromOrdinal, len(carried))
	e.logger.Info("pipeline run resumed", "run_id", run.ID, "resumed_from", run.ResumedFrom, "from_stage", fromOrdinal)
	return run.ID, nil
}

// Cancel requests cooperative cancellation of the active run. The
// in-flight stage finishes (or fails) on its own; the worker observes
// the request at the next stage boundary.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil {
		return ErrNotRunning
	}

	e.active.cancelRequested.Store(true)
	e.active.cancel()
	e.logger.Info("pipeline cancellation requested", "run_id", e.active.id)
	return nil
}

// DismissInterrupted finalizes the detected interrupted run as cancelled
// without resuming it.
func (e *Engine) DismissInterrupted(pipelineID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.interrupted == nil || e.interrupted.PipelineID != pipelineID {
		return ErrNoInterruptedRun
	}

	if err := e.store.FinalizeRun(pipelineID, state.RunStatusCancelled); err != nil && !errors.Is(err, state.ErrRunFinalized) {
		return err
	}

	e.logger.Info("interrupted run dismissed", "run_id", pipelineID)
	e.interrupted = nil
	return nil
}

// Snapshot is the state returned to the polling status API.
type Snapshot struct {
	// IsRunning is true only when a worker in this process is driving the
	// run; an interrupted run's record still reads running in the store
	// but is reported through Interrupted instead.
	IsRunning   bool
	Run         *state.Run
	Interrupted *InterruptedRun
}

// Status returns the current run (nil when the store is empty) plus the
// interrupted-run descriptor, if one is pending. Cheap and side-effect
// free; safe to poll every second. The store read happens under the
// engine lock so the run record and the in-process fields come from the
// same moment; a poll racing a resume never pairs the superseded run
// with a cleared interrupted descriptor.
func (e *Engine) Status() (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, err := e.store.GetCurrentRun()
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		IsRunning:   e.active != nil,
		Run:         run,
		Interrupted: e.interrupted,
	}, nil
}

// LastRefresh returns the most recent terminal run, or nil.
func (e *Engine) LastRefresh() (*state.Run, error) {
	return e.store.GetLastTerminalRun()
}

// History returns up to limit recent runs, most recent first.
func (e *Engine) History(limit int) ([]*state.Run, error) {
	return e.store.ListRuns(limit)
}

// Wait blocks until no run is active. Used by the one-shot CLI command
// and by tests.
func (e *Engine) Wait() {
	e.mu.Lock()
	a := e.active
	e.mu.Unlock()
	if a != nil {
		<-a.done
	}
}

// launchLocked attaches the run and starts the background worker. The
// worker's context is detached from any request context: a run outlives
// the HTTP call that started it.
func (e *Engine) launchLocked(run *state.Run, startOrdinal, completedBefore int) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &activeRun{
		id:     run.ID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.active = a

	go func() {
		defer close(a.done)
		defer cancel()
		defer e.detach(a)
		e.runLoop(ctx, a, run, startOrdinal, completedBefore)
	}()
}

// detach releases the single-run lock so a future start is not blocked.
func (e *Engine) detach(a *activeRun) {
	e.mu.Lock()
	if e.active == a {
		e.active = nil
	}
	e.mu.Unlock()
}
