// Package pipeline defines the stage contract and the fixed, ordered
// registry of refresh stages. The registry is the pipeline's only
// topology: stages execute strictly in ordinal order with no branching.
package pipeline

import (
	"context"
	"errors"
	"sync"
)

// Stage is one unit of work in the refresh pipeline. Implementations
// report progress through the RunContext and must honor ctx cancellation
// at their own sub-steps; the engine only observes cancellation at stage
// boundaries. A stage is treated as atomic: if a run is resumed, the
// stage restarts from its own beginning.
type Stage interface {
	Run(ctx context.Context, rc *RunContext) error
}

// StageFunc adapts a plain function to the Stage interface.
type StageFunc func(ctx context.Context, rc *RunContext) error

func (f StageFunc) Run(ctx context.Context, rc *RunContext) error { return f(ctx, rc) }

// Options is the configuration snapshot captured when a run starts.
// A resumed run reuses the original run's snapshot so both halves of
// the run see identical parameters.
type Options struct {
	DebugMode         bool `json:"debug_mode"`
	DebugDaysOverride int  `json:"debug_days_override,omitempty"`
}

// DayWindow returns the number of calendar days a stage should process,
// applying the debug override when set.
func (o Options) DayWindow(defaultDays int) int {
	if o.DebugMode && o.DebugDaysOverride > 0 {
		return o.DebugDaysOverride
	}
	if defaultDays <= 0 {
		return 1
	}
	return defaultDays
}

// ProgressFunc receives stage-level progress updates. pct is 0-100 within
// the current stage; operation is a short description of the in-flight
// sub-step for UI display.
type ProgressFunc func(pct int, operation string)

// RunContext carries the run's option snapshot and the progress sink into
// a stage invocation. Safe for concurrent use by a stage's workers.
type RunContext struct {
	Opts Options

	mu     sync.Mutex
	report ProgressFunc
}

// NewRunContext builds a RunContext with the given options and progress sink.
func NewRunContext(opts Options, report ProgressFunc) *RunContext {
	return &RunContext{Opts: opts, report: report}
}

// Progress reports sub-progress within the current stage. Values outside
// 0-100 are clamped.
func (rc *RunContext) Progress(pct int, operation string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.report != nil {
		rc.report(pct, operation)
	}
}

// PartialError marks a stage failure as non-fatal: the stage still produced
// usable output, so the run continues and finishes as completed_with_errors
// instead of failed.
type PartialError struct{ Err error }

func (e *PartialError) Error() string { return e.Err.Error() }
func (e *PartialError) Unwrap() error { return e.Err }

// Partial wraps err so the engine records it without halting the run.
func Partial(err error) error { return &PartialError{Err: err} }

// IsPartial reports whether err is a non-fatal partial stage failure.
func IsPartial(err error) bool { return errors.As(err, new(*PartialError)) }
