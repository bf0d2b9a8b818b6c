package engine

// run.go - the background worker that drives a run through the registry.

import (
	"context"
	"errors"
	"fmt"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
	"github.com/pulsemetrics/refreshd/internal/state"
)

// runLoop executes stages sequentially from startOrdinal. Every
// transition is persisted before the next stage begins, so status reads
// always reflect durable state and a crash leaves a resumable record.
func (e *Engine) runLoop(ctx context.Context, a *activeRun, run *state.Run, startOrdinal, completedBefore int) {
	total := e.registry.Len()
	completed := completedBefore
	partial := false

	for ordinal := startOrdinal; ordinal < total; ordinal++ {
		if a.cancelRequested.Load() {
			e.finalize(run.ID, state.RunStatusCancelled)
			return
		}

		desc, ok := e.registry.ByOrdinal(ordinal)
		if !ok {
			e.failInfra(run.ID, fmt.Errorf("no stage at ordinal %d", ordinal))
			return
		}

		if err := e.store.MarkStageStarted(run.ID, desc.ID, ordinal); err != nil {
			e.failInfra(run.ID, err)
			return
		}

		e.logger.Info("stage started", "run_id", run.ID, "stage", desc.ID, "ordinal", ordinal)

		rc := pipeline.NewRunContext(run.Options, func(pct int, operation string) {
			overall := overallProgress(completed, total, pct)
			if err := e.store.UpdateProgress(run.ID, pct, overall, operation); err != nil {
				e.logger.Warn("failed to persist progress", "run_id", run.ID, "stage", desc.ID, "error", err)
			}
		})

		err := e.invokeStage(ctx, desc, rc)

		switch {
		case err == nil:
			if serr := e.store.MarkStageCompleted(run.ID, desc.ID, overallProgress(completed+1, total, 0)); serr != nil {
				e.failInfra(run.ID, serr)
				return
			}
			completed++
			e.logger.Info("stage completed", "run_id", run.ID, "stage", desc.ID)

		case a.cancelRequested.Load() && errors.Is(err, context.Canceled):
			// The stage honored the cancellation token mid-flight; that is
			// cancellation, not failure.
			e.finalize(run.ID, state.RunStatusCancelled)
			return

		case pipeline.IsPartial(err):
			// The stage produced usable output despite errors: record both
			// the completion and the error detail, then keep going.
			if serr := e.store.MarkStageCompleted(run.ID, desc.ID, overallProgress(completed+1, total, 0)); serr != nil {
				e.failInfra(run.ID, serr)
				return
			}
			if serr := e.store.AppendError(run.ID, desc.ID, err.Error()); serr != nil {
				e.logger.Warn("failed to append partial error", "run_id", run.ID, "error", serr)
			}
			completed++
			partial = true
			e.logger.Warn("stage completed with errors", "run_id", run.ID, "stage", desc.ID, "error", err)

		default:
			msg := err.Error()
			if e.stageTimeout > 0 && errors.Is(err, context.DeadlineExceeded) {
				msg = fmt.Sprintf("stage exceeded maximum duration %s", e.stageTimeout)
			}
			if serr := e.store.MarkStageFailed(run.ID, desc.ID, msg); serr != nil {
				e.failInfra(run.ID, serr)
				return
			}
			e.logger.Error("stage failed", "run_id", run.ID, "stage", desc.ID, "error", msg)
			// Later stages consume this stage's output; halt the run.
			e.finalize(run.ID, state.RunStatusFailed)
			return
		}
	}

	switch {
	case a.cancelRequested.Load():
		e.finalize(run.ID, state.RunStatusCancelled)
	case partial:
		e.finalize(run.ID, state.RunStatusCompletedWithErrors)
	default:
		e.finalize(run.ID, state.RunStatusCompleted)
	}
}

// invokeStage runs one stage with panic containment and the optional
// watchdog. On watchdog expiry the stage goroutine is abandoned and the
// run halts; on cooperative cancellation the worker waits for the stage
// to return so cancellation stays boundary-only.
func (e *Engine) invokeStage(ctx context.Context, desc pipeline.Descriptor, rc *pipeline.RunContext) error {
	stageCtx := ctx
	if e.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, e.stageTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("stage %s panicked: %v", desc.ID, r)
			}
		}()
		done <- desc.Stage.Run(stageCtx, rc)
	}()

	select {
	case err := <-done:
		return err
	case <-stageCtx.Done():
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return stageCtx.Err()
		}
		// Cancellation: let the in-flight stage finish on its own terms.
		return <-done
	}
}

// failInfra records an infrastructure error against the run and halts it.
// A generic entry is appended best-effort so the dashboard never has to
// infer failure from a dropped connection.
func (e *Engine) failInfra(runID string, err error) {
	e.logger.Error("infrastructure error, halting run", "run_id", runID, "error", err)
	if aerr := e.store.AppendError(runID, "", fmt.Sprintf("internal error: %v", err)); aerr != nil {
		e.logger.Error("failed to append infrastructure error", "run_id", runID, "error", aerr)
	}
	e.finalize(runID, state.RunStatusFailed)
}

func (e *Engine) finalize(runID string, status state.RunStatus) {
	if err := e.store.FinalizeRun(runID, status); err != nil {
		if errors.Is(err, state.ErrRunFinalized) {
			return
		}
		e.logger.Error("failed to finalize run", "run_id", runID, "status", status, "error", err)
		return
	}
	e.logger.Info("pipeline run finished", "run_id", runID, "status", status)
}

// overallProgress derives 0-100 run progress from the completed stage
// count plus the current stage's sub-progress.
func overallProgress(completed, total, stagePct int) int {
	if total <= 0 {
		return 0
	}
	pct := (completed*100 + stagePct) / total
	if pct > 100 {
		pct = 100
	}
	return pct
}
