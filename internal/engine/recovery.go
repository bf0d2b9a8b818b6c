package engine

// recovery.go - interrupted-run detection on process startup.

import (
	"time"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
	"github.com/pulsemetrics/refreshd/internal/state"
)

// InterruptedRun describes a run that was marked running by a prior
// process instance but has no worker attached in this one. It is
// surfaced through Status until a client resumes or dismisses it.
type InterruptedRun struct {
	PipelineID string `json:"pipeline_id"`
	// InterruptedStage is the 0-based ordinal to resume from.
	InterruptedStage int      `json:"interrupted_stage"`
	StagesCompleted  []string `json:"stages_completed"`
	// CanResume is false when the stored context is unusable, e.g. the
	// stage registry changed incompatibly since the run started.
	CanResume bool `json:"can_resume"`
	// IsSameDay reports whether the run started on the current calendar
	// day; a stale run warrants a staleness warning in the UI.
	IsSameDay bool             `json:"is_same_day"`
	StartTime time.Time        `json:"start_time"`
	Day       string           `json:"-"`
	Options   pipeline.Options `json:"options"`
}

// detectInterrupted inspects the store for a run abandoned mid-flight.
// Called once from New; the descriptor persists until resume or dismiss.
func (e *Engine) detectInterrupted() error {
	run, err := e.store.GetCurrentRun()
	if err != nil {
		return err
	}
	if run == nil || run.Status != state.RunStatusRunning {
		return nil
	}

	e.interrupted = e.buildInterrupted(run)
	e.logger.Warn("detected interrupted run",
		"run_id", run.ID,
		"interrupted_stage", e.interrupted.InterruptedStage,
		"can_resume", e.interrupted.CanResume,
		"same_day", e.interrupted.IsSameDay,
	)
	return nil
}

func (e *Engine) buildInterrupted(run *state.Run) *InterruptedRun {
	completed := run.StagesCompleted()

	canResume := true
	completedSet := make(map[string]bool, len(completed))
	for _, id := range completed {
		if _, ok := e.registry.ByID(id); !ok {
			canResume = false
		}
		completedSet[id] = true
	}

	ordinal := len(completed)
	if run.CurrentStageID != "" {
		desc, ok := e.registry.ByID(run.CurrentStageID)
		switch {
		case !ok:
			canResume = false
		case completedSet[desc.ID]:
			// The run died after this stage completed but before the next
			// one started; resume with the next stage, not this one.
			ordinal = desc.Ordinal + 1
		default:
			// The run died inside this stage; it restarts from its beginning.
			ordinal = desc.Ordinal
		}
	}
	if ordinal >= e.registry.Len() {
		// Every stage finished; there is nothing left to resume.
		canResume = false
	}

	return &InterruptedRun{
		PipelineID:       run.ID,
		InterruptedStage: ordinal,
		StagesCompleted:  completed,
		CanResume:        canResume,
		IsSameDay:        run.Day == time.Now().UTC().Format("2006-01-02"),
		StartTime:        run.StartedAt,
		Day:              run.Day,
		Options:          run.Options,
	}
}
