package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
	"github.com/pulsemetrics/refreshd/internal/state"
	"github.com/pulsemetrics/refreshd/internal/testutil"
)

var stageIDs = []string{"mixpanel", "meta", "conversion", "dashboard", "pipelines"}

// newTestRegistry builds the five-stage pipeline with per-stage behavior
// overrides keyed by stage id. Unlisted stages succeed immediately.
func newTestRegistry(t *testing.T, behavior map[string]pipeline.StageFunc) *pipeline.Registry {
	t.Helper()
	descriptors := make([]pipeline.Descriptor, 0, len(stageIDs))
	for _, id := range stageIDs {
		fn, ok := behavior[id]
		if !ok {
			fn = func(_ context.Context, _ *pipeline.RunContext) error { return nil }
		}
		descriptors = append(descriptors, pipeline.Descriptor{ID: id, DisplayName: id, Stage: fn})
	}
	reg, err := pipeline.NewRegistry(descriptors...)
	require.NoError(t, err)
	return reg
}

func newTestEngine(t *testing.T, store state.Store, behavior map[string]pipeline.StageFunc) *Engine {
	t.Helper()
	eng, err := New(Config{
		Registry: newTestRegistry(t, behavior),
		Store:    store,
		Logger:   testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	return eng
}

func openStore(t *testing.T) *state.SQLiteStore {
	t.Helper()
	store := state.NewSQLiteStore(nil)
	require.NoError(t, store.Open(":memory:"))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEngine_AllStagesSucceed(t *testing.T) {
	store := openStore(t)
	eng := newTestEngine(t, store, nil)

	id, err := eng.Start(pipeline.Options{})
	require.NoError(t, err)
	eng.Wait()

	run, err := store.GetRun(id)
	require.NoError(t, err)

	assert.Equal(t, state.RunStatusCompleted, run.Status)
	assert.Equal(t, 100, run.OverallProgress)
	assert.Empty(t, run.CurrentStageID)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, stageIDs, run.StagesCompleted())
	assert.Empty(t, run.StagesFailed())
}

func TestEngine_StageFailureHaltsRun(t *testing.T) {
	store := openStore(t)
	eng := newTestEngine(t, store, map[string]pipeline.StageFunc{
		"meta": func(_ context.Context, _ *pipeline.RunContext) error {
			return errors.New("insights endpoint returned 500")
		},
	})

	id, err := eng.Start(pipeline.Options{})
	require.NoError(t, err)
	eng.Wait()

	run, err := store.GetRun(id)
	require.NoError(t, err)

	assert.Equal(t, state.RunStatusFailed, run.Status)
	assert.Empty(t, run.CurrentStageID)
	assert.Equal(t, []string{"mixpanel"}, run.StagesCompleted())
	require.Len(t, run.StagesFailed(), 1)
	assert.Equal(t, "meta", run.StagesFailed()[0].StageID)
	assert.Contains(t, run.StagesFailed()[0].Error, "insights endpoint returned 500")
	require.NotNil(t, run.CompletedAt)
}

func TestEngine_PartialStageCompletesWithErrors(t *testing.T) {
	store := openStore(t)
	eng := newTestEngine(t, store, map[string]pipeline.StageFunc{
		"meta": func(_ context.Context, _ *pipeline.RunContext) error {
			return pipeline.Partial(errors.New("2 of 5 campaigns failed"))
		},
	})

	id, err := eng.Start(pipeline.Options{})
	require.NoError(t, err)
	eng.Wait()

	run, err := store.GetRun(id)
	require.NoError(t, err)

	assert.Equal(t, state.RunStatusCompletedWithErrors, run.Status)
	assert.Equal(t, stageIDs, run.StagesCompleted())
	assert.Empty(t, run.StagesFailed())
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "meta", run.Errors[0].StageID)
	assert.Contains(t, run.Errors[0].Message, "campaigns failed")
}

func TestEngine_PanicIsContained(t *testing.T) {
	store := openStore(t)
	eng := newTestEngine(t, store, map[string]pipeline.StageFunc{
		"conversion": func(_ context.Context, _ *pipeline.RunContext) error {
			panic("nil map write")
		},
	})

	id, err := eng.Start(pipeline.Options{})
	require.NoError(t, err)
	eng.Wait()

	run, err := store.GetRun(id)
	require.NoError(t, err)

	assert.Equal(t, state.RunStatusFailed, run.Status)
	require.Len(t, run.StagesFailed(), 1)
	assert.Equal(t, "conversion", run.StagesFailed()[0].StageID)
	assert.Contains(t, run.StagesFailed()[0].Error, "panicked")
}

func TestEngine_CancelAtStageBoundary(t *testing.T) {
	store := openStore(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	eng := newTestEngine(t, store, map[string]pipeline.StageFunc{
		// Ignores the context on purpose: cancellation must wait for it.
		"meta": func(_ context.Context, _ *pipeline.RunContext) error {
			close(entered)
			<-release
			return nil
		},
	})

	id, err := eng.Start(pipeline.Options{})
	require.NoError(t, err)

	<-entered
	require.NoError(t, eng.Cancel())
	close(release)
	eng.Wait()

	run, err := store.GetRun(id)
	require.NoError(t, err)

	// The in-flight stage finished and was recorded; the run stopped at
	// the next boundary.
	assert.Equal(t, state.RunStatusCancelled, run.Status)
	assert.Equal(t, []string{"mixpanel", "meta"}, run.StagesCompleted())
}

func TestEngine_CancelWithContextAwareStage(t *testing.T) {
	store := openStore(t)

	entered := make(chan struct{})
	eng := newTestEngine(t, store, map[string]pipeline.StageFunc{
		"mixpanel": func(ctx context.Context, _ *pipeline.RunContext) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
	})

	id, err := eng.Start(pipeline.Options{})
	require.NoError(t, err)

	<-entered
	require.NoError(t, eng.Cancel())
	eng.Wait()

	run, err := store.GetRun(id)
	require.NoError(t, err)

	// A stage aborted by the cancellation token is cancellation, not failure.
	assert.Equal(t, state.RunStatusCancelled, run.Status)
	assert.Empty(t, run.StagesFailed())
}

func TestEngine_CancelWithoutActiveRun(t *testing.T) {
	store := openStore(t)
	eng := newTestEngine(t, store, nil)

	assert.ErrorIs(t, eng.Cancel(), ErrNotRunning)
}

func TestEngine_ConcurrentStartsExactlyOneWins(t *testing.T) {
	store := openStore(t)

	release := make(chan struct{})
	eng := newTestEngine(t, store, map[string]pipeline.StageFunc{
		"mixpanel": func(_ context.Context, _ *pipeline.RunContext) error {
			<-release
			return nil
		},
	})

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.Start(pipeline.Options{})
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, ErrAlreadyRunning)
		}
	}
	assert.Equal(t, 1, wins)

	close(release)
	eng.Wait()
}

func TestEngine_StageTimeoutFailsRun(t *testing.T) {
	store := openStore(t)

	block := make(chan struct{})
	defer close(block)
	reg := newTestRegistry(t, map[string]pipeline.StageFunc{
		"dashboard": func(_ context.Context, _ *pipeline.RunContext) error {
			<-block
			return nil
		},
	})
	eng, err := New(Config{
		Registry:     reg,
		Store:        store,
		StageTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	id, err := eng.Start(pipeline.Options{})
	require.NoError(t, err)
	eng.Wait()

	run, err := store.GetRun(id)
	require.NoError(t, err)

	assert.Equal(t, state.RunStatusFailed, run.Status)
	require.Len(t, run.StagesFailed(), 1)
	assert.Equal(t, "dashboard", run.StagesFailed()[0].StageID)
	assert.Contains(t, run.StagesFailed()[0].Error, "exceeded maximum duration")
}

func TestEngine_DetectsInterruptedRun(t *testing.T) {
	store := openStore(t)

	// Simulate a prior process that died inside the conversion stage.
	seed, err := store.CreateRun(state.RunSpec{Options: pipeline.Options{DebugMode: true}})
	require.NoError(t, err)
	require.NoError(t, store.MarkStageStarted(seed.ID, "mixpanel", 0))
	require.NoError(t, store.MarkStageCompleted(seed.ID, "mixpanel", 20))
	require.NoError(t, store.MarkStageStarted(seed.ID, "meta", 1))
	require.NoError(t, store.MarkStageCompleted(seed.ID, "meta", 40))
	require.NoError(t, store.MarkStageStarted(seed.ID, "conversion", 2))

	eng := newTestEngine(t, store, nil)

	snap, err := eng.Status()
	require.NoError(t, err)

	assert.False(t, snap.IsRunning)
	require.NotNil(t, snap.Interrupted)
	assert.Equal(t, seed.ID, snap.Interrupted.PipelineID)
	assert.Equal(t, 2, snap.Interrupted.InterruptedStage)
	assert.Equal(t, []string{"mixpanel", "meta"}, snap.Interrupted.StagesCompleted)
	assert.True(t, snap.Interrupted.CanResume)
	assert.True(t, snap.Interrupted.IsSameDay)
	assert.True(t, snap.Interrupted.Options.DebugMode)
}

func TestEngine_DetectsInterruptionBetweenStages(t *testing.T) {
	store := openStore(t)

	// A crash in the window after a stage completes but before the next
	// one starts leaves current_stage_id pointing at the completed stage.
	seed, err := store.CreateRun(state.RunSpec{})
	require.NoError(t, err)
	require.NoError(t, store.MarkStageStarted(seed.ID, "mixpanel", 0))
	require.NoError(t, store.MarkStageCompleted(seed.ID, "mixpanel", 20))

	eng := newTestEngine(t, store, nil)

	snap, err := eng.Status()
	require.NoError(t, err)
	require.NotNil(t, snap.Interrupted)

	// The completed stage must not be re-run: the resume point is the
	// stage after it.
	assert.Equal(t, 1, snap.Interrupted.InterruptedStage)
	assert.Equal(t, []string{"mixpanel"}, snap.Interrupted.StagesCompleted)
	assert.True(t, snap.Interrupted.CanResume)

	newID, err := eng.Resume(snap.Interrupted.InterruptedStage, nil)
	require.NoError(t, err)
	eng.Wait()

	run, err := store.GetRun(newID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, run.Status)
	// Carried forward, not re-invoked, and present in the final set.
	assert.Equal(t, stageIDs, run.StagesCompleted())
}

func TestEngine_InterruptionAfterFinalStageIsNotResumable(t *testing.T) {
	store := openStore(t)

	// Crash after every stage completed but before the run finalized.
	seed, err := store.CreateRun(state.RunSpec{})
	require.NoError(t, err)
	for i, id := range stageIDs {
		require.NoError(t, store.MarkStageStarted(seed.ID, id, i))
		require.NoError(t, store.MarkStageCompleted(seed.ID, id, overallProgress(i+1, len(stageIDs), 0)))
	}

	eng := newTestEngine(t, store, nil)

	snap, err := eng.Status()
	require.NoError(t, err)
	require.NotNil(t, snap.Interrupted)
	assert.False(t, snap.Interrupted.CanResume)
	assert.Equal(t, len(stageIDs), snap.Interrupted.InterruptedStage)

	// The leftover record can still be dismissed.
	require.NoError(t, eng.DismissInterrupted(seed.ID))
}

func TestEngine_StatusConsistentDuringResume(t *testing.T) {
	store := openStore(t)

	seed, err := store.CreateRun(state.RunSpec{})
	require.NoError(t, err)
	require.NoError(t, store.MarkStageStarted(seed.ID, "mixpanel", 0))
	require.NoError(t, store.MarkStageCompleted(seed.ID, "mixpanel", 20))
	require.NoError(t, store.MarkStageStarted(seed.ID, "meta", 1))

	eng := newTestEngine(t, store, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// A stored running record with no worker attached must always be
		// reported through the interrupted descriptor, never dropped.
		for i := 0; i < 200; i++ {
			snap, err := eng.Status()
			if !assert.NoError(t, err) {
				return
			}
			if snap.Run == nil || snap.Run.Status != state.RunStatusRunning || snap.IsRunning {
				continue
			}
			if !assert.NotNil(t, snap.Interrupted, "running record with no worker and no interrupted descriptor") {
				return
			}
			assert.Equal(t, snap.Run.ID, snap.Interrupted.PipelineID)
		}
	}()

	_, err = eng.Resume(1, nil)
	require.NoError(t, err)
	wg.Wait()
	eng.Wait()
}

func TestEngine_NoInterruptedRunAfterCleanFinish(t *testing.T) {
	store := openStore(t)

	seed, err := store.CreateRun(state.RunSpec{})
	require.NoError(t, err)
	require.NoError(t, store.FinalizeRun(seed.ID, state.RunStatusCompleted))

	eng := newTestEngine(t, store, nil)

	snap, err := eng.Status()
	require.NoError(t, err)
	assert.Nil(t, snap.Interrupted)
}

func TestEngine_ResumeSkipsCompletedStages(t *testing.T) {
	store := openStore(t)

	seed, err := store.CreateRun(state.RunSpec{})
	require.NoError(t, err)
	require.NoError(t, store.MarkStageStarted(seed.ID, "mixpanel", 0))
	require.NoError(t, store.MarkStageCompleted(seed.ID, "mixpanel", 20))
	require.NoError(t, store.MarkStageStarted(seed.ID, "meta", 1))
	require.NoError(t, store.MarkStageCompleted(seed.ID, "meta", 40))
	require.NoError(t, store.MarkStageStarted(seed.ID, "conversion", 2))

	var invoked []string
	var mu sync.Mutex
	record := func(id string) pipeline.StageFunc {
		return func(_ context.Context, _ *pipeline.RunContext) error {
			mu.Lock()
			invoked = append(invoked, id)
			mu.Unlock()
			return nil
		}
	}
	behavior := map[string]pipeline.StageFunc{}
	for _, id := range stageIDs {
		behavior[id] = record(id)
	}

	eng := newTestEngine(t, store, behavior)

	newID, err := eng.Resume(2, nil)
	require.NoError(t, err)
	assert.NotEqual(t, seed.ID, newID)
	eng.Wait()

	assert.Equal(t, []string{"conversion", "dashboard", "pipelines"}, invoked)

	run, err := store.GetRun(newID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, run.Status)
	assert.Equal(t, seed.ID, run.ResumedFrom)
	assert.Equal(t, stageIDs, run.StagesCompleted())
	assert.Equal(t, 100, run.OverallProgress)

	// The interrupted run was superseded and closed out.
	old, err := store.GetRun(seed.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCancelled, old.Status)

	snap, err := eng.Status()
	require.NoError(t, err)
	assert.Nil(t, snap.Interrupted)
}

func TestEngine_ResumeValidation(t *testing.T) {
	store := openStore(t)

	t.Run("no interrupted run", func(t *testing.T) {
		eng := newTestEngine(t, store, nil)
		_, err := eng.Resume(0, nil)
		assert.ErrorIs(t, err, ErrNoInterruptedRun)
	})

	t.Run("stage index out of range", func(t *testing.T) {
		seed, err := store.CreateRun(state.RunSpec{})
		require.NoError(t, err)
		require.NoError(t, store.MarkStageStarted(seed.ID, "mixpanel", 0))

		eng := newTestEngine(t, store, nil)

		_, err = eng.Resume(len(stageIDs), nil)
		assert.ErrorIs(t, err, ErrInvalidStageIndex)
		_, err = eng.Resume(-1, nil)
		assert.ErrorIs(t, err, ErrInvalidStageIndex)

		require.NoError(t, eng.DismissInterrupted(seed.ID))
	})
}

func TestEngine_DismissInterrupted(t *testing.T) {
	store := openStore(t)

	seed, err := store.CreateRun(state.RunSpec{})
	require.NoError(t, err)
	require.NoError(t, store.MarkStageStarted(seed.ID, "mixpanel", 0))

	eng := newTestEngine(t, store, nil)

	assert.ErrorIs(t, eng.DismissInterrupted("some-other-id"), ErrNoInterruptedRun)

	require.NoError(t, eng.DismissInterrupted(seed.ID))

	run, err := store.GetRun(seed.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCancelled, run.Status)

	snap, err := eng.Status()
	require.NoError(t, err)
	assert.Nil(t, snap.Interrupted)

	// Dismissing twice is a no-op error, not a crash.
	assert.ErrorIs(t, eng.DismissInterrupted(seed.ID), ErrNoInterruptedRun)
}

func TestEngine_ProgressIsPersisted(t *testing.T) {
	store := openStore(t)

	checkpoint := make(chan struct{})
	release := make(chan struct{})
	eng := newTestEngine(t, store, map[string]pipeline.StageFunc{
		"mixpanel": func(_ context.Context, rc *pipeline.RunContext) error {
			rc.Progress(50, "exporting day 3 of 7")
			close(checkpoint)
			<-release
			return nil
		},
	})

	id, err := eng.Start(pipeline.Options{})
	require.NoError(t, err)

	<-checkpoint
	run, err := store.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, 50, run.StageProgress)
	assert.Equal(t, 10, run.OverallProgress)
	assert.Equal(t, "exporting day 3 of 7", run.CurrentOperation)
	assert.Equal(t, "mixpanel", run.CurrentStageID)

	close(release)
	eng.Wait()
}

func TestEngine_LastRefreshAndHistory(t *testing.T) {
	store := openStore(t)
	eng := newTestEngine(t, store, nil)

	first, err := eng.Start(pipeline.Options{})
	require.NoError(t, err)
	eng.Wait()

	second, err := eng.Start(pipeline.Options{})
	require.NoError(t, err)
	eng.Wait()

	last, err := eng.LastRefresh()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, second, last.ID)

	history, err := eng.History(10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second, history[0].ID)
	assert.Equal(t, first, history[1].ID)
}

func TestOverallProgress(t *testing.T) {
	tests := []struct {
		completed, total, stagePct, expected int
	}{
		{0, 5, 0, 0},
		{0, 5, 50, 10},
		{1, 5, 0, 20},
		{2, 5, 50, 50},
		{5, 5, 0, 100},
		{5, 5, 100, 100},
		{0, 0, 50, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_of_%d_at_%d", tt.completed, tt.total, tt.stagePct), func(t *testing.T) {
			assert.Equal(t, tt.expected, overallProgress(tt.completed, tt.total, tt.stagePct))
		})
	}
}
