package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
	"github.com/pulsemetrics/refreshd/internal/testutil"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(testutil.NewTestLogger(t))
	require.NoError(t, store.Open(":memory:"))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateRun(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun(RunSpec{Options: pipeline.Options{DebugMode: true, DebugDaysOverride: 3}})
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.NotEmpty(t, run.Day)

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.True(t, got.Options.DebugMode)
	assert.Equal(t, 3, got.Options.DebugDaysOverride)
	assert.Empty(t, got.Stages)
}

func TestCreateRun_RejectsSecondActive(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateRun(RunSpec{})
	require.NoError(t, err)

	_, err = store.CreateRun(RunSpec{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestCreateRun_ConcurrentStartsExactlyOneWins(t *testing.T) {
	store := newTestStore(t)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.CreateRun(RunSpec{})
		}(i)
	}
	wg.Wait()

	var wins, rejections int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, ErrAlreadyRunning)
			rejections++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, rejections)
}

func TestStageTransitions(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun(RunSpec{})
	require.NoError(t, err)

	require.NoError(t, store.MarkStageStarted(run.ID, "mixpanel", 0))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "mixpanel", got.CurrentStageID)
	assert.Equal(t, 0, got.StageProgress)

	require.NoError(t, store.UpdateProgress(run.ID, 40, 8, "exporting events"))
	got, err = store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.StageProgress)
	assert.Equal(t, 8, got.OverallProgress)
	assert.Equal(t, "exporting events", got.CurrentOperation)

	require.NoError(t, store.MarkStageCompleted(run.ID, "mixpanel", 20))
	got, err = store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"mixpanel"}, got.StagesCompleted())
	assert.Empty(t, got.StagesFailed())
	assert.Equal(t, 20, got.OverallProgress)
}

func TestStageTransitions_Idempotent(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun(RunSpec{})
	require.NoError(t, err)

	require.NoError(t, store.MarkStageStarted(run.ID, "mixpanel", 0))
	require.NoError(t, store.MarkStageCompleted(run.ID, "mixpanel", 20))
	require.NoError(t, store.MarkStageCompleted(run.ID, "mixpanel", 20))

	require.NoError(t, store.MarkStageStarted(run.ID, "meta", 1))
	require.NoError(t, store.MarkStageFailed(run.ID, "meta", "insights sync failed"))
	require.NoError(t, store.MarkStageFailed(run.ID, "meta", "insights sync failed"))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"mixpanel"}, got.StagesCompleted())
	require.Len(t, got.StagesFailed(), 1)
	assert.Equal(t, "meta", got.StagesFailed()[0].StageID)
	assert.Equal(t, "insights sync failed", got.StagesFailed()[0].Error)
	// Repeating the same outcome must not duplicate error entries either.
	assert.Len(t, got.Errors, 1)
}

func TestStageTransitions_CompletedAndFailedDisjoint(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun(RunSpec{})
	require.NoError(t, err)

	require.NoError(t, store.MarkStageStarted(run.ID, "meta", 1))
	require.NoError(t, store.MarkStageFailed(run.ID, "meta", "boom"))
	// A failed stage must never flip to completed.
	require.NoError(t, store.MarkStageCompleted(run.ID, "meta", 40))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Empty(t, got.StagesCompleted())
	require.Len(t, got.StagesFailed(), 1)
}

func TestUpdateProgress_OverallNeverDecreases(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun(RunSpec{})
	require.NoError(t, err)

	require.NoError(t, store.MarkStageStarted(run.ID, "mixpanel", 0))
	require.NoError(t, store.UpdateProgress(run.ID, 50, 10, "a"))
	require.NoError(t, store.UpdateProgress(run.ID, 10, 2, "b"))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.OverallProgress)
	assert.Equal(t, 10, got.StageProgress)
}

func TestFinalizeRun(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun(RunSpec{})
	require.NoError(t, err)
	require.NoError(t, store.MarkStageStarted(run.ID, "mixpanel", 0))

	require.NoError(t, store.FinalizeRun(run.ID, RunStatusCompleted))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.Empty(t, got.CurrentStageID)
	assert.Equal(t, 100, got.OverallProgress)
	require.NotNil(t, got.CompletedAt)

	// Terminal records are immutable.
	assert.ErrorIs(t, store.FinalizeRun(run.ID, RunStatusCancelled), ErrRunFinalized)

	assert.Error(t, store.FinalizeRun(run.ID, RunStatusRunning))
	assert.ErrorIs(t, store.FinalizeRun("nope", RunStatusFailed), ErrRunNotFound)
}

func TestGetCurrentAndLastTerminal(t *testing.T) {
	store := newTestStore(t)

	current, err := store.GetCurrentRun()
	require.NoError(t, err)
	assert.Nil(t, current)

	last, err := store.GetLastTerminalRun()
	require.NoError(t, err)
	assert.Nil(t, last)

	first, err := store.CreateRun(RunSpec{})
	require.NoError(t, err)
	require.NoError(t, store.FinalizeRun(first.ID, RunStatusFailed))

	second, err := store.CreateRun(RunSpec{})
	require.NoError(t, err)

	current, err = store.GetCurrentRun()
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, second.ID, current.ID)

	last, err = store.GetLastTerminalRun()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, first.ID, last.ID)
}

func TestCreateResumedRun(t *testing.T) {
	store := newTestStore(t)

	orig, err := store.CreateRun(RunSpec{Options: pipeline.Options{DebugMode: true}})
	require.NoError(t, err)
	require.NoError(t, store.MarkStageStarted(orig.ID, "mixpanel", 0))
	require.NoError(t, store.MarkStageCompleted(orig.ID, "mixpanel", 20))
	require.NoError(t, store.MarkStageStarted(orig.ID, "meta", 1))

	resumed, err := store.CreateResumedRun(
		RunSpec{Options: orig.Options, Day: orig.Day},
		orig.ID,
		[]StageCarry{{StageID: "mixpanel", Ordinal: 0}},
	)
	require.NoError(t, err)

	assert.Equal(t, orig.ID, resumed.ResumedFrom)
	assert.Equal(t, []string{"mixpanel"}, resumed.StagesCompleted())

	// The interrupted run is finalized as cancelled in the same transaction.
	old, err := store.GetRun(orig.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCancelled, old.Status)
	require.NotNil(t, old.CompletedAt)

	// Superseding a run that is no longer running must fail.
	_, err = store.CreateResumedRun(RunSpec{}, orig.ID, nil)
	assert.Error(t, err)
}

func TestListRuns(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		run, err := store.CreateRun(RunSpec{})
		require.NoError(t, err)
		require.NoError(t, store.FinalizeRun(run.ID, RunStatusCompleted))
	}

	runs, err := store.ListRuns(2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestMetrics(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordMetric("mixpanel", "events_ingested", 120))
	require.NoError(t, store.RecordMetric("mixpanel", "events_ingested", 250))
	require.NoError(t, store.RecordMetric("meta", "campaigns_synced", 4))

	metrics, err := store.LatestMetrics()
	require.NoError(t, err)
	require.Len(t, metrics, 2)

	byKey := map[string]float64{}
	for _, m := range metrics {
		byKey[m.StageID+"/"+m.Name] = m.Value
	}
	assert.Equal(t, float64(250), byKey["mixpanel/events_ingested"])
	assert.Equal(t, float64(4), byKey["meta/campaigns_synced"])
}
