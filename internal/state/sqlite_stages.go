package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MarkStageStarted records that a stage began executing. The run's current
// stage pointer and the stage row are written in one transaction so a
// concurrent status read never sees one without the other. Safe to call
// again for the same stage (e.g. after a retry): a terminal stage row is
// left untouched.
func (s *SQLiteStore) MarkStageStarted(runID, stageID string, ordinal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	_, err = tx.Exec(
		`INSERT INTO run_stages (run_id, stage_id, ordinal, status, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, stage_id) DO UPDATE SET status = excluded.status, started_at = excluded.started_at
		 WHERE run_stages.status = ?`,
		runID, stageID, ordinal, StageStatusRunning, now, StageStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to record stage start: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE runs SET current_stage_id = ?, stage_progress = 0, current_operation = ''
		 WHERE id = ? AND status = ?`,
		stageID, runID, RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to update current stage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("stage started", "run_id", runID, "stage", stageID)
	return nil
}

// UpdateProgress records in-flight progress for the run's current stage.
// Overall progress is clamped to never decrease within a run.
func (s *SQLiteStore) UpdateProgress(runID string, stageProgress, overallProgress int, operation string) error {
	_, err := s.db.Exec(
		`UPDATE runs SET stage_progress = ?, overall_progress = MAX(overall_progress, ?), current_operation = ?
		 WHERE id = ? AND status = ?`,
		clampPct(stageProgress), clampPct(overallProgress), operation, runID, RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// MarkStageCompleted records a successful stage outcome. Idempotent: a
// second call with the same outcome changes nothing, and a stage already
// marked failed stays failed (completed and failed sets are disjoint).
func (s *SQLiteStore) MarkStageCompleted(runID, stageID string, overallProgress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`UPDATE run_stages SET status = ?, completed_at = ?, error = NULL
		 WHERE run_id = ? AND stage_id = ? AND status = ?`,
		StageStatusCompleted, time.Now().UTC(), runID, stageID, StageStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to record stage completion: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE runs SET stage_progress = 100, overall_progress = MAX(overall_progress, ?)
		 WHERE id = ? AND status = ?`,
		clampPct(overallProgress), runID, RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("stage completed", "run_id", runID, "stage", stageID)
	return nil
}

// MarkStageFailed records a failed stage outcome with error detail and
// appends a run error entry. Idempotent: a stage already terminal keeps
// its first outcome and no duplicate error entry is written.
func (s *SQLiteStore) MarkStageFailed(runID, stageID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRow(
		`SELECT status FROM run_stages WHERE run_id = ? AND stage_id = ?`, runID, stageID,
	).Scan(&status)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read stage status: %w", err)
	}
	if StageStatus(status) == StageStatusCompleted || StageStatus(status) == StageStatusFailed {
		// Outcome already recorded; keep the write idempotent.
		return nil
	}

	now := time.Now().UTC()
	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.Exec(
			`INSERT INTO run_stages (run_id, stage_id, ordinal, status, error, started_at, completed_at)
			 VALUES (?, ?, -1, ?, ?, ?, ?)`,
			runID, stageID, StageStatusFailed, errMsg, now, now,
		)
	} else {
		_, err = tx.Exec(
			`UPDATE run_stages SET status = ?, error = ?, completed_at = ? WHERE run_id = ? AND stage_id = ?`,
			StageStatusFailed, errMsg, now, runID, stageID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to record stage failure: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO run_errors (run_id, stage_id, message, created_at) VALUES (?, ?, ?, ?)`,
		runID, stageID, errMsg, now,
	)
	if err != nil {
		return fmt.Errorf("failed to append run error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("stage failed", "run_id", runID, "stage", stageID, "error", errMsg)
	return nil
}

// AppendError appends an entry to the run's error list without touching
// stage bookkeeping. Used for infrastructure errors that are not tied to
// a stage outcome.
func (s *SQLiteStore) AppendError(runID, stageID, message string) error {
	_, err := s.db.Exec(
		`INSERT INTO run_errors (run_id, stage_id, message, created_at) VALUES (?, ?, ?, ?)`,
		runID, stageID, message, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append run error: %w", err)
	}
	return nil
}

func clampPct(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
