package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
)

const runColumns = `id, status, current_stage_id, stage_progress, overall_progress,
	current_operation, options, day, resumed_from, started_at, completed_at`

// CreateRun creates a new pipeline run with status running. The existence
// check and the insert share one transaction, so a start call that loses
// a race observes ErrAlreadyRunning instead of corrupting state.
func (s *SQLiteStore) CreateRun(spec RunSpec) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createRunLocked(spec, "")
}

// CreateResumedRun finalizes the interrupted run as cancelled and creates
// its successor in a single transaction. The successor carries the
// interrupted run's completed stages so the final stages_completed set
// covers the whole pipeline without re-running them.
func (s *SQLiteStore) CreateResumedRun(spec RunSpec, supersedes string, carried []StageCarry) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.Exec(
		`UPDATE runs SET status = ?, completed_at = ?, current_stage_id = NULL, current_operation = ''
		 WHERE id = ? AND status = ?`,
		RunStatusCancelled, now, supersedes, RunStatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to supersede run %s: %w", supersedes, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrRunNotFound
	}

	run, err := s.insertRun(tx, spec, supersedes, now)
	if err != nil {
		return nil, err
	}

	for _, c := range carried {
		_, err := tx.Exec(
			`INSERT INTO run_stages (run_id, stage_id, ordinal, status, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, c.StageID, c.Ordinal, StageStatusCompleted, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to carry stage %s: %w", c.StageID, err)
		}
		run.Stages = append(run.Stages, StageResult{
			StageID: c.StageID, Ordinal: c.Ordinal, Status: StageStatusCompleted,
			StartedAt: now, CompletedAt: &now,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) createRunLocked(spec RunSpec, supersedes string) (*Run, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := s.insertRun(tx, spec, supersedes, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return run, nil
}

// insertRun performs the check-and-set insert inside the caller's
// transaction.
func (s *SQLiteStore) insertRun(tx *sql.Tx, spec RunSpec, supersedes string, now time.Time) (*Run, error) {
	var active int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM runs WHERE status = ?`, RunStatusRunning).Scan(&active); err != nil {
		return nil, fmt.Errorf("failed to check for active run: %w", err)
	}
	if active > 0 {
		return nil, ErrAlreadyRunning
	}

	day := spec.Day
	if day == "" {
		day = now.Format("2006-01-02")
	}

	optJSON, err := json.Marshal(spec.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run options: %w", err)
	}

	run := &Run{
		ID:          generateID(),
		Status:      RunStatusRunning,
		Options:     spec.Options,
		Day:         day,
		ResumedFrom: supersedes,
		StartedAt:   now,
	}

	var resumedFrom *string
	if supersedes != "" {
		resumedFrom = &supersedes
	}

	_, err = tx.Exec(
		`INSERT INTO runs (id, status, options, day, resumed_from, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Status, string(optJSON), run.Day, resumedFrom, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.Debug("created run", "run_id", run.ID, "day", run.Day, "resumed_from", supersedes)
	return run, nil
}

// GetRun retrieves a run by id, including its stage results and errors.
func (s *SQLiteStore) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if err := s.loadRunDetail(run); err != nil {
		return nil, err
	}
	return run, nil
}

// GetCurrentRun returns the active or most recent run, or nil when the
// store has never recorded one.
func (s *SQLiteStore) GetCurrentRun() (*Run, error) {
	row := s.db.QueryRow(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current run: %w", err)
	}
	if err := s.loadRunDetail(run); err != nil {
		return nil, err
	}
	return run, nil
}

// GetLastTerminalRun returns the most recent run with a terminal status,
// or nil.
func (s *SQLiteStore) GetLastTerminalRun() (*Run, error) {
	row := s.db.QueryRow(
		`SELECT `+runColumns+` FROM runs WHERE status != ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		RunStatusRunning,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last terminal run: %w", err)
	}
	if err := s.loadRunDetail(run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns up to limit runs, most recent first.
func (s *SQLiteStore) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, run := range runs {
		if err := s.loadRunDetail(run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// FinalizeRun sets a terminal status and end time. A run that already
// left the running state is immutable; finalizing it again is rejected.
func (s *SQLiteStore) FinalizeRun(runID string, status RunStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRow(`SELECT status FROM runs WHERE id = ?`, runID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}
	if RunStatus(current).Terminal() {
		return ErrRunFinalized
	}

	progress := ""
	args := []any{status, time.Now().UTC(), runID}
	if status == RunStatusCompleted {
		progress = ", overall_progress = 100, stage_progress = 100"
	}
	_, err = tx.Exec(
		`UPDATE runs SET status = ?, completed_at = ?, current_stage_id = NULL, current_operation = ''`+progress+` WHERE id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("finalized run", "run_id", runID, "status", status)
	return nil
}

// loadRunDetail populates a run's stage results and error entries.
func (s *SQLiteStore) loadRunDetail(run *Run) error {
	rows, err := s.db.Query(
		`SELECT stage_id, ordinal, status, error, started_at, completed_at
		 FROM run_stages WHERE run_id = ? ORDER BY ordinal`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load run stages: %w", err)
	}
	defer rows.Close()

	run.Stages = nil
	for rows.Next() {
		var sr StageResult
		var errMsg sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&sr.StageID, &sr.Ordinal, &sr.Status, &errMsg, &sr.StartedAt, &completedAt); err != nil {
			return fmt.Errorf("failed to scan run stage: %w", err)
		}
		if errMsg.Valid {
			sr.Error = errMsg.String
		}
		if completedAt.Valid {
			sr.CompletedAt = &completedAt.Time
		}
		run.Stages = append(run.Stages, sr)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	errRows, err := s.db.Query(
		`SELECT stage_id, message, created_at FROM run_errors WHERE run_id = ? ORDER BY id`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load run errors: %w", err)
	}
	defer errRows.Close()

	run.Errors = nil
	for errRows.Next() {
		var re RunError
		if err := errRows.Scan(&re.StageID, &re.Message, &re.Timestamp); err != nil {
			return fmt.Errorf("failed to scan run error: %w", err)
		}
		run.Errors = append(run.Errors, re)
	}
	return errRows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for scanRun.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	run := &Run{}
	var currentStage, resumedFrom sql.NullString
	var completedAt sql.NullTime
	var optJSON string

	err := sc.Scan(
		&run.ID, &run.Status, &currentStage, &run.StageProgress, &run.OverallProgress,
		&run.CurrentOperation, &optJSON, &run.Day, &resumedFrom, &run.StartedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if currentStage.Valid {
		run.CurrentStageID = currentStage.String
	}
	if resumedFrom.Valid {
		run.ResumedFrom = resumedFrom.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if optJSON != "" {
		var opts pipeline.Options
		if err := json.Unmarshal([]byte(optJSON), &opts); err != nil {
			return nil, fmt.Errorf("failed to decode run options: %w", err)
		}
		run.Options = opts
	}
	return run, nil
}
