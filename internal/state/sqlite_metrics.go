package state

import (
	"fmt"
	"time"
)

// RecordMetric stores a named measurement produced by a stage, e.g. the
// number of events ingested during the mixpanel stage.
func (s *SQLiteStore) RecordMetric(stageID, name string, value float64) error {
	_, err := s.db.Exec(
		`INSERT INTO stage_metrics (stage_id, name, value, recorded_at) VALUES (?, ?, ?, ?)`,
		stageID, name, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record metric: %w", err)
	}
	return nil
}

// LatestMetrics returns the most recent value for every (stage, name)
// pair, ordered by stage then name.
func (s *SQLiteStore) LatestMetrics() ([]Metric, error) {
	rows, err := s.db.Query(
		`SELECT stage_id, name, value, recorded_at FROM stage_metrics m
		 WHERE id = (
		     SELECT MAX(id) FROM stage_metrics
		     WHERE stage_id = m.stage_id AND name = m.name
		 )
		 ORDER BY stage_id, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.StageID, &m.Name, &m.Value, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
