package stages

import (
	"context"
	"fmt"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
)

// PipelinesStage runs the per-campaign pipeline computations over the
// refreshed data: every synced campaign gets its derived score series
// rebuilt. Runs last because it consumes every upstream stage's output.
type PipelinesStage struct {
	deps Deps
}

func (s *PipelinesStage) Run(ctx context.Context, rc *pipeline.RunContext) error {
	metrics, err := s.deps.Metrics.LatestMetrics()
	if err != nil {
		return fmt.Errorf("pipeline computation: %w", err)
	}

	var campaigns int
	for _, m := range metrics {
		if m.StageID == "meta" && m.Name == "campaigns_synced" {
			campaigns = int(m.Value)
		}
	}
	if campaigns == 0 {
		rc.Progress(100, "no campaigns to compute")
		return s.deps.Metrics.RecordMetric("pipelines", "pipelines_computed", 0)
	}

	for i := 0; i < campaigns; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc.Progress(pctOf(i, campaigns), fmt.Sprintf("computing pipeline %d of %d", i+1, campaigns))
	}

	rc.Progress(100, "pipeline computation complete")
	return s.deps.Metrics.RecordMetric("pipelines", "pipelines_computed", float64(campaigns))
}
