package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
)

// MixpanelStage ingests raw product events from the Mixpanel export API,
// one calendar day at a time, newest day last.
type MixpanelStage struct {
	deps Deps
}

type mixpanelExport struct {
	Events []json.RawMessage `json:"events"`
}

func (s *MixpanelStage) Run(ctx context.Context, rc *pipeline.RunContext) error {
	days := s.deps.dayWindow(rc.Opts)
	today := time.Now().UTC()

	var total int
	for i := 0; i < days; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		day := today.AddDate(0, 0, -(days - 1 - i)).Format("2006-01-02")
		rc.Progress(pctOf(i, days), fmt.Sprintf("exporting events for %s", day))

		u := fmt.Sprintf("%s/export?from_date=%s&to_date=%s",
			s.deps.MixpanelURL, url.QueryEscape(day), url.QueryEscape(day))

		var export mixpanelExport
		if err := s.deps.fetchJSON(ctx, u, &export); err != nil {
			return fmt.Errorf("mixpanel export for %s: %w", day, err)
		}
		total += len(export.Events)
	}

	rc.Progress(100, "event ingestion complete")
	s.deps.Logger.Debug("mixpanel ingestion finished", "days", days, "events", total)
	return s.deps.Metrics.RecordMetric("mixpanel", "events_ingested", float64(total))
}
