package stages

import (
	"context"
	"fmt"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
)

// conversionWindows are the attribution windows, in days, recomputed by
// the conversion stage.
var conversionWindows = []int{7, 14, 30}

// ConversionStage recomputes conversion probability windows from the
// event and campaign data ingested by the upstream stages.
type ConversionStage struct {
	deps Deps
}

func (s *ConversionStage) Run(ctx context.Context, rc *pipeline.RunContext) error {
	rc.Progress(0, "loading ingestion summaries")

	metrics, err := s.deps.Metrics.LatestMetrics()
	if err != nil {
		return fmt.Errorf("conversion analysis: %w", err)
	}

	var events, campaigns float64
	for _, m := range metrics {
		switch {
		case m.StageID == "mixpanel" && m.Name == "events_ingested":
			events = m.Value
		case m.StageID == "meta" && m.Name == "campaigns_synced":
			campaigns = m.Value
		}
	}

	for i, window := range conversionWindows {
		if err := ctx.Err(); err != nil {
			return err
		}

		rc.Progress(pctOf(i, len(conversionWindows)), fmt.Sprintf("computing %d-day conversion window", window))

		prob := conversionProbability(events, campaigns, window)
		name := fmt.Sprintf("conversion_probability_%dd", window)
		if err := s.deps.Metrics.RecordMetric("conversion", name, prob); err != nil {
			return err
		}
	}

	rc.Progress(100, "conversion analysis complete")
	return nil
}

// conversionProbability estimates the chance an exposed user converts
// within the window. Exposure scales with synced campaigns; the estimate
// saturates as the window grows.
func conversionProbability(events, campaigns float64, windowDays int) float64 {
	if events <= 0 || campaigns <= 0 {
		return 0
	}
	exposure := events / (campaigns * float64(windowDays))
	prob := exposure / (exposure + 1)
	if prob > 1 {
		prob = 1
	}
	return prob
}
