// Package stages contains the production refresh stages wired into the
// pipeline registry: external data ingestion (mixpanel, meta),
// conversion analysis, dashboard materialization, and per-campaign
// pipeline computation. The orchestration contract lives in
// internal/engine; stages only pull data, report progress, and record
// summary metrics.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
	"github.com/pulsemetrics/refreshd/internal/state"
)

// MetricSink records and reads back stage summary metrics. Satisfied by
// the state store.
type MetricSink interface {
	RecordMetric(stageID, name string, value float64) error
	LatestMetrics() ([]state.Metric, error)
}

// Deps holds the shared dependencies injected into every stage.
type Deps struct {
	Client      *http.Client
	Metrics     MetricSink
	Logger      *slog.Logger
	MixpanelURL string
	MetaURL     string
	// DayWindow is the default ingestion window; per-run debug options
	// can shrink it.
	DayWindow int
}

// NewRegistry builds the fixed production pipeline. The order is a
// deployment-time contract: later stages consume earlier stages' output.
func NewRegistry(deps Deps) (*pipeline.Registry, error) {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Client == nil {
		deps.Client = &http.Client{Timeout: 60 * time.Second}
	}

	return pipeline.NewRegistry(
		pipeline.Descriptor{
			ID:          "mixpanel",
			DisplayName: "Mixpanel Events",
			Description: "Ingest raw product events from the Mixpanel export API",
			Stage:       &MixpanelStage{deps: deps},
		},
		pipeline.Descriptor{
			ID:          "meta",
			DisplayName: "Meta Ads",
			Description: "Sync campaigns and ad insights from the Meta marketing API",
			Stage:       &MetaStage{deps: deps},
		},
		pipeline.Descriptor{
			ID:          "conversion",
			DisplayName: "Conversion Analysis",
			Description: "Recompute conversion probability windows from ingested events",
			Stage:       &ConversionStage{deps: deps},
		},
		pipeline.Descriptor{
			ID:          "dashboard",
			DisplayName: "Dashboard Data",
			Description: "Materialize the aggregate rows backing the dashboard views",
			Stage:       &DashboardStage{deps: deps},
		},
		pipeline.Descriptor{
			ID:          "pipelines",
			DisplayName: "Campaign Pipelines",
			Description: "Run per-campaign pipeline computations over the refreshed data",
			Stage:       &PipelinesStage{deps: deps},
		},
	)
}

// fetchJSON GETs url and decodes the JSON body into out. Transient
// failures (transport errors, 5xx, 429) are retried with fibonacci
// backoff, honoring ctx.
func (d Deps) fetchJSON(ctx context.Context, url string, out any) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := d.Client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			_, _ = io.Copy(io.Discard, resp.Body)
			return retry.RetryableError(fmt.Errorf("fetch %s: %s", url, resp.Status))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
		}

		if out == nil {
			_, err := io.Copy(io.Discard, resp.Body)
			return err
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// dayWindow resolves the effective ingestion window for a run.
func (d Deps) dayWindow(opts pipeline.Options) int {
	return opts.DayWindow(d.DayWindow)
}

// pctOf returns step-based progress: step of total as 0-100.
func pctOf(step, total int) int {
	if total <= 0 {
		return 100
	}
	return step * 100 / total
}
