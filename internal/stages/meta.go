package stages

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/pulsemetrics/refreshd/internal/pipeline"
)

// MetaStage syncs campaigns and per-campaign ad insights from the Meta
// marketing API. A subset of campaigns failing is a partial outcome: the
// run continues with the insights that did sync.
type MetaStage struct {
	deps Deps
}

type metaCampaignList struct {
	Data []metaCampaign `json:"data"`
}

type metaCampaign struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type metaInsights struct {
	Data []struct {
		Impressions string `json:"impressions"`
		Spend       string `json:"spend"`
	} `json:"data"`
}

func (s *MetaStage) Run(ctx context.Context, rc *pipeline.RunContext) error {
	rc.Progress(0, "listing ad campaigns")

	var campaigns metaCampaignList
	if err := s.deps.fetchJSON(ctx, s.deps.MetaURL+"/me/campaigns", &campaigns); err != nil {
		return fmt.Errorf("meta campaign list: %w", err)
	}
	if len(campaigns.Data) == 0 {
		rc.Progress(100, "no campaigns to sync")
		return s.deps.Metrics.RecordMetric("meta", "campaigns_synced", 0)
	}

	days := s.deps.dayWindow(rc.Opts)
	var synced int
	var failures []error

	for i, c := range campaigns.Data {
		if err := ctx.Err(); err != nil {
			return err
		}

		rc.Progress(pctOf(i, len(campaigns.Data)), fmt.Sprintf("syncing insights for %s", c.Name))

		u := fmt.Sprintf("%s/%s/insights?date_preset=last_%dd",
			s.deps.MetaURL, url.PathEscape(c.ID), days)

		var insights metaInsights
		if err := s.deps.fetchJSON(ctx, u, &insights); err != nil {
			failures = append(failures, fmt.Errorf("campaign %s: %w", c.ID, err))
			continue
		}
		synced++
	}

	rc.Progress(100, "ad sync complete")
	if err := s.deps.Metrics.RecordMetric("meta", "campaigns_synced", float64(synced)); err != nil {
		return err
	}

	if len(failures) > 0 {
		if synced == 0 {
			return fmt.Errorf("meta insights sync: %w", errors.Join(failures...))
		}
		// Usable output exists; surface the failures without halting the run.
		return pipeline.Partial(fmt.Errorf("%d of %d campaigns failed to sync: %w",
			len(failures), len(campaigns.Data), errors.Join(failures...)))
	}
	return nil
}
