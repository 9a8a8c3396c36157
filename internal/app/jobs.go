package app

import (
	"context"
	"errors"
	"fmt"
)

// Job names as they appear in logs and metrics.
const (
	JobScrape = "scrape"
	JobSweep  = "sweep"
	JobIndex  = "index"
)

// ScrapePass runs one ingestion pass over every configured source. It
// fails only when at least one source failed.
func (a *App) ScrapePass(ctx context.Context) error {
	if err := a.WithIngester(); err != nil {
		return err
	}
	sum := a.Ingester.RunPass(ctx)
	if !sum.OK() {
		return fmt.Errorf("app: pass %s: %d of %d sources failed", sum.PassID, sum.Failed, len(sum.Sources))
	}
	return nil
}

// SweepAll marks stale records of every source inactive.
func (a *App) SweepAll(ctx context.Context) error {
	_, err := a.Sweeper.SweepAll(ctx, a.Config.Ingest.StaleAfter)
	return err
}

// RebuildIndex rebuilds the similarity index from the active records.
func (a *App) RebuildIndex(ctx context.Context) error {
	if err := a.WithIndex(ctx); err != nil {
		return err
	}
	_, err := a.Index.BuildFromStore(ctx, a.Store)
	return err
}

// ScheduleJobs registers every job with a non-empty spec.
func (a *App) ScheduleJobs(s *Scheduler) error {
	cfg := a.Config.Schedule
	var errs []error
	for _, j := range []struct {
		name string
		spec string
		fn   JobFunc
	}{
		{JobScrape, cfg.Scrape, a.ScrapePass},
		{JobSweep, cfg.Sweep, a.SweepAll},
		{JobIndex, cfg.Index, a.RebuildIndex},
	} {
		if j.spec == "" {
			continue
		}
		errs = append(errs, s.Add(j.name, j.spec, j.fn))
	}
	return errors.Join(errs...)
}
