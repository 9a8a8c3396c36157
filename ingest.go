package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hemant07j07/eventstore/internal/metrics"
)

// Fetcher retrieves a listing page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Parser extracts items from a listing page. Relative links are resolved
// against baseURL. A parser skips items it cannot read rather than failing
// the whole page.
type Parser interface {
	Parse(ctx context.Context, body []byte, baseURL string) ([]RawItem, error)
}

// Source is one listing site scraped by an ingestion pass.
type Source struct {
	Name    string
	URL     string
	BaseURL string // defaults to URL
	Parser  Parser
}

// SourceResult is the outcome of ingesting one source.
type SourceResult struct {
	Source         string        `json:"source"`
	OK             bool          `json:"ok"`
	Err            string        `json:"error,omitempty"`
	Inserted       int           `json:"inserted"`
	Updated        int           `json:"updated"`
	Unchanged      int           `json:"unchanged"`
	Skipped        int           `json:"skipped"`
	MarkedInactive int64         `json:"marked_inactive"`
	Duration       time.Duration `json:"duration"`
}

// PassSummary aggregates one ingestion pass across all sources.
type PassSummary struct {
	PassID         string         `json:"pass_id"`
	Started        time.Time      `json:"started"`
	Finished       time.Time      `json:"finished"`
	Inserted       int            `json:"inserted"`
	Updated        int            `json:"updated"`
	Unchanged      int            `json:"unchanged"`
	Skipped        int            `json:"skipped"`
	MarkedInactive int64          `json:"marked_inactive"`
	Failed         int            `json:"failed_sources"`
	Sources        []SourceResult `json:"sources"`
}

// OK reports whether every source succeeded.
func (p *PassSummary) OK() bool { return p.Failed == 0 }

// IngestOptions tunes an Ingester.
type IngestOptions struct {
	// StaleAfter is the sweep threshold (default DefaultStaleAfter).
	StaleAfter time.Duration
	// Parallelism bounds how many sources are processed at once (default 1).
	Parallelism int
	// MaxItems caps the items taken from one listing (0 = no cap).
	MaxItems int
}

// Ingester runs ingestion passes: fetch, parse, reconcile, then sweep, per
// source. A failing source never affects the others.
type Ingester struct {
	fetcher    Fetcher
	reconciler *Reconciler
	sweeper    *Sweeper
	sources    []Source
	opts       IngestOptions
	logger     zerolog.Logger
}

// NewIngester wires an Ingester.
func NewIngester(f Fetcher, r *Reconciler, sw *Sweeper, sources []Source, opts IngestOptions, logger zerolog.Logger) *Ingester {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	return &Ingester{fetcher: f, reconciler: r, sweeper: sw, sources: sources, opts: opts, logger: logger}
}

// Sources returns the configured sources.
func (in *Ingester) Sources() []Source { return in.sources }

// RunPass ingests every source and returns the aggregated summary. Source
// failures are reported in the summary, not as an error.
func (in *Ingester) RunPass(ctx context.Context) PassSummary {
	sum := PassSummary{
		PassID:  uuid.NewString(),
		Started: time.Now().UTC(),
		Sources: make([]SourceResult, len(in.sources)),
	}
	logger := in.logger.With().Str("pass_id", sum.PassID).Logger()
	logger.Info().Int("sources", len(in.sources)).Msg("ingestion pass started")

	var g errgroup.Group
	g.SetLimit(in.opts.Parallelism)
	for i, src := range in.sources {
		g.Go(func() error {
			sum.Sources[i] = in.runSource(ctx, src, logger.With().Str("source", src.Name).Logger())
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range sum.Sources {
		sum.Inserted += r.Inserted
		sum.Updated += r.Updated
		sum.Unchanged += r.Unchanged
		sum.Skipped += r.Skipped
		sum.MarkedInactive += r.MarkedInactive
		if !r.OK {
			sum.Failed++
		}
	}
	sum.Finished = time.Now().UTC()
	metrics.IngestPassDuration.Observe(sum.Finished.Sub(sum.Started).Seconds())

	logger.Info().
		Int("inserted", sum.Inserted).
		Int("updated", sum.Updated).
		Int("unchanged", sum.Unchanged).
		Int("skipped", sum.Skipped).
		Int64("marked_inactive", sum.MarkedInactive).
		Int("failed_sources", sum.Failed).
		Dur("duration", sum.Finished.Sub(sum.Started)).
		Msg("ingestion pass finished")
	return sum
}

// RunSource ingests a single source outside of a pass.
func (in *Ingester) RunSource(ctx context.Context, src Source) SourceResult {
	return in.runSource(ctx, src, in.logger.With().Str("source", src.Name).Logger())
}

func (in *Ingester) runSource(ctx context.Context, src Source, logger zerolog.Logger) SourceResult {
	start := time.Now()
	res := SourceResult{Source: src.Name}
	err := in.ingest(ctx, src, &res, logger)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err.Error()
		metrics.IngestSourceFailures.WithLabelValues(src.Name).Inc()
		logger.Error().Err(err).Msg("source failed")
		return res
	}
	res.OK = true
	logger.Info().
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).
		Int("skipped", res.Skipped).
		Int64("marked_inactive", res.MarkedInactive).
		Msg("source done")
	return res
}

func (in *Ingester) ingest(ctx context.Context, src Source, res *SourceResult, logger zerolog.Logger) error {
	if src.Parser == nil {
		return fmt.Errorf("source %q has no parser", src.Name)
	}
	body, err := in.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", src.URL, err)
	}
	base := src.BaseURL
	if base == "" {
		base = src.URL
	}
	items, err := src.Parser.Parse(ctx, body, base)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", src.URL, err)
	}
	if in.opts.MaxItems > 0 && len(items) > in.opts.MaxItems {
		items = items[:in.opts.MaxItems]
	}

	for _, item := range items {
		outcome, err := in.reconciler.Reconcile(ctx, item, src.Name)
		if errors.Is(err, ErrInvalidItem) {
			res.Skipped++
			metrics.IngestItems.WithLabelValues(src.Name, "skipped").Inc()
			logger.Warn().Err(err).Msg("skipping invalid item")
			continue
		}
		if err != nil {
			return err
		}
		metrics.IngestItems.WithLabelValues(src.Name, string(outcome)).Inc()
		switch outcome {
		case OutcomeInserted:
			res.Inserted++
		case OutcomeUpdated:
			res.Updated++
		case OutcomeUnchanged:
			res.Unchanged++
		}
	}

	n, err := in.sweeper.Sweep(ctx, src.Name, in.opts.StaleAfter)
	if err != nil {
		return err
	}
	res.MarkedInactive = n
	return nil
}
