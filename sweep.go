package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hemant07j07/eventstore/internal/metrics"
)

// DefaultStaleAfter is how long a record may go unobserved before the sweep
// marks it inactive.
const DefaultStaleAfter = 7 * 24 * time.Hour

// Sweeper marks records inactive when their source stops listing them.
// Imported records are never touched. Sweeping is idempotent.
type Sweeper struct {
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewSweeper returns a Sweeper over store. A nil now uses time.Now.
func NewSweeper(store Store, now func() time.Time, logger zerolog.Logger) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{store: store, now: now, logger: logger}
}

// Sweep marks records of sourceName last scraped more than threshold ago.
// A non-positive threshold means DefaultStaleAfter. Run it after the
// source's items for the current pass have been reconciled.
func (s *Sweeper) Sweep(ctx context.Context, sourceName string, threshold time.Duration) (int64, error) {
	if sourceName == "" {
		return 0, errors.New("eventstore: sweep: empty source name")
	}
	return s.sweep(ctx, sourceName, threshold)
}

// SweepAll applies the staleness rule to every source at once.
func (s *Sweeper) SweepAll(ctx context.Context, threshold time.Duration) (int64, error) {
	return s.sweep(ctx, "", threshold)
}

func (s *Sweeper) sweep(ctx context.Context, sourceName string, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}
	cutoff := s.now().UTC().Add(-threshold)

	n, err := s.store.MarkInactive(ctx, sourceName, cutoff)
	if err != nil {
		return 0, fmt.Errorf("eventstore: sweeping %q: %w", sourceName, err)
	}

	label := sourceName
	if label == "" {
		label = "*"
	}
	metrics.SweepMarked.WithLabelValues(label).Add(float64(n))
	if n > 0 {
		s.logger.Info().Str("source", label).Int64("marked", n).Time("cutoff", cutoff).Msg("marked stale events inactive")
	}
	return n, nil
}
