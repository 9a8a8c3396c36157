package eventstore

import (
	"context"
	"fmt"
	"time"
)

// exportVersion is the format version of ExportData.
const exportVersion = 1

// ExportData is the top-level structure of an event export.
type ExportData struct {
	Version            int       `json:"version"`
	FingerprintVersion int       `json:"fingerprint_version"`
	ExportedAt         time.Time `json:"exported_at"`
	Events             []Event   `json:"events"`
}

// Export reads every event, in every status, from store. Subscriptions are
// not exported.
func Export(ctx context.Context, store Store) (*ExportData, error) {
	events, err := store.List(ctx, QueryOpts{})
	if err != nil {
		return nil, fmt.Errorf("eventstore export: listing events: %w", err)
	}
	if events == nil {
		events = []Event{}
	}
	return &ExportData{
		Version:            exportVersion,
		FingerprintVersion: FingerprintVersion,
		ExportedAt:         time.Now().UTC(),
		Events:             events,
	}, nil
}

// ImportOpts controls import behavior.
type ImportOpts struct {
	// If true, events whose identity (source URL, else checksum) already
	// exists in the target store are left alone. Otherwise the stored
	// record is overwritten with the imported one.
	SkipDuplicates bool
}

// ImportResult summarizes an import operation.
type ImportResult struct {
	Imported int `json:"imported"`
	Replaced int `json:"replaced"`
	Skipped  int `json:"skipped"`
}

// Import writes events from an ExportData into store, preserving status,
// timestamps and import fields. Ids are reassigned by the target store.
// Checksums are recomputed so exports from an older FingerprintVersion
// stay matchable.
func Import(ctx context.Context, store Store, data *ExportData, opts ImportOpts) (*ImportResult, error) {
	if data.Version != exportVersion {
		return nil, fmt.Errorf("eventstore import: unsupported export version %d", data.Version)
	}

	result := &ImportResult{}
	for i, ev := range data.Events {
		if !ev.Status.Valid() {
			return nil, fmt.Errorf("eventstore import: event %d: invalid status %q", i, ev.Status)
		}
		if ev.City == "" {
			ev.City = DefaultCity
		}
		ev.Tags = normalizeTags(ev.Tags)
		if len(ev.Tags) == 0 {
			ev.Tags = nil
		}
		ev.Checksum = ev.ComputeChecksum()
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}
		if ev.LastScrapedAt.IsZero() {
			ev.LastScrapedAt = ev.CreatedAt
		}

		skipped := false
		outcome, err := store.Upsert(ctx, ev, func(existing *Event) (Event, Outcome) {
			skipped = existing != nil && opts.SkipDuplicates
			if existing == nil {
				return ev, OutcomeInserted
			}
			if skipped {
				return *existing, OutcomeUnchanged
			}
			next := ev
			next.ID = existing.ID
			return next, OutcomeUpdated
		})
		if err != nil {
			return nil, fmt.Errorf("eventstore import: event %d: %w", i, err)
		}

		switch {
		case skipped:
			result.Skipped++
		case outcome == OutcomeInserted:
			result.Imported++
		default:
			result.Replaced++
		}
	}
	return result, nil
}
