// Package eventstore ingests scraped event listings into a persistent record
// store and serves similarity-based recommendations over the active records.
//
// Ingestion runs in passes. Each configured source is fetched and parsed
// into RawItems; the Reconciler turns every item into an idempotent insert,
// update or no-op against the Store, and the Sweeper then marks records of
// that source inactive when they have not been re-observed recently.
//
// Recommendations are served from a SimilarityIndex built over the records
// whose status is not inactive. Two Index backends share one contract: a
// pgvector table (PGVectorIndex) and a dense on-disk matrix (FlatIndex).
package eventstore

import (
	"context"
	"errors"
	"time"
)

// Status is the stored lifecycle state of an Event.
type Status string

const (
	StatusNew      Status = "new"
	StatusUpdated  Status = "updated"
	StatusInactive Status = "inactive"
	StatusImported Status = "imported"
)

// Valid reports whether s is one of the stored statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusUpdated, StatusInactive, StatusImported:
		return true
	}
	return false
}

// Outcome is the result of reconciling one item. It is never stored.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// DefaultCity is applied to items that carry no city.
const DefaultCity = "Sydney"

var (
	// ErrStoreUnavailable means the record store could not be reached. The
	// call made no change to stored state.
	ErrStoreUnavailable = errors.New("eventstore: store unavailable")

	// ErrNotFound means an event id did not resolve to a record.
	ErrNotFound = errors.New("eventstore: not found")

	// ErrInvalidItem means a scraped item was rejected before reconciliation.
	ErrInvalidItem = errors.New("eventstore: invalid item")
)

// Event is a persisted event listing.
type Event struct {
	ID          string     `json:"id"`
	Title       *string    `json:"title"`
	StartTime   *time.Time `json:"start_time"`
	Venue       *string    `json:"venue"`
	City        string     `json:"city"`
	Description *string    `json:"description"`
	Tags        []string   `json:"tags"`
	ImageURL    *string    `json:"image_url"`
	SourceURL   *string    `json:"source_url"`
	SourceName  string     `json:"source_name"`

	Status        Status    `json:"status"`
	Checksum      string    `json:"checksum"`
	CreatedAt     time.Time `json:"created_at"`
	LastScrapedAt time.Time `json:"last_scraped_at"`

	ImportedBy  *string    `json:"importedBy,omitempty"`
	ImportedAt  *time.Time `json:"importedAt,omitempty"`
	ImportNotes *string    `json:"importNotes,omitempty"`
}

// ComputeChecksum fingerprints the event's content fields.
func (e *Event) ComputeChecksum() string {
	return Fingerprint(deref(e.Title), e.StartTime, deref(e.Venue), deref(e.Description), e.City, e.Tags)
}

// Key returns the identity the store matches this event on: the source URL
// when present, otherwise the checksum.
func (e *Event) Key() string {
	if e.SourceURL != nil && *e.SourceURL != "" {
		return "url:" + *e.SourceURL
	}
	return "sum:" + e.Checksum
}

// Subscription records a visitor's interest in an event.
type Subscription struct {
	ID        string
	EventID   string
	Email     string
	Consent   bool
	CreatedAt time.Time
}

// ImportMark describes the admin transition of a record to StatusImported.
type ImportMark struct {
	By    string
	At    time.Time
	Notes *string // nil leaves any stored notes untouched
}

// QueryOpts controls filtering for List queries.
type QueryOpts struct {
	Query  string     // full-text match on title and description (empty = all)
	City   string     // substring match on city or venue (empty = all)
	Status Status     // exact status (empty = all)
	From   *time.Time // exclude events starting before this time
	To     *time.Time // exclude events starting after this time
	Limit  int        // max results (0 = no limit)
	Offset int
}

// DecideFunc receives the stored record sharing an incoming event's identity
// (nil when there is none) and returns the record to persist along with the
// reconciliation outcome. Only the result of the final call is written; a
// store that retries on a conflicting write calls it again with the fresh
// record, so it must not have side effects beyond its return values.
type DecideFunc func(existing *Event) (Event, Outcome)

// Store persists event records.
type Store interface {
	// Upsert looks up the record matching ev.Key() and writes whatever
	// decide returns: an insert when nothing matched, a replacement of the
	// matched record otherwise. Lookup and write are atomic with respect to
	// other Upserts on the same identity.
	Upsert(ctx context.Context, ev Event, decide DecideFunc) (Outcome, error)

	// MarkInactive sets StatusInactive on records last scraped before cutoff,
	// skipping imported and already-inactive records. An empty sourceName
	// applies to every source. Returns the number of records changed.
	MarkInactive(ctx context.Context, sourceName string, cutoff time.Time) (int64, error)

	// MarkImported transitions a record to StatusImported. Returns ErrNotFound
	// if id does not resolve. Repeating the call is harmless.
	MarkImported(ctx context.Context, id string, imp ImportMark) error

	AddSubscription(ctx context.Context, sub Subscription) (string, error)

	// Get returns nil, nil when id does not resolve.
	Get(ctx context.Context, id string) (*Event, error)
	List(ctx context.Context, opts QueryOpts) ([]Event, error)
	// Active returns every record whose status is not inactive, in
	// insertion order.
	Active(ctx context.Context) ([]Event, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	Close() error
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	return &s
}

// timeLayout is fixed-width so stored timestamps compare lexically in
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
