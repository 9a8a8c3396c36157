package eventstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"
)

// RawItem is one event as produced by a Parser, before reconciliation.
// Absent fields are nil.
type RawItem struct {
	Title       *string    `json:"title,omitempty" validate:"required_without=SourceURL"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	Venue       *string    `json:"venue,omitempty"`
	City        *string    `json:"city,omitempty"`
	Description *string    `json:"description,omitempty"`
	Tags        []string   `json:"tags,omitempty" validate:"omitempty,dive,max=128"`
	ImageURL    *string    `json:"image_url,omitempty" validate:"omitempty,url"`
	SourceURL   *string    `json:"source_url,omitempty" validate:"omitempty,url"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Reconciler merges freshly scraped items into a Store.
type Reconciler struct {
	store      Store
	now        func() time.Time
	reactivate bool
	locks      *keyedMutex
	logger     zerolog.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithClock overrides the time source used for created_at and
// last_scraped_at.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// WithReactivation controls what happens when an inactive record is observed
// again with unchanged content. When enabled (the default) its status moves
// back to updated; when disabled it stays inactive until its content
// changes. The outcome is OutcomeUnchanged either way.
func WithReactivation(enabled bool) ReconcilerOption {
	return func(r *Reconciler) { r.reactivate = enabled }
}

// WithLogger sets the logger for per-item diagnostics.
func WithLogger(l zerolog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

// NewReconciler returns a Reconciler writing to store.
func NewReconciler(store Store, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:      store,
		now:        time.Now,
		reactivate: true,
		locks:      newKeyedMutex(),
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reconcile normalizes item, fingerprints it and writes it to the store as
// an insert, an update or a last-seen refresh. Items failing validation
// return ErrInvalidItem and cause no write. Store failures are returned
// unchanged so callers can test for ErrStoreUnavailable.
//
// Calls for the same identity are serialized within this Reconciler, and
// the store's Upsert is itself atomic per identity, so concurrent passes
// never create duplicates.
func (r *Reconciler) Reconcile(ctx context.Context, item RawItem, sourceName string) (Outcome, error) {
	ev, err := NormalizeItem(item, sourceName)
	if err != nil {
		return "", err
	}

	key := ev.Key()
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	now := r.now().UTC()
	outcome, err := r.store.Upsert(ctx, ev, r.decide(ev, now))
	if err != nil {
		return "", fmt.Errorf("eventstore: reconciling %s: %w", key, err)
	}
	r.logger.Debug().Str("source", sourceName).Str("key", key).Str("outcome", string(outcome)).Msg("reconciled item")
	return outcome, nil
}

// decide builds the transition applied inside Upsert.
func (r *Reconciler) decide(incoming Event, now time.Time) DecideFunc {
	return func(existing *Event) (Event, Outcome) {
		if existing == nil {
			ev := incoming
			ev.Status = StatusNew
			ev.CreatedAt = now
			ev.LastScrapedAt = now
			return ev, OutcomeInserted
		}

		if existing.Checksum != incoming.Checksum {
			ev := incoming
			ev.ID = existing.ID
			ev.CreatedAt = existing.CreatedAt
			ev.LastScrapedAt = now
			ev.ImportedBy = existing.ImportedBy
			ev.ImportedAt = existing.ImportedAt
			ev.ImportNotes = existing.ImportNotes
			// Imported is terminal: an admin-curated record keeps its status
			// when the source edits it, while its content still refreshes.
			// Covered by TestReconcile_ImportedContentChangeKeepsImportedStatus.
			ev.Status = StatusUpdated
			if existing.Status == StatusImported {
				ev.Status = StatusImported
			}
			return ev, OutcomeUpdated
		}

		ev := *existing
		ev.LastScrapedAt = now
		if r.reactivate && ev.Status == StatusInactive {
			ev.Status = StatusUpdated
		}
		return ev, OutcomeUnchanged
	}
}

// NormalizeItem validates item and converts it to an Event carrying its
// checksum. Strings are NFC-normalized and trimmed, blank strings become
// absent, the city defaults to DefaultCity and tags are deduplicated.
func NormalizeItem(item RawItem, sourceName string) (Event, error) {
	item.Title = cleanString(item.Title)
	item.Venue = cleanString(item.Venue)
	item.City = cleanString(item.City)
	item.Description = cleanString(item.Description)
	item.ImageURL = cleanString(item.ImageURL)
	item.SourceURL = cleanString(item.SourceURL)
	item.Tags = normalizeTags(item.Tags)
	if item.StartTime != nil && item.StartTime.IsZero() {
		item.StartTime = nil
	}

	if err := validate.Struct(item); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidItem, err)
	}
	if strings.TrimSpace(sourceName) == "" {
		return Event{}, fmt.Errorf("%w: empty source name", ErrInvalidItem)
	}

	ev := Event{
		Title:       item.Title,
		Venue:       item.Venue,
		City:        DefaultCity,
		Description: item.Description,
		Tags:        item.Tags,
		ImageURL:    item.ImageURL,
		SourceURL:   item.SourceURL,
		SourceName:  sourceName,
	}
	if item.City != nil {
		ev.City = *item.City
	}
	if item.StartTime != nil {
		t := item.StartTime.UTC()
		ev.StartTime = &t
	}
	if len(ev.Tags) == 0 {
		ev.Tags = nil
	}
	ev.Checksum = ev.ComputeChecksum()
	return ev, nil
}

func cleanString(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(norm.NFC.String(*s))
	if v == "" {
		return nil
	}
	return &v
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}
