package eventstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hemant07j07/eventstore/internal/metrics"
)

// ErrInvalidRequest means a recommendation request lacks the field its mode
// requires.
var ErrInvalidRequest = errors.New("eventstore: invalid recommendation request")

// Recommendation modes.
const (
	ModeByEvent = "by_event"
	ModeByUser  = "by_user"
)

const (
	// DefaultK is the result count when a request does not set one.
	DefaultK = 8
	// MaxK caps the result count.
	MaxK = 100
)

// RecommendRequest is a recommendation query. ByEvent requires EventID,
// ByUser requires Preferences.
type RecommendRequest struct {
	Mode        string `json:"mode" validate:"required,oneof=by_event by_user"`
	EventID     string `json:"event_id,omitempty" validate:"required_if=Mode by_event"`
	Preferences string `json:"preferences,omitempty" validate:"required_if=Mode by_user"`
	K           int    `json:"k,omitempty" validate:"gte=0"`
}

// Recommendation is a hydrated result.
type Recommendation struct {
	Event Event   `json:"event"`
	Score float64 `json:"score"`
}

// Resolver answers recommendation queries from a SimilarityIndex and hydrates
// hits from a Store.
type Resolver struct {
	index  *SimilarityIndex
	store  Store
	logger zerolog.Logger
}

// NewResolver returns a Resolver.
func NewResolver(index *SimilarityIndex, store Store, logger zerolog.Logger) *Resolver {
	return &Resolver{index: index, store: store, logger: logger}
}

// Resolve dispatches req by mode.
func (r *Resolver) Resolve(ctx context.Context, req RecommendRequest) (recs []Recommendation, err error) {
	start := time.Now()
	defer func() {
		metrics.RecommendDuration.WithLabelValues(req.Mode).Observe(time.Since(start).Seconds())
		metrics.RecommendRequests.WithLabelValues(req.Mode, resultLabel(err)).Inc()
	}()

	req.EventID = strings.TrimSpace(req.EventID)
	req.Preferences = strings.TrimSpace(req.Preferences)
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	switch req.Mode {
	case ModeByEvent:
		return r.BySeed(ctx, req.EventID, req.K)
	default:
		return r.ByText(ctx, req.Preferences, req.K)
	}
}

// BySeed recommends events similar to the event with the given id. The
// seed itself may appear in the results. Returns ErrIndexNotBuilt before
// the first build and ErrNotFound if the seed does not resolve.
func (r *Resolver) BySeed(ctx context.Context, eventID string, k int) ([]Recommendation, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: event_id required", ErrInvalidRequest)
	}
	if err := r.requireIndex(ctx); err != nil {
		return nil, err
	}
	seed, err := r.store.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if seed == nil {
		return nil, fmt.Errorf("eventstore: seed event %q: %w", eventID, ErrNotFound)
	}
	return r.ByText(ctx, EventText(seed), k)
}

// ByText recommends events similar to free text.
func (r *Resolver) ByText(ctx context.Context, text string, k int) ([]Recommendation, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: preferences required", ErrInvalidRequest)
	}
	hits, err := r.index.QueryText(ctx, text, clampK(k))
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, hits)
}

func (r *Resolver) requireIndex(ctx context.Context) error {
	snap, err := r.index.Stat(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return ErrIndexNotBuilt
	}
	return nil
}

// hydrate resolves hits to events in score order, dropping ids that no
// longer resolve.
func (r *Resolver) hydrate(ctx context.Context, hits []Hit) ([]Recommendation, error) {
	recs := make([]Recommendation, 0, len(hits))
	for _, h := range hits {
		ev, err := r.store.Get(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			r.logger.Debug().Str("event_id", h.ID).Msg("indexed event no longer exists")
			continue
		}
		recs = append(recs, Recommendation{Event: *ev, Score: h.Score})
	}
	return recs, nil
}

func clampK(k int) int {
	if k <= 0 {
		return DefaultK
	}
	return min(k, MaxK)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrIndexNotBuilt):
		return "not_built"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}
