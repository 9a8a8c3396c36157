package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/hemant07j07/eventstore/internal/metrics"
)

// BreakerSettings tunes a BreakerStore.
type BreakerSettings struct {
	Name string
	// MaxFailures consecutive ErrStoreUnavailable results open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before letting a
	// trial request through.
	OpenTimeout time.Duration
	Logger      zerolog.Logger
}

// DefaultBreakerSettings opens after 5 consecutive failures for 30 seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{Name: "store", MaxFailures: 5, OpenTimeout: 30 * time.Second}
}

// BreakerStore wraps a Store with a circuit breaker. While the breaker is
// open every call fails fast with ErrStoreUnavailable and the backend is not
// touched. Only ErrStoreUnavailable counts as a failure; ErrNotFound and
// context cancellation do not trip it.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker[any]
	name  string
}

// NewBreakerStore wraps inner.
func NewBreakerStore(inner Store, s BreakerSettings) *BreakerStore {
	def := DefaultBreakerSettings()
	if s.Name == "" {
		s.Name = def.Name
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = def.MaxFailures
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = def.OpenTimeout
	}

	metrics.StoreBreakerState.WithLabelValues(s.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrStoreUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.Logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("store circuit breaker state change")
			metrics.StoreBreakerState.WithLabelValues(name).Set(stateValue(to))
			metrics.StoreBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &BreakerStore{inner: inner, cb: cb, name: s.Name}
}

// State reports the breaker state ("closed", "half-open" or "open").
func (b *BreakerStore) State() string { return b.cb.State().String() }

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// guard runs fn through the breaker and translates rejections.
func guard[T any](b *BreakerStore, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.StoreRequests.WithLabelValues(b.name, "rejected").Inc()
			return zero, fmt.Errorf("eventstore: circuit %s: %w", err, ErrStoreUnavailable)
		}
		metrics.StoreRequests.WithLabelValues(b.name, "failure").Inc()
		return zero, err
	}
	metrics.StoreRequests.WithLabelValues(b.name, "success").Inc()
	return res.(T), nil
}

func (b *BreakerStore) Upsert(ctx context.Context, ev Event, decide DecideFunc) (Outcome, error) {
	return guard(b, func() (Outcome, error) { return b.inner.Upsert(ctx, ev, decide) })
}

func (b *BreakerStore) MarkInactive(ctx context.Context, sourceName string, cutoff time.Time) (int64, error) {
	return guard(b, func() (int64, error) { return b.inner.MarkInactive(ctx, sourceName, cutoff) })
}

func (b *BreakerStore) MarkImported(ctx context.Context, id string, imp ImportMark) error {
	_, err := guard(b, func() (struct{}, error) { return struct{}{}, b.inner.MarkImported(ctx, id, imp) })
	return err
}

func (b *BreakerStore) AddSubscription(ctx context.Context, sub Subscription) (string, error) {
	return guard(b, func() (string, error) { return b.inner.AddSubscription(ctx, sub) })
}

func (b *BreakerStore) Get(ctx context.Context, id string) (*Event, error) {
	return guard(b, func() (*Event, error) { return b.inner.Get(ctx, id) })
}

func (b *BreakerStore) List(ctx context.Context, opts QueryOpts) ([]Event, error) {
	return guard(b, func() ([]Event, error) { return b.inner.List(ctx, opts) })
}

func (b *BreakerStore) Active(ctx context.Context) ([]Event, error) {
	return guard(b, func() ([]Event, error) { return b.inner.Active(ctx) })
}

func (b *BreakerStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return guard(b, func() (map[Status]int64, error) { return b.inner.CountByStatus(ctx) })
}

// Close closes the wrapped store without consulting the breaker.
func (b *BreakerStore) Close() error { return b.inner.Close() }
