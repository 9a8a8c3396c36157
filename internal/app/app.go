// Package app assembles the eventstore components from a config.Config.
// Both commands build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/hemant07j07/eventstore"
	"github.com/hemant07j07/eventstore/internal/config"
	"github.com/hemant07j07/eventstore/scrape"
)

// App holds the wired components. Index, Resolver and Ingester are nil
// until the matching With call.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	Store      *eventstore.BreakerStore
	Reconciler *eventstore.Reconciler
	Sweeper    *eventstore.Sweeper
	Index      *eventstore.SimilarityIndex
	Resolver   *eventstore.Resolver
	Ingester   *eventstore.Ingester

	mu      sync.Mutex
	closers []func() error
}

// Open connects the record store and builds the components that need
// nothing else: the breaker, reconciler and sweeper.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	inner, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, inner.Close)

	a.Store = eventstore.NewBreakerStore(inner, eventstore.BreakerSettings{
		Name:        cfg.Store.Driver,
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: cfg.Breaker.OpenTimeout,
		Logger:      logger,
	})
	a.Reconciler = eventstore.NewReconciler(a.Store, eventstore.WithLogger(logger))
	a.Sweeper = eventstore.NewSweeper(a.Store, nil, logger)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (eventstore.Store, error) {
	cfg := a.Config.Store
	switch cfg.Driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o700); err != nil {
			return nil, fmt.Errorf("app: creating database directory: %w", err)
		}
		db, err := sql.Open("sqlite", sqliteDSN(cfg.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("app: opening sqlite: %w", err)
		}
		// One connection: the store serializes writes itself.
		db.SetMaxOpenConns(1)
		store, err := eventstore.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return store, nil

	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("app: connecting to mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			client.Disconnect(context.Background())
			return nil, fmt.Errorf("%w: mongo ping: %w", eventstore.ErrStoreUnavailable, err)
		}
		store, err := eventstore.NewMongoStore(ctx, client.Database(cfg.MongoDB))
		if err != nil {
			client.Disconnect(context.Background())
			return nil, err
		}
		a.closers = append(a.closers, func() error { return client.Disconnect(context.Background()) })
		return store, nil
	}
	return nil, fmt.Errorf("app: unknown store driver %q", cfg.Driver)
}

// sqliteDSN enables WAL and a busy timeout so the scheduler and the API can
// share one database file.
func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + q.Encode()
}

// Embedder returns the configured embedding provider.
func (a *App) Embedder() (eventstore.Embedder, error) {
	cfg := a.Config.Embed
	switch cfg.Provider {
	case "hash":
		return eventstore.NewHashEmbedder(cfg.Dim), nil
	case "ollama":
		return eventstore.NewOllamaEmbedder(cfg.URL, cfg.Model, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("app: unknown embed provider %q", cfg.Provider)
}

// WithIndex opens the similarity index and the resolver over it.
func (a *App) WithIndex(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Index != nil {
		return nil
	}
	e, err := a.Embedder()
	if err != nil {
		return err
	}
	cfg := a.Config.Index
	idx, err := eventstore.OpenIndex(ctx, eventstore.IndexOptions{
		Backend:       cfg.Backend,
		Dir:           cfg.Dir,
		PostgresDSN:   cfg.PostgresDSN,
		HNSWThreshold: cfg.HNSWThreshold,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("app: opening index: %w", err)
	}
	a.closers = append(a.closers, idx.Close)

	batch := eventstore.NewBatchEmbedder(e, a.Config.Embed.BatchSize, a.Config.Embed.Workers)
	a.Index = eventstore.NewSimilarityIndex(idx, batch, a.Logger)
	a.Resolver = eventstore.NewResolver(a.Index, a.Store, a.Logger)
	return nil
}

// WithIngester builds the fetcher, one parser per configured source and
// the ingester running them.
func (a *App) WithIngester() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Ingester != nil {
		return nil
	}
	cfg := a.Config.Ingest
	fetcher := scrape.NewHTTPFetcher(cfg.FetchTimeout, cfg.UserAgent)
	loc := cfg.Location()

	sources := make([]eventstore.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		pc := sc.Parser
		if pc.MaxItems == 0 {
			pc.MaxItems = cfg.MaxItems
		}
		p, err := scrape.NewParser(pc, fetcher, loc, a.Logger.With().Str("source", sc.Name).Logger())
		if err != nil {
			return fmt.Errorf("app: source %s: %w", sc.Name, err)
		}
		if cfg.DefaultCity != "" {
			p = cityParser{Parser: p, city: cfg.DefaultCity}
		}
		sources = append(sources, eventstore.Source{Name: sc.Name, URL: sc.URL, BaseURL: sc.BaseURL, Parser: p})
	}

	a.Ingester = eventstore.NewIngester(fetcher, a.Reconciler, a.Sweeper, sources, eventstore.IngestOptions{
		StaleAfter:  cfg.StaleAfter,
		Parallelism: cfg.Parallelism,
		MaxItems:    cfg.MaxItems,
	}, a.Logger)
	return nil
}

// Close releases everything in reverse order of acquisition.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// cityParser fills in the configured city on items that carry none.
type cityParser struct {
	eventstore.Parser
	city string
}

func (p cityParser) Parse(ctx context.Context, body []byte, baseURL string) ([]eventstore.RawItem, error) {
	items, err := p.Parser.Parse(ctx, body, baseURL)
	for i := range items {
		if items[i].City == nil {
			items[i].City = &p.city
		}
	}
	return items, err
}
