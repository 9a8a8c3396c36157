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

// ErrIndexNotBuilt means no similarity index has been built yet. It is an
// expected condition, not a transient failure.
var ErrIndexNotBuilt = errors.New("eventstore: similarity index not built")

// Snapshot describes a built index.
type Snapshot struct {
	Backend string    `json:"backend"`
	Model   string    `json:"model"`
	Dim     int       `json:"dim"`
	Rows    int       `json:"rows"`
	BuiltAt time.Time `json:"built_at"`
}

// Hit is one query result. Row is the position in build order.
type Hit struct {
	ID    string
	Row   int
	Score float64
}

// Index stores an ordered id mapping together with one vector per id and
// answers inner-product top-k queries over it. Implementations replace the
// mapping and vectors in a single atomic step, so a concurrent Query sees
// either the previous index or the new one.
type Index interface {
	// Replace atomically swaps in a new index. len(ids) must equal
	// len(vectors); all vectors share one dimension. Empty input builds a
	// valid empty index.
	Replace(ctx context.Context, model string, ids []string, vectors [][]float32) error

	// Stat returns nil, nil if nothing has been built.
	Stat(ctx context.Context) (*Snapshot, error)

	// Load returns the id mapping in row order, or nil, nil if nothing has
	// been built.
	Load(ctx context.Context) (*Snapshot, []string, error)

	// Query returns up to k hits sorted by descending score, ties broken by
	// ascending row. It returns nil, nil if nothing has been built.
	Query(ctx context.Context, vec []float32, k int) ([]Hit, error)

	Backend() string
	Close() error
}

// Document is one corpus entry for an index build.
type Document struct {
	ID   string
	Text string
}

// eventTextSep joins the fields of an event's index text.
const eventTextSep = " | "

// EventText is the text an event is embedded under: title, venue and
// description joined with " | ". Absent fields contribute "".
func EventText(ev *Event) string {
	return strings.Join([]string{deref(ev.Title), deref(ev.Venue), deref(ev.Description)}, eventTextSep)
}

// SimilarityIndex pairs an Index with the Embedder its vectors come from.
type SimilarityIndex struct {
	index    Index
	embedder *BatchEmbedder
	logger   zerolog.Logger
}

// NewSimilarityIndex returns a SimilarityIndex over idx using e.
func NewSimilarityIndex(idx Index, e *BatchEmbedder, logger zerolog.Logger) *SimilarityIndex {
	return &SimilarityIndex{index: idx, embedder: e, logger: logger}
}

// Index returns the underlying backend.
func (s *SimilarityIndex) Index() Index { return s.index }

// Build embeds every document and replaces the index. Nothing is written
// if embedding fails.
func (s *SimilarityIndex) Build(ctx context.Context, docs []Document) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveIndexBuild(s.index.Backend(), len(docs), time.Since(start), err)
	}()

	ids := make([]string, len(docs))
	texts := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		texts[i] = d.Text
	}

	vectors, err := s.embedder.EmbedAll(ctx, texts)
	if err != nil {
		return fmt.Errorf("eventstore: building index: %w", err)
	}
	if err := s.index.Replace(ctx, s.embedder.Model(), ids, vectors); err != nil {
		return fmt.Errorf("eventstore: building index: %w", err)
	}

	s.logger.Info().Str("backend", s.index.Backend()).Int("rows", len(docs)).Dur("duration", time.Since(start)).Msg("similarity index built")
	return nil
}

// BuildFromStore rebuilds the index over every record whose status is not
// inactive, in store order.
func (s *SimilarityIndex) BuildFromStore(ctx context.Context, store Store) (int, error) {
	events, err := store.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("eventstore: loading corpus: %w", err)
	}
	docs := make([]Document, len(events))
	for i := range events {
		docs[i] = Document{ID: events[i].ID, Text: EventText(&events[i])}
	}
	if err := s.Build(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// QueryText embeds text and returns its k nearest ids. Returns
// ErrIndexNotBuilt before the first build.
func (s *SimilarityIndex) QueryText(ctx context.Context, text string, k int) ([]Hit, error) {
	snap, err := s.index.Stat(ctx)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrIndexNotBuilt
	}
	if snap.Rows == 0 {
		return []Hit{}, nil
	}
	if snap.Model != "" && snap.Model != s.embedder.Model() {
		return nil, fmt.Errorf("eventstore: index built with %q, embedder is %q", snap.Model, s.embedder.Model())
	}

	vec, err := Single(ctx, s.embedder.embedder, text)
	if err != nil {
		return nil, err
	}
	hits, err := s.index.Query(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	if hits == nil {
		return nil, ErrIndexNotBuilt
	}
	return hits, nil
}

// Stat reports the current snapshot, or nil if none has been built.
func (s *SimilarityIndex) Stat(ctx context.Context) (*Snapshot, error) {
	return s.index.Stat(ctx)
}

// IndexOptions selects and configures an Index backend.
type IndexOptions struct {
	// Backend is "flat", "pgvector" or "auto". Auto uses pgvector when the
	// DSN is set and reachable, otherwise flat.
	Backend string
	// Dir holds the flat index files.
	Dir string
	// PostgresDSN is the pgvector connection string.
	PostgresDSN string
	// HNSWThreshold is the row count at which pgvector builds an HNSW
	// index instead of scanning exactly (0 = never).
	HNSWThreshold int
}

// OpenIndex picks a backend once, at startup.
func OpenIndex(ctx context.Context, opts IndexOptions, logger zerolog.Logger) (Index, error) {
	switch opts.Backend {
	case "flat":
		return NewFlatIndex(opts.Dir)
	case "pgvector":
		return NewPGVectorIndex(ctx, opts.PostgresDSN, opts.HNSWThreshold)
	case "", "auto":
		if opts.PostgresDSN != "" {
			idx, err := NewPGVectorIndex(ctx, opts.PostgresDSN, opts.HNSWThreshold)
			if err == nil {
				return idx, nil
			}
			logger.Warn().Err(err).Msg("pgvector unavailable, falling back to flat index")
		}
		return NewFlatIndex(opts.Dir)
	default:
		return nil, fmt.Errorf("eventstore: unknown index backend %q", opts.Backend)
	}
}
