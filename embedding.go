package eventstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// Embedder produces vector embeddings for text. Vectors need not be unit
// length; BatchEmbedder and Single normalize them. An all-zero vector cannot
// be normalized and scores 0 against every query, so implementations should
// map text without content to a fixed non-zero vector, as HashEmbedder does.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model returns a stable identifier for the embedding model (e.g.
	// "nomic-embed-text"). Index snapshots record it so a query is never
	// scored against vectors from a different model.
	Model() string
}

// ErrEmbedding means the embedder returned an unusable result.
var ErrEmbedding = errors.New("eventstore: embedding failed")

// embedMaxRetries is the number of retries for transient embedding failures
// (e.g. model loading timeouts). Total attempts = embedMaxRetries + 1.
const embedMaxRetries = 2

// embedWithRetry calls e.Embed, retrying up to embedMaxRetries times on
// failure. Returns immediately on context cancellation.
func embedWithRetry(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	var result [][]float32
	var err error
	for attempt := range embedMaxRetries + 1 {
		result, err = e.Embed(ctx, texts)
		if err == nil {
			return result, nil
		}
		if attempt < embedMaxRetries && ctx.Err() != nil {
			break // caller gave up; don't burn retries
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrEmbedding, embedMaxRetries+1, err)
}

// Single embeds a single text using the given Embedder, with retries. The
// result is L2-normalized.
func Single(ctx context.Context, e Embedder, text string) ([]float32, error) {
	results, err := embedWithRetry(ctx, e, []string{text})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", ErrEmbedding)
	}
	return Normalize(results[0]), nil
}

// DefaultEmbedBatchSize is the number of texts sent to the embedder per call.
const DefaultEmbedBatchSize = 256

// BatchEmbedder embeds large text sets in fixed-size batches with a bounded
// number of concurrent embedder calls. Output vectors are L2-normalized and
// aligned with the input.
type BatchEmbedder struct {
	embedder  Embedder
	batchSize int
	workers   int
}

// NewBatchEmbedder creates a BatchEmbedder. Non-positive sizes fall back to
// DefaultEmbedBatchSize and a single worker.
func NewBatchEmbedder(e Embedder, batchSize, workers int) *BatchEmbedder {
	if batchSize <= 0 {
		batchSize = DefaultEmbedBatchSize
	}
	if workers <= 0 {
		workers = 1
	}
	return &BatchEmbedder{embedder: e, batchSize: batchSize, workers: workers}
}

// Model returns the wrapped embedder's model.
func (b *BatchEmbedder) Model() string { return b.embedder.Model() }

// EmbedAll embeds every text. Either every vector is returned or an error
// is; a partial result is never produced. All vectors share one dimension.
func (b *BatchEmbedder) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for start := 0; start < len(texts); start += b.batchSize {
		end := min(start+b.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := embedWithRetry(gctx, b.embedder, texts[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbedding, len(vecs), end-start)
			}
			for i, v := range vecs {
				out[start+i] = Normalize(v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(out[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: zero-length vector", ErrEmbedding)
	}
	for i, v := range out {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrEmbedding, i, len(v), dim)
		}
	}
	return out, nil
}

// Normalize scales v to unit L2 norm in place and returns it. A zero vector
// is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Dot returns the inner product of two equal-length vectors.
func Dot(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// EncodeFloat32s serializes a float32 slice to a little-endian byte slice.
func EncodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloat32s deserializes a little-endian byte slice back to a float32 slice.
func DecodeFloat32s(buf []byte) []float32 {
	n := len(buf) / 4
	v := make([]float32, n)
	for i := range n {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
