package eventstore

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
)

// DefaultHashDim is the HashEmbedder dimension used when none is configured.
const DefaultHashDim = 512

// HashEmbedder is a deterministic, dependency-free Embedder based on feature
// hashing. Each lower-cased token and adjacent token pair is hashed into one
// of dim buckets with a hash-derived sign. It needs no model server, which
// makes it the default for local runs and tests.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of length dim.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultHashDim
	}
	return &HashEmbedder{dim: dim}
}

// Model implements Embedder.
func (h *HashEmbedder) Model() string { return fmt.Sprintf("hash-xxh64-%d", h.dim) }

// Embed implements Embedder. Vectors are not normalized.
func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

// emptyFeature is hashed for text with no tokens, so that it still maps
// to a non-zero vector.
const emptyFeature = "\x00empty"

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dim)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		h.add(v, emptyFeature, 1)
		return v
	}
	for i, tok := range tokens {
		h.add(v, tok, 1)
		if i > 0 {
			h.add(v, tokens[i-1]+" "+tok, 0.5)
		}
	}
	return v
}

func (h *HashEmbedder) add(v []float32, feature string, weight float32) {
	sum := xxhash.Sum64String(feature)
	idx := sum % uint64(h.dim)
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

// tokenize lower-cases text and splits it on anything that is not a letter
// or digit.
func tokenize(text string) []string {
	text = strings.ToLower(norm.NFC.String(text))
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
