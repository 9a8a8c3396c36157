package eventstore_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/hemant07j07/eventstore"
)

func norm2(v []float32) float64 {
	var s float64
	for _, f := range v {
		s += float64(f) * float64(f)
	}
	return math.Sqrt(s)
}

func TestSingle(t *testing.T) {
	e := &mockEmbedder{dim: 4}
	result, err := eventstore.Single(context.Background(), e, "hello")
	if err != nil {
		t.Fatalf("Single: %v", err)
	}
	if len(result) != 4 {
		t.Errorf("got %d dims, want 4", len(result))
	}
	if n := norm2(result); math.Abs(n-1) > 1e-6 {
		t.Errorf("norm = %f, want 1", n)
	}
}

func TestSingle_Error(t *testing.T) {
	e := &mockEmbedder{dim: 4, err: fmt.Errorf("service down")}
	_, err := eventstore.Single(context.Background(), e, "hello")
	if !errors.Is(err, eventstore.ErrEmbedding) {
		t.Errorf("err = %v, want ErrEmbedding", err)
	}
	if got := e.calls(); got != 3 {
		t.Errorf("calls = %d, want 3 (two retries)", got)
	}
}

func TestNormalize(t *testing.T) {
	v := eventstore.Normalize([]float32{3, 4})
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("Normalize = %v, want [0.6 0.8]", v)
	}
	zero := eventstore.Normalize([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("zero vector changed: %v", zero)
	}
}

func TestBatchEmbedder_Batches(t *testing.T) {
	e := &mockEmbedder{dim: 3}
	b := eventstore.NewBatchEmbedder(e, 2, 1)

	texts := []string{"a", "b", "c", "d", "e"}
	vecs, err := b.EmbedAll(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedAll: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	if got := e.calls(); got != 3 {
		t.Errorf("calls = %d, want 3 batches", got)
	}
	for i, v := range vecs {
		if n := norm2(v); math.Abs(n-1) > 1e-6 {
			t.Errorf("vector %d norm = %f, want 1", i, n)
		}
	}
}

func TestBatchEmbedder_IndependentOfBatchSize(t *testing.T) {
	texts := []string{"jazz night", "rock show", "comedy club", "art walk", "food market", "film screening", "poetry slam"}
	ctx := context.Background()

	want, err := eventstore.NewBatchEmbedder(eventstore.NewHashEmbedder(64), 256, 1).EmbedAll(ctx, texts)
	if err != nil {
		t.Fatal(err)
	}
	for _, size := range []int{1, 2, 3} {
		got, err := eventstore.NewBatchEmbedder(eventstore.NewHashEmbedder(64), size, 3).EmbedAll(ctx, texts)
		if err != nil {
			t.Fatal(err)
		}
		for i := range want {
			for j := range want[i] {
				if got[i][j] != want[i][j] {
					t.Fatalf("batch size %d: vector %d differs at %d", size, i, j)
				}
			}
		}
	}
}

func TestBatchEmbedder_Empty(t *testing.T) {
	e := &mockEmbedder{dim: 3}
	vecs, err := eventstore.NewBatchEmbedder(e, 0, 0).EmbedAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedAll: %v", err)
	}
	if len(vecs) != 0 {
		t.Errorf("got %d vectors, want 0", len(vecs))
	}
	if e.calls() != 0 {
		t.Errorf("embedder called for empty input")
	}
}

func TestBatchEmbedder_CountMismatch(t *testing.T) {
	e := &mockEmbedder{dim: 3, short: true}
	_, err := eventstore.NewBatchEmbedder(e, 10, 1).EmbedAll(context.Background(), []string{"a", "b"})
	if !errors.Is(err, eventstore.ErrEmbedding) {
		t.Errorf("err = %v, want ErrEmbedding", err)
	}
}

func TestBatchEmbedder_Error(t *testing.T) {
	e := &mockEmbedder{dim: 3, err: errors.New("model offline")}
	_, err := eventstore.NewBatchEmbedder(e, 1, 2).EmbedAll(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestHashEmbedder(t *testing.T) {
	h := eventstore.NewHashEmbedder(128)
	if h.Model() != "hash-xxh64-128" {
		t.Errorf("Model = %q", h.Model())
	}
	vecs, err := h.Embed(context.Background(), []string{"Jazz Night", "jazz  night!", "Rock Show"})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vecs {
		if len(v) != 128 {
			t.Errorf("vector %d dim = %d", i, len(v))
		}
	}
	for _, v := range vecs {
		eventstore.Normalize(v)
	}
	if sim := eventstore.Dot(vecs[0], vecs[1]); math.Abs(sim-1) > 1e-6 {
		t.Errorf("case/punctuation variants similarity = %f, want 1", sim)
	}
	if sim := eventstore.Dot(vecs[0], vecs[2]); sim > 0.99 {
		t.Errorf("unrelated texts similarity = %f", sim)
	}
}

func TestHashEmbedder_TokenlessTextIsUnitLength(t *testing.T) {
	b := eventstore.NewBatchEmbedder(eventstore.NewHashEmbedder(64), 0, 1)
	// A URL-only record renders as separators and blanks.
	vecs, err := b.EmbedAll(context.Background(), []string{"", " |  | ", "!!"})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vecs {
		if norm := math.Sqrt(eventstore.Dot(v, v)); math.Abs(norm-1) > 1e-6 {
			t.Errorf("vector %d norm = %f, want 1", i, norm)
		}
	}
	if sim := eventstore.Dot(vecs[0], vecs[1]); math.Abs(sim-1) > 1e-6 {
		t.Errorf("tokenless texts similarity = %f, want 1", sim)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := []float32{1.0, -2.5, 3.14159, 0, math.MaxFloat32}
	encoded := eventstore.EncodeFloat32s(original)

	if len(encoded) != len(original)*4 {
		t.Fatalf("encoded length = %d, want %d", len(encoded), len(original)*4)
	}

	decoded := eventstore.DecodeFloat32s(encoded)
	for i := range original {
		if decoded[i] != original[i] {
			t.Errorf("index %d: got %f, want %f", i, decoded[i], original[i])
		}
	}
}

// -- OllamaEmbedder tests --

func TestOllamaEmbedder(t *testing.T) {
	wantModel := "nomic-embed-text"
	wantVec := []float32{0.1, 0.2, 0.3}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s, want /api/embed", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Model != wantModel {
			t.Errorf("model = %s, want %s", req.Model, wantModel)
		}

		resp := struct {
			Embeddings [][]float32 `json:"embeddings"`
		}{}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, wantVec)
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := eventstore.NewOllamaEmbedder(srv.URL+"/", wantModel, 5*time.Second)
	if e.Model() != "ollama:"+wantModel {
		t.Errorf("Model = %q", e.Model())
	}
	results, err := e.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if len(results[0]) != 3 {
		t.Errorf("dim = %d, want 3", len(results[0]))
	}
}

func TestOllamaEmbedder_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[[0.5,0.6]]}`))
	}))
	defer srv.Close()

	e := eventstore.NewOllamaEmbedder(srv.URL, "test", 0)
	if _, err := e.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("expected error when response has fewer embeddings than inputs")
	}
}

func TestOllamaEmbedder_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e := eventstore.NewOllamaEmbedder(srv.URL, "nonexistent", 0)
	if _, err := e.Embed(context.Background(), []string{"test"}); err == nil {
		t.Error("expected error for HTTP 404")
	}
}

func TestOllamaEmbedder_ConnectionRefused(t *testing.T) {
	e := eventstore.NewOllamaEmbedder("http://localhost:1", "test", time.Second)
	if _, err := e.Embed(context.Background(), []string{"test"}); err == nil {
		t.Error("expected error for connection refused")
	}
}
