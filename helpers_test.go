package eventstore_test

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hemant07j07/eventstore"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// Every pooled connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func openTestStore(t *testing.T) *eventstore.SQLiteStore {
	t.Helper()
	store, err := eventstore.NewSQLiteStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return store
}

func strp(s string) *string { return &s }

func timep(t time.Time) *time.Time { return &t }

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockEmbedder returns position-dependent vectors and counts calls.
type mockEmbedder struct {
	mu        sync.Mutex
	dim       int
	callCount int
	err       error
	short     bool // return one vector fewer than requested
}

func (m *mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.callCount++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	n := len(texts)
	if m.short && n > 0 {
		n--
	}
	result := make([][]float32, n)
	for i := range n {
		emb := make([]float32, m.dim)
		for j := range emb {
			emb[j] = float32(i+1) * 0.1 * float32(j+1)
		}
		result[i] = emb
	}
	return result, nil
}

func (m *mockEmbedder) Model() string { return "mock" }

func (m *mockEmbedder) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// keywordEmbedder counts occurrences of a fixed vocabulary, one dimension
// per word, so similarity is fully predictable.
type keywordEmbedder struct {
	vocab []string
}

func newKeywordEmbedder(vocab ...string) *keywordEmbedder {
	return &keywordEmbedder{vocab: vocab}
}

func (k *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, len(k.vocab))
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !(r >= 'a' && r <= 'z')
		})
		for _, w := range words {
			for j, term := range k.vocab {
				if w == term {
					v[j]++
				}
			}
		}
		out[i] = v
	}
	return out, nil
}

func (k *keywordEmbedder) Model() string { return "keyword" }

// seedEvent inserts an event through the reconciler and returns its id.
func seedEvent(t *testing.T, store eventstore.Store, item eventstore.RawItem, source string) string {
	t.Helper()
	ctx := context.Background()
	r := eventstore.NewReconciler(store)
	if _, err := r.Reconcile(ctx, item, source); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	ev, err := eventstore.NormalizeItem(item, source)
	if err != nil {
		t.Fatalf("NormalizeItem: %v", err)
	}
	events, err := store.List(ctx, eventstore.QueryOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, e := range events {
		if e.Checksum == ev.Checksum {
			return e.ID
		}
	}
	t.Fatalf("seeded event not found")
	return ""
}
