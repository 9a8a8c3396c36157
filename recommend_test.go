package eventstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hemant07j07/eventstore"
)

type recommendFixture struct {
	store    *eventstore.SQLiteStore
	index    *eventstore.SimilarityIndex
	resolver *eventstore.Resolver
	jazz     string
	rock     string
}

func newRecommendFixture(t *testing.T, build bool) *recommendFixture {
	t.Helper()
	store := openTestStore(t)
	f := &recommendFixture{store: store}
	f.jazz = seedEvent(t, store, eventstore.RawItem{
		Title: strp("Jazz Night"), Venue: strp("The Hall"), Description: strp("live jazz"),
	}, "whatson")
	f.rock = seedEvent(t, store, eventstore.RawItem{
		Title: strp("Rock Show"), Venue: strp("Arena"), Description: strp("loud rock"),
	}, "whatson")

	f.index = newSimilarity(t, newFlat(t), newKeywordEmbedder(scenarioVocab...))
	if build {
		if _, err := f.index.BuildFromStore(context.Background(), store); err != nil {
			t.Fatal(err)
		}
	}
	f.resolver = eventstore.NewResolver(f.index, store, zerolog.Nop())
	return f
}

func TestResolver_ByUser(t *testing.T) {
	f := newRecommendFixture(t, true)
	recs, err := f.resolver.Resolve(context.Background(), eventstore.RecommendRequest{
		Mode: eventstore.ModeByUser, Preferences: "loud rock at the arena", K: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Event.ID != f.rock {
		t.Fatalf("recs = %+v", recs)
	}
	if *recs[0].Event.Title != "Rock Show" {
		t.Errorf("not hydrated: %+v", recs[0].Event)
	}
}

func TestResolver_ByEventIncludesSeed(t *testing.T) {
	f := newRecommendFixture(t, true)
	recs, err := f.resolver.Resolve(context.Background(), eventstore.RecommendRequest{
		Mode: eventstore.ModeByEvent, EventID: f.jazz,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d recs, want 2", len(recs))
	}
	if recs[0].Event.ID != f.jazz || recs[1].Event.ID != f.rock {
		t.Errorf("order = %s, %s", recs[0].Event.ID, recs[1].Event.ID)
	}
	if recs[0].Score < recs[1].Score {
		t.Errorf("scores not descending")
	}
}

func TestResolver_Errors(t *testing.T) {
	built := newRecommendFixture(t, true)
	unbuilt := newRecommendFixture(t, false)
	ctx := context.Background()

	tests := []struct {
		name     string
		resolver *eventstore.Resolver
		req      eventstore.RecommendRequest
		want     error
	}{
		{"not built by user", unbuilt.resolver, eventstore.RecommendRequest{Mode: eventstore.ModeByUser, Preferences: "jazz"}, eventstore.ErrIndexNotBuilt},
		{"not built by event", unbuilt.resolver, eventstore.RecommendRequest{Mode: eventstore.ModeByEvent, EventID: unbuilt.jazz}, eventstore.ErrIndexNotBuilt},
		{"not built beats missing seed", unbuilt.resolver, eventstore.RecommendRequest{Mode: eventstore.ModeByEvent, EventID: "999"}, eventstore.ErrIndexNotBuilt},
		{"missing seed", built.resolver, eventstore.RecommendRequest{Mode: eventstore.ModeByEvent, EventID: "999"}, eventstore.ErrNotFound},
		{"no mode", built.resolver, eventstore.RecommendRequest{Preferences: "jazz"}, eventstore.ErrInvalidRequest},
		{"unknown mode", built.resolver, eventstore.RecommendRequest{Mode: "by_vibe", Preferences: "jazz"}, eventstore.ErrInvalidRequest},
		{"by event without id", built.resolver, eventstore.RecommendRequest{Mode: eventstore.ModeByEvent, Preferences: "jazz"}, eventstore.ErrInvalidRequest},
		{"by user blank", built.resolver, eventstore.RecommendRequest{Mode: eventstore.ModeByUser, Preferences: "  "}, eventstore.ErrInvalidRequest},
		{"negative k", built.resolver, eventstore.RecommendRequest{Mode: eventstore.ModeByUser, Preferences: "jazz", K: -1}, eventstore.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.resolver.Resolve(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestResolver_DropsHitsThatNoLongerResolve(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	jazz := seedEvent(t, store, eventstore.RawItem{Title: strp("Jazz Night")}, "whatson")

	si := newSimilarity(t, newFlat(t), newKeywordEmbedder(scenarioVocab...))
	err := si.Build(ctx, []eventstore.Document{
		{ID: "12345", Text: "jazz jazz"},
		{ID: jazz, Text: "Jazz Night"},
	})
	if err != nil {
		t.Fatal(err)
	}

	recs, err := eventstore.NewResolver(si, store, zerolog.Nop()).ByText(ctx, "jazz", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Event.ID != jazz {
		t.Errorf("recs = %+v", recs)
	}
}

func TestResolver_DefaultAndMaxK(t *testing.T) {
	ctx := context.Background()
	si := newSimilarity(t, newFlat(t), newKeywordEmbedder(scenarioVocab...))
	store := openTestStore(t)
	docs := make([]eventstore.Document, 0, 120)
	for i := range 120 {
		id := seedEvent(t, store, eventstore.RawItem{Title: strp(fmt.Sprintf("Jazz Night %d", i))}, "whatson")
		docs = append(docs, eventstore.Document{ID: id, Text: "jazz night"})
	}
	if err := si.Build(ctx, docs); err != nil {
		t.Fatal(err)
	}
	r := eventstore.NewResolver(si, store, zerolog.Nop())

	recs, err := r.ByText(ctx, "jazz", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != eventstore.DefaultK {
		t.Errorf("default k returned %d", len(recs))
	}
	recs, err = r.ByText(ctx, "jazz", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != eventstore.MaxK {
		t.Errorf("k=1000 returned %d, want %d", len(recs), eventstore.MaxK)
	}
}
