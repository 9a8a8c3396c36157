package eventstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hemant07j07/eventstore"
)

// insertEvent writes ev as a fresh record and returns its id.
func insertEvent(t *testing.T, store eventstore.Store, ev eventstore.Event) string {
	t.Helper()
	ctx := context.Background()
	if ev.City == "" {
		ev.City = eventstore.DefaultCity
	}
	if ev.SourceName == "" {
		ev.SourceName = "test"
	}
	if ev.Status == "" {
		ev.Status = eventstore.StatusNew
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if ev.LastScrapedAt.IsZero() {
		ev.LastScrapedAt = ev.CreatedAt
	}
	ev.Checksum = ev.ComputeChecksum()

	outcome, err := store.Upsert(ctx, ev, func(existing *eventstore.Event) (eventstore.Event, eventstore.Outcome) {
		if existing != nil {
			t.Fatalf("unexpected existing record %s", existing.ID)
		}
		return ev, eventstore.OutcomeInserted
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if outcome != eventstore.OutcomeInserted {
		t.Fatalf("outcome = %s", outcome)
	}

	all, err := store.List(ctx, eventstore.QueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range all {
		if e.Checksum == ev.Checksum && e.SourceName == ev.SourceName {
			return e.ID
		}
	}
	t.Fatal("inserted event not listed")
	return ""
}

func TestNewSQLiteStore_TablesExist(t *testing.T) {
	db := openTestDB(t)
	if _, err := eventstore.NewSQLiteStore(db); err != nil {
		t.Fatal(err)
	}

	tables := []string{"eventstore_events", "eventstore_events_fts", "eventstore_subscriptions", "eventstore_version", "eventstore_meta"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type IN ('table', 'virtual table') AND name = ?`,
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestNewSQLiteStore_IndexesExist(t *testing.T) {
	db := openTestDB(t)
	if _, err := eventstore.NewSQLiteStore(db); err != nil {
		t.Fatal(err)
	}

	indexes := []string{
		"idx_eventstore_source_url",
		"idx_eventstore_checksum",
		"idx_eventstore_source_scraped",
		"idx_eventstore_status",
		"idx_eventstore_start",
	}
	for _, idx := range indexes {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?`, idx).Scan(&name)
		if err != nil {
			t.Errorf("index %q not found: %v", idx, err)
		}
	}
}

func TestNewSQLiteStore_Idempotent(t *testing.T) {
	db := openTestDB(t)
	for i := range 2 {
		if _, err := eventstore.NewSQLiteStore(db); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	var version int
	if err := db.QueryRow(`SELECT version FROM eventstore_version`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}
}

func TestNewSQLiteStore_FingerprintVersionMismatch(t *testing.T) {
	db := openTestDB(t)
	if _, err := eventstore.NewSQLiteStore(db); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`UPDATE eventstore_meta SET value = '0' WHERE key = 'fingerprint_version'`); err != nil {
		t.Fatal(err)
	}
	if _, err := eventstore.NewSQLiteStore(db); err == nil {
		t.Error("expected error opening a store recorded under another fingerprint version")
	}
}

func TestUpsert_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	start := time.Date(2025, 3, 1, 19, 0, 0, 0, time.UTC)
	id := insertEvent(t, store, eventstore.Event{
		Title:       strp("Jazz Night"),
		StartTime:   &start,
		Venue:       strp("The Hall"),
		Description: strp("live jazz"),
		Tags:        []string{"jazz", "music"},
		ImageURL:    strp("https://x/img.png"),
		SourceURL:   strp("https://x/e/1"),
		SourceName:  "whatson",
	})

	got, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if *got.Title != "Jazz Night" || *got.Venue != "The Hall" || *got.SourceURL != "https://x/e/1" {
		t.Errorf("content fields = %+v", got)
	}
	if !got.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, start)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "jazz" {
		t.Errorf("Tags = %v", got.Tags)
	}
	if got.Status != eventstore.StatusNew || got.City != eventstore.DefaultCity || got.SourceName != "whatson" {
		t.Errorf("lifecycle fields = %+v", got)
	}
	if got.ImportedBy != nil || got.ImportedAt != nil || got.ImportNotes != nil {
		t.Errorf("import fields should be nil: %+v", got)
	}
}

func TestUpsert_SourceURLUnique(t *testing.T) {
	store := openTestStore(t)
	insertEvent(t, store, eventstore.Event{Title: strp("A"), SourceURL: strp("https://x/e/1")})

	ev := eventstore.Event{Title: strp("B"), SourceURL: strp("https://x/e/1"), City: "Sydney", SourceName: "test", Status: eventstore.StatusNew}
	ev.Checksum = ev.ComputeChecksum()
	var sawExisting bool
	_, err := store.Upsert(context.Background(), ev, func(existing *eventstore.Event) (eventstore.Event, eventstore.Outcome) {
		sawExisting = existing != nil
		if existing != nil {
			next := ev
			next.ID = existing.ID
			next.CreatedAt = existing.CreatedAt
			next.LastScrapedAt = existing.LastScrapedAt
			return next, eventstore.OutcomeUpdated
		}
		return ev, eventstore.OutcomeInserted
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sawExisting {
		t.Error("lookup by source_url did not find the stored record")
	}

	all, err := store.List(context.Background(), eventstore.QueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d records, want 1", len(all))
	}
	if *all[0].Title != "B" {
		t.Errorf("Title = %q, want B", *all[0].Title)
	}
}

func TestGet_NotFound(t *testing.T) {
	store := openTestStore(t)
	for _, id := range []string{"999", "abc", "", "-1"} {
		got, err := store.Get(context.Background(), id)
		if err != nil {
			t.Errorf("Get(%q): %v", id, err)
		}
		if got != nil {
			t.Errorf("Get(%q) = %+v, want nil", id, got)
		}
	}
}

func TestList_Filters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	d := func(day int) *time.Time { return timep(time.Date(2025, 3, day, 19, 0, 0, 0, time.UTC)) }

	jazz := insertEvent(t, store, eventstore.Event{Title: strp("Jazz Night"), Description: strp("smooth saxophone"), Venue: strp("The Hall"), StartTime: d(3)})
	rock := insertEvent(t, store, eventstore.Event{Title: strp("Rock Show"), Venue: strp("Parramatta Arena"), StartTime: d(1)})
	film := insertEvent(t, store, eventstore.Event{Title: strp("Film Night"), City: "Melbourne", StartTime: d(2)})
	undated := insertEvent(t, store, eventstore.Event{Title: strp("Someday Market")})

	ids := func(events []eventstore.Event) []string {
		out := make([]string, len(events))
		for i, e := range events {
			out[i] = e.ID
		}
		return out
	}
	check := func(name string, opts eventstore.QueryOpts, want ...string) {
		t.Helper()
		got, err := store.List(ctx, opts)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		g := ids(got)
		if len(g) != len(want) {
			t.Errorf("%s: got %v, want %v", name, g, want)
			return
		}
		for i := range want {
			if g[i] != want[i] {
				t.Errorf("%s: got %v, want %v", name, g, want)
				return
			}
		}
	}

	check("all ordered by start, undated last", eventstore.QueryOpts{}, rock, film, jazz, undated)
	check("text query title", eventstore.QueryOpts{Query: "night"}, film, jazz)
	check("text query description", eventstore.QueryOpts{Query: "saxophone"}, jazz)
	check("text query operators are literal", eventstore.QueryOpts{Query: `jazz OR rock`})
	check("city matches city", eventstore.QueryOpts{City: "melb"}, film)
	check("city matches venue", eventstore.QueryOpts{City: "parramatta"}, rock)
	check("city default", eventstore.QueryOpts{City: "Sydney"}, rock, jazz, undated)
	check("from", eventstore.QueryOpts{From: d(2)}, film, jazz)
	check("to", eventstore.QueryOpts{To: d(2)}, rock, film)
	check("limit offset", eventstore.QueryOpts{Limit: 2, Offset: 1}, film, jazz)
	check("offset only", eventstore.QueryOpts{Offset: 3}, undated)

	if err := store.MarkImported(ctx, rock, eventstore.ImportMark{By: "admin", At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	check("status", eventstore.QueryOpts{Status: eventstore.StatusImported}, rock)
}

func TestMarkImported(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := insertEvent(t, store, eventstore.Event{Title: strp("Jazz Night")})
	at := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)

	if err := store.MarkImported(ctx, id, eventstore.ImportMark{By: "ops@example.com", At: at, Notes: strp("featured")}); err != nil {
		t.Fatal(err)
	}
	// Repeating without notes keeps the stored notes.
	if err := store.MarkImported(ctx, id, eventstore.ImportMark{By: "ops@example.com", At: at}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != eventstore.StatusImported {
		t.Errorf("Status = %s", got.Status)
	}
	if got.ImportedBy == nil || *got.ImportedBy != "ops@example.com" {
		t.Errorf("ImportedBy = %v", got.ImportedBy)
	}
	if got.ImportedAt == nil || !got.ImportedAt.Equal(at) {
		t.Errorf("ImportedAt = %v", got.ImportedAt)
	}
	if got.ImportNotes == nil || *got.ImportNotes != "featured" {
		t.Errorf("ImportNotes = %v", got.ImportNotes)
	}
}

func TestMarkImported_NotFound(t *testing.T) {
	store := openTestStore(t)
	for _, id := range []string{"42", "nope"} {
		err := store.MarkImported(context.Background(), id, eventstore.ImportMark{By: "admin", At: time.Now()})
		if !errors.Is(err, eventstore.ErrNotFound) {
			t.Errorf("MarkImported(%q) err = %v, want ErrNotFound", id, err)
		}
	}
}

func TestAddSubscription(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := insertEvent(t, store, eventstore.Event{Title: strp("Jazz Night")})

	subID, err := store.AddSubscription(ctx, eventstore.Subscription{EventID: id, Email: "a@example.com", Consent: true})
	if err != nil {
		t.Fatal(err)
	}
	if subID == "" {
		t.Error("empty subscription id")
	}

	_, err = store.AddSubscription(ctx, eventstore.Subscription{EventID: "999", Email: "a@example.com", Consent: true})
	if !errors.Is(err, eventstore.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestActiveAndCountByStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := insertEvent(t, store, eventstore.Event{Title: strp("A")})
	insertEvent(t, store, eventstore.Event{Title: strp("B"), LastScrapedAt: old, CreatedAt: old})
	c := insertEvent(t, store, eventstore.Event{Title: strp("C")})

	n, err := store.MarkInactive(ctx, "", old.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("marked %d, want 1", n)
	}

	active, err := store.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].ID != a || active[1].ID != c {
		t.Errorf("Active = %v, want [%s %s] in insertion order", active, a, c)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[eventstore.StatusNew] != 2 || counts[eventstore.StatusInactive] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestStore_ClosedDBIsUnavailable(t *testing.T) {
	db := openTestDB(t)
	store, err := eventstore.NewSQLiteStore(db)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	_, err = store.MarkInactive(context.Background(), "x", time.Now())
	if !errors.Is(err, eventstore.ErrStoreUnavailable) {
		t.Errorf("err = %v, want ErrStoreUnavailable", err)
	}
	_, err = eventstore.NewReconciler(store).Reconcile(context.Background(), eventstore.RawItem{Title: strp("x")}, "src")
	if !errors.Is(err, eventstore.ErrStoreUnavailable) {
		t.Errorf("reconcile err = %v, want ErrStoreUnavailable", err)
	}
}
