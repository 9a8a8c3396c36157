package eventstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/hemant07j07/eventstore"
)

func TestExportEmpty(t *testing.T) {
	data, err := eventstore.Export(context.Background(), openTestStore(t))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if data.Version != 1 {
		t.Errorf("version = %d, want 1", data.Version)
	}
	if data.FingerprintVersion != eventstore.FingerprintVersion {
		t.Errorf("fingerprint version = %d", data.FingerprintVersion)
	}
	if data.Events == nil || len(data.Events) != 0 {
		t.Errorf("events = %v, want empty", data.Events)
	}
	if data.ExportedAt.IsZero() {
		t.Error("expected non-zero ExportedAt")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := openTestStore(t)
	ctx := context.Background()
	clock := newFakeClock(t0)
	r := eventstore.NewReconciler(src, eventstore.WithClock(clock.Now))

	items := []eventstore.RawItem{
		{Title: strp("Jazz Night"), Venue: strp("The Hall"), Tags: []string{"jazz"}, SourceURL: strp("https://x/e/1")},
		{Title: strp("Rock Show"), StartTime: timep(time.Date(2025, 4, 1, 20, 0, 0, 0, time.UTC))},
	}
	for _, it := range items {
		if _, err := r.Reconcile(ctx, it, "whatson"); err != nil {
			t.Fatal(err)
		}
	}
	all, _ := src.List(ctx, eventstore.QueryOpts{Query: "jazz"})
	if err := src.MarkImported(ctx, all[0].ID, eventstore.ImportMark{By: "ops@example.com", At: t0, Notes: strp("front page")}); err != nil {
		t.Fatal(err)
	}

	data, err := eventstore.Export(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	var decoded eventstore.ExportData
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	dst := openTestStore(t)
	res, err := eventstore.Import(ctx, dst, &decoded, eventstore.ImportOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Imported != 2 || res.Replaced != 0 || res.Skipped != 0 {
		t.Errorf("result = %+v", res)
	}

	got, err := dst.List(ctx, eventstore.QueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	want, _ := src.List(ctx, eventstore.QueryOpts{})
	if len(got) != len(want) {
		t.Fatalf("imported %d events, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.Checksum != w.Checksum || g.Status != w.Status || !g.CreatedAt.Equal(w.CreatedAt) {
			t.Errorf("event %d = %+v, want %+v", i, g, w)
		}
		if (w.ImportedBy == nil) != (g.ImportedBy == nil) {
			t.Errorf("event %d ImportedBy = %v, want %v", i, g.ImportedBy, w.ImportedBy)
		}
	}
}

func TestImport_Duplicates(t *testing.T) {
	ctx := context.Background()
	dst := openTestStore(t)
	seedEvent(t, dst, eventstore.RawItem{Title: strp("Jazz Night"), SourceURL: strp("https://x/e/1")}, "whatson")

	data := &eventstore.ExportData{
		Version: 1,
		Events: []eventstore.Event{{
			Title:      strp("Jazz Night (moved)"),
			SourceURL:  strp("https://x/e/1"),
			SourceName: "whatson",
			Status:     eventstore.StatusUpdated,
		}},
	}

	res, err := eventstore.Import(ctx, dst, data, eventstore.ImportOpts{SkipDuplicates: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 {
		t.Errorf("skip result = %+v", res)
	}
	if ev := onlyEvent(t, dst); *ev.Title != "Jazz Night" {
		t.Errorf("skipped import changed title to %q", *ev.Title)
	}

	res, err = eventstore.Import(ctx, dst, data, eventstore.ImportOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Replaced != 1 {
		t.Errorf("replace result = %+v", res)
	}
	ev := onlyEvent(t, dst)
	if *ev.Title != "Jazz Night (moved)" || ev.Status != eventstore.StatusUpdated {
		t.Errorf("replaced event = %+v", ev)
	}
	if ev.City != eventstore.DefaultCity {
		t.Errorf("City = %q, want default", ev.City)
	}
}

func TestImport_Rejects(t *testing.T) {
	ctx := context.Background()
	dst := openTestStore(t)

	if _, err := eventstore.Import(ctx, dst, &eventstore.ExportData{Version: 99}, eventstore.ImportOpts{}); err == nil {
		t.Error("expected error for unknown version")
	}
	bad := &eventstore.ExportData{Version: 1, Events: []eventstore.Event{{Title: strp("x"), Status: "archived"}}}
	if _, err := eventstore.Import(ctx, dst, bad, eventstore.ImportOpts{}); err == nil {
		t.Error("expected error for invalid status")
	}
}
