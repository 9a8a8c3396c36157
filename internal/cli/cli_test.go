package cli

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant07j07/eventstore"
)

const listing = `<html><body>
<div class="event-card">
  <a class="event-link" href="/events/jazz"><span class="event-title">Jazz Night</span></a>
  <span class="event-time">Sat 1 March 2025</span>
  <p class="event-desc">Live jazz, jazz and more jazz</p>
</div>
<div class="event-card">
  <a class="event-link" href="/events/rock"><span class="event-title">Rock Concert</span></a>
  <p class="event-desc">Loud guitars</p>
</div>
</body></html>`

// testEnv writes a config pointing at a fresh database, index directory and
// a local listing server.
func testEnv(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listing))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := fmt.Sprintf(`
store:
  sqlite_path: %s
index:
  backend: flat
  dir: %s
embed:
  dim: 128
http:
  addr: 127.0.0.1:0
ingest:
  sources:
    - name: local
      url: %s/whats-on
`, filepath.Join(dir, "events.db"), filepath.Join(dir, "index"), srv.URL)
	path := filepath.Join(dir, "eventstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, ctx context.Context, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", cfgPath, "--log-level", "disabled"}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"scrape", "sweep", "index", "recommend", "import-event", "export", "import", "serve"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	sub, _, err := cmd.Find([]string{"index", "build"})
	require.NoError(t, err)
	assert.Equal(t, "build", sub.Name())
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	f := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, f)
	assert.Equal(t, "text", f.DefValue)
	assert.Equal(t, "c", cmd.PersistentFlags().Lookup("config").Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, context.Background(), testEnv(t), "--format", "xml", "sweep")
	assert.ErrorContains(t, err, "invalid format")
}

func TestScrapeIndexRecommend(t *testing.T) {
	cfg := testEnv(t)
	ctx := context.Background()

	out, err := run(t, ctx, cfg, "scrape")
	require.NoError(t, err)
	assert.Contains(t, out, "inserted=2")

	out, err = run(t, ctx, cfg, "scrape", "--source", "local")
	require.NoError(t, err)
	assert.Contains(t, out, "unchanged=2")

	_, err = run(t, ctx, cfg, "scrape", "--source", "nowhere")
	assert.ErrorContains(t, err, "unknown source")

	out, err = run(t, ctx, cfg, "index", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "not built")

	out, err = run(t, ctx, cfg, "index", "build")
	require.NoError(t, err)
	assert.Contains(t, out, "index: flat, 2 rows, dim 128")

	out, err = run(t, ctx, cfg, "--format", "json", "recommend", "--preferences", "jazz", "-k", "2")
	require.NoError(t, err)
	var recs []eventstore.Recommendation
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "Jazz Night", *recs[0].Event.Title)

	out, err = run(t, ctx, cfg, "recommend", "--event-id", recs[0].Event.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Rock Concert")

	_, err = run(t, ctx, cfg, "recommend")
	assert.Error(t, err, "one of --event-id or --preferences is required")
}

func TestExportImport(t *testing.T) {
	src := testEnv(t)
	ctx := context.Background()
	_, err := run(t, ctx, src, "scrape")
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "export.json")
	_, err = run(t, ctx, src, "export", "-o", file)
	require.NoError(t, err)

	dst := testEnv(t)
	out, err := run(t, ctx, dst, "import", file)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 2, replaced 0, skipped 0")

	out, err = run(t, ctx, dst, "import", "--skip-duplicates", file)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 0, replaced 0, skipped 2")

	out, err = run(t, ctx, dst, "export")
	require.NoError(t, err)
	var data eventstore.ExportData
	require.NoError(t, json.Unmarshal([]byte(out), &data))
	assert.Len(t, data.Events, 2)

	_, err = run(t, ctx, dst, "import", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "reading input")
}

func TestImportEvent(t *testing.T) {
	cfg := testEnv(t)
	ctx := context.Background()
	_, err := run(t, ctx, cfg, "scrape")
	require.NoError(t, err)

	out, err := run(t, ctx, cfg, "export")
	require.NoError(t, err)
	var data eventstore.ExportData
	require.NoError(t, json.Unmarshal([]byte(out), &data))
	require.NotEmpty(t, data.Events)
	id := data.Events[0].ID

	out, err = run(t, ctx, cfg, "import-event", id, "--by", "ops@example.com", "--notes", "  ")
	require.NoError(t, err)
	assert.Contains(t, out, "imported by ops@example.com")

	out, err = run(t, ctx, cfg, "--format", "json", "import-event", id)
	require.NoError(t, err)
	var ev eventstore.Event
	require.NoError(t, json.Unmarshal([]byte(out), &ev))
	assert.Equal(t, eventstore.StatusImported, ev.Status)
	require.NotNil(t, ev.ImportedBy)
	assert.Equal(t, "admin", *ev.ImportedBy)

	_, err = run(t, ctx, cfg, "import-event", "999999")
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
}

func TestSweep(t *testing.T) {
	cfg := testEnv(t)
	ctx := context.Background()
	_, err := run(t, ctx, cfg, "scrape")
	require.NoError(t, err)

	out, err := run(t, ctx, cfg, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "marked 0 record(s) inactive")

	time.Sleep(10 * time.Millisecond)
	out, err = run(t, ctx, cfg, "sweep", "--source", "local", "--stale-after", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, "marked 2 record(s) inactive")
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := testEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := run(t, ctx, cfg, "serve")
	assert.NoError(t, err)
}
