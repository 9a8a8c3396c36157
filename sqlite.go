package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

const schemaVersion = 3

// eventColumns is the canonical SELECT list for event queries.
const eventColumns = `id, title, start_time, venue, city, description, tags, image_url, source_url, source_name, status, checksum, created_at, last_scraped_at, imported_by, imported_at, import_notes`

// SQLiteStore implements Store backed by a caller-provided SQLite database.
// It creates eventstore_* tables and uses its own version tracking table so it
// doesn't conflict with any other schema in the same database.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore creates a new event store using the given database connection.
// It creates eventstore_* tables if needed and runs any pending migrations.
// The caller is responsible for opening and configuring the database
// (WAL mode, busy timeout, connection limits, etc.).
//
// The fingerprint version is recorded on first open. Opening a database whose
// checksums were computed under a different FingerprintVersion fails, since
// every stored record would otherwise look changed on its next scrape.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("eventstore: migration: %w", err)
	}
	if err := s.validateFingerprint(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS eventstore_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM eventstore_version").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		version = 0
	} else if err != nil {
		return fmt.Errorf("reading version: %w", err)
	}

	if version >= schemaVersion {
		return nil
	}

	if version < 1 {
		if err := s.migrateV1(); err != nil {
			return err
		}
	}

	if version < 2 {
		if err := s.migrateV2(); err != nil {
			return err
		}
	}

	if version < 3 {
		if err := s.migrateV3(); err != nil {
			return err
		}
	}

	if version == 0 {
		_, err = s.db.Exec("INSERT INTO eventstore_version (version) VALUES (?)", schemaVersion)
	} else {
		_, err = s.db.Exec("UPDATE eventstore_version SET version = ?", schemaVersion)
	}
	return err
}

func (s *SQLiteStore) migrateV1() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS eventstore_events (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			title           TEXT,
			start_time      TEXT,
			venue           TEXT,
			city            TEXT NOT NULL,
			description     TEXT,
			tags            TEXT NOT NULL DEFAULT '[]',
			image_url       TEXT,
			source_url      TEXT,
			source_name     TEXT NOT NULL,
			status          TEXT NOT NULL,
			checksum        TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			last_scraped_at TEXT NOT NULL,
			imported_by     TEXT,
			imported_at     TEXT,
			import_notes    TEXT
		)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS eventstore_events_fts USING fts5(
			title, venue, description,
			content='eventstore_events', content_rowid='id'
		)`,

		// FTS sync triggers (ai/ad/au pattern). The update trigger only fires
		// on content columns so scrape-time bookkeeping stays cheap.
		`CREATE TRIGGER IF NOT EXISTS eventstore_events_ai AFTER INSERT ON eventstore_events BEGIN
			INSERT INTO eventstore_events_fts(rowid, title, venue, description)
			VALUES (new.id, new.title, new.venue, new.description);
		END`,

		`CREATE TRIGGER IF NOT EXISTS eventstore_events_ad AFTER DELETE ON eventstore_events BEGIN
			INSERT INTO eventstore_events_fts(eventstore_events_fts, rowid, title, venue, description)
			VALUES ('delete', old.id, old.title, old.venue, old.description);
		END`,

		`CREATE TRIGGER IF NOT EXISTS eventstore_events_au AFTER UPDATE OF title, venue, description ON eventstore_events BEGIN
			INSERT INTO eventstore_events_fts(eventstore_events_fts, rowid, title, venue, description)
			VALUES ('delete', old.id, old.title, old.venue, old.description);
			INSERT INTO eventstore_events_fts(rowid, title, venue, description)
			VALUES (new.id, new.title, new.venue, new.description);
		END`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_eventstore_source_url ON eventstore_events(source_url) WHERE source_url IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_eventstore_checksum ON eventstore_events(checksum)`,
		`CREATE INDEX IF NOT EXISTS idx_eventstore_source_scraped ON eventstore_events(source_name, last_scraped_at)`,
		`CREATE INDEX IF NOT EXISTS idx_eventstore_status ON eventstore_events(status)`,
		`CREATE INDEX IF NOT EXISTS idx_eventstore_start ON eventstore_events(start_time)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("eventstore schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrateV2() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS eventstore_subscriptions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id   INTEGER NOT NULL REFERENCES eventstore_events(id),
			email      TEXT NOT NULL,
			consent    INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_eventstore_sub_event ON eventstore_subscriptions(event_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("eventstore V2 migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrateV3() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS eventstore_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating meta table: %w", err)
	}
	return nil
}

// validateFingerprint records FingerprintVersion on first open and rejects
// databases written under a different version.
func (s *SQLiteStore) validateFingerprint() error {
	want := strconv.Itoa(FingerprintVersion)
	var stored string
	err := s.db.QueryRow(`SELECT value FROM eventstore_meta WHERE key = 'fingerprint_version'`).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO eventstore_meta (key, value) VALUES ('fingerprint_version', ?)`, want); err != nil {
			return fmt.Errorf("eventstore: recording fingerprint version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("eventstore: reading fingerprint version: %w", err)
	}
	if stored != want {
		return fmt.Errorf("eventstore: fingerprint version mismatch: store has %s, code provides %s", stored, want)
	}
	return nil
}

// Upsert implements Store. The lookup, decision and write share one
// transaction under the store's write lock.
func (s *SQLiteStore) Upsert(ctx context.Context, ev Event, decide DecideFunc) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storeErr("beginning transaction", err)
	}
	defer tx.Rollback()

	var row *sql.Row
	if ev.SourceURL != nil && *ev.SourceURL != "" {
		row = tx.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM eventstore_events WHERE source_url = ?`, *ev.SourceURL)
	} else {
		row = tx.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM eventstore_events WHERE checksum = ? ORDER BY id LIMIT 1`, ev.Checksum)
	}
	existing, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		existing = nil
	} else if err != nil {
		return "", storeErr("looking up event", err)
	}

	next, outcome := decide(existing)

	if existing == nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO eventstore_events (title, start_time, venue, city, description, tags, image_url, source_url, source_name, status, checksum, created_at, last_scraped_at, imported_by, imported_at, import_notes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eventArgs(next)...,
		)
		if err != nil {
			return "", storeErr("inserting event", err)
		}
	} else {
		rowID, _ := parseRowID(existing.ID)
		args := append(eventArgs(next), rowID)
		_, err = tx.ExecContext(ctx,
			`UPDATE eventstore_events SET title = ?, start_time = ?, venue = ?, city = ?, description = ?, tags = ?,
			        image_url = ?, source_url = ?, source_name = ?, status = ?, checksum = ?, created_at = ?,
			        last_scraped_at = ?, imported_by = ?, imported_at = ?, import_notes = ?
			 WHERE id = ?`,
			args...,
		)
		if err != nil {
			return "", storeErr("updating event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", storeErr("committing event", err)
	}
	return outcome, nil
}

// MarkInactive implements Store.
func (s *SQLiteStore) MarkInactive(ctx context.Context, sourceName string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := `UPDATE eventstore_events SET status = 'inactive'
	      WHERE last_scraped_at < ? AND status NOT IN ('imported', 'inactive')`
	args := []any{formatTime(cutoff)}
	if sourceName != "" {
		q += ` AND source_name = ?`
		args = append(args, sourceName)
	}

	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, storeErr("marking inactive", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("checking rows affected", err)
	}
	return n, nil
}

// MarkImported implements Store.
func (s *SQLiteStore) MarkImported(ctx context.Context, id string, imp ImportMark) error {
	n, ok := parseRowID(id)
	if !ok {
		return fmt.Errorf("eventstore: event %q: %w", id, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE eventstore_events
		 SET status = 'imported', imported_by = ?, imported_at = ?, import_notes = COALESCE(?, import_notes)
		 WHERE id = ?`,
		imp.By, formatTime(imp.At), imp.Notes, n,
	)
	if err != nil {
		return storeErr(fmt.Sprintf("importing event %s", id), err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("checking import result", err)
	}
	if rows == 0 {
		return fmt.Errorf("eventstore: event %q: %w", id, ErrNotFound)
	}
	return nil
}

// AddSubscription implements Store. Returns ErrNotFound if the event does
// not exist.
func (s *SQLiteStore) AddSubscription(ctx context.Context, sub Subscription) (string, error) {
	eventID, ok := parseRowID(sub.EventID)
	if !ok {
		return "", fmt.Errorf("eventstore: event %q: %w", sub.EventID, ErrNotFound)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM eventstore_events WHERE id = ?`, eventID).Scan(&exists)
	if err != nil {
		return "", storeErr("checking event", err)
	}
	if exists == 0 {
		return "", fmt.Errorf("eventstore: event %q: %w", sub.EventID, ErrNotFound)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO eventstore_subscriptions (event_id, email, consent, created_at) VALUES (?, ?, ?, ?)`,
		eventID, sub.Email, sub.Consent, formatTime(sub.CreatedAt),
	)
	if err != nil {
		return "", storeErr("inserting subscription", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return "", storeErr("getting subscription id", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// Get retrieves a single event by ID. Returns nil if not found.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Event, error) {
	n, ok := parseRowID(id)
	if !ok {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM eventstore_events WHERE id = ?`, n)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(fmt.Sprintf("getting event %s", id), err)
	}
	return ev, nil
}

// List returns events matching the given filters, ordered by start time.
// Events without a start time sort last.
func (s *SQLiteStore) List(ctx context.Context, opts QueryOpts) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT ` + eventColumns + ` FROM eventstore_events WHERE 1=1`
	var args []any

	if fts := quoteFTSQuery(opts.Query); fts != "" {
		q += ` AND id IN (SELECT rowid FROM eventstore_events_fts WHERE eventstore_events_fts MATCH ?)`
		args = append(args, fts)
	}
	if opts.City != "" {
		pattern := "%" + escapeLike(opts.City) + "%"
		q += ` AND (city LIKE ? ESCAPE '\' OR venue LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern)
	}
	if opts.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.From != nil {
		q += ` AND start_time >= ?`
		args = append(args, formatTime(*opts.From))
	}
	if opts.To != nil {
		q += ` AND start_time <= ?`
		args = append(args, formatTime(*opts.To))
	}

	q += ` ORDER BY start_time IS NULL, start_time, id`

	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("listing events", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Active implements Store.
func (s *SQLiteStore) Active(ctx context.Context) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM eventstore_events WHERE status != 'inactive' ORDER BY id`)
	if err != nil {
		return nil, storeErr("listing active events", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountByStatus returns the number of stored events per status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM eventstore_events GROUP BY status`)
	if err != nil {
		return nil, storeErr("counting events", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, storeErr("scanning count", err)
		}
		counts[Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating counts", err)
	}
	return counts, nil
}

// Close is a no-op; the caller owns the database connection.
func (s *SQLiteStore) Close() error {
	return nil
}

// storeErr wraps a backend failure. Context cancellation passes through
// unclassified; everything else is reported as ErrStoreUnavailable.
func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("eventstore: %s: %w", op, err)
	}
	return fmt.Errorf("eventstore: %s: %w: %w", op, ErrStoreUnavailable, err)
}

func parseRowID(id string) (int64, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// escapeLike escapes LIKE wildcards so user input matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// quoteFTSQuery makes a raw string safe for use in an FTS5 MATCH expression.
// Each word is individually double-quoted (with internal quotes escaped) so
// FTS5 treats them as literal terms joined by implicit AND, without interpreting
// any special syntax (column prefixes, boolean operators, etc.).
func quoteFTSQuery(raw string) string {
	words := strings.Fields(raw)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		escaped := strings.ReplaceAll(w, `"`, `""`)
		quoted = append(quoted, `"`+escaped+`"`)
	}
	return strings.Join(quoted, " ")
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

// eventArgs returns the column values of ev in eventColumns order, minus id.
func eventArgs(ev Event) []any {
	tags := ev.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, _ := json.Marshal(tags)
	return []any{
		ev.Title, nullTime(ev.StartTime), ev.Venue, ev.City, ev.Description,
		string(tagsJSON), ev.ImageURL, ev.SourceURL, ev.SourceName,
		string(ev.Status), ev.Checksum, formatTime(ev.CreatedAt), formatTime(ev.LastScrapedAt),
		ev.ImportedBy, nullTime(ev.ImportedAt), ev.ImportNotes,
	}
}

// scanner abstracts *sql.Row and *sql.Rows for scanEvent.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var ev Event
	var id int64
	var title, startTime, venue, description, imageURL, sourceURL sql.NullString
	var importedBy, importedAt, importNotes sql.NullString
	var tags, status, createdAt, lastScrapedAt string

	err := row.Scan(
		&id, &title, &startTime, &venue, &ev.City, &description, &tags,
		&imageURL, &sourceURL, &ev.SourceName, &status, &ev.Checksum,
		&createdAt, &lastScrapedAt, &importedBy, &importedAt, &importNotes,
	)
	if err != nil {
		return nil, err
	}

	ev.ID = strconv.FormatInt(id, 10)
	ev.Title = nullString(title)
	ev.Venue = nullString(venue)
	ev.Description = nullString(description)
	ev.ImageURL = nullString(imageURL)
	ev.SourceURL = nullString(sourceURL)
	ev.ImportedBy = nullString(importedBy)
	ev.ImportNotes = nullString(importNotes)
	if startTime.Valid {
		t := parseTime(startTime.String)
		ev.StartTime = &t
	}
	if importedAt.Valid {
		t := parseTime(importedAt.String)
		ev.ImportedAt = &t
	}
	if err := json.Unmarshal([]byte(tags), &ev.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if len(ev.Tags) == 0 {
		ev.Tags = nil
	}
	ev.Status = Status(status)
	ev.CreatedAt = parseTime(createdAt)
	ev.LastScrapedAt = parseTime(lastScrapedAt)

	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: scanning event: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating events", err)
	}
	return events, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
