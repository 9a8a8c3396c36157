package eventstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

const pgvectorBackend = "pgvector"

// PGVectorIndex stores each build in its own PostgreSQL table with a
// pgvector column. A single-row meta table names the live table; a rebuild
// creates the new table, points the meta row at it and drops the old one in
// one transaction.
type PGVectorIndex struct {
	pool          *pgxpool.Pool
	hnswThreshold int
}

// NewPGVectorIndex connects to dsn, ensuring the vector extension and the
// meta table exist. Builds with at least hnswThreshold rows get an HNSW
// index (0 disables it and keeps scoring exact).
func NewPGVectorIndex(ctx context.Context, dsn string, hnswThreshold int) (*PGVectorIndex, error) {
	if dsn == "" {
		return nil, errors.New("eventstore: pgvector: empty DSN")
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: pgvector: connecting: %w", err)
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS eventstore_index_meta (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			table_name TEXT NOT NULL,
			model      TEXT NOT NULL,
			dim        INTEGER NOT NULL,
			row_count  INTEGER NOT NULL,
			hnsw       BOOLEAN NOT NULL,
			built_at   TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			conn.Close(ctx)
			return nil, fmt.Errorf("eventstore: pgvector schema: %w", err)
		}
	}
	conn.Close(ctx)

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: pgvector: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("eventstore: pgvector: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventstore: pgvector: ping: %w", err)
	}
	return &PGVectorIndex{pool: pool, hnswThreshold: hnswThreshold}, nil
}

// Backend implements Index.
func (p *PGVectorIndex) Backend() string { return pgvectorBackend }

// Close implements Index.
func (p *PGVectorIndex) Close() error {
	p.pool.Close()
	return nil
}

// Replace implements Index.
func (p *PGVectorIndex) Replace(ctx context.Context, model string, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("eventstore: pgvector: %d ids for %d vectors", len(ids), len(vectors))
	}
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("eventstore: pgvector: vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	builtAt := time.Now().UTC()
	table := fmt.Sprintf("eventstore_index_%d", builtAt.UnixNano())
	colType := "vector"
	if dim > 0 {
		colType = fmt.Sprintf("vector(%d)", dim)
	}
	useHNSW := p.hnswThreshold > 0 && dim > 0 && len(ids) >= p.hnswThreshold

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: pgvector: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ident := pgx.Identifier{table}.Sanitize()
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE %s (row_idx INTEGER PRIMARY KEY, event_id TEXT NOT NULL, embedding %s NOT NULL)`,
		ident, colType)); err != nil {
		return fmt.Errorf("eventstore: pgvector: creating table: %w", err)
	}

	if len(ids) > 0 {
		_, err = tx.CopyFrom(ctx, pgx.Identifier{table}, []string{"row_idx", "event_id", "embedding"},
			pgx.CopyFromSlice(len(ids), func(i int) ([]any, error) {
				return []any{i, ids[i], pgvector.NewVector(vectors[i])}, nil
			}))
		if err != nil {
			return fmt.Errorf("eventstore: pgvector: copying vectors: %w", err)
		}
	}

	if useHNSW {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE INDEX ON %s USING hnsw (embedding vector_ip_ops)`, ident)); err != nil {
			return fmt.Errorf("eventstore: pgvector: creating hnsw index: %w", err)
		}
	}

	var old string
	err = tx.QueryRow(ctx, `SELECT table_name FROM eventstore_index_meta WHERE id = 1 FOR UPDATE`).Scan(&old)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("eventstore: pgvector: reading meta: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO eventstore_index_meta (id, table_name, model, dim, row_count, hnsw, built_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET table_name = EXCLUDED.table_name, model = EXCLUDED.model,
		   dim = EXCLUDED.dim, row_count = EXCLUDED.row_count, hnsw = EXCLUDED.hnsw, built_at = EXCLUDED.built_at`,
		table, model, dim, len(ids), useHNSW, builtAt)
	if err != nil {
		return fmt.Errorf("eventstore: pgvector: writing meta: %w", err)
	}

	if old != "" && old != table {
		if _, err := tx.Exec(ctx, `DROP TABLE IF EXISTS `+pgx.Identifier{old}.Sanitize()); err != nil {
			return fmt.Errorf("eventstore: pgvector: dropping %s: %w", old, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("eventstore: pgvector: commit: %w", err)
	}
	return nil
}

type pgMeta struct {
	table string
	snap  Snapshot
	hnsw  bool
}

func (p *PGVectorIndex) meta(ctx context.Context) (*pgMeta, error) {
	var m pgMeta
	err := p.pool.QueryRow(ctx,
		`SELECT table_name, model, dim, row_count, hnsw, built_at FROM eventstore_index_meta WHERE id = 1`,
	).Scan(&m.table, &m.snap.Model, &m.snap.Dim, &m.snap.Rows, &m.hnsw, &m.snap.BuiltAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: pgvector: reading meta: %w", err)
	}
	m.snap.Backend = pgvectorBackend
	m.snap.BuiltAt = m.snap.BuiltAt.UTC()
	return &m, nil
}

// Stat implements Index.
func (p *PGVectorIndex) Stat(ctx context.Context) (*Snapshot, error) {
	m, err := p.meta(ctx)
	if err != nil || m == nil {
		return nil, err
	}
	return &m.snap, nil
}

// Load implements Index.
func (p *PGVectorIndex) Load(ctx context.Context) (*Snapshot, []string, error) {
	for attempt := 0; ; attempt++ {
		m, err := p.meta(ctx)
		if err != nil || m == nil {
			return nil, nil, err
		}
		rows, err := p.pool.Query(ctx, `SELECT event_id FROM `+pgx.Identifier{m.table}.Sanitize()+` ORDER BY row_idx`)
		if err == nil {
			var ids []string
			ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
			if err == nil {
				return &m.snap, ids, nil
			}
		}
		if attempt == 0 && isUndefinedTable(err) {
			continue // rebuilt between reading meta and the table
		}
		return nil, nil, fmt.Errorf("eventstore: pgvector: loading mapping: %w", err)
	}
}

// Query implements Index.
func (p *PGVectorIndex) Query(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	for attempt := 0; ; attempt++ {
		m, err := p.meta(ctx)
		if err != nil || m == nil {
			return nil, err
		}
		if m.snap.Rows == 0 || k <= 0 {
			return []Hit{}, nil
		}
		if len(vec) != m.snap.Dim {
			return nil, fmt.Errorf("eventstore: pgvector: query dimension %d, index dimension %d", len(vec), m.snap.Dim)
		}

		hits, err := p.query(ctx, m, vec, k)
		if err == nil {
			return hits, nil
		}
		if attempt == 0 && isUndefinedTable(err) {
			continue
		}
		return nil, fmt.Errorf("eventstore: pgvector: query: %w", err)
	}
}

// hnswMaxEfSearch is the largest hnsw.ef_search pgvector accepts.
const hnswMaxEfSearch = 1000

func (p *PGVectorIndex) query(ctx context.Context, m *pgMeta, vec []float32, k int) ([]Hit, error) {
	// <#> is the negative inner product. An HNSW scan is only chosen when
	// ordering by distance alone.
	order := `embedding <#> $1, row_idx`
	if m.hnsw {
		order = `embedding <#> $1`
	}
	sql := `SELECT row_idx, event_id, (embedding <#> $1) * -1 FROM ` + pgx.Identifier{m.table}.Sanitize() +
		` ORDER BY ` + order + ` LIMIT $2`

	if !m.hnsw {
		rows, err := p.pool.Query(ctx, sql, pgvector.NewVector(vec), k)
		if err != nil {
			return nil, err
		}
		return collectHits(rows)
	}

	// An HNSW scan yields at most ef_search candidates, so ef_search is
	// raised to k for this transaction only.
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	ef := min(max(k, 40), hnswMaxEfSearch)
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", ef)); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, sql, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, err
	}
	hits, err := collectHits(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return hits, nil
}

func collectHits(rows pgx.Rows) ([]Hit, error) {
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var h Hit
		err := row.Scan(&h.Row, &h.ID, &h.Score)
		return h, err
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(hits, func(a, b Hit) int {
		if better(a, b) {
			return -1
		}
		if better(b, a) {
			return 1
		}
		return 0
	})
	return hits, nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
