// Package postgres is the PostgreSQL sink.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"calembed/internal/models"
	"calembed/internal/sink"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is embedded so the sink can bootstrap its table.
//
//go:embed schema.sql
var schemaSQL string

// Store writes embedding records to one PostgreSQL table.
type Store struct {
	pool  *pgxpool.Pool
	table string

	mu sync.RWMutex
	// columns caches the udt names used to encode values.
	columns sink.Columns
}

// Open creates a connection pool and fails fast if the database is unreachable.
func Open(ctx context.Context, dbURL, table string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", models.ErrStorage, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %w", models.ErrStorage, err)
	}

	return &Store{pool: pool, table: table}, nil
}

// EnsureSchema applies schema.sql to the configured table. Safe to run multiple times.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, table := splitTable(s.table)
	ddl := strings.NewReplacer(
		"{{table}}", quote(s.table),
		"{{index}}", pgx.Identifier{table + "_calendar_start_idx"}.Sanitize(),
	).Replace(schemaSQL)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("%w: ensure schema: %w", models.ErrStorage, err)
	}
	s.mu.Lock()
	s.columns = nil
	s.mu.Unlock()
	return nil
}

// Columns reads the table's columns from information_schema. The value of each
// entry is the udt name (e.g. "text", "_text", "_float4", "vector").
func (s *Store) Columns(ctx context.Context) (sink.Columns, error) {
	schema, table := splitTable(s.table)
	rows, err := s.pool.Query(ctx, `
		SELECT column_name, udt_name
		FROM information_schema.columns
		WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
		  AND table_name = $2
	`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("%w: list columns: %w", models.ErrStorage, err)
	}
	defer rows.Close()

	cols := sink.Columns{}
	for rows.Next() {
		var name, udt string
		if err := rows.Scan(&name, &udt); err != nil {
			return nil, fmt.Errorf("%w: scan column: %w", models.ErrStorage, err)
		}
		cols[name] = udt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list columns: %w", models.ErrStorage, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: table %s not found", models.ErrStorage, s.table)
	}

	s.mu.Lock()
	s.columns = cols
	s.mu.Unlock()
	return cols, nil
}

// Upsert writes rows in one transaction. Rows replace existing rows with the same id.
func (s *Store) Upsert(ctx context.Context, rows []sink.Row) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.RLock()
	cols := s.columns
	s.mu.RUnlock()
	if cols == nil {
		var err error
		if cols, err = s.Columns(ctx); err != nil {
			return err
		}
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		keys, err := sink.Keys(row)
		if err != nil {
			return err
		}
		args := make([]any, len(keys))
		for i, k := range keys {
			v, err := encodeValue(cols[k], row[k])
			if err != nil {
				return fmt.Errorf("%w: encode %s: %w", models.ErrStorage, k, err)
			}
			args[i] = v
		}
		batch.Queue(sink.UpsertStatement(s.table, keys, quote, placeholder), args...)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", models.ErrStorage, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: upsert %d rows: %w", models.ErrStorage, len(rows), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", models.ErrStorage, err)
	}
	return nil
}

// Ping is used by the readiness endpoint to validate DB connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// encodeValue adapts a row value to the column type. Vectors become pgvector
// literals for vector columns; json columns get marshaled values.
func encodeValue(udt string, v any) (any, error) {
	switch udt {
	case "vector":
		if vec, ok := v.([]float32); ok {
			return vectorLiteral(vec), nil
		}
	case "json", "jsonb":
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}

// vectorLiteral renders vec in pgvector's text format, e.g. "[0.1,-0.2]".
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// quote renders a possibly schema-qualified identifier.
func quote(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func splitTable(name string) (schema, table string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func init() {
	sink.Register("postgres", func(ctx context.Context, dsn, table string) (sink.Sink, error) {
		st, err := Open(ctx, dsn, table)
		if err != nil {
			return nil, err
		}
		return st, nil
	})
}
