// Package sqlite is an embedded sink for local runs and tests.
//
// Slices (participants, vectors) are stored as JSON text and timestamps as RFC 3339.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"calembed/internal/models"
	"calembed/internal/sink"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

//go:embed schema.sql
var schemaSQL string

// DefaultDSN is used for a bare "sqlite:" URL.
const DefaultDSN = "file:calembed.sqlite?_pragma=busy_timeout(5000)"

// Store writes embedding records to one SQLite table.
type Store struct {
	db    *sql.DB
	table string
}

// Open opens the database at dsn. A "sqlite:" prefix is stripped.
func Open(ctx context.Context, dsn, table string) (*Store, error) {
	dsn = strings.TrimPrefix(dsn, "sqlite:")
	dsn = strings.TrimPrefix(dsn, "SQLITE:")
	if dsn == "" {
		dsn = DefaultDSN
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %w", models.ErrStorage, err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %w", models.ErrStorage, err)
	}
	return &Store{db: db, table: table}, nil
}

// EnsureSchema creates the table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{table}}", quote(s.table))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: ensure schema: %w", models.ErrStorage, err)
	}
	return nil
}

// Columns lists the table's columns with their declared types, lowercased.
func (s *Store) Columns(ctx context.Context) (sink.Columns, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?)`, s.table)
	if err != nil {
		return nil, fmt.Errorf("%w: list columns: %w", models.ErrStorage, err)
	}
	defer rows.Close()

	cols := sink.Columns{}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("%w: scan column: %w", models.ErrStorage, err)
		}
		cols[name] = strings.ToLower(typ)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list columns: %w", models.ErrStorage, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: table %s not found", models.ErrStorage, s.table)
	}
	return cols, nil
}

// Upsert writes rows in one transaction. Rows replace existing rows with the same id.
func (s *Store) Upsert(ctx context.Context, rows []sink.Row) (err error) {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", models.ErrStorage, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, row := range rows {
		keys, err := sink.Keys(row)
		if err != nil {
			return err
		}
		args := make([]any, len(keys))
		for i, k := range keys {
			v, err := encodeValue(row[k])
			if err != nil {
				return fmt.Errorf("%w: encode %s: %w", models.ErrStorage, k, err)
			}
			args[i] = v
		}
		stmt := sink.UpsertStatement(s.table, keys, quote, placeholder)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("%w: upsert %v: %w", models.ErrStorage, row[sink.KeyColumn], err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", models.ErrStorage, err)
	}
	return nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for inspection.
func (s *Store) DB() *sql.DB {
	return s.db
}

func encodeValue(v any) (any, error) {
	switch val := v.(type) {
	case []string, []float32, []float64, []any, map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	}
	return v, nil
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func placeholder(int) string { return "?" }

func init() {
	sink.Register("sqlite", func(ctx context.Context, dsn, table string) (sink.Sink, error) {
		st, err := Open(ctx, dsn, table)
		if err != nil {
			return nil, err
		}
		return st, nil
	})
}
