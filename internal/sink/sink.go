// Package sink persists embedding records.
//
// A Sink only knows the columns of its target table; callers project each
// candidate row onto that set with Project before writing.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"calembed/internal/models"
)

// DefaultTable receives the embedding records when no table is configured.
const DefaultTable = "tg_embeddings"

// KeyColumn is the upsert key.
const KeyColumn = "id"

// Row is one embedding record keyed by column name.
type Row map[string]any

// Columns maps each column of the target table to its database type.
type Columns map[string]string

// Has reports whether name is a known column.
func (c Columns) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Names returns the column names in sorted order.
func (c Columns) Names() []string {
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Sink is a relational store that accepts batches of rows.
type Sink interface {
	// Columns lists the columns of the target table.
	Columns(ctx context.Context) (Columns, error)
	// Upsert writes rows in a single transaction, replacing rows with the same id.
	// On error nothing is written.
	Upsert(ctx context.Context, rows []Row) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	Close() error
}

// Project returns the subset of row whose keys are known columns.
func Project(row Row, cols Columns) Row {
	out := make(Row, len(row))
	for k, v := range row {
		if cols.Has(k) {
			out[k] = v
		}
	}
	return out
}

// Keys returns the keys of row with the key column first and the rest sorted.
func Keys(row Row) ([]string, error) {
	if _, ok := row[KeyColumn]; !ok {
		return nil, fmt.Errorf("%w: row without %q column", models.ErrStorage, KeyColumn)
	}
	keys := make([]string, 0, len(row))
	for k := range row {
		if k != KeyColumn {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return append([]string{KeyColumn}, keys...), nil
}

// UpsertStatement builds an INSERT ... ON CONFLICT (id) DO UPDATE statement for keys,
// which must start with the key column. quote renders an identifier and placeholder
// renders the n-th (1-based) bind parameter.
func UpsertStatement(table string, keys []string, quote func(string) string, placeholder func(int) string) string {
	cols := make([]string, len(keys))
	params := make([]string, len(keys))
	var sets []string
	for i, k := range keys {
		cols[i] = quote(k)
		params[i] = placeholder(i + 1)
		if k != KeyColumn {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", quote(k), quote(k)))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		quote(table), strings.Join(cols, ", "), strings.Join(params, ", "), quote(KeyColumn))
	if len(sets) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	return b.String()
}

// Opener connects to the store described by dsn and targets table.
type Opener func(ctx context.Context, dsn, table string) (Sink, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Opener{}
)

// Register makes a sink available under scheme. It panics on duplicates,
// like database/sql.Register.
func Register(scheme string, open Opener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if open == nil {
		panic("sink: Register opener is nil")
	}
	if _, dup := drivers[scheme]; dup {
		panic("sink: Register called twice for scheme " + scheme)
	}
	drivers[scheme] = open
}

// Scheme picks the driver for a database URL: "sqlite:" prefixes select sqlite,
// everything else (URLs and keyword/value DSNs) is postgres.
func Scheme(databaseURL string) string {
	if strings.HasPrefix(strings.ToLower(databaseURL), "sqlite:") {
		return "sqlite"
	}
	return "postgres"
}

// Open connects to databaseURL with the registered driver for its scheme.
func Open(ctx context.Context, databaseURL, table string) (Sink, error) {
	if databaseURL == "" {
		return nil, errors.New("sink: empty database URL")
	}
	if table == "" {
		table = DefaultTable
	}
	scheme := Scheme(databaseURL)

	driversMu.RLock()
	open, ok := drivers[scheme]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sink: no driver registered for %q", scheme)
	}
	return open(ctx, databaseURL, table)
}
