package sink

import (
	"context"
	"strconv"
	"testing"

	"calembed/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProject(t *testing.T) {
	cols := Columns{"id": "text", "combined_text": "text", "message": "_float4"}
	row := Row{
		"id":            "evt-1",
		"combined_text": "Standup",
		"location":      "Room 1",
		"message":       []float32{0.1},
	}

	got := Project(row, cols)

	assert.Equal(t, Row{"id": "evt-1", "combined_text": "Standup", "message": []float32{0.1}}, got)
	assert.Contains(t, row, "location", "input row is not modified")
}

func TestKeys(t *testing.T) {
	keys, err := Keys(Row{"title": "x", "id": "1", "combined_text": "y"})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "combined_text", "title"}, keys)

	_, err = Keys(Row{"title": "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStorage)
}

func TestUpsertStatement(t *testing.T) {
	quote := func(s string) string { return `"` + s + `"` }
	dollar := func(n int) string { return "$" + strconv.Itoa(n) }

	t.Run("updates non-key columns", func(t *testing.T) {
		got := UpsertStatement("tg_embeddings", []string{"id", "combined_text", "message"}, quote, dollar)
		assert.Equal(t,
			`INSERT INTO "tg_embeddings" ("id", "combined_text", "message") VALUES ($1, $2, $3) `+
				`ON CONFLICT ("id") DO UPDATE SET "combined_text" = excluded."combined_text", "message" = excluded."message"`,
			got)
	})

	t.Run("key only", func(t *testing.T) {
		got := UpsertStatement("t", []string{"id"}, quote, func(int) string { return "?" })
		assert.Equal(t, `INSERT INTO "t" ("id") VALUES (?) ON CONFLICT ("id") DO NOTHING`, got)
	})
}

func TestScheme(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":    "postgres",
		"postgresql://localhost/db":      "postgres",
		"host=localhost dbname=calembed": "postgres",
		"sqlite:file:calembed.db":        "sqlite",
		"SQLITE::memory:":                "sqlite",
	}
	for dsn, want := range tests {
		assert.Equal(t, want, Scheme(dsn), dsn)
	}
}

func TestOpen(t *testing.T) {
	var gotTable string
	Register("sqlite", func(ctx context.Context, dsn, table string) (Sink, error) {
		gotTable = table
		return nil, nil
	})
	t.Cleanup(func() {
		driversMu.Lock()
		delete(drivers, "sqlite")
		driversMu.Unlock()
	})

	_, err := Open(context.Background(), "sqlite::memory:", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultTable, gotTable)

	_, err = Open(context.Background(), "", "")
	assert.Error(t, err)

	_, err = Open(context.Background(), "postgres://localhost/db", "t")
	assert.ErrorContains(t, err, "no driver registered")
}

func TestColumns(t *testing.T) {
	cols := Columns{"b": "text", "a": "text"}
	assert.True(t, cols.Has("a"))
	assert.False(t, cols.Has("c"))
	assert.Equal(t, []string{"a", "b"}, cols.Names())
}
