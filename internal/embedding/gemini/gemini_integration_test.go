//go:build integration

package gemini

import (
	"context"
	"os"
	"testing"

	"calembed/internal/embedding"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbed_Live(t *testing.T) {
	key := os.Getenv("GOOGLE_API_KEY")
	if key == "" {
		t.Skip("GOOGLE_API_KEY not set")
	}

	e, err := Factory(context.Background(), embedding.Config{APIKey: key})
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "Standup | Location: Room 1")
	require.NoError(t, err)
	assert.NotEmpty(t, vec)
}
