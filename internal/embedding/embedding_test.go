package embedding_test

import (
	"context"
	"testing"

	"calembed/internal/embedding"
	"calembed/internal/embedding/fake"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct{}

func (stubEmbedder) Name() string { return "stub" }

func (stubEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	return embedding.Vector{float32(len(text))}, nil
}

func TestRegister(t *testing.T) {
	err := embedding.Register("stub-register", func(ctx context.Context, cfg embedding.Config) (embedding.Embedder, error) {
		return stubEmbedder{}, nil
	})
	require.NoError(t, err)

	t.Run("duplicate name", func(t *testing.T) {
		err := embedding.Register("stub-register", func(ctx context.Context, cfg embedding.Config) (embedding.Embedder, error) {
			return stubEmbedder{}, nil
		})
		assert.Error(t, err)
	})

	t.Run("empty name", func(t *testing.T) {
		assert.Error(t, embedding.Register("", func(ctx context.Context, cfg embedding.Config) (embedding.Embedder, error) {
			return stubEmbedder{}, nil
		}))
	})

	t.Run("nil factory", func(t *testing.T) {
		assert.Error(t, embedding.Register("stub-nil", nil))
	})

	f, ok := embedding.Resolve("stub-register")
	require.True(t, ok)
	e, err := f(context.Background(), embedding.Config{})
	require.NoError(t, err)
	assert.Equal(t, "stub", e.Name())
	assert.Contains(t, embedding.Providers(), "stub-register")
}

func TestNew(t *testing.T) {
	e, err := embedding.New(context.Background(), "fake", embedding.Config{})
	require.NoError(t, err)
	assert.Equal(t, "fake", e.Name())

	_, err = embedding.New(context.Background(), "does-not-exist", embedding.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestFakeEmbedder(t *testing.T) {
	e := fake.New(8)
	ctx := context.Background()

	a1, err := e.Embed(ctx, "Standup | Time: 2024-05-10T09:00:00Z – 2024-05-10T09:15:00Z")
	require.NoError(t, err)
	a2, err := e.Embed(ctx, "Standup | Time: 2024-05-10T09:00:00Z – 2024-05-10T09:15:00Z")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "Retro")
	require.NoError(t, err)

	assert.Len(t, a1, 8)
	assert.Equal(t, a1, a2, "same text yields the same vector")
	assert.NotEqual(t, a1, b)
	for _, v := range a1 {
		assert.GreaterOrEqual(t, v, float32(-0.5))
		assert.Less(t, v, float32(0.5))
	}

	t.Run("minimum dimension", func(t *testing.T) {
		v, err := fake.New(1).Embed(ctx, "x")
		require.NoError(t, err)
		assert.Len(t, v, 4)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := e.Embed(cctx, "x")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
