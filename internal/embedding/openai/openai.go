// Package openai registers the "openai" embedding provider.
package openai

import (
	"context"
	"errors"
	"fmt"

	"calembed/internal/embedding"
	"calembed/internal/models"

	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultEmbeddingModel = "text-embedding-3-small"

type embedClient struct {
	client oa.Client
	model  string
}

func (e *embedClient) Name() string { return "openai" }

func (e *embedClient) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	resp, err := e.client.Embeddings.New(ctx, oa.EmbeddingNewParams{
		Model: oa.EmbeddingModel(e.model),
		Input: oa.EmbeddingNewParamsInputUnion{OfString: oa.String(text)},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: empty embedding in response")
	}
	src := resp.Data[0].Embedding
	vec := make(embedding.Vector, len(src))
	for i := range src {
		vec[i] = float32(src[i])
	}
	return vec, nil
}

func newEmbedder(cfg embedding.Config, opts ...option.RequestOption) (*embedClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: openai: missing API key; set EMBEDDING_API_KEY or OPENAI_API_KEY", models.ErrAuth)
	}
	model := defaultEmbeddingModel
	if cfg.Model != "" {
		model = cfg.Model
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Host != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.Host))
	}
	reqOpts = append(reqOpts, opts...)
	return &embedClient{client: oa.NewClient(reqOpts...), model: model}, nil
}

// Factory builds the OpenAI embedder; cfg.APIKey is required.
func Factory(ctx context.Context, cfg embedding.Config) (embedding.Embedder, error) {
	return newEmbedder(cfg)
}

func init() {
	_ = embedding.Register("openai", Factory)
}
