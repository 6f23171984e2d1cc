// Package compat registers the "compat" embedding provider for self-hosted
// OpenAI-compatible servers such as Ollama, LocalAI or vLLM.
package compat

import (
	"context"
	"errors"
	"strings"

	"calembed/internal/embedding"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// DefaultHost is a local Ollama server.
const DefaultHost = "http://localhost:11434/v1"

const defaultEmbeddingModel = "nomic-embed-text"

type embedClient struct {
	embedder embeddings.Embedder
}

func (e *embedClient) Name() string { return "compat" }

func (e *embedClient) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, errors.New("compat: empty embedding in response")
	}
	return embedding.Vector(vec), nil
}

// normalizeHost ensures the base URL ends in /v1, which OpenAI-compatible APIs expect.
func normalizeHost(host string) string {
	if host == "" {
		return DefaultHost
	}
	host = strings.TrimSuffix(host, "/")
	if !strings.HasSuffix(host, "/v1") {
		host += "/v1"
	}
	return host
}

// Factory builds an embedder for cfg.Host. Local servers usually need no key,
// so an empty cfg.APIKey is sent as "none".
func Factory(ctx context.Context, cfg embedding.Config) (embedding.Embedder, error) {
	token := cfg.APIKey
	if token == "" {
		token = "none"
	}
	model := defaultEmbeddingModel
	if cfg.Model != "" {
		model = cfg.Model
	}

	client, err := openai.New(
		openai.WithBaseURL(normalizeHost(cfg.Host)),
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, err
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, err
	}
	return &embedClient{embedder: embedder}, nil
}

func init() {
	_ = embedding.Register("compat", Factory)
}
