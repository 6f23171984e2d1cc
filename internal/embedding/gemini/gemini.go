// Package gemini registers the "gemini" embedding provider.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"calembed/internal/embedding"
	"calembed/internal/models"

	genai "google.golang.org/genai"
)

const defaultEmbeddingModel = "gemini-embedding-001"

type embedClient struct {
	client *genai.Client
	model  string
}

func (e *embedClient) Name() string { return "gemini" }

func (e *embedClient) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	res, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), nil)
	if err != nil {
		return nil, err
	}
	if len(res.Embeddings) == 0 || res.Embeddings[0] == nil || len(res.Embeddings[0].Values) == 0 {
		return nil, errors.New("gemini: empty embedding in response")
	}
	values := res.Embeddings[0].Values
	vec := make(embedding.Vector, len(values))
	copy(vec, values)
	return vec, nil
}

// Factory creates a Gemini embedder; cfg.APIKey is required.
func Factory(ctx context.Context, cfg embedding.Config) (embedding.Embedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini: missing API key; set EMBEDDING_API_KEY or GOOGLE_API_KEY", models.ErrAuth)
	}
	clientCfg := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.Host != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Host}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, err
	}
	model := defaultEmbeddingModel
	if cfg.Model != "" {
		model = cfg.Model
	}
	return &embedClient{client: client, model: model}, nil
}

func init() {
	_ = embedding.Register("gemini", Factory)
}
