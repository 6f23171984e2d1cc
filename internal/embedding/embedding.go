// Package embedding turns canonical event text into vectors.
//
// Providers register a Factory under a short name from their init function;
// callers pick one at startup with New.
package embedding

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Vector represents a single embedding vector.
type Vector []float32

// Embedder produces an embedding vector from text.
//
// The vector length is fixed by the model. All network I/O must honor ctx.
type Embedder interface {
	// Name returns a short provider name (e.g., "openai", "gemini").
	Name() string
	// Embed returns the vector for text.
	Embed(ctx context.Context, text string) (Vector, error)
}

// Config carries the provider settings read at process start.
type Config struct {
	APIKey string
	Model  string
	// Host is the base URL for OpenAI-compatible servers; empty means the provider default.
	Host string
}

// Factory constructs an Embedder from cfg.
type Factory func(ctx context.Context, cfg Config) (Embedder, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers an Embedder factory under a provider name.
func Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("embedding: empty provider name")
	}
	if f == nil {
		return fmt.Errorf("embedding: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("embedding: provider %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Resolve retrieves a registered factory by name.
func Resolve(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Providers lists the registered provider names in sorted order.
func Providers() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the Embedder registered under name.
func New(ctx context.Context, name string, cfg Config) (Embedder, error) {
	f, ok := Resolve(name)
	if !ok {
		return nil, fmt.Errorf("embedding: unknown provider %q (registered: %v)", name, Providers())
	}
	return f(ctx, cfg)
}
