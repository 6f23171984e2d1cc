// Package fake provides a deterministic, offline Embedder for tests and dry runs.
package fake

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"calembed/internal/embedding"
)

// DefaultDimension matches text-embedding-3-small.
const DefaultDimension = 1536

// Embedder is a deterministic hash-based embedder.
// It produces fixed-size vectors with values derived from SHA-256 of the input string.
type Embedder struct {
	dim int
}

// New returns a new fake embedder with the given dimension (>= 4).
func New(dim int) *Embedder {
	if dim < 4 {
		dim = 4
	}
	return &Embedder{dim: dim}
}

func (e *Embedder) Name() string { return "fake" }

func (e *Embedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make(embedding.Vector, e.dim)
	h := sha256.Sum256([]byte(text))
	// Fill in chunks of 4 bytes into float32s; simple deterministic pattern.
	for j := 0; j < e.dim; j++ {
		off := (j * 4) % len(h)
		u := binary.LittleEndian.Uint32(h[off : off+4])
		u ^= uint32(j)
		// Scale to [0,1) then shift to [-0.5, 0.5)
		vec[j] = (float32(u&0x7FFFFFFF) / float32(1<<31)) - 0.5
	}
	return vec, nil
}

// Factory ignores cfg; the fake needs no credentials.
func Factory(ctx context.Context, cfg embedding.Config) (embedding.Embedder, error) {
	return New(DefaultDimension), nil
}

func init() {
	_ = embedding.Register("fake", Factory)
}
