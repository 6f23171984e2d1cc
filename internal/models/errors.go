package models

import "errors"

// Error kinds surfaced by an ingestion run. Callers match them with errors.Is;
// the concrete cause is wrapped alongside.
var (
	// ErrAuth means no valid credential could be loaded or refreshed.
	ErrAuth = errors.New("auth error")

	// ErrProvider means the calendar provider returned a failed or malformed response.
	ErrProvider = errors.New("provider error")

	// ErrEmbedding means the embedding service failed for an event.
	ErrEmbedding = errors.New("embedding error")

	// ErrStorage means the sink failed to read its schema or write a batch.
	ErrStorage = errors.New("storage error")
)
