// Package extractor abstracts the speaker embedding model. It defines the
// interface the verification pipeline consumes and ships two
// implementations: a remote HTTP-backed extractor talking to an inference
// sidecar, and a deterministic mock for tests and degraded operation.
package extractor

import (
	"context"

	"github.com/voiceid/voiceid/pkg/vector"
)

// Extractor produces a speaker embedding from a local audio file.
//
// Implementations must respect context deadlines, return embeddings with a
// stable dimension for their lifetime, and report corrupt or unreadable
// audio as an error rather than a zero vector.
type Extractor interface {
	// Extract computes the embedding for the audio file at audioPath.
	// The extractor handles resampling and mono conversion internally.
	Extract(ctx context.Context, audioPath string) (vector.Embedding, error)

	// HealthCheck verifies the backing inference service is operational.
	// It should be lightweight (a few seconds at most).
	HealthCheck(ctx context.Context) (bool, error)

	// Dimension returns the embedding size this extractor produces.
	Dimension() int

	// Name identifies the implementation for logging and the health
	// endpoint (e.g. "remote-campplus", "mock").
	Name() string
}

// LoadFunc constructs a ready Extractor for the given model and device.
// The model lifecycle coordinator invokes it under its single-loader
// discipline; a LoadFunc does not need to be safe for concurrent calls.
type LoadFunc func(ctx context.Context, modelID, device string) (Extractor, error)
