// Package vector provides the embedding type and the similarity kernel used
// by speaker verification.
package vector

import (
	"errors"
	"math"
)

// Embedding is a fixed-length speaker embedding. The dimension is decided by
// the extractor model and stays constant for the process lifetime.
type Embedding []float64

// ErrDimensionMismatch is returned when two embeddings of different lengths
// are compared.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Norm returns the L2 norm of the embedding.
func (e Embedding) Norm() float64 {
	var sum float64
	for _, v := range e {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// Normalized returns a unit-norm copy of the embedding. A zero vector is
// returned unchanged.
func (e Embedding) Normalized() Embedding {
	norm := e.Norm()
	if norm == 0 {
		out := make(Embedding, len(e))
		copy(out, e)
		return out
	}
	out := make(Embedding, len(e))
	for i, v := range e {
		out[i] = v / norm
	}
	return out
}

// Cosine computes cosine similarity between a and b:
// cos(θ) = (A·B) / (||A|| * ||B||).
// It does not assume the inputs are normalized. Zero vectors yield 0.
func Cosine(a, b Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
