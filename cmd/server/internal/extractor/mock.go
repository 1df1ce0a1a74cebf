package extractor

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/voiceid/voiceid/cmd/server/internal/svcerr"
	"github.com/voiceid/voiceid/pkg/vector"
)

// MockExtractor derives a deterministic embedding from the audio file
// content: identical files map to identical embeddings, distinct files to
// (almost certainly) different ones. Used by tests and as a degraded-mode
// stand-in when no inference sidecar is configured.
type MockExtractor struct {
	Dim int
}

// NewMockLoader returns a LoadFunc producing MockExtractors with the given
// dimension.
func NewMockLoader(dim int) LoadFunc {
	return func(ctx context.Context, modelID, device string) (Extractor, error) {
		if dim <= 0 {
			dim = 192
		}
		return &MockExtractor{Dim: dim}, nil
	}
}

// Extract hashes the file content and expands the digest into a normalized
// embedding.
func (m *MockExtractor) Extract(ctx context.Context, audioPath string) (vector.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, svcerr.NewTimeout("embedding extraction", err)
	}

	data, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, svcerr.NewExtractionError(fmt.Sprintf("cannot read audio file %s", audioPath), err)
	}
	if len(data) == 0 {
		return nil, svcerr.NewExtractionError("audio file is empty", nil)
	}

	emb := make(vector.Embedding, m.Dim)
	digest := sha256.Sum256(data)
	block := digest[:]
	offset := 0
	for i := 0; i < m.Dim; i++ {
		if offset+4 > len(block) {
			next := sha256.Sum256(block)
			block = next[:]
			offset = 0
		}
		bits := binary.LittleEndian.Uint32(block[offset : offset+4])
		offset += 4
		emb[i] = float64(int32(bits)) / float64(1<<31)
	}

	return emb.Normalized(), nil
}

// HealthCheck always succeeds; the mock has no external dependency.
func (m *MockExtractor) HealthCheck(ctx context.Context) (bool, error) {
	return true, nil
}

// Dimension returns the configured embedding size.
func (m *MockExtractor) Dimension() int {
	return m.Dim
}

// Name identifies the mock implementation.
func (m *MockExtractor) Name() string {
	return "mock"
}
