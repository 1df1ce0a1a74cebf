// Package verify implements the speaker verification pipeline: resolve
// audio, obtain the shared model handle, extract embeddings and apply the
// decision threshold.
package verify

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/voiceid/voiceid/cmd/server/internal/audio"
	"github.com/voiceid/voiceid/cmd/server/internal/config"
	"github.com/voiceid/voiceid/cmd/server/internal/extractor"
	"github.com/voiceid/voiceid/cmd/server/internal/metrics"
	"github.com/voiceid/voiceid/cmd/server/internal/model"
	"github.com/voiceid/voiceid/cmd/server/internal/svcerr"
	"github.com/voiceid/voiceid/pkg/logger"
	"github.com/voiceid/voiceid/pkg/vector"
)

// confidenceMargin separates "high" from "medium" confidence: a score more
// than this far from the threshold is called high. A fixed heuristic, not a
// statistical guarantee.
const confidenceMargin = 0.2

// Result is the outcome of comparing two embeddings against a threshold.
// It is derived per request, never stored.
type Result struct {
	Score         float64 `json:"score"`
	Threshold     float64 `json:"threshold"`
	IsSameSpeaker bool    `json:"is_same_speaker"`
	Confidence    string  `json:"confidence"`
}

// BatchItem is the per-candidate outcome of a batch verification. Exactly
// one of Result and Error is set.
type BatchItem struct {
	Candidate string  `json:"candidate"`
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
	Code      string  `json:"code,omitempty"`
}

// Engine orchestrates verification and embedding extraction.
type Engine struct {
	resolver *audio.Resolver
	coord    *model.Coordinator
	runtime  *config.Runtime
	batchSem *semaphore.Weighted
}

// NewEngine creates an engine. batchParallelism bounds how many candidates
// of a batch run concurrently.
func NewEngine(resolver *audio.Resolver, coord *model.Coordinator, runtime *config.Runtime, batchParallelism int64) *Engine {
	if batchParallelism <= 0 {
		batchParallelism = 4
	}
	return &Engine{
		resolver: resolver,
		coord:    coord,
		runtime:  runtime,
		batchSem: semaphore.NewWeighted(batchParallelism),
	}
}

func (e *Engine) thresholdFor(override *float64) float64 {
	if override != nil {
		return *override
	}
	return e.runtime.Threshold()
}

func (e *Engine) decide(score, threshold float64) bool {
	if e.runtime.InclusiveThreshold() {
		return score >= threshold
	}
	return score > threshold
}

// Compare scores two embeddings. Inputs are renormalized defensively, so
// callers may pass raw vectors. A dimension mismatch is a client error.
func (e *Engine) Compare(a, b vector.Embedding, thresholdOverride *float64) (Result, error) {
	if len(a) == 0 || len(b) == 0 {
		return Result{}, svcerr.NewValidationFailed("embeddings cannot be empty")
	}

	score, err := vector.Cosine(a.Normalized(), b.Normalized())
	if err != nil {
		return Result{}, svcerr.NewValidationFailed(
			fmt.Sprintf("embedding dimension mismatch: %d vs %d", len(a), len(b)))
	}

	threshold := e.thresholdFor(thresholdOverride)
	confidence := "medium"
	if math.Abs(score-threshold) > confidenceMargin {
		confidence = "high"
	}

	return Result{
		Score:         score,
		Threshold:     threshold,
		IsSameSpeaker: e.decide(score, threshold),
		Confidence:    confidence,
	}, nil
}

// logStage reports one finished pipeline stage to the structured log.
func logStage(stage, action string, start time.Time, err error) {
	code := ""
	if err != nil {
		code = string(svcerr.CodeOf(err))
	}
	logger.LogPipelineEvent(logger.L(), stage, action, time.Since(start).Milliseconds(), code)
}

// resolve wraps the resolver so every resolution is logged as a pipeline
// stage.
func (e *Engine) resolve(ctx context.Context, src audio.Source, cleanup *audio.Cleanup) (audio.Resolved, error) {
	start := time.Now()
	resolved, err := e.resolver.Resolve(ctx, src, cleanup)
	logStage("resolve", src.Describe(), start, err)
	return resolved, err
}

// extract resolves nothing; it runs the extractor on an already-resolved
// file and times it.
func (e *Engine) extract(ctx context.Context, ext extractor.Extractor, path string) (vector.Embedding, error) {
	start := time.Now()
	emb, err := ext.Extract(ctx, path)
	metrics.RecordExtraction(time.Since(start).Seconds())
	logStage("extract", filepath.Base(path), start, err)
	return emb, err
}

// VerifySources runs the full pipeline for two audio sources. All
// temporaries are released before it returns, on every path.
func (e *Engine) VerifySources(ctx context.Context, a, b audio.Source, thresholdOverride *float64) (Result, error) {
	cleanup := audio.NewCleanup()
	defer cleanup.Close()

	resolvedA, err := e.resolve(ctx, a, cleanup)
	if err != nil {
		return Result{}, err
	}
	resolvedB, err := e.resolve(ctx, b, cleanup)
	if err != nil {
		return Result{}, err
	}

	ext, err := e.coord.EnsureReady(ctx)
	if err != nil {
		return Result{}, err
	}

	embA, err := e.extract(ctx, ext, resolvedA.Path)
	if err != nil {
		return Result{}, err
	}
	embB, err := e.extract(ctx, ext, resolvedB.Path)
	if err != nil {
		return Result{}, err
	}

	return e.Compare(embA, embB, thresholdOverride)
}

// ExtractFromSource resolves one source and returns its embedding.
func (e *Engine) ExtractFromSource(ctx context.Context, src audio.Source) (vector.Embedding, error) {
	cleanup := audio.NewCleanup()
	defer cleanup.Close()

	resolved, err := e.resolve(ctx, src, cleanup)
	if err != nil {
		return nil, err
	}

	ext, err := e.coord.EnsureReady(ctx)
	if err != nil {
		return nil, err
	}

	return e.extract(ctx, ext, resolved.Path)
}

// VerifyBatch compares one reference against every candidate. Candidates
// run in parallel up to the configured bound; one candidate's failure is
// reported in its slot and never aborts the others. Result order matches
// candidate order. A failure on the reference itself aborts the whole batch.
func (e *Engine) VerifyBatch(ctx context.Context, reference audio.Source, candidates []audio.Source, thresholdOverride *float64) ([]BatchItem, error) {
	refCleanup := audio.NewCleanup()
	defer refCleanup.Close()

	resolvedRef, err := e.resolve(ctx, reference, refCleanup)
	if err != nil {
		return nil, err
	}

	ext, err := e.coord.EnsureReady(ctx)
	if err != nil {
		return nil, err
	}

	refEmb, err := e.extract(ctx, ext, resolvedRef.Path)
	if err != nil {
		return nil, err
	}

	results := make([]BatchItem, len(candidates))
	var wg sync.WaitGroup

	for i, candidate := range candidates {
		results[i].Candidate = candidate.Describe()

		if err := e.batchSem.Acquire(ctx, 1); err != nil {
			results[i].Error = "batch cancelled"
			results[i].Code = string(svcerr.TIMEOUT)
			continue
		}

		wg.Add(1)
		go func(i int, candidate audio.Source) {
			defer wg.Done()
			defer e.batchSem.Release(1)

			result, err := e.verifyCandidate(ctx, ext, refEmb, candidate, thresholdOverride)
			if err != nil {
				results[i].Error = err.Error()
				results[i].Code = string(svcerr.CodeOf(err))
				return
			}
			results[i].Result = &result
		}(i, candidate)
	}

	wg.Wait()
	return results, nil
}

// verifyCandidate handles a single batch candidate with its own cleanup
// scope, so its temporaries are released as soon as it finishes.
func (e *Engine) verifyCandidate(ctx context.Context, ext extractor.Extractor, refEmb vector.Embedding, candidate audio.Source, thresholdOverride *float64) (Result, error) {
	cleanup := audio.NewCleanup()
	defer cleanup.Close()

	resolved, err := e.resolve(ctx, candidate, cleanup)
	if err != nil {
		return Result{}, err
	}

	emb, err := e.extract(ctx, ext, resolved.Path)
	if err != nil {
		return Result{}, err
	}

	return e.Compare(refEmb, emb, thresholdOverride)
}
