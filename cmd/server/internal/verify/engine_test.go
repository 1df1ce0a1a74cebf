package verify

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/voiceid/voiceid/cmd/server/internal/audio"
	"github.com/voiceid/voiceid/cmd/server/internal/cache"
	"github.com/voiceid/voiceid/cmd/server/internal/config"
	"github.com/voiceid/voiceid/cmd/server/internal/extractor"
	"github.com/voiceid/voiceid/cmd/server/internal/model"
	"github.com/voiceid/voiceid/cmd/server/internal/svcerr"
	"github.com/voiceid/voiceid/pkg/logger"
	"github.com/voiceid/voiceid/pkg/vector"
)

func TestMain(m *testing.M) {
	logger.Init(logger.Config{Level: "error", Environment: "development"})
	os.Exit(m.Run())
}

type stubFetcher struct {
	payload []byte
}

func (f *stubFetcher) Fetch(ctx context.Context, url, dest string) error {
	return os.WriteFile(dest, f.payload, 0o644)
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()

	c, err := cache.New(t.TempDir(), &stubFetcher{payload: []byte("remote audio bytes")}, 0)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	resolver, err := audio.NewResolver(t.TempDir(), c, map[string]bool{"wav": true, "mp3": true}, 1<<20)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	coord := model.NewCoordinator(extractor.NewMockLoader(64), model.Options{
		ModelID:     cfg.Model.ModelID,
		MaxAttempts: 1,
		LoadTimeout: 5 * time.Second,
	})
	return NewEngine(resolver, coord, config.NewRuntime(cfg), 2)
}

func TestCompareIdenticalEmbeddings(t *testing.T) {
	e := newTestEngine(t, config.Default())

	res, err := e.Compare(vector.Embedding{1, 0}, vector.Embedding{1, 0}, nil)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.Score < 0.9999 {
		t.Errorf("expected score ~1.0, got %f", res.Score)
	}
	if !res.IsSameSpeaker {
		t.Errorf("identical embeddings must match")
	}
	if res.Confidence != "high" {
		t.Errorf("expected high confidence, got %s", res.Confidence)
	}
	if res.Threshold != 0.5 {
		t.Errorf("expected default threshold 0.5, got %f", res.Threshold)
	}
}

func TestCompareOrthogonalEmbeddings(t *testing.T) {
	e := newTestEngine(t, config.Default())

	res, err := e.Compare(vector.Embedding{1, 0}, vector.Embedding{0, 1}, nil)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.Score != 0 {
		t.Errorf("expected score 0, got %f", res.Score)
	}
	if res.IsSameSpeaker {
		t.Errorf("orthogonal embeddings must not match")
	}
	if res.Confidence != "high" {
		t.Errorf("expected high confidence, got %s", res.Confidence)
	}
}

func TestCompareNearThresholdIsMediumConfidence(t *testing.T) {
	e := newTestEngine(t, config.Default())

	// cos(angle) ~ 0.6: within 0.2 of the 0.5 threshold.
	a := vector.Embedding{1, 0}
	b := vector.Embedding{0.6, 0.8}
	res, err := e.Compare(a, b, nil)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.Confidence != "medium" {
		t.Errorf("expected medium confidence at score %f, got %s", res.Score, res.Confidence)
	}
	if !res.IsSameSpeaker {
		t.Errorf("0.6 > 0.5 should match")
	}
}

func TestCompareStrictThresholdBoundary(t *testing.T) {
	e := newTestEngine(t, config.Default())

	a := vector.Embedding{1, 0}
	b := vector.Embedding{0.6, 0.8}
	probe, err := e.Compare(a, b, nil)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}

	// Threshold set to the exact score: strict > rejects it.
	res, err := e.Compare(a, b, &probe.Score)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.IsSameSpeaker {
		t.Errorf("score at threshold must not match with strict comparison, score=%f", res.Score)
	}
}

func TestCompareInclusiveThresholdBoundary(t *testing.T) {
	cfg := config.Default()
	cfg.Verify.InclusiveThreshold = true
	e := newTestEngine(t, cfg)

	a := vector.Embedding{1, 0}
	b := vector.Embedding{0.6, 0.8}
	probe, err := e.Compare(a, b, nil)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}

	res, err := e.Compare(a, b, &probe.Score)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !res.IsSameSpeaker {
		t.Errorf("score at threshold must match with inclusive comparison, score=%f", res.Score)
	}
}

func TestCompareThresholdOverride(t *testing.T) {
	e := newTestEngine(t, config.Default())

	override := 0.9
	a := vector.Embedding{1, 0}
	b := vector.Embedding{0.6, 0.8}
	res, err := e.Compare(a, b, &override)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.Threshold != 0.9 {
		t.Errorf("override not applied: %f", res.Threshold)
	}
	if res.IsSameSpeaker {
		t.Errorf("0.6 must not pass a 0.9 threshold")
	}
}

func TestCompareRenormalizesInputs(t *testing.T) {
	e := newTestEngine(t, config.Default())

	// Same direction, wildly different magnitudes.
	res, err := e.Compare(vector.Embedding{10, 0}, vector.Embedding{0.001, 0}, nil)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.Score < 0.9999 {
		t.Errorf("expected score ~1.0 after renormalization, got %f", res.Score)
	}
}

func TestCompareDimensionMismatch(t *testing.T) {
	e := newTestEngine(t, config.Default())

	_, err := e.Compare(vector.Embedding{1, 0}, vector.Embedding{1, 0, 0}, nil)
	if err == nil {
		t.Fatal("expected error for mismatched dimensions")
	}
	if svcerr.CodeOf(err) != svcerr.VALIDATION_FAILED {
		t.Errorf("expected VALIDATION_FAILED, got %s", svcerr.CodeOf(err))
	}
}

func TestCompareEmptyEmbedding(t *testing.T) {
	e := newTestEngine(t, config.Default())

	_, err := e.Compare(vector.Embedding{}, vector.Embedding{1, 0}, nil)
	if err == nil {
		t.Fatal("expected error for empty embedding")
	}
	if svcerr.CodeOf(err) != svcerr.VALIDATION_FAILED {
		t.Errorf("expected VALIDATION_FAILED, got %s", svcerr.CodeOf(err))
	}
}

func TestVerifySourcesSameAudio(t *testing.T) {
	e := newTestEngine(t, config.Default())

	// The mock extractor is deterministic on file content, so identical
	// uploads produce identical embeddings.
	res, err := e.VerifySources(context.Background(),
		audio.UploadSource("a.wav", strings.NewReader("same voice sample")),
		audio.UploadSource("b.wav", strings.NewReader("same voice sample")),
		nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.IsSameSpeaker {
		t.Errorf("identical audio must verify as the same speaker, score=%f", res.Score)
	}
	if res.Score < 0.9999 {
		t.Errorf("expected score ~1.0, got %f", res.Score)
	}
}

func TestVerifySourcesCleansScratch(t *testing.T) {
	e := newTestEngine(t, config.Default())

	_, err := e.VerifySources(context.Background(),
		audio.UploadSource("a.wav", strings.NewReader("sample one")),
		audio.UploadSource("b.wav", strings.NewReader("sample two")),
		nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	entries, err := os.ReadDir(e.resolver.ScratchDir())
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty scratch dir after request, found %d files", len(entries))
	}
}

func TestVerifySourcesInvalidSourceCleansUp(t *testing.T) {
	e := newTestEngine(t, config.Default())

	// First source resolves, second fails validation. The first's scratch
	// file must still be removed.
	_, err := e.VerifySources(context.Background(),
		audio.UploadSource("a.wav", strings.NewReader("sample")),
		audio.UploadSource("evil.exe", strings.NewReader("nope")),
		nil)
	if err == nil {
		t.Fatal("expected error for disallowed extension")
	}
	if svcerr.CodeOf(err) != svcerr.INVALID_SOURCE {
		t.Errorf("expected INVALID_SOURCE, got %s", svcerr.CodeOf(err))
	}

	entries, _ := os.ReadDir(e.resolver.ScratchDir())
	if len(entries) != 0 {
		t.Errorf("scratch dir not cleaned after failed request: %d files", len(entries))
	}
}

func TestExtractFromSource(t *testing.T) {
	e := newTestEngine(t, config.Default())

	emb, err := e.ExtractFromSource(context.Background(),
		audio.UploadSource("a.wav", strings.NewReader("speaker sample")))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(emb) != 64 {
		t.Errorf("expected 64-dim embedding, got %d", len(emb))
	}
	if n := emb.Norm(); n < 0.9999 || n > 1.0001 {
		t.Errorf("embedding should be unit length, norm=%f", n)
	}
}

func TestVerifyBatchOrderAndIsolation(t *testing.T) {
	e := newTestEngine(t, config.Default())

	ref := audio.UploadSource("ref.wav", strings.NewReader("reference voice"))
	candidates := []audio.Source{
		audio.UploadSource("c1.wav", strings.NewReader("reference voice")),
		audio.UploadSource("c2.pdf", strings.NewReader("not audio")),
		audio.UploadSource("c3.wav", strings.NewReader("another voice entirely")),
	}

	items, err := e.VerifyBatch(context.Background(), ref, candidates, nil)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}

	if items[0].Result == nil {
		t.Fatalf("candidate 0 should succeed: %s", items[0].Error)
	}
	if !items[0].Result.IsSameSpeaker {
		t.Errorf("candidate 0 has identical content to the reference")
	}

	if items[1].Result != nil {
		t.Errorf("candidate 1 should have failed")
	}
	if items[1].Code != string(svcerr.INVALID_SOURCE) {
		t.Errorf("expected INVALID_SOURCE for candidate 1, got %s", items[1].Code)
	}
	if items[1].Candidate != "upload:c2.pdf" {
		t.Errorf("unexpected candidate label: %s", items[1].Candidate)
	}

	if items[2].Result == nil {
		t.Fatalf("candidate 2 should succeed: %s", items[2].Error)
	}
}

func TestVerifyBatchReferenceFailureAborts(t *testing.T) {
	e := newTestEngine(t, config.Default())

	_, err := e.VerifyBatch(context.Background(),
		audio.UploadSource("ref.txt", strings.NewReader("bad")),
		[]audio.Source{audio.UploadSource("c1.wav", strings.NewReader("x"))},
		nil)
	if err == nil {
		t.Fatal("expected reference resolution failure to abort the batch")
	}
	if svcerr.CodeOf(err) != svcerr.INVALID_SOURCE {
		t.Errorf("expected INVALID_SOURCE, got %s", svcerr.CodeOf(err))
	}
}

func TestVerifyBatchEmptyCandidates(t *testing.T) {
	e := newTestEngine(t, config.Default())

	items, err := e.VerifyBatch(context.Background(),
		audio.UploadSource("ref.wav", strings.NewReader("reference voice")),
		nil, nil)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected no items, got %d", len(items))
	}
}
