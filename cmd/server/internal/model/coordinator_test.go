package model

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voiceid/voiceid/cmd/server/internal/extractor"
	"github.com/voiceid/voiceid/cmd/server/internal/svcerr"
	"github.com/voiceid/voiceid/pkg/logger"
	"github.com/voiceid/voiceid/pkg/vector"
)

func TestMain(m *testing.M) {
	logger.Init(logger.Config{Level: "error"})
	os.Exit(m.Run())
}

// fakeExtractor is a minimal handle for coordinator tests.
type fakeExtractor struct {
	id string
}

func (f *fakeExtractor) Extract(ctx context.Context, path string) (vector.Embedding, error) {
	return vector.Embedding{1, 0}, nil
}
func (f *fakeExtractor) HealthCheck(ctx context.Context) (bool, error) { return true, nil }
func (f *fakeExtractor) Dimension() int                                { return 2 }
func (f *fakeExtractor) Name() string                                  { return f.id }

// scriptedLoader fails a configured number of times before succeeding and
// counts invocations.
type scriptedLoader struct {
	calls     atomic.Int64
	failFirst int64
	delay     time.Duration
}

func (l *scriptedLoader) load(ctx context.Context, modelID, device string) (extractor.Extractor, error) {
	n := l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if n <= l.failFirst {
		return nil, errors.New("weights not available yet")
	}
	return &fakeExtractor{id: modelID}, nil
}

func TestEnsureReadyLoadsOnce(t *testing.T) {
	loader := &scriptedLoader{delay: 30 * time.Millisecond}
	c := NewCoordinator(loader.load, Options{ModelID: "model-a", Device: "cpu", MaxAttempts: 3})

	const n = 20
	var wg sync.WaitGroup
	handles := make([]extractor.Extractor, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = c.EnsureReady(context.Background())
		}(i)
	}
	wg.Wait()

	if got := loader.calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 load call, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d got error: %v", i, errs[i])
		}
		if handles[i] != handles[0] {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
	if c.Status().State != StateReady {
		t.Fatalf("expected Ready state, got %s", c.Status().State)
	}
}

func TestEnsureReadyHotPathNoReload(t *testing.T) {
	loader := &scriptedLoader{}
	c := NewCoordinator(loader.load, Options{ModelID: "model-a"})

	for i := 0; i < 10; i++ {
		if _, err := c.EnsureReady(context.Background()); err != nil {
			t.Fatalf("EnsureReady returned error: %v", err)
		}
	}
	if got := loader.calls.Load(); got != 1 {
		t.Fatalf("Ready state must not trigger loads, got %d calls", got)
	}
}

func TestRetryWithMonotonicBackoff(t *testing.T) {
	loader := &scriptedLoader{failFirst: 2}
	c := NewCoordinator(loader.load, Options{
		ModelID:     "model-a",
		MaxAttempts: 3,
		Backoff:     LinearBackoff(10 * time.Millisecond),
	})

	var waits []time.Duration
	c.sleep = func(d time.Duration) { waits = append(waits, d) }

	handle, err := c.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if handle == nil {
		t.Fatalf("expected a handle")
	}

	if got := loader.calls.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	if len(waits) != 2 {
		t.Fatalf("expected 2 backoff waits, got %d", len(waits))
	}
	for i := 1; i < len(waits); i++ {
		if waits[i] < waits[i-1] {
			t.Fatalf("backoff must be monotonically non-decreasing: %v", waits)
		}
	}
	if c.Status().Attempts != 3 {
		t.Fatalf("status should report 3 attempts, got %d", c.Status().Attempts)
	}
}

func TestExhaustedRetriesYieldModelUnavailable(t *testing.T) {
	loader := &scriptedLoader{failFirst: 100}
	c := NewCoordinator(loader.load, Options{
		ModelID:     "model-a",
		MaxAttempts: 3,
		Backoff:     LinearBackoff(time.Millisecond),
	})
	c.sleep = func(time.Duration) {}

	_, err := c.EnsureReady(context.Background())
	if svcerr.CodeOf(err) != svcerr.MODEL_UNAVAILABLE {
		t.Fatalf("expected MODEL_UNAVAILABLE, got %v", err)
	}

	status := c.Status()
	if status.State != StateFailed {
		t.Fatalf("expected Failed state, got %s", status.State)
	}
	if status.LastError == "" {
		t.Fatalf("status should carry the last error")
	}

	// Failure is not terminal: a later call re-attempts and can succeed.
	loader.failFirst = loader.calls.Load() // succeed from now on
	handle, err := c.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("expected recovery after failure, got %v", err)
	}
	if handle == nil {
		t.Fatalf("expected handle after recovery")
	}
	if c.Status().State != StateReady {
		t.Fatalf("expected Ready after recovery, got %s", c.Status().State)
	}
}

func TestConcurrentCallersShareFailure(t *testing.T) {
	loader := &scriptedLoader{failFirst: 100, delay: 20 * time.Millisecond}
	c := NewCoordinator(loader.load, Options{
		ModelID:     "model-a",
		MaxAttempts: 2,
		Backoff:     LinearBackoff(time.Millisecond),
	})
	c.sleep = func(time.Duration) {}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.EnsureReady(context.Background())
		}(i)
	}
	wg.Wait()

	// one round of 2 attempts serves every waiting caller
	if got := loader.calls.Load(); got != 2 {
		t.Fatalf("expected a single shared round (2 attempts), got %d calls", got)
	}
	for i := 0; i < n; i++ {
		if svcerr.CodeOf(errs[i]) != svcerr.MODEL_UNAVAILABLE {
			t.Fatalf("caller %d expected MODEL_UNAVAILABLE, got %v", i, errs[i])
		}
	}
}

func TestReloadSwapsModel(t *testing.T) {
	loader := &scriptedLoader{}
	c := NewCoordinator(loader.load, Options{ModelID: "model-a", Device: "cpu"})

	first, err := c.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("EnsureReady returned error: %v", err)
	}
	if first.Name() != "model-a" {
		t.Fatalf("expected model-a handle, got %s", first.Name())
	}

	second, err := c.Reload(context.Background(), "model-b", "")
	if err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}
	if second.Name() != "model-b" {
		t.Fatalf("expected model-b handle after reload, got %s", second.Name())
	}
	if c.ModelID() != "model-b" {
		t.Fatalf("coordinator should track new model id")
	}
	if got := loader.calls.Load(); got != 2 {
		t.Fatalf("expected 2 loads (initial + reload), got %d", got)
	}

	// the old handle keeps working for requests that already hold it
	if _, err := first.Extract(context.Background(), "any"); err != nil {
		t.Fatalf("old handle must keep serving: %v", err)
	}
}

func TestWaiterHonorsContext(t *testing.T) {
	loader := &scriptedLoader{delay: 200 * time.Millisecond}
	c := NewCoordinator(loader.load, Options{ModelID: "model-a"})

	go c.EnsureReady(context.Background())
	time.Sleep(20 * time.Millisecond) // let the loader claim the round

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.EnsureReady(ctx)
	if svcerr.CodeOf(err) != svcerr.TIMEOUT {
		t.Fatalf("expected TIMEOUT for expired waiter, got %v", err)
	}
}
