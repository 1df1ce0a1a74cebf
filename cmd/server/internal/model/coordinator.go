// Package model owns the single shared handle to the embedding extractor.
// The coordinator serializes all state transitions: lazy initialization,
// retry with backoff, and reload, with a load-once-many-wait discipline so
// concurrent callers never trigger redundant loads.
package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voiceid/voiceid/cmd/server/internal/extractor"
	"github.com/voiceid/voiceid/cmd/server/internal/metrics"
	"github.com/voiceid/voiceid/cmd/server/internal/svcerr"
	"github.com/voiceid/voiceid/pkg/logger"
)

// State is the lifecycle state of the shared model handle.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

// BackoffPolicy maps a failed attempt number (1-based) to the wait before
// the next attempt. Policies must be monotonically non-decreasing.
type BackoffPolicy func(attempt int) time.Duration

// LinearBackoff waits base, 2*base, 3*base, ...
func LinearBackoff(base time.Duration) BackoffPolicy {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * base
	}
}

// ExponentialBackoff waits base, 2*base, 4*base, ...
func ExponentialBackoff(base time.Duration) BackoffPolicy {
	return func(attempt int) time.Duration {
		return base << (attempt - 1)
	}
}

// loadRound is one shared load attempt sequence. Waiters hold the round they
// joined and read its outcome after done closes, so a later round never
// changes the answer they were promised.
type loadRound struct {
	done   chan struct{}
	handle extractor.Extractor
	err    error
}

// Options configures a Coordinator.
type Options struct {
	ModelID     string
	Device      string
	MaxAttempts int
	Backoff     BackoffPolicy
	LoadTimeout time.Duration
}

// Coordinator is the process-wide model lifecycle state machine. Only the
// coordinator mutates the state, always under the mutex; the hot path for
// Ready is a single lock/unlock around two reads.
type Coordinator struct {
	loader extractor.LoadFunc
	opts   Options

	mu       sync.Mutex
	state    State
	handle   extractor.Extractor
	round    *loadRound
	lastErr  error
	attempts int // attempts consumed by the most recent load round

	// sleep is swapped out by tests to observe backoff waits.
	sleep func(time.Duration)
}

// Status is a point-in-time snapshot for the health endpoint.
type Status struct {
	State     State  `json:"state"`
	ModelID   string `json:"model_id"`
	Device    string `json:"device"`
	Extractor string `json:"extractor,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// NewCoordinator creates a coordinator in the Unloaded state.
func NewCoordinator(loader extractor.LoadFunc, opts Options) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff == nil {
		opts.Backoff = LinearBackoff(2 * time.Second)
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 120 * time.Second
	}
	return &Coordinator{
		loader: loader,
		opts:   opts,
		state:  StateUnloaded,
		sleep:  time.Sleep,
	}
}

// EnsureReady returns the shared extractor handle, loading the model first
// if necessary. When another caller is already loading, it waits for that
// load's outcome instead of starting its own. A Failed state triggers a
// fresh load round, so recovery needs no process restart.
func (c *Coordinator) EnsureReady(ctx context.Context) (extractor.Extractor, error) {
	c.mu.Lock()

	switch c.state {
	case StateReady:
		h := c.handle
		c.mu.Unlock()
		return h, nil

	case StateLoading:
		round := c.round
		c.mu.Unlock()
		select {
		case <-round.done:
			return round.handle, round.err
		case <-ctx.Done():
			return nil, svcerr.NewTimeout("waiting for model load", ctx.Err())
		}

	default: // Unloaded or Failed: this caller becomes the loader.
		round := &loadRound{done: make(chan struct{})}
		c.state = StateLoading
		c.round = round
		modelID, device := c.opts.ModelID, c.opts.Device
		c.mu.Unlock()

		handle, attempts, err := c.loadWithRetry(modelID, device)

		c.mu.Lock()
		c.attempts = attempts
		if err != nil {
			c.state = StateFailed
			c.lastErr = err
			round.err = err
		} else {
			c.state = StateReady
			c.handle = handle
			c.lastErr = nil
			round.handle = handle
		}
		metrics.SetModelReady(err == nil)
		// Only clear the round if a Reload has not already started a new one.
		if c.round == round {
			c.round = nil
		}
		c.mu.Unlock()

		close(round.done)
		return round.handle, round.err
	}
}

// loadWithRetry runs the load attempts with backoff. It deliberately does
// not take a request context: the load outcome is shared by every waiter,
// so one caller's deadline must not abort it. Each attempt carries its own
// timeout.
func (c *Coordinator) loadWithRetry(modelID, device string) (extractor.Extractor, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(context.Background(), c.opts.LoadTimeout)
		handle, err := c.loader(attemptCtx, modelID, device)
		cancel()

		if err == nil {
			metrics.RecordLoadAttempt(true)
			logger.L().Info("model loaded",
				"model_id", modelID,
				"device", device,
				"attempt", attempt,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return handle, attempt, nil
		}

		lastErr = err
		metrics.RecordLoadAttempt(false)
		logger.L().Warn("model load attempt failed",
			"model_id", modelID,
			"attempt", attempt,
			"max_attempts", c.opts.MaxAttempts,
			"error", err,
		)

		if attempt < c.opts.MaxAttempts {
			c.sleep(c.opts.Backoff(attempt))
		}
	}

	return nil, c.opts.MaxAttempts, svcerr.NewModelUnavailable(c.opts.MaxAttempts, lastErr)
}

// Reload switches to a new model configuration and loads it under the same
// single-loader discipline. Handles already returned by EnsureReady keep
// serving their in-flight requests; only new EnsureReady calls see the
// replacement.
func (c *Coordinator) Reload(ctx context.Context, modelID, device string) (extractor.Extractor, error) {
	c.mu.Lock()
	if modelID != "" {
		c.opts.ModelID = modelID
	}
	if device != "" {
		c.opts.Device = device
	}

	// Let an in-flight load finish before discarding its outcome.
	for c.state == StateLoading {
		round := c.round
		c.mu.Unlock()
		select {
		case <-round.done:
		case <-ctx.Done():
			return nil, svcerr.NewTimeout("waiting for in-flight model load", ctx.Err())
		}
		c.mu.Lock()
	}

	c.state = StateUnloaded
	c.handle = nil
	c.mu.Unlock()
	metrics.SetModelReady(false)

	logger.L().Info("model reload requested", "model_id", c.opts.ModelID, "device", c.opts.Device)
	return c.EnsureReady(ctx)
}

// Status reports the current lifecycle state for observability.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		State:    c.state,
		ModelID:  c.opts.ModelID,
		Device:   c.opts.Device,
		Attempts: c.attempts,
	}
	if c.handle != nil {
		s.Extractor = c.handle.Name()
		s.Dimension = c.handle.Dimension()
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// ModelID returns the currently configured model identifier.
func (c *Coordinator) ModelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.ModelID
}

func (s Status) String() string {
	return fmt.Sprintf("%s (model=%s)", s.State, s.ModelID)
}
