package audio

import (
	"os"
	"sync"

	"github.com/voiceid/voiceid/pkg/logger"
)

// Cleanup collects the temporary resources a single request acquires and
// releases all of them exactly once when closed. Handlers defer Close
// immediately after construction, so every exit path (success, validation
// failure, panic unwinding) releases the same set.
type Cleanup struct {
	mu       sync.Mutex
	files    []string
	releases []func()
	closed   bool
}

// NewCleanup creates an empty cleanup set.
func NewCleanup() *Cleanup {
	return &Cleanup{}
}

// TrackFile registers an owned temporary file for deletion on Close.
func (c *Cleanup) TrackFile(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// Late registration after close: delete immediately rather than leak.
		removeQuiet(path)
		return
	}
	c.files = append(c.files, path)
}

// TrackRelease registers a release callback (cache pins) to run on Close.
func (c *Cleanup) TrackRelease(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		fn()
		return
	}
	c.releases = append(c.releases, fn)
}

// Close deletes tracked files and runs release callbacks. Safe to call more
// than once; only the first call acts.
func (c *Cleanup) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	files := c.files
	releases := c.releases
	c.files = nil
	c.releases = nil
	c.mu.Unlock()

	for _, path := range files {
		removeQuiet(path)
	}
	for _, fn := range releases {
		fn()
	}
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.L().Warn("failed to remove temporary file", "path", path, "error", err)
	}
}
