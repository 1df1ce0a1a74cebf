// Package cache implements the content-addressed store for remote audio.
// Entries are keyed by a digest of the source URL; concurrent requests for
// the same URL share a single download via singleflight.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/voiceid/voiceid/cmd/server/internal/metrics"
	"github.com/voiceid/voiceid/cmd/server/internal/svcerr"
	"github.com/voiceid/voiceid/pkg/logger"
)

// Fetcher downloads a remote URL into dest. Implementations must write dest
// completely or return an error; partial files are removed by the cache.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

// HTTPFetcher is the production Fetcher backed by a shared http.Client.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with the given per-download timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Fetch streams the URL body into dest.
func (f *HTTPFetcher) Fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return svcerr.NewTimeout("download", err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("failed to write body: %w", err)
	}
	return out.Close()
}

// Cache is the content-addressed download cache.
//
// Thread-safety: the singleflight group serializes fetches per key only;
// downloads for distinct URLs proceed in parallel. The mutex guards the
// reader refcounts consulted by eviction.
type Cache struct {
	dir     string
	fetcher Fetcher
	ttl     time.Duration // zero disables eviction

	group   singleflight.Group
	mu      sync.Mutex
	readers map[string]int
}

// New creates a cache rooted at dir, creating the directory if needed.
func New(dir string, fetcher Fetcher, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	return &Cache{
		dir:     dir,
		fetcher: fetcher,
		ttl:     ttl,
		readers: make(map[string]int),
	}, nil
}

// Key returns the content-address for a URL.
func Key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.dir, key+".audio")
}

// GetOrFetch resolves url to a local cached file, downloading it at most once
// no matter how many callers arrive concurrently. The returned release func
// must be called when the caller is done reading the file; until then the
// entry is pinned against eviction.
func (c *Cache) GetOrFetch(ctx context.Context, url string) (string, func(), error) {
	key := Key(url)
	path := c.entryPath(key)

	// Pin before the hit check: a sweep that runs between deciding "cached"
	// and handing out the path must already see the entry as in use.
	c.mu.Lock()
	c.readers[key]++
	c.mu.Unlock()

	hit, err, _ := c.group.Do(key, func() (interface{}, error) {
		if info, statErr := os.Stat(path); statErr == nil && info.Size() > 0 {
			return true, nil
		}
		return false, c.download(ctx, url, path)
	})
	if err != nil {
		c.unpin(key)
		metrics.RecordCacheLookup("error")
		return "", nil, svcerr.NewDownloadFailed(url, err)
	}
	if cached, _ := hit.(bool); cached {
		metrics.RecordCacheLookup("hit")
	} else {
		metrics.RecordCacheLookup("miss")
	}

	var once sync.Once
	release := func() {
		once.Do(func() { c.unpin(key) })
	}
	return path, release, nil
}

func (c *Cache) unpin(key string) {
	c.mu.Lock()
	if c.readers[key] > 1 {
		c.readers[key]--
	} else {
		delete(c.readers, key)
	}
	c.mu.Unlock()
}

// download fetches into a temp file and renames it into place so concurrent
// readers never observe a half-written entry.
func (c *Cache) download(ctx context.Context, url, path string) error {
	tmp := filepath.Join(c.dir, "tmp_"+uuid.NewString())

	if err := c.fetcher.Fetch(ctx, url, tmp); err != nil {
		os.Remove(tmp)
		return err
	}

	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		os.Remove(tmp)
		return fmt.Errorf("downloaded file is empty")
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish cache entry: %w", err)
	}
	return nil
}

// Clear removes all unpinned entries and returns how many were deleted.
func (c *Cache) Clear() int {
	return c.sweep(func(os.FileInfo) bool { return true })
}

// Evict removes unpinned entries older than the configured TTL. It is a
// no-op when eviction is disabled.
func (c *Cache) Evict() int {
	if c.ttl == 0 {
		return 0
	}
	cutoff := time.Now().Add(-c.ttl)
	return c.sweep(func(info os.FileInfo) bool {
		return info.ModTime().Before(cutoff)
	})
}

func (c *Cache) sweep(expired func(os.FileInfo) bool) int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		logger.L().Warn("cache sweep failed to list directory", "dir", c.dir, "error", err)
		return 0
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".audio" {
			continue
		}
		key := name[:len(name)-len(".audio")]

		c.mu.Lock()
		pinned := c.readers[key] > 0
		c.mu.Unlock()
		if pinned {
			continue
		}

		info, err := entry.Info()
		if err != nil || !expired(info) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err == nil {
			removed++
		}
	}
	return removed
}

// StartEvictionLoop runs Evict at the given interval until the returned stop
// channel is closed. Returns nil when eviction is disabled.
func (c *Cache) StartEvictionLoop(interval time.Duration) chan struct{} {
	if c.ttl == 0 {
		return nil
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := c.Evict(); n > 0 {
					logger.L().Info("cache eviction pass", "removed", n)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}

// Len reports how many entries currently exist on disk.
func (c *Cache) Len() int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".audio" {
			n++
		}
	}
	return n
}
