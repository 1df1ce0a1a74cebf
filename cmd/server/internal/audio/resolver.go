package audio

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/voiceid/voiceid/cmd/server/internal/cache"
	"github.com/voiceid/voiceid/cmd/server/internal/svcerr"
)

// Resolver turns a Source into a validated local file.
type Resolver struct {
	scratchDir     string
	cache          *cache.Cache
	allowedExts    map[string]bool
	maxUploadBytes int64
}

// NewResolver creates a resolver writing uploads under scratchDir and
// resolving URLs through the given cache. The scratch directory is created
// if missing.
func NewResolver(scratchDir string, c *cache.Cache, allowedExts map[string]bool, maxUploadBytes int64) (*Resolver, error) {
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory %s: %w", scratchDir, err)
	}
	return &Resolver{
		scratchDir:     scratchDir,
		cache:          c,
		allowedExts:    allowedExts,
		maxUploadBytes: maxUploadBytes,
	}, nil
}

// ScratchDir returns the directory uploads are written to.
func (r *Resolver) ScratchDir() string {
	return r.scratchDir
}

// Resolve materializes src as a local file. Owned temporaries and cache pins
// are registered on cleanup, so the caller's single deferred Close covers
// every exit path.
func (r *Resolver) Resolve(ctx context.Context, src Source, cleanup *Cleanup) (Resolved, error) {
	switch src.Kind {
	case KindUpload:
		return r.resolveUpload(src, cleanup)
	case KindURL:
		return r.resolveURL(ctx, src.URL, cleanup)
	case KindPath:
		return r.resolvePath(src.Path)
	default:
		return Resolved{}, svcerr.NewInvalidSource("unknown audio source kind")
	}
}

func (r *Resolver) resolveUpload(src Source, cleanup *Cleanup) (Resolved, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(src.Filename), "."))
	if ext == "" || !r.allowedExts[ext] {
		return Resolved{}, svcerr.NewInvalidSource(fmt.Sprintf("file type not allowed: %s", src.Filename))
	}

	path := filepath.Join(r.scratchDir, uuid.NewString()+"."+ext)
	out, err := os.Create(path)
	if err != nil {
		return Resolved{}, svcerr.NewInternal(fmt.Errorf("failed to create scratch file: %w", err))
	}
	// Track before copying so a failed write still gets cleaned up.
	cleanup.TrackFile(path)

	written, err := io.Copy(out, io.LimitReader(src.Content, r.maxUploadBytes+1))
	closeErr := out.Close()
	if err != nil {
		return Resolved{}, svcerr.NewInternal(fmt.Errorf("failed to save upload: %w", err))
	}
	if closeErr != nil {
		return Resolved{}, svcerr.NewInternal(fmt.Errorf("failed to save upload: %w", closeErr))
	}
	if written > r.maxUploadBytes {
		return Resolved{}, svcerr.NewValidationFailed(fmt.Sprintf("file exceeds %d byte limit", r.maxUploadBytes))
	}
	if written == 0 {
		return Resolved{}, svcerr.NewValidationFailed("uploaded file is empty")
	}

	return Resolved{Path: path, Owned: true}, nil
}

func (r *Resolver) resolveURL(ctx context.Context, rawURL string, cleanup *Cleanup) (Resolved, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Resolved{}, svcerr.NewInvalidSource(fmt.Sprintf("unsupported URL scheme: %s", rawURL))
	}

	path, release, err := r.cache.GetOrFetch(ctx, rawURL)
	if err != nil {
		return Resolved{}, err
	}
	cleanup.TrackRelease(release)

	// The cache owns the file; the request must not delete it.
	return Resolved{Path: path, Owned: false}, nil
}

func (r *Resolver) resolvePath(path string) (Resolved, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Resolved{}, svcerr.NewInvalidSource(fmt.Sprintf("file not found: %s", path))
	}
	if info.IsDir() {
		return Resolved{}, svcerr.NewInvalidSource(fmt.Sprintf("not a file: %s", path))
	}
	f, err := os.Open(path)
	if err != nil {
		return Resolved{}, svcerr.NewInvalidSource(fmt.Sprintf("file not readable: %s", path))
	}
	f.Close()

	return Resolved{Path: path, Owned: false}, nil
}
