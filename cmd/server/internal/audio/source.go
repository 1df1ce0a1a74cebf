// Package audio turns heterogeneous audio inputs (uploads, remote URLs,
// local paths) into validated local files and guarantees cleanup of the
// temporary files it creates.
package audio

import "io"

// SourceKind discriminates the Source variants.
type SourceKind int

const (
	// KindUpload is audio delivered as request bytes.
	KindUpload SourceKind = iota
	// KindURL is audio referenced by a remote http/https URL.
	KindURL
	// KindPath is audio already present on the local filesystem.
	KindPath
)

// Source is a tagged union over the three ways a request can hand us audio.
// Exactly one variant is active, determined by Kind.
type Source struct {
	Kind SourceKind

	// Upload variant
	Filename string
	Content  io.Reader

	// URL variant
	URL string

	// Path variant
	Path string
}

// UploadSource wraps uploaded bytes with their original filename.
func UploadSource(filename string, content io.Reader) Source {
	return Source{Kind: KindUpload, Filename: filename, Content: content}
}

// URLSource wraps a remote audio URL.
func URLSource(url string) Source {
	return Source{Kind: KindURL, URL: url}
}

// PathSource wraps a local filesystem path.
func PathSource(path string) Source {
	return Source{Kind: KindPath, Path: path}
}

// Describe returns a short label for logging and batch result reporting.
func (s Source) Describe() string {
	switch s.Kind {
	case KindUpload:
		return "upload:" + s.Filename
	case KindURL:
		return s.URL
	default:
		return s.Path
	}
}

// Resolved is the outcome of resolving a Source: a readable local file plus
// an ownership flag. Owned files were created for this request and are
// removed by the Cleanup that tracked them; non-owned files (caller paths,
// cache entries) must never be deleted by the request.
type Resolved struct {
	Path  string
	Owned bool
}
