package logarchive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileSink stores archives under a local directory.
type FileSink struct {
	root string
}

var _ Sink = (*FileSink)(nil)

// NewFileSink returns a sink rooted at dir, creating it if needed.
func NewFileSink(dir string) (*FileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("archive dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve archive dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, &ArchiveError{Op: "mkdir", Sink: KindFile, Err: err}
	}
	return &FileSink{root: abs}, nil
}

// Put writes the archive atomically. Keys may contain '/' to nest files
// under the root but cannot escape it.
func (s *FileSink) Put(ctx context.Context, key string, body io.Reader, _ int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(s.root, filepath.FromSlash(key))
	if rel, err := filepath.Rel(s.root, path); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", &ArchiveError{Op: "put", Sink: KindFile, Key: key, Err: fmt.Errorf("key escapes archive dir")}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &ArchiveError{Op: "mkdir", Sink: KindFile, Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".archive.tmp.*")
	if err != nil {
		return "", &ArchiveError{Op: "put", Sink: KindFile, Key: key, Err: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return "", &ArchiveError{Op: "put", Sink: KindFile, Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &ArchiveError{Op: "put", Sink: KindFile, Key: key, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", &ArchiveError{Op: "put", Sink: KindFile, Key: key, Err: err}
	}
	return "file://" + filepath.ToSlash(path), nil
}

// Close is a no-op.
func (s *FileSink) Close() error {
	return nil
}
