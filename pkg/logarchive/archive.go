// Package logarchive stores the collected log of an execution once the
// run is over.
//
// Archives are plain text, one "time [level] message" line per entry,
// stored under the key <prefix><execution_id>.log in either a local
// directory (FileSink) or an S3 bucket (S3Sink).
package logarchive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/3leaps/rexmon/pkg/output"
	"github.com/3leaps/rexmon/pkg/remote"
)

// Sink stores archive objects.
type Sink interface {
	// Put stores body under key and returns a URI for the stored object.
	Put(ctx context.Context, key string, body io.Reader, size int64) (string, error)

	// Close releases any resources held by the sink.
	Close() error
}

// Sink kinds accepted by New.
const (
	KindFile = "file"
	KindS3   = "s3"
)

// Sentinel errors for archive operations.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("archive storage unavailable")
)

// ArchiveError wraps a failed sink operation with context.
type ArchiveError struct {
	Op   string
	Sink string
	Key  string
	Err  error
}

func (e *ArchiveError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("archive %s %s %s: %v", e.Sink, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("archive %s %s: %v", e.Sink, e.Op, e.Err)
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// Config selects and configures a sink.
type Config struct {
	// Kind is "file" or "s3".
	Kind string

	// Prefix is prepended to every key.
	Prefix string

	// Dir is the root directory for the file sink.
	Dir string

	// S3 configures the S3 sink.
	S3 S3Config
}

// New builds the sink described by cfg.
func New(ctx context.Context, cfg Config) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindFile, "":
		return NewFileSink(cfg.Dir)
	case KindS3:
		return NewS3Sink(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported archive kind %q (want file or s3)", cfg.Kind)
	}
}

// Key returns the object key for an execution's archive.
func Key(prefix, executionID string) string {
	return prefix + executionID + ".log"
}

// Render formats lines as archive text.
func Render(lines []remote.LogLine) []byte {
	var b bytes.Buffer
	for _, l := range lines {
		b.WriteString(output.FormatLine(l))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Archive renders lines and stores them under Key(prefix, executionID).
func Archive(ctx context.Context, sink Sink, prefix, executionID string, lines []remote.LogLine) (string, error) {
	if strings.TrimSpace(executionID) == "" {
		return "", fmt.Errorf("execution id is required")
	}
	body := Render(lines)
	return sink.Put(ctx, Key(prefix, executionID), bytes.NewReader(body), int64(len(body)))
}
