// Package output renders monitoring results.
//
// The JSONL form is structured as typed record envelopes containing log
// lines, status changes, errors and a final summary. Each line is a
// self-contained JSON object that can be parsed independently. The text
// form prints the same events for humans.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/rexmon/pkg/remote"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: rexmon.<type>.v<version>
const (
	// TypeLine identifies execution log line records.
	TypeLine = "rexmon.line.v1"

	// TypeStatus identifies execution status records.
	TypeStatus = "rexmon.status.v1"

	// TypeError identifies error records.
	TypeError = "rexmon.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "rexmon.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "rexmon.line.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this monitored run.
	RunID string `json:"run_id"`

	// Instance names the remote instance the run talks to.
	Instance string `json:"instance"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// LineRecord is the data payload for a single execution log line.
type LineRecord struct {
	ExecutionID string    `json:"execution_id"`
	Level       string    `json:"level,omitempty"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
}

// NewLineRecord converts a log line.
func NewLineRecord(executionID string, line remote.LogLine) *LineRecord {
	return &LineRecord{
		ExecutionID: executionID,
		Level:       line.Level,
		Message:     line.Message,
		Timestamp:   line.Timestamp,
	}
}

// StatusRecord is the data payload for status transitions.
type StatusRecord struct {
	// Phase is what the monitor was doing (see Phase* constants).
	Phase string `json:"phase"`

	ExecutionID string `json:"execution_id,omitempty"`
	JobID       string `json:"job_id,omitempty"`
	Job         string `json:"job,omitempty"`
	Status      string `json:"status,omitempty"`
	URL         string `json:"url,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Status phase constants.
const (
	PhaseResolved  = "resolved"
	PhaseTriggered = "triggered"
	PhaseAborting  = "aborting"
	PhaseFinished  = "finished"
)

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	ExecutionID string `json:"execution_id,omitempty"`

	// Offset is the log offset reached when the error occurred.
	Offset int64 `json:"offset,omitempty"`

	// ResumeHint is a command that continues from Offset.
	ResumeHint string `json:"resume_hint,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeAccessDenied      = "ACCESS_DENIED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeTransient         = "TRANSIENT"
	ErrCodeProtocol          = "PROTOCOL"
	ErrCodeInvalidIdentifier = "INVALID_IDENTIFIER"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInternal          = "INTERNAL"
)

// ErrorCode classifies err into one of the ErrCode* constants.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case remote.IsAccessDenied(err):
		return ErrCodeAccessDenied
	case remote.IsNotFound(err):
		return ErrCodeNotFound
	case remote.IsInvalidIdentifier(err):
		return ErrCodeInvalidIdentifier
	case remote.IsTransient(err):
		return ErrCodeTransient
	case remote.IsProtocol(err):
		return ErrCodeProtocol
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeCancelled
	default:
		return ErrCodeInternal
	}
}

// SummaryRecord is the data payload for the final summary of a run.
type SummaryRecord struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Outcome     string `json:"outcome"`
	LinesSeen   int    `json:"lines_seen"`
	LastOffset  int64  `json:"last_offset"`
	Cancelled   bool   `json:"cancelled,omitempty"`

	// AbortAttempted is set when cancellation led to an abort request.
	AbortAttempted bool `json:"abort_attempted,omitempty"`

	// Duration is the total monitoring duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// ArchiveURI is where the collected log was archived, if anywhere.
	ArchiveURI string `json:"archive_uri,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
