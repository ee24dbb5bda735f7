// Package remote defines the contract between the execution monitor and a
// remote job-execution service.
//
// The monitor never talks HTTP directly: it consumes the Service interface
// (or one of its narrower views) so that transports, fakes and test doubles
// can be swapped freely. See pkg/remote/rest for the HTTP implementation.
package remote

import (
	"context"
	"time"
)

// Unbounded is the maxLines sentinel asking the service for every remaining
// log line regardless of the current window.
const Unbounded = -1

// Service abstracts the remote job-execution service.
//
// Implementations should:
//   - Return errors wrapping the sentinels in errors.go so callers can
//     distinguish retryable from fatal failures
//   - Honor context cancellation on every call
//   - Be safe for concurrent use
type Service interface {
	JobFinder
	LogFetcher

	// Trigger starts a new execution of the job with the given canonical id.
	Trigger(ctx context.Context, jobID string, options, nodeFilters map[string]string) (*ExecutionHandle, error)

	// GetStatus returns the current status of an execution.
	GetStatus(ctx context.Context, executionID string) (ExecutionStatus, error)

	// Abort asks the service to stop a running execution.
	Abort(ctx context.Context, executionID string) (*AbortResult, error)
}

// JobFinder is the lookup surface used by job resolution.
type JobFinder interface {
	// FindJob lists jobs matching the exact (project, group, name) triple.
	FindJob(ctx context.Context, project, group, name string) ([]JobRecord, error)

	// GetJobByID fetches a job by its canonical id.
	// Returns ErrNotFound if the job does not exist.
	GetJobByID(ctx context.Context, id string) (*JobRecord, error)
}

// LogFetcher is the log surface used by the tail poller.
type LogFetcher interface {
	// GetLogPage returns log entries starting at offset. sinceUnused is
	// passed through to the service unchanged. maxLines limits the page
	// size; Unbounded requests everything that is buffered.
	GetLogPage(ctx context.Context, executionID string, offset, sinceUnused int64, maxLines int) (*LogPage, error)
}

// ExecutionStatus is the lifecycle state of a remote execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusSucceeded ExecutionStatus = "SUCCEEDED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusAborted   ExecutionStatus = "ABORTED"
)

// Terminal reports whether the status is final. An empty status is not.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusSucceeded, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s ExecutionStatus) String() string {
	return string(s)
}

// ExecutionHandle identifies a triggered execution.
type ExecutionHandle struct {
	// ID is the service-assigned execution id (opaque).
	ID string `json:"id"`

	// URL is a human-facing link to the execution, if the service has one.
	URL string `json:"url,omitempty"`

	// Status is the status observed when the handle was created or last refreshed.
	Status ExecutionStatus `json:"status"`
}

// WithStatus returns a copy of the handle carrying a refreshed status.
func (h ExecutionHandle) WithStatus(s ExecutionStatus) ExecutionHandle {
	h.Status = s
	return h
}

// LogPage is one page of an execution's append-only log.
//
// LogStreamCompleted and ExecCompleted are independent: an execution can
// finish before all buffered lines were delivered, and log delivery can be
// marked complete before the execution is observed as finished.
type LogPage struct {
	Entries            []LogLine
	NextOffset         int64
	LogStreamCompleted bool
	ExecCompleted      bool
}

// LogLine is a single log entry.
type LogLine struct {
	Message   string    `json:"message"`
	Level     string    `json:"level,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JobRecord is a resolved job definition.
type JobRecord struct {
	ID          string `json:"id"`
	Project     string `json:"project"`
	Group       string `json:"group,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Reference returns the job's project:group/name form.
func (j JobRecord) Reference() string {
	if j.Group == "" {
		return j.Project + ":" + j.Name
	}
	return j.Project + ":" + j.Group + "/" + j.Name
}

// AbortResult is the service's answer to an abort request.
type AbortResult struct {
	// Acknowledged is true when the service accepted the abort.
	Acknowledged bool `json:"acknowledged"`

	// Status is the raw abort status reported by the service
	// (e.g. "aborted", "pending", "failed").
	Status string `json:"status,omitempty"`

	// Reason explains a refused abort.
	Reason string `json:"reason,omitempty"`
}
