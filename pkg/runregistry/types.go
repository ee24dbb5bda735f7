package runregistry

import "time"

// State is the lifecycle state of a monitored run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type State string

const (
	StateResolving State = "resolving"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
	StateUnstable  State = "unstable"
	StateError     State = "error"
)

// Final reports whether the run will not change state again.
func (s State) Final() bool {
	switch s {
	case StateSucceeded, StateFailed, StateAborted, StateUnstable, StateError:
		return true
	default:
		return false
	}
}

// Record is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	RunID        string            `json:"run_id"`
	Instance     string            `json:"instance"`
	Job          string            `json:"job"`
	JobID        string            `json:"job_id,omitempty"`
	JobRef       string            `json:"job_ref,omitempty"`
	ExecutionID  string            `json:"execution_id,omitempty"`
	ExecutionURL string            `json:"execution_url,omitempty"`
	State        State             `json:"state"`
	Status       string            `json:"status,omitempty"`
	Options      map[string]string `json:"options,omitempty"`
	NodeFilters  map[string]string `json:"node_filters,omitempty"`
	LinesSeen    int               `json:"lines_seen,omitempty"`
	LastOffset   int64             `json:"last_offset"`
	Cancelled    bool              `json:"cancelled,omitempty"`
	Error        string            `json:"error,omitempty"`
	ResumeHint   string            `json:"resume_hint,omitempty"`
	ArchiveURI   string            `json:"archive_uri,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
