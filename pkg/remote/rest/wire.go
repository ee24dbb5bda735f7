package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/rexmon/pkg/remote"
)

// flexID accepts ids encoded as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type triggerRequest struct {
	Options map[string]string `json:"options,omitempty"`
	Filter  string            `json:"filter,omitempty"`
}

type executionResponse struct {
	ID        flexID `json:"id"`
	Href      string `json:"href,omitempty"`
	Permalink string `json:"permalink,omitempty"`
	Status    string `json:"status"`
}

type outputEntry struct {
	Time         string `json:"time,omitempty"`
	AbsoluteTime string `json:"absolute_time,omitempty"`
	Level        string `json:"level,omitempty"`
	Log          string `json:"log"`
}

type outputResponse struct {
	ID            flexID        `json:"id"`
	Offset        json.Number   `json:"offset"`
	Completed     bool          `json:"completed"`
	ExecCompleted bool          `json:"execCompleted"`
	ExecState     string        `json:"execState,omitempty"`
	LastModified  json.Number   `json:"lastModified,omitempty"`
	Entries       []outputEntry `json:"entries"`
}

type abortResponse struct {
	Abort struct {
		Status string `json:"status"`
		Reason string `json:"reason,omitempty"`
	} `json:"abort"`
	Execution *executionResponse `json:"execution,omitempty"`
}

type jobResponse struct {
	ID          flexID `json:"id"`
	Name        string `json:"name"`
	Group       string `json:"group,omitempty"`
	Project     string `json:"project"`
	Description string `json:"description,omitempty"`
}

func (j jobResponse) record() remote.JobRecord {
	return remote.JobRecord{
		ID:          string(j.ID),
		Project:     j.Project,
		Group:       j.Group,
		Name:        j.Name,
		Description: j.Description,
	}
}

// mapStatus translates the service's execution states.
func mapStatus(s string) (remote.ExecutionStatus, error) {
	switch strings.ToLower(s) {
	case "running", "scheduled", "queued":
		return remote.StatusRunning, nil
	case "succeeded":
		return remote.StatusSucceeded, nil
	case "failed", "timedout", "failed-with-retry":
		return remote.StatusFailed, nil
	case "aborted":
		return remote.StatusAborted, nil
	default:
		return "", fmt.Errorf("%w: unknown execution status %q", remote.ErrProtocol, s)
	}
}

// logPage converts an output response. Entries without an absolute
// timestamp keep a zero Timestamp.
func (o *outputResponse) logPage() (*remote.LogPage, error) {
	next, err := strconv.ParseInt(o.Offset.String(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid offset %q", remote.ErrProtocol, o.Offset.String())
	}

	page := &remote.LogPage{
		NextOffset:         next,
		LogStreamCompleted: o.Completed,
		ExecCompleted:      o.ExecCompleted,
		Entries:            make([]remote.LogLine, 0, len(o.Entries)),
	}
	for _, e := range o.Entries {
		line := remote.LogLine{Message: e.Log, Level: e.Level}
		if e.AbsoluteTime != "" {
			if ts, err := time.Parse(time.RFC3339Nano, e.AbsoluteTime); err == nil {
				line.Timestamp = ts
			}
		}
		page.Entries = append(page.Entries, line)
	}
	return page, nil
}

// nodeFilter renders node filters as "key: value" pairs in key order.
func nodeFilter(filters map[string]string) string {
	if len(filters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+filters[k])
	}
	return strings.Join(parts, " ")
}
