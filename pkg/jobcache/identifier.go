package jobcache

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/rexmon/pkg/remote"
)

// referencePattern matches "project:group/name" job references. The group
// may be empty ("project:name") or nested ("project:a/b/name").
var referencePattern = regexp.MustCompile(`^([^:]+?):(.*?)/?([^/]+)$`)

// Identifier is a parsed job identifier.
type Identifier struct {
	// Raw is the trimmed input.
	Raw string

	// IsReference is true for project:group/name references. Otherwise
	// Raw is an opaque canonical job id.
	IsReference bool

	Project string
	Group   string
	Name    string
}

// ParseIdentifier classifies a job identifier.
//
// Returns an error wrapping remote.ErrInvalidIdentifier when the input is
// empty, contains whitespace, or looks like a reference (has ':' or '/')
// without matching the reference form.
func ParseIdentifier(s string) (Identifier, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Identifier{}, fmt.Errorf("%w: empty", remote.ErrInvalidIdentifier)
	}

	if m := referencePattern.FindStringSubmatch(raw); m != nil {
		return Identifier{
			Raw:         raw,
			IsReference: true,
			Project:     m[1],
			Group:       m[2],
			Name:        m[3],
		}, nil
	}

	if strings.ContainsAny(raw, ":/") {
		return Identifier{}, fmt.Errorf("%w: %q is not of the form project:group/name", remote.ErrInvalidIdentifier, raw)
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return Identifier{}, fmt.Errorf("%w: %q contains whitespace", remote.ErrInvalidIdentifier, raw)
	}

	return Identifier{Raw: raw}, nil
}

// IsCanonicalID reports whether s is UUID-shaped.
func IsCanonicalID(s string) bool {
	_, err := uuid.Parse(strings.TrimSpace(s))
	return err == nil
}

// Load resolves identifier against the service without caching.
//
// References are resolved through the job listing; when several jobs
// match the same project, group and name, the last one listed is used.
// Opaque ids are fetched directly.
func Load(ctx context.Context, svc remote.JobFinder, identifier string) (*remote.JobRecord, error) {
	id, err := ParseIdentifier(identifier)
	if err != nil {
		return nil, err
	}

	if !id.IsReference {
		rec, err := svc.GetJobByID(ctx, id.Raw)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("job %q: %w: empty job record", id.Raw, remote.ErrProtocol)
		}
		return rec, nil
	}

	jobs, err := svc.FindJob(ctx, id.Project, id.Group, id.Name)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job %q: %w", id.Raw, remote.ErrNotFound)
	}

	// Last match wins. Listings are not guaranteed to be unique per
	// (project, group, name) and the last entry is the one kept.
	last := jobs[len(jobs)-1]
	return &last, nil
}
