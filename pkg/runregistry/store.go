// Package runregistry persists a record of every monitored run so that an
// interrupted or failed run can be inspected and resumed later.
package runregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/google/uuid"
)

// AppName names the app data directory the default root lives under.
const AppName = "rexmon"

var (
	// ErrRunNotFound indicates no record matches the requested id.
	ErrRunNotFound = errors.New("run not found")

	// ErrAmbiguousID indicates an id prefix matches more than one record.
	ErrAmbiguousID = errors.New("run id prefix is ambiguous")
)

// Store persists and loads Records from an on-disk directory.
//
// Directory layout:
//
//	<root>/<run_id>/run.json
type Store struct {
	root string
}

// NewStore returns a store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

// DefaultRoot returns <app data dir>/runs.
func DefaultRoot() string {
	return filepath.Join(gfconfig.GetAppDataDir(AppName), "runs")
}

// NewRunID returns a fresh run id.
func NewRunID() string {
	return uuid.NewString()
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("run registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write stores the record atomically (temp file + rename).
func (s *Store) Write(record *Record) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run_id %q", runID)
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	runDir := s.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(runDir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}

	if err := os.Rename(tmpName, s.RunPath(runID)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads the record with the exact run id.
func (s *Store) Get(runID string) (*Record, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	b, err := os.ReadFile(s.RunPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty")
	}

	var record Record
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}
	return &record, nil
}

// List returns every readable record, newest first. Unreadable records
// are skipped.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return sortTime(out[i]).After(sortTime(out[j]))
	})
	return out, nil
}

// Resolve maps an exact run id or a unique prefix of one to a run id.
func (s *Store) Resolve(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("run_id is required")
	}

	// Exact match first.
	if _, err := s.Get(input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	runs, err := s.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, r := range runs {
		if strings.HasPrefix(r.RunID, input) {
			matches = append(matches, r.RunID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, input)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w (%d matches); use the full run_id", ErrAmbiguousID, len(matches))
	}
}

// GC removes final records that ended more than maxAge ago. With dryRun
// set nothing is removed. It returns how many records were (or would be)
// removed.
func (s *Store) GC(maxAge time.Duration, now time.Time, dryRun bool) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max age must be > 0")
	}

	runs, err := s.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, r := range runs {
		if r.EndedAt == nil || !r.State.Final() {
			continue
		}
		if now.Sub(r.EndedAt.UTC()) <= maxAge {
			continue
		}
		if !dryRun {
			if err := os.RemoveAll(s.RunDir(r.RunID)); err != nil {
				return removed, fmt.Errorf("remove run dir: %w", err)
			}
		}
		removed++
	}
	return removed, nil
}

func sortTime(r Record) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}
