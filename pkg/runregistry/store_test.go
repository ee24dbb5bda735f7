package runregistry

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	rec := &Record{
		RunID:       "run-1",
		Instance:    "prod",
		Job:         "ops:deploy/restart",
		JobID:       "j-1",
		ExecutionID: "e-1",
		State:       StateRunning,
		Options:     map[string]string{"env": "prod"},
		LastOffset:  42,
		CreatedAt:   now,
		StartedAt:   &now,
	}

	if err := s.Write(rec); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ExecutionID != "e-1" || got.LastOffset != 42 {
		t.Fatalf("record mismatch: %+v", got)
	}
	if got.Options["env"] != "prod" {
		t.Fatalf("options not persisted")
	}

	// No temp files left behind.
	entries, err := os.ReadDir(s.RunDir("run-1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only run.json, got %d entries", len(entries))
	}
}

func TestStore_WriteRejectsBadIDs(t *testing.T) {
	s := NewStore(t.TempDir())

	for _, id := range []string{"", "  ", "../escape", "a/b", ".."} {
		if err := s.Write(&Record{RunID: id}); err == nil {
			t.Fatalf("expected error for run_id %q", id)
		}
	}
	if err := s.Write(nil); err == nil {
		t.Fatalf("expected error for nil record")
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Get("nope")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	s := NewStore(t.TempDir())

	t1 := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)

	if err := s.Write(&Record{RunID: "run-1", State: StateRunning, CreatedAt: t1, StartedAt: &t1}); err != nil {
		t.Fatalf("Write run-1: %v", err)
	}
	if err := s.Write(&Record{RunID: "run-2", State: StateRunning, CreatedAt: t2}); err != nil {
		t.Fatalf("Write run-2: %v", err)
	}
	// Unreadable record is skipped.
	if err := os.MkdirAll(s.RunDir("broken"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(s.RunPath("broken"), []byte("{"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected run count: %d", len(got))
	}
	if got[0].RunID != "run-2" {
		t.Fatalf("expected newest first, got[0]=%q", got[0].RunID)
	}
}

func TestStore_ListMissingRoot(t *testing.T) {
	s := NewStore(t.TempDir() + "/absent")

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no runs, got %d", len(got))
	}
}

func TestStore_Resolve(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Now().UTC()
	for _, id := range []string{"abc123", "abd456", "xyz789"} {
		if err := s.Write(&Record{RunID: id, State: StateRunning, CreatedAt: now}); err != nil {
			t.Fatalf("Write %s: %v", id, err)
		}
	}

	tests := []struct {
		input   string
		want    string
		wantErr error
	}{
		{input: "abc123", want: "abc123"},
		{input: "xy", want: "xyz789"},
		{input: "abc", want: "abc123"},
		{input: "ab", wantErr: ErrAmbiguousID},
		{input: "q", wantErr: ErrRunNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := s.Resolve(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Fatalf("Resolve(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStore_GC(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	old := now.Add(-10 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	records := []*Record{
		{RunID: "old-done", State: StateSucceeded, CreatedAt: old, EndedAt: &old},
		{RunID: "old-running", State: StateRunning, CreatedAt: old},
		{RunID: "recent-done", State: StateFailed, CreatedAt: recent, EndedAt: &recent},
	}
	for _, r := range records {
		if err := s.Write(r); err != nil {
			t.Fatalf("Write %s: %v", r.RunID, err)
		}
	}

	n, err := s.GC(7*24*time.Hour, now, true)
	if err != nil || n != 1 {
		t.Fatalf("dry run: n=%d err=%v", n, err)
	}
	if _, err := s.Get("old-done"); err != nil {
		t.Fatalf("dry run removed a record: %v", err)
	}

	n, err = s.GC(7*24*time.Hour, now, false)
	if err != nil || n != 1 {
		t.Fatalf("gc: n=%d err=%v", n, err)
	}
	if _, err := s.Get("old-done"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected old-done removed, got %v", err)
	}
	if _, err := s.Get("old-running"); err != nil {
		t.Fatalf("running record removed: %v", err)
	}

	if _, err := s.GC(0, now, false); err == nil {
		t.Fatalf("expected error for zero max age")
	}
}

func TestState_Final(t *testing.T) {
	if StateRunning.Final() || StateResolving.Final() {
		t.Fatalf("in-flight states must not be final")
	}
	for _, st := range []State{StateSucceeded, StateFailed, StateAborted, StateUnstable, StateError} {
		if !st.Final() {
			t.Fatalf("%s should be final", st)
		}
	}
}
