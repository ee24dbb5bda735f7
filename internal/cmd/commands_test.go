package cmd

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/rexmon/pkg/remote"
	"github.com/3leaps/rexmon/pkg/runregistry"
)

func TestStatusCommand(t *testing.T) {
	testEnv(t)
	fake, url := newFakeInstance(t)
	job := fake.AddJob(remote.JobRecord{Project: "ops", Name: "restart"})
	h := startExecution(t, url, job.ID)

	out, _, err := executeCommand(t, "status", h.ID, "--url", url)
	require.NoError(t, err)
	assert.Equal(t, h.ID+"\tRUNNING\n", out)

	fake.Finish(h.ID, "timedout")
	out, _, err = executeCommand(t, "status", h.ID, "--url", url, "--json")
	require.NoError(t, err)
	var res statusResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "FAILED", res.Status)
	assert.True(t, res.Terminal)

	_, _, err = executeCommand(t, "status", "no-such-execution", "--url", url)
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
}

func TestLogsCommand(t *testing.T) {
	testEnv(t)
	fake, url := newFakeInstance(t)
	job := fake.AddJob(remote.JobRecord{Project: "ops", Name: "restart"})
	h := startExecution(t, url, job.ID)
	fake.AppendLog(h.ID, "one", "two", "three")

	out, errOut, err := executeCommand(t, "logs", h.ID, "--url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "[NORMAL] one")
	assert.Contains(t, out, "three")
	assert.Contains(t, errOut, "rexmon logs "+h.ID+" --offset 3 --follow")

	fake.Finish(h.ID, "succeeded")
	out, errOut, err = executeCommand(t, "logs", h.ID, "--url", url, "--offset", "2")
	require.NoError(t, err)
	assert.NotContains(t, out, "one")
	assert.Contains(t, out, "three")
	assert.Empty(t, errOut)

	_, _, err = executeCommand(t, "logs", h.ID, "--url", url, "--offset", "-1")
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
}

func TestLogsCommand_Follow(t *testing.T) {
	testEnv(t)
	fake, url := newFakeInstance(t)
	job := fake.AddJob(remote.JobRecord{Project: "ops", Name: "restart"})
	h := startExecution(t, url, job.ID)
	fake.AppendLog(h.ID, "skipped", "first")

	go func() {
		time.Sleep(20 * time.Millisecond)
		fake.AppendLog(h.ID, "second")
		fake.Finish(h.ID, "succeeded")
	}()

	out, _, err := executeCommand(t, "logs", h.ID, "--url", url, "--offset", "1", "--follow", "--json")
	require.NoError(t, err)

	var messages []string
	for _, rec := range decodeRecords(t, out) {
		var l struct {
			Message string `json:"message"`
		}
		require.NoError(t, json.Unmarshal(rec.Data, &l))
		messages = append(messages, l.Message)
	}
	assert.Equal(t, []string{"first", "second"}, messages)
}

func TestAbortCommand(t *testing.T) {
	testEnv(t)
	fake, url := newFakeInstance(t)
	job := fake.AddJob(remote.JobRecord{Project: "ops", Name: "restart"})
	h := startExecution(t, url, job.ID)

	out, _, err := executeCommand(t, "abort", h.ID, "--url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "abort "+h.ID+": aborted")

	exec, _ := fake.Execution(h.ID)
	assert.Equal(t, "aborted", exec.State)

	out, _, err = executeCommand(t, "abort", h.ID, "--url", url)
	require.Error(t, err)
	assert.Equal(t, exitExternalServiceUnavailable, ExitCode(err))
	assert.Contains(t, out, "execution already completed")
}

func TestResolveCommand(t *testing.T) {
	testEnv(t)
	fake, url := newFakeInstance(t)
	fake.AddJob(remote.JobRecord{ID: "first", Project: "ops", Group: "deploy", Name: "restart"})
	fake.AddJob(remote.JobRecord{ID: "second", Project: "ops", Group: "deploy", Name: "restart"})

	out, _, err := executeCommand(t, "resolve", "ops:deploy/restart", "--url", url)
	require.NoError(t, err)
	assert.Equal(t, "second\tops:deploy/restart\n", out)

	out, _, err = executeCommand(t, "resolve", "ops:deploy/restart", "--url", url, "--json")
	require.NoError(t, err)
	var job remote.JobRecord
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, "second", job.ID)

	_, _, err = executeCommand(t, "resolve", "not a job", "--url", url)
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
}

func seedRuns(t *testing.T, root string) {
	t.Helper()
	store := runregistry.NewStore(root)
	old := time.Now().Add(-30 * 24 * time.Hour).UTC()
	recent := time.Now().Add(-time.Hour).UTC()

	require.NoError(t, store.Write(&runregistry.Record{
		RunID: "aaaa1111-old", Instance: "prod", Job: "ops:restart", ExecutionID: "41",
		State: runregistry.StateSucceeded, CreatedAt: old, StartedAt: &old, EndedAt: &old,
	}))
	require.NoError(t, store.Write(&runregistry.Record{
		RunID: "bbbb2222-new", Instance: "prod", Job: "ops:restart", ExecutionID: "42",
		State: runregistry.StateError, Error: "tail failed", ResumeHint: "rexmon logs 42 --offset 7",
		Options:   map[string]string{"b": "2", "a": "1"},
		CreatedAt: recent, StartedAt: &recent, EndedAt: &recent,
	}))
}

func TestRunsCommands(t *testing.T) {
	registry := testEnv(t)

	out, _, err := executeCommand(t, "runs", "list")
	require.NoError(t, err)
	assert.Equal(t, "No runs found\n", out)

	seedRuns(t, registry)

	out, _, err = executeCommand(t, "runs", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "RUN ID"))
	assert.True(t, strings.HasPrefix(lines[1], "bbbb2222"), "newest first")

	out, _, err = executeCommand(t, "runs", "show", "bbbb")
	require.NoError(t, err)
	assert.Contains(t, out, "rexmon logs 42 --offset 7")
	assert.Contains(t, out, "a=1 b=2")

	out, _, err = executeCommand(t, "runs", "show", "bbbb2222-new", "--json")
	require.NoError(t, err)
	var rec runregistry.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "42", rec.ExecutionID)

	_, _, err = executeCommand(t, "runs", "show", "zzzz")
	require.Error(t, err)
	assert.Equal(t, exitFileNotFound, ExitCode(err))

	out, _, err = executeCommand(t, "runs", "gc", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, "would_delete=1\n", out)

	out, _, err = executeCommand(t, "runs", "gc", "--json")
	require.NoError(t, err)
	var gc runsGCResult
	require.NoError(t, json.Unmarshal([]byte(out), &gc))
	assert.Equal(t, 1, gc.Deleted)

	out, _, err = executeCommand(t, "runs", "list", "--json")
	require.NoError(t, err)
	var runs []runregistry.Record
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "bbbb2222-new", runs[0].RunID)

	_, _, err = executeCommand(t, "runs", "gc", "--max-age", "-1h")
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
}
