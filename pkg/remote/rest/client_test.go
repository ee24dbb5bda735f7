package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/rexmon/internal/fakeremote"
	"github.com/3leaps/rexmon/pkg/remote"
)

const testToken = "s3cret"

func newTestClient(t *testing.T, opts ...fakeremote.Option) (*Client, *fakeremote.Server) {
	t.Helper()
	fake := fakeremote.New(append([]fakeremote.Option{fakeremote.WithToken(testToken)}, opts...)...)
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Token: testToken})
	require.NoError(t, err)
	return c, fake
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: Config{BaseURL: "https://jobs.example.com"}},
		{name: "missing url", cfg: Config{}, wantErr: true},
		{name: "relative url", cfg: Config{BaseURL: "jobs.example.com"}, wantErr: true},
		{name: "bad scheme", cfg: Config{BaseURL: "ftp://jobs.example.com"}, wantErr: true},
		{name: "negative rate", cfg: Config{BaseURL: "http://localhost", RateLimit: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsConfigError(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{BaseURL: "https://jobs.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://jobs.example.com/api/41", c.baseURL)
	assert.Equal(t, DefaultTimeout, c.http.Timeout)
	assert.Nil(t, c.limiter)
}

func TestClient_FindJob(t *testing.T) {
	c, fake := newTestClient(t)
	fake.AddJob(remote.JobRecord{ID: "a", Project: "ops", Group: "deploy", Name: "restart"})
	fake.AddJob(remote.JobRecord{ID: "b", Project: "ops", Group: "deploy", Name: "restart"})
	fake.AddJob(remote.JobRecord{ID: "c", Project: "ops", Name: "restart"})
	fake.AddJob(remote.JobRecord{ID: "d", Project: "other", Group: "deploy", Name: "restart"})

	jobs, err := c.FindJob(context.Background(), "ops", "deploy", "restart")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "b", jobs[1].ID)

	top, err := c.FindJob(context.Background(), "ops", "", "restart")
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "c", top[0].ID)
}

func TestClient_GetJobByID(t *testing.T) {
	c, fake := newTestClient(t)
	job := fake.AddJob(remote.JobRecord{Project: "ops", Name: "restart", Description: "restart web"})

	rec, err := c.GetJobByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job, *rec)

	_, err = c.GetJobByID(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, remote.IsNotFound(err))
}

func TestClient_TriggerStatusAndLogs(t *testing.T) {
	c, fake := newTestClient(t)
	job := fake.AddJob(remote.JobRecord{Project: "ops", Name: "restart"})
	ctx := context.Background()

	h, err := c.Trigger(ctx, job.ID, map[string]string{"env": "prod"}, map[string]string{"tags": "web", "name": "node1"})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, remote.StatusRunning, h.Status)
	assert.Contains(t, h.URL, h.ID)

	exec, ok := fake.Execution(h.ID)
	require.True(t, ok)
	assert.Equal(t, "prod", exec.Options["env"])
	assert.Equal(t, "name: node1 tags: web", exec.Filter)

	fake.AppendLog(h.ID, "one", "two", "three")

	page, err := c.GetLogPage(ctx, h.ID, 0, 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "one", page.Entries[0].Message)
	assert.Equal(t, "NORMAL", page.Entries[0].Level)
	assert.False(t, page.Entries[0].Timestamp.IsZero())
	assert.Equal(t, int64(2), page.NextOffset)
	assert.False(t, page.LogStreamCompleted)
	assert.False(t, page.ExecCompleted)

	fake.Finish(h.ID, "succeeded")

	page, err = c.GetLogPage(ctx, h.ID, page.NextOffset, 0, remote.Unbounded)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "three", page.Entries[0].Message)
	assert.Equal(t, int64(3), page.NextOffset)
	assert.True(t, page.LogStreamCompleted)
	assert.True(t, page.ExecCompleted)

	status, err := c.GetStatus(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, remote.StatusSucceeded, status)
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		state string
		want  remote.ExecutionStatus
	}{
		{"running", remote.StatusRunning},
		{"scheduled", remote.StatusRunning},
		{"queued", remote.StatusRunning},
		{"succeeded", remote.StatusSucceeded},
		{"failed", remote.StatusFailed},
		{"timedout", remote.StatusFailed},
		{"failed-with-retry", remote.StatusFailed},
		{"aborted", remote.StatusAborted},
	}

	c, fake := newTestClient(t)
	job := fake.AddJob(remote.JobRecord{Project: "ops", Name: "restart"})
	h, err := c.Trigger(context.Background(), job.ID, nil, nil)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			fake.SetState(h.ID, tt.state)
			got, err := c.GetStatus(context.Background(), h.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	fake.SetState(h.ID, "other")
	_, err = c.GetStatus(context.Background(), h.ID)
	require.Error(t, err)
	assert.True(t, remote.IsProtocol(err))
}

func TestClient_Abort(t *testing.T) {
	c, fake := newTestClient(t)
	job := fake.AddJob(remote.JobRecord{Project: "ops", Name: "restart"})
	ctx := context.Background()

	h, err := c.Trigger(ctx, job.ID, nil, nil)
	require.NoError(t, err)

	res, err := c.Abort(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, res.Acknowledged)
	assert.Equal(t, "aborted", res.Status)

	status, err := c.GetStatus(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, remote.StatusAborted, status)

	res, err = c.Abort(ctx, h.ID)
	require.NoError(t, err)
	assert.False(t, res.Acknowledged)
	assert.Equal(t, "execution already completed", res.Reason)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		check func(error) bool
	}{
		{"server error", http.StatusBadGateway, remote.IsTransient},
		{"throttled", http.StatusTooManyRequests, remote.IsTransient},
		{"not found", http.StatusNotFound, remote.IsNotFound},
		{"unauthorized", http.StatusUnauthorized, remote.IsAccessDenied},
		{"forbidden", http.StatusForbidden, remote.IsAccessDenied},
		{"bad request", http.StatusBadRequest, remote.IsProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fake := newTestClient(t)
			fake.InjectFault(fakeremote.RouteJobs, tt.code)

			_, err := c.FindJob(context.Background(), "ops", "", "restart")
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected classification: %v", err)

			var svcErr *remote.ServiceError
			require.ErrorAs(t, err, &svcErr)
			assert.Equal(t, tt.code, svcErr.StatusCode)
			assert.Equal(t, "FindJob", svcErr.Op)
		})
	}
}

func TestClient_WrongToken(t *testing.T) {
	fake := fakeremote.New(fakeremote.WithToken(testToken))
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Token: "wrong"})
	require.NoError(t, err)

	_, err = c.FindJob(context.Background(), "ops", "", "restart")
	require.Error(t, err)
	assert.True(t, remote.IsAccessDenied(err))
}

func TestClient_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "e1", "offset": `))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.GetLogPage(context.Background(), "e1", 0, 0, 10)
	require.Error(t, err)
	assert.True(t, remote.IsProtocol(err))
}

func TestClient_NumericIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 1234, "status": "running", "href": "http://x/api/41/execution/1234"}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	h, err := c.Trigger(context.Background(), "job", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "1234", h.ID)
	assert.Equal(t, "http://x/api/41/execution/1234", h.URL)
}

func TestClient_UnboundedOmitsMaxLines(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "e1", "offset": "0", "completed": false, "execCompleted": false, "entries": []}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.GetLogPage(context.Background(), "e1", 10, 0, remote.Unbounded)
	require.NoError(t, err)
	_, err = c.GetLogPage(context.Background(), "e1", 10, 0, 50)
	require.NoError(t, err)

	require.Len(t, queries, 2)
	assert.Equal(t, "lastmod=0&offset=10", queries[0])
	assert.Equal(t, "lastmod=0&maxlines=50&offset=10", queries[1])
}

func TestClient_NetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.GetStatus(context.Background(), "e1")
	require.Error(t, err)
	assert.True(t, remote.IsTransient(err))
}

func TestClient_CancelledContext(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetStatus(ctx, "e1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_RateLimit(t *testing.T) {
	fake := fakeremote.New()
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, RateLimit: 20})
	require.NoError(t, err)
	require.NotNil(t, c.limiter)

	start := time.Now()
	for range 3 {
		_, err := c.FindJob(context.Background(), "ops", "", "restart")
		require.NoError(t, err)
	}
	// Burst of one: the second and third requests each wait ~50ms.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 3, fake.Requests(fakeremote.RouteJobs))
}
