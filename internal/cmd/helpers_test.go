package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/rexmon/internal/fakeremote"
	"github.com/3leaps/rexmon/pkg/remote"
	"github.com/3leaps/rexmon/pkg/remote/rest"
)

// testEnv isolates a command test from the user's config and registry and
// makes every wait loop fast.
func testEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", home)

	registry := t.TempDir()
	t.Setenv("REXMON_REGISTRY_DIR", registry)
	t.Setenv("REXMON_TAIL_ACTIVE_DELAY_MS", "1")
	t.Setenv("REXMON_TAIL_IDLE_DELAY_MS", "1")
	t.Setenv("REXMON_TAIL_RETRY_DELAY_MS", "1")
	t.Setenv("REXMON_WAIT_POLL_INTERVAL", "5ms")
	t.Setenv("REXMON_LOGGING_LEVEL", "error")
	return registry
}

// newFakeInstance starts a fake service and returns its base URL.
func newFakeInstance(t *testing.T, opts ...fakeremote.Option) (*fakeremote.Server, string) {
	t.Helper()
	fake := fakeremote.New(opts...)
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)
	return fake, srv.URL
}

// startExecution triggers jobID on the fake directly.
func startExecution(t *testing.T, baseURL, jobID string) *remote.ExecutionHandle {
	t.Helper()
	client, err := rest.New(rest.Config{BaseURL: baseURL})
	require.NoError(t, err)
	h, err := client.Trigger(context.Background(), jobID, nil, nil)
	require.NoError(t, err)
	return h
}

// executeCommand runs rootCmd with args and fresh flag and viper state.
func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return executeCommandContext(t, context.Background(), args...)
}

func executeCommandContext(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	viper.Reset()
	resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	rootCmd.SetContext(ctx)
	err := rootCmd.ExecuteContext(ctx)
	rootCmd.SetArgs(nil)
	return stdout.String(), stderr.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}
