package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/rexmon/internal/observability"
	"github.com/3leaps/rexmon/pkg/jobcache"
	"github.com/3leaps/rexmon/pkg/logarchive"
	"github.com/3leaps/rexmon/pkg/output"
	"github.com/3leaps/rexmon/pkg/runner"
	"github.com/3leaps/rexmon/pkg/runregistry"
	"github.com/3leaps/rexmon/pkg/runspec"
)

var runCmd = &cobra.Command{
	Use:   "run [job]",
	Short: "Trigger a job and monitor it until it ends",
	Long: `Trigger a job and wait for the execution to finish.

The job is a project:group/name reference (group may be empty or nested,
e.g. ops:deploy/restart or ops:restart) or a canonical job id.

By default the execution status is polled. With --tail the execution log is
followed and printed as it grows. Interrupting rexmon (Ctrl-C) asks the
service to abort the execution.

A request file (--spec) may supply the job, instance, options and node
filters; command-line values take precedence.

Examples:
  rexmon run ops:deploy/restart
  rexmon run ops:deploy/restart --option version=1.2.3 --filter tags=web --tail
  rexmon run --spec restart.yaml --json
  rexmon run 3f1c2d8e-7a4b-4c55-9a1f-0d2b1c3e4f5a --archive`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringArray("option", nil, "Job option as key=value (repeatable)")
	f.StringArray("filter", nil, "Node filter as key=value (repeatable)")
	f.String("spec", "", "Request file (YAML or JSON)")
	f.Bool("tail", false, "Follow the execution log instead of polling status")
	f.Bool("json", false, "Emit JSONL records instead of text")
	f.Bool("archive", false, "Archive the collected log when the run ends")
	f.Bool("fail-on-unstable", false, "Fail when the execution is still running after an abort")
}

// runSettings is the merged view of flags, request file and config.
type runSettings struct {
	job            string
	instance       string
	options        map[string]string
	nodeFilters    map[string]string
	tailLogs       bool
	archive        bool
	failOnUnstable bool
}

func resolveRunSettings(cmd *cobra.Command, args []string) (*runSettings, error) {
	spec := &runspec.Spec{}
	if path, _ := cmd.Flags().GetString("spec"); strings.TrimSpace(path) != "" {
		loaded, err := runspec.Load(path)
		if err != nil {
			return nil, exitError(exitInvalidArgument, "Invalid request file", err)
		}
		spec = loaded
	}

	s := &runSettings{
		job:            spec.Job,
		instance:       spec.Instance,
		tailLogs:       appConfig.Wait.TailLogs,
		archive:        appConfig.Archive.Enabled,
		failOnUnstable: appConfig.Wait.FailOnUnstable,
	}
	if len(args) == 1 {
		s.job = args[0]
	}
	if strings.TrimSpace(s.job) == "" {
		return nil, exitError(exitInvalidArgument, "A job is required (argument or request file)", nil)
	}

	optionPairs, _ := cmd.Flags().GetStringArray("option")
	options, err := runspec.ParseKeyValues(optionPairs)
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Invalid --option value", err)
	}
	filterPairs, _ := cmd.Flags().GetStringArray("filter")
	filters, err := runspec.ParseKeyValues(filterPairs)
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Invalid --filter value", err)
	}
	s.options = runspec.MergeMaps(spec.Options, options)
	s.nodeFilters = runspec.MergeMaps(spec.NodeFilters, filters)

	s.tailLogs = boolSetting(cmd, "tail", spec.TailLogs, s.tailLogs)
	s.archive = boolSetting(cmd, "archive", spec.Archive, s.archive)
	s.failOnUnstable = boolSetting(cmd, "fail-on-unstable", spec.FailOnUnstable, s.failOnUnstable)
	return s, nil
}

// boolSetting prefers an explicit flag, then the request file, then the
// configured value.
func boolSetting(cmd *cobra.Command, flag string, fromSpec *bool, fallback bool) bool {
	if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
		v, _ := cmd.Flags().GetBool(flag)
		return v
	}
	if fromSpec != nil {
		return *fromSpec
	}
	return fallback
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	settings, err := resolveRunSettings(cmd, args)
	if err != nil {
		return err
	}

	instance, svc, err := newService(cmd, settings.instance)
	if err != nil {
		return err
	}

	runID := runregistry.NewRunID()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	var w output.Writer
	if jsonOutput {
		w = output.NewJSONLWriter(cmd.OutOrStdout(), runID, instance)
	} else {
		w = output.NewTextWriter(cmd.OutOrStdout(), cmd.ErrOrStderr())
	}
	defer func() { _ = w.Close() }()

	opts := []runner.Option{runner.WithRegistry(registryStore())}
	if settings.archive {
		sink, err := logarchive.New(ctx, appConfig.Archive.SinkConfig())
		if err != nil {
			return exitError(exitFileWriteError, "Cannot open log archive", err)
		}
		defer func() { _ = sink.Close() }()
		opts = append(opts, runner.WithArchive(sink))
	}

	resolver := jobcache.New(appConfig.Cache.ResolverConfig(log))
	r := runner.New(resolver, runner.Config{
		Wait:           appConfig.WaiterConfig(log),
		FailOnUnstable: settings.failOnUnstable,
		ArchivePrefix:  appConfig.Archive.Prefix,
		Logger:         log,
	}, opts...)

	rep, err := r.Run(ctx, runner.Request{
		RunID:       runID,
		Instance:    instance,
		Service:     svc,
		Job:         settings.job,
		Options:     settings.options,
		NodeFilters: settings.nodeFilters,
		TailLogs:    settings.tailLogs,
		Archive:     settings.archive,
		Output:      w,
	})
	log.Debug(resolver.Summary())
	if err != nil {
		return remoteExitError(fmt.Sprintf("Run %s failed", runID), err)
	}

	if rep.Result.Cancelled {
		return exitError(exitSignalInt, "Run interrupted", fmt.Errorf("execution %s ended %s", rep.Execution.ID, rep.Result.Status))
	}
	if err := rep.Err(); err != nil {
		return exitError(exitRunFailed, "Job did not succeed", err)
	}
	if rep.ArchiveErr != nil {
		return exitError(exitFileWriteError, "Log archive failed", rep.ArchiveErr)
	}
	log.Debug("Run complete", zap.String("run_id", runID), zap.String("outcome", string(rep.Outcome)))
	return nil
}
