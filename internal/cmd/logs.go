package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/rexmon/internal/observability"
	"github.com/3leaps/rexmon/pkg/output"
	"github.com/3leaps/rexmon/pkg/remote"
	"github.com/3leaps/rexmon/pkg/runner"
	"github.com/3leaps/rexmon/pkg/tail"
)

var logsCmd = &cobra.Command{
	Use:   "logs <execution_id>",
	Short: "Print the log of an execution",
	Long: `Print the log of an execution starting at --offset.

Without --follow the buffered log is printed once. With --follow the log is
tailed until the execution finishes. A failed or interrupted follow prints
the command that resumes from where it stopped.

Examples:
  rexmon logs 1042
  rexmon logs 1042 --offset 300 --follow`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().Int64("offset", 0, "Log offset to start from")
	logsCmd.Flags().Bool("follow", false, "Follow the log until the execution finishes")
	logsCmd.Flags().Bool("json", false, "Emit JSONL records instead of text")
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	executionID := args[0]

	offset, _ := cmd.Flags().GetInt64("offset")
	if offset < 0 {
		return exitError(exitInvalidArgument, "Invalid --offset value", fmt.Errorf("offset must be >= 0"))
	}

	instance, svc, err := newService(cmd, "")
	if err != nil {
		return err
	}

	var w output.Writer
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		w = output.NewJSONLWriter(cmd.OutOrStdout(), "", instance)
	} else {
		w = output.NewTextWriter(cmd.OutOrStdout(), cmd.ErrOrStderr())
	}
	defer func() { _ = w.Close() }()

	if follow, _ := cmd.Flags().GetBool("follow"); follow {
		return followLogs(ctx, svc, w, executionID, offset)
	}
	return printLogPage(ctx, cmd, svc, w, executionID, offset)
}

// printLogPage prints everything buffered from offset in a single fetch.
func printLogPage(ctx context.Context, cmd *cobra.Command, svc remote.LogFetcher, w output.Writer, executionID string, offset int64) error {
	page, err := svc.GetLogPage(ctx, executionID, offset, 0, remote.Unbounded)
	if err != nil {
		return remoteExitError("Failed to fetch execution log", err)
	}
	for _, line := range page.Entries {
		if line.Message == "" {
			continue
		}
		if err := w.WriteLine(ctx, output.NewLineRecord(executionID, line)); err != nil {
			return exitError(exitFileWriteError, "Failed to write log output", err)
		}
	}

	if !page.LogStreamCompleted || !page.ExecCompleted {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "more output may follow: %s --follow\n", runner.ResumeHint(executionID, page.NextOffset))
	}
	return nil
}

// followLogs tails the log until the execution finishes.
func followLogs(ctx context.Context, svc remote.LogFetcher, w output.Writer, executionID string, offset int64) error {
	log := observability.CLILogger
	tc := appConfig.Tail.PollerConfig(log)
	tc.StartOffset = offset
	p := tail.New(svc, executionID, tc)

	for batch, err := range p.Batches(ctx) {
		if err != nil {
			hint := runner.ResumeHint(executionID, p.Offset())
			_ = w.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{
				Code:        output.ErrorCode(err),
				Message:     err.Error(),
				ExecutionID: executionID,
				Offset:      p.Offset(),
				ResumeHint:  hint,
			})
			return remoteExitError("Log tail failed", err)
		}
		for _, line := range batch {
			if err := w.WriteLine(context.WithoutCancel(ctx), output.NewLineRecord(executionID, line)); err != nil {
				return exitError(exitFileWriteError, "Failed to write log output", err)
			}
		}
	}

	if ctx.Err() != nil {
		hint := runner.ResumeHint(executionID, p.Offset())
		log.Info("Log follow interrupted", zap.String("resume_hint", hint))
		_ = w.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{
			Code:        output.ErrCodeCancelled,
			Message:     "interrupted",
			ExecutionID: executionID,
			Offset:      p.Offset(),
			ResumeHint:  hint,
		})
		return exitError(exitSignalInt, "Log follow interrupted", errors.Join(ctx.Err(), fmt.Errorf("resume with: %s", hint)))
	}
	return nil
}
