package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/rexmon/internal/observability"
	"github.com/3leaps/rexmon/pkg/jobcache"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <job>",
	Short: "Resolve a job reference to its canonical id",
	Long: `Resolve a project:group/name reference (or a canonical id) to the job
record known by the service.

When several jobs match a reference the last one listed wins.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().Bool("json", false, "Output as JSON")
}

func runResolve(cmd *cobra.Command, args []string) error {
	if _, err := jobcache.ParseIdentifier(args[0]); err != nil {
		return exitError(exitInvalidArgument, "Invalid job identifier", err)
	}

	instance, svc, err := newService(cmd, "")
	if err != nil {
		return err
	}

	job, err := jobcache.NewNull(observability.CLILogger).Resolve(cmd.Context(), args[0], instance, svc)
	if err != nil {
		return remoteExitError("Failed to resolve job", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", job.ID, job.Reference())
	return nil
}
