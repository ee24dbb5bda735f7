package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var abortCmd = &cobra.Command{
	Use:   "abort <execution_id>",
	Short: "Ask the service to abort an execution",
	Long: `Ask the service to abort a running execution.

The command fails when the service does not acknowledge the request, for
example because the execution already completed.`,
	Args: cobra.ExactArgs(1),
	RunE: runAbort,
}

func init() {
	rootCmd.AddCommand(abortCmd)
	abortCmd.Flags().Bool("json", false, "Output as JSON")
}

func runAbort(cmd *cobra.Command, args []string) error {
	_, svc, err := newService(cmd, "")
	if err != nil {
		return err
	}

	res, err := svc.Abort(cmd.Context(), args[0])
	if err != nil {
		return remoteExitError("Abort request failed", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		line := fmt.Sprintf("abort %s: %s", args[0], res.Status)
		if res.Reason != "" {
			line += " (" + res.Reason + ")"
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
	}

	if !res.Acknowledged {
		return exitError(exitExternalServiceUnavailable, "Abort was not acknowledged", fmt.Errorf("abort status %q: %s", res.Status, res.Reason))
	}
	return nil
}
