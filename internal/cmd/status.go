package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <execution_id>",
	Short: "Show the status of an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "Output as JSON")
}

type statusResult struct {
	Instance    string `json:"instance"`
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Terminal    bool   `json:"terminal"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	instance, svc, err := newService(cmd, "")
	if err != nil {
		return err
	}

	status, err := svc.GetStatus(cmd.Context(), args[0])
	if err != nil {
		return remoteExitError("Failed to fetch execution status", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(statusResult{
			Instance:    instance,
			ExecutionID: args[0],
			Status:      status.String(),
			Terminal:    status.Terminal(),
		})
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], status)
	return nil
}
