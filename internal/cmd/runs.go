package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/rexmon/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
	Long: `Inspect the local record of monitored runs.

Every 'rexmon run' writes a record with the execution id, final status and,
for runs that failed mid-tail, the command that resumes the log.

Run ids may be abbreviated to any unique prefix.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old finished run records",
	RunE:  runRunsGC,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsGCCmd)

	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsShowCmd.Flags().Bool("json", false, "Output as JSON")
	runsGCCmd.Flags().String("max-age", "168h", "Delete finished runs older than this duration")
	runsGCCmd.Flags().Bool("dry-run", false, "Show how many runs would be deleted")
	runsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	runs, err := registryStore().List()
	if err != nil {
		return exitError(exitFileReadError, "Failed to list runs", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if runs == nil {
			runs = []runregistry.Record{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tINSTANCE\tJOB\tEXECUTION\tSTATE\tSTARTED\tENDED")
	for _, r := range runs {
		job := r.JobRef
		if job == "" {
			job = r.Job
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.RunID), r.Instance, job, dashIfEmpty(r.ExecutionID), r.State,
			formatOptionalTime(r.StartedAt), formatOptionalTime(r.EndedAt))
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store := registryStore()
	runID, err := store.Resolve(args[0])
	if err != nil {
		if errors.Is(err, runregistry.ErrRunNotFound) {
			return exitError(exitFileNotFound, "Run not found", err)
		}
		return exitError(exitInvalidArgument, "Cannot resolve run id", err)
	}
	rec, err := store.Get(runID)
	if err != nil {
		return exitError(exitFileReadError, "Failed to read run record", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	row := func(k, v string) {
		if v != "" {
			_, _ = fmt.Fprintf(w, "%s:\t%s\n", k, v)
		}
	}
	row("Run ID", rec.RunID)
	row("Instance", rec.Instance)
	row("Job", rec.Job)
	row("Job ID", rec.JobID)
	row("Execution", rec.ExecutionID)
	row("URL", rec.ExecutionURL)
	row("State", string(rec.State))
	row("Status", rec.Status)
	row("Options", formatPairs(rec.Options))
	row("Node filters", formatPairs(rec.NodeFilters))
	row("Lines", fmt.Sprintf("%d", rec.LinesSeen))
	row("Last offset", fmt.Sprintf("%d", rec.LastOffset))
	row("Created", rec.CreatedAt.Format(time.RFC3339))
	row("Started", formatOptionalTime(rec.StartedAt))
	row("Ended", formatOptionalTime(rec.EndedAt))
	row("Archive", rec.ArchiveURI)
	row("Error", rec.Error)
	row("Resume", rec.ResumeHint)
	return nil
}

type runsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runRunsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid --max-age value", err)
	}
	if maxAge <= 0 {
		return exitError(exitInvalidArgument, "Invalid --max-age value", fmt.Errorf("max-age must be > 0"))
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	n, err := registryStore().GC(maxAge, time.Now().UTC(), dryRun)
	if err != nil {
		return exitError(exitFileWriteError, "Failed to delete run records", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		res := runsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldDelete = n
		} else {
			res.Deleted = n
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", n)
		return nil
	}
	_, _ = fmt.Fprintf(out, "deleted=%d\n", n)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatPairs(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, " ")
}
