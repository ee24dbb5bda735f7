package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/rexmon/internal/observability"
	"github.com/3leaps/rexmon/pkg/logarchive"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment, the run registry, the
selected instance and, when archiving to S3, the AWS credentials.

Examples:
  rexmon doctor
  rexmon doctor --instance prod`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	ctx := cmd.Context()

	checks := []doctorCheck{
		{name: "Go runtime", run: checkRuntime},
		{name: "Fulmen libraries", run: checkFulmen},
		{name: "Run registry", run: checkRegistry},
		{name: "Instance", run: func(ctx context.Context) (string, error) { return checkInstance(ctx, cmd) }},
	}
	if appConfig.Archive.Kind == logarchive.KindS3 {
		checks = append(checks, doctorCheck{name: "S3 archive credentials", run: checkS3Credentials})
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, "=== rexmon doctor ===")
	failed := 0
	for i, c := range checks {
		detail, err := c.run(ctx)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "[%d/%d] %s... FAIL %v\n", i+1, len(checks), c.name, err)
			log.Debug("Doctor check failed", zap.String("check", c.name), zap.Error(err))
			continue
		}
		_, _ = fmt.Fprintf(out, "[%d/%d] %s... ok %s\n", i+1, len(checks), c.name, detail)
	}

	if failed > 0 {
		if appConfig.Archive.Kind == logarchive.KindS3 {
			printAWSCredentialsHelp(out)
		}
		return exitError(exitExternalServiceUnavailable, "Some checks failed", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	_, _ = fmt.Fprintln(out, "All checks passed.")
	return nil
}

func checkRuntime(context.Context) (string, error) {
	return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
}

func checkFulmen(context.Context) (string, error) {
	v := crucible.GetVersion()
	return fmt.Sprintf("gofulmen %s, crucible %s", versionOrUnknown(v.Gofulmen), versionOrUnknown(v.Crucible)), nil
}

func versionOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return "v" + v
}

// checkRegistry verifies the registry root can be created and written.
func checkRegistry(context.Context) (string, error) {
	root := registryStore().RootDir()
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(root, ".doctor-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return filepath.Clean(root), nil
}

// checkInstance performs one authenticated lookup against the instance.
func checkInstance(ctx context.Context, cmd *cobra.Command) (string, error) {
	name, svc, err := newService(cmd, "")
	if err != nil {
		return "", err
	}
	if _, err := svc.FindJob(ctx, "rexmon-doctor", "", "probe"); err != nil {
		return "", err
	}
	return name, nil
}

func checkS3Credentials(ctx context.Context) (string, error) {
	cfg, err := logarchive.LoadAWSConfig(ctx, appConfig.Archive.SinkConfig().S3)
	if err != nil {
		return "", fmt.Errorf("cannot load AWS config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s (source %s, region %s)", maskAccessKey(creds.AccessKeyID), source, cfg.Region), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp(w io.Writer) {
	_, _ = fmt.Fprint(w, `
To configure AWS credentials for the S3 archive:
  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or
  2. Set archive.s3.profile to a profile from 'aws configure', or
  3. Use an IAM role when running on AWS infrastructure

For S3-compatible storage (MinIO, Wasabi, etc.) also set archive.s3.endpoint
and usually archive.s3.force_path_style.
`)
}
