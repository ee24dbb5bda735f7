// Package cmd implements the rexmon command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/rexmon/internal/config"
	"github.com/3leaps/rexmon/internal/observability"
)

var (
	cfgFile   string
	appConfig *config.Config
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

var rootCmd = &cobra.Command{
	Use:   "rexmon",
	Short: "Trigger and monitor jobs on a remote execution service",
	Long: `rexmon triggers jobs on a remote job-execution service, follows their
progress (status polling or live log tailing) and reports how they ended.

Interrupting a monitored run (Ctrl-C) asks the service to abort the
execution before rexmon exits.

Examples:
  rexmon run ops:deploy/restart --option version=1.2.3 --tail
  rexmon logs 1042 --offset 300 --follow
  rexmon runs list`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: $HOME/.config/rexmon/config.yaml)")
	pf.String("instance", "", "Remote instance name from the config file")
	pf.String("url", "", "Remote instance base URL (overrides the configured instance)")
	pf.String("token", "", "Remote API token (overrides the configured instance)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-profile", "", "Log profile: console or structured")
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// Execute runs the root command with ctx. Cancelling ctx interrupts the
// running command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// setDefaults registers configuration defaults on the global viper.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
	viper.SetDefault("instance", "")
	viper.SetDefault("url", "")
	viper.SetDefault("token", "")
}

// loadConfig resolves configuration for every command and initializes the
// CLI logger.
func loadConfig(cmd *cobra.Command, _ []string) error {
	setDefaults()
	config.BindEnv(viper.GetViper())

	pf := cmd.Flags()
	for key, flag := range map[string]string{
		"instance":        "instance",
		"url":             "url",
		"token":           "token",
		"logging.level":   "log-level",
		"logging.profile": "log-profile",
	} {
		if f := pf.Lookup(flag); f != nil && f.Changed {
			if err := viper.BindPFlag(key, f); err != nil {
				return exitError(exitInvalidArgument, "Invalid flag binding", err)
			}
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		for _, p := range config.DefaultConfigPaths() {
			viper.AddConfigPath(p)
		}
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return exitError(exitFileReadError, "Failed to read config file", err)
		}
	}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(exitInvalidArgument, "Invalid logging configuration", err)
	}
	if used := viper.ConfigFileUsed(); used != "" {
		observability.CLILogger.Debug("Loaded config file", zap.String("path", used))
	}
	return nil
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s (exit code %d): %v", e.Message, e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, msg string, err error) error {
	return &ExitError{Code: code, Message: msg, Err: err}
}

// ExitCode returns the exit code carried by err: 0 for nil, the ExitError
// code when there is one, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// flagOrConfig returns the named string flag when set, otherwise the
// viper value for key.
func flagOrConfig(cmd *cobra.Command, flag, key string) string {
	if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
		return strings.TrimSpace(f.Value.String())
	}
	return strings.TrimSpace(viper.GetString(key))
}
