package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/rexmon/internal/config"
	"github.com/3leaps/rexmon/internal/observability"
	"github.com/3leaps/rexmon/pkg/remote"
	"github.com/3leaps/rexmon/pkg/remote/rest"
	"github.com/3leaps/rexmon/pkg/runregistry"
)

// Exit codes.
const (
	exitRunFailed                  = 1
	exitInvalidArgument            = int(foundry.ExitInvalidArgument)
	exitExternalServiceUnavailable = int(foundry.ExitExternalServiceUnavailable)
	exitSignalInt                  = int(foundry.ExitSignalInt)
	exitFileWriteError             = int(foundry.ExitFileWriteError)
	exitFileNotFound               = int(foundry.ExitFileNotFound)
	exitFileReadError              = int(foundry.ExitFileReadError)
)

// adHocInstance names an instance given only by --url.
const adHocInstance = "default"

// selectInstance returns the instance addressed by --instance/--url/--token
// (or REXMON_INSTANCE/REXMON_URL/REXMON_TOKEN) on top of the config file.
func selectInstance(cmd *cobra.Command, preferred string) (string, config.InstanceConfig, error) {
	name := flagOrConfig(cmd, "instance", "instance")
	if name == "" {
		name = preferred
	}
	baseURL := flagOrConfig(cmd, "url", "url")
	token := flagOrConfig(cmd, "token", "token")

	var (
		inst config.InstanceConfig
		err  error
	)
	if baseURL != "" {
		if name == "" {
			name = adHocInstance
		}
		name = strings.ToLower(name)
		inst = appConfig.Instances[name]
		inst.URL = baseURL
	} else {
		name, inst, err = appConfig.Instance(name)
		if err != nil {
			return "", config.InstanceConfig{}, exitError(exitInvalidArgument, "No usable instance (set --instance or --url)", err)
		}
	}
	if token != "" {
		inst.Token = token
	}
	return name, inst, nil
}

// newService builds the REST client for the selected instance.
func newService(cmd *cobra.Command, preferred string) (string, *rest.Client, error) {
	name, inst, err := selectInstance(cmd, preferred)
	if err != nil {
		return "", nil, err
	}
	log := observability.CLILogger.With(zap.String("instance", name))
	client, err := rest.New(inst.RESTConfig(log))
	if err != nil {
		return "", nil, exitError(exitInvalidArgument, "Invalid instance configuration", err)
	}
	return name, client, nil
}

func registryStore() *runregistry.Store {
	return runregistry.NewStore(appConfig.Registry.RegistryDir())
}

// remoteExitError maps a failed remote operation to an exit code.
func remoteExitError(msg string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return exitError(exitSignalInt, msg+" (interrupted)", err)
	case remote.IsInvalidIdentifier(err), remote.IsNotFound(err):
		return exitError(exitInvalidArgument, msg, err)
	default:
		return exitError(exitExternalServiceUnavailable, msg, err)
	}
}
