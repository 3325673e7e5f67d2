// Package commands implements the denv command line.
package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/denv-project/denv/pkg/app"
	"github.com/denv-project/denv/pkg/config"
	"github.com/denv-project/denv/pkg/names"
	"github.com/denv-project/denv/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log := telemetry.NewStderrLogger(telemetry.LoggingConfig{})
		log.Error().Err(err).Msg("command failed")
		return err
	}
	return nil
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "denv",
		Short: "denv - isolated development environments",
		Long: `denv manages ephemeral, isolated development environments, each built
from a declarative set of software packages and run under one of several
interchangeable isolation backends:

  - bubblewrap: unprivileged namespace sandboxes, one fresh process per run
  - docker:     one persistent container per environment
  - user:       one OS user account per environment

Each environment has a home directory, rebuilt freely from packages, and
a work directory that survives resets.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newNewCommand())
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newPurgeCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newFilesCommand())

	return rootCmd
}

// setup loads the configuration and assembles the orchestrator shared by
// every subcommand.
func setup() (*app.App, zerolog.Logger, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	log := telemetry.NewStderrLogger(cfg.Logging)
	a, err := app.New(cfg, log)
	if err != nil {
		return nil, log, err
	}
	return a, log, nil
}

func parseEnvName(raw string) (names.EnvironmentName, error) {
	return names.NewEnvironmentName(raw)
}

func parsePackageNames(raw []string) ([]names.PackageName, error) {
	out := make([]names.PackageName, 0, len(raw))
	for _, r := range raw {
		p, err := names.NewPackageName(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
