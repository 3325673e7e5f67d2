package commands

import (
	"github.com/spf13/cobra"
)

func newNewCommand() *cobra.Command {
	var packages []string

	cmd := &cobra.Command{
		Use:   "new <environment>",
		Short: "Create a new environment",
		Long: `Create a new environment from a set of packages. Stale packages are
rebuilt first; the resulting artifacts seed the environment's home
directory. Without --package the "default" package is used.`,
		Example: `  # Create an environment from the default package
  denv new scratch

  # Create an environment with specific packages
  denv new py-work --package python --package git`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseEnvName(args[0])
			if err != nil {
				return err
			}
			pkgs, err := parsePackageNames(packages)
			if err != nil {
				return err
			}
			a, log, err := setup()
			if err != nil {
				return err
			}
			if err := a.NewEnvironment(cmd.Context(), name, pkgs); err != nil {
				return err
			}
			log.Info().Str("environment", name.String()).Msg("environment created")
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&packages, "package", "p", nil, "packages to seed the environment with")

	return cmd
}
