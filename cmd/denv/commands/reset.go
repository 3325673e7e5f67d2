package commands

import (
	"github.com/spf13/cobra"
)

func newResetCommand() *cobra.Command {
	var packages []string

	cmd := &cobra.Command{
		Use:   "reset <environment>",
		Short: "Rebuild an environment, preserving its work directory",
		Long: `Tear down and recreate an environment's home directory while keeping
its work directory. Without --package the package set the environment
was created with is recovered from its work directory.`,
		Example: `  # Reset with the previously requested packages
  denv reset py-work

  # Reset with a different package set
  denv reset py-work --package python --package rust`,
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
			if err := a.ResetEnvironment(cmd.Context(), name, pkgs); err != nil {
				return err
			}
			log.Info().Str("environment", name.String()).Msg("environment reset")
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&packages, "package", "p", nil, "packages to seed the environment with")

	return cmd
}
