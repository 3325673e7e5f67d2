package commands

import (
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <environment> [-- command...]",
		Short: "Run a shell or a command inside an environment",
		Long: `Attach an interactive login shell to the environment, or run a single
command when one is given after --.`,
		Example: `  # Open a shell
  denv run py-work

  # Run a command
  denv run py-work -- python -m pytest`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseEnvName(args[0])
			if err != nil {
				return err
			}
			a, _, err := setup()
			if err != nil {
				return err
			}
			return a.RunCommand(cmd.Context(), name, args[1:])
		},
	}

	return cmd
}
