package commands

import (
	"github.com/spf13/cobra"
)

func newStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <environment>...",
		Short: "Stop an environment's running processes",
		Long: `Terminate an environment's running processes without touching its
storage.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := setup()
			if err != nil {
				return err
			}
			for _, raw := range args {
				name, err := parseEnvName(raw)
				if err != nil {
					return err
				}
				if err := a.Runner().Stop(cmd.Context(), name); err != nil {
					return err
				}
				log.Info().Str("environment", name.String()).Msg("environment stopped")
			}
			return nil
		},
	}

	return cmd
}
