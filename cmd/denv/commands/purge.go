package commands

import (
	"github.com/spf13/cobra"
)

func newPurgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <environment>...",
		Short: "Destroy environments and all their data",
		Long: `Destroy environments, including their work directories. Purging an
environment that does not exist is not an error.`,
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
				if err := a.Runner().Purge(cmd.Context(), name); err != nil {
					return err
				}
				log.Info().Str("environment", name.String()).Msg("environment purged")
			}
			return nil
		},
	}

	return cmd
}
