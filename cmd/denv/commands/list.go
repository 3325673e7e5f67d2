package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List environments",
		Long: `List every environment the active backend knows about, including
half-created ones.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := setup()
			if err != nil {
				return err
			}
			envs, err := a.Runner().List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range envs {
				state, err := a.Runner().Exists(cmd.Context(), name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-16s %s\n", state, name)
			}
			return nil
		},
	}

	return cmd
}
