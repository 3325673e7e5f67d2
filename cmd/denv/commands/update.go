package commands

import (
	"github.com/spf13/cobra"

	"github.com/denv-project/denv/pkg/builder"
)

func newUpdateCommand() *cobra.Command {
	var (
		all   bool
		force bool
	)

	cmd := &cobra.Command{
		Use:   "update [package...]",
		Short: "Rebuild stale packages",
		Long: `Bring packages and their dependencies up to date. A package is rebuilt
when it has never been built, its artifact is too old, its source tree
changed, or one of its dependencies was rebuilt more recently.`,
		Example: `  # Update specific packages
  denv update python rust

  # Update everything
  denv update --all

  # Force a rebuild regardless of staleness
  denv update python --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pkgs, err := parsePackageNames(args)
			if err != nil {
				return err
			}
			a, _, err := setup()
			if err != nil {
				return err
			}
			policy := builder.IfStale
			if force {
				policy = builder.Always
			}
			return a.UpdatePackages(cmd.Context(), pkgs, all, policy)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "update every known package")
	cmd.Flags().BoolVar(&force, "force", false, "rebuild even when up to date")

	return cmd
}
