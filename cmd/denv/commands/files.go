package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04")
}

func newFilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files <environment>",
		Short: "Show an environment's disk usage",
		Long: `Report the total size and last modification time of an environment's
home and work directories. The numbers are lower bounds when some files
could not be read.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseEnvName(args[0])
			if err != nil {
				return err
			}
			a, log, err := setup()
			if err != nil {
				return err
			}
			summary, err := a.Runner().FilesSummary(cmd.Context(), name)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "home  %12d bytes  %s  %s\n",
				summary.Home.TotalBytes, formatTime(summary.Home.LastModified), summary.Home.Path)
			fmt.Fprintf(out, "work  %12d bytes  %s  %s\n",
				summary.Work.TotalBytes, formatTime(summary.Work.LastModified), summary.Work.Path)
			if summary.Errors {
				log.Warn().Msg("some files could not be read; sizes are lower bounds")
			}
			return nil
		},
	}

	return cmd
}
