package cli

import (
	"fmt"

	"github.com/Harshitk-cp/agentruntime/internal/buildconfig"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", buildconfig.Version(), buildconfig.Commit())
			return err
		},
	}
}
