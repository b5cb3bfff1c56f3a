package version

import (
	"fmt"

	"github.com/spf13/cobra"
)

// AttachCobraVersionCommand adds a `version` subcommand printing the build metadata of root.
func AttachCobraVersionCommand(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information.",
		Long: `Print the release, commit and build time of this binary. The same producer
string is stamped into build manifests and installation reports.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), Line(root.Name()))
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "producer:", Tool())
		},
	})
}
