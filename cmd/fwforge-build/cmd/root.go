package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/fwforge/internal/config"
	"github.com/oshokin/fwforge/internal/service/build"
	"github.com/oshokin/fwforge/internal/version"
)

var (
	// options collects flag values for the build.
	options build.Options

	// rootCmd represents the base command for building a patched artifact.
	rootCmd = &cobra.Command{
		Use:   "fwforge-build [base-archive] [output]",
		Short: "Patch and repack a firmware archive.",
		Long: `Extracts a vendor firmware archive, applies a patch table to the kernel component,
overlays resource files and repacks the tree into a deterministic artifact.

The artifact is optionally signed by the configured signer. A manifest with the
artifact digest, overlay checksums and the patch report is written next to it.
Arguments override base_archive and output from the configuration file.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if len(args) > 0 {
				options.BaseArchive = args[0]
			}

			if len(args) > 1 {
				options.Output = args[1]
			}

			return build.Run(ctx, &options)
		},
	}
)

// Execute runs the fwforge-build CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	flags := rootCmd.Flags()
	flags.StringVarP(&options.ConfigPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	flags.StringVarP(&options.LogLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	flags.StringVarP(&options.PatchSet, "patch-set", "p", "", "patch table applied to the kernel component")
	flags.StringVarP(&options.ResourceDir, "resources", "r", "", "directory overlaid onto the archive")
	flags.BoolVar(&options.RetainStaging, "retain-staging", false, "keep the extracted tree for inspection")
	flags.BoolVar(&options.Trace, "trace", false, "print pipeline spans to stderr")
}
