package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/fwforge/internal/config"
	"github.com/oshokin/fwforge/internal/service/installer"
	"github.com/oshokin/fwforge/internal/version"
)

var (
	// options collects flag values for the session.
	options installer.Options
	// watchOptions collects flag values for watch.
	watchOptions installer.WatchOptions

	// rootCmd represents the base command for installing an artifact on a device.
	rootCmd = &cobra.Command{
		Use:   "fwforge-install [artifact]",
		Short: "Install a firmware artifact on a connected device.",
		Long: `Runs one installation session: detects the device, checks compatibility, takes a
backup, verifies the artifact, waits for DFU mode, flashes and verifies the result.

Flashing erases the device. It only starts after the operator types the erase
token, or when a token is pre-approved with --flash-token. Warnings never stop a
session but are listed in the report, which is saved and printed at the end.
Interrupting is honored until flashing starts; a running flash is never aborted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if len(args) > 0 {
				options.Artifact = args[0]
			}

			options.In = c.InOrStdin()
			options.Out = c.OutOrStdout()

			return installer.Run(ctx, &options)
		},
	}

	// reportsCmd lists stored reports or prints one.
	reportsCmd = &cobra.Command{
		Use:   "reports [session-id]",
		Short: "List stored installation reports or print one.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var sessionID string
			if len(args) > 0 {
				sessionID = args[0]
			}

			return installer.ShowReports(c.Context(), options.ConfigPath, sessionID, c.OutOrStdout())
		},
	}

	// watchCmd follows a running session through its status endpoint.
	watchCmd = &cobra.Command{
		Use:   "watch [address]",
		Short: "Follow a running installation through its status endpoint.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if len(args) > 0 {
				watchOptions.Address = args[0]
			}

			watchOptions.ConfigPath = options.ConfigPath

			return installer.Watch(ctx, &watchOptions)
		},
	}
)

// Execute runs the fwforge-install CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)
	rootCmd.AddCommand(reportsCmd, watchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().
		StringVarP(&options.ConfigPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")

	flags := rootCmd.Flags()
	flags.StringVarP(&options.LogLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	flags.StringVarP(&options.TargetProductType, "product-type", "p", "", "expected device product type")
	flags.StringVarP(&options.TargetOSVersion, "os-version", "o", "", "OS version the artifact installs")
	flags.BoolVar(&options.Strict, "strict", false, "fail on a product type mismatch instead of warning")
	flags.BoolVarP(&options.AssumeYes, "yes", "y", false, "answer yes to every non-destructive confirmation")
	flags.StringVar(&options.FlashToken, "flash-token", "", "pre-approved erase token for unattended flashing")

	watchFlags := watchCmd.Flags()
	watchFlags.DurationVar(&watchOptions.PollInterval, "interval", installer.DefaultPollInterval, "interval between status checks")
	watchFlags.DurationVar(&watchOptions.Timeout, "timeout", 0, "timeout of one status check")
}
