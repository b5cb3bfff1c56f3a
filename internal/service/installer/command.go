package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/oshokin/fwforge/internal/api/grpc/status"
	"github.com/oshokin/fwforge/internal/config"
	"github.com/oshokin/fwforge/internal/confirm"
	"github.com/oshokin/fwforge/internal/device"
	"github.com/oshokin/fwforge/internal/events"
	"github.com/oshokin/fwforge/internal/install"
	"github.com/oshokin/fwforge/internal/logger"
	"github.com/oshokin/fwforge/internal/metrics"
	"github.com/oshokin/fwforge/internal/repository/report"
)

// Options controls one fwforge-install run. Non-empty fields override the config file.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// LogLevel overrides log_level.
	LogLevel string
	// Artifact overrides install.artifact.
	Artifact string
	// TargetProductType overrides install.target_product_type.
	TargetProductType string
	// TargetOSVersion overrides install.target_os_version.
	TargetOSVersion string
	// Strict makes a product type mismatch fatal.
	Strict bool
	// AssumeYes answers yes/no confirmations affirmatively.
	AssumeYes bool
	// FlashToken pre-approves the destructive flash.
	FlashToken string
	// In is read for interactive confirmations (defaults to stdin).
	In io.Reader
	// Out receives prompts and the report summary (defaults to stdout).
	Out io.Writer
	// Handle replaces the device tool adapter.
	Handle device.Handle
}

// Run executes one installation session and returns its failure, if any.
// The report is persisted and summarized whatever the outcome.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "fwforge-install")

	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}

	if err = logger.SetLevelFromString(cfg.LogLevel); err != nil {
		return err
	}

	opts.apply(&cfg.Install)

	if err = config.ValidateInstall(&cfg.Install); err != nil {
		return err
	}

	in, out := opts.In, opts.Out
	if in == nil {
		in = os.Stdin
	}

	if out == nil {
		out = os.Stdout
	}

	repo, err := report.Open(cfg.Install.Report)
	if err != nil {
		return fmt.Errorf("open report store: %w", err)
	}

	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.WarnKV(ctx, "Failed to close report store", "error", closeErr)
		}
	}()

	m := metrics.New()
	observers := install.Observers{m.Observer()}

	if cfg.Install.NATSURL != "" {
		observer, closeEvents := connectEvents(ctx, cfg.Install.NATSURL)
		if observer != nil {
			defer closeEvents()

			observers = append(observers, observer)
		}
	}

	if cfg.Install.StatusAddress != "" {
		reporter, stopStatus := serveStatus(ctx, cfg.Install.StatusAddress)
		defer stopStatus()

		observers = append(observers, reporter)
	}

	handle := opts.Handle
	if handle == nil {
		handle = device.NewToolHandle(
			device.Tools(cfg.Install.Tools),
			device.Timeouts(cfg.Install.Timeouts),
		)
	}

	orchestratorOpts := []install.Option{
		install.WithObserver(observers),
		install.WithLocker(install.NewFileLocker(cfg.Install.LockDir)),
	}

	if operator, detectErr := install.DetectOperator(); detectErr == nil {
		orchestratorOpts = append(orchestratorOpts, install.WithOperator(operator))
	} else {
		logger.WarnKV(ctx, "Operator unknown, report will not name it", "error", detectErr)
	}

	orchestrator := install.New(
		install.SettingsFromConfig(&cfg.Install),
		handle,
		newConfirmer(&cfg.Install, in, out),
		orchestratorOpts...,
	)

	rep, runErr := orchestrator.Run(ctx)

	// The session is over; persisting its record must not be cut short.
	saveCtx := context.WithoutCancel(ctx)

	var saveErr error
	if err = repo.Save(saveCtx, rep); err != nil {
		saveErr = fmt.Errorf("save report: %w", err)
	}

	if cfg.Install.MetricsTextfile != "" {
		saveErr = errors.Join(saveErr, m.WriteTextfile(cfg.Install.MetricsTextfile))
	}

	printReport(out, rep, cfg.Install.Report)

	return errors.Join(runErr, saveErr)
}

// apply copies non-empty overrides into the install section.
func (o *Options) apply(in *config.Install) {
	if o.Artifact != "" {
		in.Artifact = o.Artifact
	}

	if o.TargetProductType != "" {
		in.TargetProductType = o.TargetProductType
	}

	if o.TargetOSVersion != "" {
		in.TargetOSVersion = o.TargetOSVersion
	}

	if o.Strict {
		in.Strict = true
	}

	if o.AssumeYes {
		in.AssumeYes = true
	}

	if o.FlashToken != "" {
		in.FlashToken = o.FlashToken
	}
}

// newConfirmer answers from configuration where it can and asks the terminal otherwise.
func newConfirmer(in *config.Install, r io.Reader, w io.Writer) install.Confirmer {
	terminal := confirm.NewTerminal(r, w)

	if !in.AssumeYes && in.FlashToken == "" {
		return terminal
	}

	scripted := confirm.Scripted{AssumeYes: in.AssumeYes, FlashToken: in.FlashToken}

	return install.ConfirmerFunc(func(ctx context.Context, request install.ConfirmationRequest) (install.Decision, error) {
		if request.Token != "" && scripted.FlashToken == "" {
			return terminal.Confirm(ctx, request)
		}

		if request.Token == "" && !scripted.AssumeYes {
			return terminal.Confirm(ctx, request)
		}

		return scripted.Confirm(ctx, request)
	})
}

// connectEvents dials the broker. Publishing is best effort, so a failed dial only logs.
func connectEvents(ctx context.Context, url string) (install.Observer, func()) {
	conn, err := events.Connect(ctx, url)
	if err != nil {
		logger.WarnKV(ctx, "Session events disabled, broker unreachable", "url", url, "error", err)

		return nil, nil
	}

	closeConn := func() {
		if flushErr := conn.Flush(); flushErr != nil {
			logger.WarnKV(ctx, "Failed to flush session events", "error", flushErr)
		}

		conn.Close()
	}

	return events.NewObserver(conn), closeConn
}

// serveStatus exposes the session state over gRPC health until the returned stop is called.
func serveStatus(ctx context.Context, address string) (*status.Reporter, func()) {
	reporter := status.NewReporter()

	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)

	go func() {
		done <- status.Serve(serveCtx, address, reporter)
	}()

	stop := func() {
		cancel()

		if err := <-done; err != nil {
			logger.WarnKV(ctx, "Status endpoint failed", "address", address, "error", err)
		}
	}

	return reporter, stop
}

// printReport writes a human-readable summary of the session.
func printReport(w io.Writer, rep *install.Report, store config.Report) {
	p := func(format string, args ...any) {
		_, _ = fmt.Fprintf(w, format+"\n", args...)
	}

	p("Session:   %s", rep.SessionID)
	p("State:     %s", rep.State)

	if rep.Device.ID != "" {
		p("Device:    %s (%s, %s)", rep.Device.ID, rep.Device.ProductType, rep.Device.OSVersion)
	}

	if rep.Operator.Username != "" {
		p("Operator:  %s@%s", rep.Operator.Username, rep.Operator.Hostname)
	}

	p("Artifact:  %s (%d bytes)", rep.ArtifactPath, rep.ArtifactSize)

	if rep.BackupPath != "" {
		backup := "ok"
		if !rep.BackupSucceeded {
			backup = "FAILED"
		}

		p("Backup:    %s (%s)", rep.BackupPath, backup)
	}

	if rep.PostFlashOSVersion != "" {
		p("Installed: %s", rep.PostFlashOSVersion)
	}

	p("Duration:  %s", rep.Duration)

	if len(rep.Warnings) > 0 {
		p("Warnings:")

		for _, warning := range rep.Warnings {
			p("  - [%s] %s", warning.Code, warning.Message)
		}
	}

	if rep.Failure != nil {
		p("Failure:   %s in %s: %s", rep.Failure.Reason, rep.Failure.State, rep.Failure.Diagnostic)
	}

	p("Report:    %s store at %s", store.Store, store.Path)
}
