package installer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/oshokin/fwforge/internal/api/grpc/status"
	"github.com/oshokin/fwforge/internal/config"
	"github.com/oshokin/fwforge/internal/logger"
)

// WatchOptions controls how a running session is followed.
type WatchOptions struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
	// Address overrides install.status_address.
	Address string
	// PollInterval defines the interval between status checks.
	PollInterval time.Duration
	// Timeout specifies the per-RPC timeout duration.
	Timeout time.Duration
}

// DefaultPollInterval is used when WatchOptions.PollInterval is unset.
const DefaultPollInterval = 2 * time.Second

// errNoStatusAddress is returned when neither config nor flags name an endpoint.
var errNoStatusAddress = errors.New("status address is not configured")

// Watch polls the status endpoint of a running session and logs every change.
// It returns once a session seen SERVING turns NOT_SERVING or its endpoint goes away;
// the saved report tells how the session ended.
func Watch(ctx context.Context, opts *WatchOptions) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "fwforge-watch")

	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	address := cfg.Install.StatusAddress
	if opts.Address != "" {
		address = opts.Address
	}

	if address == "" {
		return errNoStatusAddress
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	client, err := status.Dial(ctx, address, status.WithCallTimeout(opts.Timeout))
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	logger.InfoKV(ctx, "Watching session", "address", address, "interval", opts.PollInterval.String())

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	var (
		last    = healthpb.HealthCheckResponse_UNKNOWN
		running bool
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Context canceled, exiting")
			return nil
		case <-ticker.C:
		}

		current, checkErr := client.Status(ctx)
		if checkErr != nil {
			if running && grpcstatus.Code(checkErr) == codes.Unavailable {
				logger.Info(ctx, "Status endpoint closed, session is over")
				return nil
			}

			logger.DebugKV(ctx, "Status check failed", "error", checkErr)

			continue
		}

		if current != last {
			logger.InfoKV(ctx, "Session status changed", "from", last.String(), "to", current.String())
			last = current
		}

		switch {
		case current == healthpb.HealthCheckResponse_SERVING:
			running = true
		case running && current == healthpb.HealthCheckResponse_NOT_SERVING:
			logger.Info(ctx, "Session stopped serving, session is over")
			return nil
		}
	}
}
