package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/fwforge/internal/install"
	"github.com/oshokin/fwforge/internal/logger"
)

// ServiceName is the health service reflecting session liveness.
const ServiceName = "fwforge.install"

// Reporter maps session transitions to health statuses.
type Reporter struct {
	install.NopObserver

	// health is the gRPC health implementation being updated.
	health *health.Server

	// mu protects state.
	mu sync.Mutex
	// state is the last observed session state.
	state install.State
}

// NewReporter returns a reporter starting NOT_SERVING.
func NewReporter() *Reporter {
	h := health.NewServer()
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Reporter{health: h, state: install.StateIdle}
}

// Health returns the health server to register on a gRPC server.
func (r *Reporter) Health() healthpb.HealthServer {
	return r.health
}

// State returns the last observed session state.
func (r *Reporter) State() install.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// OnTransition implements install.Observer.
func (r *Reporter) OnTransition(_ context.Context, _ *install.Session, transition install.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = transition.To

	status := healthpb.HealthCheckResponse_SERVING
	if transition.To == install.StateFailed {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	r.health.SetServingStatus(ServiceName, status)
}

// Shutdown marks every service NOT_SERVING and ends watch streams.
func (r *Reporter) Shutdown() {
	r.health.Shutdown()
}

// Serve exposes the reporter on address until ctx is canceled.
func Serve(ctx context.Context, address string, reporter *Reporter) error {
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, reporter.Health())

	logger.InfoKV(ctx, "Status endpoint listening", "listen_address", lis.Addr().String())

	// Done channel is closed after GracefulStop finishes.
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		reporter.Shutdown()
		grpcServer.GracefulStop()
		close(done)
	}()

	if err = grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}

	<-done

	return nil
}
