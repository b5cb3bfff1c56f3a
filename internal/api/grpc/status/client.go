package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// defaultCallTimeout bounds one health check.
const defaultCallTimeout = 5 * time.Second

// errAddressRequired is returned by Dial without an endpoint.
var errAddressRequired = errors.New("address must be provided")

// Client queries the status endpoint of a running installation.
type Client struct {
	// conn is the underlying gRPC connection.
	conn *grpc.ClientConn
	// api is the generated health client.
	api healthpb.HealthClient

	// callTimeout bounds each Status call.
	callTimeout time.Duration
}

// ClientOption configures client behaviour.
type ClientOption func(*Client)

// WithCallTimeout sets a default timeout for health checks.
func WithCallTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// Dial prepares a connection to the status endpoint.
// Note: this uses insecure transport credentials; the endpoint is meant for
// loopback or a trusted bench network.
func Dial(_ context.Context, address string, opts ...ClientOption) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial status endpoint: %w", err)
	}

	client := &Client{
		conn:        conn,
		api:         healthpb.NewHealthClient(conn),
		callTimeout: defaultCallTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Close drops the connection to the endpoint.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// Status returns the serving status of the installation service.
func (c *Client) Status(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.Check(callCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("check status: %w", err)
	}

	return resp.GetStatus(), nil
}

// callContext returns a context with the client's call timeout.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}
