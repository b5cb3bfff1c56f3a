package signer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/oshokin/fwforge/internal/logger"
)

// ErrSigning matches every *SigningError.
var ErrSigning = errors.New("signing failed")

// SigningError carries the signer's verbatim output.
type SigningError struct {
	// Command is the signer executable.
	Command string
	// Output is the combined stdout and stderr.
	Output string
	// Err is the cause.
	Err error
}

// Error implements error.
func (e *SigningError) Error() string {
	output := strings.TrimSpace(e.Output)
	if output == "" {
		return fmt.Sprintf("sign with %s: %v", e.Command, e.Err)
	}

	return fmt.Sprintf("sign with %s: %v: %s", e.Command, e.Err, output)
}

// Unwrap exposes ErrSigning and the cause.
func (e *SigningError) Unwrap() []error {
	return []error{ErrSigning, e.Err}
}

// Signer signs an artifact and returns the path of the signed artifact.
type Signer interface {
	Sign(ctx context.Context, artifactPath, credential string) (string, error)
}

// Runner executes name with args and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Command invokes "<command> <artifact> <credential>".
// The last output line names the signed artifact when it is an existing file;
// otherwise the artifact is assumed to be signed in place.
type Command struct {
	// command is the executable.
	command string
	// timeout bounds one invocation.
	timeout time.Duration
	// run executes the command.
	run Runner
}

// Option configures a Command.
type Option func(*Command)

// WithRunner replaces process execution.
func WithRunner(run Runner) Option {
	return func(c *Command) {
		if run != nil {
			c.run = run
		}
	}
}

// NewCommand returns a signer running command.
func NewCommand(command string, timeout time.Duration, opts ...Option) *Command {
	c := &Command{
		command: command,
		timeout: timeout,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Sign implements Signer.
func (c *Command) Sign(ctx context.Context, artifactPath, credential string) (string, error) {
	callCtx := ctx

	if c.timeout > 0 {
		var cancel context.CancelFunc

		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	logger.InfoKV(ctx, "Signing artifact", "signer", c.command, "artifact", artifactPath)

	output, err := c.run(callCtx, c.command, artifactPath, credential)
	if err != nil {
		return "", &SigningError{Command: c.command, Output: string(output), Err: err}
	}

	if signed := lastLine(string(output)); signed != "" {
		if !filepath.IsAbs(signed) {
			signed = filepath.Join(filepath.Dir(artifactPath), signed)
		}

		if info, statErr := os.Stat(signed); statErr == nil && !info.IsDir() {
			return signed, nil
		}
	}

	return artifactPath, nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")

	return strings.TrimSpace(lines[len(lines)-1])
}
