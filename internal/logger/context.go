package logger

import (
	"context"

	"go.uber.org/zap"
)

const (
	// sessionKey names the installation session field.
	sessionKey = "session"
	// jobKey names the build job field.
	jobKey = "job"
)

// contextKey is the private key type for storing the logger in a context.
type contextKey struct{}

// ToContext returns a copy of ctx carrying the provided logger.
func ToContext(ctx context.Context, l *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger stored in ctx or the global logger.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if ctx == nil {
		return global
	}

	if l, ok := ctx.Value(contextKey{}).(*zap.SugaredLogger); ok && l != nil {
		return l
	}

	return global
}

// WithName appends a name segment to the context logger.
func WithName(ctx context.Context, name string) context.Context {
	return ToContext(ctx, FromContext(ctx).Named(name))
}

// WithKV attaches a single key-value pair to the context logger.
func WithKV(ctx context.Context, key string, value any) context.Context {
	return ToContext(ctx, FromContext(ctx).With(key, value))
}

// WithSession scopes the context logger to one installation session.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return WithKV(ctx, sessionKey, sessionID)
}

// WithJob scopes the context logger to one build job.
func WithJob(ctx context.Context, job string) context.Context {
	return WithKV(ctx, jobKey, job)
}
