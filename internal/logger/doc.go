// Package logger wraps zap with a process-wide console logger whose level
// follows log_level, and carries scoped loggers through context.Context.
//
// Build jobs and installation sessions attach their identifiers with WithJob
// and WithSession, so every line a pipeline step writes names its owner.
package logger
