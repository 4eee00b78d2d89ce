package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init creates a slog.Logger using the provided configuration and installs it
// as the process-wide default logger.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured slog.Logger using the provided configuration.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	handler := newHandler(cfg, writer)
	return slog.New(handler)
}

func newHandler(cfg Config, writer io.Writer) slog.Handler {
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	switch LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) {
	case FormatText:
		return slog.NewTextHandler(writer, options)
	default:
		return slog.NewJSONHandler(writer, options)
	}
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l := slog.LevelDebug
		return &l
	case "warn", "warning":
		l := slog.LevelWarn
		return &l
	case "error":
		l := slog.LevelError
		return &l
	case "info", "":
		fallthrough
	default:
		l := slog.LevelInfo
		return &l
	}
}

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	jobIDKey     contextKey = "job_id"
	loggerKey    contextKey = "logger"
)

// ContextWithRequestID adds the provided request ID to the context when it is non-empty.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, trimmed)
}

// RequestIDFromContext extracts the request ID previously stored on the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(requestIDKey).(string)
	return value, ok && value != ""
}

// jobIDSlot is a mutable, request-scoped holder for the job ID a pipeline
// run produces. Unlike the request ID, which the client supplies (or the
// middleware mints) before the handler ever runs, a job ID does not exist
// until the orchestrator mints one partway through Process - so it can't be
// attached to the context up front. requestIDMiddleware installs an empty
// slot before calling the handler; the handler fills it in via SetJobID once
// pipeline.Orchestrator.Process returns a result, and the access-log
// middleware reads it back after ServeHTTP returns to include it on the
// final "request completed" line.
type jobIDSlot struct {
	mu sync.Mutex
	id string
}

func (s *jobIDSlot) set(id string) {
	s.mu.Lock()
	s.id = strings.TrimSpace(id)
	s.mu.Unlock()
}

func (s *jobIDSlot) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// ContextWithJobIDSlot installs an empty job ID slot on the context for the
// in-flight request. Call SetJobID once the job ID is known and
// JobIDFromContext to read it back.
func ContextWithJobIDSlot(ctx context.Context) context.Context {
	return context.WithValue(ctx, jobIDKey, &jobIDSlot{})
}

// SetJobID records the job ID produced for the in-flight request. It is a
// no-op when the context was not prepared with ContextWithJobIDSlot.
func SetJobID(ctx context.Context, id string) {
	if slot, ok := ctx.Value(jobIDKey).(*jobIDSlot); ok {
		slot.set(id)
	}
}

// JobIDFromContext extracts the job ID recorded for the in-flight request,
// if the orchestrator has produced one yet.
func JobIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	slot, ok := ctx.Value(jobIDKey).(*jobIDSlot)
	if !ok {
		return "", false
	}
	id := slot.get()
	return id, id != ""
}

// ContextWithLogger attaches a logger to the context when available.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves a logger previously stored on the context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// WithContext returns a logger annotated with request and job IDs held in the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if requestID, ok := RequestIDFromContext(ctx); ok {
		logger = logger.With("request_id", requestID)
	}
	if jobID, ok := JobIDFromContext(ctx); ok {
		logger = logger.With("job_id", jobID)
	}
	return logger
}

