// Package monitoring provides the observability hooks invoked around codec,
// policy, and chain operations.
package monitoring

import (
	"context"
	"log"
	"time"
)

// ObservabilityHook receives lifecycle callbacks for engine operations.
// Implementations must be safe for concurrent use; hooks run on the request
// path and should never block.
type ObservabilityHook interface {
	// Called before an operation starts
	OnProcessStart(ctx context.Context, operation string, metadata map[string]any)

	// Called after an operation completes (success or failure)
	OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any)

	// Called when errors occur
	OnError(ctx context.Context, operation string, err error, metadata map[string]any)

	// Called for KEK lifecycle operations (create, rotate, revoke)
	OnKeyOperation(ctx context.Context, operation string, keyAlias string, keyVersion int, metadata map[string]any)
}

// NoOpHook is a no-op implementation of ObservabilityHook.
type NoOpHook struct{}

func (n *NoOpHook) OnProcessStart(ctx context.Context, operation string, metadata map[string]any) {}
func (n *NoOpHook) OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any) {
}
func (n *NoOpHook) OnError(ctx context.Context, operation string, err error, metadata map[string]any) {
}
func (n *NoOpHook) OnKeyOperation(ctx context.Context, operation string, keyAlias string, keyVersion int, metadata map[string]any) {
}

// Logger is the minimal logging contract used by LoggingHook.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

// StandardLogger wraps the standard log package.
type StandardLogger struct{}

func (s *StandardLogger) Info(msg string, args ...any)  { log.Printf("[INFO] "+msg, args...) }
func (s *StandardLogger) Error(msg string, args ...any) { log.Printf("[ERROR] "+msg, args...) }
func (s *StandardLogger) Debug(msg string, args ...any) { log.Printf("[DEBUG] "+msg, args...) }

// LoggingHook logs every operation through a Logger.
type LoggingHook struct {
	logger Logger
}

// NewLoggingHook creates a logging hook; a nil logger falls back to the
// standard log package.
func NewLoggingHook(logger Logger) *LoggingHook {
	if logger == nil {
		logger = &StandardLogger{}
	}
	return &LoggingHook{logger: logger}
}

func (l *LoggingHook) OnProcessStart(ctx context.Context, operation string, metadata map[string]any) {
	l.logger.Debug("operation started: %s, metadata: %v", operation, metadata)
}

func (l *LoggingHook) OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any) {
	if err != nil {
		l.logger.Error("operation failed: %s, duration: %v, error: %v, metadata: %v", operation, duration, err, metadata)
		return
	}
	l.logger.Info("operation completed: %s, duration: %v", operation, duration)
}

func (l *LoggingHook) OnError(ctx context.Context, operation string, err error, metadata map[string]any) {
	l.logger.Error("operation error: %s, error: %v, metadata: %v", operation, err, metadata)
}

func (l *LoggingHook) OnKeyOperation(ctx context.Context, operation string, keyAlias string, keyVersion int, metadata map[string]any) {
	l.logger.Info("key operation: %s, alias: %s, version: %d", operation, keyAlias, keyVersion)
}
