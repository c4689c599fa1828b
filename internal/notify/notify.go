// Package notify delivers escrow status updates to users over pluggable
// sinks: structured logs, live WebSocket streams, and signed webhooks.
// Delivery is best-effort; a failing sink never blocks an escrow transition.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/quaymarket/quay/internal/metrics"
)

// timeNow is swapped out in tests.
var timeNow = time.Now

// Sink receives user-facing notifications.
type Sink interface {
	Notify(ctx context.Context, userID, message string, metadata map[string]string)
}

// Multi fans a notification out to every configured sink.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a fan-out sink.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Notify(ctx context.Context, userID, message string, metadata map[string]string) {
	for _, s := range m.sinks {
		s.Notify(ctx, userID, message, metadata)
	}
}

// LogSink writes notifications to the structured log. Always configured, so
// every user-facing message leaves an audit trail.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Notify(ctx context.Context, userID, message string, metadata map[string]string) {
	attrs := []any{"user_id", userID, "message", message}
	for k, v := range metadata {
		attrs = append(attrs, k, v)
	}
	l.logger.Info("notification", attrs...)
	metrics.NotificationsTotal.WithLabelValues("log", "success").Inc()
}

// Compile-time assertions.
var (
	_ Sink = (*Multi)(nil)
	_ Sink = (*LogSink)(nil)
)
