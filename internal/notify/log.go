package notify

import (
	"github.com/atlas-desktop/backtest-lab/internal/events"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes task log events to the service logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.With(zap.String("component", "task_log"))}
}

// Handle logs a log event at its own level
func (s *LogSink) Handle(event events.Event) error {
	payload, ok := event.Payload.(events.LogPayload)
	if !ok {
		return nil
	}
	level, err := zapcore.ParseLevel(payload.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if ce := s.logger.Check(level, payload.Message); ce != nil {
		ce.Write(zap.String("task_id", event.TaskID), zap.String("event_id", event.ID))
	}
	return nil
}

// Attach subscribes the sink to log events
func (s *LogSink) Attach(bus *events.EventBus) *events.Subscription {
	return bus.Subscribe(events.EventTypeLog, s.Handle)
}
