package kafka

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/coachpo/geyserpub/internal/observability"
)

// clientLogger forwards franz-go client logs to the pipeline logger.
type clientLogger struct {
	level  kgo.LogLevel
	logger observability.Logger
}

func newClientLogger(logger observability.Logger, level kgo.LogLevel) *clientLogger {
	return &clientLogger{level: level, logger: logger}
}

func (l *clientLogger) Level() kgo.LogLevel {
	return l.level
}

func (l *clientLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	fields := make([]observability.Field, 0, len(keyvals)/2+1)
	fields = append(fields, observability.F("component", "franz-go"))
	for i := 0; i+1 < len(keyvals); i += 2 {
		fields = append(fields, observability.F(fmt.Sprint(keyvals[i]), keyvals[i+1]))
	}
	switch level {
	case kgo.LogLevelError:
		l.logger.Error(msg, fields...)
	case kgo.LogLevelWarn:
		l.logger.Warn(msg, fields...)
	case kgo.LogLevelInfo:
		l.logger.Info(msg, fields...)
	default:
		l.logger.Debug(msg, fields...)
	}
}
