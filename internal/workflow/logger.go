package workflow

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// zapLogger routes Temporal SDK logs into zap.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewLogger adapts l to the Temporal logger interface.
func NewLogger(l *zap.Logger) log.Logger {
	return &zapLogger{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z *zapLogger) Debug(msg string, keyvals ...interface{}) { z.s.Debugw(msg, keyvals...) }
func (z *zapLogger) Info(msg string, keyvals ...interface{})  { z.s.Infow(msg, keyvals...) }
func (z *zapLogger) Warn(msg string, keyvals ...interface{})  { z.s.Warnw(msg, keyvals...) }
func (z *zapLogger) Error(msg string, keyvals ...interface{}) { z.s.Errorw(msg, keyvals...) }

// With returns a logger carrying keyvals on every entry.
func (z *zapLogger) With(keyvals ...interface{}) log.Logger {
	return &zapLogger{s: z.s.With(keyvals...)}
}
