package transport

import (
	"go.uber.org/zap"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// zapWALogger routes whatsmeow logs into zap.
type zapWALogger struct {
	s *zap.SugaredLogger
}

func newWALogger(log *zap.Logger) waLog.Logger {
	return &zapWALogger{s: log.Sugar()}
}

func (l *zapWALogger) Errorf(msg string, args ...interface{}) { l.s.Errorf(msg, args...) }
func (l *zapWALogger) Warnf(msg string, args ...interface{})  { l.s.Warnf(msg, args...) }
func (l *zapWALogger) Infof(msg string, args ...interface{})  { l.s.Infof(msg, args...) }
func (l *zapWALogger) Debugf(msg string, args ...interface{}) { l.s.Debugf(msg, args...) }

func (l *zapWALogger) Sub(module string) waLog.Logger {
	return &zapWALogger{s: l.s.Named(module)}
}
