package monitor

import "go.uber.org/zap"

// AlertSink delivers operator alerts.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the log at warn level.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(message string) error {
	if s.Logger != nil {
		s.Logger.Warn("alert", zap.String("message", message))
	}
	return nil
}
