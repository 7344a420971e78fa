package mail

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/lynk/internal/metrics"
)

// LogMailer logs messages instead of sending them (for development)
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (l *LogMailer) Send(ctx context.Context, msg Message) error {
	msg, err := msg.validate()
	if err != nil {
		metrics.RecordEmail("log", "invalid")
		return err
	}

	l.logger.Info("logging email (development mode)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("html_bytes", len(msg.HTML)),
	)
	metrics.RecordEmail("log", "ok")
	return nil
}
