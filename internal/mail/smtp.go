package mail

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/lalithlochan/lynk/internal/metrics"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends through an SMTP relay, one connection per message.
type SMTPMailer struct {
	from   string
	send   func(...*gomail.Message) error
	logger *zap.Logger
}

func NewSMTPMailer(cfg SMTPConfig, logger *zap.Logger) *SMTPMailer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &SMTPMailer{
		from:   cfg.From,
		send:   d.DialAndSend,
		logger: logger,
	}
}

func (s *SMTPMailer) Send(ctx context.Context, msg Message) error {
	msg, err := msg.validate()
	if err != nil {
		metrics.RecordEmail("smtp", "invalid")
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)

	switch {
	case msg.HTML != "" && msg.Text != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	if err := s.send(m); err != nil {
		metrics.RecordEmail("smtp", "error")
		return fmt.Errorf("smtp send error: %w", err)
	}

	metrics.RecordEmail("smtp", "ok")
	s.logger.Debug("email sent via SMTP", zap.String("to", msg.To))
	return nil
}
