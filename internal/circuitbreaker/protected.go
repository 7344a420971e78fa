package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/lynk/internal/mail"
)

// ProtectedMailer decorates a Mailer with a CircuitBreaker. Permanent
// delivery errors (bad address, provider rejection) prove the provider is
// up, so they do not count toward opening the circuit.
type ProtectedMailer struct {
	mailer  mail.Mailer
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedMailer(mailer mail.Mailer, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedMailer {
	return &ProtectedMailer{
		mailer:  mailer,
		breaker: breaker,
		logger:  logger,
	}
}

// Send fails fast with ErrCircuitOpen while the circuit is open. The job
// runner treats that as a transient failure and retries after backoff.
func (p *ProtectedMailer) Send(ctx context.Context, msg mail.Message) error {
	err := p.breaker.Do(func() error {
		return p.mailer.Send(ctx, msg)
	}, func(err error) bool {
		return !mail.IsPermanent(err)
	})

	if err != nil && p.breaker.GetState() != StateClosed {
		p.logger.Warn("mail circuit not closed",
			zap.String("breaker", p.breaker.Name()),
			zap.String("state", p.breaker.GetState().String()),
			zap.Error(err),
		)
	}
	return err
}

// Breaker returns the underlying circuit breaker for the health endpoint.
func (p *ProtectedMailer) Breaker() *CircuitBreaker {
	return p.breaker
}
