package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meridianbrokers/courier/internal/sender"
	"github.com/meridianbrokers/courier/internal/store"
)

// ProtectedSender wraps a channel sender with a CircuitBreaker. When the
// provider behind the channel starts failing, the circuit opens and sends
// fail fast with ErrCircuitOpen instead of piling up timeouts. The
// dispatcher treats that as a deferral, not a failed attempt.
type ProtectedSender struct {
	sender  sender.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(s sender.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  s,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts the send through the circuit breaker.
func (p *ProtectedSender) Send(ctx context.Context, msg *store.QueuedMessage) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("message_id", msg.ID.String()),
			zap.String("channel", string(msg.Channel)),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, msg)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
