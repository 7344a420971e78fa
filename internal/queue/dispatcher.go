package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/lynk/internal/metrics"
)

// Dispatcher enqueues jobs. It returns as soon as the broker accepted the
// envelope and never waits for the job to run.
type Dispatcher struct {
	broker Broker
	logger *zap.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher publishing to broker
func NewDispatcher(broker Broker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		broker: broker,
		logger: logger,
		now:    time.Now,
	}
}

// Dispatch marshals payload and enqueues it for immediate execution.
// Returns the envelope id.
func (d *Dispatcher) Dispatch(ctx context.Context, kind string, payload any) (string, error) {
	if d == nil || d.broker == nil {
		return "", fmt.Errorf("dispatcher is not initialized")
	}
	if kind == "" {
		return "", fmt.Errorf("job kind is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	env := Envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    body,
		EnqueuedAt: d.now().UTC(),
	}

	if err := d.broker.Publish(ctx, env, 0); err != nil {
		metrics.RecordJobDispatched(kind, "error")
		return "", fmt.Errorf("publish %s: %w", kind, err)
	}

	metrics.RecordJobDispatched(kind, "ok")
	d.logger.Debug("job dispatched",
		zap.String("job_id", env.ID),
		zap.String("kind", kind),
	)

	return env.ID, nil
}
